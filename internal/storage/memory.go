package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Hub is shared in-process storage. Every Memory attached to the same Hub
// sees the same keys, the way tabs of one browser profile share storage.
type Hub struct {
	mu     sync.Mutex
	data   map[string]string
	seq    int64
	queues map[*changeQueue]struct{}
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{
		data:   make(map[string]string),
		queues: make(map[*changeQueue]struct{}),
	}
}

// Memory is a Durable backed by a Hub. It survives nothing but the process;
// it is the fallback when real storage is unavailable.
type Memory struct {
	hub    *Hub
	origin string

	mu     sync.Mutex
	closed bool
}

var _ Durable = (*Memory)(nil)

// NewMemory attaches a new origin to hub. A nil hub gets a private one.
func NewMemory(hub *Hub) *Memory {
	if hub == nil {
		hub = NewHub()
	}
	return &Memory{hub: hub, origin: uuid.New().String()}
}

func (m *Memory) Origin() string { return m.origin }

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	if err := m.checkOpen(); err != nil {
		return "", false, err
	}
	m.hub.mu.Lock()
	defer m.hub.mu.Unlock()
	v, ok := m.hub.data[key]
	return v, ok, nil
}

func (m *Memory) GetMany(_ context.Context, keys ...string) (map[string]string, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	m.hub.mu.Lock()
	defer m.hub.mu.Unlock()
	return m.hub.snapshotLocked(keys), nil
}

func (m *Memory) Set(_ context.Context, values map[string]string) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	m.hub.mu.Lock()
	defer m.hub.mu.Unlock()
	now := time.Now().UTC()
	for _, k := range keys {
		old, had := m.hub.data[k]
		if had && old == values[k] {
			continue
		}
		m.hub.data[k] = values[k]
		c := Change{Key: k, NewValue: strPtr(values[k]), Origin: m.origin, At: now}
		if had {
			c.OldValue = strPtr(old)
		}
		m.hub.publishLocked(c)
	}
	return nil
}

func (m *Memory) Remove(_ context.Context, keys ...string) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	m.hub.mu.Lock()
	defer m.hub.mu.Unlock()
	m.removeLocked(keys)
	return nil
}

func (m *Memory) RemoveIf(_ context.Context, expected map[string]string, keys ...string) (bool, error) {
	if err := m.checkOpen(); err != nil {
		return false, err
	}
	m.hub.mu.Lock()
	defer m.hub.mu.Unlock()
	if !matches(m.hub.snapshotLocked(keys), expected, keys) {
		return false, nil
	}
	m.removeLocked(keys)
	return true, nil
}

// removeLocked must be called with m.hub.mu held.
func (m *Memory) removeLocked(keys []string) {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)

	now := time.Now().UTC()
	for _, k := range sorted {
		old, had := m.hub.data[k]
		if !had {
			continue
		}
		delete(m.hub.data, k)
		m.hub.publishLocked(Change{Key: k, OldValue: strPtr(old), Origin: m.origin, At: now})
	}
}

// Watch delivers changes made by other Memory stores on the same Hub.
func (m *Memory) Watch(ctx context.Context, fn func(Change)) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	q := &changeQueue{origin: m.origin, notify: make(chan struct{}, 1)}
	m.hub.mu.Lock()
	m.hub.queues[q] = struct{}{}
	m.hub.mu.Unlock()
	defer func() {
		m.hub.mu.Lock()
		delete(m.hub.queues, q)
		m.hub.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-q.notify:
		}
		for _, c := range q.drain() {
			fn(c)
		}
	}
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *Memory) checkOpen() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

func (h *Hub) snapshotLocked(keys []string) map[string]string {
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		if v, ok := h.data[k]; ok {
			out[k] = v
		}
	}
	return out
}

// publishLocked must be called with h.mu held.
func (h *Hub) publishLocked(c Change) {
	h.seq++
	c.Seq = h.seq
	for q := range h.queues {
		if q.origin == c.Origin {
			continue
		}
		q.push(c)
	}
}

// changeQueue is an unbounded FIFO so a slow watcher never blocks writers.
type changeQueue struct {
	origin string
	notify chan struct{}

	mu      sync.Mutex
	pending []Change
}

func (q *changeQueue) push(c Change) {
	q.mu.Lock()
	q.pending = append(q.pending, c)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *changeQueue) drain() []Change {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.pending
	q.pending = nil
	return out
}
