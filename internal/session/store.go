package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/naviya/webclient/internal/storage"
)

type Store struct {
	// writeMu serializes mutations with their notifications so listeners
	// observe changes in the order they happened.
	writeMu sync.Mutex

	mu       sync.RWMutex
	current  *Session
	durable  storage.Durable
	degraded error

	listenersMu sync.Mutex
	listeners   []listenerEntry
	nextID      int

	warnOnce sync.Once
	logger   *slog.Logger
}

type listenerEntry struct {
	id int
	fn Listener
}

// New creates a Store over durable and loads the persisted session.
// A nil durable starts the Store in degraded in-memory mode.
func New(ctx context.Context, durable storage.Durable, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{durable: durable, logger: logger}
	if durable == nil {
		s.degrade(storage.ErrUnavailable)
		return s
	}

	sess, err := s.load(ctx)
	if err != nil {
		s.degrade(err)
		return s
	}
	s.current = sess
	return s
}

// Get returns a copy of the current session, or nil when signed out.
func (s *Store) Get() *Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return clone(s.current)
}

// Set persists sess and notifies subscribers once.
func (s *Store) Set(ctx context.Context, sess Session) error {
	if err := sess.validate(); err != nil {
		return err
	}
	userJSON, err := json.Marshal(sess.User)
	if err != nil {
		return fmt.Errorf("encoding user: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if d := s.activeDurable(); d != nil {
		err := d.Set(ctx, map[string]string{
			KeyUser:         string(userJSON),
			KeyAccessToken:  sess.AccessToken,
			KeyRefreshToken: sess.RefreshToken,
		})
		if err != nil {
			s.degrade(err)
		}
	}

	s.mu.Lock()
	s.current = clone(&sess)
	s.mu.Unlock()

	s.notify(Event{Session: clone(&sess), Origin: OriginLocal})
	return nil
}

// Clear removes the session and notifies subscribers. Clearing an already
// empty session is a no-op.
func (s *Store) Clear(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.clearLocked(ctx)
	return nil
}

// Invalidate clears the session only if it still carries accessToken, so a
// late rejection of an old token cannot sign out a newer session. An empty
// accessToken clears unconditionally. It reports whether a session was
// cleared.
func (s *Store) Invalidate(ctx context.Context, accessToken string) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	cur := s.current
	s.mu.RUnlock()
	if cur == nil || (accessToken != "" && cur.AccessToken != accessToken) {
		return false, nil
	}
	s.clearLocked(ctx)
	return true, nil
}

// clearLocked must be called with writeMu held.
func (s *Store) clearLocked(ctx context.Context) {
	if d := s.activeDurable(); d != nil {
		if err := d.Remove(ctx, Keys...); err != nil {
			s.degrade(err)
		}
	}

	s.mu.Lock()
	wasSet := s.current != nil
	s.current = nil
	s.mu.Unlock()

	if wasSet {
		s.notify(Event{Origin: OriginLocal})
	}
}

// Subscribe registers l and returns a function that removes it.
func (s *Store) Subscribe(l Listener) (unsubscribe func()) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.nextID++
	id := s.nextID
	s.listeners = append(s.listeners, listenerEntry{id: id, fn: l})

	return func() {
		s.listenersMu.Lock()
		defer s.listenersMu.Unlock()
		for i, e := range s.listeners {
			if e.id == id {
				s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
				return
			}
		}
	}
}

// HandleStorageChange reacts to a change another origin made to durable
// storage. Changes to unrelated keys are ignored. The session is re-read as
// a whole, so the latest committed state wins.
func (s *Store) HandleStorageChange(ctx context.Context, c storage.Change) {
	if !ownsKey(c.Key) {
		return
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	d := s.activeDurable()
	if d == nil {
		return
	}
	sess, err := s.load(ctx)
	if err != nil {
		s.degrade(err)
		return
	}

	s.mu.Lock()
	if equal(s.current, sess) {
		s.mu.Unlock()
		return
	}
	s.current = sess
	s.mu.Unlock()

	s.notify(Event{Session: clone(sess), Origin: OriginCrossTab})
}

// Watch feeds changes from other origins into HandleStorageChange until ctx
// is done. It returns ErrStorageUnavailable immediately in degraded mode.
func (s *Store) Watch(ctx context.Context) error {
	d := s.activeDurable()
	if d == nil {
		return s.Degraded()
	}
	return d.Watch(ctx, func(c storage.Change) {
		s.HandleStorageChange(ctx, c)
	})
}

// Degraded returns an error wrapping ErrStorageUnavailable when the Store
// has fallen back to memory, or nil.
func (s *Store) Degraded() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.degraded
}

func (s *Store) activeDurable() storage.Durable {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.degraded != nil {
		return nil
	}
	return s.durable
}

func (s *Store) degrade(cause error) {
	s.mu.Lock()
	if s.degraded == nil {
		s.degraded = fmt.Errorf("%w: %w", ErrStorageUnavailable, cause)
	}
	s.mu.Unlock()
	s.warnOnce.Do(func() {
		s.logger.Warn("session storage unavailable, keeping session in memory for this tab", "error", cause)
	})
}

// loadAttempts bounds how often load re-reads after another origin changed
// a partial state before it could be purged.
const loadAttempts = 3

// load reads the three keys as one snapshot. Partial or malformed state is
// purged and reported as signed out, but only if it is still the state
// that was read; a session another origin committed in between is kept.
func (s *Store) load(ctx context.Context) (*Session, error) {
	for range loadAttempts {
		values, err := s.durable.GetMany(ctx, Keys...)
		if err != nil {
			return nil, err
		}
		if len(values) == 0 {
			return nil, nil
		}

		var sess Session
		if raw, ok := values[KeyUser]; ok {
			if err := json.Unmarshal([]byte(raw), &sess.User); err != nil {
				s.logger.Warn("discarding malformed stored user", "error", err)
			}
		}
		sess.AccessToken = values[KeyAccessToken]
		sess.RefreshToken = values[KeyRefreshToken]
		if sess.Complete() {
			return &sess, nil
		}

		removed, err := s.durable.RemoveIf(ctx, values, Keys...)
		if err != nil {
			return nil, err
		}
		if removed {
			s.logger.Warn("discarding partial stored session", "keys", len(values))
			return nil, nil
		}
		s.logger.Debug("stored session changed while loading, reading again")
	}
	return nil, nil
}

func (s *Store) notify(ev Event) {
	s.listenersMu.Lock()
	snapshot := make([]listenerEntry, len(s.listeners))
	copy(snapshot, s.listeners)
	s.listenersMu.Unlock()

	for _, e := range snapshot {
		s.invoke(e.fn, ev)
	}
}

func (s *Store) invoke(fn Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("session listener panicked", "panic", r)
		}
	}()
	// Each listener gets its own copy so none can mutate another's view.
	fn(Event{Session: clone(ev.Session), Origin: ev.Origin})
}

func ownsKey(key string) bool {
	for _, k := range Keys {
		if k == key {
			return true
		}
	}
	return false
}

func clone(s *Session) *Session {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

func equal(a, b *Session) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
