// Package dashboard owns the per-user dashboard state.
//
// A Provider is bound to exactly one user id for its whole life. Nothing
// is carried between providers: a different user gets a new Provider,
// which publishes Loading before anything else. Scope does that rekeying
// from session events.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/naviya/webclient/internal/backend"
	"github.com/naviya/webclient/internal/feature"
)

var (
	ErrClosed    = errors.New("dashboard provider closed")
	ErrNoUser    = errors.New("dashboard provider needs a user id")
	ErrSignedOut = errors.New("no signed-in user")
)

type Phase int

const (
	Loading Phase = iota
	Ready
	// Degraded means the last fetch failed. State is nil and every gated
	// key is denied.
	Degraded
	Closed
)

func (p Phase) String() string {
	switch p {
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	case Degraded:
		return "degraded"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// Snapshot is what a Provider publishes. State is non-nil only when Ready
// and is shared between readers; treat it as read-only.
type Snapshot struct {
	UserID  string
	Phase   Phase
	Version uint64
	State   *backend.DashboardState
	Mentor  []backend.MentorMessage
	Err     error
	// MentorErr is set when only the mentor queue failed; State is
	// still authoritative.
	MentorErr error
}

func (s Snapshot) CanAccess(key string) bool {
	return feature.CanAccess(s.State, key)
}

// UnlockedFeatures returns the backend's unlocked list, or nil.
func (s Snapshot) UnlockedFeatures() []string {
	if s.State == nil {
		return nil
	}
	return append([]string(nil), s.State.UnlockedFeatures...)
}

// Fetcher is the part of backend.Client a Provider needs.
type Fetcher interface {
	DashboardState(ctx context.Context, userID string) (*backend.DashboardState, error)
	MentorMessages(ctx context.Context, userID string) ([]backend.MentorMessage, error)
}

// Observer is told the outcome of every published fetch.
type Observer interface {
	ObserveRefresh(outcome string)
}

// Listener receives snapshots in publish order. It must not call Close
// on the publishing Provider.
type Listener func(Snapshot)

type Option func(*Provider)

func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.logger = l }
}

func WithObserver(o Observer) Option {
	return func(p *Provider) { p.observer = o }
}

// WithListener registers l before the first publish, so l sees Loading.
func WithListener(l Listener) Option {
	return func(p *Provider) { p.addListener(l) }
}

// Provider holds one user's dashboard snapshot. At most one fetch runs at
// a time; Refresh calls that arrive meanwhile are folded into one more
// fetch and all of them receive its result.
type Provider struct {
	userID   string
	fetcher  Fetcher
	logger   *slog.Logger
	observer Observer

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	drainOnce sync.Once

	mu        sync.Mutex
	snap      Snapshot
	running   bool
	dirty     bool
	waiters   []chan Snapshot
	closed    bool
	listeners []listenerEntry
	nextID    int
}

type listenerEntry struct {
	id int
	fn Listener
}

// Mount creates a Provider for userID, publishes Loading and starts the
// first fetch.
func Mount(userID string, fetcher Fetcher, opts ...Option) (*Provider, error) {
	p, err := newProvider(userID, fetcher, opts...)
	if err != nil {
		return nil, err
	}
	p.start()
	return p, nil
}

func newProvider(userID string, fetcher Fetcher, opts ...Option) (*Provider, error) {
	if userID == "" {
		return nil, ErrNoUser
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Provider{
		userID:  userID,
		fetcher: fetcher,
		logger:  slog.Default(),
		ctx:     ctx,
		cancel:  cancel,
		snap:    Snapshot{UserID: userID, Phase: Loading},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

func (p *Provider) start() {
	p.mu.Lock()
	p.running = true
	snap, ls := p.snap, p.listenersLocked()
	p.mu.Unlock()

	p.deliver(ls, snap)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		p.running = false
		return
	}
	// Refresh calls made during the Loading delivery are served by the
	// first fetch.
	p.dirty = false
	p.startFetchLocked()
}

func (p *Provider) UserID() string { return p.userID }

// Snapshot returns the current snapshot.
func (p *Provider) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snap
}

// CanAccess applies the feature rules to the current snapshot.
func (p *Provider) CanAccess(key string) bool {
	return p.Snapshot().CanAccess(key)
}

func (p *Provider) UnlockedFeatures() []string {
	return p.Snapshot().UnlockedFeatures()
}

// Subscribe registers l for future snapshots.
func (p *Provider) Subscribe(l Listener) (unsubscribe func()) {
	id := p.addListener(l)
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		for i, e := range p.listeners {
			if e.id == id {
				p.listeners = append(p.listeners[:i:i], p.listeners[i+1:]...)
				return
			}
		}
	}
}

func (p *Provider) addListener(l Listener) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	p.listeners = append(p.listeners, listenerEntry{id: p.nextID, fn: l})
	return p.nextID
}

// Refresh fetches the state again and returns the snapshot that settles
// it. The returned error is the snapshot's fetch error, if any.
func (p *Provider) Refresh(ctx context.Context) (Snapshot, error) {
	w := make(chan Snapshot, 1)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return Snapshot{}, ErrClosed
	}
	p.waiters = append(p.waiters, w)
	if p.running {
		p.dirty = true
	} else {
		p.startFetchLocked()
	}
	p.mu.Unlock()

	select {
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	case s, ok := <-w:
		if !ok {
			return Snapshot{}, ErrClosed
		}
		return s, s.Err
	}
}

// Settled waits until the provider has left Loading and returns that
// snapshot. It does not start a fetch.
func (p *Provider) Settled(ctx context.Context) (Snapshot, error) {
	ch := make(chan Snapshot, 1)
	unsubscribe := p.Subscribe(func(s Snapshot) {
		if s.Phase == Loading {
			return
		}
		select {
		case ch <- s:
		default:
		}
	})
	defer unsubscribe()

	s := p.Snapshot()
	if s.Phase == Loading {
		select {
		case <-ctx.Done():
			return s, ctx.Err()
		case s = <-ch:
		}
	}
	if s.Phase == Closed {
		return s, ErrClosed
	}
	return s, nil
}

// Close tears the provider down. Fetches in flight are cancelled and their
// results never published. Listeners receive a final Closed snapshot.
func (p *Provider) Close() {
	p.stop()
	p.drain()
}

// stop marks the provider closed and cancels its fetch without waiting.
func (p *Provider) stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.cancel()
	for _, w := range p.waiters {
		close(w)
	}
	p.waiters = nil
}

// drain waits for the fetch goroutine to exit and publishes Closed once.
func (p *Provider) drain() {
	p.wg.Wait()
	p.drainOnce.Do(func() {
		p.mu.Lock()
		p.snap = Snapshot{UserID: p.userID, Phase: Closed, Version: p.snap.Version + 1}
		snap, ls := p.snap, p.listenersLocked()
		p.mu.Unlock()
		p.deliver(ls, snap)
	})
}

// startFetchLocked runs one fetch. running stays true until the result has
// been delivered, so deliveries never overlap or reorder.
func (p *Provider) startFetchLocked() {
	p.running = true
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.finish(p.fetch())
	}()
}

type fetchResult struct {
	state     *backend.DashboardState
	mentor    []backend.MentorMessage
	err       error
	mentorErr error
}

func (p *Provider) fetch() fetchResult {
	var res fetchResult
	g, ctx := errgroup.WithContext(p.ctx)
	g.Go(func() error {
		st, err := p.fetcher.DashboardState(ctx, p.userID)
		if err != nil {
			return fmt.Errorf("fetching dashboard state: %w", err)
		}
		res.state = st
		return nil
	})
	g.Go(func() error {
		msgs, err := p.fetcher.MentorMessages(ctx, p.userID)
		if err != nil {
			res.mentorErr = fmt.Errorf("fetching mentor queue: %w", err)
			return nil
		}
		res.mentor = msgs
		return nil
	})
	res.err = g.Wait()
	if res.err == nil && res.state == nil {
		res.err = fmt.Errorf("fetching dashboard state: %w", &backend.ParseError{Path: "/api/dashboard/state", Err: errors.New("empty body")})
	}
	return res
}

func (p *Provider) finish(res fetchResult) {
	p.mu.Lock()
	if p.closed {
		p.running = false
		p.mu.Unlock()
		return
	}
	if p.dirty {
		// A newer Refresh arrived while this fetch ran; its result wins.
		p.dirty = false
		p.startFetchLocked()
		p.mu.Unlock()
		return
	}

	next := Snapshot{UserID: p.userID, Version: p.snap.Version + 1}
	outcome := "ok"
	if res.err != nil {
		next.Phase = Degraded
		next.Err = res.err
		outcome = "degraded"
		p.logger.Warn("dashboard state unavailable", "user_id", p.userID, "error", res.err)
	} else {
		next.Phase = Ready
		next.State = res.state
		next.Mentor = res.mentor
		next.MentorErr = res.mentorErr
		if res.mentorErr != nil {
			outcome = "mentor_failed"
			p.logger.Info("mentor queue unavailable", "user_id", p.userID, "error", res.mentorErr)
		}
	}
	p.snap = next
	waiters := p.waiters
	p.waiters = nil
	ls := p.listenersLocked()
	p.mu.Unlock()

	for _, w := range waiters {
		w <- next
	}
	if p.observer != nil {
		p.observer.ObserveRefresh(outcome)
	}
	p.deliver(ls, next)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.running = false
	if p.dirty && !p.closed {
		p.dirty = false
		p.startFetchLocked()
	}
}

func (p *Provider) listenersLocked() []listenerEntry {
	ls := make([]listenerEntry, len(p.listeners))
	copy(ls, p.listeners)
	return ls
}

func (p *Provider) deliver(ls []listenerEntry, s Snapshot) {
	for _, e := range ls {
		func() {
			defer func() {
				if r := recover(); r != nil {
					p.logger.Error("dashboard listener panicked", "panic", r)
				}
			}()
			e.fn(s)
		}()
	}
}
