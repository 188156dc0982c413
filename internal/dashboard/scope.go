package dashboard

import (
	"context"
	"sync"

	"github.com/naviya/webclient/internal/session"
)

// Sessions is the part of session.Store a Scope needs.
type Sessions interface {
	Get() *session.Session
	Subscribe(l session.Listener) (unsubscribe func())
}

// Scope keys a Provider by the signed-in user id. While acquired it keeps
// exactly one Provider for the current user; a session event with a
// different user id closes that Provider and mounts a fresh one. Scope
// listeners only ever see snapshots from the current Provider.
type Scope struct {
	sessions Sessions
	fetcher  Fetcher
	opts     []Option

	// opMu serializes acquire, release and rekey.
	opMu sync.Mutex
	// retired tracks providers still draining after being replaced.
	retired sync.WaitGroup
	// deliverMu is held across each delivery to Scope listeners and across
	// detaching the current Provider.
	deliverMu sync.Mutex

	mu        sync.Mutex
	current   *Provider
	acquired  bool
	listeners []listenerEntry
	nextID    int
	closed    bool

	unsubscribe func()
}

// NewScope creates a Scope that follows sessions. opts apply to every
// Provider it mounts.
func NewScope(sessions Sessions, fetcher Fetcher, opts ...Option) *Scope {
	s := &Scope{sessions: sessions, fetcher: fetcher, opts: opts}
	s.unsubscribe = sessions.Subscribe(func(ev session.Event) {
		s.rekey(ev.UserID())
	})
	return s
}

// Acquire returns the Provider for the signed-in user, mounting it on
// first use.
func (s *Scope) Acquire() (*Provider, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	sess := s.sessions.Get()
	if sess == nil {
		return nil, ErrSignedOut
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.acquired = true
	if p := s.current; p != nil && p.UserID() == sess.User.ID {
		s.mu.Unlock()
		return p, nil
	}
	s.mu.Unlock()

	s.retire(s.detach())
	return s.mountLocked(sess.User.ID)
}

// Release closes the current Provider, if any. The next Acquire mounts a
// new one.
func (s *Scope) Release() {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	s.acquired = false
	s.mu.Unlock()

	s.retire(s.detach())
}

// Current returns the mounted Provider or nil.
func (s *Scope) Current() *Provider {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Snapshot returns the current Provider's snapshot, or a Closed snapshot
// when none is mounted.
func (s *Scope) Snapshot() Snapshot {
	if p := s.Current(); p != nil {
		return p.Snapshot()
	}
	return Snapshot{Phase: Closed}
}

// CanAccess is false whenever no Provider is mounted.
func (s *Scope) CanAccess(key string) bool {
	return s.Snapshot().CanAccess(key)
}

// Refresh refreshes the current Provider.
func (s *Scope) Refresh(ctx context.Context) (Snapshot, error) {
	p := s.Current()
	if p == nil {
		return Snapshot{}, ErrSignedOut
	}
	return p.Refresh(ctx)
}

// Subscribe registers l for snapshots of whichever Provider is current.
func (s *Scope) Subscribe(l Listener) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.listeners = append(s.listeners, listenerEntry{id: id, fn: l})
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, e := range s.listeners {
			if e.id == id {
				s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
				return
			}
		}
	}
}

// Close stops following the session and closes the current Provider.
func (s *Scope) Close() {
	s.unsubscribe()
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.retire(s.detach())
	s.retired.Wait()
}

func (s *Scope) rekey(userID string) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.closed || !s.acquired {
		s.mu.Unlock()
		return
	}
	if cur := s.current; cur != nil && cur.UserID() == userID {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	old := s.detach()

	// old is already detached, so the Scope announces the teardown itself.
	if old != nil {
		s.retire(old)
		s.forward(nil, Snapshot{UserID: old.UserID(), Phase: Closed})
	}
	if userID == "" {
		s.mu.Lock()
		s.acquired = false
		s.mu.Unlock()
		return
	}
	s.mountLocked(userID)
}

// detach clears the current Provider. A delivery that already passed its
// currency check completes first, so nothing from the detached Provider
// reaches listeners after the caller's own announcements.
func (s *Scope) detach() *Provider {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.current
	s.current = nil
	return old
}

// retire stops p at once and lets it drain in the background. Session
// listeners call this, and a draining fetch may itself be waiting on the
// session store.
func (s *Scope) retire(p *Provider) {
	if p == nil {
		return
	}
	p.stop()
	s.retired.Add(1)
	go func() {
		defer s.retired.Done()
		p.drain()
	}()
}

// mountLocked must be called with opMu held.
func (s *Scope) mountLocked(userID string) (*Provider, error) {
	p, err := newProvider(userID, s.fetcher, s.opts...)
	if err != nil {
		return nil, err
	}
	p.addListener(func(snap Snapshot) { s.forward(p, snap) })

	s.mu.Lock()
	s.current = p
	s.mu.Unlock()

	p.start()
	return p, nil
}

// forward delivers snap to Scope listeners if from is still current. A nil
// from is a Scope-level notification. Deliveries never overlap.
func (s *Scope) forward(from *Provider, snap Snapshot) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.mu.Lock()
	if from != nil && s.current != from {
		s.mu.Unlock()
		return
	}
	ls := make([]listenerEntry, len(s.listeners))
	copy(ls, s.listeners)
	s.mu.Unlock()

	for _, e := range ls {
		e.fn(snap)
	}
}
