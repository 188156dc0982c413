package guard

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/naviya/webclient/internal/onboarding"
	"github.com/naviya/webclient/internal/session"
)

var ErrClosed = errors.New("guard closed")

// State of a mounted Guard.
type State int

const (
	Resolving State = iota
	Decided
)

func (s State) String() string {
	if s == Decided {
		return "decided"
	}
	return "resolving"
}

// Resolver is the part of onboarding.Resolver a Guard needs.
type Resolver interface {
	Resolve(ctx context.Context, userID string) (onboarding.Status, error)
}

// Sessions is the part of session.Store a Guard needs.
type Sessions interface {
	Get() *session.Session
	Subscribe(l session.Listener) (unsubscribe func())
}

// Observer is told about every decision a Guard reaches.
type Observer interface {
	ObserveDecision(class, kind string)
}

// Guard is one mounted route guard. It starts in Resolving and re-enters
// Resolving on every session change. Only the most recently started
// resolution may decide; older results are discarded.
type Guard struct {
	class    Class
	sessions Sessions
	resolver Resolver
	observer Observer
	logger   *slog.Logger

	mu       sync.Mutex
	gen      uint64
	state    State
	decision Decision
	userID   string
	cancel   context.CancelFunc
	changed  chan struct{}
	closed   bool

	unsubscribe func()
	wg          sync.WaitGroup
}

type Option func(*Guard)

func WithObserver(o Observer) Option {
	return func(g *Guard) { g.observer = o }
}

func WithLogger(l *slog.Logger) Option {
	return func(g *Guard) { g.logger = l }
}

// Mount creates a Guard for class and starts its first resolution.
func Mount(class Class, sessions Sessions, resolver Resolver, opts ...Option) *Guard {
	g := &Guard{
		class:    class,
		sessions: sessions,
		resolver: resolver,
		logger:   slog.Default(),
		changed:  make(chan struct{}),
	}
	for _, o := range opts {
		o(g)
	}
	g.unsubscribe = sessions.Subscribe(func(ev session.Event) {
		g.restart(ev.Session)
	})
	g.restart(sessions.Get())
	return g
}

// Class returns the guarded class.
func (g *Guard) Class() Class { return g.class }

// Current returns the state and decision. While Resolving the decision is
// Wait.
func (g *Guard) Current() (State, Decision) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state, g.decision
}

// View is a consistent read of a Guard's state.
type View struct {
	State    State
	Decision Decision
	UserID   string
}

// View returns state, decision and user id read together.
func (g *Guard) View() View {
	g.mu.Lock()
	defer g.mu.Unlock()
	return View{State: g.state, Decision: g.decision, UserID: g.userID}
}

// UserID is the user the current decision was made for, or "".
func (g *Guard) UserID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.userID
}

// Wait blocks until the guard is Decided and returns the decision.
func (g *Guard) Wait(ctx context.Context) (Decision, error) {
	for {
		g.mu.Lock()
		if g.closed {
			g.mu.Unlock()
			return Decision{}, ErrClosed
		}
		if g.state == Decided {
			d := g.decision
			g.mu.Unlock()
			return d, nil
		}
		ch := g.changed
		g.mu.Unlock()

		select {
		case <-ctx.Done():
			return Decision{}, ctx.Err()
		case <-ch:
		}
	}
}

// Changed returns a channel closed at the next state transition.
func (g *Guard) Changed() <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.changed
}

// Close unmounts the guard, abandoning any resolution in flight.
func (g *Guard) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	g.gen++
	if g.cancel != nil {
		g.cancel()
		g.cancel = nil
	}
	g.broadcastLocked()
	g.mu.Unlock()

	g.unsubscribe()
	g.wg.Wait()
}

// restart re-enters Resolving for sess and, when the decision depends on
// onboarding, starts a resolution tagged with a new generation.
func (g *Guard) restart(sess *session.Session) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}

	g.gen++
	gen := g.gen
	if g.cancel != nil {
		g.cancel()
		g.cancel = nil
	}

	signedIn := sess != nil
	g.userID = ""
	if signedIn {
		g.userID = sess.User.ID
	}

	if !needsOnboarding(g.class, signedIn) {
		g.decideLocked(Decide(g.class, signedIn, onboarding.Unknown))
		return
	}

	g.state = Resolving
	g.decision = wait
	g.broadcastLocked()

	ctx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel
	userID := sess.User.ID
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer cancel()
		st, err := g.resolver.Resolve(ctx, userID)
		if err != nil && ctx.Err() == nil {
			g.logger.Debug("onboarding resolution failed, failing closed", "user_id", userID, "error", err)
		}
		g.finish(gen, st)
	}()
}

func (g *Guard) finish(gen uint64, st onboarding.Status) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed || gen != g.gen {
		return
	}
	g.cancel = nil
	g.decideLocked(Decide(g.class, true, st))
}

func (g *Guard) decideLocked(d Decision) {
	g.state = Decided
	g.decision = d
	g.broadcastLocked()
	if g.observer != nil {
		g.observer.ObserveDecision(g.class.String(), d.Kind.String())
	}
}

func (g *Guard) broadcastLocked() {
	close(g.changed)
	g.changed = make(chan struct{})
}
