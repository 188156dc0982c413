package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/naviya/webclient/internal/dashboard"
	"github.com/naviya/webclient/internal/feature"
	"github.com/naviya/webclient/internal/guard"
	"github.com/naviya/webclient/internal/session"
)

// maxRedirects bounds Follow. The decision table never needs more than two
// hops.
const maxRedirects = 4

var ErrRedirectLoop = errors.New("too many redirects")

// Scope is the part of dashboard.Scope a Navigator needs.
type Scope interface {
	Acquire() (*dashboard.Provider, error)
	Release()
}

// Result is the outcome of one navigation.
type Result struct {
	Match    Match
	Known    bool
	Decision guard.Decision
	// Session is the session the decision was made for.
	Session *session.Session
	// Dashboard is set when a dashboard route renders. It may still be
	// Loading if the provider did not settle in time.
	Dashboard *dashboard.Snapshot
	// Locked is set when the leaf's feature is not unlocked; Message says
	// how to unlock it.
	Locked  bool
	Message string
}

// Navigator renders paths for one tab: each navigation mounts the route's
// guard, waits for its decision and, for dashboard routes, acquires the
// user's provider from the Scope. Rendering any other route releases it.
type Navigator struct {
	sessions      guard.Sessions
	resolver      guard.Resolver
	scope         Scope
	guardOpts     []guard.Option
	settleTimeout time.Duration
	logger        *slog.Logger

	mu      sync.Mutex
	current Result
}

type Option func(*Navigator)

// WithGuardOptions applies opts to every guard the Navigator mounts.
func WithGuardOptions(opts ...guard.Option) Option {
	return func(n *Navigator) { n.guardOpts = append(n.guardOpts, opts...) }
}

// WithSettleTimeout bounds how long Navigate waits for a freshly mounted
// dashboard provider to leave Loading. Zero returns immediately.
func WithSettleTimeout(d time.Duration) Option {
	return func(n *Navigator) { n.settleTimeout = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(n *Navigator) { n.logger = l }
}

func NewNavigator(sessions guard.Sessions, resolver guard.Resolver, scope Scope, opts ...Option) *Navigator {
	n := &Navigator{
		sessions:      sessions,
		resolver:      resolver,
		scope:         scope,
		settleTimeout: 5 * time.Second,
		logger:        slog.Default(),
	}
	for _, o := range opts {
		o(n)
	}
	return n
}

// Current returns the last rendered result.
func (n *Navigator) Current() Result {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.current
}

// Navigate decides p without following redirects.
func (n *Navigator) Navigate(ctx context.Context, p string) (Result, error) {
	m, ok := Lookup(p)
	if !ok {
		n.logger.Debug("unknown path, redirecting to root", "path", m.Path)
		return Result{Match: m, Decision: guard.Decision{Kind: guard.Redirect, Location: guard.RootPath}}, nil
	}

	d, sess, err := n.decide(ctx, m.Route.Class)
	if err != nil {
		return Result{}, err
	}
	res := Result{Match: m, Known: true, Decision: d, Session: sess}
	if d.Kind != guard.Render {
		return res, nil
	}

	if !m.Route.Dashboard {
		n.scope.Release()
		n.setCurrent(res)
		return res, nil
	}

	prov, err := n.scope.Acquire()
	if errors.Is(err, dashboard.ErrSignedOut) {
		// The session ended after the guard decided.
		res.Decision = guard.Decision{Kind: guard.Redirect, Location: guard.AuthPath}
		res.Session = nil
		return res, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("acquiring dashboard: %w", err)
	}
	snap := n.settle(ctx, prov)
	res.Dashboard = &snap
	if f := m.Route.Feature; f != "" && !snap.CanAccess(f) {
		res.Locked = true
		res.Message = feature.UnlockMessage(f)
	}
	n.setCurrent(res)
	return res, nil
}

// Follow navigates to p and follows redirects until a route renders. It
// returns the final result and every path visited.
func (n *Navigator) Follow(ctx context.Context, p string) (Result, []string, error) {
	trail := []string{Clean(p)}
	for range maxRedirects + 1 {
		res, err := n.Navigate(ctx, trail[len(trail)-1])
		if err != nil {
			return Result{}, trail, err
		}
		if res.Decision.Kind != guard.Redirect {
			return res, trail, nil
		}
		trail = append(trail, res.Decision.Location)
	}
	return Result{}, trail, fmt.Errorf("%w: %v", ErrRedirectLoop, trail)
}

// decide mounts a guard for class and waits for a decision made for the
// session that is current when it returns.
func (n *Navigator) decide(ctx context.Context, class guard.Class) (guard.Decision, *session.Session, error) {
	g := guard.Mount(class, n.sessions, n.resolver, n.guardOpts...)
	defer g.Close()

	for {
		changed := g.Changed()
		if _, err := g.Wait(ctx); err != nil {
			return guard.Decision{}, nil, err
		}
		v := g.View()
		sess := n.sessions.Get()
		if v.State == guard.Decided && userID(sess) == v.UserID {
			return v.Decision, sess, nil
		}
		// A session change landed between the decision and now; the
		// guard is about to restart.
		select {
		case <-ctx.Done():
			return guard.Decision{}, nil, ctx.Err()
		case <-changed:
		}
	}
}

func (n *Navigator) settle(ctx context.Context, p *dashboard.Provider) dashboard.Snapshot {
	if n.settleTimeout <= 0 {
		return p.Snapshot()
	}
	ctx, cancel := context.WithTimeout(ctx, n.settleTimeout)
	defer cancel()
	snap, err := p.Settled(ctx)
	if err != nil {
		n.logger.Debug("dashboard not settled", "user_id", p.UserID(), "error", err)
	}
	return snap
}

func (n *Navigator) setCurrent(r Result) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.current = r
}

func userID(s *session.Session) string {
	if s == nil {
		return ""
	}
	return s.User.ID
}
