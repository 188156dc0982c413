// Package onboarding resolves whether a user has finished onboarding.
package onboarding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"

	"github.com/naviya/webclient/internal/backend"
	"github.com/naviya/webclient/internal/session"
)

// Status is the resolved onboarding state. The zero value is Unknown.
type Status struct {
	Known     bool
	Exists    bool
	Completed bool
}

// Unknown is the status of a failed resolution. It counts as not completed.
var Unknown = Status{}

// Done reports whether the user may enter protected routes.
func (s Status) Done() bool { return s.Known && s.Completed }

func (s Status) String() string {
	switch {
	case !s.Known:
		return "unknown"
	case s.Completed:
		return "completed"
	case s.Exists:
		return "in_progress"
	default:
		return "not_started"
	}
}

// Requester is the part of backend.Client the resolver needs.
type Requester interface {
	Request(ctx context.Context, path string, opts backend.Options) (*backend.Response, error)
}

// Subscriber is the part of session.Store the resolver listens to.
type Subscriber interface {
	Subscribe(l session.Listener) (unsubscribe func())
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type entry struct {
	status Status
	at     time.Time
}

// Resolver queries the backend for onboarding status. Concurrent resolves
// for the same user share one request. Known results are cached for ttl;
// the cache is dropped on every session change once Attach is called.
type Resolver struct {
	client Requester
	clock  Clock
	ttl    time.Duration
	logger *slog.Logger

	group singleflight.Group

	mu    sync.Mutex
	epoch uint64
	cache map[string]entry
}

// NewResolver creates a Resolver. A zero ttl disables caching.
func NewResolver(client Requester, ttl time.Duration) *Resolver {
	return NewResolverWithClock(client, realClock{}, ttl)
}

// NewResolverWithClock creates a Resolver with a custom clock (for testing).
func NewResolverWithClock(client Requester, clock Clock, ttl time.Duration) *Resolver {
	return &Resolver{
		client: client,
		clock:  clock,
		ttl:    ttl,
		logger: slog.Default(),
		cache:  make(map[string]entry),
	}
}

// Attach invalidates the cache on every change of s.
func (r *Resolver) Attach(s Subscriber) (detach func()) {
	return s.Subscribe(func(session.Event) { r.Invalidate() })
}

// Invalidate drops every cached status. Resolutions already in flight
// still return to their callers but are not cached.
func (r *Resolver) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.epoch++
	clear(r.cache)
}

// Resolve returns the onboarding status for userID. On failure it returns
// Unknown together with the cause.
func (r *Resolver) Resolve(ctx context.Context, userID string) (Status, error) {
	if userID == "" {
		return Unknown, errors.New("resolving onboarding: empty user id")
	}

	r.mu.Lock()
	epoch := r.epoch
	if e, ok := r.cache[userID]; ok && r.ttl > 0 && r.clock.Now().Before(e.at.Add(r.ttl)) {
		r.mu.Unlock()
		return e.status, nil
	}
	r.mu.Unlock()

	key := fmt.Sprintf("%d/%s", epoch, userID)
	ch := r.group.DoChan(key, func() (any, error) {
		// Shared by every caller; one caller leaving must not fail the rest.
		return r.fetch(context.WithoutCancel(ctx), userID)
	})

	select {
	case <-ctx.Done():
		return Unknown, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			r.logger.Warn("onboarding status unknown", "user_id", userID, "error", res.Err)
			return Unknown, res.Err
		}
		st := res.Val.(Status)
		r.store(epoch, userID, st)
		return st, nil
	}
}

func (r *Resolver) store(epoch uint64, userID string, st Status) {
	if r.ttl <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if epoch != r.epoch {
		return
	}
	r.cache[userID] = entry{status: st, at: r.clock.Now()}
}

func (r *Resolver) fetch(ctx context.Context, userID string) (Status, error) {
	resp, err := r.client.Request(ctx, backend.OnboardingStatusPath(userID), backend.Options{})
	if err != nil {
		if backend.StatusOf(err) == http.StatusNotFound {
			return Status{Known: true}, nil
		}
		return Unknown, fmt.Errorf("fetching onboarding status: %w", err)
	}
	return parseStatus(resp.Body)
}

// parseStatus accepts {exists, onboarding_completed} and the older
// {exists, completed} shape.
func parseStatus(body []byte) (Status, error) {
	if !gjson.ValidBytes(body) {
		return Unknown, &backend.ParseError{Path: "/api/onboarding/status", Err: errors.New("invalid JSON")}
	}
	res := gjson.GetManyBytes(body, "exists", "onboarding_completed", "completed")
	completed := res[1]
	if !completed.Exists() {
		completed = res[2]
	}
	if !isBool(completed) {
		return Unknown, &backend.ParseError{Path: "/api/onboarding/status", Err: errors.New("missing boolean onboarding_completed")}
	}

	st := Status{Known: true, Completed: completed.Bool(), Exists: true}
	if isBool(res[0]) {
		st.Exists = res[0].Bool()
	}
	// A completed row exists by definition.
	if st.Completed {
		st.Exists = true
	}
	return st, nil
}

func isBool(v gjson.Result) bool {
	return v.Type == gjson.True || v.Type == gjson.False
}
