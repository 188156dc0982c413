package dashboard

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/naviya/webclient/internal/backend"
	"github.com/naviya/webclient/internal/feature"
	"github.com/naviya/webclient/internal/session"
	"github.com/naviya/webclient/internal/storage"
)

func signIn(t *testing.T, s *session.Store, id string) {
	t.Helper()
	require.NoError(t, s.Set(context.Background(), session.Session{
		User: session.User{ID: id}, AccessToken: "a-" + id, RefreshToken: "r-" + id,
	}))
}

func TestAcquireSignedOut(t *testing.T) {
	store := session.New(context.Background(), storage.NewMemory(nil), nil)
	scope := NewScope(store, newFakeFetcher())
	defer scope.Close()

	_, err := scope.Acquire()
	assert.ErrorIs(t, err, ErrSignedOut)
	assert.False(t, scope.CanAccess(feature.Resume))
}

func TestAcquireReusesProviderForSameUser(t *testing.T) {
	store := session.New(context.Background(), storage.NewMemory(nil), nil)
	signIn(t, store, "u1")
	f := newFakeFetcher()
	scope := NewScope(store, f)
	defer scope.Close()

	p1, err := scope.Acquire()
	require.NoError(t, err)
	p2, err := scope.Acquire()
	require.NoError(t, err)
	assert.Same(t, p1, p2)

	// A token refresh for the same user keeps the provider.
	require.NoError(t, store.Set(context.Background(), session.Session{
		User: session.User{ID: "u1"}, AccessToken: "a2", RefreshToken: "r2",
	}))
	assert.Same(t, p1, scope.Current())
}

func TestUserSwitchMountsFreshProvider(t *testing.T) {
	ctx := context.Background()
	store := session.New(ctx, storage.NewMemory(nil), nil)
	signIn(t, store, "u1")
	f := newFakeFetcher()
	scope := NewScope(store, f)
	defer scope.Close()

	log := &snapshotLog{}
	scope.Subscribe(log.listen)

	p1, err := scope.Acquire()
	require.NoError(t, err)
	f.waitStarted(t)
	f.reply(&backend.DashboardState{ResumeReady: true, UnlockedFeatures: []string{"jobs"}}, nil)
	require.Eventually(t, func() bool { return p1.Snapshot().Phase == Ready }, 2*time.Second, time.Millisecond)
	require.True(t, scope.CanAccess(feature.Roadmap))

	// u1 logs out and u2 logs in within the same tab.
	require.NoError(t, store.Clear(ctx))
	assert.Nil(t, scope.Current())
	assert.False(t, scope.CanAccess(feature.Roadmap))

	signIn(t, store, "u2")
	p2, err := scope.Acquire()
	require.NoError(t, err)
	assert.NotSame(t, p1, p2)
	assert.Equal(t, "u2", p2.UserID())
	require.Eventually(t, func() bool { return p1.Snapshot().Phase == Closed }, 2*time.Second, time.Millisecond)

	assert.Equal(t, "u2", f.waitStarted(t))
	f.reply(&backend.DashboardState{ResumeReady: false}, nil)
	require.Eventually(t, func() bool { return p2.Snapshot().Phase == Ready }, 2*time.Second, time.Millisecond)

	// Nothing from u1 reached listeners after the first u2 snapshot, and
	// u2 started from Loading.
	snaps := log.all()
	first := -1
	for i, s := range snaps {
		if s.UserID == "u2" {
			first = i
			break
		}
	}
	require.NotEqual(t, -1, first)
	assert.Equal(t, Loading, snaps[first].Phase)
	for _, s := range snaps[first:] {
		assert.Equal(t, "u2", s.UserID)
		assert.False(t, s.CanAccess(feature.Roadmap))
		assert.False(t, s.CanAccess("jobs"))
	}
}

func TestDirectUserSwitchDiscardsInFlightFetch(t *testing.T) {
	ctx := context.Background()
	store := session.New(ctx, storage.NewMemory(nil), nil)
	signIn(t, store, "u1")
	f := newFakeFetcher()
	scope := NewScope(store, f)
	defer scope.Close()

	log := &snapshotLog{}
	scope.Subscribe(log.listen)

	_, err := scope.Acquire()
	require.NoError(t, err)
	require.Equal(t, "u1", f.waitStarted(t))

	// u2 replaces u1 while u1's fetch is still running.
	signIn(t, store, "u2")
	p2 := scope.Current()
	require.NotNil(t, p2)
	assert.Equal(t, "u2", p2.UserID())
	require.Equal(t, "u2", f.waitStarted(t))

	f.reply(&backend.DashboardState{UnlockedFeatures: []string{"u2-feature"}}, nil)
	require.Eventually(t, func() bool { return p2.Snapshot().Phase == Ready }, 2*time.Second, time.Millisecond)

	for _, s := range log.all() {
		if s.Phase == Ready {
			assert.Equal(t, "u2", s.UserID)
		}
	}
}

func TestCrossTabLogoutTearsDownProvider(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	hub := storage.NewHub()
	tabA := session.New(ctx, storage.NewMemory(hub), nil)
	signIn(t, tabA, "u1")
	tabB := session.New(ctx, storage.NewMemory(hub), nil)
	require.NotNil(t, tabB.Get())

	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		tabB.Watch(ctx)
	}()
	defer func() {
		cancel()
		<-watchDone
	}()

	f := newFakeFetcher()
	scope := NewScope(tabB, f)
	defer scope.Close()
	log := &snapshotLog{}
	scope.Subscribe(log.listen)

	p, err := scope.Acquire()
	require.NoError(t, err)
	f.waitStarted(t)
	f.reply(&backend.DashboardState{ResumeReady: true}, nil)
	require.Eventually(t, func() bool { return p.Snapshot().Phase == Ready }, 2*time.Second, time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, tabA.Clear(ctx))

	require.Eventually(t, func() bool { return tabB.Get() == nil && scope.Current() == nil }, 2*time.Second, time.Millisecond)
	closed := log.waitPhase(t, Closed)
	assert.Equal(t, "u1", closed.UserID)
	assert.False(t, scope.CanAccess(feature.Resume))
}

func TestUserSwitchDuringDeliveryNeverLeaksEarlierUser(t *testing.T) {
	ctx := context.Background()
	store := session.New(ctx, storage.NewMemory(nil), nil)
	signIn(t, store, "u1")
	f := newFakeFetcher()
	scope := NewScope(store, f)
	defer scope.Close()

	// The first listener holds u1's Ready delivery open while u2 signs in.
	paused, resume := make(chan struct{}), make(chan struct{})
	var once sync.Once
	scope.Subscribe(func(s Snapshot) {
		if s.UserID == "u1" && s.Phase == Ready {
			once.Do(func() {
				close(paused)
				<-resume
			})
		}
	})
	log := &snapshotLog{}
	scope.Subscribe(log.listen)

	_, err := scope.Acquire()
	require.NoError(t, err)
	require.Equal(t, "u1", f.waitStarted(t))
	f.reply(&backend.DashboardState{UnlockedFeatures: []string{"u1-feature"}}, nil)

	select {
	case <-paused:
	case <-time.After(2 * time.Second):
		t.Fatal("u1 snapshot never delivered")
	}

	switched := make(chan error, 1)
	go func() {
		switched <- store.Set(ctx, session.Session{
			User: session.User{ID: "u2"}, AccessToken: "a-u2", RefreshToken: "r-u2",
		})
	}()
	// Let the switch reach the scope before the held delivery resumes.
	time.Sleep(50 * time.Millisecond)
	close(resume)

	select {
	case err := <-switched:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("user switch did not complete")
	}
	require.Equal(t, "u2", f.waitStarted(t))
	f.reply(&backend.DashboardState{}, nil)
	require.Eventually(t, func() bool {
		p := scope.Current()
		return p != nil && p.Snapshot().Phase == Ready
	}, 2*time.Second, time.Millisecond)

	snaps := log.all()
	first := -1
	for i, s := range snaps {
		if s.UserID == "u2" {
			first = i
			break
		}
	}
	require.NotEqual(t, -1, first, "snapshots %v", snaps)
	for _, s := range snaps[first:] {
		assert.Equal(t, "u2", s.UserID)
		assert.False(t, s.CanAccess("u1-feature"))
	}
}
