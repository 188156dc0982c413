package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/naviya/webclient/internal/storage"
)

func testSession(id string) Session {
	return Session{
		User:         User{ID: id, Name: "Test " + id, Email: id + "@example.com"},
		AccessToken:  "access-" + id,
		RefreshToken: "refresh-" + id,
	}
}

type recorder struct {
	events []Event
}

func (r *recorder) listen(ev Event) { r.events = append(r.events, ev) }

func TestSetGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := New(ctx, storage.NewMemory(nil), nil)

	assert.Nil(t, s.Get())

	want := testSession("u1")
	require.NoError(t, s.Set(ctx, want))

	got := s.Get()
	require.NotNil(t, got)
	assert.Equal(t, want, *got)

	// Snapshots are copies.
	got.AccessToken = "tampered"
	assert.Equal(t, "access-u1", s.Get().AccessToken)
}

func TestSetNotifiesOnce(t *testing.T) {
	ctx := context.Background()
	s := New(ctx, storage.NewMemory(nil), nil)
	rec := &recorder{}
	s.Subscribe(rec.listen)

	require.NoError(t, s.Set(ctx, testSession("u1")))

	require.Len(t, rec.events, 1)
	assert.Equal(t, "u1", rec.events[0].UserID())
	assert.Equal(t, OriginLocal, rec.events[0].Origin)
}

func TestClearIdempotent(t *testing.T) {
	ctx := context.Background()
	s := New(ctx, storage.NewMemory(nil), nil)
	require.NoError(t, s.Set(ctx, testSession("u1")))

	rec := &recorder{}
	s.Subscribe(rec.listen)

	require.NoError(t, s.Clear(ctx))
	require.NoError(t, s.Clear(ctx))

	assert.Nil(t, s.Get())
	require.Len(t, rec.events, 1)
	assert.Nil(t, rec.events[0].Session)
}

func TestSetRejectsIncompleteSession(t *testing.T) {
	ctx := context.Background()
	s := New(ctx, storage.NewMemory(nil), nil)

	cases := []Session{
		{User: User{ID: "u1"}, AccessToken: "a"},
		{User: User{ID: "u1"}, RefreshToken: "r"},
		{AccessToken: "a", RefreshToken: "r"},
	}
	for _, c := range cases {
		err := s.Set(ctx, c)
		assert.ErrorIs(t, err, ErrIncompleteSession)
	}
	assert.Nil(t, s.Get())
}

func TestPersistsAcrossStores(t *testing.T) {
	ctx := context.Background()
	hub := storage.NewHub()

	first := New(ctx, storage.NewMemory(hub), nil)
	require.NoError(t, first.Set(ctx, testSession("u2")))

	second := New(ctx, storage.NewMemory(hub), nil)
	got := second.Get()
	require.NotNil(t, got)
	assert.Equal(t, "u2", got.User.ID)
	assert.Equal(t, "access-u2", got.AccessToken)
}

func TestPartialStoredStateCollapsesToNil(t *testing.T) {
	ctx := context.Background()

	partials := []map[string]string{
		{KeyUser: `{"id":"u1"}`},
		{KeyAccessToken: "a", KeyRefreshToken: "r"},
		{KeyUser: `{"id":"u1"}`, KeyAccessToken: "a"},
		{KeyUser: `not json`, KeyAccessToken: "a", KeyRefreshToken: "r"},
		{KeyUser: `{}`, KeyAccessToken: "a", KeyRefreshToken: "r"},
	}
	for _, values := range partials {
		durable := storage.NewMemory(nil)
		require.NoError(t, durable.Set(ctx, values))

		s := New(ctx, durable, nil)
		assert.Nil(t, s.Get(), "values %v", values)

		// Purged from storage.
		for _, k := range Keys {
			_, ok, err := durable.Get(ctx, k)
			require.NoError(t, err)
			assert.False(t, ok, "key %s left behind for %v", k, values)
		}
	}
}

func TestListenersRunInOrderAndSurvivePanics(t *testing.T) {
	ctx := context.Background()
	s := New(ctx, storage.NewMemory(nil), nil)

	var order []string
	s.Subscribe(func(Event) { order = append(order, "first") })
	s.Subscribe(func(Event) { panic("boom") })
	s.Subscribe(func(Event) { order = append(order, "third") })

	require.NoError(t, s.Set(ctx, testSession("u1")))
	assert.Equal(t, []string{"first", "third"}, order)
}

func TestUnsubscribe(t *testing.T) {
	ctx := context.Background()
	s := New(ctx, storage.NewMemory(nil), nil)
	rec := &recorder{}
	unsubscribe := s.Subscribe(rec.listen)

	require.NoError(t, s.Set(ctx, testSession("u1")))
	unsubscribe()
	unsubscribe()
	require.NoError(t, s.Clear(ctx))

	assert.Len(t, rec.events, 1)
}

func TestHandleStorageChangeCrossTab(t *testing.T) {
	ctx := context.Background()
	hub := storage.NewHub()
	tabA := New(ctx, storage.NewMemory(hub), nil)
	tabB := New(ctx, storage.NewMemory(hub), nil)

	rec := &recorder{}
	tabB.Subscribe(rec.listen)

	require.NoError(t, tabA.Set(ctx, testSession("u1")))
	tabB.HandleStorageChange(ctx, storage.Change{Key: KeyAccessToken})

	require.NotNil(t, tabB.Get())
	assert.Equal(t, "u1", tabB.Get().User.ID)

	// The remaining changes from the same write do not re-notify.
	tabB.HandleStorageChange(ctx, storage.Change{Key: KeyRefreshToken})
	tabB.HandleStorageChange(ctx, storage.Change{Key: KeyUser})
	require.Len(t, rec.events, 1)
	assert.Equal(t, OriginCrossTab, rec.events[0].Origin)

	// Unrelated keys are ignored.
	tabB.HandleStorageChange(ctx, storage.Change{Key: "theme"})
	assert.Len(t, rec.events, 1)

	require.NoError(t, tabA.Clear(ctx))
	tabB.HandleStorageChange(ctx, storage.Change{Key: KeyUser})
	assert.Nil(t, tabB.Get())
	require.Len(t, rec.events, 2)
	assert.Nil(t, rec.events[1].Session)
}

func TestWatchDeliversCrossTabLogout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := storage.NewHub()
	tabA := New(ctx, storage.NewMemory(hub), nil)
	require.NoError(t, tabA.Set(ctx, testSession("u1")))
	tabB := New(ctx, storage.NewMemory(hub), nil)
	require.NotNil(t, tabB.Get())

	events := make(chan Event, 4)
	tabB.Subscribe(func(ev Event) { events <- ev })

	done := make(chan error, 1)
	go func() { done <- tabB.Watch(ctx) }()

	// Give the watcher time to register before the write.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, tabA.Clear(ctx))

	select {
	case ev := <-events:
		assert.Nil(t, ev.Session)
		assert.Equal(t, OriginCrossTab, ev.Origin)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for cross-tab event")
	}
	assert.Nil(t, tabB.Get())

	cancel()
	assert.NoError(t, <-done)
}

type failingDurable struct {
	storage.Durable
}

func (failingDurable) Get(context.Context, string) (string, bool, error) {
	return "", false, errors.New("quota exceeded")
}

func (failingDurable) GetMany(context.Context, ...string) (map[string]string, error) {
	return nil, errors.New("quota exceeded")
}

func (failingDurable) Set(context.Context, map[string]string) error {
	return errors.New("quota exceeded")
}

func (failingDurable) Remove(context.Context, ...string) error {
	return errors.New("quota exceeded")
}

func (failingDurable) RemoveIf(context.Context, map[string]string, ...string) (bool, error) {
	return false, errors.New("quota exceeded")
}

func TestStorageUnavailableFallsBackToMemory(t *testing.T) {
	ctx := context.Background()
	s := New(ctx, failingDurable{}, nil)

	require.ErrorIs(t, s.Degraded(), ErrStorageUnavailable)

	rec := &recorder{}
	s.Subscribe(rec.listen)
	require.NoError(t, s.Set(ctx, testSession("u1")))
	require.NotNil(t, s.Get())
	assert.Equal(t, "u1", s.Get().User.ID)

	require.NoError(t, s.Clear(ctx))
	assert.Nil(t, s.Get())
	assert.Len(t, rec.events, 2)

	assert.ErrorIs(t, s.Watch(ctx), ErrStorageUnavailable)
}

func TestNilDurableIsDegraded(t *testing.T) {
	s := New(context.Background(), nil, nil)
	assert.ErrorIs(t, s.Degraded(), ErrStorageUnavailable)
	assert.ErrorIs(t, s.Degraded(), storage.ErrUnavailable)
}

func TestInvalidateOnlyMatchingToken(t *testing.T) {
	ctx := context.Background()
	s := New(ctx, storage.NewMemory(nil), nil)
	require.NoError(t, s.Set(ctx, testSession("u2")))

	cleared, err := s.Invalidate(ctx, "access-u1")
	require.NoError(t, err)
	assert.False(t, cleared)
	assert.NotNil(t, s.Get())

	cleared, err = s.Invalidate(ctx, "access-u2")
	require.NoError(t, err)
	assert.True(t, cleared)
	assert.Nil(t, s.Get())
}

func TestInvalidateEmptyTokenClears(t *testing.T) {
	ctx := context.Background()
	s := New(ctx, storage.NewMemory(nil), nil)
	require.NoError(t, s.Set(ctx, testSession("u1")))

	cleared, err := s.Invalidate(ctx, "")
	require.NoError(t, err)
	assert.True(t, cleared)
	assert.Nil(t, s.Get())
}

// racingDurable runs beforeRemoveIf once, just ahead of the conditional
// purge, to let another origin commit in between.
type racingDurable struct {
	*storage.Memory
	beforeRemoveIf func()
}

func (d *racingDurable) RemoveIf(ctx context.Context, expected map[string]string, keys ...string) (bool, error) {
	if fn := d.beforeRemoveIf; fn != nil {
		d.beforeRemoveIf = nil
		fn()
	}
	return d.Memory.RemoveIf(ctx, expected, keys...)
}

func storedValues(t *testing.T, sess Session) map[string]string {
	t.Helper()
	userJSON, err := json.Marshal(sess.User)
	require.NoError(t, err)
	return map[string]string{
		KeyUser:         string(userJSON),
		KeyAccessToken:  sess.AccessToken,
		KeyRefreshToken: sess.RefreshToken,
	}
}

func TestLoadKeepsSessionCommittedDuringPurge(t *testing.T) {
	ctx := context.Background()
	hub := storage.NewHub()
	other := storage.NewMemory(hub)

	full := storedValues(t, testSession("u2"))
	require.NoError(t, other.Set(ctx, map[string]string{KeyUser: full[KeyUser]}))

	tab := &racingDurable{
		Memory: storage.NewMemory(hub),
		beforeRemoveIf: func() {
			require.NoError(t, other.Set(ctx, full))
		},
	}
	s := New(ctx, tab, nil)

	got := s.Get()
	require.NotNil(t, got)
	assert.Equal(t, testSession("u2"), *got)

	stored, err := other.GetMany(ctx, Keys...)
	require.NoError(t, err)
	assert.Equal(t, full, stored)
}

func TestCrossTabReloadNeverMixesSessions(t *testing.T) {
	ctx := context.Background()
	hub := storage.NewHub()
	writer := storage.NewMemory(hub)
	u1, u2 := storedValues(t, testSession("u1")), storedValues(t, testSession("u2"))
	require.NoError(t, writer.Set(ctx, u1))

	tab := New(ctx, storage.NewMemory(hub), nil)
	var (
		mu   sync.Mutex
		seen []Session
	)
	tab.Subscribe(func(ev Event) {
		if ev.Session != nil {
			mu.Lock()
			seen = append(seen, *ev.Session)
			mu.Unlock()
		}
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := range 200 {
			values := u1
			if i%2 == 0 {
				values = u2
			}
			if err := writer.Set(ctx, values); err != nil {
				t.Errorf("Set: %v", err)
				return
			}
		}
	}()
	for range 200 {
		tab.HandleStorageChange(ctx, storage.Change{Key: KeyAccessToken})
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	for _, sess := range seen {
		assert.Equal(t, "access-"+sess.User.ID, sess.AccessToken)
		assert.Equal(t, "refresh-"+sess.User.ID, sess.RefreshToken)
	}
	stored, err := writer.GetMany(ctx, Keys...)
	require.NoError(t, err)
	assert.Len(t, stored, 3)
}
