package auth

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/naviya/webclient/internal/backend"
	"github.com/naviya/webclient/internal/session"
	"github.com/naviya/webclient/internal/storage"
)

type fakeBackend struct {
	sess      session.Session
	err       error
	logoutErr error
	logouts   int
}

func (f *fakeBackend) Login(_ context.Context, email, _ string) (session.Session, error) {
	return f.sess, f.err
}

func (f *fakeBackend) Register(_ context.Context, _, _, _ string) (session.Session, error) {
	return f.sess, f.err
}

func (f *fakeBackend) Logout(context.Context) error {
	f.logouts++
	return f.logoutErr
}

func newStore(t *testing.T) *session.Store {
	t.Helper()
	return session.New(context.Background(), storage.NewMemory(nil), nil)
}

var u1 = session.Session{User: session.User{ID: "u1"}, AccessToken: "a", RefreshToken: "r"}

func TestRegisterStoresSession(t *testing.T) {
	store := newStore(t)
	var events []session.Event
	store.Subscribe(func(ev session.Event) { events = append(events, ev) })

	svc := NewService(&fakeBackend{sess: u1}, store, nil)
	got, err := svc.Register(context.Background(), "Ada", "ada@example.com", "pw")
	require.NoError(t, err)
	assert.Equal(t, "u1", got.User.ID)
	require.NotNil(t, store.Get())
	assert.Equal(t, "u1", store.Get().User.ID)
	require.Len(t, events, 1)
	assert.Equal(t, session.OriginLocal, events[0].Origin)
}

func TestLoginFailureLeavesSessionAlone(t *testing.T) {
	store := newStore(t)
	svc := NewService(&fakeBackend{err: &backend.HTTPError{Status: 401}}, store, nil)

	_, err := svc.Login(context.Background(), "ada@example.com", "wrong")
	var httpErr *backend.HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, 401, httpErr.Status)
	assert.Nil(t, store.Get())
}

func TestLoginRequiresCredentials(t *testing.T) {
	svc := NewService(&fakeBackend{sess: u1}, newStore(t), nil)
	_, err := svc.Login(context.Background(), "  ", "pw")
	assert.ErrorIs(t, err, ErrMissingCredentials)
	_, err = svc.Register(context.Background(), "Ada", "ada@example.com", "")
	assert.ErrorIs(t, err, ErrMissingCredentials)
}

func TestLogoutClearsEvenWhenBackendFails(t *testing.T) {
	store := newStore(t)
	require.NoError(t, store.Set(context.Background(), u1))

	b := &fakeBackend{logoutErr: &backend.NetworkError{Method: "POST", Path: "/api/auth/logout", Err: errors.New("down")}}
	svc := NewService(b, store, nil)

	err := svc.Logout(context.Background())
	var netErr *backend.NetworkError
	assert.True(t, errors.As(err, &netErr))
	assert.Nil(t, store.Get())
	assert.Equal(t, 1, b.logouts)
}

func TestLogoutSignedOutIsNoop(t *testing.T) {
	b := &fakeBackend{}
	svc := NewService(b, newStore(t), nil)
	require.NoError(t, svc.Logout(context.Background()))
	assert.Equal(t, 0, b.logouts)
}
