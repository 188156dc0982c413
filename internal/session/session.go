// Package session holds the active browser principal: the signed-in user
// and their access and refresh tokens.
//
// Store is the only reader and writer of the three durable keys (user,
// access_token, refresh_token). It keeps an in-memory snapshot so Get is
// synchronous, persists every mutation atomically, and publishes an
// auth-changed Event to subscribers after each Set or Clear and after every
// change another origin (tab) makes to those keys.
//
// A session is all-or-nothing: a user without both tokens, or tokens
// without a user, is treated as signed out and purged from storage.
//
// When storage fails the Store degrades to an in-memory session for the
// current origin and logs a single warning; Degraded reports the cause.
package session

import (
	"errors"
	"fmt"
)

// Durable storage keys owned by Store.
const (
	KeyUser         = "user"
	KeyAccessToken  = "access_token"
	KeyRefreshToken = "refresh_token"
)

// Keys lists every durable key owned by Store.
var Keys = []string{KeyUser, KeyAccessToken, KeyRefreshToken}

var (
	// ErrStorageUnavailable reports that durable storage failed and the
	// session is held in memory only.
	ErrStorageUnavailable = errors.New("session storage unavailable")

	// ErrIncompleteSession is returned by Set for a session missing the
	// user id or either token.
	ErrIncompleteSession = errors.New("incomplete session")
)

type User struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

// Session is a snapshot. Values returned by Store are copies.
type Session struct {
	User         User   `json:"user"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// Complete reports whether all three parts are present.
func (s Session) Complete() bool {
	return s.User.ID != "" && s.AccessToken != "" && s.RefreshToken != ""
}

func (s Session) validate() error {
	if !s.Complete() {
		return fmt.Errorf("%w: user id, access token and refresh token are required", ErrIncompleteSession)
	}
	return nil
}

// Origin says where a session change came from.
type Origin int

const (
	// OriginLocal is a Set or Clear in this process.
	OriginLocal Origin = iota
	// OriginCrossTab is a change another origin made to durable storage.
	OriginCrossTab
)

func (o Origin) String() string {
	switch o {
	case OriginLocal:
		return "local"
	case OriginCrossTab:
		return "cross_tab"
	default:
		return "unknown"
	}
}

// Event is the auth-changed notification. Session is nil when signed out.
type Event struct {
	Session *Session
	Origin  Origin
}

// UserID returns the signed-in user id or "".
func (e Event) UserID() string {
	if e.Session == nil {
		return ""
	}
	return e.Session.User.ID
}

// Listener receives auth-changed events synchronously, in subscription
// order. Listeners must not call Set or Clear on the same Store.
type Listener func(Event)
