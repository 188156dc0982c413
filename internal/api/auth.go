package api

import (
	"net/http"

	"github.com/naviya/webclient/internal/session"
)

// RequireSession rejects requests while this tab is signed out.
func RequireSession(sessions *session.Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if sessions.Get() == nil {
				httpError(w, http.StatusUnauthorized, "authentication_error", "not signed in")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
