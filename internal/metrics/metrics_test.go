package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/naviya/webclient/internal/session"
)

func TestBackendRoute(t *testing.T) {
	tests := map[string]string{
		"/api/dashboard/state/u1":   "/api/dashboard/state/:id",
		"/api/mentor/messages/u-42": "/api/mentor/messages/:id",
		"/api/onboarding/status":    "/api/onboarding/status",
		"/api/auth/login":           "/api/auth/login",
		"/api/dashboard/state":      "/api/dashboard/state",
		"":                          "/",
	}
	for in, want := range tests {
		assert.Equal(t, want, BackendRoute(in), in)
	}
}

func TestGatewayPath(t *testing.T) {
	tests := map[string]string{
		"/":                        "/",
		"/career/dashboard":        "/career",
		"/learn/p1":                "/learn",
		"/session/login":           "/session/login",
		"/dashboard/refresh":       "/dashboard/refresh",
		"/roadmap/p1/confirm":      "/roadmap",
		"/onboarding":              "/onboarding",
		"/onboarding/save/extra/x": "/onboarding",
	}
	for in, want := range tests {
		assert.Equal(t, want, gatewayPath(in), in)
	}
}

func TestObservers(t *testing.T) {
	m := New()

	m.ObserveRequest("GET", "/api/dashboard/state/u1", 200, 20*time.Millisecond)
	m.ObserveRequest("GET", "/api/dashboard/state/u2", 200, 30*time.Millisecond)
	m.ObserveDecision("protected", "redirect")
	m.ObserveRefresh("degraded")
	m.ObserveSession(session.Event{Origin: session.OriginCrossTab})
	m.ObserveSession(session.Event{Session: &session.Session{}, Origin: session.OriginLocal})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.backendRequests.WithLabelValues("GET", "/api/dashboard/state/:id", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.guardDecisions.WithLabelValues("protected", "redirect")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.refreshes.WithLabelValues("degraded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionEvents.WithLabelValues("cross_tab", "clear")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionEvents.WithLabelValues("local", "set")))
}

func TestInstrumentHandlerAndExposition(t *testing.T) {
	m := New()
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/career/dashboard", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/auth", http.StatusSeeOther)
	})
	srv := httptest.NewServer(m.InstrumentHandler(mux))
	defer srv.Close()

	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}
	resp, err := client.Get(srv.URL + "/career/dashboard")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusSeeOther, resp.StatusCode)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequests.WithLabelValues("GET", "/career", "303")))

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "naviya_http_requests_total"))
}
