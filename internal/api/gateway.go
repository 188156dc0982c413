// Package api serves the local gateway a browser talks to: every route of
// the application rendered through its guard, the session and onboarding
// actions, a websocket of auth-changed events and an MCP server for agents.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/naviya/webclient/internal/auth"
	"github.com/naviya/webclient/internal/backend"
	"github.com/naviya/webclient/internal/dashboard"
	"github.com/naviya/webclient/internal/guard"
	"github.com/naviya/webclient/internal/metrics"
	"github.com/naviya/webclient/internal/resume"
	"github.com/naviya/webclient/internal/router"
	"github.com/naviya/webclient/internal/session"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Backend is the part of backend.Client the gateway calls directly.
type Backend interface {
	SaveOnboarding(ctx context.Context, form backend.OnboardingForm) error
	CompleteOnboarding(ctx context.Context, form backend.OnboardingForm) error
	UploadResume(ctx context.Context, userID, filename string, pdf []byte) (*backend.ResumeUpload, error)
}

// Invalidator drops cached onboarding status.
type Invalidator interface {
	Invalidate()
}

// GatewayDeps holds the gateway's collaborators. Metrics and Logger are
// optional.
type GatewayDeps struct {
	Sessions  *session.Store
	Auth      *auth.Service
	Backend   Backend
	Resolver  Invalidator
	Navigator *router.Navigator
	Scope     *dashboard.Scope
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Gateway is the HTTP surface of one tab.
type Gateway struct {
	deps   GatewayDeps
	events *EventHub
	logger *slog.Logger

	unsubscribe []func()
}

// NewGateway wires the gateway and starts forwarding session and dashboard
// changes to /events. Close stops that.
func NewGateway(deps GatewayDeps) *Gateway {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{deps: deps, events: NewEventHub(logger), logger: logger}
	g.unsubscribe = append(g.unsubscribe,
		deps.Sessions.Subscribe(g.events.SessionListener()),
		deps.Scope.Subscribe(g.events.DashboardListener()),
	)
	if deps.Metrics != nil {
		g.unsubscribe = append(g.unsubscribe, deps.Sessions.Subscribe(deps.Metrics.ObserveSession))
	}
	return g
}

// Events returns the websocket hub.
func (g *Gateway) Events() *EventHub { return g.events }

// Close detaches from the session and scope and disconnects event clients.
func (g *Gateway) Close() {
	for _, u := range g.unsubscribe {
		u()
	}
	g.unsubscribe = nil
	g.events.Close()
}

// Handler returns the chi router.
func (g *Gateway) Handler() http.Handler {
	r := chi.NewRouter()
	if g.deps.Metrics != nil {
		r.Use(g.deps.Metrics.InstrumentHandler)
		r.Method(http.MethodGet, "/metrics", g.deps.Metrics.Handler())
	}

	r.Get("/health", handleHealth)
	r.Method(http.MethodGet, "/events", g.events)

	r.Get("/session", g.handleSession)
	r.Post("/session/login", g.handleLogin)
	r.Post("/session/register", g.handleRegister)
	r.Post("/session/logout", g.handleLogout)

	r.Group(func(r chi.Router) {
		r.Use(RequireSession(g.deps.Sessions))
		r.Post("/onboarding/save", g.handleOnboarding(false))
		r.Post("/onboarding/complete", g.handleOnboarding(true))
		r.Post("/resume/upload", g.handleResumeUpload)
		r.Get("/dashboard/state", g.handleDashboardState)
		r.Post("/dashboard/refresh", g.handleDashboardRefresh)
	})

	for _, rt := range router.Table {
		r.Get(rt.Pattern, g.handlePage)
	}
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			httpError(w, http.StatusNotFound, "invalid_request_error", "no such endpoint: %s %s", r.Method, r.URL.Path)
			return
		}
		http.Redirect(w, r, guard.RootPath, http.StatusSeeOther)
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func (g *Gateway) handlePage(w http.ResponseWriter, r *http.Request) {
	res, err := g.deps.Navigator.Navigate(r.Context(), r.URL.Path)
	if err != nil {
		if r.Context().Err() != nil {
			return
		}
		httpError(w, http.StatusInternalServerError, "server_error", "navigation failed: %v", err)
		return
	}
	if res.Decision.Kind == guard.Redirect {
		http.Redirect(w, r, res.Decision.Location, http.StatusSeeOther)
		return
	}
	writeJSON(w, http.StatusOK, newPageView(res))
}

type credentials struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type sessionResponse struct {
	SignedIn bool         `json:"signed_in"`
	Session  *sessionView `json:"session"`
	Location string       `json:"location,omitempty"`
	Degraded string       `json:"storage_degraded,omitempty"`
	Warning  string       `json:"warning,omitempty"`
}

func (g *Gateway) handleSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, g.sessionResponse(""))
}

func (g *Gateway) handleLogin(w http.ResponseWriter, r *http.Request) {
	var c credentials
	if !decodeBody(w, r, &c) {
		return
	}
	if _, err := g.deps.Auth.Login(r.Context(), c.Email, c.Password); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g.sessionResponse(g.landing(r.Context(), guard.AuthPath)))
}

func (g *Gateway) handleRegister(w http.ResponseWriter, r *http.Request) {
	var c credentials
	if !decodeBody(w, r, &c) {
		return
	}
	if _, err := g.deps.Auth.Register(r.Context(), c.Name, c.Email, c.Password); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g.sessionResponse(g.landing(r.Context(), guard.AuthPath)))
}

func (g *Gateway) handleLogout(w http.ResponseWriter, r *http.Request) {
	err := g.deps.Auth.Logout(r.Context())
	resp := g.sessionResponse(guard.AuthPath)
	if err != nil {
		if g.deps.Sessions.Get() != nil {
			writeError(w, err)
			return
		}
		// Signed out locally; only the backend call failed.
		resp.Warning = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (g *Gateway) handleOnboarding(complete bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var form backend.OnboardingForm
		if !decodeBody(w, r, &form) {
			return
		}
		save := g.deps.Backend.SaveOnboarding
		if complete {
			save = g.deps.Backend.CompleteOnboarding
		}
		if err := save(r.Context(), form); err != nil {
			writeError(w, err)
			return
		}
		resp := map[string]any{"ok": true}
		if complete {
			g.deps.Resolver.Invalidate()
			resp["location"] = g.landing(r.Context(), guard.OnboardingPath)
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func (g *Gateway) handleResumeUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, resume.MaxSize+maxRequestBodySize)
	file, header, err := r.FormFile("file")
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "multipart field \"file\" is required: %v", err)
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "reading upload: %v", err)
		return
	}
	info, err := resume.Inspect(data)
	if err != nil {
		writeError(w, err)
		return
	}

	sess := g.deps.Sessions.Get()
	if sess == nil {
		httpError(w, http.StatusUnauthorized, "authentication_error", "not signed in")
		return
	}
	ack, err := g.deps.Backend.UploadResume(r.Context(), sess.User.ID, header.Filename, data)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := map[string]any{
		"resume_id": ack.ResumeID,
		"status":    ack.Status,
		"pages":     info.Pages,
		"preview":   info.Preview,
	}
	if g.deps.Scope.Current() != nil {
		if snap, err := g.deps.Scope.Refresh(r.Context()); err == nil {
			resp["dashboard"] = newDashboardView(snap)
		} else {
			g.logger.Debug("refresh after resume upload failed", "error", err)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (g *Gateway) handleDashboardState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, newDashboardView(g.deps.Scope.Snapshot()))
}

func (g *Gateway) handleDashboardRefresh(w http.ResponseWriter, r *http.Request) {
	p, err := g.deps.Scope.Acquire()
	if err != nil {
		writeError(w, err)
		return
	}
	snap, err := p.Refresh(r.Context())
	if errors.Is(err, dashboard.ErrClosed) {
		httpError(w, http.StatusConflict, "session_changed", "the session changed during refresh")
		return
	}
	if r.Context().Err() != nil {
		return
	}
	// A failed fetch still yields a degraded snapshot worth showing.
	writeJSON(w, http.StatusOK, newDashboardView(snap))
}

// landing follows from, returning the path where navigation settles.
func (g *Gateway) landing(ctx context.Context, from string) string {
	_, trail, err := g.deps.Navigator.Follow(ctx, from)
	if err != nil {
		g.logger.Warn("resolving landing page", "from", from, "error", err)
		return from
	}
	return trail[len(trail)-1]
}

func (g *Gateway) sessionResponse(location string) sessionResponse {
	s := g.deps.Sessions.Get()
	resp := sessionResponse{SignedIn: s != nil, Session: newSessionView(s), Location: location}
	if err := g.deps.Sessions.Degraded(); err != nil {
		resp.Degraded = err.Error()
	}
	return resp
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

// writeError maps domain errors onto the error envelope.
func writeError(w http.ResponseWriter, err error) {
	var (
		httpErr  *backend.HTTPError
		netErr   *backend.NetworkError
		parseErr *backend.ParseError
	)
	switch {
	case errors.Is(err, auth.ErrMissingCredentials),
		errors.Is(err, backend.ErrInvalidOnboarding),
		errors.Is(err, resume.ErrEmpty),
		errors.Is(err, resume.ErrNotPDF),
		errors.Is(err, resume.ErrNoPages):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	case errors.Is(err, resume.ErrTooLarge):
		httpError(w, http.StatusRequestEntityTooLarge, "invalid_request_error", "%v", err)
	case errors.Is(err, dashboard.ErrSignedOut):
		httpError(w, http.StatusUnauthorized, "authentication_error", "%v", err)
	case errors.As(err, &httpErr):
		switch {
		case httpErr.Status == http.StatusUnauthorized:
			httpError(w, http.StatusUnauthorized, "authentication_error", "%v", err)
		case httpErr.Status < 500:
			httpError(w, httpErr.Status, "invalid_request_error", "%v", err)
		default:
			httpError(w, http.StatusBadGateway, "api_error", "%v", err)
		}
	case errors.As(err, &netErr):
		httpError(w, http.StatusBadGateway, "network_error", "%v", err)
	case errors.As(err, &parseErr):
		httpError(w, http.StatusBadGateway, "parse_error", "%v", err)
	default:
		httpError(w, http.StatusInternalServerError, "server_error", "%v", err)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
