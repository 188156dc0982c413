// Package backendtest runs an in-process fake of the Naviya backend for
// tests. It implements the auth, onboarding, dashboard, mentor and resume
// endpoints with bearer checks, so a real backend.Client can talk to it.
package backendtest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/naviya/webclient/internal/backend"
	"github.com/naviya/webclient/internal/session"
)

type account struct {
	user     session.User
	password string
}

type onboardingRow struct {
	Exists    bool `json:"exists"`
	Completed bool `json:"onboarding_completed"`
}

type Server struct {
	*httptest.Server

	mu         sync.Mutex
	nextUser   int
	nextToken  int
	accounts   map[string]*account // by email
	tokens     map[string]string   // access token -> user id
	onboarding map[string]onboardingRow
	dashboards map[string]backend.DashboardState
	mentor     map[string][]backend.MentorMessage
	failures   map[string]int // path prefix -> status
	calls      map[string]int
	forms      []backend.OnboardingForm
	uploads    map[string][]byte
}

// New starts a fake backend. The caller must Close it.
func New() *Server {
	s := &Server{
		accounts:   make(map[string]*account),
		tokens:     make(map[string]string),
		onboarding: make(map[string]onboardingRow),
		dashboards: make(map[string]backend.DashboardState),
		mentor:     make(map[string][]backend.MentorMessage),
		failures:   make(map[string]int),
		calls:      make(map[string]int),
		uploads:    make(map[string][]byte),
	}

	r := chi.NewRouter()
	r.Use(s.count, s.inject)
	r.Post("/api/auth/register", s.handleRegister)
	r.Post("/api/auth/login", s.handleLogin)
	r.Group(func(r chi.Router) {
		r.Use(s.requireBearer)
		r.Post("/api/auth/logout", s.handleLogout)
		r.Get("/api/onboarding/status", s.handleOnboardingStatus)
		r.Post("/api/onboarding/save", s.handleOnboarding(false))
		r.Post("/api/onboarding/complete", s.handleOnboarding(true))
		r.Get("/api/dashboard/state/{userID}", s.handleDashboard)
		r.Get("/api/mentor/messages/{userID}", s.handleMentor)
		r.Post("/api/resume/upload", s.handleUpload)
	})

	s.Server = httptest.NewServer(r)
	return s
}

// AddUser registers an account and returns a signed-in session for it.
func (s *Server) AddUser(id, email, password string) session.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := session.User{ID: id, Email: email}
	s.accounts[email] = &account{user: u, password: password}
	return s.issueLocked(u)
}

// SetOnboarding sets the onboarding row for userID.
func (s *Server) SetOnboarding(userID string, exists, completed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onboarding[userID] = onboardingRow{Exists: exists, Completed: completed}
}

func (s *Server) SetDashboard(userID string, st backend.DashboardState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dashboards[userID] = st
}

func (s *Server) SetMentor(userID string, msgs []backend.MentorMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mentor[userID] = msgs
}

// Fail makes every request whose path starts with prefix answer status.
// A zero status removes the failure.
func (s *Server) Fail(prefix string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if status == 0 {
		delete(s.failures, prefix)
		return
	}
	s.failures[prefix] = status
}

// Revoke invalidates every access token of userID.
func (s *Server) Revoke(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for tok, id := range s.tokens {
		if id == userID {
			delete(s.tokens, tok)
		}
	}
}

// Calls returns how many requests hit path (without query).
func (s *Server) Calls(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[path]
}

// Forms returns the onboarding forms received so far.
func (s *Server) Forms() []backend.OnboardingForm {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]backend.OnboardingForm(nil), s.forms...)
}

// Upload returns the resume bytes received for userID.
func (s *Server) Upload(userID string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uploads[userID]
}

func (s *Server) issueLocked(u session.User) session.Session {
	s.nextToken++
	sess := session.Session{
		User:         u,
		AccessToken:  fmt.Sprintf("a-%s-%d", u.ID, s.nextToken),
		RefreshToken: fmt.Sprintf("r-%s-%d", u.ID, s.nextToken),
	}
	s.tokens[sess.AccessToken] = u.ID
	return sess
}

func (s *Server) count(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.calls[r.URL.Path]++
		s.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) inject(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		status := 0
		for prefix, st := range s.failures {
			if strings.HasPrefix(r.URL.Path, prefix) {
				status = st
			}
		}
		s.mu.Unlock()
		if status != 0 {
			writeJSON(w, status, map[string]string{"detail": http.StatusText(status)})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		s.mu.Lock()
		id, known := s.tokens[tok]
		s.mu.Unlock()
		if !ok || !known {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "invalid token"})
			return
		}
		r.Header.Set("X-User-ID", id)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct{ Name, Email, Password string }
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "invalid body"})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.accounts[req.Email]; taken {
		writeJSON(w, http.StatusConflict, map[string]string{"detail": "email already registered"})
		return
	}
	s.nextUser++
	u := session.User{ID: fmt.Sprintf("u%d", s.nextUser), Name: req.Name, Email: req.Email}
	s.accounts[req.Email] = &account{user: u, password: req.Password}
	writeJSON(w, http.StatusOK, authResponse(s.issueLocked(u)))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct{ Email, Password string }
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "invalid body"})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[req.Email]
	if !ok || acc.password != req.Password {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "invalid credentials"})
		return
	}
	writeJSON(w, http.StatusOK, authResponse(s.issueLocked(acc.user)))
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	tok := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	s.mu.Lock()
	delete(s.tokens, tok)
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleOnboardingStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	row, ok := s.onboarding[r.URL.Query().Get("user_id")]
	s.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "no onboarding row"})
		return
	}
	writeJSON(w, http.StatusOK, row)
}

func (s *Server) handleOnboarding(complete bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var form backend.OnboardingForm
		if err := json.NewDecoder(r.Body).Decode(&form); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "invalid body"})
			return
		}
		if form.UserID == "" {
			form.UserID = r.Header.Get("X-User-ID")
		}
		s.mu.Lock()
		s.forms = append(s.forms, form)
		row := s.onboarding[form.UserID]
		row.Exists = true
		row.Completed = row.Completed || complete
		s.onboarding[form.UserID] = row
		s.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "userID")
	if id != r.Header.Get("X-User-ID") {
		writeJSON(w, http.StatusForbidden, map[string]string{"detail": "not your dashboard"})
		return
	}
	s.mu.Lock()
	st := s.dashboards[id]
	s.mu.Unlock()
	if st.UnlockedFeatures == nil {
		st.UnlockedFeatures = []string{}
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleMentor(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "userID")
	s.mu.Lock()
	msgs := s.mentor[id]
	s.mu.Unlock()
	if msgs == nil {
		msgs = []backend.MentorMessage{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(10 << 20); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": err.Error()})
		return
	}
	userID := r.FormValue("user_id")
	f, _, err := r.FormFile("file")
	if err != nil || userID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "file and user_id are required"})
		return
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": err.Error()})
		return
	}

	s.mu.Lock()
	s.uploads[userID] = data
	st := s.dashboards[userID]
	st.ResumeReady = true
	s.dashboards[userID] = st
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, backend.ResumeUpload{ResumeID: "res-" + userID, Status: "processing"})
}

func authResponse(sess session.Session) backend.AuthResponse {
	return backend.AuthResponse{
		User: sess.User,
		Session: backend.AuthTokens{
			AccessToken:  sess.AccessToken,
			RefreshToken: sess.RefreshToken,
		},
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
