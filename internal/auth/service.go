// Package auth runs the sign-in, sign-up and sign-out flows: it talks to the
// backend and moves the result into the session store, which in turn tells
// every listener about the change.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/naviya/webclient/internal/session"
)

var ErrMissingCredentials = errors.New("email and password are required")

// Backend is the part of backend.Client the flows need.
type Backend interface {
	Login(ctx context.Context, email, password string) (session.Session, error)
	Register(ctx context.Context, name, email, password string) (session.Session, error)
	Logout(ctx context.Context) error
}

// Sessions is the part of session.Store the flows need.
type Sessions interface {
	Get() *session.Session
	Set(ctx context.Context, s session.Session) error
	Clear(ctx context.Context) error
}

type Service struct {
	backend  Backend
	sessions Sessions
	logger   *slog.Logger
}

func NewService(b Backend, s Sessions, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{backend: b, sessions: s, logger: logger}
}

// Login authenticates and stores the returned session.
func (s *Service) Login(ctx context.Context, email, password string) (session.Session, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return session.Session{}, ErrMissingCredentials
	}
	sess, err := s.backend.Login(ctx, email, password)
	if err != nil {
		return session.Session{}, fmt.Errorf("login: %w", err)
	}
	return s.store(ctx, sess)
}

// Register creates an account and stores the returned session.
func (s *Service) Register(ctx context.Context, name, email, password string) (session.Session, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return session.Session{}, ErrMissingCredentials
	}
	sess, err := s.backend.Register(ctx, strings.TrimSpace(name), email, password)
	if err != nil {
		return session.Session{}, fmt.Errorf("register: %w", err)
	}
	return s.store(ctx, sess)
}

func (s *Service) store(ctx context.Context, sess session.Session) (session.Session, error) {
	if err := s.sessions.Set(ctx, sess); err != nil {
		return session.Session{}, fmt.Errorf("storing session: %w", err)
	}
	s.logger.Info("signed in", "user_id", sess.User.ID)
	return sess, nil
}

// Logout tells the backend and clears the local session. The session is
// cleared even when the backend call fails; that error is still returned.
func (s *Service) Logout(ctx context.Context) error {
	if s.sessions.Get() == nil {
		return nil
	}
	remoteErr := s.backend.Logout(ctx)
	if remoteErr != nil {
		s.logger.Warn("backend logout failed, clearing local session anyway", "error", remoteErr)
	}
	if err := s.sessions.Clear(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("clearing session: %w", err)
	}
	if remoteErr != nil {
		return fmt.Errorf("logout: %w", remoteErr)
	}
	return nil
}
