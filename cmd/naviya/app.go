package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/naviya/webclient/internal/auth"
	"github.com/naviya/webclient/internal/backend"
	"github.com/naviya/webclient/internal/config"
	"github.com/naviya/webclient/internal/dashboard"
	"github.com/naviya/webclient/internal/guard"
	"github.com/naviya/webclient/internal/metrics"
	"github.com/naviya/webclient/internal/onboarding"
	"github.com/naviya/webclient/internal/router"
	"github.com/naviya/webclient/internal/session"
	"github.com/naviya/webclient/internal/storage"
)

// app is one tab: its own origin on the shared store plus everything that
// hangs off the session.
type app struct {
	cfg      config.Config
	durable  storage.Durable
	sessions *session.Store
	client   *backend.Client
	resolver *onboarding.Resolver
	scope    *dashboard.Scope
	nav      *router.Navigator
	auth     *auth.Service

	detach func()
}

func setupLogging(level string, w io.Writer) {
	logLevel := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn", "warning":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: logLevel})))
}

func openDurable(ctx context.Context, cfg config.Config) (storage.Durable, error) {
	switch cfg.Storage.Backend {
	case "memory":
		return storage.NewMemory(nil), nil
	case "redis":
		return storage.OpenRedis(ctx, cfg.Storage.RedisAddr)
	default:
		return storage.Open(cfg.Storage.DataDir, cfg.PollInterval())
	}
}

// newApp wires a tab. m may be nil.
func newApp(ctx context.Context, cfg config.Config, m *metrics.Metrics) (*app, error) {
	logger := slog.Default()

	durable, err := openDurable(ctx, cfg)
	if err != nil {
		// The session still works for this process, it just won't survive
		// a restart or reach other tabs.
		logger.Warn("session storage unavailable, keeping sessions in memory",
			"backend", cfg.Storage.Backend, "error", err)
		durable = nil
	}
	sessions := session.New(ctx, durable, logger)

	var (
		clientOpts []backend.Option
		guardOpts  []guard.Option
		scopeOpts  = []dashboard.Option{dashboard.WithLogger(logger)}
	)
	clientOpts = append(clientOpts, backend.WithLogger(logger))
	if m != nil {
		clientOpts = append(clientOpts, backend.WithObserver(m))
		guardOpts = append(guardOpts, guard.WithObserver(m))
		scopeOpts = append(scopeOpts, dashboard.WithObserver(m))
	}

	client, err := backend.New(backend.Settings{
		BaseURL:    cfg.Backend.BaseURL,
		Production: cfg.Production(),
		Timeout:    cfg.RequestTimeout(),
	}, sessions, clientOpts...)
	if err != nil {
		if durable != nil {
			durable.Close()
		}
		return nil, fmt.Errorf("configuring backend client: %w", err)
	}

	resolver := onboarding.NewResolver(client, cfg.OnboardingCacheTTL())
	scope := dashboard.NewScope(sessions, client, scopeOpts...)
	nav := router.NewNavigator(sessions, resolver, scope,
		router.WithGuardOptions(append(guardOpts, guard.WithLogger(logger))...),
		router.WithLogger(logger),
	)

	return &app{
		cfg:      cfg,
		durable:  durable,
		sessions: sessions,
		client:   client,
		resolver: resolver,
		scope:    scope,
		nav:      nav,
		auth:     auth.NewService(client, sessions, logger),
		detach:   resolver.Attach(sessions),
	}, nil
}

func (a *app) Close() {
	a.scope.Close()
	a.detach()
	if a.durable != nil {
		if err := a.durable.Close(); err != nil {
			slog.Warn("closing session storage", "error", err)
		}
	}
}
