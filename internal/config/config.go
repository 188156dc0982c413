package config

import (
	"fmt"
	"os"
	"time"
)

// Build-time values, injected with
//
//	-ldflags "-X github.com/naviya/webclient/internal/config.buildBaseURL=https://api.naviya.app -X github.com/naviya/webclient/internal/config.buildMode=production"
//
// A non-empty buildBaseURL is authoritative: it wins over every runtime source.
var (
	buildBaseURL string
	buildMode    string
)

const (
	ModeDevelopment = "development"
	ModeProduction  = "production"
)

type Config struct {
	Backend    BackendConfig
	Build      BuildConfig
	Server     ServerConfig
	Storage    StorageConfig
	Onboarding OnboardingConfig
	Log        LogConfig
}

type BackendConfig struct {
	BaseURL string
	Timeout string
}

type BuildConfig struct {
	Mode string
}

type ServerConfig struct {
	Port int
}

type StorageConfig struct {
	Backend      string // "sqlite", "memory" or "redis"
	DataDir      string
	RedisAddr    string
	PollInterval string
}

type OnboardingConfig struct {
	CacheTTL string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Backend: BackendConfig{
			Timeout: "30s",
		},
		Build: BuildConfig{
			Mode: ModeDevelopment,
		},
		Server: ServerConfig{
			Port: 5173,
		},
		Storage: StorageConfig{
			Backend:      "sqlite",
			DataDir:      defaultDataDir(),
			RedisAddr:    "127.0.0.1:6379",
			PollInterval: "500ms",
		},
		Onboarding: OnboardingConfig{
			CacheTTL: "10s",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Production reports whether the build targets production.
func (c Config) Production() bool {
	return c.Build.Mode == ModeProduction
}

// RequestTimeout parses Backend.Timeout, falling back to 30s.
func (c Config) RequestTimeout() time.Duration {
	return parseDuration("backend.timeout", c.Backend.Timeout, 30*time.Second)
}

// PollInterval parses Storage.PollInterval, falling back to 500ms.
func (c Config) PollInterval() time.Duration {
	return parseDuration("storage.poll_interval", c.Storage.PollInterval, 500*time.Millisecond)
}

// OnboardingCacheTTL parses Onboarding.CacheTTL. Zero disables caching.
func (c Config) OnboardingCacheTTL() time.Duration {
	return parseDuration("onboarding.cache_ttl", c.Onboarding.CacheTTL, 0)
}

func parseDuration(key, raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		fmt.Fprintf(os.Stderr, "[WARN] invalid duration for %s=%q. Using %s.\n", key, raw, fallback)
		return fallback
	}
	return d
}

// Load reads configuration from the JSON file backend, .env files in the
// working directory, environment variables and build-time values.
//
// Environment variables (NAVIYA_*) override file values; .env files never
// override variables already present in the environment. Validation of the
// backend base URL happens when the backend client is constructed.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), ".")
}

func loadWith(b ConfigBackend, envDir string) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	if err := loadDotEnv(envDir, detectMode()); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)
	applyBuildValues(&cfg)

	switch cfg.Build.Mode {
	case ModeDevelopment, ModeProduction:
	default:
		return Config{}, fmt.Errorf("invalid build.mode %q: want %q or %q", cfg.Build.Mode, ModeDevelopment, ModeProduction)
	}
	switch cfg.Storage.Backend {
	case "sqlite", "memory", "redis":
	default:
		return Config{}, fmt.Errorf("invalid storage.backend %q", cfg.Storage.Backend)
	}

	return cfg, nil
}

func applyBuildValues(cfg *Config) {
	if buildMode != "" {
		cfg.Build.Mode = buildMode
	}
	if buildBaseURL != "" {
		cfg.Backend.BaseURL = buildBaseURL
	}
}
