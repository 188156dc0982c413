package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// setting is one dotted config key. Values arrive as text from the config
// file, the environment and `naviya config set`; parse validates the text
// and converts it to the type of the field it fills.
type setting struct {
	key   string
	env   string
	parse func(raw string) (any, error)
	field func(cfg *Config) any // *string or *int
}

var settings = []setting{
	{"backend.base_url", "NAVIYA_BACKEND_BASE_URL", text, func(c *Config) any { return &c.Backend.BaseURL }},
	{"backend.timeout", "NAVIYA_BACKEND_TIMEOUT", duration, func(c *Config) any { return &c.Backend.Timeout }},
	{"build.mode", "NAVIYA_BUILD_MODE", text, func(c *Config) any { return &c.Build.Mode }},
	{"server.port", "NAVIYA_SERVER_PORT", port, func(c *Config) any { return &c.Server.Port }},
	{"storage.backend", "NAVIYA_STORAGE_BACKEND", text, func(c *Config) any { return &c.Storage.Backend }},
	{"storage.data_dir", "NAVIYA_STORAGE_DATA_DIR", text, func(c *Config) any { return &c.Storage.DataDir }},
	{"storage.redis_addr", "NAVIYA_STORAGE_REDIS_ADDR", text, func(c *Config) any { return &c.Storage.RedisAddr }},
	{"storage.poll_interval", "NAVIYA_STORAGE_POLL_INTERVAL", duration, func(c *Config) any { return &c.Storage.PollInterval }},
	{"onboarding.cache_ttl", "NAVIYA_ONBOARDING_CACHE_TTL", duration, func(c *Config) any { return &c.Onboarding.CacheTTL }},
	{"log.level", "NAVIYA_LOG_LEVEL", text, func(c *Config) any { return &c.Log.Level }},
}

func text(raw string) (any, error) { return raw, nil }

func port(raw string) (any, error) {
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > 65535 {
		return nil, fmt.Errorf("want a port between 1 and 65535, got %q", raw)
	}
	return n, nil
}

// duration validates raw but keeps it as text; Config parses it on use.
func duration(raw string) (any, error) {
	d, err := time.ParseDuration(raw)
	if err != nil {
		return nil, err
	}
	if d < 0 {
		return nil, fmt.Errorf("negative duration %q", raw)
	}
	return raw, nil
}

func (s setting) set(cfg *Config, v any) {
	switch p := s.field(cfg).(type) {
	case *string:
		*p = v.(string)
	case *int:
		*p = v.(int)
	}
}

func (s setting) get(cfg Config) string {
	switch p := s.field(&cfg).(type) {
	case *string:
		return *p
	case *int:
		return strconv.Itoa(*p)
	}
	return ""
}

func lookupSetting(key string) (setting, bool) {
	for _, s := range settings {
		if s.key == key {
			return s, true
		}
	}
	return setting{}, false
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range settings {
		raw, ok, err := b.Lookup(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		s.set(cfg, v)
	}
	return nil
}

// applyEnvOverrides skips unparseable values with a warning; logging is
// not configured yet at this point.
func applyEnvOverrides(cfg *Config) {
	for _, s := range settings {
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] ignoring %s=%q: %v\n", s.env, raw, err)
			continue
		}
		s.set(cfg, v)
	}
}
