package httpapi

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config controls API limits and client identification.
type Config struct {
	// TrustProxy makes login throttling key on X-Forwarded-For / X-Real-IP.
	TrustProxy bool `env:"API_TRUST_PROXY"`

	// MaxBodyBytes bounds JSON request bodies.
	MaxBodyBytes int64 `env:"API_MAX_BODY_BYTES"`

	// LoginIPMax failed-or-not login attempts are allowed per LoginIPWindow
	// per client IP. Zero disables throttling.
	LoginIPMax    int           `env:"API_LOGIN_IP_MAX"`
	LoginIPWindow time.Duration `env:"API_LOGIN_IP_WINDOW"`
}

// DefaultConfig returns safe defaults.
func DefaultConfig() Config {
	return Config{
		TrustProxy:    false,
		MaxBodyBytes:  64 << 10,
		LoginIPMax:    20,
		LoginIPWindow: 5 * time.Minute,
	}
}

// LoadConfigFromEnv reads STASH_API_* on top of DefaultConfig.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "STASH_"}); err != nil {
		return Config{}, fmt.Errorf("api config: %w", err)
	}
	if cfg.MaxBodyBytes <= 0 {
		return Config{}, fmt.Errorf("api config: max body bytes must be positive")
	}
	if cfg.LoginIPMax < 0 {
		return Config{}, fmt.Errorf("api config: login ip max must not be negative")
	}
	if cfg.LoginIPMax > 0 && cfg.LoginIPWindow <= 0 {
		return Config{}, fmt.Errorf("api config: login ip window must be positive")
	}
	return cfg, nil
}
