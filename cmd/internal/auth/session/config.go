package session

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"stash/cmd/security/token"
)

// Config defines runtime configuration for the session subsystem.
type Config struct {
	// Expiry is the lifetime granted to a new or renewed session.
	Expiry time.Duration `env:"SESSION_EXPIRY"`

	// RenewAfter is how long after issuance (or the last renewal) a
	// successful Authorize pushes the expiry forward again.
	RenewAfter time.Duration `env:"SESSION_RENEW_AFTER"`

	// TokenBytes is the number of random bytes in a bearer token.
	TokenBytes int `env:"SESSION_TOKEN_BYTES"`

	// MaxInsertAttempts bounds retries on token digest collisions.
	MaxInsertAttempts int `env:"SESSION_MAX_INSERT_ATTEMPTS"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Expiry:            7 * 24 * time.Hour,
		RenewAfter:        24 * time.Hour,
		TokenBytes:        token.MinBytes,
		MaxInsertAttempts: 3,
	}
}

// LoadConfigFromEnv loads session configuration from STASH_SESSION_*
// variables on top of DefaultConfig.
//
// Durations use Go syntax ("168h", "30m"). Returns an error wrapping
// ErrConfig if a value does not parse or fails Check.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "STASH_"}); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	if err := cfg.Check(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Check validates invariants between fields.
func (c Config) Check() error {
	if c.Expiry <= 0 {
		return fmt.Errorf("%w: expiry must be positive", ErrConfig)
	}
	if c.RenewAfter <= 0 || c.RenewAfter >= c.Expiry {
		return fmt.Errorf("%w: renew_after must be in (0, expiry)", ErrConfig)
	}
	if c.TokenBytes < token.MinBytes || c.TokenBytes > 64 {
		return fmt.Errorf("%w: token_bytes must be in [%d, 64]", ErrConfig, token.MinBytes)
	}
	if c.MaxInsertAttempts < 1 || c.MaxInsertAttempts > 10 {
		return fmt.Errorf("%w: max_insert_attempts must be in [1, 10]", ErrConfig)
	}
	return nil
}
