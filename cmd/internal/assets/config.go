package assets

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// DefaultMaxBytes is the default upload ceiling (5 MiB).
const DefaultMaxBytes = 5 << 20

// Config controls asset limits.
type Config struct {
	MaxBytes int64 `env:"ASSET_MAX_BYTES"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{MaxBytes: DefaultMaxBytes}
}

// LoadConfigFromEnv reads STASH_ASSET_* on top of DefaultConfig.
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

// Check validates ranges.
func (c Config) Check() error {
	if c.MaxBytes <= 0 || c.MaxBytes > 1<<30 {
		return fmt.Errorf("%w: asset max bytes must be in (0, 1GiB]", ErrConfig)
	}
	return nil
}
