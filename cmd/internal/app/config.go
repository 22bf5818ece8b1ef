package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// ErrConfig is returned (wrapped) when the runtime configuration is invalid.
var ErrConfig = errors.New("app: invalid configuration")

// Config contains all runtime configuration loaded from STASH_* environment variables.
type Config struct {
	HTTPAddr string `env:"HTTP_ADDR"`
	LogLevel string `env:"LOG_LEVEL"`
	// LogFormat is "json" or "pretty".
	LogFormat string `env:"LOG_FORMAT"`

	ReadHeaderTimeout time.Duration `env:"HTTP_READ_HEADER_TIMEOUT"`
	ReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT"`
	WriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT"`
	IdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT"`
	ShutdownTimeout   time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT"`
	MaxHeaderBytes    int           `env:"HTTP_MAX_HEADER_BYTES"`

	// Storage selects the persistence backend. Empty means postgres when
	// DatabaseURL is set and memory otherwise.
	Storage    string `env:"STORAGE"`
	SQLitePath string `env:"SQLITE_PATH"`

	DatabaseURL string `env:"DATABASE_URL"`
	DBSchema    string `env:"DB_SCHEMA"`
	DBMaxConns  int32  `env:"DB_MAX_CONNS"`
	DBMinConns  int32  `env:"DB_MIN_CONNS"`

	// If true, /readyz returns 503 unless a durable store is configured and reachable.
	ReadinessRequireDB bool `env:"READINESS_REQUIRE_DB"`

	// If true, STASH_TOKEN_HMAC_KEY must be set (>= 32 bytes) and session
	// token digests are HMAC-based.
	RequireTokenHMAC bool `env:"REQUIRE_TOKEN_HMAC"`

	MetricsEnabled bool `env:"METRICS_ENABLED"`

	CORSAllowedOrigins   []string `env:"CORS_ALLOWED_ORIGINS" envSeparator:","`
	CORSAllowCredentials bool     `env:"CORS_ALLOW_CREDENTIALS"`
	CORSMaxAgeSeconds    int      `env:"CORS_MAX_AGE_SECONDS"`
}

// DefaultConfig returns the configuration used when no variables are set.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:  "0.0.0.0:8080",
		LogLevel:  "info",
		LogFormat: "json",

		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		ShutdownTimeout:   10 * time.Second,
		MaxHeaderBytes:    1 << 20,

		SQLitePath: "stash.db",
		DBSchema:   "stash",
		DBMaxConns: 10,

		MetricsEnabled: true,

		CORSMaxAgeSeconds: 600,
	}
}

// LoadConfig loads Config from the environment on top of DefaultConfig.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "STASH_"}); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	cfg.Storage = strings.ToLower(strings.TrimSpace(cfg.Storage))
	if cfg.Storage == "" {
		cfg.Storage = DriverMemory
		if strings.TrimSpace(cfg.DatabaseURL) != "" {
			cfg.Storage = DriverPostgres
		}
	}
	if err := cfg.Check(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Check validates cross-field constraints.
func (c Config) Check() error {
	switch c.Storage {
	case DriverMemory:
	case DriverSQLite:
		if strings.TrimSpace(c.SQLitePath) == "" {
			return fmt.Errorf("%w: STASH_SQLITE_PATH is required for sqlite storage", ErrConfig)
		}
	case DriverPostgres:
		if strings.TrimSpace(c.DatabaseURL) == "" {
			return fmt.Errorf("%w: STASH_DATABASE_URL is required for postgres storage", ErrConfig)
		}
	default:
		return fmt.Errorf("%w: unknown storage %q", ErrConfig, c.Storage)
	}

	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case "", "json", "pretty":
	default:
		return fmt.Errorf("%w: unknown log format %q", ErrConfig, c.LogFormat)
	}

	if c.DBMinConns < 0 || (c.DBMaxConns > 0 && c.DBMinConns > c.DBMaxConns) {
		return fmt.Errorf("%w: db pool bounds", ErrConfig)
	}
	if c.CORSMaxAgeSeconds < 0 {
		return fmt.Errorf("%w: cors max age", ErrConfig)
	}
	return nil
}
