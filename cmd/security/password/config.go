package password

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/caarlos0/env/v11"
)

// Algorithm names the KDF used for new hashes.
type Algorithm string

const (
	AlgorithmPBKDF2SHA256 Algorithm = "pbkdf2_sha256"
	AlgorithmArgon2id     Algorithm = "argon2id"
)

// DefaultPBKDF2Iterations is the documented work factor for PBKDF2-HMAC-SHA256.
// Configuration may raise it but never lower it.
const DefaultPBKDF2Iterations = 100_000

// PBKDF2Params controls PBKDF2-HMAC-SHA256 cost.
type PBKDF2Params struct {
	Iterations int    `env:"PBKDF2_ITERATIONS"`
	SaltLength uint32 `env:"PBKDF2_SALT_LEN"`
	KeyLength  uint32 `env:"PBKDF2_KEY_LEN"`
}

// Argon2idParams controls Argon2id hashing cost.
// MemoryKiB is in KiB as required by argon2.IDKey.
type Argon2idParams struct {
	MemoryKiB   uint32 `env:"ARGON2_MEMORY_KIB"`
	Iterations  uint32 `env:"ARGON2_ITERATIONS"`
	Parallelism uint8  `env:"ARGON2_PARALLELISM"`
	SaltLength  uint32 `env:"ARGON2_SALT_LEN"`
	KeyLength   uint32 `env:"ARGON2_KEY_LEN"`
}

// Policy controls password validation and anti-DoS boundaries.
type Policy struct {
	MinLength int `env:"PASSWORD_MIN_LEN"`
	MaxLength int `env:"PASSWORD_MAX_LEN"`
	// If true, enable an extra, minimal weak-pattern rejection.
	RejectVeryWeak bool `env:"PASSWORD_REJECT_VERY_WEAK"`
}

// Config is the single configuration surface for this package.
type Config struct {
	Algorithm Algorithm `env:"PASSWORD_ALGORITHM"`
	PBKDF2    PBKDF2Params
	Params    Argon2idParams
	Policy    Policy
}

// DefaultConfig returns PBKDF2-HMAC-SHA256 at 100k iterations with a 16-byte
// salt, plus an Argon2id baseline for deployments that opt into it.
func DefaultConfig() Config {
	// CPU-aware parallelism, clamped to [1..4] to keep container usage predictable.
	threads := runtime.NumCPU()
	if threads <= 0 {
		threads = 1
	}
	if threads > 4 {
		threads = 4
	}

	return Config{
		Algorithm: AlgorithmPBKDF2SHA256,
		PBKDF2: PBKDF2Params{
			Iterations: DefaultPBKDF2Iterations,
			SaltLength: 16,
			KeyLength:  32,
		},
		Params: Argon2idParams{
			MemoryKiB:   64 * 1024,      // 64 MiB
			Iterations:  3,              // reasonable default for interactive logins
			Parallelism: uint8(threads), // #nosec G115 -- clamped to [1..4] above; safe conversion.
			SaltLength:  16,
			KeyLength:   32,
		},
		Policy: Policy{
			MinLength:      8,
			MaxLength:      256,
			RejectVeryWeak: false,
		},
	}
}

// FromEnv loads config from STASH_-prefixed environment variables on top of
// DefaultConfig.
//
// Env surface:
// - STASH_PASSWORD_ALGORITHM (pbkdf2_sha256 | argon2id)
// - STASH_PASSWORD_MIN_LEN
// - STASH_PASSWORD_MAX_LEN
// - STASH_PASSWORD_REJECT_VERY_WEAK (true/false)
// - STASH_PBKDF2_ITERATIONS (>= 100000)
// - STASH_PBKDF2_SALT_LEN
// - STASH_PBKDF2_KEY_LEN
// - STASH_ARGON2_MEMORY_KIB
// - STASH_ARGON2_ITERATIONS
// - STASH_ARGON2_PARALLELISM
// - STASH_ARGON2_SALT_LEN
// - STASH_ARGON2_KEY_LEN
func FromEnv() (Config, error) {
	cfg := DefaultConfig()
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "STASH_"}); err != nil {
		return Config{}, fmt.Errorf("password config: %w", err)
	}
	cfg.Algorithm = Algorithm(strings.ToLower(strings.TrimSpace(string(cfg.Algorithm))))
	if err := cfg.Check(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Check validates ranges after parsing.
func (c Config) Check() error {
	switch c.Algorithm {
	case AlgorithmPBKDF2SHA256, AlgorithmArgon2id:
	default:
		return fmt.Errorf("password algorithm %q: unsupported", c.Algorithm)
	}

	if err := inRange("PASSWORD_MIN_LEN", c.Policy.MinLength, 1, 1024); err != nil {
		return err
	}
	if err := inRange("PASSWORD_MAX_LEN", c.Policy.MaxLength, 1, 4096); err != nil {
		return err
	}
	if c.Policy.MinLength > c.Policy.MaxLength {
		return fmt.Errorf(
			"password policy invalid: min_len(%d) > max_len(%d)",
			c.Policy.MinLength,
			c.Policy.MaxLength,
		)
	}

	if err := inRange("PBKDF2_ITERATIONS", c.PBKDF2.Iterations, DefaultPBKDF2Iterations, 10_000_000); err != nil {
		return err
	}
	if err := inRange("PBKDF2_SALT_LEN", int(c.PBKDF2.SaltLength), 16, 64); err != nil {
		return err
	}
	if err := inRange("PBKDF2_KEY_LEN", int(c.PBKDF2.KeyLength), 16, 64); err != nil {
		return err
	}

	if err := inRange("ARGON2_MEMORY_KIB", int(c.Params.MemoryKiB), 8*1024, 1024*1024); err != nil { // 8 MiB .. 1 GiB
		return err
	}
	if err := inRange("ARGON2_ITERATIONS", int(c.Params.Iterations), 1, 20); err != nil {
		return err
	}
	if err := inRange("ARGON2_PARALLELISM", int(c.Params.Parallelism), 1, 64); err != nil {
		return err
	}
	if err := inRange("ARGON2_SALT_LEN", int(c.Params.SaltLength), 8, 64); err != nil {
		return err
	}
	if err := inRange("ARGON2_KEY_LEN", int(c.Params.KeyLength), 16, 64); err != nil {
		return err
	}
	return nil
}

func inRange(name string, v, minVal, maxVal int) error {
	if v < minVal || v > maxVal {
		return fmt.Errorf("STASH_%s: out of range [%d..%d]", name, minVal, maxVal)
	}
	return nil
}
