package password

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/pbkdf2"
)

const (
	argon2Version = 19 // argon2.Version is 0x13 (19)

	// separator never appears in hex or decimal components.
	separator = "$"

	// legacyIterations is the fixed cost of untagged "<salt_hex>$<hash_hex>" records.
	legacyIterations = 100_000
)

// Hash validates the password policy and returns an algorithm-tagged record.
//
// PBKDF2 format:
// pbkdf2_sha256$<iterations>$<salt_hex>$<hash_hex>
//
// Argon2id format:
// $argon2id$v=19$m=<mem>,t=<iter>,p=<par>$<salt_b64>$<hash_b64>
func (c Config) Hash(password string) (string, error) {
	if err := c.Validate(password); err != nil {
		return "", err
	}
	if c.Algorithm == AlgorithmArgon2id {
		return c.hashArgon2id(password)
	}
	return c.hashPBKDF2(password)
}

func (c Config) hashPBKDF2(password string) (string, error) {
	p := c.PBKDF2
	if p.Iterations < DefaultPBKDF2Iterations {
		p.Iterations = DefaultPBKDF2Iterations
	}
	if p.SaltLength < 16 {
		p.SaltLength = 16
	}
	if p.KeyLength < 16 {
		p.KeyLength = 32
	}

	salt := make([]byte, p.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("salt: %w", err)
	}

	key := pbkdf2.Key([]byte(password), salt, p.Iterations, int(p.KeyLength), sha256.New)

	return strings.Join([]string{
		string(AlgorithmPBKDF2SHA256),
		strconv.Itoa(p.Iterations),
		hex.EncodeToString(salt),
		hex.EncodeToString(key),
	}, separator), nil
}

func (c Config) hashArgon2id(password string) (string, error) {
	salt := make([]byte, c.Params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("salt: %w", err)
	}

	key := argon2.IDKey(
		[]byte(password),
		salt,
		c.Params.Iterations,
		c.Params.MemoryKiB,
		c.Params.Parallelism,
		c.Params.KeyLength,
	)

	b64 := base64.RawStdEncoding
	return fmt.Sprintf(
		"$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2Version,
		c.Params.MemoryKiB,
		c.Params.Iterations,
		c.Params.Parallelism,
		b64.EncodeToString(salt),
		b64.EncodeToString(key),
	), nil
}

// Verify checks whether password matches the given record.
// Returns (true, nil) for a match, (false, nil) for mismatch,
// and (false, ErrInvalidHash) for malformed/unsupported records.
// Records of any supported algorithm verify regardless of c.Algorithm.
func (c Config) Verify(record, password string) (bool, error) {
	switch {
	case strings.HasPrefix(record, "$argon2id$"):
		return c.verifyArgon2id(record, password)
	case strings.HasPrefix(record, string(AlgorithmPBKDF2SHA256)+separator):
		iter, salt, expected, err := decodePBKDF2(record)
		if err != nil {
			return false, err
		}
		if iter > c.maxPBKDF2Iterations() {
			return false, ErrInvalidHash
		}
		return comparePBKDF2(password, salt, expected, iter), nil
	default:
		salt, expected, err := decodeLegacy(record)
		if err != nil {
			return false, err
		}
		return comparePBKDF2(password, salt, expected, legacyIterations), nil
	}
}

func comparePBKDF2(password string, salt, expected []byte, iterations int) bool {
	key := pbkdf2.Key([]byte(password), salt, iterations, len(expected), sha256.New)
	return subtle.ConstantTimeCompare(key, expected) == 1
}

// maxPBKDF2Iterations bounds attacker-controlled records to a small multiple of
// the configured cost.
func (c Config) maxPBKDF2Iterations() int {
	base := c.PBKDF2.Iterations
	if base < DefaultPBKDF2Iterations {
		base = DefaultPBKDF2Iterations
	}
	return base * 4
}

func decodePBKDF2(record string) (int, []byte, []byte, error) {
	parts := strings.Split(record, separator)
	if len(parts) != 4 || parts[0] != string(AlgorithmPBKDF2SHA256) {
		return 0, nil, nil, ErrInvalidHash
	}
	iter, err := strconv.Atoi(parts[1])
	if err != nil || iter <= 0 {
		return 0, nil, nil, ErrInvalidHash
	}
	salt, hash, err := decodeSaltHash(parts[2], parts[3])
	if err != nil {
		return 0, nil, nil, err
	}
	return iter, salt, hash, nil
}

func decodeLegacy(record string) ([]byte, []byte, error) {
	parts := strings.Split(record, separator)
	if len(parts) != 2 {
		return nil, nil, ErrInvalidHash
	}
	return decodeSaltHash(parts[0], parts[1])
}

func decodeSaltHash(saltHex, hashHex string) ([]byte, []byte, error) {
	salt, err := hex.DecodeString(saltHex)
	if err != nil || len(salt) < 8 || len(salt) > 64 {
		return nil, nil, ErrInvalidHash
	}
	hash, err := hex.DecodeString(hashHex)
	if err != nil || len(hash) < 16 || len(hash) > 128 {
		return nil, nil, ErrInvalidHash
	}
	return salt, hash, nil
}

func (c Config) verifyArgon2id(encodedHash, password string) (bool, error) {
	params, salt, expected, err := decodeArgon2id(encodedHash)
	if err != nil {
		return false, err
	}

	// Anti-DoS boundary: refuse records whose parameters exceed our configured
	// maximums by a large margin.
	if !withinReasonableBounds(params, c.Params) {
		return false, ErrInvalidHash
	}

	key := argon2.IDKey(
		[]byte(password),
		salt,
		params.Iterations,
		params.MemoryKiB,
		params.Parallelism,
		uint32(len(expected)), // #nosec G115 -- expected length is bounded by withinReasonableBounds.
	)

	if subtle.ConstantTimeCompare(key, expected) == 1 {
		return true, nil
	}
	return false, nil
}

func withinReasonableBounds(got Argon2idParams, limits Argon2idParams) bool {
	// Allow verifying hashes generated with older/smaller settings,
	// but reject wildly larger settings.
	if got.MemoryKiB > limits.MemoryKiB*2 {
		return false
	}
	if got.Iterations > limits.Iterations*2 {
		return false
	}
	if got.Parallelism > limits.Parallelism*2 {
		return false
	}
	if got.SaltLength < 8 || got.SaltLength > 64 {
		return false
	}
	if got.KeyLength < 16 || got.KeyLength > 128 {
		return false
	}
	return true
}

// decodeArgon2id parses $argon2id$v=19$m=65536,t=3,p=1$<salt>$<hash>.
func decodeArgon2id(encoded string) (Argon2idParams, []byte, []byte, error) {
	parts := strings.Split(encoded, separator)
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" {
		return Argon2idParams{}, nil, nil, ErrInvalidHash
	}
	if parts[2] != "v=19" {
		return Argon2idParams{}, nil, nil, ErrInvalidHash
	}

	if !strings.HasPrefix(parts[3], "m=") {
		return Argon2idParams{}, nil, nil, ErrInvalidHash
	}
	var mem, it, par uint32
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &mem, &it, &par); err != nil {
		return Argon2idParams{}, nil, nil, ErrInvalidHash
	}
	if mem == 0 || it == 0 || par == 0 || par > 255 {
		return Argon2idParams{}, nil, nil, ErrInvalidHash
	}

	b64 := base64.RawStdEncoding
	salt, err := b64.DecodeString(parts[4])
	if err != nil {
		return Argon2idParams{}, nil, nil, ErrInvalidHash
	}
	hash, err := b64.DecodeString(parts[5])
	if err != nil {
		return Argon2idParams{}, nil, nil, ErrInvalidHash
	}

	params := Argon2idParams{
		MemoryKiB:   mem,
		Iterations:  it,
		Parallelism: uint8(par),        // #nosec G115 -- checked <= 255 above.
		SaltLength:  uint32(len(salt)), // #nosec G115 -- bounded by record length.
		KeyLength:   uint32(len(hash)), // #nosec G115 -- bounded by record length.
	}

	return params, salt, hash, nil
}

// NeedsRehash reports whether a verified record should be replaced by a fresh
// Hash under the current configuration (legacy format, other algorithm, or a
// lower work factor).
func (c Config) NeedsRehash(record string) bool {
	switch {
	case strings.HasPrefix(record, "$argon2id$"):
		if c.Algorithm != AlgorithmArgon2id {
			return true
		}
		params, _, _, err := decodeArgon2id(record)
		if err != nil {
			return true
		}
		return params.MemoryKiB < c.Params.MemoryKiB || params.Iterations < c.Params.Iterations
	case strings.HasPrefix(record, string(AlgorithmPBKDF2SHA256)+separator):
		if c.Algorithm != AlgorithmPBKDF2SHA256 {
			return true
		}
		iter, _, _, err := decodePBKDF2(record)
		if err != nil {
			return true
		}
		return iter < c.PBKDF2.Iterations
	default:
		return true
	}
}
