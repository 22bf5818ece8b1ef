package token

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"os"
	"strings"
)

const (
	// MinBytes is the minimum entropy of a session token (256 bits).
	MinBytes = 32

	// MaxEncodedLen bounds bearer values accepted by LooksValid (64 random bytes, unpadded).
	MaxEncodedLen = 86

	// HMACEnvKey is the env var name for the token HMAC secret.
	// #nosec G101 -- not a credential; it's an environment variable name.
	HMACEnvKey = "STASH_TOKEN_HMAC_KEY"
)

// New returns nBytes of crypto/rand output encoded as unpadded base64url.
// Values below MinBytes are raised to MinBytes.
func New(nBytes int) (string, error) {
	if nBytes < MinBytes {
		nBytes = MinBytes
	}

	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}

	// URL-safe, no padding.
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// LooksValid is a cheap shape check for bearer values: base64url alphabet,
// no padding, and a length that New could have produced.
func LooksValid(s string) bool {
	if len(s) < base64.RawURLEncoding.EncodedLen(MinBytes) || len(s) > MaxEncodedLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return false
		}
	}
	return true
}

// HashSHA256Hex returns a SHA-256 hex digest of s.
func HashSHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// HashHMACSHA256Hex returns an HMAC-SHA256 hex digest of s using key.
func HashHMACSHA256Hex(s string, key []byte) string {
	m := hmac.New(sha256.New, key)
	_, _ = m.Write([]byte(s))
	return hex.EncodeToString(m.Sum(nil))
}

// HMACKeyFromEnv returns the configured HMAC key bytes (trimmed), enforcing a minimum byte length.
// If the env var is missing/blank -> ErrHMACKeyMissing.
// If too short -> ErrHMACKeyTooShort.
func HMACKeyFromEnv(minBytes int) ([]byte, error) {
	raw := strings.TrimSpace(os.Getenv(HMACEnvKey))
	if raw == "" {
		return nil, ErrHMACKeyMissing
	}
	b := []byte(raw)
	if minBytes > 0 && len(b) < minBytes {
		return nil, ErrHMACKeyTooShort
	}
	return b, nil
}

// Hasher derives the storage key of a session token.
// With a key it is HMAC-SHA256(token, key); without one it is SHA-256(token).
// Output is always 64 hex chars.
type Hasher struct {
	key []byte
}

// NewHasher returns a Hasher. An empty key selects plain SHA-256.
func NewHasher(key []byte) Hasher {
	if len(key) == 0 {
		return Hasher{}
	}
	return Hasher{key: append([]byte(nil), key...)}
}

// HMAC reports whether the hasher is keyed.
func (h Hasher) HMAC() bool { return len(h.key) > 0 }

// Sum returns the hex digest stored server-side for token.
func (h Hasher) Sum(token string) string {
	if len(h.key) == 0 {
		return HashSHA256Hex(token)
	}
	return HashHMACSHA256Hex(token, h.key)
}
