package app

import (
	"errors"
	"fmt"

	"stash/cmd/security/token"
)

// minTokenHMACKeyBytes is the minimum secret size for HMAC-SHA256.
const minTokenHMACKeyBytes = 32

// TokenHasher builds the session token hasher and enforces the HMAC policy.
//
// A configured key that is too short is always fatal. A missing key is fatal
// only when cfg.RequireTokenHMAC is set; otherwise digests fall back to plain
// SHA-256 and a warning is logged.
func TokenHasher(cfg Config, log Logger) (token.Hasher, error) {
	key, err := token.HMACKeyFromEnv(minTokenHMACKeyBytes)
	switch {
	case err == nil:
		return token.NewHasher(key), nil
	case errors.Is(err, token.ErrHMACKeyMissing):
		if cfg.RequireTokenHMAC {
			return token.Hasher{}, fmt.Errorf("security policy: STASH_REQUIRE_TOKEN_HMAC=true but %s is missing", token.HMACEnvKey)
		}
		if log != nil {
			log.Warn("security.token_hmac.disabled", "hint", "set "+token.HMACEnvKey+" to key session digests")
		}
		return token.NewHasher(nil), nil
	case errors.Is(err, token.ErrHMACKeyTooShort):
		return token.Hasher{}, fmt.Errorf("security policy: %s is too short (min %d bytes)", token.HMACEnvKey, minTokenHMACKeyBytes)
	default:
		return token.Hasher{}, err
	}
}
