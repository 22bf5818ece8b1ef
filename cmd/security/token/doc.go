// Package token generates and hashes opaque session tokens.
//
// Tokens are at least 256 bits from crypto/rand, encoded as unpadded base64url.
// The server never stores the plain token; it stores Hasher.Sum(token):
// - SHA-256(token) when no key is configured (dev).
// - HMAC-SHA256(token, key) when STASH_TOKEN_HMAC_KEY is set.
//
// Output of Sum is a stable 64-char hex string used as the session primary key.
package token
