// Package password provides credential hashing and verification for stash.
//
// New records default to PBKDF2-HMAC-SHA256 with a fresh random salt per call:
//
//	pbkdf2_sha256$<iterations>$<salt_hex>$<hash_hex>
//
// Argon2id (PHC string format) can be selected instead. Verify accepts either,
// plus the untagged legacy "<salt_hex>$<hash_hex>" form at 100k iterations.
//
// Security notes:
// - Records are treated as untrusted input during Verify and are validated accordingly.
// - Verification refuses records whose cost exceeds the configured bounds by a wide margin.
// - Malformed records yield ErrInvalidHash; callers treat that as a non-match.
package password
