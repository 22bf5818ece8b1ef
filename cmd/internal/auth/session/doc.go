// Package session implements bearer-token sessions.
//
// A session is created by Register or Login and validated by Authorize.
// Tokens are opaque random strings; only their digest (SHA-256, or
// HMAC-SHA256 when STASH_TOKEN_HMAC_KEY is set) is persisted.
//
// Sessions expire Expiry after creation. An Authorize that lands more than
// RenewAfter past the last issuance pushes expires_at to now+Expiry, so an
// active client keeps its session indefinitely while an idle one lapses.
// Expired sessions are indistinguishable from unknown ones.
package session
