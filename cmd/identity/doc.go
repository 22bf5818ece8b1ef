// Package identity is the persistence boundary for users, sessions and assets.
//
// Callers run every operation inside Store.WithTx, which commits when the
// callback returns nil and rolls back on error or panic. Three backends share
// the Tx contract: PostgreSQL (pgx), SQLite (modernc.org/sqlite) and an
// in-memory store for development and tests.
//
// Constraint violations surface as ConflictError (unique keys) or
// NotFoundError (missing referenced rows) so callers can map them without
// knowing the backend.
package identity
