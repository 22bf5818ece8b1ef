package identity

import (
	"context"
	"time"
)

// User is the account principal. Email (normalized) is the natural key;
// ID is a ULID surrogate.
//
// PasswordHash is an algorithm-tagged record from security/password and must
// never be logged or serialized in responses.
type User struct {
	ID           string
	Email        string
	EmailNorm    string
	PasswordHash string

	DisplayName *string
	AvatarHash  *string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Session is a bearer-token session.
// TokenHash is the server-side digest of the plain token (see security/token);
// the plain token is never stored.
type Session struct {
	TokenHash string
	UserID    string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// ActiveAt reports whether the session is still valid at now.
// A session with expires_at <= now is logically absent.
func (s Session) ActiveAt(now time.Time) bool {
	return s.ExpiresAt.After(now)
}

// Asset is an immutable content-addressed blob. Hash is derived from Data.
type Asset struct {
	Hash        string
	Data        []byte
	ContentType string
	Alt         *string
	CreatedAt   time.Time
}

// AssetMetadata is an Asset without its payload.
type AssetMetadata struct {
	Hash        string
	ContentType string
	Alt         *string
	Size        int64
	CreatedAt   time.Time
}

// Metadata strips the payload.
func (a Asset) Metadata() AssetMetadata {
	return AssetMetadata{
		Hash:        a.Hash,
		ContentType: a.ContentType,
		Alt:         a.Alt,
		Size:        int64(len(a.Data)),
		CreatedAt:   a.CreatedAt,
	}
}

// Tx is the set of row operations available inside a transaction.
//
// Error contract:
//   - missing rows: NotFoundError (Resource "user", "session", "asset")
//   - unique violations: ConflictError (Field "email", "token")
//   - missing referenced rows on write: NotFoundError (Resource "asset", "user")
type Tx interface {
	InsertUser(ctx context.Context, u User) error
	GetUserByID(ctx context.Context, id string) (User, error)
	GetUserByEmail(ctx context.Context, emailNorm string) (User, error)
	// UpdateUser replaces the mutable columns of u.ID
	// (email, email_norm, password_hash, display_name, avatar_hash, updated_at).
	UpdateUser(ctx context.Context, u User) error

	// InsertSession fails with ConflictError{Field: "token"} when TokenHash
	// already exists; the transaction stays usable so callers may retry.
	InsertSession(ctx context.Context, s Session) error
	GetSession(ctx context.Context, tokenHash string) (Session, error)
	// GetSessionForUpdate reads the row and holds a write lock on it until
	// the transaction ends.
	GetSessionForUpdate(ctx context.Context, tokenHash string) (Session, error)
	// ExtendSession sets expires_at to max(expires_at, expiresAt) and returns
	// the stored row. Expiry never moves backwards.
	ExtendSession(ctx context.Context, tokenHash string, expiresAt time.Time) (Session, error)

	// InsertAsset inserts a if no row with a.Hash exists. It reports whether
	// a row was written; an existing row is left untouched.
	InsertAsset(ctx context.Context, a Asset) (bool, error)
	GetAsset(ctx context.Context, hash string) (Asset, error)
	GetAssetMetadata(ctx context.Context, hash string) (AssetMetadata, error)
	AssetExists(ctx context.Context, hash string) (bool, error)
}

// Store is the transactional persistence boundary.
type Store interface {
	// WithTx runs fn in a transaction: commit when fn returns nil, rollback
	// on error or panic (panics are re-raised).
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	// ReadTx runs fn in a read-only transaction; writes fail with
	// ErrReadOnly. On SQLite it does not wait for the write lock.
	ReadTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Ping(ctx context.Context) error
	Close() error
}
