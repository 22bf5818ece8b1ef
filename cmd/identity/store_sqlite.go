package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"stash/cmd/identity/migrations"
)

// SQLiteStore implements Store over a single SQLite file (modernc.org/sqlite).
//
// Timestamps are stored as UTC unix nanoseconds. WithTx begins with
// BEGIN IMMEDIATE, so writers are serialized by the database lock and a
// session read inside a transaction is already protected against concurrent
// renewal. ReadTx runs on a second handle with deferred, query-only
// transactions; under WAL those read a snapshot without waiting for writers.
type SQLiteStore struct {
	db  *sql.DB
	rdb *sql.DB
}

// OpenSQLite opens (or creates) the database at path and applies migrations.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("identity: sqlite path is required")
	}
	base := filepath.Clean(path) +
		"?_pragma=foreign_keys(1)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=synchronous(NORMAL)"

	db, err := sql.Open("sqlite", base+"&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := migrateUp(ctx, db, "sqlite3", migrations.SQLiteDir); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	rdb, err := sql.Open("sqlite", base+"&_pragma=query_only(1)&_txlock=deferred")
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open sqlite read db: %w", err)
	}
	return &SQLiteStore{db: db, rdb: rdb}, nil
}

// WithTx implements Store.
func (s *SQLiteStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	if s == nil {
		return OpError{Op: "identity.SQLiteStore.WithTx", Kind: ErrInvalidInput, Msg: "nil store"}
	}
	return runSQLiteTx(ctx, "identity.SQLiteStore.WithTx", s.db, fn)
}

// ReadTx implements Store.
func (s *SQLiteStore) ReadTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	if s == nil {
		return OpError{Op: "identity.SQLiteStore.ReadTx", Kind: ErrInvalidInput, Msg: "nil store"}
	}
	return runSQLiteTx(ctx, "identity.SQLiteStore.ReadTx", s.rdb, fn)
}

func runSQLiteTx(ctx context.Context, op string, db *sql.DB, fn func(ctx context.Context, tx Tx) error) (err error) {
	if db == nil {
		return OpError{Op: op, Kind: ErrInvalidInput, Msg: "nil store"}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()

	err = fn(ctx, &sqliteTx{tx: tx})
	return err
}

// Ping implements Store.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes both SQLite handles.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var rerr error
	if s.rdb != nil {
		rerr = s.rdb.Close()
	}
	return errors.Join(s.db.Close(), rerr)
}

type sqliteTx struct {
	tx *sql.Tx
}

func toNanos(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNanos(v int64) time.Time { return time.Unix(0, v).UTC() }

func nullStr(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func strPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

const sqliteUserColumns = `id, email, email_norm, password_hash, display_name, avatar_hash, created_at, updated_at`

func scanSQLiteUser(row *sql.Row) (User, error) {
	var (
		u                   User
		display, avatar     sql.NullString
		createdAt, updateAt int64
	)
	if err := row.Scan(&u.ID, &u.Email, &u.EmailNorm, &u.PasswordHash, &display, &avatar, &createdAt, &updateAt); err != nil {
		return User{}, err
	}
	u.DisplayName = strPtr(display)
	u.AvatarHash = strPtr(avatar)
	u.CreatedAt = fromNanos(createdAt)
	u.UpdatedAt = fromNanos(updateAt)
	return u, nil
}

func (t *sqliteTx) InsertUser(ctx context.Context, u User) error {
	const op = "identity.InsertUser"
	if strings.TrimSpace(u.ID) == "" || u.EmailNorm == "" {
		return invalid(op, "missing id or email")
	}

	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO users (`+sqliteUserColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Email, u.EmailNorm, u.PasswordHash,
		nullStr(u.DisplayName), nullStr(u.AvatarHash),
		toNanos(u.CreatedAt), toNanos(u.UpdatedAt),
	)
	return sqliteWriteErr(op, err)
}

func (t *sqliteTx) GetUserByID(ctx context.Context, id string) (User, error) {
	u, err := scanSQLiteUser(t.tx.QueryRowContext(ctx,
		`SELECT `+sqliteUserColumns+` FROM users WHERE id = ?`, id))
	if err != nil {
		return User{}, sqliteReadErr("identity.GetUserByID", "user", err)
	}
	return u, nil
}

func (t *sqliteTx) GetUserByEmail(ctx context.Context, emailNorm string) (User, error) {
	u, err := scanSQLiteUser(t.tx.QueryRowContext(ctx,
		`SELECT `+sqliteUserColumns+` FROM users WHERE email_norm = ?`, emailNorm))
	if err != nil {
		return User{}, sqliteReadErr("identity.GetUserByEmail", "user", err)
	}
	return u, nil
}

func (t *sqliteTx) UpdateUser(ctx context.Context, u User) error {
	const op = "identity.UpdateUser"
	if u.EmailNorm == "" {
		return invalid(op, "missing email")
	}

	res, err := t.tx.ExecContext(ctx,
		`UPDATE users
		    SET email = ?, email_norm = ?, password_hash = ?,
		        display_name = ?, avatar_hash = ?, updated_at = ?
		  WHERE id = ?`,
		u.Email, u.EmailNorm, u.PasswordHash,
		nullStr(u.DisplayName), nullStr(u.AvatarHash), toNanos(u.UpdatedAt),
		u.ID,
	)
	if err != nil {
		return sqliteWriteErr(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n != 1 {
		return NotFoundError{Op: op, Resource: "user"}
	}
	return nil
}

func (t *sqliteTx) InsertSession(ctx context.Context, s Session) error {
	const op = "identity.InsertSession"
	if s.TokenHash == "" || s.UserID == "" {
		return invalid(op, "missing token hash or user id")
	}

	res, err := t.tx.ExecContext(ctx,
		`INSERT INTO sessions (token_hash, user_id, expires_at, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (token_hash) DO NOTHING`,
		s.TokenHash, s.UserID, toNanos(s.ExpiresAt), toNanos(s.CreatedAt),
	)
	if err != nil {
		return sqliteWriteErr(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return ConflictError{Op: op, Field: "token"}
	}
	return nil
}

func (t *sqliteTx) GetSession(ctx context.Context, tokenHash string) (Session, error) {
	var (
		s                  Session
		expires, createdAt int64
	)
	err := t.tx.QueryRowContext(ctx,
		`SELECT token_hash, user_id, expires_at, created_at FROM sessions WHERE token_hash = ?`,
		tokenHash,
	).Scan(&s.TokenHash, &s.UserID, &expires, &createdAt)
	if err != nil {
		return Session{}, sqliteReadErr("identity.GetSession", "session", err)
	}
	s.ExpiresAt = fromNanos(expires)
	s.CreatedAt = fromNanos(createdAt)
	return s, nil
}

// GetSessionForUpdate relies on BEGIN IMMEDIATE: the transaction already holds
// the database write lock.
func (t *sqliteTx) GetSessionForUpdate(ctx context.Context, tokenHash string) (Session, error) {
	return t.GetSession(ctx, tokenHash)
}

func (t *sqliteTx) ExtendSession(ctx context.Context, tokenHash string, expiresAt time.Time) (Session, error) {
	var (
		s                  Session
		expires, createdAt int64
	)
	err := t.tx.QueryRowContext(ctx,
		`UPDATE sessions
		    SET expires_at = MAX(expires_at, ?)
		  WHERE token_hash = ?
		  RETURNING token_hash, user_id, expires_at, created_at`,
		toNanos(expiresAt), tokenHash,
	).Scan(&s.TokenHash, &s.UserID, &expires, &createdAt)
	if err != nil {
		return Session{}, sqliteReadErr("identity.ExtendSession", "session", err)
	}
	s.ExpiresAt = fromNanos(expires)
	s.CreatedAt = fromNanos(createdAt)
	return s, nil
}

func (t *sqliteTx) InsertAsset(ctx context.Context, a Asset) (bool, error) {
	const op = "identity.InsertAsset"
	if a.Hash == "" {
		return false, invalid(op, "missing hash")
	}

	data := a.Data
	if data == nil {
		data = []byte{}
	}
	res, err := t.tx.ExecContext(ctx,
		`INSERT INTO assets (hash, data, content_type, alt, size, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (hash) DO NOTHING`,
		a.Hash, data, a.ContentType, nullStr(a.Alt), int64(len(data)), toNanos(a.CreatedAt),
	)
	if err != nil {
		return false, sqliteWriteErr(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return n == 1, nil
}

func (t *sqliteTx) GetAsset(ctx context.Context, hash string) (Asset, error) {
	var (
		a         Asset
		alt       sql.NullString
		createdAt int64
	)
	err := t.tx.QueryRowContext(ctx,
		`SELECT hash, data, content_type, alt, created_at FROM assets WHERE hash = ?`,
		hash,
	).Scan(&a.Hash, &a.Data, &a.ContentType, &alt, &createdAt)
	if err != nil {
		return Asset{}, sqliteReadErr("identity.GetAsset", "asset", err)
	}
	a.Alt = strPtr(alt)
	a.CreatedAt = fromNanos(createdAt)
	return a, nil
}

func (t *sqliteTx) GetAssetMetadata(ctx context.Context, hash string) (AssetMetadata, error) {
	var (
		md        AssetMetadata
		alt       sql.NullString
		createdAt int64
	)
	err := t.tx.QueryRowContext(ctx,
		`SELECT hash, content_type, alt, size, created_at FROM assets WHERE hash = ?`,
		hash,
	).Scan(&md.Hash, &md.ContentType, &alt, &md.Size, &createdAt)
	if err != nil {
		return AssetMetadata{}, sqliteReadErr("identity.GetAssetMetadata", "asset", err)
	}
	md.Alt = strPtr(alt)
	md.CreatedAt = fromNanos(createdAt)
	return md, nil
}

func (t *sqliteTx) AssetExists(ctx context.Context, hash string) (bool, error) {
	var n int
	err := t.tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM assets WHERE hash = ?)`, hash,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("identity.AssetExists: %w", err)
	}
	return n == 1, nil
}

// ---- helpers ----

func sqliteReadErr(op, resource string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return NotFoundError{Op: op, Resource: resource}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func sqliteWriteErr(op string, err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())

	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return ConflictError{Op: op, Field: sqliteConflictField(msg)}
		case sqlite3lib.SQLITE_CONSTRAINT_FOREIGNKEY:
			return NotFoundError{Op: op, Resource: sqliteMissingResource(op)}
		}
		if sqliteErr.Code()&0xff == sqlite3lib.SQLITE_READONLY {
			return OpError{Op: op, Kind: ErrReadOnly}
		}
	}
	switch {
	case strings.Contains(msg, "unique constraint failed"):
		return ConflictError{Op: op, Field: sqliteConflictField(msg)}
	case strings.Contains(msg, "foreign key constraint failed"):
		return NotFoundError{Op: op, Resource: sqliteMissingResource(op)}
	case strings.Contains(msg, "readonly database"):
		return OpError{Op: op, Kind: ErrReadOnly}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func sqliteConflictField(msg string) string {
	switch {
	case strings.Contains(msg, "users.email_norm"):
		return "email"
	case strings.Contains(msg, "users.id"):
		return "id"
	case strings.Contains(msg, "sessions.token_hash"):
		return "token"
	default:
		return "unique"
	}
}

// SQLite does not name the violated key; users carry one FK (avatar_hash)
// and sessions carry one (user_id).
func sqliteMissingResource(op string) string {
	if strings.Contains(op, "Session") {
		return "user"
	}
	return "asset"
}

var _ Store = (*SQLiteStore)(nil)
