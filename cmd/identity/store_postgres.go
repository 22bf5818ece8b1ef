package identity

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"stash/cmd/identity/migrations"
)

// PostgresStore implements Store over PostgreSQL.
//
// Design notes:
// - The pgx pool is owned by the caller; Close is a no-op.
// - Schema/table identifiers are quoted to avoid SQL injection via identifiers.
// - Transactions run at READ COMMITTED; session renewal locks its row with FOR UPDATE.
// - Inserts that may collide use ON CONFLICT DO NOTHING so a collision never
//   aborts the surrounding transaction.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures the store.
type PostgresOption func(*PostgresStore) error

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// DefaultSchema is the Postgres schema used when WithSchema is not given.
const DefaultSchema = "stash"

// WithSchema sets the Postgres schema used by the store (default "stash").
// The schema name is validated to be a legal PostgreSQL identifier.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return fmt.Errorf("identity: empty schema")
		}
		if !pgIdentIsValid(schema) {
			return fmt.Errorf("identity: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: DefaultSchema,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, fmt.Errorf("identity: nil pool")
	}
	return st, nil
}

// Migrate creates the schema if needed and applies the embedded goose
// migrations inside it.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `CREATE SCHEMA IF NOT EXISTS `+pgx.Identifier{s.schema}.Sanitize()); err != nil {
		return fmt.Errorf("identity: create schema: %w", err)
	}

	cc := s.pool.Config().ConnConfig.Copy()
	if cc.RuntimeParams == nil {
		cc.RuntimeParams = map[string]string{}
	}
	cc.RuntimeParams["search_path"] = s.schema

	db := stdlib.OpenDB(*cc)
	defer func() { _ = db.Close() }()

	return migrateUp(ctx, db, "postgres", migrations.PostgresDir)
}

// WithTx implements Store.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return s.runTx(ctx, "identity.PostgresStore.WithTx", pgx.ReadWrite, fn)
}

// ReadTx implements Store.
func (s *PostgresStore) ReadTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return s.runTx(ctx, "identity.PostgresStore.ReadTx", pgx.ReadOnly, fn)
}

func (s *PostgresStore) runTx(ctx context.Context, op string, mode pgx.TxAccessMode, fn func(ctx context.Context, tx Tx) error) (err error) {
	if s == nil || s.pool == nil {
		return OpError{Op: op, Kind: ErrInvalidInput, Msg: "nil store"}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: mode,
	})
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
			return
		}
		err = tx.Commit(ctx)
	}()

	err = fn(ctx, &pgTx{tx: tx, schema: s.schema})
	return err
}

// Ping acquires a connection to confirm the pool is usable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	conn.Release()
	return nil
}

// Close is a no-op: the pool belongs to the caller.
func (s *PostgresStore) Close() error { return nil }

type pgTx struct {
	tx     pgx.Tx
	schema string
}

func (t *pgTx) table(name string) string { return pgIdent(t.schema, name) }

const pgUserColumns = `id, email, email_norm, password_hash, display_name, avatar_hash, created_at, updated_at`

func scanPgUser(row pgx.Row) (User, error) {
	var u User
	err := row.Scan(
		&u.ID,
		&u.Email,
		&u.EmailNorm,
		&u.PasswordHash,
		&u.DisplayName,
		&u.AvatarHash,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	return u, err
}

func (t *pgTx) InsertUser(ctx context.Context, u User) error {
	const op = "identity.InsertUser"
	if strings.TrimSpace(u.ID) == "" || u.EmailNorm == "" {
		return invalid(op, "missing id or email")
	}

	_, err := t.tx.Exec(ctx,
		`INSERT INTO `+t.table("users")+` (`+pgUserColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		u.ID, u.Email, u.EmailNorm, u.PasswordHash, u.DisplayName, u.AvatarHash, u.CreatedAt, u.UpdatedAt,
	)
	return pgWriteErr(op, err)
}

func (t *pgTx) GetUserByID(ctx context.Context, id string) (User, error) {
	const op = "identity.GetUserByID"
	u, err := scanPgUser(t.tx.QueryRow(ctx,
		`SELECT `+pgUserColumns+` FROM `+t.table("users")+` WHERE id = $1`, id))
	if err != nil {
		return User{}, pgReadErr(op, "user", err)
	}
	return u, nil
}

func (t *pgTx) GetUserByEmail(ctx context.Context, emailNorm string) (User, error) {
	const op = "identity.GetUserByEmail"
	u, err := scanPgUser(t.tx.QueryRow(ctx,
		`SELECT `+pgUserColumns+` FROM `+t.table("users")+` WHERE email_norm = $1`, emailNorm))
	if err != nil {
		return User{}, pgReadErr(op, "user", err)
	}
	return u, nil
}

func (t *pgTx) UpdateUser(ctx context.Context, u User) error {
	const op = "identity.UpdateUser"
	if u.EmailNorm == "" {
		return invalid(op, "missing email")
	}

	tag, err := t.tx.Exec(ctx,
		`UPDATE `+t.table("users")+`
		    SET email = $2, email_norm = $3, password_hash = $4,
		        display_name = $5, avatar_hash = $6, updated_at = $7
		  WHERE id = $1`,
		u.ID, u.Email, u.EmailNorm, u.PasswordHash, u.DisplayName, u.AvatarHash, u.UpdatedAt,
	)
	if err != nil {
		return pgWriteErr(op, err)
	}
	if tag.RowsAffected() != 1 {
		return NotFoundError{Op: op, Resource: "user"}
	}
	return nil
}

func (t *pgTx) InsertSession(ctx context.Context, s Session) error {
	const op = "identity.InsertSession"
	if s.TokenHash == "" || s.UserID == "" {
		return invalid(op, "missing token hash or user id")
	}

	tag, err := t.tx.Exec(ctx,
		`INSERT INTO `+t.table("sessions")+` (token_hash, user_id, expires_at, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (token_hash) DO NOTHING`,
		s.TokenHash, s.UserID, s.ExpiresAt, s.CreatedAt,
	)
	if err != nil {
		return pgWriteErr(op, err)
	}
	if tag.RowsAffected() == 0 {
		return ConflictError{Op: op, Field: "token"}
	}
	return nil
}

func (t *pgTx) getSession(ctx context.Context, op, suffix, tokenHash string) (Session, error) {
	var s Session
	err := t.tx.QueryRow(ctx,
		`SELECT token_hash, user_id, expires_at, created_at
		   FROM `+t.table("sessions")+`
		  WHERE token_hash = $1`+suffix,
		tokenHash,
	).Scan(&s.TokenHash, &s.UserID, &s.ExpiresAt, &s.CreatedAt)
	if err != nil {
		return Session{}, pgReadErr(op, "session", err)
	}
	return s, nil
}

func (t *pgTx) GetSession(ctx context.Context, tokenHash string) (Session, error) {
	return t.getSession(ctx, "identity.GetSession", "", tokenHash)
}

func (t *pgTx) GetSessionForUpdate(ctx context.Context, tokenHash string) (Session, error) {
	return t.getSession(ctx, "identity.GetSessionForUpdate", " FOR UPDATE", tokenHash)
}

func (t *pgTx) ExtendSession(ctx context.Context, tokenHash string, expiresAt time.Time) (Session, error) {
	const op = "identity.ExtendSession"

	var s Session
	err := t.tx.QueryRow(ctx,
		`UPDATE `+t.table("sessions")+`
		    SET expires_at = GREATEST(expires_at, $2)
		  WHERE token_hash = $1
		  RETURNING token_hash, user_id, expires_at, created_at`,
		tokenHash, expiresAt,
	).Scan(&s.TokenHash, &s.UserID, &s.ExpiresAt, &s.CreatedAt)
	if err != nil {
		return Session{}, pgReadErr(op, "session", err)
	}
	return s, nil
}

func (t *pgTx) InsertAsset(ctx context.Context, a Asset) (bool, error) {
	const op = "identity.InsertAsset"
	if a.Hash == "" {
		return false, invalid(op, "missing hash")
	}

	data := a.Data
	if data == nil {
		data = []byte{}
	}
	tag, err := t.tx.Exec(ctx,
		`INSERT INTO `+t.table("assets")+` (hash, data, content_type, alt, size, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (hash) DO NOTHING`,
		a.Hash, data, a.ContentType, a.Alt, int64(len(data)), a.CreatedAt,
	)
	if err != nil {
		return false, pgWriteErr(op, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) GetAsset(ctx context.Context, hash string) (Asset, error) {
	const op = "identity.GetAsset"

	var a Asset
	err := t.tx.QueryRow(ctx,
		`SELECT hash, data, content_type, alt, created_at
		   FROM `+t.table("assets")+`
		  WHERE hash = $1`,
		hash,
	).Scan(&a.Hash, &a.Data, &a.ContentType, &a.Alt, &a.CreatedAt)
	if err != nil {
		return Asset{}, pgReadErr(op, "asset", err)
	}
	return a, nil
}

func (t *pgTx) GetAssetMetadata(ctx context.Context, hash string) (AssetMetadata, error) {
	const op = "identity.GetAssetMetadata"

	var md AssetMetadata
	err := t.tx.QueryRow(ctx,
		`SELECT hash, content_type, alt, size, created_at
		   FROM `+t.table("assets")+`
		  WHERE hash = $1`,
		hash,
	).Scan(&md.Hash, &md.ContentType, &md.Alt, &md.Size, &md.CreatedAt)
	if err != nil {
		return AssetMetadata{}, pgReadErr(op, "asset", err)
	}
	return md, nil
}

func (t *pgTx) AssetExists(ctx context.Context, hash string) (bool, error) {
	var ok bool
	err := t.tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM `+t.table("assets")+` WHERE hash = $1)`,
		hash,
	).Scan(&ok)
	return ok, err
}

// ---- helpers ----

func pgReadErr(op, resource string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return NotFoundError{Op: op, Resource: resource}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func pgWriteErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if field, ok := pgClassifyUniqueViolation(err); ok {
		return ConflictError{Op: op, Field: field}
	}
	if resource, ok := pgClassifyForeignKeyViolation(err); ok {
		return NotFoundError{Op: op, Resource: resource}
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "25006" { // read_only_sql_transaction
		return OpError{Op: op, Kind: ErrReadOnly}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// pgIdentIsValid checks if a string is a safe Postgres identifier.
func pgIdentIsValid(s string) bool {
	return pgIdentRe.MatchString(s)
}

// pgIdent safely quotes a schema-qualified identifier: "schema"."name".
func pgIdent(schema, name string) string {
	return pgx.Identifier{schema, name}.Sanitize()
}

func pgClassifyForeignKeyViolation(err error) (resource string, ok bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return "", false
	}
	if pgErr.Code != "23503" { // foreign_key_violation
		return "", false
	}
	switch strings.ToLower(pgErr.ConstraintName) {
	case "fk_users_avatar_hash":
		return "asset", true
	case "fk_sessions_user_id":
		return "user", true
	default:
		return "reference", true
	}
}

func pgClassifyUniqueViolation(err error) (field string, ok bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return "", false
	}
	if pgErr.Code != "23505" { // unique_violation
		return "", false
	}

	// Prefer stable schema constraint names. Fall back to substring matching.
	c := strings.ToLower(strings.TrimSpace(pgErr.ConstraintName))

	switch c {
	case "uq_users_email_norm":
		return "email", true
	case "pk_users":
		return "id", true
	case "pk_sessions":
		return "token", true
	case "pk_assets":
		return "hash", true
	default:
		switch {
		case strings.Contains(c, "email"):
			return "email", true
		case strings.Contains(c, "token"):
			return "token", true
		default:
			return "unique", true
		}
	}
}

var _ Store = (*PostgresStore)(nil)
