package identity

import (
	"context"
	"errors"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Postgres tests are opt-in and require STASH_DATABASE_URL.
// Outside CI an unreachable server skips them to keep local runs fast.

func mustOpenPostgresStore(t *testing.T) Store {
	t.Helper()

	pool := mustOpenTestPool(t)
	t.Cleanup(pool.Close)

	schema := "stash_it_" + strings.ToLower(mustNewULIDLike(t))
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })

	st, err := NewPostgresStore(pool, WithSchema(schema))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	require.NoError(t, st.Migrate(ctx))
	return st
}

func TestPostgresStore_MigrateIsIdempotent(t *testing.T) {
	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := "stash_it_" + strings.ToLower(mustNewULIDLike(t))
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })

	st, err := NewPostgresStore(pool, WithSchema(schema))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	for i := 0; i < 2; i++ {
		require.NoError(t, st.Migrate(ctx), "migrate #%d", i+1)
	}

	var n int
	err = pool.QueryRow(ctx,
		`SELECT count(*) FROM information_schema.tables WHERE table_schema = $1 AND table_name IN ('users', 'sessions', 'assets')`,
		schema,
	).Scan(&n)
	require.NoError(t, err)
	assert.Equal(t, 3, n, "tables in %s", schema)
}

func TestPostgresStore_SessionTokenHashLengthChecked(t *testing.T) {
	st := mustOpenPostgresStore(t)
	ctx := context.Background()

	u := newTestUser(t, "len@example.com")
	mustInsertUser(t, st, u)

	err := st.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.InsertSession(ctx, Session{TokenHash: "short", UserID: u.ID, ExpiresAt: t0, CreatedAt: t0})
	})
	assert.Error(t, err, "expected check violation")
}

func TestWithSchema_RejectsBadIdentifiers(t *testing.T) {
	for _, schema := range []string{"", "  ", "1abc", "a-b", `x"; DROP TABLE users; --`} {
		st := &PostgresStore{}
		assert.Error(t, WithSchema(schema)(st), "schema %q", schema)
	}
	st := &PostgresStore{}
	require.NoError(t, WithSchema("stash_2")(st))
	assert.Equal(t, "stash_2", st.schema)
}

func TestNewPostgresStore_NilPool(t *testing.T) {
	_, err := NewPostgresStore(nil)
	assert.Error(t, err)
}

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("STASH_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: STASH_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 12*time.Second)
	defer cancel()

	cfg, err := pgxpool.ParseConfig(raw)
	require.NoError(t, err, "parse STASH_DATABASE_URL")

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	require.NoError(t, err, "connect postgres")

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer pingCancel()

	c, err := pool.Acquire(pingCtx)
	if err != nil {
		pool.Close()
		if shouldSkipIntegration(err) {
			t.Skipf("integration test skipped: Postgres unreachable (STASH_DATABASE_URL set): %v", err)
		}
		require.NoError(t, err, "acquire")
	}
	c.Release()

	return pool
}

func mustDropSchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, _ = pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
}

func shouldSkipIntegration(err error) bool {
	if err == nil {
		return false
	}
	if os.Getenv("CI") != "" {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "context deadline exceeded") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "dial tcp") ||
		strings.Contains(msg, "no such host")
}

func mustNewULIDLike(t *testing.T) string {
	t.Helper()

	id, err := NewUserID(time.Now().UTC())
	require.NoError(t, err)
	return id
}
