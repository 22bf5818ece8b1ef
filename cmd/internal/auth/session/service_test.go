package session

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/pbkdf2"

	"stash/cmd/identity"
	"stash/cmd/security/password"
	"stash/cmd/security/token"
)

var t0 = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type countingRecorder struct {
	mu       sync.Mutex
	attempts map[string]int
	renewals int
}

func (r *countingRecorder) AuthAttempt(op, result string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.attempts == nil {
		r.attempts = map[string]int{}
	}
	r.attempts[op+"."+result]++
}

func (r *countingRecorder) SessionRenewed() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.renewals++
}

type fixture struct {
	svc   *Service
	store identity.Store
	clock *fakeClock
	rec   *countingRecorder
	hash  token.Hasher
}

func newFixture(t *testing.T, store identity.Store, opts ...Option) fixture {
	t.Helper()
	if store == nil {
		store = identity.NewMemoryStore()
	}
	f := fixture{
		store: store,
		clock: &fakeClock{now: t0},
		rec:   &countingRecorder{},
		hash:  token.NewHasher([]byte("0123456789abcdef0123456789abcdef")),
	}
	all := append([]Option{WithClock(f.clock.Now), WithRecorder(f.rec)}, opts...)
	svc, err := NewService(DefaultConfig(), store, password.DefaultConfig(), f.hash, all...)
	require.NoError(t, err)
	f.svc = svc
	return f
}

func (f fixture) register(t *testing.T, email, pw string) Issued {
	t.Helper()
	iss, err := f.svc.Register(context.Background(), Credentials{Email: email, Password: pw}, Profile{})
	require.NoError(t, err)
	return iss
}

func TestRegister_IssuesWorkingToken(t *testing.T) {
	f := newFixture(t, nil)
	name := "  Ada  "
	iss, err := f.svc.Register(context.Background(),
		Credentials{Email: " Ada@Example.COM ", Password: "correct horse battery"},
		Profile{DisplayName: &name},
	)
	require.NoError(t, err)
	assert.True(t, token.LooksValid(iss.Token))
	assert.True(t, iss.ExpiresAt.Equal(t0.Add(7*24*time.Hour)))

	who, err := f.svc.Authorize(context.Background(), iss.Token)
	require.NoError(t, err)
	assert.Equal(t, iss.UserID, who.UserID)
	assert.False(t, who.Renewed)

	err = f.store.WithTx(context.Background(), func(ctx context.Context, tx identity.Tx) error {
		u, err := tx.GetUserByEmail(ctx, "ada@example.com")
		require.NoError(t, err)
		assert.Equal(t, "Ada@Example.COM", u.Email)
		require.NotNil(t, u.DisplayName)
		assert.Equal(t, "Ada", *u.DisplayName)
		assert.NotContains(t, u.PasswordHash, "correct horse")

		// Only the digest is persisted.
		_, err = tx.GetSession(ctx, iss.Token)
		assert.True(t, identity.IsNotFound(err))
		digest := f.hash.Sum(iss.Token)
		assert.Len(t, digest, 64)
		sess, err := tx.GetSession(ctx, digest)
		assert.NoError(t, err)
		assert.Equal(t, digest, sess.TokenHash)
		return nil
	})
	require.NoError(t, err)
}

// sessionLedger wraps a Store and counts session rows whose transaction committed.
type sessionLedger struct {
	identity.Store
	mu        sync.Mutex
	committed int
}

type ledgerTx struct {
	identity.Tx
	inserted *int
}

func (tx ledgerTx) InsertSession(ctx context.Context, s identity.Session) error {
	if err := tx.Tx.InsertSession(ctx, s); err != nil {
		return err
	}
	*tx.inserted++
	return nil
}

func (l *sessionLedger) WithTx(ctx context.Context, fn func(ctx context.Context, tx identity.Tx) error) error {
	inserted := 0
	err := l.Store.WithTx(ctx, func(ctx context.Context, tx identity.Tx) error {
		return fn(ctx, ledgerTx{Tx: tx, inserted: &inserted})
	})
	if err == nil {
		l.mu.Lock()
		l.committed += inserted
		l.mu.Unlock()
	}
	return err
}

func (l *sessionLedger) Committed() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.committed
}

func countSQLiteSessions(t *testing.T, path string) int {
	t.Helper()
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()
	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM sessions`).Scan(&n))
	return n
}

func TestRegister_DuplicateEmailConflicts(t *testing.T) {
	sqlitePath := filepath.Join(t.TempDir(), "dup.db")
	backends := map[string]func(t *testing.T) identity.Store{
		"memory": func(t *testing.T) identity.Store { return identity.NewMemoryStore() },
		"sqlite": func(t *testing.T) identity.Store {
			st, err := identity.OpenSQLite(context.Background(), sqlitePath)
			require.NoError(t, err)
			t.Cleanup(func() { _ = st.Close() })
			return st
		},
	}
	for name, mk := range backends {
		t.Run(name, func(t *testing.T) {
			ledger := &sessionLedger{Store: mk(t)}
			f := newFixture(t, ledger)
			f.register(t, "dup@example.com", "first password ok")
			require.Equal(t, 1, ledger.Committed())
			if name == "sqlite" {
				require.Equal(t, 1, countSQLiteSessions(t, sqlitePath))
			}

			_, err := f.svc.Register(context.Background(), Credentials{Email: "DUP@example.com", Password: "second password ok"}, Profile{})
			require.ErrorIs(t, err, ErrConflict)
			assert.Equal(t, 1, f.rec.attempts["register.conflict"])

			// The failing call leaves no session behind.
			assert.Equal(t, 1, ledger.Committed())
			if name == "sqlite" {
				assert.Equal(t, 1, countSQLiteSessions(t, sqlitePath))
			}
		})
	}
}

func TestRegister_InvalidInput(t *testing.T) {
	f := newFixture(t, nil)
	cases := []struct {
		name  string
		email string
		pw    string
	}{
		{"empty email", "", "long enough password"},
		{"no at sign", "example.com", "long enough password"},
		{"nothing after at", "user@", "long enough password"},
		{"short password", "u@example.com", "short"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Register(context.Background(), Credentials{Email: tc.email, Password: tc.pw}, Profile{})
			require.ErrorIs(t, err, ErrInvalidInput)
		})
	}
}

func TestRegister_PolicyErrorIsWrapped(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.svc.Register(context.Background(), Credentials{Email: "p@example.com", Password: "short"}, Profile{})
	require.ErrorIs(t, err, ErrInvalidInput)
	require.ErrorIs(t, err, password.ErrPasswordTooShort)
}

func TestLogin_Success(t *testing.T) {
	f := newFixture(t, nil)
	reg := f.register(t, "login@example.com", "a fine password")

	f.clock.Set(t0.Add(time.Hour))
	iss, err := f.svc.Login(context.Background(), Credentials{Email: "LOGIN@example.com", Password: "a fine password"})
	require.NoError(t, err)
	assert.Equal(t, reg.UserID, iss.UserID)
	assert.NotEqual(t, reg.Token, iss.Token)
	assert.True(t, iss.ExpiresAt.Equal(t0.Add(time.Hour+7*24*time.Hour)))

	// Both sessions are independent and valid.
	_, err = f.svc.Authorize(context.Background(), reg.Token)
	require.NoError(t, err)
	_, err = f.svc.Authorize(context.Background(), iss.Token)
	require.NoError(t, err)
}

func TestLogin_FailuresAreIndistinguishable(t *testing.T) {
	f := newFixture(t, nil)
	f.register(t, "known@example.com", "the right password")

	_, errWrong := f.svc.Login(context.Background(), Credentials{Email: "known@example.com", Password: "the wrong password"})
	_, errUnknown := f.svc.Login(context.Background(), Credentials{Email: "unknown@example.com", Password: "the right password"})

	require.ErrorIs(t, errWrong, ErrUnauthorized)
	require.ErrorIs(t, errUnknown, ErrUnauthorized)
	assert.Equal(t, errWrong.Error(), errUnknown.Error())
	assert.Equal(t, 2, f.rec.attempts["login.fail"])
}

func TestLogin_MalformedRecordIsUnauthorized(t *testing.T) {
	store := identity.NewMemoryStore()
	f := newFixture(t, store)
	insertUserWithRecord(t, store, "broken@example.com", "not-a-valid-record")

	_, err := f.svc.Login(context.Background(), Credentials{Email: "broken@example.com", Password: "whatever password"})
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestLogin_UpgradesLegacyRecord(t *testing.T) {
	store := identity.NewMemoryStore()
	f := newFixture(t, store)

	salt := make([]byte, 16)
	_, err := rand.Read(salt)
	require.NoError(t, err)
	key := pbkdf2.Key([]byte("legacy secret"), salt, 100_000, 32, sha256.New)
	legacy := hex.EncodeToString(salt) + "$" + hex.EncodeToString(key)
	id := insertUserWithRecord(t, store, "legacy@example.com", legacy)

	_, err = f.svc.Login(context.Background(), Credentials{Email: "legacy@example.com", Password: "legacy secret"})
	require.NoError(t, err)

	err = store.WithTx(context.Background(), func(ctx context.Context, tx identity.Tx) error {
		u, err := tx.GetUserByID(ctx, id)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(u.PasswordHash, "pbkdf2_sha256$"), "got %q", u.PasswordHash)
		return nil
	})
	require.NoError(t, err)

	// The upgraded record still verifies.
	_, err = f.svc.Login(context.Background(), Credentials{Email: "legacy@example.com", Password: "legacy secret"})
	require.NoError(t, err)
}

func TestAuthorize_RenewalBoundary(t *testing.T) {
	f := newFixture(t, nil)
	iss := f.register(t, "renew@example.com", "renewal password")
	week := 7 * 24 * time.Hour

	// Exactly at the renewal point: no renewal.
	f.clock.Set(t0.Add(24 * time.Hour))
	who, err := f.svc.Authorize(context.Background(), iss.Token)
	require.NoError(t, err)
	assert.False(t, who.Renewed)
	assert.True(t, who.ExpiresAt.Equal(t0.Add(week)))

	// One microsecond later: renewed to now + expiry.
	later := t0.Add(24*time.Hour + time.Microsecond)
	f.clock.Set(later)
	who, err = f.svc.Authorize(context.Background(), iss.Token)
	require.NoError(t, err)
	assert.True(t, who.Renewed)
	assert.True(t, who.ExpiresAt.Equal(later.Add(week)), "got %v", who.ExpiresAt)
	assert.Equal(t, 1, f.rec.renewals)

	// Renewal moved the next renewal point too.
	f.clock.Set(later.Add(12 * time.Hour))
	who, err = f.svc.Authorize(context.Background(), iss.Token)
	require.NoError(t, err)
	assert.False(t, who.Renewed)
}

func TestAuthorize_ExpiredEqualsUnknown(t *testing.T) {
	f := newFixture(t, nil)
	iss := f.register(t, "expire@example.com", "expiring password")

	f.clock.Set(iss.ExpiresAt)
	_, errExpired := f.svc.Authorize(context.Background(), iss.Token)

	other, err := token.New(token.MinBytes)
	require.NoError(t, err)
	_, errUnknown := f.svc.Authorize(context.Background(), other)

	_, errGarbage := f.svc.Authorize(context.Background(), "not a token")
	_, errEmpty := f.svc.Authorize(context.Background(), "")

	for _, err := range []error{errExpired, errUnknown, errGarbage, errEmpty} {
		require.ErrorIs(t, err, ErrUnauthorized)
		assert.Equal(t, ErrUnauthorized.Error(), err.Error())
	}
}

func TestAuthorize_JustBeforeExpiryRenews(t *testing.T) {
	f := newFixture(t, nil)
	iss := f.register(t, "edge@example.com", "edge case password")

	almost := iss.ExpiresAt.Add(-time.Microsecond)
	f.clock.Set(almost)
	who, err := f.svc.Authorize(context.Background(), iss.Token)
	require.NoError(t, err)
	assert.True(t, who.Renewed)
	assert.True(t, who.ExpiresAt.Equal(almost.Add(7*24*time.Hour)))
}

func TestCreateSession_RetriesOnTokenCollision(t *testing.T) {
	fixed := strings.Repeat("A", 43)
	fresh := strings.Repeat("B", 43)

	var mu sync.Mutex
	queue := []string{fixed, fixed, fixed, fresh}
	src := func(int) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		next := queue[0]
		queue = queue[1:]
		return next, nil
	}

	f := newFixture(t, nil, WithTokenSource(src))
	first := f.register(t, "collide@example.com", "collision password")
	require.Equal(t, fixed, first.Token)

	// Two collisions, then a fresh token on the third attempt.
	iss, err := f.svc.Login(context.Background(), Credentials{Email: "collide@example.com", Password: "collision password"})
	require.NoError(t, err)
	assert.Equal(t, fresh, iss.Token)
}

func TestCreateSession_ExhaustedAttemptsRollBack(t *testing.T) {
	fixed := strings.Repeat("C", 43)
	src := func(int) (string, error) { return fixed, nil }

	store := identity.NewMemoryStore()
	f := newFixture(t, store, WithTokenSource(src))
	f.register(t, "first@example.com", "first user password")

	_, err := f.svc.Register(context.Background(), Credentials{Email: "second@example.com", Password: "second user password"}, Profile{})
	require.ErrorIs(t, err, ErrTokenCollision)

	// The user insert was rolled back with the failed session.
	err = store.WithTx(context.Background(), func(ctx context.Context, tx identity.Tx) error {
		_, err := tx.GetUserByEmail(ctx, "second@example.com")
		assert.True(t, identity.IsNotFound(err), "got %v", err)
		return nil
	})
	require.NoError(t, err)
}

func TestCreateSession_TokenSourceError(t *testing.T) {
	boom := errors.New("entropy unavailable")
	f := newFixture(t, nil, WithTokenSource(func(int) (string, error) { return "", boom }))

	_, err := f.svc.Register(context.Background(), Credentials{Email: "rng@example.com", Password: "some password"}, Profile{})
	require.ErrorIs(t, err, boom)
}

func TestAuthorize_ConcurrentRenewalsConverge(t *testing.T) {
	backends := map[string]func(t *testing.T) identity.Store{
		"memory": func(t *testing.T) identity.Store { return identity.NewMemoryStore() },
		"sqlite": func(t *testing.T) identity.Store {
			st, err := identity.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "s.db"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = st.Close() })
			return st
		},
	}
	for name, mk := range backends {
		mk := mk
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, mk(t))
			iss := f.register(t, "race@example.com", "concurrent password")

			now := t0.Add(48 * time.Hour)
			f.clock.Set(now)

			var wg sync.WaitGroup
			for i := 0; i < 12; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					who, err := f.svc.Authorize(context.Background(), iss.Token)
					if assert.NoError(t, err) {
						assert.True(t, who.ExpiresAt.Equal(now.Add(7*24*time.Hour)))
					}
				}()
			}
			wg.Wait()

			// At least one caller renewed, and the stored expiry never exceeds
			// now + expiry.
			assert.GreaterOrEqual(t, f.rec.renewals, 1)
			err := f.store.WithTx(context.Background(), func(ctx context.Context, tx identity.Tx) error {
				s, err := tx.GetSession(ctx, f.hash.Sum(iss.Token))
				require.NoError(t, err)
				assert.True(t, s.ExpiresAt.Equal(now.Add(7*24*time.Hour)))
				return nil
			})
			require.NoError(t, err)
		})
	}
}

func TestNewService_RejectsBadConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RenewAfter = cfg.Expiry
	_, err := NewService(cfg, identity.NewMemoryStore(), password.DefaultConfig(), token.NewHasher(nil))
	require.ErrorIs(t, err, ErrConfig)

	_, err = NewService(DefaultConfig(), nil, password.DefaultConfig(), token.NewHasher(nil))
	require.ErrorIs(t, err, ErrConfig)
}

func insertUserWithRecord(t *testing.T, store identity.Store, email, record string) string {
	t.Helper()
	id, err := identity.NewUserID(t0)
	require.NoError(t, err)
	err = store.WithTx(context.Background(), func(ctx context.Context, tx identity.Tx) error {
		return tx.InsertUser(ctx, identity.User{
			ID:           id,
			Email:        email,
			EmailNorm:    identity.NormalizeEmail(email),
			PasswordHash: record,
			CreatedAt:    t0,
			UpdatedAt:    t0,
		})
	})
	require.NoError(t, err)
	return id
}
