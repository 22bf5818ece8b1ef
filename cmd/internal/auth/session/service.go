package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"stash/cmd/identity"
	"stash/cmd/security/password"
	"stash/cmd/security/token"
)

// Credentials are the login inputs. Email is normalized by the service.
type Credentials struct {
	Email    string
	Password string
}

// Profile holds optional fields set at registration.
type Profile struct {
	DisplayName *string
}

// Issued is the result of Register or Login. Token is returned to the client
// exactly once and is never stored.
type Issued struct {
	Token     string
	ExpiresAt time.Time
	UserID    string
}

// Identity is the result of a successful Authorize.
type Identity struct {
	UserID    string
	ExpiresAt time.Time
	Renewed   bool
}

// Recorder receives outcome events for metrics. Implementations must be safe
// for concurrent use.
type Recorder interface {
	AuthAttempt(op, result string)
	SessionRenewed()
}

type nopRecorder struct{}

func (nopRecorder) AuthAttempt(string, string) {}
func (nopRecorder) SessionRenewed()            {}

// Service implements Register, Login and Authorize over an identity.Store.
type Service struct {
	cfg       Config
	store     identity.Store
	passwords password.Config
	hasher    token.Hasher

	log      *slog.Logger
	rec      Recorder
	now      func() time.Time
	newToken func(nBytes int) (string, error)

	dummyOnce sync.Once
	dummyHash string
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger (default slog.Default()).
func WithLogger(log *slog.Logger) Option {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(rec Recorder) Option {
	return func(s *Service) {
		if rec != nil {
			s.rec = rec
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithTokenSource overrides token generation. Tests use it to force digest
// collisions.
func WithTokenSource(fn func(nBytes int) (string, error)) Option {
	return func(s *Service) {
		if fn != nil {
			s.newToken = fn
		}
	}
}

// NewService constructs a Service.
func NewService(cfg Config, store identity.Store, passwords password.Config, hasher token.Hasher, opts ...Option) (*Service, error) {
	if err := cfg.Check(); err != nil {
		return nil, err
	}
	if err := passwords.Check(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	if store == nil {
		return nil, fmt.Errorf("%w: nil store", ErrConfig)
	}

	s := &Service{
		cfg:       cfg,
		store:     store,
		passwords: passwords,
		hasher:    hasher,
		log:       slog.Default(),
		rec:       nopRecorder{},
		now:       defaultNow,
		newToken:  token.New,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Postgres keeps microseconds; truncating here keeps every backend
// returning the same instant the service computed.
func defaultNow() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// Register creates a user and its first session in one transaction.
func (s *Service) Register(ctx context.Context, cred Credentials, prof Profile) (Issued, error) {
	email := strings.TrimSpace(cred.Email)
	emailNorm := identity.NormalizeEmail(email)
	if !plausibleEmail(emailNorm) {
		s.rec.AuthAttempt("register", "invalid")
		return Issued{}, fmt.Errorf("%w: email", ErrInvalidInput)
	}

	record, err := s.passwords.Hash(cred.Password)
	if err != nil {
		if errors.Is(err, password.ErrPasswordTooShort) ||
			errors.Is(err, password.ErrPasswordTooLong) ||
			errors.Is(err, password.ErrWeakPassword) {
			s.rec.AuthAttempt("register", "invalid")
			return Issued{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
		}
		return Issued{}, fmt.Errorf("session.Register: hash password: %w", err)
	}

	now := s.now()
	userID, err := identity.NewUserID(now)
	if err != nil {
		return Issued{}, fmt.Errorf("session.Register: user id: %w", err)
	}

	u := identity.User{
		ID:           userID,
		Email:        email,
		EmailNorm:    emailNorm,
		PasswordHash: record,
		DisplayName:  trimmedOrNil(prof.DisplayName),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	var out Issued
	err = s.store.WithTx(ctx, func(ctx context.Context, tx identity.Tx) error {
		if err := tx.InsertUser(ctx, u); err != nil {
			if identity.IsConflict(err) {
				return ErrConflict
			}
			return err
		}
		issued, err := s.createSession(ctx, tx, u.ID, now)
		if err != nil {
			return err
		}
		out = issued
		return nil
	})
	switch {
	case err == nil:
		s.rec.AuthAttempt("register", "ok")
		s.log.Info("auth.register.ok", "user_id", u.ID)
		return out, nil
	case errors.Is(err, ErrConflict):
		s.rec.AuthAttempt("register", "conflict")
		return Issued{}, err
	default:
		s.rec.AuthAttempt("register", "error")
		return Issued{}, err
	}
}

// Login verifies credentials and creates a new session.
//
// An unknown email still costs one password verification so response time
// does not reveal whether the account exists.
func (s *Service) Login(ctx context.Context, cred Credentials) (Issued, error) {
	emailNorm := identity.NormalizeEmail(cred.Email)

	var u identity.User
	err := s.store.ReadTx(ctx, func(ctx context.Context, tx identity.Tx) error {
		var err error
		u, err = tx.GetUserByEmail(ctx, emailNorm)
		return err
	})
	if err != nil {
		if identity.IsNotFound(err) {
			s.burnVerify(cred.Password)
			s.rec.AuthAttempt("login", "fail")
			s.log.Info("auth.login.fail", "reason", "unknown_email")
			return Issued{}, ErrUnauthorized
		}
		s.rec.AuthAttempt("login", "error")
		return Issued{}, err
	}

	ok, verr := s.passwords.Verify(u.PasswordHash, cred.Password)
	if verr != nil {
		s.log.Warn("auth.login.bad_record", "user_id", u.ID, "err", verr)
	}
	if !ok {
		s.rec.AuthAttempt("login", "fail")
		s.log.Info("auth.login.fail", "reason", "bad_password", "user_id", u.ID)
		return Issued{}, ErrUnauthorized
	}

	rehashed := s.rehash(u.PasswordHash, cred.Password)
	now := s.now()

	var out Issued
	err = s.store.WithTx(ctx, func(ctx context.Context, tx identity.Tx) error {
		if rehashed != "" {
			cur, err := tx.GetUserByID(ctx, u.ID)
			if err != nil {
				return err
			}
			// Skip if the password changed since we verified it.
			if cur.PasswordHash == u.PasswordHash {
				cur.PasswordHash = rehashed
				cur.UpdatedAt = now
				if err := tx.UpdateUser(ctx, cur); err != nil {
					return err
				}
			}
		}
		issued, err := s.createSession(ctx, tx, u.ID, now)
		if err != nil {
			return err
		}
		out = issued
		return nil
	})
	if err != nil {
		if identity.IsNotFound(err) {
			// User deleted between verification and session insert.
			s.rec.AuthAttempt("login", "fail")
			return Issued{}, ErrUnauthorized
		}
		s.rec.AuthAttempt("login", "error")
		return Issued{}, err
	}

	s.rec.AuthAttempt("login", "ok")
	s.log.Info("auth.login.ok", "user_id", u.ID, "rehashed", rehashed != "")
	return out, nil
}

// Authorize resolves a bearer token to its user, renewing the session when
// it is past the renewal point.
func (s *Service) Authorize(ctx context.Context, bearer string) (Identity, error) {
	bearer = strings.TrimSpace(bearer)
	if !token.LooksValid(bearer) {
		s.rec.AuthAttempt("authorize", "fail")
		return Identity{}, ErrUnauthorized
	}
	digest := s.hasher.Sum(bearer)
	now := s.now()

	var out Identity
	err := s.store.WithTx(ctx, func(ctx context.Context, tx identity.Tx) error {
		sess, err := tx.GetSession(ctx, digest)
		if err != nil {
			return err
		}
		if !sess.ActiveAt(now) {
			return ErrUnauthorized
		}
		if !s.renewDue(sess, now) {
			out = Identity{UserID: sess.UserID, ExpiresAt: sess.ExpiresAt}
			return nil
		}

		// Re-read under lock; a concurrent renewal may have won.
		sess, err = tx.GetSessionForUpdate(ctx, digest)
		if err != nil {
			return err
		}
		if !sess.ActiveAt(now) {
			return ErrUnauthorized
		}
		if !s.renewDue(sess, now) {
			out = Identity{UserID: sess.UserID, ExpiresAt: sess.ExpiresAt}
			return nil
		}
		sess, err = tx.ExtendSession(ctx, digest, now.Add(s.cfg.Expiry))
		if err != nil {
			return err
		}
		out = Identity{UserID: sess.UserID, ExpiresAt: sess.ExpiresAt, Renewed: true}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrUnauthorized) || identity.IsNotFound(err) {
			s.rec.AuthAttempt("authorize", "fail")
			return Identity{}, ErrUnauthorized
		}
		s.rec.AuthAttempt("authorize", "error")
		return Identity{}, err
	}

	if out.Renewed {
		s.rec.SessionRenewed()
		s.log.Debug("auth.session.renew", "user_id", out.UserID, "expires_at", out.ExpiresAt)
	}
	s.rec.AuthAttempt("authorize", "ok")
	return out, nil
}

// renewDue reports whether now is strictly past the renewal point of sess.
// The renewal point is the last issuance time plus RenewAfter, where the
// last issuance is recovered as expires_at - Expiry.
func (s *Service) renewDue(sess identity.Session, now time.Time) bool {
	renewAt := sess.ExpiresAt.Add(-s.cfg.Expiry).Add(s.cfg.RenewAfter)
	return now.After(renewAt)
}

func (s *Service) createSession(ctx context.Context, tx identity.Tx, userID string, now time.Time) (Issued, error) {
	expiresAt := now.Add(s.cfg.Expiry)

	for attempt := 1; attempt <= s.cfg.MaxInsertAttempts; attempt++ {
		plain, err := s.newToken(s.cfg.TokenBytes)
		if err != nil {
			return Issued{}, fmt.Errorf("session: generate token: %w", err)
		}
		err = tx.InsertSession(ctx, identity.Session{
			TokenHash: s.hasher.Sum(plain),
			UserID:    userID,
			ExpiresAt: expiresAt,
			CreatedAt: now,
		})
		if err == nil {
			return Issued{Token: plain, ExpiresAt: expiresAt, UserID: userID}, nil
		}
		if field, ok := identity.ConflictField(err); ok && field == "token" {
			s.log.Warn("auth.session.token_collision", "attempt", attempt)
			continue
		}
		return Issued{}, err
	}
	return Issued{}, ErrTokenCollision
}

// burnVerify spends the same work as a real verification.
func (s *Service) burnVerify(pw string) {
	s.dummyOnce.Do(func() {
		seed, err := token.New(token.MinBytes)
		if err != nil {
			return
		}
		cfg := s.passwords
		cfg.Policy.RejectVeryWeak = false
		cfg.Policy.MinLength = 0
		s.dummyHash, _ = cfg.Hash(seed)
	})
	if s.dummyHash == "" {
		return
	}
	_, _ = s.passwords.Verify(s.dummyHash, pw)
}

// rehash returns a fresh record for pw when record uses outdated parameters,
// or "" when no upgrade is needed or possible.
func (s *Service) rehash(record, pw string) string {
	if !s.passwords.NeedsRehash(record) {
		return ""
	}
	cfg := s.passwords
	// Existing passwords predate the current policy; do not lock users out.
	cfg.Policy.MinLength = 0
	cfg.Policy.RejectVeryWeak = false
	next, err := cfg.Hash(pw)
	if err != nil {
		s.log.Warn("auth.login.rehash.fail", "err", err)
		return ""
	}
	return next
}

func plausibleEmail(norm string) bool {
	at := strings.IndexByte(norm, '@')
	return at > 0 && at < len(norm)-1 && !strings.ContainsAny(norm, " \t\r\n")
}

func trimmedOrNil(p *string) *string {
	if p == nil {
		return nil
	}
	v := strings.TrimSpace(*p)
	if v == "" {
		return nil
	}
	return &v
}
