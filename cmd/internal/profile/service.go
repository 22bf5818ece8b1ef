// Package profile reads and updates the authenticated user's own record.
package profile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"stash/cmd/identity"
	"stash/cmd/internal/assets"
	"stash/cmd/security/password"
)

// MaxDisplayNameLen bounds display names in runes.
const MaxDisplayNameLen = 64

// Service implements Get and Update.
type Service struct {
	store     identity.Store
	passwords password.Config
	log       *slog.Logger
	now       func() time.Time
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

// WithClock overrides the time source used for updated_at.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService constructs a Service.
func NewService(store identity.Store, passwords password.Config, opts ...Option) *Service {
	s := &Service{
		store:     store,
		passwords: passwords,
		log:       slog.Default(),
		now:       func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Get returns the user record.
func (s *Service) Get(ctx context.Context, userID string) (identity.User, error) {
	var u identity.User
	err := s.store.ReadTx(ctx, func(ctx context.Context, tx identity.Tx) error {
		var err error
		u, err = tx.GetUserByID(ctx, userID)
		return err
	})
	if err != nil {
		if identity.IsNotFound(err) {
			return identity.User{}, ErrNotFound
		}
		return identity.User{}, fmt.Errorf("profile.Get: %w", err)
	}
	return u, nil
}

// Update applies p to the user and returns the stored result.
//
// A new avatar must reference an existing asset; this is checked in the same
// transaction as the write.
func (s *Service) Update(ctx context.Context, userID string, p Patch) (identity.User, error) {
	if err := s.validate(p); err != nil {
		return identity.User{}, err
	}

	var newRecord string
	if p.Password.Set {
		rec, err := s.passwords.Hash(*p.Password.Value)
		if err != nil {
			if errors.Is(err, password.ErrPasswordTooShort) ||
				errors.Is(err, password.ErrPasswordTooLong) ||
				errors.Is(err, password.ErrWeakPassword) {
				return identity.User{}, fmt.Errorf("%w: %w", ErrBadRequest, err)
			}
			return identity.User{}, fmt.Errorf("profile.Update: hash password: %w", err)
		}
		newRecord = rec
	}

	now := s.now()
	var out identity.User
	err := s.store.WithTx(ctx, func(ctx context.Context, tx identity.Tx) error {
		u, err := tx.GetUserByID(ctx, userID)
		if err != nil {
			return err
		}
		if p.Empty() {
			out = u
			return nil
		}

		if p.Email.Set {
			u.Email = strings.TrimSpace(*p.Email.Value)
			u.EmailNorm = identity.NormalizeEmail(u.Email)
		}
		if newRecord != "" {
			u.PasswordHash = newRecord
		}
		if p.DisplayName.Set {
			u.DisplayName = nil
			if p.DisplayName.Value != nil {
				if v := strings.TrimSpace(*p.DisplayName.Value); v != "" {
					u.DisplayName = &v
				}
			}
		}
		if p.AvatarHash.Set {
			u.AvatarHash = nil
			if p.AvatarHash.Value != nil {
				h := *p.AvatarHash.Value
				ok, err := tx.AssetExists(ctx, h)
				if err != nil {
					return err
				}
				if !ok {
					return ErrInvalidReference
				}
				u.AvatarHash = &h
			}
		}
		u.UpdatedAt = now

		if err := tx.UpdateUser(ctx, u); err != nil {
			return err
		}
		out = u
		return nil
	})
	if err != nil {
		return identity.User{}, s.mapErr(err)
	}

	s.log.Info("profile.update.ok",
		"user_id", userID,
		"email", p.Email.Set,
		"password", p.Password.Set,
		"display_name", p.DisplayName.Set,
		"avatar", p.AvatarHash.Set,
	)
	return out, nil
}

func (s *Service) validate(p Patch) error {
	if p.Email.Set {
		if p.Email.Value == nil {
			return fmt.Errorf("%w: email cannot be cleared", ErrBadRequest)
		}
		norm := identity.NormalizeEmail(*p.Email.Value)
		at := strings.IndexByte(norm, '@')
		if at <= 0 || at == len(norm)-1 || strings.ContainsAny(norm, " \t\r\n") {
			return fmt.Errorf("%w: email", ErrBadRequest)
		}
	}
	if p.Password.Set && p.Password.Value == nil {
		return fmt.Errorf("%w: password cannot be cleared", ErrBadRequest)
	}
	if p.DisplayName.Set && p.DisplayName.Value != nil &&
		utf8.RuneCountInString(strings.TrimSpace(*p.DisplayName.Value)) > MaxDisplayNameLen {
		return fmt.Errorf("%w: display_name too long", ErrBadRequest)
	}
	if p.AvatarHash.Set && p.AvatarHash.Value != nil && !assets.ValidHash(*p.AvatarHash.Value) {
		return ErrInvalidReference
	}
	return nil
}

func (s *Service) mapErr(err error) error {
	switch {
	case errors.Is(err, ErrInvalidReference):
		return err
	case identity.IsConflict(err):
		return ErrConflict
	case identity.IsNotFound(err):
		// UpdateUser reports a vanished avatar asset as a missing resource.
		if res, ok := identity.MissingResource(err); ok && res == "asset" {
			return ErrInvalidReference
		}
		return ErrNotFound
	default:
		return fmt.Errorf("profile.Update: %w", err)
	}
}
