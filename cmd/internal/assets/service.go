package assets

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"stash/cmd/identity"
)

// Recorder receives put outcomes for metrics.
type Recorder interface {
	AssetPut(inserted bool, size int)
}

type nopRecorder struct{}

func (nopRecorder) AssetPut(bool, int) {}

// Service implements Put/Get over an identity.Store.
type Service struct {
	cfg   Config
	store identity.Store
	log   *slog.Logger
	rec   Recorder
	now   func() time.Time
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

// WithClock overrides the time source used for created_at.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService constructs a Service.
func NewService(cfg Config, store identity.Store, opts ...Option) (*Service, error) {
	if err := cfg.Check(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, fmt.Errorf("%w: nil store", ErrConfig)
	}
	s := &Service{
		cfg:   cfg,
		store: store,
		log:   slog.Default(),
		rec:   nopRecorder{},
		now:   func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// MaxBytes returns the configured payload ceiling.
func (s *Service) MaxBytes() int64 { return s.cfg.MaxBytes }

// Put stores data under its content hash and returns the stored row.
//
// If the hash already exists the existing row is returned unchanged; the
// contentType and alt passed here are discarded. The content type is taken
// as given and never sniffed.
func (s *Service) Put(ctx context.Context, data []byte, contentType string, alt *string) (identity.Asset, error) {
	if int64(len(data)) > s.cfg.MaxBytes {
		return identity.Asset{}, ErrPayloadTooLarge
	}
	contentType = strings.TrimSpace(contentType)
	if contentType == "" {
		return identity.Asset{}, fmt.Errorf("%w: content type is required", ErrBadRequest)
	}

	a := identity.Asset{
		Hash:        Hash(data),
		Data:        data,
		ContentType: contentType,
		Alt:         alt,
		CreatedAt:   s.now(),
	}

	var (
		stored   identity.Asset
		inserted bool
	)
	err := s.store.WithTx(ctx, func(ctx context.Context, tx identity.Tx) error {
		var err error
		inserted, err = tx.InsertAsset(ctx, a)
		if err != nil {
			return err
		}
		if inserted {
			stored = a
			return nil
		}
		stored, err = tx.GetAsset(ctx, a.Hash)
		return err
	})
	if err != nil {
		return identity.Asset{}, fmt.Errorf("assets.Put: %w", err)
	}

	s.rec.AssetPut(inserted, len(data))
	s.log.Info("asset.put.ok", "hash", stored.Hash, "size", len(data), "inserted", inserted)
	return stored, nil
}

// Get returns the asset with its payload.
func (s *Service) Get(ctx context.Context, hash string) (identity.Asset, error) {
	if !ValidHash(hash) {
		return identity.Asset{}, ErrNotFound
	}
	var a identity.Asset
	err := s.store.ReadTx(ctx, func(ctx context.Context, tx identity.Tx) error {
		var err error
		a, err = tx.GetAsset(ctx, hash)
		return err
	})
	if err != nil {
		return identity.Asset{}, mapReadErr("assets.Get", err)
	}
	return a, nil
}

// GetMetadata returns the asset without its payload.
func (s *Service) GetMetadata(ctx context.Context, hash string) (identity.AssetMetadata, error) {
	if !ValidHash(hash) {
		return identity.AssetMetadata{}, ErrNotFound
	}
	var md identity.AssetMetadata
	err := s.store.ReadTx(ctx, func(ctx context.Context, tx identity.Tx) error {
		var err error
		md, err = tx.GetAssetMetadata(ctx, hash)
		return err
	})
	if err != nil {
		return identity.AssetMetadata{}, mapReadErr("assets.GetMetadata", err)
	}
	return md, nil
}

// Exists reports whether hash names a stored asset.
func (s *Service) Exists(ctx context.Context, hash string) (bool, error) {
	if !ValidHash(hash) {
		return false, nil
	}
	var ok bool
	err := s.store.ReadTx(ctx, func(ctx context.Context, tx identity.Tx) error {
		var err error
		ok, err = tx.AssetExists(ctx, hash)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("assets.Exists: %w", err)
	}
	return ok, nil
}

func mapReadErr(op string, err error) error {
	if identity.IsNotFound(err) {
		return ErrNotFound
	}
	return fmt.Errorf("%s: %w", op, err)
}
