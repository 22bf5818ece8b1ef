package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"stash/cmd/identity"
)

// openStore builds the identity store selected by cfg.Storage and applies migrations.
func openStore(ctx context.Context, cfg Config, log Logger) (identity.Store, error) {
	switch cfg.Storage {
	case DriverSQLite:
		st, err := identity.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		log.Info("store.open", "driver", DriverSQLite, "path", cfg.SQLitePath)
		return st, nil

	case DriverPostgres:
		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("postgres pool: %w", err)
		}
		st, err := identity.NewPostgresStore(pool, identity.WithSchema(cfg.DBSchema))
		if err != nil {
			pool.Close()
			return nil, err
		}
		if err := st.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		log.Info("store.open", "driver", DriverPostgres, "schema", cfg.DBSchema, "max_conns", pool.Config().MaxConns)
		return &pgOwnedStore{PostgresStore: st, pool: pool}, nil

	default:
		log.Info("store.open", "driver", DriverMemory)
		return identity.NewMemoryStore(), nil
	}
}

// pgOwnedStore closes the pool it was opened with.
type pgOwnedStore struct {
	*identity.PostgresStore
	pool *pgxpool.Pool
}

func (s *pgOwnedStore) Close() error {
	_ = s.PostgresStore.Close()
	s.pool.Close()
	return nil
}

// NewDBPool builds a pgxpool from cfg and validates connectivity.
func NewDBPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	if cfg.DBMaxConns > 0 {
		pcfg.MaxConns = cfg.DBMaxConns
	}
	if cfg.DBMinConns >= 0 {
		pcfg.MinConns = cfg.DBMinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}
