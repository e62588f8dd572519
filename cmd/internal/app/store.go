package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/gorm"

	"tether/cmd/internal/auth/session"
)

// storeHandle owns the refresh-token store and its connection lifecycle.
type storeHandle struct {
	store      session.Store
	driver     string
	persistent bool

	pool *pgxpool.Pool
	db   *gorm.DB
}

// Ping reports whether the backing database is reachable.
func (s *storeHandle) Ping(ctx context.Context) error {
	switch {
	case s.pool != nil:
		return PingDB(ctx, s.pool, 2*time.Second)
	case s.db != nil:
		return PingGorm(ctx, s.db, 2*time.Second)
	default:
		return nil
	}
}

func (s *storeHandle) Close(_ context.Context) error {
	if s.pool != nil {
		s.pool.Close()
	}
	if s.db != nil {
		sqlDB, err := s.db.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}
	return nil
}

// newStore opens the configured store and makes sure its schema exists.
func newStore(ctx context.Context, cfg Config, log Logger) (*storeHandle, error) {
	driver := cfg.storeDriver()

	switch driver {
	case DriverPostgres:
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("postgres store requires TETHER_DATABASE_URL")
		}
		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return nil, err
		}
		if err := session.EnsureSchema(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
		log.Info("db.enabled.postgres_store")
		return &storeHandle{store: session.NewPostgresStore(pool), driver: driver, persistent: true, pool: pool}, nil

	case DriverGormPostgres, DriverSQLite:
		db, err := OpenGorm(cfg)
		if err != nil {
			return nil, err
		}
		st := session.NewGormStore(db)
		if err := st.Migrate(ctx); err != nil {
			if sqlDB, derr := db.DB(); derr == nil {
				_ = sqlDB.Close()
			}
			return nil, err
		}
		persistent := driver == DriverGormPostgres || cfg.DatabaseURL != ""
		if persistent {
			log.Info("db.enabled.gorm_store", "driver", driver)
		} else {
			log.Info("db.disabled.inmemory_store")
		}
		return &storeHandle{store: st, driver: driver, persistent: persistent, db: db}, nil

	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}
