package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"coinwatch/internal/alerting"
	"coinwatch/internal/config"
)

var (
	// ErrNotConfigured indicates the storage backend was not initialised.
	ErrNotConfigured = errors.New("storage: backend not configured")
)

// AlertStore is the persistence boundary of the evaluation loop.
type AlertStore interface {
	ListActiveAlerts(ctx context.Context) ([]alerting.Alert, error)
	// MarkTriggered moves an active alert to triggered. It reports false when
	// the alert was no longer active, so concurrent evaluators fire once.
	MarkTriggered(ctx context.Context, id int64, at time.Time) (bool, error)
	MarkExpired(ctx context.Context, id int64, at time.Time) (bool, error)
}

// QuietHoursProvider returns a user's quiet window, or nil when none is set.
type QuietHoursProvider interface {
	QuietHours(ctx context.Context, userID int64) (*alerting.QuietHours, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Backend bundles what the application needs from a store.
type Backend interface {
	AlertStore
	QuietHoursProvider
	Close()
}

// Open selects the backend named by cfg.Driver. The "none" driver returns ErrNotConfigured.
func Open(ctx context.Context, cfg config.DatabaseConfig) (Backend, error) {
	switch cfg.Driver {
	case "postgres":
		pool, err := NewPool(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return NewStore(pool), nil
	case "sqlite":
		store, err := OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "none", "":
		return nil, ErrNotConfigured
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

// NewPool configures a PostgreSQL connection pool from runtime settings.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}
	return pool, nil
}
