package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"coinwatch/internal/alerting"
)

const (
	listActiveAlertsSQL = `SELECT
        id,
        user_id,
        asset_id,
        symbol,
        name,
        direction,
        trigger_type,
        value_type,
        value::text,
        current_price::text,
        created_at,
        expire_time_hours
    FROM notifications
    WHERE is_active
    ORDER BY id;`

	markTriggeredSQL = `UPDATE notifications
    SET is_active = FALSE,
        state = 'triggered',
        triggered_at = $2
    WHERE id = $1
      AND is_active;`

	markExpiredSQL = `UPDATE notifications
    SET is_active = FALSE,
        state = 'expired',
        expired_at = $2
    WHERE id = $1
      AND is_active;`

	quietHoursSQL = `SELECT
        quiet_start::text,
        quiet_end::text,
        timezone
    FROM users
    WHERE id = $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// Store serves alerts and user preferences from PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// a failed unlock is released with the session when the connection drops
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

// ListActiveAlerts returns every alert still in the active state.
func (s *Store) ListActiveAlerts(ctx context.Context) ([]alerting.Alert, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, listActiveAlertsSQL)
	if err != nil {
		return nil, fmt.Errorf("list active alerts: %w", err)
	}
	defer rows.Close()

	alerts := make([]alerting.Alert, 0)
	for rows.Next() {
		var row alertRow
		if err := rows.Scan(
			&row.ID,
			&row.UserID,
			&row.AssetID,
			&row.Symbol,
			&row.Name,
			&row.Direction,
			&row.Trigger,
			&row.ValueType,
			&row.Value,
			&row.ReferencePrice,
			&row.CreatedAt,
			&row.ExpireTimeHours,
		); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		alerts = append(alerts, row.toAlert())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate alerts: %w", err)
	}
	return alerts, nil
}

// MarkTriggered flips an active alert to triggered.
func (s *Store) MarkTriggered(ctx context.Context, id int64, at time.Time) (bool, error) {
	return s.transition(ctx, markTriggeredSQL, id, at)
}

// MarkExpired flips an active alert to expired.
func (s *Store) MarkExpired(ctx context.Context, id int64, at time.Time) (bool, error) {
	return s.transition(ctx, markExpiredSQL, id, at)
}

func (s *Store) transition(ctx context.Context, query string, id int64, at time.Time) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}
	tag, err := pool.Exec(ctx, query, id, at.UTC())
	if err != nil {
		return false, fmt.Errorf("update alert %d: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// QuietHours loads the user's quiet window.
func (s *Store) QuietHours(ctx context.Context, userID int64) (*alerting.QuietHours, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	var (
		start, end *string
		tz         string
	)
	err = pool.QueryRow(ctx, quietHoursSQL, userID).Scan(&start, &end, &tz)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load quiet hours for user %d: %w", userID, err)
	}
	return alerting.NewQuietHours(start, end, tz)
}

var (
	_ Backend        = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)
