package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"coinwatch/internal/alerting"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS users (
    id          INTEGER PRIMARY KEY,
    quiet_start TEXT NULL,
    quiet_end   TEXT NULL,
    timezone    TEXT NOT NULL DEFAULT 'UTC'
);
CREATE TABLE IF NOT EXISTS notifications (
    id                INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id           INTEGER NOT NULL,
    asset_id          TEXT NOT NULL,
    symbol            TEXT NOT NULL DEFAULT '',
    name              TEXT NOT NULL DEFAULT '',
    direction         TEXT NOT NULL,
    trigger_type      TEXT NOT NULL DEFAULT 'take-profit',
    value_type        TEXT NOT NULL,
    value             TEXT NOT NULL,
    current_price     TEXT NOT NULL DEFAULT '0',
    is_active         INTEGER NOT NULL DEFAULT 1,
    state             TEXT NOT NULL DEFAULT 'active',
    expire_time_hours INTEGER NULL,
    created_at        TEXT NOT NULL,
    triggered_at      TEXT NULL,
    expired_at        TEXT NULL
);
CREATE INDEX IF NOT EXISTS notifications_active_asset_idx ON notifications (is_active, asset_id);`

const (
	sqliteListActiveSQL = `SELECT id, user_id, asset_id, symbol, name, direction, trigger_type,
        value_type, value, current_price, created_at, expire_time_hours
    FROM notifications
    WHERE is_active = 1
    ORDER BY id;`

	sqliteMarkTriggeredSQL = `UPDATE notifications
    SET is_active = 0, state = 'triggered', triggered_at = ?
    WHERE id = ? AND is_active = 1;`

	sqliteMarkExpiredSQL = `UPDATE notifications
    SET is_active = 0, state = 'expired', expired_at = ?
    WHERE id = ? AND is_active = 1;`

	sqliteQuietHoursSQL = `SELECT quiet_start, quiet_end, timezone FROM users WHERE id = ?;`

	sqliteUpsertUserSQL = `INSERT INTO users (id, quiet_start, quiet_end, timezone)
    VALUES (?, ?, ?, ?)
    ON CONFLICT (id) DO UPDATE SET
        quiet_start = excluded.quiet_start,
        quiet_end = excluded.quiet_end,
        timezone = excluded.timezone;`

	sqliteInsertAlertSQL = `INSERT INTO notifications (
        user_id, asset_id, symbol, name, direction, trigger_type,
        value_type, value, current_price, expire_time_hours, created_at
    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`
)

// SQLiteStore is a single-file alert store for local and single-node deployments.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens path and ensures the schema exists.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// sqlite serialises writers; a single connection avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() {
	if s == nil || s.db == nil {
		return
	}
	_ = s.db.Close()
}

func (s *SQLiteStore) getDB() (*sql.DB, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotConfigured
	}
	return s.db, nil
}

// ListActiveAlerts returns every alert still in the active state.
func (s *SQLiteStore) ListActiveAlerts(ctx context.Context) ([]alerting.Alert, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, sqliteListActiveSQL)
	if err != nil {
		return nil, fmt.Errorf("list active alerts: %w", err)
	}
	defer rows.Close()

	alerts := make([]alerting.Alert, 0)
	for rows.Next() {
		var (
			row     alertRow
			created string
			expire  sql.NullInt64
		)
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
			&created,
			&expire,
		); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		// 无法解析的时间保持零值，由 Validate 单独拒绝该告警
		row.CreatedAt, _ = parseSQLiteTime(created)
		if expire.Valid {
			hours := expire.Int64
			row.ExpireTimeHours = &hours
		}
		alerts = append(alerts, row.toAlert())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate alerts: %w", err)
	}
	return alerts, nil
}

// MarkTriggered flips an active alert to triggered.
func (s *SQLiteStore) MarkTriggered(ctx context.Context, id int64, at time.Time) (bool, error) {
	return s.transition(ctx, sqliteMarkTriggeredSQL, id, at)
}

// MarkExpired flips an active alert to expired.
func (s *SQLiteStore) MarkExpired(ctx context.Context, id int64, at time.Time) (bool, error) {
	return s.transition(ctx, sqliteMarkExpiredSQL, id, at)
}

func (s *SQLiteStore) transition(ctx context.Context, query string, id int64, at time.Time) (bool, error) {
	db, err := s.getDB()
	if err != nil {
		return false, err
	}
	res, err := db.ExecContext(ctx, query, at.UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return false, fmt.Errorf("update alert %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update alert %d: %w", id, err)
	}
	return n == 1, nil
}

// QuietHours loads the user's quiet window.
func (s *SQLiteStore) QuietHours(ctx context.Context, userID int64) (*alerting.QuietHours, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	var (
		start, end sql.NullString
		tz         string
	)
	err = db.QueryRowContext(ctx, sqliteQuietHoursSQL, userID).Scan(&start, &end, &tz)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load quiet hours for user %d: %w", userID, err)
	}
	return alerting.NewQuietHours(nullable(start), nullable(end), tz)
}

// User is the subset of user settings the engine reads.
type User struct {
	ID         int64
	QuietStart string
	QuietEnd   string
	Timezone   string
}

// SaveUser inserts or updates a user's quiet-hours settings.
func (s *SQLiteStore) SaveUser(ctx context.Context, u User) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	tz := u.Timezone
	if tz == "" {
		tz = "UTC"
	}
	if _, err := db.ExecContext(ctx, sqliteUpsertUserSQL, u.ID, emptyAsNull(u.QuietStart), emptyAsNull(u.QuietEnd), tz); err != nil {
		return fmt.Errorf("save user %d: %w", u.ID, err)
	}
	return nil
}

// NewAlert carries the fields needed to create an alert.
type NewAlert struct {
	UserID          int64
	AssetID         string
	Symbol          string
	Name            string
	Direction       alerting.Direction
	Trigger         alerting.Trigger
	ValueType       alerting.ValueType
	Value           string
	ReferencePrice  string
	ExpireTimeHours *int64
	CreatedAt       time.Time
}

// CreateAlert inserts an active alert and returns its id.
func (s *SQLiteStore) CreateAlert(ctx context.Context, a NewAlert) (int64, error) {
	db, err := s.getDB()
	if err != nil {
		return 0, err
	}
	created := a.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	var expire any
	if a.ExpireTimeHours != nil {
		expire = *a.ExpireTimeHours
	}
	res, err := db.ExecContext(ctx, sqliteInsertAlertSQL,
		a.UserID, a.AssetID, a.Symbol, a.Name,
		string(a.Direction), string(a.Trigger), string(a.ValueType),
		a.Value, a.ReferencePrice, expire,
		created.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("create alert: %w", err)
	}
	return res.LastInsertId()
}

// sqliteTimeLayouts covers values written by CreateAlert and by SQLite's own
// datetime('now') / CURRENT_TIMESTAMP, which are UTC without a zone suffix.
var sqliteTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
}

func parseSQLiteTime(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	for _, layout := range sqliteTimeLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", v)
}

func nullable(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	return &v.String
}

func emptyAsNull(v string) any {
	if v == "" {
		return nil
	}
	return v
}

var _ Backend = (*SQLiteStore)(nil)
