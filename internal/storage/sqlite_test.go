package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"coinwatch/internal/alerting"
	"coinwatch/internal/config"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "alerts.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func TestSQLiteAlertLifecycle(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	created := time.Date(2024, 2, 1, 8, 0, 0, 0, time.UTC)
	hours := int64(48)

	id, err := store.CreateAlert(ctx, NewAlert{
		UserID:          7,
		AssetID:         "bitcoin",
		Symbol:          "BTC",
		Name:            "Bitcoin",
		Direction:       alerting.DirectionRise,
		Trigger:         alerting.TriggerTakeProfit,
		ValueType:       alerting.ValuePercent,
		Value:           "10",
		ReferencePrice:  "100.5",
		ExpireTimeHours: &hours,
		CreatedAt:       created,
	})
	if err != nil {
		t.Fatalf("create alert: %v", err)
	}

	alerts, err := store.ListActiveAlerts(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(alerts) != 1 {
		t.Fatalf("expected one active alert, got %d", len(alerts))
	}
	a := alerts[0]
	if a.ID != id || a.UserID != 7 || a.State != alerting.StateActive {
		t.Fatalf("unexpected alert %+v", a)
	}
	if !a.ReferencePrice.Equal(decimal.RequireFromString("100.5")) {
		t.Fatalf("reference price lost precision: %s", a.ReferencePrice)
	}
	if a.ExpiresAt == nil || !a.ExpiresAt.Equal(created.Add(48*time.Hour)) {
		t.Fatalf("unexpected expiry %v", a.ExpiresAt)
	}

	now := created.Add(time.Hour)
	ok, err := store.MarkTriggered(ctx, id, now)
	if err != nil || !ok {
		t.Fatalf("first trigger should win: ok=%v err=%v", ok, err)
	}
	ok, err = store.MarkTriggered(ctx, id, now)
	if err != nil || ok {
		t.Fatalf("second trigger must be a no-op: ok=%v err=%v", ok, err)
	}
	ok, err = store.MarkExpired(ctx, id, now)
	if err != nil || ok {
		t.Fatalf("triggered alert must not expire: ok=%v err=%v", ok, err)
	}

	alerts, err = store.ListActiveAlerts(ctx)
	if err != nil || len(alerts) != 0 {
		t.Fatalf("no alerts should remain active: %d %v", len(alerts), err)
	}
}

func TestSQLiteMalformedRowSurfacesThroughValidate(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	if _, err := store.CreateAlert(ctx, NewAlert{
		UserID: 1, AssetID: "bitcoin", Direction: "sideways", ValueType: alerting.ValuePrice, Value: "abc",
	}); err != nil {
		t.Fatalf("create alert: %v", err)
	}
	alerts, err := store.ListActiveAlerts(ctx)
	if err != nil {
		t.Fatalf("listing must not fail on a bad row: %v", err)
	}
	if len(alerts) != 1 || alerts[0].Validate() == nil {
		t.Fatalf("bad row should be listed and fail validation: %+v", alerts)
	}
}

func TestSQLiteCreatedAtFormats(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	if _, err := store.CreateAlert(ctx, NewAlert{
		UserID: 1, AssetID: "bitcoin", Direction: alerting.DirectionRise, ValueType: alerting.ValuePrice, Value: "70000",
	}); err != nil {
		t.Fatalf("create alert: %v", err)
	}

	const insert = `INSERT INTO notifications (user_id, asset_id, direction, value_type, value, expire_time_hours, created_at)
        VALUES (1, 'ethereum', 'rise', 'price', '4000', 1, %s);`
	for _, created := range []string{"datetime('now')", "'not a time'"} {
		if _, err := store.db.ExecContext(ctx, fmt.Sprintf(insert, created)); err != nil {
			t.Fatalf("insert raw row: %v", err)
		}
	}

	alerts, err := store.ListActiveAlerts(ctx)
	if err != nil {
		t.Fatalf("one bad timestamp must not fail the listing: %v", err)
	}
	if len(alerts) != 3 {
		t.Fatalf("expected every row to be listed, got %d", len(alerts))
	}
	if err := alerts[0].Validate(); err != nil {
		t.Fatalf("alert created through CreateAlert should be valid: %v", err)
	}

	native := alerts[1]
	if err := native.Validate(); err != nil {
		t.Fatalf("sqlite datetime() value should parse: %v", err)
	}
	if native.CreatedAt.IsZero() || native.ExpiresAt == nil || !native.ExpiresAt.Equal(native.CreatedAt.Add(time.Hour)) {
		t.Fatalf("unexpected times %+v", native)
	}

	broken := alerts[2]
	if !errors.Is(broken.Validate(), alerting.ErrMalformedAlert) {
		t.Fatalf("unparseable created_at should fail validation, got %v", broken.Validate())
	}
	if broken.ExpiresAt != nil {
		t.Fatal("no expiry can be derived without a creation time")
	}
}

func TestSQLiteQuietHours(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	q, err := store.QuietHours(ctx, 99)
	if err != nil || q != nil {
		t.Fatalf("unknown user has no window: %v %v", q, err)
	}

	if err := store.SaveUser(ctx, User{ID: 5, QuietStart: "22:00", QuietEnd: "07:00", Timezone: "Europe/Berlin"}); err != nil {
		t.Fatalf("save user: %v", err)
	}
	q, err = store.QuietHours(ctx, 5)
	if err != nil || q == nil {
		t.Fatalf("expected window: %v %v", q, err)
	}
	if q.Location.String() != "Europe/Berlin" || q.Start != 22*time.Hour {
		t.Fatalf("unexpected window %s", q)
	}

	if err := store.SaveUser(ctx, User{ID: 6}); err != nil {
		t.Fatalf("save user: %v", err)
	}
	if q, err := store.QuietHours(ctx, 6); err != nil || q != nil {
		t.Fatalf("user without bounds has no window: %v %v", q, err)
	}
}

func TestOpenNoneDriver(t *testing.T) {
	if _, err := Open(context.Background(), config.DatabaseConfig{Driver: "none"}); err != ErrNotConfigured {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestNilStoreNotConfigured(t *testing.T) {
	var s *Store
	if _, err := s.ListActiveAlerts(context.Background()); err != ErrNotConfigured {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}
