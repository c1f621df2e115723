package storage

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"coinwatch/internal/alerting"
)

// alertRow mirrors a notifications row before domain conversion.
type alertRow struct {
	ID              int64
	UserID          int64
	AssetID         string
	Symbol          string
	Name            string
	Direction       string
	Trigger         string
	ValueType       string
	Value           string
	ReferencePrice  string
	CreatedAt       time.Time
	ExpireTimeHours *int64
}

// toAlert never fails: rows that cannot be evaluated surface through
// alerting.Alert.Validate so the loop can isolate them per alert.
func (r alertRow) toAlert() alerting.Alert {
	created := r.CreatedAt.UTC()
	var expiresAt *time.Time
	if !created.IsZero() {
		expiresAt = alerting.ExpiresAfter(created, r.ExpireTimeHours)
	}
	return alerting.Alert{
		ID:             r.ID,
		UserID:         r.UserID,
		AssetID:        r.AssetID,
		Symbol:         r.Symbol,
		Name:           r.Name,
		Direction:      alerting.Direction(strings.ToLower(strings.TrimSpace(r.Direction))),
		Trigger:        alerting.Trigger(strings.ToLower(strings.TrimSpace(r.Trigger))),
		ValueType:      alerting.ValueType(strings.ToLower(strings.TrimSpace(r.ValueType))),
		Value:          parseDecimal(r.Value),
		ReferencePrice: parseDecimal(r.ReferencePrice),
		State:          alerting.StateActive,
		CreatedAt:      created,
		ExpiresAt:      expiresAt,
	}
}

func parseDecimal(v string) decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimSpace(v))
	if err != nil {
		return decimal.Zero
	}
	return d
}
