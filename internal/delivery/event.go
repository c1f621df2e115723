package delivery

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"coinwatch/internal/alerting"
	"coinwatch/internal/market"
)

// Event is a triggered alert handed to the sinks.
type Event struct {
	ID             string             `json:"id"`
	UserID         int64              `json:"user_id"`
	AlertID        int64              `json:"alert_id"`
	AssetID        string             `json:"asset_id"`
	Symbol         string             `json:"symbol"`
	Name           string             `json:"name"`
	Direction      alerting.Direction `json:"direction"`
	Side           alerting.Direction `json:"side"`
	Trigger        alerting.Trigger   `json:"trigger"`
	ValueType      alerting.ValueType `json:"value_type"`
	Value          decimal.Decimal    `json:"value"`
	ReferencePrice decimal.Decimal    `json:"reference_price"`
	Price          decimal.Decimal    `json:"price"`
	Target         decimal.Decimal    `json:"target"`
	Source         market.SourceKind  `json:"source"`
	ObservedAt     time.Time          `json:"observed_at"`
	TriggeredAt    time.Time          `json:"triggered_at"`
	Timezone       string             `json:"timezone,omitempty"`
}

// NewEvent builds the delivery payload for a triggered decision.
func NewEvent(a alerting.Alert, d alerting.Decision, triggeredAt time.Time, tz *time.Location) Event {
	ev := Event{
		ID:             uuid.NewString(),
		UserID:         a.UserID,
		AlertID:        a.ID,
		AssetID:        a.AssetID,
		Symbol:         a.Symbol,
		Name:           a.Name,
		Direction:      a.Direction,
		Side:           d.Side,
		Trigger:        a.Trigger,
		ValueType:      a.ValueType,
		Value:          a.Value,
		ReferencePrice: a.ReferencePrice,
		Price:          d.Price.Price,
		Target:         d.Target,
		Source:         d.Price.Source,
		ObservedAt:     d.Price.ObservedAt.UTC(),
		TriggeredAt:    triggeredAt.UTC(),
	}
	if tz != nil && tz != time.UTC {
		ev.Timezone = tz.String()
	}
	return ev
}

// Location returns the user's zone for presentation, falling back to UTC.
func (e Event) Location() *time.Location {
	if e.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(e.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
