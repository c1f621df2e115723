package alerting

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidTransition is returned when an alert leaves a terminal state.
	ErrInvalidTransition = errors.New("alerting: invalid state transition")
	// ErrMalformedAlert marks alerts that cannot be evaluated.
	ErrMalformedAlert = errors.New("alerting: malformed alert")
)

// State is the alert lifecycle position.
type State string

const (
	StateActive    State = "active"
	StateTriggered State = "triggered"
	StateExpired   State = "expired"
)

// Transition validates moving from s to next. Only active alerts may move.
func (s State) Transition(next State) (State, error) {
	if s != StateActive || (next != StateTriggered && next != StateExpired) {
		return s, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s, next)
	}
	return next, nil
}

// Direction selects which crossing fires the alert.
type Direction string

const (
	DirectionRise Direction = "rise"
	DirectionFall Direction = "fall"
	DirectionBoth Direction = "both"
)

// ValueType selects how Value is interpreted.
type ValueType string

const (
	ValuePercent  ValueType = "percent"
	ValueAbsolute ValueType = "absolute"
	ValuePrice    ValueType = "price"
)

// Trigger is a presentation label carried through to delivery.
type Trigger string

const (
	TriggerStopLoss   Trigger = "stop-loss"
	TriggerTakeProfit Trigger = "take-profit"
)

// Label renders the trigger for humans.
func (t Trigger) Label() string {
	switch t {
	case TriggerStopLoss:
		return "Stop-loss"
	case TriggerTakeProfit:
		return "Take-profit"
	default:
		return "Alert"
	}
}

// ParseDirection accepts the stored direction spelling.
func ParseDirection(v string) (Direction, error) {
	switch d := Direction(strings.ToLower(strings.TrimSpace(v))); d {
	case DirectionRise, DirectionFall, DirectionBoth:
		return d, nil
	}
	return "", fmt.Errorf("%w: direction %q", ErrMalformedAlert, v)
}

// ParseValueType accepts the stored value type spelling.
func ParseValueType(v string) (ValueType, error) {
	switch vt := ValueType(strings.ToLower(strings.TrimSpace(v))); vt {
	case ValuePercent, ValueAbsolute, ValuePrice:
		return vt, nil
	}
	return "", fmt.Errorf("%w: value type %q", ErrMalformedAlert, v)
}

// Alert is a user's price condition on one asset.
type Alert struct {
	ID             int64
	UserID         int64
	AssetID        string
	Symbol         string
	Name           string
	Direction      Direction
	Trigger        Trigger
	ValueType      ValueType
	Value          decimal.Decimal
	ReferencePrice decimal.Decimal
	State          State
	CreatedAt      time.Time
	TriggeredAt    *time.Time
	ExpiresAt      *time.Time
}

// ExpiresAfter derives the expiry instant from the creation time and a lifetime in hours.
func ExpiresAfter(createdAt time.Time, hours *int64) *time.Time {
	if hours == nil || *hours <= 0 {
		return nil
	}
	at := createdAt.UTC().Add(time.Duration(*hours) * time.Hour)
	return &at
}

// Expired reports whether the alert lifetime has elapsed at now.
func (a Alert) Expired(now time.Time) bool {
	return a.ExpiresAt != nil && !now.Before(*a.ExpiresAt)
}

// Validate checks the fields needed to compute a target.
func (a Alert) Validate() error {
	if a.AssetID == "" {
		return fmt.Errorf("%w: alert %d has no asset", ErrMalformedAlert, a.ID)
	}
	if _, err := ParseDirection(string(a.Direction)); err != nil {
		return err
	}
	if _, err := ParseValueType(string(a.ValueType)); err != nil {
		return err
	}
	if !a.Value.IsPositive() {
		return fmt.Errorf("%w: alert %d value must be positive", ErrMalformedAlert, a.ID)
	}
	if a.ValueType != ValuePrice && !a.ReferencePrice.IsPositive() {
		return fmt.Errorf("%w: alert %d needs a positive reference price", ErrMalformedAlert, a.ID)
	}
	if a.CreatedAt.IsZero() {
		return fmt.Errorf("%w: alert %d has no creation time", ErrMalformedAlert, a.ID)
	}
	if a.ExpiresAt != nil && a.ExpiresAt.Before(a.CreatedAt) {
		return fmt.Errorf("%w: alert %d expires before it was created", ErrMalformedAlert, a.ID)
	}
	return nil
}
