package alerting

import (
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Targets holds the price levels that fire an alert. A nil side is not watched.
type Targets struct {
	Rise *decimal.Decimal
	Fall *decimal.Decimal
}

// ComputeTargets derives the watched levels from the alert definition.
func ComputeTargets(a Alert) (Targets, error) {
	if err := a.Validate(); err != nil {
		return Targets{}, err
	}

	var up, down decimal.Decimal
	switch a.ValueType {
	case ValuePercent:
		delta := a.ReferencePrice.Mul(a.Value).Div(hundred)
		up = a.ReferencePrice.Add(delta)
		down = a.ReferencePrice.Sub(delta)
	case ValueAbsolute:
		up = a.ReferencePrice.Add(a.Value)
		down = a.ReferencePrice.Sub(a.Value)
	case ValuePrice:
		up, down = a.Value, a.Value
	}

	var t Targets
	switch a.Direction {
	case DirectionRise:
		t.Rise = &up
	case DirectionFall:
		t.Fall = &down
	case DirectionBoth:
		if a.ValueType == ValuePrice {
			// a fixed level is approached from one side only
			if a.ReferencePrice.LessThanOrEqual(a.Value) {
				t.Rise = &up
			} else {
				t.Fall = &down
			}
			break
		}
		t.Rise = &up
		t.Fall = &down
	}
	return t, nil
}

// Crossed reports the first watched level that price has reached.
func (t Targets) Crossed(price decimal.Decimal) (decimal.Decimal, Direction, bool) {
	if t.Rise != nil && price.GreaterThanOrEqual(*t.Rise) {
		return *t.Rise, DirectionRise, true
	}
	if t.Fall != nil && price.LessThanOrEqual(*t.Fall) {
		return *t.Fall, DirectionFall, true
	}
	return decimal.Decimal{}, "", false
}

func (t Targets) String() string {
	switch {
	case t.Rise != nil && t.Fall != nil:
		return "≥ " + t.Rise.String() + " or ≤ " + t.Fall.String()
	case t.Rise != nil:
		return "≥ " + t.Rise.String()
	case t.Fall != nil:
		return "≤ " + t.Fall.String()
	default:
		return "none"
	}
}
