package alerting

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"coinwatch/internal/market"
)

// Outcome is what the evaluation loop should do with an alert this tick.
type Outcome int

const (
	OutcomeNotMet Outcome = iota
	OutcomeExpire
	OutcomeUnavailable
	OutcomeStale
	OutcomeDefer
	OutcomeTrigger
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNotMet:
		return "not_met"
	case OutcomeExpire:
		return "expire"
	case OutcomeUnavailable:
		return "unavailable"
	case OutcomeStale:
		return "stale"
	case OutcomeDefer:
		return "deferred"
	case OutcomeTrigger:
		return "trigger"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Decision is the result of evaluating one alert against one resolved price.
type Decision struct {
	Outcome Outcome
	Target  decimal.Decimal
	Side    Direction
	Price   market.ResolvedPrice
}

// Decide evaluates a against price at now. Expiry is checked before anything
// else, so an expired alert never fires even if its condition holds.
func Decide(a Alert, price market.ResolvedPrice, quiet *QuietHours, now time.Time) (Decision, error) {
	d := Decision{Outcome: OutcomeNotMet, Price: price}

	if a.State != StateActive {
		return d, fmt.Errorf("%w: alert %d is %s", ErrInvalidTransition, a.ID, a.State)
	}
	if a.Expired(now) {
		d.Outcome = OutcomeExpire
		return d, nil
	}

	targets, err := ComputeTargets(a)
	if err != nil {
		return d, err
	}
	if !price.Available {
		d.Outcome = OutcomeUnavailable
		return d, nil
	}

	level, side, met := targets.Crossed(price.Price)
	if !met {
		return d, nil
	}
	d.Target = level
	d.Side = side

	switch {
	case price.Stale:
		d.Outcome = OutcomeStale
	case quiet.Active(now):
		d.Outcome = OutcomeDefer
	default:
		d.Outcome = OutcomeTrigger
	}
	return d, nil
}
