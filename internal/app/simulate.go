package app

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/shopspring/decimal"

	"coinwatch/internal/alerting"
	"coinwatch/internal/delivery"
	"coinwatch/internal/market"
)

// SimulateOptions describe one alert evaluated against a hand-picked price.
type SimulateOptions struct {
	AssetID   string
	Direction string
	ValueType string
	Trigger   string
	Value     decimal.Decimal
	Reference decimal.Decimal
	Price     decimal.Decimal
	Stale     bool
	UserID    int64

	QuietStart string
	QuietEnd   string
	Timezone   string

	// Deliver sends a triggered event through the configured sinks.
	Deliver bool
	Out     io.Writer
}

// SimulateAlert 用给定价格模拟一次告警判定，可选地真实推送。
func (a *App) SimulateAlert(ctx context.Context, opts SimulateOptions) error {
	direction, err := alerting.ParseDirection(opts.Direction)
	if err != nil {
		return err
	}
	valueType, err := alerting.ParseValueType(opts.ValueType)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	alert := alerting.Alert{
		UserID:         opts.UserID,
		AssetID:        opts.AssetID,
		Direction:      direction,
		Trigger:        alerting.Trigger(opts.Trigger),
		ValueType:      valueType,
		Value:          opts.Value,
		ReferencePrice: opts.Reference,
		State:          alerting.StateActive,
		CreatedAt:      now,
	}

	registry := market.NewRegistry(a.Config.MarketAssets(), a.Logger)
	source := market.SourceKind("simulated")
	if asset, ok := registry.Asset(opts.AssetID); ok {
		alert.Symbol = asset.Symbol
		alert.Name = asset.Name
		if primary, ok := asset.PrimaryStreaming(); ok {
			source = primary.Kind
		}
	}

	price := market.ResolvedPrice{
		AssetID:    opts.AssetID,
		Price:      opts.Price,
		Source:     source,
		ObservedAt: now,
		Stale:      opts.Stale,
		Available:  true,
	}

	var quiet *alerting.QuietHours
	if opts.QuietStart != "" || opts.QuietEnd != "" {
		quiet, err = alerting.NewQuietHours(&opts.QuietStart, &opts.QuietEnd, opts.Timezone)
		if err != nil {
			return fmt.Errorf("quiet hours: %w", err)
		}
	}

	if targets, err := alerting.ComputeTargets(alert); err == nil {
		fmt.Fprintf(opts.Out, "targets: %s\n", targets)
	}

	decision, err := alerting.Decide(alert, price, quiet, now)
	if err != nil {
		return err
	}
	fmt.Fprintf(opts.Out, "outcome: %s\n", decision.Outcome)
	if decision.Outcome != alerting.OutcomeTrigger {
		return nil
	}

	var loc *time.Location
	if quiet != nil {
		loc = quiet.Location
	}
	ev := delivery.NewEvent(alert, decision, now, loc)
	fmt.Fprintf(opts.Out, "\n%s\n", delivery.RenderMessage(ev))

	if !opts.Deliver {
		return nil
	}
	sink, closeSink, err := a.newSink(nil)
	if err != nil {
		return err
	}
	defer closeSink()
	if err := sink.Deliver(ctx, ev); err != nil {
		return fmt.Errorf("deliver simulated alert: %w", err)
	}
	a.Logger.Info().Str("event_id", ev.ID).Msg("simulated alert delivered")
	return nil
}
