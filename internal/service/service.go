package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"coinwatch/internal/alerting"
	"coinwatch/internal/delivery"
	"coinwatch/internal/market"
	"coinwatch/internal/metrics"
	"coinwatch/internal/scheduler"
	"coinwatch/internal/storage"
)

const enqueueTimeout = 5 * time.Second

// PriceResolver yields the authoritative price of an asset at an instant.
type PriceResolver interface {
	Resolve(asset market.Asset, now time.Time) market.ResolvedPrice
}

// Enqueuer hands triggered events to delivery.
type Enqueuer interface {
	Enqueue(ctx context.Context, ev delivery.Event) error
}

// HistoryRecorder keeps resolved prices for charts.
type HistoryRecorder interface {
	Record(assetID string, at time.Time, price decimal.Decimal)
}

// Deps are the collaborators of the evaluation loop. History and Metrics may be nil.
type Deps struct {
	Alerts   storage.AlertStore
	Quiet    storage.QuietHoursProvider
	Registry *market.Registry
	Prices   PriceResolver
	Queue    Enqueuer
	History  HistoryRecorder
	Metrics  *metrics.Collector
	LockKey  int64
}

// Service runs the periodic alert evaluation.
type Service struct {
	scheduler *scheduler.Scheduler
	deps      Deps
	locker    storage.AdvisoryLocker
	logger    zerolog.Logger
	now       func() time.Time
}

// New constructs the evaluation service.
func New(sched *scheduler.Scheduler, deps Deps, logger zerolog.Logger) *Service {
	var locker storage.AdvisoryLocker
	if l, ok := deps.Alerts.(storage.AdvisoryLocker); ok {
		locker = l
	}

	return &Service{
		scheduler: sched,
		deps:      deps,
		locker:    locker,
		logger:    logger.With().Str("component", "service").Logger(),
		now:       time.Now,
	}
}

// Run begins the aligned evaluation loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	err := s.scheduler.Run(ctx, s.ProcessTick)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// ProcessTick 执行一次告警评估。
func (s *Service) ProcessTick(ctx context.Context, bucket time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("bucket", bucket).Msg("skip tick because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	started := time.Now()
	defer func() { s.deps.Metrics.ObserveTick(time.Since(started)) }()

	return s.evaluate(ctx, bucket)
}

func (s *Service) evaluate(ctx context.Context, bucket time.Time) error {
	now := s.now().UTC()

	alerts, err := s.deps.Alerts.ListActiveAlerts(ctx)
	if err != nil {
		return fmt.Errorf("list active alerts: %w", err)
	}

	prices := s.resolveAll(now)

	byAsset := make(map[string][]alerting.Alert)
	for _, a := range alerts {
		byAsset[a.AssetID] = append(byAsset[a.AssetID], a)
	}
	assetIDs := make([]string, 0, len(byAsset))
	for id := range byAsset {
		assetIDs = append(assetIDs, id)
	}
	sort.Strings(assetIDs)

	tick := &tickState{now: now, quiet: make(map[int64]*alerting.QuietHours)}
	counts := make(map[string]int)
	for _, assetID := range assetIDs {
		price, ok := prices[assetID]
		if !ok {
			price = market.Unavailable(assetID)
		}
		for _, a := range byAsset[assetID] {
			outcome := s.evaluateAlert(ctx, tick, a, price)
			s.deps.Metrics.Evaluation(outcome)
			counts[outcome]++
		}
	}

	s.logger.Info().
		Time("bucket", bucket).
		Int("alerts", len(alerts)).
		Int("assets", len(assetIDs)).
		Interface("outcomes", counts).
		Msg("evaluation tick finished")
	return nil
}

// resolveAll resolves each registered asset once and records fresh prices for charts.
func (s *Service) resolveAll(now time.Time) map[string]market.ResolvedPrice {
	assets := s.deps.Registry.Assets()
	out := make(map[string]market.ResolvedPrice, len(assets))
	for _, asset := range assets {
		price := s.deps.Prices.Resolve(asset, now)
		out[asset.ID] = price
		if price.Available && !price.Stale && s.deps.History != nil {
			s.deps.History.Record(asset.ID, price.ObservedAt, price.Price)
		}
	}
	return out
}

type tickState struct {
	now   time.Time
	quiet map[int64]*alerting.QuietHours
}

// evaluateAlert applies one decision and returns the outcome label for metrics.
// Failures are contained to the alert.
func (s *Service) evaluateAlert(ctx context.Context, tick *tickState, a alerting.Alert, price market.ResolvedPrice) string {
	log := s.logger.With().Int64("alert_id", a.ID).Int64("user_id", a.UserID).Str("asset", a.AssetID).Logger()

	d, err := alerting.Decide(a, price, nil, tick.now)
	if err != nil {
		log.Warn().Err(err).Msg("alert skipped")
		return "error"
	}

	var quiet *alerting.QuietHours
	if d.Outcome == alerting.OutcomeTrigger {
		quiet, err = s.quietHours(ctx, tick, a.UserID)
		if err != nil {
			log.Warn().Err(err).Msg("quiet hours unavailable; alert held")
			return "error"
		}
		if quiet != nil {
			if d, err = alerting.Decide(a, price, quiet, tick.now); err != nil {
				log.Warn().Err(err).Msg("alert skipped")
				return "error"
			}
		}
	}

	switch d.Outcome {
	case alerting.OutcomeExpire:
		changed, err := s.deps.Alerts.MarkExpired(ctx, a.ID, tick.now)
		if err != nil {
			log.Error().Err(err).Msg("failed to expire alert")
			return "error"
		}
		if changed {
			log.Info().Msg("alert expired")
		}
	case alerting.OutcomeStale:
		log.Debug().Str("source", string(price.Source)).Time("observed_at", price.ObservedAt).Msg("condition met on stale price; holding")
	case alerting.OutcomeDefer:
		log.Debug().Str("quiet", quiet.String()).Msg("condition met during quiet hours; deferring")
	case alerting.OutcomeTrigger:
		return s.fire(ctx, log, tick, a, d, quiet)
	}
	return d.Outcome.String()
}

func (s *Service) fire(ctx context.Context, log zerolog.Logger, tick *tickState, a alerting.Alert, d alerting.Decision, quiet *alerting.QuietHours) string {
	changed, err := s.deps.Alerts.MarkTriggered(ctx, a.ID, tick.now)
	if err != nil {
		log.Error().Err(err).Msg("failed to mark alert triggered")
		return "error"
	}
	if !changed {
		log.Debug().Msg("alert already left the active state")
		return "already_transitioned"
	}

	if asset, ok := s.deps.Registry.Asset(a.AssetID); ok {
		if a.Symbol == "" {
			a.Symbol = asset.Symbol
		}
		if a.Name == "" {
			a.Name = asset.Name
		}
	}
	var loc *time.Location
	if quiet != nil {
		loc = quiet.Location
	}
	ev := delivery.NewEvent(a, d, tick.now, loc)

	// the transition is committed, so delivery must not be lost to tick cancellation
	enqueueCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), enqueueTimeout)
	defer cancel()
	if err := s.deps.Queue.Enqueue(enqueueCtx, ev); err != nil {
		log.Error().Err(err).Str("event_id", ev.ID).Msg("alert triggered but could not be queued for delivery")
		return "trigger"
	}

	log.Info().
		Str("event_id", ev.ID).
		Str("price", d.Price.Price.String()).
		Str("target", d.Target.String()).
		Str("side", string(d.Side)).
		Str("source", string(d.Price.Source)).
		Msg("alert triggered")
	return "trigger"
}

// quietHours caches each user's window for the duration of one tick.
func (s *Service) quietHours(ctx context.Context, tick *tickState, userID int64) (*alerting.QuietHours, error) {
	if q, ok := tick.quiet[userID]; ok {
		return q, nil
	}
	if s.deps.Quiet == nil {
		return nil, nil
	}
	q, err := s.deps.Quiet.QuietHours(ctx, userID)
	if err != nil {
		return nil, err
	}
	tick.quiet[userID] = q
	return q, nil
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.deps.LockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.deps.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
