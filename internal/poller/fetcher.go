package poller

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"coinwatch/internal/market"
	"coinwatch/internal/metrics"
	"coinwatch/internal/resolver"
)

// Cache is the part of the price cache the fetcher reads and writes.
type Cache interface {
	Put(sample market.PriceSample) bool
	Get(assetID string, source market.SourceKind) (market.PriceSample, bool)
}

// Fetcher polls one source for the assets that streaming does not currently cover.
type Fetcher struct {
	source   Source
	registry *market.Registry
	cache    Cache
	cutoffs  resolver.Cutoffs
	metrics  *metrics.Collector
	logger   zerolog.Logger
	now      func() time.Time

	mu          sync.Mutex
	pausedUntil time.Time
}

// NewFetcher constructs a fetcher for source.
func NewFetcher(source Source, registry *market.Registry, cache Cache, cutoffs resolver.Cutoffs, collector *metrics.Collector, logger zerolog.Logger) *Fetcher {
	return &Fetcher{
		source:   source,
		registry: registry,
		cache:    cache,
		cutoffs:  cutoffs,
		metrics:  collector,
		logger:   logger.With().Str("component", "poller").Str("source", string(source.Kind())).Logger(),
		now:      time.Now,
	}
}

// Kind reports the polled source.
func (f *Fetcher) Kind() market.SourceKind { return f.source.Kind() }

// Poll runs one cycle. Its signature matches scheduler.TickFunc.
func (f *Fetcher) Poll(ctx context.Context, bucket time.Time) error {
	kind := f.source.Kind()
	now := f.now().UTC()

	if until, paused := f.paused(now); paused {
		f.metrics.PollCycle(string(kind), "suppressed")
		f.logger.Debug().Time("until", until).Msg("polling suppressed by rate limit")
		return nil
	}

	owners := f.candidates(now)
	if len(owners) == 0 {
		f.metrics.PollCycle(string(kind), "idle")
		return nil
	}
	ids := make([]string, 0, len(owners))
	for _, c := range owners {
		ids = append(ids, c.externalID)
	}
	sort.Strings(ids)

	stored := 0
	for _, batch := range chunk(ids, f.source.MaxBatch()) {
		quotes, err := f.source.FetchPrices(ctx, batch)
		if err != nil {
			var limited *RateLimitError
			if errors.As(err, &limited) {
				f.pause(now.Add(limited.RetryAfter))
				f.metrics.PollCycle(string(kind), "rate_limited")
				f.logger.Warn().Dur("retry_after", limited.RetryAfter).Msg("provider rate limited; skipping polls")
				return nil
			}
			f.metrics.PollCycle(string(kind), "error")
			return fmt.Errorf("poll %s: %w", kind, err)
		}
		stored += f.store(owners, quotes, now)
	}

	f.metrics.PollCycle(string(kind), "ok")
	f.logger.Debug().Time("bucket", bucket).Int("requested", len(ids)).Int("stored", stored).Msg("poll cycle finished")
	return nil
}

// candidates returns, keyed by lower-cased external id, every asset listing
// this source whose primary streaming feed is missing or stale.
func (f *Fetcher) candidates(now time.Time) map[string]candidate {
	kind := f.source.Kind()
	out := make(map[string]candidate)
	for _, asset := range f.registry.Assets() {
		desc, ok := asset.Source(kind)
		if !ok {
			continue
		}
		if primary, streams := asset.PrimaryStreaming(); streams {
			sample, found := f.cache.Get(asset.ID, primary.Kind)
			if found && sample.Age(now) <= f.cutoffs.For(primary.Kind) {
				continue
			}
		}
		out[strings.ToLower(desc.ExternalID)] = candidate{assetID: asset.ID, externalID: desc.ExternalID}
	}
	return out
}

type candidate struct {
	assetID    string
	externalID string
}

func (f *Fetcher) store(owners map[string]candidate, quotes map[string]Quote, now time.Time) int {
	kind := f.source.Kind()
	stored := 0
	for externalID, q := range quotes {
		owner, ok := owners[strings.ToLower(externalID)]
		if !ok {
			f.metrics.SampleSkipped(string(kind), "unknown_symbol")
			continue
		}
		observed := q.ObservedAt
		if observed.IsZero() {
			observed = now
		}
		sample := market.PriceSample{
			AssetID:    owner.assetID,
			Source:     kind,
			Price:      q.Price,
			Volume:     q.Volume,
			Change24h:  q.Change,
			ObservedAt: observed,
			ReceivedAt: now,
		}
		if err := sample.Validate(); err != nil {
			f.metrics.SampleSkipped(string(kind), "invalid")
			f.logger.Debug().Err(err).Str("asset", owner.assetID).Msg("polled sample rejected")
			continue
		}
		if f.cache.Put(sample) {
			f.metrics.SampleStored(string(kind))
			stored++
		} else {
			f.metrics.SampleSkipped(string(kind), "out_of_order")
		}
	}
	return stored
}

func (f *Fetcher) paused(now time.Time) (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pausedUntil, now.Before(f.pausedUntil)
}

func (f *Fetcher) pause(until time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if until.After(f.pausedUntil) {
		f.pausedUntil = until
	}
}
