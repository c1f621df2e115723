package resolver

import (
	"time"

	"coinwatch/internal/market"
)

// Cutoffs define how old a sample may be before it counts as stale.
type Cutoffs struct {
	Default   time.Duration
	PerSource map[market.SourceKind]time.Duration
}

// For returns the cutoff applied to kind.
func (c Cutoffs) For(kind market.SourceKind) time.Duration {
	if d, ok := c.PerSource[kind]; ok && d > 0 {
		return d
	}
	return c.Default
}

func (c Cutoffs) fresh(s market.PriceSample, now time.Time) bool {
	return s.Age(now) <= c.For(s.Source)
}

// Resolve picks the authoritative price for asset from the cached samples.
//
// Sources are walked in priority order and the first fresh sample wins. When
// none is fresh the most recently observed sample is returned flagged stale,
// ties going to the higher priority source. With no samples at all the result
// is unavailable.
func Resolve(asset market.Asset, samples map[market.SourceKind]market.PriceSample, cutoffs Cutoffs, now time.Time) market.ResolvedPrice {
	ordered := asset.OrderedSources()

	for _, src := range ordered {
		s, ok := samples[src.Kind]
		if !ok {
			continue
		}
		if cutoffs.fresh(s, now) {
			return resolved(asset.ID, s, false)
		}
	}

	var (
		best  market.PriceSample
		found bool
	)
	for _, src := range ordered {
		s, ok := samples[src.Kind]
		if !ok {
			continue
		}
		if !found || s.ObservedAt.After(best.ObservedAt) {
			best = s
			found = true
		}
	}
	if !found {
		return market.Unavailable(asset.ID)
	}
	return resolved(asset.ID, best, true)
}

func resolved(assetID string, s market.PriceSample, stale bool) market.ResolvedPrice {
	return market.ResolvedPrice{
		AssetID:    assetID,
		Price:      s.Price,
		Source:     s.Source,
		ObservedAt: s.ObservedAt,
		Stale:      stale,
		Available:  true,
	}
}
