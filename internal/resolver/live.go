package resolver

import (
	"time"

	"github.com/shopspring/decimal"

	"coinwatch/internal/market"
)

// Snapshotter is the read side of the price cache.
type Snapshotter interface {
	Snapshot(assetID string) map[market.SourceKind]market.PriceSample
}

// Live resolves prices against the current cache contents.
type Live struct {
	cache   Snapshotter
	cutoffs Cutoffs
}

// NewLive binds a cache and staleness policy.
func NewLive(cache Snapshotter, cutoffs Cutoffs) *Live {
	return &Live{cache: cache, cutoffs: cutoffs}
}

// Cutoffs exposes the staleness policy in use.
func (l *Live) Cutoffs() Cutoffs {
	return l.cutoffs
}

// Resolve returns the authoritative price for asset at now.
func (l *Live) Resolve(asset market.Asset, now time.Time) market.ResolvedPrice {
	return Resolve(asset, l.cache.Snapshot(asset.ID), l.cutoffs, now)
}

// Describe reports per-source detail for asset at now.
func (l *Live) Describe(asset market.Asset, now time.Time) AssetStatus {
	return Describe(asset, l.cache.Snapshot(asset.ID), l.cutoffs, now)
}

// SourceStatus is one row of the cache inspection view.
type SourceStatus struct {
	Kind       market.SourceKind `json:"source"`
	ExternalID string            `json:"external_id"`
	Priority   int               `json:"priority"`
	Present    bool              `json:"present"`
	Price      *decimal.Decimal  `json:"price,omitempty"`
	ObservedAt *time.Time        `json:"observed_at,omitempty"`
	AgeSeconds float64           `json:"age_seconds,omitempty"`
	Fresh      bool              `json:"fresh"`
}

// ResolvedStatus is the serialisable form of market.ResolvedPrice.
type ResolvedStatus struct {
	Available  bool              `json:"available"`
	Price      *decimal.Decimal  `json:"price,omitempty"`
	Source     market.SourceKind `json:"source,omitempty"`
	ObservedAt *time.Time        `json:"observed_at,omitempty"`
	Stale      bool              `json:"stale"`
}

// AssetStatus is the inspection view for one asset.
type AssetStatus struct {
	AssetID  string         `json:"asset_id"`
	Symbol   string         `json:"symbol"`
	Name     string         `json:"name"`
	Sources  []SourceStatus `json:"sources"`
	Resolved ResolvedStatus `json:"resolved"`
}

// Describe builds the inspection view without side effects.
func Describe(asset market.Asset, samples map[market.SourceKind]market.PriceSample, cutoffs Cutoffs, now time.Time) AssetStatus {
	status := AssetStatus{
		AssetID: asset.ID,
		Symbol:  asset.Symbol,
		Name:    asset.Name,
		Sources: make([]SourceStatus, 0, len(asset.Sources)),
	}
	for _, src := range asset.OrderedSources() {
		row := SourceStatus{Kind: src.Kind, ExternalID: src.ExternalID, Priority: src.Priority}
		if s, ok := samples[src.Kind]; ok {
			price := s.Price
			observed := s.ObservedAt
			row.Present = true
			row.Price = &price
			row.ObservedAt = &observed
			row.AgeSeconds = s.Age(now).Seconds()
			row.Fresh = cutoffs.fresh(s, now)
		}
		status.Sources = append(status.Sources, row)
	}

	rp := Resolve(asset, samples, cutoffs, now)
	if rp.Available {
		price := rp.Price
		observed := rp.ObservedAt
		status.Resolved = ResolvedStatus{
			Available:  true,
			Price:      &price,
			Source:     rp.Source,
			ObservedAt: &observed,
			Stale:      rp.Stale,
		}
	}
	return status
}
