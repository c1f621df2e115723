package market

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// SourceKind identifies a price source.
type SourceKind string

const (
	SourceBinance     SourceKind = "binance"
	SourceOKX         SourceKind = "okx"
	SourceBybit       SourceKind = "bybit"
	SourceCoinGecko   SourceKind = "coingecko"
	SourceCoinPaprika SourceKind = "coinpaprika"
	SourceChainlink   SourceKind = "chainlink"
)

var knownKinds = map[SourceKind]bool{
	SourceBinance:     true,
	SourceOKX:         true,
	SourceBybit:       true,
	SourceCoinGecko:   false,
	SourceCoinPaprika: false,
	SourceChainlink:   false,
}

// ParseSourceKind normalises and validates a source identifier.
func ParseSourceKind(v string) (SourceKind, error) {
	kind := SourceKind(strings.ToLower(strings.TrimSpace(v)))
	if _, ok := knownKinds[kind]; !ok {
		return "", fmt.Errorf("unknown source kind %q", v)
	}
	return kind, nil
}

// Streaming reports whether the source pushes prices over a persistent connection.
func (k SourceKind) Streaming() bool {
	return knownKinds[k]
}

// SourceDescriptor binds an asset to one source. Lower Priority wins.
type SourceDescriptor struct {
	Kind       SourceKind
	ExternalID string
	Priority   int
}

// Asset is a tracked coin together with its ordered sources.
type Asset struct {
	ID      string
	Symbol  string
	Name    string
	Enabled bool
	Sources []SourceDescriptor
}

// OrderedSources returns the sources sorted by priority, keeping configuration order on ties.
func (a Asset) OrderedSources() []SourceDescriptor {
	out := make([]SourceDescriptor, len(a.Sources))
	copy(out, a.Sources)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority < out[j].Priority
	})
	return out
}

// PrimaryStreaming returns the highest priority streaming source, if any.
func (a Asset) PrimaryStreaming() (SourceDescriptor, bool) {
	for _, src := range a.OrderedSources() {
		if src.Kind.Streaming() {
			return src, true
		}
	}
	return SourceDescriptor{}, false
}

// Source looks up the descriptor for kind.
func (a Asset) Source(kind SourceKind) (SourceDescriptor, bool) {
	for _, src := range a.Sources {
		if src.Kind == kind {
			return src, true
		}
	}
	return SourceDescriptor{}, false
}

// Validate checks identity fields and source uniqueness.
func (a Asset) Validate() error {
	if strings.TrimSpace(a.ID) == "" {
		return errors.New("asset id is required")
	}
	seen := make(map[SourceKind]bool, len(a.Sources))
	for _, src := range a.Sources {
		if _, ok := knownKinds[src.Kind]; !ok {
			return fmt.Errorf("asset %s: unknown source kind %q", a.ID, src.Kind)
		}
		if strings.TrimSpace(src.ExternalID) == "" {
			return fmt.Errorf("asset %s: source %s has empty external id", a.ID, src.Kind)
		}
		if seen[src.Kind] {
			return fmt.Errorf("asset %s: duplicate source %s", a.ID, src.Kind)
		}
		seen[src.Kind] = true
	}
	return nil
}

// PriceSample is one observation from one source.
type PriceSample struct {
	AssetID    string
	Source     SourceKind
	Price      decimal.Decimal
	Volume     *decimal.Decimal
	Change24h  *decimal.Decimal
	ObservedAt time.Time
	ReceivedAt time.Time
}

// Validate rejects samples that must never reach the cache.
func (s PriceSample) Validate() error {
	if s.AssetID == "" {
		return errors.New("sample without asset id")
	}
	if s.Source == "" {
		return errors.New("sample without source")
	}
	if !s.Price.IsPositive() {
		return fmt.Errorf("non-positive price %s", s.Price.String())
	}
	if s.Volume != nil && s.Volume.IsNegative() {
		return fmt.Errorf("negative volume %s", s.Volume.String())
	}
	if s.ObservedAt.IsZero() {
		return errors.New("sample without observation time")
	}
	return nil
}

// Age is the time elapsed since the sample was observed.
func (s PriceSample) Age(now time.Time) time.Duration {
	return now.Sub(s.ObservedAt)
}

// ResolvedPrice is the authoritative price chosen for an asset at one instant.
type ResolvedPrice struct {
	AssetID    string
	Price      decimal.Decimal
	Source     SourceKind
	ObservedAt time.Time
	Stale      bool
	Available  bool
}

// Unavailable builds a ResolvedPrice carrying no data.
func Unavailable(assetID string) ResolvedPrice {
	return ResolvedPrice{AssetID: assetID}
}
