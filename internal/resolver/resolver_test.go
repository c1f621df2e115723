package resolver

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"coinwatch/internal/market"
)

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func testAsset() market.Asset {
	return market.Asset{
		ID:      "bitcoin",
		Symbol:  "BTC",
		Enabled: true,
		Sources: []market.SourceDescriptor{
			{Kind: market.SourceCoinGecko, ExternalID: "bitcoin", Priority: 3},
			{Kind: market.SourceBinance, ExternalID: "BTCUSDT", Priority: 1},
			{Kind: market.SourceOKX, ExternalID: "BTC-USDT", Priority: 2},
		},
	}
}

func at(kind market.SourceKind, price int64, age time.Duration) market.PriceSample {
	return market.PriceSample{
		AssetID:    "bitcoin",
		Source:     kind,
		Price:      decimal.NewFromInt(price),
		ObservedAt: now.Add(-age),
	}
}

func cutoffs() Cutoffs {
	return Cutoffs{
		Default: time.Minute,
		PerSource: map[market.SourceKind]time.Duration{
			market.SourceCoinGecko: 10 * time.Minute,
		},
	}
}

func TestResolvePrefersHighestPriorityFresh(t *testing.T) {
	samples := map[market.SourceKind]market.PriceSample{
		market.SourceBinance:   at(market.SourceBinance, 100, 10*time.Second),
		market.SourceOKX:       at(market.SourceOKX, 101, time.Second),
		market.SourceCoinGecko: at(market.SourceCoinGecko, 102, time.Second),
	}
	got := Resolve(testAsset(), samples, cutoffs(), now)
	if !got.Available || got.Stale || got.Source != market.SourceBinance {
		t.Fatalf("expected fresh binance, got %+v", got)
	}
}

func TestResolveSkipsStaleHigherPriority(t *testing.T) {
	samples := map[market.SourceKind]market.PriceSample{
		market.SourceBinance:   at(market.SourceBinance, 100, 5*time.Minute),
		market.SourceCoinGecko: at(market.SourceCoinGecko, 102, 2*time.Minute),
	}
	got := Resolve(testAsset(), samples, cutoffs(), now)
	if got.Source != market.SourceCoinGecko || got.Stale {
		t.Fatalf("expected fresh coingecko fallback, got %+v", got)
	}
}

func TestResolveStaleFallbackPicksFreshest(t *testing.T) {
	// listed on a CEX but not trading, DEX price also old
	samples := map[market.SourceKind]market.PriceSample{
		market.SourceBinance:   at(market.SourceBinance, 100, time.Hour),
		market.SourceCoinGecko: at(market.SourceCoinGecko, 102, 20*time.Minute),
	}
	got := Resolve(testAsset(), samples, cutoffs(), now)
	if !got.Available || !got.Stale {
		t.Fatalf("expected stale result, got %+v", got)
	}
	if got.Source != market.SourceCoinGecko || !got.Price.Equal(decimal.NewFromInt(102)) {
		t.Fatalf("expected freshest stale sample from coingecko, got %+v", got)
	}
}

func TestResolveStaleTieGoesToPriority(t *testing.T) {
	samples := map[market.SourceKind]market.PriceSample{
		market.SourceOKX:     at(market.SourceOKX, 101, time.Hour),
		market.SourceBinance: at(market.SourceBinance, 100, time.Hour),
	}
	for i := 0; i < 20; i++ {
		got := Resolve(testAsset(), samples, cutoffs(), now)
		if got.Source != market.SourceBinance {
			t.Fatalf("iteration %d: expected binance on tie, got %s", i, got.Source)
		}
	}
}

func TestResolveUnavailable(t *testing.T) {
	got := Resolve(testAsset(), nil, cutoffs(), now)
	if got.Available {
		t.Fatalf("expected unavailable, got %+v", got)
	}
	unlisted := map[market.SourceKind]market.PriceSample{
		market.SourceBybit: at(market.SourceBybit, 100, 0),
	}
	if Resolve(testAsset(), unlisted, cutoffs(), now).Available {
		t.Fatal("samples from unlisted sources must be ignored")
	}
}

func TestDescribeReportsEverySource(t *testing.T) {
	samples := map[market.SourceKind]market.PriceSample{
		market.SourceBinance: at(market.SourceBinance, 100, 2*time.Minute),
		market.SourceOKX:     at(market.SourceOKX, 101, 5*time.Second),
	}
	status := Describe(testAsset(), samples, cutoffs(), now)
	if len(status.Sources) != 3 {
		t.Fatalf("expected three rows, got %d", len(status.Sources))
	}
	if status.Sources[0].Kind != market.SourceBinance || status.Sources[0].Fresh {
		t.Fatalf("binance row should be first and stale: %+v", status.Sources[0])
	}
	if status.Sources[2].Present {
		t.Fatal("coingecko row should be absent")
	}
	if status.Resolved.Source != market.SourceOKX || status.Resolved.Stale {
		t.Fatalf("resolved should be fresh okx: %+v", status.Resolved)
	}
}
