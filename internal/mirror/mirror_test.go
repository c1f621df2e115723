package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"coinwatch/internal/market"
)

type recordedSet struct {
	key   string
	value []byte
	ttl   time.Duration
}

type fakeRedis struct {
	sets []recordedSet
	err  error
}

func (f *fakeRedis) Set(_ context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	if f.err != nil {
		return redis.NewStatusResult("", f.err)
	}
	f.sets = append(f.sets, recordedSet{key: key, value: value.([]byte), ttl: expiration})
	return redis.NewStatusResult("OK", nil)
}

type fixedResolver map[string]market.ResolvedPrice

func (f fixedResolver) Resolve(asset market.Asset, _ time.Time) market.ResolvedPrice {
	if p, ok := f[asset.ID]; ok {
		return p
	}
	return market.Unavailable(asset.ID)
}

func testRegistry() *market.Registry {
	return market.NewRegistry([]market.Asset{
		{ID: "bitcoin", Symbol: "BTC", Enabled: true, Sources: []market.SourceDescriptor{{Kind: market.SourceBinance, ExternalID: "BTCUSDT"}}},
		{ID: "ethereum", Symbol: "ETH", Enabled: true, Sources: []market.SourceDescriptor{{Kind: market.SourceBinance, ExternalID: "ETHUSDT"}}},
	}, zerolog.Nop())
}

func TestPublishWritesAvailablePrices(t *testing.T) {
	observed := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	client := &fakeRedis{}
	resolver := fixedResolver{
		"bitcoin": {AssetID: "bitcoin", Price: decimal.RequireFromString("65000.5"), Source: market.SourceBinance, ObservedAt: observed, Available: true, Stale: true},
	}

	pub := NewPublisher(client, testRegistry(), resolver, "coin_price:", 10*time.Minute, zerolog.Nop())
	if err := pub.Publish(context.Background(), observed); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if len(client.sets) != 1 {
		t.Fatalf("unavailable assets must be skipped, got %d writes", len(client.sets))
	}
	set := client.sets[0]
	if set.key != "coin_price:bitcoin" || set.ttl != 10*time.Minute {
		t.Fatalf("unexpected key/ttl %s %s", set.key, set.ttl)
	}
	var payload Payload
	if err := json.Unmarshal(set.value, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Price != "65000.5" || payload.Symbol != "BTC" || !payload.Stale || payload.ObservedAt != observed.Unix() {
		t.Fatalf("unexpected payload %+v", payload)
	}
}

func TestPublishReportsFailures(t *testing.T) {
	client := &fakeRedis{err: errors.New("connection refused")}
	resolver := fixedResolver{
		"bitcoin": {AssetID: "bitcoin", Price: decimal.NewFromInt(1), Source: market.SourceBinance, Available: true},
	}
	pub := NewPublisher(client, testRegistry(), resolver, "coin_price:", time.Minute, zerolog.Nop())
	if err := pub.Publish(context.Background(), time.Now()); err == nil {
		t.Fatal("redis failure should surface")
	}
}
