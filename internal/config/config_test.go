package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"coinwatch/internal/market"
)

const sampleYAML = `
database:
  driver: sqlite
  sqlite_path: /tmp/coinwatch-test.db
staleness:
  default: 90s
  per_source:
    coingecko: 15m
streaming:
  exchanges: [binance, okx]
evaluation:
  interval: 30s
assets:
  - id: bitcoin
    symbol: btc
    name: Bitcoin
    sources:
      - kind: Binance
        external_id: BTCUSDT
        priority: 1
      - kind: coingecko
        external_id: bitcoin
        priority: 2
  - id: dogecoin
    symbol: DOGE
    enabled: false
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadFromFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database.Driver != "sqlite" {
		t.Fatalf("driver not read: %q", cfg.Database.Driver)
	}
	if cfg.Evaluation.Interval != 30*time.Second {
		t.Fatalf("interval not decoded: %s", cfg.Evaluation.Interval)
	}
	if cfg.Staleness.Default != 90*time.Second {
		t.Fatalf("staleness default not decoded: %s", cfg.Staleness.Default)
	}
	if got := cfg.StalenessCutoffs()[market.SourceCoinGecko]; got != 15*time.Minute {
		t.Fatalf("per source cutoff not decoded: %s", got)
	}
	if len(cfg.Streaming.Exchanges) != 2 {
		t.Fatalf("exchanges not decoded: %v", cfg.Streaming.Exchanges)
	}
	if cfg.Cache.TTL != 10*time.Minute {
		t.Fatalf("expected 10m default cache ttl, got %s", cfg.Cache.TTL)
	}
	if cfg.Delivery.Buffer != 256 {
		t.Fatalf("defaults should apply, buffer=%d", cfg.Delivery.Buffer)
	}

	assets := cfg.MarketAssets()
	if len(assets) != 2 {
		t.Fatalf("expected two assets, got %d", len(assets))
	}
	btc := assets[0]
	if !btc.Enabled || btc.Symbol != "BTC" || btc.Sources[0].Kind != market.SourceBinance {
		t.Fatalf("bitcoin not normalised: %+v", btc)
	}
	if assets[1].Enabled {
		t.Fatal("dogecoin should be disabled")
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"driver":    "database:\n  driver: mongo\n",
		"exchange":  "database:\n  driver: none\nstreaming:\n  exchanges: [coingecko]\n",
		"backoff":   "database:\n  driver: none\nstreaming:\n  min_backoff: 10s\n  max_backoff: 1s\n",
		"telegram":  "database:\n  driver: none\ndelivery:\n  telegram:\n    enabled: true\n",
		"asset id":  "database:\n  driver: none\nassets:\n  - symbol: BTC\n",
		"chainlink": "database:\n  driver: none\npolling:\n  chainlink:\n    enabled: true\n",
	}
	for name, body := range cases {
		if _, err := Load(writeConfig(t, body)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("COINWATCH_EVALUATION_INTERVAL", "5m")
	cfg, err := Load(writeConfig(t, "database:\n  driver: none\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Evaluation.Interval != 5*time.Minute {
		t.Fatalf("env override ignored: %s", cfg.Evaluation.Interval)
	}
}

func TestCacheTTLCoversStalenessCutoffs(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		want time.Duration
	}{
		{
			name: "configured ttl wins",
			cfg:  Config{Cache: CacheConfig{TTL: 10 * time.Minute}, Staleness: StalenessConfig{Default: 2 * time.Minute}},
			want: 10 * time.Minute,
		},
		{
			name: "slow source extends retention",
			cfg: Config{
				Cache:     CacheConfig{TTL: 10 * time.Minute},
				Staleness: StalenessConfig{Default: 2 * time.Minute, PerSource: map[string]time.Duration{"chainlink": 2 * time.Hour}},
			},
			want: 2 * time.Hour,
		},
		{
			name: "unset ttl falls back to default cutoff",
			cfg:  Config{Staleness: StalenessConfig{Default: 2 * time.Minute}},
			want: 2 * time.Minute,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.cfg.CacheTTL(); got != tc.want {
				t.Fatalf("got %s, want %s", got, tc.want)
			}
		})
	}
}
