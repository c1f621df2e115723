package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"coinwatch/internal/config"
	"coinwatch/internal/market"
	"coinwatch/internal/resolver"
)

func testApp() *App {
	cfg := &config.Config{
		Assets: []config.AssetConfig{
			{ID: "bitcoin", Symbol: "btc", Name: "Bitcoin", Sources: []config.SourceConfig{
				{Kind: "coingecko", ExternalID: "bitcoin", Priority: 1},
				{Kind: "binance", ExternalID: "BTCUSDT"},
			}},
			{ID: "dogecoin", Symbol: "doge", Name: "Dogecoin", Enabled: new(bool)},
		},
	}
	return NewApp(cfg, "", zerolog.Nop())
}

func TestListAssetsSkipsDisabled(t *testing.T) {
	var out bytes.Buffer
	if err := testApp().ListAssets(&out); err != nil {
		t.Fatalf("list: %v", err)
	}
	got := out.String()
	if !strings.Contains(got, "BTC") || !strings.Contains(got, "binance:BTCUSDT, coingecko:bitcoin") {
		t.Fatalf("unexpected output:\n%s", got)
	}
	if strings.Contains(got, "dogecoin") {
		t.Fatalf("disabled asset listed:\n%s", got)
	}
}

func TestStatusRendersEngineView(t *testing.T) {
	now := time.Now().UTC()
	observed := now.Add(-2 * time.Minute)
	price := decimal.RequireFromString("65000.5")
	statuses := []resolver.AssetStatus{
		{
			AssetID: "bitcoin",
			Symbol:  "BTC",
			Sources: []resolver.SourceStatus{
				{Kind: market.SourceBinance, Present: true, Fresh: true},
				{Kind: market.SourceCoinGecko},
			},
			Resolved: resolver.ResolvedStatus{Available: true, Price: &price, Source: market.SourceBinance, ObservedAt: &observed},
		},
		{AssetID: "ethereum", Symbol: "ETH"},
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/cache" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(statuses)
	}))
	defer srv.Close()

	var out bytes.Buffer
	err := testApp().Status(context.Background(), StatusOptions{Addr: srv.URL, Out: &out})
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	got := out.String()
	for _, want := range []string{"$65,000.50", "2 minutes ago", "fresh", "binance✓ coingecko-", "unavailable"} {
		if !strings.Contains(got, want) {
			t.Fatalf("missing %q in:\n%s", want, got)
		}
	}
}

func TestStatusReportsHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	var out bytes.Buffer
	if err := testApp().Status(context.Background(), StatusOptions{Addr: srv.URL, Out: &out}); err == nil {
		t.Fatal("expected error")
	}
}

func TestSimulateAlertOutcomes(t *testing.T) {
	cases := []struct {
		name  string
		price string
		stale bool
		want  string
	}{
		{name: "below target", price: "109", want: "outcome: not_met"},
		{name: "crossed", price: "111", want: "outcome: trigger"},
		{name: "crossed on stale price", price: "111", stale: true, want: "outcome: stale"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var out bytes.Buffer
			err := testApp().SimulateAlert(context.Background(), SimulateOptions{
				AssetID:   "bitcoin",
				Direction: "rise",
				ValueType: "percent",
				Trigger:   "take-profit",
				Value:     decimal.NewFromInt(10),
				Reference: decimal.NewFromInt(100),
				Price:     decimal.RequireFromString(tc.price),
				Stale:     tc.stale,
				Out:       &out,
			})
			if err != nil {
				t.Fatalf("simulate: %v", err)
			}
			if !strings.Contains(out.String(), tc.want) {
				t.Fatalf("expected %q in:\n%s", tc.want, out.String())
			}
		})
	}
}

func TestSimulateAlertRejectsUnknownDirection(t *testing.T) {
	err := testApp().SimulateAlert(context.Background(), SimulateOptions{
		AssetID:   "bitcoin",
		Direction: "sideways",
		ValueType: "percent",
		Out:       &bytes.Buffer{},
	})
	if err == nil {
		t.Fatal("expected error")
	}
}
