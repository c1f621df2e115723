package metrics

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestServerEndpoints(t *testing.T) {
	collector := NewCollector()
	collector.SampleStored("binance")
	collector.Evaluation("trigger")

	srv := NewServer(ServerOptions{
		Addr: ":0",
		Status: func() any {
			return []map[string]string{{"asset_id": "bitcoin"}}
		},
	}, collector, zerolog.Nop())

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), `coinwatch_samples_stored_total{source="binance"} 1`) {
		t.Fatalf("metrics output missing sample counter:\n%s", body)
	}

	resp, err = http.Get(ts.URL + "/health")
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("health should be ok: %v", err)
	}
	resp.Body.Close()

	resp, err = http.Get(ts.URL + "/cache")
	if err != nil {
		t.Fatalf("get cache: %v", err)
	}
	defer resp.Body.Close()
	var rows []map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		t.Fatalf("decode cache body: %v", err)
	}
	if len(rows) != 1 || rows[0]["asset_id"] != "bitcoin" {
		t.Fatalf("unexpected cache body %v", rows)
	}
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	c.SampleStored("x")
	c.Reconnect("x")
	c.QueueDepth(3)
	if c.Registry() != nil {
		t.Fatal("nil collector has no registry")
	}
}
