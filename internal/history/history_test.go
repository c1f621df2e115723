package history

import (
	"bytes"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestRecorderBoundsAndOrdering(t *testing.T) {
	r := NewRecorder(3)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		r.Record("btc", base.Add(time.Duration(i)*time.Minute), decimal.NewFromInt(int64(100+i)))
	}
	r.Record("btc", base, decimal.NewFromInt(1))

	pts := r.Points("btc")
	if len(pts) != 3 {
		t.Fatalf("expected 3 points, got %d", len(pts))
	}
	if !pts[0].Price.Equal(decimal.NewFromInt(102)) || !pts[2].Price.Equal(decimal.NewFromInt(104)) {
		t.Fatalf("unexpected window %+v", pts)
	}
}

func TestChartNeedsTwoPoints(t *testing.T) {
	r := NewRecorder(10)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r.Record("btc", base, decimal.NewFromInt(100))
	if _, ok, err := r.Chart("btc", "BTC"); ok || err != nil {
		t.Fatalf("single point should not render: ok=%v err=%v", ok, err)
	}

	r.Record("btc", base.Add(time.Minute), decimal.NewFromInt(105))
	r.Record("btc", base.Add(2*time.Minute), decimal.NewFromInt(103))
	png, ok, err := r.Chart("btc", "BTC")
	if err != nil || !ok {
		t.Fatalf("chart should render: ok=%v err=%v", ok, err)
	}
	if !bytes.HasPrefix(png, []byte("\x89PNG")) {
		t.Fatal("output is not a PNG")
	}
}

func TestRenderFlatSeries(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	pts := []Point{
		{At: base, Price: decimal.NewFromInt(1)},
		{At: base.Add(time.Minute), Price: decimal.NewFromInt(1)},
	}
	if _, err := RenderPNG("flat", pts); err != nil {
		t.Fatalf("flat series should render: %v", err)
	}
}
