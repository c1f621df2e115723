package history

import (
	"bytes"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"
)

const defaultSize = 288

// Point is one resolved price observation.
type Point struct {
	At    time.Time
	Price decimal.Decimal
}

// Recorder keeps a bounded, time-ordered series of resolved prices per asset.
type Recorder struct {
	mu     sync.RWMutex
	size   int
	series map[string][]Point
}

// NewRecorder keeps at most size points per asset.
func NewRecorder(size int) *Recorder {
	if size <= 0 {
		size = defaultSize
	}
	return &Recorder{size: size, series: make(map[string][]Point)}
}

// Record appends a point. Points not newer than the last one are ignored.
func (r *Recorder) Record(assetID string, at time.Time, price decimal.Decimal) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pts := r.series[assetID]
	if n := len(pts); n > 0 && !at.After(pts[n-1].At) {
		return
	}
	pts = append(pts, Point{At: at.UTC(), Price: price})
	if len(pts) > r.size {
		pts = append([]Point(nil), pts[len(pts)-r.size:]...)
	}
	r.series[assetID] = pts
}

// Points returns a copy of the series for assetID.
func (r *Recorder) Points(assetID string) []Point {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Point, len(r.series[assetID]))
	copy(out, r.series[assetID])
	return out
}

// Chart renders the asset's series as PNG. ok is false when there is not enough data.
func (r *Recorder) Chart(assetID, title string) ([]byte, bool, error) {
	pts := r.Points(assetID)
	if len(pts) < 2 {
		return nil, false, nil
	}
	png, err := RenderPNG(title, pts)
	if err != nil {
		return nil, false, err
	}
	return png, true, nil
}

// RenderPNG draws a price line chart.
func RenderPNG(title string, points []Point) ([]byte, error) {
	if len(points) < 2 {
		return nil, errors.New("at least two points are required")
	}

	x := make([]time.Time, len(points))
	y := make([]float64, len(points))
	lo, hi := points[0].Price.InexactFloat64(), points[0].Price.InexactFloat64()
	for i, p := range points {
		x[i] = p.At
		y[i] = p.Price.InexactFloat64()
		if y[i] < lo {
			lo = y[i]
		}
		if y[i] > hi {
			hi = y[i]
		}
	}

	yAxis := chart.YAxis{
		Name: "USD",
		ValueFormatter: func(v interface{}) string {
			return chart.FloatValueFormatterWithFormat(v, "%.4g")
		},
	}
	if lo == hi {
		pad := lo * 0.01
		if pad == 0 {
			pad = 1
		}
		yAxis.Range = &chart.ContinuousRange{Min: lo - pad, Max: hi + pad}
	}

	graph := chart.Chart{
		Title:  title,
		Width:  960,
		Height: 480,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: yAxis,
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    title,
				XValues: x,
				YValues: y,
			},
		},
	}

	buf := &bytes.Buffer{}
	if err := graph.Render(chart.PNG, buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
