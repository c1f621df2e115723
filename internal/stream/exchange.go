package stream

import (
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"coinwatch/internal/market"
)

// Tick is one price update decoded from an exchange frame.
type Tick struct {
	ExternalID string
	Price      decimal.Decimal
	Volume     *decimal.Decimal
	Change     *decimal.Decimal
	// ObservedAt is zero when the frame carries no exchange timestamp.
	ObservedAt time.Time
}

// Exchange adapts one venue's ticker feed.
type Exchange interface {
	Kind() market.SourceKind
	URL() string
	// Subscriptions returns the frames to send after connecting.
	Subscriptions(externalIDs []string) [][]byte
	// Parse decodes a frame. Control frames yield no ticks and no error.
	Parse(raw []byte, received time.Time) ([]Tick, error)
}

// Heartbeater is implemented by exchanges that expect an application-level ping.
type Heartbeater interface {
	Heartbeat() (messageType int, payload []byte)
}

// New returns the adapter for kind.
func New(kind market.SourceKind) (Exchange, error) {
	switch kind {
	case market.SourceBinance:
		return Binance{}, nil
	case market.SourceOKX:
		return OKX{}, nil
	case market.SourceBybit:
		return Bybit{}, nil
	default:
		return nil, fmt.Errorf("no streaming adapter for %q", kind)
	}
}

func chunk(ids []string, size int) [][]string {
	var out [][]string
	for start := 0; start < len(ids); start += size {
		end := min(start+size, len(ids))
		out = append(out, ids[start:end])
	}
	return out
}

func parseDecimal(v string) (decimal.Decimal, error) {
	if v == "" {
		return decimal.Zero, fmt.Errorf("empty number")
	}
	return decimal.NewFromString(v)
}

func optionalDecimal(v string) *decimal.Decimal {
	if v == "" {
		return nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return nil
	}
	return &d
}

func millis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func millisString(v string) time.Time {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return millis(ms)
}
