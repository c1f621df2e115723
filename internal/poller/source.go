package poller

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"coinwatch/internal/market"
)

// ErrRateLimited marks a provider refusing requests until a retry-after instant.
var ErrRateLimited = errors.New("poller: rate limited")

// RateLimitError carries the provider's requested pause.
type RateLimitError struct {
	Source     market.SourceKind
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s rate limited, retry after %s", e.Source, e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// Quote is one polled price, keyed by the provider's external id.
type Quote struct {
	Price  decimal.Decimal
	Volume *decimal.Decimal
	Change *decimal.Decimal
	// ObservedAt is zero when the provider does not report it.
	ObservedAt time.Time
}

// Source fetches batches of prices from one HTTP or RPC provider.
type Source interface {
	Kind() market.SourceKind
	MaxBatch() int
	FetchPrices(ctx context.Context, externalIDs []string) (map[string]Quote, error)
}

const defaultRetryAfter = time.Minute

func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return defaultRetryAfter
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := time.Parse(time.RFC1123, v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return defaultRetryAfter
}

func chunk(ids []string, size int) [][]string {
	if size <= 0 {
		size = len(ids)
	}
	var out [][]string
	for start := 0; start < len(ids); start += size {
		end := min(start+size, len(ids))
		out = append(out, ids[start:end])
	}
	return out
}
