package poller

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/coinpaprika/coinpaprika-api-go-client/v2/coinpaprika"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"coinwatch/internal/market"
)

// CoinPaprikaOptions parameterise the CoinPaprika source.
type CoinPaprikaOptions struct {
	APIKey   string
	Timeout  time.Duration
	MaxBatch int
	// HTTPClient replaces the default client; its transport is wrapped for rate-limit detection.
	HTTPClient *http.Client
}

// CoinPaprika polls per-coin tickers through the official client.
type CoinPaprika struct {
	opts      CoinPaprikaOptions
	client    *coinpaprika.Client
	transport *limitTransport
	logger    zerolog.Logger
}

// NewCoinPaprika constructs a CoinPaprika source.
func NewCoinPaprika(opts CoinPaprikaOptions, logger zerolog.Logger) *CoinPaprika {
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = 25
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	httpClient := &http.Client{Timeout: timeout}
	if opts.HTTPClient != nil {
		copied := *opts.HTTPClient
		httpClient = &copied
	}
	base := httpClient.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	transport := &limitTransport{base: base, now: time.Now}
	httpClient.Transport = transport

	var client *coinpaprika.Client
	if opts.APIKey != "" {
		client = coinpaprika.NewClient(httpClient, coinpaprika.WithAPIKey(opts.APIKey))
	} else {
		client = coinpaprika.NewClient(httpClient)
	}

	return &CoinPaprika{
		opts:      opts,
		client:    client,
		transport: transport,
		logger:    logger.With().Str("component", "coinpaprika").Logger(),
	}
}

func (c *CoinPaprika) Kind() market.SourceKind { return market.SourceCoinPaprika }

func (c *CoinPaprika) MaxBatch() int { return c.opts.MaxBatch }

// FetchPrices fetches each ticker in turn. A rate limit aborts the batch; other
// per-coin failures are skipped unless every coin fails.
func (c *CoinPaprika) FetchPrices(ctx context.Context, ids []string) (map[string]Quote, error) {
	quotes := make(map[string]Quote, len(ids))
	var errs []error

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return quotes, err
		}

		ticker, err := c.client.Tickers.GetByID(id, &coinpaprika.TickersOptions{Quotes: "USD"})
		if retryAfter, limited := c.transport.take(); limited {
			return nil, &RateLimitError{Source: c.Kind(), RetryAfter: retryAfter}
		}
		if err != nil {
			c.logger.Warn().Err(err).Str("id", id).Msg("ticker request failed")
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
			continue
		}

		usd, ok := ticker.Quotes["USD"]
		if !ok || usd.Price == nil {
			c.logger.Debug().Str("id", id).Msg("coin has no USD quote")
			continue
		}
		q := Quote{Price: decimal.NewFromFloat(*usd.Price)}
		if usd.Volume24h != nil {
			v := decimal.NewFromFloat(*usd.Volume24h)
			q.Volume = &v
		}
		if usd.PercentChange24h != nil {
			ch := decimal.NewFromFloat(*usd.PercentChange24h)
			q.Change = &ch
		}
		quotes[id] = q
	}

	if len(quotes) == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return quotes, nil
}

// limitTransport remembers the Retry-After of the last 429 so the source can
// surface it even though the client library hides the status code.
type limitTransport struct {
	base       http.RoundTripper
	now        func() time.Time
	retryAfter atomic.Int64
}

func (t *limitTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err == nil && resp.StatusCode == http.StatusTooManyRequests {
		t.retryAfter.Store(int64(parseRetryAfter(resp.Header.Get("Retry-After"), t.now())))
	}
	return resp, err
}

func (t *limitTransport) take() (time.Duration, bool) {
	d := time.Duration(t.retryAfter.Swap(0))
	return d, d > 0
}

var _ Source = (*CoinPaprika)(nil)
