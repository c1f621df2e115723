package stream

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"coinwatch/internal/market"
	"coinwatch/internal/metrics"
)

var errReconnectRequested = errors.New("reconnect requested")

// SampleStore receives decoded samples.
type SampleStore interface {
	Put(sample market.PriceSample) bool
}

// WorkerOptions tune connection management.
type WorkerOptions struct {
	// URL overrides the exchange's default endpoint.
	URL              string
	MinBackoff       time.Duration
	MaxBackoff       time.Duration
	ReadTimeout      time.Duration
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
}

// Worker keeps one exchange connection alive and feeds its ticks into the store.
type Worker struct {
	exchange  Exchange
	registry  *market.Registry
	store     SampleStore
	opts      WorkerOptions
	metrics   *metrics.Collector
	logger    zerolog.Logger
	reconnect chan struct{}
	now       func() time.Time
}

// NewWorker wires an exchange adapter to the registry and store.
func NewWorker(exchange Exchange, registry *market.Registry, store SampleStore, opts WorkerOptions, collector *metrics.Collector, logger zerolog.Logger) *Worker {
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = time.Second
	}
	if opts.MaxBackoff < opts.MinBackoff {
		opts.MaxBackoff = opts.MinBackoff
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.URL == "" {
		opts.URL = exchange.URL()
	}
	return &Worker{
		exchange:  exchange,
		registry:  registry,
		store:     store,
		opts:      opts,
		metrics:   collector,
		logger:    logger.With().Str("component", "stream").Str("exchange", string(exchange.Kind())).Logger(),
		reconnect: make(chan struct{}, 1),
		now:       time.Now,
	}
}

// Reconnect asks the worker to drop its connection and resubscribe. It never blocks.
func (w *Worker) Reconnect() {
	select {
	case w.reconnect <- struct{}{}:
	default:
	}
}

// Run blocks until ctx is cancelled, reconnecting with exponential backoff.
func (w *Worker) Run(ctx context.Context) error {
	kind := string(w.exchange.Kind())
	backoff := w.opts.MinBackoff

	for {
		if ctx.Err() != nil {
			return nil
		}

		// 订阅列表在此处重新读取，之前积压的重连请求已被满足
		select {
		case <-w.reconnect:
		default:
		}

		ids := w.registry.ExternalIDs(w.exchange.Kind())
		if len(ids) == 0 {
			w.logger.Info().Msg("no assets subscribed to this exchange; idling")
			select {
			case <-ctx.Done():
				return nil
			case <-w.reconnect:
				continue
			}
		}

		delivered, err := w.session(ctx, ids)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, errReconnectRequested) {
			w.logger.Info().Msg("asset set changed; resubscribing")
			backoff = w.opts.MinBackoff
			continue
		}
		if delivered {
			backoff = w.opts.MinBackoff
		}

		w.metrics.Reconnect(kind)
		delay := jitter(backoff)
		w.logger.Warn().Err(err).Dur("retry_in", delay).Msg("stream disconnected")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		backoff = min(backoff*2, w.opts.MaxBackoff)
	}
}

// session runs one connection. delivered reports whether any sample was stored.
func (w *Worker) session(ctx context.Context, ids []string) (delivered bool, err error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: w.opts.HandshakeTimeout,
	}
	conn, _, err := dialer.DialContext(ctx, w.opts.URL, nil)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", w.opts.URL, err)
	}
	defer conn.Close()

	for _, frame := range w.exchange.Subscriptions(ids) {
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			return false, fmt.Errorf("subscribe: %w", err)
		}
	}
	w.logger.Info().Int("symbols", len(ids)).Str("url", w.opts.URL).Msg("stream connected")

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var requested atomic.Bool
	go w.supervise(sessionCtx, conn, &requested)

	for {
		if w.opts.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(w.opts.ReadTimeout))
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			switch {
			case requested.Load():
				return delivered, errReconnectRequested
			case sessionCtx.Err() != nil:
				return delivered, nil
			default:
				return delivered, fmt.Errorf("read: %w", err)
			}
		}
		if w.handleFrame(raw) > 0 {
			delivered = true
		}
	}
}

// supervise closes conn on shutdown, on a reconnect request, or when a heartbeat write fails.
// It is the only writer once the session is subscribed.
func (w *Worker) supervise(ctx context.Context, conn *websocket.Conn, requested *atomic.Bool) {
	var beat <-chan time.Time
	hb, ok := w.exchange.(Heartbeater)
	if ok && w.opts.PingInterval > 0 {
		ticker := time.NewTicker(w.opts.PingInterval)
		defer ticker.Stop()
		beat = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close()
			return
		case <-w.reconnect:
			requested.Store(true)
			_ = conn.Close()
			return
		case <-beat:
			messageType, payload := hb.Heartbeat()
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(messageType, payload); err != nil {
				w.logger.Warn().Err(err).Msg("heartbeat failed")
				_ = conn.Close()
				return
			}
		}
	}
}

// handleFrame stores every tick in raw and returns how many were accepted.
// A frame that fails to decode, or panics while decoding, is dropped on its own.
func (w *Worker) handleFrame(raw []byte) (stored int) {
	kind := w.exchange.Kind()
	defer func() {
		if r := recover(); r != nil {
			w.metrics.MalformedFrame(string(kind))
			w.logger.Error().Interface("panic", r).Msg("frame handler panicked")
		}
	}()

	received := w.now().UTC()
	ticks, err := w.exchange.Parse(raw, received)
	if err != nil {
		w.metrics.MalformedFrame(string(kind))
		w.logger.Debug().Err(err).Int("bytes", len(raw)).Msg("malformed frame dropped")
		return 0
	}

	for _, t := range ticks {
		assetID, ok := w.registry.Lookup(kind, t.ExternalID)
		if !ok {
			w.metrics.SampleSkipped(string(kind), "unknown_symbol")
			continue
		}
		observed := t.ObservedAt
		if observed.IsZero() {
			observed = received
		}
		sample := market.PriceSample{
			AssetID:    assetID,
			Source:     kind,
			Price:      t.Price,
			Volume:     t.Volume,
			Change24h:  t.Change,
			ObservedAt: observed,
			ReceivedAt: received,
		}
		if err := sample.Validate(); err != nil {
			w.metrics.SampleSkipped(string(kind), "invalid")
			w.logger.Debug().Err(err).Str("asset", assetID).Msg("sample rejected")
			continue
		}
		if w.store.Put(sample) {
			w.metrics.SampleStored(string(kind))
			stored++
		} else {
			w.metrics.SampleSkipped(string(kind), "out_of_order")
		}
	}
	return stored
}

func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return d/2 + rand.N(d/2+1)
}
