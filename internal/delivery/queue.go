package delivery

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"coinwatch/internal/metrics"
)

// ErrQueueClosed is returned by Enqueue after the queue stopped accepting events.
var ErrQueueClosed = errors.New("delivery: queue closed")

// QueueOptions tune the asynchronous delivery queue.
type QueueOptions struct {
	Buffer       int
	Workers      int
	MaxAttempts  int
	RetryDelay   time.Duration
	DrainTimeout time.Duration
}

// Queue decouples the evaluation loop from slow sinks. Failed deliveries are
// retried up to MaxAttempts with a linearly growing delay.
type Queue struct {
	opts    QueueOptions
	sink    Sink
	events  chan Event
	metrics *metrics.Collector
	logger  zerolog.Logger

	// mu guards closed and the close of events; senders hold it shared.
	mu     sync.RWMutex
	closed bool
}

// NewQueue builds a queue that drains into sink.
func NewQueue(sink Sink, opts QueueOptions, collector *metrics.Collector, logger zerolog.Logger) *Queue {
	if opts.Buffer <= 0 {
		opts.Buffer = 64
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 10 * time.Second
	}
	return &Queue{
		opts:    opts,
		sink:    sink,
		events:  make(chan Event, opts.Buffer),
		metrics: collector,
		logger:  logger.With().Str("component", "delivery_queue").Logger(),
	}
}

// Enqueue blocks until ev is buffered, ctx is done, or the queue closes.
// An event accepted with a nil error is always handed to the sink, even
// when it races with shutdown.
func (q *Queue) Enqueue(ctx context.Context, ev Event) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.events <- ev:
		q.metrics.QueueDepth(len(q.events))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len reports buffered events.
func (q *Queue) Len() int {
	return len(q.events)
}

// Run delivers events until ctx is cancelled, then closes the queue and
// drains what is buffered within DrainTimeout.
func (q *Queue) Run(ctx context.Context) error {
	// an event already taken off the buffer finishes even during shutdown
	inflight := context.WithoutCancel(ctx)

	var wg sync.WaitGroup
	for i := 0; i < q.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case ev := <-q.events:
					q.deliver(inflight, ev)
				}
			}
		}()
	}
	wg.Wait()

	drainCtx, cancel := context.WithTimeout(context.Background(), q.opts.DrainTimeout)
	defer cancel()
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		q.drain(drainCtx)
	}()

	// senders blocked on a full buffer are unblocked by drain before the lock is granted
	q.mu.Lock()
	q.closed = true
	close(q.events)
	q.mu.Unlock()

	<-drained
	return nil
}

func (q *Queue) drain(ctx context.Context) {
	delivered, dropped := 0, 0
	for ev := range q.events {
		if ctx.Err() != nil {
			dropped++
			q.metrics.Delivery("failed")
			continue
		}
		q.deliver(ctx, ev)
		delivered++
	}
	if dropped > 0 {
		q.logger.Warn().Int("drained", delivered).Int("dropped", dropped).Msg("drain timeout reached")
		return
	}
	if delivered > 0 {
		q.logger.Info().Int("drained", delivered).Msg("delivery queue drained")
	}
}

func (q *Queue) deliver(ctx context.Context, ev Event) {
	q.metrics.QueueDepth(len(q.events))
	log := q.logger.With().Str("event_id", ev.ID).Int64("alert_id", ev.AlertID).Str("asset", ev.AssetID).Logger()

	var err error
	for attempt := 1; attempt <= q.opts.MaxAttempts; attempt++ {
		if err = q.sink.Deliver(ctx, ev); err == nil {
			q.metrics.Delivery("ok")
			log.Info().Int("attempt", attempt).Msg("alert delivered")
			return
		}
		q.metrics.Delivery("retry")
		log.Warn().Err(err).Int("attempt", attempt).Msg("delivery attempt failed")
		if attempt == q.opts.MaxAttempts {
			break
		}
		timer := time.NewTimer(q.opts.RetryDelay * time.Duration(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			q.metrics.Delivery("failed")
			log.Error().Err(ctx.Err()).Msg("delivery abandoned")
			return
		case <-timer.C:
		}
	}
	q.metrics.Delivery("failed")
	log.Error().Err(err).Msg("delivery failed after retries")
}
