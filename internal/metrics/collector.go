package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "coinwatch"

// Collector owns the engine's Prometheus series. All methods are safe on a nil receiver.
type Collector struct {
	registry *prometheus.Registry

	ticksStored     *prometheus.CounterVec
	ticksSkipped    *prometheus.CounterVec
	malformedFrames *prometheus.CounterVec
	reconnects      *prometheus.CounterVec
	pollCycles      *prometheus.CounterVec
	evaluations     *prometheus.CounterVec
	deliveries      *prometheus.CounterVec
	queueDepth      prometheus.Gauge
	cacheEntries    prometheus.Gauge
	tickDuration    prometheus.Histogram
}

// NewCollector registers every series on a private registry.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		ticksStored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_stored_total",
			Help:      "Price samples written to the cache, by source.",
		}, []string{"source"}),
		ticksSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_skipped_total",
			Help:      "Price samples dropped as unknown, invalid or out of order, by source.",
		}, []string{"source", "reason"}),
		malformedFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_malformed_frames_total",
			Help:      "Streaming frames that failed to parse.",
		}, []string{"source"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_reconnects_total",
			Help:      "Streaming connection attempts after a failure.",
		}, []string{"source"}),
		pollCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_cycles_total",
			Help:      "Polling cycles by source and result.",
		}, []string{"source", "result"}),
		evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alert_evaluations_total",
			Help:      "Alert evaluations by outcome.",
		}, []string{"outcome"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Delivery attempts by result.",
		}, []string{"result"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "delivery_queue_depth",
			Help:      "Events waiting in the delivery queue.",
		}),
		cacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_entries",
			Help:      "Entries held by the price cache.",
		}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "evaluation_tick_seconds",
			Help:      "Duration of alert evaluation ticks.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.ticksStored,
		c.ticksSkipped,
		c.malformedFrames,
		c.reconnects,
		c.pollCycles,
		c.evaluations,
		c.deliveries,
		c.queueDepth,
		c.cacheEntries,
		c.tickDuration,
	)
	return c
}

// Registry exposes the underlying registry for the HTTP handler and tests.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func (c *Collector) SampleStored(source string) {
	if c == nil {
		return
	}
	c.ticksStored.WithLabelValues(source).Inc()
}

func (c *Collector) SampleSkipped(source, reason string) {
	if c == nil {
		return
	}
	c.ticksSkipped.WithLabelValues(source, reason).Inc()
}

func (c *Collector) MalformedFrame(source string) {
	if c == nil {
		return
	}
	c.malformedFrames.WithLabelValues(source).Inc()
}

func (c *Collector) Reconnect(source string) {
	if c == nil {
		return
	}
	c.reconnects.WithLabelValues(source).Inc()
}

func (c *Collector) PollCycle(source, result string) {
	if c == nil {
		return
	}
	c.pollCycles.WithLabelValues(source, result).Inc()
}

func (c *Collector) Evaluation(outcome string) {
	if c == nil {
		return
	}
	c.evaluations.WithLabelValues(outcome).Inc()
}

func (c *Collector) Delivery(result string) {
	if c == nil {
		return
	}
	c.deliveries.WithLabelValues(result).Inc()
}

func (c *Collector) QueueDepth(n int) {
	if c == nil {
		return
	}
	c.queueDepth.Set(float64(n))
}

func (c *Collector) CacheEntries(n int) {
	if c == nil {
		return
	}
	c.cacheEntries.Set(float64(n))
}

func (c *Collector) ObserveTick(d time.Duration) {
	if c == nil {
		return
	}
	c.tickDuration.Observe(d.Seconds())
}
