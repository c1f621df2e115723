package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"coinwatch/internal/config"
	"coinwatch/internal/delivery"
	"coinwatch/internal/history"
	"coinwatch/internal/market"
	"coinwatch/internal/metrics"
	"coinwatch/internal/mirror"
	"coinwatch/internal/poller"
	"coinwatch/internal/pricecache"
	"coinwatch/internal/resolver"
	"coinwatch/internal/scheduler"
	"coinwatch/internal/service"
	"coinwatch/internal/storage"
	"coinwatch/internal/stream"
	"coinwatch/internal/version"
)

const gaugeInterval = 15 * time.Second

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config     *config.Config
	ConfigPath string
	Logger     zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, configPath string, logger zerolog.Logger) *App {
	return &App{Config: cfg, ConfigPath: configPath, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) cutoffs() resolver.Cutoffs {
	return resolver.Cutoffs{
		Default:   a.Config.Staleness.Default,
		PerSource: a.Config.StalenessCutoffs(),
	}
}

func (a *App) newStreamWorkers(registry *market.Registry, cache *pricecache.Cache, collector *metrics.Collector) ([]*stream.Worker, error) {
	cfg := a.Config.Streaming
	var workers []*stream.Worker
	for _, name := range cfg.Exchanges {
		kind, err := market.ParseSourceKind(name)
		if err != nil {
			return nil, err
		}
		exchange, err := stream.New(kind)
		if err != nil {
			return nil, err
		}
		workers = append(workers, stream.NewWorker(exchange, registry, cache, stream.WorkerOptions{
			URL:              cfg.URLs[string(kind)],
			MinBackoff:       cfg.MinBackoff,
			MaxBackoff:       cfg.MaxBackoff,
			ReadTimeout:      cfg.ReadTimeout,
			HandshakeTimeout: cfg.HandshakeTimeout,
			PingInterval:     cfg.PingInterval,
		}, collector, a.Logger))
	}
	return workers, nil
}

type pollJob struct {
	fetcher  *poller.Fetcher
	interval time.Duration
}

func (a *App) newPollers(registry *market.Registry, cache *pricecache.Cache, collector *metrics.Collector) []pollJob {
	cfg := a.Config.Polling
	var jobs []pollJob
	add := func(src poller.Source, interval time.Duration) {
		jobs = append(jobs, pollJob{
			fetcher:  poller.NewFetcher(src, registry, cache, a.cutoffs(), collector, a.Logger),
			interval: interval,
		})
	}

	if cfg.CoinGecko.Enabled {
		add(poller.NewCoinGecko(poller.CoinGeckoOptions{
			BaseURL:   cfg.CoinGecko.BaseURL,
			APIKey:    cfg.CoinGecko.APIKey,
			UserAgent: cfg.CoinGecko.UserAgent,
			Timeout:   cfg.CoinGecko.Timeout,
			MaxBatch:  cfg.CoinGecko.MaxBatch,
		}, a.Logger), cfg.CoinGecko.Interval)
	}
	if cfg.CoinPaprika.Enabled {
		add(poller.NewCoinPaprika(poller.CoinPaprikaOptions{
			APIKey:   cfg.CoinPaprika.APIKey,
			Timeout:  cfg.CoinPaprika.Timeout,
			MaxBatch: cfg.CoinPaprika.MaxBatch,
		}, a.Logger), cfg.CoinPaprika.Interval)
	}
	if cfg.Chainlink.Enabled {
		add(poller.NewChainlink(poller.ChainlinkOptions{
			RPCURL:   cfg.Chainlink.RPCURL,
			Timeout:  cfg.Chainlink.Timeout,
			MaxBatch: cfg.Chainlink.MaxBatch,
		}, a.Logger), cfg.Chainlink.Interval)
	}
	return jobs
}

// newSink builds the configured sinks. With none configured, events are only logged.
func (a *App) newSink(charts delivery.ChartSource) (delivery.Sink, func(), error) {
	cfg := a.Config.Delivery
	var sinks delivery.MultiSink
	var closers []func() error

	if cfg.Telegram.Enabled {
		opts := delivery.TelegramOptions{
			Token:       cfg.Telegram.BotToken,
			APIEndpoint: cfg.Telegram.APIEndpoint,
			Timeout:     cfg.Telegram.Timeout,
		}
		if cfg.Telegram.Charts && charts != nil {
			opts.Charts = charts
		}
		tg, err := delivery.NewTelegramSink(opts, a.Logger)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, tg)
	}
	if cfg.Kafka.Enabled {
		k, err := delivery.NewKafkaSink(delivery.KafkaOptions{
			Brokers:  cfg.Kafka.Brokers,
			Topic:    cfg.Kafka.Topic,
			ClientID: cfg.Kafka.ClientID,
		}, a.Logger)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, k)
		closers = append(closers, k.Close)
	}
	if len(sinks) == 0 {
		a.Logger.Warn().Msg("no delivery sink configured; triggered alerts are only logged")
		logger := a.Logger
		sinks = append(sinks, delivery.LogSink{Log: func(ev delivery.Event) {
			logger.Info().
				Str("event_id", ev.ID).
				Int64("alert_id", ev.AlertID).
				Int64("user_id", ev.UserID).
				Str("asset", ev.AssetID).
				Str("price", ev.Price.String()).
				Msg("alert event")
		}})
	}

	closeAll := func() {
		for _, c := range closers {
			if err := c(); err != nil {
				a.Logger.Warn().Err(err).Msg("close sink")
			}
		}
	}
	return sinks, closeAll, nil
}

// Run executes the long-running price and alert engine.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg := a.Config
	collector := metrics.NewCollector()
	registry := market.NewRegistry(cfg.MarketAssets(), a.Logger)
	cache := pricecache.New(pricecache.Options{
		Shards:        cfg.Cache.Shards,
		TTL:           cfg.CacheTTL(),
		SweepInterval: cfg.Cache.SweepInterval,
	}, a.Logger)
	live := resolver.NewLive(cache, a.cutoffs())
	recorder := history.NewRecorder(cfg.Evaluation.HistorySize)

	workers, err := a.newStreamWorkers(registry, cache, collector)
	if err != nil {
		return err
	}
	registry.OnChange(func() {
		for _, w := range workers {
			w.Reconnect()
		}
	})

	sink, closeSink, err := a.newSink(recorder)
	if err != nil {
		return err
	}
	defer closeSink()

	queue := delivery.NewQueue(sink, delivery.QueueOptions{
		Buffer:       cfg.Delivery.Buffer,
		Workers:      cfg.Delivery.Workers,
		MaxAttempts:  cfg.Delivery.MaxAttempts,
		RetryDelay:   cfg.Delivery.RetryDelay,
		DrainTimeout: cfg.Delivery.DrainTimeout,
	}, collector, a.Logger)

	backend, err := storage.Open(ctx, cfg.Database)
	switch {
	case errors.Is(err, storage.ErrNotConfigured):
		a.Logger.Warn().Msg("database driver is none; alert evaluation disabled, prices only")
	case err != nil:
		return err
	default:
		defer backend.Close()
	}

	var publisher *mirror.Publisher
	if cfg.Mirror.Enabled {
		client, err := mirror.NewClient(ctx, cfg.Mirror)
		if err != nil {
			return err
		}
		defer client.Close()
		publisher = mirror.NewPublisher(client, registry, live, cfg.Mirror.KeyPrefix, cfg.Mirror.TTL, a.Logger)
	}

	// 投递队列最后关闭：等评估 tick 全部结束后再排空，避免已标记触发的告警丢失
	queueCtx, stopQueue := context.WithCancel(context.WithoutCancel(ctx))
	defer stopQueue()
	queueDone := make(chan error, 1)
	go func() { queueDone <- queue.Run(queueCtx) }()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return cache.Run(gctx) })

	for _, w := range workers {
		g.Go(func() error { return w.Run(gctx) })
	}
	for _, job := range a.newPollers(registry, cache, collector) {
		sched := scheduler.New(scheduler.Options{
			Name:      "poll-" + string(job.fetcher.Kind()),
			Interval:  job.interval,
			Immediate: true,
		}, a.Logger)
		g.Go(func() error { return ignoreCanceled(sched.Run(gctx, job.fetcher.Poll)) })
	}

	if backend != nil {
		sched := scheduler.New(scheduler.Options{
			Name:         "evaluate",
			Interval:     cfg.Evaluation.Interval,
			AlignToStart: cfg.Evaluation.AlignToTick,
			StartupDelay: cfg.Evaluation.StartupDelay,
		}, a.Logger)
		svc := service.New(sched, service.Deps{
			Alerts:   backend,
			Quiet:    backend,
			Registry: registry,
			Prices:   live,
			Queue:    queue,
			History:  recorder,
			Metrics:  collector,
			LockKey:  cfg.Evaluation.AdvisoryLockKey,
		}, a.Logger)
		g.Go(func() error { return svc.Run(gctx) })
	}

	if publisher != nil {
		sched := scheduler.New(scheduler.Options{Name: "mirror", Interval: cfg.Mirror.Interval}, a.Logger)
		g.Go(func() error { return ignoreCanceled(sched.Run(gctx, publisher.Publish)) })
	}

	if cfg.Metrics.Enabled {
		srv := metrics.NewServer(metrics.ServerOptions{
			Addr: cfg.Metrics.Addr,
			Status: func() any {
				now := time.Now().UTC()
				assets := registry.Assets()
				out := make([]resolver.AssetStatus, 0, len(assets))
				for _, asset := range assets {
					out = append(out, live.Describe(asset, now))
				}
				return out
			},
		}, collector, a.Logger)
		g.Go(func() error { return srv.Run(gctx) })

		gauges := scheduler.New(scheduler.Options{Name: "gauges", Interval: gaugeInterval, Immediate: true}, a.Logger)
		g.Go(func() error {
			return ignoreCanceled(gauges.Run(gctx, func(context.Context, time.Time) error {
				collector.CacheEntries(cache.Len())
				collector.QueueDepth(queue.Len())
				return nil
			}))
		})
	}

	// 只热更新资产列表，其余配置需要重启生效
	err = config.Watch(a.ConfigPath, a.Logger, func(next *config.Config) {
		n := registry.Replace(next.MarketAssets())
		a.Logger.Info().Int("assets", n).Msg("asset registry reloaded")
	})
	if err != nil {
		a.Logger.Warn().Err(err).Msg("config hot reload unavailable")
	}

	a.Logger.Info().
		Int("assets", len(registry.Assets())).
		Int("exchanges", len(workers)).
		Bool("evaluation", backend != nil).
		Str("version", version.Version).
		Msg("starting coinwatch")

	waitErr := g.Wait()
	stopQueue()
	if err := <-queueDone; err != nil {
		a.Logger.Error().Err(err).Msg("delivery queue stopped with error")
	}
	if waitErr != nil {
		a.Logger.Error().Err(waitErr).Msg("engine terminated with error")
		return fmt.Errorf("engine: %w", waitErr)
	}

	a.Logger.Info().Msg("coinwatch stopped")
	return nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
