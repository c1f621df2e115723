package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"coinwatch/internal/logging"
	"coinwatch/internal/market"
)

const envPrefix = "COINWATCH"

// Config materialises application configuration.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Logging    logging.Config   `mapstructure:"logging"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Staleness  StalenessConfig  `mapstructure:"staleness"`
	Streaming  StreamingConfig  `mapstructure:"streaming"`
	Polling    PollingConfig    `mapstructure:"polling"`
	Evaluation EvaluationConfig `mapstructure:"evaluation"`
	Delivery   DeliveryConfig   `mapstructure:"delivery"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Mirror     MirrorConfig     `mapstructure:"mirror"`
	Assets     []AssetConfig    `mapstructure:"assets"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig selects and configures the alert store.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	SQLitePath      string        `mapstructure:"sqlite_path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// CacheConfig tunes the in-process price cache.
type CacheConfig struct {
	Shards        int           `mapstructure:"shards"`
	TTL           time.Duration `mapstructure:"ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// StalenessConfig holds freshness cutoffs, optionally per source.
type StalenessConfig struct {
	Default   time.Duration            `mapstructure:"default"`
	PerSource map[string]time.Duration `mapstructure:"per_source"`
}

// StreamingConfig covers the websocket workers.
type StreamingConfig struct {
	Exchanges        []string          `mapstructure:"exchanges"`
	URLs             map[string]string `mapstructure:"urls"`
	MinBackoff       time.Duration     `mapstructure:"min_backoff"`
	MaxBackoff       time.Duration     `mapstructure:"max_backoff"`
	ReadTimeout      time.Duration     `mapstructure:"read_timeout"`
	HandshakeTimeout time.Duration     `mapstructure:"handshake_timeout"`
	PingInterval     time.Duration     `mapstructure:"ping_interval"`
}

// PollingConfig groups the request/response sources.
type PollingConfig struct {
	CoinGecko   CoinGeckoConfig   `mapstructure:"coingecko"`
	CoinPaprika CoinPaprikaConfig `mapstructure:"coinpaprika"`
	Chainlink   ChainlinkConfig   `mapstructure:"chainlink"`
}

// CoinGeckoConfig configures the CoinGecko simple price poller.
type CoinGeckoConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	BaseURL   string        `mapstructure:"base_url"`
	APIKey    string        `mapstructure:"api_key"`
	UserAgent string        `mapstructure:"user_agent"`
	Interval  time.Duration `mapstructure:"interval"`
	Timeout   time.Duration `mapstructure:"timeout"`
	MaxBatch  int           `mapstructure:"max_batch"`
}

// CoinPaprikaConfig configures the CoinPaprika ticker poller.
type CoinPaprikaConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	APIKey   string        `mapstructure:"api_key"`
	Interval time.Duration `mapstructure:"interval"`
	Timeout  time.Duration `mapstructure:"timeout"`
	MaxBatch int           `mapstructure:"max_batch"`
}

// ChainlinkConfig covers on-chain price feeds.
type ChainlinkConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	RPCURL   string        `mapstructure:"rpc_url"`
	Interval time.Duration `mapstructure:"interval"`
	Timeout  time.Duration `mapstructure:"timeout"`
	MaxBatch int           `mapstructure:"max_batch"`
}

// EvaluationConfig governs the alert evaluation cadence.
type EvaluationConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToTick     bool          `mapstructure:"align_to_tick"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	HistorySize     int           `mapstructure:"history_size"`
}

// DeliveryConfig defines the outbound queue and its sinks.
type DeliveryConfig struct {
	Buffer       int            `mapstructure:"buffer"`
	Workers      int            `mapstructure:"workers"`
	MaxAttempts  int            `mapstructure:"max_attempts"`
	RetryDelay   time.Duration  `mapstructure:"retry_delay"`
	DrainTimeout time.Duration  `mapstructure:"drain_timeout"`
	Telegram     TelegramConfig `mapstructure:"telegram"`
	Kafka        KafkaConfig    `mapstructure:"kafka"`
}

// TelegramConfig 描述 Telegram 推送参数。
type TelegramConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	BotToken    string        `mapstructure:"bot_token"`
	APIEndpoint string        `mapstructure:"api_endpoint"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Charts      bool          `mapstructure:"charts"`
}

// KafkaConfig publishes delivery events to a topic.
type KafkaConfig struct {
	Enabled  bool     `mapstructure:"enabled"`
	Brokers  []string `mapstructure:"brokers"`
	Topic    string   `mapstructure:"topic"`
	ClientID string   `mapstructure:"client_id"`
}

// MetricsConfig controls the ops HTTP server.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// MirrorConfig controls publishing resolved prices to Redis.
type MirrorConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	TTL       time.Duration `mapstructure:"ttl"`
	Interval  time.Duration `mapstructure:"interval"`
}

// AssetConfig is one tracked coin.
type AssetConfig struct {
	ID      string         `mapstructure:"id"`
	Symbol  string         `mapstructure:"symbol"`
	Name    string         `mapstructure:"name"`
	Enabled *bool          `mapstructure:"enabled"`
	Sources []SourceConfig `mapstructure:"sources"`
}

// SourceConfig binds an asset to a source identifier.
type SourceConfig struct {
	Kind       string `mapstructure:"kind"`
	ExternalID string `mapstructure:"external_id"`
	Priority   int    `mapstructure:"priority"`
}

// Load builds configuration from .env, file, environment, and defaults.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := newViper(path)
	if err := readConfig(v); err != nil {
		return nil, err
	}
	return decode(v)
}

// Watch re-reads the configuration file on change and hands every valid
// result to onChange. Invalid edits are logged and ignored.
func Watch(path string, logger zerolog.Logger, onChange func(*Config)) error {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			logger.Debug().Msg("no config file to watch")
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := decode(v)
		if err != nil {
			logger.Error().Err(err).Str("file", e.Name).Msg("ignoring invalid config change")
			return
		}
		logger.Info().Str("file", e.Name).Msg("config reloaded")
		onChange(cfg)
	})
	v.WatchConfig()
	return nil
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "coinwatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.sqlite_path", "coinwatch.db")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("cache.shards", 32)
	v.SetDefault("cache.ttl", "10m")
	v.SetDefault("cache.sweep_interval", "1m")

	v.SetDefault("staleness.default", "2m")
	v.SetDefault("staleness.per_source", map[string]string{
		"coingecko":   "10m",
		"coinpaprika": "10m",
		"chainlink":   "2h",
	})

	v.SetDefault("streaming.exchanges", []string{"binance", "okx", "bybit"})
	v.SetDefault("streaming.min_backoff", "1s")
	v.SetDefault("streaming.max_backoff", "1m")
	v.SetDefault("streaming.read_timeout", "90s")
	v.SetDefault("streaming.handshake_timeout", "10s")
	v.SetDefault("streaming.ping_interval", "20s")

	v.SetDefault("polling.coingecko.enabled", true)
	v.SetDefault("polling.coingecko.base_url", "https://api.coingecko.com/api/v3")
	v.SetDefault("polling.coingecko.user_agent", "coinwatch/1.0")
	v.SetDefault("polling.coingecko.interval", "1m")
	v.SetDefault("polling.coingecko.timeout", "10s")
	v.SetDefault("polling.coingecko.max_batch", 250)

	v.SetDefault("polling.coinpaprika.enabled", false)
	v.SetDefault("polling.coinpaprika.interval", "1m")
	v.SetDefault("polling.coinpaprika.timeout", "10s")
	v.SetDefault("polling.coinpaprika.max_batch", 25)

	v.SetDefault("polling.chainlink.enabled", false)
	v.SetDefault("polling.chainlink.interval", "5m")
	v.SetDefault("polling.chainlink.timeout", "10s")
	v.SetDefault("polling.chainlink.max_batch", 20)

	v.SetDefault("evaluation.interval", "1m")
	v.SetDefault("evaluation.align_to_tick", true)
	v.SetDefault("evaluation.startup_delay", "10s")
	v.SetDefault("evaluation.advisory_lock_key", int64(0x636f696e))
	v.SetDefault("evaluation.history_size", 288)

	v.SetDefault("delivery.buffer", 256)
	v.SetDefault("delivery.workers", 2)
	v.SetDefault("delivery.max_attempts", 3)
	v.SetDefault("delivery.retry_delay", "2s")
	v.SetDefault("delivery.drain_timeout", "15s")
	v.SetDefault("delivery.telegram.enabled", false)
	v.SetDefault("delivery.telegram.api_endpoint", "https://api.telegram.org/bot%s/%s")
	v.SetDefault("delivery.telegram.timeout", "10s")
	v.SetDefault("delivery.telegram.charts", true)
	v.SetDefault("delivery.kafka.enabled", false)
	v.SetDefault("delivery.kafka.topic", "price_alerts")
	v.SetDefault("delivery.kafka.client_id", "coinwatch")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.addr", ":9102")

	v.SetDefault("mirror.enabled", false)
	v.SetDefault("mirror.addr", "localhost:6379")
	v.SetDefault("mirror.key_prefix", "coin_price:")
	v.SetDefault("mirror.ttl", "10m")
	v.SetDefault("mirror.interval", "15s")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite", "none":
	default:
		return fmt.Errorf("database.driver must be postgres, sqlite or none, got %q", c.Database.Driver)
	}
	if c.Database.Driver == "sqlite" && c.Database.SQLitePath == "" {
		return fmt.Errorf("database.sqlite_path is required for the sqlite driver")
	}
	if c.Evaluation.Interval <= 0 {
		return fmt.Errorf("evaluation.interval must be greater than zero")
	}
	if c.Staleness.Default <= 0 {
		return fmt.Errorf("staleness.default must be greater than zero")
	}
	for kind, d := range c.Staleness.PerSource {
		if _, err := market.ParseSourceKind(kind); err != nil {
			return fmt.Errorf("staleness.per_source: %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("staleness.per_source.%s must be greater than zero", kind)
		}
	}
	for _, name := range c.Streaming.Exchanges {
		kind, err := market.ParseSourceKind(name)
		if err != nil || !kind.Streaming() {
			return fmt.Errorf("streaming.exchanges: %q is not a streaming source", name)
		}
	}
	if c.Streaming.MinBackoff <= 0 || c.Streaming.MaxBackoff < c.Streaming.MinBackoff {
		return fmt.Errorf("streaming backoff must satisfy 0 < min_backoff <= max_backoff")
	}
	if c.Polling.CoinGecko.Enabled && c.Polling.CoinGecko.Interval <= 0 {
		return fmt.Errorf("polling.coingecko.interval must be greater than zero")
	}
	if c.Polling.CoinPaprika.Enabled && c.Polling.CoinPaprika.Interval <= 0 {
		return fmt.Errorf("polling.coinpaprika.interval must be greater than zero")
	}
	if c.Polling.Chainlink.Enabled {
		if c.Polling.Chainlink.RPCURL == "" {
			return fmt.Errorf("polling.chainlink.rpc_url is required when chainlink is enabled")
		}
		if c.Polling.Chainlink.Interval <= 0 {
			return fmt.Errorf("polling.chainlink.interval must be greater than zero")
		}
	}
	if c.Delivery.Buffer <= 0 || c.Delivery.Workers <= 0 {
		return fmt.Errorf("delivery.buffer and delivery.workers must be greater than zero")
	}
	if c.Delivery.Telegram.Enabled && c.Delivery.Telegram.BotToken == "" {
		return fmt.Errorf("delivery.telegram.bot_token 必须配置")
	}
	if c.Delivery.Kafka.Enabled && (len(c.Delivery.Kafka.Brokers) == 0 || c.Delivery.Kafka.Topic == "") {
		return fmt.Errorf("delivery.kafka requires brokers and topic")
	}
	if c.Mirror.Enabled && c.Mirror.Interval <= 0 {
		return fmt.Errorf("mirror.interval must be greater than zero")
	}
	for i, a := range c.Assets {
		if strings.TrimSpace(a.ID) == "" {
			return fmt.Errorf("assets[%d].id is required", i)
		}
	}
	return nil
}

// MarketAssets converts the configured assets. Source kinds are normalised;
// unknown kinds are left for the registry to reject.
func (c *Config) MarketAssets() []market.Asset {
	out := make([]market.Asset, 0, len(c.Assets))
	for _, a := range c.Assets {
		enabled := a.Enabled == nil || *a.Enabled
		asset := market.Asset{
			ID:      a.ID,
			Symbol:  strings.ToUpper(a.Symbol),
			Name:    a.Name,
			Enabled: enabled,
			Sources: make([]market.SourceDescriptor, 0, len(a.Sources)),
		}
		for _, s := range a.Sources {
			asset.Sources = append(asset.Sources, market.SourceDescriptor{
				Kind:       market.SourceKind(strings.ToLower(strings.TrimSpace(s.Kind))),
				ExternalID: strings.TrimSpace(s.ExternalID),
				Priority:   s.Priority,
			})
		}
		out = append(out, asset)
	}
	return out
}

// CacheTTL is the effective cache retention. It never undercuts a staleness
// cutoff, so a slow source's sample turns stale before it disappears.
func (c *Config) CacheTTL() time.Duration {
	ttl := max(c.Cache.TTL, c.Staleness.Default)
	for _, d := range c.Staleness.PerSource {
		ttl = max(ttl, d)
	}
	return ttl
}

// StalenessCutoffs returns the per-source cutoffs keyed by kind.
func (c *Config) StalenessCutoffs() map[market.SourceKind]time.Duration {
	out := make(map[market.SourceKind]time.Duration, len(c.Staleness.PerSource))
	for k, d := range c.Staleness.PerSource {
		out[market.SourceKind(strings.ToLower(k))] = d
	}
	return out
}
