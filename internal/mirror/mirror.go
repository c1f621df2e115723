package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"coinwatch/internal/config"
	"coinwatch/internal/market"
)

// Setter is the subset of the Redis client the publisher needs.
type Setter interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// Resolver yields the current price of an asset.
type Resolver interface {
	Resolve(asset market.Asset, now time.Time) market.ResolvedPrice
}

// NewClient connects to Redis and verifies the connection.
func NewClient(ctx context.Context, cfg config.MirrorConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// Payload is the JSON stored under each coin_price key.
type Payload struct {
	ID         string `json:"id"`
	Symbol     string `json:"symbol"`
	Price      string `json:"price"`
	Source     string `json:"source"`
	ObservedAt int64  `json:"observed_at"`
	Stale      bool   `json:"stale"`
}

// Publisher mirrors resolved prices into Redis for read-only consumers.
type Publisher struct {
	client   Setter
	registry *market.Registry
	resolver Resolver
	prefix   string
	ttl      time.Duration
	logger   zerolog.Logger
	now      func() time.Time
}

// NewPublisher constructs a publisher writing prefix+assetID keys.
func NewPublisher(client Setter, registry *market.Registry, resolver Resolver, prefix string, ttl time.Duration, logger zerolog.Logger) *Publisher {
	return &Publisher{
		client:   client,
		registry: registry,
		resolver: resolver,
		prefix:   prefix,
		ttl:      ttl,
		logger:   logger.With().Str("component", "mirror").Logger(),
		now:      time.Now,
	}
}

// Publish writes every available price. Its signature matches scheduler.TickFunc.
func (p *Publisher) Publish(ctx context.Context, _ time.Time) error {
	now := p.now().UTC()
	var errs []error
	written := 0

	for _, asset := range p.registry.Assets() {
		price := p.resolver.Resolve(asset, now)
		if !price.Available {
			continue
		}
		body, err := json.Marshal(Payload{
			ID:         asset.ID,
			Symbol:     asset.Symbol,
			Price:      price.Price.String(),
			Source:     string(price.Source),
			ObservedAt: price.ObservedAt.Unix(),
			Stale:      price.Stale,
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := p.client.Set(ctx, p.prefix+asset.ID, body, p.ttl).Err(); err != nil {
			errs = append(errs, fmt.Errorf("set %s: %w", asset.ID, err))
			continue
		}
		written++
	}

	p.logger.Debug().Int("written", written).Msg("prices mirrored")
	return errors.Join(errs...)
}
