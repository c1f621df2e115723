package pricecache

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"coinwatch/internal/market"
)

const (
	defaultShards        = 32
	defaultTTL           = 24 * time.Hour
	defaultSweepInterval = time.Minute
)

// Options tune cache behaviour.
type Options struct {
	Shards        int
	TTL           time.Duration
	SweepInterval time.Duration
	Now           func() time.Time
}

type key struct {
	asset  string
	source market.SourceKind
}

type entry struct {
	sample   market.PriceSample
	storedAt time.Time
}

type shard struct {
	mu      sync.RWMutex
	entries map[key]entry
}

// Cache keeps the latest sample per (asset, source). A write lands only when
// it was observed strictly after the sample already held for that key.
type Cache struct {
	shards []*shard
	ttl    time.Duration
	sweep  time.Duration
	now    func() time.Time
	logger zerolog.Logger
}

// New constructs an empty cache.
func New(opts Options, logger zerolog.Logger) *Cache {
	n := opts.Shards
	if n <= 0 {
		n = defaultShards
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	sweep := opts.SweepInterval
	if sweep <= 0 {
		sweep = defaultSweepInterval
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	c := &Cache{
		shards: make([]*shard, n),
		ttl:    ttl,
		sweep:  sweep,
		now:    now,
		logger: logger.With().Str("component", "price_cache").Logger(),
	}
	for i := range c.shards {
		c.shards[i] = &shard{entries: make(map[key]entry)}
	}
	return c
}

func (c *Cache) shardFor(assetID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(assetID))
	return c.shards[h.Sum32()%uint32(len(c.shards))]
}

func (c *Cache) expired(e entry, now time.Time) bool {
	return now.Sub(e.storedAt) >= c.ttl
}

// Put stores sample if it is newer than the held one. It reports whether the write landed.
func (c *Cache) Put(sample market.PriceSample) bool {
	k := key{asset: sample.AssetID, source: sample.Source}
	s := c.shardFor(sample.AssetID)
	now := c.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.entries[k]; ok && !c.expired(cur, now) {
		if !sample.ObservedAt.After(cur.sample.ObservedAt) {
			return false
		}
	}
	s.entries[k] = entry{sample: sample, storedAt: now}
	return true
}

// Get returns the live sample for (asset, source).
func (c *Cache) Get(assetID string, source market.SourceKind) (market.PriceSample, bool) {
	s := c.shardFor(assetID)
	now := c.now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[key{asset: assetID, source: source}]
	if !ok || c.expired(e, now) {
		return market.PriceSample{}, false
	}
	return e.sample, true
}

// Snapshot returns every live sample held for the asset, keyed by source.
func (c *Cache) Snapshot(assetID string) map[market.SourceKind]market.PriceSample {
	s := c.shardFor(assetID)
	now := c.now()
	out := make(map[market.SourceKind]market.PriceSample)

	s.mu.RLock()
	defer s.mu.RUnlock()

	for k, e := range s.entries {
		if k.asset != assetID || c.expired(e, now) {
			continue
		}
		out[k.source] = e.sample
	}
	return out
}

// Assets lists asset ids with at least one live sample.
func (c *Cache) Assets() []string {
	now := c.now()
	seen := make(map[string]struct{})
	for _, s := range c.shards {
		s.mu.RLock()
		for k, e := range s.entries {
			if !c.expired(e, now) {
				seen[k.asset] = struct{}{}
			}
		}
		s.mu.RUnlock()
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Len counts stored entries, expired ones included until the next sweep.
func (c *Cache) Len() int {
	total := 0
	for _, s := range c.shards {
		s.mu.RLock()
		total += len(s.entries)
		s.mu.RUnlock()
	}
	return total
}

// Sweep drops expired entries and returns how many were removed.
func (c *Cache) Sweep() int {
	now := c.now()
	removed := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for k, e := range s.entries {
			if c.expired(e, now) {
				delete(s.entries, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Run sweeps periodically until ctx is cancelled.
func (c *Cache) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.sweep)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				c.logger.Debug().Int("removed", n).Msg("expired entries swept")
			}
		}
	}
}
