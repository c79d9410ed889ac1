// Package cache implements the two-tier key-value cache behind the
// embedding pipeline: an in-memory LRU in front of an optional
// persistent bbolt tier.
package cache

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"loom/internal/async"
	"loom/internal/logging"
	"loom/internal/observability"
)

const (
	defaultMaxEntries      = 1024
	defaultCleanupInterval = 5 * time.Minute
)

// entry is the in-memory form of a cache entry. Access bookkeeping is
// atomic so reads never take a cache-wide lock.
type entry struct {
	value        []byte
	ttl          time.Duration
	createdAt    time.Time
	lastAccessed atomic.Int64
	accessCount  atomic.Int64
}

func newEntry(value []byte, ttl time.Duration, now time.Time) *entry {
	e := &entry{value: value, ttl: ttl, createdAt: now}
	e.lastAccessed.Store(now.UnixNano())
	return e
}

func (e *entry) fresh(now time.Time) bool {
	return e.ttl <= 0 || now.Sub(e.createdAt) < e.ttl
}

func (e *entry) touch(now time.Time) {
	e.lastAccessed.Store(now.UnixNano())
	e.accessCount.Add(1)
}

// Options tunes a Cache.
type Options struct {
	// MaxEntries bounds the memory tier; least-recently-accessed
	// entries are evicted past it.
	MaxEntries int
	// DefaultTTL applies when Set is called with a non-positive TTL.
	// Zero means entries never expire.
	DefaultTTL time.Duration
	// CleanupInterval paces the expiry housekeeper.
	CleanupInterval time.Duration
	// Persistent is the optional second tier. The cache takes
	// ownership and closes it on Close.
	Persistent *Bolt
	Logger     logging.Logger
	Metrics    *observability.MetricsCollector
}

// Cache is a two-tier key-value cache. Expired entries are never
// served: an expired hit is dropped from its tier before the lookup
// continues. Persistent-tier failures degrade to memory-only behavior
// and are logged, never returned from Get.
type Cache struct {
	mem        *lru.Cache[string, *entry]
	persistent *Bolt
	defaultTTL time.Duration
	logger     logging.Logger
	metrics    *observability.MetricsCollector
	stopClean  context.CancelFunc
	flight     singleflight.Group

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
	requests  atomic.Int64
}

// New builds a Cache and starts its expiry housekeeper.
func New(opts Options) (*Cache, error) {
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = defaultMaxEntries
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = defaultCleanupInterval
	}
	mem, err := lru.New[string, *entry](opts.MaxEntries)
	if err != nil {
		return nil, fmt.Errorf("create memory tier: %w", err)
	}
	c := &Cache{
		mem:        mem,
		persistent: opts.Persistent,
		defaultTTL: opts.DefaultTTL,
		logger:     logging.OrNop(opts.Logger),
		metrics:    opts.Metrics,
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.stopClean = cancel
	async.Every(ctx, c.logger, "cache.cleanup", opts.CleanupInterval, c.RemoveExpired)
	return c, nil
}

// Get returns the value for key if a fresh entry exists in either tier.
// A persistent hit re-hydrates the memory tier.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	c.requests.Add(1)
	now := time.Now()

	if e, ok := c.mem.Get(key); ok {
		if e.fresh(now) {
			e.touch(now)
			c.hits.Add(1)
			c.observe(ctx, "memory", true)
			return e.value, true
		}
		c.mem.Remove(key)
	}
	c.observe(ctx, "memory", false)

	if c.persistent != nil {
		rec, ok, err := c.persistent.get(key)
		switch {
		case err != nil:
			c.logger.Warn("cache: persistent get %s: %v", key, err)
		case ok && rec.fresh(now):
			c.remember(ctx, key, newEntry(rec.value, rec.ttl, rec.createdAt))
			c.hits.Add(1)
			c.observe(ctx, "persistent", true)
			return rec.value, true
		case ok:
			if err := c.persistent.delete(key); err != nil {
				c.logger.Warn("cache: drop expired %s: %v", key, err)
			}
		}
		c.observe(ctx, "persistent", false)
	}

	c.misses.Add(1)
	return nil, false
}

// Set stores value under key in both tiers. A non-positive ttl falls
// back to the cache default.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	now := time.Now()
	c.remember(ctx, key, newEntry(value, ttl, now))
	if c.persistent == nil {
		return nil
	}
	if err := c.persistent.put(key, record{value: value, ttl: ttl, createdAt: now}); err != nil {
		return fmt.Errorf("persist cache entry: %w", err)
	}
	return nil
}

// Delete removes key from both tiers.
func (c *Cache) Delete(ctx context.Context, key string) error {
	c.mem.Remove(key)
	if c.persistent == nil {
		return nil
	}
	return c.persistent.delete(key)
}

// Clear empties both tiers.
func (c *Cache) Clear(ctx context.Context) error {
	c.mem.Purge()
	if c.persistent == nil {
		return nil
	}
	return c.persistent.purge()
}

// GetOrCompute returns the cached value for key, computing and storing
// it on a miss. Concurrent callers for the same key share one
// computation. A failure to persist the computed value is logged, not
// returned.
func (c *Cache) GetOrCompute(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) ([]byte, error)) ([]byte, error) {
	if value, ok := c.Get(ctx, key); ok {
		return value, nil
	}
	v, err, _ := c.flight.Do(key, func() (any, error) {
		// A racing caller may have filled the entry between the miss
		// and winning the flight.
		if value, ok := c.Get(ctx, key); ok {
			return value, nil
		}
		value, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		if err := c.Set(ctx, key, value, ttl); err != nil {
			c.logger.Warn("cache: store computed %s: %v", key, err)
		}
		return value, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// RemoveExpired sweeps expired entries out of both tiers. Neither tier
// is locked while the other is swept.
func (c *Cache) RemoveExpired() {
	now := time.Now()
	for _, key := range c.mem.Keys() {
		if e, ok := c.mem.Peek(key); ok && !e.fresh(now) {
			c.mem.Remove(key)
		}
	}
	if c.persistent == nil {
		return
	}
	removed, err := c.persistent.sweep(now)
	if err != nil {
		c.logger.Warn("cache: persistent sweep: %v", err)
		return
	}
	if removed > 0 {
		c.logger.Debug("cache: swept %d expired persistent entries", removed)
	}
}

// Stats reports counters accumulated since construction.
type Stats struct {
	Hits          int64   `json:"hits"`
	Misses        int64   `json:"misses"`
	Evictions     int64   `json:"evictions"`
	Requests      int64   `json:"requests"`
	HitRate       float64 `json:"hit_rate"`
	MemoryEntries int     `json:"memory_entries"`
}

// Stats computes the hit rate at read time.
func (c *Cache) Stats() Stats {
	stats := Stats{
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Evictions:     c.evictions.Load(),
		Requests:      c.requests.Load(),
		MemoryEntries: c.mem.Len(),
	}
	if stats.Requests > 0 {
		stats.HitRate = float64(stats.Hits) / float64(stats.Requests)
	}
	return stats
}

// Close stops the housekeeper and closes the persistent tier.
func (c *Cache) Close() error {
	c.stopClean()
	if c.persistent == nil {
		return nil
	}
	return c.persistent.Close()
}

func (c *Cache) remember(ctx context.Context, key string, e *entry) {
	if evicted := c.mem.Add(key, e); evicted {
		c.evictions.Add(1)
		if c.metrics != nil {
			c.metrics.RecordCacheEviction(ctx, "memory", 1)
		}
	}
}

func (c *Cache) observe(ctx context.Context, tier string, hit bool) {
	if c.metrics != nil {
		c.metrics.RecordCacheRequest(ctx, tier, hit)
	}
}
