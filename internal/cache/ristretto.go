// Package cache provides the two-tier read cache for review views: an
// in-memory Ristretto L1 in front of an optional shared Redis L2.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fact-memory-kernel/internal/jsonx"
)

// Key prefixes for cached views.
const (
	prefixSummary = "summary:"
	keyStats      = "stats:system"
	keyUsers      = "users:list"
)

// SummaryKey is the cache key of a user's summary view.
func SummaryKey(userID string) string { return prefixSummary + userID }

// StatsKey is the cache key of the system stats view.
func StatsKey() string { return keyStats }

// UsersKey is the cache key of the user list view.
func UsersKey() string { return keyUsers }

// TwoTier caches encoded views.
// - L1: in-memory Ristretto cache, per instance
// - L2: Redis, shared across instances
type TwoTier struct {
	l1        *ristretto.Cache[string, []byte]
	l2        *redis.Client
	ttl       time.Duration
	l1MaxCost int64
	logger    *zap.Logger
	metrics   Metrics
	metricsMu sync.Mutex
}

// Metrics tracks cache performance
type Metrics struct {
	L1Hits   int64 `json:"l1_hits"`
	L1Misses int64 `json:"l1_misses"`
	L2Hits   int64 `json:"l2_hits"`
	L2Misses int64 `json:"l2_misses"`
}

// New creates a two-tier cache.
// l1MaxCost: maximum total bytes held in L1 (default 16 MiB)
// ttl: time-to-live for entries (default 30 seconds)
func New(l1MaxCost int64, ttl time.Duration, redisClient *redis.Client, logger *zap.Logger) (*TwoTier, error) {
	if l1MaxCost <= 0 {
		l1MaxCost = 16 << 20
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	l1, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: 100000,
		MaxCost:     l1MaxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create ristretto cache: %w", err)
	}

	return &TwoTier{
		l1:        l1,
		l2:        redisClient,
		ttl:       ttl,
		l1MaxCost: l1MaxCost,
		logger:    logger.Named("cache"),
	}, nil
}

// Get retrieves a value from L1, falling back to L2.
func (c *TwoTier) Get(ctx context.Context, key string) ([]byte, bool) {
	if val, found := c.l1.Get(key); found {
		c.record(func(m *Metrics) { m.L1Hits++ })
		return val, true
	}
	c.record(func(m *Metrics) { m.L1Misses++ })

	if c.l2 != nil {
		data, err := c.l2.Get(ctx, key).Bytes()
		if err == nil && len(data) > 0 {
			c.record(func(m *Metrics) { m.L2Hits++ })
			c.l1.SetWithTTL(key, data, int64(len(data)), c.ttl)
			return data, true
		}
		c.record(func(m *Metrics) { m.L2Misses++ })
	}
	return nil, false
}

// Set stores a value in both tiers.
func (c *TwoTier) Set(ctx context.Context, key string, data []byte) {
	c.l1.SetWithTTL(key, data, int64(len(data)), c.ttl)
	c.l1.Wait()

	if c.l2 != nil {
		if err := c.l2.Set(ctx, key, data, c.ttl).Err(); err != nil {
			c.logger.Warn("Failed to set L2 cache",
				zap.String("key", key),
				zap.Error(err))
		}
	}
}

// Delete removes keys from both tiers.
func (c *TwoTier) Delete(ctx context.Context, keys ...string) {
	for _, k := range keys {
		c.l1.Del(k)
	}
	if c.l2 != nil && len(keys) > 0 {
		if err := c.l2.Del(ctx, keys...).Err(); err != nil {
			c.logger.Warn("Failed to delete from L2 cache",
				zap.Strings("keys", keys),
				zap.Error(err))
		}
	}
}

// InvalidateUser drops every view that depends on the user's nodes.
func (c *TwoTier) InvalidateUser(ctx context.Context, userID string) {
	c.Delete(ctx, SummaryKey(userID), StatsKey(), UsersKey())
}

// GetOrCompute decodes the cached value into out, or computes, stores and
// returns it.
func GetOrCompute[T any](ctx context.Context, c *TwoTier, key string, fn func() (T, error)) (T, error) {
	if c == nil {
		return fn()
	}
	if data, found := c.Get(ctx, key); found {
		var out T
		if err := jsonx.Unmarshal(data, &out); err == nil {
			return out, nil
		}
		c.logger.Warn("Dropping undecodable cache entry", zap.String("key", key))
		c.Delete(ctx, key)
	}

	val, err := fn()
	if err != nil {
		return val, err
	}
	data, err := jsonx.Marshal(val)
	if err != nil {
		c.logger.Warn("Failed to encode value for cache",
			zap.String("key", key),
			zap.Error(err))
		return val, nil
	}
	c.Set(ctx, key, data)
	return val, nil
}

// Clear clears L1.
func (c *TwoTier) Clear() {
	c.l1.Clear()
}

// Stats returns cache statistics
func (c *TwoTier) Stats() map[string]interface{} {
	c.metricsMu.Lock()
	defer c.metricsMu.Unlock()

	return map[string]interface{}{
		"l1_max_cost":  c.l1MaxCost,
		"l1_hits":      c.metrics.L1Hits,
		"l1_misses":    c.metrics.L1Misses,
		"l2_hits":      c.metrics.L2Hits,
		"l2_misses":    c.metrics.L2Misses,
		"hit_rate":     c.hitRate(),
		"ttl_seconds":  c.ttl.Seconds(),
		"l2_available": c.l2 != nil,
	}
}

// Snapshot returns a copy of the counters.
func (c *TwoTier) Snapshot() Metrics {
	c.metricsMu.Lock()
	defer c.metricsMu.Unlock()
	return c.metrics
}

func (c *TwoTier) hitRate() float64 {
	total := c.metrics.L1Hits + c.metrics.L1Misses
	if total == 0 {
		return 0
	}
	return float64(c.metrics.L1Hits) / float64(total)
}

func (c *TwoTier) record(fn func(m *Metrics)) {
	c.metricsMu.Lock()
	fn(&c.metrics)
	c.metricsMu.Unlock()
}

// Close releases L1 resources.
func (c *TwoTier) Close() {
	c.l1.Close()
}
