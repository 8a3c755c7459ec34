package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Aidin1998/sentinex/pkg/metrics"
	"github.com/Aidin1998/sentinex/pkg/models"
)

// RedisCache stores decisions in Redis under a key prefix, serialized as
// JSON with the TTL enforced natively by the server. It is the shared
// backend when several engine replicas must agree on idempotent replays.
type RedisCache struct {
	client    redis.UniversalClient
	keyPrefix string
	metrics   *metrics.Metrics
}

// NewRedisCache wraps client with the decision-cache conventions. An empty
// prefix defaults to "sentinex:decision:".
func NewRedisCache(client redis.UniversalClient, keyPrefix string, m *metrics.Metrics) *RedisCache {
	if keyPrefix == "" {
		keyPrefix = "sentinex:decision:"
	}
	if m == nil {
		m = metrics.NewNop()
	}
	return &RedisCache{client: client, keyPrefix: keyPrefix, metrics: m}
}

// Get fetches the decision stored under key. A missing key is a miss, not
// an error; transport failures surface as errors for the caller to treat
// as misses.
func (c *RedisCache) Get(ctx context.Context, key string) (*models.Decision, bool, error) {
	payload, err := c.client.Get(ctx, c.keyPrefix+key).Bytes()
	if err == redis.Nil {
		c.metrics.CacheMisses.WithLabelValues("redis").Inc()
		return nil, false, nil
	}
	if err != nil {
		c.metrics.CacheErrors.WithLabelValues("redis").Inc()
		return nil, false, fmt.Errorf("redis get: %w", err)
	}

	var decision models.Decision
	if err := json.Unmarshal(payload, &decision); err != nil {
		// A corrupt entry is unusable; drop it so the next Put heals the key.
		c.client.Del(ctx, c.keyPrefix+key)
		c.metrics.CacheErrors.WithLabelValues("redis").Inc()
		return nil, false, fmt.Errorf("redis decode: %w", err)
	}
	c.metrics.CacheHits.WithLabelValues("redis").Inc()
	return &decision, true, nil
}

// Put stores the decision under key for ttl.
func (c *RedisCache) Put(ctx context.Context, key string, d *models.Decision, ttl time.Duration) error {
	if d == nil || ttl <= 0 {
		return nil
	}
	payload, err := json.Marshal(d)
	if err != nil {
		c.metrics.CacheErrors.WithLabelValues("redis").Inc()
		return fmt.Errorf("redis encode: %w", err)
	}
	if err := c.client.Set(ctx, c.keyPrefix+key, payload, ttl).Err(); err != nil {
		c.metrics.CacheErrors.WithLabelValues("redis").Inc()
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Ping verifies connectivity, for startup checks.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
