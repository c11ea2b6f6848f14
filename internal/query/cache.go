package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"CdpLedger/internal/observability"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Key schema:
//
//	cdp:{id}        - JSON CdpResponse
//	system:status   - JSON SystemStatusResponse
const StatusCacheKey = "system:status"

func CdpCacheKey(id uuid.UUID) string { return "cdp:" + id.String() }

const DefaultCacheTTL = 2 * time.Second

var errCacheMiss = errors.New("query: cache miss")

// Cache is the Redis read-through layer in front of the projections.
// Entries expire after a short TTL and the projection worker deletes
// them when the rows change. A nil *Cache is valid and never hits.
type Cache struct {
	rdb     redis.Cmdable
	ttl     time.Duration
	metrics *observability.Metrics
}

func NewCache(rdb redis.Cmdable, ttl time.Duration, metrics *observability.Metrics) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{rdb: rdb, ttl: ttl, metrics: metrics}
}

// ConnectRedis dials and pings Redis.
func ConnectRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return rdb, nil
}

// Invalidate deletes keys. Missing keys are not an error.
func (c *Cache) Invalidate(ctx context.Context, keys ...string) error {
	if c == nil || len(keys) == 0 {
		return nil
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis: del: %w", err)
	}
	return nil
}

func (c *Cache) get(ctx context.Context, key string, dst any) error {
	if c == nil {
		return errCacheMiss
	}
	data, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			c.observe("miss")
			return errCacheMiss
		}
		c.observe("error")
		return fmt.Errorf("redis: get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		c.observe("error")
		return fmt.Errorf("redis: unmarshal %s: %w", key, err)
	}
	c.observe("hit")
	return nil
}

func (c *Cache) set(ctx context.Context, key string, v any) error {
	if c == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("redis: marshal %s: %w", key, err)
	}
	return c.rdb.Set(ctx, key, data, c.ttl).Err()
}

func (c *Cache) observe(result string) {
	if c.metrics != nil {
		c.metrics.CacheLookups.WithLabelValues(result).Inc()
	}
}

// readThrough serves key from the cache, or loads and stores it. Cache
// errors degrade to a load; they never fail the read.
func readThrough[T any](ctx context.Context, c *Cache, key string, load func(context.Context) (T, error)) (T, error) {
	var cached T
	if err := c.get(ctx, key, &cached); err == nil {
		return cached, nil
	}

	v, err := load(ctx)
	if err != nil {
		return v, err
	}
	_ = c.set(ctx, key, v)
	return v, nil
}
