package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache wraps a Redis client with JSON serialization. Every failure is
// swallowed and logged: callers degrade to the authoritative store instead
// of surfacing cache trouble to the request.
type Cache struct {
	client *redis.Client
	log    *slog.Logger
}

// New builds a Cache. A nil client yields a disabled cache where every Get
// misses and every Set is a no-op.
func New(client *redis.Client, log *slog.Logger) *Cache {
	if log == nil {
		log = slog.Default()
	}
	return &Cache{client: client, log: log}
}

func (c *Cache) enabled() bool {
	return c != nil && c.client != nil
}

// Get unmarshals the cached value for key into dest. The second return is
// false on miss, on any cache failure, and when the cache is disabled.
func (c *Cache) Get(ctx context.Context, key string, dest any) bool {
	if !c.enabled() {
		return false
	}
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.Warn("cache get failed", "event", "cache.get.error", "key", key, "error", err)
		}
		return false
	}
	if err := json.Unmarshal(data, dest); err != nil {
		c.log.Warn("cache entry corrupt", "event", "cache.get.error", "key", key, "error", err)
		return false
	}
	return true
}

func (c *Cache) Set(ctx context.Context, key string, value any, ttl time.Duration) {
	if !c.enabled() {
		return
	}
	data, err := json.Marshal(value)
	if err != nil {
		c.log.Warn("cache marshal failed", "event", "cache.set.error", "key", key, "error", err)
		return
	}
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		c.log.Warn("cache set failed", "event", "cache.set.error", "key", key, "error", err)
	}
}

func (c *Cache) Del(ctx context.Context, key string) {
	if !c.enabled() {
		return
	}
	if err := c.client.Del(ctx, key).Err(); err != nil {
		c.log.Warn("cache del failed", "event", "cache.del.error", "key", key, "error", err)
	}
}

// DelPattern removes every key matching a glob pattern.
func (c *Cache) DelPattern(ctx context.Context, pattern string) {
	if !c.enabled() {
		return
	}
	keys, err := c.client.Keys(ctx, pattern).Result()
	if err != nil {
		c.log.Warn("cache pattern scan failed", "event", "cache.invalidate.error", "pattern", pattern, "error", err)
		return
	}
	if len(keys) == 0 {
		return
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		c.log.Warn("cache pattern del failed", "event", "cache.invalidate.error", "pattern", pattern, "error", err)
	}
}

// GetOrSet returns the cached value for key into dest, computing and caching
// it with fetch on a miss. fetch errors are returned; cache errors are not.
func (c *Cache) GetOrSet(ctx context.Context, key string, ttl time.Duration, dest any, fetch func() (any, error)) error {
	if c.Get(ctx, key, dest) {
		return nil
	}
	value, err := fetch()
	if err != nil {
		return err
	}
	c.Set(ctx, key, value, ttl)
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}
