// Package redis provides the Redis-backed judgment cache. Entries are JSON
// executions under a namespaced key with a server-side TTL; hit counts live in
// a sibling counter key sharing the entry's lifetime.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mugoori/triflow/runtime/errs"
	"github.com/mugoori/triflow/runtime/judgment"
)

type (
	// Options configures the cache.
	Options struct {
		// Client is the Redis connection. Required.
		Client *redis.Client
		// KeyPrefix namespaces cache keys. Defaults to "triflow:judgment:".
		KeyPrefix string
	}

	// Cache implements judgment.Cache over Redis.
	Cache struct {
		rdb    *redis.Client
		prefix string
	}
)

// New validates opts and constructs a Cache.
func New(opts Options) (*Cache, error) {
	if opts.Client == nil {
		return nil, errs.New(errs.KindInvalidInput, "redis client is required")
	}
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = "triflow:judgment:"
	}
	return &Cache{rdb: opts.Client, prefix: prefix}, nil
}

// Get returns the cached execution for key, or nil on miss. Redis owns
// expiry, so an expired entry is indistinguishable from a miss. Hits bump the
// sibling counter without extending the entry's TTL.
func (c *Cache) Get(ctx context.Context, key string) (*judgment.Execution, error) {
	raw, err := c.rdb.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, fmt.Sprintf("cache get %q", key), err)
	}
	var ex judgment.Execution
	if err := json.Unmarshal(raw, &ex); err != nil {
		return nil, errs.Wrap(errs.KindInternal, fmt.Sprintf("decode cached execution %q", key), err)
	}
	if err := c.rdb.Incr(ctx, c.hitsKey(key)).Err(); err != nil {
		return nil, errs.Wrap(errs.KindTransient, fmt.Sprintf("cache hit count %q", key), err)
	}
	return &ex, nil
}

// Set stores the execution under key with the given TTL and resets its hit
// counter.
func (c *Cache) Set(ctx context.Context, key string, ex judgment.Execution, ttl time.Duration) error {
	raw, err := json.Marshal(ex)
	if err != nil {
		return errs.Wrap(errs.KindInternal, fmt.Sprintf("encode execution %q", key), err)
	}
	pipe := c.rdb.TxPipeline()
	pipe.Set(ctx, c.prefix+key, raw, ttl)
	pipe.Set(ctx, c.hitsKey(key), 0, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return errs.Wrap(errs.KindTransient, fmt.Sprintf("cache set %q", key), err)
	}
	return nil
}

// Hits returns the hit count recorded for key. Zero for unknown keys.
func (c *Cache) Hits(ctx context.Context, key string) (int, error) {
	n, err := c.rdb.Get(ctx, c.hitsKey(key)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, errs.Wrap(errs.KindTransient, fmt.Sprintf("cache hits %q", key), err)
	}
	return n, nil
}

func (c *Cache) hitsKey(key string) string {
	return c.prefix + key + ":hits"
}
