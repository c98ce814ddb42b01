package egress

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// LeaseCache fronts the kernel's capability-lease lookup with a faster,
// optionally distributed cache (spec §4.7.6 lease fallback). Implementations
// only need to remember a positive "this capability is leased" result; a
// miss always falls through to the kernel.
type LeaseCache interface {
	Get(ctx context.Context, capability string) (bool, error)
	Set(ctx context.Context, capability string, ttl time.Duration) error
}

// RedisLeaseCache is a read-through cache of capability-lease hits, backed
// by Redis (or a Redis-protocol-compatible store such as DragonflyDB).
// A connection failure degrades to a cache miss rather than an error, so
// lease fallback always still works against the kernel directly.
type RedisLeaseCache struct {
	client *redis.Client
}

// NewRedisLeaseCache connects to addr (host:port). It does not ping on
// construction; a dead server simply yields cache misses at call time.
func NewRedisLeaseCache(addr string) *RedisLeaseCache {
	return &RedisLeaseCache{client: redis.NewClient(&redis.Options{Addr: addr})}
}

func leaseCacheKey(capability string) string { return "arw:lease:" + capability }

func (c *RedisLeaseCache) Get(ctx context.Context, capability string) (bool, error) {
	n, err := c.client.Exists(ctx, leaseCacheKey(capability)).Result()
	if err != nil {
		return false, nil
	}
	return n > 0, nil
}

func (c *RedisLeaseCache) Set(ctx context.Context, capability string, ttl time.Duration) error {
	return c.client.Set(ctx, leaseCacheKey(capability), "1", ttl).Err()
}

// Close releases the underlying connection pool.
func (c *RedisLeaseCache) Close() error { return c.client.Close() }
