package dedupe

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "wabulk:dedupe:"

// RedisCache is a Cache backed by Redis. SET NX with a TTL makes the
// check-then-insert a single atomic operation on the Redis side, so the
// suppression window holds across multiple engine instances.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache creates a RedisCache with the given TTL. A non-positive
// TTL falls back to DefaultTTL.
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisCache{client: client, ttl: ttl}
}

// CheckAndRecord implements Cache. The stored value is a minimal echo of
// the template and phone for diagnostics; the key is the fingerprint.
func (c *RedisCache) CheckAndRecord(ctx context.Context, ownerID, template, phone string, vars map[string]string) (Result, error) {
	fp := Fingerprint(ownerID, template, phone, vars)
	value := fmt.Sprintf("%s|%s|%d", template, phone, time.Now().Unix())

	set, err := c.client.SetNX(ctx, redisKeyPrefix+fp, value, c.ttl).Result()
	if err != nil {
		return Result{}, fmt.Errorf("failed to check dedupe cache: %w", err)
	}

	return Result{Duplicate: !set, Fingerprint: fp}, nil
}
