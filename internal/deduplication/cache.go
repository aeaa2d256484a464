package deduplication

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/carepick/carepick/internal/ai"
	"github.com/carepick/carepick/internal/config"
	"github.com/redis/go-redis/v9"
)

// cacheKeyPrefix namespaces verdicts in Redis
const cacheKeyPrefix = "carepick:dedup:verdict:"

// VerdictCache remembers AI verdicts for identical batch projections so a
// repeated scan over unchanged products does not call the model again.
type VerdictCache interface {
	Get(ctx context.Context, key string) (*ai.DedupVerdict, bool, error)
	Set(ctx context.Context, key string, v *ai.DedupVerdict) error
}

// redisAPI is the subset of *redis.Client the cache uses
type redisAPI interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Close() error
}

// RedisCache stores verdicts as JSON strings with a TTL
type RedisCache struct {
	client redisAPI
	ttl    time.Duration
}

// NewRedisCache connects to Redis. The connection is checked with PING;
// an unreachable server is an error so the caller can run without a cache.
func NewRedisCache(ctx context.Context, cfg config.RedisConfig) (*RedisCache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	return newRedisCache(rdb, cfg.TTL), nil
}

func newRedisCache(client redisAPI, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

// Close releases the Redis connection pool
func (c *RedisCache) Close() error {
	return c.client.Close()
}

// Get returns the cached verdict, if any
func (c *RedisCache) Get(ctx context.Context, key string) (*ai.DedupVerdict, bool, error) {
	raw, err := c.client.Get(ctx, cacheKeyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read verdict: %w", err)
	}
	var v ai.DedupVerdict
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, false, fmt.Errorf("failed to decode cached verdict: %w", err)
	}
	return &v, true, nil
}

// Set stores a verdict
func (c *RedisCache) Set(ctx context.Context, key string, v *ai.DedupVerdict) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode verdict: %w", err)
	}
	if err := c.client.Set(ctx, cacheKeyPrefix+key, string(data), c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to write verdict: %w", err)
	}
	return nil
}

// cacheKey hashes the capability input. encoding/json sorts map keys, so the
// same projection always yields the same key.
func cacheKey(input map[string]any) (string, error) {
	data, err := json.Marshal(input)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(append([]byte(ai.CapProductDedupGroup+"\n"), data...))
	return hex.EncodeToString(sum[:]), nil
}
