// Package cache stores analysis results keyed by the exact chart image.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/abdhe/chart-signal/pkg/signal"
)

// RedisCache wraps a Redis client for storing and retrieving analysis results.
type RedisCache struct {
	client redis.UniversalClient
	ttl    time.Duration
	prefix string
}

// NewRedisCache creates a new Redis-backed result cache.
func NewRedisCache(client redis.UniversalClient, ttl time.Duration) *RedisCache {
	return &RedisCache{
		client: client,
		ttl:    ttl,
		prefix: "chart_signal:result:",
	}
}

// Key returns the cache key for an image analysed by model with prompt.
func (r *RedisCache) Key(model, prompt string, image []byte) string {
	h := sha256.New()
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write([]byte(prompt))
	h.Write([]byte{0})
	h.Write(image)
	return fmt.Sprintf("%s%x", r.prefix, h.Sum(nil)[:16])
}

// Get retrieves a cached result by key.
// Returns the result and true if found, or zero value and false if not.
func (r *RedisCache) Get(ctx context.Context, key string) (signal.Result, bool, error) {
	val, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return signal.Result{}, false, nil
	}
	if err != nil {
		return signal.Result{}, false, fmt.Errorf("redis_cache: get: %w", err)
	}

	var res signal.Result
	if err := json.Unmarshal([]byte(val), &res); err != nil {
		return signal.Result{}, false, fmt.Errorf("redis_cache: unmarshal: %w", err)
	}

	return res, true, nil
}

// Set stores a result in the cache with the configured TTL.
func (r *RedisCache) Set(ctx context.Context, key string, res signal.Result) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("redis_cache: marshal: %w", err)
	}

	if err := r.client.Set(ctx, key, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis_cache: set: %w", err)
	}

	return nil
}
