package circuitbreaker

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisWrapper guards the cache tier's redis client. Only the operations the
// response cache actually issues are wrapped.
type RedisWrapper struct {
	client  *redis.Client
	breaker *Breaker
}

// NewRedisWrapper wraps a redis client with a breaker tuned for a cache
// dependency: trip fast, probe often, a cold cache is only a slowdown.
func NewRedisWrapper(client *redis.Client, logger *zap.Logger) *RedisWrapper {
	cfg := DefaultConfig()
	cfg.TripAfter = 3
	cfg.Cooldown = 5 * time.Second
	return &RedisWrapper{
		client:  client,
		breaker: New("redis", cfg, logger),
	}
}

// Get fetches a key. Breaker rejections surface as errors; callers treat any
// error as a cache miss.
func (w *RedisWrapper) Get(ctx context.Context, key string) (string, error) {
	var val string
	err := w.breaker.Do(ctx, func() error {
		var e error
		val, e = w.client.Get(ctx, key).Result()
		if e == redis.Nil {
			// A miss is a healthy response.
			val = ""
			return nil
		}
		return e
	})
	return val, err
}

// Set stores a key with a TTL.
func (w *RedisWrapper) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return w.breaker.Do(ctx, func() error {
		return w.client.Set(ctx, key, value, ttl).Err()
	})
}

// Del removes keys.
func (w *RedisWrapper) Del(ctx context.Context, keys ...string) error {
	return w.breaker.Do(ctx, func() error {
		return w.client.Del(ctx, keys...).Err()
	})
}

// Ping probes the connection directly, bypassing the breaker: health checks
// want the true dependency state.
func (w *RedisWrapper) Ping(ctx context.Context) error {
	return w.client.Ping(ctx).Err()
}

// State exposes the breaker state for health reporting.
func (w *RedisWrapper) State() State {
	return w.breaker.State()
}

// Close releases the underlying client.
func (w *RedisWrapper) Close() error {
	return w.client.Close()
}
