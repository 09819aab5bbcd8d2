package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/CedrosPay/accessgate/internal/logger"
)

const redisOpTimeout = 500 * time.Millisecond

// Redis is a shared cache backed by go-redis. Keys are namespaced with prefix.
type Redis struct {
	client *redis.Client
	prefix string
	log    zerolog.Logger
}

// NewRedis parses redisURL, pings the server and returns a ready cache.
func NewRedis(redisURL, prefix string, log zerolog.Logger) (*Redis, error) {
	if redisURL == "" {
		return nil, errors.New("cache: redis url required")
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("cache: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("cache: ping redis: %w", err)
	}

	log.Info().Str("redis_url", logger.SanitizeURL(redisURL)).Msg("cache.redis_connected")
	return NewRedisFromClient(client, prefix, log), nil
}

// NewRedisFromClient wraps an existing client.
func NewRedisFromClient(client *redis.Client, prefix string, log zerolog.Logger) *Redis {
	return &Redis{
		client: client,
		prefix: prefix,
		log:    log.With().Str("component", "redis_cache").Logger(),
	}
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()
	raw, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.log.Debug().Err(err).Str("key", key).Msg("cache.get_failed")
		}
		return nil, false
	}
	return raw, true
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if ttl < 0 {
		ttl = 0
	}
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()
	if err := r.client.Set(ctx, r.prefix+key, value, ttl).Err(); err != nil {
		r.log.Debug().Err(err).Str("key", key).Msg("cache.set_failed")
	}
}

func (r *Redis) Delete(ctx context.Context, key string) {
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		r.log.Debug().Err(err).Str("key", key).Msg("cache.delete_failed")
	}
}

// Ping reports whether the server is reachable.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close releases the connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}
