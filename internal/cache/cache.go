// Package cache provides the optional read-through cache used for payment
// status and catalog lookups. Every backend degrades to a miss on failure.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/CedrosPay/accessgate/internal/config"
)

// Cache is a best-effort byte cache. Implementations never surface errors:
// an unavailable backend behaves exactly like an empty one.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)
	Delete(ctx context.Context, key string)
}

// Noop is the "no cache configured" backend.
type Noop struct{}

func (Noop) Get(context.Context, string) ([]byte, bool)         { return nil, false }
func (Noop) Set(context.Context, string, []byte, time.Duration) {}
func (Noop) Delete(context.Context, string)                     {}

// GetJSON decodes a cached JSON value. Undecodable entries count as a miss.
func GetJSON[T any](ctx context.Context, c Cache, key string) (T, bool) {
	var out T
	if c == nil {
		return out, false
	}
	raw, ok := c.Get(ctx, key)
	if !ok {
		return out, false
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		var zero T
		return zero, false
	}
	return out, true
}

// SetJSON stores value as JSON; values that fail to encode are skipped.
func SetJSON(ctx context.Context, c Cache, key string, value interface{}, ttl time.Duration) {
	if c == nil {
		return
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return
	}
	c.Set(ctx, key, raw, ttl)
}

// New builds the configured backend. Redis connection failures at startup are
// returned so operators notice a bad URL; runtime failures degrade silently.
func New(cfg config.CacheConfig, log zerolog.Logger) (Cache, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", "none":
		return Noop{}, nil
	case "memory":
		return NewMemory(), nil
	case "redis":
		return NewRedis(cfg.RedisURL, cfg.Prefix, log)
	default:
		return nil, fmt.Errorf("cache: unknown backend %q", cfg.Backend)
	}
}
