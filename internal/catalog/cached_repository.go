package catalog

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/CedrosPay/accessgate/internal/cache"
	"github.com/CedrosPay/accessgate/internal/metrics"
)

const (
	merchantKeyPrefix = "catalog:merchant:"
	contentKeyPrefix  = "catalog:content:"
)

// CachedRepository wraps a Repository with a read-through cache. Concurrent
// misses for the same key share one underlying lookup.
type CachedRepository struct {
	underlying  Repository
	cache       cache.Cache
	merchantTTL time.Duration
	contentTTL  time.Duration
	metrics     *metrics.Metrics
	group       singleflight.Group
}

// NewCachedRepository wraps underlying. A zero TTL disables caching for that
// record type.
func NewCachedRepository(underlying Repository, c cache.Cache, merchantTTL, contentTTL time.Duration, m *metrics.Metrics) *CachedRepository {
	if c == nil {
		c = cache.Noop{}
	}
	return &CachedRepository{
		underlying:  underlying,
		cache:       c,
		merchantTTL: merchantTTL,
		contentTTL:  contentTTL,
		metrics:     m,
	}
}

func (r *CachedRepository) GetMerchant(ctx context.Context, id string) (Merchant, error) {
	if r.merchantTTL <= 0 {
		return r.underlying.GetMerchant(ctx, id)
	}
	key := merchantKeyPrefix + id
	if m, ok := cache.GetJSON[Merchant](ctx, r.cache, key); ok {
		r.metrics.ObserveCache("merchant", "hit")
		return m, nil
	}
	r.metrics.ObserveCache("merchant", "miss")

	v, err, _ := r.group.Do(key, func() (interface{}, error) {
		m, err := r.underlying.GetMerchant(ctx, id)
		if err != nil {
			return Merchant{}, err
		}
		cache.SetJSON(ctx, r.cache, key, m, r.merchantTTL)
		return m, nil
	})
	if err != nil {
		return Merchant{}, err
	}
	return v.(Merchant), nil
}

func (r *CachedRepository) GetContent(ctx context.Context, id string) (Content, error) {
	if r.contentTTL <= 0 {
		return r.underlying.GetContent(ctx, id)
	}
	key := contentKeyPrefix + id
	if c, ok := cache.GetJSON[Content](ctx, r.cache, key); ok {
		r.metrics.ObserveCache("content", "hit")
		return c, nil
	}
	r.metrics.ObserveCache("content", "miss")

	v, err, _ := r.group.Do(key, func() (interface{}, error) {
		c, err := r.underlying.GetContent(ctx, id)
		if err != nil {
			return Content{}, err
		}
		cache.SetJSON(ctx, r.cache, key, c, r.contentTTL)
		return c, nil
	})
	if err != nil {
		return Content{}, err
	}
	return v.(Content), nil
}

// Invalidate drops the cached merchant and content records for the given ids.
func (r *CachedRepository) Invalidate(ctx context.Context, merchantID, contentID string) {
	if merchantID != "" {
		r.cache.Delete(ctx, merchantKeyPrefix+merchantID)
	}
	if contentID != "" {
		r.cache.Delete(ctx, contentKeyPrefix+contentID)
	}
}

func (r *CachedRepository) Close() error {
	return r.underlying.Close()
}
