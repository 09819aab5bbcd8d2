package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/mongo"

	"github.com/CedrosPay/accessgate/internal/cache"
	"github.com/CedrosPay/accessgate/internal/config"
	"github.com/CedrosPay/accessgate/internal/metrics"
)

// Backends carries the shared connections a catalog source may read from.
type Backends struct {
	Postgres    *sql.DB
	Mongo       *mongo.Database
	TablePrefix string
	Cache       cache.Cache
	Metrics     *metrics.Metrics
}

// NewRepository builds the configured catalog source, wrapped with caching
// when a TTL is set.
func NewRepository(ctx context.Context, cfg config.CatalogConfig, b Backends) (Repository, error) {
	source := cfg.Source
	if source == "" {
		source = "yaml"
	}

	var underlying Repository
	switch source {
	case "yaml":
		underlying = NewYAMLRepository(cfg.Merchants, cfg.Contents)
	case "postgres":
		if b.Postgres == nil {
			return nil, errors.New("catalog: postgres connection required when source is 'postgres'")
		}
		repo, err := NewPostgresRepositoryWithDB(ctx, b.Postgres, b.TablePrefix)
		if err != nil {
			return nil, err
		}
		underlying = repo.WithMetrics(b.Metrics)
	case "mongodb":
		if b.Mongo == nil {
			return nil, errors.New("catalog: mongodb connection required when source is 'mongodb'")
		}
		underlying = NewMongoDBRepository(b.Mongo, b.TablePrefix)
	default:
		return nil, fmt.Errorf("catalog: invalid source %q: must be 'yaml', 'postgres', or 'mongodb'", source)
	}

	// The YAML catalog is already in memory.
	if source == "yaml" {
		return underlying, nil
	}
	if cfg.MerchantCacheTTL.Duration <= 0 && cfg.ContentCacheTTL.Duration <= 0 {
		return underlying, nil
	}
	return NewCachedRepository(underlying, b.Cache, cfg.MerchantCacheTTL.Duration, cfg.ContentCacheTTL.Duration, b.Metrics), nil
}
