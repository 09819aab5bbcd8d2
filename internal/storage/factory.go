package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/mongo"

	"github.com/CedrosPay/accessgate/internal/metrics"
)

// Backends are the shared connections the factories draw from.
type Backends struct {
	Postgres    *sql.DB
	Mongo       *mongo.Database
	TablePrefix string
	Metrics     *metrics.Metrics
}

// NewStore builds the ledger store for backend ("memory" or "postgres").
func NewStore(ctx context.Context, backend string, b Backends) (Store, error) {
	switch strings.ToLower(backend) {
	case "", memoryBackendLabel:
		return NewMemoryStore(), nil
	case postgresBackendLabel:
		if b.Postgres == nil {
			return nil, fmt.Errorf("storage: postgres backend requires a connection pool")
		}
		return NewPostgresStoreWithDB(ctx, b.Postgres, b.TablePrefix, WithStoreMetrics(b.Metrics))
	default:
		return nil, fmt.Errorf("storage: unsupported backend %q", backend)
	}
}

// NewWebhookQueue builds the delivery queue for backend ("memory", "postgres" or "mongodb").
func NewWebhookQueue(ctx context.Context, backend string, b Backends) (WebhookQueue, error) {
	switch strings.ToLower(backend) {
	case "", memoryBackendLabel:
		return NewMemoryWebhookQueue(), nil
	case postgresBackendLabel:
		if b.Postgres == nil {
			return nil, fmt.Errorf("storage: postgres webhook queue requires a connection pool")
		}
		return NewPostgresWebhookQueue(ctx, b.Postgres, b.TablePrefix, b.Metrics)
	case mongoBackendLabel:
		if b.Mongo == nil {
			return nil, fmt.Errorf("storage: mongodb webhook queue requires a database")
		}
		return NewMongoWebhookQueue(ctx, b.Mongo, b.TablePrefix)
	default:
		return nil, fmt.Errorf("storage: unsupported webhook queue backend %q", backend)
	}
}
