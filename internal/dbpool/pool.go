package dbpool

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/CedrosPay/accessgate/internal/config"
)

const connectTimeout = 10 * time.Second

// SharedPool is the single PostgreSQL pool used by the ledger store, the
// catalog and the webhook queue when they point at the same database.
type SharedPool struct {
	db *sql.DB
}

// NewSharedPool opens and pings a PostgreSQL pool.
func NewSharedPool(ctx context.Context, connectionString string, poolConfig config.PostgresPoolConfig) (*SharedPool, error) {
	if connectionString == "" {
		return nil, errors.New("dbpool: postgres url required")
	}
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	config.ApplyPostgresPoolSettings(db, poolConfig)
	return &SharedPool{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (p *SharedPool) DB() *sql.DB {
	return p.db
}

// Close closes the pool. Safe to call more than once.
func (p *SharedPool) Close() error {
	return p.db.Close()
}

// MongoClient is a connected MongoDB client bound to one database.
type MongoClient struct {
	client   *mongo.Client
	database string
}

// ConnectMongo connects and pings MongoDB.
func ConnectMongo(ctx context.Context, uri, database string) (*MongoClient, error) {
	if uri == "" {
		return nil, errors.New("dbpool: mongodb url required")
	}
	if database == "" {
		return nil, errors.New("dbpool: mongodb database required")
	}

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}
	return &MongoClient{client: client, database: database}, nil
}

// Database returns the configured database handle.
func (c *MongoClient) Database() *mongo.Database {
	return c.client.Database(c.database)
}

// Close disconnects the client.
func (c *MongoClient) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	return c.client.Disconnect(ctx)
}
