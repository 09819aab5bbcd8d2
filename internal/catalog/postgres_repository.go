package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/lib/pq"

	"github.com/CedrosPay/accessgate/internal/metrics"
)

const (
	queryTimeoutGet = 5 * time.Second
	maxIDLength     = 255
)

var validTablePrefix = regexp.MustCompile(`^[a-zA-Z0-9_]*$`)

func validateID(kind, id string) error {
	if len(id) == 0 || len(id) > maxIDLength {
		return fmt.Errorf("invalid %s ID length: must be between 1 and %d characters", kind, maxIDLength)
	}
	return nil
}

// withQueryTimeout adds a timeout to the context if not already set
func withQueryTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}

// PostgresRepository reads merchants and contents from PostgreSQL.
type PostgresRepository struct {
	db            *sql.DB
	metrics       *metrics.Metrics
	merchantTable string
	contentTable  string
}

// NewPostgresRepositoryWithDB uses an existing pool. Tables are named
// <prefix>merchants and <prefix>contents and are created when missing.
func NewPostgresRepositoryWithDB(ctx context.Context, db *sql.DB, tablePrefix string) (*PostgresRepository, error) {
	if !validTablePrefix.MatchString(tablePrefix) {
		return nil, fmt.Errorf("invalid table prefix: %s (must be alphanumeric with underscores only)", tablePrefix)
	}
	r := &PostgresRepository{
		db:            db,
		merchantTable: tablePrefix + "merchants",
		contentTable:  tablePrefix + "contents",
	}
	if err := r.createTables(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// WithMetrics adds query latency metrics.
func (r *PostgresRepository) WithMetrics(m *metrics.Metrics) *PostgresRepository {
	r.metrics = m
	return r
}

func (r *PostgresRepository) createTables(ctx context.Context) error {
	ctx, cancel := withQueryTimeout(ctx, 10*time.Second)
	defer cancel()

	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL DEFAULT 'active',
			payout_address TEXT NOT NULL DEFAULT '',
			webhook_url TEXT NOT NULL DEFAULT '',
			webhook_secret TEXT NOT NULL DEFAULT '',
			webhook_events TEXT[] NOT NULL DEFAULT '{}'
		)`, pq.QuoteIdentifier(r.merchantTable)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			merchant_id TEXT NOT NULL,
			slug TEXT NOT NULL DEFAULT '',
			price BIGINT NOT NULL DEFAULT 0 CHECK (price >= 0),
			currency TEXT NOT NULL DEFAULT 'SOL',
			duration_secs BIGINT NOT NULL DEFAULT 0
		)`, pq.QuoteIdentifier(r.contentTable)),
	}
	for _, stmt := range statements {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create catalog tables: %w", err)
		}
	}
	return nil
}

func (r *PostgresRepository) GetMerchant(ctx context.Context, id string) (Merchant, error) {
	defer metrics.MeasureDBQuery(r.metrics, "get_merchant", "postgres")()

	if err := validateID("merchant", id); err != nil {
		return Merchant{}, err
	}
	ctx, cancel := withQueryTimeout(ctx, queryTimeoutGet)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT id, status, payout_address, webhook_url, webhook_secret, webhook_events
		FROM %s
		WHERE id = $1
	`, pq.QuoteIdentifier(r.merchantTable))

	var m Merchant
	var events pq.StringArray
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&m.ID,
		&m.Status,
		&m.PayoutAddress,
		&m.WebhookURL,
		&m.WebhookSecret,
		&events,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Merchant{}, ErrMerchantNotFound
	}
	if err != nil {
		return Merchant{}, fmt.Errorf("query merchant: %w", err)
	}
	m.WebhookEvents = []string(events)
	return m, nil
}

func (r *PostgresRepository) GetContent(ctx context.Context, id string) (Content, error) {
	defer metrics.MeasureDBQuery(r.metrics, "get_content", "postgres")()

	if err := validateID("content", id); err != nil {
		return Content{}, err
	}
	ctx, cancel := withQueryTimeout(ctx, queryTimeoutGet)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT id, merchant_id, slug, price, currency, duration_secs
		FROM %s
		WHERE id = $1
	`, pq.QuoteIdentifier(r.contentTable))

	var c Content
	var price int64
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&c.ID,
		&c.MerchantID,
		&c.Slug,
		&price,
		&c.Currency,
		&c.DurationSecs,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Content{}, ErrContentNotFound
	}
	if err != nil {
		return Content{}, fmt.Errorf("query content: %w", err)
	}
	c.Price = uint64(price)
	return c, nil
}

// Close is a no-op; the shared pool is owned by the caller.
func (r *PostgresRepository) Close() error {
	return nil
}
