package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/CedrosPay/accessgate/internal/metrics"
)

// PostgresWebhookQueue persists webhook jobs in PostgreSQL. Workers on
// several instances can share it: claims use FOR UPDATE SKIP LOCKED.
type PostgresWebhookQueue struct {
	db      *sql.DB
	table   string
	metrics *metrics.Metrics
}

// NewPostgresWebhookQueue creates the queue table on a shared pool.
func NewPostgresWebhookQueue(ctx context.Context, db *sql.DB, tablePrefix string, m *metrics.Metrics) (*PostgresWebhookQueue, error) {
	prefix, err := validateTablePrefix(tablePrefix)
	if err != nil {
		return nil, err
	}
	q := &PostgresWebhookQueue{
		db:      db,
		table:   pq.QuoteIdentifier(prefix + "webhook_queue"),
		metrics: m,
	}

	stmts := []string{
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			merchant_id TEXT NOT NULL,
			url TEXT NOT NULL,
			payload JSONB NOT NULL,
			headers JSONB NOT NULL,
			event_type TEXT NOT NULL,
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL,
			last_error TEXT,
			last_attempt_at TIMESTAMPTZ,
			next_attempt_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ
		)`, q.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (status, next_attempt_at)`,
			pq.QuoteIdentifier(prefix+"webhook_queue_due_idx"), q.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (status, completed_at)`,
			pq.QuoteIdentifier(prefix+"webhook_queue_completed_idx"), q.table),
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("storage: create webhook queue: %w", err)
		}
	}
	return q, nil
}

const webhookColumns = `id, merchant_id, url, payload, headers, event_type, status, attempts, max_attempts, last_error, last_attempt_at, next_attempt_at, created_at, completed_at`

func scanWebhook(row scanner) (PendingWebhook, error) {
	var (
		w             PendingWebhook
		payload       []byte
		headersJSON   []byte
		status        string
		lastError     sql.NullString
		lastAttemptAt sql.NullTime
		completedAt   sql.NullTime
	)
	err := row.Scan(&w.ID, &w.MerchantID, &w.URL, &payload, &headersJSON, &w.EventType, &status,
		&w.Attempts, &w.MaxAttempts, &lastError, &lastAttemptAt, &w.NextAttemptAt, &w.CreatedAt, &completedAt)
	if err != nil {
		return PendingWebhook{}, err
	}
	w.Payload = json.RawMessage(payload)
	if len(headersJSON) > 0 {
		if err := json.Unmarshal(headersJSON, &w.Headers); err != nil {
			return PendingWebhook{}, fmt.Errorf("unmarshal headers: %w", err)
		}
	}
	w.Status = WebhookStatus(status)
	w.LastError = lastError.String
	if lastAttemptAt.Valid {
		w.LastAttemptAt = lastAttemptAt.Time.UTC()
	}
	w.NextAttemptAt = w.NextAttemptAt.UTC()
	w.CreatedAt = w.CreatedAt.UTC()
	w.CompletedAt = timePtr(completedAt)
	return w, nil
}

func collectWebhooks(rows *sql.Rows) ([]PendingWebhook, error) {
	defer rows.Close()
	var out []PendingWebhook
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, fmt.Errorf("scan webhook: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (q *PostgresWebhookQueue) EnqueueWebhook(ctx context.Context, webhook PendingWebhook) (string, error) {
	defer metrics.MeasureDBQuery(q.metrics, "enqueue_webhook", postgresBackendLabel)()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	prepareWebhook(&webhook, time.Now().UTC())
	headersJSON, err := json.Marshal(webhook.Headers)
	if err != nil {
		return "", fmt.Errorf("marshal headers: %w", err)
	}

	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		q.table, webhookColumns)
	_, err = q.db.ExecContext(ctx, query,
		webhook.ID, webhook.MerchantID, webhook.URL, []byte(webhook.Payload), headersJSON,
		webhook.EventType, string(webhook.Status), webhook.Attempts, webhook.MaxAttempts,
		nullString(webhook.LastError), nullTime(webhook.LastAttemptAt), webhook.NextAttemptAt,
		webhook.CreatedAt, nullTimePtr(webhook.CompletedAt))
	if err != nil {
		return "", fmt.Errorf("insert webhook: %w", err)
	}
	return webhook.ID, nil
}

// DequeueWebhooks claims due jobs in a single statement.
func (q *PostgresWebhookQueue) DequeueWebhooks(ctx context.Context, limit int) ([]PendingWebhook, error) {
	defer metrics.MeasureDBQuery(q.metrics, "dequeue_webhooks", postgresBackendLabel)()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	now := time.Now().UTC()
	query := fmt.Sprintf(`
		UPDATE %[1]s SET status = $1, attempts = attempts + 1, last_attempt_at = $2
		WHERE id IN (
			SELECT id FROM %[1]s
			WHERE status = $3 AND next_attempt_at <= $2
			ORDER BY next_attempt_at ASC
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING %[2]s`, q.table, webhookColumns)

	rows, err := q.db.QueryContext(ctx, query, string(WebhookStatusProcessing), now, string(WebhookStatusPending), limit)
	if err != nil {
		return nil, fmt.Errorf("claim webhooks: %w", err)
	}
	return collectWebhooks(rows)
}

func (q *PostgresWebhookQueue) MarkWebhookSuccess(ctx context.Context, id string) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`UPDATE %s SET status = $1, completed_at = $2, last_error = NULL WHERE id = $3`, q.table)
	return q.execOne(ctx, query, string(WebhookStatusSuccess), time.Now().UTC(), id)
}

func (q *PostgresWebhookQueue) MarkWebhookFailed(ctx context.Context, id string, errMsg string, nextAttemptAt time.Time) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		UPDATE %s SET
			last_error = $1,
			status = CASE WHEN attempts >= max_attempts THEN $2::text ELSE $3::text END,
			completed_at = CASE WHEN attempts >= max_attempts THEN $4::timestamptz ELSE NULL END,
			next_attempt_at = CASE WHEN attempts >= max_attempts THEN next_attempt_at ELSE $5::timestamptz END
		WHERE id = $6`, q.table)
	return q.execOne(ctx, query, errMsg, string(WebhookStatusFailed), string(WebhookStatusPending),
		time.Now().UTC(), nextAttemptAt.UTC(), id)
}

func (q *PostgresWebhookQueue) GetWebhook(ctx context.Context, id string) (PendingWebhook, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, webhookColumns, q.table)
	w, err := scanWebhook(q.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return PendingWebhook{}, ErrNotFound
	}
	if err != nil {
		return PendingWebhook{}, fmt.Errorf("query webhook: %w", err)
	}
	return w, nil
}

func (q *PostgresWebhookQueue) ListWebhooks(ctx context.Context, status WebhookStatus, limit int) ([]PendingWebhook, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}
	var (
		rows *sql.Rows
		err  error
	)
	if status == "" {
		query := fmt.Sprintf(`SELECT %s FROM %s ORDER BY created_at DESC LIMIT $1`, webhookColumns, q.table)
		rows, err = q.db.QueryContext(ctx, query, limit)
	} else {
		query := fmt.Sprintf(`SELECT %s FROM %s WHERE status = $1 ORDER BY created_at DESC LIMIT $2`, webhookColumns, q.table)
		rows, err = q.db.QueryContext(ctx, query, string(status), limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list webhooks: %w", err)
	}
	return collectWebhooks(rows)
}

func (q *PostgresWebhookQueue) RetryWebhook(ctx context.Context, id string) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		UPDATE %s SET status = $1, attempts = 0, next_attempt_at = $2, completed_at = NULL
		WHERE id = $3`, q.table)
	return q.execOne(ctx, query, string(WebhookStatusPending), time.Now().UTC(), id)
}

func (q *PostgresWebhookQueue) PurgeWebhooks(ctx context.Context, completedBefore, failedBefore time.Time) (int64, error) {
	defer metrics.MeasureDBQuery(q.metrics, "purge_webhooks", postgresBackendLabel)()

	query := fmt.Sprintf(`
		DELETE FROM %s
		WHERE (status = $1 AND completed_at < $2) OR (status = $3 AND completed_at < $4)`, q.table)
	res, err := q.db.ExecContext(ctx, query, string(WebhookStatusSuccess), completedBefore,
		string(WebhookStatusFailed), failedBefore)
	if err != nil {
		return 0, fmt.Errorf("purge webhooks: %w", err)
	}
	return res.RowsAffected()
}

func (q *PostgresWebhookQueue) RequeueStaleWebhooks(ctx context.Context, claimedBefore time.Time) (int64, error) {
	const exhausted = "max_attempts > 0 AND attempts >= max_attempts"
	now := time.Now().UTC()
	query := fmt.Sprintf(`
		UPDATE %[1]s SET
			status = CASE WHEN %[2]s THEN $1::text ELSE $2::text END,
			completed_at = CASE WHEN %[2]s THEN $3::timestamptz ELSE completed_at END,
			last_error = CASE WHEN %[2]s THEN $4::text ELSE last_error END,
			next_attempt_at = CASE WHEN %[2]s THEN next_attempt_at ELSE $3::timestamptz END
		WHERE status = $5 AND last_attempt_at < $6`, q.table, exhausted)
	res, err := q.db.ExecContext(ctx, query, string(WebhookStatusFailed), string(WebhookStatusPending),
		now, staleClaimError, string(WebhookStatusProcessing), claimedBefore)
	if err != nil {
		return 0, fmt.Errorf("requeue webhooks: %w", err)
	}
	return res.RowsAffected()
}

func (q *PostgresWebhookQueue) execOne(ctx context.Context, query string, args ...interface{}) error {
	res, err := q.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update webhook: %w", err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Close is a no-op; the shared pool is closed by its owner.
func (q *PostgresWebhookQueue) Close() error { return nil }
