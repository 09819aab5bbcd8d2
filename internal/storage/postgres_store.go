package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/lib/pq"

	"github.com/CedrosPay/accessgate/internal/metrics"
)

// PostgresStore implements Store on PostgreSQL.
type PostgresStore struct {
	db      *sql.DB
	metrics *metrics.Metrics

	intentsTable   string
	paymentsTable  string
	tokensTable    string
	purchasesTable string
}

// PostgresOption configures a PostgresStore.
type PostgresOption func(*PostgresStore)

// WithStoreMetrics records query latency.
func WithStoreMetrics(m *metrics.Metrics) PostgresOption {
	return func(s *PostgresStore) { s.metrics = m }
}

// NewPostgresStoreWithDB creates the ledger tables on a shared pool. The pool
// is owned by the caller and is not closed by Close.
func NewPostgresStoreWithDB(ctx context.Context, db *sql.DB, tablePrefix string, opts ...PostgresOption) (*PostgresStore, error) {
	prefix, err := validateTablePrefix(tablePrefix)
	if err != nil {
		return nil, err
	}
	s := &PostgresStore{
		db:             db,
		intentsTable:   pq.QuoteIdentifier(prefix + "payment_intents"),
		paymentsTable:  pq.QuoteIdentifier(prefix + "payments"),
		tokensTable:    pq.QuoteIdentifier(prefix + "access_tokens"),
		purchasesTable: pq.QuoteIdentifier(prefix + "purchases"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.createTables(ctx, prefix); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) createTables(ctx context.Context, prefix string) error {
	stmts := []string{
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			merchant_id TEXT NOT NULL,
			content_id TEXT NOT NULL,
			memo TEXT NOT NULL UNIQUE,
			nonce TEXT NOT NULL,
			amount NUMERIC(20,0) NOT NULL,
			currency TEXT NOT NULL,
			recipient TEXT NOT NULL,
			access_duration_secs BIGINT NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			confirmed_at TIMESTAMPTZ
		)`, s.intentsTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (merchant_id, content_id, status, created_at DESC)`,
			pq.QuoteIdentifier(prefix+"intents_lookup_idx"), s.intentsTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (expires_at) WHERE status = 'pending'`,
			pq.QuoteIdentifier(prefix+"intents_pending_expiry_idx"), s.intentsTable),
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			intent_id TEXT NOT NULL UNIQUE REFERENCES %s (id),
			tx_signature TEXT NOT NULL UNIQUE,
			payer_wallet TEXT NOT NULL,
			amount NUMERIC(20,0) NOT NULL,
			currency TEXT NOT NULL,
			block_time TIMESTAMPTZ,
			slot BIGINT,
			confirmed_at TIMESTAMPTZ NOT NULL
		)`, s.paymentsTable, s.intentsTable),
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			jti TEXT NOT NULL UNIQUE,
			merchant_id TEXT NOT NULL,
			content_id TEXT,
			payment_id TEXT UNIQUE REFERENCES %s (id),
			expires_at TIMESTAMPTZ NOT NULL,
			redeemed_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL
		)`, s.tokensTable, s.paymentsTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (expires_at) WHERE redeemed_at IS NOT NULL`,
			pq.QuoteIdentifier(prefix+"tokens_redeemed_expiry_idx"), s.tokensTable),
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			wallet_address TEXT NOT NULL,
			payment_id TEXT NOT NULL UNIQUE REFERENCES %s (id),
			content_id TEXT NOT NULL,
			merchant_id TEXT NOT NULL,
			access_token_id TEXT NOT NULL,
			purchased_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ
		)`, s.purchasesTable, s.paymentsTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (wallet_address)`,
			pq.QuoteIdentifier(prefix+"purchases_wallet_idx"), s.purchasesTable),
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("storage: create schema: %w", err)
		}
	}
	return nil
}

const intentColumns = `id, merchant_id, content_id, memo, nonce, amount, currency, recipient, access_duration_secs, status, created_at, expires_at, confirmed_at`

func scanIntent(row scanner) (PaymentIntent, error) {
	var (
		intent      PaymentIntent
		amount      string
		status      string
		confirmedAt sql.NullTime
	)
	err := row.Scan(&intent.ID, &intent.MerchantID, &intent.ContentID, &intent.Memo, &intent.Nonce,
		&amount, &intent.Currency, &intent.Recipient, &intent.AccessDurationSecs, &status,
		&intent.CreatedAt, &intent.ExpiresAt, &confirmedAt)
	if err != nil {
		return PaymentIntent{}, err
	}
	if intent.Amount, err = strconv.ParseUint(amount, 10, 64); err != nil {
		return PaymentIntent{}, fmt.Errorf("parse amount %q: %w", amount, err)
	}
	intent.Status = IntentStatus(status)
	intent.CreatedAt = intent.CreatedAt.UTC()
	intent.ExpiresAt = intent.ExpiresAt.UTC()
	intent.ConfirmedAt = timePtr(confirmedAt)
	return intent, nil
}

func (s *PostgresStore) CreateIntent(ctx context.Context, intent PaymentIntent) error {
	defer metrics.MeasureDBQuery(s.metrics, "create_intent", postgresBackendLabel)()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	if intent.ID == "" {
		intent.ID = NewID()
	}
	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		s.intentsTable, intentColumns)
	_, err := s.db.ExecContext(ctx, query,
		intent.ID, intent.MerchantID, intent.ContentID, intent.Memo, intent.Nonce,
		strconv.FormatUint(intent.Amount, 10), intent.Currency, intent.Recipient, intent.AccessDurationSecs,
		string(intent.Status), intent.CreatedAt, intent.ExpiresAt, nullTimePtr(intent.ConfirmedAt))
	if err != nil {
		return fmt.Errorf("insert intent: %w", mapPQError(err, ErrDuplicateMemo))
	}
	return nil
}

func (s *PostgresStore) GetIntent(ctx context.Context, id string) (PaymentIntent, error) {
	return s.getIntent(ctx, "get_intent", "id", id)
}

func (s *PostgresStore) GetIntentByMemo(ctx context.Context, memo string) (PaymentIntent, error) {
	return s.getIntent(ctx, "get_intent_by_memo", "memo", memo)
}

func (s *PostgresStore) getIntent(ctx context.Context, op, column, value string) (PaymentIntent, error) {
	defer metrics.MeasureDBQuery(s.metrics, op, postgresBackendLabel)()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE %s = $1`, intentColumns, s.intentsTable, pq.QuoteIdentifier(column))
	intent, err := scanIntent(s.db.QueryRowContext(ctx, query, value))
	if errors.Is(err, sql.ErrNoRows) {
		return PaymentIntent{}, ErrNotFound
	}
	if err != nil {
		return PaymentIntent{}, fmt.Errorf("query intent: %w", err)
	}
	return intent, nil
}

func (s *PostgresStore) ListPendingIntents(ctx context.Context, merchantID, contentID string, now time.Time, limit int) ([]PaymentIntent, error) {
	defer metrics.MeasureDBQuery(s.metrics, "list_pending_intents", postgresBackendLabel)()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	if limit <= 0 {
		limit = 10
	}
	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE merchant_id = $1 AND content_id = $2 AND status = $3 AND expires_at > $4
		ORDER BY created_at DESC
		LIMIT $5`, intentColumns, s.intentsTable)

	rows, err := s.db.QueryContext(ctx, query, merchantID, contentID, string(IntentStatusPending), now, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending intents: %w", err)
	}
	defer rows.Close()

	var out []PaymentIntent
	for rows.Next() {
		intent, err := scanIntent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan intent: %w", err)
		}
		out = append(out, intent)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ExpirePendingIntents(ctx context.Context, now time.Time) (int64, error) {
	defer metrics.MeasureDBQuery(s.metrics, "expire_intents", postgresBackendLabel)()

	query := fmt.Sprintf(`UPDATE %s SET status = $1 WHERE status = $2 AND expires_at < $3`, s.intentsTable)
	res, err := s.db.ExecContext(ctx, query, string(IntentStatusExpired), string(IntentStatusPending), now)
	if err != nil {
		return 0, fmt.Errorf("expire intents: %w", err)
	}
	return res.RowsAffected()
}

const tokenColumns = `id, jti, merchant_id, content_id, payment_id, expires_at, redeemed_at, created_at`

func scanToken(row scanner) (AccessToken, error) {
	var (
		token      AccessToken
		contentID  sql.NullString
		paymentID  sql.NullString
		redeemedAt sql.NullTime
	)
	if err := row.Scan(&token.ID, &token.JTI, &token.MerchantID, &contentID, &paymentID,
		&token.ExpiresAt, &redeemedAt, &token.CreatedAt); err != nil {
		return AccessToken{}, err
	}
	token.ContentID = contentID.String
	token.PaymentID = paymentID.String
	token.ExpiresAt = token.ExpiresAt.UTC()
	token.CreatedAt = token.CreatedAt.UTC()
	token.RedeemedAt = timePtr(redeemedAt)
	return token, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (s *PostgresStore) insertToken(ctx context.Context, db execer, token AccessToken) error {
	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`, s.tokensTable, tokenColumns)
	_, err := db.ExecContext(ctx, query, token.ID, token.JTI, token.MerchantID,
		nullString(token.ContentID), nullString(token.PaymentID),
		token.ExpiresAt, nullTimePtr(token.RedeemedAt), token.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert access token: %w", mapPQError(err, ErrDuplicateToken))
	}
	return nil
}

func (s *PostgresStore) CreateAccessToken(ctx context.Context, token AccessToken) error {
	defer metrics.MeasureDBQuery(s.metrics, "create_token", postgresBackendLabel)()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	return s.insertToken(ctx, s.db, token)
}

func (s *PostgresStore) GetAccessToken(ctx context.Context, jti string) (AccessToken, error) {
	return s.getToken(ctx, "get_token", "jti", jti)
}

func (s *PostgresStore) GetAccessTokenByPayment(ctx context.Context, paymentID string) (AccessToken, error) {
	return s.getToken(ctx, "get_token_by_payment", "payment_id", paymentID)
}

func (s *PostgresStore) getToken(ctx context.Context, op, column, value string) (AccessToken, error) {
	defer metrics.MeasureDBQuery(s.metrics, op, postgresBackendLabel)()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE %s = $1`, tokenColumns, s.tokensTable, pq.QuoteIdentifier(column))
	token, err := scanToken(s.db.QueryRowContext(ctx, query, value))
	if errors.Is(err, sql.ErrNoRows) {
		return AccessToken{}, ErrNotFound
	}
	if err != nil {
		return AccessToken{}, fmt.Errorf("query access token: %w", err)
	}
	return token, nil
}

func (s *PostgresStore) MarkTokenRedeemed(ctx context.Context, jti string, at time.Time) error {
	defer metrics.MeasureDBQuery(s.metrics, "redeem_token", postgresBackendLabel)()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`UPDATE %s SET redeemed_at = $1 WHERE jti = $2 AND redeemed_at IS NULL`, s.tokensTable)
	res, err := s.db.ExecContext(ctx, query, at.UTC(), jti)
	if err != nil {
		return fmt.Errorf("redeem token: %w", err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 1 {
		return nil
	}

	if _, err := s.GetAccessToken(ctx, jti); err != nil {
		return err
	}
	return ErrAlreadyRedeemed
}

func (s *PostgresStore) DeleteRedeemedExpiredTokens(ctx context.Context, now time.Time) (int64, error) {
	defer metrics.MeasureDBQuery(s.metrics, "purge_tokens", postgresBackendLabel)()

	query := fmt.Sprintf(`DELETE FROM %s WHERE redeemed_at IS NOT NULL AND expires_at < $1`, s.tokensTable)
	res, err := s.db.ExecContext(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("purge tokens: %w", err)
	}
	return res.RowsAffected()
}

func (s *PostgresStore) GetPaymentBySignature(ctx context.Context, txSignature string) (Payment, error) {
	defer metrics.MeasureDBQuery(s.metrics, "get_payment", postgresBackendLabel)()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT id, intent_id, tx_signature, payer_wallet, amount, currency, block_time, slot, confirmed_at
		FROM %s WHERE tx_signature = $1`, s.paymentsTable)

	var (
		p         Payment
		amount    string
		blockTime sql.NullTime
		slot      sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, query, txSignature).Scan(&p.ID, &p.IntentID, &p.TxSignature,
		&p.PayerWallet, &amount, &p.Currency, &blockTime, &slot, &p.ConfirmedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Payment{}, ErrNotFound
	}
	if err != nil {
		return Payment{}, fmt.Errorf("query payment: %w", err)
	}
	if p.Amount, err = strconv.ParseUint(amount, 10, 64); err != nil {
		return Payment{}, fmt.Errorf("parse amount %q: %w", amount, err)
	}
	p.BlockTime = timePtr(blockTime)
	if slot.Valid {
		v := uint64(slot.Int64)
		p.Slot = &v
	}
	p.ConfirmedAt = p.ConfirmedAt.UTC()
	return p, nil
}

func (s *PostgresStore) GetPurchaseByPayment(ctx context.Context, paymentID string) (Purchase, error) {
	defer metrics.MeasureDBQuery(s.metrics, "get_purchase", postgresBackendLabel)()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT id, wallet_address, payment_id, content_id, merchant_id, access_token_id, purchased_at, expires_at
		FROM %s WHERE payment_id = $1`, s.purchasesTable)

	var (
		p         Purchase
		expiresAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, query, paymentID).Scan(&p.ID, &p.WalletAddress, &p.PaymentID,
		&p.ContentID, &p.MerchantID, &p.AccessTokenID, &p.PurchasedAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Purchase{}, ErrNotFound
	}
	if err != nil {
		return Purchase{}, fmt.Errorf("query purchase: %w", err)
	}
	p.PurchasedAt = p.PurchasedAt.UTC()
	p.ExpiresAt = timePtr(expiresAt)
	return p, nil
}

func (s *PostgresStore) insertPurchase(ctx context.Context, db execer, p Purchase) error {
	if p.ID == "" {
		p.ID = NewID()
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (id, wallet_address, payment_id, content_id, merchant_id, access_token_id, purchased_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`, s.purchasesTable)
	_, err := db.ExecContext(ctx, query, p.ID, p.WalletAddress, p.PaymentID, p.ContentID,
		p.MerchantID, p.AccessTokenID, p.PurchasedAt, nullTimePtr(p.ExpiresAt))
	if err != nil {
		return fmt.Errorf("insert purchase: %w", mapPQError(err, ErrDuplicatePurchase))
	}
	return nil
}

func (s *PostgresStore) CreatePurchase(ctx context.Context, purchase Purchase) error {
	defer metrics.MeasureDBQuery(s.metrics, "create_purchase", postgresBackendLabel)()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	return s.insertPurchase(ctx, s.db, purchase)
}

// CommitPayment runs the settlement in one SERIALIZABLE transaction. The
// intent update is guarded by status and expiry so a late or duplicate commit
// writes nothing.
func (s *PostgresStore) CommitPayment(ctx context.Context, st Settlement) (err error) {
	defer metrics.MeasureDBQuery(s.metrics, "commit_payment", postgresBackendLabel)()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	now := st.Now.UTC()
	update := fmt.Sprintf(`
		UPDATE %s SET status = $1, confirmed_at = $2
		WHERE id = $3 AND status = $4 AND expires_at > $2`, s.intentsTable)
	res, err := tx.ExecContext(ctx, update, string(IntentStatusConfirmed), now, st.IntentID, string(IntentStatusPending))
	if err != nil {
		return fmt.Errorf("confirm intent: %w", mapPQError(err, nil))
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return s.explainUnconfirmed(ctx, tx, st.IntentID)
	}

	p := st.Payment
	var slot sql.NullInt64
	if p.Slot != nil {
		slot = sql.NullInt64{Int64: int64(*p.Slot), Valid: true}
	}
	insertPayment := fmt.Sprintf(`
		INSERT INTO %s (id, intent_id, tx_signature, payer_wallet, amount, currency, block_time, slot, confirmed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`, s.paymentsTable)
	if _, err = tx.ExecContext(ctx, insertPayment, p.ID, p.IntentID, p.TxSignature, p.PayerWallet,
		strconv.FormatUint(p.Amount, 10), p.Currency, nullTimePtr(p.BlockTime), slot, p.ConfirmedAt); err != nil {
		return fmt.Errorf("insert payment: %w", mapPQError(err, ErrDuplicatePayment))
	}

	if err = s.insertToken(ctx, tx, st.Token); err != nil {
		return err
	}
	if err = s.insertPurchase(ctx, tx, st.Purchase); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit payment: %w", mapPQError(err, ErrDuplicatePayment))
	}
	return nil
}

func (s *PostgresStore) explainUnconfirmed(ctx context.Context, tx *sql.Tx, intentID string) error {
	var status string
	query := fmt.Sprintf(`SELECT status FROM %s WHERE id = $1`, s.intentsTable)
	err := tx.QueryRowContext(ctx, query, intentID).Scan(&status)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return ErrNotFound
	case err != nil:
		return fmt.Errorf("query intent status: %w", mapPQError(err, nil))
	case IntentStatus(status) == IntentStatusPending:
		return ErrIntentExpired
	default:
		return ErrIntentNotPending
	}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	return s.db.PingContext(ctx)
}

// Close is a no-op; the shared pool is closed by its owner.
func (s *PostgresStore) Close() error { return nil }
