// Package intents creates and expires payment intents.
package intents

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/CedrosPay/accessgate/internal/catalog"
	"github.com/CedrosPay/accessgate/internal/chain"
	"github.com/CedrosPay/accessgate/internal/config"
	apierrors "github.com/CedrosPay/accessgate/internal/errors"
	"github.com/CedrosPay/accessgate/internal/logger"
	"github.com/CedrosPay/accessgate/internal/metrics"
	"github.com/CedrosPay/accessgate/internal/money"
	"github.com/CedrosPay/accessgate/internal/storage"
)

const (
	// DefaultTTL is how long a buyer has to pay an intent.
	DefaultTTL = 15 * time.Minute

	memoAttempts = 3
)

// CreateIntentRequest carries the buyer's request. Nil overrides fall back to
// the content's defaults.
type CreateIntentRequest struct {
	MerchantID   string
	ContentID    string
	Price        *uint64
	Currency     string
	DurationSecs *int64
}

// CreateIntentResult is returned to the buyer's wallet flow.
type CreateIntentResult struct {
	PaymentIntentID string    `json:"paymentIntentId"`
	Memo            string    `json:"memo"`
	Nonce           string    `json:"nonce"`
	Amount          uint64    `json:"amount,string"`
	Currency        string    `json:"currency"`
	Recipient       string    `json:"recipient"`
	PaymentURI      string    `json:"paymentUri"`
	ExpiresAt       time.Time `json:"expiresAt"`
	AccessExpiresAt time.Time `json:"accessExpiresAt"`
}

// Manager owns the intent lifecycle up to confirmation.
type Manager struct {
	store         storage.Store
	catalog       catalog.Repository
	assets        *money.Registry
	ttl           time.Duration
	defaultAccess time.Duration
	uriBase       string
	metrics       *metrics.Metrics
	now           func() time.Time
	random        io.Reader
}

// Option configures a Manager.
type Option func(*Manager)

// WithMetrics records intent creation and expiry counts.
func WithMetrics(m *metrics.Metrics) Option {
	return func(mgr *Manager) { mgr.metrics = m }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(mgr *Manager) { mgr.now = now }
}

// WithRandom replaces crypto/rand as the memo and nonce source.
func WithRandom(r io.Reader) Option {
	return func(mgr *Manager) { mgr.random = r }
}

// NewManager creates an intent manager.
func NewManager(store storage.Store, repo catalog.Repository, assets *money.Registry, cfg config.IntentsConfig, opts ...Option) *Manager {
	m := &Manager{
		store:         store,
		catalog:       repo,
		assets:        assets,
		ttl:           cfg.TTL.Duration,
		defaultAccess: cfg.DefaultAccessDuration.Duration,
		uriBase:       cfg.PaymentURLBase,
		now:           func() time.Time { return time.Now().UTC() },
		random:        rand.Reader,
	}
	if m.ttl <= 0 {
		m.ttl = DefaultTTL
	}
	if m.defaultAccess <= 0 {
		m.defaultAccess = catalog.DefaultAccessDuration
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateIntent validates the merchant and content, resolves pricing and
// persists a pending intent with a fresh memo.
func (m *Manager) CreateIntent(ctx context.Context, req CreateIntentRequest) (CreateIntentResult, error) {
	log := logger.FromContext(ctx)

	if req.MerchantID == "" {
		return CreateIntentResult{}, apierrors.New(apierrors.ErrCodeMissingField, "merchantId is required")
	}
	if req.ContentID == "" {
		return CreateIntentResult{}, apierrors.New(apierrors.ErrCodeMissingField, "contentId is required")
	}
	if req.DurationSecs != nil && *req.DurationSecs < 1 {
		return CreateIntentResult{}, apierrors.New(apierrors.ErrCodeInvalidField, "duration must be at least 1 second")
	}
	if req.DurationSecs != nil && *req.DurationSecs > config.MaxAccessDurationSecs {
		return CreateIntentResult{}, apierrors.New(apierrors.ErrCodeInvalidField,
			fmt.Sprintf("duration must not exceed %d seconds", config.MaxAccessDurationSecs))
	}

	merchant, err := m.catalog.GetMerchant(ctx, req.MerchantID)
	if errors.Is(err, catalog.ErrMerchantNotFound) {
		return CreateIntentResult{}, apierrors.Wrap(apierrors.ErrCodeMerchantNotFound, "merchant not found", err)
	}
	if err != nil {
		return CreateIntentResult{}, apierrors.Wrap(apierrors.ErrCodeDatabaseError, "load merchant", err)
	}
	if !merchant.Active() {
		return CreateIntentResult{}, apierrors.New(apierrors.ErrCodeMerchantInactive,
			fmt.Sprintf("merchant status is %s, must be active", merchant.Status))
	}
	if merchant.PayoutAddress == "" {
		return CreateIntentResult{}, apierrors.New(apierrors.ErrCodeInvalidRecipient, "merchant must have a payout address configured")
	}
	if !chain.IsValidAddress(merchant.PayoutAddress) {
		return CreateIntentResult{}, apierrors.New(apierrors.ErrCodeInvalidRecipient, "invalid payout address")
	}

	content, err := m.catalog.GetContent(ctx, req.ContentID)
	if errors.Is(err, catalog.ErrContentNotFound) || (err == nil && content.MerchantID != merchant.ID) {
		return CreateIntentResult{}, apierrors.Wrap(apierrors.ErrCodeContentNotFound,
			fmt.Sprintf("content not found: %s for merchant %s", req.ContentID, req.MerchantID), err)
	}
	if err != nil {
		return CreateIntentResult{}, apierrors.Wrap(apierrors.ErrCodeDatabaseError, "load content", err)
	}

	amount := content.Price
	if req.Price != nil {
		amount = *req.Price
	}
	currency := content.Currency
	if req.Currency != "" {
		currency = req.Currency
	}
	asset, err := m.assets.Get(currency)
	if err != nil {
		return CreateIntentResult{}, apierrors.Wrap(apierrors.ErrCodeInvalidCurrency,
			fmt.Sprintf("unsupported currency %q", currency), err)
	}
	accessDuration := content.AccessDuration(m.defaultAccess)
	if req.DurationSecs != nil {
		accessDuration = time.Duration(*req.DurationSecs) * time.Second
	}

	now := m.now()
	intent := storage.PaymentIntent{
		ID:                 storage.NewID(),
		MerchantID:         merchant.ID,
		ContentID:          content.ID,
		Amount:             amount,
		Currency:           asset.Code,
		Recipient:          merchant.PayoutAddress,
		AccessDurationSecs: int64(accessDuration / time.Second),
		Status:             storage.IntentStatusPending,
		CreatedAt:          now,
		ExpiresAt:          now.Add(m.ttl),
	}
	if intent.Nonce, err = GenerateNonce(m.random); err != nil {
		return CreateIntentResult{}, apierrors.Wrap(apierrors.ErrCodeInternalError, "generate nonce", err)
	}

	for attempt := 1; ; attempt++ {
		if intent.Memo, err = GenerateMemo(m.random, merchant.ID, content.ID, now); err != nil {
			return CreateIntentResult{}, apierrors.Wrap(apierrors.ErrCodeInternalError, "generate memo", err)
		}
		err = m.store.CreateIntent(ctx, intent)
		if err == nil {
			break
		}
		if !errors.Is(err, storage.ErrDuplicateMemo) || attempt == memoAttempts {
			return CreateIntentResult{}, apierrors.Wrap(apierrors.ErrCodeDatabaseError, "persist payment intent", err)
		}
	}

	label := content.Slug
	if label == "" {
		label = "Payment"
	}
	uri := BuildPaymentURI(PaymentURIParams{
		Base:      m.uriBase,
		Recipient: merchant.PayoutAddress,
		Amount:    money.New(asset, amount),
		Label:     label,
		Message:   "Payment for " + label,
		Memo:      intent.Memo,
	})

	m.metrics.ObserveIntentCreated(asset.Code)
	log.Info().
		Str("intent_id", intent.ID).
		Str("merchant_id", merchant.ID).
		Str("content_id", content.ID).
		Uint64("amount", amount).
		Str("currency", asset.Code).
		Time("expires_at", intent.ExpiresAt).
		Msg("intent.created")

	return CreateIntentResult{
		PaymentIntentID: intent.ID,
		Memo:            intent.Memo,
		Nonce:           intent.Nonce,
		Amount:          amount,
		Currency:        asset.Code,
		Recipient:       merchant.PayoutAddress,
		PaymentURI:      uri,
		ExpiresAt:       intent.ExpiresAt,
		AccessExpiresAt: now.Add(accessDuration),
	}, nil
}

// CleanupExpired moves every pending intent past its expiry to expired.
// Confirmed intents are never touched.
func (m *Manager) CleanupExpired(ctx context.Context) (int64, error) {
	count, err := m.store.ExpirePendingIntents(ctx, m.now())
	if err != nil {
		return 0, fmt.Errorf("expire intents: %w", err)
	}
	m.metrics.ObserveIntentsExpired(count)
	if count > 0 {
		log := logger.FromContext(ctx)
		log.Info().Int64("count", count).Msg("intent.cleanup_expired")
	}
	return count, nil
}

// Get returns a stored intent.
func (m *Manager) Get(ctx context.Context, id string) (storage.PaymentIntent, error) {
	intent, err := m.store.GetIntent(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.PaymentIntent{}, apierrors.Wrap(apierrors.ErrCodeNoMatchingIntent, "payment intent not found", err)
	}
	return intent, err
}
