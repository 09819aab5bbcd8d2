// Package payments reconciles on-chain transactions against payment intents
// and grants access exactly once per transaction signature.
package payments

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/CedrosPay/accessgate/internal/cache"
	"github.com/CedrosPay/accessgate/internal/catalog"
	"github.com/CedrosPay/accessgate/internal/chain"
	"github.com/CedrosPay/accessgate/internal/config"
	apierrors "github.com/CedrosPay/accessgate/internal/errors"
	"github.com/CedrosPay/accessgate/internal/logger"
	"github.com/CedrosPay/accessgate/internal/metrics"
	"github.com/CedrosPay/accessgate/internal/money"
	"github.com/CedrosPay/accessgate/internal/observers"
	"github.com/CedrosPay/accessgate/internal/retry"
	"github.com/CedrosPay/accessgate/internal/storage"
	"github.com/CedrosPay/accessgate/internal/tokens"
	"github.com/CedrosPay/accessgate/internal/webhooks"
)

const (
	// StatusConfirmed is the only successful verification status.
	StatusConfirmed = "confirmed"

	matchedByMemo     = "memo"
	matchedByFallback = "fallback"

	defaultChainLookups       = 3
	defaultFallbackCandidates = 10
	defaultCommitAttempts     = 3
)

// ChainClient is the ledger surface the reconciler needs.
type ChainClient interface {
	VerifyTransaction(ctx context.Context, signature string, opts chain.Options) (*chain.Transaction, error)
}

// Notifier receives post-commit merchant events.
type Notifier interface {
	SendAll(ctx context.Context, merchantID string, events map[string]interface{})
}

// VerifyRequest identifies the transaction and what it is expected to pay for.
type VerifyRequest struct {
	TxSignature string `json:"txSignature"`
	MerchantID  string `json:"merchantId"`
	ContentID   string `json:"contentId"`
}

func (r VerifyRequest) validate() error {
	switch {
	case r.TxSignature == "":
		return apierrors.New(apierrors.ErrCodeMissingField, "txSignature is required")
	case r.MerchantID == "":
		return apierrors.New(apierrors.ErrCodeMissingField, "merchantId is required")
	case r.ContentID == "":
		return apierrors.New(apierrors.ErrCodeMissingField, "contentId is required")
	}
	return nil
}

// VerifyResult is returned for both first confirmations and replays.
type VerifyResult struct {
	Status      string `json:"status"`
	AccessToken string `json:"accessToken"`
	PaymentID   string `json:"paymentId"`
	Replayed    bool   `json:"-"`
}

// PaymentConfirmedData is the payment.confirmed webhook body.
type PaymentConfirmedData struct {
	PaymentID   string `json:"paymentId"`
	IntentID    string `json:"intentId"`
	TxSignature string `json:"txSignature"`
	Amount      string `json:"amount"`
	Currency    string `json:"currency"`
	PayerWallet string `json:"payerWallet"`
}

// PurchaseCompletedData is the purchase.completed webhook body.
type PurchaseCompletedData struct {
	PurchaseID      string    `json:"purchaseId"`
	PaymentID       string    `json:"paymentId"`
	ContentID       string    `json:"contentId"`
	WalletAddress   string    `json:"walletAddress"`
	AccessExpiresAt time.Time `json:"accessExpiresAt"`
}

// Reconciler implements verification, matching and the atomic commit.
type Reconciler struct {
	store     storage.Store
	chain     ChainClient
	tokens    *tokens.Issuer
	assets    *money.Registry
	cache     cache.Cache
	notifier  Notifier
	observers *observers.Registry
	metrics   *metrics.Metrics

	fallbackMatch      string
	fallbackCandidates int
	chainLookups       int
	commitPolicy       retry.Policy
	statusTTL          time.Duration
	defaultAccess      time.Duration

	sleep         retry.Sleeper
	now           func() time.Time
	statusLookups singleflight.Group
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithCache enables the payment status cache.
func WithCache(c cache.Cache) Option {
	return func(r *Reconciler) { r.cache = c }
}

// WithNotifier sets the webhook dispatcher.
func WithNotifier(n Notifier) Option {
	return func(r *Reconciler) { r.notifier = n }
}

// WithObservers sets the post-commit observer registry.
func WithObservers(reg *observers.Registry) Option {
	return func(r *Reconciler) { r.observers = reg }
}

// WithMetrics records verification outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Reconciler) { r.metrics = m }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// WithSleeper replaces the commit retry sleeper.
func WithSleeper(s retry.Sleeper) Option {
	return func(r *Reconciler) { r.sleep = s }
}

// WithChainLookups sets how many ledger lookups a synchronous verification makes.
func WithChainLookups(n int) Option {
	return func(r *Reconciler) {
		if n > 0 {
			r.chainLookups = n
		}
	}
}

// WithDefaultAccessDuration applies to intents stored without an access window.
func WithDefaultAccessDuration(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.defaultAccess = d
		}
	}
}

// NewReconciler wires the reconciler.
func NewReconciler(store storage.Store, ledger ChainClient, issuer *tokens.Issuer, assets *money.Registry, cfg config.PaymentsConfig, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:              store,
		chain:              ledger,
		tokens:             issuer,
		assets:             assets,
		cache:              cache.Noop{},
		fallbackMatch:      cfg.FallbackMatch,
		fallbackCandidates: cfg.FallbackCandidates,
		chainLookups:       defaultChainLookups,
		statusTTL:          cfg.StatusCacheTTL.Duration,
		defaultAccess:      catalog.DefaultAccessDuration,
		sleep:              retry.Sleep,
		now:                func() time.Time { return time.Now().UTC() },
	}
	if r.fallbackMatch == "" {
		r.fallbackMatch = config.FallbackMatchRecipientAmount
	}
	if r.fallbackCandidates <= 0 {
		r.fallbackCandidates = defaultFallbackCandidates
	}
	if r.statusTTL <= 0 {
		r.statusTTL = time.Minute
	}
	attempts := cfg.CommitAttempts
	if attempts <= 0 {
		attempts = defaultCommitAttempts
	}
	r.commitPolicy = retry.Policy{
		MaxAttempts: attempts,
		Base:        50 * time.Millisecond,
		Multiplier:  2,
		Cap:         500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// VerifyPayment checks the transaction on chain, matches it to a pending
// intent and commits payment, token and purchase atomically. Repeating the
// call for a confirmed signature returns the already issued token.
func (r *Reconciler) VerifyPayment(ctx context.Context, req VerifyRequest) (VerifyResult, error) {
	return r.verify(ctx, req, r.chainLookups)
}

// verify is shared by the HTTP path and the background worker; lookups is
// the ledger lookup budget for this call.
func (r *Reconciler) verify(ctx context.Context, req VerifyRequest, lookups int) (VerifyResult, error) {
	start := time.Now()
	res, err := r.verifyOnce(ctx, req, lookups)
	duration := time.Since(start)

	log := logger.FromContext(ctx)
	switch {
	case err != nil:
		r.metrics.ObservePaymentFailure(string(apierrors.CodeOf(err)), duration)
		log.Warn().
			Err(err).
			Str("tx_signature", logger.TruncateAddress(req.TxSignature)).
			Str("merchant_id", req.MerchantID).
			Str("content_id", req.ContentID).
			Msg("payment.verify.failed")
	case res.Replayed:
		r.metrics.ObservePaymentReplayed(duration)
		log.Info().
			Str("tx_signature", logger.TruncateAddress(req.TxSignature)).
			Str("payment_id", res.PaymentID).
			Msg("payment.verify.replayed")
	}
	return res, err
}

func (r *Reconciler) verifyOnce(ctx context.Context, req VerifyRequest, lookups int) (VerifyResult, error) {
	if err := req.validate(); err != nil {
		return VerifyResult{}, err
	}

	tx, err := r.chain.VerifyTransaction(ctx, req.TxSignature, chain.Options{MaxRetries: lookups})
	if err != nil {
		return VerifyResult{}, err
	}
	if tx == nil {
		return VerifyResult{}, apierrors.New(apierrors.ErrCodeTransactionNotFound,
			"transaction not found or not yet confirmed: "+req.TxSignature)
	}
	if tx.Failed() {
		return VerifyResult{}, apierrors.New(apierrors.ErrCodeTransactionFailed,
			fmt.Sprintf("transaction failed: %v", tx.Err))
	}

	if res, ok, err := r.replay(ctx, req); err != nil || ok {
		return res, err
	}

	intent, matchedBy, err := r.match(ctx, tx, req)
	if err != nil {
		// A concurrent verification of the same signature may have confirmed
		// the intent between the replay check and the match.
		if res, ok, rerr := r.replay(ctx, req); rerr == nil && ok {
			return res, nil
		}
		return VerifyResult{}, err
	}

	start := time.Now()
	var committed *storage.Settlement
	res, err := retry.Do(ctx, r.commitPolicy, r.sleep, isSerializationFailure,
		func(ctx context.Context, attempt int) (VerifyResult, error) {
			res, settlement, err := r.commit(ctx, tx, intent, req)
			committed = settlement
			return res, err
		})
	if errors.Is(err, storage.ErrSerialization) {
		return VerifyResult{}, apierrors.Wrap(apierrors.ErrCodeDatabaseError, "payment commit kept conflicting", err)
	}
	if err != nil || committed == nil {
		return res, err
	}

	r.afterCommit(ctx, intent, *committed, matchedBy, time.Since(start))
	return res, nil
}

// replay returns the existing grant for a signature that already has a
// Payment. ok is false when the signature is new.
func (r *Reconciler) replay(ctx context.Context, req VerifyRequest) (VerifyResult, bool, error) {
	payment, err := r.store.GetPaymentBySignature(ctx, req.TxSignature)
	if errors.Is(err, storage.ErrNotFound) {
		return VerifyResult{}, false, nil
	}
	if err != nil {
		return VerifyResult{}, false, apierrors.Wrap(apierrors.ErrCodeDatabaseError, "load payment", err)
	}

	intent, err := r.store.GetIntent(ctx, payment.IntentID)
	if err != nil {
		return VerifyResult{}, false, apierrors.Wrap(apierrors.ErrCodeDatabaseError, "load payment intent", err)
	}
	if intent.MerchantID != req.MerchantID || intent.ContentID != req.ContentID {
		return VerifyResult{}, false, apierrors.New(apierrors.ErrCodeNoMatchingIntent,
			"no matching payment intent found for this transaction")
	}

	token, err := r.store.GetAccessTokenByPayment(ctx, payment.ID)
	if errors.Is(err, storage.ErrNotFound) {
		// Redeemed tokens are deleted once they expire.
		return VerifyResult{}, false, apierrors.New(apierrors.ErrCodeAccessExpired, "access for this payment has expired")
	}
	if err != nil {
		return VerifyResult{}, false, apierrors.Wrap(apierrors.ErrCodeDatabaseError, "load access token for payment", err)
	}
	now := r.now()
	if token.Expired(now) {
		return VerifyResult{}, false, apierrors.New(apierrors.ErrCodeAccessExpired, "access for this payment has expired")
	}

	if _, err := r.store.GetPurchaseByPayment(ctx, payment.ID); errors.Is(err, storage.ErrNotFound) {
		expires := token.ExpiresAt
		err = r.store.CreatePurchase(ctx, storage.Purchase{
			ID:            storage.NewID(),
			WalletAddress: payment.PayerWallet,
			PaymentID:     payment.ID,
			ContentID:     intent.ContentID,
			MerchantID:    intent.MerchantID,
			AccessTokenID: token.ID,
			PurchasedAt:   now,
			ExpiresAt:     &expires,
		})
		if err != nil && !errors.Is(err, storage.ErrDuplicatePurchase) {
			return VerifyResult{}, false, apierrors.Wrap(apierrors.ErrCodeDatabaseError, "restore purchase", err)
		}
	} else if err != nil {
		return VerifyResult{}, false, apierrors.Wrap(apierrors.ErrCodeDatabaseError, "load purchase", err)
	}

	signed, err := r.tokens.Sign(token)
	if err != nil {
		return VerifyResult{}, false, err
	}
	return VerifyResult{
		Status:      StatusConfirmed,
		AccessToken: signed,
		PaymentID:   payment.ID,
		Replayed:    true,
	}, true, nil
}

// match finds the intent tx pays for: first by memo, then by scanning recent
// pending intents for the same merchant and content.
func (r *Reconciler) match(ctx context.Context, tx *chain.Transaction, req VerifyRequest) (storage.PaymentIntent, string, error) {
	log := logger.FromContext(ctx)
	now := r.now()
	memoExpired := false

	if memo := chain.ExtractMemo(tx); memo != "" {
		intent, err := r.store.GetIntentByMemo(ctx, memo)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			log.Debug().Str("memo", memo).Msg("payment.match.memo_unknown")
		case err != nil:
			return storage.PaymentIntent{}, "", apierrors.Wrap(apierrors.ErrCodeDatabaseError, "load intent by memo", err)
		case intent.MerchantID != req.MerchantID || intent.ContentID != req.ContentID:
			log.Warn().
				Str("intent_id", intent.ID).
				Str("expected_merchant", req.MerchantID).
				Str("expected_content", req.ContentID).
				Msg("payment.match.memo_mismatch")
		case intent.Status != storage.IntentStatusPending:
			log.Warn().Str("intent_id", intent.ID).Str("status", string(intent.Status)).Msg("payment.match.memo_not_pending")
		case intent.Expired(now):
			memoExpired = true
			log.Warn().Str("intent_id", intent.ID).Time("expires_at", intent.ExpiresAt).Msg("payment.match.memo_expired")
		default:
			return intent, matchedByMemo, nil
		}
	}

	candidates, err := r.store.ListPendingIntents(ctx, req.MerchantID, req.ContentID, now, r.fallbackCandidates)
	if err != nil {
		return storage.PaymentIntent{}, "", apierrors.Wrap(apierrors.ErrCodeDatabaseError, "list pending intents", err)
	}
	for _, intent := range candidates {
		if r.fallbackMatches(tx, intent) {
			log.Info().
				Str("intent_id", intent.ID).
				Str("rule", r.fallbackMatch).
				Msg("payment.match.fallback")
			return intent, matchedByFallback, nil
		}
	}

	if memoExpired {
		return storage.PaymentIntent{}, "", apierrors.New(apierrors.ErrCodeIntentExpired, "payment intent expired")
	}
	return storage.PaymentIntent{}, "", apierrors.New(apierrors.ErrCodeNoMatchingIntent,
		"no matching payment intent found for this transaction")
}

// fallbackMatches applies the configured rule for memo-less transactions.
func (r *Reconciler) fallbackMatches(tx *chain.Transaction, intent storage.PaymentIntent) bool {
	if intent.Recipient == "" {
		return false
	}
	if r.fallbackMatch == config.FallbackMatchFeePayer {
		return tx.FeePayer() == intent.Recipient
	}

	asset, err := r.assets.Get(intent.Currency)
	if err != nil {
		return false
	}
	var delta int64
	if asset.Native() {
		delta = tx.LamportDelta(intent.Recipient)
	} else {
		delta = tx.TokenDelta(intent.Recipient, asset.Mint)
	}
	return delta > 0 && uint64(delta) >= intent.Amount
}

// commit builds and writes the settlement. Losing a race to another writer
// for the same signature or intent resolves through replay.
func (r *Reconciler) commit(ctx context.Context, tx *chain.Transaction, intent storage.PaymentIntent, req VerifyRequest) (VerifyResult, *storage.Settlement, error) {
	now := r.now()
	settlement, err := r.settlement(tx, intent, req.TxSignature, now)
	if err != nil {
		return VerifyResult{}, nil, err
	}

	err = r.store.CommitPayment(ctx, settlement)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrDuplicatePayment), errors.Is(err, storage.ErrIntentNotPending):
		res, ok, rerr := r.replay(ctx, req)
		if rerr != nil {
			return VerifyResult{}, nil, retry.Permanent(rerr)
		}
		if ok {
			return res, nil, nil
		}
		return VerifyResult{}, nil, retry.Permanent(apierrors.Wrap(apierrors.ErrCodeIntentNotPending,
			"payment intent is no longer pending", err))
	case errors.Is(err, storage.ErrIntentExpired):
		return VerifyResult{}, nil, retry.Permanent(apierrors.Wrap(apierrors.ErrCodeIntentExpired, "payment intent expired", err))
	case errors.Is(err, storage.ErrSerialization):
		return VerifyResult{}, nil, err
	default:
		return VerifyResult{}, nil, retry.Permanent(apierrors.Wrap(apierrors.ErrCodeDatabaseError, "commit payment", err))
	}

	signed, err := r.tokens.Sign(settlement.Token)
	if err != nil {
		return VerifyResult{}, nil, retry.Permanent(err)
	}
	return VerifyResult{
		Status:      StatusConfirmed,
		AccessToken: signed,
		PaymentID:   settlement.Payment.ID,
	}, &settlement, nil
}

func (r *Reconciler) settlement(tx *chain.Transaction, intent storage.PaymentIntent, signature string, now time.Time) (storage.Settlement, error) {
	access := intent.AccessDuration()
	if access <= 0 {
		access = r.defaultAccess
	}
	accessExpires := now.Add(access)

	payer := tx.FeePayer()
	if payer == "" {
		payer = "unknown"
	}
	payment := storage.Payment{
		ID:          storage.NewID(),
		IntentID:    intent.ID,
		TxSignature: signature,
		PayerWallet: payer,
		Amount:      intent.Amount,
		Currency:    intent.Currency,
		BlockTime:   tx.BlockTime,
		ConfirmedAt: now,
	}
	if tx.Slot > 0 {
		slot := tx.Slot
		payment.Slot = &slot
	}

	token, err := r.tokens.NewAccessToken(tokens.CreateParams{
		MerchantID: intent.MerchantID,
		ContentID:  intent.ContentID,
		PaymentID:  payment.ID,
		ExpiresAt:  accessExpires,
	})
	if err != nil {
		return storage.Settlement{}, retry.Permanent(apierrors.Wrap(apierrors.ErrCodeInternalError, "generate access token", err))
	}

	return storage.Settlement{
		IntentID: intent.ID,
		Payment:  payment,
		Token:    token,
		Purchase: storage.Purchase{
			ID:            storage.NewID(),
			WalletAddress: payer,
			PaymentID:     payment.ID,
			ContentID:     intent.ContentID,
			MerchantID:    intent.MerchantID,
			AccessTokenID: token.ID,
			PurchasedAt:   now,
			ExpiresAt:     &accessExpires,
		},
		Now: now,
	}, nil
}

func (r *Reconciler) afterCommit(ctx context.Context, intent storage.PaymentIntent, s storage.Settlement, matchedBy string, duration time.Duration) {
	r.cache.Delete(ctx, statusCacheKey(s.Payment.TxSignature))

	if r.notifier != nil {
		r.notifier.SendAll(ctx, intent.MerchantID, map[string]interface{}{
			webhooks.EventPaymentConfirmed: PaymentConfirmedData{
				PaymentID:   s.Payment.ID,
				IntentID:    intent.ID,
				TxSignature: s.Payment.TxSignature,
				Amount:      strconv.FormatUint(s.Payment.Amount, 10),
				Currency:    s.Payment.Currency,
				PayerWallet: s.Payment.PayerWallet,
			},
			webhooks.EventPurchaseCompleted: PurchaseCompletedData{
				PurchaseID:      s.Purchase.ID,
				PaymentID:       s.Payment.ID,
				ContentID:       s.Purchase.ContentID,
				WalletAddress:   s.Purchase.WalletAddress,
				AccessExpiresAt: s.Token.ExpiresAt,
			},
		})
	}

	r.observers.EmitPaymentConfirmed(ctx, observers.PaymentConfirmedEvent{
		PaymentID:     s.Payment.ID,
		IntentID:      intent.ID,
		MerchantID:    intent.MerchantID,
		ContentID:     intent.ContentID,
		TxSignature:   s.Payment.TxSignature,
		PayerWallet:   s.Payment.PayerWallet,
		Amount:        s.Payment.Amount,
		Currency:      s.Payment.Currency,
		MatchedBy:     matchedBy,
		AccessExpires: s.Token.ExpiresAt,
		ConfirmedAt:   s.Now,
		Duration:      duration,
	})
	r.metrics.ObservePaymentConfirmed(s.Payment.Currency, matchedBy, duration)

	log := logger.FromContext(ctx)
	log.Info().
		Str("payment_id", s.Payment.ID).
		Str("intent_id", intent.ID).
		Str("tx_signature", logger.TruncateAddress(s.Payment.TxSignature)).
		Str("payer", logger.TruncateAddress(s.Payment.PayerWallet)).
		Str("matched_by", matchedBy).
		Time("access_expires_at", s.Token.ExpiresAt).
		Msg("payment.verify.confirmed")
}

func isSerializationFailure(err error) bool {
	return errors.Is(err, storage.ErrSerialization)
}
