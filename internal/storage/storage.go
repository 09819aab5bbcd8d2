package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrDuplicatePayment is returned when a payment for the transaction signature already exists.
	ErrDuplicatePayment = errors.New("storage: payment already recorded for transaction")
	// ErrDuplicatePurchase is returned when a purchase for the payment already exists.
	ErrDuplicatePurchase = errors.New("storage: purchase already recorded for payment")
	// ErrDuplicateMemo is returned when an intent memo collides with an existing one.
	ErrDuplicateMemo = errors.New("storage: memo already in use")
	// ErrDuplicateToken is returned when a token jti or payment link already exists.
	ErrDuplicateToken = errors.New("storage: access token already exists")
	// ErrIntentNotPending is returned when a commit targets an intent that is no longer pending.
	ErrIntentNotPending = errors.New("storage: intent is not pending")
	// ErrIntentExpired is returned when a commit targets a pending intent past its expiry.
	ErrIntentExpired = errors.New("storage: intent has expired")
	// ErrAlreadyRedeemed is returned when a token has already been redeemed.
	ErrAlreadyRedeemed = errors.New("storage: token already redeemed")
	// ErrSerialization is returned when the database aborted a transaction under concurrent writers.
	ErrSerialization = errors.New("storage: serialization failure")
)

// Store persists the payment ledger: intents, payments, access tokens and purchases.
type Store interface {
	// Intents
	CreateIntent(ctx context.Context, intent PaymentIntent) error
	GetIntent(ctx context.Context, id string) (PaymentIntent, error)
	GetIntentByMemo(ctx context.Context, memo string) (PaymentIntent, error)
	// ListPendingIntents returns unexpired pending intents for merchant/content, newest first.
	ListPendingIntents(ctx context.Context, merchantID, contentID string, now time.Time, limit int) ([]PaymentIntent, error)
	// ExpirePendingIntents marks pending intents with expires_at < now as expired.
	ExpirePendingIntents(ctx context.Context, now time.Time) (int64, error)

	// Access tokens
	CreateAccessToken(ctx context.Context, token AccessToken) error
	GetAccessToken(ctx context.Context, jti string) (AccessToken, error)
	GetAccessTokenByPayment(ctx context.Context, paymentID string) (AccessToken, error)
	// MarkTokenRedeemed sets redeemed_at only when it is still unset.
	MarkTokenRedeemed(ctx context.Context, jti string, at time.Time) error
	// DeleteRedeemedExpiredTokens removes tokens that are both redeemed and expired.
	DeleteRedeemedExpiredTokens(ctx context.Context, now time.Time) (int64, error)

	// Payments and purchases
	GetPaymentBySignature(ctx context.Context, txSignature string) (Payment, error)
	GetPurchaseByPayment(ctx context.Context, paymentID string) (Purchase, error)
	CreatePurchase(ctx context.Context, purchase Purchase) error
	// CommitPayment confirms the intent and writes payment, token and purchase atomically.
	CommitPayment(ctx context.Context, s Settlement) error

	Ping(ctx context.Context) error
	Close() error
}

// WebhookQueue is a durable at-least-once delivery queue.
type WebhookQueue interface {
	EnqueueWebhook(ctx context.Context, webhook PendingWebhook) (string, error)
	// DequeueWebhooks claims up to limit due jobs, moving them to processing
	// and incrementing their attempt count.
	DequeueWebhooks(ctx context.Context, limit int) ([]PendingWebhook, error)
	MarkWebhookSuccess(ctx context.Context, id string) error
	// MarkWebhookFailed reschedules the job at nextAttemptAt, or fails it for
	// good once its attempts are used up.
	MarkWebhookFailed(ctx context.Context, id string, errMsg string, nextAttemptAt time.Time) error
	GetWebhook(ctx context.Context, id string) (PendingWebhook, error)
	ListWebhooks(ctx context.Context, status WebhookStatus, limit int) ([]PendingWebhook, error)
	// RetryWebhook resets a failed job to pending with a fresh attempt budget.
	RetryWebhook(ctx context.Context, id string) error
	// PurgeWebhooks deletes successful jobs completed before completedBefore
	// and failed jobs completed before failedBefore.
	PurgeWebhooks(ctx context.Context, completedBefore, failedBefore time.Time) (int64, error)
	// RequeueStaleWebhooks returns processing jobs claimed before the cutoff to
	// pending. Jobs whose lost claim was their final attempt are marked failed.
	RequeueStaleWebhooks(ctx context.Context, claimedBefore time.Time) (int64, error)
	Close() error
}
