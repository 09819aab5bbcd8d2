// Package observers lets embedders react to confirmed payments and webhook
// outcomes without touching the reconciliation path.
package observers

import (
	"context"
	"time"
)

// Observer is the base interface for all observers.
type Observer interface {
	// Name identifies the observer in logs.
	Name() string
}

// PaymentObserver receives post-commit payment events.
type PaymentObserver interface {
	Observer

	// OnPaymentConfirmed is called once per newly confirmed payment. Replays
	// of an already confirmed signature do not trigger it.
	OnPaymentConfirmed(ctx context.Context, event PaymentConfirmedEvent)
}

// WebhookObserver receives delivery outcomes from the webhook worker.
type WebhookObserver interface {
	Observer

	OnWebhookDelivered(ctx context.Context, event WebhookDeliveredEvent)
	OnWebhookFailed(ctx context.Context, event WebhookFailedEvent)
}

// PaymentConfirmedEvent describes a committed payment.
type PaymentConfirmedEvent struct {
	PaymentID     string
	IntentID      string
	MerchantID    string
	ContentID     string
	TxSignature   string
	PayerWallet   string
	Amount        uint64
	Currency      string
	MatchedBy     string // "memo" or "fallback"
	AccessExpires time.Time
	ConfirmedAt   time.Time
	Duration      time.Duration
}

// WebhookDeliveredEvent describes a successful delivery.
type WebhookDeliveredEvent struct {
	WebhookID  string
	MerchantID string
	EventType  string
	Attempts   int
	StatusCode int
	Duration   time.Duration
}

// WebhookFailedEvent describes a failed attempt. Terminal is true once the
// job will not be retried.
type WebhookFailedEvent struct {
	WebhookID     string
	MerchantID    string
	EventType     string
	Attempts      int
	Error         string
	Terminal      bool
	NextAttemptAt time.Time
}
