package storage

import (
	"encoding/json"
	"math"
	"time"
)

// IntentStatus is the lifecycle state of a payment intent.
type IntentStatus string

const (
	IntentStatusPending   IntentStatus = "pending"
	IntentStatusConfirmed IntentStatus = "confirmed"
	IntentStatusExpired   IntentStatus = "expired"
)

// PaymentIntent is a merchant's request for payment, matched to an on-chain
// transfer through its memo.
type PaymentIntent struct {
	ID                 string       `json:"id"`
	MerchantID         string       `json:"merchantId"`
	ContentID          string       `json:"contentId"`
	Memo               string       `json:"memo"`
	Nonce              string       `json:"nonce"`
	Amount             uint64       `json:"amount"`
	Currency           string       `json:"currency"`
	Recipient          string       `json:"recipient"`          // Payout address at creation time
	AccessDurationSecs int64        `json:"accessDurationSecs"` // Access window granted on confirmation
	Status             IntentStatus `json:"status"`
	CreatedAt          time.Time    `json:"createdAt"`
	ExpiresAt          time.Time    `json:"expiresAt"`
	ConfirmedAt        *time.Time   `json:"confirmedAt,omitempty"`
}

// Expired reports whether the intent's window has closed at now.
func (p PaymentIntent) Expired(now time.Time) bool {
	return !now.Before(p.ExpiresAt)
}

// Matchable reports whether the intent can still accept a payment.
func (p PaymentIntent) Matchable(now time.Time) bool {
	return p.Status == IntentStatusPending && !p.Expired(now)
}

// AccessDuration returns the access window granted when the intent is paid.
// Values that do not fit a time.Duration report zero.
func (p PaymentIntent) AccessDuration() time.Duration {
	if p.AccessDurationSecs <= 0 || p.AccessDurationSecs > math.MaxInt64/int64(time.Second) {
		return 0
	}
	return time.Duration(p.AccessDurationSecs) * time.Second
}

// Payment records a verified on-chain transaction credited to an intent.
type Payment struct {
	ID          string     `json:"id"`
	IntentID    string     `json:"intentId"`
	TxSignature string     `json:"txSignature"`
	PayerWallet string     `json:"payerWallet"`
	Amount      uint64     `json:"amount"`
	Currency    string     `json:"currency"`
	BlockTime   *time.Time `json:"blockTime,omitempty"`
	Slot        *uint64    `json:"slot,omitempty"`
	ConfirmedAt time.Time  `json:"confirmedAt"`
}

// AccessToken is the persisted state of a bearer credential. The signed JWT
// is derived from it and never stored.
type AccessToken struct {
	ID         string     `json:"id"`
	JTI        string     `json:"jti"`
	MerchantID string     `json:"merchantId"`
	ContentID  string     `json:"contentId,omitempty"`
	PaymentID  string     `json:"paymentId,omitempty"`
	ExpiresAt  time.Time  `json:"expiresAt"`
	RedeemedAt *time.Time `json:"redeemedAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// Redeemed reports whether the token has been spent.
func (t AccessToken) Redeemed() bool {
	return t.RedeemedAt != nil
}

// Expired reports whether the token is past its expiry at now.
func (t AccessToken) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// Purchase links a buyer's wallet to the content it paid for.
type Purchase struct {
	ID            string     `json:"id"`
	WalletAddress string     `json:"walletAddress"`
	PaymentID     string     `json:"paymentId"`
	ContentID     string     `json:"contentId"`
	MerchantID    string     `json:"merchantId"`
	AccessTokenID string     `json:"accessTokenId"`
	PurchasedAt   time.Time  `json:"purchasedAt"`
	ExpiresAt     *time.Time `json:"expiresAt,omitempty"`
}

// Settlement is the unit of work written by CommitPayment.
type Settlement struct {
	IntentID string
	Payment  Payment
	Token    AccessToken
	Purchase Purchase
	Now      time.Time // Intent must still be unexpired at this instant
}

// WebhookStatus represents the current state of a webhook in the queue.
type WebhookStatus string

const (
	WebhookStatusPending    WebhookStatus = "pending"    // Waiting for delivery
	WebhookStatusProcessing WebhookStatus = "processing" // Claimed by a worker
	WebhookStatusFailed     WebhookStatus = "failed"     // Out of attempts
	WebhookStatusSuccess    WebhookStatus = "success"    // Delivered, kept until purged
)

// PendingWebhook is a signed merchant notification persisted until delivered.
type PendingWebhook struct {
	ID            string            `json:"id"`
	MerchantID    string            `json:"merchantId"`
	URL           string            `json:"url"`
	Payload       json.RawMessage   `json:"payload"`
	Headers       map[string]string `json:"headers"`
	EventType     string            `json:"eventType"`
	Status        WebhookStatus     `json:"status"`
	Attempts      int               `json:"attempts"`
	MaxAttempts   int               `json:"maxAttempts"`
	LastError     string            `json:"lastError"`
	LastAttemptAt time.Time         `json:"lastAttemptAt"`
	NextAttemptAt time.Time         `json:"nextAttemptAt"`
	CreatedAt     time.Time         `json:"createdAt"`
	CompletedAt   *time.Time        `json:"completedAt"`
}

// Exhausted reports whether the job has used every attempt.
func (w PendingWebhook) Exhausted() bool {
	return w.MaxAttempts > 0 && w.Attempts >= w.MaxAttempts
}

// DefaultWebhookMaxAttempts applies when a job is enqueued without a budget.
const DefaultWebhookMaxAttempts = 5

// staleClaimError is recorded on jobs whose worker lost the claim on their
// final attempt.
const staleClaimError = "delivery worker lost its claim on the final attempt"

func prepareWebhook(w *PendingWebhook, now time.Time) {
	if w.ID == "" {
		w.ID = NewID()
	}
	if w.Status == "" {
		w.Status = WebhookStatusPending
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = now
	}
	if w.NextAttemptAt.IsZero() {
		w.NextAttemptAt = now
	}
	if w.MaxAttempts == 0 {
		w.MaxAttempts = DefaultWebhookMaxAttempts
	}
}
