// Package webhooks signs merchant notifications, persists them on a durable
// queue and delivers them with bounded retries.
package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/CedrosPay/accessgate/internal/catalog"
	"github.com/CedrosPay/accessgate/internal/config"
	"github.com/CedrosPay/accessgate/internal/logger"
	"github.com/CedrosPay/accessgate/internal/metrics"
	"github.com/CedrosPay/accessgate/internal/storage"
)

// Event types emitted after a payment commit.
const (
	EventPaymentConfirmed  = "payment.confirmed"
	EventPurchaseCompleted = "purchase.completed"
)

// Envelope is the signed request body.
type Envelope struct {
	Event      string      `json:"event"`
	Data       interface{} `json:"data"`
	Timestamp  string      `json:"timestamp"`
	MerchantID string      `json:"merchantId"`
}

// Dispatcher turns events into queued, signed deliveries. It never performs
// network I/O itself.
type Dispatcher struct {
	catalog     catalog.Repository
	queue       storage.WebhookQueue
	maxAttempts int
	disabled    bool
	metrics     *metrics.Metrics
	now         func() time.Time
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatcherMetrics records enqueued jobs.
func WithDispatcherMetrics(m *metrics.Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithDispatcherClock replaces time.Now for envelope timestamps.
func WithDispatcherClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) { d.now = now }
}

// NewDispatcher creates a dispatcher. When cfg.Enabled is false every Send is
// a no-op.
func NewDispatcher(repo catalog.Repository, queue storage.WebhookQueue, cfg config.WebhooksConfig, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		catalog:     repo,
		queue:       queue,
		maxAttempts: cfg.Retry.MaxAttempts,
		disabled:    !cfg.Enabled,
		now:         func() time.Time { return time.Now().UTC() },
	}
	if d.maxAttempts <= 0 {
		d.maxAttempts = storage.DefaultWebhookMaxAttempts
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Send enqueues eventType for merchantID. It returns the job id, or "" when
// the merchant has no webhook configured or has not subscribed to the event.
func (d *Dispatcher) Send(ctx context.Context, merchantID, eventType string, data interface{}) (string, error) {
	if d == nil || d.disabled {
		return "", nil
	}
	log := logger.FromContext(ctx)

	merchant, err := d.catalog.GetMerchant(ctx, merchantID)
	if errors.Is(err, catalog.ErrMerchantNotFound) {
		log.Debug().Str("merchant_id", merchantID).Msg("webhook.skipped_unknown_merchant")
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("webhooks: load merchant: %w", err)
	}
	if !merchant.WebhooksConfigured() || !merchant.EventEnabled(eventType) {
		return "", nil
	}

	body, err := json.Marshal(Envelope{
		Event:      eventType,
		Data:       data,
		Timestamp:  d.now().UTC().Format(time.RFC3339),
		MerchantID: merchantID,
	})
	if err != nil {
		return "", fmt.Errorf("webhooks: marshal envelope: %w", err)
	}

	id, err := d.queue.EnqueueWebhook(ctx, storage.PendingWebhook{
		MerchantID: merchantID,
		URL:        merchant.WebhookURL,
		Payload:    json.RawMessage(body),
		Headers: map[string]string{
			"Content-Type":  "application/json",
			SignatureHeader: Sign(body, merchant.WebhookSecret),
			EventHeader:     eventType,
		},
		EventType:   eventType,
		MaxAttempts: d.maxAttempts,
	})
	if err != nil {
		return "", fmt.Errorf("webhooks: enqueue: %w", err)
	}

	d.metrics.ObserveWebhookEnqueued(eventType)
	log.Debug().
		Str("webhook_id", id).
		Str("merchant_id", merchantID).
		Str("event_type", eventType).
		Msg("webhook.enqueued")
	return id, nil
}

// SendAll enqueues each event, logging failures instead of returning them.
// Post-commit notification must never fail the caller.
func (d *Dispatcher) SendAll(ctx context.Context, merchantID string, events map[string]interface{}) {
	for _, ev := range []string{EventPaymentConfirmed, EventPurchaseCompleted} {
		data, ok := events[ev]
		if !ok {
			continue
		}
		if _, err := d.Send(ctx, merchantID, ev, data); err != nil {
			log := logger.FromContext(ctx)
			log.Warn().
				Err(err).
				Str("merchant_id", merchantID).
				Str("event_type", ev).
				Msg("webhook.enqueue_failed")
		}
	}
}
