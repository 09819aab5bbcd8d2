package observers

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/CedrosPay/accessgate/internal/logger"
)

// LoggingObserver writes every event to zerolog. Registered in development.
type LoggingObserver struct {
	logger zerolog.Logger
}

// NewLoggingObserver creates a logging observer.
func NewLoggingObserver(log zerolog.Logger) *LoggingObserver {
	return &LoggingObserver{logger: log.With().Str("component", "observer").Logger()}
}

func (o *LoggingObserver) Name() string {
	return "logging"
}

func (o *LoggingObserver) OnPaymentConfirmed(_ context.Context, event PaymentConfirmedEvent) {
	o.logger.Info().
		Str("payment_id", event.PaymentID).
		Str("intent_id", event.IntentID).
		Str("merchant_id", event.MerchantID).
		Str("content_id", event.ContentID).
		Str("tx_signature", logger.TruncateAddress(event.TxSignature)).
		Str("payer", logger.TruncateAddress(event.PayerWallet)).
		Uint64("amount", event.Amount).
		Str("currency", event.Currency).
		Str("matched_by", event.MatchedBy).
		Dur("duration", event.Duration).
		Msg("observer.payment_confirmed")
}

func (o *LoggingObserver) OnWebhookDelivered(_ context.Context, event WebhookDeliveredEvent) {
	o.logger.Info().
		Str("webhook_id", event.WebhookID).
		Str("event_type", event.EventType).
		Int("attempts", event.Attempts).
		Int("status_code", event.StatusCode).
		Dur("duration", event.Duration).
		Msg("observer.webhook_delivered")
}

func (o *LoggingObserver) OnWebhookFailed(_ context.Context, event WebhookFailedEvent) {
	evt := o.logger.Warn()
	if event.Terminal {
		evt = o.logger.Error()
	}
	evt.Str("webhook_id", event.WebhookID).
		Str("event_type", event.EventType).
		Int("attempts", event.Attempts).
		Bool("terminal", event.Terminal).
		Str("error", event.Error).
		Msg("observer.webhook_failed")
}
