package observers

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Registry fans events out to registered observers. A panicking observer is
// logged and skipped.
type Registry struct {
	payments []PaymentObserver
	webhooks []WebhookObserver
	logger   zerolog.Logger
	mu       sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{logger: logger}
}

// RegisterPaymentObserver adds a payment observer.
func (r *Registry) RegisterPaymentObserver(o PaymentObserver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payments = append(r.payments, o)
	r.logger.Info().Str("observer", o.Name()).Msg("observers.registered_payment")
}

// RegisterWebhookObserver adds a webhook observer.
func (r *Registry) RegisterWebhookObserver(o WebhookObserver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.webhooks = append(r.webhooks, o)
	r.logger.Info().Str("observer", o.Name()).Msg("observers.registered_webhook")
}

// EmitPaymentConfirmed dispatches to every payment observer. Safe on a nil
// registry.
func (r *Registry) EmitPaymentConfirmed(ctx context.Context, event PaymentConfirmedEvent) {
	if r == nil {
		return
	}
	r.mu.RLock()
	list := r.payments
	r.mu.RUnlock()

	for _, o := range list {
		func() {
			defer r.recoverPanic("OnPaymentConfirmed", o.Name())
			o.OnPaymentConfirmed(ctx, event)
		}()
	}
}

// EmitWebhookDelivered dispatches to every webhook observer.
func (r *Registry) EmitWebhookDelivered(ctx context.Context, event WebhookDeliveredEvent) {
	if r == nil {
		return
	}
	r.mu.RLock()
	list := r.webhooks
	r.mu.RUnlock()

	for _, o := range list {
		func() {
			defer r.recoverPanic("OnWebhookDelivered", o.Name())
			o.OnWebhookDelivered(ctx, event)
		}()
	}
}

// EmitWebhookFailed dispatches to every webhook observer.
func (r *Registry) EmitWebhookFailed(ctx context.Context, event WebhookFailedEvent) {
	if r == nil {
		return
	}
	r.mu.RLock()
	list := r.webhooks
	r.mu.RUnlock()

	for _, o := range list {
		func() {
			defer r.recoverPanic("OnWebhookFailed", o.Name())
			o.OnWebhookFailed(ctx, event)
		}()
	}
}

func (r *Registry) recoverPanic(method, name string) {
	if err := recover(); err != nil {
		r.logger.Error().
			Str("observer", name).
			Str("method", method).
			Interface("panic", err).
			Msg("observers.panic_recovered")
	}
}
