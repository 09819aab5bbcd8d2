package observers

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

type recordingObserver struct {
	mu          sync.Mutex
	payments    []PaymentConfirmedEvent
	delivered   []WebhookDeliveredEvent
	failed      []WebhookFailedEvent
	shouldPanic bool
}

func (o *recordingObserver) Name() string { return "recording" }

func (o *recordingObserver) OnPaymentConfirmed(_ context.Context, event PaymentConfirmedEvent) {
	if o.shouldPanic {
		panic("observer exploded")
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.payments = append(o.payments, event)
}

func (o *recordingObserver) OnWebhookDelivered(_ context.Context, event WebhookDeliveredEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.delivered = append(o.delivered, event)
}

func (o *recordingObserver) OnWebhookFailed(_ context.Context, event WebhookFailedEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failed = append(o.failed, event)
}

func TestRegistry_DispatchesToAllObservers(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	a, b := &recordingObserver{}, &recordingObserver{}
	r.RegisterPaymentObserver(a)
	r.RegisterPaymentObserver(b)
	r.RegisterWebhookObserver(a)

	ctx := context.Background()
	r.EmitPaymentConfirmed(ctx, PaymentConfirmedEvent{PaymentID: "pay-1"})
	r.EmitWebhookDelivered(ctx, WebhookDeliveredEvent{WebhookID: "wh-1"})
	r.EmitWebhookFailed(ctx, WebhookFailedEvent{WebhookID: "wh-2", Terminal: true})

	if len(a.payments) != 1 || len(b.payments) != 1 {
		t.Fatalf("expected both observers to see the payment, got %d and %d", len(a.payments), len(b.payments))
	}
	if len(a.delivered) != 1 || len(a.failed) != 1 {
		t.Fatalf("expected webhook events, got %d delivered %d failed", len(a.delivered), len(a.failed))
	}
	if len(b.delivered) != 0 {
		t.Fatal("payment-only observer received webhook events")
	}
}

func TestRegistry_RecoversFromPanics(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	bad := &recordingObserver{shouldPanic: true}
	good := &recordingObserver{}
	r.RegisterPaymentObserver(bad)
	r.RegisterPaymentObserver(good)

	r.EmitPaymentConfirmed(context.Background(), PaymentConfirmedEvent{PaymentID: "pay-1"})

	if len(good.payments) != 1 {
		t.Fatal("observer after a panicking one must still be called")
	}
}

func TestRegistry_NilIsSafe(t *testing.T) {
	var r *Registry
	r.EmitPaymentConfirmed(context.Background(), PaymentConfirmedEvent{})
	r.EmitWebhookDelivered(context.Background(), WebhookDeliveredEvent{})
	r.EmitWebhookFailed(context.Background(), WebhookFailedEvent{})
}

func TestLoggingObserver(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	o := NewLoggingObserver(zerolog.Nop())
	r.RegisterPaymentObserver(o)
	r.RegisterWebhookObserver(o)

	r.EmitPaymentConfirmed(context.Background(), PaymentConfirmedEvent{TxSignature: "5VERYLONGSIGNATURE", MatchedBy: "memo"})
	r.EmitWebhookFailed(context.Background(), WebhookFailedEvent{Terminal: true})
}
