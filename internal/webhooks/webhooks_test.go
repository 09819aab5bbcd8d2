package webhooks

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/CedrosPay/accessgate/internal/catalog"
	"github.com/CedrosPay/accessgate/internal/config"
	"github.com/CedrosPay/accessgate/internal/metrics"
	"github.com/CedrosPay/accessgate/internal/observers"
	"github.com/CedrosPay/accessgate/internal/storage"
)

const testSecret = "whsec_test"

var baseTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func testWebhookConfig() config.WebhooksConfig {
	return config.WebhooksConfig{
		Enabled: true,
		Retry: config.RetryConfig{
			MaxAttempts:     5,
			InitialInterval: config.Duration{Duration: 2 * time.Second},
			MaxInterval:     config.Duration{Duration: 5 * time.Minute},
			Multiplier:      2,
		},
		Timeout:   config.Duration{Duration: 2 * time.Second},
		BatchSize: 10,
	}
}

func testRepo(url string) catalog.Repository {
	return catalog.NewYAMLRepository([]config.MerchantConfig{
		{ID: "merchant-hooks", WebhookURL: url, WebhookSecret: testSecret},
		{ID: "merchant-picky", WebhookURL: url, WebhookSecret: testSecret, WebhookEvents: []string{EventPurchaseCompleted}},
		{ID: "merchant-silent"},
		{ID: "merchant-nosecret", WebhookURL: url},
	}, nil)
}

type fixture struct {
	now        time.Time
	queue      *storage.MemoryWebhookQueue
	dispatcher *Dispatcher
	worker     *Worker
	metrics    *metrics.Metrics
	observed   *recorder
}

type recorder struct {
	mu        sync.Mutex
	delivered int
	failed    []observers.WebhookFailedEvent
}

func (r *recorder) Name() string { return "recorder" }
func (r *recorder) OnWebhookDelivered(context.Context, observers.WebhookDeliveredEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delivered++
}
func (r *recorder) OnWebhookFailed(_ context.Context, e observers.WebhookFailedEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, e)
}

func newFixture(t *testing.T, url string) *fixture {
	t.Helper()
	f := &fixture{now: baseTime, queue: storage.NewMemoryWebhookQueue(), observed: &recorder{}}
	clock := func() time.Time { return f.now }
	f.queue.SetClock(clock)
	f.metrics = metrics.New(prometheus.NewRegistry())

	registry := observers.NewRegistry(zerolog.Nop())
	registry.RegisterWebhookObserver(f.observed)

	cfg := testWebhookConfig()
	f.dispatcher = NewDispatcher(testRepo(url), f.queue, cfg, WithDispatcherClock(clock), WithDispatcherMetrics(f.metrics))
	f.worker = NewWorker(WorkerOptions{
		Queue:     f.queue,
		Config:    cfg,
		Logger:    zerolog.Nop(),
		Metrics:   f.metrics,
		Observers: registry,
		Clock:     clock,
	})
	return f
}

func TestSignature_RoundTrip(t *testing.T) {
	body := []byte(`{"event":"payment.confirmed"}`)
	sig := Sign(body, testSecret)
	if len(sig) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(sig))
	}

	tests := []struct {
		name   string
		body   []byte
		sig    string
		secret string
		want   bool
	}{
		{"valid", body, sig, testSecret, true},
		{"wrong secret", body, sig, "other", false},
		{"modified body", []byte(`{"event":"payment.confirmed "}`), sig, testSecret, false},
		{"malformed hex", body, "zz" + sig[2:], testSecret, false},
		{"truncated", body, sig[:32], testSecret, false},
		{"empty", body, "", testSecret, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := VerifySignature(tt.body, tt.sig, tt.secret); got != tt.want {
				t.Errorf("VerifySignature = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDispatcher_Send(t *testing.T) {
	f := newFixture(t, "https://merchant.example/hooks")
	ctx := context.Background()

	id, err := f.dispatcher.Send(ctx, "merchant-hooks", EventPaymentConfirmed, map[string]string{"paymentId": "pay-1"})
	if err != nil || id == "" {
		t.Fatalf("Send failed: id=%q err=%v", id, err)
	}

	job, err := f.queue.GetWebhook(ctx, id)
	if err != nil {
		t.Fatalf("GetWebhook failed: %v", err)
	}
	if job.URL != "https://merchant.example/hooks" || job.MaxAttempts != 5 || job.EventType != EventPaymentConfirmed {
		t.Fatalf("unexpected job: %+v", job)
	}
	if job.Headers[EventHeader] != EventPaymentConfirmed {
		t.Errorf("event header = %q", job.Headers[EventHeader])
	}
	if !VerifySignature(job.Payload, job.Headers[SignatureHeader], testSecret) {
		t.Error("stored signature does not verify against the stored body")
	}

	var env struct {
		Event      string            `json:"event"`
		Data       map[string]string `json:"data"`
		Timestamp  string            `json:"timestamp"`
		MerchantID string            `json:"merchantId"`
	}
	if err := json.Unmarshal(job.Payload, &env); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if env.Event != EventPaymentConfirmed || env.MerchantID != "merchant-hooks" || env.Data["paymentId"] != "pay-1" {
		t.Errorf("unexpected envelope: %+v", env)
	}
	if env.Timestamp != "2025-06-01T12:00:00Z" {
		t.Errorf("timestamp = %s", env.Timestamp)
	}
	if n := promtest.ToFloat64(f.metrics.WebhooksEnqueuedTotal.WithLabelValues(EventPaymentConfirmed)); n != 1 {
		t.Errorf("enqueued metric = %.0f", n)
	}
}

func TestDispatcher_SkipsUnconfigured(t *testing.T) {
	f := newFixture(t, "https://merchant.example/hooks")
	ctx := context.Background()

	tests := []struct {
		name     string
		merchant string
		event    string
	}{
		{"no url or secret", "merchant-silent", EventPaymentConfirmed},
		{"no secret", "merchant-nosecret", EventPaymentConfirmed},
		{"event not subscribed", "merchant-picky", EventPaymentConfirmed},
		{"unknown merchant", "merchant-ghost", EventPaymentConfirmed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := f.dispatcher.Send(ctx, tt.merchant, tt.event, nil)
			if err != nil || id != "" {
				t.Fatalf("expected silent skip, got id=%q err=%v", id, err)
			}
		})
	}

	if id, _ := f.dispatcher.Send(ctx, "merchant-picky", EventPurchaseCompleted, nil); id == "" {
		t.Error("subscribed event should be enqueued")
	}

	disabled := NewDispatcher(testRepo("https://x"), f.queue, config.WebhooksConfig{})
	if id, err := disabled.Send(ctx, "merchant-hooks", EventPaymentConfirmed, nil); id != "" || err != nil {
		t.Errorf("disabled dispatcher enqueued: %q %v", id, err)
	}
}

func TestWorker_DeliversSignedRequest(t *testing.T) {
	var (
		gotSig, gotEvent string
		gotBody          []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get(SignatureHeader)
		gotEvent = r.Header.Get(EventHeader)
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	ctx := context.Background()
	id, err := f.dispatcher.Send(ctx, "merchant-hooks", EventPurchaseCompleted, map[string]string{"purchaseId": "pur-1"})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if n := f.worker.ProcessPending(ctx); n != 1 {
		t.Fatalf("expected 1 job processed, got %d", n)
	}
	if gotEvent != EventPurchaseCompleted || !VerifySignature(gotBody, gotSig, testSecret) {
		t.Fatalf("receiver saw event=%q, signature valid=%v", gotEvent, VerifySignature(gotBody, gotSig, testSecret))
	}

	job, _ := f.queue.GetWebhook(ctx, id)
	if job.Status != storage.WebhookStatusSuccess {
		t.Fatalf("status = %s", job.Status)
	}
	if f.observed.delivered != 1 {
		t.Errorf("expected delivered observer call, got %d", f.observed.delivered)
	}
}

func TestWorker_BackoffAndTerminalFailure(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	ctx := context.Background()
	id, _ := f.dispatcher.Send(ctx, "merchant-hooks", EventPaymentConfirmed, nil)

	wantDelays := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}
	for i, want := range wantDelays {
		if n := f.worker.ProcessPending(ctx); n != 1 {
			t.Fatalf("attempt %d: expected a claim, got %d", i+1, n)
		}
		job, _ := f.queue.GetWebhook(ctx, id)
		if job.Status != storage.WebhookStatusPending {
			t.Fatalf("attempt %d: status = %s", i+1, job.Status)
		}
		if got := job.NextAttemptAt.Sub(f.now); got != want {
			t.Fatalf("attempt %d: delay = %v, want %v", i+1, got, want)
		}
		if n := f.worker.ProcessPending(ctx); n != 0 {
			t.Fatalf("attempt %d: job retried before its delay elapsed", i+1)
		}
		f.now = job.NextAttemptAt
	}

	if n := f.worker.ProcessPending(ctx); n != 1 {
		t.Fatal("expected the fifth attempt")
	}
	job, _ := f.queue.GetWebhook(ctx, id)
	if job.Status != storage.WebhookStatusFailed || job.Attempts != 5 {
		t.Fatalf("expected terminal failure after 5 attempts, got %s/%d", job.Status, job.Attempts)
	}
	if job.LastError != "received status 500" {
		t.Errorf("last error = %q", job.LastError)
	}

	f.now = f.now.Add(time.Hour)
	if n := f.worker.ProcessPending(ctx); n != 0 {
		t.Fatal("terminal job must not be retried")
	}
	if got := atomic.LoadInt32(&calls); got != 5 {
		t.Errorf("receiver called %d times, want 5", got)
	}
	if n := promtest.ToFloat64(f.metrics.WebhookFailedTotal.WithLabelValues(EventPaymentConfirmed)); n != 1 {
		t.Errorf("terminal failure metric = %.0f", n)
	}
	if len(f.observed.failed) != 5 || !f.observed.failed[4].Terminal || f.observed.failed[3].Terminal {
		t.Errorf("unexpected failure events: %+v", f.observed.failed)
	}
}

func TestWorker_RedirectIsFailure(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer target.Close()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, target.URL, http.StatusFound)
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	ctx := context.Background()
	id, _ := f.dispatcher.Send(ctx, "merchant-hooks", EventPaymentConfirmed, nil)
	f.worker.ProcessPending(ctx)

	job, _ := f.queue.GetWebhook(ctx, id)
	if job.Status != storage.WebhookStatusPending || job.LastError == "" {
		t.Fatalf("expected rescheduled failure, got %s (%q)", job.Status, job.LastError)
	}
}

func TestWorker_StartStop(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer srv.Close()

	queue := storage.NewMemoryWebhookQueue()
	cfg := testWebhookConfig()
	cfg.PollInterval = config.Duration{Duration: 10 * time.Millisecond}
	d := NewDispatcher(testRepo(srv.URL), queue, cfg)
	w := NewWorker(WorkerOptions{Queue: queue, Config: cfg, Logger: zerolog.Nop()})

	if _, err := d.Send(context.Background(), "merchant-hooks", EventPaymentConfirmed, nil); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	w.Start(context.Background())
	defer w.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&calls) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("worker did not deliver within 2s")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWorker_StopWithoutStart(t *testing.T) {
	w := NewWorker(WorkerOptions{Queue: storage.NewMemoryWebhookQueue(), Logger: zerolog.Nop()})
	w.Stop()
	w.Stop()
}

func TestPolicy_Defaults(t *testing.T) {
	p := Policy(config.RetryConfig{})
	if p.MaxAttempts != 5 || p.Base != 2*time.Second || p.Cap != 5*time.Minute {
		t.Fatalf("unexpected defaults: %+v", p)
	}
	if p.Delay(4) != 16*time.Second {
		t.Errorf("delay(4) = %v", p.Delay(4))
	}
}
