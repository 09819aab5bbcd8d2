package payments

import (
	"context"
	"sync"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/CedrosPay/accessgate/internal/config"
	apierrors "github.com/CedrosPay/accessgate/internal/errors"
)

type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *recordingSleeper) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *recordingSleeper) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

func waitForJob(t *testing.T, f *fixture, outcome string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if promtest.ToFloat64(f.metrics.VerificationJobsTotal.WithLabelValues(outcome)) >= 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s job", outcome)
}

func newTestWorker(f *fixture, cfg config.VerificationConfig, sleeper *recordingSleeper) *VerificationWorker {
	return NewVerificationWorker(f.rec, cfg,
		WithWorkerMetrics(f.metrics),
		WithWorkerSleeper(sleeper.sleep),
	)
}

func TestVerificationWorker_RetriesUntilVisible(t *testing.T) {
	f := newFixture(t, config.PaymentsConfig{})
	f.addIntent(t, nil)
	f.ledger.txs[testSignature] = transferTx(testMemo, 1_000_000)
	f.ledger.hidden = 2

	sleeper := &recordingSleeper{}
	w := newTestWorker(f, config.VerificationConfig{Workers: 1}, sleeper)
	w.Start(context.Background())
	defer w.Stop()

	if err := w.Enqueue(verifyReq()); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	waitForJob(t, f, "confirmed")

	want := []time.Duration{2 * time.Second, 4 * time.Second}
	got := sleeper.recorded()
	if len(got) != len(want) {
		t.Fatalf("delays = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("delays = %v, want %v", got, want)
		}
	}
	for _, n := range f.ledger.lookups {
		if n != defaultChainLookups {
			t.Fatalf("each attempt should use %d lookups, got %v", defaultChainLookups, f.ledger.lookups)
		}
	}
	if _, err := f.store.GetPaymentBySignature(context.Background(), testSignature); err != nil {
		t.Fatalf("payment not committed: %v", err)
	}
}

func TestVerificationWorker_ExhaustsAttempts(t *testing.T) {
	f := newFixture(t, config.PaymentsConfig{})
	f.addIntent(t, nil)

	sleeper := &recordingSleeper{}
	w := newTestWorker(f, config.VerificationConfig{Workers: 1, MaxAttempts: 3}, sleeper)
	w.Start(context.Background())
	defer w.Stop()

	if err := w.Enqueue(verifyReq()); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	waitForJob(t, f, "exhausted")

	if got := f.ledger.calls(); got != 3 {
		t.Fatalf("attempts = %d, want 3", got)
	}
	if got := len(sleeper.recorded()); got != 2 {
		t.Fatalf("waits = %d, want 2", got)
	}
}

func TestVerificationWorker_StopsOnPermanentError(t *testing.T) {
	f := newFixture(t, config.PaymentsConfig{})
	f.addIntent(t, nil)
	f.ledger.txs[testSignature] = transferTx("PAY:unknown", 1)

	sleeper := &recordingSleeper{}
	w := newTestWorker(f, config.VerificationConfig{Workers: 1}, sleeper)
	w.Start(context.Background())
	defer w.Stop()

	if err := w.Enqueue(verifyReq()); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	waitForJob(t, f, "rejected")

	if got := f.ledger.calls(); got != 1 {
		t.Fatalf("attempts = %d, want 1", got)
	}
	if len(sleeper.recorded()) != 0 {
		t.Fatal("a permanent error must not be retried")
	}
}

func TestVerificationWorker_EnqueueFailsFast(t *testing.T) {
	f := newFixture(t, config.PaymentsConfig{})
	w := newTestWorker(f, config.VerificationConfig{QueueSize: 1}, &recordingSleeper{})

	if err := w.Enqueue(verifyReq()); err != nil {
		t.Fatalf("first Enqueue failed: %v", err)
	}
	err := w.Enqueue(verifyReq())
	if !apierrors.HasCode(err, apierrors.ErrCodeVerificationQueue) {
		t.Fatalf("expected verification_queue_full, got %v", err)
	}
	if err := w.Enqueue(VerifyRequest{TxSignature: testSignature}); !apierrors.HasCode(err, apierrors.ErrCodeMissingField) {
		t.Fatalf("expected missing_field, got %v", err)
	}

	w.Stop()
	if err := w.Enqueue(verifyReq()); !apierrors.HasCode(err, apierrors.ErrCodeVerificationQueue) {
		t.Fatalf("expected rejection after Stop, got %v", err)
	}
}
