package payments

import (
	"context"
	"testing"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/CedrosPay/accessgate/internal/config"
	apierrors "github.com/CedrosPay/accessgate/internal/errors"
)

func TestGetPaymentStatus(t *testing.T) {
	ctx := context.Background()

	t.Run("missing signature", func(t *testing.T) {
		f := newFixture(t, config.PaymentsConfig{})
		_, err := f.rec.GetPaymentStatus(ctx, "")
		if !apierrors.HasCode(err, apierrors.ErrCodeMissingField) {
			t.Fatalf("expected missing_field, got %v", err)
		}
	})

	t.Run("not on chain", func(t *testing.T) {
		f := newFixture(t, config.PaymentsConfig{})
		res, err := f.rec.GetPaymentStatus(ctx, testSignature)
		if err != nil {
			t.Fatalf("GetPaymentStatus failed: %v", err)
		}
		if res.Status != StatusNotFound || res.ConfirmedAt != nil {
			t.Fatalf("unexpected result: %+v", res)
		}
		if len(f.ledger.lookups) != 1 || f.ledger.lookups[0] != 1 {
			t.Fatalf("status check should make a single lookup, got %v", f.ledger.lookups)
		}
	})

	t.Run("on chain but not verified", func(t *testing.T) {
		f := newFixture(t, config.PaymentsConfig{})
		f.addIntent(t, nil)
		f.ledger.txs[testSignature] = transferTx(testMemo, 1_000_000)

		res, err := f.rec.GetPaymentStatus(ctx, testSignature)
		if err != nil {
			t.Fatalf("GetPaymentStatus failed: %v", err)
		}
		if res.Status != StatusPending {
			t.Fatalf("status = %s, want pending", res.Status)
		}
		if f.cache.Len() != 0 {
			t.Fatal("pending answers must not be cached")
		}
	})

	t.Run("canceled caller does not cancel the shared lookup", func(t *testing.T) {
		f := newFixture(t, config.PaymentsConfig{})
		f.ledger.txs[testSignature] = transferTx(testMemo, 1_000_000)
		canceled, cancel := context.WithCancel(ctx)
		cancel()

		res, err := f.rec.GetPaymentStatus(canceled, testSignature)
		if err != nil {
			t.Fatalf("GetPaymentStatus failed: %v", err)
		}
		if res.Status != StatusPending {
			t.Fatalf("status = %s, want pending", res.Status)
		}
		if len(f.ledger.ctxErrs) != 1 || f.ledger.ctxErrs[0] != nil {
			t.Fatalf("ledger saw context errors %v", f.ledger.ctxErrs)
		}
	})

	t.Run("confirmed and cached", func(t *testing.T) {
		f := newFixture(t, config.PaymentsConfig{})
		f.addIntent(t, nil)
		f.ledger.txs[testSignature] = transferTx(testMemo, 1_000_000)
		if _, err := f.rec.VerifyPayment(ctx, verifyReq()); err != nil {
			t.Fatalf("VerifyPayment failed: %v", err)
		}
		calls := f.ledger.calls()

		res, err := f.rec.GetPaymentStatus(ctx, testSignature)
		if err != nil {
			t.Fatalf("GetPaymentStatus failed: %v", err)
		}
		if res.Status != StatusConfirmed || res.ConfirmedAt == nil || !res.ConfirmedAt.Equal(baseTime) {
			t.Fatalf("unexpected result: %+v", res)
		}

		again, err := f.rec.GetPaymentStatus(ctx, testSignature)
		if err != nil {
			t.Fatalf("cached GetPaymentStatus failed: %v", err)
		}
		if again.Status != StatusConfirmed {
			t.Fatalf("cached status = %s", again.Status)
		}
		if got := promtest.ToFloat64(f.metrics.CacheRequestsTotal.WithLabelValues("payment_status", "hit")); got != 1 {
			t.Fatalf("cache hits = %v, want 1", got)
		}
		if f.ledger.calls() != calls {
			t.Fatal("confirmed status must not touch the ledger")
		}
	})
}
