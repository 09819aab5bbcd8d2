package payments

import (
	"context"
	"errors"
	"time"

	"github.com/CedrosPay/accessgate/internal/cache"
	"github.com/CedrosPay/accessgate/internal/chain"
	apierrors "github.com/CedrosPay/accessgate/internal/errors"
	"github.com/CedrosPay/accessgate/internal/storage"
)

// Status values reported by GetPaymentStatus besides StatusConfirmed.
const (
	StatusPending  = "pending"
	StatusNotFound = "not_found"
)

// StatusResult describes what is known about a transaction signature.
type StatusResult struct {
	Status      string     `json:"status"`
	TxSignature string     `json:"txSignature"`
	ConfirmedAt *time.Time `json:"confirmedAt,omitempty"`
}

func statusCacheKey(signature string) string {
	return "payment:status:" + signature
}

// statusLookupTimeout bounds the shared ledger lookup, which outlives any
// single caller.
const statusLookupTimeout = 15 * time.Second

// GetPaymentStatus reports confirmed when a Payment exists, otherwise asks
// the ledger once: pending when the transaction is visible, not_found when it
// is not. Only confirmed answers are cached.
func (r *Reconciler) GetPaymentStatus(ctx context.Context, signature string) (StatusResult, error) {
	if signature == "" {
		return StatusResult{}, apierrors.New(apierrors.ErrCodeMissingField, "tx is required")
	}

	key := statusCacheKey(signature)
	if cached, ok := cache.GetJSON[StatusResult](ctx, r.cache, key); ok {
		r.metrics.ObserveCache("payment_status", "hit")
		return cached, nil
	}
	r.metrics.ObserveCache("payment_status", "miss")

	payment, err := r.store.GetPaymentBySignature(ctx, signature)
	switch {
	case err == nil:
		status := StatusConfirmed
		if intent, ierr := r.store.GetIntent(ctx, payment.IntentID); ierr == nil {
			status = string(intent.Status)
		}
		confirmedAt := payment.ConfirmedAt
		res := StatusResult{Status: status, TxSignature: signature, ConfirmedAt: &confirmedAt}
		if status == StatusConfirmed {
			cache.SetJSON(ctx, r.cache, key, res, r.statusTTL)
		}
		return res, nil
	case !errors.Is(err, storage.ErrNotFound):
		return StatusResult{}, apierrors.Wrap(apierrors.ErrCodeDatabaseError, "load payment", err)
	}

	// Concurrent pollers for the same signature share one ledger lookup.
	v, err, _ := r.statusLookups.Do(signature, func() (interface{}, error) {
		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statusLookupTimeout)
		defer cancel()
		tx, err := r.chain.VerifyTransaction(lookupCtx, signature, chain.Options{MaxRetries: 1})
		if err != nil {
			return nil, err
		}
		if tx == nil {
			return StatusNotFound, nil
		}
		return StatusPending, nil
	})
	if err != nil {
		return StatusResult{}, err
	}
	return StatusResult{Status: v.(string), TxSignature: signature}, nil
}
