package payments

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/CedrosPay/accessgate/internal/config"
	apierrors "github.com/CedrosPay/accessgate/internal/errors"
	"github.com/CedrosPay/accessgate/internal/logger"
	"github.com/CedrosPay/accessgate/internal/metrics"
	"github.com/CedrosPay/accessgate/internal/retry"
)

// VerificationWorker retries verifications for transactions that were not
// yet visible when the buyer submitted them. Jobs live in memory only.
type VerificationWorker struct {
	reconciler *Reconciler
	jobs       chan VerifyRequest
	workers    int
	policy     retry.Policy
	lookups    int
	sleep      retry.Sleeper
	logger     zerolog.Logger
	metrics    *metrics.Metrics

	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
	stopped   atomic.Bool
	cancel    context.CancelFunc
}

// WorkerOption configures a VerificationWorker.
type WorkerOption func(*VerificationWorker)

// WithWorkerLogger sets the worker logger.
func WithWorkerLogger(log zerolog.Logger) WorkerOption {
	return func(w *VerificationWorker) {
		w.logger = log.With().Str("component", "verification_worker").Logger()
	}
}

// WithWorkerMetrics records job outcomes.
func WithWorkerMetrics(m *metrics.Metrics) WorkerOption {
	return func(w *VerificationWorker) { w.metrics = m }
}

// WithWorkerSleeper replaces the wait between attempts.
func WithWorkerSleeper(s retry.Sleeper) WorkerOption {
	return func(w *VerificationWorker) { w.sleep = s }
}

// NewVerificationWorker sizes the pool and queue from cfg.
func NewVerificationWorker(rec *Reconciler, cfg config.VerificationConfig, opts ...WorkerOption) *VerificationWorker {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 2
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = 256
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 5
	}
	base := cfg.BaseDelay.Duration
	if base <= 0 {
		base = 2 * time.Second
	}
	lookups := cfg.ChainLookups
	if lookups <= 0 {
		lookups = defaultChainLookups
	}

	w := &VerificationWorker{
		reconciler: rec,
		jobs:       make(chan VerifyRequest, size),
		workers:    workers,
		policy:     retry.Policy{MaxAttempts: attempts, Base: base, Multiplier: 2},
		lookups:    lookups,
		sleep:      retry.Sleep,
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Enqueue schedules a verification. It never blocks: a full queue is
// reported to the caller immediately.
func (w *VerificationWorker) Enqueue(req VerifyRequest) error {
	if err := req.validate(); err != nil {
		return err
	}
	if w.stopped.Load() {
		return apierrors.New(apierrors.ErrCodeVerificationQueue, "verification worker is shutting down")
	}
	select {
	case w.jobs <- req:
		w.metrics.ObserveVerificationJob("queued")
		return nil
	default:
		w.metrics.ObserveVerificationJob("rejected_full")
		return apierrors.New(apierrors.ErrCodeVerificationQueue, "verification queue is full, retry later")
	}
}

// Start launches the worker goroutines.
func (w *VerificationWorker) Start(ctx context.Context) {
	w.startOnce.Do(func() {
		ctx, w.cancel = context.WithCancel(ctx)
		for i := 0; i < w.workers; i++ {
			w.wg.Add(1)
			go w.run(ctx)
		}
		w.logger.Info().Int("workers", w.workers).Int("queue_size", cap(w.jobs)).Msg("verification.worker_started")
	})
}

// Stop cancels in-flight waits and waits for the goroutines. Queued jobs are
// dropped.
func (w *VerificationWorker) Stop() {
	w.stopOnce.Do(func() {
		w.stopped.Store(true)
		if w.cancel != nil {
			w.cancel()
		}
		w.wg.Wait()
		if n := len(w.jobs); n > 0 {
			w.logger.Warn().Int("dropped", n).Msg("verification.worker_dropped_jobs")
		}
	})
}

func (w *VerificationWorker) run(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-w.jobs:
			w.process(ctx, req)
		}
	}
}

func (w *VerificationWorker) process(ctx context.Context, req VerifyRequest) {
	log := w.logger.With().
		Str("tx_signature", logger.TruncateAddress(req.TxSignature)).
		Str("merchant_id", req.MerchantID).
		Logger()
	ctx = logger.WithContext(ctx, log)

	res, err := retry.Do(ctx, w.policy, w.sleep, retryableVerification,
		func(ctx context.Context, attempt int) (VerifyResult, error) {
			log.Debug().Int("attempt", attempt).Msg("verification.attempt")
			return w.reconciler.verify(ctx, req, w.lookups)
		})

	switch {
	case err == nil:
		w.metrics.ObserveVerificationJob("confirmed")
		log.Info().Str("payment_id", res.PaymentID).Bool("replayed", res.Replayed).Msg("verification.job_confirmed")
	case ctx.Err() != nil:
		w.metrics.ObserveVerificationJob("cancelled")
	case retryableVerification(err):
		w.metrics.ObserveVerificationJob("exhausted")
		log.Warn().Err(err).Int("attempts", w.policy.MaxAttempts).Msg("verification.job_exhausted")
	default:
		w.metrics.ObserveVerificationJob("rejected")
		log.Warn().Err(err).Msg("verification.job_rejected")
	}
}

// retryableVerification keeps retrying while the ledger has not shown the
// transaction or a backend was briefly unavailable.
func retryableVerification(err error) bool {
	return apierrors.CodeOf(err).IsRetryable()
}
