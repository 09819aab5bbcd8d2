package webhooks

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/CedrosPay/accessgate/internal/config"
	"github.com/CedrosPay/accessgate/internal/httputil"
	"github.com/CedrosPay/accessgate/internal/metrics"
	"github.com/CedrosPay/accessgate/internal/observers"
	"github.com/CedrosPay/accessgate/internal/retry"
	"github.com/CedrosPay/accessgate/internal/storage"
)

const maxResponseDrain = 64 << 10

// WorkerOptions configures the delivery worker.
type WorkerOptions struct {
	Queue     storage.WebhookQueue
	Config    config.WebhooksConfig
	Logger    zerolog.Logger
	Metrics   *metrics.Metrics
	Observers *observers.Registry
	Client    *http.Client     // Defaults to httputil.NewClient(Config.Timeout)
	Clock     func() time.Time // Defaults to time.Now
}

// Worker polls the queue and POSTs due jobs. Each job is claimed by exactly
// one worker; a failed attempt is rescheduled on the backoff policy until the
// attempt budget is spent.
type Worker struct {
	queue        storage.WebhookQueue
	client       *http.Client
	policy       retry.Policy
	batchSize    int
	pollInterval time.Duration
	logger       zerolog.Logger
	metrics      *metrics.Metrics
	observers    *observers.Registry
	now          func() time.Time

	startOnce sync.Once
	stopOnce  sync.Once
	started   bool
	stopChan  chan struct{}
	doneChan  chan struct{}
}

// Policy converts the configured retry section into a backoff policy.
func Policy(cfg config.RetryConfig) retry.Policy {
	p := retry.Policy{
		MaxAttempts: cfg.MaxAttempts,
		Base:        cfg.InitialInterval.Duration,
		Multiplier:  cfg.Multiplier,
		Cap:         cfg.MaxInterval.Duration,
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = storage.DefaultWebhookMaxAttempts
	}
	if p.Base <= 0 {
		p.Base = 2 * time.Second
	}
	if p.Cap <= 0 {
		p.Cap = 5 * time.Minute
	}
	return p
}

// NewWorker creates a stopped worker.
func NewWorker(opts WorkerOptions) *Worker {
	timeout := opts.Config.Timeout.Duration
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := opts.Client
	if client == nil {
		client = httputil.NewClient(timeout, httputil.WithoutRedirects())
	}
	poll := opts.Config.PollInterval.Duration
	if poll <= 0 {
		poll = time.Second
	}
	batch := opts.Config.BatchSize
	if batch <= 0 {
		batch = 10
	}
	now := opts.Clock
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	return &Worker{
		queue:        opts.Queue,
		client:       client,
		policy:       Policy(opts.Config.Retry),
		batchSize:    batch,
		pollInterval: poll,
		logger:       opts.Logger.With().Str("component", "webhook_worker").Logger(),
		metrics:      opts.Metrics,
		observers:    opts.Observers,
		now:          now,
		stopChan:     make(chan struct{}),
		doneChan:     make(chan struct{}),
	}
}

// Start launches the poll loop.
func (w *Worker) Start(ctx context.Context) {
	w.startOnce.Do(func() {
		w.started = true
		go w.run(ctx)
	})
}

// Stop ends the poll loop and waits for the in-flight batch.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopChan)
		if w.started {
			<-w.doneChan
		}
	})
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.doneChan)

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	w.logger.Info().Dur("poll_interval", w.pollInterval).Msg("webhook.worker_started")

	for {
		select {
		case <-w.stopChan:
			w.logger.Info().Msg("webhook.worker_stopping")
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.ProcessPending(ctx)
		}
	}
}

// ProcessPending claims one batch of due jobs and attempts each. It returns
// the number of jobs attempted.
func (w *Worker) ProcessPending(ctx context.Context) int {
	jobs, err := w.queue.DequeueWebhooks(ctx, w.batchSize)
	if err != nil {
		w.logger.Error().Err(err).Msg("webhook.dequeue_failed")
		return 0
	}
	for _, job := range jobs {
		w.process(ctx, job)
	}
	return len(jobs)
}

func (w *Worker) process(ctx context.Context, job storage.PendingWebhook) {
	start := time.Now()
	status, err := w.deliver(ctx, job)
	duration := time.Since(start)

	if err == nil {
		if markErr := w.queue.MarkWebhookSuccess(ctx, job.ID); markErr != nil {
			w.logger.Error().Err(markErr).Str("webhook_id", job.ID).Msg("webhook.mark_success_failed")
		}
		w.metrics.ObserveWebhook(job.EventType, "success", duration, job.Attempts, false)
		w.observers.EmitWebhookDelivered(ctx, observers.WebhookDeliveredEvent{
			WebhookID:  job.ID,
			MerchantID: job.MerchantID,
			EventType:  job.EventType,
			Attempts:   job.Attempts,
			StatusCode: status,
			Duration:   duration,
		})
		w.logger.Info().
			Str("webhook_id", job.ID).
			Str("event_type", job.EventType).
			Int("attempts", job.Attempts).
			Dur("duration", duration).
			Msg("webhook.delivered")
		return
	}

	w.handleFailure(ctx, job, err, duration)
}

func (w *Worker) handleFailure(ctx context.Context, job storage.PendingWebhook, deliveryErr error, duration time.Duration) {
	nextAttemptAt := w.now().Add(w.policy.Delay(job.Attempts))
	if err := w.queue.MarkWebhookFailed(ctx, job.ID, deliveryErr.Error(), nextAttemptAt); err != nil {
		w.logger.Error().Err(err).Str("webhook_id", job.ID).Msg("webhook.mark_failed_failed")
		return
	}

	terminal := job.Exhausted()
	status := "failed"
	if terminal {
		status = "dlq"
	}
	w.metrics.ObserveWebhook(job.EventType, status, duration, job.Attempts, terminal)
	w.observers.EmitWebhookFailed(ctx, observers.WebhookFailedEvent{
		WebhookID:     job.ID,
		MerchantID:    job.MerchantID,
		EventType:     job.EventType,
		Attempts:      job.Attempts,
		Error:         deliveryErr.Error(),
		Terminal:      terminal,
		NextAttemptAt: nextAttemptAt,
	})

	if terminal {
		w.logger.Warn().
			Err(deliveryErr).
			Str("webhook_id", job.ID).
			Str("event_type", job.EventType).
			Int("attempts", job.Attempts).
			Msg("webhook.delivery_failed_permanently")
		return
	}
	w.logger.Warn().
		Err(deliveryErr).
		Str("webhook_id", job.ID).
		Str("event_type", job.EventType).
		Int("attempts", job.Attempts).
		Time("next_attempt", nextAttemptAt).
		Msg("webhook.delivery_failed")
}

// deliver performs one POST. Any non-2xx answer is a failure.
func (w *Worker) deliver(ctx context.Context, job storage.PendingWebhook) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.URL, bytes.NewReader(job.Payload))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	for key, value := range job.Headers {
		if key != "" {
			req.Header.Set(key, value)
		}
	}
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseDrain))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, fmt.Errorf("received status %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}
