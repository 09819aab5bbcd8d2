// Package maintenance runs the periodic sweeps that keep the ledger tidy:
// intent expiry, spent token cleanup, webhook history purge and eviction of
// expired in-process cache entries.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/CedrosPay/accessgate/internal/config"
	"github.com/CedrosPay/accessgate/internal/logger"
	"github.com/CedrosPay/accessgate/internal/metrics"
	"github.com/CedrosPay/accessgate/internal/storage"
)

const (
	defaultIntentSweep  = time.Hour
	defaultTokenSweep   = 24 * time.Hour
	defaultWebhookPurge = time.Hour
	defaultCacheSweep   = 10 * time.Minute

	defaultCompletedRetention = 24 * time.Hour
	defaultFailedRetention    = 7 * 24 * time.Hour

	// Jobs left in processing longer than this are assumed orphaned by a
	// crashed worker.
	staleClaimAfter = 5 * time.Minute

	passTimeout = 5 * time.Minute
)

// IntentSweeper expires pending intents past their window.
type IntentSweeper interface {
	CleanupExpired(ctx context.Context) (int64, error)
}

// TokenSweeper deletes redeemed and expired access tokens.
type TokenSweeper interface {
	CleanupTokens(ctx context.Context) (int64, error)
}

// CacheSweeper evicts expired entries from an in-process cache.
type CacheSweeper interface {
	Sweep() int
}

// Dependencies are the components the sweeps act on. Nil members disable
// their sweep.
type Dependencies struct {
	Intents  IntentSweeper
	Tokens   TokenSweeper
	Webhooks storage.WebhookQueue
	Cache    CacheSweeper
}

type task struct {
	name     string
	interval time.Duration
	run      func(ctx context.Context) (int64, error)
}

// Scheduler owns one ticker loop per sweep.
type Scheduler struct {
	enabled bool
	tasks   []task

	completedRetention time.Duration
	failedRetention    time.Duration

	logger  zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	startOnce sync.Once
	stopOnce  sync.Once
	stopChan  chan struct{}
	wg        sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler logger.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Scheduler) { s.logger = log.With().Str("component", "maintenance").Logger() }
}

// WithMetrics records webhook purge counts.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithClock replaces time.Now for retention cutoffs.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// NewScheduler builds the sweeps enabled by cfg and deps.
func NewScheduler(cfg config.MaintenanceConfig, hooks config.WebhooksConfig, deps Dependencies, opts ...Option) *Scheduler {
	s := &Scheduler{
		enabled:            cfg.Enabled,
		completedRetention: orDefault(hooks.CompletedRetention.Duration, defaultCompletedRetention),
		failedRetention:    orDefault(hooks.FailedRetention.Duration, defaultFailedRetention),
		logger:             zerolog.Nop(),
		now:                func() time.Time { return time.Now().UTC() },
		stopChan:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if deps.Intents != nil {
		s.tasks = append(s.tasks, task{
			name:     "intent_expiry",
			interval: orDefault(cfg.IntentSweepInterval.Duration, defaultIntentSweep),
			run:      deps.Intents.CleanupExpired,
		})
	}
	if deps.Tokens != nil {
		s.tasks = append(s.tasks, task{
			name:     "token_cleanup",
			interval: orDefault(cfg.TokenSweepInterval.Duration, defaultTokenSweep),
			run:      deps.Tokens.CleanupTokens,
		})
	}
	if deps.Webhooks != nil {
		queue := deps.Webhooks
		s.tasks = append(s.tasks, task{
			name:     "webhook_purge",
			interval: orDefault(cfg.WebhookPurgeInterval.Duration, defaultWebhookPurge),
			run: func(ctx context.Context) (int64, error) {
				return s.purgeWebhooks(ctx, queue)
			},
		})
	}
	if deps.Cache != nil {
		sweeper := deps.Cache
		s.tasks = append(s.tasks, task{
			name:     "cache_sweep",
			interval: orDefault(cfg.CacheSweepInterval.Duration, defaultCacheSweep),
			run: func(context.Context) (int64, error) {
				return int64(sweeper.Sweep()), nil
			},
		})
	}
	return s
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// Start launches the sweep loops. Each sweep runs once immediately.
func (s *Scheduler) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		if !s.enabled {
			s.logger.Info().Msg("maintenance.disabled")
			return
		}
		for _, t := range s.tasks {
			s.wg.Add(1)
			go s.loop(ctx, t)
		}
		s.logger.Info().Int("tasks", len(s.tasks)).Msg("maintenance.started")
	})
}

// Stop ends every loop and waits for running passes.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
		s.wg.Wait()
	})
}

// RunOnce runs every sweep immediately and returns their combined error.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	var errs []error
	for _, t := range s.tasks {
		if err := s.runTask(ctx, t); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", t.name, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Scheduler) loop(ctx context.Context, t task) {
	defer s.wg.Done()

	_ = s.runTask(ctx, t)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = s.runTask(ctx, t)
		}
	}
}

func (s *Scheduler) runTask(ctx context.Context, t task) error {
	ctx, cancel := context.WithTimeout(ctx, passTimeout)
	defer cancel()

	log := s.logger.With().Str("task", t.name).Logger()
	ctx = logger.WithContext(ctx, log)

	start := time.Now()
	count, err := t.run(ctx)
	if err != nil {
		log.Error().Err(err).Msg("maintenance.task_failed")
		return err
	}
	log.Debug().Int64("count", count).Dur("duration", time.Since(start)).Msg("maintenance.task_completed")
	return nil
}

func (s *Scheduler) purgeWebhooks(ctx context.Context, queue storage.WebhookQueue) (int64, error) {
	now := s.now()

	requeued, err := queue.RequeueStaleWebhooks(ctx, now.Add(-staleClaimAfter))
	if err != nil {
		return 0, fmt.Errorf("requeue stale webhooks: %w", err)
	}
	if requeued > 0 {
		log := logger.FromContext(ctx)
		log.Warn().Int64("count", requeued).Msg("maintenance.webhooks_requeued")
	}

	purged, err := queue.PurgeWebhooks(ctx, now.Add(-s.completedRetention), now.Add(-s.failedRetention))
	if err != nil {
		return 0, fmt.Errorf("purge webhooks: %w", err)
	}
	s.metrics.ObserveWebhooksPurged(purged)
	if purged > 0 {
		log := logger.FromContext(ctx)
		log.Info().Int64("count", purged).Msg("maintenance.webhooks_purged")
	}
	return purged, nil
}
