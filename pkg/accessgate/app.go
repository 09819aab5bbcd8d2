// Package accessgate assembles the payment pipeline for standalone serving or
// for mounting on an existing chi router.
package accessgate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/CedrosPay/accessgate/internal/cache"
	"github.com/CedrosPay/accessgate/internal/catalog"
	"github.com/CedrosPay/accessgate/internal/chain"
	"github.com/CedrosPay/accessgate/internal/circuitbreaker"
	"github.com/CedrosPay/accessgate/internal/config"
	"github.com/CedrosPay/accessgate/internal/dbpool"
	"github.com/CedrosPay/accessgate/internal/httpserver"
	"github.com/CedrosPay/accessgate/internal/intents"
	"github.com/CedrosPay/accessgate/internal/lifecycle"
	"github.com/CedrosPay/accessgate/internal/logger"
	"github.com/CedrosPay/accessgate/internal/maintenance"
	"github.com/CedrosPay/accessgate/internal/metrics"
	"github.com/CedrosPay/accessgate/internal/money"
	"github.com/CedrosPay/accessgate/internal/observers"
	"github.com/CedrosPay/accessgate/internal/payments"
	"github.com/CedrosPay/accessgate/internal/storage"
	"github.com/CedrosPay/accessgate/internal/tokens"
	"github.com/CedrosPay/accessgate/internal/webhooks"
)

// Ledger is the chain surface the pipeline verifies against.
type Ledger interface {
	payments.ChainClient
	Health(ctx context.Context) error
}

// App wires the payment pipeline components.
type App struct {
	Config     *config.Config
	Logger     zerolog.Logger
	Metrics    *metrics.Metrics
	Store      storage.Store
	Queue      storage.WebhookQueue
	Cache      cache.Cache
	Catalog    catalog.Repository
	Ledger     Ledger
	Observers  *observers.Registry
	Intents    *intents.Manager
	Tokens     *tokens.Issuer
	Payments   *payments.Reconciler
	Dispatcher *webhooks.Dispatcher

	verifications *payments.VerificationWorker
	deliveries    *webhooks.Worker
	maintenance   *maintenance.Scheduler

	router          chi.Router
	resourceManager *lifecycle.Manager
	postgres        map[string]*sql.DB
	mongo           map[string]*mongo.Database
}

// Option configures App construction.
type Option func(*options)

type options struct {
	store      storage.Store
	queue      storage.WebhookQueue
	catalog    catalog.Repository
	ledger     Ledger
	router     chi.Router
	logger     *zerolog.Logger
	registerer prometheus.Registerer
}

// WithStore sets a custom ledger store. The caller keeps ownership.
func WithStore(store storage.Store) Option {
	return func(o *options) { o.store = store }
}

// WithWebhookQueue sets a custom delivery queue. The caller keeps ownership.
func WithWebhookQueue(queue storage.WebhookQueue) Option {
	return func(o *options) { o.queue = queue }
}

// WithCatalog sets a custom merchant and content source.
func WithCatalog(repo catalog.Repository) Option {
	return func(o *options) { o.catalog = repo }
}

// WithLedger replaces the RPC-backed chain verifier.
func WithLedger(ledger Ledger) Option {
	return func(o *options) { o.ledger = ledger }
}

// WithRouter registers routes on an existing chi.Router.
func WithRouter(router chi.Router) Option {
	return func(o *options) { o.router = router }
}

// WithLogger overrides the logger built from cfg.Logging.
func WithLogger(log zerolog.Logger) Option {
	return func(o *options) { o.logger = &log }
}

// WithMetricsRegisterer registers collectors somewhere other than the default
// registry. The /metrics route always serves the default registry.
func WithMetricsRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// NewApp assembles the pipeline. Call Start to launch background workers and
// Close to release everything NewApp opened.
func NewApp(ctx context.Context, cfg *config.Config, opts ...Option) (app *App, err error) {
	if cfg == nil {
		return nil, errors.New("accessgate: config required")
	}

	optState := options{registerer: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(&optState)
	}

	appLogger := logger.New(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Service:     "accessgate",
		Environment: cfg.Logging.Environment,
	})
	if optState.logger != nil {
		appLogger = *optState.logger
	}

	app = &App{
		Config:          cfg,
		Logger:          appLogger,
		Metrics:         metrics.New(optState.registerer),
		resourceManager: lifecycle.NewManager(appLogger),
		postgres:        make(map[string]*sql.DB),
		mongo:           make(map[string]*mongo.Database),
	}
	defer func() {
		if err != nil {
			_ = app.resourceManager.Close()
		}
	}()

	if err = app.initStorage(ctx, optState); err != nil {
		return nil, err
	}

	sharedCache, err := cache.New(cfg.Cache, appLogger)
	if err != nil {
		return nil, fmt.Errorf("init cache: %w", err)
	}
	app.registerCloser("cache", sharedCache)
	app.Cache = sharedCache

	if err = app.initCatalog(ctx, optState, sharedCache); err != nil {
		return nil, err
	}
	if err = app.initLedger(optState); err != nil {
		return nil, err
	}

	assets := money.NewRegistry(cfg.Solana)

	app.Observers = observers.NewRegistry(appLogger)
	logging := observers.NewLoggingObserver(appLogger)
	app.Observers.RegisterPaymentObserver(logging)
	app.Observers.RegisterWebhookObserver(logging)

	app.Tokens, err = tokens.NewIssuer(app.Store, cfg.Tokens,
		tokens.WithMetrics(app.Metrics),
		tokens.WithLogger(appLogger),
	)
	if err != nil {
		return nil, fmt.Errorf("init token issuer: %w", err)
	}

	app.Intents = intents.NewManager(app.Store, app.Catalog, assets, cfg.Intents,
		intents.WithMetrics(app.Metrics),
	)

	app.Dispatcher = webhooks.NewDispatcher(app.Catalog, app.Queue, cfg.Webhooks,
		webhooks.WithDispatcherMetrics(app.Metrics),
	)

	app.Payments = payments.NewReconciler(app.Store, app.Ledger, app.Tokens, assets, cfg.Payments,
		payments.WithCache(sharedCache),
		payments.WithNotifier(app.Dispatcher),
		payments.WithObservers(app.Observers),
		payments.WithMetrics(app.Metrics),
		payments.WithDefaultAccessDuration(cfg.Intents.DefaultAccessDuration.Duration),
	)

	if cfg.Verification.Enabled {
		app.verifications = payments.NewVerificationWorker(app.Payments, cfg.Verification,
			payments.WithWorkerLogger(appLogger),
			payments.WithWorkerMetrics(app.Metrics),
		)
	}

	if cfg.Webhooks.Enabled {
		app.deliveries = webhooks.NewWorker(webhooks.WorkerOptions{
			Queue:     app.Queue,
			Config:    cfg.Webhooks,
			Logger:    appLogger,
			Metrics:   app.Metrics,
			Observers: app.Observers,
		})
	}

	sweeps := maintenance.Dependencies{
		Intents:  app.Intents,
		Tokens:   app.Tokens,
		Webhooks: app.Queue,
	}
	if mem, ok := sharedCache.(*cache.Memory); ok {
		sweeps.Cache = mem
	}
	app.maintenance = maintenance.NewScheduler(cfg.Maintenance, cfg.Webhooks, sweeps,
		maintenance.WithLogger(appLogger), maintenance.WithMetrics(app.Metrics))

	if optState.router != nil {
		app.router = optState.router
	} else {
		app.router = chi.NewRouter()
	}
	httpserver.ConfigureRouter(app.router, cfg, app.dependencies(), appLogger)

	return app, nil
}

func (a *App) initStorage(ctx context.Context, o options) error {
	cfg := a.Config
	if o.store != nil {
		a.Store = o.store
	} else {
		backends, err := a.backends(ctx, cfg.Storage.Backend, cfg.Storage.PostgresURL, cfg.Storage.MongoDBURL, cfg.Storage.MongoDBDatabase)
		if err != nil {
			return err
		}
		store, err := storage.NewStore(ctx, cfg.Storage.Backend, backends)
		if err != nil {
			return fmt.Errorf("init store: %w", err)
		}
		a.Store = store
		a.resourceManager.Register("storage", store)
		if _, ok := store.(*storage.MemoryStore); ok {
			a.Logger.Warn().Msg("accessgate: using in-memory store, payments are lost on restart")
		}
	}

	if o.queue != nil {
		a.Queue = o.queue
		return nil
	}
	backends, err := a.backends(ctx, cfg.Webhooks.QueueBackend, cfg.Storage.PostgresURL, cfg.Storage.MongoDBURL, cfg.Storage.MongoDBDatabase)
	if err != nil {
		return err
	}
	queue, err := storage.NewWebhookQueue(ctx, cfg.Webhooks.QueueBackend, backends)
	if err != nil {
		return fmt.Errorf("init webhook queue: %w", err)
	}
	a.Queue = queue
	a.resourceManager.Register("webhook-queue", queue)
	return nil
}

func (a *App) initCatalog(ctx context.Context, o options, c cache.Cache) error {
	if o.catalog != nil {
		a.Catalog = o.catalog
		return nil
	}
	cfg := a.Config.Catalog
	backends, err := a.backends(ctx, cfg.Source, cfg.PostgresURL, cfg.MongoDBURL, cfg.MongoDBDatabase)
	if err != nil {
		return err
	}
	repo, err := catalog.NewRepository(ctx, cfg, catalog.Backends{
		Postgres:    backends.Postgres,
		Mongo:       backends.Mongo,
		TablePrefix: backends.TablePrefix,
		Cache:       c,
		Metrics:     a.Metrics,
	})
	if err != nil {
		return fmt.Errorf("init catalog: %w", err)
	}
	a.Catalog = repo
	a.resourceManager.Register("catalog", repo)
	return nil
}

func (a *App) initLedger(o options) error {
	if o.ledger != nil {
		a.Ledger = o.ledger
		return nil
	}
	breakers := circuitbreaker.NewManagerFromConfig(a.Config.CircuitBreaker, a.Logger)
	verifier, err := chain.NewFromConfig(a.Config.Solana,
		chain.WithBreakers(breakers),
		chain.WithMetrics(a.Metrics),
		chain.WithLogger(a.Logger),
	)
	if err != nil {
		return fmt.Errorf("init chain verifier: %w", err)
	}
	a.Ledger = verifier
	a.resourceManager.Register("chain-verifier", verifier)
	return nil
}

// backends opens (or reuses) the connection a backend label needs. Pools are
// shared across components that point at the same URL.
func (a *App) backends(ctx context.Context, backend, postgresURL, mongoURL, mongoDatabase string) (storage.Backends, error) {
	b := storage.Backends{TablePrefix: a.Config.Storage.TablePrefix, Metrics: a.Metrics}
	switch backend {
	case "postgres":
		db, ok := a.postgres[postgresURL]
		if !ok {
			pool, err := dbpool.NewSharedPool(ctx, postgresURL, a.Config.Storage.PostgresPool)
			if err != nil {
				return b, fmt.Errorf("open postgres: %w", err)
			}
			a.resourceManager.Register("postgres-pool", pool)
			db = pool.DB()
			a.postgres[postgresURL] = db
		}
		b.Postgres = db
	case "mongodb":
		key := mongoURL + "/" + mongoDatabase
		db, ok := a.mongo[key]
		if !ok {
			client, err := dbpool.ConnectMongo(ctx, mongoURL, mongoDatabase)
			if err != nil {
				return b, fmt.Errorf("open mongodb: %w", err)
			}
			a.resourceManager.Register("mongodb-client", client)
			db = client.Database()
			a.mongo[key] = db
		}
		b.Mongo = db
	}
	return b, nil
}

func (a *App) registerCloser(name string, v interface{}) {
	if c, ok := v.(io.Closer); ok {
		a.resourceManager.Register(name, c)
	}
}

func (a *App) dependencies() httpserver.Dependencies {
	deps := httpserver.Dependencies{
		Intents:  a.Intents,
		Payments: a.Payments,
		Tokens:   a.Tokens,
		Storage:  a.Store,
		Chain:    a.Ledger,
		Metrics:  a.Metrics,
		Cache:    a.Cache,
		Webhooks: a.Queue,
	}
	if a.verifications != nil {
		deps.Queue = a.verifications
	}
	return deps
}

// Start launches the verification worker, webhook delivery and maintenance.
// Close stops them.
func (a *App) Start(ctx context.Context) {
	if a.verifications != nil {
		a.verifications.Start(ctx)
		a.resourceManager.RegisterStop("verification-worker", a.verifications.Stop)
	}
	if a.deliveries != nil {
		a.deliveries.Start(ctx)
		a.resourceManager.RegisterStop("webhook-worker", a.deliveries.Stop)
	}
	a.maintenance.Start(ctx)
	a.resourceManager.RegisterStop("maintenance", a.maintenance.Stop)
}

// Router returns the chi router with payment routes registered.
func (a *App) Router() chi.Router {
	return a.router
}

// Handler exposes the router as an http.Handler.
func (a *App) Handler() http.Handler {
	return a.router
}

// Close stops workers, then releases connections in reverse order of opening.
func (a *App) Close() error {
	return a.resourceManager.Close()
}

// RegisterRoutes attaches the payment endpoints of an existing App to router.
func RegisterRoutes(router chi.Router, app *App) {
	if router == nil || app == nil {
		return
	}
	httpserver.ConfigureRouter(router, app.Config, app.dependencies(), app.Logger)
}

// Config is an exported alias of the internal configuration struct for embedding use.
type Config = config.Config

// LoadConfig wraps the internal loader for consumers embedding the pipeline.
func LoadConfig(path string) (*config.Config, error) {
	return config.Load(path)
}
