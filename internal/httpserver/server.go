package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/CedrosPay/accessgate/internal/apikey"
	"github.com/CedrosPay/accessgate/internal/cache"
	"github.com/CedrosPay/accessgate/internal/config"
	"github.com/CedrosPay/accessgate/internal/httphandlers"
	"github.com/CedrosPay/accessgate/internal/idempotency"
	"github.com/CedrosPay/accessgate/internal/intents"
	"github.com/CedrosPay/accessgate/internal/logger"
	"github.com/CedrosPay/accessgate/internal/metrics"
	"github.com/CedrosPay/accessgate/internal/payments"
	"github.com/CedrosPay/accessgate/internal/ratelimit"
	"github.com/CedrosPay/accessgate/internal/storage"
	"github.com/CedrosPay/accessgate/internal/tokens"
)

var (
	serverStartTime = time.Now()
)

// IntentCreator creates payment intents.
type IntentCreator interface {
	CreateIntent(ctx context.Context, req intents.CreateIntentRequest) (intents.CreateIntentResult, error)
}

// PaymentVerifier verifies payments and reports their status.
type PaymentVerifier interface {
	VerifyPayment(ctx context.Context, req payments.VerifyRequest) (payments.VerifyResult, error)
	GetPaymentStatus(ctx context.Context, signature string) (payments.StatusResult, error)
}

// VerificationQueue accepts asynchronous verification jobs.
type VerificationQueue interface {
	Enqueue(req payments.VerifyRequest) error
}

// TokenRedeemer spends access tokens.
type TokenRedeemer interface {
	RedeemToken(ctx context.Context, token string) (tokens.Redemption, error)
}

// Pinger reports backend reachability for /health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthChecker reports ledger reachability for /health.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Dependencies are the services behind the routes. Queue may be nil, in
// which case async verification requests are served synchronously. Webhooks
// enables the admin delivery endpoints when an admin API key is configured.
type Dependencies struct {
	Intents  IntentCreator
	Payments PaymentVerifier
	Queue    VerificationQueue
	Tokens   TokenRedeemer
	Storage  Pinger
	Chain    HealthChecker
	Metrics  *metrics.Metrics
	Cache    cache.Cache
	Webhooks storage.WebhookQueue
}

// Server owns the HTTP listener.
type Server struct {
	httpServer *http.Server
}

type handlers struct {
	cfg      *config.Config
	intents  IntentCreator
	payments PaymentVerifier
	queue    VerificationQueue
	tokens   TokenRedeemer
	storage  Pinger
	chain    HealthChecker
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

func newHandlers(cfg *config.Config, deps Dependencies, appLogger zerolog.Logger) handlers {
	return handlers{
		cfg:      cfg,
		intents:  deps.Intents,
		payments: deps.Payments,
		queue:    deps.Queue,
		tokens:   deps.Tokens,
		storage:  deps.Storage,
		chain:    deps.Chain,
		metrics:  deps.Metrics,
		logger:   appLogger,
	}
}

// New builds the HTTP server with configured router.
func New(cfg *config.Config, deps Dependencies, appLogger zerolog.Logger) *Server {
	router := chi.NewRouter()
	ConfigureRouter(router, cfg, deps, appLogger)

	return Wrap(cfg, router)
}

// Wrap serves an already configured handler with the listener settings from cfg.
func Wrap(cfg *config.Config, handler http.Handler) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:         cfg.Server.Address,
			ReadTimeout:  cfg.Server.ReadTimeout.Duration,
			WriteTimeout: cfg.Server.WriteTimeout.Duration,
			IdleTimeout:  cfg.Server.IdleTimeout.Duration,
			Handler:      handler,
		},
	}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ConfigureRouter attaches the payment routes to an existing router.
func ConfigureRouter(router chi.Router, cfg *config.Config, deps Dependencies, appLogger zerolog.Logger) {
	if router == nil {
		return
	}

	handler := newHandlers(cfg, deps, appLogger)

	if len(cfg.Server.CORSAllowedOrigins) > 0 {
		router.Use(cors.New(cors.Options{
			AllowedOrigins:   cfg.Server.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Content-Type", "X-Request-ID", apikey.HeaderName, idempotency.HeaderKey},
			ExposedHeaders:   []string{"X-Request-ID"},
			AllowCredentials: false,
			MaxAge:           300,
		}).Handler)
	}

	// Security headers first so every response carries them
	router.Use(securityHeadersMiddleware)

	router.Use(logger.Middleware(appLogger))
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(metricsMiddleware(deps.Metrics))

	keys := apikey.FromConfig(cfg.APIKeys)
	router.Use(apikey.Middleware(keys))

	limits := ratelimit.FromConfig(cfg.RateLimit, deps.Metrics)
	prefix := cfg.Server.RoutePrefix

	replayable := func(next http.Handler) http.Handler { return next }
	if cfg.Idempotency.Enabled {
		replayable = idempotency.Middleware(deps.Cache, cfg.Idempotency.TTL.Duration)
	}

	// Lightweight endpoints with 5s timeout
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(5 * time.Second))
		r.Get(prefix+"/health", handler.health)
		r.Handle(prefix+"/metrics", promhttp.Handler())
	})

	// Payment endpoints wait on ledger lookups and database commits
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))

		r.With(limits.CreateIntent(), replayable).Post(prefix+"/payments/create-payment-request", handler.createPaymentRequest)
		r.With(limits.VerifyPayment()).Post(prefix+"/payments/verify-payment", handler.verifyPayment)
		r.Get(prefix+"/payments/payment-status", handler.paymentStatus)
		r.Post(prefix+"/payments/redeem-token", handler.redeemToken)
	})

	if deps.Webhooks != nil && keys.HasRole(apikey.RoleAdmin) {
		admin := httphandlers.NewWebhooksAdminHandler(deps.Webhooks, appLogger)
		router.Route(prefix+"/admin", func(r chi.Router) {
			r.Use(apikey.RequireRole(apikey.RoleAdmin))
			r.Use(middleware.Timeout(15 * time.Second))
			admin.Routes(r)
		})
	}
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
