package metrics

import (
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the access gate.
// All Observe methods are safe to call on a nil *Metrics.
type Metrics struct {
	// Intent metrics
	IntentsCreatedTotal *prometheus.CounterVec
	IntentsExpiredTotal prometheus.Counter

	// Reconciliation metrics
	PaymentsConfirmedTotal *prometheus.CounterVec
	PaymentsFailedTotal    *prometheus.CounterVec
	PaymentsReplayedTotal  prometheus.Counter
	VerificationDuration   *prometheus.HistogramVec
	VerificationJobsTotal  *prometheus.CounterVec

	// Ledger RPC metrics
	RPCCallsTotal     *prometheus.CounterVec
	RPCCallDuration   *prometheus.HistogramVec
	RPCErrorsTotal    *prometheus.CounterVec
	RPCFailoversTotal prometheus.Counter

	// Access token metrics
	TokensTotal       *prometheus.CounterVec
	TokensPurgedTotal prometheus.Counter

	// Webhook metrics
	WebhooksEnqueuedTotal *prometheus.CounterVec
	WebhooksTotal         *prometheus.CounterVec
	WebhookRetriesTotal   *prometheus.CounterVec
	WebhookFailedTotal    *prometheus.CounterVec
	WebhookDuration       *prometheus.HistogramVec
	WebhooksPurgedTotal   prometheus.Counter

	// Cache metrics
	CacheRequestsTotal *prometheus.CounterVec

	// Database metrics
	DBQueryDuration *prometheus.HistogramVec

	// HTTP metrics
	HTTPRequestDuration *prometheus.HistogramVec
	RateLimitHitsTotal  *prometheus.CounterVec
}

// New creates and registers all Prometheus metrics.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		IntentsCreatedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "accessgate_intents_created_total",
				Help: "Total number of payment intents created",
			},
			[]string{"currency"},
		),
		IntentsExpiredTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "accessgate_intents_expired_total",
				Help: "Total number of pending intents transitioned to expired",
			},
		),
		PaymentsConfirmedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "accessgate_payments_confirmed_total",
				Help: "Total number of payments reconciled and committed",
			},
			[]string{"currency", "match"},
		),
		PaymentsFailedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "accessgate_payments_failed_total",
				Help: "Total number of failed reconciliation attempts by reason",
			},
			[]string{"reason"},
		),
		PaymentsReplayedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "accessgate_payments_replayed_total",
				Help: "Verification calls answered from an existing payment",
			},
		),
		VerificationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "accessgate_verification_duration_seconds",
				Help:    "End-to-end payment verification time",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"outcome"},
		),
		VerificationJobsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "accessgate_verification_jobs_total",
				Help: "Asynchronous verification jobs by outcome",
			},
			[]string{"outcome"},
		),
		RPCCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "accessgate_rpc_calls_total",
				Help: "Total number of ledger RPC calls",
			},
			[]string{"method", "endpoint"},
		),
		RPCCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "accessgate_rpc_call_duration_seconds",
				Help:    "Ledger RPC call latency",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"method", "endpoint"},
		),
		RPCErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "accessgate_rpc_errors_total",
				Help: "Total number of ledger RPC errors",
			},
			[]string{"method", "endpoint", "error_type"},
		),
		RPCFailoversTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "accessgate_rpc_failovers_total",
				Help: "Verifications routed to the fallback endpoint",
			},
		),
		TokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "accessgate_tokens_total",
				Help: "Access token operations by outcome",
			},
			[]string{"operation", "outcome"},
		),
		TokensPurgedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "accessgate_tokens_purged_total",
				Help: "Redeemed and expired tokens deleted by maintenance",
			},
		),
		WebhooksEnqueuedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "accessgate_webhooks_enqueued_total",
				Help: "Webhook jobs placed on the delivery queue",
			},
			[]string{"event_type"},
		),
		WebhooksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "accessgate_webhooks_total",
				Help: "Webhook delivery attempts by status",
			},
			[]string{"event_type", "status"},
		),
		WebhookRetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "accessgate_webhook_retries_total",
				Help: "Webhook delivery retries by attempt",
			},
			[]string{"event_type", "attempt"},
		),
		WebhookFailedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "accessgate_webhook_failed_total",
				Help: "Webhooks that exhausted their attempt budget",
			},
			[]string{"event_type"},
		),
		WebhookDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "accessgate_webhook_duration_seconds",
				Help:    "Webhook delivery latency",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"event_type"},
		),
		WebhooksPurgedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "accessgate_webhooks_purged_total",
				Help: "Finished webhook jobs removed after their retention window",
			},
		),
		CacheRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "accessgate_cache_requests_total",
				Help: "Read-through cache lookups by result",
			},
			[]string{"cache", "result"},
		),
		DBQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "accessgate_db_query_duration_seconds",
				Help:    "Database query latency",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"operation", "backend"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "accessgate_http_request_duration_seconds",
				Help:    "HTTP request latency by route",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route", "method", "status"},
		),
		RateLimitHitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "accessgate_rate_limit_hits_total",
				Help: "Requests rejected by a per-route throttle",
			},
			[]string{"route"},
		),
	}
}

// ObserveIntentCreated records a new payment intent.
func (m *Metrics) ObserveIntentCreated(currency string) {
	if m == nil {
		return
	}
	m.IntentsCreatedTotal.WithLabelValues(currency).Inc()
}

// ObserveIntentsExpired records a sweep result.
func (m *Metrics) ObserveIntentsExpired(count int64) {
	if m == nil {
		return
	}
	m.IntentsExpiredTotal.Add(float64(count))
}

// ObservePaymentConfirmed records a committed payment and how its intent was matched.
func (m *Metrics) ObservePaymentConfirmed(currency, match string, duration time.Duration) {
	if m == nil {
		return
	}
	m.PaymentsConfirmedTotal.WithLabelValues(currency, match).Inc()
	m.VerificationDuration.WithLabelValues("confirmed").Observe(duration.Seconds())
}

// ObservePaymentReplayed records a verification served from an existing payment.
func (m *Metrics) ObservePaymentReplayed(duration time.Duration) {
	if m == nil {
		return
	}
	m.PaymentsReplayedTotal.Inc()
	m.VerificationDuration.WithLabelValues("replayed").Observe(duration.Seconds())
}

// ObservePaymentFailure records a failed verification with reason.
func (m *Metrics) ObservePaymentFailure(reason string, duration time.Duration) {
	if m == nil {
		return
	}
	m.PaymentsFailedTotal.WithLabelValues(reason).Inc()
	m.VerificationDuration.WithLabelValues("failed").Observe(duration.Seconds())
}

// ObserveVerificationJob records an asynchronous verification job outcome.
func (m *Metrics) ObserveVerificationJob(outcome string) {
	if m == nil {
		return
	}
	m.VerificationJobsTotal.WithLabelValues(outcome).Inc()
}

// ObserveRPCCall records an RPC call to the ledger.
func (m *Metrics) ObserveRPCCall(method, endpoint string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.RPCCallsTotal.WithLabelValues(method, endpoint).Inc()
	m.RPCCallDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())

	if err != nil {
		m.RPCErrorsTotal.WithLabelValues(method, endpoint, classifyError(err)).Inc()
	}
}

// ObserveRPCFailover records a switch to the fallback endpoint.
func (m *Metrics) ObserveRPCFailover() {
	if m == nil {
		return
	}
	m.RPCFailoversTotal.Inc()
}

// ObserveToken records an access token operation ("issue", "verify", "redeem").
func (m *Metrics) ObserveToken(operation, outcome string) {
	if m == nil {
		return
	}
	m.TokensTotal.WithLabelValues(operation, outcome).Inc()
}

// ObserveTokensPurged records a token cleanup sweep.
func (m *Metrics) ObserveTokensPurged(count int64) {
	if m == nil {
		return
	}
	m.TokensPurgedTotal.Add(float64(count))
}

// ObserveWebhookEnqueued records a job handed to the delivery queue.
func (m *Metrics) ObserveWebhookEnqueued(eventType string) {
	if m == nil {
		return
	}
	m.WebhooksEnqueuedTotal.WithLabelValues(eventType).Inc()
}

// ObserveWebhook records webhook delivery.
func (m *Metrics) ObserveWebhook(eventType, status string, duration time.Duration, attempt int, terminal bool) {
	if m == nil {
		return
	}
	m.WebhooksTotal.WithLabelValues(eventType, status).Inc()
	m.WebhookDuration.WithLabelValues(eventType).Observe(duration.Seconds())

	if attempt > 1 {
		m.WebhookRetriesTotal.WithLabelValues(eventType, formatAttempt(attempt)).Inc()
	}
	if terminal {
		m.WebhookFailedTotal.WithLabelValues(eventType).Inc()
	}
}

// ObserveWebhooksPurged records a retention purge.
func (m *Metrics) ObserveWebhooksPurged(count int64) {
	if m == nil {
		return
	}
	m.WebhooksPurgedTotal.Add(float64(count))
}

// ObserveCache records a cache lookup ("hit", "miss", "error").
func (m *Metrics) ObserveCache(cache, result string) {
	if m == nil {
		return
	}
	m.CacheRequestsTotal.WithLabelValues(cache, result).Inc()
}

// ObserveDBQuery records a database query.
func (m *Metrics) ObserveDBQuery(operation, backend string, duration time.Duration) {
	if m == nil {
		return
	}
	m.DBQueryDuration.WithLabelValues(operation, backend).Observe(duration.Seconds())
}

// ObserveHTTPRequest records a served request.
func (m *Metrics) ObserveHTTPRequest(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestDuration.WithLabelValues(route, method, strconv.Itoa(status)).Observe(duration.Seconds())
}

// ObserveRateLimit records a throttled request.
func (m *Metrics) ObserveRateLimit(route string) {
	if m == nil {
		return
	}
	m.RateLimitHitsTotal.WithLabelValues(route).Inc()
}

func classifyError(err error) string {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		return "timeout"
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "429"):
		return "rate_limit"
	case strings.Contains(msg, "connection"):
		return "connection"
	case strings.Contains(msg, "not found"):
		return "not_found"
	case strings.Contains(msg, "circuit breaker"):
		return "circuit_open"
	default:
		return "other"
	}
}

func formatAttempt(attempt int) string {
	if attempt <= 5 {
		return strconv.Itoa(attempt)
	}
	return "5+"
}
