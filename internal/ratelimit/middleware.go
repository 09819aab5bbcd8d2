package ratelimit

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/httprate"

	"github.com/CedrosPay/accessgate/internal/apikey"
	"github.com/CedrosPay/accessgate/internal/config"
	"github.com/CedrosPay/accessgate/internal/metrics"
)

// Route names used as metric labels.
const (
	RouteCreateIntent  = "create_payment_request"
	RouteVerifyPayment = "verify_payment"
)

// Config holds the per-route throttles.
type Config struct {
	Enabled            bool
	CreateIntentLimit  int           // requests per window per IP
	VerifyPaymentLimit int           // requests per window per IP
	Window             time.Duration // time window

	// Metrics collector (optional)
	Metrics *metrics.Metrics
}

// rateLimitResponse represents the JSON error response for rate limit exceeded.
type rateLimitResponse struct {
	Error             string `json:"error"`
	Message           string `json:"message"`
	RetryAfterSeconds int    `json:"retry_after_seconds"`
}

// DefaultConfig returns the throttles applied when none are configured:
// 10 intents and 20 verifications per minute per IP.
func DefaultConfig() Config {
	return Config{
		Enabled:            true,
		CreateIntentLimit:  10,
		VerifyPaymentLimit: 20,
		Window:             time.Minute,
	}
}

// FromConfig fills unset values from DefaultConfig.
func FromConfig(cfg config.RateLimitConfig, m *metrics.Metrics) Config {
	def := DefaultConfig()
	out := Config{
		Enabled:            cfg.Enabled,
		CreateIntentLimit:  cfg.CreateIntentLimit,
		VerifyPaymentLimit: cfg.VerifyPaymentLimit,
		Window:             cfg.Window.Duration,
		Metrics:            m,
	}
	if out.CreateIntentLimit <= 0 {
		out.CreateIntentLimit = def.CreateIntentLimit
	}
	if out.VerifyPaymentLimit <= 0 {
		out.VerifyPaymentLimit = def.VerifyPaymentLimit
	}
	if out.Window <= 0 {
		out.Window = def.Window
	}
	return out
}

// CreateIntent throttles payment intent creation.
func (c Config) CreateIntent() func(http.Handler) http.Handler {
	return c.perIP(RouteCreateIntent, c.CreateIntentLimit)
}

// VerifyPayment throttles payment verification.
func (c Config) VerifyPayment() func(http.Handler) http.Handler {
	return c.perIP(RouteVerifyPayment, c.VerifyPaymentLimit)
}

func (c Config) perIP(route string, limit int) func(http.Handler) http.Handler {
	if !c.Enabled || limit <= 0 {
		return func(next http.Handler) http.Handler {
			return next
		}
	}
	limiter := httprate.Limit(
		limit,
		c.Window,
		httprate.WithKeyByIP(),
		httprate.WithLimitHandler(limitHandler(route, int(c.Window.Seconds()), c.Metrics)),
	)
	return func(next http.Handler) http.Handler {
		limited := limiter(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Partner and admin keys are trusted callers
			if apikey.IsExemptFromRateLimits(r) {
				next.ServeHTTP(w, r)
				return
			}
			limited.ServeHTTP(w, r)
		})
	}
}

func limitHandler(route string, windowSeconds int, metricsCollector *metrics.Metrics) http.HandlerFunc {
	if windowSeconds < 1 {
		windowSeconds = 1
	}
	return func(w http.ResponseWriter, r *http.Request) {
		metricsCollector.ObserveRateLimit(route)

		response := rateLimitResponse{
			Error:             "rate_limit_exceeded",
			Message:           "Rate limit exceeded. Please try again later.",
			RetryAfterSeconds: windowSeconds,
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", fmt.Sprintf("%d", windowSeconds))
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(response)
	}
}
