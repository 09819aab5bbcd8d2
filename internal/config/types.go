package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support string based YAML decoding.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration values expressed as Go-style strings or numbers interpreted as seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		raw := strings.TrimSpace(value.Value)
		if raw == "" {
			d.Duration = 0
			return nil
		}
		parsed, err := time.ParseDuration(raw)
		if err == nil {
			d.Duration = parsed
			return nil
		}
		secs, convErr := time.ParseDuration(fmt.Sprintf("%ss", raw))
		if convErr == nil {
			d.Duration = secs
			return nil
		}
		return fmt.Errorf("invalid duration value %q: %w", raw, err)
	default:
		return fmt.Errorf("unsupported duration node kind: %v", value.Kind)
	}
}

// MarshalYAML renders the duration as a string to keep config edits human-friendly.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config holds application level configuration aggregated from file and environment variables.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Logging        LoggingConfig        `yaml:"logging"`
	Solana         SolanaConfig         `yaml:"solana"`
	Intents        IntentsConfig        `yaml:"intents"`
	Tokens         TokensConfig         `yaml:"tokens"`
	Payments       PaymentsConfig       `yaml:"payments"`
	Verification   VerificationConfig   `yaml:"verification"`
	Webhooks       WebhooksConfig       `yaml:"webhooks"`
	Storage        StorageConfig        `yaml:"storage"`
	Catalog        CatalogConfig        `yaml:"catalog"`
	Cache          CacheConfig          `yaml:"cache"`
	Maintenance    MaintenanceConfig    `yaml:"maintenance"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	Idempotency    IdempotencyConfig    `yaml:"idempotency"`
	APIKeys        APIKeysConfig        `yaml:"api_keys"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Address            string   `yaml:"address"`
	ReadTimeout        Duration `yaml:"read_timeout"`
	WriteTimeout       Duration `yaml:"write_timeout"`
	IdleTimeout        Duration `yaml:"idle_timeout"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
	RoutePrefix        string   `yaml:"route_prefix"` // Optional prefix for all routes (e.g., "/api")
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level       string `yaml:"level"`       // debug, info, warn, error (default: info)
	Format      string `yaml:"format"`      // json, console (default: json)
	Environment string `yaml:"environment"` // production, staging, development
}

// SolanaConfig describes the ledger endpoints used for transaction verification.
type SolanaConfig struct {
	Network        string            `yaml:"network"`          // mainnet-beta, devnet, testnet (metrics label)
	RPCURL         string            `yaml:"rpc_url"`          // Primary RPC endpoint
	FallbackRPCURL string            `yaml:"fallback_rpc_url"` // Optional secondary RPC endpoint
	Commitment     string            `yaml:"commitment"`       // processed, confirmed, finalized (default: confirmed)
	MaxRetries     int               `yaml:"max_retries"`      // Lookups per verification (default: 10)
	RetryBase      Duration          `yaml:"retry_base"`       // First backoff delay (default: 500ms)
	RetryCap       Duration          `yaml:"retry_cap"`        // Backoff ceiling (default: 5s)
	TokenMints     map[string]string `yaml:"token_mints"`      // Currency symbol -> SPL mint address
	TokenDecimals  map[string]uint8  `yaml:"token_decimals"`   // Currency symbol -> mint decimals
}

// IntentsConfig controls payment intent lifetimes.
type IntentsConfig struct {
	TTL                   Duration `yaml:"ttl"`                     // Intent validity window (default: 15m)
	DefaultAccessDuration Duration `yaml:"default_access_duration"` // Access window when content has none (default: 24h)
	PaymentURLBase        string   `yaml:"payment_url_base"`        // Payment URI scheme/base (default: "solana:")
}

// TokensConfig configures access token signing.
type TokensConfig struct {
	JWTSecret     string `yaml:"jwt_secret"`      // HS256 secret
	JWTPrivateKey string `yaml:"jwt_private_key"` // PEM RSA private key (enables RS256 with public key)
	JWTPublicKey  string `yaml:"jwt_public_key"`  // PEM RSA public key
	Issuer        string `yaml:"issuer"`          // Optional iss claim
}

// PaymentsConfig tunes the reconciliation state machine.
type PaymentsConfig struct {
	FallbackMatch      string   `yaml:"fallback_match"`      // recipient_amount (default) or fee_payer
	FallbackCandidates int      `yaml:"fallback_candidates"` // Pending intents scanned without a memo match (default: 10)
	CommitAttempts     int      `yaml:"commit_attempts"`     // Serialization retry budget (default: 3)
	StatusCacheTTL     Duration `yaml:"status_cache_ttl"`    // Cached payment-status lifetime (default: 60s)
}

// VerificationConfig configures the asynchronous verification worker.
type VerificationConfig struct {
	Enabled      bool     `yaml:"enabled"`       // Accept async verification requests (default: true)
	Workers      int      `yaml:"workers"`       // Concurrent jobs (default: 2)
	QueueSize    int      `yaml:"queue_size"`    // Buffered jobs before Enqueue rejects (default: 256)
	MaxAttempts  int      `yaml:"max_attempts"`  // Attempts per job (default: 5)
	BaseDelay    Duration `yaml:"base_delay"`    // First wait between attempts (default: 2s)
	ChainLookups int      `yaml:"chain_lookups"` // Ledger lookups per attempt (default: 3)
}

// RetryConfig holds webhook retry policy settings.
type RetryConfig struct {
	MaxAttempts     int      `yaml:"max_attempts"`     // Default: 5
	InitialInterval Duration `yaml:"initial_interval"` // Default: 2s
	MaxInterval     Duration `yaml:"max_interval"`     // Default: 5m
	Multiplier      float64  `yaml:"multiplier"`       // Default: 2.0
}

// WebhooksConfig configures merchant webhook delivery.
type WebhooksConfig struct {
	Enabled            bool        `yaml:"enabled"`
	QueueBackend       string      `yaml:"queue_backend"` // memory, postgres, mongodb (default: storage backend)
	Retry              RetryConfig `yaml:"retry"`
	Timeout            Duration    `yaml:"timeout"`             // Per-delivery HTTP timeout (default: 10s)
	PollInterval       Duration    `yaml:"poll_interval"`       // Queue poll cadence (default: 1s)
	BatchSize          int         `yaml:"batch_size"`          // Jobs dequeued per poll (default: 10)
	CompletedRetention Duration    `yaml:"completed_retention"` // Default: 24h
	FailedRetention    Duration    `yaml:"failed_retention"`    // Default: 168h
}

// PostgresPoolConfig holds PostgreSQL connection pool settings.
type PostgresPoolConfig struct {
	MaxOpenConns    int      `yaml:"max_open_conns"`    // Maximum number of open connections (default: 25)
	MaxIdleConns    int      `yaml:"max_idle_conns"`    // Maximum number of idle connections (default: 5)
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"` // Maximum lifetime of connections (default: 5m)
}

// StorageConfig holds ledger storage backend configuration.
type StorageConfig struct {
	Backend         string             `yaml:"backend"`          // "memory" or "postgres"
	PostgresURL     string             `yaml:"postgres_url"`     // PostgreSQL connection string
	MongoDBURL      string             `yaml:"mongodb_url"`      // MongoDB connection string (catalog / webhook queue)
	MongoDBDatabase string             `yaml:"mongodb_database"` // MongoDB database name
	PostgresPool    PostgresPoolConfig `yaml:"postgres_pool"`
	TablePrefix     string             `yaml:"table_prefix"` // Prefix for every table/collection (default: "accessgate_")
}

// MerchantConfig defines a merchant in the YAML catalog.
type MerchantConfig struct {
	ID            string   `yaml:"id"`
	Status        string   `yaml:"status"` // active, suspended
	PayoutAddress string   `yaml:"payout_address"`
	WebhookURL    string   `yaml:"webhook_url"`
	WebhookSecret string   `yaml:"webhook_secret"`
	WebhookEvents []string `yaml:"webhook_events"`
}

// ContentConfig defines a piece of gated content in the YAML catalog.
type ContentConfig struct {
	ID            string `yaml:"id"`
	MerchantID    string `yaml:"merchant_id"`
	Slug          string `yaml:"slug"`
	PriceLamports uint64 `yaml:"price"` // Base units of Currency
	Currency      string `yaml:"currency"`
	DurationSecs  int64  `yaml:"duration_secs"`
}

// CatalogConfig selects where merchants and content are read from.
type CatalogConfig struct {
	Source           string           `yaml:"source"` // yaml, postgres, mongodb
	PostgresURL      string           `yaml:"postgres_url"`
	MongoDBURL       string           `yaml:"mongodb_url"`
	MongoDBDatabase  string           `yaml:"mongodb_database"`
	MerchantCacheTTL Duration         `yaml:"merchant_cache_ttl"` // Default: 5m
	ContentCacheTTL  Duration         `yaml:"content_cache_ttl"`  // Default: 10m
	Merchants        []MerchantConfig `yaml:"merchants"`
	Contents         []ContentConfig  `yaml:"contents"`
}

// CacheConfig configures the optional read-through cache.
type CacheConfig struct {
	Backend  string `yaml:"backend"` // none, memory, redis
	RedisURL string `yaml:"redis_url"`
	Prefix   string `yaml:"prefix"` // Key prefix (default: "accessgate:")
}

// MaintenanceConfig schedules background sweeps.
type MaintenanceConfig struct {
	Enabled              bool     `yaml:"enabled"`
	IntentSweepInterval  Duration `yaml:"intent_sweep_interval"`  // Default: 1h
	TokenSweepInterval   Duration `yaml:"token_sweep_interval"`   // Default: 24h
	WebhookPurgeInterval Duration `yaml:"webhook_purge_interval"` // Default: 1h
	CacheSweepInterval   Duration `yaml:"cache_sweep_interval"`   // Default: 10m, memory cache only
}

// RateLimitConfig holds per-route throttles keyed by client IP.
type RateLimitConfig struct {
	Enabled            bool     `yaml:"enabled"`
	CreateIntentLimit  int      `yaml:"create_intent_limit"`  // Default: 10 per window
	VerifyPaymentLimit int      `yaml:"verify_payment_limit"` // Default: 20 per window
	Window             Duration `yaml:"window"`               // Default: 1m
}

// IdempotencyConfig controls Idempotency-Key replay on intent creation.
type IdempotencyConfig struct {
	Enabled bool     `yaml:"enabled"` // Default: true
	TTL     Duration `yaml:"ttl"`     // How long a response is replayed (default: 24h)
}

// APIKeysConfig maps X-API-Key values to roles. "partner" keys skip the
// per-IP throttles; "admin" keys also unlock the /admin routes.
type APIKeysConfig struct {
	Enabled bool              `yaml:"enabled"`
	Keys    map[string]string `yaml:"keys"` // key -> partner | admin
}

// CircuitBreakerConfig holds circuit breaker configuration for the ledger endpoints.
type CircuitBreakerConfig struct {
	Enabled     bool                 `yaml:"enabled"`      // Enable circuit breakers (default: true)
	SolanaRPC   BreakerServiceConfig `yaml:"solana_rpc"`   // Primary RPC endpoint
	FallbackRPC BreakerServiceConfig `yaml:"fallback_rpc"` // Secondary RPC endpoint
}

// BreakerServiceConfig configures a circuit breaker for a specific external service.
type BreakerServiceConfig struct {
	MaxRequests         uint32   `yaml:"max_requests"`         // Max requests in half-open state (default: 3)
	Interval            Duration `yaml:"interval"`             // Stats reset interval in closed state (default: 60s)
	Timeout             Duration `yaml:"timeout"`              // Open state timeout before half-open (default: 30s)
	ConsecutiveFailures uint32   `yaml:"consecutive_failures"` // Consecutive failures to trip (default: 5)
	FailureRatio        float64  `yaml:"failure_ratio"`        // Failure ratio to trip 0.0-1.0 (default: 0.5)
	MinRequests         uint32   `yaml:"min_requests"`         // Minimum requests before checking ratio (default: 10)
}
