package config

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// Fallback matching modes for transactions that carry no usable memo.
const (
	FallbackMatchRecipientAmount = "recipient_amount"
	FallbackMatchFeePayer        = "fee_payer"
)

// MaxAccessDurationSecs bounds any access window (10 years).
const MaxAccessDurationSecs int64 = 10 * 365 * 24 * 60 * 60

// API key roles.
const (
	APIKeyRolePartner = "partner"
	APIKeyRoleAdmin   = "admin"
)

// SupportedCurrencies lists the settlement currencies accepted on intents.
var SupportedCurrencies = []string{"SOL", "USDC", "PYUSD"}

// finalize applies defaults and validates the configuration.
func (c *Config) finalize() error {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Environment == "" {
		c.Logging.Environment = "production"
	}
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Solana.Commitment == "" {
		c.Solana.Commitment = string(rpc.CommitmentConfirmed)
	}
	switch strings.ToLower(c.Solana.Commitment) {
	case "processed", "confirmed", "finalized":
		c.Solana.Commitment = strings.ToLower(c.Solana.Commitment)
	case "finalised":
		c.Solana.Commitment = string(rpc.CommitmentFinalized)
	default:
		c.Solana.Commitment = string(rpc.CommitmentConfirmed)
	}
	if c.Solana.MaxRetries <= 0 {
		c.Solana.MaxRetries = 10
	}
	if c.Solana.RetryBase.Duration <= 0 {
		c.Solana.RetryBase = Duration{Duration: 500 * time.Millisecond}
	}
	if c.Solana.RetryCap.Duration <= 0 {
		c.Solana.RetryCap = Duration{Duration: 5 * time.Second}
	}
	if c.Solana.TokenMints == nil {
		c.Solana.TokenMints = make(map[string]string)
	}
	if c.Solana.TokenDecimals == nil {
		c.Solana.TokenDecimals = make(map[string]uint8)
	}
	if _, ok := c.Solana.TokenDecimals["SOL"]; !ok {
		c.Solana.TokenDecimals["SOL"] = 9
	}
	for symbol := range c.Solana.TokenMints {
		if _, ok := c.Solana.TokenDecimals[symbol]; !ok {
			c.Solana.TokenDecimals[symbol] = 6
		}
	}

	if c.Intents.TTL.Duration <= 0 {
		c.Intents.TTL = Duration{Duration: 15 * time.Minute}
	}
	if c.Intents.DefaultAccessDuration.Duration <= 0 {
		c.Intents.DefaultAccessDuration = Duration{Duration: 24 * time.Hour}
	}
	if limit := time.Duration(MaxAccessDurationSecs) * time.Second; c.Intents.DefaultAccessDuration.Duration > limit {
		c.Intents.DefaultAccessDuration = Duration{Duration: limit}
	}
	if c.Intents.PaymentURLBase == "" {
		c.Intents.PaymentURLBase = "solana:"
	}

	if c.Payments.FallbackMatch == "" {
		c.Payments.FallbackMatch = FallbackMatchRecipientAmount
	}
	if c.Payments.FallbackCandidates <= 0 {
		c.Payments.FallbackCandidates = 10
	}
	if c.Payments.CommitAttempts <= 0 {
		c.Payments.CommitAttempts = 3
	}
	if c.Payments.StatusCacheTTL.Duration <= 0 {
		c.Payments.StatusCacheTTL = Duration{Duration: 60 * time.Second}
	}

	if c.Verification.Workers <= 0 {
		c.Verification.Workers = 2
	}
	if c.Verification.QueueSize <= 0 {
		c.Verification.QueueSize = 256
	}
	if c.Verification.MaxAttempts <= 0 {
		c.Verification.MaxAttempts = 5
	}
	if c.Verification.BaseDelay.Duration <= 0 {
		c.Verification.BaseDelay = Duration{Duration: 2 * time.Second}
	}
	if c.Verification.ChainLookups <= 0 {
		c.Verification.ChainLookups = 3
	}

	if c.Webhooks.Retry.MaxAttempts <= 0 {
		c.Webhooks.Retry.MaxAttempts = 5
	}
	if c.Webhooks.Retry.InitialInterval.Duration <= 0 {
		c.Webhooks.Retry.InitialInterval = Duration{Duration: 2 * time.Second}
	}
	if c.Webhooks.Retry.Multiplier < 1 {
		c.Webhooks.Retry.Multiplier = 2.0
	}
	if c.Webhooks.Timeout.Duration <= 0 {
		c.Webhooks.Timeout = Duration{Duration: 10 * time.Second}
	}
	if c.Webhooks.PollInterval.Duration <= 0 {
		c.Webhooks.PollInterval = Duration{Duration: 1 * time.Second}
	}
	if c.Webhooks.BatchSize <= 0 {
		c.Webhooks.BatchSize = 10
	}
	if c.Webhooks.CompletedRetention.Duration <= 0 {
		c.Webhooks.CompletedRetention = Duration{Duration: 24 * time.Hour}
	}
	if c.Webhooks.FailedRetention.Duration <= 0 {
		c.Webhooks.FailedRetention = Duration{Duration: 7 * 24 * time.Hour}
	}

	if c.Storage.Backend == "" {
		c.Storage.Backend = "memory"
	}
	if c.Storage.TablePrefix == "" {
		c.Storage.TablePrefix = "accessgate_"
	}
	if c.Storage.MongoDBDatabase == "" {
		c.Storage.MongoDBDatabase = "accessgate"
	}

	// The webhook queue lives next to the ledger unless configured otherwise.
	if c.Webhooks.QueueBackend == "" {
		c.Webhooks.QueueBackend = c.Storage.Backend
	}

	// Catalog source follows the storage backend unless set explicitly.
	if c.Catalog.Source == "" {
		switch c.Storage.Backend {
		case "postgres":
			c.Catalog.Source = "postgres"
		default:
			c.Catalog.Source = "yaml"
		}
	}
	if c.Catalog.Source == "postgres" && c.Catalog.PostgresURL == "" {
		c.Catalog.PostgresURL = c.Storage.PostgresURL
	}
	if c.Catalog.Source == "mongodb" {
		if c.Catalog.MongoDBURL == "" {
			c.Catalog.MongoDBURL = c.Storage.MongoDBURL
		}
		if c.Catalog.MongoDBDatabase == "" {
			c.Catalog.MongoDBDatabase = c.Storage.MongoDBDatabase
		}
	}
	if c.Catalog.MerchantCacheTTL.Duration <= 0 {
		c.Catalog.MerchantCacheTTL = Duration{Duration: 5 * time.Minute}
	}
	if c.Catalog.ContentCacheTTL.Duration <= 0 {
		c.Catalog.ContentCacheTTL = Duration{Duration: 10 * time.Minute}
	}
	for i := range c.Catalog.Merchants {
		if c.Catalog.Merchants[i].Status == "" {
			c.Catalog.Merchants[i].Status = "active"
		}
	}
	for i := range c.Catalog.Contents {
		c.Catalog.Contents[i].Currency = strings.ToUpper(c.Catalog.Contents[i].Currency)
		if c.Catalog.Contents[i].Currency == "" {
			c.Catalog.Contents[i].Currency = "SOL"
		}
	}

	if c.Cache.Backend == "" {
		c.Cache.Backend = "none"
	}
	if c.Cache.Prefix == "" {
		c.Cache.Prefix = "accessgate:"
	}

	if c.Maintenance.IntentSweepInterval.Duration <= 0 {
		c.Maintenance.IntentSweepInterval = Duration{Duration: 1 * time.Hour}
	}
	if c.Maintenance.TokenSweepInterval.Duration <= 0 {
		c.Maintenance.TokenSweepInterval = Duration{Duration: 24 * time.Hour}
	}
	if c.Maintenance.WebhookPurgeInterval.Duration <= 0 {
		c.Maintenance.WebhookPurgeInterval = Duration{Duration: 1 * time.Hour}
	}

	if c.RateLimit.Window.Duration <= 0 {
		c.RateLimit.Window = Duration{Duration: 1 * time.Minute}
	}
	if c.Idempotency.TTL.Duration <= 0 {
		c.Idempotency.TTL = Duration{Duration: 24 * time.Hour}
	}

	return c.validate()
}

// validate checks that required configuration fields are set correctly.
func (c *Config) validate() error {
	var errs []string

	if c.Solana.RPCURL == "" {
		errs = append(errs, "solana.rpc_url is required")
	} else if err := validateHTTPURL(c.Solana.RPCURL); err != nil {
		errs = append(errs, fmt.Sprintf("solana.rpc_url: %v", err))
	}
	if c.Solana.FallbackRPCURL != "" {
		if err := validateHTTPURL(c.Solana.FallbackRPCURL); err != nil {
			errs = append(errs, fmt.Sprintf("solana.fallback_rpc_url: %v", err))
		}
	}
	for symbol, mint := range c.Solana.TokenMints {
		if _, err := solana.PublicKeyFromBase58(mint); err != nil {
			errs = append(errs, fmt.Sprintf("solana.token_mints.%s is not a valid mint address", symbol))
		}
	}

	// Token signing
	hasPriv, hasPub := c.Tokens.JWTPrivateKey != "", c.Tokens.JWTPublicKey != ""
	if hasPriv != hasPub {
		errs = append(errs, "tokens.jwt_private_key and tokens.jwt_public_key must be set together")
	}
	if !c.UsesAsymmetricTokens() {
		if c.Tokens.JWTSecret == "" {
			errs = append(errs, "tokens.jwt_secret is required when no key pair is configured")
		} else if c.Tokens.JWTSecret == DevelopmentJWTSecret && c.Logging.Environment == "production" {
			errs = append(errs, "tokens.jwt_secret must be changed from the development default in production")
		}
	}

	switch c.Payments.FallbackMatch {
	case FallbackMatchRecipientAmount, FallbackMatchFeePayer:
	default:
		errs = append(errs, fmt.Sprintf("payments.fallback_match must be %q or %q", FallbackMatchRecipientAmount, FallbackMatchFeePayer))
	}

	switch c.Storage.Backend {
	case "memory":
	case "postgres":
		if c.Storage.PostgresURL == "" {
			errs = append(errs, "storage.postgres_url is required when storage.backend is 'postgres'")
		}
	default:
		errs = append(errs, fmt.Sprintf("storage.backend %q is not supported (memory, postgres)", c.Storage.Backend))
	}

	switch c.Webhooks.QueueBackend {
	case "memory":
	case "postgres":
		if c.Storage.PostgresURL == "" {
			errs = append(errs, "storage.postgres_url is required when webhooks.queue_backend is 'postgres'")
		}
	case "mongodb":
		if c.Storage.MongoDBURL == "" {
			errs = append(errs, "storage.mongodb_url is required when webhooks.queue_backend is 'mongodb'")
		}
	default:
		errs = append(errs, fmt.Sprintf("webhooks.queue_backend %q is not supported (memory, postgres, mongodb)", c.Webhooks.QueueBackend))
	}

	switch c.Catalog.Source {
	case "yaml":
		errs = append(errs, c.validateYAMLCatalog()...)
	case "postgres":
		if c.Catalog.PostgresURL == "" {
			errs = append(errs, "catalog.postgres_url is required when catalog.source is 'postgres'")
		}
	case "mongodb":
		if c.Catalog.MongoDBURL == "" {
			errs = append(errs, "catalog.mongodb_url is required when catalog.source is 'mongodb'")
		}
	default:
		errs = append(errs, fmt.Sprintf("catalog.source %q is not supported (yaml, postgres, mongodb)", c.Catalog.Source))
	}

	switch c.Cache.Backend {
	case "none", "memory":
	case "redis":
		if c.Cache.RedisURL == "" {
			errs = append(errs, "cache.redis_url is required when cache.backend is 'redis'")
		}
	default:
		errs = append(errs, fmt.Sprintf("cache.backend %q is not supported (none, memory, redis)", c.Cache.Backend))
	}

	for key, role := range c.APIKeys.Keys {
		if len(key) < 16 {
			errs = append(errs, "api_keys.keys entries must be at least 16 characters")
		}
		if role != APIKeyRolePartner && role != APIKeyRoleAdmin {
			errs = append(errs, fmt.Sprintf("api_keys role %q is not supported (partner, admin)", role))
		}
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateYAMLCatalog() []string {
	var errs []string
	if len(c.Catalog.Merchants) == 0 {
		errs = append(errs, "catalog.merchants must define at least one merchant when catalog.source is 'yaml'")
	}
	merchants := make(map[string]bool, len(c.Catalog.Merchants))
	for _, m := range c.Catalog.Merchants {
		if m.ID == "" {
			errs = append(errs, "catalog.merchants entries require an id")
			continue
		}
		merchants[m.ID] = true
	}
	for _, content := range c.Catalog.Contents {
		if content.ID == "" {
			errs = append(errs, "catalog.contents entries require an id")
			continue
		}
		if !merchants[content.MerchantID] {
			errs = append(errs, fmt.Sprintf("catalog.content %q references unknown merchant %q", content.ID, content.MerchantID))
		}
		if !IsSupportedCurrency(content.Currency) {
			errs = append(errs, fmt.Sprintf("catalog.content %q has unsupported currency %q", content.ID, content.Currency))
		}
		if content.DurationSecs < 0 || content.DurationSecs > MaxAccessDurationSecs {
			errs = append(errs, fmt.Sprintf("catalog.content %q duration_secs must be between 0 and %d", content.ID, MaxAccessDurationSecs))
		}
	}
	return errs
}

// IsSupportedCurrency reports whether symbol is an accepted settlement currency.
func IsSupportedCurrency(symbol string) bool {
	for _, s := range SupportedCurrencies {
		if s == symbol {
			return true
		}
	}
	return false
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "http", "https":
		return nil
	case "":
		return errors.New("missing scheme")
	default:
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
}

// ApplyPostgresPoolSettings applies connection pool settings to a database connection.
// If pool config is not specified, applies sensible defaults.
func ApplyPostgresPoolSettings(db *sql.DB, pool PostgresPoolConfig) {
	maxOpen := pool.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 25
	}

	maxIdle := pool.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 5
	}
	if maxIdle > maxOpen {
		maxIdle = maxOpen
	}

	maxLifetime := pool.ConnMaxLifetime.Duration
	if maxLifetime <= 0 {
		maxLifetime = 5 * time.Minute
	}

	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(maxLifetime)
}
