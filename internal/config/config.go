package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DevelopmentJWTSecret is the placeholder signing secret used when none is configured.
// It is rejected when logging.environment is "production".
const DevelopmentJWTSecret = "change-me-to-a-secure-secret-in-production-minimum-32-chars"

// Well-known SPL mints on mainnet-beta.
const (
	USDCMintMainnet  = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
	PYUSDMintMainnet = "2b1kV6DkPAnxd5ixfnxCpjxmKwqjjaYmCZfHsFu24GXo"
)

// Load reads configuration from a YAML file and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		if err := cfg.parseFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.finalize(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:      ":8080",
			ReadTimeout:  Duration{Duration: 15 * time.Second},
			WriteTimeout: Duration{Duration: 75 * time.Second},
			IdleTimeout:  Duration{Duration: 60 * time.Second},
		},
		Solana: SolanaConfig{
			Network:    "mainnet-beta",
			RPCURL:     "https://api.mainnet-beta.solana.com",
			Commitment: "confirmed",
			MaxRetries: 10,
			RetryBase:  Duration{Duration: 500 * time.Millisecond},
			RetryCap:   Duration{Duration: 5 * time.Second},
			TokenMints: map[string]string{
				"USDC":  USDCMintMainnet,
				"PYUSD": PYUSDMintMainnet,
			},
			TokenDecimals: map[string]uint8{
				"SOL":   9,
				"USDC":  6,
				"PYUSD": 6,
			},
		},
		Intents: IntentsConfig{
			TTL:                   Duration{Duration: 15 * time.Minute},
			DefaultAccessDuration: Duration{Duration: 24 * time.Hour},
			PaymentURLBase:        "solana:",
		},
		Tokens: TokensConfig{
			JWTSecret: DevelopmentJWTSecret,
		},
		Payments: PaymentsConfig{
			FallbackMatch:      FallbackMatchRecipientAmount,
			FallbackCandidates: 10,
			CommitAttempts:     3,
			StatusCacheTTL:     Duration{Duration: 60 * time.Second},
		},
		Verification: VerificationConfig{
			Enabled:      true,
			Workers:      2,
			QueueSize:    256,
			MaxAttempts:  5,
			BaseDelay:    Duration{Duration: 2 * time.Second},
			ChainLookups: 3,
		},
		Webhooks: WebhooksConfig{
			Enabled: true,
			Retry: RetryConfig{
				MaxAttempts:     5,
				InitialInterval: Duration{Duration: 2 * time.Second},
				MaxInterval:     Duration{Duration: 5 * time.Minute},
				Multiplier:      2.0,
			},
			Timeout:            Duration{Duration: 10 * time.Second},
			PollInterval:       Duration{Duration: 1 * time.Second},
			BatchSize:          10,
			CompletedRetention: Duration{Duration: 24 * time.Hour},
			FailedRetention:    Duration{Duration: 7 * 24 * time.Hour},
		},
		Storage: StorageConfig{
			Backend:     "memory",
			TablePrefix: "accessgate_",
		},
		Catalog: CatalogConfig{
			MerchantCacheTTL: Duration{Duration: 5 * time.Minute},
			ContentCacheTTL:  Duration{Duration: 10 * time.Minute},
		},
		Cache: CacheConfig{
			Backend: "memory",
			Prefix:  "accessgate:",
		},
		Maintenance: MaintenanceConfig{
			Enabled:              true,
			IntentSweepInterval:  Duration{Duration: 1 * time.Hour},
			TokenSweepInterval:   Duration{Duration: 24 * time.Hour},
			WebhookPurgeInterval: Duration{Duration: 1 * time.Hour},
		},
		RateLimit: RateLimitConfig{
			Enabled:            true,
			CreateIntentLimit:  10,
			VerifyPaymentLimit: 20,
			Window:             Duration{Duration: 1 * time.Minute},
		},
		Idempotency: IdempotencyConfig{
			Enabled: true,
			TTL:     Duration{Duration: 24 * time.Hour},
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled: true,
			SolanaRPC: BreakerServiceConfig{
				MaxRequests:         3,
				Interval:            Duration{Duration: 60 * time.Second},
				Timeout:             Duration{Duration: 30 * time.Second},
				ConsecutiveFailures: 5,
				FailureRatio:        0.5,
				MinRequests:         10,
			},
			FallbackRPC: BreakerServiceConfig{
				MaxRequests:         3,
				Interval:            Duration{Duration: 60 * time.Second},
				Timeout:             Duration{Duration: 30 * time.Second},
				ConsecutiveFailures: 5,
				FailureRatio:        0.5,
				MinRequests:         10,
			},
		},
	}
}

// parseFile reads and unmarshals a YAML configuration file.
func (c *Config) parseFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}
	return nil
}

// UsesAsymmetricTokens reports whether access tokens are signed with the RSA key pair.
func (c *Config) UsesAsymmetricTokens() bool {
	return c.Tokens.JWTPrivateKey != "" && c.Tokens.JWTPublicKey != ""
}
