package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// applyEnvOverrides applies environment variable overrides to the config.
// Environment variables take precedence over YAML configuration.
// All env vars use the ACCESSGATE_ prefix for namespace isolation.
func (c *Config) applyEnvOverrides() {
	// Server config
	setIfEnv(&c.Server.Address, "ACCESSGATE_SERVER_ADDRESS")
	setIfEnv(&c.Server.RoutePrefix, "ACCESSGATE_ROUTE_PREFIX")
	if v := os.Getenv("ACCESSGATE_CORS_ALLOWED_ORIGINS"); v != "" {
		c.Server.CORSAllowedOrigins = splitList(v)
	}

	// Normalize route prefix: ensure it starts with / and doesn't end with /
	if c.Server.RoutePrefix != "" {
		c.Server.RoutePrefix = normalizeRoutePrefix(c.Server.RoutePrefix)
	}

	// Logging
	setIfEnv(&c.Logging.Level, "ACCESSGATE_LOG_LEVEL")
	setIfEnv(&c.Logging.Format, "ACCESSGATE_LOG_FORMAT")
	setIfEnv(&c.Logging.Environment, "ACCESSGATE_ENVIRONMENT")

	// Solana
	setIfEnv(&c.Solana.Network, "ACCESSGATE_SOLANA_NETWORK")
	setIfEnv(&c.Solana.RPCURL, "ACCESSGATE_SOLANA_RPC_URL")
	setIfEnv(&c.Solana.FallbackRPCURL, "ACCESSGATE_SOLANA_FALLBACK_RPC_URL")
	setIfEnv(&c.Solana.Commitment, "ACCESSGATE_SOLANA_COMMITMENT")
	setIntIfEnv(&c.Solana.MaxRetries, "ACCESSGATE_SOLANA_MAX_RETRIES")
	if v := os.Getenv("ACCESSGATE_USDC_MINT"); v != "" {
		c.setMint("USDC", v)
	}
	if v := os.Getenv("ACCESSGATE_PYUSD_MINT"); v != "" {
		c.setMint("PYUSD", v)
	}

	// Intents
	setDurationIfEnv(&c.Intents.TTL, "ACCESSGATE_INTENT_TTL")
	setDurationIfEnv(&c.Intents.DefaultAccessDuration, "ACCESSGATE_DEFAULT_ACCESS_DURATION")

	// Tokens
	setIfEnv(&c.Tokens.JWTSecret, "ACCESSGATE_JWT_SECRET")
	setIfEnv(&c.Tokens.JWTPrivateKey, "ACCESSGATE_JWT_PRIVATE_KEY")
	setIfEnv(&c.Tokens.JWTPublicKey, "ACCESSGATE_JWT_PUBLIC_KEY")
	setIfEnv(&c.Tokens.Issuer, "ACCESSGATE_JWT_ISSUER")

	// Payments / verification
	setIfEnv(&c.Payments.FallbackMatch, "ACCESSGATE_FALLBACK_MATCH")
	setDurationIfEnv(&c.Payments.StatusCacheTTL, "ACCESSGATE_STATUS_CACHE_TTL")
	setBoolIfEnv(&c.Verification.Enabled, "ACCESSGATE_VERIFICATION_ENABLED")
	setIntIfEnv(&c.Verification.Workers, "ACCESSGATE_VERIFICATION_WORKERS")

	// Webhooks
	setBoolIfEnv(&c.Webhooks.Enabled, "ACCESSGATE_WEBHOOKS_ENABLED")
	setIfEnv(&c.Webhooks.QueueBackend, "ACCESSGATE_WEBHOOK_QUEUE_BACKEND")
	setDurationIfEnv(&c.Webhooks.Timeout, "ACCESSGATE_WEBHOOK_TIMEOUT")
	setIntIfEnv(&c.Webhooks.Retry.MaxAttempts, "ACCESSGATE_WEBHOOK_MAX_ATTEMPTS")

	// Storage
	setIfEnv(&c.Storage.Backend, "ACCESSGATE_STORAGE_BACKEND")
	setIfEnv(&c.Storage.PostgresURL, "ACCESSGATE_POSTGRES_URL")
	setIfEnv(&c.Storage.MongoDBURL, "ACCESSGATE_MONGODB_URL")
	setIfEnv(&c.Storage.MongoDBDatabase, "ACCESSGATE_MONGODB_DATABASE")

	// Catalog
	setIfEnv(&c.Catalog.Source, "ACCESSGATE_CATALOG_SOURCE")
	setIfEnv(&c.Catalog.PostgresURL, "ACCESSGATE_CATALOG_POSTGRES_URL")
	setIfEnv(&c.Catalog.MongoDBURL, "ACCESSGATE_CATALOG_MONGODB_URL")

	// Cache
	setIfEnv(&c.Cache.Backend, "ACCESSGATE_CACHE_BACKEND")
	setIfEnv(&c.Cache.RedisURL, "ACCESSGATE_REDIS_URL")

	// Rate limiting
	setBoolIfEnv(&c.RateLimit.Enabled, "ACCESSGATE_RATE_LIMIT_ENABLED")

	// API keys
	if v := os.Getenv("ACCESSGATE_ADMIN_API_KEY"); v != "" {
		if c.APIKeys.Keys == nil {
			c.APIKeys.Keys = make(map[string]string)
		}
		c.APIKeys.Keys[v] = APIKeyRoleAdmin
		c.APIKeys.Enabled = true
	}
}

func (c *Config) setMint(symbol, mint string) {
	if c.Solana.TokenMints == nil {
		c.Solana.TokenMints = make(map[string]string)
	}
	c.Solana.TokenMints[symbol] = mint
}

// setIfEnv sets a string pointer to the environment variable value if it exists.
func setIfEnv(target *string, key string) {
	if val := os.Getenv(key); val != "" {
		*target = val
	}
}

// setBoolIfEnv sets a boolean pointer from an environment variable.
// Accepts "1", "true", "TRUE", "True" as true values.
func setBoolIfEnv(target *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v == "1" || strings.EqualFold(v, "true")
	}
}

// setIntIfEnv ignores values that do not parse as integers.
func setIntIfEnv(target *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*target = n
		}
	}
}

// setDurationIfEnv sets a Duration pointer from an environment variable.
// Uses time.ParseDuration to parse values like "5m", "120s", "1h30m".
func setDurationIfEnv(target *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			*target = Duration{Duration: dur}
		}
	}
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// normalizeRoutePrefix ensures the prefix starts with / and doesn't end with /.
// Examples: "api" -> "/api", "/api/" -> "/api"
func normalizeRoutePrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return ""
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	return strings.TrimSuffix(prefix, "/")
}
