package apikey

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/CedrosPay/accessgate/internal/config"
	apierrors "github.com/CedrosPay/accessgate/internal/errors"
)

// HeaderName carries the caller's API key.
const HeaderName = "X-API-Key"

// Role is the privilege attached to an API key.
type Role string

const (
	RoleAnonymous Role = ""
	RolePartner   Role = Role(config.APIKeyRolePartner) // trusted integrator, not rate limited
	RoleAdmin     Role = Role(config.APIKeyRoleAdmin)   // operator endpoints
)

type contextKey string

const contextKeyRole contextKey = "api_key_role"

// Config holds API key configuration.
type Config struct {
	Enabled bool
	Keys    map[string]Role
}

// FromConfig converts the loaded configuration.
func FromConfig(cfg config.APIKeysConfig) Config {
	keys := make(map[string]Role, len(cfg.Keys))
	for key, role := range cfg.Keys {
		keys[key] = Role(role)
	}
	return Config{Enabled: cfg.Enabled, Keys: keys}
}

// HasRole reports whether any configured key carries role.
func (c Config) HasRole(role Role) bool {
	if !c.Enabled {
		return false
	}
	for _, r := range c.Keys {
		if r == role {
			return true
		}
	}
	return false
}

// Middleware identifies the caller's role from the X-API-Key header.
// Unknown or missing keys are anonymous; this middleware never rejects.
func Middleware(cfg Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			role := RoleAnonymous
			if cfg.Enabled {
				role = cfg.lookup(strings.TrimSpace(r.Header.Get(HeaderName)))
			}
			ctx := context.WithValue(r.Context(), contextKeyRole, role)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// lookup compares against every key so timing does not reveal a prefix match.
func (c Config) lookup(presented string) Role {
	if presented == "" {
		return RoleAnonymous
	}
	found := RoleAnonymous
	for key, role := range c.Keys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(presented)) == 1 {
			found = role
		}
	}
	return found
}

// RoleFrom returns the role identified for the request.
func RoleFrom(r *http.Request) Role {
	if role, ok := r.Context().Value(contextKeyRole).(Role); ok {
		return role
	}
	return RoleAnonymous
}

// IsExemptFromRateLimits reports whether the caller skips per-IP throttles.
func IsExemptFromRateLimits(r *http.Request) bool {
	role := RoleFrom(r)
	return role == RolePartner || role == RoleAdmin
}

// RequireRole rejects requests whose key does not carry role.
func RequireRole(role Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if RoleFrom(r) != role {
				apierrors.WriteSimpleError(w, apierrors.ErrCodeUnauthorized, "a valid "+string(role)+" API key is required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
