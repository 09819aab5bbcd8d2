// Package catalog reads the merchants and content an intent is priced against.
// Catalog records are managed elsewhere; this package only reads them.
package catalog

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/CedrosPay/accessgate/internal/config"
)

var (
	// ErrMerchantNotFound is returned when a merchant doesn't exist.
	ErrMerchantNotFound = errors.New("merchant not found")
	// ErrContentNotFound is returned when a content item doesn't exist.
	ErrContentNotFound = errors.New("content not found")
)

// MerchantStatusActive is the only status that may receive payments.
const MerchantStatusActive = "active"

// DefaultAccessDuration applies when content has no duration of its own.
const DefaultAccessDuration = 24 * time.Hour

// Merchant is a seller that receives payments and webhooks.
type Merchant struct {
	ID            string   `json:"id"`
	Status        string   `json:"status"`
	PayoutAddress string   `json:"payoutAddress"`
	WebhookURL    string   `json:"webhookUrl,omitempty"`
	WebhookSecret string   `json:"webhookSecret,omitempty"`
	WebhookEvents []string `json:"webhookEvents,omitempty"`
}

// Active reports whether the merchant may accept new intents.
func (m Merchant) Active() bool {
	return strings.EqualFold(m.Status, MerchantStatusActive)
}

// WebhooksConfigured reports whether both a URL and a signing secret are set.
func (m Merchant) WebhooksConfigured() bool {
	return m.WebhookURL != "" && m.WebhookSecret != ""
}

// EventEnabled reports whether eventType should be delivered. An empty event
// list enables every event.
func (m Merchant) EventEnabled(eventType string) bool {
	if len(m.WebhookEvents) == 0 {
		return true
	}
	for _, ev := range m.WebhookEvents {
		if ev == eventType || ev == "*" {
			return true
		}
	}
	return false
}

// Content is a gated item with its default price and access window.
type Content struct {
	ID           string `json:"id"`
	MerchantID   string `json:"merchantId"`
	Slug         string `json:"slug"`
	Price        uint64 `json:"price"` // Atomic units of Currency
	Currency     string `json:"currency"`
	DurationSecs int64  `json:"durationSecs"`
}

// AccessDuration returns the content's access window, falling back to fallback
// (or DefaultAccessDuration when fallback is zero).
func (c Content) AccessDuration(fallback time.Duration) time.Duration {
	if c.DurationSecs > config.MaxAccessDurationSecs {
		return time.Duration(config.MaxAccessDurationSecs) * time.Second
	}
	if c.DurationSecs > 0 {
		return time.Duration(c.DurationSecs) * time.Second
	}
	if fallback > 0 {
		return fallback
	}
	return DefaultAccessDuration
}

// Repository defines read access to the catalog.
type Repository interface {
	// GetMerchant returns ErrMerchantNotFound when id is unknown.
	GetMerchant(ctx context.Context, id string) (Merchant, error)

	// GetContent returns ErrContentNotFound when id is unknown.
	GetContent(ctx context.Context, id string) (Content, error)

	// Close closes any open connections.
	Close() error
}
