package catalog

import (
	"context"
	"strings"

	"github.com/CedrosPay/accessgate/internal/config"
)

// YAMLRepository serves the catalog declared in the config file.
type YAMLRepository struct {
	merchants map[string]Merchant
	contents  map[string]Content
}

// NewYAMLRepository indexes the configured merchants and contents by id.
func NewYAMLRepository(merchants []config.MerchantConfig, contents []config.ContentConfig) *YAMLRepository {
	r := &YAMLRepository{
		merchants: make(map[string]Merchant, len(merchants)),
		contents:  make(map[string]Content, len(contents)),
	}
	for _, m := range merchants {
		status := m.Status
		if status == "" {
			status = MerchantStatusActive
		}
		r.merchants[m.ID] = Merchant{
			ID:            m.ID,
			Status:        status,
			PayoutAddress: m.PayoutAddress,
			WebhookURL:    m.WebhookURL,
			WebhookSecret: m.WebhookSecret,
			WebhookEvents: append([]string(nil), m.WebhookEvents...),
		}
	}
	for _, c := range contents {
		r.contents[c.ID] = Content{
			ID:           c.ID,
			MerchantID:   c.MerchantID,
			Slug:         c.Slug,
			Price:        c.PriceLamports,
			Currency:     strings.ToUpper(c.Currency),
			DurationSecs: c.DurationSecs,
		}
	}
	return r
}

func (r *YAMLRepository) GetMerchant(_ context.Context, id string) (Merchant, error) {
	m, ok := r.merchants[id]
	if !ok {
		return Merchant{}, ErrMerchantNotFound
	}
	m.WebhookEvents = append([]string(nil), m.WebhookEvents...)
	return m, nil
}

func (r *YAMLRepository) GetContent(_ context.Context, id string) (Content, error) {
	c, ok := r.contents[id]
	if !ok {
		return Content{}, ErrContentNotFound
	}
	return c, nil
}

func (r *YAMLRepository) Close() error {
	return nil
}
