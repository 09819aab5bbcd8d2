package catalog

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/CedrosPay/accessgate/internal/cache"
	"github.com/CedrosPay/accessgate/internal/config"
)

func sampleYAML() *YAMLRepository {
	return NewYAMLRepository(
		[]config.MerchantConfig{
			{ID: "merchant-a", PayoutAddress: "4Nd1mBQtrMJVYVfKf2PJy9NZUZdTAsp7D4xWLs4gDB4T", WebhookURL: "https://example.com/hook", WebhookSecret: "s3cret"},
			{ID: "merchant-b", Status: "suspended", WebhookEvents: []string{"payment.confirmed"}},
		},
		[]config.ContentConfig{
			{ID: "content-x", MerchantID: "merchant-a", Slug: "article", PriceLamports: 100_000_000, Currency: "sol"},
		},
	)
}

func TestYAMLRepository(t *testing.T) {
	ctx := context.Background()
	repo := sampleYAML()

	m, err := repo.GetMerchant(ctx, "merchant-a")
	if err != nil {
		t.Fatalf("GetMerchant: %v", err)
	}
	if !m.Active() || !m.WebhooksConfigured() {
		t.Errorf("merchant-a = %+v", m)
	}

	b, _ := repo.GetMerchant(ctx, "merchant-b")
	if b.Active() {
		t.Error("suspended merchant reported active")
	}

	c, err := repo.GetContent(ctx, "content-x")
	if err != nil {
		t.Fatalf("GetContent: %v", err)
	}
	if c.Price != 100_000_000 || c.Currency != "SOL" {
		t.Errorf("content-x = %+v", c)
	}

	if _, err := repo.GetMerchant(ctx, "nope"); !errors.Is(err, ErrMerchantNotFound) {
		t.Errorf("expected ErrMerchantNotFound, got %v", err)
	}
	if _, err := repo.GetContent(ctx, "nope"); !errors.Is(err, ErrContentNotFound) {
		t.Errorf("expected ErrContentNotFound, got %v", err)
	}
}

func TestMerchantEventEnabled(t *testing.T) {
	tests := []struct {
		name   string
		events []string
		event  string
		want   bool
	}{
		{"empty list enables all", nil, "purchase.completed", true},
		{"listed", []string{"payment.confirmed"}, "payment.confirmed", true},
		{"not listed", []string{"payment.confirmed"}, "purchase.completed", false},
		{"wildcard", []string{"*"}, "purchase.completed", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := Merchant{WebhookEvents: tt.events}
			if got := m.EventEnabled(tt.event); got != tt.want {
				t.Errorf("EventEnabled(%q) = %v, want %v", tt.event, got, tt.want)
			}
		})
	}
}

func TestContentAccessDuration(t *testing.T) {
	if got := (Content{DurationSecs: 60}).AccessDuration(time.Hour); got != time.Minute {
		t.Errorf("explicit duration = %v", got)
	}
	if got := (Content{}).AccessDuration(time.Hour); got != time.Hour {
		t.Errorf("fallback duration = %v", got)
	}
	if got := (Content{}).AccessDuration(0); got != DefaultAccessDuration {
		t.Errorf("default duration = %v", got)
	}
	capped := time.Duration(config.MaxAccessDurationSecs) * time.Second
	if got := (Content{DurationSecs: 10_000_000_000}).AccessDuration(time.Hour); got != capped {
		t.Errorf("oversized duration = %v, want %v", got, capped)
	}
}

type countingRepo struct {
	Repository
	merchantCalls atomic.Int32
	contentCalls  atomic.Int32
	gate          chan struct{}
}

func (c *countingRepo) GetMerchant(ctx context.Context, id string) (Merchant, error) {
	c.merchantCalls.Add(1)
	if c.gate != nil {
		<-c.gate
	}
	return c.Repository.GetMerchant(ctx, id)
}

func (c *countingRepo) GetContent(ctx context.Context, id string) (Content, error) {
	c.contentCalls.Add(1)
	return c.Repository.GetContent(ctx, id)
}

func TestCachedRepository_ReadThrough(t *testing.T) {
	ctx := context.Background()
	under := &countingRepo{Repository: sampleYAML()}
	repo := NewCachedRepository(under, cache.NewMemory(), time.Minute, time.Minute, nil)

	for i := 0; i < 3; i++ {
		if _, err := repo.GetMerchant(ctx, "merchant-a"); err != nil {
			t.Fatalf("GetMerchant: %v", err)
		}
		if _, err := repo.GetContent(ctx, "content-x"); err != nil {
			t.Fatalf("GetContent: %v", err)
		}
	}
	if under.merchantCalls.Load() != 1 || under.contentCalls.Load() != 1 {
		t.Fatalf("underlying calls merchant=%d content=%d, want 1/1", under.merchantCalls.Load(), under.contentCalls.Load())
	}

	repo.Invalidate(ctx, "merchant-a", "")
	if _, err := repo.GetMerchant(ctx, "merchant-a"); err != nil {
		t.Fatalf("GetMerchant: %v", err)
	}
	if under.merchantCalls.Load() != 2 {
		t.Fatalf("expected reload after invalidate, calls=%d", under.merchantCalls.Load())
	}
}

func TestCachedRepository_NotFoundIsNotCached(t *testing.T) {
	ctx := context.Background()
	under := &countingRepo{Repository: sampleYAML()}
	repo := NewCachedRepository(under, cache.NewMemory(), time.Minute, time.Minute, nil)

	for i := 0; i < 2; i++ {
		if _, err := repo.GetMerchant(ctx, "missing"); !errors.Is(err, ErrMerchantNotFound) {
			t.Fatalf("expected ErrMerchantNotFound, got %v", err)
		}
	}
	if under.merchantCalls.Load() != 2 {
		t.Fatalf("misses should reach the source, calls=%d", under.merchantCalls.Load())
	}
}

func TestCachedRepository_CoalescesConcurrentMisses(t *testing.T) {
	ctx := context.Background()
	under := &countingRepo{Repository: sampleYAML(), gate: make(chan struct{})}
	repo := NewCachedRepository(under, cache.Noop{}, time.Minute, time.Minute, nil)

	const callers = 8
	var started, done sync.WaitGroup
	started.Add(callers)
	done.Add(callers)
	for i := 0; i < callers; i++ {
		go func() {
			defer done.Done()
			started.Done()
			if _, err := repo.GetMerchant(ctx, "merchant-a"); err != nil {
				t.Errorf("GetMerchant: %v", err)
			}
		}()
	}
	started.Wait()
	time.Sleep(20 * time.Millisecond)
	close(under.gate)
	done.Wait()

	if calls := under.merchantCalls.Load(); calls >= callers {
		t.Fatalf("expected coalesced lookups, got %d calls", calls)
	}
}

func TestNewRepository_Sources(t *testing.T) {
	ctx := context.Background()
	if _, err := NewRepository(ctx, config.CatalogConfig{Source: "yaml"}, Backends{}); err != nil {
		t.Fatalf("yaml: %v", err)
	}
	if _, err := NewRepository(ctx, config.CatalogConfig{Source: "postgres"}, Backends{}); err == nil {
		t.Fatal("postgres without a pool should fail")
	}
	if _, err := NewRepository(ctx, config.CatalogConfig{Source: "mongodb"}, Backends{}); err == nil {
		t.Fatal("mongodb without a client should fail")
	}
	if _, err := NewRepository(ctx, config.CatalogConfig{Source: "csv"}, Backends{}); err == nil {
		t.Fatal("unknown source should fail")
	}
}
