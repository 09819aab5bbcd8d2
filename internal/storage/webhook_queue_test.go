package storage

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func newTestQueue(now *time.Time) *MemoryWebhookQueue {
	q := NewMemoryWebhookQueue()
	q.SetClock(func() time.Time { return *now })
	return q
}

func TestMemoryWebhookQueue_Lifecycle(t *testing.T) {
	now := baseTime
	q := newTestQueue(&now)
	ctx := context.Background()

	id, err := q.EnqueueWebhook(ctx, PendingWebhook{
		MerchantID: "merchant-a",
		URL:        "https://merchant.example/hooks",
		Payload:    json.RawMessage(`{"event":"payment.confirmed"}`),
		Headers:    map[string]string{"Content-Type": "application/json"},
		EventType:  "payment.confirmed",
	})
	if err != nil {
		t.Fatalf("EnqueueWebhook failed: %v", err)
	}
	if id == "" {
		t.Fatal("expected webhook id")
	}

	claimed, err := q.DequeueWebhooks(ctx, 10)
	if err != nil {
		t.Fatalf("DequeueWebhooks failed: %v", err)
	}
	if len(claimed) != 1 || claimed[0].Attempts != 1 || claimed[0].Status != WebhookStatusProcessing {
		t.Fatalf("unexpected claim: %+v", claimed)
	}
	if claimed[0].MaxAttempts != DefaultWebhookMaxAttempts {
		t.Errorf("expected default max attempts, got %d", claimed[0].MaxAttempts)
	}

	again, _ := q.DequeueWebhooks(ctx, 10)
	if len(again) != 0 {
		t.Fatalf("claimed job must not be dequeued twice, got %d", len(again))
	}

	if err := q.MarkWebhookSuccess(ctx, id); err != nil {
		t.Fatalf("MarkWebhookSuccess failed: %v", err)
	}
	got, err := q.GetWebhook(ctx, id)
	if err != nil {
		t.Fatalf("GetWebhook failed: %v", err)
	}
	if got.Status != WebhookStatusSuccess || got.CompletedAt == nil {
		t.Fatalf("expected success with completion time, got %+v", got)
	}
}

func TestMemoryWebhookQueue_TerminalFailureAfterMaxAttempts(t *testing.T) {
	now := baseTime
	q := newTestQueue(&now)
	ctx := context.Background()

	id, _ := q.EnqueueWebhook(ctx, PendingWebhook{URL: "https://merchant.example", EventType: "payment.confirmed", MaxAttempts: 5})

	for attempt := 1; attempt <= 5; attempt++ {
		claimed, err := q.DequeueWebhooks(ctx, 1)
		if err != nil || len(claimed) != 1 {
			t.Fatalf("attempt %d: expected a claim, got %d (%v)", attempt, len(claimed), err)
		}
		if claimed[0].Attempts != attempt {
			t.Fatalf("attempt %d: attempts = %d", attempt, claimed[0].Attempts)
		}
		next := now.Add(time.Second)
		if err := q.MarkWebhookFailed(ctx, id, "status 500", next); err != nil {
			t.Fatalf("MarkWebhookFailed failed: %v", err)
		}
		now = next
	}

	got, _ := q.GetWebhook(ctx, id)
	if got.Status != WebhookStatusFailed {
		t.Fatalf("expected failed status, got %s", got.Status)
	}
	if got.LastError != "status 500" || got.CompletedAt == nil {
		t.Fatalf("unexpected terminal state: %+v", got)
	}

	now = now.Add(time.Hour)
	if claimed, _ := q.DequeueWebhooks(ctx, 10); len(claimed) != 0 {
		t.Fatalf("failed job must not be retried, got %d", len(claimed))
	}

	if err := q.RetryWebhook(ctx, id); err != nil {
		t.Fatalf("RetryWebhook failed: %v", err)
	}
	claimed, _ := q.DequeueWebhooks(ctx, 10)
	if len(claimed) != 1 || claimed[0].Attempts != 1 {
		t.Fatalf("expected manual retry to restart the budget, got %+v", claimed)
	}
}

func TestMemoryWebhookQueue_RescheduleHonorsNextAttempt(t *testing.T) {
	now := baseTime
	q := newTestQueue(&now)
	ctx := context.Background()

	id, _ := q.EnqueueWebhook(ctx, PendingWebhook{URL: "https://merchant.example", EventType: "purchase.completed"})
	_, _ = q.DequeueWebhooks(ctx, 1)
	_ = q.MarkWebhookFailed(ctx, id, "timeout", now.Add(2*time.Second))

	if claimed, _ := q.DequeueWebhooks(ctx, 1); len(claimed) != 0 {
		t.Fatal("job dequeued before its next attempt time")
	}
	now = now.Add(2 * time.Second)
	if claimed, _ := q.DequeueWebhooks(ctx, 1); len(claimed) != 1 {
		t.Fatal("job not dequeued at its next attempt time")
	}
}

func TestMemoryWebhookQueue_Purge(t *testing.T) {
	now := baseTime
	q := newTestQueue(&now)
	ctx := context.Background()

	oldSuccess, _ := q.EnqueueWebhook(ctx, PendingWebhook{URL: "u", EventType: "e"})
	oldFailed, _ := q.EnqueueWebhook(ctx, PendingWebhook{URL: "u", EventType: "e", MaxAttempts: 1})
	_, _ = q.DequeueWebhooks(ctx, 10)
	_ = q.MarkWebhookSuccess(ctx, oldSuccess)
	_ = q.MarkWebhookFailed(ctx, oldFailed, "boom", now)

	now = now.Add(48 * time.Hour)
	pending, _ := q.EnqueueWebhook(ctx, PendingWebhook{URL: "u", EventType: "e"})

	purged, err := q.PurgeWebhooks(ctx, now.Add(-24*time.Hour), now.Add(-7*24*time.Hour))
	if err != nil {
		t.Fatalf("PurgeWebhooks failed: %v", err)
	}
	if purged != 1 {
		t.Fatalf("expected only the old success to be purged, got %d", purged)
	}
	if _, err := q.GetWebhook(ctx, oldSuccess); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected success purged, got %v", err)
	}
	if _, err := q.GetWebhook(ctx, oldFailed); err != nil {
		t.Errorf("failed job is kept for 7 days: %v", err)
	}
	if _, err := q.GetWebhook(ctx, pending); err != nil {
		t.Errorf("pending job must not be purged: %v", err)
	}

	now = now.Add(7 * 24 * time.Hour)
	purged, _ = q.PurgeWebhooks(ctx, now.Add(-24*time.Hour), now.Add(-7*24*time.Hour))
	if purged != 1 {
		t.Fatalf("expected the old failure to be purged, got %d", purged)
	}
}

func TestMemoryWebhookQueue_RequeueStale(t *testing.T) {
	now := baseTime
	q := newTestQueue(&now)
	ctx := context.Background()

	id, _ := q.EnqueueWebhook(ctx, PendingWebhook{URL: "u", EventType: "e"})
	_, _ = q.DequeueWebhooks(ctx, 1)

	now = now.Add(10 * time.Minute)
	count, err := q.RequeueStaleWebhooks(ctx, now.Add(-5*time.Minute))
	if err != nil || count != 1 {
		t.Fatalf("expected 1 requeued, got %d (%v)", count, err)
	}
	got, _ := q.GetWebhook(ctx, id)
	if got.Status != WebhookStatusPending {
		t.Fatalf("expected pending, got %s", got.Status)
	}
}

func TestMemoryWebhookQueue_StaleFinalAttemptFails(t *testing.T) {
	now := baseTime
	q := newTestQueue(&now)
	ctx := context.Background()

	id, _ := q.EnqueueWebhook(ctx, PendingWebhook{URL: "u", EventType: "e", MaxAttempts: 1})
	if claimed, _ := q.DequeueWebhooks(ctx, 1); len(claimed) != 1 {
		t.Fatalf("expected one claimed job, got %d", len(claimed))
	}

	now = now.Add(10 * time.Minute)
	count, err := q.RequeueStaleWebhooks(ctx, now.Add(-5*time.Minute))
	if err != nil || count != 1 {
		t.Fatalf("expected 1 released, got %d (%v)", count, err)
	}
	got, _ := q.GetWebhook(ctx, id)
	if got.Status != WebhookStatusFailed || got.CompletedAt == nil || got.LastError == "" {
		t.Fatalf("expected terminal failure, got %+v", got)
	}
	if again, _ := q.DequeueWebhooks(ctx, 1); len(again) != 0 {
		t.Fatalf("exhausted job was delivered again: %+v", again)
	}
}

func TestNewWebhookQueue_Backends(t *testing.T) {
	ctx := context.Background()
	if _, err := NewWebhookQueue(ctx, "memory", Backends{}); err != nil {
		t.Fatalf("memory backend: %v", err)
	}
	if _, err := NewWebhookQueue(ctx, "postgres", Backends{}); err == nil {
		t.Fatal("expected error without a pool")
	}
	if _, err := NewWebhookQueue(ctx, "kafka", Backends{}); err == nil {
		t.Fatal("expected unsupported backend error")
	}
	if _, err := NewStore(ctx, "", Backends{}); err != nil {
		t.Fatalf("default store: %v", err)
	}
}

func TestValidateTablePrefix(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"", defaultTablePrefix, false},
		{"shop_", "shop_", false},
		{"Shop", "", true},
		{"x; DROP TABLE", "", true},
	}
	for _, tt := range tests {
		got, err := validateTablePrefix(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("validateTablePrefix(%q) err = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("validateTablePrefix(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
