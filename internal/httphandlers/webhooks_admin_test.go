package httphandlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/CedrosPay/accessgate/internal/storage"
)

type brokenQueue struct {
	storage.WebhookQueue
}

func (brokenQueue) ListWebhooks(context.Context, storage.WebhookStatus, int) ([]storage.PendingWebhook, error) {
	return nil, errors.New("connection refused")
}

func newAdminRouter(queue storage.WebhookQueue) http.Handler {
	r := chi.NewRouter()
	r.Route("/admin", NewWebhooksAdminHandler(queue, zerolog.Nop()).Routes)
	return r
}

func seedQueue(t *testing.T) (*storage.MemoryWebhookQueue, string) {
	t.Helper()
	queue := storage.NewMemoryWebhookQueue()
	ctx := context.Background()
	id, err := queue.EnqueueWebhook(ctx, storage.PendingWebhook{
		MerchantID:  "merchant-a",
		URL:         "https://merchant.example/hooks",
		Payload:     json.RawMessage(`{"event":"payment.confirmed"}`),
		EventType:   "payment.confirmed",
		MaxAttempts: 1,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := queue.DequeueWebhooks(ctx, 10); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if err := queue.MarkWebhookFailed(ctx, id, "503 from merchant", time.Now()); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	return queue, id
}

func serve(h http.Handler, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestListWebhooks(t *testing.T) {
	queue, id := seedQueue(t)
	h := newAdminRouter(queue)

	tests := []struct {
		name      string
		path      string
		wantCode  int
		wantCount int
	}{
		{"all", "/admin/webhooks", http.StatusOK, 1},
		{"failed", "/admin/webhooks?status=failed", http.StatusOK, 1},
		{"pending", "/admin/webhooks?status=pending", http.StatusOK, 0},
		{"bad status", "/admin/webhooks?status=lost", http.StatusBadRequest, 0},
		{"bad limit", "/admin/webhooks?limit=0", http.StatusBadRequest, 0},
		{"limit too large", "/admin/webhooks?limit=5000", http.StatusBadRequest, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(h, "GET", tt.path)
			if rec.Code != tt.wantCode {
				t.Fatalf("expected %d, got %d (%s)", tt.wantCode, rec.Code, rec.Body.String())
			}
			if tt.wantCode != http.StatusOK {
				return
			}
			var body listResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body.Count != tt.wantCount || len(body.Webhooks) != tt.wantCount {
				t.Errorf("expected %d webhooks, got %+v", tt.wantCount, body)
			}
			if tt.wantCount > 0 && body.Webhooks[0].ID != id {
				t.Errorf("unexpected webhook %s", body.Webhooks[0].ID)
			}
		})
	}
}

func TestGetAndRetryWebhook(t *testing.T) {
	queue, id := seedQueue(t)
	h := newAdminRouter(queue)

	rec := serve(h, "GET", "/admin/webhooks/"+id)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", rec.Code)
	}
	var job storage.PendingWebhook
	if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if job.Status != storage.WebhookStatusFailed || job.LastError != "503 from merchant" {
		t.Fatalf("unexpected job: %+v", job)
	}

	if rec := serve(h, "POST", "/admin/webhooks/"+id+"/retry"); rec.Code != http.StatusOK {
		t.Fatalf("retry: expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	job, err := queue.GetWebhook(context.Background(), id)
	if err != nil {
		t.Fatalf("GetWebhook: %v", err)
	}
	if job.Status != storage.WebhookStatusPending || job.Attempts != 0 {
		t.Errorf("expected pending job with fresh budget, got %+v", job)
	}
}

func TestWebhookNotFound(t *testing.T) {
	h := newAdminRouter(storage.NewMemoryWebhookQueue())

	for _, tc := range []struct{ method, path string }{
		{"GET", "/admin/webhooks/missing"},
		{"POST", "/admin/webhooks/missing/retry"},
	} {
		rec := serve(h, tc.method, tc.path)
		if rec.Code != http.StatusNotFound {
			t.Errorf("%s %s: expected 404, got %d", tc.method, tc.path, rec.Code)
		}
	}
}

func TestListWebhooks_QueueUnavailable(t *testing.T) {
	rec := serve(newAdminRouter(brokenQueue{}), "GET", "/admin/webhooks")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
}
