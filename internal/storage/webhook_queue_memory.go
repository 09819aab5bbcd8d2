package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryWebhookQueue is a process-local WebhookQueue for development and tests.
// Jobs are lost on restart.
type MemoryWebhookQueue struct {
	mu       sync.Mutex
	webhooks map[string]PendingWebhook
	now      func() time.Time
}

// NewMemoryWebhookQueue creates an empty queue.
func NewMemoryWebhookQueue() *MemoryWebhookQueue {
	return &MemoryWebhookQueue{
		webhooks: make(map[string]PendingWebhook),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the queue's time source. Used by tests that drive retry
// schedules without sleeping.
func (q *MemoryWebhookQueue) SetClock(now func() time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.now = now
}

func (q *MemoryWebhookQueue) EnqueueWebhook(_ context.Context, webhook PendingWebhook) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	prepareWebhook(&webhook, q.now())
	q.webhooks[webhook.ID] = webhook
	return webhook.ID, nil
}

func (q *MemoryWebhookQueue) DequeueWebhooks(_ context.Context, limit int) ([]PendingWebhook, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var ready []PendingWebhook
	for _, w := range q.webhooks {
		if w.Status == WebhookStatusPending && !w.NextAttemptAt.After(now) {
			ready = append(ready, w)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		return ready[i].NextAttemptAt.Before(ready[j].NextAttemptAt)
	})
	if limit > 0 && len(ready) > limit {
		ready = ready[:limit]
	}

	for i := range ready {
		ready[i].Status = WebhookStatusProcessing
		ready[i].Attempts++
		ready[i].LastAttemptAt = now
		q.webhooks[ready[i].ID] = ready[i]
	}
	return ready, nil
}

func (q *MemoryWebhookQueue) MarkWebhookSuccess(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	w, ok := q.webhooks[id]
	if !ok {
		return ErrNotFound
	}
	now := q.now()
	w.Status = WebhookStatusSuccess
	w.LastError = ""
	w.CompletedAt = &now
	q.webhooks[id] = w
	return nil
}

func (q *MemoryWebhookQueue) MarkWebhookFailed(_ context.Context, id string, errMsg string, nextAttemptAt time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	w, ok := q.webhooks[id]
	if !ok {
		return ErrNotFound
	}
	w.LastError = errMsg
	if w.Exhausted() {
		now := q.now()
		w.Status = WebhookStatusFailed
		w.CompletedAt = &now
	} else {
		w.Status = WebhookStatusPending
		w.NextAttemptAt = nextAttemptAt.UTC()
	}
	q.webhooks[id] = w
	return nil
}

func (q *MemoryWebhookQueue) GetWebhook(_ context.Context, id string) (PendingWebhook, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	w, ok := q.webhooks[id]
	if !ok {
		return PendingWebhook{}, ErrNotFound
	}
	return w, nil
}

func (q *MemoryWebhookQueue) ListWebhooks(_ context.Context, status WebhookStatus, limit int) ([]PendingWebhook, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []PendingWebhook
	for _, w := range q.webhooks {
		if status == "" || w.Status == status {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (q *MemoryWebhookQueue) RetryWebhook(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	w, ok := q.webhooks[id]
	if !ok {
		return ErrNotFound
	}
	w.Status = WebhookStatusPending
	w.Attempts = 0
	w.NextAttemptAt = q.now()
	w.CompletedAt = nil
	q.webhooks[id] = w
	return nil
}

func (q *MemoryWebhookQueue) PurgeWebhooks(_ context.Context, completedBefore, failedBefore time.Time) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var count int64
	for id, w := range q.webhooks {
		if w.CompletedAt == nil {
			continue
		}
		if (w.Status == WebhookStatusSuccess && w.CompletedAt.Before(completedBefore)) ||
			(w.Status == WebhookStatusFailed && w.CompletedAt.Before(failedBefore)) {
			delete(q.webhooks, id)
			count++
		}
	}
	return count, nil
}

func (q *MemoryWebhookQueue) RequeueStaleWebhooks(_ context.Context, claimedBefore time.Time) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var count int64
	for id, w := range q.webhooks {
		if w.Status != WebhookStatusProcessing || !w.LastAttemptAt.Before(claimedBefore) {
			continue
		}
		now := q.now()
		if w.Exhausted() {
			w.Status = WebhookStatusFailed
			w.CompletedAt = &now
			w.LastError = staleClaimError
		} else {
			w.Status = WebhookStatusPending
			w.NextAttemptAt = now
		}
		q.webhooks[id] = w
		count++
	}
	return count, nil
}

func (q *MemoryWebhookQueue) Close() error { return nil }
