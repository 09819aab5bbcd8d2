// Package httphandlers holds operator endpoints mounted beside the public
// payment routes.
package httphandlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	apierrors "github.com/CedrosPay/accessgate/internal/errors"
	"github.com/CedrosPay/accessgate/internal/storage"
	"github.com/CedrosPay/accessgate/pkg/responders"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// WebhooksAdminHandler inspects and retries merchant webhook deliveries.
type WebhooksAdminHandler struct {
	queue  storage.WebhookQueue
	logger zerolog.Logger
}

// NewWebhooksAdminHandler creates a handler over the delivery queue.
func NewWebhooksAdminHandler(queue storage.WebhookQueue, log zerolog.Logger) *WebhooksAdminHandler {
	return &WebhooksAdminHandler{queue: queue, logger: log}
}

// Routes mounts the handler's endpoints on r.
func (h *WebhooksAdminHandler) Routes(r chi.Router) {
	r.Get("/webhooks", h.ListWebhooks)
	r.Get("/webhooks/{id}", h.GetWebhook)
	r.Post("/webhooks/{id}/retry", h.RetryWebhook)
}

type listResponse struct {
	Webhooks []storage.PendingWebhook `json:"webhooks"`
	Count    int                      `json:"count"`
}

// ListWebhooks returns recent jobs, newest first.
// GET /admin/webhooks?status=failed&limit=100
func (h *WebhooksAdminHandler) ListWebhooks(w http.ResponseWriter, r *http.Request) {
	status := storage.WebhookStatus(r.URL.Query().Get("status"))
	switch status {
	case "", storage.WebhookStatusPending, storage.WebhookStatusProcessing, storage.WebhookStatusFailed, storage.WebhookStatusSuccess:
	default:
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, "status must be one of pending, processing, failed, success")
		return
	}

	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > maxListLimit {
			apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, "limit must be between 1 and 1000")
			return
		}
		limit = parsed
	}

	jobs, err := h.queue.ListWebhooks(r.Context(), status, limit)
	if err != nil {
		h.logger.Error().Err(err).Msg("admin.list_webhooks_failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeDatabaseError, "failed to list webhooks")
		return
	}
	if jobs == nil {
		jobs = []storage.PendingWebhook{}
	}
	responders.JSON(w, http.StatusOK, listResponse{Webhooks: jobs, Count: len(jobs)})
}

// GetWebhook returns one job.
// GET /admin/webhooks/{id}
func (h *WebhooksAdminHandler) GetWebhook(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := h.queue.GetWebhook(r.Context(), id)
	if err != nil {
		h.writeLookupError(w, id, err)
		return
	}
	responders.JSON(w, http.StatusOK, job)
}

// RetryWebhook resets a job to pending with a fresh attempt budget.
// POST /admin/webhooks/{id}/retry
func (h *WebhooksAdminHandler) RetryWebhook(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.queue.RetryWebhook(r.Context(), id); err != nil {
		h.writeLookupError(w, id, err)
		return
	}
	h.logger.Info().Str("webhook_id", id).Msg("admin.webhook_requeued")
	responders.JSON(w, http.StatusOK, map[string]string{
		"message":   "webhook queued for retry",
		"webhookId": id,
	})
}

func (h *WebhooksAdminHandler) writeLookupError(w http.ResponseWriter, id string, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeWebhookNotFound, "webhook not found")
		return
	}
	h.logger.Error().Err(err).Str("webhook_id", id).Msg("admin.webhook_lookup_failed")
	apierrors.WriteSimpleError(w, apierrors.ErrCodeDatabaseError, "webhook queue unavailable")
}
