package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/CedrosPay/accessgate/pkg/responders"
)

const (
	componentOK          = "ok"
	componentUnavailable = "unavailable"
)

// health reports ledger and storage reachability. Either being down makes the
// service degraded (503).
func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	now := time.Now()
	rpc := h.checkRPCHealth(ctx)
	store := h.checkStorageHealth(ctx)

	status := "ok"
	statusCode := http.StatusOK
	if rpc != componentOK || store != componentOK {
		status = "degraded"
		statusCode = http.StatusServiceUnavailable
	}

	response := map[string]any{
		"status":    status,
		"rpc":       rpc,
		"storage":   store,
		"uptime":    now.Sub(serverStartTime).String(),
		"timestamp": now.UTC(),
	}
	if h.cfg != nil && h.cfg.Solana.Network != "" {
		response["network"] = h.cfg.Solana.Network
	}

	responders.JSON(w, statusCode, response)
}

func (h *handlers) checkRPCHealth(ctx context.Context) string {
	if h.chain == nil {
		return componentUnavailable
	}
	if err := h.chain.Health(ctx); err != nil {
		h.logger.Warn().Err(err).Msg("health.rpc_unavailable")
		return componentUnavailable
	}
	return componentOK
}

func (h *handlers) checkStorageHealth(ctx context.Context) string {
	if h.storage == nil {
		return componentUnavailable
	}
	if err := h.storage.Ping(ctx); err != nil {
		h.logger.Warn().Err(err).Msg("health.storage_unavailable")
		return componentUnavailable
	}
	return componentOK
}
