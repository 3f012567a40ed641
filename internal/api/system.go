package api

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/admp-io/relay/internal/hub"
	"github.com/admp-io/relay/internal/store"
)

// SystemHandler serves the unauthenticated operational endpoints.
type SystemHandler struct {
	store   store.Store
	hub     *hub.Hub
	logger  *zap.Logger
	started time.Time
}

// NewSystemHandler creates a SystemHandler.
func NewSystemHandler(st store.Store, h *hub.Hub, logger *zap.Logger) *SystemHandler {
	return &SystemHandler{store: st, hub: h, logger: logger.Named("system_handler"), started: time.Now()}
}

// Health handles GET /healthz. Degraded storage is a 503 so load balancers
// stop routing to this instance.
func (h *SystemHandler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		h.logger.Error("health check failed", zap.Error(err))
		JSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "degraded",
			"error":  "storage unreachable",
		})
		return
	}
	JSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_sec":     int64(time.Since(h.started).Seconds()),
		"ws_subscribers": h.hub.SubscriberCount(),
	})
}
