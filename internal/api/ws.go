package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/admp-io/relay/internal/hub"
	"github.com/admp-io/relay/internal/lifecycle"
)

// WSHandler handles the inbox-push upgrade endpoint. Signature auth runs at
// the HTTP layer before the upgrade, so the socket itself carries no
// credentials.
type WSHandler struct {
	hub    *hub.Hub
	logger *zap.Logger
}

// NewWSHandler creates a WSHandler.
func NewWSHandler(h *hub.Hub, logger *zap.Logger) *WSHandler {
	return &WSHandler{hub: h, logger: logger.Named("ws_handler")}
}

// Subscribe handles GET /agents/{id}/inbox/ws (signed). The socket carries
// inbox availability and agent status events for the subject agent; all
// message traffic stays on the pull API.
func (h *WSHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	agentID := lifecycle.NormalizeAgentID(chi.URLParam(r, "id"))
	topics := []string{hub.InboxTopic(agentID), hub.AgentTopic(agentID)}

	sub, err := hub.NewSubscriber(h.hub, w, r, topics, h.logger)
	if err != nil {
		// Upgrade failures already wrote a response.
		h.logger.Warn("websocket upgrade failed",
			zap.String("agent_id", agentID), zap.Error(err))
		return
	}
	sub.Run()
}
