package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/admp-io/relay/internal/agent"
	"github.com/admp-io/relay/internal/db"
)

// AgentHandler groups the agent-facing registry endpoints.
type AgentHandler struct {
	registry *agent.Registry
	logger   *zap.Logger
	maxBody  int64
}

// NewAgentHandler creates an AgentHandler.
func NewAgentHandler(registry *agent.Registry, logger *zap.Logger, maxBody int64) *AgentHandler {
	return &AgentHandler{registry: registry, logger: logger.Named("agent_handler"), maxBody: maxBody}
}

// agentResponse is the JSON representation of an agent. The webhook secret
// never appears here.
type agentResponse struct {
	AgentID          string  `json:"agent_id"`
	Kind             string  `json:"kind,omitempty"`
	RegistrationMode string  `json:"registration_mode"`
	Approved         bool    `json:"approved"`
	Status           string  `json:"status"`
	LastHeartbeat    *string `json:"last_heartbeat,omitempty"`
	WebhookURL       string  `json:"webhook_url,omitempty"`
	CreatedAt        string  `json:"created_at"`
}

func agentToResponse(a *db.Agent) agentResponse {
	resp := agentResponse{
		AgentID:          a.AgentID,
		Kind:             a.Kind,
		RegistrationMode: a.RegistrationMode,
		Approved:         a.Approved,
		Status:           a.Status,
		WebhookURL:       a.WebhookURL,
		CreatedAt:        a.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
	}
	if a.LastHeartbeat != nil {
		s := a.LastHeartbeat.UTC().Format("2006-01-02T15:04:05Z07:00")
		resp.LastHeartbeat = &s
	}
	return resp
}

// Register handles POST /agents/register.
func (h *AgentHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req agent.RegisterRequest
	if !decodeJSON(w, r, &req, h.maxBody) {
		return
	}

	res, err := h.registry.Register(r.Context(), req)
	if err != nil {
		h.logger.Warn("registration rejected", zap.String("agent_id", req.AgentID), zap.Error(err))
		WriteError(w, err)
		return
	}
	JSON(w, http.StatusCreated, res)
}

// Get handles GET /agents/{id} (master-key gated operator lookup).
func (h *AgentHandler) Get(w http.ResponseWriter, r *http.Request) {
	a, err := h.registry.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, err)
		return
	}
	JSON(w, http.StatusOK, agentToResponse(a))
}

// Approve handles POST /agents/{id}/approve (master-key gated); flips a
// shadow record addressable.
func (h *AgentHandler) Approve(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.Approve(r.Context(), chi.URLParam(r, "id")); err != nil {
		WriteError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "approved"})
}

// Delete handles DELETE /agents/{id} (signed).
func (h *AgentHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.Deregister(r.Context(), chi.URLParam(r, "id")); err != nil {
		WriteError(w, err)
		return
	}
	NoContent(w)
}

// Heartbeat handles POST /agents/{id}/heartbeat (signed).
func (h *AgentHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.Heartbeat(r.Context(), chi.URLParam(r, "id")); err != nil {
		WriteError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type rotateKeyRequest struct {
	PublicKey string `json:"public_key,omitempty"`
}

// RotateKey handles POST /agents/{id}/rotate-key (signed). The old keys
// keep verifying until the returned grace deadline.
func (h *AgentHandler) RotateKey(w http.ResponseWriter, r *http.Request) {
	var req rotateKeyRequest
	if r.ContentLength > 0 && !decodeJSON(w, r, &req, h.maxBody) {
		return
	}

	res, err := h.registry.RotateKey(r.Context(), chi.URLParam(r, "id"), req.PublicKey)
	if err != nil {
		WriteError(w, err)
		return
	}
	JSON(w, http.StatusOK, res)
}

type setWebhookRequest struct {
	URL    string `json:"url"`
	Secret string `json:"secret,omitempty"`
}

// SetWebhook handles POST /agents/{id}/webhook (signed).
func (h *AgentHandler) SetWebhook(w http.ResponseWriter, r *http.Request) {
	var req setWebhookRequest
	if !decodeJSON(w, r, &req, h.maxBody) {
		return
	}

	if err := h.registry.SetWebhook(r.Context(), chi.URLParam(r, "id"), req.URL, req.Secret); err != nil {
		WriteError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GetWebhook handles GET /agents/{id}/webhook (signed).
func (h *AgentHandler) GetWebhook(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.registry.GetWebhook(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, err)
		return
	}
	JSON(w, http.StatusOK, cfg)
}

// DeleteWebhook handles DELETE /agents/{id}/webhook (signed).
func (h *AgentHandler) DeleteWebhook(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.DeleteWebhook(r.Context(), chi.URLParam(r, "id")); err != nil {
		WriteError(w, err)
		return
	}
	NoContent(w)
}
