package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/admp-io/relay/internal/db"
	"github.com/admp-io/relay/internal/lifecycle"
)

// IdempotencyKeyHeader collapses duplicate sends to one persisted record.
const IdempotencyKeyHeader = "Idempotency-Key"

// MessageHandler groups the lifecycle endpoints.
type MessageHandler struct {
	engine  *lifecycle.Engine
	logger  *zap.Logger
	maxBody int64
}

// NewMessageHandler creates a MessageHandler.
func NewMessageHandler(engine *lifecycle.Engine, logger *zap.Logger, maxBody int64) *MessageHandler {
	return &MessageHandler{engine: engine, logger: logger.Named("message_handler"), maxBody: maxBody}
}

// messageResponse is the wire view of a stored message: the envelope fields
// plus lifecycle state.
type messageResponse struct {
	MessageID     string            `json:"message_id"`
	Version       string            `json:"version"`
	Type          string            `json:"type,omitempty"`
	From          string            `json:"from"`
	To            string            `json:"to"`
	Subject       string            `json:"subject,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	Body          json.RawMessage   `json:"body,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
	Ephemeral     bool              `json:"ephemeral,omitempty"`
	GroupID       string            `json:"group_id,omitempty"`

	Status      string     `json:"status"`
	Attempts    int        `json:"attempts"`
	LeaseUntil  *time.Time `json:"lease_until,omitempty"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	AckedAt     *time.Time `json:"acked_at,omitempty"`
	ExpiresAt   time.Time  `json:"expires_at"`
	LastError   string     `json:"last_error,omitempty"`
}

func messageToResponse(m *db.Message) messageResponse {
	resp := messageResponse{
		MessageID:     m.MessageID,
		Version:       m.Version,
		Type:          m.Type,
		From:          m.From,
		To:            m.Recipient,
		Subject:       m.Subject,
		CorrelationID: m.CorrelationID,
		Timestamp:     m.Timestamp,
		Ephemeral:     m.Ephemeral,
		GroupID:       m.GroupID,
		Status:        m.Status,
		Attempts:      m.Attempts,
		LeaseUntil:    m.LeaseUntil,
		DeliveredAt:   m.DeliveredAt,
		AckedAt:       m.AckedAt,
		ExpiresAt:     m.ExpiresAt,
		LastError:     m.LastError,
	}
	if m.Headers != "" && m.Headers != "{}" {
		_ = json.Unmarshal([]byte(m.Headers), &resp.Headers)
	}
	if m.Body != "" {
		resp.Body = json.RawMessage(m.Body)
	}
	return resp
}

// Send handles POST /agents/{to}/messages (API-key gated). The envelope's
// to must match the path when both are present.
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	var env lifecycle.Envelope
	if !decodeJSON(w, r, &env, h.maxBody) {
		return
	}

	to := lifecycle.NormalizeAgentID(chi.URLParam(r, "to"))
	if env.To == "" {
		env.To = to
	} else if lifecycle.NormalizeAgentID(env.To) != to {
		Err(w, http.StatusBadRequest, "validation_error", "envelope to does not match the path recipient")
		return
	}

	res, err := h.engine.Send(r.Context(), lifecycle.SendRequest{
		Envelope:       &env,
		IdempotencyKey: r.Header.Get(IdempotencyKeyHeader),
	})
	if err != nil {
		WriteError(w, err)
		return
	}
	if res.Deduplicated {
		JSON(w, http.StatusOK, res)
		return
	}
	JSON(w, http.StatusCreated, res)
}

type pullRequest struct {
	VisibilityTimeoutSec int `json:"visibility_timeout_sec,omitempty"`
}

// Pull handles POST /agents/{id}/inbox/pull (signed). An empty inbox is a
// 204.
func (h *MessageHandler) Pull(w http.ResponseWriter, r *http.Request) {
	var req pullRequest
	if r.ContentLength > 0 && !decodeJSON(w, r, &req, h.maxBody) {
		return
	}

	msg, err := h.engine.Pull(r.Context(), chi.URLParam(r, "id"),
		time.Duration(req.VisibilityTimeoutSec)*time.Second)
	if err != nil {
		h.logger.Error("pull failed", zap.Error(err))
		WriteError(w, err)
		return
	}
	if msg == nil {
		NoContent(w)
		return
	}
	JSON(w, http.StatusOK, messageToResponse(msg))
}

type ackRequest struct {
	Result string `json:"result,omitempty"`
}

// Ack handles POST /agents/{id}/messages/{mid}/ack (signed).
func (h *MessageHandler) Ack(w http.ResponseWriter, r *http.Request) {
	var req ackRequest
	if r.ContentLength > 0 && !decodeJSON(w, r, &req, h.maxBody) {
		return
	}

	err := h.engine.Ack(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "mid"), req.Result)
	if err != nil {
		WriteError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "acked"})
}

type nackRequest struct {
	DelaySec   int  `json:"delay_sec,omitempty"`
	DeadLetter bool `json:"dead_letter,omitempty"`
}

// Nack handles POST /agents/{id}/messages/{mid}/nack (signed).
func (h *MessageHandler) Nack(w http.ResponseWriter, r *http.Request) {
	var req nackRequest
	if r.ContentLength > 0 && !decodeJSON(w, r, &req, h.maxBody) {
		return
	}

	status, err := h.engine.Nack(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "mid"),
		time.Duration(req.DelaySec)*time.Second, req.DeadLetter)
	if err != nil {
		WriteError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": status})
}

// Reply handles POST /agents/{id}/messages/{mid}/reply (signed). The engine
// fills from, to and correlation id from the original message.
func (h *MessageHandler) Reply(w http.ResponseWriter, r *http.Request) {
	var env lifecycle.Envelope
	if !decodeJSON(w, r, &env, h.maxBody) {
		return
	}

	res, err := h.engine.Reply(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "mid"), &env)
	if err != nil {
		WriteError(w, err)
		return
	}
	JSON(w, http.StatusCreated, res)
}

// Status handles GET /messages/{mid}/status (API-key gated).
func (h *MessageHandler) Status(w http.ResponseWriter, r *http.Request) {
	msg, err := h.engine.Status(r.Context(), chi.URLParam(r, "mid"))
	if err != nil {
		WriteError(w, err)
		return
	}
	JSON(w, http.StatusOK, messageToResponse(msg))
}

// statsResponse mirrors store.InboxStats on the wire.
type statsResponse struct {
	ByStatus            map[string]int64 `json:"by_status"`
	OldestPendingAgeSec float64          `json:"oldest_pending_age_sec"`
}

// Stats handles GET /agents/{id}/inbox/stats (signed).
func (h *MessageHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.engine.Stats(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.logger.Error("stats failed", zap.Error(err))
		WriteError(w, err)
		return
	}
	JSON(w, http.StatusOK, statsResponse{
		ByStatus:            stats.ByStatus,
		OldestPendingAgeSec: stats.OldestPendingAge.Seconds(),
	})
}
