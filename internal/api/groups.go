package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/admp-io/relay/internal/db"
	"github.com/admp-io/relay/internal/group"
)

// GroupHandler groups the group-engine endpoints. All of them run behind
// RequireSignedAny: the caller proves it is a registered agent, and the
// engine applies membership and role checks.
type GroupHandler struct {
	engine  *group.Engine
	logger  *zap.Logger
	maxBody int64
}

// NewGroupHandler creates a GroupHandler.
func NewGroupHandler(engine *group.Engine, logger *zap.Logger, maxBody int64) *GroupHandler {
	return &GroupHandler{engine: engine, logger: logger.Named("group_handler"), maxBody: maxBody}
}

type groupResponse struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	CreatedBy      string `json:"created_by"`
	AccessType     string `json:"access_type"`
	HistoryVisible bool   `json:"history_visible"`
	MaxMembers     int    `json:"max_members,omitempty"`
	MessageTTLSec  int64  `json:"message_ttl_sec,omitempty"`
	CreatedAt      string `json:"created_at"`

	Members []groupMemberResponse `json:"members,omitempty"`
}

type groupMemberResponse struct {
	AgentID  string    `json:"agent_id"`
	Role     string    `json:"role"`
	JoinedAt time.Time `json:"joined_at"`
}

func groupToResponse(g *db.Group, members []db.GroupMember) groupResponse {
	resp := groupResponse{
		ID:             g.ID.String(),
		Name:           g.Name,
		CreatedBy:      g.CreatedBy,
		AccessType:     g.AccessType,
		HistoryVisible: g.HistoryVisible,
		MaxMembers:     g.MaxMembers,
		MessageTTLSec:  g.MessageTTLSec,
		CreatedAt:      g.CreatedAt.UTC().Format(time.RFC3339),
	}
	for _, m := range members {
		resp.Members = append(resp.Members, groupMemberResponse{
			AgentID:  m.AgentID,
			Role:     m.Role,
			JoinedAt: m.JoinedAt,
		})
	}
	return resp
}

// Create handles POST /groups.
func (h *GroupHandler) Create(w http.ResponseWriter, r *http.Request) {
	caller := agentFromCtx(r.Context())
	var req group.CreateRequest
	if !decodeJSON(w, r, &req, h.maxBody) {
		return
	}

	g, err := h.engine.Create(r.Context(), caller.AgentID, req)
	if err != nil {
		WriteError(w, err)
		return
	}
	JSON(w, http.StatusCreated, groupToResponse(g, nil))
}

// Get handles GET /groups/{id}. Members see the roster; non-members only
// the metadata.
func (h *GroupHandler) Get(w http.ResponseWriter, r *http.Request) {
	caller := agentFromCtx(r.Context())
	id, ok := parseGroupID(w, r)
	if !ok {
		return
	}

	g, members, err := h.engine.Get(r.Context(), id, caller.AgentID)
	if err != nil {
		WriteError(w, err)
		return
	}
	JSON(w, http.StatusOK, groupToResponse(g, members))
}

type joinRequest struct {
	Key string `json:"key,omitempty"`
}

// Join handles POST /groups/{id}/join.
func (h *GroupHandler) Join(w http.ResponseWriter, r *http.Request) {
	caller := agentFromCtx(r.Context())
	id, ok := parseGroupID(w, r)
	if !ok {
		return
	}

	var req joinRequest
	if r.ContentLength > 0 && !decodeJSON(w, r, &req, h.maxBody) {
		return
	}

	if err := h.engine.Join(r.Context(), id, caller.AgentID, req.Key); err != nil {
		WriteError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "joined"})
}

// Leave handles POST /groups/{id}/leave.
func (h *GroupHandler) Leave(w http.ResponseWriter, r *http.Request) {
	caller := agentFromCtx(r.Context())
	id, ok := parseGroupID(w, r)
	if !ok {
		return
	}

	if err := h.engine.Leave(r.Context(), id, caller.AgentID); err != nil {
		WriteError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "left"})
}

type memberRequest struct {
	AgentID string `json:"agent_id"`
}

// AddMember handles POST /groups/{id}/members (admin only).
func (h *GroupHandler) AddMember(w http.ResponseWriter, r *http.Request) {
	caller := agentFromCtx(r.Context())
	id, ok := parseGroupID(w, r)
	if !ok {
		return
	}

	var req memberRequest
	if !decodeJSON(w, r, &req, h.maxBody) {
		return
	}

	if err := h.engine.AddMember(r.Context(), id, caller.AgentID, req.AgentID); err != nil {
		WriteError(w, err)
		return
	}
	JSON(w, http.StatusCreated, map[string]string{"status": "added"})
}

// RemoveMember handles DELETE /groups/{id}/members/{agent} (admin only).
func (h *GroupHandler) RemoveMember(w http.ResponseWriter, r *http.Request) {
	caller := agentFromCtx(r.Context())
	id, ok := parseGroupID(w, r)
	if !ok {
		return
	}

	if err := h.engine.RemoveMember(r.Context(), id, caller.AgentID, chi.URLParam(r, "agent")); err != nil {
		WriteError(w, err)
		return
	}
	NoContent(w)
}

// Post handles POST /groups/{id}/messages: one authored post, fanned out to
// every other member.
func (h *GroupHandler) Post(w http.ResponseWriter, r *http.Request) {
	caller := agentFromCtx(r.Context())
	id, ok := parseGroupID(w, r)
	if !ok {
		return
	}

	var req group.PostRequest
	if !decodeJSON(w, r, &req, h.maxBody) {
		return
	}

	res, err := h.engine.Post(r.Context(), id, caller.AgentID, req)
	if err != nil {
		WriteError(w, err)
		return
	}
	JSON(w, http.StatusCreated, res)
}

type historyEntry struct {
	MessageID string `json:"message_id"`
	From      string `json:"from"`
	Subject   string `json:"subject,omitempty"`
	Body      string `json:"body,omitempty"`
	PostedAt  string `json:"posted_at"`
}

// History handles GET /groups/{id}/messages?limit=N.
func (h *GroupHandler) History(w http.ResponseWriter, r *http.Request) {
	caller := agentFromCtx(r.Context())
	id, ok := parseGroupID(w, r)
	if !ok {
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			Err(w, http.StatusBadRequest, "validation_error", "limit must be a positive integer")
			return
		}
		limit = n
	}

	hist, err := h.engine.History(r.Context(), id, caller.AgentID, limit)
	if err != nil {
		WriteError(w, err)
		return
	}

	entries := make([]historyEntry, 0, len(hist))
	for _, m := range hist {
		entries = append(entries, historyEntry{
			MessageID: m.MessageID,
			From:      m.From,
			Subject:   m.Subject,
			Body:      m.Body,
			PostedAt:  m.PostedAt.UTC().Format(time.RFC3339),
		})
	}
	JSON(w, http.StatusOK, map[string]any{"messages": entries})
}

// ListMine handles GET /groups: the caller's memberships.
func (h *GroupHandler) ListMine(w http.ResponseWriter, r *http.Request) {
	caller := agentFromCtx(r.Context())
	groups, err := h.engine.ListForAgent(r.Context(), caller.AgentID)
	if err != nil {
		h.logger.Error("list groups failed", zap.Error(err))
		WriteError(w, err)
		return
	}

	out := make([]groupResponse, 0, len(groups))
	for i := range groups {
		out = append(out, groupToResponse(&groups[i], nil))
	}
	JSON(w, http.StatusOK, map[string]any{"groups": out})
}

func parseGroupID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		Err(w, http.StatusBadRequest, "validation_error", "group id must be a uuid")
		return uuid.UUID{}, false
	}
	return id, true
}
