// Package group maintains group membership and fans posts out to member
// inboxes. A group post is not a distinct delivery mechanism: it expands
// into one regular lifecycle send per member, so leases, acks, TTLs and
// webhooks all behave exactly as for direct messages.
package group

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/admp-io/relay/internal/db"
	"github.com/admp-io/relay/internal/lifecycle"
	"github.com/admp-io/relay/internal/signing"
	"github.com/admp-io/relay/internal/store"
)

// Access modes.
const (
	AccessOpen         = "open"
	AccessInviteOnly   = "invite-only"
	AccessKeyProtected = "key-protected"
)

// Member roles.
const (
	RoleAdmin  = "admin"
	RoleMember = "member"
)

// Engine implements group operations on top of the store and the lifecycle
// engine.
type Engine struct {
	store     store.Store
	lifecycle *lifecycle.Engine
	logger    *zap.Logger
}

// NewEngine creates a group Engine.
func NewEngine(st store.Store, lc *lifecycle.Engine, logger *zap.Logger) *Engine {
	return &Engine{store: st, lifecycle: lc, logger: logger.Named("group")}
}

// CreateRequest describes a new group. JoinKey is required for
// key-protected groups and ignored otherwise; only its SHA-256 is stored.
type CreateRequest struct {
	Name           string `json:"name"`
	AccessType     string `json:"access_type"`
	JoinKey        string `json:"join_key,omitempty"`
	HistoryVisible *bool  `json:"history_visible,omitempty"`
	MaxMembers     int    `json:"max_members,omitempty"`
	MessageTTLSec  int64  `json:"message_ttl_sec,omitempty"`
}

// Create inserts a group with the caller as its first admin.
func (e *Engine) Create(ctx context.Context, creatorID string, req CreateRequest) (*db.Group, error) {
	creatorID = lifecycle.NormalizeAgentID(creatorID)

	if req.Name == "" {
		return nil, fmt.Errorf("%w: group name is required", lifecycle.ErrValidation)
	}
	if req.AccessType == "" {
		req.AccessType = AccessOpen
	}
	switch req.AccessType {
	case AccessOpen, AccessInviteOnly, AccessKeyProtected:
	default:
		return nil, fmt.Errorf("%w: unknown access type %q", lifecycle.ErrValidation, req.AccessType)
	}
	if req.AccessType == AccessKeyProtected && req.JoinKey == "" {
		return nil, fmt.Errorf("%w: key-protected groups require a join key", lifecycle.ErrValidation)
	}
	if req.MaxMembers < 0 || req.MessageTTLSec < 0 {
		return nil, fmt.Errorf("%w: max_members and message_ttl_sec must not be negative", lifecycle.ErrValidation)
	}

	historyVisible := true
	if req.HistoryVisible != nil {
		historyVisible = *req.HistoryVisible
	}

	g := &db.Group{
		Name:           req.Name,
		CreatedBy:      creatorID,
		AccessType:     req.AccessType,
		HistoryVisible: historyVisible,
		MaxMembers:     req.MaxMembers,
		MessageTTLSec:  req.MessageTTLSec,
	}
	if req.AccessType == AccessKeyProtected {
		g.JoinKeyHash = db.EncryptedString(signing.HashJoinKey(req.JoinKey))
	}

	creator := &db.GroupMember{
		AgentID:  creatorID,
		Role:     RoleAdmin,
		JoinedAt: time.Now().UTC(),
	}
	if err := e.store.CreateGroup(ctx, g, creator); err != nil {
		return nil, fmt.Errorf("group: create: %w", err)
	}
	e.logger.Info("group created",
		zap.String("group_id", g.ID.String()),
		zap.String("name", g.Name),
		zap.String("access_type", g.AccessType))
	return g, nil
}

// Get returns the group and, when the caller is a member, the member list.
func (e *Engine) Get(ctx context.Context, groupID uuid.UUID, callerID string) (*db.Group, []db.GroupMember, error) {
	g, err := e.getGroup(ctx, groupID)
	if err != nil {
		return nil, nil, err
	}

	members, err := e.store.ListGroupMembers(ctx, groupID)
	if err != nil {
		return nil, nil, fmt.Errorf("group: get: %w", err)
	}
	if findMember(members, lifecycle.NormalizeAgentID(callerID)) == nil {
		// Non-members see the group's metadata but not its roster.
		return g, nil, nil
	}
	return g, members, nil
}

// Join adds the caller to the group, honoring the access mode. joinKey is
// compared in constant time against the stored hash for key-protected
// groups; invite-only groups reject self-joins outright.
func (e *Engine) Join(ctx context.Context, groupID uuid.UUID, agentID, joinKey string) error {
	agentID = lifecycle.NormalizeAgentID(agentID)

	g, err := e.getGroup(ctx, groupID)
	if err != nil {
		return err
	}

	switch g.AccessType {
	case AccessOpen:
	case AccessKeyProtected:
		presented := []byte(signing.HashJoinKey(joinKey))
		stored := []byte(string(g.JoinKeyHash))
		if subtle.ConstantTimeCompare(presented, stored) != 1 {
			return fmt.Errorf("%w: join key does not match", lifecycle.ErrForbidden)
		}
	case AccessInviteOnly:
		return fmt.Errorf("%w: group %s is invite-only", lifecycle.ErrForbidden, groupID)
	}

	return e.addMember(ctx, g, agentID, RoleMember)
}

// AddMember adds an agent on behalf of an admin. This is the only join path
// for invite-only groups.
func (e *Engine) AddMember(ctx context.Context, groupID uuid.UUID, callerID, agentID string) error {
	g, err := e.getGroup(ctx, groupID)
	if err != nil {
		return err
	}
	if err := e.requireAdmin(ctx, groupID, callerID); err != nil {
		return err
	}
	return e.addMember(ctx, g, lifecycle.NormalizeAgentID(agentID), RoleMember)
}

// RemoveMember removes an agent on behalf of an admin. Already-delivered
// messages stay in the removed member's inbox.
func (e *Engine) RemoveMember(ctx context.Context, groupID uuid.UUID, callerID, agentID string) error {
	if _, err := e.getGroup(ctx, groupID); err != nil {
		return err
	}
	if err := e.requireAdmin(ctx, groupID, callerID); err != nil {
		return err
	}

	err := e.store.RemoveGroupMember(ctx, groupID, lifecycle.NormalizeAgentID(agentID))
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s is not a member of %s", lifecycle.ErrNotFound, agentID, groupID)
	}
	if err != nil {
		return fmt.Errorf("group: remove member: %w", err)
	}
	return nil
}

// Leave removes the caller from the group.
func (e *Engine) Leave(ctx context.Context, groupID uuid.UUID, agentID string) error {
	if _, err := e.getGroup(ctx, groupID); err != nil {
		return err
	}

	err := e.store.RemoveGroupMember(ctx, groupID, lifecycle.NormalizeAgentID(agentID))
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s is not a member of %s", lifecycle.ErrNotFound, agentID, groupID)
	}
	if err != nil {
		return fmt.Errorf("group: leave: %w", err)
	}
	return nil
}

// PostRequest is the member-authored content of a group post.
type PostRequest struct {
	Type    string            `json:"type,omitempty"`
	Subject string            `json:"subject,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

// PostResult reports the fan-out outcome.
type PostResult struct {
	PostID    string `json:"post_id"`
	Delivered int    `json:"delivered"`
	Failed    int    `json:"failed"`
}

// Post fans a message out to every member except the author. The membership
// snapshot is read once at post time; members added during fan-out do not
// receive this post. A delivery failure for one member (full inbox, races
// with deregistration) is logged and does not fail the others.
func (e *Engine) Post(ctx context.Context, groupID uuid.UUID, authorID string, req PostRequest) (*PostResult, error) {
	authorID = lifecycle.NormalizeAgentID(authorID)

	g, err := e.getGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}

	members, err := e.store.ListGroupMembers(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("group: post: %w", err)
	}
	if findMember(members, authorID) == nil {
		return nil, fmt.Errorf("%w: %s is not a member of %s", lifecycle.ErrForbidden, authorID, groupID)
	}

	now := time.Now().UTC()
	postID := uuid.NewString()

	if g.HistoryVisible {
		hist := &db.GroupMessage{
			GroupID:   groupID,
			MessageID: postID,
			From:      authorID,
			Subject:   req.Subject,
			Body:      string(req.Body),
			PostedAt:  now,
		}
		if err := e.store.AppendGroupHistory(ctx, hist); err != nil {
			return nil, fmt.Errorf("group: post: %w", err)
		}
	}

	res := &PostResult{PostID: postID}
	for _, m := range members {
		if m.AgentID == authorID {
			continue
		}

		env := &lifecycle.Envelope{
			ID:            uuid.NewString(),
			Type:          req.Type,
			From:          authorID,
			To:            m.AgentID,
			Subject:       req.Subject,
			CorrelationID: postID,
			Headers:       req.Headers,
			Body:          req.Body,
			Timestamp:     now,
			TTLSec:        g.MessageTTLSec,
		}
		if _, err := e.lifecycle.Send(ctx, lifecycle.SendRequest{Envelope: env, GroupID: groupID.String()}); err != nil {
			res.Failed++
			e.logger.Warn("fan-out delivery failed",
				zap.String("group_id", groupID.String()),
				zap.String("member", m.AgentID),
				zap.Error(err))
			continue
		}
		res.Delivered++
	}
	return res, nil
}

// History returns the newest limit posts, members only, and only when the
// group keeps visible history.
func (e *Engine) History(ctx context.Context, groupID uuid.UUID, callerID string, limit int) ([]db.GroupMessage, error) {
	g, err := e.getGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if !g.HistoryVisible {
		return nil, fmt.Errorf("%w: group %s does not keep visible history", lifecycle.ErrForbidden, groupID)
	}
	if err := e.requireMember(ctx, groupID, callerID); err != nil {
		return nil, err
	}

	if limit <= 0 || limit > 100 {
		limit = 100
	}
	hist, err := e.store.ListGroupHistory(ctx, groupID, limit)
	if err != nil {
		return nil, fmt.Errorf("group: history: %w", err)
	}
	return hist, nil
}

// ListForAgent enumerates the caller's groups.
func (e *Engine) ListForAgent(ctx context.Context, agentID string) ([]db.Group, error) {
	groups, err := e.store.ListAgentGroups(ctx, lifecycle.NormalizeAgentID(agentID))
	if err != nil {
		return nil, fmt.Errorf("group: list for agent: %w", err)
	}
	return groups, nil
}

func (e *Engine) getGroup(ctx context.Context, groupID uuid.UUID) (*db.Group, error) {
	g, err := e.store.GetGroup(ctx, groupID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: group %s", lifecycle.ErrNotFound, groupID)
	}
	if err != nil {
		return nil, fmt.Errorf("group: get: %w", err)
	}
	return g, nil
}

func (e *Engine) addMember(ctx context.Context, g *db.Group, agentID, role string) error {
	member := &db.GroupMember{
		GroupID:  g.ID,
		AgentID:  agentID,
		Role:     role,
		JoinedAt: time.Now().UTC(),
	}
	err := e.store.AddGroupMember(ctx, member, g.MaxMembers)
	switch {
	case errors.Is(err, store.ErrConflict):
		return fmt.Errorf("%w: %s is already a member of %s", lifecycle.ErrConflict, agentID, g.ID)
	case errors.Is(err, store.ErrGroupFull):
		return fmt.Errorf("%w: group %s is full", lifecycle.ErrConflict, g.ID)
	case err != nil:
		return fmt.Errorf("group: add member: %w", err)
	}
	return nil
}

func (e *Engine) requireMember(ctx context.Context, groupID uuid.UUID, agentID string) error {
	members, err := e.store.ListGroupMembers(ctx, groupID)
	if err != nil {
		return fmt.Errorf("group: list members: %w", err)
	}
	if findMember(members, lifecycle.NormalizeAgentID(agentID)) == nil {
		return fmt.Errorf("%w: %s is not a member of %s", lifecycle.ErrForbidden, agentID, groupID)
	}
	return nil
}

func (e *Engine) requireAdmin(ctx context.Context, groupID uuid.UUID, agentID string) error {
	members, err := e.store.ListGroupMembers(ctx, groupID)
	if err != nil {
		return fmt.Errorf("group: list members: %w", err)
	}
	m := findMember(members, lifecycle.NormalizeAgentID(agentID))
	if m == nil || m.Role != RoleAdmin {
		return fmt.Errorf("%w: %s is not an admin of %s", lifecycle.ErrForbidden, agentID, groupID)
	}
	return nil
}

func findMember(members []db.GroupMember, agentID string) *db.GroupMember {
	for i := range members {
		if members[i].AgentID == agentID {
			return &members[i]
		}
	}
	return nil
}
