package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/admp-io/relay/internal/db"
)

// Gorm is the durable Store over PostgreSQL or SQLite. The pull path uses
// FOR UPDATE SKIP LOCKED on PostgreSQL so concurrent pulls on the same
// recipient never block each other; SQLite is opened with a single
// connection (see db.New), which serializes writers at the driver level.
type Gorm struct {
	db       *gorm.DB
	postgres bool
}

// NewGorm wraps an opened *gorm.DB. dialect is the driver name reported by
// db.New ("sqlite" or "postgres").
func NewGorm(database *gorm.DB, dialect string) *Gorm {
	return &Gorm{db: database, postgres: dialect == "postgres"}
}

var _ Store = (*Gorm)(nil)

// translate maps gorm-level errors onto the store sentinels.
func translate(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return ErrConflict
	default:
		return fmt.Errorf("store: %s: %w", op, err)
	}
}

// --- Agents ---

func (s *Gorm) CreateAgent(ctx context.Context, agent *db.Agent, keys []db.AgentKey) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&db.Agent{}).Where("agent_id = ?", agent.AgentID).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return ErrConflict
		}
		if err := tx.Create(agent).Error; err != nil {
			return err
		}
		for i := range keys {
			keys[i].AgentID = agent.AgentID
			if err := tx.Create(&keys[i]).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, ErrConflict) {
		return ErrConflict
	}
	return translate("create agent", err)
}

func (s *Gorm) GetAgent(ctx context.Context, agentID string) (*db.Agent, error) {
	var agent db.Agent
	err := s.db.WithContext(ctx).First(&agent, "agent_id = ?", agentID).Error
	if err != nil {
		return nil, translate("get agent", err)
	}
	return &agent, nil
}

func (s *Gorm) UpdateAgent(ctx context.Context, agent *db.Agent) error {
	result := s.db.WithContext(ctx).
		Model(&db.Agent{}).
		Where("agent_id = ?", agent.AgentID).
		Updates(map[string]interface{}{
			"kind":             agent.Kind,
			"approved":         agent.Approved,
			"status":           agent.Status,
			"webhook_url":      agent.WebhookURL,
			"webhook_secret":   agent.WebhookSecret,
			"trusted_senders":  agent.TrustedSenders,
			"allowed_subjects": agent.AllowedSubjects,
			"metadata":         agent.Metadata,
		})
	if result.Error != nil {
		return translate("update agent", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Gorm) DeleteAgent(ctx context.Context, agentID string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Delete(&db.Agent{}, "agent_id = ?", agentID)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		if err := tx.Delete(&db.AgentKey{}, "agent_id = ?", agentID).Error; err != nil {
			return err
		}
		return tx.Delete(&db.WebhookAttempt{}, "agent_id = ?", agentID).Error
	})
	return translate("delete agent", err)
}

func (s *Gorm) TouchHeartbeat(ctx context.Context, agentID string, at time.Time) error {
	result := s.db.WithContext(ctx).
		Model(&db.Agent{}).
		Where("agent_id = ?", agentID).
		Updates(map[string]interface{}{
			"last_heartbeat": at.UTC(),
			"status":         AgentOnline,
		})
	if result.Error != nil {
		return translate("touch heartbeat", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Gorm) MarkAgentsOffline(ctx context.Context, cutoff time.Time) ([]string, error) {
	var stale []db.Agent
	err := s.db.WithContext(ctx).
		Where("status = ? AND (last_heartbeat IS NULL OR last_heartbeat < ?)", AgentOnline, cutoff.UTC()).
		Find(&stale).Error
	if err != nil {
		return nil, translate("mark agents offline", err)
	}

	flipped := make([]string, 0, len(stale))
	for i := range stale {
		result := s.db.WithContext(ctx).
			Model(&db.Agent{}).
			Where("agent_id = ? AND status = ?", stale[i].AgentID, AgentOnline).
			Update("status", AgentOffline)
		if result.Error != nil {
			return flipped, translate("mark agents offline", result.Error)
		}
		if result.RowsAffected > 0 {
			flipped = append(flipped, stale[i].AgentID)
		}
	}
	return flipped, nil
}

// --- Keys ---

func (s *Gorm) AddAgentKey(ctx context.Context, key *db.AgentKey) error {
	return translate("add agent key", s.db.WithContext(ctx).Create(key).Error)
}

func (s *Gorm) ScheduleKeyDeactivation(ctx context.Context, agentID string, keepID uuid.UUID, at time.Time) error {
	err := s.db.WithContext(ctx).
		Model(&db.AgentKey{}).
		Where("agent_id = ? AND id <> ? AND active = ? AND deactivate_at IS NULL", agentID, keepID, true).
		Update("deactivate_at", at.UTC()).Error
	return translate("schedule key deactivation", err)
}

func (s *Gorm) ActiveAgentKeys(ctx context.Context, agentID string, now time.Time) ([]db.AgentKey, error) {
	var keys []db.AgentKey
	err := s.db.WithContext(ctx).
		Where("agent_id = ? AND active = ? AND (deactivate_at IS NULL OR deactivate_at > ?)", agentID, true, now.UTC()).
		Order("created_at ASC").
		Find(&keys).Error
	if err != nil {
		return nil, translate("active agent keys", err)
	}
	return keys, nil
}

// --- Messages ---

func (s *Gorm) EnqueueMessage(ctx context.Context, msg *db.Message) (*db.Message, error) {
	var existing *db.Message

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if msg.IdempotencyKey != nil {
			var prior db.Message
			err := tx.Where("recipient = ? AND idempotency_key = ?", msg.Recipient, *msg.IdempotencyKey).
				First(&prior).Error
			if err == nil {
				existing = &prior
				return nil
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
		}

		var n int64
		if err := tx.Model(&db.Message{}).Where("message_id = ?", msg.MessageID).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return ErrConflict
		}
		return tx.Create(msg).Error
	})
	if errors.Is(err, ErrConflict) {
		return nil, ErrConflict
	}
	if err != nil {
		return nil, translate("enqueue message", err)
	}
	return existing, nil
}

func (s *Gorm) PullLease(ctx context.Context, recipient string, leaseUntil, now time.Time) (*db.Message, error) {
	var leased *db.Message

	// Two passes cover the losing side of a lease race without SKIP LOCKED
	// (SQLite): the conditional update fails, and the next pass selects
	// the next-best record.
	for attempt := 0; attempt < 2; attempt++ {
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			q := tx.Where(
				"recipient = ? AND status = ? AND (visible_at IS NULL OR visible_at <= ?)",
				recipient, StatusDelivered, now.UTC(),
			).Order("created_at ASC")
			if s.postgres {
				q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
			}

			var msg db.Message
			if err := q.First(&msg).Error; err != nil {
				return err
			}

			result := tx.Model(&db.Message{}).
				Where("id = ? AND status = ?", msg.ID, StatusDelivered).
				Updates(map[string]interface{}{
					"status":      StatusLeased,
					"leased_by":   recipient,
					"lease_until": leaseUntil.UTC(),
				})
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 0 {
				// Lost the race to a concurrent pull; retry the outer loop.
				return gorm.ErrRecordNotFound
			}

			lu := leaseUntil.UTC()
			msg.Status = StatusLeased
			msg.LeasedBy = recipient
			msg.LeaseUntil = &lu
			leased = &msg
			return nil
		})
		if err == nil {
			return leased, nil
		}
		if errors.Is(err, gorm.ErrRecordNotFound) {
			continue
		}
		return nil, translate("pull lease", err)
	}
	return nil, nil
}

func (s *Gorm) GetMessage(ctx context.Context, messageID string) (*db.Message, error) {
	var msg db.Message
	err := s.db.WithContext(ctx).First(&msg, "message_id = ?", messageID).Error
	if err != nil {
		return nil, translate("get message", err)
	}
	return &msg, nil
}

func (s *Gorm) AckMessage(ctx context.Context, messageID, recipient string, ackedAt time.Time, result string, purgeBody bool) error {
	updates := map[string]interface{}{
		"status":      StatusAcked,
		"acked_at":    ackedAt.UTC(),
		"ack_result":  result,
		"lease_until": nil,
	}
	if purgeBody {
		updates["body"] = ""
		updates["body_purged"] = true
	}

	res := s.db.WithContext(ctx).
		Model(&db.Message{}).
		Where("message_id = ? AND recipient = ? AND status = ?", messageID, recipient, StatusLeased).
		Updates(updates)
	if res.Error != nil {
		return translate("ack message", res.Error)
	}
	if res.RowsAffected == 0 {
		return s.ackNackMiss(ctx, messageID)
	}
	return nil
}

func (s *Gorm) NackMessage(ctx context.Context, messageID, recipient string, visibleAt time.Time, deadLetter bool, maxAttempts int) (string, error) {
	var newStatus string

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var msg db.Message
		if err := tx.First(&msg, "message_id = ?", messageID).Error; err != nil {
			return err
		}
		if msg.Recipient != recipient || msg.Status != StatusLeased {
			return ErrConflict
		}

		updates := map[string]interface{}{
			"lease_until": nil,
			"leased_by":   "",
			"attempts":    msg.Attempts + 1,
		}
		if deadLetter || msg.Attempts+1 >= maxAttempts {
			updates["status"] = StatusDead
			if !deadLetter {
				updates["last_error"] = "max_lease_attempts_exceeded"
			}
			newStatus = StatusDead
		} else {
			updates["status"] = StatusDelivered
			updates["visible_at"] = visibleAt.UTC()
			newStatus = StatusDelivered
		}

		res := tx.Model(&db.Message{}).
			Where("message_id = ? AND status = ?", messageID, StatusLeased).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrConflict
		}
		return nil
	})
	if errors.Is(err, ErrConflict) {
		return "", ErrConflict
	}
	if err != nil {
		return "", translate("nack message", err)
	}
	return newStatus, nil
}

// ackNackMiss distinguishes "no such message" from "wrong state" after a
// conditional ack matched zero rows.
func (s *Gorm) ackNackMiss(ctx context.Context, messageID string) error {
	var n int64
	if err := s.db.WithContext(ctx).Model(&db.Message{}).Where("message_id = ?", messageID).Count(&n).Error; err != nil {
		return translate("ack message", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return ErrConflict
}

func (s *Gorm) SetMessageLastError(ctx context.Context, messageID, lastError string) error {
	res := s.db.WithContext(ctx).
		Model(&db.Message{}).
		Where("message_id = ?", messageID).
		Update("last_error", lastError)
	if res.Error != nil {
		return translate("set message last error", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Gorm) CountInboxBacklog(ctx context.Context, recipient string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).
		Model(&db.Message{}).
		Where("recipient = ? AND status IN ?", recipient, []string{StatusQueued, StatusDelivered, StatusLeased}).
		Count(&n).Error
	if err != nil {
		return 0, translate("count inbox backlog", err)
	}
	return n, nil
}

func (s *Gorm) Stats(ctx context.Context, recipient string) (*InboxStats, error) {
	type row struct {
		Status string
		N      int64
	}
	var rows []row
	err := s.db.WithContext(ctx).
		Model(&db.Message{}).
		Select("status, count(*) as n").
		Where("recipient = ?", recipient).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, translate("stats", err)
	}

	stats := &InboxStats{ByStatus: make(map[string]int64, len(rows))}
	for _, r := range rows {
		stats.ByStatus[r.Status] = r.N
	}

	var oldest db.Message
	err = s.db.WithContext(ctx).
		Where("recipient = ? AND status IN ?", recipient, []string{StatusDelivered, StatusLeased}).
		Order("created_at ASC").
		First(&oldest).Error
	switch {
	case err == nil:
		stats.OldestPendingAge = time.Since(oldest.CreatedAt)
	case errors.Is(err, gorm.ErrRecordNotFound):
	default:
		return nil, translate("stats", err)
	}
	return stats, nil
}

func (s *Gorm) ReclaimExpiredLeases(ctx context.Context, now time.Time, maxAttempts, batch int) (ReclaimResult, error) {
	var res ReclaimResult

	var expired []db.Message
	err := s.db.WithContext(ctx).
		Where("status = ? AND lease_until < ?", StatusLeased, now.UTC()).
		Order("lease_until ASC").
		Limit(batch).
		Find(&expired).Error
	if err != nil {
		return res, translate("reclaim scan", err)
	}

	for i := range expired {
		msg := &expired[i]
		updates := map[string]interface{}{
			"lease_until": nil,
			"leased_by":   "",
			"attempts":    msg.Attempts + 1,
		}
		dead := msg.Attempts+1 >= maxAttempts
		if dead {
			updates["status"] = StatusDead
			updates["last_error"] = "max_lease_attempts_exceeded"
		} else {
			updates["status"] = StatusDelivered
			updates["visible_at"] = nil
		}

		// Conditional on the lease still being expired so the scan never
		// stomps a concurrent ack/nack or a fresh lease.
		result := s.db.WithContext(ctx).
			Model(&db.Message{}).
			Where("id = ? AND status = ? AND lease_until < ?", msg.ID, StatusLeased, now.UTC()).
			Updates(updates)
		if result.Error != nil {
			return res, translate("reclaim update", result.Error)
		}
		if result.RowsAffected == 0 {
			continue
		}
		if dead {
			res.DeadLettered++
		} else {
			res.Reclaimed++
		}
	}
	return res, nil
}

func (s *Gorm) ExpireMessages(ctx context.Context, now time.Time, batch int) (int64, error) {
	var candidates []db.Message
	err := s.db.WithContext(ctx).
		Where("status IN ? AND expires_at <= ?", []string{StatusQueued, StatusDelivered, StatusLeased}, now.UTC()).
		Order("expires_at ASC").
		Limit(batch).
		Find(&candidates).Error
	if err != nil {
		return 0, translate("ttl scan", err)
	}

	var n int64
	for i := range candidates {
		msg := &candidates[i]
		updates := map[string]interface{}{
			"status":      StatusExpired,
			"lease_until": nil,
			"leased_by":   "",
		}
		if msg.Ephemeral {
			updates["body"] = ""
			updates["body_purged"] = true
		}

		result := s.db.WithContext(ctx).
			Model(&db.Message{}).
			Where("id = ? AND status IN ?", msg.ID, []string{StatusQueued, StatusDelivered, StatusLeased}).
			Updates(updates)
		if result.Error != nil {
			return n, translate("ttl update", result.Error)
		}
		n += result.RowsAffected
	}
	return n, nil
}

// --- Groups ---

func (s *Gorm) CreateGroup(ctx context.Context, group *db.Group, creator *db.GroupMember) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(group).Error; err != nil {
			return err
		}
		creator.GroupID = group.ID
		return tx.Create(creator).Error
	})
	return translate("create group", err)
}

func (s *Gorm) GetGroup(ctx context.Context, id uuid.UUID) (*db.Group, error) {
	var group db.Group
	err := s.db.WithContext(ctx).First(&group, "id = ?", id).Error
	if err != nil {
		return nil, translate("get group", err)
	}
	return &group, nil
}

func (s *Gorm) AddGroupMember(ctx context.Context, member *db.GroupMember, maxMembers int) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&db.GroupMember{}).Where("group_id = ?", member.GroupID).Count(&n).Error; err != nil {
			return err
		}
		if maxMembers > 0 && n >= int64(maxMembers) {
			return ErrGroupFull
		}

		var dup int64
		if err := tx.Model(&db.GroupMember{}).
			Where("group_id = ? AND agent_id = ?", member.GroupID, member.AgentID).
			Count(&dup).Error; err != nil {
			return err
		}
		if dup > 0 {
			return ErrConflict
		}
		return tx.Create(member).Error
	})
	if errors.Is(err, ErrGroupFull) || errors.Is(err, ErrConflict) {
		return err
	}
	return translate("add group member", err)
}

func (s *Gorm) RemoveGroupMember(ctx context.Context, groupID uuid.UUID, agentID string) error {
	result := s.db.WithContext(ctx).
		Delete(&db.GroupMember{}, "group_id = ? AND agent_id = ?", groupID, agentID)
	if result.Error != nil {
		return translate("remove group member", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Gorm) ListGroupMembers(ctx context.Context, groupID uuid.UUID) ([]db.GroupMember, error) {
	var members []db.GroupMember
	err := s.db.WithContext(ctx).
		Where("group_id = ?", groupID).
		Order("joined_at ASC").
		Find(&members).Error
	if err != nil {
		return nil, translate("list group members", err)
	}
	return members, nil
}

func (s *Gorm) ListAgentGroups(ctx context.Context, agentID string) ([]db.Group, error) {
	var groups []db.Group
	err := s.db.WithContext(ctx).
		Joins("JOIN group_members ON group_members.group_id = groups.id").
		Where("group_members.agent_id = ?", agentID).
		Find(&groups).Error
	if err != nil {
		return nil, translate("list agent groups", err)
	}
	return groups, nil
}

func (s *Gorm) AppendGroupHistory(ctx context.Context, gm *db.GroupMessage) error {
	return translate("append group history", s.db.WithContext(ctx).Create(gm).Error)
}

func (s *Gorm) ListGroupHistory(ctx context.Context, groupID uuid.UUID, limit int) ([]db.GroupMessage, error) {
	var hist []db.GroupMessage
	err := s.db.WithContext(ctx).
		Where("group_id = ?", groupID).
		Order("posted_at DESC").
		Limit(limit).
		Find(&hist).Error
	if err != nil {
		return nil, translate("list group history", err)
	}
	return hist, nil
}

// --- Webhook attempts ---

func (s *Gorm) CreateWebhookAttempt(ctx context.Context, wa *db.WebhookAttempt) error {
	// ON CONFLICT DO NOTHING keeps a second job for the same message a
	// no-op, matching the unique message_id index.
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(wa).Error
	return translate("create webhook attempt", err)
}

func (s *Gorm) DueWebhookAttempts(ctx context.Context, now time.Time, batch int) ([]db.WebhookAttempt, error) {
	var due []db.WebhookAttempt
	err := s.db.WithContext(ctx).
		Where("next_try <= ?", now.UTC()).
		Order("next_try ASC").
		Limit(batch).
		Find(&due).Error
	if err != nil {
		return nil, translate("due webhook attempts", err)
	}
	return due, nil
}

func (s *Gorm) UpdateWebhookAttempt(ctx context.Context, wa *db.WebhookAttempt) error {
	result := s.db.WithContext(ctx).
		Model(&db.WebhookAttempt{}).
		Where("id = ?", wa.ID).
		Updates(map[string]interface{}{
			"attempt_no":  wa.AttemptNo,
			"next_try":    wa.NextTry.UTC(),
			"last_status": wa.LastStatus,
			"last_error":  wa.LastError,
		})
	if result.Error != nil {
		return translate("update webhook attempt", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Gorm) DeleteWebhookAttempt(ctx context.Context, id uuid.UUID) error {
	result := s.db.WithContext(ctx).Delete(&db.WebhookAttempt{}, "id = ?", id)
	if result.Error != nil {
		return translate("delete webhook attempt", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Lifecycle ---

func (s *Gorm) Ping(ctx context.Context) error {
	return db.Ping(ctx, s.db)
}

func (s *Gorm) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("store: close: %w", err)
	}
	return sqlDB.Close()
}
