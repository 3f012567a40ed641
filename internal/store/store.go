// Package store is the persistence boundary of the relay. It exposes a
// single Store interface consumed by the lifecycle engine, the group
// engine, the webhook dispatcher and the control loops; callers never know
// which backend they are on.
//
// Two backends implement the interface: an in-memory store for tests and
// development (per-recipient mutexes guarantee single-winner pulls) and a
// GORM-backed store for production (PostgreSQL uses FOR UPDATE SKIP LOCKED
// on the pull path; SQLite relies on its single-writer connection).
//
// Every mutation is atomic: it is applied in full or not at all. FIFO is
// guaranteed only per recipient and only among concurrent pulls on that
// recipient.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/admp-io/relay/internal/db"
)

// Message status values. Enqueue lands records directly in StatusDelivered;
// StatusQueued is reserved for a future pre-acceptance buffer and nothing
// writes it today.
const (
	StatusQueued    = "queued"
	StatusDelivered = "delivered"
	StatusLeased    = "leased"
	StatusAcked     = "acked"
	StatusNacked    = "nacked"
	StatusFailed    = "failed"
	StatusDead      = "dead"
	StatusExpired   = "expired"
)

// Agent status values maintained by heartbeats and the heartbeat loop.
const (
	AgentOnline  = "online"
	AgentOffline = "offline"
)

var (
	// ErrNotFound is returned when the requested record does not exist.
	// Callers check it with errors.Is to distinguish missing records from
	// other store errors.
	ErrNotFound = errors.New("record not found")

	// ErrConflict is returned when an insert or conditional update loses:
	// duplicate agent id, duplicate message id, or an ack/nack against a
	// record that is not leased by the caller.
	ErrConflict = errors.New("record already exists or is in a conflicting state")

	// ErrGroupFull is returned by AddGroupMember when the group is at its
	// max_members ceiling.
	ErrGroupFull = errors.New("group is at its member limit")
)

// InboxStats aggregates a recipient's inbox for the stats endpoint.
type InboxStats struct {
	ByStatus map[string]int64

	// OldestPendingAge is the age of the oldest record still waiting to be
	// consumed (delivered or leased). Zero when the inbox has no pending
	// records.
	OldestPendingAge time.Duration
}

// ReclaimResult reports one tick of the lease-reclaim scan.
type ReclaimResult struct {
	Reclaimed    int64 // leases returned to delivered, attempts incremented
	DeadLettered int64 // records past the attempt ceiling moved to dead
}

// Store is the persistence interface of the relay core. All methods are
// safe for concurrent use.
type Store interface {
	// --- Agents ---

	// CreateAgent inserts an agent and its initial key set atomically.
	// Returns ErrConflict if the protocol agent id is already registered.
	CreateAgent(ctx context.Context, agent *db.Agent, keys []db.AgentKey) error

	// GetAgent looks an agent up by protocol id. Returns ErrNotFound.
	GetAgent(ctx context.Context, agentID string) (*db.Agent, error)

	// UpdateAgent persists all mutable fields of an existing agent.
	UpdateAgent(ctx context.Context, agent *db.Agent) error

	// DeleteAgent removes the agent, its keys and pending webhook attempts.
	DeleteAgent(ctx context.Context, agentID string) error

	// TouchHeartbeat refreshes last_heartbeat and flips the agent online.
	TouchHeartbeat(ctx context.Context, agentID string, at time.Time) error

	// MarkAgentsOffline flips agents whose last heartbeat is older than
	// cutoff to offline and returns their protocol ids.
	MarkAgentsOffline(ctx context.Context, cutoff time.Time) ([]string, error)

	// --- Keys ---

	// AddAgentKey appends a key to an agent's key set.
	AddAgentKey(ctx context.Context, key *db.AgentKey) error

	// ScheduleKeyDeactivation stamps every currently active key of the
	// agent except keepID with a deactivation deadline, opening the
	// rotation grace window.
	ScheduleKeyDeactivation(ctx context.Context, agentID string, keepID uuid.UUID, at time.Time) error

	// ActiveAgentKeys returns the keys of agentID that verify at instant
	// now: active entries whose deactivate_at is unset or in the future.
	ActiveAgentKeys(ctx context.Context, agentID string, now time.Time) ([]db.AgentKey, error)

	// --- Messages ---

	// EnqueueMessage inserts msg atomically with the
	// (recipient, idempotency_key) uniqueness check. On an idempotency
	// collision it returns the existing record and does not insert. A
	// duplicate message_id returns ErrConflict.
	EnqueueMessage(ctx context.Context, msg *db.Message) (existing *db.Message, err error)

	// PullLease atomically selects the oldest delivered record for
	// recipient whose visible_at has passed, marks it leased until
	// leaseUntil, and returns it. Returns (nil, nil) when the inbox is
	// empty. Under concurrency at most one caller wins any given record.
	// Attempts are not counted here: a pull only becomes an attempt once
	// it fails (nack-requeue or lease expiry).
	PullLease(ctx context.Context, recipient string, leaseUntil, now time.Time) (*db.Message, error)

	// GetMessage looks a record up by envelope id.
	GetMessage(ctx context.Context, messageID string) (*db.Message, error)

	// AckMessage finalizes a lease: conditional on
	// (message_id, recipient, status=leased). purgeBody clears the body
	// for ephemeral messages. Returns ErrNotFound for an unknown id and
	// ErrConflict when the record is not leased by recipient.
	AckMessage(ctx context.Context, messageID, recipient string, ackedAt time.Time, result string, purgeBody bool) error

	// NackMessage negatively finalizes a lease, conditional like
	// AckMessage, and counts the failed attempt. With deadLetter the
	// record moves to dead; otherwise it returns to delivered with
	// visible_at=visibleAt, unless the incremented attempts reach
	// maxAttempts, which also dead-letters it. The resulting status is
	// returned.
	NackMessage(ctx context.Context, messageID, recipient string, visibleAt time.Time, deadLetter bool, maxAttempts int) (string, error)

	// SetMessageLastError records a side-effect failure (webhook
	// exhaustion) without touching the record's status.
	SetMessageLastError(ctx context.Context, messageID, lastError string) error

	// CountInboxBacklog counts a recipient's non-terminal records, used
	// for the MAX_MESSAGES_PER_AGENT ceiling.
	CountInboxBacklog(ctx context.Context, recipient string) (int64, error)

	// Stats aggregates counts by status and the oldest pending age.
	Stats(ctx context.Context, recipient string) (*InboxStats, error)

	// ReclaimExpiredLeases is the reclaim scan: every leased record whose
	// lease_until has passed counts the failed attempt and returns to
	// delivered, or moves to dead once the incremented attempts reach
	// maxAttempts. Conditional updates
	// only — the scan never stomps a concurrent ack. At most batch
	// records are processed.
	ReclaimExpiredLeases(ctx context.Context, now time.Time, maxAttempts, batch int) (ReclaimResult, error)

	// ExpireMessages is the TTL scan: queued/delivered/leased records past
	// expires_at move to expired; ephemeral bodies are purged. Returns
	// the number of records expired.
	ExpireMessages(ctx context.Context, now time.Time, batch int) (int64, error)

	// --- Groups ---

	// CreateGroup inserts the group and its creator membership atomically.
	CreateGroup(ctx context.Context, group *db.Group, creator *db.GroupMember) error

	// GetGroup looks a group up by id.
	GetGroup(ctx context.Context, id uuid.UUID) (*db.Group, error)

	// AddGroupMember inserts a membership, enforcing maxMembers (0 means
	// unlimited). Returns ErrConflict for an existing membership and
	// ErrGroupFull at the ceiling. Membership changes serialize per group.
	AddGroupMember(ctx context.Context, member *db.GroupMember, maxMembers int) error

	// RemoveGroupMember deletes a membership.
	RemoveGroupMember(ctx context.Context, groupID uuid.UUID, agentID string) error

	// ListGroupMembers returns the membership snapshot, joined_at order.
	ListGroupMembers(ctx context.Context, groupID uuid.UUID) ([]db.GroupMember, error)

	// ListAgentGroups enumerates the groups an agent belongs to.
	ListAgentGroups(ctx context.Context, agentID string) ([]db.Group, error)

	// AppendGroupHistory inserts one group-history record.
	AppendGroupHistory(ctx context.Context, gm *db.GroupMessage) error

	// ListGroupHistory returns the last limit history entries, newest
	// first.
	ListGroupHistory(ctx context.Context, groupID uuid.UUID, limit int) ([]db.GroupMessage, error)

	// --- Webhook attempts ---

	// CreateWebhookAttempt enqueues a delivery job. A second job for the
	// same message is a no-op (unique message_id).
	CreateWebhookAttempt(ctx context.Context, wa *db.WebhookAttempt) error

	// DueWebhookAttempts returns up to batch attempts with next_try <= now,
	// oldest first.
	DueWebhookAttempts(ctx context.Context, now time.Time, batch int) ([]db.WebhookAttempt, error)

	// UpdateWebhookAttempt persists the attempt counters after a failed try.
	UpdateWebhookAttempt(ctx context.Context, wa *db.WebhookAttempt) error

	// DeleteWebhookAttempt removes an attempt on success or exhaustion.
	DeleteWebhookAttempt(ctx context.Context, id uuid.UUID) error

	// --- Lifecycle ---

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
