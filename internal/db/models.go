package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Base contains the common fields shared by all models.
// ID uses UUID v7 (time-ordered) for efficient B-tree indexing and natural
// chronological ordering without a separate created_at sort. CreatedAt and
// UpdatedAt are managed automatically by GORM.
type Base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
func (b *Base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// -----------------------------------------------------------------------------
// Agents & keys
// -----------------------------------------------------------------------------

// Agent is a principal registered with the relay. AgentID is the protocol
// identity (canonically local@domain) and is distinct from the row UUID;
// all protocol-level lookups go through AgentID or its did:admp alias.
//
// Webhook config lives on the agent row rather than in a separate table so
// that the persistent model stays cycle-free: delivery attempts reference
// agents by id only.
type Agent struct {
	Base
	AgentID          string `gorm:"uniqueIndex;not null"`
	Kind             string `gorm:"not null;default:''"`
	RegistrationMode string `gorm:"not null;default:'self'"` // "self" or "imported"

	// Approved is false for imported shadow records awaiting operator
	// approval under REGISTRATION_POLICY=approval_required. Unapproved
	// agents are not addressable.
	Approved bool `gorm:"not null;default:true"`

	Status        string `gorm:"not null;default:'online'"` // "online" or "offline"
	LastHeartbeat *time.Time

	WebhookURL    string          `gorm:"default:''"`
	WebhookSecret EncryptedString `gorm:"type:text;default:''"`

	// TrustedSenders and AllowedSubjects are JSON arrays. Empty means no
	// restriction.
	TrustedSenders  string `gorm:"type:text;not null;default:'[]'"`
	AllowedSubjects string `gorm:"type:text;not null;default:'[]'"`

	Metadata string `gorm:"type:text;not null;default:'{}'"` // JSON map
}

// AgentKey is one entry in an agent's append-only key set. Rotation appends
// a new active key and stamps the previous one with DeactivateAt; the old
// key keeps verifying until that instant passes. Keys are never updated in
// place, so a bounded grace window is a data property rather than a timing
// assumption.
type AgentKey struct {
	Base
	AgentID      string `gorm:"not null;index"` // protocol id, not row UUID
	PublicKey    string `gorm:"not null"`       // base64 (padded) ed25519 public key
	Active       bool   `gorm:"not null;default:true"`
	DeactivateAt *time.Time
}

// -----------------------------------------------------------------------------
// Messages
// -----------------------------------------------------------------------------

// Message is a persisted message record: the wire envelope plus lifecycle
// state. Recipient owns the record; every status transition goes through
// the lifecycle engine's conditional updates.
//
// Status values: queued, delivered, leased, acked, nacked, failed, dead,
// expired. Enqueue lands records directly in delivered; queued is reserved
// for a future pre-acceptance buffer.
type Message struct {
	Base
	MessageID string `gorm:"uniqueIndex;not null"` // sender-supplied envelope id
	Version   string `gorm:"not null;default:'1'"`
	Type      string `gorm:"not null;default:''"`
	From      string `gorm:"column:from_agent;not null;index"`
	Recipient string `gorm:"not null;index:idx_messages_pull,priority:1"`
	Subject   string `gorm:"not null;default:''"`

	CorrelationID string `gorm:"default:''"`
	Headers       string `gorm:"type:text;not null;default:'{}'"` // JSON map
	Body          string `gorm:"type:text"`                       // raw JSON; cleared on ephemeral purge
	BodyPurged    bool   `gorm:"not null;default:false"`

	Timestamp time.Time `gorm:"not null"`
	TTLSec    int64     `gorm:"not null;default:0"` // 0 = relay default
	Ephemeral bool      `gorm:"not null;default:false"`

	// Envelope signature as presented by the sender, if any.
	SigAlg string `gorm:"default:''"`
	SigKid string `gorm:"default:''"`
	SigVal string `gorm:"default:''"`

	// IdempotencyKey is unique per recipient when set. The partial-unique
	// semantics (NULLs exempt) live in the migration, not the model tag.
	IdempotencyKey *string

	Status     string `gorm:"not null;default:'delivered';index:idx_messages_pull,priority:2"`
	LeasedBy   string `gorm:"default:''"`
	LeaseUntil *time.Time
	VisibleAt  *time.Time `gorm:"index:idx_messages_pull,priority:3"`
	Attempts   int        `gorm:"not null;default:0"`

	DeliveredAt *time.Time
	AckedAt     *time.Time
	ExpiresAt   time.Time `gorm:"not null;index"`
	LastError   string    `gorm:"type:text;default:''"`
	AckResult   string    `gorm:"type:text;default:''"`

	GroupID string `gorm:"default:'';index"` // set on group fan-out deliveries
}

// -----------------------------------------------------------------------------
// Groups
// -----------------------------------------------------------------------------

// Group is a named collection of agents that fans a single post out to each
// member's inbox. AccessType is one of "open", "invite-only",
// "key-protected"; for key-protected groups JoinKeyHash holds the SHA-256
// hex of the join key, encrypted at rest.
type Group struct {
	Base
	Name        string          `gorm:"not null"`
	CreatedBy   string          `gorm:"not null"`
	AccessType  string          `gorm:"not null;default:'open'"`
	JoinKeyHash EncryptedString `gorm:"type:text;default:''"`

	HistoryVisible bool  `gorm:"not null;default:true"`
	MaxMembers     int   `gorm:"not null;default:0"` // 0 = unlimited
	MessageTTLSec  int64 `gorm:"not null;default:0"` // 0 = relay default
}

// GroupMember is a membership entry, owned by the group. Removing a member
// removes their fan-out entitlement but not already-delivered messages.
type GroupMember struct {
	Base
	GroupID  uuid.UUID `gorm:"type:text;not null;index:idx_group_members,unique,priority:1"`
	AgentID  string    `gorm:"not null;index:idx_group_members,unique,priority:2"`
	Role     string    `gorm:"not null;default:'member'"` // "admin" or "member"
	JoinedAt time.Time `gorm:"not null"`
}

// GroupMessage is one group-history record per authored post. The
// per-member copies are regular Message rows carrying GroupID.
type GroupMessage struct {
	Base
	GroupID   uuid.UUID `gorm:"type:text;not null;index"`
	MessageID string    `gorm:"not null"` // envelope id of the original post
	From      string    `gorm:"column:from_agent;not null"`
	Subject   string    `gorm:"not null;default:''"`
	Body      string    `gorm:"type:text"`
	PostedAt  time.Time `gorm:"not null;index"`
}

// -----------------------------------------------------------------------------
// Webhook attempts
// -----------------------------------------------------------------------------

// WebhookAttempt is the transient retry record for one message's webhook
// delivery. Rows are deleted on success or exhaustion; the retry loop picks
// rows with next_try <= now.
type WebhookAttempt struct {
	Base
	MessageID  string    `gorm:"not null;uniqueIndex"`
	AgentID    string    `gorm:"not null;index"`
	Endpoint   string    `gorm:"not null"`
	AttemptNo  int       `gorm:"not null;default:0"`
	NextTry    time.Time `gorm:"not null;index"`
	LastStatus int       `gorm:"not null;default:0"`
	LastError  string    `gorm:"type:text;default:''"`
}
