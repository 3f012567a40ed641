package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/admp-io/relay/internal/db"
)

// Memory is the in-memory Store used by tests and STORAGE_BACKEND=memory.
// A single RWMutex guards the maps; pull-lease additionally serializes per
// recipient so that two concurrent pulls on the same inbox contend on the
// recipient's mutex, not on unrelated traffic.
type Memory struct {
	mu sync.RWMutex

	agents   map[string]*db.Agent     // keyed by protocol agent id
	keys     map[string][]*db.AgentKey // keyed by protocol agent id
	messages map[string]*db.Message   // keyed by envelope message id
	groups   map[uuid.UUID]*db.Group
	members  map[uuid.UUID][]*db.GroupMember
	history  map[uuid.UUID][]*db.GroupMessage
	attempts map[string]*db.WebhookAttempt // keyed by message id

	// pullMu holds one mutex per recipient for single-winner pulls.
	pullMu sync.Map // map[string]*sync.Mutex
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		agents:   make(map[string]*db.Agent),
		keys:     make(map[string][]*db.AgentKey),
		messages: make(map[string]*db.Message),
		groups:   make(map[uuid.UUID]*db.Group),
		members:  make(map[uuid.UUID][]*db.GroupMember),
		history:  make(map[uuid.UUID][]*db.GroupMessage),
		attempts: make(map[string]*db.WebhookAttempt),
	}
}

var _ Store = (*Memory)(nil)

func (m *Memory) recipientLock(recipient string) *sync.Mutex {
	v, _ := m.pullMu.LoadOrStore(recipient, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func newRowID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the random source does; v4 is fine for
		// the in-memory store, which never relies on time ordering of ids.
		return uuid.New()
	}
	return id
}

// --- Agents ---

func (m *Memory) CreateAgent(_ context.Context, agent *db.Agent, keys []db.AgentKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.agents[agent.AgentID]; exists {
		return ErrConflict
	}

	now := time.Now().UTC()
	if agent.ID == (uuid.UUID{}) {
		agent.ID = newRowID()
	}
	agent.CreatedAt, agent.UpdatedAt = now, now

	cp := *agent
	m.agents[agent.AgentID] = &cp

	for i := range keys {
		k := keys[i]
		if k.ID == (uuid.UUID{}) {
			k.ID = newRowID()
		}
		k.CreatedAt, k.UpdatedAt = now, now
		m.keys[agent.AgentID] = append(m.keys[agent.AgentID], &k)
	}
	return nil
}

func (m *Memory) GetAgent(_ context.Context, agentID string) (*db.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.agents[agentID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *Memory) UpdateAgent(_ context.Context, agent *db.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.agents[agent.AgentID]
	if !ok {
		return ErrNotFound
	}
	agent.ID = cur.ID
	agent.CreatedAt = cur.CreatedAt
	agent.UpdatedAt = time.Now().UTC()
	cp := *agent
	m.agents[agent.AgentID] = &cp
	return nil
}

func (m *Memory) DeleteAgent(_ context.Context, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.agents[agentID]; !ok {
		return ErrNotFound
	}
	delete(m.agents, agentID)
	delete(m.keys, agentID)
	for id, wa := range m.attempts {
		if wa.AgentID == agentID {
			delete(m.attempts, id)
		}
	}
	return nil
}

func (m *Memory) TouchHeartbeat(_ context.Context, agentID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agents[agentID]
	if !ok {
		return ErrNotFound
	}
	t := at.UTC()
	a.LastHeartbeat = &t
	a.Status = AgentOnline
	a.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) MarkAgentsOffline(_ context.Context, cutoff time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var flipped []string
	for _, a := range m.agents {
		if a.Status != AgentOnline {
			continue
		}
		if a.LastHeartbeat == nil || a.LastHeartbeat.Before(cutoff) {
			a.Status = AgentOffline
			flipped = append(flipped, a.AgentID)
		}
	}
	sort.Strings(flipped)
	return flipped, nil
}

// --- Keys ---

func (m *Memory) AddAgentKey(_ context.Context, key *db.AgentKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.agents[key.AgentID]; !ok {
		return ErrNotFound
	}
	if key.ID == (uuid.UUID{}) {
		key.ID = newRowID()
	}
	now := time.Now().UTC()
	key.CreatedAt, key.UpdatedAt = now, now
	cp := *key
	m.keys[key.AgentID] = append(m.keys[key.AgentID], &cp)
	return nil
}

func (m *Memory) ScheduleKeyDeactivation(_ context.Context, agentID string, keepID uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := at.UTC()
	for _, k := range m.keys[agentID] {
		if k.ID == keepID || !k.Active || k.DeactivateAt != nil {
			continue
		}
		k.DeactivateAt = &t
	}
	return nil
}

func (m *Memory) ActiveAgentKeys(_ context.Context, agentID string, now time.Time) ([]db.AgentKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []db.AgentKey
	for _, k := range m.keys[agentID] {
		if !k.Active {
			continue
		}
		if k.DeactivateAt != nil && !k.DeactivateAt.After(now) {
			continue
		}
		out = append(out, *k)
	}
	return out, nil
}

// --- Messages ---

func (m *Memory) EnqueueMessage(_ context.Context, msg *db.Message) (*db.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if msg.IdempotencyKey != nil {
		for _, existing := range m.messages {
			if existing.Recipient == msg.Recipient &&
				existing.IdempotencyKey != nil &&
				*existing.IdempotencyKey == *msg.IdempotencyKey {
				cp := *existing
				return &cp, nil
			}
		}
	}
	if _, exists := m.messages[msg.MessageID]; exists {
		return nil, ErrConflict
	}

	now := time.Now().UTC()
	if msg.ID == (uuid.UUID{}) {
		msg.ID = newRowID()
	}
	msg.CreatedAt, msg.UpdatedAt = now, now
	cp := *msg
	m.messages[msg.MessageID] = &cp
	return nil, nil
}

func (m *Memory) PullLease(_ context.Context, recipient string, leaseUntil, now time.Time) (*db.Message, error) {
	// Per-recipient mutex makes the select-then-update atomic for this
	// inbox; the store mutex protects the map itself.
	lock := m.recipientLock(recipient)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	var oldest *db.Message
	for _, msg := range m.messages {
		if msg.Recipient != recipient || msg.Status != StatusDelivered {
			continue
		}
		if msg.VisibleAt != nil && msg.VisibleAt.After(now) {
			continue
		}
		if oldest == nil || msg.CreatedAt.Before(oldest.CreatedAt) ||
			(msg.CreatedAt.Equal(oldest.CreatedAt) && msg.ID.String() < oldest.ID.String()) {
			oldest = msg
		}
	}
	if oldest == nil {
		return nil, nil
	}

	lu := leaseUntil.UTC()
	oldest.Status = StatusLeased
	oldest.LeasedBy = recipient
	oldest.LeaseUntil = &lu
	oldest.UpdatedAt = time.Now().UTC()

	cp := *oldest
	return &cp, nil
}

func (m *Memory) GetMessage(_ context.Context, messageID string) (*db.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msg, ok := m.messages[messageID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *msg
	return &cp, nil
}

func (m *Memory) AckMessage(_ context.Context, messageID, recipient string, ackedAt time.Time, result string, purgeBody bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[messageID]
	if !ok {
		return ErrNotFound
	}
	if msg.Recipient != recipient || msg.Status != StatusLeased {
		return ErrConflict
	}

	t := ackedAt.UTC()
	msg.Status = StatusAcked
	msg.AckedAt = &t
	msg.AckResult = result
	msg.LeaseUntil = nil
	if purgeBody {
		msg.Body = ""
		msg.BodyPurged = true
	}
	msg.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) NackMessage(_ context.Context, messageID, recipient string, visibleAt time.Time, deadLetter bool, maxAttempts int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[messageID]
	if !ok {
		return "", ErrNotFound
	}
	if msg.Recipient != recipient || msg.Status != StatusLeased {
		return "", ErrConflict
	}

	msg.LeaseUntil = nil
	msg.LeasedBy = ""
	msg.Attempts++
	msg.UpdatedAt = time.Now().UTC()

	if deadLetter || msg.Attempts >= maxAttempts {
		msg.Status = StatusDead
		if !deadLetter {
			msg.LastError = "max_lease_attempts_exceeded"
		}
		return StatusDead, nil
	}

	va := visibleAt.UTC()
	msg.Status = StatusDelivered
	msg.VisibleAt = &va
	return StatusDelivered, nil
}

func (m *Memory) SetMessageLastError(_ context.Context, messageID, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[messageID]
	if !ok {
		return ErrNotFound
	}
	msg.LastError = lastError
	msg.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) CountInboxBacklog(_ context.Context, recipient string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int64
	for _, msg := range m.messages {
		if msg.Recipient != recipient {
			continue
		}
		switch msg.Status {
		case StatusQueued, StatusDelivered, StatusLeased:
			n++
		}
	}
	return n, nil
}

func (m *Memory) Stats(_ context.Context, recipient string) (*InboxStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := &InboxStats{ByStatus: make(map[string]int64)}
	now := time.Now().UTC()
	var oldest time.Time

	for _, msg := range m.messages {
		if msg.Recipient != recipient {
			continue
		}
		stats.ByStatus[msg.Status]++
		if msg.Status == StatusDelivered || msg.Status == StatusLeased {
			if oldest.IsZero() || msg.CreatedAt.Before(oldest) {
				oldest = msg.CreatedAt
			}
		}
	}
	if !oldest.IsZero() {
		stats.OldestPendingAge = now.Sub(oldest)
	}
	return stats, nil
}

func (m *Memory) ReclaimExpiredLeases(_ context.Context, now time.Time, maxAttempts, batch int) (ReclaimResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var res ReclaimResult
	for _, msg := range m.messages {
		if batch > 0 && res.Reclaimed+res.DeadLettered >= int64(batch) {
			break
		}
		if msg.Status != StatusLeased || msg.LeaseUntil == nil || !msg.LeaseUntil.Before(now) {
			continue
		}

		msg.LeaseUntil = nil
		msg.LeasedBy = ""
		msg.Attempts++
		msg.UpdatedAt = time.Now().UTC()

		if msg.Attempts >= maxAttempts {
			msg.Status = StatusDead
			msg.LastError = "max_lease_attempts_exceeded"
			res.DeadLettered++
			continue
		}
		msg.Status = StatusDelivered
		msg.VisibleAt = nil
		res.Reclaimed++
	}
	return res, nil
}

func (m *Memory) ExpireMessages(_ context.Context, now time.Time, batch int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, msg := range m.messages {
		if batch > 0 && n >= int64(batch) {
			break
		}
		switch msg.Status {
		case StatusQueued, StatusDelivered, StatusLeased:
		default:
			continue
		}
		if msg.ExpiresAt.After(now) {
			continue
		}

		msg.Status = StatusExpired
		msg.LeaseUntil = nil
		msg.LeasedBy = ""
		if msg.Ephemeral {
			msg.Body = ""
			msg.BodyPurged = true
		}
		msg.UpdatedAt = time.Now().UTC()
		n++
	}
	return n, nil
}

// --- Groups ---

func (m *Memory) CreateGroup(_ context.Context, group *db.Group, creator *db.GroupMember) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	if group.ID == (uuid.UUID{}) {
		group.ID = newRowID()
	}
	group.CreatedAt, group.UpdatedAt = now, now
	cp := *group
	m.groups[group.ID] = &cp

	creator.GroupID = group.ID
	if creator.ID == (uuid.UUID{}) {
		creator.ID = newRowID()
	}
	creator.CreatedAt, creator.UpdatedAt = now, now
	mcp := *creator
	m.members[group.ID] = append(m.members[group.ID], &mcp)
	return nil
}

func (m *Memory) GetGroup(_ context.Context, id uuid.UUID) (*db.Group, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	g, ok := m.groups[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *g
	return &cp, nil
}

func (m *Memory) AddGroupMember(_ context.Context, member *db.GroupMember, maxMembers int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.groups[member.GroupID]; !ok {
		return ErrNotFound
	}
	existing := m.members[member.GroupID]
	for _, em := range existing {
		if em.AgentID == member.AgentID {
			return ErrConflict
		}
	}
	if maxMembers > 0 && len(existing) >= maxMembers {
		return ErrGroupFull
	}

	now := time.Now().UTC()
	if member.ID == (uuid.UUID{}) {
		member.ID = newRowID()
	}
	member.CreatedAt, member.UpdatedAt = now, now
	cp := *member
	m.members[member.GroupID] = append(existing, &cp)
	return nil
}

func (m *Memory) RemoveGroupMember(_ context.Context, groupID uuid.UUID, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	members := m.members[groupID]
	for i, em := range members {
		if em.AgentID == agentID {
			m.members[groupID] = append(members[:i], members[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

func (m *Memory) ListGroupMembers(_ context.Context, groupID uuid.UUID) ([]db.GroupMember, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	members := m.members[groupID]
	out := make([]db.GroupMember, 0, len(members))
	for _, em := range members {
		out = append(out, *em)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinedAt.Before(out[j].JoinedAt) })
	return out, nil
}

func (m *Memory) ListAgentGroups(_ context.Context, agentID string) ([]db.Group, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []db.Group
	for gid, members := range m.members {
		for _, em := range members {
			if em.AgentID == agentID {
				if g, ok := m.groups[gid]; ok {
					out = append(out, *g)
				}
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.Compare(out[i].ID.String(), out[j].ID.String()) < 0
	})
	return out, nil
}

func (m *Memory) AppendGroupHistory(_ context.Context, gm *db.GroupMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.groups[gm.GroupID]; !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	if gm.ID == (uuid.UUID{}) {
		gm.ID = newRowID()
	}
	gm.CreatedAt, gm.UpdatedAt = now, now
	cp := *gm
	m.history[gm.GroupID] = append(m.history[gm.GroupID], &cp)
	return nil
}

func (m *Memory) ListGroupHistory(_ context.Context, groupID uuid.UUID, limit int) ([]db.GroupMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	hist := m.history[groupID]
	out := make([]db.GroupMessage, 0, len(hist))
	for _, h := range hist {
		out = append(out, *h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PostedAt.After(out[j].PostedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- Webhook attempts ---

func (m *Memory) CreateWebhookAttempt(_ context.Context, wa *db.WebhookAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.attempts[wa.MessageID]; exists {
		return nil
	}
	now := time.Now().UTC()
	if wa.ID == (uuid.UUID{}) {
		wa.ID = newRowID()
	}
	wa.CreatedAt, wa.UpdatedAt = now, now
	cp := *wa
	m.attempts[wa.MessageID] = &cp
	return nil
}

func (m *Memory) DueWebhookAttempts(_ context.Context, now time.Time, batch int) ([]db.WebhookAttempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []db.WebhookAttempt
	for _, wa := range m.attempts {
		if wa.NextTry.After(now) {
			continue
		}
		out = append(out, *wa)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextTry.Before(out[j].NextTry) })
	if batch > 0 && len(out) > batch {
		out = out[:batch]
	}
	return out, nil
}

func (m *Memory) UpdateWebhookAttempt(_ context.Context, wa *db.WebhookAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.attempts[wa.MessageID]
	if !ok {
		return ErrNotFound
	}
	wa.ID = cur.ID
	wa.CreatedAt = cur.CreatedAt
	wa.UpdatedAt = time.Now().UTC()
	cp := *wa
	m.attempts[wa.MessageID] = &cp
	return nil
}

func (m *Memory) DeleteWebhookAttempt(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for mid, wa := range m.attempts {
		if wa.ID == id {
			delete(m.attempts, mid)
			return nil
		}
	}
	return ErrNotFound
}

// --- Lifecycle ---

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
