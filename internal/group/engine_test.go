package group

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/admp-io/relay/internal/config"
	"github.com/admp-io/relay/internal/db"
	"github.com/admp-io/relay/internal/lifecycle"
	"github.com/admp-io/relay/internal/store"
)

func newTestEngine(t *testing.T) (*Engine, *store.Memory) {
	t.Helper()
	st := store.NewMemory()
	lc := lifecycle.NewEngine(st, &config.Config{
		MessageTTL:          24 * time.Hour,
		MaxMessageSize:      64 * 1024,
		MaxMessagesPerAgent: 100,
		MaxLeaseAttempts:    3,
	}, zap.NewNop())
	return NewEngine(st, lc, zap.NewNop()), st
}

func registerAgent(t *testing.T, st *store.Memory, id string) {
	t.Helper()
	err := st.CreateAgent(context.Background(), &db.Agent{
		AgentID: id, Approved: true, Status: store.AgentOnline,
		TrustedSenders: "[]", AllowedSubjects: "[]",
	}, nil)
	require.NoError(t, err)
}

func TestCreate(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	g, err := e.Create(ctx, "alice", CreateRequest{Name: "ops", AccessType: AccessOpen})
	require.NoError(t, err)
	assert.Equal(t, "ops", g.Name)
	assert.Equal(t, "alice", g.CreatedBy)
	assert.True(t, g.HistoryVisible, "history defaults to visible")

	members, err := st.ListGroupMembers(ctx, g.ID)
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "alice", members[0].AgentID)
	assert.Equal(t, RoleAdmin, members[0].Role, "creator is the first admin")
}

func TestCreate_Validation(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Create(ctx, "alice", CreateRequest{})
	assert.ErrorIs(t, err, lifecycle.ErrValidation, "name is required")

	_, err = e.Create(ctx, "alice", CreateRequest{Name: "x", AccessType: "secret"})
	assert.ErrorIs(t, err, lifecycle.ErrValidation)

	_, err = e.Create(ctx, "alice", CreateRequest{Name: "x", AccessType: AccessKeyProtected})
	assert.ErrorIs(t, err, lifecycle.ErrValidation, "key-protected needs a join key")
}

func TestJoin_OpenGroup(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	g, err := e.Create(ctx, "alice", CreateRequest{Name: "ops", AccessType: AccessOpen})
	require.NoError(t, err)

	require.NoError(t, e.Join(ctx, g.ID, "bob", ""))

	// Double join is a conflict.
	assert.ErrorIs(t, e.Join(ctx, g.ID, "bob", ""), lifecycle.ErrConflict)
}

func TestJoin_KeyProtectedGroup(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	g, err := e.Create(ctx, "alice", CreateRequest{
		Name: "ops", AccessType: AccessKeyProtected, JoinKey: "open-sesame",
	})
	require.NoError(t, err)

	assert.ErrorIs(t, e.Join(ctx, g.ID, "bob", "wrong"), lifecycle.ErrForbidden)
	assert.ErrorIs(t, e.Join(ctx, g.ID, "bob", ""), lifecycle.ErrForbidden)
	assert.NoError(t, e.Join(ctx, g.ID, "bob", "open-sesame"))
}

func TestJoin_InviteOnlyGroup(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	g, err := e.Create(ctx, "alice", CreateRequest{Name: "ops", AccessType: AccessInviteOnly})
	require.NoError(t, err)

	assert.ErrorIs(t, e.Join(ctx, g.ID, "bob", ""), lifecycle.ErrForbidden)

	// Admin add is the only way in.
	require.NoError(t, e.AddMember(ctx, g.ID, "alice", "bob"))

	// A plain member cannot add others.
	assert.ErrorIs(t, e.AddMember(ctx, g.ID, "bob", "carol"), lifecycle.ErrForbidden)
}

func TestJoin_UnknownGroup(t *testing.T) {
	e, _ := newTestEngine(t)
	assert.ErrorIs(t, e.Join(context.Background(), uuid.New(), "bob", ""), lifecycle.ErrNotFound)
}

func TestRemoveMemberAndLeave(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	g, err := e.Create(ctx, "alice", CreateRequest{Name: "ops", AccessType: AccessOpen})
	require.NoError(t, err)
	require.NoError(t, e.Join(ctx, g.ID, "bob", ""))
	require.NoError(t, e.Join(ctx, g.ID, "carol", ""))

	// Only admins remove others.
	assert.ErrorIs(t, e.RemoveMember(ctx, g.ID, "bob", "carol"), lifecycle.ErrForbidden)
	require.NoError(t, e.RemoveMember(ctx, g.ID, "alice", "carol"))
	assert.ErrorIs(t, e.RemoveMember(ctx, g.ID, "alice", "carol"), lifecycle.ErrNotFound)

	require.NoError(t, e.Leave(ctx, g.ID, "bob"))
	assert.ErrorIs(t, e.Leave(ctx, g.ID, "bob"), lifecycle.ErrNotFound)
}

func TestGet_RosterOnlyForMembers(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	g, err := e.Create(ctx, "alice", CreateRequest{Name: "ops", AccessType: AccessOpen})
	require.NoError(t, err)

	_, members, err := e.Get(ctx, g.ID, "alice")
	require.NoError(t, err)
	assert.Len(t, members, 1)

	got, members, err := e.Get(ctx, g.ID, "stranger")
	require.NoError(t, err)
	assert.Equal(t, "ops", got.Name, "metadata is public")
	assert.Nil(t, members, "roster is members-only")
}

func TestPost_FanOutExcludesAuthor(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()
	for _, id := range []string{"alice", "bob", "carol"} {
		registerAgent(t, st, id)
	}

	g, err := e.Create(ctx, "alice", CreateRequest{Name: "ops", AccessType: AccessOpen})
	require.NoError(t, err)
	require.NoError(t, e.Join(ctx, g.ID, "bob", ""))
	require.NoError(t, e.Join(ctx, g.ID, "carol", ""))

	res, err := e.Post(ctx, g.ID, "alice", PostRequest{Subject: "standup", Body: []byte(`{"t":"9am"}`)})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Delivered)
	assert.Zero(t, res.Failed)
	assert.NotEmpty(t, res.PostID)

	// Each member got exactly one copy; the author got none.
	for _, tc := range []struct {
		agent string
		want  int64
	}{{"alice", 0}, {"bob", 1}, {"carol", 1}} {
		n, err := st.CountInboxBacklog(ctx, tc.agent)
		require.NoError(t, err)
		assert.Equal(t, tc.want, n, "backlog of %s", tc.agent)
	}

	// Copies carry the group id and correlate to the post.
	now := time.Now().UTC()
	msg, err := st.PullLease(ctx, "bob", now.Add(30*time.Second), now)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, g.ID.String(), msg.GroupID)
	assert.Equal(t, res.PostID, msg.CorrelationID)
	assert.Equal(t, "alice", msg.From)
}

func TestPost_NonMemberForbidden(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()
	registerAgent(t, st, "mallory")

	g, err := e.Create(ctx, "alice", CreateRequest{Name: "ops", AccessType: AccessOpen})
	require.NoError(t, err)

	_, err = e.Post(ctx, g.ID, "mallory", PostRequest{Body: []byte(`{}`)})
	assert.ErrorIs(t, err, lifecycle.ErrForbidden)
}

func TestPost_PartialFailureDoesNotAbortFanOut(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()
	registerAgent(t, st, "bob")
	// carol joined but was never registered, so her delivery fails.

	g, err := e.Create(ctx, "alice", CreateRequest{Name: "ops", AccessType: AccessOpen})
	require.NoError(t, err)
	require.NoError(t, e.Join(ctx, g.ID, "bob", ""))
	require.NoError(t, e.Join(ctx, g.ID, "carol", ""))

	res, err := e.Post(ctx, g.ID, "alice", PostRequest{Body: []byte(`{}`)})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)
	assert.Equal(t, 1, res.Failed)

	n, err := st.CountInboxBacklog(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestHistory(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()
	registerAgent(t, st, "bob")

	g, err := e.Create(ctx, "alice", CreateRequest{Name: "ops", AccessType: AccessOpen})
	require.NoError(t, err)
	require.NoError(t, e.Join(ctx, g.ID, "bob", ""))

	_, err = e.Post(ctx, g.ID, "alice", PostRequest{Subject: "one", Body: []byte(`{}`)})
	require.NoError(t, err)

	hist, err := e.History(ctx, g.ID, "bob", 10)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, "one", hist[0].Subject)
	assert.Equal(t, "alice", hist[0].From)

	// Non-members have no history access.
	_, err = e.History(ctx, g.ID, "stranger", 10)
	assert.ErrorIs(t, err, lifecycle.ErrForbidden)
}

func TestHistory_InvisibleWhenDisabled(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()
	registerAgent(t, st, "bob")

	off := false
	g, err := e.Create(ctx, "alice", CreateRequest{Name: "ops", AccessType: AccessOpen, HistoryVisible: &off})
	require.NoError(t, err)
	require.NoError(t, e.Join(ctx, g.ID, "bob", ""))

	res, err := e.Post(ctx, g.ID, "alice", PostRequest{Body: []byte(`{}`)})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered, "fan-out still happens without history")

	_, err = e.History(ctx, g.ID, "alice", 10)
	assert.ErrorIs(t, err, lifecycle.ErrForbidden)

	// Nothing was appended either.
	stored, err := st.ListGroupHistory(ctx, g.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestMaxMembers(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	g, err := e.Create(ctx, "alice", CreateRequest{Name: "ops", AccessType: AccessOpen, MaxMembers: 2})
	require.NoError(t, err)
	require.NoError(t, e.Join(ctx, g.ID, "bob", ""))

	assert.ErrorIs(t, e.Join(ctx, g.ID, "carol", ""), lifecycle.ErrConflict)
}

func TestListForAgent(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	g1, err := e.Create(ctx, "alice", CreateRequest{Name: "ops", AccessType: AccessOpen})
	require.NoError(t, err)
	_, err = e.Create(ctx, "bob", CreateRequest{Name: "other", AccessType: AccessOpen})
	require.NoError(t, err)

	groups, err := e.ListForAgent(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, g1.ID, groups[0].ID)
}
