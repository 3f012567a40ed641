package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/admp-io/relay/internal/db"
)

// newSQLiteStore opens a throwaway file-backed sqlite database with the real
// embedded migrations applied, so the gorm backend runs the same suite as the
// memory backend.
func newSQLiteStore(t *testing.T) Store {
	t.Helper()

	database, err := db.New(db.Config{
		Driver:   "sqlite",
		DSN:      filepath.Join(t.TempDir(), "relay.db"),
		Logger:   zap.NewNop(),
		LogLevel: gormlogger.Silent,
	})
	require.NoError(t, err)

	s := NewGorm(database, "sqlite")
	t.Cleanup(func() { s.Close() })
	return s
}

// forEachStore runs fn against every Store backend. Both must satisfy the
// same contract; any divergence is a bug in one of them.
func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewMemory()) })
	t.Run("sqlite", func(t *testing.T) { fn(t, newSQLiteStore(t)) })
}

func newTestMessage(id, recipient string) *db.Message {
	return &db.Message{
		MessageID: id,
		Version:   "1",
		From:      "alice",
		Recipient: recipient,
		Body:      `{"n":1}`,
		Timestamp: time.Now().UTC(),
		Status:    StatusDelivered,
		ExpiresAt: time.Now().UTC().Add(time.Hour),
	}
}

func enqueue(t *testing.T, s Store, msg *db.Message) {
	t.Helper()
	existing, err := s.EnqueueMessage(context.Background(), msg)
	require.NoError(t, err)
	require.Nil(t, existing)
}

func TestEnqueueMessage_DuplicateID(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		enqueue(t, s, newTestMessage("m1", "bob"))

		_, err := s.EnqueueMessage(context.Background(), newTestMessage("m1", "bob"))
		assert.ErrorIs(t, err, ErrConflict)
	})
}

func TestEnqueueMessage_IdempotencyKeyReturnsExisting(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		key := "idem-1"

		first := newTestMessage("m1", "bob")
		first.IdempotencyKey = &key
		enqueue(t, s, first)

		second := newTestMessage("m2", "bob")
		second.IdempotencyKey = &key
		existing, err := s.EnqueueMessage(context.Background(), second)
		require.NoError(t, err)
		require.NotNil(t, existing)
		assert.Equal(t, "m1", existing.MessageID)

		// The colliding record was not inserted.
		_, err = s.GetMessage(context.Background(), "m2")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestEnqueueMessage_IdempotencyKeyScopedPerRecipient(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		key := "idem-1"

		first := newTestMessage("m1", "bob")
		first.IdempotencyKey = &key
		enqueue(t, s, first)

		// Same key, different recipient: a fresh record.
		second := newTestMessage("m2", "carol")
		second.IdempotencyKey = &key
		enqueue(t, s, second)
	})
}

func TestPullLease_FIFO(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		for _, id := range []string{"m1", "m2", "m3"} {
			enqueue(t, s, newTestMessage(id, "bob"))
			time.Sleep(2 * time.Millisecond)
		}

		now := time.Now().UTC()
		for _, want := range []string{"m1", "m2", "m3"} {
			msg, err := s.PullLease(context.Background(), "bob", now.Add(30*time.Second), now)
			require.NoError(t, err)
			require.NotNil(t, msg)
			assert.Equal(t, want, msg.MessageID)
			assert.Equal(t, StatusLeased, msg.Status)
			assert.Equal(t, 0, msg.Attempts, "a pull must not count as an attempt")
		}

		msg, err := s.PullLease(context.Background(), "bob", now.Add(30*time.Second), now)
		require.NoError(t, err)
		assert.Nil(t, msg, "drained inbox returns nil")
	})
}

func TestPullLease_SingleWinner(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		enqueue(t, s, newTestMessage("m1", "bob"))

		const callers = 16
		now := time.Now().UTC()
		var wg sync.WaitGroup
		winners := make(chan string, callers)

		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				msg, err := s.PullLease(context.Background(), "bob", now.Add(30*time.Second), now)
				if err == nil && msg != nil {
					winners <- msg.MessageID
				}
			}()
		}
		wg.Wait()
		close(winners)

		var got []string
		for id := range winners {
			got = append(got, id)
		}
		require.Len(t, got, 1, "exactly one concurrent pull may win a record")
		assert.Equal(t, "m1", got[0])
	})
}

func TestPullLease_SkipsDelayedMessages(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		msg := newTestMessage("m1", "bob")
		future := time.Now().UTC().Add(time.Minute)
		msg.VisibleAt = &future
		enqueue(t, s, msg)

		now := time.Now().UTC()
		got, err := s.PullLease(context.Background(), "bob", now.Add(30*time.Second), now)
		require.NoError(t, err)
		assert.Nil(t, got)

		// Past the delay it becomes pullable again.
		later := future.Add(time.Second)
		got, err = s.PullLease(context.Background(), "bob", later.Add(30*time.Second), later)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "m1", got.MessageID)
	})
}

func TestAckMessage(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		enqueue(t, s, newTestMessage("m1", "bob"))

		now := time.Now().UTC()

		// Ack before any lease is a conflict.
		err := s.AckMessage(ctx, "m1", "bob", now, "", false)
		assert.ErrorIs(t, err, ErrConflict)

		_, err = s.PullLease(ctx, "bob", now.Add(30*time.Second), now)
		require.NoError(t, err)

		// Wrong recipient is a conflict; unknown id is not found.
		assert.ErrorIs(t, s.AckMessage(ctx, "m1", "carol", now, "", false), ErrConflict)
		assert.ErrorIs(t, s.AckMessage(ctx, "nope", "bob", now, "", false), ErrNotFound)

		require.NoError(t, s.AckMessage(ctx, "m1", "bob", now, "done", false))
		msg, err := s.GetMessage(ctx, "m1")
		require.NoError(t, err)
		assert.Equal(t, StatusAcked, msg.Status)
		assert.Equal(t, "done", msg.AckResult)
		assert.NotNil(t, msg.AckedAt)

		// Double ack is a conflict.
		assert.ErrorIs(t, s.AckMessage(ctx, "m1", "bob", now, "", false), ErrConflict)
	})
}

func TestAckMessage_PurgesEphemeralBody(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		msg := newTestMessage("m1", "bob")
		msg.Ephemeral = true
		enqueue(t, s, msg)

		now := time.Now().UTC()
		_, err := s.PullLease(ctx, "bob", now.Add(30*time.Second), now)
		require.NoError(t, err)
		require.NoError(t, s.AckMessage(ctx, "m1", "bob", now, "", true))

		got, err := s.GetMessage(ctx, "m1")
		require.NoError(t, err)
		assert.Empty(t, got.Body)
		assert.True(t, got.BodyPurged)
		assert.Equal(t, StatusAcked, got.Status, "metadata survives the purge")
	})
}

func TestNackMessage_RequeueCountsAttempt(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		enqueue(t, s, newTestMessage("m1", "bob"))

		now := time.Now().UTC()
		_, err := s.PullLease(ctx, "bob", now.Add(30*time.Second), now)
		require.NoError(t, err)

		status, err := s.NackMessage(ctx, "m1", "bob", now, false, 5)
		require.NoError(t, err)
		assert.Equal(t, StatusDelivered, status)

		msg, err := s.GetMessage(ctx, "m1")
		require.NoError(t, err)
		assert.Equal(t, 1, msg.Attempts)
		assert.Empty(t, msg.LeasedBy)
		assert.Nil(t, msg.LeaseUntil)
	})
}

func TestNackMessage_DeadLetterAtCeiling(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		enqueue(t, s, newTestMessage("m1", "bob"))

		const maxAttempts = 3
		for i := 0; i < maxAttempts; i++ {
			now := time.Now().UTC()
			msg, err := s.PullLease(ctx, "bob", now.Add(30*time.Second), now)
			require.NoError(t, err)
			require.NotNil(t, msg)

			status, err := s.NackMessage(ctx, "m1", "bob", now, false, maxAttempts)
			require.NoError(t, err)
			if i < maxAttempts-1 {
				assert.Equal(t, StatusDelivered, status)
			} else {
				assert.Equal(t, StatusDead, status)
			}
		}

		msg, err := s.GetMessage(ctx, "m1")
		require.NoError(t, err)
		assert.Equal(t, StatusDead, msg.Status)
		assert.Equal(t, maxAttempts, msg.Attempts)
		assert.Equal(t, "max_lease_attempts_exceeded", msg.LastError)
	})
}

func TestNackMessage_ExplicitDeadLetter(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		enqueue(t, s, newTestMessage("m1", "bob"))

		now := time.Now().UTC()
		_, err := s.PullLease(ctx, "bob", now.Add(30*time.Second), now)
		require.NoError(t, err)

		status, err := s.NackMessage(ctx, "m1", "bob", now, true, 5)
		require.NoError(t, err)
		assert.Equal(t, StatusDead, status)
	})
}

func TestReclaimExpiredLeases(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		enqueue(t, s, newTestMessage("m1", "bob"))
		time.Sleep(2 * time.Millisecond)
		enqueue(t, s, newTestMessage("m2", "bob"))

		now := time.Now().UTC()
		// m1 leased with an already-expired lease; m2 stays delivered.
		_, err := s.PullLease(ctx, "bob", now.Add(-time.Second), now)
		require.NoError(t, err)

		res, err := s.ReclaimExpiredLeases(ctx, now, 5, 100)
		require.NoError(t, err)
		assert.Equal(t, int64(1), res.Reclaimed)
		assert.Equal(t, int64(0), res.DeadLettered)

		msg, err := s.GetMessage(ctx, "m1")
		require.NoError(t, err)
		assert.Equal(t, StatusDelivered, msg.Status)
		assert.Equal(t, 1, msg.Attempts, "an expired lease counts as a failed attempt")
	})
}

func TestReclaimExpiredLeases_DeadLetterAtCeiling(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		enqueue(t, s, newTestMessage("m1", "bob"))

		now := time.Now().UTC()
		const maxAttempts = 2
		for i := 0; i < maxAttempts; i++ {
			got, err := s.PullLease(ctx, "bob", now.Add(-time.Second), now)
			require.NoError(t, err)
			require.NotNil(t, got)
			_, err = s.ReclaimExpiredLeases(ctx, now, maxAttempts, 100)
			require.NoError(t, err)
		}

		final, err := s.GetMessage(ctx, "m1")
		require.NoError(t, err)
		assert.Equal(t, StatusDead, final.Status)
		assert.Equal(t, "max_lease_attempts_exceeded", final.LastError)
	})
}

func TestReclaimExpiredLeases_LeavesLiveLeasesAlone(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		enqueue(t, s, newTestMessage("m1", "bob"))

		now := time.Now().UTC()
		_, err := s.PullLease(ctx, "bob", now.Add(time.Minute), now)
		require.NoError(t, err)

		res, err := s.ReclaimExpiredLeases(ctx, now, 5, 100)
		require.NoError(t, err)
		assert.Zero(t, res.Reclaimed)
		assert.Zero(t, res.DeadLettered)

		msg, err := s.GetMessage(ctx, "m1")
		require.NoError(t, err)
		assert.Equal(t, StatusLeased, msg.Status)
	})
}

func TestExpireMessages(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		expired := newTestMessage("m1", "bob")
		expired.ExpiresAt = time.Now().UTC().Add(-time.Second)
		expired.Ephemeral = true
		enqueue(t, s, expired)

		live := newTestMessage("m2", "bob")
		enqueue(t, s, live)

		n, err := s.ExpireMessages(ctx, time.Now().UTC(), 100)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		got, err := s.GetMessage(ctx, "m1")
		require.NoError(t, err)
		assert.Equal(t, StatusExpired, got.Status)
		assert.Empty(t, got.Body, "ephemeral body purged on expiry")
		assert.True(t, got.BodyPurged)

		got, err = s.GetMessage(ctx, "m2")
		require.NoError(t, err)
		assert.Equal(t, StatusDelivered, got.Status)
	})
}

func TestExpireMessages_SkipsTerminalStatuses(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		msg := newTestMessage("m1", "bob")
		msg.ExpiresAt = time.Now().UTC().Add(-time.Second)
		enqueue(t, s, msg)

		now := time.Now().UTC()
		_, err := s.PullLease(ctx, "bob", now.Add(30*time.Second), now)
		require.NoError(t, err)
		require.NoError(t, s.AckMessage(ctx, "m1", "bob", now, "", false))

		n, err := s.ExpireMessages(ctx, time.Now().UTC(), 100)
		require.NoError(t, err)
		assert.Zero(t, n, "acked records never flip to expired")
	})
}

func TestCountInboxBacklog(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		enqueue(t, s, newTestMessage("m1", "bob"))
		time.Sleep(2 * time.Millisecond)
		enqueue(t, s, newTestMessage("m2", "bob"))
		enqueue(t, s, newTestMessage("m3", "carol"))

		now := time.Now().UTC()
		_, err := s.PullLease(ctx, "bob", now.Add(30*time.Second), now)
		require.NoError(t, err)

		n, err := s.CountInboxBacklog(ctx, "bob")
		require.NoError(t, err)
		assert.Equal(t, int64(2), n, "delivered and leased both count")

		require.NoError(t, s.AckMessage(ctx, "m1", "bob", now, "", false))
		n, err = s.CountInboxBacklog(ctx, "bob")
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})
}

func TestActiveAgentKeys_RotationGrace(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now().UTC()

		agent := &db.Agent{AgentID: "alice", Approved: true, Status: AgentOnline}
		require.NoError(t, s.CreateAgent(ctx, agent, []db.AgentKey{{AgentID: "alice", PublicKey: "old", Active: true}}))

		newKey := &db.AgentKey{AgentID: "alice", PublicKey: "new", Active: true}
		require.NoError(t, s.AddAgentKey(ctx, newKey))
		require.NoError(t, s.ScheduleKeyDeactivation(ctx, "alice", newKey.ID, now.Add(time.Hour)))

		// Inside the grace window both keys verify.
		keys, err := s.ActiveAgentKeys(ctx, "alice", now.Add(30*time.Minute))
		require.NoError(t, err)
		assert.Len(t, keys, 2)

		// After it closes only the new key survives.
		keys, err = s.ActiveAgentKeys(ctx, "alice", now.Add(2*time.Hour))
		require.NoError(t, err)
		require.Len(t, keys, 1)
		assert.Equal(t, "new", keys[0].PublicKey)
	})
}

func TestMarkAgentsOffline(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now().UTC()

		stale := &db.Agent{AgentID: "stale", Approved: true, Status: AgentOnline}
		require.NoError(t, s.CreateAgent(ctx, stale, nil))
		fresh := &db.Agent{AgentID: "fresh", Approved: true, Status: AgentOnline}
		require.NoError(t, s.CreateAgent(ctx, fresh, nil))

		require.NoError(t, s.TouchHeartbeat(ctx, "stale", now.Add(-10*time.Minute)))
		require.NoError(t, s.TouchHeartbeat(ctx, "fresh", now))

		flipped, err := s.MarkAgentsOffline(ctx, now.Add(-90*time.Second))
		require.NoError(t, err)
		assert.Equal(t, []string{"stale"}, flipped)

		a, err := s.GetAgent(ctx, "stale")
		require.NoError(t, err)
		assert.Equal(t, AgentOffline, a.Status)

		// Idempotent: already-offline agents are not re-reported.
		flipped, err = s.MarkAgentsOffline(ctx, now.Add(-90*time.Second))
		require.NoError(t, err)
		assert.Empty(t, flipped)
	})
}

func TestGroupMembership(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		g := &db.Group{Name: "ops", CreatedBy: "alice", AccessType: "open", HistoryVisible: true}
		creator := &db.GroupMember{AgentID: "alice", Role: "admin", JoinedAt: time.Now().UTC()}
		require.NoError(t, s.CreateGroup(ctx, g, creator))

		time.Sleep(2 * time.Millisecond)
		require.NoError(t, s.AddGroupMember(ctx, &db.GroupMember{GroupID: g.ID, AgentID: "bob", Role: "member", JoinedAt: time.Now().UTC()}, 0))
		assert.ErrorIs(t, s.AddGroupMember(ctx, &db.GroupMember{GroupID: g.ID, AgentID: "bob", Role: "member", JoinedAt: time.Now().UTC()}, 0), ErrConflict)

		// max_members=2 with 2 members: full.
		err := s.AddGroupMember(ctx, &db.GroupMember{GroupID: g.ID, AgentID: "carol", JoinedAt: time.Now().UTC()}, 2)
		assert.ErrorIs(t, err, ErrGroupFull)

		members, err := s.ListGroupMembers(ctx, g.ID)
		require.NoError(t, err)
		require.Len(t, members, 2)
		assert.Equal(t, "alice", members[0].AgentID, "joined_at order")

		require.NoError(t, s.RemoveGroupMember(ctx, g.ID, "bob"))
		assert.ErrorIs(t, s.RemoveGroupMember(ctx, g.ID, "bob"), ErrNotFound)

		groups, err := s.ListAgentGroups(ctx, "alice")
		require.NoError(t, err)
		assert.Len(t, groups, 1)
	})
}

func TestGroupHistory_NewestFirstAndLimited(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		g := &db.Group{Name: "ops", CreatedBy: "alice", AccessType: "open"}
		require.NoError(t, s.CreateGroup(ctx, g, &db.GroupMember{AgentID: "alice", Role: "admin", JoinedAt: time.Now().UTC()}))

		base := time.Now().UTC()
		for i := 0; i < 3; i++ {
			require.NoError(t, s.AppendGroupHistory(ctx, &db.GroupMessage{
				GroupID:   g.ID,
				MessageID: string(rune('a' + i)),
				From:      "alice",
				PostedAt:  base.Add(time.Duration(i) * time.Second),
			}))
		}

		hist, err := s.ListGroupHistory(ctx, g.ID, 2)
		require.NoError(t, err)
		require.Len(t, hist, 2)
		assert.Equal(t, "c", hist[0].MessageID)
		assert.Equal(t, "b", hist[1].MessageID)
	})
}

func TestWebhookAttempts(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now().UTC()

		wa := &db.WebhookAttempt{MessageID: "m1", AgentID: "bob", Endpoint: "http://x", AttemptNo: 1, NextTry: now.Add(-time.Second)}
		require.NoError(t, s.CreateWebhookAttempt(ctx, wa))

		// Second enqueue for the same message is a no-op.
		require.NoError(t, s.CreateWebhookAttempt(ctx, &db.WebhookAttempt{MessageID: "m1", AgentID: "bob", Endpoint: "http://x", NextTry: now}))

		due, err := s.DueWebhookAttempts(ctx, now, 10)
		require.NoError(t, err)
		require.Len(t, due, 1)
		assert.Equal(t, 1, due[0].AttemptNo)

		due[0].AttemptNo = 2
		due[0].NextTry = now.Add(time.Minute)
		require.NoError(t, s.UpdateWebhookAttempt(ctx, &due[0]))

		due2, err := s.DueWebhookAttempts(ctx, now, 10)
		require.NoError(t, err)
		assert.Empty(t, due2, "rescheduled attempt is no longer due")

		require.NoError(t, s.DeleteWebhookAttempt(ctx, wa.ID))
		assert.ErrorIs(t, s.DeleteWebhookAttempt(ctx, wa.ID), ErrNotFound)
	})
}

func TestDeleteAgent_RemovesKeysAndAttempts(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		require.NoError(t, s.CreateAgent(ctx, &db.Agent{AgentID: "bob", Approved: true, Status: AgentOnline},
			[]db.AgentKey{{AgentID: "bob", PublicKey: "k", Active: true}}))
		require.NoError(t, s.CreateWebhookAttempt(ctx, &db.WebhookAttempt{MessageID: "m1", AgentID: "bob", Endpoint: "http://x", NextTry: time.Now().UTC()}))

		require.NoError(t, s.DeleteAgent(ctx, "bob"))

		_, err := s.GetAgent(ctx, "bob")
		assert.ErrorIs(t, err, ErrNotFound)
		keys, err := s.ActiveAgentKeys(ctx, "bob", time.Now().UTC())
		require.NoError(t, err)
		assert.Empty(t, keys)
		due, err := s.DueWebhookAttempts(ctx, time.Now().UTC().Add(time.Hour), 10)
		require.NoError(t, err)
		assert.Empty(t, due)
	})
}
