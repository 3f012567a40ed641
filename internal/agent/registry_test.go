package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/admp-io/relay/internal/config"
	"github.com/admp-io/relay/internal/lifecycle"
	"github.com/admp-io/relay/internal/signing"
	"github.com/admp-io/relay/internal/store"
)

func newTestRegistry(policy config.RegistrationPolicy) (*Registry, *store.Memory) {
	st := store.NewMemory()
	cfg := &config.Config{RegistrationPolicy: policy}
	return NewRegistry(st, cfg, zap.NewNop()), st
}

func TestRegister_GeneratesKeyPairWhenAbsent(t *testing.T) {
	r, st := newTestRegistry(config.RegistrationApprovalRequired)
	ctx := context.Background()

	res, err := r.Register(ctx, RegisterRequest{AgentID: "alice"})
	require.NoError(t, err)
	assert.Equal(t, "alice", res.AgentID)
	assert.Equal(t, ModeSelf, res.RegistrationMode)
	assert.True(t, res.Approved, "self registrations are addressable immediately")

	// The returned pair is usable and the public half is on record.
	priv, err := signing.ParsePrivateKey(res.SecretKey)
	require.NoError(t, err)
	pub, err := signing.ParsePublicKey(res.PublicKey)
	require.NoError(t, err)
	msg := []byte("probe")
	assert.True(t, signing.Verify(pub, msg, signing.Sign(priv, msg)))

	keys, err := st.ActiveAgentKeys(ctx, "alice", time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, res.PublicKey, keys[0].PublicKey)
}

func TestRegister_SuppliedKeyIsNotEchoedWithSecret(t *testing.T) {
	r, _ := newTestRegistry(config.RegistrationApprovalRequired)
	pub, _, err := signing.GenerateKeyPair()
	require.NoError(t, err)

	res, err := r.Register(context.Background(), RegisterRequest{
		AgentID:   "alice",
		PublicKey: signing.EncodeBase64(pub),
	})
	require.NoError(t, err)
	assert.Empty(t, res.SecretKey, "the relay never holds a caller-owned private key")
}

func TestRegister_Validation(t *testing.T) {
	r, _ := newTestRegistry(config.RegistrationApprovalRequired)
	ctx := context.Background()

	for _, id := range []string{"", "Has Space", "UPPER", "-leading", "a/b"} {
		_, err := r.Register(ctx, RegisterRequest{AgentID: id})
		assert.ErrorIs(t, err, lifecycle.ErrValidation, "id %q", id)
	}

	// Domain-scoped ids and DID aliases are fine.
	_, err := r.Register(ctx, RegisterRequest{AgentID: "billing@acme.example"})
	assert.NoError(t, err)
	_, err = r.Register(ctx, RegisterRequest{AgentID: lifecycle.DIDPrefix + "alice"})
	assert.NoError(t, err)

	_, err = r.Register(ctx, RegisterRequest{AgentID: "bob", RegistrationMode: "stolen"})
	assert.ErrorIs(t, err, lifecycle.ErrValidation)
	_, err = r.Register(ctx, RegisterRequest{AgentID: "bob", PublicKey: "not-base64!"})
	assert.ErrorIs(t, err, lifecycle.ErrValidation)

	_, err = r.Register(ctx, RegisterRequest{AgentID: "alice"})
	assert.ErrorIs(t, err, lifecycle.ErrConflict, "duplicate registration")
}

func TestRegister_ImportedNeedsApproval(t *testing.T) {
	r, _ := newTestRegistry(config.RegistrationApprovalRequired)
	ctx := context.Background()

	res, err := r.Register(ctx, RegisterRequest{
		AgentID:          "remote@other.example",
		RegistrationMode: ModeImported,
	})
	require.NoError(t, err)
	assert.False(t, res.Approved, "imported agents land as shadow records")

	require.NoError(t, r.Approve(ctx, "remote@other.example"))
	a, err := r.Get(ctx, "remote@other.example")
	require.NoError(t, err)
	assert.True(t, a.Approved)

	// Approve is idempotent.
	assert.NoError(t, r.Approve(ctx, "remote@other.example"))
}

func TestRegister_ImportedOpenPolicy(t *testing.T) {
	r, _ := newTestRegistry(config.RegistrationOpen)

	res, err := r.Register(context.Background(), RegisterRequest{
		AgentID:          "remote@other.example",
		RegistrationMode: ModeImported,
	})
	require.NoError(t, err)
	assert.True(t, res.Approved, "open policy admits imports directly")
}

func TestRotateKey_GraceWindow(t *testing.T) {
	r, st := newTestRegistry(config.RegistrationApprovalRequired)
	ctx := context.Background()

	first, err := r.Register(ctx, RegisterRequest{AgentID: "alice"})
	require.NoError(t, err)

	res, err := r.RotateKey(ctx, "alice", "")
	require.NoError(t, err)
	assert.NotEqual(t, first.PublicKey, res.PublicKey)
	assert.WithinDuration(t, time.Now().UTC().Add(RotationGrace), res.GraceExpires, 2*time.Second)

	// Inside the grace window both generations verify.
	keys, err := st.ActiveAgentKeys(ctx, "alice", time.Now().UTC())
	require.NoError(t, err)
	assert.Len(t, keys, 2)

	// Past the deadline only the new key remains active.
	keys, err = st.ActiveAgentKeys(ctx, "alice", res.GraceExpires.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, res.PublicKey, keys[0].PublicKey)
}

func TestRotateKey_UnknownAgent(t *testing.T) {
	r, _ := newTestRegistry(config.RegistrationApprovalRequired)
	_, err := r.RotateKey(context.Background(), "ghost", "")
	assert.ErrorIs(t, err, lifecycle.ErrNotFound)
}

func TestWebhookLifecycle(t *testing.T) {
	r, _ := newTestRegistry(config.RegistrationApprovalRequired)
	ctx := context.Background()
	_, err := r.Register(ctx, RegisterRequest{AgentID: "alice"})
	require.NoError(t, err)

	_, err = r.GetWebhook(ctx, "alice")
	assert.ErrorIs(t, err, lifecycle.ErrNotFound, "nothing configured yet")

	for _, bad := range []string{"", "not-a-url", "ftp://example.com/x", "/relative"} {
		assert.ErrorIs(t, r.SetWebhook(ctx, "alice", bad, ""), lifecycle.ErrValidation, "url %q", bad)
	}

	require.NoError(t, r.SetWebhook(ctx, "alice", "https://example.com/hook", "s3cret"))
	cfg, err := r.GetWebhook(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/hook", cfg.URL)
	assert.True(t, cfg.HasSecret)

	require.NoError(t, r.DeleteWebhook(ctx, "alice"))
	_, err = r.GetWebhook(ctx, "alice")
	assert.ErrorIs(t, err, lifecycle.ErrNotFound)
}

func TestHeartbeatAndDeregister(t *testing.T) {
	r, _ := newTestRegistry(config.RegistrationApprovalRequired)
	ctx := context.Background()
	_, err := r.Register(ctx, RegisterRequest{AgentID: "alice"})
	require.NoError(t, err)

	require.NoError(t, r.Heartbeat(ctx, "alice"))
	a, err := r.Get(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, a.LastHeartbeat)
	assert.Equal(t, store.AgentOnline, a.Status)

	require.NoError(t, r.Deregister(ctx, "alice"))
	_, err = r.Get(ctx, "alice")
	assert.ErrorIs(t, err, lifecycle.ErrNotFound)
	assert.ErrorIs(t, r.Heartbeat(ctx, "alice"), lifecycle.ErrNotFound)
}
