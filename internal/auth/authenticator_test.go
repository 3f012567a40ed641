package auth

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/admp-io/relay/internal/config"
	"github.com/admp-io/relay/internal/db"
	"github.com/admp-io/relay/internal/signing"
	"github.com/admp-io/relay/internal/store"
)

func newTestAuthenticator(t *testing.T, cfg *config.Config) (*Authenticator, *store.Memory) {
	t.Helper()
	if cfg == nil {
		cfg = &config.Config{}
	}
	st := store.NewMemory()
	return NewAuthenticator(st, cfg, zap.NewNop()), st
}

func registerSigner(t *testing.T, st *store.Memory, id string) ed25519.PrivateKey {
	t.Helper()
	pub, priv, err := signing.GenerateKeyPair()
	require.NoError(t, err)
	err = st.CreateAgent(context.Background(), &db.Agent{
		AgentID: id, Approved: true, Status: store.AgentOnline,
		TrustedSenders: "[]", AllowedSubjects: "[]",
	}, []db.AgentKey{{AgentID: id, PublicKey: signing.EncodeBase64(pub), Active: true}})
	require.NoError(t, err)
	return priv
}

// signRequest attaches Date and Signature headers covering
// (request-target), host and date.
func signRequest(r *http.Request, keyID string, priv ed25519.PrivateKey) {
	r.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))

	canonical := signing.HTTPSigningString(r.Method, r.URL.RequestURI(),
		[]string{signing.RequestTarget, "host", "date"},
		func(name string) string {
			if name == "host" {
				return r.Host
			}
			return r.Header.Get(name)
		})
	sig := signing.Sign(priv, []byte(canonical))

	r.Header.Set("Signature", fmt.Sprintf(
		`keyId=%q,algorithm="ed25519",headers="(request-target) host date",signature=%q`,
		keyID, signing.EncodeBase64(sig)))
}

func TestVerifySigned_HappyPath(t *testing.T) {
	a, st := newTestAuthenticator(t, nil)
	priv := registerSigner(t, st, "alice")

	r := httptest.NewRequest(http.MethodPost, "http://relay.local/v1/agents/alice/inbox/pull", nil)
	signRequest(r, "alice", priv)

	agent, err := a.VerifySigned(context.Background(), r, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", agent.AgentID)
}

func TestVerifySigned_DIDAliasKeyID(t *testing.T) {
	a, st := newTestAuthenticator(t, nil)
	priv := registerSigner(t, st, "alice")

	r := httptest.NewRequest(http.MethodPost, "http://relay.local/v1/agents/alice/heartbeat", nil)
	signRequest(r, "did:admp:alice", priv)

	agent, err := a.VerifySigned(context.Background(), r, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", agent.AgentID)
}

func TestVerifySigned_MissingSignature(t *testing.T) {
	a, _ := newTestAuthenticator(t, nil)
	r := httptest.NewRequest(http.MethodGet, "http://relay.local/v1/groups", nil)

	_, err := a.VerifySigned(context.Background(), r, "")
	assert.ErrorIs(t, err, ErrMissingSignature)
}

func TestVerifySigned_MalformedHeader(t *testing.T) {
	a, _ := newTestAuthenticator(t, nil)
	r := httptest.NewRequest(http.MethodGet, "http://relay.local/v1/groups", nil)
	r.Header.Set("Signature", "garbage without parameters")

	_, err := a.VerifySigned(context.Background(), r, "")
	assert.ErrorIs(t, err, ErrMalformedSignature)
}

func TestVerifySigned_AlgorithmNotAllowed(t *testing.T) {
	a, st := newTestAuthenticator(t, nil)
	priv := registerSigner(t, st, "alice")

	r := httptest.NewRequest(http.MethodGet, "http://relay.local/v1/groups", nil)
	signRequest(r, "alice", priv)
	r.Header.Set("Signature",
		`keyId="alice",algorithm="rsa-sha256",headers="(request-target) date",signature="eA=="`)

	_, err := a.VerifySigned(context.Background(), r, "")
	assert.ErrorIs(t, err, ErrAlgorithmNotAllowed)
}

func TestVerifySigned_MissingRequiredSignedHeader(t *testing.T) {
	a, st := newTestAuthenticator(t, nil)
	_ = registerSigner(t, st, "alice")

	r := httptest.NewRequest(http.MethodGet, "http://relay.local/v1/groups", nil)
	r.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	// Date missing from the signed set.
	r.Header.Set("Signature",
		`keyId="alice",algorithm="ed25519",headers="(request-target) host",signature="eA=="`)

	_, err := a.VerifySigned(context.Background(), r, "")
	assert.ErrorIs(t, err, ErrMissingSignedHeader)
}

func TestVerifySigned_StaleDate(t *testing.T) {
	a, st := newTestAuthenticator(t, nil)
	priv := registerSigner(t, st, "alice")

	r := httptest.NewRequest(http.MethodGet, "http://relay.local/v1/groups", nil)
	signRequest(r, "alice", priv)
	r.Header.Set("Date", time.Now().UTC().Add(-6*time.Minute).Format(http.TimeFormat))

	_, err := a.VerifySigned(context.Background(), r, "")
	assert.ErrorIs(t, err, ErrStaleDate)
}

func TestVerifySigned_MissingDateHeader(t *testing.T) {
	a, st := newTestAuthenticator(t, nil)
	priv := registerSigner(t, st, "alice")

	r := httptest.NewRequest(http.MethodGet, "http://relay.local/v1/groups", nil)
	signRequest(r, "alice", priv)
	r.Header.Del("Date")

	_, err := a.VerifySigned(context.Background(), r, "")
	assert.ErrorIs(t, err, ErrStaleDate)
}

func TestVerifySigned_UnknownSigner(t *testing.T) {
	a, _ := newTestAuthenticator(t, nil)
	_, priv, err := signing.GenerateKeyPair()
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "http://relay.local/v1/groups", nil)
	signRequest(r, "ghost", priv)

	_, err = a.VerifySigned(context.Background(), r, "")
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestVerifySigned_SubjectMismatch(t *testing.T) {
	a, st := newTestAuthenticator(t, nil)
	priv := registerSigner(t, st, "alice")

	r := httptest.NewRequest(http.MethodPost, "http://relay.local/v1/agents/bob/inbox/pull", nil)
	signRequest(r, "alice", priv)

	_, err := a.VerifySigned(context.Background(), r, "bob")
	assert.ErrorIs(t, err, ErrSubjectMismatch)
}

func TestVerifySigned_TamperedRequest(t *testing.T) {
	a, st := newTestAuthenticator(t, nil)
	priv := registerSigner(t, st, "alice")

	// Sign one path, present another: the canonical strings differ.
	r := httptest.NewRequest(http.MethodPost, "http://relay.local/v1/agents/alice/inbox/pull", nil)
	signRequest(r, "alice", priv)
	tampered := httptest.NewRequest(http.MethodPost, "http://relay.local/v1/agents/alice/inbox/stats", nil)
	tampered.Header = r.Header
	tampered.Host = r.Host

	_, err := a.VerifySigned(context.Background(), tampered, "alice")
	assert.ErrorIs(t, err, ErrSignatureInvalid)
}

func TestVerifySigned_WrongKey(t *testing.T) {
	a, st := newTestAuthenticator(t, nil)
	_ = registerSigner(t, st, "alice")
	_, otherPriv, err := signing.GenerateKeyPair()
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodPost, "http://relay.local/v1/agents/alice/inbox/pull", nil)
	signRequest(r, "alice", otherPriv)

	_, err = a.VerifySigned(context.Background(), r, "alice")
	assert.ErrorIs(t, err, ErrSignatureInvalid)
}

func TestVerifySigned_RotatedKeyInGraceWindow(t *testing.T) {
	a, st := newTestAuthenticator(t, nil)
	ctx := context.Background()
	oldPriv := registerSigner(t, st, "alice")

	// Rotate: the old key is stamped with a one-hour deactivation deadline.
	pub, _, err := signing.GenerateKeyPair()
	require.NoError(t, err)
	newKey := &db.AgentKey{AgentID: "alice", PublicKey: signing.EncodeBase64(pub), Active: true}
	require.NoError(t, st.AddAgentKey(ctx, newKey))
	require.NoError(t, st.ScheduleKeyDeactivation(ctx, "alice", newKey.ID, time.Now().UTC().Add(time.Hour)))

	// A request signed with the superseded key still verifies.
	r := httptest.NewRequest(http.MethodPost, "http://relay.local/v1/agents/alice/heartbeat", nil)
	signRequest(r, "alice", oldPriv)

	_, err = a.VerifySigned(ctx, r, "alice")
	assert.NoError(t, err)
}

func TestVerifySigned_RotatedKeyAfterGraceWindow(t *testing.T) {
	a, st := newTestAuthenticator(t, nil)
	ctx := context.Background()
	oldPriv := registerSigner(t, st, "alice")

	pub, _, err := signing.GenerateKeyPair()
	require.NoError(t, err)
	newKey := &db.AgentKey{AgentID: "alice", PublicKey: signing.EncodeBase64(pub), Active: true}
	require.NoError(t, st.AddAgentKey(ctx, newKey))
	// Grace window already closed.
	require.NoError(t, st.ScheduleKeyDeactivation(ctx, "alice", newKey.ID, time.Now().UTC().Add(-time.Second)))

	r := httptest.NewRequest(http.MethodPost, "http://relay.local/v1/agents/alice/heartbeat", nil)
	signRequest(r, "alice", oldPriv)

	_, err = a.VerifySigned(ctx, r, "alice")
	assert.ErrorIs(t, err, ErrSignatureInvalid)
}

func TestCheckAPIKey(t *testing.T) {
	cfg := &config.Config{APIKeyRequired: true, MasterAPIKey: "master-key"}
	a, _ := newTestAuthenticator(t, cfg)

	r := httptest.NewRequest(http.MethodPost, "http://relay.local/v1/agents/register", nil)
	assert.ErrorIs(t, a.CheckAPIKey(r), ErrAPIKeyRequired)

	r.Header.Set(APIKeyHeader, "wrong")
	assert.ErrorIs(t, a.CheckAPIKey(r), ErrAPIKeyInvalid)

	r.Header.Set(APIKeyHeader, "master-key")
	assert.NoError(t, a.CheckAPIKey(r))
}

func TestCheckAPIKey_BearerAlias(t *testing.T) {
	cfg := &config.Config{APIKeyRequired: true, MasterAPIKey: "master-key"}
	a, _ := newTestAuthenticator(t, cfg)

	r := httptest.NewRequest(http.MethodPost, "http://relay.local/v1/agents/register", nil)
	r.Header.Set("Authorization", "Bearer master-key")
	assert.NoError(t, a.CheckAPIKey(r))
}

func TestCheckAPIKey_DisabledGateAdmitsAll(t *testing.T) {
	a, _ := newTestAuthenticator(t, &config.Config{APIKeyRequired: false})
	r := httptest.NewRequest(http.MethodPost, "http://relay.local/v1/agents/register", nil)
	assert.NoError(t, a.CheckAPIKey(r))
}

func TestParseSignatureHeader(t *testing.T) {
	h, err := ParseSignatureHeader(
		`keyId="alice",algorithm="ed25519",headers="(request-target) Host Date",signature="c2ln"`)
	require.NoError(t, err)
	assert.Equal(t, "alice", h.KeyID)
	assert.Equal(t, "ed25519", h.Algorithm)
	assert.Equal(t, []string{"(request-target)", "host", "date"}, h.Headers, "header names are lowercased")
	assert.Equal(t, "c2ln", h.Signature)
	assert.True(t, h.HasHeader("date"))
	assert.False(t, h.HasHeader("content-type"))
}

func TestParseSignatureHeader_QuotedCommas(t *testing.T) {
	h, err := ParseSignatureHeader(`keyId="a,b",signature="c2ln"`)
	require.NoError(t, err)
	assert.Equal(t, "a,b", h.KeyID, "commas inside quoted values do not split parameters")
}

func TestParseSignatureHeader_Errors(t *testing.T) {
	cases := []string{
		"",
		`signature="c2ln"`,              // keyId missing
		`keyId="alice"`,                 // signature missing
		`keyId=alice,signature="c2ln"`,  // unquoted value
		`keyId="alice" signature="sig"`, // not key=value pairs
	}
	for _, raw := range cases {
		_, err := ParseSignatureHeader(raw)
		assert.ErrorIs(t, err, ErrMalformedSignature, "raw=%q", raw)
	}
}
