// Package auth implements the relay's authentication plane: Ed25519 HTTP
// request signatures with replay-window enforcement and rotation-aware
// multi-key verification, plus the shared-secret API-key gate for endpoints
// that have no subject agent.
//
// There is no fallback between the two mechanisms: a request presenting an
// invalid Signature header is rejected outright, never re-admitted through a
// weaker path.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/admp-io/relay/internal/config"
	"github.com/admp-io/relay/internal/db"
	"github.com/admp-io/relay/internal/lifecycle"
	"github.com/admp-io/relay/internal/metrics"
	"github.com/admp-io/relay/internal/signing"
	"github.com/admp-io/relay/internal/store"
)

// APIKeyHeader carries the master API key on endpoints without a subject
// agent.
const APIKeyHeader = "X-Api-Key"

// Authenticator verifies request signatures against the store's key sets.
type Authenticator struct {
	store  store.Store
	cfg    *config.Config
	logger *zap.Logger
}

// NewAuthenticator creates an Authenticator.
func NewAuthenticator(st store.Store, cfg *config.Config, logger *zap.Logger) *Authenticator {
	return &Authenticator{store: st, cfg: cfg, logger: logger.Named("auth")}
}

// VerifySigned authenticates a signed request whose subject agent is
// subjectID (empty for endpoints without a subject, where the signer only
// proves it is some registered agent). On success it returns the signing
// agent. Every failure is one of the package's Failure sentinels.
func (a *Authenticator) VerifySigned(ctx context.Context, r *http.Request, subjectID string) (*db.Agent, error) {
	raw := r.Header.Get("Signature")
	if raw == "" {
		return nil, a.fail(ErrMissingSignature)
	}

	hdr, err := ParseSignatureHeader(raw)
	if err != nil {
		var f *Failure
		if errors.As(err, &f) {
			return nil, a.fail(f)
		}
		return nil, a.fail(ErrMalformedSignature)
	}

	if hdr.Algorithm != "" && hdr.Algorithm != "ed25519" {
		return nil, a.fail(ErrAlgorithmNotAllowed.WithDetail("algorithm %q", hdr.Algorithm))
	}
	if !hdr.HasHeader(signing.RequestTarget) || !hdr.HasHeader("date") {
		return nil, a.fail(ErrMissingSignedHeader.WithDetail("signed set must include (request-target) and date"))
	}

	date, err := http.ParseTime(r.Header.Get("Date"))
	if err != nil {
		return nil, a.fail(ErrStaleDate.WithDetail("missing or unparseable Date header"))
	}
	now := time.Now().UTC()
	if !signing.CheckFreshness(date, now) {
		return nil, a.fail(ErrStaleDate.WithDetail("date %s outside freshness window", date.Format(time.RFC1123)))
	}

	signerID := lifecycle.NormalizeAgentID(hdr.KeyID)
	agent, err := a.store.GetAgent(ctx, signerID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, a.fail(ErrAgentNotFound.WithDetail("keyId %q", hdr.KeyID))
	}
	if err != nil {
		return nil, err
	}

	// Subject binding: the signer must be the agent the URL operates on.
	if subjectID != "" && signerID != lifecycle.NormalizeAgentID(subjectID) {
		return nil, a.fail(ErrSubjectMismatch.WithDetail("signer %s, subject %s", signerID, subjectID))
	}

	sig, err := signing.DecodeBase64(hdr.Signature)
	if err != nil {
		return nil, a.fail(ErrSignatureInvalid.WithDetail("signature is not valid base64"))
	}

	canonical := signing.HTTPSigningString(r.Method, r.URL.RequestURI(), hdr.Headers, func(name string) string {
		if name == "host" {
			return r.Host
		}
		return r.Header.Get(name)
	})

	keys, err := a.store.ActiveAgentKeys(ctx, agent.AgentID, now)
	if err != nil {
		return nil, err
	}
	payload := []byte(canonical)
	for _, k := range keys {
		pub, perr := signing.ParsePublicKey(k.PublicKey)
		if perr != nil {
			continue
		}
		if signing.Verify(pub, payload, sig) {
			return agent, nil
		}
	}
	return nil, a.fail(ErrSignatureInvalid.WithDetail("no active key of %s verifies", agent.AgentID))
}

// CheckAPIKey gates endpoints without a subject agent. Disabled gating
// admits everything unless REQUIRE_HTTP_SIGNATURES also demands a Signature
// header, which is checked by the middleware.
func (a *Authenticator) CheckAPIKey(r *http.Request) error {
	if !a.cfg.APIKeyRequired {
		return nil
	}

	presented := r.Header.Get(APIKeyHeader)
	if presented == "" {
		// Accept "Authorization: Bearer <key>" as an alias.
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			presented = strings.TrimPrefix(auth, "Bearer ")
		}
	}
	if presented == "" {
		return a.fail(ErrAPIKeyRequired)
	}
	if subtle.ConstantTimeCompare([]byte(presented), []byte(a.cfg.MasterAPIKey)) != 1 {
		return a.fail(ErrAPIKeyInvalid)
	}
	return nil
}

// RequireSignatures reports whether the relay rejects unsigned requests even
// on API-key endpoints.
func (a *Authenticator) RequireSignatures() bool {
	return a.cfg.RequireHTTPSignatures
}

func (a *Authenticator) fail(f *Failure) *Failure {
	metrics.AuthFailures.WithLabelValues(f.Code).Inc()
	a.logger.Debug("request rejected", zap.String("code", f.Code), zap.String("detail", f.Error()))
	return f
}
