// Package agent implements the agent registry: registration with the
// open/approval-required admission policy, key rotation with a bounded grace
// window, heartbeats, webhook configuration and deregistration.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/admp-io/relay/internal/config"
	"github.com/admp-io/relay/internal/db"
	"github.com/admp-io/relay/internal/lifecycle"
	"github.com/admp-io/relay/internal/metrics"
	"github.com/admp-io/relay/internal/signing"
	"github.com/admp-io/relay/internal/store"
)

// RotationGrace is how long a superseded key keeps verifying after a
// rotation, so in-flight and clock-skewed requests signed with the old key
// do not fail mid-swap.
const RotationGrace = time.Hour

// Registration modes.
const (
	ModeSelf     = "self"
	ModeImported = "imported"
)

// agentIDPattern restricts protocol ids to a DNS-ish shape: local or
// local@domain, lowercase alphanumerics plus ._-.
var agentIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*(@[a-z0-9][a-z0-9.-]*)?$`)

// Registry owns agent records and their key sets.
type Registry struct {
	store  store.Store
	cfg    *config.Config
	logger *zap.Logger
}

// NewRegistry creates a Registry.
func NewRegistry(st store.Store, cfg *config.Config, logger *zap.Logger) *Registry {
	return &Registry{store: st, cfg: cfg, logger: logger.Named("agent")}
}

// RegisterRequest describes a registration. PublicKey is optional: when
// absent the relay generates a key pair and returns the private half once.
type RegisterRequest struct {
	AgentID          string            `json:"agent_id"`
	Kind             string            `json:"kind,omitempty"`
	PublicKey        string            `json:"public_key,omitempty"`
	RegistrationMode string            `json:"registration_mode,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// RegisterResult is returned to the caller. SecretKey is set only when the
// relay generated the pair; it is never stored.
type RegisterResult struct {
	AgentID          string `json:"agent_id"`
	PublicKey        string `json:"public_key"`
	SecretKey        string `json:"secret_key,omitempty"`
	RegistrationMode string `json:"registration_mode"`
	Approved         bool   `json:"approved"`
}

// Register creates an agent with its initial key. Imported (federated DID)
// registrations under REGISTRATION_POLICY=approval_required land as shadow
// records that are not addressable until an operator approves them.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (*RegisterResult, error) {
	id := lifecycle.NormalizeAgentID(req.AgentID)
	if !agentIDPattern.MatchString(id) {
		return nil, fmt.Errorf("%w: invalid agent id %q", lifecycle.ErrValidation, req.AgentID)
	}

	mode := req.RegistrationMode
	if mode == "" {
		mode = ModeSelf
	}
	if mode != ModeSelf && mode != ModeImported {
		return nil, fmt.Errorf("%w: unknown registration mode %q", lifecycle.ErrValidation, mode)
	}

	pubB64 := req.PublicKey
	secretB64 := ""
	if pubB64 == "" {
		pub, priv, err := signing.GenerateKeyPair()
		if err != nil {
			return nil, fmt.Errorf("agent: register: %w", err)
		}
		pubB64 = signing.EncodeBase64(pub)
		secretB64 = signing.EncodeBase64(priv)
	} else if _, err := signing.ParsePublicKey(pubB64); err != nil {
		return nil, fmt.Errorf("%w: %v", lifecycle.ErrValidation, err)
	}

	approved := true
	if mode == ModeImported && r.cfg.RegistrationPolicy == config.RegistrationApprovalRequired {
		approved = false
	}

	a := &db.Agent{
		AgentID:          id,
		Kind:             req.Kind,
		RegistrationMode: mode,
		Approved:         approved,
		Status:           store.AgentOnline,
		TrustedSenders:   "[]",
		AllowedSubjects:  "[]",
		Metadata:         encodeMetadata(req.Metadata),
	}
	keys := []db.AgentKey{{AgentID: id, PublicKey: pubB64, Active: true}}

	err := r.store.CreateAgent(ctx, a, keys)
	if errors.Is(err, store.ErrConflict) {
		return nil, fmt.Errorf("%w: agent %s already registered", lifecycle.ErrConflict, id)
	}
	if err != nil {
		return nil, fmt.Errorf("agent: register: %w", err)
	}

	metrics.AgentsOnline.Inc()
	r.logger.Info("agent registered",
		zap.String("agent_id", id),
		zap.String("mode", mode),
		zap.Bool("approved", approved))

	return &RegisterResult{
		AgentID:          id,
		PublicKey:        pubB64,
		SecretKey:        secretB64,
		RegistrationMode: mode,
		Approved:         approved,
	}, nil
}

// Get looks up an agent by id or DID alias.
func (r *Registry) Get(ctx context.Context, agentID string) (*db.Agent, error) {
	a, err := r.store.GetAgent(ctx, lifecycle.NormalizeAgentID(agentID))
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: agent %s", lifecycle.ErrNotFound, agentID)
	}
	if err != nil {
		return nil, fmt.Errorf("agent: get: %w", err)
	}
	return a, nil
}

// Approve flips a shadow record addressable. Idempotent.
func (r *Registry) Approve(ctx context.Context, agentID string) error {
	a, err := r.Get(ctx, agentID)
	if err != nil {
		return err
	}
	if a.Approved {
		return nil
	}
	a.Approved = true
	if err := r.store.UpdateAgent(ctx, a); err != nil {
		return fmt.Errorf("agent: approve: %w", err)
	}
	r.logger.Info("agent approved", zap.String("agent_id", a.AgentID))
	return nil
}

// Deregister removes the agent, its keys and pending webhook attempts.
// Messages already in other inboxes are untouched.
func (r *Registry) Deregister(ctx context.Context, agentID string) error {
	a, err := r.Get(ctx, agentID)
	if err != nil {
		return err
	}
	if err := r.store.DeleteAgent(ctx, a.AgentID); err != nil {
		return fmt.Errorf("agent: deregister: %w", err)
	}
	if a.Status == store.AgentOnline {
		metrics.AgentsOnline.Dec()
	}
	r.logger.Info("agent deregistered", zap.String("agent_id", a.AgentID))
	return nil
}

// Heartbeat refreshes last_heartbeat and flips the agent online.
func (r *Registry) Heartbeat(ctx context.Context, agentID string) error {
	a, err := r.Get(ctx, agentID)
	if err != nil {
		return err
	}
	if err := r.store.TouchHeartbeat(ctx, a.AgentID, time.Now().UTC()); err != nil {
		return fmt.Errorf("agent: heartbeat: %w", err)
	}
	if a.Status == store.AgentOffline {
		metrics.AgentsOnline.Inc()
	}
	return nil
}

// RotateKeyResult reports a rotation. SecretKey is set only when the relay
// generated the new pair.
type RotateKeyResult struct {
	PublicKey    string    `json:"public_key"`
	SecretKey    string    `json:"secret_key,omitempty"`
	GraceExpires time.Time `json:"grace_expires"`
}

// RotateKey appends a new active key and stamps every previous key with a
// deactivation deadline. Until the grace window closes, both old and new
// keys verify, so the swap never races in-flight requests.
func (r *Registry) RotateKey(ctx context.Context, agentID, newPublicKey string) (*RotateKeyResult, error) {
	id := lifecycle.NormalizeAgentID(agentID)
	if _, err := r.Get(ctx, id); err != nil {
		return nil, err
	}

	pubB64 := newPublicKey
	secretB64 := ""
	if pubB64 == "" {
		pub, priv, err := signing.GenerateKeyPair()
		if err != nil {
			return nil, fmt.Errorf("agent: rotate key: %w", err)
		}
		pubB64 = signing.EncodeBase64(pub)
		secretB64 = signing.EncodeBase64(priv)
	} else if _, err := signing.ParsePublicKey(pubB64); err != nil {
		return nil, fmt.Errorf("%w: %v", lifecycle.ErrValidation, err)
	}

	key := &db.AgentKey{AgentID: id, PublicKey: pubB64, Active: true}
	if err := r.store.AddAgentKey(ctx, key); err != nil {
		return nil, fmt.Errorf("agent: rotate key: %w", err)
	}

	graceExpires := time.Now().UTC().Add(RotationGrace)
	if err := r.store.ScheduleKeyDeactivation(ctx, id, key.ID, graceExpires); err != nil {
		return nil, fmt.Errorf("agent: rotate key: %w", err)
	}

	r.logger.Info("key rotated",
		zap.String("agent_id", id),
		zap.Time("grace_expires", graceExpires))
	return &RotateKeyResult{PublicKey: pubB64, SecretKey: secretB64, GraceExpires: graceExpires}, nil
}

// WebhookConfig is the agent-facing view of its webhook registration. The
// secret is write-only: reads report only whether one is set.
type WebhookConfig struct {
	URL       string `json:"url"`
	HasSecret bool   `json:"has_secret"`
}

// SetWebhook registers or replaces the agent's webhook endpoint.
func (r *Registry) SetWebhook(ctx context.Context, agentID, rawURL, secret string) error {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: webhook url must be absolute http(s)", lifecycle.ErrValidation)
	}

	a, err := r.Get(ctx, agentID)
	if err != nil {
		return err
	}
	a.WebhookURL = rawURL
	a.WebhookSecret = db.EncryptedString(secret)
	if err := r.store.UpdateAgent(ctx, a); err != nil {
		return fmt.Errorf("agent: set webhook: %w", err)
	}
	return nil
}

// GetWebhook returns the current webhook config; ErrNotFound when none set.
func (r *Registry) GetWebhook(ctx context.Context, agentID string) (*WebhookConfig, error) {
	a, err := r.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if a.WebhookURL == "" {
		return nil, fmt.Errorf("%w: agent %s has no webhook", lifecycle.ErrNotFound, agentID)
	}
	return &WebhookConfig{URL: a.WebhookURL, HasSecret: a.WebhookSecret != ""}, nil
}

// DeleteWebhook removes the webhook registration.
func (r *Registry) DeleteWebhook(ctx context.Context, agentID string) error {
	a, err := r.Get(ctx, agentID)
	if err != nil {
		return err
	}
	a.WebhookURL = ""
	a.WebhookSecret = ""
	if err := r.store.UpdateAgent(ctx, a); err != nil {
		return fmt.Errorf("agent: delete webhook: %w", err)
	}
	return nil
}

func encodeMetadata(m map[string]string) string {
	if len(m) == 0 {
		return "{}"
	}
	// Marshal of map[string]string cannot fail; the error path collapses
	// to the empty object.
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}
