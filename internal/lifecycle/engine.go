// Package lifecycle implements the message lifecycle engine: send, pull,
// ack, nack, reply, status and stats. It owns every status transition and
// the invariants around lease ownership, idempotency and attempt counters;
// the API layer translates HTTP to these operations and nothing else mutates
// message state.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/admp-io/relay/internal/config"
	"github.com/admp-io/relay/internal/db"
	"github.com/admp-io/relay/internal/metrics"
	"github.com/admp-io/relay/internal/signing"
	"github.com/admp-io/relay/internal/store"
)

const (
	// DefaultVisibilityTimeout applies when a pull does not name one.
	DefaultVisibilityTimeout = 30 * time.Second

	// Visibility timeouts outside this range are clamped, not rejected.
	MinVisibilityTimeout = time.Second
	MaxVisibilityTimeout = time.Hour
)

// OutboundTransport is a side-effect channel notified after a message lands
// in an inbox: the webhook dispatcher and the WebSocket hub. Notifications
// are advisory and must not block or fail the send.
type OutboundTransport interface {
	Notify(ctx context.Context, recipient *db.Agent, msg *db.Message)
}

// Engine is the lifecycle engine. All methods are safe for concurrent use;
// the store's atomic operations carry every cross-request invariant.
type Engine struct {
	store      store.Store
	cfg        *config.Config
	logger     *zap.Logger
	transports []OutboundTransport
}

// NewEngine creates an Engine over the given store. transports receive a
// notification for every accepted send.
func NewEngine(st store.Store, cfg *config.Config, logger *zap.Logger, transports ...OutboundTransport) *Engine {
	return &Engine{
		store:      st,
		cfg:        cfg,
		logger:     logger.Named("lifecycle"),
		transports: transports,
	}
}

// SendRequest is one send operation. GroupID marks a group fan-out delivery:
// the group engine has already authorized the post against the membership,
// so the recipient's sender policy is not re-applied.
type SendRequest struct {
	Envelope       *Envelope
	IdempotencyKey string
	GroupID        string
}

// SendResult reports the outcome of a send.
type SendResult struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`

	// Deduplicated is true when the idempotency key matched a prior send
	// and the returned id belongs to the existing record.
	Deduplicated bool `json:"deduplicated,omitempty"`
}

// Send validates the envelope, enforces the recipient's policy and caps, and
// atomically inserts the message at status delivered. An idempotency-key
// collision returns the prior message id with no side effects.
func (e *Engine) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	env := req.Envelope
	now := time.Now().UTC()

	if err := env.Validate(now, e.cfg.MaxMessageSize); err != nil {
		return nil, err
	}

	recipient, err := e.resolveRecipient(ctx, env.To)
	if err != nil {
		return nil, err
	}

	if req.GroupID == "" {
		if err := checkPolicy(recipient, env); err != nil {
			return nil, err
		}
	}
	if err := e.verifyEnvelopeSignature(ctx, env, now); err != nil {
		return nil, err
	}

	backlog, err := e.store.CountInboxBacklog(ctx, recipient.AgentID)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: send: %w", err)
	}
	if e.cfg.MaxMessagesPerAgent > 0 && backlog >= int64(e.cfg.MaxMessagesPerAgent) {
		metrics.MessagesRejected.WithLabelValues("inbox_full").Inc()
		return nil, fmt.Errorf("%w: inbox of %s has %d pending messages", ErrInboxFull, recipient.AgentID, backlog)
	}

	msg := e.buildRecord(env, recipient.AgentID, req, now)
	existing, err := e.store.EnqueueMessage(ctx, msg)
	if errors.Is(err, store.ErrConflict) {
		return nil, fmt.Errorf("%w: message id %s already exists", ErrConflict, env.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("lifecycle: send: %w", err)
	}
	if existing != nil {
		return &SendResult{MessageID: existing.MessageID, Status: existing.Status, Deduplicated: true}, nil
	}

	kind := "direct"
	if req.GroupID != "" {
		kind = "group"
	}
	metrics.MessagesAccepted.WithLabelValues(kind).Inc()
	e.logger.Debug("message accepted",
		zap.String("message_id", msg.MessageID),
		zap.String("from", msg.From),
		zap.String("to", msg.Recipient))

	for _, t := range e.transports {
		t.Notify(ctx, recipient, msg)
	}
	return &SendResult{MessageID: msg.MessageID, Status: msg.Status}, nil
}

// Pull leases the oldest pullable message in the agent's inbox for the given
// visibility timeout. Returns (nil, nil) on an empty inbox.
func (e *Engine) Pull(ctx context.Context, agentID string, visibilityTimeout time.Duration) (*db.Message, error) {
	agentID = NormalizeAgentID(agentID)
	visibilityTimeout = ClampVisibilityTimeout(visibilityTimeout)

	now := time.Now().UTC()
	msg, err := e.store.PullLease(ctx, agentID, now.Add(visibilityTimeout), now)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: pull: %w", err)
	}
	if msg != nil {
		metrics.LeasesGranted.Inc()
	}
	return msg, nil
}

// Ack positively finalizes a lease. Ephemeral bodies are purged; metadata
// survives.
func (e *Engine) Ack(ctx context.Context, agentID, messageID, result string) error {
	agentID = NormalizeAgentID(agentID)

	msg, err := e.store.GetMessage(ctx, messageID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: message %s", ErrNotFound, messageID)
	}
	if err != nil {
		return fmt.Errorf("lifecycle: ack: %w", err)
	}

	err = e.store.AckMessage(ctx, messageID, agentID, time.Now().UTC(), result, msg.Ephemeral)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%w: message %s", ErrNotFound, messageID)
	case errors.Is(err, store.ErrConflict):
		return fmt.Errorf("%w: message %s is not leased by %s", ErrConflict, messageID, agentID)
	case err != nil:
		return fmt.Errorf("lifecycle: ack: %w", err)
	}
	metrics.MessagesFinalized.WithLabelValues(store.StatusAcked).Inc()
	return nil
}

// Nack negatively finalizes a lease. With deadLetter the message moves to
// dead immediately; otherwise it requeues with visible_at = now + delay and
// the failed attempt counted, dead-lettering at the attempt ceiling. Returns
// the resulting status.
func (e *Engine) Nack(ctx context.Context, agentID, messageID string, delay time.Duration, deadLetter bool) (string, error) {
	agentID = NormalizeAgentID(agentID)
	if delay < 0 {
		return "", fmt.Errorf("%w: delay must not be negative", ErrValidation)
	}

	status, err := e.store.NackMessage(ctx, messageID, agentID, time.Now().UTC().Add(delay), deadLetter, e.cfg.MaxLeaseAttempts)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return "", fmt.Errorf("%w: message %s", ErrNotFound, messageID)
	case errors.Is(err, store.ErrConflict):
		return "", fmt.Errorf("%w: message %s is not leased by %s", ErrConflict, messageID, agentID)
	case err != nil:
		return "", fmt.Errorf("lifecycle: nack: %w", err)
	}
	if status == store.StatusDead {
		metrics.MessagesFinalized.WithLabelValues(store.StatusDead).Inc()
	}
	return status, nil
}

// Reply sends env back to the author of the original message, copying the
// correlation id (or seeding it with the original message id). The caller
// must be the recipient of the original.
func (e *Engine) Reply(ctx context.Context, agentID, originalID string, env *Envelope) (*SendResult, error) {
	agentID = NormalizeAgentID(agentID)

	original, err := e.store.GetMessage(ctx, originalID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: message %s", ErrNotFound, originalID)
	}
	if err != nil {
		return nil, fmt.Errorf("lifecycle: reply: %w", err)
	}
	if original.Recipient != agentID {
		return nil, fmt.Errorf("%w: %s is not the recipient of %s", ErrForbidden, agentID, originalID)
	}

	env.From = agentID
	env.To = original.From
	env.CorrelationID = original.CorrelationID
	if env.CorrelationID == "" {
		env.CorrelationID = original.MessageID
	}
	return e.Send(ctx, SendRequest{Envelope: env})
}

// Status returns the stored record for a message. Purged ephemeral bodies
// yield ErrGone.
func (e *Engine) Status(ctx context.Context, messageID string) (*db.Message, error) {
	msg, err := e.store.GetMessage(ctx, messageID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: message %s", ErrNotFound, messageID)
	}
	if err != nil {
		return nil, fmt.Errorf("lifecycle: status: %w", err)
	}
	if msg.BodyPurged {
		return nil, fmt.Errorf("%w: body of %s was purged", ErrGone, messageID)
	}
	return msg, nil
}

// Stats aggregates an agent's inbox by status.
func (e *Engine) Stats(ctx context.Context, agentID string) (*store.InboxStats, error) {
	stats, err := e.store.Stats(ctx, NormalizeAgentID(agentID))
	if err != nil {
		return nil, fmt.Errorf("lifecycle: stats: %w", err)
	}
	return stats, nil
}

// ClampVisibilityTimeout normalizes a requested visibility timeout: zero
// means the default; out-of-range values clamp to the accepted bounds.
func ClampVisibilityTimeout(d time.Duration) time.Duration {
	switch {
	case d == 0:
		return DefaultVisibilityTimeout
	case d < MinVisibilityTimeout:
		return MinVisibilityTimeout
	case d > MaxVisibilityTimeout:
		return MaxVisibilityTimeout
	default:
		return d
	}
}

func (e *Engine) resolveRecipient(ctx context.Context, to string) (*db.Agent, error) {
	agent, err := e.store.GetAgent(ctx, NormalizeAgentID(to))
	if errors.Is(err, store.ErrNotFound) {
		metrics.MessagesRejected.WithLabelValues("recipient_not_found").Inc()
		return nil, fmt.Errorf("%w: %s", ErrRecipientNotFound, to)
	}
	if err != nil {
		return nil, fmt.Errorf("lifecycle: resolve recipient: %w", err)
	}
	if !agent.Approved {
		// Shadow records awaiting operator approval are not addressable.
		metrics.MessagesRejected.WithLabelValues("recipient_not_found").Inc()
		return nil, fmt.Errorf("%w: %s", ErrRecipientNotFound, to)
	}
	return agent, nil
}

// verifyEnvelopeSignature checks a presented envelope signature against the
// claimed sender's active keys. Senders not locally registered cannot be
// verified and are accepted as-is; the HTTP-level authentication still
// applies.
func (e *Engine) verifyEnvelopeSignature(ctx context.Context, env *Envelope, now time.Time) error {
	if env.Signature == nil {
		return nil
	}

	sender, err := e.store.GetAgent(ctx, NormalizeAgentID(env.From))
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("lifecycle: verify envelope signature: %w", err)
	}

	sig, err := signing.DecodeBase64(env.Signature.Sig)
	if err != nil {
		metrics.MessagesRejected.WithLabelValues("signature_invalid").Inc()
		return fmt.Errorf("%w: signature is not valid base64", ErrSignatureInvalid)
	}

	keys, err := e.store.ActiveAgentKeys(ctx, sender.AgentID, now)
	if err != nil {
		return fmt.Errorf("lifecycle: verify envelope signature: %w", err)
	}

	payload := []byte(env.SigningString())
	for _, k := range keys {
		pub, perr := signing.ParsePublicKey(k.PublicKey)
		if perr != nil {
			continue
		}
		if signing.Verify(pub, payload, sig) {
			return nil
		}
	}
	metrics.MessagesRejected.WithLabelValues("signature_invalid").Inc()
	return fmt.Errorf("%w: envelope signature does not verify against any active key of %s", ErrSignatureInvalid, env.From)
}

func (e *Engine) buildRecord(env *Envelope, recipient string, req SendRequest, now time.Time) *db.Message {
	ttl := e.cfg.MessageTTL
	if env.TTLSec > 0 {
		ttl = time.Duration(env.TTLSec) * time.Second
	}

	headers := "{}"
	if len(env.Headers) > 0 {
		if b, err := json.Marshal(env.Headers); err == nil {
			headers = string(b)
		}
	}

	msg := &db.Message{
		MessageID:     env.ID,
		Version:       env.Version,
		Type:          env.Type,
		From:          NormalizeAgentID(env.From),
		Recipient:     recipient,
		Subject:       env.Subject,
		CorrelationID: env.CorrelationID,
		Headers:       headers,
		Body:          string(env.Body),
		Timestamp:     env.Timestamp.UTC(),
		TTLSec:        env.TTLSec,
		Ephemeral:     env.Ephemeral,
		Status:        store.StatusDelivered,
		DeliveredAt:   &now,
		ExpiresAt:     now.Add(ttl),
		GroupID:       req.GroupID,
	}
	if msg.Version == "" {
		msg.Version = "1"
	}
	if req.IdempotencyKey != "" {
		k := req.IdempotencyKey
		msg.IdempotencyKey = &k
	}
	if env.Signature != nil {
		msg.SigAlg = env.Signature.Alg
		msg.SigKid = env.Signature.Kid
		msg.SigVal = env.Signature.Sig
	}
	return msg
}

// checkPolicy applies the recipient's sender and subject allow-lists. Empty
// lists mean no restriction.
func checkPolicy(recipient *db.Agent, env *Envelope) error {
	trusted, err := decodeList(recipient.TrustedSenders)
	if err != nil {
		return fmt.Errorf("lifecycle: decode trusted_senders: %w", err)
	}
	if len(trusted) > 0 && !contains(trusted, NormalizeAgentID(env.From)) {
		metrics.MessagesRejected.WithLabelValues("policy_violation").Inc()
		return fmt.Errorf("%w: sender %s is not trusted by %s", ErrPolicyViolation, env.From, recipient.AgentID)
	}

	subjects, err := decodeList(recipient.AllowedSubjects)
	if err != nil {
		return fmt.Errorf("lifecycle: decode allowed_subjects: %w", err)
	}
	if len(subjects) > 0 && !contains(subjects, env.Subject) {
		metrics.MessagesRejected.WithLabelValues("policy_violation").Inc()
		return fmt.Errorf("%w: subject %q is not allowed by %s", ErrPolicyViolation, env.Subject, recipient.AgentID)
	}
	return nil
}

func decodeList(raw string) ([]string, error) {
	if raw == "" || raw == "[]" {
		return nil, nil
	}
	var list []string
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		return nil, err
	}
	return list, nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
