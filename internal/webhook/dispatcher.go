// Package webhook delivers inbox notifications to agents that registered an
// HTTP endpoint. Every payload is signed with HMAC-SHA256 over the raw body
// so the receiver can verify authenticity, following the convention used by
// GitHub and Stripe webhooks.
//
// Webhooks are a convenience channel, not a delivery guarantee: the message
// stays pullable in the inbox whatever happens here. Send time only records a
// delivery job; all HTTP attempts run out-of-band in the webhook-retry loop,
// so a slow or dead endpoint never stalls a send. Failed deliveries retry on
// an exponential schedule; exhaustion is recorded on the message's last_error
// and surfaced through a counter, and the message status is never touched.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/admp-io/relay/internal/db"
	"github.com/admp-io/relay/internal/metrics"
	"github.com/admp-io/relay/internal/signing"
	"github.com/admp-io/relay/internal/store"
)

const (
	// SignatureHeader carries "sha256=<hex hmac>" over the raw body.
	SignatureHeader = "X-Admp-Signature"

	// MaxAttempts is the total number of delivery tries per message.
	MaxAttempts = 6

	// maxBackoff caps the exponential schedule.
	maxBackoff = 5 * time.Minute

	requestTimeout = 10 * time.Second
)

// payload is the JSON body POSTed to the agent's endpoint: the envelope as
// accepted at send time, plus the event kind.
type payload struct {
	Event         string            `json:"event"`
	Version       string            `json:"version"`
	MessageID     string            `json:"message_id"`
	Type          string            `json:"type,omitempty"`
	From          string            `json:"from"`
	To            string            `json:"to"`
	Subject       string            `json:"subject,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	Body          json.RawMessage   `json:"body,omitempty"`
	Timestamp     string            `json:"timestamp"`
	Ephemeral     bool              `json:"ephemeral,omitempty"`
}

// Dispatcher owns webhook delivery: Notify records the job at send time and
// RetryDue makes the attempts from the control loop.
type Dispatcher struct {
	store  store.Store
	client *http.Client
	logger *zap.Logger
}

// NewDispatcher creates a Dispatcher over the given store.
func NewDispatcher(st store.Store, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		store:  st,
		client: &http.Client{Timeout: requestTimeout},
		logger: logger.Named("webhook"),
	}
}

// Notify records a delivery job for a freshly delivered message; the
// webhook-retry loop makes the actual attempts. Never touches the network,
// so the send path cannot block on a slow endpoint. No-op when the agent has
// no webhook.
func (d *Dispatcher) Notify(ctx context.Context, agent *db.Agent, msg *db.Message) {
	if agent.WebhookURL == "" {
		return
	}

	wa := &db.WebhookAttempt{
		MessageID: msg.MessageID,
		AgentID:   agent.AgentID,
		Endpoint:  agent.WebhookURL,
		AttemptNo: 0,
		NextTry:   time.Now().UTC(),
	}
	if err := d.store.CreateWebhookAttempt(ctx, wa); err != nil {
		d.logger.Error("failed to enqueue delivery job",
			zap.String("message_id", msg.MessageID), zap.Error(err))
		return
	}
	metrics.WebhookDeliveries.WithLabelValues("enqueued").Inc()
}

// RetryDue processes up to batch due retry records. Called by the
// webhook-retry loop on every tick.
func (d *Dispatcher) RetryDue(ctx context.Context, now time.Time, batch int) error {
	due, err := d.store.DueWebhookAttempts(ctx, now, batch)
	if err != nil {
		return fmt.Errorf("webhook: list due attempts: %w", err)
	}

	for i := range due {
		wa := &due[i]
		if err := d.retryOne(ctx, wa); err != nil {
			d.logger.Error("retry failed",
				zap.String("message_id", wa.MessageID), zap.Error(err))
		}
	}
	return nil
}

func (d *Dispatcher) retryOne(ctx context.Context, wa *db.WebhookAttempt) error {
	agent, err := d.store.GetAgent(ctx, wa.AgentID)
	if errors.Is(err, store.ErrNotFound) {
		// Agent deregistered since the attempt was enqueued.
		return d.store.DeleteWebhookAttempt(ctx, wa.ID)
	}
	if err != nil {
		return err
	}
	if agent.WebhookURL == "" {
		// Webhook removed; nothing left to deliver to.
		return d.store.DeleteWebhookAttempt(ctx, wa.ID)
	}

	msg, err := d.store.GetMessage(ctx, wa.MessageID)
	if errors.Is(err, store.ErrNotFound) {
		return d.store.DeleteWebhookAttempt(ctx, wa.ID)
	}
	if err != nil {
		return err
	}

	status, derr := d.deliver(ctx, agent.WebhookURL, string(agent.WebhookSecret), msg)
	if derr == nil {
		metrics.WebhookDeliveries.WithLabelValues("delivered").Inc()
		return d.store.DeleteWebhookAttempt(ctx, wa.ID)
	}

	wa.AttemptNo++
	if !retryable(status, derr) || wa.AttemptNo >= MaxAttempts {
		if err := d.store.DeleteWebhookAttempt(ctx, wa.ID); err != nil {
			return err
		}
		d.exhaust(ctx, wa.MessageID, status, derr)
		return nil
	}

	wa.NextTry = time.Now().UTC().Add(Backoff(wa.AttemptNo))
	wa.LastStatus = status
	wa.LastError = derr.Error()
	if err := d.store.UpdateWebhookAttempt(ctx, wa); err != nil {
		return err
	}
	metrics.WebhookDeliveries.WithLabelValues("retried").Inc()
	return nil
}

// deliver POSTs the signed envelope. Returns the HTTP status (0 on transport
// error) and nil on any 2xx.
func (d *Dispatcher) deliver(ctx context.Context, url, secret string, msg *db.Message) (int, error) {
	body, err := buildPayload(msg)
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "ADMP-Relay/1.0")
	if secret != "" {
		req.Header.Set(SignatureHeader, signing.WebhookSignature(body, secret))
	}

	start := time.Now()
	resp, err := d.client.Do(req)
	metrics.WebhookDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return 0, fmt.Errorf("webhook: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("webhook: endpoint returned %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

func (d *Dispatcher) exhaust(ctx context.Context, messageID string, status int, cause error) {
	metrics.WebhookDeliveries.WithLabelValues("exhausted").Inc()

	lastErr := fmt.Sprintf("webhook delivery failed: %v", cause)
	if err := d.store.SetMessageLastError(ctx, messageID, lastErr); err != nil &&
		!errors.Is(err, store.ErrNotFound) {
		d.logger.Error("failed to record exhaustion",
			zap.String("message_id", messageID), zap.Error(err))
	}
	d.logger.Warn("delivery exhausted",
		zap.String("message_id", messageID),
		zap.Int("status", status),
		zap.Error(cause))
}

func buildPayload(msg *db.Message) ([]byte, error) {
	var headers map[string]string
	if msg.Headers != "" && msg.Headers != "{}" {
		if err := json.Unmarshal([]byte(msg.Headers), &headers); err != nil {
			return nil, fmt.Errorf("webhook: decode stored headers: %w", err)
		}
	}

	var body json.RawMessage
	if msg.Body != "" {
		body = json.RawMessage(msg.Body)
	}

	data, err := json.Marshal(payload{
		Event:         "message.delivered",
		Version:       msg.Version,
		MessageID:     msg.MessageID,
		Type:          msg.Type,
		From:          msg.From,
		To:            msg.Recipient,
		Subject:       msg.Subject,
		CorrelationID: msg.CorrelationID,
		Headers:       headers,
		Body:          body,
		Timestamp:     msg.Timestamp.UTC().Format(time.RFC3339),
		Ephemeral:     msg.Ephemeral,
	})
	if err != nil {
		return nil, fmt.Errorf("webhook: marshal payload: %w", err)
	}
	return data, nil
}

// retryable classifies a failed attempt: transport errors, 5xx, 408 and 429
// retry; every other 4xx is permanent.
func retryable(status int, err error) bool {
	if err != nil && status == 0 {
		return true
	}
	switch {
	case status >= 500:
		return true
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return true
	default:
		return false
	}
}

// Backoff returns the delay before try n+1 after n failed attempts:
// 2^n seconds capped at five minutes.
func Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := time.Duration(math.Pow(2, float64(attempts))) * time.Second
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}
