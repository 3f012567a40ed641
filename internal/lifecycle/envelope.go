package lifecycle

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/admp-io/relay/internal/signing"
)

// DIDPrefix is the decentralized-identifier alias scheme for agent ids:
// did:admp:<agent-id> and the bare id resolve to the same agent.
const DIDPrefix = "did:admp:"

// NormalizeAgentID strips the DID alias prefix, if present.
func NormalizeAgentID(id string) string {
	return strings.TrimPrefix(id, DIDPrefix)
}

// EnvelopeSignature is the optional sender signature carried on the wire.
type EnvelopeSignature struct {
	Alg string `json:"alg"`
	Kid string `json:"kid,omitempty"`
	Sig string `json:"sig"`
}

// Envelope is the on-the-wire message object accepted at send time.
type Envelope struct {
	Version       string             `json:"version"`
	ID            string             `json:"id"`
	Type          string             `json:"type,omitempty"`
	From          string             `json:"from"`
	To            string             `json:"to"`
	Subject       string             `json:"subject,omitempty"`
	CorrelationID string             `json:"correlation_id,omitempty"`
	Headers       map[string]string  `json:"headers,omitempty"`
	Body          json.RawMessage    `json:"body,omitempty"`
	Timestamp     time.Time          `json:"timestamp"`
	TTLSec        int64              `json:"ttl_sec,omitempty"`
	Ephemeral     bool               `json:"ephemeral,omitempty"`
	Signature     *EnvelopeSignature `json:"signature,omitempty"`
}

// Validate checks envelope well-formedness: required fields, identity
// formats, id shape, timestamp freshness, and the size cap. now is passed
// explicitly so tests control the clock.
func (e *Envelope) Validate(now time.Time, maxSize int64) error {
	switch {
	case e.ID == "":
		return fmt.Errorf("%w: envelope id is required", ErrValidation)
	case e.From == "":
		return fmt.Errorf("%w: envelope from is required", ErrValidation)
	case e.To == "":
		return fmt.Errorf("%w: envelope to is required", ErrValidation)
	case e.Timestamp.IsZero():
		return fmt.Errorf("%w: envelope timestamp is required", ErrValidation)
	}
	if _, err := uuid.Parse(e.ID); err != nil {
		return fmt.Errorf("%w: envelope id must be a uuid", ErrValidation)
	}
	if !signing.CheckFreshness(e.Timestamp, now) {
		return fmt.Errorf("%w: envelope timestamp outside freshness window", ErrValidation)
	}
	if e.TTLSec < 0 {
		return fmt.Errorf("%w: ttl_sec must not be negative", ErrValidation)
	}
	if maxSize > 0 && int64(len(e.Body)) > maxSize {
		return fmt.Errorf("%w: body exceeds %d bytes", ErrPayloadTooLarge, maxSize)
	}
	if e.Signature != nil {
		if e.Signature.Alg != "ed25519" {
			return fmt.Errorf("%w: unsupported signature algorithm %q", ErrValidation, e.Signature.Alg)
		}
		if e.Signature.Sig == "" {
			return fmt.Errorf("%w: signature.sig is required when signature is present", ErrValidation)
		}
	}
	return nil
}

// SigningString returns the canonical string an envelope signature covers.
func (e *Envelope) SigningString() string {
	return signing.EnvelopeSigningString(e.Timestamp, e.Body, e.From, e.To, e.CorrelationID)
}
