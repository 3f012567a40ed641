package lifecycle

import "errors"

// Sentinel errors for the lifecycle and group engines. The API layer maps
// these onto HTTP statuses; engine code wraps them with fmt.Errorf("%w: ...")
// to add detail, so callers compare with errors.Is.
var (
	// ErrValidation covers malformed envelopes: missing required fields,
	// bad identity formats, stale envelope timestamps.
	ErrValidation = errors.New("validation_error")

	// ErrPayloadTooLarge is returned when the envelope exceeds the
	// configured size cap.
	ErrPayloadTooLarge = errors.New("payload_too_large")

	// ErrPolicyViolation is returned when the recipient's trusted_senders
	// or allowed_subjects policy rejects the envelope.
	ErrPolicyViolation = errors.New("policy_violation")

	// ErrSignatureInvalid is returned when a presented envelope signature
	// does not verify against any of the sender's active keys.
	ErrSignatureInvalid = errors.New("signature_invalid")

	// ErrRecipientNotFound is returned when the addressed agent does not
	// exist or is an unapproved shadow record.
	ErrRecipientNotFound = errors.New("recipient_not_found")

	// ErrNotFound is returned for lookups of unknown messages.
	ErrNotFound = errors.New("not_found")

	// ErrConflict is returned for an ack/nack against a record not leased
	// by the caller, or a reused message id.
	ErrConflict = errors.New("conflict")

	// ErrGone is returned for status lookups of purged ephemeral bodies.
	ErrGone = errors.New("gone")

	// ErrInboxFull is returned when the recipient's backlog has reached
	// MAX_MESSAGES_PER_AGENT.
	ErrInboxFull = errors.New("inbox_full")

	// ErrForbidden is returned when the caller is not entitled to the
	// operation (replying to a message it does not own, posting to a group
	// it is not a member of).
	ErrForbidden = errors.New("forbidden")
)
