// Package api is the HTTP surface of the relay: the thin translation layer
// from verbs and paths to registry, lifecycle and group operations. Chi is
// the router; authentication is enforced per route group (request signatures
// for subject-agent endpoints, the API-key gate for the rest) and every
// error is the flat {"error": <code>, "message": <text>} object.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/admp-io/relay/internal/auth"
	"github.com/admp-io/relay/internal/lifecycle"
)

// JSON writes a JSON-encoded response with the given status code.
func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// NoContent writes a 204 with no body.
func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// errorBody is the wire shape of every error response.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Err writes a JSON error response. code is the machine-readable taxonomy
// entry, message the human-readable detail.
func Err(w http.ResponseWriter, status int, code, message string) {
	JSON(w, status, errorBody{Error: code, Message: message})
}

// ErrInternal writes a 500 without leaking internal detail.
func ErrInternal(w http.ResponseWriter) {
	Err(w, http.StatusInternalServerError, "internal_error", "an internal error occurred")
}

// WriteError maps an engine or auth error onto its HTTP status and code.
// Unrecognized errors become 500s; callers log them before calling this.
func WriteError(w http.ResponseWriter, err error) {
	var f *auth.Failure
	if errors.As(err, &f) {
		Err(w, f.Status, f.Code, f.Error())
		return
	}

	for _, m := range errorMappings {
		if errors.Is(err, m.sentinel) {
			Err(w, m.status, m.code, err.Error())
			return
		}
	}
	ErrInternal(w)
}

var errorMappings = []struct {
	sentinel error
	status   int
	code     string
}{
	{lifecycle.ErrValidation, http.StatusBadRequest, "validation_error"},
	{lifecycle.ErrPayloadTooLarge, http.StatusRequestEntityTooLarge, "payload_too_large"},
	{lifecycle.ErrPolicyViolation, http.StatusForbidden, "policy_violation"},
	{lifecycle.ErrSignatureInvalid, http.StatusUnauthorized, "signature_invalid"},
	{lifecycle.ErrRecipientNotFound, http.StatusNotFound, "recipient_not_found"},
	{lifecycle.ErrNotFound, http.StatusNotFound, "not_found"},
	{lifecycle.ErrConflict, http.StatusConflict, "conflict"},
	{lifecycle.ErrGone, http.StatusGone, "gone"},
	{lifecycle.ErrInboxFull, http.StatusTooManyRequests, "inbox_full"},
	{lifecycle.ErrForbidden, http.StatusForbidden, "forbidden"},
}

// decodeJSON decodes the request body into dst, bounded by maxBytes and
// rejecting unknown fields. Returns false after writing the error response,
// so callers can early-return.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any, maxBytes int64) bool {
	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Err(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds the configured cap")
			return false
		}
		Err(w, http.StatusBadRequest, "validation_error", "invalid request body: "+err.Error())
		return false
	}
	return true
}
