package auth

import "fmt"

// Failure is a typed authentication/authorization failure. Code is the
// machine-readable failure mode surfaced in the error body; Status is the
// HTTP status the API layer writes. Failures compare by Code through
// errors.Is, so wrapped and detailed copies still match their sentinel.
type Failure struct {
	Code   string
	Status int
	detail string
}

func (f *Failure) Error() string {
	if f.detail != "" {
		return fmt.Sprintf("auth: %s: %s", f.Code, f.detail)
	}
	return "auth: " + f.Code
}

// Is matches any Failure with the same Code.
func (f *Failure) Is(target error) bool {
	t, ok := target.(*Failure)
	return ok && t.Code == f.Code
}

// WithDetail returns a copy carrying extra context for logs. The copy still
// matches its sentinel via errors.Is.
func (f *Failure) WithDetail(format string, args ...any) *Failure {
	cp := *f
	cp.detail = fmt.Sprintf(format, args...)
	return &cp
}

// The ten failure modes of the authentication plane.
var (
	ErrMissingSignature     = &Failure{Code: "missing_signature", Status: 401}
	ErrMalformedSignature   = &Failure{Code: "malformed_signature", Status: 401}
	ErrAlgorithmNotAllowed  = &Failure{Code: "algorithm_not_allowed", Status: 401}
	ErrMissingSignedHeader  = &Failure{Code: "missing_required_signed_header", Status: 401}
	ErrStaleDate            = &Failure{Code: "stale_date", Status: 401}
	ErrAgentNotFound        = &Failure{Code: "agent_not_found", Status: 401}
	ErrSignatureInvalid     = &Failure{Code: "signature_invalid", Status: 401}
	ErrSubjectMismatch      = &Failure{Code: "subject_mismatch_forbidden", Status: 403}
	ErrAPIKeyRequired       = &Failure{Code: "api_key_required", Status: 401}
	ErrAPIKeyInvalid        = &Failure{Code: "api_key_invalid", Status: 401}
)
