package auth

import (
	"strings"
)

// SignatureHeader is the parsed form of the Signature request header:
//
//	Signature: keyId="agent-a",algorithm="ed25519",
//	           headers="(request-target) host date",signature="<base64>"
//
// keyId names the signing agent (bare id or did:admp alias); headers lists
// the covered headers in signing order; signature is base64 of the detached
// Ed25519 signature over the canonical string.
type SignatureHeader struct {
	KeyID     string
	Algorithm string
	Headers   []string
	Signature string
}

// ParseSignatureHeader parses the comma-separated key="value" pairs of a
// Signature header. Unknown parameters are ignored; duplicate parameters
// keep the last value, matching common HTTP-signature implementations.
func ParseSignatureHeader(raw string) (*SignatureHeader, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrMalformedSignature.WithDetail("empty header")
	}

	h := &SignatureHeader{}
	for _, part := range splitParams(raw) {
		eq := strings.IndexByte(part, '=')
		if eq <= 0 {
			return nil, ErrMalformedSignature.WithDetail("parameter %q is not key=value", part)
		}
		key := strings.TrimSpace(part[:eq])
		val := strings.TrimSpace(part[eq+1:])
		if len(val) < 2 || val[0] != '"' || val[len(val)-1] != '"' {
			return nil, ErrMalformedSignature.WithDetail("parameter %q is not quoted", key)
		}
		val = val[1 : len(val)-1]

		switch key {
		case "keyId":
			h.KeyID = val
		case "algorithm":
			h.Algorithm = val
		case "headers":
			for _, name := range strings.Fields(val) {
				h.Headers = append(h.Headers, strings.ToLower(name))
			}
		case "signature":
			h.Signature = val
		}
	}

	if h.KeyID == "" {
		return nil, ErrMalformedSignature.WithDetail("keyId is required")
	}
	if h.Signature == "" {
		return nil, ErrMalformedSignature.WithDetail("signature is required")
	}
	return h, nil
}

// HasHeader reports whether name (lowercase) is in the signed set.
func (h *SignatureHeader) HasHeader(name string) bool {
	for _, n := range h.Headers {
		if n == name {
			return true
		}
	}
	return false
}

// splitParams splits on commas outside quoted values.
func splitParams(raw string) []string {
	var (
		parts    []string
		start    int
		inQuotes bool
	)
	for i := 0; i < len(raw); i++ {
		switch raw[i] {
		case '"':
			inQuotes = !inQuotes
		case ',':
			if !inQuotes {
				parts = append(parts, strings.TrimSpace(raw[start:i]))
				start = i + 1
			}
		}
	}
	if s := strings.TrimSpace(raw[start:]); s != "" {
		parts = append(parts, s)
	}
	return parts
}
