package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// FreshnessWindow is the maximum tolerated clock skew between the relay and
// a signer. A Date exactly at the boundary still passes; one second beyond
// fails.
const FreshnessWindow = 5 * time.Minute

// RequestTarget is the pseudo-header naming the method and URI line of the
// HTTP canonical string.
const RequestTarget = "(request-target)"

// EnvelopeSigningString builds the canonical string covered by a message
// envelope signature:
//
//	timestamp \n b64(sha256(body)) \n from \n to \n correlation_id
//
// timestamp is RFC 3339 in UTC; an absent correlation id contributes an
// empty final line. The byte layout is part of the wire protocol — any
// change breaks every deployed signer.
func EnvelopeSigningString(timestamp time.Time, body []byte, from, to, correlationID string) string {
	sum := sha256.Sum256(body)
	return strings.Join([]string{
		timestamp.UTC().Format(time.RFC3339),
		EncodeBase64(sum[:]),
		from,
		to,
		correlationID,
	}, "\n")
}

// HTTPSigningString builds the canonical string for an HTTP request
// signature. signedHeaders lists the covered headers in signature order;
// the special name "(request-target)" expands to the lowercased method and
// the request URI. Header names are lowercased; values are used verbatim.
// Lines are joined with \n and there is no trailing newline.
func HTTPSigningString(method, requestURI string, signedHeaders []string, header func(string) string) string {
	lines := make([]string, 0, len(signedHeaders))
	for _, name := range signedHeaders {
		name = strings.ToLower(name)
		if name == RequestTarget {
			lines = append(lines, fmt.Sprintf("%s: %s %s", RequestTarget, strings.ToLower(method), requestURI))
			continue
		}
		lines = append(lines, fmt.Sprintf("%s: %s", name, header(name)))
	}
	return strings.Join(lines, "\n")
}

// CheckFreshness reports whether t is within the freshness window of now.
func CheckFreshness(t, now time.Time) bool {
	d := now.Sub(t)
	if d < 0 {
		d = -d
	}
	return d <= FreshnessWindow
}

// HashJoinKey returns the SHA-256 hex digest of a group join key.
func HashJoinKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// WebhookSignature computes the value of the X-Admp-Signature header for a
// webhook body: "sha256=" followed by the hex HMAC-SHA256 of the raw body
// under the agent's webhook secret. Receivers recompute the same HMAC and
// compare in constant time.
func WebhookSignature(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
