// Package signing provides the cryptographic primitives of the relay:
// Ed25519 key handling, detached signatures, base64 codecs, and the two
// canonical signing strings (envelope-level and HTTP request-level).
//
// Everything here is pure computation — no I/O, no clock reads except
// through explicit parameters — so the package is trivially testable and
// safe to call from any goroutine.
package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// GenerateKeyPair creates a new Ed25519 key pair.
func GenerateKeyPair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("signing: generate key pair: %w", err)
	}
	return pub, priv, nil
}

// Sign produces a detached Ed25519 signature over msg.
func Sign(priv ed25519.PrivateKey, msg []byte) []byte {
	return ed25519.Sign(priv, msg)
}

// Verify reports whether sig is a valid detached Ed25519 signature of msg
// under pub. A public key of the wrong length never panics — it fails.
func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// EncodeBase64 emits padded standard base64. All relay output is padded.
func EncodeBase64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeBase64 accepts padded or unpadded standard base64 on input.
func DecodeBase64(s string) ([]byte, error) {
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	b, err := base64.RawStdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("signing: invalid base64: %w", err)
	}
	return b, nil
}

// ParsePublicKey decodes a base64 Ed25519 public key and checks its length.
func ParsePublicKey(s string) (ed25519.PublicKey, error) {
	raw, err := DecodeBase64(s)
	if err != nil {
		return nil, err
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("signing: public key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// ParsePrivateKey decodes a base64 Ed25519 private key (64-byte seed+public
// form as produced by crypto/ed25519).
func ParsePrivateKey(s string) (ed25519.PrivateKey, error) {
	raw, err := DecodeBase64(s)
	if err != nil {
		return nil, err
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("signing: private key must be %d bytes, got %d", ed25519.PrivateKeySize, len(raw))
	}
	return ed25519.PrivateKey(raw), nil
}
