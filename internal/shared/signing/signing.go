// Package signing provides HMAC-SHA256 payload signatures for outbound
// webhooks. Receivers recompute the digest over the exact bytes received
// and compare in constant time, so a shared secret authenticates the
// sender without TLS client certificates.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// Signer signs and verifies webhook bodies under one shared secret.
type Signer struct {
	key []byte
}

// NewSigner creates a signer with the given shared secret.
func NewSigner(key []byte) *Signer {
	return &Signer{key: key}
}

// Sign computes the hex HMAC-SHA256 of body.
func (s *Signer) Sign(body []byte) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a hex signature against body.
func (s *Signer) Verify(body []byte, signature string) error {
	sigBytes, err := hex.DecodeString(signature)
	if err != nil {
		return errors.New("signature is not hex")
	}
	mac := hmac.New(sha256.New, s.key)
	mac.Write(body)
	if !hmac.Equal(sigBytes, mac.Sum(nil)) {
		return errors.New("signature mismatch")
	}
	return nil
}

// Sign is the one-shot form used when the secret lives in per-integration
// config rather than a long-lived signer.
func Sign(secret string, body []byte) string {
	return NewSigner([]byte(secret)).Sign(body)
}

// Verify is the one-shot counterpart of Sign.
func Verify(secret string, body []byte, signature string) error {
	return NewSigner([]byte(secret)).Verify(body, signature)
}
