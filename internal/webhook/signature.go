// Package webhook verifies the authenticity of inbound gateway deliveries.
package webhook

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"hash"
	"strings"
)

// Algorithm names a supported HMAC algorithm.
type Algorithm string

const (
	AlgSHA256 Algorithm = "sha256"
	AlgSHA1   Algorithm = "sha1"
)

var (
	// ErrMissingSignature is returned when a secret is configured but the
	// delivery carried no signature header.
	ErrMissingSignature = errors.New("webhook signature missing")

	// ErrInvalidSignature is returned when the supplied signature does not
	// match the one computed over the raw body.
	ErrInvalidSignature = errors.New("webhook signature mismatch")

	// ErrNoSecret is returned when no verification secret is configured and
	// unsigned deliveries are not allowed.
	ErrNoSecret = errors.New("webhook secret not configured")
)

// Verifier validates webhook deliveries by HMAC over the raw request body.
// The body must be the exact bytes received; verifying a re-serialized body
// fails on any whitespace or key-order difference.
type Verifier struct {
	secret        string
	allowUnsigned bool
}

// NewVerifier creates a verifier. allowUnsigned accepts deliveries without a
// usable signature and is intended for local development only.
func NewVerifier(secret string, allowUnsigned bool) *Verifier {
	return &Verifier{secret: secret, allowUnsigned: allowUnsigned}
}

// Validate checks the delivery against the preferred SHA-256 signature,
// falling back to the legacy SHA-1 one. It returns nil when the delivery is
// admitted.
func (v *Verifier) Validate(rawBody []byte, signature256, signatureLegacy string) error {
	if v.secret == "" {
		if v.allowUnsigned {
			return nil
		}
		return ErrNoSecret
	}

	switch {
	case signature256 != "":
		return v.check(rawBody, signature256, sha256.New)
	case signatureLegacy != "":
		return v.check(rawBody, signatureLegacy, sha1.New)
	default:
		if v.allowUnsigned {
			return nil
		}
		return ErrMissingSignature
	}
}

func (v *Verifier) check(rawBody []byte, supplied string, newHash func() hash.Hash) error {
	expected := computeHex(v.secret, rawBody, newHash)

	// Hex comparison is case-insensitive; length check first, then a
	// timing-safe byte comparison.
	got := strings.ToLower(strings.TrimSpace(supplied))
	if len(got) != len(expected) {
		return ErrInvalidSignature
	}
	if !hmac.Equal([]byte(got), []byte(expected)) {
		return ErrInvalidSignature
	}
	return nil
}

// TestSignature computes a valid signature for a payload, for use in test
// fixtures and endpoint checks. Requires a configured secret.
func (v *Verifier) TestSignature(payload []byte, alg Algorithm) (string, error) {
	if v.secret == "" {
		return "", ErrNoSecret
	}
	switch alg {
	case AlgSHA1:
		return computeHex(v.secret, payload, sha1.New), nil
	case AlgSHA256:
		return computeHex(v.secret, payload, sha256.New), nil
	default:
		return "", errors.New("unsupported signature algorithm: " + string(alg))
	}
}

func computeHex(secret string, payload []byte, newHash func() hash.Hash) string {
	mac := hmac.New(newHash, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
