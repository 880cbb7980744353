// Package token generates the opaque bearer secrets and emailed verifier
// codes. Output comes from crypto/rand only; predictable output here is a
// security failure, not a recoverable error.
package token

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"io"
)

const (
	// OpaqueBits is the entropy of a session bearer token.
	OpaqueBits = 160
	// VerifierBits is the entropy of an emailed challenge code.
	VerifierBits = 200
)

// Lowercase base32 without padding, matching the cookie and email encoding.
var encoding = base32.NewEncoding("abcdefghijklmnopqrstuvwxyz234567").WithPadding(base32.NoPadding)

// NewOpaque returns a fresh session bearer token.
func NewOpaque() (string, error) {
	return generate(OpaqueBits)
}

// NewVerifier returns a fresh challenge code for email delivery.
func NewVerifier() (string, error) {
	return generate(VerifierBits)
}

func generate(bits int) (string, error) {
	buf := make([]byte, bits/8)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", fmt.Errorf("token: read random bytes: %w", err)
	}
	return encoding.EncodeToString(buf), nil
}
