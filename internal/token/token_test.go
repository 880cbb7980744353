package token

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewOpaque(t *testing.T) {
	tok, err := NewOpaque()
	require.NoError(t, err)
	// 160 bits -> 20 bytes -> 32 base32 characters, no padding.
	assert.Len(t, tok, 32)
	assertAlphabet(t, tok)
}

func TestNewVerifier(t *testing.T) {
	code, err := NewVerifier()
	require.NoError(t, err)
	// 200 bits -> 25 bytes -> 40 base32 characters.
	assert.Len(t, code, 40)
	assertAlphabet(t, code)
}

func TestTokensAreUnique(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 256; i++ {
		tok, err := NewOpaque()
		require.NoError(t, err)
		_, dup := seen[tok]
		require.False(t, dup, "duplicate token generated")
		seen[tok] = struct{}{}
	}
}

func assertAlphabet(t *testing.T, s string) {
	t.Helper()
	for _, r := range s {
		ok := (r >= 'a' && r <= 'z') || (r >= '2' && r <= '7')
		assert.True(t, ok, "unexpected character %q", r)
	}
}
