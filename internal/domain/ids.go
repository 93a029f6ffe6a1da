package domain

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID generates an opaque id of the form prefix + "_" + 12 hex chars.
// Prefixes in use: ses, turn, step, msg, pr, fc, fv, ctx.
func NewID(prefix string) string {
	return prefix + "_" + randomHex(6)
}

// NewShortID generates a compact id of the form prefix + "_" + 8 hex chars,
// used for tool call and sub-agent ids that travel inside model transcripts.
func NewShortID(prefix string) string {
	return prefix + "_" + randomHex(4)
}

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand.Read never fails on modern Go
	}
	return hex.EncodeToString(b)
}
