// Package idgen provides cryptographically random identifiers and codes.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"math/big"

	"github.com/google/uuid"
)

// New generates a random (version 4) UUID string.
func New() string {
	return uuid.NewString()
}

// WithPrefix generates a random ID with a prefix (e.g. "risk_", "chl_").
// Result is prefix + 24 hex chars (12 random bytes).
func WithPrefix(prefix string) string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return prefix + hex.EncodeToString(b)
}

// Alphabet for human-typed challenge codes.
const Alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// Code returns a random alphanumeric string with a length drawn uniformly
// from [minLen, maxLen].
func Code(minLen, maxLen int) string {
	if maxLen < minLen {
		maxLen = minLen
	}
	n := minLen + intn(maxLen-minLen+1)
	b := make([]byte, n)
	for i := range b {
		b[i] = Alphabet[intn(len(Alphabet))]
	}
	return string(b)
}

func intn(n int) int {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return int(v.Int64())
}
