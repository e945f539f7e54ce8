// Package idgen provides identifier generation for settlement records.
package idgen

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

// Prefixes used for the engine's records. Prefixed ids make logs and
// provider metadata self-describing.
const (
	PrefixSnapshot   = "snap_"
	PrefixDecision   = "dec_"
	PrefixHold       = "hold_"
	PrefixEntry      = "le_"
	PrefixEvent      = "evt_"
	PrefixAbsorption = "abs_"
	PrefixMirror     = "mir_"
	PrefixEnrollment = "enr_"
	PrefixSubscriber = "wh_"
	PrefixAPIKey     = "key_"
)

// New generates a random (version 4) UUID string.
func New() string {
	return uuid.NewString()
}

// Ordered generates a time-ordered (version 7) UUID string, falling back
// to a random UUID if the clock source fails.
func Ordered() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// WithPrefix generates a random ID with a prefix (e.g. "snap_", "dec_").
// Result is prefix + 24 hex chars (12 random bytes).
func WithPrefix(prefix string) string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return prefix + hex.EncodeToString(b)
}

// Hex generates a random hex string of the given byte length.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
