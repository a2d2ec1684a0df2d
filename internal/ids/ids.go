// Package ids mints the opaque identifiers used across Breeze entities.
package ids

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"
)

// New returns a fresh ULID string. ULIDs sort lexically by creation time,
// which keyset pagination relies on.
func New() string {
	return ulid.Make().String()
}

// Valid reports whether s parses as a ULID.
func Valid(s string) bool {
	_, err := ulid.ParseStrict(strings.ToUpper(s))
	return err == nil
}

// NewAgentID returns the 32-byte random hex identifier assigned to an agent
// at enrollment. Agent IDs are deliberately not ULIDs so they carry no
// creation-time information.
func NewAgentID() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate agent id: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// NewToken returns n random bytes hex-encoded, for bearer secrets and
// enrollment key material.
func NewToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
