// Package idgen generates identifiers for requests and ISO20022 messages.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a random (v4) UUID string.
func New() string {
	return uuid.NewString()
}

// Ordered returns a time-ordered (v7) UUID, falling back to v4 when the
// clock source fails.
func Ordered() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// MessageID returns an ISO20022 MsgId: 32 hex characters, no dashes, which
// fits the 35 character Max35Text limit.
func MessageID() string {
	return strings.ReplaceAll(Ordered(), "-", "")
}

// Valid reports whether s parses as a UUID.
func Valid(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
