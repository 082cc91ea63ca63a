package util

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns a random URL-safe ID.
func NewID() string {
	return uuid.NewString()
}

// NewTempID returns a client-local ID for optimistic records. The prefix
// keeps temporary IDs distinguishable from server-assigned ones.
func NewTempID() string {
	return "tmp-" + uuid.NewString()
}

// IsTempID reports whether id was produced by NewTempID.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, "tmp-")
}
