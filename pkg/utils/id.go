package utils

import (
	"strings"

	"github.com/google/uuid"
)

// NewStreamID returns an opaque identifier for a locally captured stream.
func NewStreamID() string {
	return prefixed("stream")
}

// NewMessageID returns a chat message identifier. Receivers dedupe on it so
// it must be unique per sender.
func NewMessageID() string {
	return uuid.NewString()
}

func NewTrackID(kind string) string {
	return prefixed(kind)
}

// NewTraceID returns a 32-char hex id suitable for log correlation.
func NewTraceID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func prefixed(prefix string) string {
	u := uuid.New()
	return prefix + "_" + strings.ReplaceAll(u.String(), "-", "")[:16]
}
