package domain

import "time"

type MessageID string

type ChatMessageType string

const (
	ChatMessageText     ChatMessageType = "text"
	ChatMessageReaction ChatMessageType = "reaction"
)

// ChatMessageRecord is what consumers receive. IsVerified is nil when the
// message was not signed at all.
type ChatMessageRecord struct {
	ID          MessageID
	SenderID    PeerID
	Type        ChatMessageType
	Plaintext   string
	IsEncrypted bool
	IsVerified  *bool
	SentAt      time.Time
}

type ChatStats struct {
	Sent                 uint64
	Received             uint64
	Duplicates           uint64
	VerificationFailures uint64
	DecryptionErrors     uint64
	Reactions            map[string]uint64
}
