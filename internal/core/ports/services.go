package ports

import (
	"time"

	"callcore/internal/core/domain"
)

// CallMetrics receives observations from the call engine. Implementations
// must be safe for concurrent use.
type CallMetrics interface {
	ObserveQuality(roomID domain.RoomID, snapshot domain.QualitySnapshot)
	ObserveFrame(direction string, ok bool, latency time.Duration)
	SetActiveStreams(kind domain.StreamKind, count int)
	SetEncryptionStatus(channel string, status domain.EncryptionStatus)
	RecordKeyRotation()
	RecordChatVerificationFailure()
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) ObserveQuality(domain.RoomID, domain.QualitySnapshot) {}
func (NopMetrics) ObserveFrame(string, bool, time.Duration)             {}
func (NopMetrics) SetActiveStreams(domain.StreamKind, int)              {}
func (NopMetrics) SetEncryptionStatus(string, domain.EncryptionStatus)  {}
func (NopMetrics) RecordKeyRotation()                                   {}
func (NopMetrics) RecordChatVerificationFailure()                       {}

// RelayMetrics receives observations from the signaling relay.
type RelayMetrics interface {
	ConnectionOpened()
	ConnectionClosed()
	SetActiveRooms(count int)
	MessageRelayed(msgType domain.MessageType)
	MessageRejected(reason string)
}

func (NopMetrics) ConnectionOpened()                 {}
func (NopMetrics) ConnectionClosed()                 {}
func (NopMetrics) SetActiveRooms(int)                {}
func (NopMetrics) MessageRelayed(domain.MessageType) {}
func (NopMetrics) MessageRejected(string)            {}
