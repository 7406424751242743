package domain

import (
	"time"
)

type StreamID string
type PeerID string
type RoomID string
type TrackID string

type StreamKind string

const (
	StreamKindCamera StreamKind = "camera"
	StreamKindScreen StreamKind = "screen"
	StreamKindRemote StreamKind = "remote"
)

type TrackKind string

const (
	TrackKindAudio TrackKind = "audio"
	TrackKindVideo TrackKind = "video"
)

// StreamRecord is the manager-owned record of a live media stream.
// Consumers only ever see the ID and a borrowed Handle.
type StreamRecord struct {
	ID          StreamID
	Kind        StreamKind
	OwnerPeerID PeerID
	CreatedAt   time.Time
}

type MediaConstraints struct {
	Audio         bool
	Video         bool
	AudioDeviceID string
	VideoDeviceID string
	Width         int
	Height        int
	FrameRate     int
}

// DefaultMediaConstraints requests a microphone and a 720p camera.
func DefaultMediaConstraints() MediaConstraints {
	return MediaConstraints{
		Audio:     true,
		Video:     true,
		Width:     1280,
		Height:    720,
		FrameRate: 30,
	}
}

type ScreenOptions struct {
	WithAudio bool
	FrameRate int
}

type StreamEventType string

const (
	StreamEventCreated    StreamEventType = "stream_created"
	StreamEventDestroyed  StreamEventType = "stream_destroyed"
	StreamEventTrackEnded StreamEventType = "track_ended"
	StreamEventError      StreamEventType = "error"
)

type StreamEvent struct {
	Type     StreamEventType
	StreamID StreamID
	Kind     StreamKind
	TrackID  TrackID
	Err      error
	At       time.Time
}
