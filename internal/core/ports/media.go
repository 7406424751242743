package ports

import (
	"context"

	"callcore/internal/core/domain"
)

// SubscriptionID identifies a revocable event subscription.
type SubscriptionID uint64

// MediaTrack is a single local or remote media track.
type MediaTrack interface {
	ID() domain.TrackID
	Kind() domain.TrackKind
	Enabled() bool
	SetEnabled(enabled bool)
	// Stop releases the underlying device. Stopping twice is a no-op.
	Stop()
	Stopped() bool
	OnEnded(fn func())
}

type MediaStream interface {
	ID() string
	Tracks() []MediaTrack
	// ReplaceTrack swaps one track in place. On error the stream is unchanged.
	ReplaceTrack(oldID domain.TrackID, track MediaTrack) error
}

// MediaDevices acquires local capture streams.
type MediaDevices interface {
	GetUserMedia(ctx context.Context, constraints domain.MediaConstraints) (MediaStream, error)
	GetDisplayMedia(ctx context.Context, opts domain.ScreenOptions) (MediaStream, error)
}

// FrameCryptor transforms whole media frames on their way out and in.
type FrameCryptor interface {
	EncryptFrame(payload []byte) ([]byte, error)
	DecryptFrame(frame []byte) ([]byte, error)
}

// StatsProvider is the read-only view of a connection the quality monitor polls.
type StatsProvider interface {
	ConnectionState() domain.ConnectionState
	GetStats(ctx context.Context) (domain.StatsReport, error)
}

type PeerConnection interface {
	StatsProvider
	AddLocalStream(stream MediaStream) error
	ReplaceSenderTrack(oldID domain.TrackID, track MediaTrack) error
	CreateOffer(ctx context.Context) (string, error)
	AcceptOffer(ctx context.Context, sdp string) (string, error)
	SetAnswer(ctx context.Context, sdp string) error
	AddICECandidate(candidate domain.ICECandidate) error
	OnICECandidate(fn func(domain.ICECandidate))
	OnRemoteStream(fn func(MediaStream))
	OnConnectionStateChange(fn func(domain.ConnectionState))
	FrameInterceptor
	Close() error
}

// FrameInterceptor is the part of a connection the E2EE pipeline is handed.
type FrameInterceptor interface {
	// SetFrameCryptor installs per-frame transforms; nil removes them. It
	// returns domain.ErrInsertableStreamsUnsupported when the transport
	// cannot intercept frames.
	SetFrameCryptor(cryptor FrameCryptor) error
}

type PeerConnector interface {
	NewPeerConnection(ctx context.Context) (PeerConnection, error)
}
