package webrtc

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"callcore/internal/core/domain"
	"callcore/internal/core/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// xorCryptor is a reversible stand-in for the E2EE pipeline.
type xorCryptor struct{ key byte }

func (c xorCryptor) EncryptFrame(p []byte) ([]byte, error) {
	out := make([]byte, len(p)+1)
	out[0] = 0xEE
	for i, b := range p {
		out[i+1] = b ^ c.key
	}
	return out, nil
}

func (c xorCryptor) DecryptFrame(f []byte) ([]byte, error) {
	if len(f) == 0 || f[0] != 0xEE {
		return nil, errors.New("bad frame")
	}
	out := make([]byte, len(f)-1)
	for i, b := range f[1:] {
		out[i] = b ^ c.key
	}
	return out, nil
}

func newTestConnector(t *testing.T) *Connector {
	c, err := NewConnector(Config{DisableMDNS: true}, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	return c
}

func TestPeerConnection_QueuesCandidatesUntilRemoteDescription(t *testing.T) {
	pc, err := newTestConnector(t).NewPeerConnection(context.Background())
	require.NoError(t, err)
	defer pc.Close()

	idx := uint16(0)
	mid := "0"
	require.NoError(t, pc.AddICECandidate(domain.ICECandidate{
		Candidate:     "candidate:1 1 udp 2130706431 192.0.2.1 50000 typ host",
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	}))

	p := pc.(*peerConnection)
	p.mu.Lock()
	assert.Len(t, p.pending, 1)
	assert.False(t, p.remoteSet)
	p.mu.Unlock()
	assert.Equal(t, domain.ConnectionNew, pc.ConnectionState())
}

func TestPeerConnection_ClosedContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newTestConnector(t).NewPeerConnection(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPeerConnection_CloseIsIdempotent(t *testing.T) {
	pc, err := newTestConnector(t).NewPeerConnection(context.Background())
	require.NoError(t, err)
	require.NoError(t, pc.Close())
	require.NoError(t, pc.Close())
	assert.Equal(t, domain.ConnectionClosed, pc.ConnectionState())
}

func TestPeerConnection_EncryptedLoopback(t *testing.T) {
	ctx := context.Background()
	sendSide, recvSide := newTestConnector(t), newTestConnector(t)

	offerer, err := sendSide.NewPeerConnection(ctx)
	require.NoError(t, err)
	defer offerer.Close()
	answerer, err := recvSide.NewPeerConnection(ctx)
	require.NoError(t, err)
	defer answerer.Close()

	offerer.OnICECandidate(func(c domain.ICECandidate) { _ = answerer.AddICECandidate(c) })
	answerer.OnICECandidate(func(c domain.ICECandidate) { _ = offerer.AddICECandidate(c) })

	connected := make(chan struct{}, 1)
	answerer.OnConnectionStateChange(func(s domain.ConnectionState) {
		if s == domain.ConnectionConnected {
			select {
			case connected <- struct{}{}:
			default:
			}
		}
	})

	frames := make(chan []byte, 64)
	answerer.OnRemoteStream(func(s ports.MediaStream) {
		for _, tr := range s.Tracks() {
			tr.(*RemoteTrack).OnFrame(func(f []byte) {
				select {
				case frames <- f:
				default:
				}
			})
		}
	})

	stream, err := allDevices(t).GetUserMedia(ctx, domain.MediaConstraints{Video: true, FrameRate: 30})
	require.NoError(t, err)
	defer stream.Tracks()[0].Stop()

	require.NoError(t, offerer.SetFrameCryptor(xorCryptor{key: 0x5A}))
	require.NoError(t, answerer.SetFrameCryptor(xorCryptor{key: 0x5A}))
	require.NoError(t, offerer.AddLocalStream(stream))

	offer, err := offerer.CreateOffer(ctx)
	require.NoError(t, err)
	answer, err := answerer.AcceptOffer(ctx, offer)
	require.NoError(t, err)
	require.NoError(t, offerer.SetAnswer(ctx, answer))

	select {
	case <-connected:
	case <-time.After(10 * time.Second):
		t.Skip("no usable network interface for ICE")
	}

	select {
	case f := <-frames:
		require.Len(t, f, 2400)
		assert.True(t, isKeyframe(f), "receiver starts on a keyframe")
	case <-time.After(10 * time.Second):
		t.Fatal("no frame delivered")
	}

	stats := sendSide.FrameStats()
	assert.NotZero(t, stats.FramesSent)
	assert.Zero(t, stats.EncryptFailures)
	assert.Zero(t, recvSide.FrameStats().DecryptFailures)
}

func TestRemoteTrack_MutedDropsPlayback(t *testing.T) {
	tr := newRemoteTrack("r", domain.TrackKindVideo)
	var got [][]byte
	tr.OnFrame(func(f []byte) { got = append(got, f) })

	tr.deliver([]byte{1})
	tr.SetEnabled(false)
	tr.deliver([]byte{2})

	require.Len(t, got, 1)
	assert.True(t, bytes.Equal([]byte{1}, got[0]))
	assert.Equal(t, uint64(2), tr.FramesReceived())

	var ended int
	tr.OnEnded(func() { ended++ })
	tr.Stop()
	tr.end()
	assert.Equal(t, 1, ended)
}

func TestRemoteStream_ReadOnly(t *testing.T) {
	s := &RemoteStream{id: "remote"}
	s.add(newRemoteTrack("a", domain.TrackKindAudio))
	assert.Len(t, s.Tracks(), 1)
	assert.Error(t, s.ReplaceTrack("a", nil))
}
