package services

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"callcore/internal/core/domain"
	"callcore/pkg/e2ee"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type mediaPair struct {
	a, b   *MediaE2EE
	ia, ib *fakeInterceptor
	ka, kb *keyEnd
	w      *wire
	clock  *fakeClock
}

func newTestMedia(t *testing.T, keys *keyEnd, clock *fakeClock) *MediaE2EE {
	t.Helper()
	id, err := e2ee.GenerateIdentity()
	require.NoError(t, err)
	m := NewMediaE2EE(DefaultMediaE2EEConfig(), id, keys, nil, zaptest.NewLogger(t).Sugar())
	m.now = clock.Now
	m.after = clock.After
	return m
}

func newMediaPair(t *testing.T) *mediaPair {
	t.Helper()
	w := &wire{}
	clock := newFakeClock()
	p := &mediaPair{
		ia:    &fakeInterceptor{},
		ib:    &fakeInterceptor{},
		ka:    &keyEnd{w: w},
		kb:    &keyEnd{w: w},
		w:     w,
		clock: clock,
	}
	p.a = newTestMedia(t, p.ka, clock)
	p.b = newTestMedia(t, p.kb, clock)
	p.ka.deliver = p.b.HandleKeyMessage
	p.kb.deliver = p.a.HandleKeyMessage
	return p
}

func (p *mediaPair) connect(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, p.a.Init(ctx, p.ia))
	require.NoError(t, p.b.Init(ctx, p.ib))
	p.w.pump()
	require.Equal(t, domain.EncryptionActive, p.a.Status())
	require.Equal(t, domain.EncryptionActive, p.b.Status())
}

func TestMediaE2EE_KeyExchange(t *testing.T) {
	p := newMediaPair(t)
	p.connect(t)

	assert.Same(t, p.a, p.ia.current())
	assert.Equal(t, p.a.Fingerprint(), p.b.RemoteFingerprint())
	assert.Equal(t, p.b.Fingerprint(), p.a.RemoteFingerprint())
	assert.NotEqual(t, p.a.Fingerprint(), p.b.Fingerprint())
	assert.Regexp(t, regexp.MustCompile(`^([0-9A-F]{4} ){9}[0-9A-F]{4}$`), p.a.Fingerprint())

	assert.NoError(t, p.a.AwaitActive(context.Background()))
}

func TestMediaE2EE_KeyExchangeWithLateInit(t *testing.T) {
	p := newMediaPair(t)
	ctx := context.Background()

	// b's bundle arrives at a before a has initialised.
	require.NoError(t, p.b.Init(ctx, p.ib))
	p.w.pump()
	assert.Equal(t, domain.EncryptionDisabled, p.a.Status())

	require.NoError(t, p.a.Init(ctx, p.ia))
	p.w.pump()
	assert.Equal(t, domain.EncryptionActive, p.a.Status())
	assert.Equal(t, domain.EncryptionActive, p.b.Status())
}

func TestMediaE2EE_FrameRoundTrip(t *testing.T) {
	p := newMediaPair(t)
	p.connect(t)

	payloads := [][]byte{{}, []byte("k"), make([]byte, 1200)}
	for _, payload := range payloads {
		frame, err := p.a.EncryptFrame(payload)
		require.NoError(t, err)
		assert.NotEqual(t, payload, frame)

		out, err := p.b.DecryptFrame(frame)
		require.NoError(t, err)
		assert.Equal(t, payload, out)
	}

	back, err := p.b.EncryptFrame([]byte("reply"))
	require.NoError(t, err)
	out, err := p.a.DecryptFrame(back)
	require.NoError(t, err)
	assert.Equal(t, []byte("reply"), out)

	stats := p.b.Stats()
	assert.Equal(t, uint64(3), stats.DecryptedFrames)
	assert.Equal(t, uint64(1), stats.EncryptedFrames)
	assert.Equal(t, uint64(4), stats.TotalFrames)
	assert.Zero(t, stats.DecryptionErrors)
}

func TestMediaE2EE_DecryptFailsClosed(t *testing.T) {
	p := newMediaPair(t)
	p.connect(t)

	otherKey, err := e2ee.RandomKey()
	require.NoError(t, err)
	unknownGen, err := e2ee.SealFrame(otherKey, 7, []byte("payload"))
	require.NoError(t, err)

	good, err := p.a.EncryptFrame([]byte("payload"))
	require.NoError(t, err)
	tampered := append([]byte(nil), good...)
	tampered[len(tampered)-1] ^= 0xff

	wrongKeyKnownGen, err := e2ee.SealFrame(otherKey, 0, []byte("payload"))
	require.NoError(t, err)

	tests := []struct {
		name  string
		frame []byte
		want  error
	}{
		{"unknown generation", unknownGen, domain.ErrUnknownKeyGeneration},
		{"truncated", good[:10], domain.ErrMalformedFrame},
		{"tampered", tampered, domain.ErrMalformedFrame},
		{"wrong key", wrongKeyKnownGen, domain.ErrMalformedFrame},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := p.b.DecryptFrame(tt.frame)
			assert.Nil(t, out)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
			assert.Equal(t, uint64(i+1), p.b.Stats().DecryptionErrors)
		})
	}

	out, err := p.b.DecryptFrame(good)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), out)
}

func TestMediaE2EE_EncryptRequiresActive(t *testing.T) {
	p := newMediaPair(t)

	_, err := p.a.EncryptFrame([]byte("x"))
	assert.ErrorIs(t, err, domain.ErrEncryptionNotActive)

	require.NoError(t, p.a.Init(context.Background(), p.ia))
	_, err = p.a.EncryptFrame([]byte("x"))
	assert.ErrorIs(t, err, domain.ErrEncryptionNotActive)
	assert.Zero(t, p.a.Stats().TotalFrames)
}

func TestMediaE2EE_RotationKeepsOldFramesDecryptable(t *testing.T) {
	p := newMediaPair(t)
	p.connect(t)
	ctx := context.Background()

	before, err := p.a.EncryptFrame([]byte("before"))
	require.NoError(t, err)

	require.NoError(t, p.a.RotateKeys(ctx))
	assert.Equal(t, domain.EncryptionKeyRotation, p.a.Status())

	inFlight, err := p.a.EncryptFrame([]byte("in flight"))
	require.NoError(t, err)
	gen, err := e2ee.FrameGeneration(inFlight)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), gen, "sender keeps the old key until acknowledged")

	p.w.pump()
	require.Equal(t, domain.EncryptionActive, p.a.Status())
	state := p.a.State()
	assert.Equal(t, uint32(1), state.SendGeneration)
	assert.Equal(t, uint32(1), state.KeyGeneration)
	assert.Equal(t, p.clock.Now(), state.Stats.LastKeyRotation)

	after, err := p.a.EncryptFrame([]byte("after"))
	require.NoError(t, err)
	gen, err = e2ee.FrameGeneration(after)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), gen)

	// Old-generation frames arriving after the rotation completed.
	for _, f := range [][]byte{after, before, inFlight} {
		_, err := p.b.DecryptFrame(f)
		assert.NoError(t, err)
	}

	p.clock.Advance(DefaultMediaE2EEConfig().GraceWindow - time.Second)
	_, err = p.b.DecryptFrame(before)
	assert.NoError(t, err, "still inside the grace window")

	p.clock.Advance(time.Second)
	_, err = p.b.DecryptFrame(before)
	assert.ErrorIs(t, err, domain.ErrUnknownKeyGeneration)
	_, err = p.b.DecryptFrame(after)
	assert.NoError(t, err)
	assert.Equal(t, uint64(1), p.b.Stats().DecryptionErrors)
}

func TestMediaE2EE_RepeatedRotations(t *testing.T) {
	p := newMediaPair(t)
	p.connect(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		require.NoError(t, p.a.RotateKeys(ctx))
		require.NoError(t, p.a.RotateKeys(ctx), "rotation while one is pending is a no-op")
		p.w.pump()
		assert.Equal(t, uint32(i), p.a.State().SendGeneration)

		f, err := p.a.EncryptFrame([]byte("frame"))
		require.NoError(t, err)
		_, err = p.b.DecryptFrame(f)
		require.NoError(t, err)
	}
}

func TestMediaE2EE_RotationAckTimeout(t *testing.T) {
	p := newMediaPair(t)
	p.connect(t)

	var states []domain.EncryptionState
	p.a.Subscribe(func(s domain.EncryptionState) { states = append(states, s) })

	p.kb.setBlackout(true)
	require.NoError(t, p.a.RotateKeys(context.Background()))
	p.w.pump()
	assert.Equal(t, domain.EncryptionKeyRotation, p.a.Status())

	p.clock.Advance(DefaultMediaE2EEConfig().RotationAckTimeout)
	state := p.a.State()
	assert.Equal(t, domain.EncryptionStatusError, state.Status)
	assert.Contains(t, state.ErrorMessage, domain.ErrRotationTimeout.Error())
	require.NotEmpty(t, states)
	assert.Equal(t, domain.EncryptionStatusError, states[len(states)-1].Status)

	_, err := p.a.EncryptFrame([]byte("x"))
	assert.ErrorIs(t, err, domain.ErrEncryptionNotActive)
}

func TestMediaE2EE_RotateInErrorRetriesExchange(t *testing.T) {
	p := newMediaPair(t)
	ctx := context.Background()

	require.NoError(t, p.a.Init(ctx, p.ia))
	p.w.drop()
	p.clock.Advance(DefaultMediaE2EEConfig().KeyExchangeTimeout)
	require.Equal(t, domain.EncryptionStatusError, p.a.Status())

	require.NoError(t, p.b.Init(ctx, p.ib))
	require.NoError(t, p.a.RotateKeys(ctx))
	p.w.pump()
	assert.Equal(t, domain.EncryptionActive, p.a.Status())
	assert.Equal(t, domain.EncryptionActive, p.b.Status())

	f, err := p.a.EncryptFrame([]byte("hello"))
	require.NoError(t, err)
	out, err := p.b.DecryptFrame(f)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), out)
}

func TestMediaE2EE_KeyExchangeTimeout(t *testing.T) {
	p := newMediaPair(t)
	ctx := context.Background()
	p.ka.deliver = nil

	require.NoError(t, p.a.Init(ctx, p.ia))
	assert.Equal(t, domain.EncryptionKeyExchange, p.a.Status())

	done := make(chan error, 1)
	go func() { done <- p.a.AwaitActive(ctx) }()

	p.clock.Advance(DefaultMediaE2EEConfig().KeyExchangeTimeout)

	select {
	case err := <-done:
		var encErr *domain.EncryptionError
		require.True(t, errors.As(err, &encErr))
		assert.ErrorIs(t, err, domain.ErrKeyExchangeTimeout)
	case <-time.After(time.Second):
		t.Fatal("AwaitActive did not return")
	}
	assert.Equal(t, domain.EncryptionStatusError, p.a.Status())
	assert.NotEmpty(t, p.a.State().ErrorMessage)
}

func TestMediaE2EE_MalformedBundle(t *testing.T) {
	p := newMediaPair(t)
	ctx := context.Background()
	require.NoError(t, p.a.Init(ctx, p.ia))

	err := p.a.HandleKeyMessage(ctx, domain.SignalE2EEKey, []byte("{not json"))
	assert.ErrorIs(t, err, domain.ErrMalformedKeyMaterial)
	assert.Equal(t, domain.EncryptionStatusError, p.a.Status())
	assert.Contains(t, p.a.State().ErrorMessage, "malformed")
}

func TestMediaE2EE_ForgedBundleRejected(t *testing.T) {
	p := newMediaPair(t)
	ctx := context.Background()
	require.NoError(t, p.a.Init(ctx, p.ia))

	id, err := e2ee.GenerateIdentity()
	require.NoError(t, err)
	dh, err := e2ee.GenerateDH()
	require.NoError(t, err)
	bundle := e2ee.NewKeyBundle(e2ee.PurposeMedia, id, dh, 0, false)
	bundle.DHKey[0] ^= 0x01
	blob, err := e2ee.Encode(bundle)
	require.NoError(t, err)

	err = p.a.HandleKeyMessage(ctx, domain.SignalE2EEKey, blob)
	assert.Error(t, err)
	assert.Equal(t, domain.EncryptionStatusError, p.a.Status())
}

func TestMediaE2EE_BadBundleWhileActiveIsIgnored(t *testing.T) {
	p := newMediaPair(t)
	p.connect(t)

	err := p.a.HandleKeyMessage(context.Background(), domain.SignalE2EEKey, []byte("junk"))
	assert.Error(t, err)
	assert.Equal(t, domain.EncryptionActive, p.a.Status())
}

func TestMediaE2EE_Unsupported(t *testing.T) {
	p := newMediaPair(t)
	p.ia.err = domain.ErrInsertableStreamsUnsupported

	err := p.a.Init(context.Background(), p.ia)
	var encErr *domain.EncryptionError
	require.True(t, errors.As(err, &encErr))
	assert.Equal(t, domain.EncryptionUnsupported, p.a.Status())
	assert.Empty(t, p.ka.sent, "no bundle is announced without frame interception")
}

func TestMediaE2EE_SendFailureDuringInit(t *testing.T) {
	p := newMediaPair(t)
	p.ka.fail = errBoom

	err := p.a.Init(context.Background(), p.ia)
	assert.Error(t, err)
	assert.Equal(t, domain.EncryptionStatusError, p.a.Status())
}

func TestMediaE2EE_CloseZeroesKeys(t *testing.T) {
	p := newMediaPair(t)
	p.connect(t)
	require.True(t, p.a.hasKeyMaterial())

	p.a.Close()
	p.a.Close()

	assert.False(t, p.a.hasKeyMaterial())
	assert.Equal(t, domain.EncryptionDisabled, p.a.Status())
	assert.Nil(t, p.ia.current(), "frame transforms are detached")
	assert.Empty(t, p.a.Fingerprint())

	_, err := p.a.EncryptFrame([]byte("x"))
	assert.Error(t, err)
	assert.ErrorIs(t, p.a.Init(context.Background(), p.ia), domain.ErrSessionClosed)
}

func TestMediaE2EE_RemoteRekeyOnNewPeer(t *testing.T) {
	p := newMediaPair(t)
	p.connect(t)
	ctx := context.Background()

	// A fresh remote replaces b with new key material.
	c := newTestMedia(t, &keyEnd{w: p.w, deliver: p.a.HandleKeyMessage}, p.clock)
	p.ka.deliver = c.HandleKeyMessage
	require.NoError(t, c.Init(ctx, &fakeInterceptor{}))
	p.w.pump()

	require.Equal(t, domain.EncryptionActive, c.Status())
	assert.Equal(t, c.Fingerprint(), p.a.RemoteFingerprint())
	assert.Equal(t, uint32(1), p.a.State().SendGeneration, "rekey moves to a new generation")

	f, err := p.a.EncryptFrame([]byte("to c"))
	require.NoError(t, err)
	out, err := c.DecryptFrame(f)
	require.NoError(t, err)
	assert.Equal(t, []byte("to c"), out)
}
