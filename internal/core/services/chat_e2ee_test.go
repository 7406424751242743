package services

import (
	"context"
	"sync"
	"testing"

	"callcore/internal/core/domain"
	"callcore/pkg/e2ee"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type chatInbox struct {
	mu   sync.Mutex
	recs []domain.ChatMessageRecord
}

func (i *chatInbox) add(r domain.ChatMessageRecord) {
	i.mu.Lock()
	i.recs = append(i.recs, r)
	i.mu.Unlock()
}

func (i *chatInbox) all() []domain.ChatMessageRecord {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]domain.ChatMessageRecord(nil), i.recs...)
}

type chatPair struct {
	a, b           *ChatE2EE
	ta, tb         *chatEnd
	ka, kb         *keyEnd
	inboxA, inboxB *chatInbox
	w              *wire
	clock          *fakeClock
}

func newChatPair(t *testing.T, encrypt bool) *chatPair {
	t.Helper()
	w := &wire{}
	p := &chatPair{
		ta:     newChatEnd(w),
		tb:     newChatEnd(w),
		ka:     &keyEnd{w: w},
		kb:     &keyEnd{w: w},
		inboxA: &chatInbox{},
		inboxB: &chatInbox{},
		w:      w,
		clock:  newFakeClock(),
	}
	p.ta.peer, p.tb.peer = p.tb, p.ta

	cfg := ChatE2EEConfig{Encrypt: encrypt, KeyExchangeTimeout: DefaultMediaE2EEConfig().KeyExchangeTimeout}
	mk := func(peer domain.PeerID, keys *keyEnd, tr *chatEnd, inbox *chatInbox) *ChatE2EE {
		id, err := e2ee.GenerateIdentity()
		require.NoError(t, err)
		c := NewChatE2EE(cfg, peer, id, keys, tr, nil, zaptest.NewLogger(t).Sugar())
		c.now = p.clock.Now
		c.after = p.clock.After
		c.Subscribe(inbox.add)
		return c
	}
	p.a = mk("peer-a", p.ka, p.ta, p.inboxA)
	p.b = mk("peer-b", p.kb, p.tb, p.inboxB)
	p.ka.deliver = func(ctx context.Context, _ domain.SignalKind, blob []byte) error {
		return p.b.HandleKeyMessage(ctx, blob)
	}
	p.kb.deliver = func(ctx context.Context, _ domain.SignalKind, blob []byte) error {
		return p.a.HandleKeyMessage(ctx, blob)
	}
	return p
}

func (p *chatPair) connect(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, p.a.Init(ctx))
	require.NoError(t, p.b.Init(ctx))
	p.w.pump()
}

func TestChatE2EE_EncryptedExchange(t *testing.T) {
	p := newChatPair(t, true)
	p.connect(t)
	require.Equal(t, domain.EncryptionActive, p.a.Status())
	require.Equal(t, domain.EncryptionActive, p.b.Status())

	sent, err := p.a.Send(context.Background(), "hello doctor")
	require.NoError(t, err)
	assert.True(t, sent.IsEncrypted)
	p.w.pump()

	got := p.inboxB.all()
	require.Len(t, got, 1)
	assert.Equal(t, "hello doctor", got[0].Plaintext)
	assert.Equal(t, domain.PeerID("peer-a"), got[0].SenderID)
	assert.True(t, got[0].IsEncrypted)
	require.NotNil(t, got[0].IsVerified)
	assert.True(t, *got[0].IsVerified)

	onWire := p.ta.sent[0]
	assert.NotContains(t, string(onWire.Body), "hello doctor")
	assert.Equal(t, uint64(1), p.a.Stats().Sent)
	assert.Equal(t, uint64(1), p.b.Stats().Received)
}

func TestChatE2EE_SendRequiresActiveKey(t *testing.T) {
	p := newChatPair(t, true)
	require.NoError(t, p.a.Init(context.Background()))

	_, err := p.a.Send(context.Background(), "too early")
	assert.ErrorIs(t, err, domain.ErrEncryptionNotActive)
}

func TestChatE2EE_InvalidText(t *testing.T) {
	p := newChatPair(t, false)
	require.NoError(t, p.a.Init(context.Background()))

	_, err := p.a.Send(context.Background(), "   ")
	assert.Error(t, err)
	_, err = p.a.Send(context.Background(), "\x01\x02 \x7f")
	assert.Error(t, err, "control characters alone are an empty message")
	_, err = p.a.SendReaction(context.Background(), "this is far too long for a reaction")
	assert.Error(t, err)
	assert.Empty(t, p.ta.sent)
}

func TestChatE2EE_FailedSignatureIsDeliveredOnce(t *testing.T) {
	p := newChatPair(t, true)
	p.connect(t)

	_, err := p.a.Send(context.Background(), "results are ready")
	require.NoError(t, err)
	p.w.drop()

	forged := p.ta.sent[0]
	forged.Signature = append([]byte(nil), forged.Signature...)
	forged.Signature[0] ^= 0xff

	for i := 0; i < 3; i++ {
		rec, fresh, err := p.b.HandleInbound(forged)
		require.NoError(t, err)
		if i == 0 {
			assert.True(t, fresh)
			require.NotNil(t, rec.IsVerified)
			assert.False(t, *rec.IsVerified)
			assert.Equal(t, "results are ready", rec.Plaintext)
		} else {
			assert.False(t, fresh)
		}
	}

	stats := p.b.Stats()
	assert.Equal(t, uint64(1), stats.VerificationFailures)
	assert.Equal(t, uint64(2), stats.Duplicates)
	assert.Equal(t, uint64(1), stats.Received)

	got := p.inboxB.all()
	require.Len(t, got, 1)
	assert.False(t, *got[0].IsVerified)
}

func TestChatE2EE_ReactionDedupWithoutID(t *testing.T) {
	p := newChatPair(t, false)
	require.NoError(t, p.b.Init(context.Background()))

	env := domain.ChatEnvelope{
		SenderID: "peer-a",
		Type:     domain.ChatMessageReaction,
		Body:     []byte("👍"),
		SentAtMs: 1,
	}
	_, fresh, err := p.b.HandleInbound(env)
	require.NoError(t, err)
	assert.True(t, fresh)

	env.SentAtMs = 2
	_, fresh, err = p.b.HandleInbound(env)
	require.NoError(t, err)
	assert.False(t, fresh, "replayed reaction is recognised by sender and type")

	other := env
	other.Body = []byte("🎉")
	_, fresh, err = p.b.HandleInbound(other)
	require.NoError(t, err)
	assert.True(t, fresh)

	stats := p.b.Stats()
	assert.Equal(t, uint64(1), stats.Reactions["👍"])
	assert.Equal(t, uint64(1), stats.Reactions["🎉"])
	assert.Equal(t, uint64(1), stats.Duplicates)
}

func TestChatE2EE_PlaintextPolicy(t *testing.T) {
	p := newChatPair(t, false)
	p.connect(t)
	assert.Equal(t, domain.EncryptionDisabled, p.a.Status())
	assert.Empty(t, p.ka.sent, "no chat keys are exchanged")

	sent, err := p.a.SendReaction(context.Background(), "👋")
	require.NoError(t, err)
	assert.False(t, sent.IsEncrypted)
	p.w.pump()

	got := p.inboxB.all()
	require.Len(t, got, 1)
	assert.Equal(t, "👋", got[0].Plaintext)
	assert.Nil(t, got[0].IsVerified, "no known key to verify against")
}

func TestChatE2EE_UndecryptableMessage(t *testing.T) {
	p := newChatPair(t, true)
	p.connect(t)

	env := domain.ChatEnvelope{
		ID:        "m-1",
		SenderID:  "peer-a",
		Type:      domain.ChatMessageText,
		Encrypted: true,
		Nonce:     make([]byte, e2ee.NonceSize),
		Body:      []byte("not ciphertext at all"),
	}
	_, fresh, err := p.b.HandleInbound(env)
	assert.Error(t, err)
	assert.False(t, fresh)
	assert.Equal(t, uint64(1), p.b.Stats().DecryptionErrors)
	assert.Empty(t, p.inboxB.all())
}

func TestChatE2EE_RedeliveredUndecryptableCountsOnce(t *testing.T) {
	p := newChatPair(t, true)
	p.connect(t)

	env := domain.ChatEnvelope{
		ID:        "m-2",
		SenderID:  "peer-a",
		Type:      domain.ChatMessageText,
		Encrypted: true,
		Nonce:     make([]byte, e2ee.NonceSize),
		Body:      []byte("garbage"),
	}
	for i := 0; i < 3; i++ {
		_, fresh, err := p.b.HandleInbound(env)
		assert.Error(t, err)
		assert.False(t, fresh)
	}

	stats := p.b.Stats()
	assert.Equal(t, uint64(1), stats.DecryptionErrors)
	assert.Zero(t, stats.Received)
	assert.Zero(t, stats.Duplicates)
	assert.Empty(t, p.inboxB.all())
}

func TestChatE2EE_MessageBeforeKeyStaysRetryable(t *testing.T) {
	p := newChatPair(t, true)
	ctx := context.Background()

	// hold a's bundles so only a becomes active
	var held [][]byte
	p.ka.deliver = func(_ context.Context, _ domain.SignalKind, blob []byte) error {
		held = append(held, blob)
		return nil
	}
	require.NoError(t, p.b.Init(ctx))
	require.NoError(t, p.a.Init(ctx))
	p.w.pump()
	require.Equal(t, domain.EncryptionActive, p.a.Status())
	require.Equal(t, domain.EncryptionInitializing, p.b.Status())
	require.NotEmpty(t, held)

	_, err := p.a.Send(ctx, "before your key")
	require.NoError(t, err)
	env := p.ta.sent[len(p.ta.sent)-1]
	p.w.pump()
	_, _, err = p.b.HandleInbound(env)
	assert.ErrorIs(t, err, domain.ErrEncryptionNotActive)
	assert.Equal(t, uint64(1), p.b.Stats().DecryptionErrors)
	assert.Empty(t, p.inboxB.all())

	require.NoError(t, p.b.HandleKeyMessage(ctx, held[0]))
	require.Equal(t, domain.EncryptionActive, p.b.Status())

	rec, fresh, err := p.b.HandleInbound(env)
	require.NoError(t, err)
	assert.True(t, fresh)
	assert.Equal(t, "before your key", rec.Plaintext)
	assert.Equal(t, uint64(1), p.b.Stats().DecryptionErrors)
	assert.Len(t, p.inboxB.all(), 1)
}

func TestChatE2EE_StatsIgnoreRedelivery(t *testing.T) {
	p := newChatPair(t, true)
	p.connect(t)

	_, err := p.a.SendReaction(context.Background(), "👍")
	require.NoError(t, err)
	env := p.ta.sent[len(p.ta.sent)-1]
	p.w.pump()

	for i := 0; i < 3; i++ {
		_, fresh, err := p.b.HandleInbound(env)
		require.NoError(t, err)
		assert.False(t, fresh)
	}

	stats := p.b.Stats()
	assert.Equal(t, uint64(1), stats.Received)
	assert.Equal(t, uint64(1), stats.Reactions["👍"])
	assert.Equal(t, uint64(3), stats.Duplicates)
	assert.Zero(t, stats.VerificationFailures)
	assert.Len(t, p.inboxB.all(), 1)
}

func TestChatE2EE_IgnoresOwnEcho(t *testing.T) {
	p := newChatPair(t, false)
	require.NoError(t, p.a.Init(context.Background()))

	p.ta.bus.Publish(domain.ChatEnvelope{ID: "x", SenderID: "peer-a", Type: domain.ChatMessageText, Body: []byte("echo")})
	assert.Empty(t, p.inboxA.all())
}

func TestChatE2EE_KeyExchangeTimeout(t *testing.T) {
	p := newChatPair(t, true)
	p.ka.deliver = nil

	var statuses []domain.EncryptionStatus
	p.a.SubscribeStatus(func(s domain.EncryptionStatus) { statuses = append(statuses, s) })

	require.NoError(t, p.a.Init(context.Background()))
	p.clock.Advance(DefaultMediaE2EEConfig().KeyExchangeTimeout)

	assert.Equal(t, domain.EncryptionStatusError, p.a.Status())
	assert.Equal(t, []domain.EncryptionStatus{domain.EncryptionInitializing, domain.EncryptionStatusError}, statuses)
}

func TestChatE2EE_RecoversAfterTimeout(t *testing.T) {
	p := newChatPair(t, true)
	ctx := context.Background()

	require.NoError(t, p.a.Init(ctx))
	p.w.drop()
	p.clock.Advance(DefaultMediaE2EEConfig().KeyExchangeTimeout)
	require.Equal(t, domain.EncryptionStatusError, p.a.Status())

	require.NoError(t, p.b.Init(ctx))
	p.w.pump()
	assert.Equal(t, domain.EncryptionStatusError, p.a.Status(), "bundle is held until the next init")

	require.NoError(t, p.a.Init(ctx))
	p.w.pump()
	assert.Equal(t, domain.EncryptionActive, p.a.Status())
	assert.Equal(t, domain.EncryptionActive, p.b.Status())
}

func TestChatE2EE_CloseZeroesKeys(t *testing.T) {
	p := newChatPair(t, true)
	p.connect(t)
	require.True(t, p.a.hasKeyMaterial())

	p.a.Close()
	p.a.Close()

	assert.False(t, p.a.hasKeyMaterial())
	assert.Equal(t, domain.EncryptionDisabled, p.a.Status())
	assert.Equal(t, 0, p.ta.bus.Len())
	_, _, err := p.a.HandleInbound(domain.ChatEnvelope{ID: "late"})
	assert.ErrorIs(t, err, domain.ErrSessionClosed)
}
