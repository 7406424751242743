package services

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"callcore/internal/core/domain"
	"callcore/internal/core/ports"
	"callcore/pkg/e2ee"
	"callcore/pkg/utils"
	"callcore/pkg/validation"

	"go.uber.org/zap"
)

const chatSigningLabel = "callcore-chat-v1"

type ChatE2EEConfig struct {
	// Encrypt false sends signed plaintext and never exchanges chat keys.
	Encrypt            bool
	KeyExchangeTimeout time.Duration
}

// ChatE2EE encrypts and signs chat messages and reactions. Its status is
// tracked separately from media so either side can fail on its own.
type ChatE2EE struct {
	cfg       ChatE2EEConfig
	local     domain.PeerID
	identity  *e2ee.IdentityKeyPair
	keys      ports.KeyTransport
	transport ports.ChatTransport
	metrics   ports.CallMetrics
	logger    *zap.SugaredLogger
	messages  *EventBus[domain.ChatMessageRecord]
	statuses  *EventBus[domain.EncryptionStatus]
	now       func() time.Time
	after     func(d time.Duration, f func()) (stop func() bool)

	mu            sync.Mutex
	fsm           *domain.StatusMachine
	epoch         uint64
	closed        bool
	subscription  ports.SubscriptionID
	subscribed    bool
	dh            *e2ee.DHKeyPair
	remoteDH      []byte
	remoteID      ed25519.PublicKey
	key           []byte
	pendingBundle *e2ee.KeyBundle
	kxStop        func() bool
	seen          *replayWindow
	failed        *replayWindow
	stats         domain.ChatStats
}

func NewChatE2EE(cfg ChatE2EEConfig, local domain.PeerID, identity *e2ee.IdentityKeyPair, keys ports.KeyTransport, transport ports.ChatTransport, metrics ports.CallMetrics, logger *zap.SugaredLogger) *ChatE2EE {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &ChatE2EE{
		cfg:       cfg,
		local:     local,
		identity:  identity,
		keys:      keys,
		transport: transport,
		metrics:   metrics,
		logger:    logger,
		messages:  NewEventBus[domain.ChatMessageRecord](),
		statuses:  NewEventBus[domain.EncryptionStatus](),
		now:       time.Now,
		after: func(d time.Duration, f func()) func() bool {
			return time.AfterFunc(d, f).Stop
		},
		fsm:    domain.NewChatStatusMachine(),
		seen:   newReplayWindow(defaultReplayWindowTTL, defaultReplayWindowSize),
		failed: newReplayWindow(defaultReplayWindowTTL, defaultReplayWindowSize),
		stats:  domain.ChatStats{Reactions: make(map[string]uint64)},
	}
}

// Subscribe delivers every unique inbound message, verified or not.
func (c *ChatE2EE) Subscribe(fn func(domain.ChatMessageRecord)) ports.SubscriptionID {
	return c.messages.Subscribe(fn)
}

func (c *ChatE2EE) Unsubscribe(id ports.SubscriptionID) {
	c.messages.Unsubscribe(id)
}

func (c *ChatE2EE) SubscribeStatus(fn func(domain.EncryptionStatus)) ports.SubscriptionID {
	return c.statuses.Subscribe(fn)
}

// Init starts listening on the chat transport and, when encryption is on,
// announces a chat key bundle.
func (c *ChatE2EE) Init(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return domain.ErrSessionClosed
	}
	if !c.subscribed {
		c.subscription = c.transport.OnChat(c.handleTransport)
		c.subscribed = true
	}
	if !c.cfg.Encrypt {
		c.mu.Unlock()
		return nil
	}
	if err := c.transitionLocked(domain.EncryptionInitializing); err != nil {
		c.mu.Unlock()
		return err
	}
	c.epoch++
	epoch := c.epoch
	c.wipeLocked()

	dh, err := e2ee.GenerateDH()
	if err != nil {
		c.mu.Unlock()
		return c.fail(epoch, err)
	}
	c.dh = dh
	c.kxStop = c.after(c.cfg.KeyExchangeTimeout, func() {
		c.mu.Lock()
		stale := epoch != c.epoch || c.fsm.Current() != domain.EncryptionInitializing
		c.mu.Unlock()
		if !stale {
			_ = c.fail(epoch, domain.ErrKeyExchangeTimeout)
		}
	})
	bundle := e2ee.NewKeyBundle(e2ee.PurposeChat, c.identity, dh, 0, false)
	early := c.pendingBundle
	c.pendingBundle = nil
	c.mu.Unlock()
	c.statuses.Publish(domain.EncryptionInitializing)

	if err := c.sendBundle(ctx, bundle); err != nil {
		return c.fail(epoch, &domain.SignalingError{Op: "send chat key", Err: err})
	}
	if early != nil {
		return c.acceptBundle(ctx, *early)
	}
	return nil
}

// HandleKeyMessage accepts a chat-key blob from the remote party.
func (c *ChatE2EE) HandleKeyMessage(ctx context.Context, blob []byte) error {
	var b e2ee.KeyBundle
	if err := e2ee.Decode(blob, &b); err != nil {
		return c.rejectBundle(err)
	}
	if err := b.Verify(e2ee.PurposeChat); err != nil {
		return c.rejectBundle(err)
	}
	return c.acceptBundle(ctx, b)
}

// Send encrypts, signs and transmits a text message.
func (c *ChatE2EE) Send(ctx context.Context, text string) (domain.ChatMessageRecord, error) {
	text = utils.SanitizeString(text)
	if err := validation.ValidateChatText(text); err != nil {
		return domain.ChatMessageRecord{}, err
	}
	return c.send(ctx, domain.ChatMessageText, text)
}

// SendReaction transmits a short reaction such as an emoji.
func (c *ChatE2EE) SendReaction(ctx context.Context, reaction string) (domain.ChatMessageRecord, error) {
	if err := validation.ValidateReaction(reaction); err != nil {
		return domain.ChatMessageRecord{}, err
	}
	return c.send(ctx, domain.ChatMessageReaction, reaction)
}

func (c *ChatE2EE) send(ctx context.Context, typ domain.ChatMessageType, text string) (domain.ChatMessageRecord, error) {
	sentAt := c.now()
	env := domain.ChatEnvelope{
		ID:       domain.MessageID(utils.NewMessageID()),
		SenderID: c.local,
		Type:     typ,
		SentAtMs: sentAt.UnixMilli(),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return domain.ChatMessageRecord{}, domain.ErrSessionClosed
	}
	if c.cfg.Encrypt {
		if c.fsm.Current() != domain.EncryptionActive {
			c.mu.Unlock()
			return domain.ChatMessageRecord{}, domain.ErrEncryptionNotActive
		}
		nonce, err := e2ee.NewNonce()
		if err != nil {
			c.mu.Unlock()
			return domain.ChatMessageRecord{}, err
		}
		body, err := e2ee.SealTo(nil, c.key, nonce, []byte(text), envelopeAD(env))
		if err != nil {
			c.mu.Unlock()
			return domain.ChatMessageRecord{}, fmt.Errorf("encrypt chat message: %w", err)
		}
		env.Encrypted, env.Nonce, env.Body = true, nonce, body
	} else {
		env.Body = []byte(text)
	}
	env.Signature = c.identity.Sign(envelopeSigningBytes(env))
	c.seen.Add(dedupeKey(env), sentAt)
	c.stats.Sent++
	c.mu.Unlock()

	if err := c.transport.SendChat(ctx, env); err != nil {
		return domain.ChatMessageRecord{}, &domain.SignalingError{Op: "send chat", Err: err}
	}
	return domain.ChatMessageRecord{
		ID:          env.ID,
		SenderID:    env.SenderID,
		Type:        typ,
		Plaintext:   text,
		IsEncrypted: env.Encrypted,
		SentAt:      sentAt,
	}, nil
}

// HandleInbound decrypts and verifies one envelope. A message whose
// signature fails is still returned and delivered, with IsVerified=false.
// Redelivered messages return fresh=false and are not delivered again.
// A message that fails to decrypt stays retryable but is counted once.
func (c *ChatE2EE) HandleInbound(env domain.ChatEnvelope) (rec domain.ChatMessageRecord, fresh bool, err error) {
	id := dedupeKey(env)
	now := c.now()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return domain.ChatMessageRecord{}, false, domain.ErrSessionClosed
	}
	if c.seen.Contains(id, now) {
		c.stats.Duplicates++
		c.mu.Unlock()
		return domain.ChatMessageRecord{}, false, nil
	}

	plaintext := env.Body
	if env.Encrypted {
		if c.key == nil {
			c.countDecryptFailureLocked(id, now)
			c.mu.Unlock()
			return domain.ChatMessageRecord{}, false, domain.ErrEncryptionNotActive
		}
		plaintext, err = e2ee.Open(c.key, env.Nonce, env.Body, envelopeAD(env))
		if err != nil {
			c.countDecryptFailureLocked(id, now)
			c.mu.Unlock()
			return domain.ChatMessageRecord{}, false, fmt.Errorf("%w: chat message %s", domain.ErrMalformedFrame, env.ID)
		}
	}

	rec = domain.ChatMessageRecord{
		ID:          domain.MessageID(id),
		SenderID:    env.SenderID,
		Type:        env.Type,
		Plaintext:   string(plaintext),
		IsEncrypted: env.Encrypted,
		SentAt:      time.UnixMilli(env.SentAtMs),
	}
	if c.remoteID != nil {
		verified := e2ee.Verify(c.remoteID, envelopeSigningBytes(env), env.Signature)
		rec.IsVerified = &verified
		if !verified {
			c.stats.VerificationFailures++
		}
	}
	c.seen.Add(id, now)
	c.stats.Received++
	if env.Type == domain.ChatMessageReaction {
		c.stats.Reactions[rec.Plaintext]++
	}
	c.mu.Unlock()

	if rec.IsVerified != nil && !*rec.IsVerified {
		c.metrics.RecordChatVerificationFailure()
		c.logger.Warnw("chat message failed signature verification",
			"message_id", rec.ID,
			"sender_id", rec.SenderID,
		)
	}
	c.messages.Publish(rec)
	return rec, true, nil
}

func (c *ChatE2EE) countDecryptFailureLocked(id string, now time.Time) {
	if c.failed.Contains(id, now) {
		return
	}
	c.failed.Add(id, now)
	c.stats.DecryptionErrors++
}

func (c *ChatE2EE) Status() domain.EncryptionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fsm.Current()
}

func (c *ChatE2EE) Stats() domain.ChatStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.stats
	out.Reactions = make(map[string]uint64, len(c.stats.Reactions))
	for k, v := range c.stats.Reactions {
		out.Reactions[k] = v
	}
	return out
}

// Close zeroes the chat key and stops listening. Safe to call more than once.
func (c *ChatE2EE) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.epoch++
	c.wipeLocked()
	c.pendingBundle = nil
	changed := false
	if c.fsm.Current() != domain.EncryptionDisabled {
		changed = c.transitionLocked(domain.EncryptionDisabled) == nil
	}
	sub, subscribed := c.subscription, c.subscribed
	c.subscribed = false
	c.mu.Unlock()

	if subscribed {
		c.transport.Unsubscribe(sub)
	}
	if changed {
		c.statuses.Publish(domain.EncryptionDisabled)
	}
}

func (c *ChatE2EE) handleTransport(env domain.ChatEnvelope) {
	if env.SenderID == c.local {
		return
	}
	if _, _, err := c.HandleInbound(env); err != nil {
		c.logger.Warnw("dropped inbound chat message",
			"message_id", env.ID,
			"sender_id", env.SenderID,
			"error", err,
		)
	}
}

func (c *ChatE2EE) acceptBundle(ctx context.Context, b e2ee.KeyBundle) error {
	c.mu.Lock()
	if !c.cfg.Encrypt || c.closed {
		c.mu.Unlock()
		return nil
	}
	if c.dh == nil || c.fsm.Current() == domain.EncryptionStatusError {
		c.pendingBundle = &b
		c.mu.Unlock()
		return nil
	}
	if c.remoteDH != nil && bytes.Equal(c.remoteDH, b.DHKey) {
		reply := e2ee.NewKeyBundle(e2ee.PurposeChat, c.identity, c.dh, 0, true)
		c.mu.Unlock()
		if !b.Reply {
			return c.sendBundle(ctx, reply)
		}
		return nil
	}

	pairing, err := e2ee.NewPairing(e2ee.PurposeChat, c.dh, b.DHKey)
	if err != nil {
		c.mu.Unlock()
		return c.rejectBundle(err)
	}
	key, err := pairing.ChannelKey()
	pairing.Wipe()
	if err != nil {
		c.mu.Unlock()
		return c.rejectBundle(err)
	}

	rekey := c.key != nil
	e2ee.Zero(c.key)
	c.key = key
	c.remoteDH = append([]byte(nil), b.DHKey...)
	c.remoteID = append(ed25519.PublicKey(nil), b.IdentityKey...)
	if c.kxStop != nil {
		c.kxStop()
		c.kxStop = nil
	}
	changed := false
	if c.fsm.Current() != domain.EncryptionActive {
		if err := c.transitionLocked(domain.EncryptionActive); err != nil {
			c.mu.Unlock()
			return err
		}
		changed = true
	}
	reply := e2ee.NewKeyBundle(e2ee.PurposeChat, c.identity, c.dh, 0, true)
	c.mu.Unlock()

	if changed {
		c.statuses.Publish(domain.EncryptionActive)
	}
	c.logger.Infow("chat encryption active", "rekey", rekey)
	if !b.Reply || rekey {
		return c.sendBundle(ctx, reply)
	}
	return nil
}

func (c *ChatE2EE) rejectBundle(cause error) error {
	err := fmt.Errorf("%w: %v", domain.ErrMalformedKeyMaterial, cause)
	c.mu.Lock()
	initializing := c.fsm.Current() == domain.EncryptionInitializing
	epoch := c.epoch
	c.mu.Unlock()
	if initializing {
		return c.fail(epoch, err)
	}
	c.logger.Warnw("ignored invalid chat key bundle", "error", cause)
	return err
}

func (c *ChatE2EE) fail(epoch uint64, cause error) error {
	encErr := &domain.EncryptionError{Op: "chat key exchange", Err: cause}
	c.mu.Lock()
	if epoch != c.epoch || c.closed || !c.fsm.CanTransition(domain.EncryptionStatusError) {
		c.mu.Unlock()
		return encErr
	}
	if c.kxStop != nil {
		c.kxStop()
		c.kxStop = nil
	}
	_ = c.transitionLocked(domain.EncryptionStatusError)
	c.mu.Unlock()

	c.logger.Warnw("chat encryption failed", "error", cause)
	c.statuses.Publish(domain.EncryptionStatusError)
	return encErr
}

func (c *ChatE2EE) sendBundle(ctx context.Context, b e2ee.KeyBundle) error {
	blob, err := e2ee.Encode(b)
	if err != nil {
		return err
	}
	return c.keys.SendKeyMaterial(ctx, domain.SignalChatKey, blob)
}

func (c *ChatE2EE) transitionLocked(to domain.EncryptionStatus) error {
	if err := c.fsm.Transition(to); err != nil {
		return err
	}
	c.metrics.SetEncryptionStatus("chat", to)
	return nil
}

func (c *ChatE2EE) wipeLocked() {
	if c.kxStop != nil {
		c.kxStop()
		c.kxStop = nil
	}
	e2ee.Zero(c.key)
	c.key = nil
	c.dh.Wipe()
	c.dh = nil
	c.remoteDH, c.remoteID = nil, nil
}

// hasKeyMaterial reports whether any secret is still held.
func (c *ChatE2EE) hasKeyMaterial() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.key != nil || c.dh != nil
}

// dedupeKey is the explicit id when present, otherwise sender and type
// (plus reaction text for reactions).
func dedupeKey(env domain.ChatEnvelope) string {
	if env.ID != "" {
		return string(env.ID)
	}
	key := string(env.SenderID) + ":" + string(env.Type)
	if env.Type == domain.ChatMessageReaction && !env.Encrypted {
		key += ":" + string(env.Body)
	}
	return key
}

func envelopeAD(env domain.ChatEnvelope) []byte {
	var buf bytes.Buffer
	buf.WriteString(chatSigningLabel + "/ad/")
	buf.WriteString(string(env.ID))
	buf.WriteByte(0)
	buf.WriteString(string(env.SenderID))
	buf.WriteByte(0)
	buf.WriteString(string(env.Type))
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(env.SentAtMs))
	buf.Write(ts[:])
	return buf.Bytes()
}

func envelopeSigningBytes(env domain.ChatEnvelope) []byte {
	var buf bytes.Buffer
	buf.WriteString(chatSigningLabel + "/sig/")
	buf.Write(envelopeAD(env))
	if env.Encrypted {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	buf.Write(env.Nonce)
	buf.Write(env.Body)
	return buf.Bytes()
}
