package services

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"
	"time"

	"callcore/internal/core/domain"
	"callcore/internal/core/ports"
	"callcore/pkg/e2ee"
	"callcore/pkg/tracing"

	"go.uber.org/zap"
)

type MediaE2EEConfig struct {
	KeyExchangeTimeout time.Duration
	RotationAckTimeout time.Duration
	// GraceWindow is how long a superseded receive key stays usable.
	GraceWindow time.Duration
}

func DefaultMediaE2EEConfig() MediaE2EEConfig {
	return MediaE2EEConfig{
		KeyExchangeTimeout: 15 * time.Second,
		RotationAckTimeout: 10 * time.Second,
		GraceWindow:        10 * time.Second,
	}
}

type receiveKey struct {
	key      []byte
	retireAt time.Time
}

type pendingRotation struct {
	generation uint32
	key        []byte
	stop       func() bool
}

// MediaE2EE encrypts outgoing and decrypts incoming media frames. Every
// frame carries the generation of the key that sealed it; receive keys of
// superseded generations stay valid for GraceWindow.
type MediaE2EE struct {
	cfg       MediaE2EEConfig
	identity  *e2ee.IdentityKeyPair
	transport ports.KeyTransport
	metrics   ports.CallMetrics
	logger    *zap.SugaredLogger
	events    *EventBus[domain.EncryptionState]
	now       func() time.Time
	after     func(d time.Duration, f func()) (stop func() bool)

	mu          sync.Mutex
	fsm         *domain.StatusMachine
	epoch       uint64
	closed      bool
	changed     chan struct{}
	interceptor ports.FrameInterceptor

	dh      *e2ee.DHKeyPair
	localFP string
	pairing *e2ee.Pairing
	// bundle that arrived before we were ready to pair
	pendingBundle *e2ee.KeyBundle

	remoteIdentity ed25519.PublicKey
	remoteDH       []byte
	remoteFP       string

	keyGen       uint32
	announcedGen uint32
	paired       bool
	sendGen      uint32
	sendKey      []byte
	rotation     *pendingRotation
	kxStop       func() bool

	recv       map[uint32]*receiveKey
	recvLatest uint32

	stats   domain.EncryptionStats
	errMsg  string
	lastErr error
}

func NewMediaE2EE(cfg MediaE2EEConfig, identity *e2ee.IdentityKeyPair, transport ports.KeyTransport, metrics ports.CallMetrics, logger *zap.SugaredLogger) *MediaE2EE {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &MediaE2EE{
		cfg:       cfg,
		identity:  identity,
		transport: transport,
		metrics:   metrics,
		logger:    logger,
		events:    NewEventBus[domain.EncryptionState](),
		now:       time.Now,
		after: func(d time.Duration, f func()) func() bool {
			return time.AfterFunc(d, f).Stop
		},
		fsm:     domain.NewMediaStatusMachine(),
		changed: make(chan struct{}),
		recv:    make(map[uint32]*receiveKey),
	}
}

func (m *MediaE2EE) Subscribe(fn func(domain.EncryptionState)) ports.SubscriptionID {
	return m.events.Subscribe(fn)
}

func (m *MediaE2EE) Unsubscribe(id ports.SubscriptionID) {
	m.events.Unsubscribe(id)
}

// Init generates fresh key material, installs the frame transforms on
// interceptor and announces our key bundle. It returns once the bundle is
// sent; use AwaitActive to wait for the remote side.
func (m *MediaE2EE) Init(ctx context.Context, interceptor ports.FrameInterceptor) (err error) {
	ctx, span := tracing.TraceE2EE(ctx, "init", 0)
	defer func() { tracing.End(span, err) }()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return domain.ErrSessionClosed
	}
	if err := m.transitionLocked(domain.EncryptionInitializing); err != nil {
		m.mu.Unlock()
		return err
	}
	m.epoch++
	epoch := m.epoch
	m.interceptor = interceptor
	m.errMsg, m.lastErr = "", nil
	m.wipeLocked()

	dh, err := e2ee.GenerateDH()
	if err != nil {
		m.mu.Unlock()
		return m.fail(epoch, "init", err)
	}
	m.dh = dh
	m.localFP = e2ee.Fingerprint(m.identity.Public, dh.Public[:])
	if m.paired {
		m.keyGen++
	}
	m.announcedGen = m.keyGen
	state := m.stateLocked()
	m.mu.Unlock()
	m.events.Publish(state)

	if err := interceptor.SetFrameCryptor(m); err != nil {
		if errors.Is(err, domain.ErrInsertableStreamsUnsupported) {
			return m.markUnsupported(epoch, err)
		}
		return m.fail(epoch, "init", err)
	}

	m.mu.Lock()
	if epoch != m.epoch {
		m.mu.Unlock()
		return domain.ErrSessionClosed
	}
	if err := m.transitionLocked(domain.EncryptionKeyExchange); err != nil {
		m.mu.Unlock()
		return err
	}
	m.kxStop = m.after(m.cfg.KeyExchangeTimeout, func() { m.keyExchangeTimedOut(epoch) })
	bundle := e2ee.NewKeyBundle(e2ee.PurposeMedia, m.identity, m.dh, m.announcedGen, false)
	early := m.pendingBundle
	m.pendingBundle = nil
	state = m.stateLocked()
	m.mu.Unlock()
	m.events.Publish(state)

	m.logger.Infow("media key exchange started",
		"fingerprint", state.LocalFingerprint,
		"generation", bundle.Generation,
	)

	if err := m.sendBlob(ctx, domain.SignalE2EEKey, bundle); err != nil {
		return m.fail(epoch, "key exchange", &domain.SignalingError{Op: "send key bundle", Err: err})
	}
	if early != nil {
		return m.acceptBundle(ctx, *early)
	}
	return nil
}

// HandleKeyMessage processes e2ee-key, e2ee-rotate and e2ee-ack blobs.
// Other kinds are ignored.
func (m *MediaE2EE) HandleKeyMessage(ctx context.Context, kind domain.SignalKind, blob []byte) error {
	switch kind {
	case domain.SignalE2EEKey:
		var b e2ee.KeyBundle
		if err := e2ee.Decode(blob, &b); err != nil {
			return m.rejectKeyMaterial(err)
		}
		if err := b.Verify(e2ee.PurposeMedia); err != nil {
			return m.rejectKeyMaterial(err)
		}
		return m.acceptBundle(ctx, b)
	case domain.SignalE2EERotate:
		var n e2ee.RotationNotice
		if err := e2ee.Decode(blob, &n); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrMalformedKeyMaterial, err)
		}
		return m.acceptRotation(ctx, n)
	case domain.SignalE2EEAck:
		var a e2ee.RotationAck
		if err := e2ee.Decode(blob, &a); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrMalformedKeyMaterial, err)
		}
		return m.acceptAck(a)
	}
	return nil
}

// AwaitActive blocks until the pipeline is active, has failed, or ctx ends.
func (m *MediaE2EE) AwaitActive(ctx context.Context) error {
	for {
		m.mu.Lock()
		status, ch, lastErr, closed := m.fsm.Current(), m.changed, m.lastErr, m.closed
		m.mu.Unlock()

		switch {
		case closed:
			return domain.ErrSessionClosed
		case status == domain.EncryptionActive || status == domain.EncryptionKeyRotation:
			return nil
		case status == domain.EncryptionUnsupported:
			return &domain.EncryptionError{Op: "init", Err: domain.ErrInsertableStreamsUnsupported}
		case status == domain.EncryptionStatusError:
			return &domain.EncryptionError{Op: "key exchange", Err: lastErr}
		case status == domain.EncryptionDisabled:
			return domain.ErrEncryptionNotActive
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// RotateKeys starts a rotation to a fresh random send key. The new key is
// used only after the remote acknowledges it. Calling it while a rotation
// is pending is a no-op; calling it in the error state retries the exchange.
func (m *MediaE2EE) RotateKeys(ctx context.Context) (err error) {
	m.mu.Lock()
	switch m.fsm.Current() {
	case domain.EncryptionKeyRotation:
		m.mu.Unlock()
		return nil
	case domain.EncryptionStatusError:
		interceptor := m.interceptor
		m.mu.Unlock()
		if interceptor == nil {
			return domain.ErrEncryptionNotActive
		}
		m.logger.Infow("retrying media key exchange after error")
		return m.Init(ctx, interceptor)
	case domain.EncryptionActive:
	default:
		m.mu.Unlock()
		return domain.ErrEncryptionNotActive
	}

	gen := m.keyGen + 1
	ctx, span := tracing.TraceE2EE(ctx, "rotate", gen)
	defer func() { tracing.End(span, err) }()

	key, err := e2ee.RandomKey()
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("generate rotated key: %w", err)
	}
	notice, err := e2ee.NewRotationNotice(e2ee.PurposeMedia, m.identity, m.pairing.WrapKey, key, gen)
	if err != nil {
		e2ee.Zero(key)
		m.mu.Unlock()
		return err
	}
	if err := m.transitionLocked(domain.EncryptionKeyRotation); err != nil {
		e2ee.Zero(key)
		m.mu.Unlock()
		return err
	}
	m.keyGen = gen
	epoch := m.epoch
	m.rotation = &pendingRotation{generation: gen, key: key}
	m.rotation.stop = m.after(m.cfg.RotationAckTimeout, func() { m.rotationTimedOut(epoch, gen) })
	state := m.stateLocked()
	m.mu.Unlock()
	m.events.Publish(state)

	m.logger.Infow("media key rotation started", "generation", gen)

	if err := m.sendBlob(ctx, domain.SignalE2EERotate, notice); err != nil {
		m.abandonRotation(epoch, gen)
		return &domain.SignalingError{Op: "send key rotation", Err: err}
	}
	return nil
}

// EncryptFrame seals an outgoing frame under the current send generation.
func (m *MediaE2EE) EncryptFrame(payload []byte) ([]byte, error) {
	m.mu.Lock()
	status := m.fsm.Current()
	if m.sendKey == nil || (status != domain.EncryptionActive && status != domain.EncryptionKeyRotation) {
		m.mu.Unlock()
		return nil, domain.ErrEncryptionNotActive
	}

	start := time.Now()
	frame, err := e2ee.SealFrame(m.sendKey, m.sendGen, payload)
	elapsed := time.Since(start)

	m.stats.TotalFrames++
	if err != nil {
		m.stats.EncryptionErrors++
	} else {
		m.stats.EncryptedFrames++
		m.stats.AverageEncryptionTimeMs = cumulativeMean(m.stats.AverageEncryptionTimeMs, elapsed, m.stats.EncryptedFrames)
	}
	m.mu.Unlock()

	m.metrics.ObserveFrame("encrypt", err == nil, elapsed)
	if err != nil {
		return nil, fmt.Errorf("encrypt frame: %w", err)
	}
	return frame, nil
}

// DecryptFrame selects the receive key by the frame's generation tag. Frames
// under unknown or retired generations fail closed.
func (m *MediaE2EE) DecryptFrame(frame []byte) ([]byte, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, domain.ErrSessionClosed
	}

	start := time.Now()
	pt, err := m.decryptLocked(frame)
	elapsed := time.Since(start)

	m.stats.TotalFrames++
	if err != nil {
		m.stats.DecryptionErrors++
	} else {
		m.stats.DecryptedFrames++
		m.stats.AverageDecryptionTimeMs = cumulativeMean(m.stats.AverageDecryptionTimeMs, elapsed, m.stats.DecryptedFrames)
	}
	m.mu.Unlock()

	m.metrics.ObserveFrame("decrypt", err == nil, elapsed)
	return pt, err
}

func (m *MediaE2EE) decryptLocked(frame []byte) ([]byte, error) {
	gen, err := e2ee.FrameGeneration(frame)
	if err != nil {
		return nil, domain.ErrMalformedFrame
	}
	rk, ok := m.recv[gen]
	if ok && !rk.retireAt.IsZero() && !m.now().Before(rk.retireAt) {
		m.retireLocked(gen)
		ok = false
	}
	if !ok {
		return nil, fmt.Errorf("%w: %d", domain.ErrUnknownKeyGeneration, gen)
	}
	pt, err := e2ee.OpenFrame(rk.key, frame)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedFrame, err)
	}
	return pt, nil
}

func (m *MediaE2EE) Status() domain.EncryptionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fsm.Current()
}

// State returns a copy of the encryption context for display.
func (m *MediaE2EE) State() domain.EncryptionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateLocked()
}

func (m *MediaE2EE) Fingerprint() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.localFP
}

func (m *MediaE2EE) RemoteFingerprint() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remoteFP
}

func (m *MediaE2EE) Stats() domain.EncryptionStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// Close zeroes every key, cancels timers and detaches the frame transforms.
// Safe to call more than once.
func (m *MediaE2EE) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.epoch++
	m.wipeLocked()
	m.localFP, m.remoteFP = "", ""
	m.pendingBundle = nil
	if m.fsm.Current() != domain.EncryptionDisabled {
		_ = m.transitionLocked(domain.EncryptionDisabled)
	}
	interceptor := m.interceptor
	m.interceptor = nil
	state := m.stateLocked()
	m.mu.Unlock()

	if interceptor != nil {
		_ = interceptor.SetFrameCryptor(nil)
	}
	m.events.Publish(state)
	m.logger.Debugw("media encryption closed")
}

func (m *MediaE2EE) acceptBundle(ctx context.Context, b e2ee.KeyBundle) error {
	m.mu.Lock()
	switch m.fsm.Current() {
	case domain.EncryptionDisabled, domain.EncryptionInitializing, domain.EncryptionStatusError:
		// Paired on the next Init.
		m.pendingBundle = &b
		m.mu.Unlock()
		return nil
	case domain.EncryptionUnsupported:
		m.mu.Unlock()
		return nil
	}

	if m.remoteDH != nil && bytes.Equal(m.remoteDH, b.DHKey) {
		err := m.refreshRemoteGenerationLocked(b.Generation)
		reply := e2ee.NewKeyBundle(e2ee.PurposeMedia, m.identity, m.dh, m.announcedGen, true)
		m.mu.Unlock()
		if err != nil {
			return err
		}
		if !b.Reply {
			return m.sendBlob(ctx, domain.SignalE2EEKey, reply)
		}
		return nil
	}

	rekey := m.pairing != nil
	if rekey {
		m.pairing.Wipe()
		m.pairing = nil
		m.wipeReceiveKeysLocked()
		m.wipeRotationLocked()
		e2ee.Zero(m.sendKey)
		m.sendKey = nil
		m.keyGen++
		m.announcedGen = m.keyGen
	}

	pairing, err := e2ee.NewPairing(e2ee.PurposeMedia, m.dh, b.DHKey)
	if err != nil {
		m.mu.Unlock()
		return m.rejectKeyMaterial(err)
	}
	recvKey, err := pairing.RemoteInitialKey(b.Generation)
	if err != nil {
		pairing.Wipe()
		m.mu.Unlock()
		return m.rejectKeyMaterial(err)
	}
	sendKey, err := pairing.LocalInitialKey(m.announcedGen)
	if err != nil {
		e2ee.Zero(recvKey)
		pairing.Wipe()
		m.mu.Unlock()
		return m.rejectKeyMaterial(err)
	}

	m.pairing = pairing
	m.paired = true
	m.recv[b.Generation] = &receiveKey{key: recvKey}
	m.recvLatest = b.Generation
	m.sendKey = sendKey
	m.sendGen = m.announcedGen
	m.remoteIdentity = append(ed25519.PublicKey(nil), b.IdentityKey...)
	m.remoteDH = append([]byte(nil), b.DHKey...)
	m.remoteFP = b.Fingerprint()
	if m.kxStop != nil {
		m.kxStop()
		m.kxStop = nil
	}
	if m.fsm.Current() != domain.EncryptionActive {
		if err := m.transitionLocked(domain.EncryptionActive); err != nil {
			m.mu.Unlock()
			return err
		}
	}
	reply := e2ee.NewKeyBundle(e2ee.PurposeMedia, m.identity, m.dh, m.announcedGen, true)
	state := m.stateLocked()
	m.mu.Unlock()
	m.events.Publish(state)

	m.logger.Infow("media encryption active",
		"remote_fingerprint", state.RemoteFingerprint,
		"send_generation", state.SendGeneration,
		"rekey", rekey,
	)

	if !b.Reply || rekey {
		if err := m.sendBlob(ctx, domain.SignalE2EEKey, reply); err != nil {
			return &domain.SignalingError{Op: "send key bundle", Err: err}
		}
	}
	return nil
}

// refreshRemoteGenerationLocked handles a re-announced bundle from the peer
// we are already paired with.
func (m *MediaE2EE) refreshRemoteGenerationLocked(gen uint32) error {
	if _, ok := m.recv[gen]; ok || gen <= m.recvLatest {
		return nil
	}
	key, err := m.pairing.RemoteInitialKey(gen)
	if err != nil {
		return err
	}
	m.installReceiveKeyLocked(gen, key)
	return nil
}

func (m *MediaE2EE) acceptRotation(ctx context.Context, n e2ee.RotationNotice) error {
	m.mu.Lock()
	status := m.fsm.Current()
	if m.pairing == nil || (status != domain.EncryptionActive && status != domain.EncryptionKeyRotation) {
		m.mu.Unlock()
		return domain.ErrEncryptionNotActive
	}
	key, err := n.Open(e2ee.PurposeMedia, m.remoteIdentity, m.pairing.WrapKey)
	if err != nil {
		m.mu.Unlock()
		m.logger.Warnw("rejected media key rotation",
			"generation", n.Generation,
			"error", err,
		)
		if errors.Is(err, e2ee.ErrBadSignature) {
			return fmt.Errorf("%w: rotation notice", domain.ErrSignatureInvalid)
		}
		return fmt.Errorf("%w: %v", domain.ErrMalformedKeyMaterial, err)
	}

	if n.Generation <= m.recvLatest {
		_, known := m.recv[n.Generation]
		e2ee.Zero(key)
		m.mu.Unlock()
		if !known {
			return nil
		}
		// Our earlier ack may have been lost.
		return m.sendBlob(ctx, domain.SignalE2EEAck, e2ee.NewRotationAck(e2ee.PurposeMedia, m.identity, n.Generation))
	}

	m.installReceiveKeyLocked(n.Generation, key)
	ack := e2ee.NewRotationAck(e2ee.PurposeMedia, m.identity, n.Generation)
	m.mu.Unlock()

	m.logger.Infow("installed remote media key", "generation", n.Generation)
	if err := m.sendBlob(ctx, domain.SignalE2EEAck, ack); err != nil {
		return &domain.SignalingError{Op: "send rotation ack", Err: err}
	}
	return nil
}

func (m *MediaE2EE) acceptAck(a e2ee.RotationAck) error {
	m.mu.Lock()
	if m.remoteIdentity == nil {
		m.mu.Unlock()
		return domain.ErrEncryptionNotActive
	}
	if err := a.Verify(e2ee.PurposeMedia, m.remoteIdentity); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: rotation ack", domain.ErrSignatureInvalid)
	}
	if m.rotation == nil || m.rotation.generation != a.Generation {
		m.mu.Unlock()
		return nil
	}

	if m.rotation.stop != nil {
		m.rotation.stop()
	}
	e2ee.Zero(m.sendKey)
	m.sendKey = m.rotation.key
	m.sendGen = m.rotation.generation
	m.rotation = nil
	m.stats.LastKeyRotation = m.now()
	if err := m.transitionLocked(domain.EncryptionActive); err != nil {
		m.mu.Unlock()
		return err
	}
	state := m.stateLocked()
	m.mu.Unlock()

	m.metrics.RecordKeyRotation()
	m.events.Publish(state)
	m.logger.Infow("media key rotation complete", "generation", state.SendGeneration)
	return nil
}

// installReceiveKeyLocked makes gen the newest receive key and schedules
// every older generation for retirement after the grace window.
func (m *MediaE2EE) installReceiveKeyLocked(gen uint32, key []byte) {
	m.recv[gen] = &receiveKey{key: key}
	m.recvLatest = gen

	retireAt := m.now().Add(m.cfg.GraceWindow)
	epoch := m.epoch
	for g, rk := range m.recv {
		if g == gen || !rk.retireAt.IsZero() {
			continue
		}
		rk.retireAt = retireAt
		g, rk := g, rk
		m.after(m.cfg.GraceWindow, func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if epoch == m.epoch && m.recv[g] == rk {
				m.retireLocked(g)
			}
		})
	}
}

func (m *MediaE2EE) retireLocked(gen uint32) {
	if rk, ok := m.recv[gen]; ok {
		e2ee.Zero(rk.key)
		delete(m.recv, gen)
		m.logger.Debugw("retired media receive key", "generation", gen)
	}
}

func (m *MediaE2EE) keyExchangeTimedOut(epoch uint64) {
	m.mu.Lock()
	if epoch != m.epoch || m.fsm.Current() != domain.EncryptionKeyExchange {
		m.mu.Unlock()
		return
	}
	m.kxStop = nil
	state, _ := m.failLocked("key exchange", fmt.Errorf("%w after %s", domain.ErrKeyExchangeTimeout, m.cfg.KeyExchangeTimeout))
	m.mu.Unlock()
	m.publishFailure(state)
}

func (m *MediaE2EE) rotationTimedOut(epoch uint64, gen uint32) {
	m.mu.Lock()
	if epoch != m.epoch || m.rotation == nil || m.rotation.generation != gen {
		m.mu.Unlock()
		return
	}
	m.rotation.stop = nil
	m.wipeRotationLocked()
	state, _ := m.failLocked("key rotation", fmt.Errorf("%w: generation %d", domain.ErrRotationTimeout, gen))
	m.mu.Unlock()
	m.publishFailure(state)
}

// abandonRotation reverts to the current key when the notice never left.
func (m *MediaE2EE) abandonRotation(epoch uint64, gen uint32) {
	m.mu.Lock()
	if epoch != m.epoch || m.rotation == nil || m.rotation.generation != gen {
		m.mu.Unlock()
		return
	}
	m.wipeRotationLocked()
	_ = m.transitionLocked(domain.EncryptionActive)
	state := m.stateLocked()
	m.mu.Unlock()
	m.events.Publish(state)
}

// fail moves the pipeline to error unless it was re-initialised or closed
// in the meantime. It returns the cause wrapped as an EncryptionError.
func (m *MediaE2EE) fail(epoch uint64, op string, cause error) error {
	m.mu.Lock()
	if epoch != m.epoch || m.closed {
		m.mu.Unlock()
		return &domain.EncryptionError{Op: op, Err: cause}
	}
	state, err := m.failLocked(op, cause)
	m.mu.Unlock()
	m.publishFailure(state)
	return err
}

func (m *MediaE2EE) failLocked(op string, cause error) (domain.EncryptionState, error) {
	encErr := &domain.EncryptionError{Op: op, Err: cause}
	if m.kxStop != nil {
		m.kxStop()
		m.kxStop = nil
	}
	if m.fsm.CanTransition(domain.EncryptionStatusError) {
		_ = m.transitionLocked(domain.EncryptionStatusError)
	}
	m.errMsg = encErr.Error()
	m.lastErr = cause
	return m.stateLocked(), encErr
}

func (m *MediaE2EE) publishFailure(state domain.EncryptionState) {
	m.logger.Warnw("media encryption failed",
		"status", state.Status,
		"error", state.ErrorMessage,
	)
	m.events.Publish(state)
}

func (m *MediaE2EE) markUnsupported(epoch uint64, cause error) error {
	m.mu.Lock()
	if epoch == m.epoch && !m.closed {
		_ = m.transitionLocked(domain.EncryptionUnsupported)
		m.errMsg = cause.Error()
		m.lastErr = cause
	}
	state := m.stateLocked()
	m.mu.Unlock()

	m.logger.Warnw("media frame encryption unsupported by transport")
	m.events.Publish(state)
	return &domain.EncryptionError{Op: "init", Err: cause}
}

// rejectKeyMaterial fails an in-progress exchange. Once active, a bad
// bundle is reported but does not tear down working encryption.
func (m *MediaE2EE) rejectKeyMaterial(cause error) error {
	err := fmt.Errorf("%w: %v", domain.ErrMalformedKeyMaterial, cause)
	m.mu.Lock()
	exchanging := m.fsm.Current() == domain.EncryptionKeyExchange
	epoch := m.epoch
	m.mu.Unlock()

	if exchanging {
		return m.fail(epoch, "key exchange", err)
	}
	m.logger.Warnw("ignored invalid media key bundle", "error", cause)
	return err
}

func (m *MediaE2EE) sendBlob(ctx context.Context, kind domain.SignalKind, v any) error {
	blob, err := e2ee.Encode(v)
	if err != nil {
		return err
	}
	return m.transport.SendKeyMaterial(ctx, kind, blob)
}

func (m *MediaE2EE) transitionLocked(to domain.EncryptionStatus) error {
	if err := m.fsm.Transition(to); err != nil {
		return err
	}
	close(m.changed)
	m.changed = make(chan struct{})
	m.metrics.SetEncryptionStatus("media", to)
	return nil
}

func (m *MediaE2EE) stateLocked() domain.EncryptionState {
	return domain.EncryptionState{
		Status:            m.fsm.Current(),
		KeyGeneration:     m.keyGen,
		SendGeneration:    m.sendGen,
		LocalFingerprint:  m.localFP,
		RemoteFingerprint: m.remoteFP,
		ErrorMessage:      m.errMsg,
		Stats:             m.stats,
	}
}

func (m *MediaE2EE) wipeLocked() {
	if m.kxStop != nil {
		m.kxStop()
		m.kxStop = nil
	}
	m.wipeRotationLocked()
	m.wipeReceiveKeysLocked()
	e2ee.Zero(m.sendKey)
	m.sendKey = nil
	m.pairing.Wipe()
	m.pairing = nil
	m.dh.Wipe()
	m.dh = nil
	m.remoteIdentity, m.remoteDH = nil, nil
}

func (m *MediaE2EE) wipeRotationLocked() {
	if m.rotation == nil {
		return
	}
	if m.rotation.stop != nil {
		m.rotation.stop()
	}
	e2ee.Zero(m.rotation.key)
	m.rotation = nil
}

func (m *MediaE2EE) wipeReceiveKeysLocked() {
	for gen := range m.recv {
		m.retireLocked(gen)
	}
	m.recvLatest = 0
}

// hasKeyMaterial reports whether any secret is still held.
func (m *MediaE2EE) hasKeyMaterial() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dh != nil || m.pairing != nil || m.sendKey != nil || m.rotation != nil || len(m.recv) > 0
}

// cumulativeMean folds one more observation into a running average.
func cumulativeMean(avg float64, d time.Duration, n uint64) float64 {
	ms := float64(d.Nanoseconds()) / 1e6
	return avg + (ms-avg)/float64(n)
}
