package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"callcore/internal/core/domain"
	"callcore/internal/core/ports"
	"callcore/pkg/e2ee"
	"callcore/pkg/tracing"
	"callcore/pkg/validation"

	"go.uber.org/zap"
)

const defaultLeaveTimeout = 3 * time.Second

type CallEventType string

const (
	CallEventPhaseChanged      CallEventType = "phase_changed"
	CallEventParticipantJoined CallEventType = "participant_joined"
	CallEventParticipantLeft   CallEventType = "participant_left"
	CallEventConnectionState   CallEventType = "connection_state"
	CallEventQualityChanged    CallEventType = "quality_changed"
	CallEventNetworkDegraded   CallEventType = "network_degraded"
	CallEventEncryptionChanged CallEventType = "encryption_changed"
	CallEventChatStatusChanged CallEventType = "chat_status_changed"
	CallEventChatMessage       CallEventType = "chat_message"
	CallEventStream            CallEventType = "stream"
	CallEventLayoutChanged     CallEventType = "layout_changed"
	CallEventAbnormalTeardown  CallEventType = "abnormal_teardown"
	CallEventError             CallEventType = "error"
)

// CallEvent is what the UI layer observes. Only the fields relevant to Type
// are set.
type CallEvent struct {
	Type        CallEventType
	Phase       domain.CallPhase
	Participant *domain.Participant
	Connection  domain.ConnectionState
	Quality     *domain.QualitySnapshot
	Degradation *domain.NetworkDegradation
	Encryption  *domain.EncryptionState
	ChatStatus  domain.EncryptionStatus
	Chat        *domain.ChatMessageRecord
	Stream      *domain.StreamEvent
	Layout      domain.LayoutMode
	Teardown    *domain.AbnormalTeardown
	Err         error
	At          time.Time
}

type CallControllerConfig struct {
	RoomID      domain.RoomID
	LocalPeerID domain.PeerID
	DisplayName string
	AvatarURL   string

	Constraints     domain.MediaConstraints
	Screen          domain.ScreenOptions
	MonitorInterval time.Duration

	E2EEEnabled bool
	// E2EERequired makes Join fail when media keys cannot be agreed.
	E2EERequired     bool
	Media            MediaE2EEConfig
	RotationInterval time.Duration

	ChatEnabled bool
	ChatEncrypt bool

	LeaveTimeout time.Duration
}

type CallDependencies struct {
	Devices   ports.MediaDevices
	Connector ports.PeerConnector
	Signaling ports.SignalingChannel
	Metrics   ports.CallMetrics
	Logger    *zap.SugaredLogger
}

// CallController drives one call session through lobby, active and ended.
// A session never leaves ended; joining again needs a new controller.
type CallController struct {
	cfg       CallControllerConfig
	connector ports.PeerConnector
	signaling ports.SignalingChannel
	metrics   ports.CallMetrics
	logger    *zap.SugaredLogger

	streams  *StreamManager
	quality  *QualityService
	monitor  *NetworkMonitor
	relay    *signalingTransport
	chat     *ChatE2EE
	identity *e2ee.IdentityKeyPair
	events   *EventBus[CallEvent]
	now      func() time.Time

	// Callbacks registered on long-lived objects read these cells so they
	// always see the current connection, pipeline and remote peer.
	pcCell     Latest[ports.PeerConnection]
	mediaCell  Latest[*MediaE2EE]
	remoteCell Latest[domain.PeerID]

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	session      domain.CallSession
	joining      bool
	peerEpoch    uint64
	sentVideo    domain.TrackID
	screenShare  bool
	monitorSub   *MonitorSubscription
	signalSub    ports.SubscriptionID
	listening    bool
	streamSub    ports.SubscriptionID
	mediaSub     ports.SubscriptionID
	rotationStop chan struct{}
	released     bool
	// leaveSent is set once leave_room went out for the current join.
	leaveSent bool
}

func NewCallController(cfg CallControllerConfig, deps CallDependencies) (*CallController, error) {
	if err := validation.ValidateRoomID(string(cfg.RoomID)); err != nil {
		return nil, err
	}
	if err := validation.ValidatePeerID(string(cfg.LocalPeerID)); err != nil {
		return nil, err
	}
	if cfg.DisplayName != "" {
		if err := validation.ValidateDisplayName(cfg.DisplayName); err != nil {
			return nil, err
		}
	}
	if deps.Devices == nil || deps.Connector == nil || deps.Signaling == nil {
		return nil, errors.New("call controller: devices, connector and signaling are required")
	}
	if deps.Metrics == nil {
		deps.Metrics = ports.NopMetrics{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop().Sugar()
	}
	if cfg.LeaveTimeout <= 0 {
		cfg.LeaveTimeout = defaultLeaveTimeout
	}
	defaults := DefaultMediaE2EEConfig()
	if cfg.Media.KeyExchangeTimeout <= 0 {
		cfg.Media.KeyExchangeTimeout = defaults.KeyExchangeTimeout
	}
	if cfg.Media.RotationAckTimeout <= 0 {
		cfg.Media.RotationAckTimeout = defaults.RotationAckTimeout
	}
	if cfg.Media.GraceWindow <= 0 {
		cfg.Media.GraceWindow = defaults.GraceWindow
	}

	identity, err := e2ee.GenerateIdentity()
	if err != nil {
		return nil, err
	}

	logger := deps.Logger.With("room_id", cfg.RoomID, "peer_id", cfg.LocalPeerID)
	ctx, cancel := context.WithCancel(context.Background())
	quality := NewQualityService()

	c := &CallController{
		cfg:       cfg,
		connector: deps.Connector,
		signaling: deps.Signaling,
		metrics:   deps.Metrics,
		logger:    logger,
		streams:   NewStreamManager(deps.Devices, deps.Metrics, logger),
		quality:   quality,
		monitor:   NewNetworkMonitor(quality, deps.Metrics, cfg.RoomID, logger),
		identity:  identity,
		events:    NewEventBus[CallEvent](),
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
		session: domain.CallSession{
			RoomID:      cfg.RoomID,
			LocalPeerID: cfg.LocalPeerID,
			Phase:       domain.PhaseLobby,
			LayoutMode:  domain.LayoutGrid,
			MicEnabled:  cfg.Constraints.Audio,
			CamEnabled:  cfg.Constraints.Video,
		},
	}
	c.relay = newSignalingTransport(deps.Signaling, cfg.RoomID, cfg.LocalPeerID, &c.remoteCell, logger)

	if cfg.ChatEnabled {
		c.chat = NewChatE2EE(ChatE2EEConfig{
			Encrypt:            cfg.ChatEncrypt,
			KeyExchangeTimeout: cfg.Media.KeyExchangeTimeout,
		}, cfg.LocalPeerID, identity, c.relay, c.relay, deps.Metrics, logger)
		c.chat.Subscribe(func(rec domain.ChatMessageRecord) {
			c.publish(CallEvent{Type: CallEventChatMessage, Chat: &rec})
		})
		c.chat.SubscribeStatus(func(s domain.EncryptionStatus) {
			c.publish(CallEvent{Type: CallEventChatStatusChanged, ChatStatus: s})
		})
	}

	c.streamSub = c.streams.Subscribe(c.onStreamEvent)
	c.monitor.OnQualityChange(c.onQualityChange)
	return c, nil
}

func (c *CallController) Subscribe(fn func(CallEvent)) ports.SubscriptionID {
	return c.events.Subscribe(fn)
}

func (c *CallController) Unsubscribe(id ports.SubscriptionID) {
	c.events.Unsubscribe(id)
}

// Session returns a copy of the aggregate.
func (c *CallController) Session() domain.CallSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.session
	s.Participants = append([]domain.Participant(nil), c.session.Participants...)
	return s
}

func (c *CallController) Streams() *StreamManager {
	return c.streams
}

func (c *CallController) Monitor() *NetworkMonitor {
	return c.monitor
}

// Encryption returns the media pipeline of the current connection, if any.
func (c *CallController) Encryption() (*MediaE2EE, bool) {
	m, ok := c.mediaCell.Load()
	return m, ok && m != nil
}

func (c *CallController) Chat() (*ChatE2EE, bool) {
	return c.chat, c.chat != nil
}

// StartPreview opens the camera in the lobby without touching signaling.
func (c *CallController) StartPreview(ctx context.Context) (StreamHandle, error) {
	if err := c.requirePhase(domain.PhaseLobby); err != nil {
		return StreamHandle{}, err
	}
	h, err := c.streams.CreateCameraStream(ctx, c.cfg.Constraints)
	if err != nil {
		return StreamHandle{}, err
	}
	if c.ended() {
		c.streams.DestroyStream(h.ID)
		return StreamHandle{}, domain.ErrSessionClosed
	}
	c.applyTrackState(h.Stream)
	return h, nil
}

// Join enters the room: it acquires local media if not held, opens the peer
// connection, starts the quality monitor and media encryption. With
// E2EERequired it returns only once media keys are agreed.
func (c *CallController) Join(ctx context.Context) (err error) {
	ctx, span := tracing.TraceCall(ctx, "join", string(c.cfg.RoomID), string(c.cfg.LocalPeerID))
	defer func() { tracing.End(span, err) }()
	defer tracing.MeasureDuration(ctx, time.Now(), "join")

	c.mu.Lock()
	if c.session.Phase != domain.PhaseLobby || c.joining {
		phase := c.session.Phase
		c.mu.Unlock()
		return fmt.Errorf("join: %w: %s", domain.ErrInvalidPhase, phase)
	}
	c.joining = true
	c.leaveSent = false
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.joining = false
		c.mu.Unlock()
	}()

	if err := c.ensureLocalMedia(ctx); err != nil {
		return err
	}
	if err := c.listen(); err != nil {
		c.streams.DestroyAllStreams()
		return err
	}
	if err := c.openPeer(ctx); err != nil {
		return err
	}

	msg, err := domain.NewSignalMessage(domain.MsgJoinRoom, c.cfg.RoomID, c.cfg.LocalPeerID, "", domain.JoinPayload{
		DisplayName: c.cfg.DisplayName,
		AvatarURL:   c.cfg.AvatarURL,
	})
	if err == nil {
		err = c.signaling.Send(ctx, msg)
	}
	if err != nil {
		c.closePeer()
		return &domain.SignalingError{Op: "join room", Err: err}
	}

	c.initMedia(ctx)
	if c.cfg.E2EEEnabled && c.cfg.E2EERequired {
		if err := c.awaitMedia(ctx); err != nil {
			c.sendLeave()
			c.closePeer()
			return err
		}
	}

	c.mu.Lock()
	if c.session.Phase != domain.PhaseLobby {
		c.mu.Unlock()
		return domain.ErrSessionClosed
	}
	c.session.Phase = domain.PhaseActive
	c.session.StartedAt = c.now()
	c.session.Participants = append([]domain.Participant{c.localParticipant()}, c.session.Participants...)
	c.mu.Unlock()

	c.logger.Infow("joined call")
	c.publish(CallEvent{Type: CallEventPhaseChanged, Phase: domain.PhaseActive})

	if c.chat != nil {
		if err := c.chat.Init(c.ctx); err != nil {
			c.logger.Warnw("chat encryption unavailable", "error", err)
		}
	}
	c.startRotation()
	return nil
}

func (c *CallController) awaitMedia(ctx context.Context) error {
	media, ok := c.Encryption()
	if !ok {
		return &domain.EncryptionError{Op: "join", Err: domain.ErrEncryptionNotActive}
	}
	err := media.AwaitActive(ctx)
	if err == nil {
		return nil
	}
	var encErr *domain.EncryptionError
	if errors.As(err, &encErr) {
		return err
	}
	return &domain.EncryptionError{Op: "join", Err: err}
}

// ToggleMic flips the microphone and returns the new state.
func (c *CallController) ToggleMic() (bool, error) {
	return c.toggle(domain.TrackKindAudio)
}

// ToggleCamera flips the camera and returns the new state.
func (c *CallController) ToggleCamera() (bool, error) {
	return c.toggle(domain.TrackKindVideo)
}

func (c *CallController) toggle(kind domain.TrackKind) (bool, error) {
	if c.ended() {
		return false, domain.ErrSessionClosed
	}
	cam, ok := c.streams.Active(domain.StreamKindCamera)
	if !ok {
		return false, domain.ErrStreamNotFound
	}
	tracks := tracksOfKind(cam.Stream, kind)
	if len(tracks) == 0 {
		return false, domain.ErrTrackNotFound
	}
	enabled := !tracks[0].Enabled()
	for _, t := range tracks {
		t.SetEnabled(enabled)
	}

	c.mu.Lock()
	if kind == domain.TrackKindAudio {
		c.session.MicEnabled = enabled
	} else {
		c.session.CamEnabled = enabled
	}
	c.mu.Unlock()

	c.logger.Debugw("local track toggled", "kind", kind, "enabled", enabled)
	return enabled, nil
}

// StartScreenShare captures the screen and sends it in place of the camera
// video.
func (c *CallController) StartScreenShare(ctx context.Context) (StreamHandle, error) {
	if err := c.requirePhase(domain.PhaseActive); err != nil {
		return StreamHandle{}, err
	}
	h, err := c.streams.CreateScreenStream(ctx, c.cfg.Screen)
	if err != nil {
		return StreamHandle{}, err
	}
	if c.ended() {
		c.streams.DestroyStream(h.ID)
		return StreamHandle{}, domain.ErrSessionClosed
	}

	video := firstOfKind(h.Stream, domain.TrackKindVideo)
	c.mu.Lock()
	sent := c.sentVideo
	c.mu.Unlock()
	if video == nil || sent == "" {
		c.streams.DestroyStream(h.ID)
		return StreamHandle{}, fmt.Errorf("start screen share: no outgoing video: %w", domain.ErrTrackNotFound)
	}
	if pc, ok := c.pcCell.Load(); ok {
		if err := pc.ReplaceSenderTrack(sent, video); err != nil {
			c.streams.DestroyStream(h.ID)
			return StreamHandle{}, &domain.SignalingError{Op: "replace sender track", Err: err}
		}
	}

	c.mu.Lock()
	c.sentVideo = video.ID()
	c.screenShare = true
	c.session.LayoutMode = domain.LayoutScreenShare
	c.mu.Unlock()

	c.logger.Infow("screen share started", "stream_id", h.ID)
	c.publish(CallEvent{Type: CallEventLayoutChanged, Layout: domain.LayoutScreenShare})
	return h, nil
}

// StopScreenShare restores the camera video. It is a no-op when not sharing.
func (c *CallController) StopScreenShare() error {
	c.mu.Lock()
	if !c.screenShare {
		c.mu.Unlock()
		return nil
	}
	c.screenShare = false
	screenTrack := c.sentVideo
	c.sentVideo = ""
	c.mu.Unlock()

	var camVideo ports.MediaTrack
	if cam, ok := c.streams.Active(domain.StreamKindCamera); ok {
		camVideo = firstOfKind(cam.Stream, domain.TrackKindVideo)
	}
	var err error
	if pc, ok := c.pcCell.Load(); ok && camVideo != nil {
		if rerr := pc.ReplaceSenderTrack(screenTrack, camVideo); rerr != nil {
			err = &domain.SignalingError{Op: "restore camera track", Err: rerr}
			c.logger.Warnw("failed to restore camera video", "error", rerr)
		}
	}
	if screen, ok := c.streams.Active(domain.StreamKindScreen); ok {
		c.streams.DestroyStream(screen.ID)
	}

	c.mu.Lock()
	if camVideo != nil {
		c.sentVideo = camVideo.ID()
	}
	changed := c.session.LayoutMode == domain.LayoutScreenShare
	if changed {
		c.session.LayoutMode = domain.LayoutGrid
	}
	c.mu.Unlock()

	c.logger.Infow("screen share stopped")
	if changed {
		c.publish(CallEvent{Type: CallEventLayoutChanged, Layout: domain.LayoutGrid})
	}
	return err
}

// SwitchDevice swaps the camera and/or microphone named in constraints
// without renegotiating. Tracks that fail to swap keep the previous device.
func (c *CallController) SwitchDevice(ctx context.Context, constraints domain.MediaConstraints) error {
	if c.ended() {
		return domain.ErrSessionClosed
	}
	cam, ok := c.streams.Active(domain.StreamKindCamera)
	if !ok {
		return domain.ErrStreamNotFound
	}
	fresh, err := c.streams.AcquireTracks(ctx, constraints)
	if err != nil {
		return err
	}
	if c.ended() {
		stopAll(fresh)
		return domain.ErrSessionClosed
	}

	pc, hasPC := c.pcCell.Load()
	var errs []error
	for _, track := range fresh.Tracks() {
		old := firstOfKind(cam.Stream, track.Kind())
		if old == nil {
			track.Stop()
			continue
		}
		track.SetEnabled(old.Enabled())

		c.mu.Lock()
		onWire := track.Kind() == domain.TrackKindAudio || old.ID() == c.sentVideo
		c.mu.Unlock()

		if hasPC && onWire {
			if err := pc.ReplaceSenderTrack(old.ID(), track); err != nil {
				track.Stop()
				errs = append(errs, fmt.Errorf("switch %s: %w", track.Kind(), err))
				continue
			}
		}
		if !c.streams.ReplaceTrack(old.ID(), track) {
			if hasPC && onWire {
				_ = pc.ReplaceSenderTrack(track.ID(), old)
			}
			track.Stop()
			errs = append(errs, fmt.Errorf("switch %s: %w", track.Kind(), domain.ErrTrackNotFound))
			continue
		}

		c.mu.Lock()
		if c.sentVideo == old.ID() {
			c.sentVideo = track.ID()
		}
		c.mu.Unlock()
		c.logger.Infow("device switched", "kind", track.Kind(), "track_id", track.ID())
	}
	return errors.Join(errs...)
}

// RotateKeys asks the media pipeline for a new send key. In the error
// state it retries the key exchange instead.
func (c *CallController) RotateKeys(ctx context.Context) error {
	if err := c.requirePhase(domain.PhaseActive); err != nil {
		return err
	}
	media, ok := c.Encryption()
	if !ok {
		return domain.ErrEncryptionNotActive
	}
	return media.RotateKeys(ctx)
}

func (c *CallController) SendChat(ctx context.Context, text string) (domain.ChatMessageRecord, error) {
	if err := c.requireChat(); err != nil {
		return domain.ChatMessageRecord{}, err
	}
	return c.chat.Send(ctx, text)
}

func (c *CallController) SendReaction(ctx context.Context, reaction string) (domain.ChatMessageRecord, error) {
	if err := c.requireChat(); err != nil {
		return domain.ChatMessageRecord{}, err
	}
	return c.chat.SendReaction(ctx, reaction)
}

func (c *CallController) requireChat() error {
	if err := c.requirePhase(domain.PhaseActive); err != nil {
		return err
	}
	if c.chat == nil {
		return domain.ErrChatDisabled
	}
	return nil
}

func (c *CallController) SetLayoutMode(mode domain.LayoutMode) error {
	switch mode {
	case domain.LayoutGrid, domain.LayoutSpeaker, domain.LayoutScreenShare:
	default:
		return fmt.Errorf("unknown layout mode %q", mode)
	}
	c.mu.Lock()
	if c.session.Phase == domain.PhaseEnded {
		c.mu.Unlock()
		return domain.ErrSessionClosed
	}
	changed := c.session.LayoutMode != mode
	c.session.LayoutMode = mode
	c.mu.Unlock()

	if changed {
		c.publish(CallEvent{Type: CallEventLayoutChanged, Layout: mode})
	}
	return nil
}

// HangUp leaves the room and releases everything the session holds.
// Calling it again is a no-op.
func (c *CallController) HangUp(ctx context.Context) (err error) {
	_, span := tracing.TraceCall(ctx, "hang_up", string(c.cfg.RoomID), string(c.cfg.LocalPeerID))
	defer func() { tracing.End(span, err) }()

	inRoom, ok := c.end()
	if !ok {
		return nil
	}
	if inRoom {
		c.sendLeave()
	}
	c.release()

	c.logger.Infow("call ended")
	c.publish(CallEvent{Type: CallEventPhaseChanged, Phase: domain.PhaseEnded})
	return nil
}

// ForceRelease is the abnormal-termination path. Local tracks are stopped
// before it returns; the leave notice is sent in the background. It never
// panics.
func (c *CallController) ForceRelease(reason string) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Errorw("panic during forced release", "panic", r)
		}
	}()

	inRoom, ok := c.end()
	if !ok {
		return
	}
	c.streams.DestroyAllStreams()
	if inRoom {
		go c.sendLeave()
	}
	c.release()

	teardown := domain.AbnormalTeardown{Reason: reason}
	c.logger.Warnw("session force released", "reason", reason)
	c.publish(CallEvent{Type: CallEventAbnormalTeardown, Teardown: &teardown})
	c.publish(CallEvent{Type: CallEventPhaseChanged, Phase: domain.PhaseEnded})
}

// end moves the session to ended. ok is false when it already was.
func (c *CallController) end() (inRoom, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session.Phase == domain.PhaseEnded {
		return false, false
	}
	inRoom = c.session.Phase == domain.PhaseActive || c.joining
	c.session.Phase = domain.PhaseEnded
	c.session.EndedAt = c.now()
	return inRoom, true
}

func (c *CallController) release() {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return
	}
	c.released = true
	stop := c.rotationStop
	c.rotationStop = nil
	sub := c.monitorSub
	c.monitorSub = nil
	listening, signalSub := c.listening, c.signalSub
	c.listening = false
	c.mu.Unlock()

	c.cancel()
	if stop != nil {
		close(stop)
	}
	if sub != nil {
		sub.Stop()
	}
	c.monitor.Stop()
	c.streams.DestroyAllStreams()
	c.closePeer()
	if c.chat != nil {
		c.chat.Close()
	}
	if listening {
		c.signaling.Unsubscribe(signalSub)
	}
	c.relay.Close()
	c.streams.Unsubscribe(c.streamSub)
	c.identity.Wipe()
}

// sendLeave sends leave_room at most once per join, whichever of Join's
// failure path and HangUp/ForceRelease gets there first.
func (c *CallController) sendLeave() {
	c.mu.Lock()
	if c.leaveSent {
		c.mu.Unlock()
		return
	}
	c.leaveSent = true
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.LeaveTimeout)
	defer cancel()
	msg, err := domain.NewSignalMessage(domain.MsgLeaveRoom, c.cfg.RoomID, c.cfg.LocalPeerID, "", nil)
	if err == nil {
		err = c.signaling.Send(ctx, msg)
	}
	if err != nil {
		c.logger.Warnw("failed to send leave", "error", err)
	}
}

func (c *CallController) ensureLocalMedia(ctx context.Context) error {
	if _, ok := c.streams.Active(domain.StreamKindCamera); ok {
		return nil
	}
	if !c.cfg.Constraints.Audio && !c.cfg.Constraints.Video {
		return nil
	}
	h, err := c.streams.CreateCameraStream(ctx, c.cfg.Constraints)
	if err != nil {
		return err
	}
	c.applyTrackState(h.Stream)
	return nil
}

func (c *CallController) applyTrackState(s ports.MediaStream) {
	c.mu.Lock()
	mic, cam := c.session.MicEnabled, c.session.CamEnabled
	c.mu.Unlock()
	for _, t := range tracksOfKind(s, domain.TrackKindAudio) {
		t.SetEnabled(mic)
	}
	for _, t := range tracksOfKind(s, domain.TrackKindVideo) {
		t.SetEnabled(cam)
	}
}

// listen subscribes to signaling unless the session already ended.
func (c *CallController) listen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session.Phase == domain.PhaseEnded || c.released {
		return domain.ErrSessionClosed
	}
	if c.listening {
		return nil
	}
	c.signalSub = c.signaling.Subscribe(c.handleSignal)
	c.listening = true
	return nil
}

// openPeer creates a connection carrying the local camera stream plus a
// fresh media pipeline bound to it, and points the monitor at it.
func (c *CallController) openPeer(ctx context.Context) error {
	pc, err := c.connector.NewPeerConnection(ctx)
	if err != nil {
		return &domain.SignalingError{Op: "open peer connection", Err: err}
	}

	c.mu.Lock()
	c.peerEpoch++
	epoch := c.peerEpoch
	c.mu.Unlock()

	pc.OnICECandidate(func(cand domain.ICECandidate) {
		if !c.peerLive(epoch) {
			return
		}
		c.sendSignal(domain.SignalPayload{Kind: domain.SignalCandidate, Candidate: &cand})
	})
	pc.OnRemoteStream(func(s ports.MediaStream) {
		if !c.peerLive(epoch) {
			return
		}
		owner, _ := c.remoteCell.Load()
		c.streams.RegisterRemoteStream(s, owner)
	})
	pc.OnConnectionStateChange(func(st domain.ConnectionState) {
		if !c.peerLive(epoch) {
			return
		}
		c.logger.Infow("peer connection state changed", "state", st)
		c.publish(CallEvent{Type: CallEventConnectionState, Connection: st})
	})

	var sentVideo domain.TrackID
	if cam, ok := c.streams.Active(domain.StreamKindCamera); ok {
		if err := pc.AddLocalStream(cam.Stream); err != nil {
			_ = pc.Close()
			return &domain.SignalingError{Op: "add local stream", Err: err}
		}
		if v := firstOfKind(cam.Stream, domain.TrackKindVideo); v != nil {
			sentVideo = v.ID()
		}
	}

	var media *MediaE2EE
	var mediaSub ports.SubscriptionID
	if c.cfg.E2EEEnabled {
		media = NewMediaE2EE(c.cfg.Media, c.identity, c.relay, c.metrics, c.logger)
		mediaSub = media.Subscribe(func(s domain.EncryptionState) { c.onEncryption(media, s) })
		// Frames are dropped, not sent in the clear, until keys are agreed.
		_ = pc.SetFrameCryptor(media)
	}

	c.mu.Lock()
	if c.session.Phase == domain.PhaseEnded || epoch != c.peerEpoch {
		c.mu.Unlock()
		if media != nil {
			media.Close()
		}
		_ = pc.Close()
		return domain.ErrSessionClosed
	}
	c.pcCell.Store(pc)
	if media != nil {
		c.mediaCell.Store(media)
		c.mediaSub = mediaSub
	} else {
		c.mediaCell.Clear()
	}
	c.sentVideo = sentVideo
	c.screenShare = false
	if c.monitorSub == nil {
		c.monitorSub = c.monitor.Start(pc, c.cfg.MonitorInterval)
	} else {
		c.monitor.SetHandle(pc)
	}
	c.mu.Unlock()
	return nil
}

// initMedia starts the key exchange on the current connection. Failures
// are observed through the pipeline status.
func (c *CallController) initMedia(ctx context.Context) {
	media, ok := c.Encryption()
	pc, hasPC := c.pcCell.Load()
	if !ok || !hasPC {
		return
	}
	if err := media.Init(ctx, pc); err != nil {
		c.logger.Warnw("media encryption init failed", "error", err)
	}
}

func (c *CallController) closePeer() {
	c.mu.Lock()
	c.peerEpoch++
	c.sentVideo = ""
	mediaSub := c.mediaSub
	c.mu.Unlock()

	if media, ok := c.mediaCell.Load(); ok && media != nil {
		media.Unsubscribe(mediaSub)
		media.Close()
	}
	c.mediaCell.Clear()
	if pc, ok := c.pcCell.Load(); ok {
		if err := pc.Close(); err != nil {
			c.logger.Debugw("peer connection close", "error", err)
		}
	}
	c.pcCell.Clear()
	c.monitor.SetHandle(nil)
	if remote, ok := c.streams.Active(domain.StreamKindRemote); ok {
		c.streams.DestroyStream(remote.ID)
	}
}

// replacePeer swaps in a fresh connection after the remote peer left, so
// the next one starts from a clean negotiation and key exchange.
func (c *CallController) replacePeer() {
	_ = c.StopScreenShare()
	c.closePeer()
	if c.ended() {
		return
	}
	if err := c.openPeer(c.ctx); err != nil {
		c.logger.Warnw("failed to reopen peer connection", "error", err)
		c.publish(CallEvent{Type: CallEventError, Err: err})
		return
	}
	c.initMedia(c.ctx)
}

func (c *CallController) peerLive(epoch uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return epoch == c.peerEpoch && c.session.Phase != domain.PhaseEnded
}

func (c *CallController) startRotation() {
	if !c.cfg.E2EEEnabled || c.cfg.RotationInterval <= 0 {
		return
	}
	stop := make(chan struct{})
	c.mu.Lock()
	if c.rotationStop != nil || c.released {
		c.mu.Unlock()
		return
	}
	c.rotationStop = stop
	c.mu.Unlock()

	go func() {
		ticker := time.NewTicker(c.cfg.RotationInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				media, ok := c.Encryption()
				if !ok || media.Status() != domain.EncryptionActive {
					continue
				}
				if err := media.RotateKeys(c.ctx); err != nil {
					c.logger.Warnw("scheduled key rotation failed", "error", err)
				}
			}
		}
	}()
}

func (c *CallController) handleSignal(msg domain.SignalMessage) {
	if c.ctx.Err() != nil {
		return
	}
	if msg.RoomID != "" && msg.RoomID != c.cfg.RoomID {
		return
	}
	if msg.From == c.cfg.LocalPeerID && msg.Type != domain.MsgError && msg.Type != domain.MsgCallEnded {
		return
	}

	switch msg.Type {
	case domain.MsgUserJoined:
		var p domain.JoinPayload
		if len(msg.Payload) > 0 {
			if err := json.Unmarshal(msg.Payload, &p); err != nil {
				c.logger.Debugw("malformed join payload", "from", msg.From, "error", err)
			}
		}
		c.onPeerJoined(msg.From, p)
	case domain.MsgUserLeft:
		c.onPeerLeft(msg.From)
	case domain.MsgReceiveSignal:
		var p domain.SignalPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			c.logger.Warnw("malformed signal payload", "from", msg.From, "error", err)
			return
		}
		c.onRemoteSignal(msg.From, p)
	case domain.MsgCallEnded:
		c.logger.Infow("call ended by relay", "from", msg.From)
		_ = c.HangUp(context.Background())
	case domain.MsgError:
		var p domain.ErrorPayload
		_ = json.Unmarshal(msg.Payload, &p)
		err := &domain.SignalingError{Op: "relay", Err: errors.New(p.Message)}
		c.logger.Warnw("relay reported error", "error", err)
		c.publish(CallEvent{Type: CallEventError, Err: err})
	}
}

func (c *CallController) onPeerJoined(id domain.PeerID, p domain.JoinPayload) {
	if id == "" {
		return
	}
	participant := domain.Participant{
		PeerID:      id,
		DisplayName: p.DisplayName,
		AvatarURL:   p.AvatarURL,
		JoinedAt:    c.now(),
	}

	c.mu.Lock()
	known := false
	for _, existing := range c.session.Participants {
		if existing.PeerID == id {
			known = true
			break
		}
	}
	if !known {
		c.session.Participants = append(c.session.Participants, participant)
	}
	c.mu.Unlock()
	if !known {
		c.logger.Infow("participant joined", "remote_peer_id", id)
		c.publish(CallEvent{Type: CallEventParticipantJoined, Participant: &participant})
	}

	if current, ok := c.remoteCell.Load(); ok && current != id {
		c.logger.Warnw("ignoring media from additional participant",
			"remote_peer_id", id,
			"connected_peer_id", current,
		)
		return
	}
	c.remoteCell.Store(id)

	// A failed exchange gets one fresh attempt per arriving peer.
	if media, ok := c.Encryption(); ok && media.Status() == domain.EncryptionStatusError {
		c.initMedia(c.ctx)
	}
	if c.chat != nil && c.chat.Status() == domain.EncryptionStatusError {
		if err := c.chat.Init(c.ctx); err != nil {
			c.logger.Warnw("chat key exchange retry failed", "error", err)
		}
	}

	// The lower peer id makes the offer so both sides never offer at once.
	if c.cfg.LocalPeerID < id {
		c.negotiate()
	}
}

func (c *CallController) onPeerLeft(id domain.PeerID) {
	var left *domain.Participant
	c.mu.Lock()
	for i, p := range c.session.Participants {
		if p.PeerID == id {
			left = &p
			c.session.Participants = append(c.session.Participants[:i:i], c.session.Participants[i+1:]...)
			break
		}
	}
	c.mu.Unlock()
	if left != nil {
		c.logger.Infow("participant left", "remote_peer_id", id)
		c.publish(CallEvent{Type: CallEventParticipantLeft, Participant: left})
	}

	if current, ok := c.remoteCell.Load(); ok && current == id {
		c.remoteCell.Clear()
		c.replacePeer()
	}
}

func (c *CallController) negotiate() {
	pc, ok := c.pcCell.Load()
	if !ok {
		return
	}
	sdp, err := pc.CreateOffer(c.ctx)
	if err != nil {
		c.signalingFailed("create offer", err)
		return
	}
	c.sendSignal(domain.SignalPayload{Kind: domain.SignalOffer, SDP: sdp})
}

func (c *CallController) onRemoteSignal(from domain.PeerID, p domain.SignalPayload) {
	if current, ok := c.remoteCell.Load(); !ok {
		c.remoteCell.Store(from)
	} else if current != from {
		return
	}
	pc, hasPC := c.pcCell.Load()

	switch p.Kind {
	case domain.SignalOffer:
		if !hasPC {
			return
		}
		answer, err := pc.AcceptOffer(c.ctx, p.SDP)
		if err != nil {
			c.signalingFailed("accept offer", err)
			return
		}
		c.sendSignal(domain.SignalPayload{Kind: domain.SignalAnswer, SDP: answer})
	case domain.SignalAnswer:
		if !hasPC {
			return
		}
		if err := pc.SetAnswer(c.ctx, p.SDP); err != nil {
			c.signalingFailed("set answer", err)
		}
	case domain.SignalCandidate:
		if !hasPC || p.Candidate == nil {
			return
		}
		if err := pc.AddICECandidate(*p.Candidate); err != nil {
			c.logger.Debugw("rejected remote candidate", "error", err)
		}
	case domain.SignalE2EEKey, domain.SignalE2EERotate, domain.SignalE2EEAck:
		media, ok := c.Encryption()
		if !ok {
			return
		}
		if err := media.HandleKeyMessage(c.ctx, p.Kind, p.KeyMaterial); err != nil {
			c.logger.Warnw("media key message rejected", "kind", p.Kind, "error", err)
		}
	case domain.SignalChatKey:
		if c.chat == nil {
			return
		}
		if err := c.chat.HandleKeyMessage(c.ctx, p.KeyMaterial); err != nil {
			c.logger.Warnw("chat key message rejected", "error", err)
		}
	}
}

func (c *CallController) sendSignal(p domain.SignalPayload) {
	target, _ := c.remoteCell.Load()
	msg, err := domain.NewSignalMessage(domain.MsgSendSignal, c.cfg.RoomID, c.cfg.LocalPeerID, target, p)
	if err == nil {
		err = c.signaling.Send(c.ctx, msg)
	}
	if err != nil && c.ctx.Err() == nil {
		c.signalingFailed("send "+string(p.Kind), err)
	}
}

func (c *CallController) signalingFailed(op string, err error) {
	sigErr := &domain.SignalingError{Op: op, Err: err}
	c.logger.Warnw("signaling failed", "op", op, "error", err)
	c.publish(CallEvent{Type: CallEventError, Err: sigErr})
}

func (c *CallController) onEncryption(media *MediaE2EE, s domain.EncryptionState) {
	if current, ok := c.mediaCell.Load(); !ok || current != media {
		return
	}
	c.publish(CallEvent{Type: CallEventEncryptionChanged, Encryption: &s})

	if s.Status != domain.EncryptionStatusError && s.Status != domain.EncryptionUnsupported {
		return
	}
	if c.cfg.E2EERequired {
		c.logger.Warnw("media encryption failed, frames are dropped", "status", s.Status, "error_message", s.ErrorMessage)
		return
	}
	// Policy allows plaintext: detach the transforms so media keeps flowing.
	if pc, ok := c.pcCell.Load(); ok {
		if err := pc.SetFrameCryptor(nil); err != nil {
			c.logger.Debugw("failed to detach frame cryptor", "error", err)
		}
	}
	c.logger.Warnw("continuing without media encryption", "status", s.Status, "error_message", s.ErrorMessage)
}

func (c *CallController) onStreamEvent(ev domain.StreamEvent) {
	c.publish(CallEvent{Type: CallEventStream, Stream: &ev})
	if ev.Type != domain.StreamEventTrackEnded || ev.Kind != domain.StreamKindScreen {
		return
	}
	c.mu.Lock()
	sharing := c.screenShare && c.sentVideo == ev.TrackID
	c.mu.Unlock()
	if sharing {
		// The capture was stopped outside the app.
		_ = c.StopScreenShare()
	}
}

func (c *CallController) onQualityChange(from, to domain.QualityTier, snap domain.QualitySnapshot) {
	c.publish(CallEvent{Type: CallEventQualityChanged, Quality: &snap})
	if !c.quality.IsDegradation(from, to) {
		return
	}
	d := domain.NetworkDegradation{From: from, To: to, Snapshot: snap}
	c.logger.Warnw("network degraded", "from", from, "to", to, "score", snap.Score)
	c.publish(CallEvent{Type: CallEventNetworkDegraded, Degradation: &d})
}

func (c *CallController) publish(ev CallEvent) {
	if ev.At.IsZero() {
		ev.At = c.now()
	}
	c.events.Publish(ev)
}

func (c *CallController) requirePhase(want domain.CallPhase) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session.Phase == domain.PhaseEnded {
		return domain.ErrSessionClosed
	}
	if c.session.Phase != want {
		return fmt.Errorf("%w: %s", domain.ErrInvalidPhase, c.session.Phase)
	}
	return nil
}

func (c *CallController) ended() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.Phase == domain.PhaseEnded
}

func (c *CallController) localParticipant() domain.Participant {
	return domain.Participant{
		PeerID:      c.cfg.LocalPeerID,
		DisplayName: c.cfg.DisplayName,
		AvatarURL:   c.cfg.AvatarURL,
		JoinedAt:    c.now(),
	}
}

func tracksOfKind(s ports.MediaStream, kind domain.TrackKind) []ports.MediaTrack {
	var out []ports.MediaTrack
	for _, t := range s.Tracks() {
		if t.Kind() == kind {
			out = append(out, t)
		}
	}
	return out
}

func firstOfKind(s ports.MediaStream, kind domain.TrackKind) ports.MediaTrack {
	for _, t := range s.Tracks() {
		if t.Kind() == kind {
			return t
		}
	}
	return nil
}

func stopAll(s ports.MediaStream) {
	for _, t := range s.Tracks() {
		t.Stop()
	}
}
