package webrtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"callcore/internal/core/domain"
	"callcore/internal/core/ports"
	"callcore/pkg/config"

	"github.com/pion/ice/v2"
	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Config holds the transport settings of a call agent.
type Config struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
	// Minimum spacing of keyframe requests per remote track.
	KeyframeRequestInterval time.Duration
	// DisableMDNS stops resolving .local candidates, for agents on networks
	// that drop multicast.
	DisableMDNS bool
}

func ConfigFromApp(cfg *config.Config) Config {
	var out Config
	for _, s := range cfg.WebRTC.ICEServers {
		out.ICEServers = append(out.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	out.PortRange.Min = cfg.WebRTC.PortRange.Min
	out.PortRange.Max = cfg.WebRTC.PortRange.Max
	out.KeyframeRequestInterval = time.Second
	out.DisableMDNS = cfg.WebRTC.DisableMDNS
	return out
}

// FrameStats are totals across every connection a Connector created.
type FrameStats struct {
	FramesSent       uint64
	FramesReceived   uint64
	EncryptFailures  uint64
	DecryptFailures  uint64
	FramesLost       uint64
	KeyframeRequests uint64
}

type frameCounters struct {
	sent, received, encryptFailed, decryptFailed, lost, keyframeRequests atomic.Uint64
}

func (c *frameCounters) snapshot() FrameStats {
	return FrameStats{
		FramesSent:       c.sent.Load(),
		FramesReceived:   c.received.Load(),
		EncryptFailures:  c.encryptFailed.Load(),
		DecryptFailures:  c.decryptFailed.Load(),
		FramesLost:       c.lost.Load(),
		KeyframeRequests: c.keyframeRequests.Load(),
	}
}

// Connector creates pion peer connections. It implements ports.PeerConnector.
type Connector struct {
	api      *webrtc.API
	rtcCfg   webrtc.Configuration
	cfg      Config
	counters *frameCounters
	logger   *zap.SugaredLogger
}

func NewConnector(cfg Config, logger *zap.SugaredLogger) (*Connector, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	if cfg.PortRange.Min > 0 && cfg.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(cfg.PortRange.Min, cfg.PortRange.Max); err != nil {
			return nil, fmt.Errorf("invalid port range: %w", err)
		}
	}
	if cfg.DisableMDNS {
		settingEngine.SetICEMulticastDNSMode(ice.MulticastDNSModeDisabled)
	}
	if cfg.KeyframeRequestInterval <= 0 {
		cfg.KeyframeRequestInterval = time.Second
	}

	return &Connector{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(m),
			webrtc.WithInterceptorRegistry(registry),
			webrtc.WithSettingEngine(settingEngine),
		),
		rtcCfg: webrtc.Configuration{
			ICEServers:   cfg.ICEServers,
			SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
		},
		cfg:      cfg,
		counters: &frameCounters{},
		logger:   logger,
	}, nil
}

func (c *Connector) NewPeerConnection(ctx context.Context) (ports.PeerConnection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pc, err := c.api.NewPeerConnection(c.rtcCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	p := &peerConnection{
		pc:            pc,
		senders:       make(map[domain.TrackID]*senderEntry),
		remoteStreams: make(map[string]*RemoteStream),
		gate:          newKeyframeGate(c.cfg.KeyframeRequestInterval),
		counters:      c.counters,
		logger:        c.logger,
	}
	pc.OnTrack(p.handleTrack)
	return p, nil
}

func (c *Connector) FrameStats() FrameStats {
	return c.counters.snapshot()
}

type senderEntry struct {
	sender *webrtc.RTPSender
	track  *LocalTrack
	sink   *frameSink
}

type cryptorBox struct {
	cryptor ports.FrameCryptor
}

type peerConnection struct {
	pc       *webrtc.PeerConnection
	cryptor  atomic.Pointer[cryptorBox]
	gate     *keyframeGate
	counters *frameCounters

	mu            sync.Mutex
	senders       map[domain.TrackID]*senderEntry
	pending       []webrtc.ICECandidateInit
	remoteSet     bool
	remoteStreams map[string]*RemoteStream
	onRemote      func(ports.MediaStream)
	closed        bool
	wg            sync.WaitGroup

	logger *zap.SugaredLogger
}

func (p *peerConnection) ConnectionState() domain.ConnectionState {
	return mapConnectionState(p.pc.ConnectionState())
}

func (p *peerConnection) GetStats(ctx context.Context) (domain.StatsReport, error) {
	if err := ctx.Err(); err != nil {
		return domain.StatsReport{}, err
	}
	return statsFromReport(p.pc.GetStats(), time.Now()), nil
}

func (p *peerConnection) AddLocalStream(stream ports.MediaStream) error {
	for _, tr := range stream.Tracks() {
		lt, ok := tr.(*LocalTrack)
		if !ok {
			return fmt.Errorf("unsupported local track type %T", tr)
		}
		sender, err := p.pc.AddTrack(lt.rtp)
		if err != nil {
			return fmt.Errorf("failed to add %s track: %w", lt.kind, err)
		}

		entry := &senderEntry{sender: sender, track: lt}
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return domain.ErrSessionClosed
		}
		p.senders[lt.id] = entry
		entry.sink = lt.attach(p.sendFrame)
		p.wg.Add(1)
		p.mu.Unlock()

		go p.readSenderRTCP(entry)
	}
	return nil
}

func (p *peerConnection) ReplaceSenderTrack(oldID domain.TrackID, track ports.MediaTrack) error {
	lt, ok := track.(*LocalTrack)
	if !ok {
		return fmt.Errorf("unsupported local track type %T", track)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.senders[oldID]
	if !ok {
		return domain.ErrTrackNotFound
	}
	if err := entry.sender.ReplaceTrack(lt.rtp); err != nil {
		return fmt.Errorf("failed to replace sender track: %w", err)
	}

	entry.track.detach(entry.sink)
	delete(p.senders, oldID)
	entry.track = lt
	entry.sink = lt.attach(p.sendFrame)
	p.senders[lt.id] = entry
	return nil
}

func (p *peerConnection) CreateOffer(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("failed to set local description: %w", err)
	}
	return offer.SDP, nil
}

func (p *peerConnection) AcceptOffer(ctx context.Context, sdp string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := p.setRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		return "", err
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("failed to set local description: %w", err)
	}
	return answer.SDP, nil
}

func (p *peerConnection) SetAnswer(ctx context.Context, sdp string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.setRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp})
}

// setRemote applies the remote description, then the candidates that
// arrived before it.
func (p *peerConnection) setRemote(desc webrtc.SessionDescription) error {
	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("failed to set remote %s: %w", desc.Type, err)
	}

	p.mu.Lock()
	p.remoteSet = true
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()

	for _, c := range pending {
		if err := p.pc.AddICECandidate(c); err != nil {
			p.logger.Debugw("dropping queued ICE candidate", "error", err)
		}
	}
	return nil
}

func (p *peerConnection) AddICECandidate(candidate domain.ICECandidate) error {
	init := webrtc.ICECandidateInit{
		Candidate:     candidate.Candidate,
		SDPMid:        candidate.SDPMid,
		SDPMLineIndex: candidate.SDPMLineIndex,
	}

	p.mu.Lock()
	if !p.remoteSet {
		p.pending = append(p.pending, init)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	return p.pc.AddICECandidate(init)
}

func (p *peerConnection) OnICECandidate(fn func(domain.ICECandidate)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		fn(domain.ICECandidate{
			Candidate:     init.Candidate,
			SDPMid:        init.SDPMid,
			SDPMLineIndex: init.SDPMLineIndex,
		})
	})
}

func (p *peerConnection) OnRemoteStream(fn func(ports.MediaStream)) {
	p.mu.Lock()
	p.onRemote = fn
	p.mu.Unlock()
}

func (p *peerConnection) OnConnectionStateChange(fn func(domain.ConnectionState)) {
	p.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		fn(mapConnectionState(state))
	})
}

// SetFrameCryptor swaps the frame transforms. Senders are asked for a
// keyframe so the far side can resync under the new keys.
func (p *peerConnection) SetFrameCryptor(cryptor ports.FrameCryptor) error {
	if cryptor == nil {
		p.cryptor.Store(nil)
	} else {
		p.cryptor.Store(&cryptorBox{cryptor: cryptor})
	}

	p.mu.Lock()
	for _, entry := range p.senders {
		entry.track.RequestKeyframe()
	}
	p.mu.Unlock()
	return nil
}

func (p *peerConnection) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	for _, entry := range p.senders {
		entry.track.detach(entry.sink)
	}
	p.mu.Unlock()

	err := p.pc.Close()
	p.wg.Wait()
	return err
}

func (p *peerConnection) sendFrame(t *LocalTrack, frame []byte, ticks uint32) {
	payload := frame
	if box := p.cryptor.Load(); box != nil {
		sealed, err := box.cryptor.EncryptFrame(frame)
		if err != nil {
			// Keep the clock moving so the receiver sees a gap, not a stall.
			t.packetizer.packetize(nil, ticks)
			p.counters.encryptFailed.Add(1)
			return
		}
		payload = sealed
	}

	for _, pkt := range t.packetizer.packetize(payload, ticks) {
		if err := t.rtp.WriteRTP(pkt); err != nil {
			if !errors.Is(err, io.ErrClosedPipe) {
				p.logger.Debugw("error writing RTP packet", "track_id", t.id, "error", err)
			}
			return
		}
	}
	p.counters.sent.Add(1)
}

func (p *peerConnection) readSenderRTCP(entry *senderEntry) {
	defer p.wg.Done()
	for {
		packets, _, err := entry.sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range packets {
			switch pkt.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				p.mu.Lock()
				track := entry.track
				p.mu.Unlock()
				track.RequestKeyframe()
			}
		}
	}
}

func (p *peerConnection) handleTrack(remote *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	kind := domain.TrackKindVideo
	if remote.Kind() == webrtc.RTPCodecTypeAudio {
		kind = domain.TrackKindAudio
	}
	track := newRemoteTrack(domain.TrackID(remote.ID()), kind)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	stream, existed := p.remoteStreams[remote.StreamID()]
	if !existed {
		stream = &RemoteStream{id: remote.StreamID()}
		p.remoteStreams[remote.StreamID()] = stream
	}
	stream.add(track)
	notify := p.onRemote
	p.wg.Add(1)
	p.mu.Unlock()

	p.logger.Infow("remote track started",
		"track_id", remote.ID(),
		"stream_id", remote.StreamID(),
		"codec", remote.Codec().MimeType,
	)

	if !existed && notify != nil {
		notify(stream)
	}
	go p.readRemote(remote, track)
}

func (p *peerConnection) readRemote(remote *webrtc.TrackRemote, track *RemoteTrack) {
	defer p.wg.Done()
	defer track.end()
	defer p.gate.Forget(track.id)

	// Hold video until a keyframe arrives; the sender may be mid-GOP.
	p.requestKeyframe(remote, track)

	var asm assembler
	for {
		pkt, _, err := remote.ReadRTP()
		if err != nil {
			return
		}
		track.bytes.Add(uint64(len(pkt.Payload)))

		lost := asm.dropped
		frame := asm.push(pkt)
		if asm.dropped != lost {
			p.counters.lost.Add(asm.dropped - lost)
			p.requestKeyframe(remote, track)
		}
		if frame == nil {
			continue
		}

		if box := p.cryptor.Load(); box != nil {
			plain, err := box.cryptor.DecryptFrame(frame)
			if err != nil {
				p.counters.decryptFailed.Add(1)
				p.requestKeyframe(remote, track)
				continue
			}
			frame = plain
		}

		if !p.gate.Admit(track.id, track.kind, frame) {
			continue
		}
		track.deliver(frame)
		p.counters.received.Add(1)
	}
}

func (p *peerConnection) requestKeyframe(remote *webrtc.TrackRemote, track *RemoteTrack) {
	if !p.gate.Broken(track.id, track.kind) {
		return
	}
	err := p.pc.WriteRTCP([]rtcp.Packet{
		&rtcp.PictureLossIndication{MediaSSRC: uint32(remote.SSRC())},
	})
	if err != nil {
		p.logger.Debugw("failed to send keyframe request", "track_id", track.id, "error", err)
		return
	}
	p.counters.keyframeRequests.Add(1)
}

// RemoteTrack is a track received from the far side.
type RemoteTrack struct {
	id   domain.TrackID
	kind domain.TrackKind

	mu      sync.Mutex
	enabled bool
	stopped bool
	onEnded []func()
	onFrame func([]byte)

	frames atomic.Uint64
	bytes  atomic.Uint64
}

func newRemoteTrack(id domain.TrackID, kind domain.TrackKind) *RemoteTrack {
	return &RemoteTrack{id: id, kind: kind, enabled: true}
}

func (t *RemoteTrack) ID() domain.TrackID     { return t.id }
func (t *RemoteTrack) Kind() domain.TrackKind { return t.kind }

func (t *RemoteTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

// SetEnabled mutes local playback only.
func (t *RemoteTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
}

func (t *RemoteTrack) Stop() {
	t.end()
}

func (t *RemoteTrack) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

func (t *RemoteTrack) OnEnded(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.onEnded = append(t.onEnded, fn)
}

// OnFrame registers the consumer of decoded frames.
func (t *RemoteTrack) OnFrame(fn func([]byte)) {
	t.mu.Lock()
	t.onFrame = fn
	t.mu.Unlock()
}

func (t *RemoteTrack) FramesReceived() uint64 { return t.frames.Load() }
func (t *RemoteTrack) BytesReceived() uint64  { return t.bytes.Load() }

func (t *RemoteTrack) deliver(frame []byte) {
	t.frames.Add(1)
	t.mu.Lock()
	fn, enabled := t.onFrame, t.enabled
	t.mu.Unlock()
	if fn != nil && enabled {
		fn(frame)
	}
}

func (t *RemoteTrack) end() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	handlers := t.onEnded
	t.onEnded = nil
	t.mu.Unlock()

	for _, fn := range handlers {
		fn()
	}
}

// RemoteStream collects the tracks the far side sent under one stream id.
type RemoteStream struct {
	id string

	mu     sync.RWMutex
	tracks []ports.MediaTrack
}

func (s *RemoteStream) ID() string { return s.id }

func (s *RemoteStream) Tracks() []ports.MediaTrack {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]ports.MediaTrack(nil), s.tracks...)
}

func (s *RemoteStream) ReplaceTrack(domain.TrackID, ports.MediaTrack) error {
	return fmt.Errorf("remote stream %s is read-only", s.id)
}

func (s *RemoteStream) add(t *RemoteTrack) {
	s.mu.Lock()
	s.tracks = append(s.tracks, t)
	s.mu.Unlock()
}

var (
	_ ports.PeerConnector  = (*Connector)(nil)
	_ ports.PeerConnection = (*peerConnection)(nil)
	_ ports.MediaTrack     = (*RemoteTrack)(nil)
	_ ports.MediaStream    = (*RemoteStream)(nil)
)
