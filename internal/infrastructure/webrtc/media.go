package webrtc

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"callcore/internal/core/domain"
	"callcore/internal/core/ports"
	"callcore/pkg/utils"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Frame payloads start with a flag byte so receivers can find keyframes
// after a decrypt failure.
const (
	frameFlagDelta    byte = 0x00
	frameFlagKeyframe byte = 0x01
)

type sourceProfile struct {
	codec     webrtc.RTPCodecCapability
	frameSize int
	interval  time.Duration
	// clock ticks per frame
	tsStep uint32
	// every keyEvery frames is a keyframe; 0 means every frame
	keyEvery int
}

func audioProfile() sourceProfile {
	return sourceProfile{
		codec:     webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		frameSize: 160,
		interval:  20 * time.Millisecond,
		tsStep:    960,
	}
}

func videoProfile(frameRate int) sourceProfile {
	if frameRate <= 0 {
		frameRate = 30
	}
	return sourceProfile{
		codec:     webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		frameSize: 2400,
		interval:  time.Second / time.Duration(frameRate),
		tsStep:    uint32(90000 / frameRate),
		keyEvery:  frameRate * 2,
	}
}

// frameSink receives every frame a local track produces. The peer
// connection installs one when the track is attached to a sender.
type frameSink func(t *LocalTrack, frame []byte, ticks uint32)

// LocalTrack is a synthetic capture track. It emits random frames at the
// profile's rate while enabled and attached.
type LocalTrack struct {
	id      domain.TrackID
	kind    domain.TrackKind
	profile sourceProfile
	rtp     *webrtc.TrackLocalStaticRTP

	mu      sync.Mutex
	enabled bool
	stopped bool
	onEnded []func()

	sink       atomic.Pointer[frameSink]
	wantKey    atomic.Bool
	frames     atomic.Uint64
	done       chan struct{}
	packetizer *packetizer
}

func newLocalTrack(kind domain.TrackKind, streamID string, profile sourceProfile) (*LocalTrack, error) {
	id := domain.TrackID(utils.NewTrackID(string(kind)))
	rtpTrack, err := webrtc.NewTrackLocalStaticRTP(profile.codec, string(id), streamID)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s track: %w", kind, err)
	}
	t := &LocalTrack{
		id:         id,
		kind:       kind,
		profile:    profile,
		rtp:        rtpTrack,
		enabled:    true,
		done:       make(chan struct{}),
		packetizer: newPacketizer(defaultMTU),
	}
	t.wantKey.Store(true)
	go t.run()
	return t, nil
}

func (t *LocalTrack) ID() domain.TrackID     { return t.id }
func (t *LocalTrack) Kind() domain.TrackKind { return t.kind }

func (t *LocalTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *LocalTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
	if enabled {
		t.wantKey.Store(true)
	}
}

// Stop ends capture and fires the ended handlers once.
func (t *LocalTrack) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	close(t.done)
	handlers := append([]func(){}, t.onEnded...)
	t.onEnded = nil
	t.mu.Unlock()

	for _, fn := range handlers {
		fn()
	}
}

func (t *LocalTrack) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

func (t *LocalTrack) OnEnded(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.onEnded = append(t.onEnded, fn)
}

// End simulates the capture device going away, e.g. the user closing the
// shared window.
func (t *LocalTrack) End() {
	t.Stop()
}

// RequestKeyframe makes the next frame a keyframe.
func (t *LocalTrack) RequestKeyframe() {
	t.wantKey.Store(true)
}

// FramesSent counts frames handed to an attached sink.
func (t *LocalTrack) FramesSent() uint64 {
	return t.frames.Load()
}

func (t *LocalTrack) attach(sink frameSink) *frameSink {
	p := &sink
	t.sink.Store(p)
	t.wantKey.Store(true)
	return p
}

// detach removes sink if it is still the attached one.
func (t *LocalTrack) detach(sink *frameSink) {
	t.sink.CompareAndSwap(sink, nil)
}

func (t *LocalTrack) run() {
	ticker := time.NewTicker(t.profile.interval)
	defer ticker.Stop()

	var n int
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
		}

		sink := t.sink.Load()
		if sink == nil || !t.Enabled() {
			continue
		}

		key := t.wantKey.Swap(false) || t.profile.keyEvery == 0 || n%t.profile.keyEvery == 0
		n++
		(*sink)(t, t.nextFrame(key), t.profile.tsStep)
		t.frames.Add(1)
	}
}

func (t *LocalTrack) nextFrame(key bool) []byte {
	frame := make([]byte, t.profile.frameSize)
	_, _ = rand.Read(frame[1:])
	frame[0] = frameFlagDelta
	if key {
		frame[0] = frameFlagKeyframe
	}
	return frame
}

// LocalStream groups the tracks of one capture.
type LocalStream struct {
	id string

	mu     sync.RWMutex
	tracks []ports.MediaTrack
}

func (s *LocalStream) ID() string { return s.id }

func (s *LocalStream) Tracks() []ports.MediaTrack {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]ports.MediaTrack(nil), s.tracks...)
}

func (s *LocalStream) ReplaceTrack(oldID domain.TrackID, track ports.MediaTrack) error {
	if track == nil {
		return fmt.Errorf("replacement track is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, tr := range s.tracks {
		if tr.ID() == oldID {
			if tr.Kind() != track.Kind() {
				return fmt.Errorf("cannot replace %s track with %s", tr.Kind(), track.Kind())
			}
			s.tracks[i] = track
			return nil
		}
	}
	return domain.ErrTrackNotFound
}

type DeviceConfig struct {
	CameraAvailable     bool
	MicrophoneAvailable bool
	ScreenAvailable     bool
}

// Devices is the synthetic capture backend of a headless call agent.
type Devices struct {
	cfg    DeviceConfig
	logger *zap.SugaredLogger
}

func NewDevices(cfg DeviceConfig, logger *zap.SugaredLogger) *Devices {
	return &Devices{cfg: cfg, logger: logger}
}

func (d *Devices) GetUserMedia(ctx context.Context, constraints domain.MediaConstraints) (ports.MediaStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, &domain.DeviceAcquisitionError{Kind: domain.StreamKindCamera, Reason: domain.DeviceCancelled, Err: err}
	}
	if !constraints.Audio && !constraints.Video {
		return nil, &domain.DeviceAcquisitionError{Kind: domain.StreamKindCamera, Reason: domain.DeviceOverconstrained,
			Err: fmt.Errorf("neither audio nor video requested")}
	}
	if constraints.Audio && !d.cfg.MicrophoneAvailable {
		return nil, &domain.DeviceAcquisitionError{Kind: domain.StreamKindCamera, Reason: domain.DeviceUnavailable,
			Err: fmt.Errorf("no microphone")}
	}
	if constraints.Video && !d.cfg.CameraAvailable {
		return nil, &domain.DeviceAcquisitionError{Kind: domain.StreamKindCamera, Reason: domain.DeviceUnavailable,
			Err: fmt.Errorf("no camera")}
	}

	var profiles []trackSpec
	if constraints.Audio {
		profiles = append(profiles, trackSpec{domain.TrackKindAudio, audioProfile()})
	}
	if constraints.Video {
		profiles = append(profiles, trackSpec{domain.TrackKindVideo, videoProfile(constraints.FrameRate)})
	}
	stream, err := d.open(profiles)
	if err != nil {
		return nil, &domain.DeviceAcquisitionError{Kind: domain.StreamKindCamera, Reason: domain.DeviceUnavailable, Err: err}
	}

	d.logger.Debugw("opened synthetic capture",
		"stream_id", stream.id,
		"audio", constraints.Audio,
		"video", constraints.Video,
		"audio_device", constraints.AudioDeviceID,
		"video_device", constraints.VideoDeviceID,
	)
	return stream, nil
}

func (d *Devices) GetDisplayMedia(ctx context.Context, opts domain.ScreenOptions) (ports.MediaStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, &domain.DeviceAcquisitionError{Kind: domain.StreamKindScreen, Reason: domain.DeviceCancelled, Err: err}
	}
	if !d.cfg.ScreenAvailable {
		return nil, &domain.DeviceAcquisitionError{Kind: domain.StreamKindScreen, Reason: domain.DevicePermissionDenied}
	}

	frameRate := opts.FrameRate
	if frameRate <= 0 {
		frameRate = 15
	}
	specs := []trackSpec{{domain.TrackKindVideo, videoProfile(frameRate)}}
	if opts.WithAudio {
		specs = append(specs, trackSpec{domain.TrackKindAudio, audioProfile()})
	}
	stream, err := d.open(specs)
	if err != nil {
		return nil, &domain.DeviceAcquisitionError{Kind: domain.StreamKindScreen, Reason: domain.DeviceUnavailable, Err: err}
	}
	return stream, nil
}

type trackSpec struct {
	kind    domain.TrackKind
	profile sourceProfile
}

func (d *Devices) open(specs []trackSpec) (*LocalStream, error) {
	stream := &LocalStream{id: utils.NewStreamID()}
	for _, spec := range specs {
		t, err := newLocalTrack(spec.kind, stream.id, spec.profile)
		if err != nil {
			for _, tr := range stream.tracks {
				tr.Stop()
			}
			return nil, err
		}
		stream.tracks = append(stream.tracks, t)
	}
	return stream, nil
}

var (
	_ ports.MediaDevices = (*Devices)(nil)
	_ ports.MediaTrack   = (*LocalTrack)(nil)
	_ ports.MediaStream  = (*LocalStream)(nil)
)
