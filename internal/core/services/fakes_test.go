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
)

type fakeTrack struct {
	mu      sync.Mutex
	id      domain.TrackID
	kind    domain.TrackKind
	enabled bool
	stopped bool
	stops   int
	onEnded []func()
}

func newFakeTrack(id string, kind domain.TrackKind) *fakeTrack {
	return &fakeTrack{id: domain.TrackID(id), kind: kind, enabled: true}
}

func (t *fakeTrack) ID() domain.TrackID     { return t.id }
func (t *fakeTrack) Kind() domain.TrackKind { return t.kind }

func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *fakeTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
}

// Stop fires OnEnded synchronously the first time, like a browser track.
func (t *fakeTrack) Stop() {
	t.mu.Lock()
	t.stops++
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	handlers := append([]func(){}, t.onEnded...)
	t.mu.Unlock()
	for _, fn := range handlers {
		fn()
	}
}

func (t *fakeTrack) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

func (t *fakeTrack) OnEnded(fn func()) {
	t.mu.Lock()
	t.onEnded = append(t.onEnded, fn)
	t.mu.Unlock()
}

// end simulates the device going away without Stop being called by us.
func (t *fakeTrack) end() {
	t.Stop()
}

type fakeStream struct {
	mu     sync.Mutex
	id     string
	tracks []ports.MediaTrack
}

func newFakeStream(id string, tracks ...*fakeTrack) *fakeStream {
	s := &fakeStream{id: id}
	for _, t := range tracks {
		s.tracks = append(s.tracks, t)
	}
	return s
}

func (s *fakeStream) ID() string { return s.id }

func (s *fakeStream) Tracks() []ports.MediaTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ports.MediaTrack(nil), s.tracks...)
}

func (s *fakeStream) ReplaceTrack(oldID domain.TrackID, track ports.MediaTrack) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, t := range s.tracks {
		if t.ID() == oldID {
			s.tracks[i] = track
			return nil
		}
	}
	return domain.ErrTrackNotFound
}

type fakeDevices struct {
	mu         sync.Mutex
	seq        int
	cameraErr  error
	screenErr  error
	streams    []*fakeStream
	cameraHook func()
}

func (d *fakeDevices) GetUserMedia(ctx context.Context, c domain.MediaConstraints) (ports.MediaStream, error) {
	d.mu.Lock()
	hook := d.cameraHook
	d.mu.Unlock()
	if hook != nil {
		hook()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cameraErr != nil {
		return nil, d.cameraErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.seq++
	var tracks []*fakeTrack
	if c.Audio {
		tracks = append(tracks, newFakeTrack(fmt.Sprintf("audio-%d", d.seq), domain.TrackKindAudio))
	}
	if c.Video {
		tracks = append(tracks, newFakeTrack(fmt.Sprintf("video-%d", d.seq), domain.TrackKindVideo))
	}
	s := newFakeStream(fmt.Sprintf("camera-%d", d.seq), tracks...)
	d.streams = append(d.streams, s)
	return s, nil
}

func (d *fakeDevices) GetDisplayMedia(ctx context.Context, opts domain.ScreenOptions) (ports.MediaStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.screenErr != nil {
		return nil, d.screenErr
	}
	d.seq++
	s := newFakeStream(fmt.Sprintf("screen-%d", d.seq), newFakeTrack(fmt.Sprintf("screen-video-%d", d.seq), domain.TrackKindVideo))
	d.streams = append(d.streams, s)
	return s, nil
}

func (d *fakeDevices) allTracks() []*fakeTrack {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*fakeTrack
	for _, s := range d.streams {
		for _, t := range s.Tracks() {
			out = append(out, t.(*fakeTrack))
		}
	}
	return out
}

type fakeStats struct {
	mu     sync.Mutex
	state  domain.ConnectionState
	report domain.StatsReport
	err    error
	calls  int
	hook   func()
}

func (f *fakeStats) ConnectionState() domain.ConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeStats) GetStats(ctx context.Context) (domain.StatsReport, error) {
	f.mu.Lock()
	f.calls++
	hook := f.hook
	r, err := f.report, f.err
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return r, err
}

func (f *fakeStats) set(r domain.StatsReport) {
	f.mu.Lock()
	f.report = r
	f.mu.Unlock()
}

type fakeInterceptor struct {
	mu      sync.Mutex
	cryptor ports.FrameCryptor
	calls   int
	err     error
}

func (f *fakeInterceptor) SetFrameCryptor(c ports.FrameCryptor) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil && c != nil {
		return f.err
	}
	f.cryptor = c
	return nil
}

func (f *fakeInterceptor) current() ports.FrameCryptor {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cryptor
}

type fakePeerConnection struct {
	fakeStats
	fakeInterceptor

	pmu         sync.Mutex
	local       []ports.MediaStream
	replaced    []domain.TrackID
	replaceErr  error
	candidates  []domain.ICECandidate
	offers      int
	answers     []string
	closed      bool
	onCandidate func(domain.ICECandidate)
	onRemote    func(ports.MediaStream)
	onState     func(domain.ConnectionState)
}

func (p *fakePeerConnection) AddLocalStream(s ports.MediaStream) error {
	p.pmu.Lock()
	defer p.pmu.Unlock()
	p.local = append(p.local, s)
	return nil
}

func (p *fakePeerConnection) ReplaceSenderTrack(oldID domain.TrackID, track ports.MediaTrack) error {
	p.pmu.Lock()
	defer p.pmu.Unlock()
	if p.replaceErr != nil {
		return p.replaceErr
	}
	p.replaced = append(p.replaced, oldID, track.ID())
	return nil
}

func (p *fakePeerConnection) CreateOffer(ctx context.Context) (string, error) {
	p.pmu.Lock()
	defer p.pmu.Unlock()
	p.offers++
	return "offer-sdp", nil
}

func (p *fakePeerConnection) AcceptOffer(ctx context.Context, sdp string) (string, error) {
	return "answer-sdp", nil
}

func (p *fakePeerConnection) SetAnswer(ctx context.Context, sdp string) error {
	p.pmu.Lock()
	defer p.pmu.Unlock()
	p.answers = append(p.answers, sdp)
	return nil
}

func (p *fakePeerConnection) AddICECandidate(c domain.ICECandidate) error {
	p.pmu.Lock()
	defer p.pmu.Unlock()
	p.candidates = append(p.candidates, c)
	return nil
}

func (p *fakePeerConnection) OnICECandidate(fn func(domain.ICECandidate)) {
	p.pmu.Lock()
	p.onCandidate = fn
	p.pmu.Unlock()
}

func (p *fakePeerConnection) OnRemoteStream(fn func(ports.MediaStream)) {
	p.pmu.Lock()
	p.onRemote = fn
	p.pmu.Unlock()
}

func (p *fakePeerConnection) OnConnectionStateChange(fn func(domain.ConnectionState)) {
	p.pmu.Lock()
	p.onState = fn
	p.pmu.Unlock()
}

func (p *fakePeerConnection) Close() error {
	p.pmu.Lock()
	defer p.pmu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePeerConnection) isClosed() bool {
	p.pmu.Lock()
	defer p.pmu.Unlock()
	return p.closed
}

type fakeConnector struct {
	mu    sync.Mutex
	conns []*fakePeerConnection
	err   error
	setup func(*fakePeerConnection)
}

func (f *fakeConnector) NewPeerConnection(ctx context.Context) (ports.PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	pc := &fakePeerConnection{}
	pc.state = domain.ConnectionNew
	if f.setup != nil {
		f.setup(pc)
	}
	f.conns = append(f.conns, pc)
	return pc, nil
}

func (f *fakeConnector) last() *fakePeerConnection {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.conns) == 0 {
		return nil
	}
	return f.conns[len(f.conns)-1]
}

// fakeSignaling records outbound messages; deliver feeds inbound ones.
type fakeSignaling struct {
	bus     *EventBus[domain.SignalMessage]
	mu      sync.Mutex
	sent    []domain.SignalMessage
	sendErr error
	onSend  func(domain.SignalMessage)
}

func newFakeSignaling() *fakeSignaling {
	return &fakeSignaling{bus: NewEventBus[domain.SignalMessage]()}
}

func (s *fakeSignaling) Send(ctx context.Context, msg domain.SignalMessage) error {
	s.mu.Lock()
	if s.sendErr != nil {
		err := s.sendErr
		s.mu.Unlock()
		return err
	}
	s.sent = append(s.sent, msg)
	hook := s.onSend
	s.mu.Unlock()
	if hook != nil {
		hook(msg)
	}
	return nil
}

func (s *fakeSignaling) Subscribe(h func(domain.SignalMessage)) ports.SubscriptionID {
	return s.bus.Subscribe(h)
}

func (s *fakeSignaling) Unsubscribe(id ports.SubscriptionID) { s.bus.Unsubscribe(id) }
func (s *fakeSignaling) Close() error                        { return nil }

func (s *fakeSignaling) deliver(msg domain.SignalMessage) { s.bus.Publish(msg) }

func (s *fakeSignaling) sentOfType(t domain.MessageType) []domain.SignalMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.SignalMessage
	for _, m := range s.sent {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

func (s *fakeSignaling) sentSignals(kind domain.SignalKind) []domain.SignalPayload {
	var out []domain.SignalPayload
	for _, m := range s.sentOfType(domain.MsgSendSignal) {
		var p domain.SignalPayload
		if json.Unmarshal(m.Payload, &p) == nil && p.Kind == kind {
			out = append(out, p)
		}
	}
	return out
}

// wire is a queued in-memory link. Messages are delivered by pump so that
// no handler runs inside another party's send.
type wire struct {
	mu    sync.Mutex
	queue []func()
}

func (w *wire) push(fn func()) {
	w.mu.Lock()
	w.queue = append(w.queue, fn)
	w.mu.Unlock()
}

func (w *wire) pump() int {
	n := 0
	for {
		w.mu.Lock()
		if len(w.queue) == 0 {
			w.mu.Unlock()
			return n
		}
		fn := w.queue[0]
		w.queue = w.queue[1:]
		w.mu.Unlock()
		fn()
		n++
	}
}

// drop discards everything queued.
func (w *wire) drop() {
	w.mu.Lock()
	w.queue = nil
	w.mu.Unlock()
}

type keyEnd struct {
	w        *wire
	mu       sync.Mutex
	deliver  func(ctx context.Context, kind domain.SignalKind, blob []byte) error
	sent     []domain.SignalKind
	fail     error
	blackout bool
}

func (e *keyEnd) SendKeyMaterial(ctx context.Context, kind domain.SignalKind, blob []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fail != nil {
		return e.fail
	}
	e.sent = append(e.sent, kind)
	if e.blackout || e.deliver == nil {
		return nil
	}
	deliver := e.deliver
	cp := append([]byte(nil), blob...)
	e.w.push(func() { _ = deliver(context.Background(), kind, cp) })
	return nil
}

func (e *keyEnd) setBlackout(on bool) {
	e.mu.Lock()
	e.blackout = on
	e.mu.Unlock()
}

type chatEnd struct {
	w    *wire
	bus  *EventBus[domain.ChatEnvelope]
	peer *chatEnd
	mu   sync.Mutex
	sent []domain.ChatEnvelope
}

func newChatEnd(w *wire) *chatEnd {
	return &chatEnd{w: w, bus: NewEventBus[domain.ChatEnvelope]()}
}

func (c *chatEnd) SendChat(ctx context.Context, env domain.ChatEnvelope) error {
	c.mu.Lock()
	c.sent = append(c.sent, env)
	peer := c.peer
	c.mu.Unlock()
	if peer != nil {
		c.w.push(func() { peer.bus.Publish(env) })
	}
	return nil
}

func (c *chatEnd) OnChat(h func(domain.ChatEnvelope)) ports.SubscriptionID { return c.bus.Subscribe(h) }
func (c *chatEnd) Unsubscribe(id ports.SubscriptionID)                     { c.bus.Unsubscribe(id) }

// fakeClock drives now() and after() for the E2EE pipelines.
type fakeClock struct {
	mu     sync.Mutex
	t      time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	at      time.Time
	fn      func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) After(d time.Duration, fn func()) func() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	ft := &fakeTimer{at: c.t.Add(d), fn: fn}
	c.timers = append(c.timers, ft)
	return func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		if ft.stopped || ft.fired {
			return false
		}
		ft.stopped = true
		return true
	}
}

// Advance moves time forward and fires due timers outside the lock.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	var due []*fakeTimer
	for _, ft := range c.timers {
		if !ft.stopped && !ft.fired && !ft.at.After(c.t) {
			ft.fired = true
			due = append(due, ft)
		}
	}
	c.mu.Unlock()
	for _, ft := range due {
		ft.fn()
	}
}

var errBoom = errors.New("boom")
