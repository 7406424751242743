package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"callcore/internal/core/domain"
	"callcore/internal/core/ports"
	"callcore/pkg/utils"

	"go.uber.org/zap"
)

// StreamHandle is the borrowed view of a managed stream. Holders must not
// stop its tracks; ownership stays with the StreamManager.
type StreamHandle struct {
	ID     domain.StreamID
	Kind   domain.StreamKind
	Stream ports.MediaStream
}

type managedStream struct {
	record domain.StreamRecord
	stream ports.MediaStream
}

// StreamManager is the single owner of every local and remote media stream
// in a session. At most one record per kind is live at any time.
type StreamManager struct {
	devices ports.MediaDevices
	metrics ports.CallMetrics
	logger  *zap.SugaredLogger
	events  *EventBus[domain.StreamEvent]
	now     func() time.Time

	mu      sync.Mutex
	records map[domain.StreamID]*managedStream
	active  map[domain.StreamKind]domain.StreamID
}

func NewStreamManager(devices ports.MediaDevices, metrics ports.CallMetrics, logger *zap.SugaredLogger) *StreamManager {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &StreamManager{
		devices: devices,
		metrics: metrics,
		logger:  logger,
		events:  NewEventBus[domain.StreamEvent](),
		now:     time.Now,
		records: make(map[domain.StreamID]*managedStream),
		active:  make(map[domain.StreamKind]domain.StreamID),
	}
}

func (m *StreamManager) Subscribe(fn func(domain.StreamEvent)) ports.SubscriptionID {
	return m.events.Subscribe(fn)
}

func (m *StreamManager) Unsubscribe(id ports.SubscriptionID) {
	m.events.Unsubscribe(id)
}

// CreateCameraStream acquires camera and microphone. Any existing camera
// stream is destroyed before the device is requested.
func (m *StreamManager) CreateCameraStream(ctx context.Context, constraints domain.MediaConstraints) (StreamHandle, error) {
	m.destroyKind(domain.StreamKindCamera)

	stream, err := m.devices.GetUserMedia(ctx, constraints)
	if err != nil {
		return StreamHandle{}, m.acquisitionFailed(domain.StreamKindCamera, err)
	}
	return m.install(domain.StreamKindCamera, stream, ""), nil
}

// CreateScreenStream follows the same single-instance rule for screen capture.
func (m *StreamManager) CreateScreenStream(ctx context.Context, opts domain.ScreenOptions) (StreamHandle, error) {
	m.destroyKind(domain.StreamKindScreen)

	stream, err := m.devices.GetDisplayMedia(ctx, opts)
	if err != nil {
		return StreamHandle{}, m.acquisitionFailed(domain.StreamKindScreen, err)
	}
	return m.install(domain.StreamKindScreen, stream, ""), nil
}

// AcquireTracks opens devices for a track swap without creating a record.
// The caller owns the returned stream until its tracks are handed to
// ReplaceTrack, and must stop any it does not use.
func (m *StreamManager) AcquireTracks(ctx context.Context, constraints domain.MediaConstraints) (ports.MediaStream, error) {
	stream, err := m.devices.GetUserMedia(ctx, constraints)
	if err != nil {
		return nil, m.acquisitionFailed(domain.StreamKindCamera, err)
	}
	return stream, nil
}

// RegisterRemoteStream adopts a peer-owned stream. Its tracks are never
// stopped by the manager.
func (m *StreamManager) RegisterRemoteStream(stream ports.MediaStream, owner domain.PeerID) StreamHandle {
	return m.install(domain.StreamKindRemote, stream, owner)
}

// DestroyStream stops the stream's tracks (local kinds only) and emits
// stream_destroyed. Unknown or already destroyed ids are ignored.
func (m *StreamManager) DestroyStream(id domain.StreamID) {
	m.mu.Lock()
	ms := m.detachLocked(id)
	m.mu.Unlock()

	if ms != nil {
		m.release(ms)
	}
}

func (m *StreamManager) DestroyAllStreams() {
	m.mu.Lock()
	detached := make([]*managedStream, 0, len(m.records))
	for id := range m.records {
		if ms := m.detachLocked(id); ms != nil {
			detached = append(detached, ms)
		}
	}
	m.mu.Unlock()

	for _, ms := range detached {
		m.release(ms)
	}
}

// ReplaceTrack swaps oldID for track inside the live camera or screen
// stream. The previous track is stopped only after the swap succeeded.
func (m *StreamManager) ReplaceTrack(oldID domain.TrackID, track ports.MediaTrack) bool {
	if track == nil {
		return false
	}

	m.mu.Lock()
	ms, old := m.findLocalTrackLocked(oldID)
	if ms == nil {
		m.mu.Unlock()
		return false
	}
	if err := ms.stream.ReplaceTrack(oldID, track); err != nil {
		m.mu.Unlock()
		m.logger.Warnw("track replacement failed",
			"stream_id", ms.record.ID,
			"track_id", oldID,
			"error", err,
		)
		return false
	}
	m.watchTrack(ms.record.ID, ms.record.Kind, track)
	m.mu.Unlock()

	// Stop may fire OnEnded synchronously, so it runs unlocked.
	old.Stop()
	m.logger.Debugw("track replaced",
		"stream_id", ms.record.ID,
		"old_track_id", oldID,
		"new_track_id", track.ID(),
	)
	return true
}

// LocalTrack returns the live local track with the given id.
func (m *StreamManager) LocalTrack(id domain.TrackID) (ports.MediaTrack, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, t := m.findLocalTrackLocked(id)
	return t, t != nil
}

func (m *StreamManager) findLocalTrackLocked(id domain.TrackID) (*managedStream, ports.MediaTrack) {
	for _, kind := range []domain.StreamKind{domain.StreamKindCamera, domain.StreamKindScreen} {
		ms := m.records[m.active[kind]]
		if ms == nil {
			continue
		}
		if t := findTrack(ms.stream, id); t != nil {
			return ms, t
		}
	}
	return nil, nil
}

func (m *StreamManager) Get(id domain.StreamID) (StreamHandle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms, ok := m.records[id]
	if !ok {
		return StreamHandle{}, false
	}
	return handleOf(ms), true
}

// Active returns the live stream of the given kind.
func (m *StreamManager) Active(kind domain.StreamKind) (StreamHandle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms, ok := m.records[m.active[kind]]
	if !ok {
		return StreamHandle{}, false
	}
	return handleOf(ms), true
}

func (m *StreamManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func (m *StreamManager) install(kind domain.StreamKind, stream ports.MediaStream, owner domain.PeerID) StreamHandle {
	ms := &managedStream{
		record: domain.StreamRecord{
			ID:          domain.StreamID(utils.NewStreamID()),
			Kind:        kind,
			OwnerPeerID: owner,
			CreatedAt:   m.now(),
		},
		stream: stream,
	}

	m.mu.Lock()
	// A concurrent create of the same kind may have finished first.
	var prior *managedStream
	if id, ok := m.active[kind]; ok {
		prior = m.detachLocked(id)
	}
	m.records[ms.record.ID] = ms
	m.active[kind] = ms.record.ID
	if kind != domain.StreamKindRemote {
		for _, t := range stream.Tracks() {
			m.watchTrack(ms.record.ID, kind, t)
		}
	}
	m.mu.Unlock()

	if prior != nil {
		m.release(prior)
	}

	m.metrics.SetActiveStreams(kind, 1)
	m.logger.Infow("stream created",
		"stream_id", ms.record.ID,
		"kind", kind,
		"tracks", len(stream.Tracks()),
	)
	m.events.Publish(domain.StreamEvent{
		Type:     domain.StreamEventCreated,
		StreamID: ms.record.ID,
		Kind:     kind,
		At:       ms.record.CreatedAt,
	})
	return handleOf(ms)
}

func (m *StreamManager) destroyKind(kind domain.StreamKind) {
	m.mu.Lock()
	var ms *managedStream
	if id, ok := m.active[kind]; ok {
		ms = m.detachLocked(id)
	}
	m.mu.Unlock()

	if ms != nil {
		m.release(ms)
	}
}

// detachLocked removes the record from the arena; the caller releases it
// after dropping the lock. Returns nil if id is not live.
func (m *StreamManager) detachLocked(id domain.StreamID) *managedStream {
	ms, ok := m.records[id]
	if !ok {
		return nil
	}
	delete(m.records, id)
	if m.active[ms.record.Kind] == id {
		delete(m.active, ms.record.Kind)
	}
	return ms
}

func (m *StreamManager) release(ms *managedStream) {
	if ms.record.Kind != domain.StreamKindRemote {
		for _, t := range ms.stream.Tracks() {
			t.Stop()
		}
	}

	m.mu.Lock()
	_, stillActive := m.active[ms.record.Kind]
	m.mu.Unlock()
	if !stillActive {
		m.metrics.SetActiveStreams(ms.record.Kind, 0)
	}

	m.logger.Infow("stream destroyed",
		"stream_id", ms.record.ID,
		"kind", ms.record.Kind,
	)
	m.events.Publish(domain.StreamEvent{
		Type:     domain.StreamEventDestroyed,
		StreamID: ms.record.ID,
		Kind:     ms.record.Kind,
		At:       m.now(),
	})
}

// watchTrack reports track_ended only while the owning record is still live.
func (m *StreamManager) watchTrack(id domain.StreamID, kind domain.StreamKind, t ports.MediaTrack) {
	trackID := t.ID()
	t.OnEnded(func() {
		m.mu.Lock()
		ms, live := m.records[id]
		if live && findTrack(ms.stream, trackID) == nil {
			live = false
		}
		m.mu.Unlock()
		if !live {
			return
		}
		m.events.Publish(domain.StreamEvent{
			Type:     domain.StreamEventTrackEnded,
			StreamID: id,
			Kind:     kind,
			TrackID:  trackID,
			At:       m.now(),
		})
	})
}

func (m *StreamManager) acquisitionFailed(kind domain.StreamKind, err error) error {
	var devErr *domain.DeviceAcquisitionError
	if !errors.As(err, &devErr) {
		reason := domain.DeviceUnavailable
		if errors.Is(err, context.Canceled) {
			reason = domain.DeviceCancelled
		}
		devErr = &domain.DeviceAcquisitionError{Kind: kind, Reason: reason, Err: err}
		err = devErr
	}

	m.logger.Warnw("device acquisition failed",
		"kind", kind,
		"reason", devErr.Reason,
		"error", err,
	)
	m.events.Publish(domain.StreamEvent{
		Type: domain.StreamEventError,
		Kind: kind,
		Err:  err,
		At:   m.now(),
	})
	return fmt.Errorf("create %s stream: %w", kind, err)
}

func handleOf(ms *managedStream) StreamHandle {
	return StreamHandle{ID: ms.record.ID, Kind: ms.record.Kind, Stream: ms.stream}
}

func findTrack(s ports.MediaStream, id domain.TrackID) ports.MediaTrack {
	for _, t := range s.Tracks() {
		if t.ID() == id {
			return t
		}
	}
	return nil
}
