package services

import (
	"context"
	"sync"
	"time"

	"callcore/internal/core/domain"
	"callcore/internal/core/ports"

	"go.uber.org/zap"
)

const DefaultMonitorInterval = 2 * time.Second

// QualityChangeFunc is invoked only when the tier changes.
type QualityChangeFunc func(from, to domain.QualityTier, snapshot domain.QualitySnapshot)

// NetworkMonitor polls a connection's statistics and grades it. It reads
// the connection handle but never creates or closes it.
type NetworkMonitor struct {
	quality  *QualityService
	metrics  ports.CallMetrics
	logger   *zap.SugaredLogger
	roomID   domain.RoomID
	now      func() time.Time
	onChange Latest[QualityChangeFunc]

	mu     sync.Mutex
	handle ports.StatsProvider
	prev   *domain.NetworkSample
	tier   domain.QualityTier
	last   domain.QualitySnapshot
	// epoch changes on every handle switch and stop so that a tick whose
	// GetStats call straddled the change is discarded.
	epoch  uint64
	runID  uint64
	cancel context.CancelFunc
}

// MonitorSubscription stops the polling run that created it.
type MonitorSubscription struct {
	m     *NetworkMonitor
	runID uint64
	once  sync.Once
}

func (s *MonitorSubscription) Stop() {
	s.once.Do(func() { s.m.stopRun(s.runID) })
}

func NewNetworkMonitor(quality *QualityService, metrics ports.CallMetrics, roomID domain.RoomID, logger *zap.SugaredLogger) *NetworkMonitor {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &NetworkMonitor{
		quality: quality,
		metrics: metrics,
		logger:  logger,
		roomID:  roomID,
		now:     time.Now,
		tier:    domain.QualityUnknown,
		last:    domain.QualitySnapshot{Tier: domain.QualityUnknown},
	}
}

// OnQualityChange replaces the tier-transition callback. The newest
// callback is always the one invoked.
func (n *NetworkMonitor) OnQualityChange(fn QualityChangeFunc) {
	n.onChange.Store(fn)
}

// Start begins polling handle every interval. A previous run is stopped
// first. A non-positive interval selects DefaultMonitorInterval.
func (n *NetworkMonitor) Start(handle ports.StatsProvider, interval time.Duration) *MonitorSubscription {
	if interval <= 0 {
		interval = DefaultMonitorInterval
	}
	ctx, cancel := context.WithCancel(context.Background())

	n.mu.Lock()
	if n.cancel != nil {
		n.cancel()
	}
	n.resetLocked(handle)
	n.runID++
	runID := n.runID
	n.cancel = cancel
	n.mu.Unlock()

	n.logger.Debugw("network monitor started",
		"room_id", n.roomID,
		"interval", interval,
	)
	go n.loop(ctx, interval)
	return &MonitorSubscription{m: n, runID: runID}
}

// SetHandle points the monitor at a different connection and forgets the
// previous sample and tier so no delta spans two connections.
func (n *NetworkMonitor) SetHandle(handle ports.StatsProvider) {
	n.mu.Lock()
	n.resetLocked(handle)
	n.mu.Unlock()
}

// Snapshot returns the most recent classification.
func (n *NetworkMonitor) Snapshot() domain.QualitySnapshot {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.last
}

// Running reports whether a polling run is active.
func (n *NetworkMonitor) Running() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.cancel != nil
}

// Stop ends whatever run is active.
func (n *NetworkMonitor) Stop() {
	n.mu.Lock()
	id := n.runID
	n.mu.Unlock()
	n.stopRun(id)
}

func (n *NetworkMonitor) stopRun(runID uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if runID != n.runID || n.cancel == nil {
		return
	}
	n.cancel()
	n.cancel = nil
	n.resetLocked(nil)
	n.logger.Debugw("network monitor stopped", "room_id", n.roomID)
}

func (n *NetworkMonitor) resetLocked(handle ports.StatsProvider) {
	n.handle = handle
	n.prev = nil
	n.tier = domain.QualityUnknown
	n.last = domain.QualitySnapshot{Tier: domain.QualityUnknown}
	n.epoch++
}

func (n *NetworkMonitor) loop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.Tick(ctx)
		}
	}
}

// Tick runs one polling step. It returns false when the step was skipped:
// no handle, connection not connected, stats failure, or the handle changed
// while stats were being fetched.
func (n *NetworkMonitor) Tick(ctx context.Context) (domain.QualitySnapshot, bool) {
	n.mu.Lock()
	handle, epoch := n.handle, n.epoch
	n.mu.Unlock()

	if handle == nil || handle.ConnectionState() != domain.ConnectionConnected {
		return domain.QualitySnapshot{}, false
	}

	report, err := handle.GetStats(ctx)
	if err != nil {
		n.logger.Warnw("failed to read connection stats",
			"room_id", n.roomID,
			"error", err,
		)
		return domain.QualitySnapshot{}, false
	}

	at := report.Timestamp
	if at.IsZero() {
		at = n.now()
	}
	sample := sampleFromReport(report, at)

	n.mu.Lock()
	if epoch != n.epoch {
		n.mu.Unlock()
		return domain.QualitySnapshot{}, false
	}
	inputs := n.quality.ComputeDeltas(n.prev, sample)
	n.prev = &sample
	snap := n.quality.Classify(inputs, at)
	from := n.tier
	n.tier = snap.Tier
	n.last = snap
	n.mu.Unlock()

	n.metrics.ObserveQuality(n.roomID, snap)

	if from != snap.Tier {
		n.logger.Infow("network quality changed",
			"room_id", n.roomID,
			"from", from,
			"to", snap.Tier,
			"score", snap.Score,
			"loss_per_second", snap.PerSecondLoss,
			"rtt_ms", snap.RTTMs,
		)
		if fn, ok := n.onChange.Load(); ok && fn != nil {
			fn(from, snap.Tier, snap)
		}
	}
	return snap, true
}

func sampleFromReport(r domain.StatsReport, at time.Time) domain.NetworkSample {
	return domain.NetworkSample{
		TimestampMs:        at.UnixMilli(),
		VideoPacketsLost:   r.Video.PacketsLost,
		AudioPacketsLost:   r.Audio.PacketsLost,
		VideoBytesReceived: r.Video.BytesReceived,
		AudioBytesReceived: r.Audio.BytesReceived,
		VideoJitterMs:      r.Video.JitterMs,
		AudioJitterMs:      r.Audio.JitterMs,
		RTTMs:              r.RTTMs,
	}
}
