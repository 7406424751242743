package monitoring

import (
	"time"

	"callcore/internal/core/domain"
	"callcore/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector implements both the call engine and the relay metric
// sinks. A call agent only feeds the call metrics; the relay only the relay
// metrics.
type PrometheusCollector struct {
	// Relay
	connectionsActive prometheus.Gauge
	connectionsTotal  prometheus.Counter
	roomsActive       prometheus.Gauge
	messagesRelayed   *prometheus.CounterVec
	messagesRejected  *prometheus.CounterVec

	// Call engine
	qualityScore       *prometheus.GaugeVec
	qualityTier        *prometheus.GaugeVec
	rtt                prometheus.Histogram
	packetLoss         prometheus.Histogram
	bandwidth          *prometheus.GaugeVec
	frameDuration      *prometheus.HistogramVec
	frameFailures      *prometheus.CounterVec
	streamsActive      *prometheus.GaugeVec
	encryptionStatus   *prometheus.GaugeVec
	keyRotations       prometheus.Counter
	chatVerifyFailures prometheus.Counter
}

var qualityTiers = []domain.QualityTier{
	domain.QualityUnknown, domain.QualityPoor, domain.QualityFair, domain.QualityGood, domain.QualityExcellent,
}

var encryptionStatuses = []domain.EncryptionStatus{
	domain.EncryptionDisabled, domain.EncryptionInitializing, domain.EncryptionKeyExchange,
	domain.EncryptionActive, domain.EncryptionKeyRotation, domain.EncryptionStatusError, domain.EncryptionUnsupported,
}

// NewPrometheusCollector registers every metric on reg. Pass
// prometheus.DefaultRegisterer to expose them through promhttp.Handler.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	factory := promauto.With(reg)
	return &PrometheusCollector{
		connectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "callcore_relay_connections_active",
			Help: "Number of open signaling connections",
		}),
		connectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "callcore_relay_connections_total",
			Help: "Total number of signaling connections accepted",
		}),
		roomsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "callcore_relay_rooms_active",
			Help: "Number of rooms with at least one local connection",
		}),
		messagesRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "callcore_relay_messages_total",
			Help: "Messages delivered by the relay",
		}, []string{"type"}),
		messagesRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "callcore_relay_messages_rejected_total",
			Help: "Messages the relay refused",
		}, []string{"reason"}),

		qualityScore: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "callcore_call_quality_score",
			Help: "Latest call quality score (0-100)",
		}, []string{"room_id"}),
		qualityTier: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "callcore_call_quality_tier",
			Help: "1 for the current quality tier of a room, 0 otherwise",
		}, []string{"room_id", "tier"}),
		rtt: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "callcore_call_rtt_seconds",
			Help:    "Round trip time of the selected candidate pair",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.2, 0.4, 0.8, 1.6},
		}),
		packetLoss: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "callcore_call_packet_loss_per_second",
			Help:    "Packets lost per second between samples",
			Buckets: []float64{0, 1, 2, 5, 10, 20, 50, 100},
		}),
		bandwidth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "callcore_call_bandwidth_kbps",
			Help: "Inbound bandwidth estimate",
		}, []string{"room_id"}),
		frameDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "callcore_e2ee_frame_duration_seconds",
			Help:    "Time spent transforming one media frame",
			Buckets: prometheus.ExponentialBuckets(0.00001, 2, 12),
		}, []string{"direction"}),
		frameFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "callcore_e2ee_frame_failures_total",
			Help: "Media frames dropped by the E2EE pipeline",
		}, []string{"direction"}),
		streamsActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "callcore_streams_active",
			Help: "Active media streams by kind",
		}, []string{"kind"}),
		encryptionStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "callcore_e2ee_status",
			Help: "1 for the current encryption status of a channel, 0 otherwise",
		}, []string{"channel", "status"}),
		keyRotations: factory.NewCounter(prometheus.CounterOpts{
			Name: "callcore_e2ee_key_rotations_total",
			Help: "Completed media key rotations",
		}),
		chatVerifyFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "callcore_chat_verification_failures_total",
			Help: "Chat messages that failed signature or decryption checks",
		}),
	}
}

func (p *PrometheusCollector) ConnectionOpened() {
	p.connectionsActive.Inc()
	p.connectionsTotal.Inc()
}

func (p *PrometheusCollector) ConnectionClosed() {
	p.connectionsActive.Dec()
}

func (p *PrometheusCollector) SetActiveRooms(count int) {
	p.roomsActive.Set(float64(count))
}

func (p *PrometheusCollector) MessageRelayed(msgType domain.MessageType) {
	p.messagesRelayed.WithLabelValues(string(msgType)).Inc()
}

func (p *PrometheusCollector) MessageRejected(reason string) {
	p.messagesRejected.WithLabelValues(reason).Inc()
}

func (p *PrometheusCollector) ObserveQuality(roomID domain.RoomID, snapshot domain.QualitySnapshot) {
	room := string(roomID)
	p.qualityScore.WithLabelValues(room).Set(float64(snapshot.Score))
	p.bandwidth.WithLabelValues(room).Set(snapshot.BandwidthKbps)
	for _, tier := range qualityTiers {
		v := 0.0
		if tier == snapshot.Tier {
			v = 1
		}
		p.qualityTier.WithLabelValues(room, string(tier)).Set(v)
	}
	p.rtt.Observe(snapshot.RTTMs / 1000)
	p.packetLoss.Observe(snapshot.PerSecondLoss)
}

func (p *PrometheusCollector) ObserveFrame(direction string, ok bool, latency time.Duration) {
	p.frameDuration.WithLabelValues(direction).Observe(latency.Seconds())
	if !ok {
		p.frameFailures.WithLabelValues(direction).Inc()
	}
}

func (p *PrometheusCollector) SetActiveStreams(kind domain.StreamKind, count int) {
	p.streamsActive.WithLabelValues(string(kind)).Set(float64(count))
}

func (p *PrometheusCollector) SetEncryptionStatus(channel string, status domain.EncryptionStatus) {
	for _, s := range encryptionStatuses {
		v := 0.0
		if s == status {
			v = 1
		}
		p.encryptionStatus.WithLabelValues(channel, string(s)).Set(v)
	}
}

func (p *PrometheusCollector) RecordKeyRotation() {
	p.keyRotations.Inc()
}

func (p *PrometheusCollector) RecordChatVerificationFailure() {
	p.chatVerifyFailures.Inc()
}

// ForgetRoom drops the per-room series once a call is over.
func (p *PrometheusCollector) ForgetRoom(roomID domain.RoomID) {
	room := string(roomID)
	p.qualityScore.DeleteLabelValues(room)
	p.bandwidth.DeleteLabelValues(room)
	for _, tier := range qualityTiers {
		p.qualityTier.DeleteLabelValues(room, string(tier))
	}
}

var (
	_ ports.CallMetrics  = (*PrometheusCollector)(nil)
	_ ports.RelayMetrics = (*PrometheusCollector)(nil)
)
