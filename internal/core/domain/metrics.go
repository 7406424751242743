package domain

import "time"

// NetworkSample is one polling tick worth of cumulative counters.
type NetworkSample struct {
	TimestampMs        int64
	VideoPacketsLost   int64
	AudioPacketsLost   int64
	VideoBytesReceived uint64
	AudioBytesReceived uint64
	VideoJitterMs      float64
	AudioJitterMs      float64
	RTTMs              float64
}

// StatsReport is the transport-neutral subset of a peer connection stats report.
type StatsReport struct {
	Timestamp time.Time
	Audio     InboundStats
	Video     InboundStats
	// RTTMs is taken from the nominated, succeeded candidate pair.
	RTTMs    float64
	HasAudio bool
	HasVideo bool
}

type InboundStats struct {
	PacketsLost   int64
	JitterMs      float64
	BytesReceived uint64
}

type QualityTier string

const (
	QualityUnknown   QualityTier = "unknown"
	QualityPoor      QualityTier = "poor"
	QualityFair      QualityTier = "fair"
	QualityGood      QualityTier = "good"
	QualityExcellent QualityTier = "excellent"
)

// QualityInputs are the per-tick rates and latencies fed to scoring.
type QualityInputs struct {
	AudioLossPerSecond float64
	VideoLossPerSecond float64
	AudioJitterMs      float64
	VideoJitterMs      float64
	RTTMs              float64
	AudioBandwidthKbps float64
	VideoBandwidthKbps float64
}

// QualitySnapshot is derived on every tick and never stored beyond the last one.
type QualitySnapshot struct {
	Tier          QualityTier
	Score         int
	PerSecondLoss float64
	BandwidthKbps float64
	RTTMs         float64
	Inputs        QualityInputs
	At            time.Time
}

type ConnectionState string

const (
	ConnectionNew          ConnectionState = "new"
	ConnectionConnecting   ConnectionState = "connecting"
	ConnectionConnected    ConnectionState = "connected"
	ConnectionDisconnected ConnectionState = "disconnected"
	ConnectionFailed       ConnectionState = "failed"
	ConnectionClosed       ConnectionState = "closed"
)
