package services

import (
	"time"

	"callcore/internal/core/domain"
)

// penaltyTier subtracts penalty when the measured value is strictly above
// threshold. Tiers are ordered from the harshest down; only the first match
// applies.
type penaltyTier struct {
	threshold float64
	penalty   int
}

type QualityService struct {
	audioLoss   []penaltyTier
	videoLoss   []penaltyTier
	audioJitter []penaltyTier
	videoJitter []penaltyTier
	rtt         []penaltyTier
}

// NewQualityService weights audio above video because voice intelligibility
// dominates perceived call quality.
func NewQualityService() *QualityService {
	return &QualityService{
		audioLoss:   []penaltyTier{{3, 40}, {1, 20}, {0, 5}},
		videoLoss:   []penaltyTier{{5, 30}, {2, 15}, {0, 5}},
		audioJitter: []penaltyTier{{50, 25}, {30, 15}, {15, 5}},
		videoJitter: []penaltyTier{{100, 15}, {50, 10}, {30, 5}},
		rtt:         []penaltyTier{{400, 25}, {200, 15}, {100, 5}},
	}
}

// Score starts at 100 and applies each penalty table independently.
func (qs *QualityService) Score(in domain.QualityInputs) int {
	score := 100
	score -= penaltyFor(qs.audioLoss, in.AudioLossPerSecond)
	score -= penaltyFor(qs.videoLoss, in.VideoLossPerSecond)
	score -= penaltyFor(qs.audioJitter, in.AudioJitterMs)
	score -= penaltyFor(qs.videoJitter, in.VideoJitterMs)
	score -= penaltyFor(qs.rtt, in.RTTMs)
	return score
}

func (qs *QualityService) Tier(score int) domain.QualityTier {
	switch {
	case score >= 80:
		return domain.QualityExcellent
	case score >= 60:
		return domain.QualityGood
	case score >= 40:
		return domain.QualityFair
	default:
		return domain.QualityPoor
	}
}

func (qs *QualityService) Classify(in domain.QualityInputs, at time.Time) domain.QualitySnapshot {
	score := qs.Score(in)
	return domain.QualitySnapshot{
		Tier:          qs.Tier(score),
		Score:         score,
		PerSecondLoss: in.AudioLossPerSecond + in.VideoLossPerSecond,
		BandwidthKbps: in.AudioBandwidthKbps + in.VideoBandwidthKbps,
		RTTMs:         in.RTTMs,
		Inputs:        in,
		At:            at,
	}
}

// ComputeDeltas turns two cumulative samples into per-second rates. With no
// previous sample, or a non-positive interval, every rate is zero.
func (qs *QualityService) ComputeDeltas(prev *domain.NetworkSample, cur domain.NetworkSample) domain.QualityInputs {
	in := domain.QualityInputs{
		AudioJitterMs: cur.AudioJitterMs,
		VideoJitterMs: cur.VideoJitterMs,
		RTTMs:         cur.RTTMs,
	}
	if prev == nil {
		return in
	}
	dt := float64(cur.TimestampMs-prev.TimestampMs) / 1000
	if dt <= 0 {
		return in
	}

	in.AudioLossPerSecond = lossRate(prev.AudioPacketsLost, cur.AudioPacketsLost, dt)
	in.VideoLossPerSecond = lossRate(prev.VideoPacketsLost, cur.VideoPacketsLost, dt)
	in.AudioBandwidthKbps = kbps(prev.AudioBytesReceived, cur.AudioBytesReceived, dt)
	in.VideoBandwidthKbps = kbps(prev.VideoBytesReceived, cur.VideoBytesReceived, dt)
	return in
}

// IsDegradation reports whether moving from one tier to another is a drop.
func (qs *QualityService) IsDegradation(from, to domain.QualityTier) bool {
	return tierRank(to) < tierRank(from) && from != domain.QualityUnknown
}

func penaltyFor(tiers []penaltyTier, v float64) int {
	for _, t := range tiers {
		if v > t.threshold {
			return t.penalty
		}
	}
	return 0
}

func lossRate(prev, cur int64, dt float64) float64 {
	d := float64(cur-prev) / dt
	if d < 0 {
		return 0
	}
	return d
}

// kbps treats a counter reset (cur < prev) as zero throughput.
func kbps(prev, cur uint64, dt float64) float64 {
	if cur < prev {
		return 0
	}
	return float64(cur-prev) * 8 / dt / 1000
}

func tierRank(t domain.QualityTier) int {
	switch t {
	case domain.QualityPoor:
		return 1
	case domain.QualityFair:
		return 2
	case domain.QualityGood:
		return 3
	case domain.QualityExcellent:
		return 4
	}
	return 0
}
