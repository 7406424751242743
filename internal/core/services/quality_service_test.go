package services

import (
	"testing"
	"time"

	"callcore/internal/core/domain"

	"github.com/stretchr/testify/assert"
)

func TestQualityService_Examples(t *testing.T) {
	qs := NewQualityService()

	tests := []struct {
		name  string
		in    domain.QualityInputs
		score int
		tier  domain.QualityTier
	}{
		{
			name:  "nominal",
			in:    domain.QualityInputs{AudioJitterMs: 10, VideoJitterMs: 20, RTTMs: 50},
			score: 100,
			tier:  domain.QualityExcellent,
		},
		{
			name:  "heavy audio loss and high rtt",
			in:    domain.QualityInputs{AudioLossPerSecond: 4, AudioJitterMs: 10, VideoJitterMs: 20, RTTMs: 450},
			score: 35,
			tier:  domain.QualityPoor,
		},
		{
			name:  "only the harshest matching tier applies",
			in:    domain.QualityInputs{VideoLossPerSecond: 6},
			score: 70,
			tier:  domain.QualityGood,
		},
		{
			name:  "thresholds are strict",
			in:    domain.QualityInputs{AudioLossPerSecond: 1, AudioJitterMs: 15, VideoJitterMs: 30, RTTMs: 100},
			score: 95,
			tier:  domain.QualityExcellent,
		},
		{
			name:  "every table at its worst",
			in:    domain.QualityInputs{AudioLossPerSecond: 10, VideoLossPerSecond: 10, AudioJitterMs: 80, VideoJitterMs: 200, RTTMs: 900},
			score: 100 - 40 - 30 - 25 - 15 - 25,
			tier:  domain.QualityPoor,
		},
		{
			name:  "fair band",
			in:    domain.QualityInputs{AudioLossPerSecond: 2, RTTMs: 250},
			score: 65,
			tier:  domain.QualityGood,
		},
		{
			name:  "fair boundary",
			in:    domain.QualityInputs{AudioLossPerSecond: 2, AudioJitterMs: 40, VideoJitterMs: 60, RTTMs: 150},
			score: 50,
			tier:  domain.QualityFair,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.score, qs.Score(tt.in))
			assert.Equal(t, tt.tier, qs.Classify(tt.in, time.Time{}).Tier)
		})
	}
}

func TestQualityService_ScoreIsMonotonic(t *testing.T) {
	qs := NewQualityService()
	base := domain.QualityInputs{AudioJitterMs: 5, VideoJitterMs: 5, RTTMs: 20}

	inputs := map[string]func(*domain.QualityInputs, float64){
		"audio loss":   func(in *domain.QualityInputs, v float64) { in.AudioLossPerSecond = v },
		"video loss":   func(in *domain.QualityInputs, v float64) { in.VideoLossPerSecond = v },
		"audio jitter": func(in *domain.QualityInputs, v float64) { in.AudioJitterMs = v },
		"video jitter": func(in *domain.QualityInputs, v float64) { in.VideoJitterMs = v },
		"rtt":          func(in *domain.QualityInputs, v float64) { in.RTTMs = v },
	}

	for name, set := range inputs {
		t.Run(name, func(t *testing.T) {
			prev := qs.Score(base)
			for v := 0.0; v <= 1000; v += 0.5 {
				in := base
				set(&in, v)
				score := qs.Score(in)
				assert.LessOrEqual(t, score, prev, "score rose at %v", v)
				prev = score
			}
		})
	}
}

func TestQualityService_Tier(t *testing.T) {
	qs := NewQualityService()
	assert.Equal(t, domain.QualityExcellent, qs.Tier(80))
	assert.Equal(t, domain.QualityGood, qs.Tier(79))
	assert.Equal(t, domain.QualityGood, qs.Tier(60))
	assert.Equal(t, domain.QualityFair, qs.Tier(59))
	assert.Equal(t, domain.QualityFair, qs.Tier(40))
	assert.Equal(t, domain.QualityPoor, qs.Tier(39))
	assert.Equal(t, domain.QualityPoor, qs.Tier(-35))
}

func TestQualityService_ComputeDeltas(t *testing.T) {
	qs := NewQualityService()
	prev := domain.NetworkSample{
		TimestampMs:        1000,
		AudioPacketsLost:   10,
		VideoPacketsLost:   20,
		AudioBytesReceived: 10_000,
		VideoBytesReceived: 100_000,
	}
	cur := domain.NetworkSample{
		TimestampMs:        3000,
		AudioPacketsLost:   14,
		VideoPacketsLost:   20,
		AudioBytesReceived: 20_000,
		VideoBytesReceived: 600_000,
		AudioJitterMs:      12,
		VideoJitterMs:      40,
		RTTMs:              80,
	}

	in := qs.ComputeDeltas(&prev, cur)
	assert.InDelta(t, 2.0, in.AudioLossPerSecond, 1e-9)
	assert.InDelta(t, 0.0, in.VideoLossPerSecond, 1e-9)
	assert.InDelta(t, 40.0, in.AudioBandwidthKbps, 1e-9)
	assert.InDelta(t, 2000.0, in.VideoBandwidthKbps, 1e-9)
	assert.Equal(t, 12.0, in.AudioJitterMs)
	assert.Equal(t, 80.0, in.RTTMs)

	snap := qs.Classify(in, time.Time{})
	assert.InDelta(t, 2.0, snap.PerSecondLoss, 1e-9)
	assert.InDelta(t, 2040.0, snap.BandwidthKbps, 1e-9)
}

func TestQualityService_ComputeDeltasEdgeCases(t *testing.T) {
	qs := NewQualityService()
	cur := domain.NetworkSample{TimestampMs: 5000, AudioPacketsLost: 50, AudioBytesReceived: 10, RTTMs: 30}

	first := qs.ComputeDeltas(nil, cur)
	assert.Zero(t, first.AudioLossPerSecond)
	assert.Zero(t, first.AudioBandwidthKbps)
	assert.Equal(t, 30.0, first.RTTMs)

	sameTime := qs.ComputeDeltas(&domain.NetworkSample{TimestampMs: 5000}, cur)
	assert.Zero(t, sameTime.AudioLossPerSecond)

	reset := qs.ComputeDeltas(&domain.NetworkSample{TimestampMs: 4000, AudioPacketsLost: 90, AudioBytesReceived: 1000}, cur)
	assert.Zero(t, reset.AudioLossPerSecond)
	assert.Zero(t, reset.AudioBandwidthKbps)
}

func TestQualityService_IsDegradation(t *testing.T) {
	qs := NewQualityService()
	assert.True(t, qs.IsDegradation(domain.QualityExcellent, domain.QualityFair))
	assert.False(t, qs.IsDegradation(domain.QualityFair, domain.QualityGood))
	assert.False(t, qs.IsDegradation(domain.QualityUnknown, domain.QualityPoor))
	assert.False(t, qs.IsDegradation(domain.QualityGood, domain.QualityGood))
}
