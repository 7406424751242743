package webrtc

import (
	"time"

	"callcore/internal/core/domain"

	"github.com/pion/webrtc/v3"
)

func mapConnectionState(state webrtc.PeerConnectionState) domain.ConnectionState {
	switch state {
	case webrtc.PeerConnectionStateConnecting:
		return domain.ConnectionConnecting
	case webrtc.PeerConnectionStateConnected:
		return domain.ConnectionConnected
	case webrtc.PeerConnectionStateDisconnected:
		return domain.ConnectionDisconnected
	case webrtc.PeerConnectionStateFailed:
		return domain.ConnectionFailed
	case webrtc.PeerConnectionStateClosed:
		return domain.ConnectionClosed
	default:
		return domain.ConnectionNew
	}
}

// statsFromReport folds a pion stats report into the monitor's view: inbound
// RTP totals per media kind and the RTT of the selected candidate pair.
func statsFromReport(report webrtc.StatsReport, at time.Time) domain.StatsReport {
	out := domain.StatsReport{Timestamp: at}

	for _, s := range report {
		switch st := s.(type) {
		case webrtc.InboundRTPStreamStats:
			addInbound(&out, st)
		case *webrtc.InboundRTPStreamStats:
			addInbound(&out, *st)
		case webrtc.ICECandidatePairStats:
			addPair(&out, st)
		case *webrtc.ICECandidatePairStats:
			addPair(&out, *st)
		}
	}
	return out
}

func addInbound(out *domain.StatsReport, st webrtc.InboundRTPStreamStats) {
	var dst *domain.InboundStats
	switch st.Kind {
	case "audio":
		dst = &out.Audio
		out.HasAudio = true
	case "video":
		dst = &out.Video
		out.HasVideo = true
	default:
		return
	}
	dst.PacketsLost += int64(st.PacketsLost)
	dst.BytesReceived += st.BytesReceived
	// seconds in the report
	if jitter := st.Jitter * 1000; jitter > dst.JitterMs {
		dst.JitterMs = jitter
	}
}

func addPair(out *domain.StatsReport, st webrtc.ICECandidatePairStats) {
	if !st.Nominated || st.State != webrtc.StatsICECandidatePairStateSucceeded {
		return
	}
	out.RTTMs = st.CurrentRoundTripTime * 1000
}
