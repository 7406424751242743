package webrtc

import (
	"sync"
	"time"

	"callcore/internal/core/domain"
)

// keyframeGate holds back delta frames on a remote track after a frame was
// lost or could not be decrypted, until the next keyframe arrives. It also
// rate limits the keyframe requests sent upstream.
type keyframeGate struct {
	mu          sync.Mutex
	waiting     map[domain.TrackID]bool
	lastRequest map[domain.TrackID]time.Time
	minInterval time.Duration
	now         func() time.Time
}

func newKeyframeGate(minInterval time.Duration) *keyframeGate {
	return &keyframeGate{
		waiting:     make(map[domain.TrackID]bool),
		lastRequest: make(map[domain.TrackID]time.Time),
		minInterval: minInterval,
		now:         time.Now,
	}
}

func isKeyframe(frame []byte) bool {
	return len(frame) > 0 && frame[0] == frameFlagKeyframe
}

// Admit reports whether a decoded frame may be delivered. Audio is never
// held back.
func (g *keyframeGate) Admit(trackID domain.TrackID, kind domain.TrackKind, frame []byte) bool {
	if kind == domain.TrackKindAudio {
		return true
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.waiting[trackID] {
		return true
	}
	if isKeyframe(frame) {
		delete(g.waiting, trackID)
		return true
	}
	return false
}

// Broken marks the track as needing a keyframe. It returns true when a
// keyframe request should go out now.
func (g *keyframeGate) Broken(trackID domain.TrackID, kind domain.TrackKind) bool {
	if kind == domain.TrackKindAudio {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	g.waiting[trackID] = true
	now := g.now()
	if last, ok := g.lastRequest[trackID]; ok && now.Sub(last) < g.minInterval {
		return false
	}
	g.lastRequest[trackID] = now
	return true
}

func (g *keyframeGate) Waiting(trackID domain.TrackID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.waiting[trackID]
}

func (g *keyframeGate) Forget(trackID domain.TrackID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.waiting, trackID)
	delete(g.lastRequest, trackID)
}
