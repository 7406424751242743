package webrtc

import (
	"testing"
	"time"

	"callcore/internal/core/domain"

	"github.com/stretchr/testify/assert"
)

func TestKeyframeGate(t *testing.T) {
	g := newKeyframeGate(time.Second)
	now := time.Unix(1000, 0)
	g.now = func() time.Time { return now }

	key := []byte{frameFlagKeyframe, 1}
	delta := []byte{frameFlagDelta, 1}

	assert.True(t, g.Admit("v", domain.TrackKindVideo, delta), "nothing lost yet")

	assert.True(t, g.Broken("v", domain.TrackKindVideo), "first loss requests a keyframe")
	assert.False(t, g.Broken("v", domain.TrackKindVideo), "requests are rate limited")
	assert.True(t, g.Waiting("v"))

	assert.False(t, g.Admit("v", domain.TrackKindVideo, delta))
	assert.True(t, g.Admit("v", domain.TrackKindVideo, key))
	assert.True(t, g.Admit("v", domain.TrackKindVideo, delta))
	assert.False(t, g.Waiting("v"))

	now = now.Add(time.Second)
	assert.True(t, g.Broken("v", domain.TrackKindVideo))
}

func TestKeyframeGate_AudioPassesThrough(t *testing.T) {
	g := newKeyframeGate(time.Second)

	assert.False(t, g.Broken("a", domain.TrackKindAudio))
	assert.True(t, g.Admit("a", domain.TrackKindAudio, []byte{frameFlagDelta}))
	assert.False(t, g.Waiting("a"))
}

func TestKeyframeGate_Forget(t *testing.T) {
	g := newKeyframeGate(time.Hour)
	g.Broken("v", domain.TrackKindVideo)
	g.Forget("v")

	assert.False(t, g.Waiting("v"))
	assert.True(t, g.Broken("v", domain.TrackKindVideo), "forgotten track may request again")
}
