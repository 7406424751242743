package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"callcore/internal/core/domain"
	"callcore/internal/infrastructure/repositories/memory"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusCollector_Relay(t *testing.T) {
	c := NewPrometheusCollector(prometheus.NewRegistry())

	c.ConnectionOpened()
	c.ConnectionOpened()
	c.ConnectionClosed()
	c.SetActiveRooms(3)
	c.MessageRelayed(domain.MsgReceiveSignal)
	c.MessageRelayed(domain.MsgReceiveSignal)
	c.MessageRejected("rate_limited")

	assert.Equal(t, 1.0, testutil.ToFloat64(c.connectionsActive))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.connectionsTotal))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.roomsActive))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.messagesRelayed.WithLabelValues(string(domain.MsgReceiveSignal))))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.messagesRejected.WithLabelValues("rate_limited")))
}

func TestPrometheusCollector_Call(t *testing.T) {
	c := NewPrometheusCollector(prometheus.NewRegistry())

	c.ObserveQuality("room-1", domain.QualitySnapshot{Tier: domain.QualityGood, Score: 72, BandwidthKbps: 900, RTTMs: 80})
	c.ObserveQuality("room-1", domain.QualitySnapshot{Tier: domain.QualityPoor, Score: 20})
	c.ObserveFrame("encrypt", true, time.Millisecond)
	c.ObserveFrame("decrypt", false, time.Millisecond)
	c.SetActiveStreams(domain.StreamKindCamera, 1)
	c.SetEncryptionStatus("media", domain.EncryptionKeyExchange)
	c.SetEncryptionStatus("media", domain.EncryptionActive)
	c.RecordKeyRotation()
	c.RecordChatVerificationFailure()

	assert.Equal(t, 20.0, testutil.ToFloat64(c.qualityScore.WithLabelValues("room-1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.qualityTier.WithLabelValues("room-1", string(domain.QualityPoor))))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.qualityTier.WithLabelValues("room-1", string(domain.QualityGood))))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.frameFailures.WithLabelValues("decrypt")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.streamsActive.WithLabelValues(string(domain.StreamKindCamera))))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.encryptionStatus.WithLabelValues("media", string(domain.EncryptionActive))))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.encryptionStatus.WithLabelValues("media", string(domain.EncryptionKeyExchange))))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.keyRotations))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.chatVerifyFailures))

	c.ForgetRoom("room-1")
	assert.Zero(t, testutil.CollectAndCount(c.qualityScore))
	assert.Zero(t, testutil.CollectAndCount(c.qualityTier))
}

func TestHealthChecker_CheckAll(t *testing.T) {
	h := NewHealthChecker()
	h.AddRepositoryCheck(memory.NewMemoryRoomRepository(), time.Second, time.Second)
	h.AddCheck("ok", func(context.Context) (bool, error) { return true, nil }, time.Second, time.Second)

	status := h.CheckAll(context.Background())
	assert.Equal(t, "healthy", status.Status)
	assert.Equal(t, "healthy", status.Checks["repository"])
	assert.True(t, h.IsReady(context.Background()))

	h.AddCheck("broken", func(context.Context) (bool, error) { return false, errors.New("disk on fire") }, time.Second, time.Second)
	h.AddCheck("down", func(context.Context) (bool, error) { return false, nil }, time.Second, time.Second)

	status = h.CheckAll(context.Background())
	require.Equal(t, "unhealthy", status.Status)
	assert.Equal(t, "disk on fire", status.Checks["broken"])
	assert.Equal(t, "check failed", status.Checks["down"])
	assert.False(t, h.IsReady(context.Background()))
}

func TestHealthChecker_Timeout(t *testing.T) {
	h := NewHealthChecker()
	h.AddCheck("slow", func(ctx context.Context) (bool, error) {
		<-ctx.Done()
		return false, ctx.Err()
	}, time.Second, 10*time.Millisecond)

	status := h.CheckAll(context.Background())
	assert.Equal(t, "unhealthy", status.Status)
	assert.Equal(t, context.DeadlineExceeded.Error(), status.Checks["slow"])
}
