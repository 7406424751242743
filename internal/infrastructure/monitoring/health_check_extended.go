package monitoring

import (
	"context"
	"errors"
	"time"

	"callcore/internal/core/domain"
	"callcore/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// probeRoom is never joined; listing it only proves the store answers.
const probeRoom domain.RoomID = "healthcheck-probe"

// AddRedisCheck adds a Redis health check
func (h *HealthChecker) AddRedisCheck(client *redis.Client, interval, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) (bool, error) {
		if err := client.Ping(ctx).Err(); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// AddRepositoryCheck adds a room repository health check
func (h *HealthChecker) AddRepositoryCheck(repo ports.RoomRepository, interval, timeout time.Duration) {
	h.AddCheck("repository", func(ctx context.Context) (bool, error) {
		if _, err := repo.Members(ctx, probeRoom); err != nil && !errors.Is(err, domain.ErrRoomNotFound) {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// IsReady checks if the service is ready to accept traffic
func (h *HealthChecker) IsReady(ctx context.Context) bool {
	status := h.CheckAll(ctx)
	return status.Status == "healthy"
}
