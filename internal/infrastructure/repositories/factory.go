package repositories

import (
	"context"

	"callcore/internal/core/ports"
	"callcore/internal/infrastructure/repositories/memory"
	redisrepo "callcore/internal/infrastructure/repositories/redis"
	"callcore/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RepositoryFactory creates repositories with fallback support
type RepositoryFactory struct {
	useRedis    bool
	redisClient *redis.Client
	logger      *zap.SugaredLogger
}

// NewRepositoryFactory connects to Redis when enabled and falls back to
// in-memory storage if it cannot.
func NewRepositoryFactory(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) (*RepositoryFactory, error) {
	factory := &RepositoryFactory{
		useRedis: cfg.Redis.Enabled,
		logger:   logger,
	}

	// Try to connect to Redis if enabled
	if cfg.Redis.Enabled {
		client, err := redisrepo.NewRedisClient(ctx, cfg, logger)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory repositories",
				"error", err,
			)
			factory.useRedis = false
		} else {
			factory.redisClient = client
			logger.Info("using Redis repositories")
		}
	}

	if !factory.useRedis {
		logger.Info("using memory repositories")
	}

	return factory, nil
}

// CreateRoomRepository creates a room repository (Redis or memory with fallback)
func (f *RepositoryFactory) CreateRoomRepository() ports.RoomRepository {
	if f.useRedis && f.redisClient != nil {
		return redisrepo.NewRedisRoomRepository(f.redisClient)
	}
	return memory.NewMemoryRoomRepository()
}

// RedisClient returns the shared client, or nil when running on memory.
func (f *RepositoryFactory) RedisClient() *redis.Client {
	if f.useRedis {
		return f.redisClient
	}
	return nil
}

// Close closes Redis connection if used
func (f *RepositoryFactory) Close() error {
	if f.redisClient != nil {
		return redisrepo.CloseRedisClient(f.redisClient)
	}
	return nil
}

// HealthCheck checks Redis connection health
func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.useRedis && f.redisClient != nil {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}
