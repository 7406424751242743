package redis

import (
	"context"
	"fmt"

	"callcore/internal/core/domain"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	schemaVersionKey     = keyPrefix + "schema:version"
	currentSchemaVersion = 2
)

// Migration represents a database migration
type Migration struct {
	Version int
	Up      func(ctx context.Context, client *redis.Client) error
	Down    func(ctx context.Context, client *redis.Client) error
}

// Migrate runs all pending migrations
func Migrate(ctx context.Context, client *redis.Client, logger *zap.SugaredLogger) error {
	// Get current schema version
	currentVersion, err := getSchemaVersion(ctx, client)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	if currentVersion >= currentSchemaVersion {
		if logger != nil {
			logger.Infow("schema is up to date",
				"current_version", currentVersion,
				"target_version", currentSchemaVersion,
			)
		}
		return nil
	}

	// Run migrations
	migrations := getMigrations()
	for _, migration := range migrations {
		if migration.Version > currentVersion {
			if logger != nil {
				logger.Infow("running migration",
					"version", migration.Version,
				)
			}

			if err := migration.Up(ctx, client); err != nil {
				return fmt.Errorf("migration %d failed: %w", migration.Version, err)
			}

			// Update schema version
			if err := setSchemaVersion(ctx, client, migration.Version); err != nil {
				return fmt.Errorf("failed to update schema version: %w", err)
			}

			if logger != nil {
				logger.Infow("migration completed",
					"version", migration.Version,
				)
			}
		}
	}

	// Set final version
	if err := setSchemaVersion(ctx, client, currentSchemaVersion); err != nil {
		return fmt.Errorf("failed to set final schema version: %w", err)
	}

	if logger != nil {
		logger.Infow("all migrations completed",
			"final_version", currentSchemaVersion,
		)
	}

	return nil
}

// getSchemaVersion gets the current schema version from Redis
func getSchemaVersion(ctx context.Context, client *redis.Client) (int, error) {
	val, err := client.Get(ctx, schemaVersionKey).Int()
	if err == redis.Nil {
		return 0, nil // No version set, start from 0
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}

// setSchemaVersion sets the schema version in Redis
func setSchemaVersion(ctx context.Context, client *redis.Client, version int) error {
	return client.Set(ctx, schemaVersionKey, version, 0).Err()
}

// getMigrations returns all migrations in order
func getMigrations() []Migration {
	return []Migration{
		{
			Version: 1,
			Up: func(ctx context.Context, client *redis.Client) error {
				// Room membership hashes carry a TTL; older deployments
				// created them without one.
				return forEachRoom(ctx, client, func(room string) error {
					return client.Expire(ctx, membersKey(domain.RoomID(room)), roomTTL).Err()
				})
			},
			Down: func(ctx context.Context, client *redis.Client) error {
				return nil
			},
		},
		{
			Version: 2,
			Up: func(ctx context.Context, client *redis.Client) error {
				// Drop index entries whose membership hash has expired.
				return forEachRoom(ctx, client, func(room string) error {
					n, err := client.Exists(ctx, membersKey(domain.RoomID(room))).Result()
					if err != nil || n > 0 {
						return err
					}
					return client.SRem(ctx, activeRoomsKey, room).Err()
				})
			},
			Down: func(ctx context.Context, client *redis.Client) error {
				return nil
			},
		},
	}
}

func forEachRoom(ctx context.Context, client *redis.Client, fn func(room string) error) error {
	rooms, err := client.SMembers(ctx, activeRoomsKey).Result()
	if err != nil {
		return err
	}
	for _, room := range rooms {
		if err := fn(room); err != nil {
			return fmt.Errorf("room %s: %w", room, err)
		}
	}
	return nil
}
