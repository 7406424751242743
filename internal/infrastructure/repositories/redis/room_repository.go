package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"callcore/internal/core/domain"
	"callcore/internal/core/ports"
	"callcore/pkg/distributed"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix      = "callcore:"
	activeRoomsKey = keyPrefix + "rooms:active"
	// A room nobody touched for this long is abandoned.
	roomTTL = 24 * time.Hour

	roomLockTTL  = 2 * time.Second
	roomLockWait = 3 * time.Second
)

// RedisRoomRepository shares membership between relay instances. Mutations
// of one room are serialized by a redis lock so the active-room index never
// disagrees with the member hash.
type RedisRoomRepository struct {
	client *redis.Client
	locks  *distributed.Locker
}

func NewRedisRoomRepository(client *redis.Client) ports.RoomRepository {
	return &RedisRoomRepository{
		client: client,
		locks:  distributed.NewLocker(client, keyPrefix+"lock:room:", roomLockTTL, roomLockWait),
	}
}

func membersKey(roomID domain.RoomID) string {
	return fmt.Sprintf("%sroom:%s:members", keyPrefix, roomID)
}

func (r *RedisRoomRepository) Join(ctx context.Context, roomID domain.RoomID, participant domain.Participant) error {
	return r.locks.WithLock(ctx, string(roomID), func() error {
		return r.join(ctx, roomID, participant)
	})
}

func (r *RedisRoomRepository) join(ctx context.Context, roomID domain.RoomID, participant domain.Participant) error {
	key := membersKey(roomID)

	existing, err := r.client.HGet(ctx, key, string(participant.PeerID)).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("failed to read room member: %w", err)
	}
	if err == nil {
		var prev domain.Participant
		if json.Unmarshal([]byte(existing), &prev) == nil {
			participant.JoinedAt = prev.JoinedAt
		}
	}

	data, err := json.Marshal(participant)
	if err != nil {
		return fmt.Errorf("failed to marshal participant: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, string(participant.PeerID), data)
		pipe.Expire(ctx, key, roomTTL)
		pipe.SAdd(ctx, activeRoomsKey, string(roomID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to add room member: %w", err)
	}
	return nil
}

func (r *RedisRoomRepository) Leave(ctx context.Context, roomID domain.RoomID, peerID domain.PeerID) error {
	return r.locks.WithLock(ctx, string(roomID), func() error {
		return r.leave(ctx, roomID, peerID)
	})
}

func (r *RedisRoomRepository) leave(ctx context.Context, roomID domain.RoomID, peerID domain.PeerID) error {
	key := membersKey(roomID)

	removed, err := r.client.HDel(ctx, key, string(peerID)).Result()
	if err != nil {
		return fmt.Errorf("failed to remove room member: %w", err)
	}
	if removed == 0 {
		return domain.ErrPeerNotFound
	}

	left, err := r.client.HLen(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("failed to count room members: %w", err)
	}
	if left == 0 {
		if err := r.client.SRem(ctx, activeRoomsKey, string(roomID)).Err(); err != nil {
			return fmt.Errorf("failed to deactivate room: %w", err)
		}
	}
	return nil
}

func (r *RedisRoomRepository) Members(ctx context.Context, roomID domain.RoomID) ([]domain.Participant, error) {
	raw, err := r.client.HGetAll(ctx, membersKey(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list room members: %w", err)
	}

	out := make([]domain.Participant, 0, len(raw))
	for _, v := range raw {
		var p domain.Participant
		if err := json.Unmarshal([]byte(v), &p); err != nil {
			return nil, fmt.Errorf("failed to unmarshal participant: %w", err)
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].PeerID < out[j].PeerID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out, nil
}

func (r *RedisRoomRepository) Delete(ctx context.Context, roomID domain.RoomID) error {
	return r.locks.WithLock(ctx, string(roomID), func() error {
		return r.delete(ctx, roomID)
	})
}

func (r *RedisRoomRepository) delete(ctx context.Context, roomID domain.RoomID) error {
	var deleted *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		deleted = pipe.Del(ctx, membersKey(roomID))
		pipe.SRem(ctx, activeRoomsKey, string(roomID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete room: %w", err)
	}
	if deleted.Val() == 0 {
		return domain.ErrRoomNotFound
	}
	return nil
}
