package memory

import (
	"context"
	"sort"
	"sync"

	"callcore/internal/core/domain"
	"callcore/internal/core/ports"
)

type MemoryRoomRepository struct {
	rooms map[domain.RoomID]map[domain.PeerID]domain.Participant
	mu    sync.RWMutex
}

func NewMemoryRoomRepository() ports.RoomRepository {
	return &MemoryRoomRepository{
		rooms: make(map[domain.RoomID]map[domain.PeerID]domain.Participant),
	}
}

// Join adds or refreshes a participant. Rejoining keeps the original
// join time so member order stays stable across reconnects.
func (r *MemoryRoomRepository) Join(ctx context.Context, roomID domain.RoomID, participant domain.Participant) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[roomID]
	if !ok {
		members = make(map[domain.PeerID]domain.Participant)
		r.rooms[roomID] = members
	}
	if existing, ok := members[participant.PeerID]; ok {
		participant.JoinedAt = existing.JoinedAt
	}
	members[participant.PeerID] = participant
	return nil
}

func (r *MemoryRoomRepository) Leave(ctx context.Context, roomID domain.RoomID, peerID domain.PeerID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[roomID]
	if !ok {
		return domain.ErrRoomNotFound
	}
	if _, ok := members[peerID]; !ok {
		return domain.ErrPeerNotFound
	}
	delete(members, peerID)
	if len(members) == 0 {
		delete(r.rooms, roomID)
	}
	return nil
}

// Members returns participants in join order. An unknown room has none.
func (r *MemoryRoomRepository) Members(ctx context.Context, roomID domain.RoomID) ([]domain.Participant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.rooms[roomID]
	out := make([]domain.Participant, 0, len(members))
	for _, p := range members {
		out = append(out, p)
	}
	sortParticipants(out)
	return out, nil
}

func (r *MemoryRoomRepository) Delete(ctx context.Context, roomID domain.RoomID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.rooms[roomID]; !ok {
		return domain.ErrRoomNotFound
	}
	delete(r.rooms, roomID)
	return nil
}

func sortParticipants(ps []domain.Participant) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].JoinedAt.Equal(ps[j].JoinedAt) {
			return ps[i].PeerID < ps[j].PeerID
		}
		return ps[i].JoinedAt.Before(ps[j].JoinedAt)
	})
}
