package ports

import (
	"context"

	"callcore/internal/core/domain"
)

// RoomRepository tracks room membership on the signaling relay.
type RoomRepository interface {
	Join(ctx context.Context, roomID domain.RoomID, participant domain.Participant) error
	Leave(ctx context.Context, roomID domain.RoomID, peerID domain.PeerID) error
	Members(ctx context.Context, roomID domain.RoomID) ([]domain.Participant, error)
	Delete(ctx context.Context, roomID domain.RoomID) error
}
