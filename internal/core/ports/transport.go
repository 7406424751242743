package ports

import (
	"context"

	"callcore/internal/core/domain"
)

type SignalingChannel interface {
	Send(ctx context.Context, msg domain.SignalMessage) error
	Subscribe(handler func(domain.SignalMessage)) SubscriptionID
	Unsubscribe(id SubscriptionID)
	Close() error
}

// KeyTransport delivers opaque signed key blobs to the remote party.
type KeyTransport interface {
	SendKeyMaterial(ctx context.Context, kind domain.SignalKind, blob []byte) error
}

type ChatTransport interface {
	SendChat(ctx context.Context, env domain.ChatEnvelope) error
	OnChat(handler func(env domain.ChatEnvelope)) SubscriptionID
	Unsubscribe(id SubscriptionID)
}
