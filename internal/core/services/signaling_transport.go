package services

import (
	"context"
	"encoding/json"
	"fmt"

	"callcore/internal/core/domain"
	"callcore/internal/core/ports"

	"go.uber.org/zap"
)

// signalingTransport carries key blobs and chat envelopes over the
// signaling relay. Messages go to the current remote peer, or to the whole
// room while no peer is known yet.
type signalingTransport struct {
	ch     ports.SignalingChannel
	room   domain.RoomID
	local  domain.PeerID
	remote *Latest[domain.PeerID]
	logger *zap.SugaredLogger
	chat   *EventBus[domain.ChatEnvelope]
	sub    ports.SubscriptionID
}

func newSignalingTransport(ch ports.SignalingChannel, room domain.RoomID, local domain.PeerID, remote *Latest[domain.PeerID], logger *zap.SugaredLogger) *signalingTransport {
	t := &signalingTransport{
		ch:     ch,
		room:   room,
		local:  local,
		remote: remote,
		logger: logger,
		chat:   NewEventBus[domain.ChatEnvelope](),
	}
	t.sub = ch.Subscribe(t.handle)
	return t
}

func (t *signalingTransport) SendKeyMaterial(ctx context.Context, kind domain.SignalKind, blob []byte) error {
	target, _ := t.remote.Load()
	msg, err := domain.NewSignalMessage(domain.MsgSendSignal, t.room, t.local, target, domain.SignalPayload{
		Kind:        kind,
		KeyMaterial: blob,
	})
	if err != nil {
		return err
	}
	return t.ch.Send(ctx, msg)
}

func (t *signalingTransport) SendChat(ctx context.Context, env domain.ChatEnvelope) error {
	msg, err := domain.NewSignalMessage(domain.MsgSendChatMessage, t.room, t.local, "", env)
	if err != nil {
		return err
	}
	return t.ch.Send(ctx, msg)
}

func (t *signalingTransport) OnChat(handler func(domain.ChatEnvelope)) ports.SubscriptionID {
	return t.chat.Subscribe(handler)
}

func (t *signalingTransport) Unsubscribe(id ports.SubscriptionID) {
	t.chat.Unsubscribe(id)
}

func (t *signalingTransport) Close() {
	t.ch.Unsubscribe(t.sub)
	t.chat.Clear()
}

func (t *signalingTransport) handle(msg domain.SignalMessage) {
	if msg.Type != domain.MsgReceiveChatMessage {
		return
	}
	var env domain.ChatEnvelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		t.logger.Warnw("malformed chat envelope",
			"from", msg.From,
			"error", fmt.Errorf("decode: %w", err),
		)
		return
	}
	if env.SenderID == "" {
		env.SenderID = msg.From
	}
	t.chat.Publish(env)
}
