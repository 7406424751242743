package domain

import "encoding/json"

type MessageType string

const (
	MsgJoinRoom           MessageType = "join_room"
	MsgLeaveRoom          MessageType = "leave_room"
	MsgSendSignal         MessageType = "send_signal"
	MsgReceiveSignal      MessageType = "receive_signal"
	MsgSendChatMessage    MessageType = "send_chat_message"
	MsgReceiveChatMessage MessageType = "receive_chat_message"
	MsgUserJoined         MessageType = "user_joined"
	MsgUserLeft           MessageType = "user_left"
	MsgCallEnded          MessageType = "call_ended"
	MsgError              MessageType = "error"
)

// SignalMessage is the envelope for every message on the signaling channel.
type SignalMessage struct {
	Type    MessageType     `json:"type"`
	RoomID  RoomID          `json:"room_id"`
	From    PeerID          `json:"from,omitempty"`
	Target  PeerID          `json:"target,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type SignalKind string

const (
	SignalOffer      SignalKind = "offer"
	SignalAnswer     SignalKind = "answer"
	SignalCandidate  SignalKind = "candidate"
	SignalE2EEKey    SignalKind = "e2ee-key"
	SignalE2EERotate SignalKind = "e2ee-rotate"
	SignalE2EEAck    SignalKind = "e2ee-ack"
	SignalChatKey    SignalKind = "chat-key"
)

type ICECandidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdp_mid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdp_mline_index,omitempty"`
}

// SignalPayload carries negotiation data or, during key exchange, an opaque
// signed key blob.
type SignalPayload struct {
	Kind        SignalKind    `json:"kind"`
	SDP         string        `json:"sdp,omitempty"`
	Candidate   *ICECandidate `json:"candidate,omitempty"`
	KeyMaterial []byte        `json:"key_material,omitempty"`
}

type JoinPayload struct {
	DisplayName string `json:"display_name,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// ChatEnvelope is the wire form of a chat message or reaction.
type ChatEnvelope struct {
	ID        MessageID       `json:"id,omitempty"`
	SenderID  PeerID          `json:"sender_id"`
	Type      ChatMessageType `json:"type"`
	Encrypted bool            `json:"encrypted"`
	Nonce     []byte          `json:"nonce,omitempty"`
	Body      []byte          `json:"body"`
	Signature []byte          `json:"signature,omitempty"`
	SentAtMs  int64           `json:"sent_at_ms"`
}

// NewSignalMessage marshals payload into a message envelope.
func NewSignalMessage(t MessageType, room RoomID, from, target PeerID, payload interface{}) (SignalMessage, error) {
	msg := SignalMessage{Type: t, RoomID: room, From: from, Target: target}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return SignalMessage{}, err
		}
		msg.Payload = raw
	}
	return msg, nil
}
