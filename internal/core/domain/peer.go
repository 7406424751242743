package domain

import "time"

type Participant struct {
	PeerID      PeerID    `json:"peer_id"`
	DisplayName string    `json:"display_name,omitempty"`
	AvatarURL   string    `json:"avatar_url,omitempty"`
	JoinedAt    time.Time `json:"joined_at"`
}

type CallPhase string

const (
	PhaseLobby  CallPhase = "lobby"
	PhaseActive CallPhase = "active"
	PhaseEnded  CallPhase = "ended"
)

type LayoutMode string

const (
	LayoutGrid        LayoutMode = "grid"
	LayoutSpeaker     LayoutMode = "speaker"
	LayoutScreenShare LayoutMode = "screen-share"
)

// CallSession is the aggregate root. Only phase transitions mutate it.
type CallSession struct {
	RoomID       RoomID
	LocalPeerID  PeerID
	Phase        CallPhase
	Participants []Participant
	LayoutMode   LayoutMode
	MicEnabled   bool
	CamEnabled   bool
	StartedAt    time.Time
	EndedAt      time.Time
}
