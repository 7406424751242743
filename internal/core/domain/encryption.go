package domain

import (
	"fmt"
	"time"
)

type EncryptionStatus string

const (
	EncryptionDisabled     EncryptionStatus = "disabled"
	EncryptionInitializing EncryptionStatus = "initializing"
	EncryptionKeyExchange  EncryptionStatus = "key-exchange"
	EncryptionActive       EncryptionStatus = "active"
	EncryptionKeyRotation  EncryptionStatus = "key-rotation"
	EncryptionStatusError  EncryptionStatus = "error"
	EncryptionUnsupported  EncryptionStatus = "unsupported"
)

var mediaTransitions = map[EncryptionStatus][]EncryptionStatus{
	EncryptionDisabled:     {EncryptionInitializing},
	EncryptionInitializing: {EncryptionKeyExchange, EncryptionUnsupported, EncryptionStatusError, EncryptionDisabled},
	EncryptionKeyExchange:  {EncryptionActive, EncryptionStatusError, EncryptionDisabled},
	EncryptionActive:       {EncryptionKeyRotation, EncryptionStatusError, EncryptionDisabled},
	EncryptionKeyRotation:  {EncryptionActive, EncryptionStatusError, EncryptionDisabled},
	EncryptionStatusError:  {EncryptionInitializing, EncryptionDisabled},
	EncryptionUnsupported:  {EncryptionDisabled},
}

var chatTransitions = map[EncryptionStatus][]EncryptionStatus{
	EncryptionDisabled:     {EncryptionInitializing},
	EncryptionInitializing: {EncryptionActive, EncryptionStatusError, EncryptionDisabled},
	EncryptionActive:       {EncryptionStatusError, EncryptionDisabled},
	EncryptionStatusError:  {EncryptionInitializing, EncryptionDisabled},
}

// StatusMachine validates transitions of an encryption status enum.
type StatusMachine struct {
	current EncryptionStatus
	table   map[EncryptionStatus][]EncryptionStatus
}

func NewMediaStatusMachine() *StatusMachine {
	return &StatusMachine{current: EncryptionDisabled, table: mediaTransitions}
}

func NewChatStatusMachine() *StatusMachine {
	return &StatusMachine{current: EncryptionDisabled, table: chatTransitions}
}

func (m *StatusMachine) Current() EncryptionStatus {
	return m.current
}

func (m *StatusMachine) CanTransition(to EncryptionStatus) bool {
	for _, s := range m.table[m.current] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition moves to the next status or reports an illegal move.
func (m *StatusMachine) Transition(to EncryptionStatus) error {
	if !m.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.current, to)
	}
	m.current = to
	return nil
}

type EncryptionStats struct {
	TotalFrames             uint64
	EncryptedFrames         uint64
	DecryptedFrames         uint64
	EncryptionErrors        uint64
	DecryptionErrors        uint64
	AverageEncryptionTimeMs float64
	AverageDecryptionTimeMs float64
	LastKeyRotation         time.Time
}

// EncryptionState is the read-only view of an EncryptionContext handed to the UI.
type EncryptionState struct {
	Status            EncryptionStatus
	KeyGeneration     uint32
	SendGeneration    uint32
	LocalFingerprint  string
	RemoteFingerprint string
	ErrorMessage      string
	Stats             EncryptionStats
}
