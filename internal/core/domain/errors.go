package domain

import (
	"errors"
	"fmt"
)

var (
	ErrStreamNotFound               = errors.New("stream not found")
	ErrTrackNotFound                = errors.New("track not found")
	ErrPeerNotFound                 = errors.New("peer not found")
	ErrRoomNotFound                 = errors.New("room not found")
	ErrInvalidTransition            = errors.New("invalid status transition")
	ErrInvalidPhase                 = errors.New("operation not allowed in current call phase")
	ErrSessionClosed                = errors.New("session closed")
	ErrNotConnected                 = errors.New("not connected")
	ErrUnknownKeyGeneration         = errors.New("unknown key generation")
	ErrMalformedFrame               = errors.New("malformed encrypted frame")
	ErrMalformedKeyMaterial         = errors.New("malformed key material")
	ErrSignatureInvalid             = errors.New("signature verification failed")
	ErrKeyExchangeTimeout           = errors.New("key exchange timed out")
	ErrRotationTimeout              = errors.New("key rotation was not acknowledged")
	ErrEncryptionNotActive          = errors.New("encryption not active")
	ErrInsertableStreamsUnsupported = errors.New("media frame interception not supported")
	ErrChatDisabled                 = errors.New("chat disabled")
)

type DeviceFailureReason string

const (
	DeviceUnavailable      DeviceFailureReason = "unavailable"
	DevicePermissionDenied DeviceFailureReason = "permission_denied"
	DeviceOverconstrained  DeviceFailureReason = "overconstrained"
	DeviceCancelled        DeviceFailureReason = "cancelled"
)

// DeviceAcquisitionError is recoverable: the caller may retry or continue
// with audio/video off.
type DeviceAcquisitionError struct {
	Kind   StreamKind
	Reason DeviceFailureReason
	Err    error
}

func (e *DeviceAcquisitionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("acquire %s device: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("acquire %s device: %s", e.Kind, e.Reason)
}

func (e *DeviceAcquisitionError) Unwrap() error { return e.Err }

// SignalingError means negotiation failed and the call does not start.
type SignalingError struct {
	Op  string
	Err error
}

func (e *SignalingError) Error() string {
	return fmt.Sprintf("signaling %s: %v", e.Op, e.Err)
}

func (e *SignalingError) Unwrap() error { return e.Err }

// EncryptionError is returned from Join only when encryption is required by
// policy. Otherwise it is observed through the pipeline status.
type EncryptionError struct {
	Op  string
	Err error
}

func (e *EncryptionError) Error() string {
	return fmt.Sprintf("encryption %s: %v", e.Op, e.Err)
}

func (e *EncryptionError) Unwrap() error { return e.Err }

// NetworkDegradation is advisory only and is never returned as an error.
type NetworkDegradation struct {
	From     QualityTier
	To       QualityTier
	Snapshot QualitySnapshot
}

func (n NetworkDegradation) String() string {
	return fmt.Sprintf("network quality degraded from %s to %s (score %d)", n.From, n.To, n.Snapshot.Score)
}

// AbnormalTeardown records why a session was force-released.
type AbnormalTeardown struct {
	Reason string
}

func (a AbnormalTeardown) String() string {
	return "abnormal teardown: " + a.Reason
}
