package e2ee

import (
	"encoding/binary"
	"errors"
)

// Encrypted frame layout:
//
//	version(1) | generation(4, big endian) | nonce(24) | ciphertext+tag
//
// The 29-byte header is authenticated as additional data.
const (
	FrameVersion    = 1
	FrameHeaderSize = 1 + 4 + NonceSize
	MinFrameSize    = FrameHeaderSize + Overhead
)

var ErrMalformedFrame = errors.New("malformed frame")

// SealFrame encrypts payload under key and tags it with generation.
func SealFrame(key []byte, generation uint32, payload []byte) ([]byte, error) {
	nonce, err := NewNonce()
	if err != nil {
		return nil, err
	}
	out := make([]byte, FrameHeaderSize, FrameHeaderSize+len(payload)+Overhead)
	out[0] = FrameVersion
	binary.BigEndian.PutUint32(out[1:5], generation)
	copy(out[5:], nonce)
	return SealTo(out, key, nonce, payload, out[:FrameHeaderSize])
}

// FrameGeneration reads the generation tag without decrypting.
func FrameGeneration(frame []byte) (uint32, error) {
	if len(frame) < MinFrameSize || frame[0] != FrameVersion {
		return 0, ErrMalformedFrame
	}
	return binary.BigEndian.Uint32(frame[1:5]), nil
}

// OpenFrame authenticates and decrypts a frame produced by SealFrame.
func OpenFrame(key, frame []byte) ([]byte, error) {
	if _, err := FrameGeneration(frame); err != nil {
		return nil, err
	}
	header := frame[:FrameHeaderSize]
	return Open(key, frame[5:FrameHeaderSize], frame[FrameHeaderSize:], header)
}
