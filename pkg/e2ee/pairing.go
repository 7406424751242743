package e2ee

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strconv"
)

// Pairing is the symmetric state both parties derive from one X25519
// agreement. Keys are derived so that each side computes the other's
// initial send key without any further round trip.
type Pairing struct {
	purpose  Purpose
	secret   []byte
	salt     []byte
	localDH  []byte
	remoteDH []byte
	WrapKey  []byte
}

func NewPairing(purpose Purpose, local *DHKeyPair, remoteDH []byte) (*Pairing, error) {
	secret, err := SharedSecret(local.Private, remoteDH)
	if err != nil {
		return nil, err
	}

	p := &Pairing{
		purpose:  purpose,
		secret:   secret,
		localDH:  append([]byte(nil), local.Public[:]...),
		remoteDH: append([]byte(nil), remoteDH...),
	}
	// Both sides must agree on the salt, so order the two public keys.
	if bytes.Compare(p.localDH, p.remoteDH) < 0 {
		p.salt = append(append([]byte(nil), p.localDH...), p.remoteDH...)
	} else {
		p.salt = append(append([]byte(nil), p.remoteDH...), p.localDH...)
	}

	p.WrapKey, err = DeriveKey(p.secret, p.salt, p.label("wrap"))
	if err != nil {
		p.Wipe()
		return nil, err
	}
	return p, nil
}

// LocalInitialKey is our send key for the given generation.
func (p *Pairing) LocalInitialKey(generation uint32) ([]byte, error) {
	return p.initialKey(p.localDH, generation)
}

// RemoteInitialKey is the peer's send key for the generation it announced.
func (p *Pairing) RemoteInitialKey(generation uint32) ([]byte, error) {
	return p.initialKey(p.remoteDH, generation)
}

// ChannelKey derives a single key shared by both directions.
func (p *Pairing) ChannelKey() ([]byte, error) {
	return DeriveKey(p.secret, p.salt, p.label("channel"))
}

func (p *Pairing) initialKey(senderDH []byte, generation uint32) ([]byte, error) {
	info := p.label("initial") + "/" + hex.EncodeToString(senderDH) + "/" + strconv.FormatUint(uint64(generation), 10)
	key, err := DeriveKey(p.secret, p.salt, info)
	if err != nil {
		return nil, fmt.Errorf("derive initial key: %w", err)
	}
	return key, nil
}

func (p *Pairing) label(use string) string {
	return protocolLabel + "/" + string(p.purpose) + "/" + use
}

// Wipe zeroes the shared secret and wrap key.
func (p *Pairing) Wipe() {
	if p == nil {
		return
	}
	Zero(p.secret)
	Zero(p.WrapKey)
}
