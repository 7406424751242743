package e2ee

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

const (
	KeySize       = 32
	SignatureSize = ed25519.SignatureSize
)

var ErrInvalidKey = errors.New("invalid key material")

// IdentityKeyPair signs key blobs and chat envelopes.
type IdentityKeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// DHKeyPair is an X25519 key agreement pair.
type DHKeyPair struct {
	Public  [KeySize]byte
	Private [KeySize]byte
}

func GenerateIdentity() (*IdentityKeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate identity key: %w", err)
	}
	return &IdentityKeyPair{Public: pub, Private: priv}, nil
}

func GenerateDH() (*DHKeyPair, error) {
	kp := &DHKeyPair{}
	if _, err := rand.Read(kp.Private[:]); err != nil {
		return nil, fmt.Errorf("generate dh key: %w", err)
	}
	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		Zero(kp.Private[:])
		return nil, fmt.Errorf("derive dh public key: %w", err)
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// RandomKey returns a fresh symmetric key.
func RandomKey() ([]byte, error) {
	k := make([]byte, KeySize)
	if _, err := rand.Read(k); err != nil {
		return nil, err
	}
	return k, nil
}

func (kp *IdentityKeyPair) Sign(message []byte) []byte {
	return ed25519.Sign(kp.Private, message)
}

func Verify(pub ed25519.PublicKey, message, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != SignatureSize {
		return false
	}
	return ed25519.Verify(pub, message, sig)
}

// Wipe zeroes the private half. The pair must not be used afterwards.
func (kp *IdentityKeyPair) Wipe() {
	if kp == nil {
		return
	}
	Zero(kp.Private)
}

func (kp *DHKeyPair) Wipe() {
	if kp == nil {
		return
	}
	Zero(kp.Private[:])
}
