package e2ee

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// SharedSecret runs X25519 between our private key and the peer's public key.
func SharedSecret(private [KeySize]byte, peerPublic []byte) ([]byte, error) {
	if len(peerPublic) != KeySize {
		return nil, fmt.Errorf("%w: peer public key is %d bytes", ErrInvalidKey, len(peerPublic))
	}
	priv := private
	defer Zero(priv[:])

	secret, err := curve25519.X25519(priv[:], peerPublic)
	if err != nil {
		return nil, fmt.Errorf("x25519: %w", err)
	}
	return secret, nil
}

// DeriveKey expands secret into a KeySize key bound to salt and info.
func DeriveKey(secret, salt []byte, info string) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, salt, []byte(info))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("hkdf: %w", err)
	}
	return key, nil
}
