package e2ee

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	NonceSize = chacha20poly1305.NonceSizeX
	Overhead  = chacha20poly1305.Overhead
)

var ErrOpenFailed = errors.New("message authentication failed")

// NewNonce returns a random XChaCha20 nonce.
func NewNonce() ([]byte, error) {
	n := make([]byte, NonceSize)
	if _, err := rand.Read(n); err != nil {
		return nil, err
	}
	return n, nil
}

// SealTo appends the sealed plaintext to dst using the given nonce.
func SealTo(dst, key, nonce, plaintext, ad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("nonce must be %d bytes", NonceSize)
	}
	return aead.Seal(dst, nonce, plaintext, ad), nil
}

func Open(key, nonce, ciphertext, ad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(nonce) != NonceSize || len(ciphertext) < Overhead {
		return nil, ErrOpenFailed
	}
	pt, err := aead.Open(nil, nonce, ciphertext, ad)
	if err != nil {
		return nil, ErrOpenFailed
	}
	return pt, nil
}

// Seal generates a nonce and returns nonce||ciphertext.
func Seal(key, plaintext, ad []byte) ([]byte, error) {
	nonce, err := NewNonce()
	if err != nil {
		return nil, err
	}
	out := make([]byte, NonceSize, NonceSize+len(plaintext)+Overhead)
	copy(out, nonce)
	return SealTo(out, key, nonce, plaintext, ad)
}

// OpenSealed reverses Seal.
func OpenSealed(key, sealed, ad []byte) ([]byte, error) {
	if len(sealed) < NonceSize+Overhead {
		return nil, ErrOpenFailed
	}
	return Open(key, sealed[:NonceSize], sealed[NonceSize:], ad)
}
