// Package e2ee holds the cryptographic primitives used by the call engine:
// Ed25519 identities, X25519 key agreement, HKDF-SHA256 key derivation,
// XChaCha20-Poly1305 sealing and human-readable fingerprints.
//
// Nothing in this package keeps state; key lifecycles live in the services
// that use it.
package e2ee
