package e2ee

import (
	"bytes"
	"crypto/ed25519"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

// Purpose separates media and chat key material so a blob signed for one
// can never be accepted by the other.
type Purpose string

const (
	PurposeMedia Purpose = "media"
	PurposeChat  Purpose = "chat"
)

const protocolLabel = "callcore-e2ee-v1"

var ErrBadSignature = errors.New("bad signature")

// KeyBundle announces a party's identity and key-agreement public keys.
// Generation is the generation of the sender's initial send key.
type KeyBundle struct {
	Purpose     Purpose `json:"purpose"`
	IdentityKey []byte  `json:"identity_key"`
	DHKey       []byte  `json:"dh_key"`
	Generation  uint32  `json:"generation"`
	Reply       bool    `json:"reply"`
	Signature   []byte  `json:"signature"`
}

func NewKeyBundle(purpose Purpose, id *IdentityKeyPair, dh *DHKeyPair, generation uint32, reply bool) KeyBundle {
	b := KeyBundle{
		Purpose:     purpose,
		IdentityKey: append([]byte(nil), id.Public...),
		DHKey:       append([]byte(nil), dh.Public[:]...),
		Generation:  generation,
		Reply:       reply,
	}
	b.Signature = id.Sign(b.signingBytes())
	return b
}

func (b KeyBundle) signingBytes() []byte {
	var buf bytes.Buffer
	buf.WriteString(protocolLabel + "/bundle/" + string(b.Purpose))
	buf.Write(b.IdentityKey)
	buf.Write(b.DHKey)
	writeUint32(&buf, b.Generation)
	if b.Reply {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	return buf.Bytes()
}

// Verify checks that the bundle is well formed, self-signed and for purpose.
func (b KeyBundle) Verify(purpose Purpose) error {
	if b.Purpose != purpose {
		return fmt.Errorf("%w: bundle purpose %q", ErrInvalidKey, b.Purpose)
	}
	if len(b.IdentityKey) != ed25519.PublicKeySize || len(b.DHKey) != KeySize {
		return fmt.Errorf("%w: bundle key sizes", ErrInvalidKey)
	}
	if !Verify(b.IdentityKey, b.signingBytes(), b.Signature) {
		return ErrBadSignature
	}
	return nil
}

// Fingerprint is the value both parties read aloud to compare.
func (b KeyBundle) Fingerprint() string {
	return Fingerprint(b.IdentityKey, b.DHKey)
}

// RotationNotice carries a new sender key wrapped under the pairwise key.
type RotationNotice struct {
	Purpose    Purpose `json:"purpose"`
	Generation uint32  `json:"generation"`
	Wrapped    []byte  `json:"wrapped"`
	Signature  []byte  `json:"signature"`
}

func NewRotationNotice(purpose Purpose, id *IdentityKeyPair, wrapKey, newKey []byte, generation uint32) (RotationNotice, error) {
	wrapped, err := Seal(wrapKey, newKey, rotationAD(purpose, generation))
	if err != nil {
		return RotationNotice{}, fmt.Errorf("wrap rotated key: %w", err)
	}
	n := RotationNotice{Purpose: purpose, Generation: generation, Wrapped: wrapped}
	n.Signature = id.Sign(n.signingBytes())
	return n, nil
}

func (n RotationNotice) signingBytes() []byte {
	var buf bytes.Buffer
	buf.WriteString(protocolLabel + "/rotate/" + string(n.Purpose))
	writeUint32(&buf, n.Generation)
	buf.Write(n.Wrapped)
	return buf.Bytes()
}

// Open verifies the notice against the sender's identity and unwraps the key.
func (n RotationNotice) Open(purpose Purpose, sender ed25519.PublicKey, wrapKey []byte) ([]byte, error) {
	if n.Purpose != purpose {
		return nil, fmt.Errorf("%w: notice purpose %q", ErrInvalidKey, n.Purpose)
	}
	if !Verify(sender, n.signingBytes(), n.Signature) {
		return nil, ErrBadSignature
	}
	key, err := OpenSealed(wrapKey, n.Wrapped, rotationAD(purpose, n.Generation))
	if err != nil {
		return nil, err
	}
	if len(key) != KeySize {
		Zero(key)
		return nil, fmt.Errorf("%w: rotated key is %d bytes", ErrInvalidKey, len(key))
	}
	return key, nil
}

// RotationAck confirms that a generation has been installed.
type RotationAck struct {
	Purpose    Purpose `json:"purpose"`
	Generation uint32  `json:"generation"`
	Signature  []byte  `json:"signature"`
}

func NewRotationAck(purpose Purpose, id *IdentityKeyPair, generation uint32) RotationAck {
	a := RotationAck{Purpose: purpose, Generation: generation}
	a.Signature = id.Sign(a.signingBytes())
	return a
}

func (a RotationAck) signingBytes() []byte {
	var buf bytes.Buffer
	buf.WriteString(protocolLabel + "/ack/" + string(a.Purpose))
	writeUint32(&buf, a.Generation)
	return buf.Bytes()
}

func (a RotationAck) Verify(purpose Purpose, sender ed25519.PublicKey) error {
	if a.Purpose != purpose {
		return fmt.Errorf("%w: ack purpose %q", ErrInvalidKey, a.Purpose)
	}
	if !Verify(sender, a.signingBytes(), a.Signature) {
		return ErrBadSignature
	}
	return nil
}

// Encode and Decode use JSON; the blob is opaque to the relay.
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func Decode(blob []byte, v any) error {
	if err := json.Unmarshal(blob, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return nil
}

func rotationAD(purpose Purpose, generation uint32) []byte {
	var buf bytes.Buffer
	buf.WriteString(protocolLabel + "/wrap/" + string(purpose))
	writeUint32(&buf, generation)
	return buf.Bytes()
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}
