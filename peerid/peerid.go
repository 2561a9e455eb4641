package peerid

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"errors"
)

const (
	VersionV01 = 0x01

	PaddingByte = 0xD5

	typeEd25519 = 0x01
)

var ErrInvalidIDString = errors.New("invalid peer ID string")
var ErrInvalidIDFormat = errors.New("invalid peer ID format")

// Byte structure of a peer ID is <version:1><padding:1><keytype:1><sha256(pubkey):32>.
// Raw bytes are encoded by Base32.

// ID is a stable peer identity derived from the node's key pair. It caches the
// string representation alongside the raw bytes and implements the
// MarshalBinary and UnmarshalBinary interfaces to assist CBOR encoding.
type ID struct {
	b [35]byte
	s string
}

func (id *ID) String() string {
	return id.s
}

func (id *ID) MarshalBinary() ([]byte, error) {
	return id.b[:], nil
}

func (id *ID) UnmarshalBinary(data []byte) error {
	if len(data) == 0 {
		return ErrInvalidIDFormat
	}

	switch data[0] {
	case VersionV01:
		if len(data) != 35 {
			return ErrInvalidIDString
		}
		if data[1] != PaddingByte {
			return ErrInvalidIDString
		}
		id.s = base32.StdEncoding.EncodeToString(data)
		copy(id.b[:], data)
	default:
		return ErrInvalidIDFormat
	}

	return nil
}

func encode(hash [32]byte) *ID {
	idbytes := []byte{}

	idbytes = append(idbytes, byte(VersionV01))
	idbytes = append(idbytes, PaddingByte)
	idbytes = append(idbytes, typeEd25519)
	idbytes = append(idbytes, hash[:]...)

	id := &ID{
		s: base32.StdEncoding.EncodeToString(idbytes),
	}
	copy(id.b[:], idbytes)
	return id
}

// FromPublicKey derives the peer ID from an ed25519 public key.
func FromPublicKey(pub ed25519.PublicKey) *ID {
	return encode(sha256.Sum256(pub))
}

func FromString(s string) (*ID, error) {
	idBytes, err := base32.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}

	id := &ID{}
	if err := id.UnmarshalBinary(idBytes); err != nil {
		return nil, err
	}
	return id, nil
}

// Random generates a throwaway identity without a backing key pair.
func Random() (*ID, error) {
	buf := make([]byte, 32)
	_, err := rand.Read(buf)
	if err != nil {
		return nil, err
	}

	return encode([32]byte(buf)), nil
}

// Equal helper
func (id *ID) Equal(other *ID) bool {
	if id == nil && other == nil {
		return true
	}
	if id == nil || other == nil {
		return false
	}
	return id.b == other.b
}
