package rlpx

import (
	"fmt"
	"hash"

	"golang.org/x/crypto/sha3"
)

const (
	// KeyLength is the width of both the AES key and the MAC secret.
	KeyLength = 32
)

// Secrets is the key schedule of one connection: the symmetric cipher key, the
// MAC secret and the rolling keccak state of each direction. Egress and ingress
// state are independent; each is advanced only by its own update method.
//
// A Secrets value belongs to a single connection. Egress methods must not be
// called concurrently with each other, nor ingress methods with each other.
type Secrets struct {
	aesKey    []byte
	macSecret []byte

	egress  hash.Hash
	ingress hash.Hash
}

// NewSecrets builds the key schedule from handshake output. Both inputs must be
// exactly KeyLength bytes; they are copied.
func NewSecrets(aesKey, macSecret []byte) (*Secrets, error) {
	if len(aesKey) != KeyLength {
		return nil, fmt.Errorf("%w: aes key is %d bytes, want %d", ErrInvalidKeyMaterial, len(aesKey), KeyLength)
	}
	if len(macSecret) != KeyLength {
		return nil, fmt.Errorf("%w: mac secret is %d bytes, want %d", ErrInvalidKeyMaterial, len(macSecret), KeyLength)
	}
	return &Secrets{
		aesKey:    append([]byte(nil), aesKey...),
		macSecret: append([]byte(nil), macSecret...),
		egress:    sha3.NewLegacyKeccak256(),
		ingress:   sha3.NewLegacyKeccak256(),
	}, nil
}

// AESKey returns a copy of the cipher key.
func (s *Secrets) AESKey() []byte {
	return append([]byte(nil), s.aesKey...)
}

// MACSecret returns a copy of the MAC secret.
func (s *Secrets) MACSecret() []byte {
	return append([]byte(nil), s.macSecret...)
}

// UpdateEgress mixes data into the egress state and returns the new digest.
func (s *Secrets) UpdateEgress(data []byte) []byte {
	s.egress.Write(data)
	return s.egress.Sum(nil)
}

// UpdateIngress mixes data into the ingress state and returns the new digest.
func (s *Secrets) UpdateIngress(data []byte) []byte {
	s.ingress.Write(data)
	return s.ingress.Sum(nil)
}

// EgressDigest returns the current egress digest without advancing the state.
func (s *Secrets) EgressDigest() []byte {
	return s.egress.Sum(nil)
}

// IngressDigest returns the current ingress digest without advancing the state.
func (s *Secrets) IngressDigest() []byte {
	return s.ingress.Sum(nil)
}
