package network

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/crypto/ecies"
	"github.com/ethereum/go-ethereum/rlp"

	"rlpxnet/p2p/rlpx"
)

const (
	handshakeVersion   = 1
	handshakeNonceSize = 32
	maxAuthPacketSize  = 1024
	sigLength          = 65
)

// Session is the outcome of a successful handshake.
type Session struct {
	Secrets   *rlpx.Secrets
	RemoteKey *ecdsa.PublicKey
}

// Handshaker authenticates a fresh connection and agrees on session keys.
// remote is the expected identity of the dialled node and is nil for inbound
// connections.
type Handshaker interface {
	Handshake(ctx context.Context, conn net.Conn, initiator bool, remote *ecdsa.PublicKey) (*Session, error)
}

// authPacket is sent by both sides: the initiator's auth and the responder's
// ack share the layout.
type authPacket struct {
	StaticKey    []byte
	EphemeralKey []byte
	Nonce        []byte
	Signature    []byte
	Version      uint

	// Ignore additional fields (forward-compatibility).
	Rest []rlp.RawValue `rlp:"tail"`
}

// ECDHHandshaker derives session secrets from an ephemeral secp256k1 key
// agreement. Each side proves its static identity by signing its ephemeral
// key and nonce.
type ECDHHandshaker struct {
	key *ecdsa.PrivateKey
}

// NewECDHHandshaker returns the default handshaker for the node key.
func NewECDHHandshaker(key *ecdsa.PrivateKey) *ECDHHandshaker {
	return &ECDHHandshaker{key: key}
}

type handshakeState struct {
	initiator    bool
	ephemeral    *ecdsa.PrivateKey
	nonce        []byte
	remote       *authPacket
	remoteStatic *ecdsa.PublicKey
	remoteEph    *ecdsa.PublicKey
	sent         []byte
	received     []byte
}

// Handshake runs the exchange; the initiator speaks first.
func (h *ECDHHandshaker) Handshake(ctx context.Context, conn net.Conn, initiator bool, remote *ecdsa.PublicKey) (*Session, error) {
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return nil, fmt.Errorf("%w: set deadline: %v", ErrHandshakeFailed, err)
		}
		defer conn.SetDeadline(time.Time{})
	}

	ephemeral, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("%w: ephemeral key: %v", ErrHandshakeFailed, err)
	}
	nonce := make([]byte, handshakeNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("%w: nonce: %v", ErrHandshakeFailed, err)
	}
	st := &handshakeState{initiator: initiator, ephemeral: ephemeral, nonce: nonce}

	local, err := h.makePacket(ephemeral, nonce)
	if err != nil {
		return nil, err
	}
	if initiator {
		if st.sent, err = writeAuthPacket(conn, local); err != nil {
			return nil, err
		}
		if st.received, err = readAuthPacket(conn); err != nil {
			return nil, err
		}
	} else {
		if st.received, err = readAuthPacket(conn); err != nil {
			return nil, err
		}
		if st.sent, err = writeAuthPacket(conn, local); err != nil {
			return nil, err
		}
	}
	if err := st.verify(); err != nil {
		return nil, err
	}
	if remote != nil && !st.remoteStatic.Equal(remote) {
		return nil, fmt.Errorf("%w: got %s", ErrUnexpectedIdentity, NodeIDFromPubkey(st.remoteStatic))
	}

	secrets, err := st.secrets()
	if err != nil {
		return nil, err
	}
	return &Session{Secrets: secrets, RemoteKey: st.remoteStatic}, nil
}

func (h *ECDHHandshaker) makePacket(ephemeral *ecdsa.PrivateKey, nonce []byte) (*authPacket, error) {
	ephPub := marshalPubkey(&ephemeral.PublicKey)
	sig, err := ethcrypto.Sign(authDigest(ephPub, nonce), h.key)
	if err != nil {
		return nil, fmt.Errorf("%w: sign: %v", ErrHandshakeFailed, err)
	}
	return &authPacket{
		StaticKey:    marshalPubkey(&h.key.PublicKey),
		EphemeralKey: ephPub,
		Nonce:        nonce,
		Signature:    sig,
		Version:      handshakeVersion,
	}, nil
}

func (st *handshakeState) verify() error {
	var packet authPacket
	if err := rlp.DecodeBytes(st.received, &packet); err != nil {
		return fmt.Errorf("%w: decode auth packet: %v", ErrHandshakeFailed, err)
	}
	if len(packet.Nonce) != handshakeNonceSize {
		return fmt.Errorf("%w: nonce is %d bytes", ErrHandshakeFailed, len(packet.Nonce))
	}
	if len(packet.Signature) != sigLength {
		return fmt.Errorf("%w: signature is %d bytes", ErrHandshakeFailed, len(packet.Signature))
	}
	static, err := unmarshalPubkey(packet.StaticKey)
	if err != nil {
		return fmt.Errorf("%w: static key: %v", ErrHandshakeFailed, err)
	}
	eph, err := unmarshalPubkey(packet.EphemeralKey)
	if err != nil {
		return fmt.Errorf("%w: ephemeral key: %v", ErrHandshakeFailed, err)
	}
	signer, err := ethcrypto.SigToPub(authDigest(packet.EphemeralKey, packet.Nonce), packet.Signature)
	if err != nil {
		return fmt.Errorf("%w: recover signature: %v", ErrHandshakeFailed, err)
	}
	if !signer.Equal(static) {
		return fmt.Errorf("%w: signature does not match static key", ErrHandshakeFailed)
	}
	st.remote = &packet
	st.remoteStatic = static
	st.remoteEph = eph
	return nil
}

// secrets derives the RLPx key material and seeds both MAC states with the
// packets exchanged, so that the two ends mirror each other.
func (st *handshakeState) secrets() (*rlpx.Secrets, error) {
	ecdhe, err := ecies.ImportECDSA(st.ephemeral).GenerateShared(ecies.ImportECDSAPublic(st.remoteEph), 16, 16)
	if err != nil {
		return nil, fmt.Errorf("%w: ecdh: %v", ErrHandshakeFailed, err)
	}

	initNonce, respNonce := st.nonce, st.remote.Nonce
	if !st.initiator {
		initNonce, respNonce = respNonce, initNonce
	}
	shared := ethcrypto.Keccak256(ecdhe, ethcrypto.Keccak256(respNonce, initNonce))
	aesSecret := ethcrypto.Keccak256(ecdhe, shared)
	macSecret := ethcrypto.Keccak256(ecdhe, aesSecret)

	s, err := rlpx.NewSecrets(aesSecret, macSecret)
	if err != nil {
		return nil, err
	}
	// egress: mac ^ remote nonce, then the packet we sent.
	// ingress: mac ^ local nonce, then the packet we received.
	s.UpdateEgress(xor(macSecret, st.remote.Nonce))
	s.UpdateEgress(st.sent)
	s.UpdateIngress(xor(macSecret, st.nonce))
	s.UpdateIngress(st.received)
	return s, nil
}

func authDigest(ephemeral, nonce []byte) []byte {
	return ethcrypto.Keccak256(ephemeral, nonce)
}

func writeAuthPacket(w io.Writer, packet *authPacket) ([]byte, error) {
	body, err := rlp.EncodeToBytes(packet)
	if err != nil {
		return nil, fmt.Errorf("%w: encode auth packet: %v", ErrHandshakeFailed, err)
	}
	buf := make([]byte, 2, 2+len(body))
	binary.BigEndian.PutUint16(buf, uint16(len(body)))
	buf = append(buf, body...)
	if _, err := w.Write(buf); err != nil {
		return nil, fmt.Errorf("%w: write auth packet: %v", ErrHandshakeFailed, err)
	}
	return body, nil
}

func readAuthPacket(r io.Reader) ([]byte, error) {
	var prefix [2]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, fmt.Errorf("%w: read auth size: %v", ErrHandshakeFailed, err)
	}
	size := binary.BigEndian.Uint16(prefix[:])
	if size == 0 || size > maxAuthPacketSize {
		return nil, fmt.Errorf("%w: auth packet of %d bytes", ErrHandshakeFailed, size)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("%w: read auth packet: %v", ErrHandshakeFailed, err)
	}
	return body, nil
}

func xor(one, other []byte) []byte {
	out := make([]byte, len(one))
	for i := range one {
		out[i] = one[i] ^ other[i]
	}
	return out
}
