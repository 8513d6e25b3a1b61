package wire

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
)

// Base protocol message codes. Codes below BaseProtocolLength are reserved for
// the base protocol on every connection; capability codes start after them.
const (
	HelloMsg      uint64 = 0x00
	DisconnectMsg uint64 = 0x01
	PingMsg       uint64 = 0x02
	PongMsg       uint64 = 0x03

	BaseProtocolLength uint64 = 0x10

	// BaseProtocolVersion is the version announced in Hello. Snappy compression
	// is enabled when both sides announce at least SnappyProtocolVersion.
	BaseProtocolVersion   uint64 = 5
	SnappyProtocolVersion uint64 = 5

	// NodeIDLength is the size of an uncompressed secp256k1 key without prefix.
	NodeIDLength = 64
)

var (
	ErrInvalidHello = errors.New("wire: invalid hello")
	ErrNullNodeID   = errors.New("wire: null node id")
)

// Hello is the first message sent in both directions on a new connection.
type Hello struct {
	Version    uint64
	ClientID   string
	Caps       []Capability
	ListenPort uint64
	NodeID     []byte

	// Ignore additional fields (forward-compatibility).
	Rest []rlp.RawValue `rlp:"tail"`
}

// Message encodes the hello as a base protocol message.
func (h *Hello) Message() (Message, error) {
	return NewMessage(HelloMsg, h)
}

// DecodeHello parses and validates a Hello message.
func DecodeHello(msg Message) (*Hello, error) {
	if msg.Code != HelloMsg {
		return nil, fmt.Errorf("%w: unexpected code 0x%02x", ErrInvalidHello, msg.Code)
	}
	var hello Hello
	if err := rlp.DecodeBytes(msg.Payload, &hello); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHello, err)
	}
	if len(hello.NodeID) != NodeIDLength {
		return nil, fmt.Errorf("%w: node id length %d", ErrInvalidHello, len(hello.NodeID))
	}
	if isZero(hello.NodeID) {
		return nil, ErrNullNodeID
	}
	return &hello, nil
}

// PingMessage and PongMessage carry an empty list payload.
func PingMessage() Message {
	return Message{Code: PingMsg, Payload: []byte{0xc0}}
}

func PongMessage() Message {
	return Message{Code: PongMsg, Payload: []byte{0xc0}}
}

func isZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
