package wire

import (
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
)

// Message is one application message: the sub-protocol code and its payload.
// Payload bytes are owned by the holder of the Message; the codec never reuses
// them after handing a Message out.
type Message struct {
	Code    uint64
	Payload []byte
}

// NewMessage RLP-encodes val as the payload of a message with the given code.
func NewMessage(code uint64, val any) (Message, error) {
	payload, err := rlp.EncodeToBytes(val)
	if err != nil {
		return Message{}, fmt.Errorf("encode message 0x%02x: %w", code, err)
	}
	return Message{Code: code, Payload: payload}, nil
}

// Size returns the payload length in bytes.
func (m Message) Size() int {
	return len(m.Payload)
}

// Decode RLP-decodes the payload into val.
func (m Message) Decode(val any) error {
	if err := rlp.DecodeBytes(m.Payload, val); err != nil {
		return fmt.Errorf("decode message 0x%02x: %w", m.Code, err)
	}
	return nil
}

func (m Message) String() string {
	return fmt.Sprintf("msg #0x%02x (%d bytes)", m.Code, len(m.Payload))
}
