package eth

import (
	"fmt"
	"io"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"rlpxnet/p2p"
)

// Status is exchanged once, right after the connection is established.
type Status struct {
	ProtocolVersion uint32
	NetworkID       uint64
	TD              *uint256.Int
	BestHash        common.Hash
	GenesisHash     common.Hash
}

// BlockAnnouncement is one entry of a NewBlockHashes message.
type BlockAnnouncement struct {
	Hash   common.Hash
	Number uint64
}

// NewBlockHashes announces blocks without their bodies.
type NewBlockHashes []BlockAnnouncement

// NewBlock propagates a full block together with the sender's total
// difficulty. The block is kept opaque.
type NewBlock struct {
	Block rlp.RawValue
	TD    *uint256.Int
}

// HashOrNumber is either a block hash or a block number.
type HashOrNumber struct {
	Hash   common.Hash
	Number uint64
}

// EncodeRLP writes the hash when set, the number otherwise.
func (hn *HashOrNumber) EncodeRLP(w io.Writer) error {
	if hn.Hash == (common.Hash{}) {
		return rlp.Encode(w, hn.Number)
	}
	if hn.Number != 0 {
		return fmt.Errorf("both origin hash (%x) and number (%d) provided", hn.Hash, hn.Number)
	}
	return rlp.Encode(w, hn.Hash)
}

// DecodeRLP tells the two forms apart by their encoded size.
func (hn *HashOrNumber) DecodeRLP(s *rlp.Stream) error {
	_, size, err := s.Kind()
	switch {
	case err != nil:
		return err
	case size == common.HashLength:
		hn.Number = 0
		return s.Decode(&hn.Hash)
	case size <= 8:
		hn.Hash = common.Hash{}
		return s.Decode(&hn.Number)
	default:
		return fmt.Errorf("invalid input size %d for origin", size)
	}
}

// GetBlockHeaders queries a run of headers starting at Origin.
type GetBlockHeaders struct {
	Origin  HashOrNumber
	Amount  uint64
	Skip    uint64
	Reverse bool
}

// BlockHeaders answers GetBlockHeaders. Headers are kept opaque.
type BlockHeaders []rlp.RawValue

func decode(payload []byte, val any) error {
	if err := rlp.DecodeBytes(payload, val); err != nil {
		return fmt.Errorf("%w: %v", p2p.ErrInvalidPayload, err)
	}
	return nil
}
