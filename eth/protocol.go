// Package eth implements the eth sub-protocol on top of the p2p runtime: the
// message code tables, the registry of connected eth peers with their chain
// state, the protocol manager and request/response tasks against peers.
package eth

import "rlpxnet/p2p/wire"

// ProtocolName is the capability name announced in Hello.
const ProtocolName = "eth"

// Supported protocol versions.
const (
	ETH62 = 62
	ETH63 = 63
)

var (
	Eth62 = wire.NewCapability(ProtocolName, ETH62)
	Eth63 = wire.NewCapability(ProtocolName, ETH63)
)

// eth/62 message codes.
const (
	StatusMsg          uint64 = 0x00
	NewBlockHashesMsg  uint64 = 0x01
	TransactionsMsg    uint64 = 0x02
	GetBlockHeadersMsg uint64 = 0x03
	BlockHeadersMsg    uint64 = 0x04
	GetBlockBodiesMsg  uint64 = 0x05
	BlockBodiesMsg     uint64 = 0x06
	NewBlockMsg        uint64 = 0x07
)

// eth/63 additions.
const (
	GetNodeDataMsg uint64 = 0x0d
	NodeDataMsg    uint64 = 0x0e
	GetReceiptsMsg uint64 = 0x0f
	ReceiptsMsg    uint64 = 0x10
)

var messageSpace = map[uint]uint64{
	ETH62: 8,
	ETH63: 17,
}

// Protocol is the wire.SubProtocol of eth.
type Protocol struct{}

var _ wire.SubProtocol = Protocol{}

func (Protocol) Name() string { return ProtocolName }

// MessageSpace returns the number of codes reserved by version, 0 when the
// version is unknown.
func (Protocol) MessageSpace(version uint) uint64 {
	return messageSpace[version]
}

// IsValidMessageCode reports whether code is defined by the given version.
// eth/63 leaves 0x08-0x0c unassigned.
func (Protocol) IsValidMessageCode(version uint, code uint64) bool {
	switch version {
	case ETH62:
		return code <= NewBlockMsg
	case ETH63:
		return code <= NewBlockMsg || (code >= GetNodeDataMsg && code <= ReceiptsMsg)
	default:
		return false
	}
}

// responseCode maps a request code to the code its answer arrives with.
func responseCode(request uint64) (uint64, bool) {
	switch request {
	case GetBlockHeadersMsg:
		return BlockHeadersMsg, true
	case GetBlockBodiesMsg:
		return BlockBodiesMsg, true
	case GetNodeDataMsg:
		return NodeDataMsg, true
	case GetReceiptsMsg:
		return ReceiptsMsg, true
	}
	return 0, false
}

func isResponse(code uint64) bool {
	switch code {
	case BlockHeadersMsg, BlockBodiesMsg, NodeDataMsg, ReceiptsMsg:
		return true
	}
	return false
}
