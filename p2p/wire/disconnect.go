package wire

import (
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
)

// DisconnectReason is the structured reason carried by a Disconnect message.
type DisconnectReason byte

const (
	DisconnectRequested                      DisconnectReason = 0x00
	DisconnectTCPSubsystemError              DisconnectReason = 0x01
	DisconnectBreachOfProtocol               DisconnectReason = 0x02
	DisconnectUselessPeer                    DisconnectReason = 0x03
	DisconnectTooManyPeers                   DisconnectReason = 0x04
	DisconnectAlreadyConnected               DisconnectReason = 0x05
	DisconnectIncompatibleP2PProtocolVersion DisconnectReason = 0x06
	DisconnectNullNodeID                     DisconnectReason = 0x07
	DisconnectClientQuitting                 DisconnectReason = 0x08
	DisconnectUnexpectedID                   DisconnectReason = 0x09
	DisconnectLocalIdentity                  DisconnectReason = 0x0a
	DisconnectTimeout                        DisconnectReason = 0x0b
	DisconnectSubprotocolTriggered           DisconnectReason = 0x10

	// DisconnectUnknown stands in for values outside the table above.
	DisconnectUnknown DisconnectReason = 0xff
)

var disconnectReasonNames = map[DisconnectReason]string{
	DisconnectRequested:                      "REQUESTED",
	DisconnectTCPSubsystemError:              "TCP_SUBSYSTEM_ERROR",
	DisconnectBreachOfProtocol:               "BREACH_OF_PROTOCOL",
	DisconnectUselessPeer:                    "USELESS_PEER",
	DisconnectTooManyPeers:                   "TOO_MANY_PEERS",
	DisconnectAlreadyConnected:               "ALREADY_CONNECTED",
	DisconnectIncompatibleP2PProtocolVersion: "INCOMPATIBLE_P2P_PROTOCOL_VERSION",
	DisconnectNullNodeID:                     "NULL_NODE_ID",
	DisconnectClientQuitting:                 "CLIENT_QUITTING",
	DisconnectUnexpectedID:                   "UNEXPECTED_ID",
	DisconnectLocalIdentity:                  "LOCAL_IDENTITY",
	DisconnectTimeout:                        "TIMEOUT",
	DisconnectSubprotocolTriggered:           "SUBPROTOCOL_TRIGGERED",
	DisconnectUnknown:                        "UNKNOWN",
}

// DisconnectReasonFor maps a raw wire value to a known reason.
func DisconnectReasonFor(value byte) DisconnectReason {
	reason := DisconnectReason(value)
	if _, ok := disconnectReasonNames[reason]; ok {
		return reason
	}
	return DisconnectUnknown
}

func (r DisconnectReason) String() string {
	if name, ok := disconnectReasonNames[r]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(0x%02x)", byte(r))
}

// Error lets a reason travel through error returns.
func (r DisconnectReason) Error() string {
	return "disconnect: " + r.String()
}

// NewDisconnectMessage builds the base protocol Disconnect message.
func NewDisconnectMessage(reason DisconnectReason) Message {
	payload, _ := rlp.EncodeToBytes([]uint64{uint64(reason)})
	return Message{Code: DisconnectMsg, Payload: payload}
}

// DecodeDisconnectReason reads the reason out of a Disconnect payload. Both the
// list form [reason] and a bare value are accepted; empty payloads map to
// DisconnectRequested.
func DecodeDisconnectReason(payload []byte) DisconnectReason {
	if len(payload) == 0 {
		return DisconnectRequested
	}
	var list []uint64
	if err := rlp.DecodeBytes(payload, &list); err == nil {
		if len(list) == 0 {
			return DisconnectRequested
		}
		if list[0] > 0xff {
			return DisconnectUnknown
		}
		return DisconnectReasonFor(byte(list[0]))
	}
	var single uint64
	if err := rlp.DecodeBytes(payload, &single); err == nil && single <= 0xff {
		return DisconnectReasonFor(byte(single))
	}
	return DisconnectUnknown
}
