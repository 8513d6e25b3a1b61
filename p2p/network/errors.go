package network

import (
	"errors"
	"fmt"

	"rlpxnet/p2p/wire"
)

var (
	ErrPeerBanned         = errors.New("network: peer is banned")
	ErrInvalidEnode       = errors.New("network: invalid enode")
	ErrNetworkStopped     = errors.New("network: stopped")
	ErrConnectionClosed   = errors.New("network: connection closed")
	ErrHandshakeFailed    = errors.New("network: handshake failed")
	ErrUnexpectedIdentity = errors.New("network: unexpected remote identity")
)

// DisconnectError reports a session that ended with a devp2p disconnect
// before it was established.
type DisconnectError struct {
	Reason wire.DisconnectReason
	// Remote is set when the peer sent the disconnect.
	Remote bool
}

func (e *DisconnectError) Error() string {
	if e.Remote {
		return fmt.Sprintf("network: disconnected by peer: %s", e.Reason)
	}
	return fmt.Sprintf("network: disconnected: %s", e.Reason)
}

// ReasonOf extracts the disconnect reason carried by err, if any.
func ReasonOf(err error) (wire.DisconnectReason, bool) {
	var de *DisconnectError
	if errors.As(err, &de) {
		return de.Reason, true
	}
	return 0, false
}
