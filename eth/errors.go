package eth

import "errors"

var (
	// ErrPeerDisconnected is returned for operations against a detached peer.
	ErrPeerDisconnected = errors.New("eth: peer disconnected")
	// ErrPeerBusy is returned when a peer already has the maximum number of
	// outstanding requests.
	ErrPeerBusy = errors.New("eth: peer has too many outstanding requests")
	// ErrNoAvailablePeers is returned when no ready peer matches a task.
	ErrNoAvailablePeers = errors.New("eth: no available peers")
	// ErrRequestTimeout is returned when a response does not arrive in time.
	ErrRequestTimeout = errors.New("eth: request timed out")
	// ErrUnsupportedRequest is returned for requests the negotiated version lacks.
	ErrUnsupportedRequest = errors.New("eth: request not supported by negotiated version")

	errStatusMismatch = errors.New("eth: incompatible status")
	errExtraStatus    = errors.New("eth: status already received")
	errNoStatus       = errors.New("eth: first message must be status")
	errStreamClosed   = errors.New("eth: response stream closed")
)
