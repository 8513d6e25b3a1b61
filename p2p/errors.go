package p2p

import "errors"

var (
	// ErrMissingSubProtocol is returned when a manager announces a capability
	// nobody supplied a message code table for.
	ErrMissingSubProtocol = errors.New("p2p: no sub-protocol for capability")
	// ErrRunnerStopped is returned by Stop on a runner that already stopped.
	ErrRunnerStopped = errors.New("p2p: runner already stopped")
	// ErrShutdownTimeout is returned when the network worker outlives the forced shutdown.
	ErrShutdownTimeout = errors.New("p2p: network worker did not stop in time")
)

// ErrInvalidPayload indicates that a peer supplied a syntactically correct message with invalid contents.
var ErrInvalidPayload = errors.New("p2p: invalid payload")
