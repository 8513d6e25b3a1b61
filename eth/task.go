package eth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
)

const defaultTaskTimeout = 10 * time.Second

// PeerTaskResult is the outcome of a task together with the peer that
// served it.
type PeerTaskResult[T any] struct {
	Peer   *EthPeer
	Result T
}

// PeerTask sends one request to one peer and waits for the response. The
// peer is either assigned up front or picked with IdlePeerWithHeight.
type PeerTask[T any] struct {
	kind      string
	peers     *EthPeers
	assigned  *EthPeer
	minHeight uint64
	timeout   time.Duration
	send      func(*EthPeer) (*ResponseStream, error)
	parse     func(payload []byte) (T, error)
}

// NewGetHeadersByHashTask requests amount headers starting at hash.
func NewGetHeadersByHashTask(peers *EthPeers, hash common.Hash, amount, skip uint64, reverse bool) *PeerTask[BlockHeaders] {
	return &PeerTask[BlockHeaders]{
		kind:    "headers",
		peers:   peers,
		timeout: defaultTaskTimeout,
		send: func(p *EthPeer) (*ResponseStream, error) {
			return p.RequestHeadersByHash(hash, amount, skip, reverse)
		},
		parse: parseHeaders,
	}
}

// NewGetHeadersByNumberTask requests amount headers starting at number. Only
// peers that announced at least that height are picked.
func NewGetHeadersByNumberTask(peers *EthPeers, number, amount, skip uint64, reverse bool) *PeerTask[BlockHeaders] {
	return &PeerTask[BlockHeaders]{
		kind:      "headers",
		peers:     peers,
		minHeight: number,
		timeout:   defaultTaskTimeout,
		send: func(p *EthPeer) (*ResponseStream, error) {
			return p.RequestHeadersByNumber(number, amount, skip, reverse)
		},
		parse: parseHeaders,
	}
}

// NewGetBodiesTask requests the bodies of the given blocks. Bodies are kept
// opaque.
func NewGetBodiesTask(peers *EthPeers, hashes []common.Hash) *PeerTask[[]rlp.RawValue] {
	return &PeerTask[[]rlp.RawValue]{
		kind:    "bodies",
		peers:   peers,
		timeout: defaultTaskTimeout,
		send: func(p *EthPeer) (*ResponseStream, error) {
			return p.RequestBodies(hashes)
		},
		parse: func(payload []byte) ([]rlp.RawValue, error) {
			var bodies []rlp.RawValue
			if err := decode(payload, &bodies); err != nil {
				return nil, err
			}
			return bodies, nil
		},
	}
}

// AssignPeer pins the task to peer.
func (t *PeerTask[T]) AssignPeer(peer *EthPeer) *PeerTask[T] {
	t.assigned = peer
	return t
}

// WithTimeout bounds the wait for the response.
func (t *PeerTask[T]) WithTimeout(timeout time.Duration) *PeerTask[T] {
	if timeout > 0 {
		t.timeout = timeout
	}
	return t
}

// Run executes the task. It fails with ErrNoAvailablePeers when no peer
// qualifies, ErrPeerBusy when the assigned peer is at its request cap,
// ErrPeerDisconnected when the peer goes away and ErrRequestTimeout when the
// response does not arrive in time.
func (t *PeerTask[T]) Run(ctx context.Context) (PeerTaskResult[T], error) {
	var zero PeerTaskResult[T]
	peer, err := t.pickPeer()
	if err != nil {
		t.peers.metrics.recordRequest(t.kind, "no_peer")
		return zero, err
	}

	stream, err := t.send(peer)
	if err != nil {
		t.peers.metrics.recordRequest(t.kind, "send_failed")
		return zero, err
	}
	waitCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	payload, err := stream.Wait(waitCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			t.peers.metrics.recordRequest(t.kind, "timeout")
			return zero, fmt.Errorf("%w: %s after %s", ErrRequestTimeout, t.kind, t.timeout)
		}
		t.peers.metrics.recordRequest(t.kind, "failed")
		return zero, err
	}
	result, err := t.parse(payload)
	if err != nil {
		t.peers.metrics.recordRequest(t.kind, "invalid")
		return zero, err
	}
	t.peers.metrics.recordRequest(t.kind, "success")
	return PeerTaskResult[T]{Peer: peer, Result: result}, nil
}

func (t *PeerTask[T]) pickPeer() (*EthPeer, error) {
	if t.assigned != nil {
		switch {
		case t.assigned.IsDisconnected():
			return nil, ErrPeerDisconnected
		case t.assigned.OutstandingRequests() >= MaxOutstandingRequests:
			return nil, ErrPeerBusy
		}
		return t.assigned, nil
	}
	peer, ok := t.peers.IdlePeerWithHeight(t.minHeight)
	if !ok {
		return nil, ErrNoAvailablePeers
	}
	return peer, nil
}

func parseHeaders(payload []byte) (BlockHeaders, error) {
	var headers BlockHeaders
	if err := decode(payload, &headers); err != nil {
		return nil, err
	}
	return headers, nil
}
