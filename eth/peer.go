package eth

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"

	"rlpxnet/observability/logging"
	"rlpxnet/p2p"
	"rlpxnet/p2p/wire"
)

// MaxOutstandingRequests is the number of requests a peer may have in flight.
// Idle selection skips peers at the cap and new requests against them fail
// with ErrPeerBusy.
const MaxOutstandingRequests = 5

// EthPeer is an eth-speaking connection together with its advertised chain
// state and in-flight requests. It is detached when the connection goes
// away; later operations fail with ErrPeerDisconnected.
type EthPeer struct {
	conn       p2p.PeerConnection
	cap        wire.Capability
	chainState *ChainState
	logger     *slog.Logger

	outstanding atomic.Int32
	ready       atomic.Bool
	detached    atomic.Bool
	readyOnce   sync.Once
	onReady     func(*EthPeer)

	mu      sync.Mutex
	pending map[uint64][]*ResponseStream
}

func newEthPeer(conn p2p.PeerConnection, logger *slog.Logger, onReady func(*EthPeer)) *EthPeer {
	return &EthPeer{
		conn:       conn,
		cap:        negotiatedCapability(conn),
		chainState: NewChainState(),
		logger:     logger.With(logging.MaskField("peer_id", conn.NodeID())),
		onReady:    onReady,
		pending:    make(map[uint64][]*ResponseStream),
	}
}

// negotiatedCapability picks the highest eth version agreed on conn.
func negotiatedCapability(conn p2p.PeerConnection) wire.Capability {
	var best wire.Capability
	for _, cap := range conn.AgreedCapabilities() {
		if cap.Name == ProtocolName && cap.Version > best.Version {
			best = cap
		}
	}
	return best
}

func (p *EthPeer) Connection() p2p.PeerConnection { return p.conn }
func (p *EthPeer) NodeID() string                 { return p.conn.NodeID() }
func (p *EthPeer) Capability() wire.Capability    { return p.cap }
func (p *EthPeer) ChainState() *ChainState        { return p.chainState }

// OutstandingRequests returns the number of requests awaiting a response.
func (p *EthPeer) OutstandingRequests() int {
	return int(p.outstanding.Load())
}

// ReadyForRequests reports whether the status exchange completed and the
// peer is still attached.
func (p *EthPeer) ReadyForRequests() bool {
	return p.ready.Load() && !p.detached.Load()
}

// IsDisconnected reports whether the peer was detached.
func (p *EthPeer) IsDisconnected() bool {
	return p.detached.Load() || p.conn.IsDisconnected()
}

// Disconnect closes the underlying connection.
func (p *EthPeer) Disconnect(reason wire.DisconnectReason) {
	p.conn.Disconnect(reason)
}

func (p *EthPeer) String() string {
	return fmt.Sprintf("EthPeer{%s %s outstanding=%d height=%d}",
		p.cap, shortID(p.NodeID()), p.OutstandingRequests(), p.chainState.EstimatedHeight())
}

// Send encodes val and writes it under the negotiated eth capability.
func (p *EthPeer) Send(code uint64, val any) error {
	if p.IsDisconnected() {
		return ErrPeerDisconnected
	}
	msg, err := wire.NewMessage(code, val)
	if err != nil {
		return err
	}
	if err := p.conn.Send(p.cap, msg); err != nil {
		return fmt.Errorf("send 0x%02x: %w", code, err)
	}
	return nil
}

// RequestHeadersByHash asks for amount headers starting at hash.
func (p *EthPeer) RequestHeadersByHash(hash common.Hash, amount, skip uint64, reverse bool) (*ResponseStream, error) {
	return p.request(GetBlockHeadersMsg, &GetBlockHeaders{
		Origin:  HashOrNumber{Hash: hash},
		Amount:  amount,
		Skip:    skip,
		Reverse: reverse,
	})
}

// RequestHeadersByNumber asks for amount headers starting at number.
func (p *EthPeer) RequestHeadersByNumber(number, amount, skip uint64, reverse bool) (*ResponseStream, error) {
	return p.request(GetBlockHeadersMsg, &GetBlockHeaders{
		Origin:  HashOrNumber{Number: number},
		Amount:  amount,
		Skip:    skip,
		Reverse: reverse,
	})
}

// RequestBodies asks for the bodies of the given blocks.
func (p *EthPeer) RequestBodies(hashes []common.Hash) (*ResponseStream, error) {
	return p.request(GetBlockBodiesMsg, hashes)
}

// RequestNodeData asks for state trie nodes. Requires eth/63.
func (p *EthPeer) RequestNodeData(hashes []common.Hash) (*ResponseStream, error) {
	return p.request(GetNodeDataMsg, hashes)
}

// RequestReceipts asks for the receipts of the given blocks. Requires eth/63.
func (p *EthPeer) RequestReceipts(hashes []common.Hash) (*ResponseStream, error) {
	return p.request(GetReceiptsMsg, hashes)
}

// request reserves a request slot, registers a stream for the response code
// and sends the request. eth/6x has no request ids, so responses of one code
// are matched to requests in the order they were sent.
func (p *EthPeer) request(code uint64, val any) (*ResponseStream, error) {
	respCode, ok := responseCode(code)
	if !ok {
		return nil, fmt.Errorf("eth: 0x%02x is not a request", code)
	}
	if !(Protocol{}).IsValidMessageCode(p.cap.Version, code) {
		return nil, fmt.Errorf("%w: 0x%02x on %s", ErrUnsupportedRequest, code, p.cap)
	}
	if p.IsDisconnected() {
		return nil, ErrPeerDisconnected
	}
	if !p.reserve() {
		return nil, ErrPeerBusy
	}

	stream := &ResponseStream{
		peer: p,
		code: respCode,
		ch:   make(chan []byte, 1),
		done: make(chan struct{}),
	}
	p.mu.Lock()
	if p.detached.Load() {
		p.mu.Unlock()
		stream.close(ErrPeerDisconnected)
		return nil, ErrPeerDisconnected
	}
	p.pending[respCode] = append(p.pending[respCode], stream)
	p.mu.Unlock()

	if err := p.Send(code, val); err != nil {
		stream.close(err)
		return nil, err
	}
	return stream, nil
}

func (p *EthPeer) reserve() bool {
	for {
		n := p.outstanding.Load()
		if n >= MaxOutstandingRequests {
			return false
		}
		if p.outstanding.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// deliver hands a response to the oldest stream waiting for its code. The
// payload is copied since it is only valid during dispatch.
func (p *EthPeer) deliver(code uint64, payload []byte) bool {
	p.mu.Lock()
	queue := p.pending[code]
	if len(queue) == 0 {
		p.mu.Unlock()
		return false
	}
	stream := queue[0]
	p.pending[code] = queue[1:]
	p.mu.Unlock()

	stream.ch <- append([]byte(nil), payload...)
	return true
}

func (p *EthPeer) removeStream(s *ResponseStream) {
	p.mu.Lock()
	defer p.mu.Unlock()
	queue := p.pending[s.code]
	for i, candidate := range queue {
		if candidate == s {
			p.pending[s.code] = append(queue[:i:i], queue[i+1:]...)
			return
		}
	}
}

func (p *EthPeer) markReady() {
	p.ready.Store(true)
	p.readyOnce.Do(func() {
		if p.onReady != nil {
			p.onReady(p)
		}
	})
}

// handleDisconnect detaches the peer and fails every pending request.
func (p *EthPeer) handleDisconnect() {
	p.mu.Lock()
	p.detached.Store(true)
	var streams []*ResponseStream
	for code, queue := range p.pending {
		streams = append(streams, queue...)
		delete(p.pending, code)
	}
	p.mu.Unlock()
	for _, stream := range streams {
		stream.close(ErrPeerDisconnected)
	}
}

// ResponseStream is the pending answer to one request. It holds one of the
// peer's request slots until it is closed or a response was consumed.
type ResponseStream struct {
	peer *EthPeer
	code uint64
	ch   chan []byte

	once sync.Once
	done chan struct{}
	err  error
}

// Wait blocks until the response arrives, the peer disconnects or ctx ends.
// The stream is closed afterwards.
func (s *ResponseStream) Wait(ctx context.Context) ([]byte, error) {
	select {
	case payload := <-s.ch:
		s.close(nil)
		return payload, nil
	case <-s.done:
		select {
		case payload := <-s.ch:
			return payload, nil
		default:
		}
		return nil, s.err
	case <-ctx.Done():
		s.close(ctx.Err())
		return nil, ctx.Err()
	}
}

// Close abandons the request and frees its slot.
func (s *ResponseStream) Close() {
	s.close(errStreamClosed)
}

// Code returns the message code the response arrives with.
func (s *ResponseStream) Code() uint64 {
	return s.code
}

func (s *ResponseStream) close(err error) {
	s.once.Do(func() {
		s.err = err
		s.peer.outstanding.Add(-1)
		s.peer.removeStream(s)
		close(s.done)
	})
}

func shortID(id string) string {
	if len(id) > 16 {
		return id[:16]
	}
	return id
}
