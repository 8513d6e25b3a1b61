package eth

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"rlpxnet/p2p"
	"rlpxnet/p2p/wire"
)

type sentMessage struct {
	cap wire.Capability
	msg wire.Message
}

type stubConn struct {
	id   string
	caps []wire.Capability

	mu     sync.Mutex
	sent   []sentMessage
	notify chan sentMessage

	disconnected atomic.Bool
	reason       atomic.Int32
}

var connSeq atomic.Int64

func newStubConn(caps ...wire.Capability) *stubConn {
	if len(caps) == 0 {
		caps = []wire.Capability{Eth63}
	}
	n := connSeq.Add(1)
	return &stubConn{
		id:     fmt.Sprintf("conn-%03d", n),
		caps:   caps,
		notify: make(chan sentMessage, 16),
	}
}

func (c *stubConn) ID() string                            { return c.id }
func (c *stubConn) NodeID() string                        { return "node-" + c.id }
func (c *stubConn) ClientID() string                      { return "stub" }
func (c *stubConn) RemoteAddr() string                    { return "127.0.0.1:30303" }
func (c *stubConn) Inbound() bool                         { return false }
func (c *stubConn) AgreedCapabilities() []wire.Capability { return c.caps }
func (c *stubConn) IsDisconnected() bool                  { return c.disconnected.Load() }

func (c *stubConn) Send(cap wire.Capability, msg wire.Message) error {
	if c.IsDisconnected() {
		return errStubClosed
	}
	sent := sentMessage{cap: cap, msg: msg}
	c.mu.Lock()
	c.sent = append(c.sent, sent)
	c.mu.Unlock()
	select {
	case c.notify <- sent:
	default:
	}
	return nil
}

func (c *stubConn) Disconnect(reason wire.DisconnectReason) {
	if c.disconnected.CompareAndSwap(false, true) {
		c.reason.Store(int32(reason))
	}
}

func (c *stubConn) disconnectReason() wire.DisconnectReason {
	return wire.DisconnectReason(c.reason.Load())
}

func (c *stubConn) sentMessages() []sentMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sentMessage(nil), c.sent...)
}

func (c *stubConn) waitSent(t *testing.T) sentMessage {
	t.Helper()
	select {
	case sent := <-c.notify:
		return sent
	case <-time.After(5 * time.Second):
		t.Fatalf("no message sent")
		return sentMessage{}
	}
}

var errStubClosed = errors.New("stub: connection closed")

var _ p2p.PeerConnection = (*stubConn)(nil)

type stubChain struct {
	genesis common.Hash
	head    common.Hash
	number  uint64
	td      *uint256.Int
}

func (c *stubChain) Genesis() common.Hash { return c.genesis }
func (c *stubChain) Head() (common.Hash, uint64, *uint256.Int) {
	return c.head, c.number, c.td
}

func newStubChain() *stubChain {
	return &stubChain{
		genesis: common.HexToHash("0x01"),
		head:    common.HexToHash("0xaa"),
		number:  100,
		td:      uint256.NewInt(1000),
	}
}

// readyPeer registers a peer for a fresh connection and marks it ready with
// the given chain state.
func readyPeer(t *testing.T, peers *EthPeers, height uint64, td uint64) (*EthPeer, *stubConn) {
	t.Helper()
	conn := newStubConn()
	peer := peers.RegisterConnection(conn)
	require.NotNil(t, peer)
	peer.chainState.StatusReceived(common.Hash{}, uint256.NewInt(td))
	peer.chainState.UpdateHeightEstimate(height)
	peer.markReady()
	return peer, conn
}

func statusMessage(t *testing.T, status *Status) wire.Message {
	t.Helper()
	msg, err := wire.NewMessage(StatusMsg, status)
	require.NoError(t, err)
	return msg
}

func message(t *testing.T, code uint64, val any) wire.Message {
	t.Helper()
	msg, err := wire.NewMessage(code, val)
	require.NoError(t, err)
	return msg
}
