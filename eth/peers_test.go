package eth

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

func TestProtocolMessageCodes(t *testing.T) {
	var proto Protocol
	require.Equal(t, uint64(8), proto.MessageSpace(ETH62))
	require.Equal(t, uint64(17), proto.MessageSpace(ETH63))
	require.Zero(t, proto.MessageSpace(64))

	for code := uint64(0); code <= NewBlockMsg; code++ {
		require.True(t, proto.IsValidMessageCode(ETH62, code), "eth/62 code %d", code)
		require.True(t, proto.IsValidMessageCode(ETH63, code), "eth/63 code %d", code)
	}
	for code := GetNodeDataMsg; code <= ReceiptsMsg; code++ {
		require.False(t, proto.IsValidMessageCode(ETH62, code))
		require.True(t, proto.IsValidMessageCode(ETH63, code))
	}
	require.False(t, proto.IsValidMessageCode(ETH62, 0x08))
	require.False(t, proto.IsValidMessageCode(ETH63, 0x08))
	require.False(t, proto.IsValidMessageCode(ETH63, 0x0c))
	require.False(t, proto.IsValidMessageCode(ETH63, 0x11))
	require.False(t, proto.IsValidMessageCode(61, StatusMsg))
}

func TestRegisterConnectionIsIdempotent(t *testing.T) {
	peers := NewEthPeers(nil)
	conn := newStubConn(Eth62, Eth63)
	first := peers.RegisterConnection(conn)
	second := peers.RegisterConnection(conn)
	require.Same(t, first, second)
	require.Equal(t, 1, peers.PeerCount())
	require.Zero(t, peers.AvailablePeerCount())
	require.Equal(t, Eth63, first.Capability())
	require.Same(t, first, peers.Peer(conn))
}

func TestConnectSubscribersNotifiedWhenReady(t *testing.T) {
	peers := NewEthPeers(nil)
	var connected []*EthPeer
	token := peers.SubscribeConnect(func(p *EthPeer) { connected = append(connected, p) })

	conn := newStubConn()
	peer := peers.RegisterConnection(conn)
	require.Empty(t, connected)

	peer.markReady()
	peer.markReady()
	require.Equal(t, []*EthPeer{peer}, connected)
	require.Equal(t, 1, peers.AvailablePeerCount())

	require.True(t, peers.UnsubscribeConnect(token))
	require.False(t, peers.UnsubscribeConnect(token))
	other := peers.RegisterConnection(newStubConn())
	other.markReady()
	require.Len(t, connected, 1)
}

func TestRegisterDisconnectDetachesPeer(t *testing.T) {
	peers := NewEthPeers(nil)
	var gone []*EthPeer
	peers.SubscribeDisconnect(func(p *EthPeer) { gone = append(gone, p) })

	peer, conn := readyPeer(t, peers, 10, 10)
	stream, err := peer.RequestHeadersByNumber(1, 1, 0, false)
	require.NoError(t, err)
	require.Equal(t, 1, peer.OutstandingRequests())

	peers.RegisterDisconnect(conn)
	require.Equal(t, []*EthPeer{peer}, gone)
	require.Nil(t, peers.Peer(conn))
	require.Zero(t, peers.PeerCount())
	require.False(t, peer.ReadyForRequests())

	_, err = stream.Wait(context.Background())
	require.ErrorIs(t, err, ErrPeerDisconnected)
	require.Zero(t, peer.OutstandingRequests())
	require.ErrorIs(t, peer.Send(StatusMsg, &Status{}), ErrPeerDisconnected)
	_, err = peer.RequestBodies(nil)
	require.ErrorIs(t, err, ErrPeerDisconnected)

	peers.RegisterDisconnect(conn)
	require.Len(t, gone, 1)
}

func TestBestPeerOrdersByHeightThenDifficulty(t *testing.T) {
	peers := NewEthPeers(nil)
	_, ok := peers.BestPeer()
	require.False(t, ok)

	readyPeer(t, peers, 100, 500)
	tall, _ := readyPeer(t, peers, 120, 100)
	heavy, _ := readyPeer(t, peers, 120, 900)
	readyPeer(t, peers, 90, 10_000)

	// Not ready peers are never selected.
	pending := peers.RegisterConnection(newStubConn())
	pending.chainState.UpdateHeightEstimate(1_000)

	best, ok := peers.BestPeer()
	require.True(t, ok)
	require.Same(t, heavy, best)
	require.NotSame(t, tall, best)
}

func TestIdlePeerRespectsRequestCap(t *testing.T) {
	peers := NewEthPeers(nil)
	busy, _ := readyPeer(t, peers, 10, 1)
	busy.outstanding.Store(MaxOutstandingRequests)

	_, ok := peers.IdlePeer()
	require.False(t, ok)
	_, ok = peers.IdlePeerWithHeight(0)
	require.False(t, ok)

	busy.outstanding.Store(MaxOutstandingRequests - 1)
	idle, ok := peers.IdlePeer()
	require.True(t, ok)
	require.Same(t, busy, idle)
}

func TestIdlePeerPrefersLeastBusy(t *testing.T) {
	peers := NewEthPeers(nil)
	a, _ := readyPeer(t, peers, 10, 1)
	b, _ := readyPeer(t, peers, 10, 1)
	c, _ := readyPeer(t, peers, 10, 1)
	a.outstanding.Store(3)
	b.outstanding.Store(1)
	c.outstanding.Store(2)

	for i := 0; i < 20; i++ {
		idle, ok := peers.IdlePeer()
		require.True(t, ok)
		require.Same(t, b, idle)
	}
}

func TestIdlePeerBreaksTiesRandomly(t *testing.T) {
	peers := NewEthPeers(nil)
	a, _ := readyPeer(t, peers, 10, 1)
	b, _ := readyPeer(t, peers, 10, 1)

	seen := map[*EthPeer]int{}
	for i := 0; i < 200; i++ {
		idle, ok := peers.IdlePeer()
		require.True(t, ok)
		seen[idle]++
	}
	require.Positive(t, seen[a])
	require.Positive(t, seen[b])
}

func TestIdlePeerWithHeight(t *testing.T) {
	peers := NewEthPeers(nil)
	readyPeer(t, peers, 50, 1)
	high, _ := readyPeer(t, peers, 150, 1)
	busyHigh, _ := readyPeer(t, peers, 200, 1)
	busyHigh.outstanding.Store(MaxOutstandingRequests)

	for i := 0; i < 10; i++ {
		peer, ok := peers.IdlePeerWithHeight(100)
		require.True(t, ok)
		require.Same(t, high, peer)
	}
	_, ok := peers.IdlePeerWithHeight(151)
	require.False(t, ok)
}

func TestChainStateOnlyMovesForward(t *testing.T) {
	cs := NewChainState()
	cs.StatusReceived(common.HexToHash("0x01"), uint256.NewInt(10))
	cs.UpdateForAnnouncedBlock(common.HexToHash("0x05"), 5)
	cs.UpdateForAnnouncedBlock(common.HexToHash("0x03"), 3)
	cs.UpdateTotalDifficulty(uint256.NewInt(7))
	cs.UpdateTotalDifficulty(uint256.NewInt(20))

	best := cs.BestBlock()
	require.Equal(t, common.HexToHash("0x05"), best.Hash)
	require.Equal(t, uint64(5), best.Number)
	require.Equal(t, uint64(5), cs.EstimatedHeight())
	require.Equal(t, uint64(20), best.TotalDifficulty.Uint64())

	best.TotalDifficulty.SetUint64(1)
	require.Equal(t, uint64(20), cs.TotalDifficulty().Uint64())
}

func TestRequestUnsupportedOnEth62(t *testing.T) {
	peers := NewEthPeers(nil)
	peer := peers.RegisterConnection(newStubConn(Eth62))
	peer.markReady()
	_, err := peer.RequestReceipts([]common.Hash{{1}})
	require.ErrorIs(t, err, ErrUnsupportedRequest)
	require.Zero(t, peer.OutstandingRequests())
}

func TestResponsesMatchRequestsInOrder(t *testing.T) {
	peers := NewEthPeers(nil)
	peer, conn := readyPeer(t, peers, 10, 1)

	first, err := peer.RequestHeadersByNumber(1, 1, 0, false)
	require.NoError(t, err)
	second, err := peer.RequestHeadersByNumber(2, 1, 0, false)
	require.NoError(t, err)
	require.Len(t, conn.sentMessages(), 2)
	require.Equal(t, GetBlockHeadersMsg, conn.sentMessages()[0].msg.Code)
	require.Equal(t, Eth63, conn.sentMessages()[0].cap)

	require.True(t, peer.deliver(BlockHeadersMsg, []byte{0xc1, 0x01}))
	require.True(t, peer.deliver(BlockHeadersMsg, []byte{0xc1, 0x02}))
	require.False(t, peer.deliver(BlockHeadersMsg, []byte{0xc0}))

	got, err := first.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, []byte{0xc1, 0x01}, got)
	got, err = second.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, []byte{0xc1, 0x02}, got)
	require.Zero(t, peer.OutstandingRequests())
}

func TestRequestCapRejectsSixthRequest(t *testing.T) {
	peers := NewEthPeers(nil)
	peer, _ := readyPeer(t, peers, 10, 1)
	var streams []*ResponseStream
	for i := 0; i < MaxOutstandingRequests; i++ {
		stream, err := peer.RequestBodies([]common.Hash{{byte(i)}})
		require.NoError(t, err)
		streams = append(streams, stream)
	}
	_, err := peer.RequestBodies(nil)
	require.ErrorIs(t, err, ErrPeerBusy)

	streams[0].Close()
	require.Equal(t, MaxOutstandingRequests-1, peer.OutstandingRequests())
	_, err = peer.RequestBodies(nil)
	require.NoError(t, err)
	require.Equal(t, Eth63, peer.Capability())
}
