package eth

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/stretchr/testify/require"

	"rlpxnet/p2p"
)

func TestHashOrNumberEncoding(t *testing.T) {
	byNumber, err := rlp.EncodeToBytes(&HashOrNumber{Number: 0x0102})
	require.NoError(t, err)
	require.Equal(t, []byte{0x82, 0x01, 0x02}, byNumber)

	hash := common.HexToHash("0xabcdef")
	byHash, err := rlp.EncodeToBytes(&HashOrNumber{Hash: hash})
	require.NoError(t, err)
	require.Len(t, byHash, 33)

	var decoded HashOrNumber
	require.NoError(t, rlp.DecodeBytes(byHash, &decoded))
	require.Equal(t, hash, decoded.Hash)
	require.Zero(t, decoded.Number)

	decoded = HashOrNumber{}
	require.NoError(t, rlp.DecodeBytes(byNumber, &decoded))
	require.Equal(t, uint64(0x0102), decoded.Number)
	require.Equal(t, common.Hash{}, decoded.Hash)

	_, err = rlp.EncodeToBytes(&HashOrNumber{Hash: hash, Number: 1})
	require.Error(t, err)
}

func TestGetHeadersTaskRoundTrip(t *testing.T) {
	peers := NewEthPeers(nil)
	peer, conn := readyPeer(t, peers, 10, 1)

	done := make(chan error, 1)
	var result PeerTaskResult[BlockHeaders]
	go func() {
		var err error
		result, err = NewGetHeadersByHashTask(peers, common.HexToHash("0x0a"), 3, 1, true).Run(context.Background())
		done <- err
	}()

	sent := conn.waitSent(t)
	var query GetBlockHeaders
	require.NoError(t, rlp.DecodeBytes(sent.msg.Payload, &query))
	require.Equal(t, common.HexToHash("0x0a"), query.Origin.Hash)
	require.Equal(t, uint64(3), query.Amount)
	require.Equal(t, uint64(1), query.Skip)
	require.True(t, query.Reverse)

	require.True(t, peer.deliver(BlockHeadersMsg, []byte{0xc3, 0xc1, 0x01, 0xc0}))
	require.NoError(t, <-done)
	require.Same(t, peer, result.Peer)
	require.Equal(t, BlockHeaders{{0xc1, 0x01}, {0xc0}}, result.Result)
}

func TestGetBodiesTaskInvalidResponse(t *testing.T) {
	peers := NewEthPeers(nil)
	peer, conn := readyPeer(t, peers, 10, 1)

	done := make(chan error, 1)
	go func() {
		_, err := NewGetBodiesTask(peers, []common.Hash{{1}}).Run(context.Background())
		done <- err
	}()
	conn.waitSent(t)
	require.True(t, peer.deliver(BlockBodiesMsg, []byte{0x81}))
	require.ErrorIs(t, <-done, p2p.ErrInvalidPayload)
	require.Zero(t, peer.OutstandingRequests())
}

func TestTaskWithoutPeers(t *testing.T) {
	peers := NewEthPeers(nil)
	_, err := NewGetBodiesTask(peers, nil).Run(context.Background())
	require.ErrorIs(t, err, ErrNoAvailablePeers)

	// Peers below the requested height do not qualify.
	readyPeer(t, peers, 10, 1)
	_, err = NewGetHeadersByNumberTask(peers, 11, 1, 0, false).Run(context.Background())
	require.ErrorIs(t, err, ErrNoAvailablePeers)
}

func TestTaskAssignedPeer(t *testing.T) {
	peers := NewEthPeers(nil)
	readyPeer(t, peers, 100, 1)
	assigned, conn := readyPeer(t, peers, 1, 1)

	done := make(chan error, 1)
	go func() {
		res, err := NewGetBodiesTask(peers, []common.Hash{{2}}).AssignPeer(assigned).Run(context.Background())
		if err == nil && res.Peer != assigned {
			t.Errorf("task ran on %s, want %s", res.Peer, assigned)
		}
		done <- err
	}()
	conn.waitSent(t)
	require.True(t, assigned.deliver(BlockBodiesMsg, []byte{0xc0}))
	require.NoError(t, <-done)
}

func TestTaskAssignedPeerBusy(t *testing.T) {
	peers := NewEthPeers(nil)
	peer, _ := readyPeer(t, peers, 10, 1)
	peer.outstanding.Store(MaxOutstandingRequests)

	_, err := NewGetBodiesTask(peers, nil).AssignPeer(peer).Run(context.Background())
	require.ErrorIs(t, err, ErrPeerBusy)
}

func TestTaskAssignedPeerDisconnected(t *testing.T) {
	peers := NewEthPeers(nil)
	peer, conn := readyPeer(t, peers, 10, 1)
	peers.RegisterDisconnect(conn)

	_, err := NewGetBodiesTask(peers, nil).AssignPeer(peer).Run(context.Background())
	require.ErrorIs(t, err, ErrPeerDisconnected)
}

func TestTaskTimeout(t *testing.T) {
	peers := NewEthPeers(nil)
	peer, _ := readyPeer(t, peers, 10, 1)

	start := time.Now()
	_, err := NewGetBodiesTask(peers, nil).WithTimeout(50 * time.Millisecond).Run(context.Background())
	require.ErrorIs(t, err, ErrRequestTimeout)
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	require.Zero(t, peer.OutstandingRequests())

	// A late response is unsolicited.
	require.False(t, peer.deliver(BlockBodiesMsg, []byte{0xc0}))
}

func TestTaskCancelledByCaller(t *testing.T) {
	peers := NewEthPeers(nil)
	readyPeer(t, peers, 10, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewGetBodiesTask(peers, nil).Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.NotErrorIs(t, err, ErrRequestTimeout)
}

func TestTaskPeerDisconnectsWhileWaiting(t *testing.T) {
	peers := NewEthPeers(nil)
	_, conn := readyPeer(t, peers, 10, 1)

	done := make(chan error, 1)
	go func() {
		_, err := NewGetBodiesTask(peers, nil).Run(context.Background())
		done <- err
	}()
	conn.waitSent(t)
	peers.RegisterDisconnect(conn)

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrPeerDisconnected)
	case <-time.After(5 * time.Second):
		t.Fatalf("task still waiting after disconnect")
	}
}
