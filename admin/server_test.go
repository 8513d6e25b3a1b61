package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"rlpxnet/eth"
	"rlpxnet/p2p"
	"rlpxnet/p2p/network"
	"rlpxnet/p2p/subscribers"
	"rlpxnet/p2p/wire"
)

type fakeConn struct {
	id     string
	node   string
	reason atomic.Int32
	closed atomic.Bool
}

func (c *fakeConn) ID() string         { return c.id }
func (c *fakeConn) NodeID() string     { return c.node }
func (c *fakeConn) ClientID() string   { return "geth/v1" }
func (c *fakeConn) RemoteAddr() string { return "10.0.0.2:30303" }
func (c *fakeConn) Inbound() bool      { return true }
func (c *fakeConn) AgreedCapabilities() []wire.Capability {
	return []wire.Capability{eth.Eth63}
}
func (c *fakeConn) Send(wire.Capability, wire.Message) error { return nil }
func (c *fakeConn) IsDisconnected() bool                     { return c.closed.Load() }
func (c *fakeConn) Disconnect(reason wire.DisconnectReason) {
	c.reason.Store(int32(reason))
	c.closed.Store(true)
}

type fakeNetwork struct {
	peers      []p2p.PeerConnection
	connectErr error
	dialed     []string
}

func (n *fakeNetwork) Run(ctx context.Context) error       { <-ctx.Done(); return ctx.Err() }
func (n *fakeNetwork) Stop()                               {}
func (n *fakeNetwork) AwaitStop(ctx context.Context) error { return nil }
func (n *fakeNetwork) Subscribe(wire.Capability, p2p.MessageCallback) subscribers.Token {
	return 0
}
func (n *fakeNetwork) SubscribeConnect(p2p.ConnectCallback) subscribers.Token       { return 0 }
func (n *fakeNetwork) SubscribeDisconnect(p2p.DisconnectCallback) subscribers.Token { return 0 }
func (n *fakeNetwork) Unsubscribe(wire.Capability, subscribers.Token) bool          { return false }
func (n *fakeNetwork) UnsubscribeConnect(subscribers.Token) bool                    { return false }
func (n *fakeNetwork) UnsubscribeDisconnect(subscribers.Token) bool                 { return false }
func (n *fakeNetwork) Peers() []p2p.PeerConnection                                  { return n.peers }

func (n *fakeNetwork) Connect(_ context.Context, enode string) (p2p.PeerConnection, error) {
	n.dialed = append(n.dialed, enode)
	if n.connectErr != nil {
		return nil, n.connectErr
	}
	conn := &fakeConn{id: fmt.Sprintf("dialed-%d", len(n.dialed)), node: "remote"}
	n.peers = append(n.peers, conn)
	return conn, nil
}

func newTestServer(t *testing.T, net *fakeNetwork, peers *eth.EthPeers) http.Handler {
	t.Helper()
	srv, err := New(Config{
		Network:  net,
		EthPeers: peers,
		Enode:    func() string { return "enode://local@127.0.0.1:30303" },
		Gatherer: prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	return srv.Routes()
}

func testEnode(t *testing.T) string {
	t.Helper()
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	return network.Node{ID: network.NodeIDFromPubkey(&key.PublicKey), Addr: "127.0.0.1:30304"}.String()
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestNewRequiresNetwork(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

func TestHealthAndMetrics(t *testing.T) {
	h := newTestServer(t, &fakeNetwork{}, nil)
	rec := do(t, h, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", rec.Body.String())

	rec = do(t, h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestNodeInfo(t *testing.T) {
	conn := &fakeConn{id: "c1", node: "n1"}
	peers := eth.NewEthPeers(nil)
	peers.RegisterConnection(conn)
	h := newTestServer(t, &fakeNetwork{peers: []p2p.PeerConnection{conn}}, peers)

	rec := do(t, h, http.MethodGet, "/node", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var view nodeView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	require.Equal(t, nodeView{Enode: "enode://local@127.0.0.1:30303", Peers: 1, EthPeers: 1}, view)
}

func TestListPeersIncludesEthState(t *testing.T) {
	withEth := &fakeConn{id: "c1", node: "n1"}
	plain := &fakeConn{id: "c2", node: "n2"}
	peers := eth.NewEthPeers(nil)
	peer := peers.RegisterConnection(withEth)
	peer.ChainState().StatusReceived(common.HexToHash("0x0b"), uint256.NewInt(77))
	peer.ChainState().UpdateHeightEstimate(42)

	h := newTestServer(t, &fakeNetwork{peers: []p2p.PeerConnection{withEth, plain}}, peers)
	rec := do(t, h, http.MethodGet, "/peers/", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var views []peerView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &views))
	require.Len(t, views, 2)
	require.Equal(t, "c1", views[0].ID)
	require.Equal(t, []string{"eth/63"}, views[0].Capabilities)
	require.NotNil(t, views[0].Eth)
	require.Equal(t, uint64(42), views[0].Eth.Height)
	require.Equal(t, "77", views[0].Eth.TD)
	require.Equal(t, common.HexToHash("0x0b").Hex(), views[0].Eth.BestHash)
	require.False(t, views[0].Eth.Ready)
	require.Nil(t, views[1].Eth)
}

func TestConnectPeer(t *testing.T) {
	net := &fakeNetwork{}
	h := newTestServer(t, net, nil)
	enode := testEnode(t)

	rec := do(t, h, http.MethodPost, "/peers/", `{"enode":"`+enode+`"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, []string{enode}, net.dialed)

	rec = do(t, h, http.MethodPost, "/peers/", `{"enode":"not-an-enode"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(t, h, http.MethodPost, "/peers/", `{`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Len(t, net.dialed, 1)
}

func TestConnectErrorsMapToStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{err: network.ErrPeerBanned, want: http.StatusForbidden},
		{err: network.ErrNetworkStopped, want: http.StatusServiceUnavailable},
		{err: &network.DisconnectError{Reason: wire.DisconnectTooManyPeers, Remote: true}, want: http.StatusBadGateway},
	}
	for _, tc := range cases {
		h := newTestServer(t, &fakeNetwork{connectErr: tc.err}, nil)
		rec := do(t, h, http.MethodPost, "/peers/", `{"enode":"`+testEnode(t)+`"}`)
		require.Equal(t, tc.want, rec.Code, tc.err.Error())
		var resp errorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.Equal(t, tc.err.Error(), resp.Error)
	}
}

func TestDisconnectPeer(t *testing.T) {
	conn := &fakeConn{id: "c1", node: "n1"}
	h := newTestServer(t, &fakeNetwork{peers: []p2p.PeerConnection{conn}}, nil)

	rec := do(t, h, http.MethodDelete, "/peers/unknown", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.False(t, conn.IsDisconnected())

	rec = do(t, h, http.MethodDelete, "/peers/n1", "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.True(t, conn.IsDisconnected())
	require.Equal(t, int32(wire.DisconnectRequested), conn.reason.Load())
}
