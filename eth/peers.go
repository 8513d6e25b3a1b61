package eth

import (
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"

	"rlpxnet/p2p"
	"rlpxnet/p2p/subscribers"
)

type (
	ConnectCallback    func(peer *EthPeer)
	DisconnectCallback func(peer *EthPeer)
)

// EthPeers is the registry of eth peers keyed by connection. It answers the
// peer selection queries used to route requests.
type EthPeers struct {
	mu    sync.RWMutex
	peers map[string]*EthPeer

	connectSubs    subscribers.Subscribers[ConnectCallback]
	disconnectSubs subscribers.Subscribers[DisconnectCallback]

	logger  *slog.Logger
	metrics *ethMetrics
}

// NewEthPeers returns an empty registry.
func NewEthPeers(logger *slog.Logger) *EthPeers {
	if logger == nil {
		logger = slog.Default()
	}
	return &EthPeers{
		peers:   make(map[string]*EthPeer),
		logger:  logger.With(slog.String("component", "eth_peers")),
		metrics: newEthMetrics(),
	}
}

// RegisterConnection creates the peer for conn unless it already exists.
// Connect subscribers are notified once the peer becomes ready.
func (ep *EthPeers) RegisterConnection(conn p2p.PeerConnection) *EthPeer {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if peer, ok := ep.peers[conn.ID()]; ok {
		return peer
	}
	peer := newEthPeer(conn, ep.logger, ep.notifyConnect)
	ep.peers[conn.ID()] = peer
	ep.metrics.setPeers(len(ep.peers))
	return peer
}

// RegisterDisconnect removes the peer of conn, notifies disconnect
// subscribers and detaches it.
func (ep *EthPeers) RegisterDisconnect(conn p2p.PeerConnection) {
	ep.mu.Lock()
	peer, ok := ep.peers[conn.ID()]
	delete(ep.peers, conn.ID())
	ep.metrics.setPeers(len(ep.peers))
	ep.mu.Unlock()
	if !ok {
		return
	}
	ep.disconnectSubs.ForEach(func(cb DisconnectCallback) { cb(peer) })
	peer.handleDisconnect()
}

// Peer returns the peer registered for conn, or nil.
func (ep *EthPeers) Peer(conn p2p.PeerConnection) *EthPeer {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	return ep.peers[conn.ID()]
}

func (ep *EthPeers) SubscribeConnect(cb ConnectCallback) subscribers.Token {
	return ep.connectSubs.Subscribe(cb)
}

func (ep *EthPeers) UnsubscribeConnect(token subscribers.Token) bool {
	return ep.connectSubs.Unsubscribe(token)
}

func (ep *EthPeers) SubscribeDisconnect(cb DisconnectCallback) subscribers.Token {
	return ep.disconnectSubs.Subscribe(cb)
}

func (ep *EthPeers) UnsubscribeDisconnect(token subscribers.Token) bool {
	return ep.disconnectSubs.Unsubscribe(token)
}

// PeerCount returns the number of registered peers, ready or not.
func (ep *EthPeers) PeerCount() int {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	return len(ep.peers)
}

// AvailablePeerCount returns the number of peers ready for requests.
func (ep *EthPeers) AvailablePeerCount() int {
	return len(ep.AvailablePeers())
}

// AvailablePeers returns the peers ready for requests in node id order.
func (ep *EthPeers) AvailablePeers() []*EthPeer {
	ep.mu.RLock()
	out := make([]*EthPeer, 0, len(ep.peers))
	for _, peer := range ep.peers {
		if peer.ReadyForRequests() {
			out = append(out, peer)
		}
	}
	ep.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID() < out[j].NodeID() })
	return out
}

// BestPeer returns the available peer with the highest estimated height,
// total difficulty breaking ties.
func (ep *EthPeers) BestPeer() (*EthPeer, bool) {
	var best *EthPeer
	for _, peer := range ep.AvailablePeers() {
		if best == nil || compareChains(peer.chainState, best.chainState) > 0 {
			best = peer
		}
	}
	return best, best != nil
}

// IdlePeer returns the least busy available peer below the request cap.
// Equally idle peers are picked at random.
func (ep *EthPeers) IdlePeer() (*EthPeer, bool) {
	var idle *EthPeer
	for _, peer := range ep.idlePeers() {
		if idle == nil || peer.OutstandingRequests() < idle.OutstandingRequests() {
			idle = peer
		}
	}
	return idle, idle != nil
}

// IdlePeerWithHeight returns any available peer below the request cap whose
// estimated height is at least minHeight.
func (ep *EthPeers) IdlePeerWithHeight(minHeight uint64) (*EthPeer, bool) {
	for _, peer := range ep.idlePeers() {
		if peer.chainState.EstimatedHeight() >= minHeight {
			return peer, true
		}
	}
	return nil, false
}

func (ep *EthPeers) idlePeers() []*EthPeer {
	available := ep.AvailablePeers()
	idle := available[:0]
	for _, peer := range available {
		if peer.OutstandingRequests() < MaxOutstandingRequests {
			idle = append(idle, peer)
		}
	}
	rand.Shuffle(len(idle), func(i, j int) { idle[i], idle[j] = idle[j], idle[i] })
	return idle
}

func (ep *EthPeers) notifyConnect(peer *EthPeer) {
	ep.connectSubs.ForEach(func(cb ConnectCallback) { cb(peer) })
}
