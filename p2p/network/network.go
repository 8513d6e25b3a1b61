// Package network is the TCP transport of the p2p runtime: it accepts and
// dials peers, runs the handshake and the devp2p base protocol, and moves
// capability messages between the RLPx codec and the subscribers.
package network

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/netutil"
	"golang.org/x/time/rate"

	"rlpxnet/observability/logging"
	"rlpxnet/p2p"
	"rlpxnet/p2p/rlpx"
	"rlpxnet/p2p/subscribers"
	"rlpxnet/p2p/wire"
)

type dialFunc func(ctx context.Context, addr string) (net.Conn, error)

// Option customises a Network.
type Option func(*Network)

// WithSubProtocols supplies the message code tables of the local capabilities.
func WithSubProtocols(protocols ...wire.SubProtocol) Option {
	return func(n *Network) {
		for _, protocol := range protocols {
			n.protocols[protocol.Name()] = protocol
		}
	}
}

// WithPeerstore persists known peers, failures and bans.
func WithPeerstore(store *Peerstore) Option {
	return func(n *Network) { n.peerstore = store }
}

// BootnodeSource supplies dial targets discovered at runtime, such as seeds
// published in DNS. It is consulted on every dial round.
type BootnodeSource interface {
	Bootnodes(ctx context.Context) []string
}

// WithBootnodeSource adds a runtime source of dial targets.
func WithBootnodeSource(src BootnodeSource) Option {
	return func(n *Network) { n.seeds = src }
}

// WithHandshaker replaces the default ECDH handshake.
func WithHandshaker(h Handshaker) Option {
	return func(n *Network) { n.handshaker = h }
}

// WithLogger sets the base logger.
func WithLogger(logger *slog.Logger) Option {
	return func(n *Network) {
		if logger != nil {
			n.logger = logger
		}
	}
}

func withDialer(fn dialFunc) Option {
	return func(n *Network) { n.dialFn = fn }
}

// Network implements p2p.Network over TCP.
type Network struct {
	cfg        Config
	key        *ecdsa.PrivateKey
	nodeID     string
	caps       []wire.Capability
	protocols  map[string]wire.SubProtocol
	handshaker Handshaker
	peerstore  *Peerstore
	seeds      BootnodeSource
	metrics    *networkMetrics
	logger     *slog.Logger
	dialFn     dialFunc
	now        func() time.Time

	mu         sync.RWMutex
	conns      map[string]*connection
	listener   net.Listener
	listenPort uint64
	stopped    bool
	wg         sync.WaitGroup

	subsMu      sync.RWMutex
	messageSubs map[wire.Capability]*subscribers.Subscribers[p2p.MessageCallback]
	connectSubs subscribers.Subscribers[p2p.ConnectCallback]
	discSubs    subscribers.Subscribers[p2p.DisconnectCallback]

	ready    chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
}

var _ p2p.Network = (*Network)(nil)

// New builds a transport announcing caps. Every capability needs a
// sub-protocol supplied through WithSubProtocols.
func New(cfg Config, key *ecdsa.PrivateKey, caps []wire.Capability, opts ...Option) (*Network, error) {
	if key == nil {
		return nil, errors.New("network: node key required")
	}
	cfg = cfg.withDefaults()
	n := &Network{
		cfg:         cfg,
		key:         key,
		nodeID:      NodeIDFromPubkey(&key.PublicKey),
		caps:        append([]wire.Capability(nil), caps...),
		protocols:   make(map[string]wire.SubProtocol),
		metrics:     newNetworkMetrics(),
		logger:      slog.Default(),
		now:         time.Now,
		conns:       make(map[string]*connection),
		messageSubs: make(map[wire.Capability]*subscribers.Subscribers[p2p.MessageCallback]),
		ready:       make(chan struct{}),
		stopCh:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(n)
	}
	for _, cap := range n.caps {
		if _, ok := n.protocols[cap.Name]; !ok {
			return nil, fmt.Errorf("%w: %s", p2p.ErrMissingSubProtocol, cap)
		}
	}
	wire.SortCapabilities(n.caps)
	if n.handshaker == nil {
		n.handshaker = NewECDHHandshaker(key)
	}
	if n.dialFn == nil {
		timeout := cfg.DialTimeout
		n.dialFn = func(ctx context.Context, addr string) (net.Conn, error) {
			d := &net.Dialer{Timeout: timeout}
			return d.DialContext(ctx, "tcp", addr)
		}
	}
	n.logger = n.logger.With(slog.String("component", "p2p_network"))
	return n, nil
}

// NodeID returns the hex encoded public key of the local node.
func (n *Network) NodeID() string {
	return n.nodeID
}

// Ready is closed once the listener is bound.
func (n *Network) Ready() <-chan struct{} {
	return n.ready
}

// ListenAddr returns the bound listener address, or "" before Run listens.
func (n *Network) ListenAddr() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.listener == nil {
		return ""
	}
	return n.listener.Addr().String()
}

// Enode returns the dialable address of the local node.
func (n *Network) Enode() string {
	return Node{ID: n.nodeID, Addr: n.ListenAddr()}.String()
}

// Run listens for inbound peers and dials bootnodes and known peers until
// Stop is called or ctx is cancelled.
func (n *Network) Run(ctx context.Context) error {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return nil
	}
	ln, err := net.Listen("tcp", n.cfg.ListenAddress)
	if err != nil {
		n.mu.Unlock()
		return fmt.Errorf("listen: %w", err)
	}
	if tcp, ok := ln.Addr().(*net.TCPAddr); ok {
		n.listenPort = uint64(tcp.Port)
	}
	n.listener = netutil.LimitListener(ln, n.cfg.MaxPeers)
	n.mu.Unlock()
	close(n.ready)

	n.logger.Info("P2P network listening",
		logging.MaskField("listen_address", ln.Addr().String()),
		logging.MaskField("node_id", n.nodeID),
		slog.String("client_id", n.cfg.ClientID),
		slog.Int("max_peers", n.cfg.MaxPeers))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-ctx.Done():
			n.Stop()
		case <-n.stopCh:
		}
	}()
	n.spawn(func() { n.dialLoop(ctx) })

	for {
		conn, err := n.listener.Accept()
		if err != nil {
			select {
			case <-n.stopCh:
				return ctx.Err()
			default:
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			n.Stop()
			return fmt.Errorf("accept: %w", err)
		}
		if !n.spawn(func() { n.serveInbound(ctx, conn) }) {
			_ = conn.Close()
		}
	}
}

// Stop closes the listener and disconnects every peer with CLIENT_QUITTING.
func (n *Network) Stop() {
	n.stopOnce.Do(func() {
		n.mu.Lock()
		n.stopped = true
		ln := n.listener
		conns := make([]*connection, 0, len(n.conns))
		for _, c := range n.conns {
			conns = append(conns, c)
		}
		n.mu.Unlock()
		close(n.stopCh)

		if ln != nil {
			_ = ln.Close()
		}
		for _, c := range conns {
			c.Disconnect(wire.DisconnectClientQuitting)
		}
		n.logger.Info("P2P network stopped", slog.Int("disconnected", len(conns)))
	})
}

// AwaitStop blocks until every connection goroutine has exited.
func (n *Network) AwaitStop(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// spawn runs fn on a tracked goroutine unless the network stopped.
func (n *Network) spawn(fn func()) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped {
		return false
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		fn()
	}()
	return true
}

func (n *Network) Subscribe(cap wire.Capability, cb p2p.MessageCallback) subscribers.Token {
	n.subsMu.Lock()
	subs := n.messageSubs[cap]
	if subs == nil {
		subs = subscribers.New[p2p.MessageCallback]()
		n.messageSubs[cap] = subs
	}
	n.subsMu.Unlock()
	return subs.Subscribe(cb)
}

func (n *Network) SubscribeConnect(cb p2p.ConnectCallback) subscribers.Token {
	return n.connectSubs.Subscribe(cb)
}

func (n *Network) SubscribeDisconnect(cb p2p.DisconnectCallback) subscribers.Token {
	return n.discSubs.Subscribe(cb)
}

func (n *Network) Unsubscribe(cap wire.Capability, token subscribers.Token) bool {
	n.subsMu.RLock()
	subs := n.messageSubs[cap]
	n.subsMu.RUnlock()
	return subs != nil && subs.Unsubscribe(token)
}

func (n *Network) UnsubscribeConnect(token subscribers.Token) bool {
	return n.connectSubs.Unsubscribe(token)
}

func (n *Network) UnsubscribeDisconnect(token subscribers.Token) bool {
	return n.discSubs.Unsubscribe(token)
}

// Peers returns the established sessions ordered by connection time.
func (n *Network) Peers() []p2p.PeerConnection {
	n.mu.RLock()
	conns := make([]*connection, 0, len(n.conns))
	for _, c := range n.conns {
		conns = append(conns, c)
	}
	n.mu.RUnlock()
	sort.Slice(conns, func(i, j int) bool { return conns[i].connected.Before(conns[j].connected) })
	out := make([]p2p.PeerConnection, 0, len(conns))
	for _, c := range conns {
		out = append(out, c)
	}
	return out
}

// PeerCount returns the number of established sessions.
func (n *Network) PeerCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.conns)
}

// Connect dials the node and establishes a session. An existing session with
// the node is returned as is.
func (n *Network) Connect(ctx context.Context, enode string) (p2p.PeerConnection, error) {
	node, err := ParseEnode(enode)
	if err != nil {
		return nil, err
	}
	if node.ID == n.nodeID {
		return nil, &DisconnectError{Reason: wire.DisconnectLocalIdentity}
	}
	n.mu.RLock()
	existing, stopped := n.conns[node.ID], n.stopped
	n.mu.RUnlock()
	if stopped {
		return nil, ErrNetworkStopped
	}
	if existing != nil {
		return existing, nil
	}
	if n.isBanned(node.ID) {
		return nil, fmt.Errorf("%w: %s", ErrPeerBanned, node.ID)
	}

	dialCtx, cancel := context.WithTimeout(ctx, n.cfg.DialTimeout)
	defer cancel()
	raw, err := n.dialFn(dialCtx, node.Addr)
	if err != nil {
		n.recordFailure(node.ID, node.Addr)
		return nil, fmt.Errorf("dial %s: %w", node.Addr, err)
	}
	c, err := n.setupConnection(ctx, raw, false, node)
	if err != nil {
		n.recordFailure(node.ID, node.Addr)
		return nil, err
	}
	return c, nil
}

func (n *Network) serveInbound(ctx context.Context, raw net.Conn) {
	if _, err := n.setupConnection(ctx, raw, true, Node{}); err != nil {
		n.logger.Debug("Inbound connection rejected",
			logging.MaskField("peer_address", raw.RemoteAddr().String()),
			slog.Any("error", err))
	}
}

// setupConnection runs the handshake and Hello exchange, registers the
// session and starts its loops. raw is closed on failure.
func (n *Network) setupConnection(ctx context.Context, raw net.Conn, inbound bool, dialed Node) (c *connection, err error) {
	defer func() {
		result := "success"
		if err != nil {
			result = "failure"
			_ = raw.Close()
		}
		n.metrics.recordHandshake(result)
	}()

	hctx, cancel := context.WithTimeout(ctx, n.cfg.HandshakeTimeout)
	defer cancel()
	session, err := n.handshaker.Handshake(hctx, raw, !inbound, dialed.Pubkey)
	if err != nil {
		return nil, err
	}
	remoteID := NodeIDFromPubkey(session.RemoteKey)
	if n.isBanned(remoteID) {
		return nil, fmt.Errorf("%w: %s", ErrPeerBanned, remoteID)
	}
	framer, err := rlpx.NewFramer(session.Secrets)
	if err != nil {
		return nil, err
	}

	deadline, _ := hctx.Deadline()
	hello, err := n.exchangeHello(raw, framer, deadline)
	if err != nil {
		return nil, err
	}
	if !sameNode(hello.NodeID, session.RemoteKey) {
		return nil, n.reject(raw, framer, wire.DisconnectUnexpectedID)
	}
	if hello.Version >= wire.SnappyProtocolVersion && n.localVersion() >= wire.SnappyProtocolVersion {
		framer.EnableCompression()
	}
	mux := wire.NegotiateCapabilities(n.caps, hello.Caps, n.protocols)
	if mux.Empty() {
		return nil, n.reject(raw, framer, wire.DisconnectUselessPeer)
	}

	id := uuid.NewString()
	c = &connection{
		id:         id,
		nodeID:     remoteID,
		pubkey:     session.RemoteKey,
		clientID:   hello.ClientID,
		listenPort: hello.ListenPort,
		remoteAddr: raw.RemoteAddr().String(),
		inbound:    inbound,
		connected:  n.now(),
		conn:       raw,
		framer:     framer,
		mux:        mux,
		limiter:    rate.NewLimiter(rate.Limit(n.cfg.MaxMessagesPerSecond), n.cfg.MessageBurst),
		network:    n,
		logger:     newConnectionLogger(n.logger, id, remoteID, raw.RemoteAddr().String()),
		closed:     make(chan struct{}),
	}
	c.touch()

	if reason, ok := n.register(c); !ok {
		return nil, n.reject(raw, framer, reason)
	}
	n.recordSuccess(c, dialed.Addr)
	c.logger.Info("Peer connected",
		slog.String("client_id", c.clientID),
		slog.Bool("inbound", inbound),
		slog.Any("capabilities", capabilityStrings(mux.Agreed())))

	n.connectSubs.ForEach(func(cb p2p.ConnectCallback) { cb(c) })
	if !n.spawn(c.readLoop) || !n.spawn(c.pingLoop) {
		c.Disconnect(wire.DisconnectClientQuitting)
	}
	return c, nil
}

func (n *Network) localVersion() uint64 {
	if n.cfg.Compression {
		return wire.BaseProtocolVersion
	}
	return wire.SnappyProtocolVersion - 1
}

func (n *Network) localHello() *wire.Hello {
	n.mu.RLock()
	port := n.listenPort
	n.mu.RUnlock()
	return &wire.Hello{
		Version:    n.localVersion(),
		ClientID:   n.cfg.ClientID,
		Caps:       n.caps,
		ListenPort: port,
		NodeID:     marshalPubkey(&n.key.PublicKey),
	}
}

// exchangeHello sends the local Hello and waits for the remote one. A
// Disconnect in its place ends the setup with the peer's reason.
func (n *Network) exchangeHello(raw net.Conn, framer *rlpx.Framer, deadline time.Time) (*wire.Hello, error) {
	helloMsg, err := n.localHello().Message()
	if err != nil {
		return nil, err
	}
	frame, err := framer.Frame(helloMsg)
	if err != nil {
		return nil, err
	}
	if !deadline.IsZero() {
		if err := raw.SetDeadline(deadline); err != nil {
			return nil, err
		}
		defer raw.SetDeadline(time.Time{})
	}
	if _, err := raw.Write(frame); err != nil {
		return nil, fmt.Errorf("write hello: %w", err)
	}

	msg, err := readMessage(raw, framer)
	if err != nil {
		return nil, fmt.Errorf("read hello: %w", err)
	}
	switch msg.Code {
	case wire.HelloMsg:
	case wire.DisconnectMsg:
		return nil, &DisconnectError{Reason: wire.DecodeDisconnectReason(msg.Payload), Remote: true}
	default:
		return nil, n.reject(raw, framer, wire.DisconnectBreachOfProtocol)
	}
	hello, err := wire.DecodeHello(*msg)
	if errors.Is(err, wire.ErrNullNodeID) {
		return nil, n.reject(raw, framer, wire.DisconnectNullNodeID)
	}
	if err != nil {
		return nil, n.reject(raw, framer, wire.DisconnectBreachOfProtocol)
	}
	return hello, nil
}

// reject tells the peer why the session is refused. The caller closes raw.
func (n *Network) reject(raw net.Conn, framer *rlpx.Framer, reason wire.DisconnectReason) error {
	if frame, err := framer.Frame(wire.NewDisconnectMessage(reason)); err == nil {
		_ = raw.SetWriteDeadline(n.now().Add(n.cfg.WriteTimeout))
		_, _ = raw.Write(frame)
	}
	n.metrics.recordDisconnect(reason, false)
	return &DisconnectError{Reason: reason}
}

// register admits c unless it duplicates a session, is the local node or
// exceeds the peer limit.
func (n *Network) register(c *connection) (wire.DisconnectReason, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	switch {
	case n.stopped:
		return wire.DisconnectClientQuitting, false
	case c.nodeID == n.nodeID:
		return wire.DisconnectLocalIdentity, false
	case n.conns[c.nodeID] != nil:
		return wire.DisconnectAlreadyConnected, false
	case len(n.conns) >= n.cfg.MaxPeers:
		return wire.DisconnectTooManyPeers, false
	}
	n.conns[c.nodeID] = c
	c.registered.Store(true)
	n.metrics.setPeers(len(n.conns))
	return 0, true
}

func (n *Network) removeConnection(c *connection, reason wire.DisconnectReason, initiatedByPeer bool) {
	n.mu.Lock()
	removed := false
	if current, ok := n.conns[c.nodeID]; ok && current == c {
		delete(n.conns, c.nodeID)
		removed = true
	}
	count := len(n.conns)
	n.mu.Unlock()

	n.metrics.setPeers(count)
	n.metrics.recordDisconnect(reason, initiatedByPeer)
	if reason == wire.DisconnectBreachOfProtocol && !initiatedByPeer {
		n.ban(c)
	}
	c.logger.Info("Peer disconnected",
		slog.String("reason", reason.String()),
		slog.Bool("initiated_by_peer", initiatedByPeer))

	if removed && c.registered.Load() {
		n.discSubs.ForEach(func(cb p2p.DisconnectCallback) { cb(c, reason, initiatedByPeer) })
	}
}

// dispatch hands a demultiplexed message to the capability's subscribers.
func (n *Network) dispatch(cap wire.Capability, msg p2p.Message) {
	n.subsMu.RLock()
	subs := n.messageSubs[cap]
	n.subsMu.RUnlock()
	if subs == nil || subs.Len() == 0 {
		n.logger.Debug("Dropping message for capability without handler",
			slog.String("capability", cap.String()),
			slog.Uint64("code", msg.Data.Code))
		n.metrics.recordDropped(cap)
		return
	}
	subs.ForEach(func(cb p2p.MessageCallback) { cb(cap, msg) })
}

func (n *Network) dialLoop(ctx context.Context) {
	n.dialCandidates(ctx)
	ticker := time.NewTicker(n.cfg.RedialInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-n.stopCh:
			return
		case <-ticker.C:
			n.dialCandidates(ctx)
		}
	}
}

// dialCandidates dials bootnodes and known peers that are not connected and
// not in backoff, while there is room for more peers.
func (n *Network) dialCandidates(ctx context.Context) {
	now := n.now()
	free := n.cfg.MaxPeers - n.PeerCount()
	if free <= 0 {
		return
	}
	targets := append([]string(nil), n.cfg.Bootnodes...)
	if n.seeds != nil {
		targets = append(targets, n.seeds.Bootnodes(ctx)...)
	}
	if n.peerstore != nil {
		for _, entry := range n.peerstore.Candidates(now, free) {
			targets = append(targets, entry.Enode())
		}
	}
	for _, target := range uniqueStrings(targets) {
		node, err := ParseEnode(target)
		if err != nil {
			n.logger.Warn("Ignoring invalid peer address", logging.MaskField("enode", target), slog.Any("error", err))
			continue
		}
		if n.isConnected(node.ID) || node.ID == n.nodeID {
			continue
		}
		if n.peerstore != nil && n.peerstore.NextDialAt(node.Addr, now).After(now) {
			continue
		}
		n.spawn(func() {
			if _, err := n.Connect(ctx, target); err != nil {
				n.logger.Debug("Dial failed",
					logging.MaskField("peer_address", node.Addr),
					slog.Any("error", err))
			}
		})
	}
}

func (n *Network) isConnected(nodeID string) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.conns[nodeID] != nil
}

func (n *Network) isBanned(nodeID string) bool {
	return n.peerstore != nil && n.peerstore.IsBanned(nodeID, n.now())
}

func (n *Network) ban(c *connection) {
	if n.peerstore == nil {
		return
	}
	until := n.now().Add(n.cfg.BanDuration)
	if err := n.peerstore.Ban(c.nodeID, c.dialAddr(""), until); err != nil {
		c.logger.Warn("Failed to persist peer ban", slog.Any("error", err))
		return
	}
	c.logger.Warn("Peer banned", slog.Time("until", until))
}

func (n *Network) recordSuccess(c *connection, dialAddr string) {
	if n.peerstore == nil {
		return
	}
	entry := PeerstoreEntry{NodeID: c.nodeID, Addr: c.dialAddr(dialAddr)}
	if err := n.peerstore.Put(entry); err != nil {
		c.logger.Warn("Failed to persist peer entry", slog.Any("error", err))
		return
	}
	if _, err := n.peerstore.RecordSuccess(c.nodeID, n.now()); err != nil {
		c.logger.Warn("Failed to record peer success", slog.Any("error", err))
	}
}

func (n *Network) recordFailure(nodeID, addr string) {
	if n.peerstore == nil {
		return
	}
	if _, ok := n.peerstore.ByNodeID(nodeID); !ok {
		if err := n.peerstore.Put(PeerstoreEntry{NodeID: nodeID, Addr: addr}); err != nil {
			return
		}
	}
	_, _ = n.peerstore.RecordFail(nodeID, n.now())
}

// dialAddr is the address other nodes can reach the peer at: the dialled
// address for outbound sessions, else the remote host with its Hello port.
func (c *connection) dialAddr(dialed string) string {
	if dialed != "" {
		return dialed
	}
	if c.inbound && c.listenPort == 0 {
		return ""
	}
	host, port, err := net.SplitHostPort(c.remoteAddr)
	if err != nil {
		return ""
	}
	if c.inbound {
		port = strconv.FormatUint(c.listenPort, 10)
	}
	return net.JoinHostPort(host, port)
}

func sameNode(helloID []byte, pub *ecdsa.PublicKey) bool {
	remote, err := unmarshalPubkey(helloID)
	return err == nil && remote.Equal(pub)
}

// readMessage blocks until the codec yields one message.
func readMessage(raw net.Conn, framer *rlpx.Framer) (*wire.Message, error) {
	if msg, err := framer.Deframe(nil); msg != nil || err != nil {
		return msg, err
	}
	buf := make([]byte, 4096)
	for {
		n, err := raw.Read(buf)
		if n > 0 {
			msg, derr := framer.Deframe(buf[:n])
			if derr != nil {
				return nil, derr
			}
			if msg != nil {
				return msg, nil
			}
		}
		if err != nil {
			return nil, err
		}
	}
}

func capabilityStrings(caps []wire.Capability) []string {
	out := make([]string, 0, len(caps))
	for _, cap := range caps {
		out = append(out, cap.String())
	}
	return out
}
