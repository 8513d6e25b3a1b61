package eth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"rlpxnet/p2p"
	"rlpxnet/p2p/wire"
)

// maxHeadersServe caps the headers returned for one GetBlockHeaders.
const maxHeadersServe = 192

// Chain supplies the local head advertised in Status.
type Chain interface {
	Genesis() common.Hash
	Head() (hash common.Hash, number uint64, td *uint256.Int)
}

// HeaderSource answers header queries from peers.
type HeaderSource interface {
	BlockHeaders(query *GetBlockHeaders) ([]rlp.RawValue, error)
}

// ManagerConfig configures the eth protocol manager.
type ManagerConfig struct {
	NetworkID uint64
	Chain     Chain
	// Headers is optional; without it header queries get empty answers.
	Headers      HeaderSource
	Capabilities []wire.Capability
	Logger       *slog.Logger
}

// Manager runs the eth protocol for every connection that agreed on it.
type Manager struct {
	networkID uint64
	chain     Chain
	headers   HeaderSource
	caps      []wire.Capability
	peers     *EthPeers
	logger    *slog.Logger
	metrics   *ethMetrics

	mu       sync.Mutex
	stopped  bool
	inflight sync.WaitGroup
	done     chan struct{}
}

var _ p2p.ProtocolManager = (*Manager)(nil)

// NewManager validates cfg and returns a manager announcing eth/62 and eth/63
// unless other capabilities are configured.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Chain == nil {
		return nil, errors.New("eth: chain required")
	}
	caps := cfg.Capabilities
	if len(caps) == 0 {
		caps = []wire.Capability{Eth62, Eth63}
	}
	for _, cap := range caps {
		if cap.Name != ProtocolName || (Protocol{}).MessageSpace(cap.Version) == 0 {
			return nil, fmt.Errorf("eth: unsupported capability %s", cap)
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		networkID: cfg.NetworkID,
		chain:     cfg.Chain,
		headers:   cfg.Headers,
		caps:      append([]wire.Capability(nil), caps...),
		peers:     NewEthPeers(logger),
		logger:    logger.With(slog.String("component", "eth_manager")),
		metrics:   newEthMetrics(),
		done:      make(chan struct{}),
	}, nil
}

// Peers returns the registry of eth peers.
func (m *Manager) Peers() *EthPeers {
	return m.peers
}

func (m *Manager) SupportedCapabilities() []wire.Capability {
	return append([]wire.Capability(nil), m.caps...)
}

// HandleNewConnection registers the peer and sends the local Status.
func (m *Manager) HandleNewConnection(conn p2p.PeerConnection) {
	if !m.begin() {
		return
	}
	defer m.inflight.Done()

	peer := m.peers.RegisterConnection(conn)
	status := m.localStatus(peer.Capability())
	if err := peer.Send(StatusMsg, status); err != nil {
		peer.logger.Debug("Failed to send status", slog.Any("error", err))
	}
}

func (m *Manager) HandleDisconnect(conn p2p.PeerConnection, reason wire.DisconnectReason, initiatedByPeer bool) {
	m.peers.RegisterDisconnect(conn)
	m.logger.Debug("Eth peer disconnected",
		slog.String("reason", reason.String()),
		slog.Bool("initiated_by_peer", initiatedByPeer),
		slog.Int("peers", m.peers.PeerCount()))
}

// ProcessMessage handles one message of an agreed eth capability. Protocol
// violations disconnect the peer.
func (m *Manager) ProcessMessage(cap wire.Capability, msg p2p.Message) {
	if !m.begin() {
		return
	}
	defer m.inflight.Done()

	peer := m.peers.Peer(msg.Connection)
	if peer == nil {
		m.logger.Debug("Message from unregistered connection", slog.Uint64("code", msg.Data.Code))
		return
	}
	if err := m.handle(peer, msg.Data); err != nil {
		reason := wire.DisconnectBreachOfProtocol
		if errors.Is(err, errStatusMismatch) {
			reason = wire.DisconnectSubprotocolTriggered
		}
		peer.logger.Warn("Disconnecting eth peer",
			slog.String("capability", cap.String()),
			slog.Uint64("code", msg.Data.Code),
			slog.String("reason", reason.String()),
			slog.Any("error", err))
		peer.Disconnect(reason)
	}
}

func (m *Manager) handle(peer *EthPeer, msg wire.Message) error {
	if !peer.ready.Load() {
		if msg.Code != StatusMsg {
			return errNoStatus
		}
		return m.handleStatus(peer, msg)
	}

	switch msg.Code {
	case StatusMsg:
		return errExtraStatus

	case NewBlockHashesMsg:
		var announces NewBlockHashes
		if err := decode(msg.Payload, &announces); err != nil {
			return err
		}
		for _, announce := range announces {
			peer.chainState.UpdateForAnnouncedBlock(announce.Hash, announce.Number)
		}

	case NewBlockMsg:
		var block NewBlock
		if err := decode(msg.Payload, &block); err != nil {
			return err
		}
		peer.chainState.UpdateTotalDifficulty(block.TD)

	case TransactionsMsg:
		// Transaction propagation is handled outside the transport.

	case GetBlockHeadersMsg:
		var query GetBlockHeaders
		if err := decode(msg.Payload, &query); err != nil {
			return err
		}
		return peer.Send(BlockHeadersMsg, m.serveHeaders(&query))

	case GetBlockBodiesMsg, GetNodeDataMsg, GetReceiptsMsg:
		var hashes []common.Hash
		if err := decode(msg.Payload, &hashes); err != nil {
			return err
		}
		code, _ := responseCode(msg.Code)
		return peer.Send(code, []rlp.RawValue{})

	case BlockHeadersMsg, BlockBodiesMsg, NodeDataMsg, ReceiptsMsg:
		if !peer.deliver(msg.Code, msg.Payload) {
			peer.logger.Debug("Dropping unsolicited response", slog.Uint64("code", msg.Code))
		}
	}
	return nil
}

func (m *Manager) handleStatus(peer *EthPeer, msg wire.Message) error {
	var status Status
	if err := decode(msg.Payload, &status); err != nil {
		m.metrics.recordStatus("invalid")
		return err
	}
	if err := m.validateStatus(peer, &status); err != nil {
		m.metrics.recordStatus("mismatch")
		return err
	}
	m.metrics.recordStatus("success")
	peer.chainState.StatusReceived(status.BestHash, status.TD)
	peer.markReady()
	peer.logger.Info("Eth peer ready",
		slog.String("capability", peer.Capability().String()),
		slog.String("td", peer.chainState.TotalDifficulty().Dec()))
	return nil
}

func (m *Manager) validateStatus(peer *EthPeer, status *Status) error {
	if status.NetworkID != m.networkID {
		return fmt.Errorf("%w: network id %d, want %d", errStatusMismatch, status.NetworkID, m.networkID)
	}
	if genesis := m.chain.Genesis(); status.GenesisHash != genesis {
		return fmt.Errorf("%w: genesis %x, want %x", errStatusMismatch, status.GenesisHash[:8], genesis[:8])
	}
	if uint(status.ProtocolVersion) != peer.Capability().Version {
		return fmt.Errorf("%w: protocol version %d, negotiated %d",
			errStatusMismatch, status.ProtocolVersion, peer.Capability().Version)
	}
	return nil
}

func (m *Manager) localStatus(cap wire.Capability) *Status {
	hash, _, td := m.chain.Head()
	return &Status{
		ProtocolVersion: uint32(cap.Version),
		NetworkID:       m.networkID,
		TD:              cloneTD(td),
		BestHash:        hash,
		GenesisHash:     m.chain.Genesis(),
	}
}

func (m *Manager) serveHeaders(query *GetBlockHeaders) BlockHeaders {
	if m.headers == nil {
		return BlockHeaders{}
	}
	if query.Amount > maxHeadersServe {
		query.Amount = maxHeadersServe
	}
	headers, err := m.headers.BlockHeaders(query)
	if err != nil {
		m.logger.Debug("Header query failed", slog.Any("error", err))
		return BlockHeaders{}
	}
	if uint64(len(headers)) > query.Amount {
		headers = headers[:query.Amount]
	}
	return headers
}

// begin admits a handler call unless the manager stopped.
func (m *Manager) begin() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return false
	}
	m.inflight.Add(1)
	return true
}

// Stop rejects further messages and connections.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	m.stopped = true
	go func() {
		m.inflight.Wait()
		close(m.done)
	}()
}

// AwaitStop blocks until Stop was called and in-flight handler calls
// returned.
func (m *Manager) AwaitStop(ctx context.Context) error {
	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
