// Package admin serves the node's operator HTTP endpoints: health, metrics
// and the peer table.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"rlpxnet/eth"
	"rlpxnet/p2p"
	"rlpxnet/p2p/network"
	"rlpxnet/p2p/wire"
)

const connectTimeout = 15 * time.Second

// Config wires the admin server to the running node.
type Config struct {
	Network p2p.Network
	// EthPeers is optional; when set peer entries carry eth chain state.
	EthPeers *eth.EthPeers
	// Enode reports the local node URL.
	Enode func() string
	// Gatherer defaults to the prometheus default registry.
	Gatherer prometheus.Gatherer
	// Auth guards the routes that dial or drop peers.
	Auth   AuthConfig
	Logger *slog.Logger
}

// Server is the admin HTTP endpoint.
type Server struct {
	cfg    Config
	logger *slog.Logger
	auth   *authenticator
	http   *http.Server
}

// New builds the admin server.
func New(cfg Config) (*Server, error) {
	if cfg.Network == nil {
		return nil, errors.New("admin: network required")
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{cfg: cfg, logger: logger.With(slog.String("component", "admin"))}
	s.auth = newAuthenticator(cfg.Auth, s.logger)
	s.http = &http.Server{
		Handler:           otelhttp.NewHandler(s.Routes(), "admin"),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

// Routes returns the router without the tracing wrapper.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}))
	r.Get("/node", s.handleNode)
	r.Route("/peers", func(sr chi.Router) {
		sr.Get("/", s.handlePeers)
		sr.With(s.auth.middleware(ScopePeersWrite)).Post("/", s.handleConnect)
		sr.With(s.auth.middleware(ScopePeersWrite)).Delete("/{id}", s.handleDisconnect)
	})
	return r
}

// Serve accepts admin requests on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("Admin server listening",
		slog.String("address", ln.Addr().String()),
		slog.Bool("auth", s.auth.enabled()))
	if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for active ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

type nodeView struct {
	Enode        string `json:"enode,omitempty"`
	Peers        int    `json:"peers"`
	EthPeers     int    `json:"ethPeers"`
	EthAvailable int    `json:"ethAvailable"`
}

type ethView struct {
	Version     uint   `json:"version"`
	Ready       bool   `json:"ready"`
	Height      uint64 `json:"height"`
	BestHash    string `json:"bestHash"`
	TD          string `json:"totalDifficulty"`
	Outstanding int    `json:"outstandingRequests"`
}

type peerView struct {
	ID           string   `json:"id"`
	NodeID       string   `json:"nodeId"`
	ClientID     string   `json:"clientId"`
	RemoteAddr   string   `json:"remoteAddr"`
	Inbound      bool     `json:"inbound"`
	Capabilities []string `json:"capabilities"`
	Eth          *ethView `json:"eth,omitempty"`
}

type connectRequest struct {
	Enode string `json:"enode"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleNode(w http.ResponseWriter, _ *http.Request) {
	view := nodeView{Peers: len(s.cfg.Network.Peers())}
	if s.cfg.Enode != nil {
		view.Enode = s.cfg.Enode()
	}
	if s.cfg.EthPeers != nil {
		view.EthPeers = s.cfg.EthPeers.PeerCount()
		view.EthAvailable = s.cfg.EthPeers.AvailablePeerCount()
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handlePeers(w http.ResponseWriter, _ *http.Request) {
	conns := s.cfg.Network.Peers()
	views := make([]peerView, 0, len(conns))
	for _, conn := range conns {
		views = append(views, s.peerView(conn))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if _, err := network.ParseEnode(req.Enode); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), connectTimeout)
	defer cancel()
	conn, err := s.cfg.Network.Connect(ctx, req.Enode)
	if err != nil {
		status := http.StatusBadGateway
		switch {
		case errors.Is(err, network.ErrPeerBanned):
			status = http.StatusForbidden
		case errors.Is(err, network.ErrNetworkStopped):
			status = http.StatusServiceUnavailable
		}
		s.logger.Debug("Admin connect failed", slog.Any("error", err))
		writeJSON(w, status, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, s.peerView(conn))
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	for _, conn := range s.cfg.Network.Peers() {
		if conn.ID() == id || conn.NodeID() == id {
			conn.Disconnect(wire.DisconnectRequested)
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}
	writeJSON(w, http.StatusNotFound, errorResponse{Error: "peer not found"})
}

func (s *Server) peerView(conn p2p.PeerConnection) peerView {
	agreed := conn.AgreedCapabilities()
	caps := make([]string, 0, len(agreed))
	for _, cap := range agreed {
		caps = append(caps, cap.String())
	}
	view := peerView{
		ID:           conn.ID(),
		NodeID:       conn.NodeID(),
		ClientID:     conn.ClientID(),
		RemoteAddr:   conn.RemoteAddr(),
		Inbound:      conn.Inbound(),
		Capabilities: caps,
	}
	if s.cfg.EthPeers == nil {
		return view
	}
	if peer := s.cfg.EthPeers.Peer(conn); peer != nil {
		best := peer.ChainState().BestBlock()
		view.Eth = &ethView{
			Version:     peer.Capability().Version,
			Ready:       peer.ReadyForRequests(),
			Height:      peer.ChainState().EstimatedHeight(),
			BestHash:    best.Hash.Hex(),
			TD:          best.TotalDifficulty.Dec(),
			Outstanding: peer.OutstandingRequests(),
		}
	}
	return view
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
