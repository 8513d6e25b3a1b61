package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rlpxnet/admin"
	"rlpxnet/config"
	"rlpxnet/eth"
	"rlpxnet/observability/logging"
	telemetry "rlpxnet/observability/otel"
	"rlpxnet/p2p"
	"rlpxnet/p2p/network"
	"rlpxnet/p2p/seeds"
	"rlpxnet/p2p/wire"
)

const (
	shutdownTimeout = 3 * time.Minute
	probeTimeout    = 20 * time.Second
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	logLevel := flag.String("log-level", "info", "Log level: debug, info, warn or error")
	flag.Parse()

	if err := run(*configFile, *logLevel); err != nil {
		fmt.Fprintf(os.Stderr, "rlpxd: %v\n", err)
		os.Exit(1)
	}
}

func run(configFile, logLevel string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, logCloser := logging.Setup(logging.Options{
		Service:     "rlpxd",
		Environment: cfg.Environment,
		File:        cfg.LogFile,
		Level:       logging.ParseLevel(logLevel),
	})
	defer logCloser.Close()

	key, err := network.LoadOrCreateNodeKey(cfg.NodeKeyFile)
	if err != nil {
		return fmt.Errorf("load node key: %w", err)
	}
	nodeID := network.NodeIDFromPubkey(&key.PublicKey)

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "rlpxd",
		Environment: cfg.Environment,
		NodeID:      nodeID,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
	})
	if err != nil {
		return fmt.Errorf("initialise telemetry: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(ctx); err != nil {
			logger.Warn("Telemetry shutdown failed", slog.Any("error", err))
		}
	}()

	peerstore, err := network.NewPeerstore(cfg.PeerstorePath(), 0, 0)
	if err != nil {
		return fmt.Errorf("open peerstore: %w", err)
	}
	defer peerstore.Close()

	manager, err := eth.NewManager(eth.ManagerConfig{
		NetworkID: cfg.NetworkID,
		Chain:     newGenesisChain(cfg),
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("build eth manager: %w", err)
	}
	manager.Peers().SubscribeConnect(func(peer *eth.EthPeer) {
		go probeHead(manager.Peers(), peer, logger)
	})

	opts := []network.Option{
		network.WithSubProtocols(eth.Protocol{}),
		network.WithPeerstore(peerstore),
		network.WithLogger(logger),
	}
	if len(cfg.P2P.DNSSeeds) > 0 {
		src, err := seeds.NewSource(cfg.P2P.DNSSeeds, seedResolver(cfg), cfg.SeedRefresh(), logger)
		if err != nil {
			return fmt.Errorf("build seed source: %w", err)
		}
		opts = append(opts, network.WithBootnodeSource(src))
	}

	var transport *network.Network
	runner, err := p2p.NewRunner(p2p.RunnerConfig{
		Network: func(caps []wire.Capability) (p2p.Network, error) {
			n, err := network.New(cfg.Network(), key, caps, opts...)
			if err != nil {
				return nil, err
			}
			transport = n
			return n, nil
		},
		ProtocolManagers: []p2p.ProtocolManager{manager},
		SubProtocols:     []wire.SubProtocol{eth.Protocol{}},
		Logger:           logger,
	})
	if err != nil {
		return fmt.Errorf("build runner: %w", err)
	}

	adminServer, err := admin.New(admin.Config{
		Network:  transport,
		EthPeers: manager.Peers(),
		Enode:    transport.Enode,
		Auth:     cfg.AdminAuth(),
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("build admin server: %w", err)
	}
	adminListener, err := net.Listen("tcp", cfg.AdminAddress)
	if err != nil {
		return fmt.Errorf("listen admin: %w", err)
	}
	adminDone := make(chan error, 1)
	go func() { adminDone <- adminServer.Serve(adminListener) }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner.Start()
	logger.Info("Node started",
		logging.MaskField("node_id", nodeID),
		slog.String("listen_address", cfg.ListenAddress),
		slog.Uint64("network_id", cfg.NetworkID))

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-adminDone:
		if err != nil {
			logger.Error("Admin server failed", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	var errs []error
	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown admin: %w", err))
	}
	if err := runner.Stop(); err != nil {
		errs = append(errs, err)
	}
	if err := runner.AwaitStop(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("await runner: %w", err))
	}
	logger.Info("Node stopped")
	return errors.Join(errs...)
}

func seedResolver(cfg *config.Config) seeds.Resolver {
	if cfg.P2P.DNSServer != "" {
		return seeds.NewDNSResolver(cfg.P2P.DNSServer, cfg.Network().DialTimeout)
	}
	return seeds.SystemResolver()
}

// probeHead asks a freshly connected peer for the header of the head it
// announced in Status.
func probeHead(peers *eth.EthPeers, peer *eth.EthPeer, logger *slog.Logger) {
	best := peer.ChainState().BestBlock()
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()
	res, err := eth.NewGetHeadersByHashTask(peers, best.Hash, 1, 0, false).
		AssignPeer(peer).
		Run(ctx)
	if err != nil {
		logger.Debug("Head probe failed", slog.String("peer", peer.String()), slog.Any("error", err))
		return
	}
	logger.Info("Peer head confirmed",
		slog.String("peer", peer.String()),
		slog.Int("headers", len(res.Result)),
		slog.String("td", best.TotalDifficulty.Dec()))
}
