package p2p

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"rlpxnet/observability/logging"
	"rlpxnet/p2p/wire"
)

const defaultStopTimeout = 2 * time.Minute

type runnerState int

const (
	stateCreated runnerState = iota
	stateStarted
	stateStopped
)

// RunnerConfig wires a Runner to its transport and protocol handlers.
type RunnerConfig struct {
	Network          NetworkProvider
	ProtocolManagers []ProtocolManager
	SubProtocols     []wire.SubProtocol
	Logger           *slog.Logger
	// StopTimeout bounds each wait for the network worker in AwaitStop.
	StopTimeout time.Duration
}

// Runner owns the network worker and routes messages and connection events
// to the protocol managers.
type Runner struct {
	network   Network
	managers  []ProtocolManager
	protocols map[string]wire.SubProtocol

	logger      *slog.Logger
	tracer      trace.Tracer
	metrics     *runnerMetrics
	stopTimeout time.Duration

	mu         sync.Mutex
	state      runnerState
	cancel     context.CancelFunc
	release    []func() bool
	stopped    chan struct{}
	workerDone chan struct{}
}

// NewRunner validates that every announced capability has a sub-protocol
// and builds the network for the union of the managers' capabilities.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.Network == nil {
		return nil, errors.New("p2p: network provider required")
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = defaultStopTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "p2p_runner"))

	protocols := make(map[string]wire.SubProtocol, len(cfg.SubProtocols))
	for _, protocol := range cfg.SubProtocols {
		protocols[protocol.Name()] = protocol
	}

	var caps []wire.Capability
	for _, manager := range cfg.ProtocolManagers {
		for _, cap := range manager.SupportedCapabilities() {
			if _, ok := protocols[cap.Name]; !ok {
				return nil, fmt.Errorf("%w: %s", ErrMissingSubProtocol, cap)
			}
			if !wire.ContainsCapability(caps, cap) {
				caps = append(caps, cap)
			}
		}
	}
	wire.SortCapabilities(caps)

	network, err := cfg.Network(caps)
	if err != nil {
		return nil, fmt.Errorf("build network: %w", err)
	}

	return &Runner{
		network:     network,
		managers:    append([]ProtocolManager(nil), cfg.ProtocolManagers...),
		protocols:   protocols,
		logger:      logger,
		tracer:      otel.Tracer(meterName),
		metrics:     newRunnerMetrics(),
		stopTimeout: cfg.StopTimeout,
		stopped:     make(chan struct{}),
		workerDone:  make(chan struct{}),
	}, nil
}

// Network returns the transport the runner drives.
func (r *Runner) Network() Network {
	return r.network
}

// Start subscribes the managers and launches the network worker. Calling it
// again has no effect.
func (r *Runner) Start() {
	r.mu.Lock()
	if r.state != stateCreated {
		r.mu.Unlock()
		r.logger.Error("Attempted to start an already started network runner")
		return
	}
	r.state = stateStarted
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.mu.Unlock()

	r.logger.Info("Starting network runner")
	r.setupHandlers()
	go r.work(ctx)
}

// Stop shuts the network and every manager down. Only the first call acts.
func (r *Runner) Stop() error {
	r.mu.Lock()
	prev := r.state
	if prev == stateStopped {
		r.mu.Unlock()
		r.logger.Error("Attempted to stop an already stopped network runner")
		return ErrRunnerStopped
	}
	r.state = stateStopped
	if prev == stateCreated {
		close(r.workerDone)
	}
	release := r.release
	r.release = nil
	r.mu.Unlock()

	r.logger.Info("Stopping network runner")
	// Managers stop receiving events before they are torn down.
	for _, unsubscribe := range release {
		unsubscribe()
	}
	r.network.Stop()
	for _, manager := range r.managers {
		manager.Stop()
	}
	close(r.stopped)
	return nil
}

// AwaitStop blocks until Stop was called and everything quiesced. A worker
// that outlives the stop timeout is cancelled and awaited once more.
func (r *Runner) AwaitStop(ctx context.Context) error {
	select {
	case <-r.stopped:
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := r.network.AwaitStop(ctx); err != nil {
		return fmt.Errorf("await network: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, manager := range r.managers {
		manager := manager
		g.Go(func() error { return manager.AwaitStop(gctx) })
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("await protocol managers: %w", err)
	}

	if r.waitWorker(ctx) {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	r.logger.Error("Network worker did not shut down cleanly, forcing shutdown",
		slog.Duration("timeout", r.stopTimeout))
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if r.waitWorker(ctx) {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	r.logger.Error("Network worker still running after forced shutdown")
	return ErrShutdownTimeout
}

func (r *Runner) waitWorker(ctx context.Context) bool {
	timer := time.NewTimer(r.stopTimeout)
	defer timer.Stop()
	select {
	case <-r.workerDone:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

func (r *Runner) work(ctx context.Context) {
	defer close(r.workerDone)
	if err := r.network.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		r.logger.Error("Network worker exited", slog.Any("error", err))
	}
}

func (r *Runner) setupHandlers() {
	var release []func() bool
	for _, manager := range r.managers {
		manager := manager
		supported := manager.SupportedCapabilities()
		for _, cap := range supported {
			cap := cap
			protocol := r.protocols[cap.Name]
			token := r.network.Subscribe(cap, func(cap wire.Capability, msg Message) {
				r.dispatch(manager, protocol, cap, msg)
			})
			release = append(release, func() bool { return r.network.Unsubscribe(cap, token) })
		}

		connectToken := r.network.SubscribeConnect(func(conn PeerConnection) {
			if wire.Disjoint(supported, conn.AgreedCapabilities()) {
				return
			}
			r.guard("connect", conn, func() { manager.HandleNewConnection(conn) })
		})
		disconnectToken := r.network.SubscribeDisconnect(func(conn PeerConnection, reason wire.DisconnectReason, initiatedByPeer bool) {
			if wire.Disjoint(supported, conn.AgreedCapabilities()) {
				return
			}
			r.guard("disconnect", conn, func() { manager.HandleDisconnect(conn, reason, initiatedByPeer) })
		})
		release = append(release,
			func() bool { return r.network.UnsubscribeConnect(connectToken) },
			func() bool { return r.network.UnsubscribeDisconnect(disconnectToken) },
		)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == stateStopped {
		// Stop ran while the handlers were being installed.
		for _, unsubscribe := range release {
			unsubscribe()
		}
		return
	}
	r.release = release
}

func (r *Runner) dispatch(manager ProtocolManager, protocol wire.SubProtocol, cap wire.Capability, msg Message) {
	_, span := r.tracer.Start(context.Background(), "p2p.dispatch", trace.WithAttributes(
		attribute.String("capability", cap.String()),
		attribute.Int64("code", int64(msg.Data.Code)),
	))
	defer span.End()

	if !protocol.IsValidMessageCode(cap.Version, msg.Data.Code) {
		r.logger.Debug("Invalid message code, disconnecting peer",
			slog.String("capability", cap.String()),
			slog.Uint64("code", msg.Data.Code),
			logging.MaskField("peer_id", msg.Connection.NodeID()))
		span.SetStatus(codes.Error, "invalid message code")
		r.metrics.recordDispatch(cap, dispatchInvalidCode, 0)
		msg.Connection.Disconnect(wire.DisconnectBreachOfProtocol)
		return
	}

	start := time.Now()
	defer func() {
		result := dispatchOK
		if rec := recover(); rec != nil {
			result = dispatchPanic
			r.metrics.recordPanic("message")
			r.logger.Error("Protocol manager panicked while processing message",
				slog.String("capability", cap.String()),
				slog.Uint64("code", msg.Data.Code),
				logging.MaskField("peer_id", msg.Connection.NodeID()),
				slog.Any("panic", rec))
			span.SetStatus(codes.Error, "handler panic")
		}
		r.metrics.recordDispatch(cap, result, time.Since(start))
	}()
	manager.ProcessMessage(cap, msg)
}

func (r *Runner) guard(event string, conn PeerConnection, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.metrics.recordPanic(event)
			r.logger.Error("Protocol manager panicked while handling connection event",
				slog.String("event", event),
				logging.MaskField("peer_id", conn.NodeID()),
				slog.Any("panic", rec))
		}
	}()
	fn()
}
