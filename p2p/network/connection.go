package network

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"rlpxnet/observability/logging"
	"rlpxnet/p2p"
	"rlpxnet/p2p/rlpx"
	"rlpxnet/p2p/wire"
)

// connection is one established session. Frame runs under writeMu and
// Deframe only on the read goroutine, so each direction of the codec is
// confined.
type connection struct {
	id         string
	nodeID     string
	pubkey     *ecdsa.PublicKey
	clientID   string
	listenPort uint64
	remoteAddr string
	inbound    bool
	connected  time.Time

	conn    net.Conn
	framer  *rlpx.Framer
	mux     *wire.Multiplexer
	limiter *rate.Limiter
	network *Network
	logger  *slog.Logger

	writeMu sync.Mutex

	lastActivity atomic.Int64
	disconnected atomic.Bool
	registered   atomic.Bool
	closeOnce    sync.Once
	closed       chan struct{}
}

var _ p2p.PeerConnection = (*connection)(nil)

func (c *connection) ID() string         { return c.id }
func (c *connection) NodeID() string     { return c.nodeID }
func (c *connection) ClientID() string   { return c.clientID }
func (c *connection) RemoteAddr() string { return c.remoteAddr }
func (c *connection) Inbound() bool      { return c.inbound }

func (c *connection) AgreedCapabilities() []wire.Capability {
	return c.mux.Agreed()
}

func (c *connection) IsDisconnected() bool {
	return c.disconnected.Load()
}

// Send maps the capability-relative code onto the wire and writes the frame.
func (c *connection) Send(cap wire.Capability, msg wire.Message) error {
	if c.IsDisconnected() {
		return ErrConnectionClosed
	}
	code, err := c.mux.Mux(cap, msg.Code)
	if err != nil {
		return err
	}
	if err := c.write(wire.Message{Code: code, Payload: msg.Payload}); err != nil {
		return err
	}
	c.network.metrics.recordMessage("out", cap)
	return nil
}

// Disconnect tells the peer why and closes the session.
func (c *connection) Disconnect(reason wire.DisconnectReason) {
	c.shutdown(reason, false, true)
}

func (c *connection) write(msg wire.Message) error {
	err := c.writeFrame(msg, c.network.cfg.WriteTimeout)
	if err == nil || errors.Is(err, rlpx.ErrMessageTooLarge) {
		return err
	}
	c.shutdown(wire.DisconnectTCPSubsystemError, false, false)
	return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
}

func (c *connection) writeFrame(msg wire.Message, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	frame, err := c.framer.Frame(msg)
	if err != nil {
		return err
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	_, err = c.conn.Write(frame)
	return err
}

// shutdown runs once per connection. notifyPeer sends a Disconnect message
// first; it is skipped when the transport already failed.
func (c *connection) shutdown(reason wire.DisconnectReason, initiatedByPeer, notifyPeer bool) {
	c.closeOnce.Do(func() {
		c.disconnected.Store(true)
		if notifyPeer {
			if err := c.writeFrame(wire.NewDisconnectMessage(reason), c.network.cfg.WriteTimeout); err != nil {
				c.logger.Debug("Failed to send disconnect", slog.Any("error", err))
			}
		}
		_ = c.conn.Close()
		close(c.closed)
		c.network.removeConnection(c, reason, initiatedByPeer)
	})
}

func (c *connection) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

func (c *connection) idleFor(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, c.lastActivity.Load()))
}

func (c *connection) readLoop() {
	// Frames that arrived together with the Hello are already buffered.
	if !c.drain(nil) {
		return
	}
	buf := make([]byte, readBufferSize)
	for {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.network.cfg.ReadTimeout)); err != nil {
			c.shutdown(wire.DisconnectTCPSubsystemError, false, false)
			return
		}
		n, err := c.conn.Read(buf)
		if n > 0 && !c.drain(buf[:n]) {
			return
		}
		if err != nil {
			if c.IsDisconnected() {
				return
			}
			var ne net.Error
			switch {
			case errors.As(err, &ne) && ne.Timeout():
				c.logger.Debug("Peer read timeout")
				c.shutdown(wire.DisconnectTimeout, false, true)
			case errors.Is(err, io.EOF):
				c.shutdown(wire.DisconnectTCPSubsystemError, true, false)
			default:
				c.logger.Debug("Peer read failed", slog.Any("error", err))
				c.shutdown(wire.DisconnectTCPSubsystemError, false, false)
			}
			return
		}
	}
}

// drain feeds in to the codec and handles every complete message. It returns
// false once the connection is gone.
func (c *connection) drain(in []byte) bool {
	msg, err := c.framer.Deframe(in)
	for err == nil && msg != nil {
		if !c.handle(*msg) {
			return false
		}
		msg, err = c.framer.Deframe(nil)
	}
	if err != nil {
		c.logger.Warn("Protocol violation: undecodable frame", slog.Any("error", err))
		c.shutdown(wire.DisconnectBreachOfProtocol, false, true)
		return false
	}
	return !c.IsDisconnected()
}

func (c *connection) handle(msg wire.Message) bool {
	c.touch()
	if !c.limiter.Allow() {
		c.logger.Warn("Peer exceeded rate limit")
		c.shutdown(wire.DisconnectUselessPeer, false, true)
		return false
	}
	if msg.Code < wire.BaseProtocolLength {
		return c.handleBase(msg)
	}
	cap, code, err := c.mux.Demux(msg.Code)
	if err != nil {
		c.logger.Warn("Protocol violation: unknown message code", slog.Uint64("code", msg.Code))
		c.shutdown(wire.DisconnectBreachOfProtocol, false, true)
		return false
	}
	c.network.metrics.recordMessage("in", cap)
	c.network.dispatch(cap, p2p.Message{Connection: c, Data: wire.Message{Code: code, Payload: msg.Payload}})
	return !c.IsDisconnected()
}

func (c *connection) handleBase(msg wire.Message) bool {
	switch msg.Code {
	case wire.DisconnectMsg:
		reason := wire.DecodeDisconnectReason(msg.Payload)
		c.logger.Debug("Peer sent disconnect", slog.String("reason", reason.String()))
		c.shutdown(reason, true, false)
		return false
	case wire.PingMsg:
		if err := c.write(wire.PongMessage()); err != nil {
			return false
		}
		return true
	case wire.PongMsg:
		return true
	default:
		c.logger.Warn("Protocol violation: unexpected base protocol message", slog.Uint64("code", msg.Code))
		c.shutdown(wire.DisconnectBreachOfProtocol, false, true)
		return false
	}
}

func (c *connection) pingLoop() {
	ticker := time.NewTicker(c.network.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case now := <-ticker.C:
			if c.idleFor(now) > c.network.cfg.PingTimeout {
				c.logger.Info("Peer unresponsive, disconnecting")
				c.shutdown(wire.DisconnectTimeout, false, true)
				return
			}
			if err := c.write(wire.PingMessage()); err != nil {
				return
			}
		}
	}
}

func newConnectionLogger(base *slog.Logger, id, nodeID, addr string) *slog.Logger {
	return base.With(
		slog.String("connection_id", id),
		logging.MaskField("peer_id", nodeID),
		logging.MaskField("peer_address", addr),
	)
}
