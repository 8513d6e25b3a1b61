package p2p

import (
	"context"

	"rlpxnet/p2p/subscribers"
	"rlpxnet/p2p/wire"
)

// PeerConnection is one established session with a remote peer. Codes passed
// to Send are relative to the capability; the connection maps them onto the
// wire.
type PeerConnection interface {
	// ID is unique per connection, also across reconnects of the same node.
	ID() string
	// NodeID is the hex encoded public key of the remote node.
	NodeID() string
	ClientID() string
	RemoteAddr() string
	Inbound() bool
	AgreedCapabilities() []wire.Capability
	Send(cap wire.Capability, msg wire.Message) error
	Disconnect(reason wire.DisconnectReason)
	IsDisconnected() bool
}

// Message is an inbound message together with the connection it arrived on.
// The payload belongs to the handler for the duration of the dispatch only.
type Message struct {
	Connection PeerConnection
	Data       wire.Message
}

type (
	MessageCallback    func(cap wire.Capability, msg Message)
	ConnectCallback    func(conn PeerConnection)
	DisconnectCallback func(conn PeerConnection, reason wire.DisconnectReason, initiatedByPeer bool)
)

// Network is the transport driven by a Runner.
type Network interface {
	// Run serves connections until Stop is called or ctx is cancelled.
	Run(ctx context.Context) error
	Stop()
	AwaitStop(ctx context.Context) error

	Subscribe(cap wire.Capability, cb MessageCallback) subscribers.Token
	SubscribeConnect(cb ConnectCallback) subscribers.Token
	SubscribeDisconnect(cb DisconnectCallback) subscribers.Token
	// The Unsubscribe methods report whether the token was still registered.
	Unsubscribe(cap wire.Capability, token subscribers.Token) bool
	UnsubscribeConnect(token subscribers.Token) bool
	UnsubscribeDisconnect(token subscribers.Token) bool

	Connect(ctx context.Context, enode string) (PeerConnection, error)
	Peers() []PeerConnection
}

// NetworkProvider builds the transport for the union of the capabilities
// announced by all protocol managers.
type NetworkProvider func(caps []wire.Capability) (Network, error)

// ProtocolManager implements the behaviour of one or more capabilities.
type ProtocolManager interface {
	SupportedCapabilities() []wire.Capability
	ProcessMessage(cap wire.Capability, msg Message)
	HandleNewConnection(conn PeerConnection)
	HandleDisconnect(conn PeerConnection, reason wire.DisconnectReason, initiatedByPeer bool)
	Stop()
	AwaitStop(ctx context.Context) error
}
