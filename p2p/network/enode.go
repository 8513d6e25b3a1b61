package network

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"net"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"rlpxnet/p2p/wire"
)

const enodeScheme = "enode://"

// Node is a dialable peer address: its public key and TCP endpoint.
type Node struct {
	ID     string
	Pubkey *ecdsa.PublicKey
	Addr   string
}

// String formats the node as enode://<hex pubkey>@host:port.
func (n Node) String() string {
	return enodeScheme + n.ID + "@" + n.Addr
}

// ParseEnode accepts "<hex pubkey>@host:port" with or without the enode://
// prefix. The key is the 64-byte uncompressed public key.
func ParseEnode(raw string) (Node, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), enodeScheme)
	id, addr, ok := strings.Cut(trimmed, "@")
	if !ok {
		return Node{}, fmt.Errorf("%w: missing '@' in %q", ErrInvalidEnode, raw)
	}
	// Discovery query parameters are not used by the transport.
	if i := strings.IndexByte(addr, '?'); i >= 0 {
		addr = addr[:i]
	}
	pub, err := PubkeyFromNodeID(id)
	if err != nil {
		return Node{}, err
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return Node{}, fmt.Errorf("%w: %v", ErrInvalidEnode, err)
	}
	return Node{ID: strings.ToLower(id), Pubkey: pub, Addr: addr}, nil
}

// NodeIDFromPubkey returns the hex form of the 64-byte public key.
func NodeIDFromPubkey(pub *ecdsa.PublicKey) string {
	if pub == nil {
		return ""
	}
	return hex.EncodeToString(marshalPubkey(pub))
}

// PubkeyFromNodeID parses a node id produced by NodeIDFromPubkey.
func PubkeyFromNodeID(id string) (*ecdsa.PublicKey, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(id), "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: node id: %v", ErrInvalidEnode, err)
	}
	if len(raw) != wire.NodeIDLength {
		return nil, fmt.Errorf("%w: node id is %d bytes", ErrInvalidEnode, len(raw))
	}
	pub, err := unmarshalPubkey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnode, err)
	}
	return pub, nil
}

func marshalPubkey(pub *ecdsa.PublicKey) []byte {
	return ethcrypto.FromECDSAPub(pub)[1:]
}

func unmarshalPubkey(raw []byte) (*ecdsa.PublicKey, error) {
	full := make([]byte, 0, len(raw)+1)
	full = append(full, 0x04)
	full = append(full, raw...)
	return ethcrypto.UnmarshalPubkey(full)
}
