package wire

import (
	"errors"
	"fmt"
)

// SubProtocol describes the message code table of one named protocol.
type SubProtocol interface {
	// Name is the capability name, e.g. "eth".
	Name() string
	// MessageSpace is the number of codes reserved for the given version.
	MessageSpace(version uint) uint64
	// IsValidMessageCode reports whether code is defined for the version.
	IsValidMessageCode(version uint, code uint64) bool
}

var ErrUnknownMessageCode = errors.New("wire: message code outside agreed capabilities")

type capabilityRange struct {
	cap    Capability
	offset uint64
	length uint64
}

// Multiplexer maps between wire codes and (capability, code) pairs for the set
// of capabilities agreed on one connection.
type Multiplexer struct {
	ranges []capabilityRange
}

// NegotiateCapabilities picks, for every protocol name both sides speak and
// the local node has a SubProtocol for, the highest shared version. The
// returned multiplexer assigns code ranges in name order, starting right after
// the base protocol.
func NegotiateCapabilities(local, remote []Capability, protocols map[string]SubProtocol) *Multiplexer {
	best := make(map[string]Capability)
	for _, l := range local {
		if _, ok := protocols[l.Name]; !ok {
			continue
		}
		if !ContainsCapability(remote, l) {
			continue
		}
		if current, ok := best[l.Name]; !ok || l.Version > current.Version {
			best[l.Name] = l
		}
	}
	agreed := make([]Capability, 0, len(best))
	for _, cap := range best {
		agreed = append(agreed, cap)
	}
	SortCapabilities(agreed)

	mux := &Multiplexer{ranges: make([]capabilityRange, 0, len(agreed))}
	offset := BaseProtocolLength
	for _, cap := range agreed {
		length := protocols[cap.Name].MessageSpace(cap.Version)
		mux.ranges = append(mux.ranges, capabilityRange{cap: cap, offset: offset, length: length})
		offset += length
	}
	return mux
}

// Agreed returns the negotiated capabilities in code order.
func (m *Multiplexer) Agreed() []Capability {
	out := make([]Capability, 0, len(m.ranges))
	for _, r := range m.ranges {
		out = append(out, r.cap)
	}
	return out
}

// Empty reports whether no capability was agreed.
func (m *Multiplexer) Empty() bool {
	return len(m.ranges) == 0
}

// Mux converts a capability-relative code to its wire code.
func (m *Multiplexer) Mux(cap Capability, code uint64) (uint64, error) {
	for _, r := range m.ranges {
		if r.cap != cap {
			continue
		}
		if code >= r.length {
			return 0, fmt.Errorf("%w: %s code 0x%02x exceeds space %d", ErrUnknownMessageCode, cap, code, r.length)
		}
		return r.offset + code, nil
	}
	return 0, fmt.Errorf("%w: capability %s not agreed", ErrUnknownMessageCode, cap)
}

// Demux resolves a wire code to the owning capability and relative code.
func (m *Multiplexer) Demux(wireCode uint64) (Capability, uint64, error) {
	for _, r := range m.ranges {
		if wireCode >= r.offset && wireCode < r.offset+r.length {
			return r.cap, wireCode - r.offset, nil
		}
	}
	return Capability{}, 0, fmt.Errorf("%w: 0x%02x", ErrUnknownMessageCode, wireCode)
}
