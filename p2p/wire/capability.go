package wire

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Capability is a named sub-protocol at a specific version, as announced in Hello.
type Capability struct {
	Name    string
	Version uint
}

// NewCapability returns the capability name/version pair.
func NewCapability(name string, version uint) Capability {
	return Capability{Name: name, Version: version}
}

// ParseCapability parses the "name/version" form produced by String.
func ParseCapability(raw string) (Capability, error) {
	name, version, ok := strings.Cut(strings.TrimSpace(raw), "/")
	if !ok || name == "" {
		return Capability{}, fmt.Errorf("invalid capability %q", raw)
	}
	v, err := strconv.ParseUint(version, 10, 32)
	if err != nil {
		return Capability{}, fmt.Errorf("invalid capability version %q: %w", raw, err)
	}
	return Capability{Name: name, Version: uint(v)}, nil
}

func (c Capability) String() string {
	return fmt.Sprintf("%s/%d", c.Name, c.Version)
}

// Less orders capabilities by name, then version.
func (c Capability) Less(other Capability) bool {
	if c.Name != other.Name {
		return c.Name < other.Name
	}
	return c.Version < other.Version
}

// SortCapabilities sorts in place using Less.
func SortCapabilities(caps []Capability) {
	sort.Slice(caps, func(i, j int) bool { return caps[i].Less(caps[j]) })
}

// ContainsCapability reports whether caps holds c.
func ContainsCapability(caps []Capability, c Capability) bool {
	for _, candidate := range caps {
		if candidate == c {
			return true
		}
	}
	return false
}

// Disjoint reports whether the two capability sets share no element.
func Disjoint(a, b []Capability) bool {
	for _, cap := range a {
		if ContainsCapability(b, cap) {
			return false
		}
	}
	return true
}
