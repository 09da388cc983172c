package virtionet

import (
	"strings"

	"github.com/ehrlich-b/go-virtionet/internal/wire"
)

// Capability names an optional device operation. A device has a
// capability only when the features it depends on were negotiated.
type Capability uint32

const (
	// CapLinkState: LinkState follows the device status field (STATUS)
	CapLinkState Capability = 1 << iota
	// CapPromiscuous: SetPromiscuous is available (CTRL_VQ + CTRL_RX)
	CapPromiscuous
	// CapAllMulticast: SetAllMulticast is available (CTRL_VQ + CTRL_RX)
	CapAllMulticast
	// CapMACAddress: MACAddress is the device-assigned address (MAC)
	CapMACAddress
	// CapProperties: Properties is available
	CapProperties
	// CapIndirectDescriptors: long chains use indirect tables
	CapIndirectDescriptors
)

var capabilityNames = []struct {
	cap  Capability
	name string
}{
	{CapLinkState, "link-state"},
	{CapPromiscuous, "promiscuous"},
	{CapAllMulticast, "all-multicast"},
	{CapMACAddress, "mac-address"},
	{CapProperties, "properties"},
	{CapIndirectDescriptors, "indirect-descriptors"},
}

func (c Capability) String() string {
	for _, n := range capabilityNames {
		if n.cap == c {
			return n.name
		}
	}
	return "unknown"
}

// CapabilitySet is a set of capabilities
type CapabilitySet uint32

// Has reports whether c is in the set
func (s CapabilitySet) Has(c Capability) bool {
	return uint32(s)&uint32(c) == uint32(c)
}

// List returns the members of the set in declaration order
func (s CapabilitySet) List() []Capability {
	var out []Capability
	for _, n := range capabilityNames {
		if s.Has(n.cap) {
			out = append(out, n.cap)
		}
	}
	return out
}

func (s CapabilitySet) String() string {
	var names []string
	for _, c := range s.List() {
		names = append(names, c.String())
	}
	return strings.Join(names, ",")
}

// capabilitiesFor derives the capability set from negotiated features
func capabilitiesFor(features uint32) CapabilitySet {
	s := CapabilitySet(CapProperties)
	if features&wire.NetFeatureStatus != 0 {
		s |= CapabilitySet(CapLinkState)
	}
	if features&wire.NetFeatureMAC != 0 {
		s |= CapabilitySet(CapMACAddress)
	}
	if features&wire.NetFeatureCtrlVQ != 0 && features&wire.NetFeatureCtrlRX != 0 {
		s |= CapabilitySet(CapPromiscuous | CapAllMulticast)
	}
	if features&wire.FeatureRingIndirect != 0 {
		s |= CapabilitySet(CapIndirectDescriptors)
	}
	return s
}
