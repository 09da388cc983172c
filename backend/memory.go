// Package backend provides standard Upstream implementations for virtionet
// devices
package backend

import (
	"strings"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/ehrlich-b/go-virtionet/internal/interfaces"
)

// Memory is an Upstream that keeps the most recent frames in RAM and counts
// what it saw by protocol layer
type Memory struct {
	capacity int

	mu      sync.RWMutex
	frames  [][]byte // oldest first
	link    interfaces.LinkState
	changes int
	layers  map[string]uint64
	total   uint64
	bytes   uint64
	evicted uint64
}

// NewMemory creates a memory backend holding up to capacity frames
func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = 1
	}
	return &Memory{
		capacity: capacity,
		link:     interfaces.LinkUp,
		layers:   make(map[string]uint64),
	}
}

// PacketReceived implements the Upstream interface. The frame is copied
// and the packet released before returning.
func (m *Memory) PacketReceived(pkt interfaces.Packet) {
	frame := append([]byte(nil), pkt.Bytes()...)
	pkt.Release()
	names := classify(frame)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.total++
	m.bytes += uint64(len(frame))
	for _, n := range names {
		m.layers[n]++
	}

	if len(m.frames) == m.capacity {
		m.frames[0] = nil
		m.frames = m.frames[1:]
		m.evicted++
	}
	m.frames = append(m.frames, frame)
}

// LinkChanged implements the Upstream interface
func (m *Memory) LinkChanged(state interfaces.LinkState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.link = state
	m.changes++
}

// classify returns the lower-cased layer names of frame
func classify(frame []byte) []string {
	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.DecodeOptions{NoCopy: true})
	var names []string
	for _, l := range pkt.Layers() {
		names = append(names, strings.ToLower(l.LayerType().String()))
	}
	if pkt.ErrorLayer() != nil {
		names = append(names, "malformed")
	}
	return names
}

// Frames returns copies of the stored frames, oldest first
func (m *Memory) Frames() [][]byte {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([][]byte, len(m.frames))
	for i, f := range m.frames {
		out[i] = append([]byte(nil), f...)
	}
	return out
}

// Len returns the number of stored frames
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.frames)
}

// Total returns how many frames were received since the last Reset
func (m *Memory) Total() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.total
}

// Count returns how many frames carried the named layer ("ipv4", "udp",
// "arp", "malformed", ...)
func (m *Memory) Count(layer string) uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.layers[layer]
}

// Link returns the last reported link state
func (m *Memory) Link() interfaces.LinkState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.link
}

// Reset drops stored frames and counters
func (m *Memory) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frames = nil
	clear(m.layers)
	m.total, m.bytes, m.evicted = 0, 0, 0
}

// Stats returns backend counters
func (m *Memory) Stats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	layerCounts := make(map[string]uint64, len(m.layers))
	for k, v := range m.layers {
		layerCounts[k] = v
	}
	return map[string]interface{}{
		"type":         "memory",
		"capacity":     m.capacity,
		"stored":       len(m.frames),
		"frames":       m.total,
		"bytes":        m.bytes,
		"evicted":      m.evicted,
		"link":         m.link.String(),
		"link_changes": m.changes,
		"layers":       layerCounts,
	}
}

// Compile-time interface checks
var _ interfaces.Upstream = (*Memory)(nil)
