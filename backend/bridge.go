package backend

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/ehrlich-b/go-virtionet/internal/interfaces"
)

// DefaultAgeing is how long a learned station address stays valid
const DefaultAgeing = 300 * time.Second

// Port is a device a bridge transmits through. *virtionet.Device is one.
type Port interface {
	Name() string
	Transmit(frame []byte) error
}

// Bridge is a learning Ethernet switch between devices. Each device is
// attached with the Upstream returned by NewPort; frames are forwarded to
// the port their destination was learned on, or flooded.
type Bridge struct {
	ageing time.Duration
	now    func() time.Time

	mu    sync.RWMutex
	ports []*BridgePort
	table map[[6]byte]station

	forwarded atomic.Uint64
	flooded   atomic.Uint64
	filtered  atomic.Uint64
	dropped   atomic.Uint64
}

type station struct {
	port int
	seen time.Time
}

// BridgeStats counts forwarding decisions
type BridgeStats struct {
	Forwarded uint64 // Frames sent to a learned port
	Flooded   uint64 // Frames sent to every other port
	Filtered  uint64 // Frames whose destination is on the ingress port
	Dropped   uint64 // Malformed frames and failed transmits
	Stations  int    // Learned addresses
}

// NewBridge creates a bridge. A zero ageing uses DefaultAgeing.
func NewBridge(ageing time.Duration) *Bridge {
	if ageing <= 0 {
		ageing = DefaultAgeing
	}
	return &Bridge{
		ageing: ageing,
		now:    time.Now,
		table:  make(map[[6]byte]station),
	}
}

// BridgePort is one bridge port. It is the device's Upstream.
type BridgePort struct {
	bridge *Bridge
	index  int

	mu   sync.RWMutex
	dev  Port
	down bool
}

// NewPort adds a port. Pass it as the device's Upstream, then Bind the
// attached device.
func (b *Bridge) NewPort() *BridgePort {
	b.mu.Lock()
	defer b.mu.Unlock()
	p := &BridgePort{bridge: b, index: len(b.ports)}
	b.ports = append(b.ports, p)
	return p
}

// Bind sets the device frames leave through
func (p *BridgePort) Bind(dev Port) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dev = dev
}

// Name returns the bound device's name
func (p *BridgePort) Name() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.dev == nil {
		return ""
	}
	return p.dev.Name()
}

// PacketReceived implements the Upstream interface
func (p *BridgePort) PacketReceived(pkt interfaces.Packet) {
	defer pkt.Release()
	p.bridge.forward(p.index, pkt.Bytes())
}

// LinkChanged implements the Upstream interface. A port whose link is down
// is skipped and the stations learned on it are forgotten.
func (p *BridgePort) LinkChanged(state interfaces.LinkState) {
	p.mu.Lock()
	p.down = state == interfaces.LinkDown
	p.mu.Unlock()
	if state == interfaces.LinkDown {
		p.bridge.flush(p.index)
	}
}

func (p *BridgePort) transmit(frame []byte) bool {
	p.mu.RLock()
	dev, down := p.dev, p.down
	p.mu.RUnlock()
	if dev == nil || down {
		return false
	}
	return dev.Transmit(frame) == nil
}

func (b *Bridge) forward(in int, frame []byte) {
	var eth layers.Ethernet
	if err := eth.DecodeFromBytes(frame, gopacket.NilDecodeFeedback); err != nil {
		b.dropped.Add(1)
		return
	}
	now := b.now()

	var src, dst [6]byte
	copy(src[:], eth.SrcMAC)
	copy(dst[:], eth.DstMAC)

	b.mu.Lock()
	if src[0]&0x01 == 0 {
		b.table[src] = station{port: in, seen: now}
	}
	st, known := b.table[dst]
	if known && now.Sub(st.seen) > b.ageing {
		delete(b.table, dst)
		known = false
	}
	ports := b.ports
	b.mu.Unlock()

	if dst[0]&0x01 == 0 && known {
		if st.port == in {
			b.filtered.Add(1)
			return
		}
		if ports[st.port].transmit(frame) {
			b.forwarded.Add(1)
		} else {
			b.dropped.Add(1)
		}
		return
	}

	b.flooded.Add(1)
	for i, p := range ports {
		if i == in {
			continue
		}
		if !p.transmit(frame) {
			b.dropped.Add(1)
		}
	}
}

func (b *Bridge) flush(port int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for mac, st := range b.table {
		if st.port == port {
			delete(b.table, mac)
		}
	}
}

// Lookup returns the name of the port mac was learned on
func (b *Bridge) Lookup(mac net.HardwareAddr) (string, bool) {
	var key [6]byte
	copy(key[:], mac)

	b.mu.RLock()
	st, ok := b.table[key]
	var p *BridgePort
	if ok && b.now().Sub(st.seen) <= b.ageing {
		p = b.ports[st.port]
	}
	b.mu.RUnlock()

	if p == nil {
		return "", false
	}
	return p.Name(), true
}

// Stats returns forwarding counters
func (b *Bridge) Stats() BridgeStats {
	b.mu.RLock()
	stations := len(b.table)
	b.mu.RUnlock()
	return BridgeStats{
		Forwarded: b.forwarded.Load(),
		Flooded:   b.flooded.Load(),
		Filtered:  b.filtered.Load(),
		Dropped:   b.dropped.Load(),
		Stations:  stations,
	}
}

var _ interfaces.Upstream = (*BridgePort)(nil)
