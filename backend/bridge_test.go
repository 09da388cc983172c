package backend

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-virtionet"
	"github.com/ehrlich-b/go-virtionet/internal/interfaces"
	"github.com/ehrlich-b/go-virtionet/sim"
)

// fakePort records what the bridge transmits through it
type fakePort struct {
	name string
	err  error

	mu     sync.Mutex
	frames [][]byte
}

func (p *fakePort) Name() string { return p.name }

func (p *fakePort) Transmit(frame []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.frames = append(p.frames, append([]byte(nil), frame...))
	return nil
}

func (p *fakePort) sent() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.frames)
}

func newTestBridge(names ...string) (*Bridge, []*BridgePort, []*fakePort) {
	b := NewBridge(time.Minute)
	var ports []*BridgePort
	var devs []*fakePort
	for _, n := range names {
		p := b.NewPort()
		d := &fakePort{name: n}
		p.Bind(d)
		ports = append(ports, p)
		devs = append(devs, d)
	}
	return b, ports, devs
}

func TestBridgeFloodsThenForwards(t *testing.T) {
	b, ports, devs := newTestBridge("a", "b", "c")

	pkt := &testPacket{data: udpFrame(t, macA, macB, []byte("who is b"))}
	ports[0].PacketReceived(pkt)
	assert.True(t, pkt.released)
	assert.Equal(t, []int{0, 1, 1}, []int{devs[0].sent(), devs[1].sent(), devs[2].sent()}, "unknown destination floods")

	name, ok := b.Lookup(macA)
	require.True(t, ok)
	assert.Equal(t, "a", name)

	ports[1].PacketReceived(&testPacket{data: udpFrame(t, macB, macA, []byte("b here"))})
	assert.Equal(t, []int{1, 1, 1}, []int{devs[0].sent(), devs[1].sent(), devs[2].sent()}, "learned destination forwards")

	stats := b.Stats()
	assert.Equal(t, uint64(1), stats.Flooded)
	assert.Equal(t, uint64(1), stats.Forwarded)
	assert.Equal(t, 2, stats.Stations)
}

func TestBridgeFiltersLocalTraffic(t *testing.T) {
	b, ports, devs := newTestBridge("a", "b")

	ports[0].PacketReceived(&testPacket{data: udpFrame(t, macA, macB, nil)})
	ports[0].PacketReceived(&testPacket{data: udpFrame(t, macC, macA, nil)})

	assert.Equal(t, 0, devs[0].sent())
	assert.Equal(t, 1, devs[1].sent())
	assert.Equal(t, uint64(1), b.Stats().Filtered)
}

func TestBridgeBroadcastFloods(t *testing.T) {
	b, ports, devs := newTestBridge("a", "b", "c")
	ports[1].PacketReceived(&testPacket{data: udpFrame(t, macB, macA, nil)})
	ports[0].PacketReceived(&testPacket{data: arpFrame(t, macA)})

	assert.Equal(t, 1, devs[0].sent(), "known unicast source does not stop a broadcast")
	assert.Equal(t, 1, devs[1].sent())
	assert.Equal(t, 2, devs[2].sent())
	assert.Equal(t, uint64(2), b.Stats().Flooded)
}

func TestBridgeAgeing(t *testing.T) {
	b, ports, devs := newTestBridge("a", "b", "c")
	now := time.Unix(1000, 0)
	b.now = func() time.Time { return now }

	ports[0].PacketReceived(&testPacket{data: udpFrame(t, macA, macB, nil)})
	now = now.Add(2 * time.Minute)

	_, ok := b.Lookup(macA)
	assert.False(t, ok, "entry expired")

	ports[1].PacketReceived(&testPacket{data: udpFrame(t, macB, macA, nil)})
	assert.Equal(t, 1, devs[0].sent())
	assert.Equal(t, 2, devs[2].sent(), "expired destination floods again")
	assert.Equal(t, uint64(2), b.Stats().Flooded)
}

func TestBridgeLinkDown(t *testing.T) {
	b, ports, devs := newTestBridge("a", "b", "c")
	ports[2].PacketReceived(&testPacket{data: udpFrame(t, macC, macA, nil)})
	require.Equal(t, 1, b.Stats().Stations)

	ports[2].LinkChanged(interfaces.LinkDown)
	_, ok := b.Lookup(macC)
	assert.False(t, ok, "stations on a down port are forgotten")

	before := devs[2].sent()
	ports[0].PacketReceived(&testPacket{data: udpFrame(t, macA, macC, nil)})
	assert.Equal(t, before, devs[2].sent(), "down port is skipped")
	assert.Equal(t, 2, devs[1].sent())

	ports[2].LinkChanged(interfaces.LinkUp)
	ports[0].PacketReceived(&testPacket{data: udpFrame(t, macA, macC, nil)})
	assert.Equal(t, before+1, devs[2].sent())
}

func TestBridgeDrops(t *testing.T) {
	b, ports, devs := newTestBridge("a", "b")
	devs[1].err = errors.New("busy")

	short := &testPacket{data: []byte{1, 2, 3}}
	ports[0].PacketReceived(short)
	assert.True(t, short.released)

	ports[0].PacketReceived(&testPacket{data: udpFrame(t, macA, macB, nil)})
	assert.Equal(t, uint64(2), b.Stats().Dropped)

	unbound := b.NewPort()
	assert.Empty(t, unbound.Name())
}

// attachRunning attaches a running simulated function with upstream
func attachRunning(t *testing.T, dev *sim.Device, up virtionet.Upstream) *virtionet.Device {
	t.Helper()
	nic, err := virtionet.Attach(context.Background(), dev, virtionet.DefaultParams(), &virtionet.Options{Upstream: up})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = dev.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		assert.NoError(t, nic.Close())
		cancel()
		<-done
	})
	return nic
}

func simConfig(name string, mac net.HardwareAddr) sim.Config {
	cfg := sim.DefaultConfig()
	cfg.Name = name
	copy(cfg.MAC[:], mac)
	return cfg
}

func TestBridgeBetweenDevices(t *testing.T) {
	// stationA <-> port1 [bridge] port2 <-> stationB
	stationA := sim.New(simConfig("station-a", macA))
	stationB := sim.New(simConfig("station-b", macB))
	port1 := sim.New(simConfig("port1", net.HardwareAddr{0x02, 0, 0, 0, 1, 1}))
	port2 := sim.New(simConfig("port2", net.HardwareAddr{0x02, 0, 0, 0, 1, 2}))
	sim.Connect(stationA, port1)
	sim.Connect(port2, stationB)

	br := NewBridge(0)
	bp1, bp2 := br.NewPort(), br.NewPort()
	memA, memB := NewMemory(16), NewMemory(16)

	nicA := attachRunning(t, stationA, memA)
	nicB := attachRunning(t, stationB, memB)
	nic1 := attachRunning(t, port1, bp1)
	nic2 := attachRunning(t, port2, bp2)
	bp1.Bind(nic1)
	bp2.Bind(nic2)
	for _, n := range []*virtionet.Device{nicA, nicB, nic1, nic2} {
		require.NoError(t, n.Start())
	}

	request := udpFrame(t, nicA.MACAddress(), nicB.MACAddress(), []byte("ping"))
	require.NoError(t, nicA.Transmit(request))
	require.Eventually(t, func() bool { return memB.Len() == 1 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, request, memB.Frames()[0])

	reply := udpFrame(t, nicB.MACAddress(), nicA.MACAddress(), []byte("pong"))
	require.NoError(t, nicB.Transmit(reply))
	require.Eventually(t, func() bool { return memA.Len() == 1 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, reply, memA.Frames()[0])

	name, ok := br.Lookup(nicA.MACAddress())
	require.True(t, ok)
	assert.Equal(t, "port1", name)

	stats := br.Stats()
	assert.Equal(t, uint64(1), stats.Flooded)
	assert.Equal(t, uint64(1), stats.Forwarded)
}
