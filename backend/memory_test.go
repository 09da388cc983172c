package backend

import (
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-virtionet/internal/interfaces"
)

// testPacket is a received frame that records its release
type testPacket struct {
	data     []byte
	released bool
}

func (p *testPacket) Bytes() []byte {
	if p.released {
		return nil
	}
	return p.data
}

func (p *testPacket) Len() int { return len(p.data) }

func (p *testPacket) Release() { p.released = true }

var (
	macA = net.HardwareAddr{0x02, 0, 0, 0, 0, 0x0a}
	macB = net.HardwareAddr{0x02, 0, 0, 0, 0, 0x0b}
	macC = net.HardwareAddr{0x02, 0, 0, 0, 0, 0x0c}
)

// udpFrame builds an Ethernet/IPv4/UDP frame from src to dst
func udpFrame(t *testing.T, src, dst net.HardwareAddr, payload []byte) []byte {
	t.Helper()
	eth := &layers.Ethernet{SrcMAC: src, DstMAC: dst, EthernetType: layers.EthernetTypeIPv4}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IPv4(192, 168, 7, 1),
		DstIP:    net.IPv4(192, 168, 7, 2),
	}
	udp := &layers.UDP{SrcPort: 6000, DstPort: 7000}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(payload)))
	return buf.Bytes()
}

// arpFrame builds a broadcast ARP request from src
func arpFrame(t *testing.T, src net.HardwareAddr) []byte {
	t.Helper()
	eth := &layers.Ethernet{SrcMAC: src, DstMAC: layers.EthernetBroadcast, EthernetType: layers.EthernetTypeARP}
	arp := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPRequest,
		SourceHwAddress:   src,
		SourceProtAddress: []byte{192, 168, 7, 1},
		DstHwAddress:      make([]byte, 6),
		DstProtAddress:    []byte{192, 168, 7, 2},
	}
	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true}, eth, arp))
	return buf.Bytes()
}

func TestMemoryStoresAndReleases(t *testing.T) {
	mem := NewMemory(8)
	frame := udpFrame(t, macA, macB, []byte("hello"))

	pkt := &testPacket{data: frame}
	mem.PacketReceived(pkt)

	assert.True(t, pkt.released, "memory backend releases every packet")
	require.Equal(t, 1, mem.Len())
	assert.Equal(t, frame, mem.Frames()[0])

	assert.Equal(t, uint64(1), mem.Count("ethernet"))
	assert.Equal(t, uint64(1), mem.Count("ipv4"))
	assert.Equal(t, uint64(1), mem.Count("udp"))
	assert.Zero(t, mem.Count("malformed"))
}

func TestMemoryClassifies(t *testing.T) {
	mem := NewMemory(8)
	mem.PacketReceived(&testPacket{data: arpFrame(t, macA)})
	mem.PacketReceived(&testPacket{data: []byte{0x01, 0x02, 0x03}})

	assert.Equal(t, uint64(1), mem.Count("arp"))
	assert.Equal(t, uint64(1), mem.Count("malformed"))
	assert.Zero(t, mem.Count("udp"))
}

func TestMemoryEvictsOldest(t *testing.T) {
	mem := NewMemory(2)
	for i := 0; i < 3; i++ {
		mem.PacketReceived(&testPacket{data: udpFrame(t, macA, macB, []byte{byte(i)})})
	}

	require.Equal(t, 2, mem.Len())
	frames := mem.Frames()
	assert.Equal(t, udpFrame(t, macA, macB, []byte{1}), frames[0])
	assert.Equal(t, udpFrame(t, macA, macB, []byte{2}), frames[1])

	stats := mem.Stats()
	assert.Equal(t, "memory", stats["type"])
	assert.Equal(t, uint64(3), stats["frames"])
	assert.Equal(t, uint64(1), stats["evicted"])
	assert.Equal(t, 2, stats["stored"])
	assert.Equal(t, uint64(3), mem.Total())
}

func TestMemoryLinkAndReset(t *testing.T) {
	mem := NewMemory(4)
	assert.Equal(t, interfaces.LinkUp, mem.Link())

	mem.LinkChanged(interfaces.LinkDown)
	assert.Equal(t, interfaces.LinkDown, mem.Link())
	assert.Equal(t, 1, mem.Stats()["link_changes"])

	mem.PacketReceived(&testPacket{data: udpFrame(t, macA, macB, nil)})
	mem.Reset()
	assert.Zero(t, mem.Len())
	assert.Zero(t, mem.Count("udp"))
	assert.Equal(t, uint64(0), mem.Stats()["frames"])
}
