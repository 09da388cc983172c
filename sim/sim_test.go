package sim

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-virtionet/internal/dma"
	"github.com/ehrlich-b/go-virtionet/internal/regs"
	"github.com/ehrlich-b/go-virtionet/internal/virtqueue"
	"github.com/ehrlich-b/go-virtionet/internal/wire"
	"github.com/ehrlich-b/go-virtionet/platform"
)

// rig drives a device by hand the way a driver would
type rig struct {
	dev    *Device
	hdr    *regs.Header
	netcfg *regs.NetConfig
	pool   *dma.Pool
	queues [wire.NumQueues]*virtqueue.Queue
}

func newRig(t *testing.T, cfg Config) *rig {
	t.Helper()
	dev := New(cfg)
	hm, err := dev.MapRegisters(0, wire.HeaderSize)
	require.NoError(t, err)
	cm, err := dev.MapRegisters(wire.HeaderSize, wire.NetConfigSize)
	require.NoError(t, err)

	r := &rig{
		dev:    dev,
		hdr:    regs.NewHeader(regs.NewLE(hm)),
		netcfg: regs.NewNetConfig(regs.NewNative(cm)),
		pool:   dma.NewPool(dev.Allocator(), dma.Config{}),
	}
	r.hdr.Reset()
	r.hdr.SetStatus(wire.StatusAck | wire.StatusDriver)
	r.hdr.SetGuestFeatures(r.hdr.DeviceFeatures())

	for i := range r.queues {
		r.hdr.SelectQueue(uint16(i))
		q, err := virtqueue.New(uint16(i), int(r.hdr.QueueSize()), dev.Allocator(), virtqueue.Options{
			Notifier: r.hdr,
			Indirect: true,
			Tables:   r.pool,
		})
		require.NoError(t, err)
		r.hdr.SetQueuePFN(q.PFN())
		r.queues[i] = q
	}
	r.hdr.AddStatus(wire.StatusDriverOK)
	return r
}

func (r *rig) postRX(t *testing.T, payload int) (*dma.Buffer, *dma.Buffer) {
	t.Helper()
	h, err := r.pool.Reserve(wire.NetHdrSize, dma.FromDevice)
	require.NoError(t, err)
	p, err := r.pool.Reserve(payload, dma.FromDevice)
	require.NoError(t, err)
	_, err = r.queues[wire.QueueReceive].Submit([]virtqueue.Segment{
		{Buf: h, Writable: true},
		{Buf: p, Writable: true},
	}, nil)
	require.NoError(t, err)
	return h, p
}

func (r *rig) transmit(t *testing.T, frame []byte) {
	t.Helper()
	b, err := r.pool.Reserve(wire.NetHdrSize+len(frame), dma.ToDevice)
	require.NoError(t, err)
	copy(b.Bytes()[wire.NetHdrSize:], frame)
	_, err = r.queues[wire.QueueTransmit].Submit([]virtqueue.Segment{{Buf: b}}, nil)
	require.NoError(t, err)
}

func drain(q *virtqueue.Queue) []virtqueue.Completion {
	var out []virtqueue.Completion
	for c := range q.Drain() {
		out = append(out, c)
	}
	return out
}

func TestConfigSpaceIdentity(t *testing.T) {
	dev := New(Config{})
	cs := dev.Config()
	assert.Equal(t, uint16(wire.PCIVendor), cs.Read16(platform.PCIVendorID))
	assert.Equal(t, uint16(wire.PCIDeviceIDMin), cs.Read16(platform.PCIDeviceID))
	assert.Equal(t, uint8(wire.PCIRevisionABIV0), cs.Read8(platform.PCIRevisionID))
	assert.Equal(t, uint16(wire.SubsystemNetwork), cs.Read16(platform.PCISubsystemID))

	other := New(Config{DeviceID: 0x1001, Subsystem: 2})
	assert.Equal(t, uint16(0x1001), other.Config().Read16(platform.PCIDeviceID))
	assert.Equal(t, uint16(2), other.Config().Read16(platform.PCISubsystemID))
}

func TestMapRegisters(t *testing.T) {
	dev := New(Config{})
	_, err := dev.MapRegisters(0x10, 0x100)
	assert.ErrorIs(t, err, platform.ErrWindowRange)
	_, err = dev.MapRegisters(0, 0)
	assert.ErrorIs(t, err, platform.ErrWindowRange)

	m, err := dev.MapRegisters(0, RegisterSize)
	require.NoError(t, err)
	assert.Equal(t, 1, dev.MappedWindows())
	require.NoError(t, dev.UnmapRegisters(m))
	assert.ErrorIs(t, dev.UnmapRegisters(m), platform.ErrWindowRange)
	assert.Zero(t, dev.MappedWindows())

	var b [1]byte
	m.Load(wire.RegDeviceStatus, b[:])
	assert.Equal(t, byte(0xFF), b[0], "an unmapped window reads all ones")
}

func TestRegisterFile(t *testing.T) {
	dev := New(Config{Features: wire.NetFeatureMAC | wire.NetFeatureStatus, LinkUp: true})
	hm, err := dev.MapRegisters(0, wire.HeaderSize)
	require.NoError(t, err)
	cm, err := dev.MapRegisters(wire.HeaderSize, wire.NetConfigSize)
	require.NoError(t, err)
	hdr := regs.NewHeader(regs.NewLE(hm))
	netcfg := regs.NewNetConfig(regs.NewNative(cm))

	assert.Equal(t, uint32(wire.NetFeatureMAC|wire.NetFeatureStatus), hdr.DeviceFeatures())
	hdr.SetGuestFeatures(0xFFFFFFFF)
	assert.Equal(t, uint32(wire.NetFeatureMAC|wire.NetFeatureStatus), hdr.GuestFeatures(), "guest features are masked by the offer")

	for i, want := range []uint16{256, 256, 64} {
		hdr.SelectQueue(uint16(i))
		assert.Equal(t, want, hdr.QueueSize())
	}
	hdr.SelectQueue(7)
	assert.Zero(t, hdr.QueueSize(), "queues past the last read as size 0")

	assert.Equal(t, DefaultMAC, netcfg.MAC())
	assert.True(t, netcfg.LinkUp())

	dev.RaiseISR(wire.ISRConfig)
	assert.Equal(t, uint8(wire.ISRConfig), hdr.ReadISR())
	assert.Zero(t, hdr.ReadISR(), "reading the ISR clears it")
}

func TestTransmitLoopback(t *testing.T) {
	r := newRig(t, Config{Loopback: true, LinkUp: true})
	_, payload := r.postRX(t, 1514)

	frame := bytes.Repeat([]byte{0xAB}, 60)
	r.transmit(t, frame)
	assert.Equal(t, uint64(2), r.dev.Stats().Notifies, "one kick per submit")

	assert.Equal(t, 2, r.dev.Step())
	require.Len(t, r.dev.Transmitted(), 1)
	assert.Equal(t, frame, r.dev.Transmitted()[0])

	txDone := drain(r.queues[wire.QueueTransmit])
	require.Len(t, txDone, 1)
	assert.Zero(t, txDone[0].Len)

	rxDone := drain(r.queues[wire.QueueReceive])
	require.Len(t, rxDone, 1)
	assert.Equal(t, uint32(wire.NetHdrSize+len(frame)), rxDone[0].Len)
	require.True(t, payload.Owned())
	assert.Equal(t, frame, payload.Bytes()[:len(frame)])

	st := r.dev.Stats()
	assert.Equal(t, uint64(1), st.TXFrames)
	assert.Equal(t, uint64(1), st.RXFrames)
	assert.Zero(t, st.BadChains)
}

func TestInterruptRaisedAfterStep(t *testing.T) {
	r := newRig(t, Config{LinkUp: true})
	var isrs []uint8
	reg, err := r.dev.Line().Register(func() platform.Claim {
		v := r.hdr.ReadISR()
		isrs = append(isrs, v)
		if v == 0 {
			return platform.Unclaimed
		}
		return platform.Claimed
	})
	require.NoError(t, err)
	require.NoError(t, reg.Enable())

	r.transmit(t, []byte("hello, world"))
	r.dev.Step()
	assert.Equal(t, []uint8{wire.ISRQueue}, isrs)

	r.queues[wire.QueueTransmit].DisableInterrupts()
	r.transmit(t, []byte("quiet"))
	r.dev.Step()
	assert.Len(t, isrs, 1, "NO_INTERRUPT suppresses the interrupt")
	assert.Equal(t, uint64(1), r.dev.Line().Raised())
}

func TestReceiveWaitsForBuffers(t *testing.T) {
	r := newRig(t, Config{LinkUp: true})
	require.NoError(t, r.dev.Inject([]byte("early frame")))
	assert.Zero(t, r.dev.Step())
	assert.Equal(t, 1, r.dev.PendingRX())

	r.postRX(t, 128)
	assert.Equal(t, 1, r.dev.Step())
	assert.Zero(t, r.dev.PendingRX())
	require.Len(t, drain(r.queues[wire.QueueReceive]), 1)

	assert.Error(t, r.dev.Inject(nil))
}

func TestReceiveTruncated(t *testing.T) {
	r := newRig(t, Config{LinkUp: true})
	_, payload := r.postRX(t, 16)
	require.NoError(t, r.dev.Inject(bytes.Repeat([]byte{1}, 64)))
	r.dev.Step()

	done := drain(r.queues[wire.QueueReceive])
	require.Len(t, done, 1)
	assert.Equal(t, uint32(wire.NetHdrSize+payload.Len()), done[0].Len)
	assert.Equal(t, uint64(1), r.dev.Stats().RXTruncated)
}

func TestControlCommand(t *testing.T) {
	r := newRig(t, Config{LinkUp: true})
	cmd, err := r.pool.Reserve(wire.CtrlHdrSize+wire.CtrlRXCommandSize, dma.ToDevice)
	require.NoError(t, err)
	wire.CtrlHdr{Class: wire.CtrlClassRX, Cmd: wire.CtrlRXPromisc}.Put(cmd.Bytes())
	cmd.Bytes()[wire.CtrlHdrSize] = 1
	ack, err := r.pool.Reserve(wire.CtrlAckSize, dma.FromDevice)
	require.NoError(t, err)
	ack.Bytes()[0] = 0xEE

	_, err = r.queues[wire.QueueControl].Submit([]virtqueue.Segment{{Buf: cmd}, {Buf: ack, Writable: true}}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, r.dev.Step())

	done := drain(r.queues[wire.QueueControl])
	require.Len(t, done, 1)
	assert.Equal(t, uint32(wire.CtrlAckSize), done[0].Len)
	assert.Equal(t, uint8(wire.CtrlAckOK), ack.Bytes()[0])
	assert.True(t, r.dev.Promiscuous())
	assert.False(t, r.dev.AllMulticast())

	cmds := r.dev.ControlCommands()
	require.Len(t, cmds, 1)
	assert.Equal(t, uint8(wire.CtrlRXPromisc), cmds[0].Cmd)
}

func TestResetDetachesQueues(t *testing.T) {
	r := newRig(t, Config{LinkUp: true})
	assert.NotZero(t, r.dev.QueuePFN(wire.QueueReceive))

	r.hdr.Reset()
	assert.Zero(t, r.dev.Status())
	assert.Zero(t, r.dev.GuestFeatures())
	for i := range r.queues {
		assert.Zero(t, r.dev.QueuePFN(i))
	}
	require.NoError(t, r.dev.Inject([]byte("after reset")))
	assert.Zero(t, r.dev.Step(), "a reset device does not touch rings")
}

func TestSetLinkSignalsConfigChange(t *testing.T) {
	r := newRig(t, Config{LinkUp: true})
	var isrs []uint8
	reg, err := r.dev.Line().Register(func() platform.Claim {
		isrs = append(isrs, r.hdr.ReadISR())
		return platform.Claimed
	})
	require.NoError(t, err)
	require.NoError(t, reg.Enable())

	r.dev.SetLink(false)
	assert.False(t, r.netcfg.LinkUp())
	assert.Equal(t, []uint8{wire.ISRConfig}, isrs)

	r.dev.SetLink(false)
	assert.Len(t, isrs, 1, "no event without a change")
}

func TestSuppressNotify(t *testing.T) {
	r := newRig(t, Config{SuppressNotify: true, LinkUp: true})
	r.transmit(t, []byte("polled"))
	assert.Zero(t, r.dev.Stats().Notifies)
	assert.Equal(t, uint64(1), r.queues[wire.QueueTransmit].Stats().NotifySuppressed)
	assert.Equal(t, 1, r.dev.Step())
}

func TestAllocLimit(t *testing.T) {
	dev := New(Config{AllocLimit: 1})
	a := dev.Allocator()
	r, err := a.Alloc(4096, 4096)
	require.NoError(t, err)
	_, err = a.Alloc(4096, 4096)
	assert.ErrorIs(t, err, ErrAllocLimit)

	ok, refused := dev.Allocations()
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, refused)

	assert.Equal(t, 1, dev.LiveRegions())
	require.NoError(t, a.Free(r))
	assert.Zero(t, dev.LiveRegions())
}

func TestConnect(t *testing.T) {
	a := newRig(t, Config{Name: "a", LinkUp: true})
	b := newRig(t, Config{Name: "b", LinkUp: true})
	Connect(a.dev, b.dev)

	frame := bytes.Repeat([]byte{0x5a}, 64)
	a.transmit(t, frame)
	require.Equal(t, 1, a.dev.Step())
	assert.Equal(t, 1, b.dev.PendingRX(), "the frame crossed the cable")

	_, p := b.postRX(t, 128)
	require.Equal(t, 1, b.dev.Step())
	require.Len(t, drain(b.queues[wire.QueueReceive]), 1)
	assert.Equal(t, frame, p.Bytes()[:len(frame)])
	assert.Zero(t, a.dev.PendingRX(), "nothing flows back")
}
