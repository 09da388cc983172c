package sim

import (
	"encoding/binary"

	"github.com/ehrlich-b/go-virtionet/internal/wire"
	"github.com/ehrlich-b/go-virtionet/platform"
)

// configSpace is a 64 byte PCI configuration header
type configSpace struct {
	b [64]byte
}

func newConfigSpace(cfg Config) configSpace {
	var cs configSpace
	binary.LittleEndian.PutUint16(cs.b[platform.PCIVendorID:], cfg.VendorID)
	binary.LittleEndian.PutUint16(cs.b[platform.PCIDeviceID:], cfg.DeviceID)
	cs.b[platform.PCIRevisionID] = cfg.Revision
	cs.b[0x0E] = 0 // header type

	// subsystem vendor
	binary.LittleEndian.PutUint16(cs.b[0x2C:], wire.PCIVendor)
	binary.LittleEndian.PutUint16(cs.b[platform.PCISubsystemID:], cfg.Subsystem)
	cs.b[0x3D] = 1 // INTA
	return cs
}

func (c *configSpace) Read8(off uint8) uint8 {
	if int(off) >= len(c.b) {
		return 0xFF
	}
	return c.b[off]
}

func (c *configSpace) Read16(off uint8) uint16 {
	if int(off)+2 > len(c.b) {
		return 0xFFFF
	}
	return binary.LittleEndian.Uint16(c.b[off:])
}

// window is one mapping of the register BAR
type window struct {
	dev      *Device
	base     uint32
	size     uint32
	unmapped bool
}

func (w *window) Size() uint32 { return w.size }

func (w *window) Load(off uint32, p []byte) {
	if w.unmapped || off+uint32(len(p)) > w.size {
		for i := range p {
			p[i] = 0xFF
		}
		return
	}
	w.dev.ioIn(w.base+off, p)
}

func (w *window) Store(off uint32, p []byte) {
	if w.unmapped || off+uint32(len(p)) > w.size {
		return
	}
	w.dev.ioOut(w.base+off, p)
}

// image renders the register file: the common header little-endian, the
// device configuration in host order. Caller holds mu.
func (d *Device) image() [RegisterSize]byte {
	var b [RegisterSize]byte
	le := binary.LittleEndian
	le.PutUint32(b[wire.RegDeviceFeatures:], d.cfg.Features)
	le.PutUint32(b[wire.RegGuestFeatures:], d.guest)
	if int(d.sel) < len(d.queues) {
		q := &d.queues[d.sel]
		le.PutUint32(b[wire.RegQueueAddress:], q.pfn)
		le.PutUint16(b[wire.RegQueueSize:], q.size)
	}
	le.PutUint16(b[wire.RegQueueSelect:], d.sel)
	b[wire.RegDeviceStatus] = d.status
	b[wire.RegISRStatus] = d.isr

	netcfg := b[wire.HeaderSize:]
	copy(netcfg[wire.NetConfigMAC:], d.cfg.MAC[:])
	var st uint16
	if d.link {
		st |= wire.NetStatusLinkUp
	}
	binary.NativeEndian.PutUint16(netcfg[wire.NetConfigStatus:], st)
	return b
}

func (d *Device) ioIn(off uint32, p []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	img := d.image()
	copy(p, img[off:])
	if off <= wire.RegISRStatus && off+uint32(len(p)) > wire.RegISRStatus {
		// reading the ISR acknowledges the interrupt
		d.isr = 0
	}
}

func (d *Device) ioOut(off uint32, p []byte) {
	var v uint32
	switch len(p) {
	case 1:
		v = uint32(p[0])
	case 2:
		v = uint32(binary.LittleEndian.Uint16(p))
	case 4:
		v = binary.LittleEndian.Uint32(p)
	default:
		return
	}

	if off == wire.RegDeviceStatus && v == wire.StatusReset {
		d.reset()
		return
	}

	if off == wire.RegQueueAddress {
		// rings are swapped only between steps
		d.stepMu.Lock()
		defer d.stepMu.Unlock()
	}

	d.mu.Lock()
	d.stats.RegisterStore++
	notify := -1
	switch off {
	case wire.RegGuestFeatures:
		d.guest = v & d.cfg.Features
	case wire.RegQueueAddress:
		d.setQueuePFN(v)
	case wire.RegQueueSelect:
		d.sel = uint16(v)
	case wire.RegQueueNotify:
		if int(v) < len(d.queues) {
			d.kicked[v] = true
			d.stats.Notifies++
			notify = int(v)
		}
	case wire.RegDeviceStatus:
		d.status = uint8(v)
	}
	d.mu.Unlock()

	if notify >= 0 {
		d.wake()
	}
}

// setQueuePFN registers or releases the ring of the selected queue. Caller
// holds mu.
func (d *Device) setQueuePFN(pfn uint32) {
	if int(d.sel) >= len(d.queues) {
		return
	}
	q := &d.queues[d.sel]
	q.detach()
	q.pfn = pfn
	if pfn == 0 || q.size == 0 {
		return
	}
	if err := q.attach(d.mem, uint64(pfn)<<wire.QueueAddressShift, d.cfg.SuppressNotify); err != nil {
		d.logger.Warn("queue ring does not resolve", "queue", d.sel, "pfn", pfn, "error", err.Error())
		q.pfn = 0
	}
}

// reset returns the device to its power-on state. It waits for ring
// processing in progress so the driver may free the rings afterwards.
func (d *Device) reset() {
	d.stepMu.Lock()
	defer d.stepMu.Unlock()
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stats.Resets++
	d.stats.RegisterStore++
	d.status = wire.StatusReset
	d.guest = 0
	d.sel = 0
	d.isr = 0
	d.promisc = false
	d.allmulti = false
	for i := range d.queues {
		d.queues[i].detach()
		d.queues[i].pfn = 0
		d.kicked[i] = false
	}
}
