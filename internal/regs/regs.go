// Package regs gives typed access to the legacy virtio PCI register window.
package regs

import (
	"encoding/binary"

	"github.com/ehrlich-b/go-virtionet/internal/wire"
	"github.com/ehrlich-b/go-virtionet/platform"
)

// Window reads and writes fixed-width registers by offset.
type Window interface {
	Read8(off uint32) uint8
	Read16(off uint32) uint16
	Read32(off uint32) uint32
	Write8(off uint32, v uint8)
	Write16(off uint32, v uint16)
	Write32(off uint32, v uint32)
}

type window struct {
	mmio  platform.MMIO
	order binary.ByteOrder
}

// NewLE returns a window that converts between little-endian device values
// and host values. The legacy common header is little-endian.
func NewLE(m platform.MMIO) Window {
	return &window{mmio: m, order: binary.LittleEndian}
}

// NewNative returns a window that passes values through in host byte order.
// Legacy device-specific configuration is in guest native order.
func NewNative(m platform.MMIO) Window {
	return &window{mmio: m, order: binary.NativeEndian}
}

func (w *window) Read8(off uint32) uint8 {
	var b [1]byte
	w.mmio.Load(off, b[:])
	return b[0]
}

func (w *window) Read16(off uint32) uint16 {
	var b [2]byte
	w.mmio.Load(off, b[:])
	return w.order.Uint16(b[:])
}

func (w *window) Read32(off uint32) uint32 {
	var b [4]byte
	w.mmio.Load(off, b[:])
	return w.order.Uint32(b[:])
}

func (w *window) Write8(off uint32, v uint8) {
	b := [1]byte{v}
	w.mmio.Store(off, b[:])
}

func (w *window) Write16(off uint32, v uint16) {
	var b [2]byte
	w.order.PutUint16(b[:], v)
	w.mmio.Store(off, b[:])
}

func (w *window) Write32(off uint32, v uint32) {
	var b [4]byte
	w.order.PutUint32(b[:], v)
	w.mmio.Store(off, b[:])
}

// Header wraps the common virtio header registers.
type Header struct {
	w Window
}

// NewHeader wraps a little-endian window over the common header
func NewHeader(w Window) *Header {
	return &Header{w: w}
}

func (h *Header) DeviceFeatures() uint32 { return h.w.Read32(wire.RegDeviceFeatures) }

func (h *Header) GuestFeatures() uint32 { return h.w.Read32(wire.RegGuestFeatures) }

func (h *Header) SetGuestFeatures(f uint32) { h.w.Write32(wire.RegGuestFeatures, f) }

// SelectQueue makes q the target of QueueSize, SetQueuePFN and QueuePFN
func (h *Header) SelectQueue(q uint16) { h.w.Write16(wire.RegQueueSelect, q) }

func (h *Header) QueueSize() uint16 { return h.w.Read16(wire.RegQueueSize) }

func (h *Header) SetQueuePFN(pfn uint32) { h.w.Write32(wire.RegQueueAddress, pfn) }

func (h *Header) QueuePFN() uint32 { return h.w.Read32(wire.RegQueueAddress) }

// Notify tells the device that queue q has new available buffers
func (h *Header) Notify(q uint16) { h.w.Write16(wire.RegQueueNotify, q) }

func (h *Header) Status() uint8 { return h.w.Read8(wire.RegDeviceStatus) }

func (h *Header) SetStatus(s uint8) { h.w.Write8(wire.RegDeviceStatus, s) }

// AddStatus ORs bits into the status register
func (h *Header) AddStatus(bits uint8) { h.SetStatus(h.Status() | bits) }

// Reset writes zero to the status register, which resets the device
func (h *Header) Reset() { h.SetStatus(wire.StatusReset) }

// ReadISR reads and thereby clears the interrupt status register
func (h *Header) ReadISR() uint8 { return h.w.Read8(wire.RegISRStatus) }

// NetConfig wraps the virtio-net device specific configuration.
type NetConfig struct {
	w Window
}

// NewNetConfig wraps a native-order window over the device configuration
func NewNetConfig(w Window) *NetConfig {
	return &NetConfig{w: w}
}

// MAC reads the six byte station address
func (c *NetConfig) MAC() [wire.MACLen]byte {
	var mac [wire.MACLen]byte
	for i := range mac {
		mac[i] = c.w.Read8(uint32(wire.NetConfigMAC + i))
	}
	return mac
}

// LinkStatus reads the status field; only meaningful with
// NetFeatureStatus negotiated.
func (c *NetConfig) LinkStatus() uint16 {
	return c.w.Read16(wire.NetConfigStatus)
}

// LinkUp reports whether the LINK_UP bit is set
func (c *NetConfig) LinkUp() bool {
	return c.LinkStatus()&wire.NetStatusLinkUp != 0
}
