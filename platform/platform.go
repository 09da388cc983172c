// Package platform defines the services the virtio-net core needs from the
// host platform: PCI configuration space reads, register window mapping,
// bus-addressable DMA memory, and a single interrupt line.
//
// A real deployment implements Function on top of VFIO or a hypervisor
// shim; the sim package implements it in memory for tests and demos.
package platform

import "errors"

// Platform errors
var (
	ErrRegionTooLarge = errors.New("platform: region exceeds address limit")
	ErrNoAddressSpace = errors.New("platform: bus address space exhausted")
	ErrUnknownRegion  = errors.New("platform: region not owned by allocator")
	ErrBadAlignment   = errors.New("platform: alignment must be a power of two")
	ErrWindowRange    = errors.New("platform: register window out of range")
	ErrHandlerRemoved = errors.New("platform: interrupt handler removed")
)

// PCI configuration space offsets read by the driver
const (
	PCIVendorID    = 0x00
	PCIDeviceID    = 0x02
	PCIRevisionID  = 0x08
	PCISubsystemID = 0x2E
)

// ConfigSpace gives read access to a PCI function's configuration header.
type ConfigSpace interface {
	Read8(off uint8) uint8
	Read16(off uint8) uint16
}

// MMIO is a mapped register window. Load and Store move exactly len(p)
// bytes (1, 2 or 4) at off as a single device access, in the byte order
// the device stores them. Byte order conversion is the caller's job.
type MMIO interface {
	Load(off uint32, p []byte)
	Store(off uint32, p []byte)
	Size() uint32
}

// Function is one PCI function handed to the driver at attach time.
type Function interface {
	// Name identifies the function in logs (e.g. "0000:00:03.0")
	Name() string

	// Config returns the configuration space accessor
	Config() ConfigSpace

	// RegisterSize returns the size of the I/O register BAR in bytes
	RegisterSize() uint32

	// MapRegisters maps [offset, offset+size) of the register BAR
	MapRegisters(offset, size uint32) (MMIO, error)

	// UnmapRegisters releases a window returned by MapRegisters
	UnmapRegisters(MMIO) error

	// Allocator returns the DMA allocator for this function
	Allocator() Allocator

	// Interrupts returns the function's interrupt line
	Interrupts() InterruptLine
}

// Claim is an interrupt handler verdict. On a shared line the platform
// uses it to decide whether the interrupt belonged to anybody.
type Claim int

const (
	Unclaimed Claim = iota
	Claimed
)

func (c Claim) String() string {
	if c == Claimed {
		return "claimed"
	}
	return "unclaimed"
}

// Handler services one interrupt delivery.
type Handler func() Claim

// InterruptLine accepts handler registrations.
type InterruptLine interface {
	Register(h Handler) (Registration, error)
}

// Registration controls an installed handler. A freshly registered
// handler is disabled until Enable is called.
type Registration interface {
	Enable() error
	Disable() error
	Remove() error
}
