// Package sim emulates the device side of a legacy virtio-net PCI function
// in memory. It implements platform.Function, so the driver runs against
// it unchanged: registers, ring memory reached through bus addresses, and
// an interrupt line.
//
// A Device is either stepped by hand (Step) for deterministic tests or run
// on its own goroutine (Run).
package sim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ehrlich-b/go-virtionet/internal/logging"
	"github.com/ehrlich-b/go-virtionet/internal/wire"
	"github.com/ehrlich-b/go-virtionet/platform"
)

// DefaultFeatures is what a simulated device offers unless told otherwise
const DefaultFeatures uint32 = wire.NetFeatureMAC |
	wire.NetFeatureStatus |
	wire.NetFeatureCtrlVQ |
	wire.NetFeatureCtrlRX |
	wire.FeatureRingIndirect

// DefaultMAC is the station address of a simulated device
var DefaultMAC = [wire.MACLen]byte{0x52, 0x54, 0x00, 0x12, 0x34, 0x56}

// RegisterSize is the size of the emulated register BAR
const RegisterSize = wire.HeaderSize + wire.NetConfigSize

// maxPendingRX bounds frames waiting for receive buffers
const maxPendingRX = 1024

// Config describes the emulated function
type Config struct {
	Name string

	// PCI identity (defaults: virtio-net legacy)
	VendorID  uint16
	DeviceID  uint16
	Revision  uint8
	Subsystem uint16

	// Features offered in the device features register
	Features uint32

	// QueueSizes for receive, transmit and control
	QueueSizes [wire.NumQueues]uint16

	MAC    [wire.MACLen]byte
	LinkUp bool

	// Loopback injects every transmitted frame back into the receive queue
	Loopback bool

	// SuppressNotify sets USED_F_NO_NOTIFY, so the driver never kicks and
	// a running device polls instead
	SuppressNotify bool
	PollInterval   time.Duration

	// AllocLimit fails every allocation after this many succeeded (0
	// disables the fault)
	AllocLimit int

	// Memory configures the bus address window of the DMA allocator
	Memory platform.AllocatorConfig

	// Memory backing; defaults to a heap allocator
	Backing Memory

	// Line is the interrupt line; a private one is created if nil
	Line *platform.SharedLine

	Logger *logging.Logger
}

// Memory is DMA memory the device can also resolve
type Memory interface {
	platform.Allocator
	platform.Resolver
}

// DefaultConfig returns a link-up virtio-net device with 256 entry data
// queues and a 64 entry control queue
func DefaultConfig() Config {
	return Config{
		Name:       "sim0",
		VendorID:   wire.PCIVendor,
		DeviceID:   wire.PCIDeviceIDMin,
		Revision:   wire.PCIRevisionABIV0,
		Subsystem:  wire.SubsystemNetwork,
		Features:   DefaultFeatures,
		QueueSizes: [wire.NumQueues]uint16{256, 256, 64},
		MAC:        DefaultMAC,
		LinkUp:     true,
	}
}

// CtrlCommand is one control queue command the device received
type CtrlCommand struct {
	Class uint8
	Cmd   uint8
	Data  []byte
	Ack   uint8
}

// Stats counts device activity
type Stats struct {
	Notifies      uint64
	Interrupts    uint64
	TXFrames      uint64
	TXBytes       uint64
	RXFrames      uint64
	RXBytes       uint64
	RXDropped     uint64
	RXTruncated   uint64
	CtrlCommands  uint64
	BadChains     uint64
	Resets        uint64
	RegisterStore uint64
}

// Device is a simulated virtio-net function
type Device struct {
	cfg    Config
	mem    *memory
	line   *platform.SharedLine
	config configSpace
	logger *logging.Logger

	// mu guards the register file and queue registration
	mu       sync.Mutex
	guest    uint32
	sel      uint16
	status   uint8
	isr      uint8
	link     bool
	queues   [wire.NumQueues]devQueue
	kicked   [wire.NumQueues]bool
	windows  map[*window]struct{}
	promisc  bool
	allmulti bool
	stats    Stats

	// stepMu serializes ring processing against device reset
	stepMu sync.Mutex
	rxq    [][]byte
	tx     [][]byte
	ctrl   []CtrlCommand

	// peer receives every transmitted frame once Step unlocks
	peer     *Device
	outbound [][]byte

	kick chan struct{}
}

// New creates a device. Zero fields of cfg take DefaultConfig values,
// except LinkUp and the other booleans which are used as given. A device
// offering nothing the driver supports is configured with unsupported
// bits only, since zero Features means the default offer.
func New(cfg Config) *Device {
	def := DefaultConfig()
	if cfg.Name == "" {
		cfg.Name = def.Name
	}
	if cfg.VendorID == 0 {
		cfg.VendorID = def.VendorID
	}
	if cfg.DeviceID == 0 {
		cfg.DeviceID = def.DeviceID
	}
	if cfg.Subsystem == 0 {
		cfg.Subsystem = def.Subsystem
	}
	if cfg.Features == 0 {
		cfg.Features = def.Features
	}
	if cfg.QueueSizes == ([wire.NumQueues]uint16{}) {
		cfg.QueueSizes = def.QueueSizes
	}
	if cfg.MAC == ([wire.MACLen]byte{}) {
		cfg.MAC = def.MAC
	}
	if cfg.SuppressNotify && cfg.PollInterval == 0 {
		cfg.PollInterval = time.Millisecond
	}
	backing := cfg.Backing
	if backing == nil {
		backing = platform.NewHeapAllocator(cfg.Memory)
	}
	line := cfg.Line
	if line == nil {
		line = platform.NewSharedLine()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop()
	}

	d := &Device{
		cfg:     cfg,
		mem:     &memory{Memory: backing, limit: cfg.AllocLimit},
		line:    line,
		logger:  logger.WithDevice(cfg.Name),
		link:    cfg.LinkUp,
		windows: make(map[*window]struct{}),
		kick:    make(chan struct{}, 1),
	}
	d.config = newConfigSpace(cfg)
	for i := range d.queues {
		d.queues[i].size = cfg.QueueSizes[i]
	}
	return d
}

// Name implements platform.Function
func (d *Device) Name() string { return d.cfg.Name }

// Config implements platform.Function
func (d *Device) Config() platform.ConfigSpace { return &d.config }

// RegisterSize implements platform.Function
func (d *Device) RegisterSize() uint32 { return RegisterSize }

// MapRegisters implements platform.Function
func (d *Device) MapRegisters(offset, size uint32) (platform.MMIO, error) {
	if size == 0 || offset+size > RegisterSize || offset+size < offset {
		return nil, fmt.Errorf("%w: [0x%x, 0x%x) of 0x%x", platform.ErrWindowRange, offset, offset+size, RegisterSize)
	}
	w := &window{dev: d, base: offset, size: size}
	d.mu.Lock()
	d.windows[w] = struct{}{}
	d.mu.Unlock()
	return w, nil
}

// UnmapRegisters implements platform.Function
func (d *Device) UnmapRegisters(m platform.MMIO) error {
	w, ok := m.(*window)
	d.mu.Lock()
	defer d.mu.Unlock()
	if !ok || w.dev != d {
		return fmt.Errorf("%w: not a window of %s", platform.ErrWindowRange, d.cfg.Name)
	}
	if _, live := d.windows[w]; !live {
		return fmt.Errorf("%w: window already unmapped", platform.ErrWindowRange)
	}
	delete(d.windows, w)
	w.unmapped = true
	return nil
}

// Allocator implements platform.Function
func (d *Device) Allocator() platform.Allocator { return d.mem }

// Interrupts implements platform.Function
func (d *Device) Interrupts() platform.InterruptLine { return d.line }

// Line returns the interrupt line the device raises
func (d *Device) Line() *platform.SharedLine { return d.line }

// Memory returns the DMA allocator, which also resolves bus addresses
func (d *Device) Memory() Memory { return d.mem }

// MappedWindows returns the number of register windows currently mapped
func (d *Device) MappedWindows() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.windows)
}

// Status returns the device status register
func (d *Device) Status() uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

// GuestFeatures returns what the driver wrote to the guest features register
func (d *Device) GuestFeatures() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.guest
}

// QueuePFN returns the page frame number registered for queue q
func (d *Device) QueuePFN(q int) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queues[q].pfn
}

// Promiscuous reports the last CTRL_RX promiscuous setting
func (d *Device) Promiscuous() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.promisc
}

// AllMulticast reports the last CTRL_RX all-multicast setting
func (d *Device) AllMulticast() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.allmulti
}

// Stats returns a copy of the device counters
func (d *Device) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// Transmitted returns every frame the driver sent, without virtio headers
func (d *Device) Transmitted() [][]byte {
	d.stepMu.Lock()
	defer d.stepMu.Unlock()
	out := make([][]byte, len(d.tx))
	copy(out, d.tx)
	return out
}

// ControlCommands returns the control queue commands processed so far
func (d *Device) ControlCommands() []CtrlCommand {
	d.stepMu.Lock()
	defer d.stepMu.Unlock()
	out := make([]CtrlCommand, len(d.ctrl))
	copy(out, d.ctrl)
	return out
}

// Inject queues a frame for delivery to the driver. It is written into the
// next posted receive buffer on the following Step.
func (d *Device) Inject(frame []byte) error {
	if len(frame) == 0 {
		return fmt.Errorf("sim: empty frame")
	}
	f := make([]byte, len(frame))
	copy(f, frame)

	d.stepMu.Lock()
	if len(d.rxq) >= maxPendingRX {
		d.stepMu.Unlock()
		d.mu.Lock()
		d.stats.RXDropped++
		d.mu.Unlock()
		return fmt.Errorf("sim: %d frames already pending", maxPendingRX)
	}
	d.rxq = append(d.rxq, f)
	d.stepMu.Unlock()

	d.wake()
	return nil
}

// PendingRX returns the number of injected frames not yet delivered
func (d *Device) PendingRX() int {
	d.stepMu.Lock()
	defer d.stepMu.Unlock()
	return len(d.rxq)
}

// SetLink changes the link state and signals a configuration change when
// the driver negotiated the status field.
func (d *Device) SetLink(up bool) {
	d.mu.Lock()
	changed := d.link != up
	d.link = up
	notify := changed && d.guest&wire.NetFeatureStatus != 0 && d.status&wire.StatusDriverOK != 0
	if notify {
		d.isr |= wire.ISRConfig
	}
	d.mu.Unlock()

	if notify {
		d.raise()
	}
}

// Connect cables a and b together: every frame one transmits is injected
// into the other. A device is connected to at most one peer.
func Connect(a, b *Device) {
	a.stepMu.Lock()
	a.peer = b
	a.stepMu.Unlock()

	b.stepMu.Lock()
	b.peer = a
	b.stepMu.Unlock()
}

// RaiseISR sets arbitrary ISR bits and raises the interrupt
func (d *Device) RaiseISR(bits uint8) platform.Claim {
	d.mu.Lock()
	d.isr |= bits
	d.mu.Unlock()
	return d.raise()
}

func (d *Device) raise() platform.Claim {
	d.mu.Lock()
	d.stats.Interrupts++
	d.mu.Unlock()
	return d.line.Raise()
}

func (d *Device) wake() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// Run processes the rings whenever the driver notifies or a frame is
// injected, until ctx is done.
func (d *Device) Run(ctx context.Context) error {
	var tick <-chan time.Time
	if d.cfg.PollInterval > 0 {
		t := time.NewTicker(d.cfg.PollInterval)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.kick:
		case <-tick:
		}
		d.Step()
	}
}
