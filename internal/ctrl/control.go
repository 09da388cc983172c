// Package ctrl drives a legacy virtio-net function from reset to
// operational and back.
package ctrl

import (
	"context"
	"errors"
	"fmt"

	"github.com/ehrlich-b/go-virtionet/internal/dma"
	"github.com/ehrlich-b/go-virtionet/internal/intr"
	"github.com/ehrlich-b/go-virtionet/internal/logging"
	"github.com/ehrlich-b/go-virtionet/internal/regs"
	"github.com/ehrlich-b/go-virtionet/internal/virtqueue"
	"github.com/ehrlich-b/go-virtionet/internal/wire"
	"github.com/ehrlich-b/go-virtionet/platform"
)

// Negotiate returns the features both sides support
func Negotiate(offered, supported uint32) uint32 {
	return offered & supported
}

// Controller runs the bring-up handshake of one device. It is not safe
// for concurrent use; bring-up and teardown are single threaded.
type Controller struct {
	fn       platform.Function
	params   Params
	hooks    Hooks
	observer intr.Observer
	logger   *logging.Logger

	state State
	res   *Resources

	// undo releases what bring-up acquired, run in reverse
	undo []func() error
}

// NewController prepares bring-up of fn. hooks and observer may be nil.
func NewController(fn platform.Function, params Params, hooks Hooks, observer intr.Observer, logger *logging.Logger) *Controller {
	if params.Supported == 0 {
		params.Supported = SupportedFeatures
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Controller{
		fn:       fn,
		params:   params,
		hooks:    hooks,
		observer: observer,
		logger:   logger,
		state:    StateReset,
		res:      &Resources{},
	}
}

// State returns the current bring-up state
func (c *Controller) State() State { return c.state }

// Resources returns what bring-up acquired; nil after a failure
func (c *Controller) Resources() *Resources { return c.res }

type step struct {
	name string
	run  func() error
}

// BringUp runs every step up to DRIVER_OK. On failure everything acquired
// is released, FAILED is written if the registers were mapped, and the
// controller stays in StateFailed.
func (c *Controller) BringUp(ctx context.Context) (*Resources, error) {
	if c.state != StateReset || c.res == nil || c.res.Header != nil {
		return nil, fmt.Errorf("%w: bring-up from %s", ErrInvalidState, c.state)
	}

	steps := []step{
		{"PROBE", c.Probe},
		{"RESET", c.Reset},
		{"ACKNOWLEDGE", c.Acknowledge},
		{"DRIVER", c.LoadDriver},
		{"FEATURES_OK", c.NegotiateFeatures},
		{"DRIVER_OK", c.Ready},
	}
	for _, s := range steps {
		if err := ctx.Err(); err != nil {
			c.fail()
			return nil, err
		}
		c.logger.ControlStart(s.name)
		if err := s.run(); err != nil {
			c.logger.ControlError(s.name, err)
			c.fail()
			return nil, err
		}
		c.logger.ControlSuccess(s.name, "state", c.state.String())
	}
	return c.res, nil
}

func (c *Controller) expect(want State) error {
	if c.state != want {
		return fmt.Errorf("%w: %s, want %s", ErrInvalidState, c.state, want)
	}
	return nil
}

func (c *Controller) push(f func() error) {
	c.undo = append(c.undo, f)
}

func (c *Controller) unwind() error {
	var errs []error
	for i := len(c.undo) - 1; i >= 0; i-- {
		if err := c.undo[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.undo = nil
	return errors.Join(errs...)
}

func (c *Controller) fail() {
	if c.res != nil && c.res.Header != nil {
		// stop the device before its rings go away
		c.res.Header.AddStatus(wire.StatusFailed)
	}
	if err := c.unwind(); err != nil {
		c.logger.Printf("bring-up cleanup: %v", err)
	}
	c.res = nil
	c.state = StateFailed
}

// Probe checks the PCI identity of the function and maps its registers.
// Nothing is written to the device when the identity does not match.
func (c *Controller) Probe() error {
	if err := c.expect(StateReset); err != nil {
		return err
	}
	cs := c.fn.Config()
	vendor := cs.Read16(platform.PCIVendorID)
	device := cs.Read16(platform.PCIDeviceID)
	revision := cs.Read8(platform.PCIRevisionID)
	subsystem := cs.Read16(platform.PCISubsystemID)

	switch {
	case vendor != wire.PCIVendor:
		return fmt.Errorf("%w: vendor 0x%04x", ErrUnsupportedDevice, vendor)
	case device < wire.PCIDeviceIDMin || device > wire.PCIDeviceIDMax:
		return fmt.Errorf("%w: device id 0x%04x", ErrUnsupportedDevice, device)
	case revision != wire.PCIRevisionABIV0:
		return fmt.Errorf("%w: revision %d", ErrUnsupportedDevice, revision)
	case subsystem != wire.SubsystemNetwork:
		return fmt.Errorf("%w: subsystem %d is not a network device", ErrUnsupportedDevice, subsystem)
	}

	if size := c.fn.RegisterSize(); size < wire.HeaderSize+wire.NetConfigSize {
		return fmt.Errorf("%w: register window of %d bytes", ErrMapping, size)
	}
	hdr, err := c.fn.MapRegisters(0, wire.HeaderSize)
	if err != nil {
		return fmt.Errorf("%w: header: %w", ErrMapping, err)
	}
	c.push(func() error { return c.fn.UnmapRegisters(hdr) })

	cfg, err := c.fn.MapRegisters(wire.HeaderSize, wire.NetConfigSize)
	if err != nil {
		return fmt.Errorf("%w: device config: %w", ErrMapping, err)
	}
	c.push(func() error { return c.fn.UnmapRegisters(cfg) })

	c.res.Header = regs.NewHeader(regs.NewLE(hdr))
	c.res.NetConfig = regs.NewNetConfig(regs.NewNative(cfg))
	c.logger.Debugf("%s: vendor 0x%04x device 0x%04x subsystem %d", c.fn.Name(), vendor, device, subsystem)
	return nil
}

// Reset writes zero to the status register
func (c *Controller) Reset() error {
	if err := c.expect(StateReset); err != nil {
		return err
	}
	c.res.Header.Reset()
	return nil
}

// Acknowledge tells the device a driver noticed it
func (c *Controller) Acknowledge() error {
	if err := c.expect(StateReset); err != nil {
		return err
	}
	c.res.Header.SetStatus(wire.StatusAck)
	c.state = StateAcknowledged
	return nil
}

// LoadDriver reads the offered features and the size of every queue, then
// tells the device a driver is loaded. A queue the device sizes at zero is
// fatal.
func (c *Controller) LoadDriver() error {
	if err := c.expect(StateAcknowledged); err != nil {
		return err
	}
	h := c.res.Header
	c.res.Offered = h.DeviceFeatures()

	for i := range c.res.QueueSizes {
		h.SelectQueue(uint16(i))
		n := int(h.QueueSize())
		if n == 0 {
			return fmt.Errorf("%w: %s queue has size 0", ErrNoUsableQueues, QueueRole[i])
		}
		if !wire.ValidQueueSize(n) {
			return fmt.Errorf("%w: %s queue size %d is not a power of two", ErrNoUsableQueues, QueueRole[i], n)
		}
		c.res.QueueSizes[i] = n
	}

	h.AddStatus(wire.StatusDriver)
	c.state = StateDriverLoaded
	return nil
}

// NegotiateFeatures writes the common subset of features. The legacy
// transport has no FEATURES_OK status bit, so the state lives here only.
func (c *Controller) NegotiateFeatures() error {
	if err := c.expect(StateDriverLoaded); err != nil {
		return err
	}
	f := Negotiate(c.res.Offered, c.params.Supported)
	if f == 0 {
		return fmt.Errorf("%w: offered 0x%08x, supported 0x%08x", ErrFeatureNegotiation, c.res.Offered, c.params.Supported)
	}
	c.res.Header.SetGuestFeatures(f)
	c.res.Features = f
	c.state = StateFeaturesOK
	return nil
}

// Ready allocates the pool and the three queues, lets the driver post
// receive buffers, installs the interrupt handler and sets DRIVER_OK.
func (c *Controller) Ready() error {
	if err := c.expect(StateFeaturesOK); err != nil {
		return err
	}
	res := c.res

	poolCfg := c.params.Pool
	poolCfg.Logger = c.logger
	res.Pool = dma.NewPool(c.fn.Allocator(), poolCfg)
	pool := res.Pool
	c.push(pool.Close)

	queues := [wire.NumQueues]**virtqueue.Queue{&res.RX, &res.TX, &res.Control}
	for i, dst := range queues {
		q, err := c.createQueue(uint16(i))
		if err != nil {
			return err
		}
		*dst = q
	}

	if c.hooks != nil {
		if err := c.hooks.Prepare(res); err != nil {
			return fmt.Errorf("%w: %w", ErrAllocation, err)
		}
	}

	var sinks intr.Sinks
	if c.hooks != nil {
		sinks = c.hooks.Sinks()
	}
	disp := intr.New(intr.Config{
		ISR:      res.Header,
		RX:       res.RX,
		TX:       res.TX,
		Control:  res.Control,
		Sinks:    sinks,
		Observer: c.observer,
		Logger:   c.logger,
	})
	reg, err := c.fn.Interrupts().Register(disp.Handle)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInterrupt, err)
	}
	c.push(func() error {
		disp.Disable()
		return reg.Remove()
	})
	if err := reg.Enable(); err != nil {
		return fmt.Errorf("%w: enable: %w", ErrInterrupt, err)
	}
	res.Dispatcher = disp
	res.Registration = reg

	res.Header.AddStatus(wire.StatusDriverOK)
	c.state = StateDriverReady
	return nil
}

func (c *Controller) createQueue(idx uint16) (*virtqueue.Queue, error) {
	res := c.res
	role := QueueRole[idx]

	q, err := virtqueue.New(idx, res.QueueSizes[idx], c.fn.Allocator(), virtqueue.Options{
		Notifier:          res.Header,
		Logger:            c.logger,
		Indirect:          res.Has(wire.FeatureRingIndirect),
		IndirectThreshold: c.params.IndirectThreshold,
		Tables:            res.Pool,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s queue: %w", ErrAllocation, role, err)
	}
	if q.Addr()>>wire.QueueAddressShift > 0xFFFFFFFF {
		q.Close()
		return nil, fmt.Errorf("%w: %s ring at 0x%x beyond 32-bit page frame", ErrAllocation, role, q.Addr())
	}

	res.Header.SelectQueue(idx)
	res.Header.SetQueuePFN(q.PFN())
	c.push(func() error { return c.releaseQueue(idx, q) })
	c.logger.Debugf("%s queue %d: %d entries at 0x%x", role, idx, q.Size(), q.Addr())
	return q, nil
}

// releaseQueue detaches a ring from the device and frees it with every
// buffer still on it
func (c *Controller) releaseQueue(idx uint16, q *virtqueue.Queue) error {
	c.res.Header.SelectQueue(idx)
	c.res.Header.SetQueuePFN(0)
	for _, comp := range q.Reset() {
		for _, b := range comp.Buffers {
			if err := c.res.Pool.Release(b); err != nil {
				c.logger.Debugf("queue %d: release 0x%x: %v", idx, b.Addr(), err)
			}
		}
	}
	return q.Close()
}

// Teardown stops a ready device: interrupts first, then a device reset so
// it lets go of the rings, then the rings, the pool and the registers.
func (c *Controller) Teardown() error {
	if err := c.expect(StateDriverReady); err != nil {
		return err
	}
	c.logger.ControlStart("TEARDOWN")

	c.res.Dispatcher.Disable()
	if err := c.res.Registration.Disable(); err != nil {
		c.logger.Printf("disable interrupt: %v", err)
	}
	c.res.Header.Reset()

	err := c.unwind()
	c.state = StateClosed
	if err != nil {
		c.logger.ControlError("TEARDOWN", err)
		return err
	}
	c.logger.ControlSuccess("TEARDOWN")
	return nil
}
