// Package virtionet drives a virtio-net network function over the legacy
// virtio PCI transport: feature negotiation, the receive, transmit and
// control virtqueues, and the interrupt path that feeds received frames to
// an upstream network stack.
package virtionet

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/go-virtionet/internal/constants"
	"github.com/ehrlich-b/go-virtionet/internal/ctrl"
	"github.com/ehrlich-b/go-virtionet/internal/dma"
	"github.com/ehrlich-b/go-virtionet/internal/intr"
	"github.com/ehrlich-b/go-virtionet/internal/logging"
	"github.com/ehrlich-b/go-virtionet/internal/virtqueue"
	"github.com/ehrlich-b/go-virtionet/internal/wire"
	"github.com/ehrlich-b/go-virtionet/platform"
)

// SupportedFeatures is the feature mask the driver accepts by default
const SupportedFeatures = ctrl.SupportedFeatures

// Params contains parameters for attaching a device
type Params struct {
	// Supported is ANDed with the device's offer (default: SupportedFeatures)
	Supported uint32

	// Receive path
	RXBuffers int // Receive chains kept posted (default: 256, clipped to the ring)
	MTU       int // Largest frame in bytes, without virtio header (default: 1514)

	// Memory
	PoolBytes int // DMA bytes for packet buffers (default: 16MB)

	// IndirectThreshold is the chain length that uses an indirect table
	// once RING_INDIRECT_DESC is negotiated (default: 3)
	IndirectThreshold int

	// CommandTimeout bounds control commands whose context has no deadline
	CommandTimeout time.Duration
}

// DefaultParams returns default device parameters
func DefaultParams() Params {
	return Params{
		Supported:         SupportedFeatures,
		RXBuffers:         constants.DefaultRXBuffers,
		MTU:               constants.DefaultMTU,
		PoolBytes:         constants.DefaultPoolBytes,
		IndirectThreshold: constants.DefaultIndirectThreshold,
		CommandTimeout:    constants.CommandTimeout,
	}
}

func (p Params) withDefaults() Params {
	def := DefaultParams()
	if p.Supported == 0 {
		p.Supported = def.Supported
	}
	if p.RXBuffers <= 0 {
		p.RXBuffers = def.RXBuffers
	}
	if p.MTU <= 0 {
		p.MTU = def.MTU
	}
	if p.PoolBytes <= 0 {
		p.PoolBytes = def.PoolBytes
	}
	if p.IndirectThreshold <= 0 {
		p.IndirectThreshold = def.IndirectThreshold
	}
	if p.CommandTimeout <= 0 {
		p.CommandTimeout = def.CommandTimeout
	}
	return p
}

// Options contains additional options for attaching a device
type Options struct {
	// Context for cancellation of bring-up (if nil, uses the ctx argument)
	Context context.Context

	// Logger for user-facing messages (if nil, no messages)
	Logger Logger

	// Observer for metrics collection, in addition to the built-in Metrics
	Observer Observer

	// Upstream receives frames and link changes (if nil, frames are dropped)
	Upstream Upstream
}

// DeviceState represents the lifecycle state of a device
type DeviceState string

const (
	// DeviceStateAttached indicates bring-up completed but traffic is off
	DeviceStateAttached DeviceState = "attached"
	// DeviceStateRunning indicates the device passes frames
	DeviceStateRunning DeviceState = "running"
	// DeviceStateStopped indicates Stop was called
	DeviceStateStopped DeviceState = "stopped"
	// DeviceStateClosed indicates the device was torn down
	DeviceStateClosed DeviceState = "closed"
)

// Device is an attached virtio-net function
type Device struct {
	fn     platform.Function
	name   string
	params Params

	ctrl *ctrl.Controller
	res  *ctrl.Resources

	logger   *logging.Logger
	userLog  Logger
	upstream Upstream
	metrics  *Metrics
	observer Observer

	// Set during bring-up, read-only afterwards
	mac      net.HardwareAddr
	caps     CapabilitySet
	rxTarget int

	link atomic.Int32

	mu      sync.Mutex
	state   DeviceState
	running atomic.Bool

	// closeMu gates every submission against teardown
	closeMu sync.RWMutex
	closed  bool
	done    chan struct{}

	txMu  sync.Mutex // single transmit producer
	rxMu  sync.Mutex // single receive refiller
	cmdMu sync.Mutex // one control command in flight
}

// Attach brings fn from reset to DRIVER_OK and returns the device with
// receive buffers posted and interrupts enabled. Traffic flows once Start
// is called. On failure everything acquired is released and the device
// is left FAILED.
//
// Example:
//
//	dev := sim.New(sim.DefaultConfig())
//	nic, err := virtionet.Attach(ctx, dev, virtionet.DefaultParams(), &virtionet.Options{Upstream: stack})
func Attach(ctx context.Context, fn platform.Function, params Params, options *Options) (*Device, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if options == nil {
		options = &Options{}
	}

	if options.Context != nil {
		ctx = options.Context
	}

	if fn == nil {
		return nil, NewError("ATTACH", ErrCodeInvalidParameters, "no PCI function")
	}
	params = params.withDefaults()

	metrics := NewMetrics()
	var observer Observer = NewMetricsObserver(metrics)
	if options.Observer != nil {
		observer = MultiObserver{observer, options.Observer}
	}

	d := &Device{
		fn:       fn,
		name:     fn.Name(),
		params:   params,
		logger:   logging.Default().WithDevice(fn.Name()),
		userLog:  options.Logger,
		upstream: options.Upstream,
		metrics:  metrics,
		observer: observer,
		state:    DeviceStateAttached,
		done:     make(chan struct{}),
	}

	ctrlParams := ctrl.Params{
		Supported:         params.Supported,
		IndirectThreshold: params.IndirectThreshold,
		Pool:              dma.Config{MaxBytes: params.PoolBytes, SlabSize: dma.DefaultSlabSize},
	}
	d.ctrl = ctrl.NewController(fn, ctrlParams, hooks{d}, observer, d.logger)

	res, err := d.ctrl.BringUp(ctx)
	if err != nil {
		metrics.Stop()
		return nil, wrapDeviceError("ATTACH", d.name, err)
	}
	d.res = res

	d.logger.Info("device attached",
		"features", fmt.Sprintf("0x%08x", res.Features),
		"mac", d.mac.String(),
		"link", d.LinkState().String(),
		"rx_buffers", d.rxTarget)

	if d.userLog != nil {
		d.userLog.Printf("Device attached: %s mac %s features 0x%08x queues %v",
			d.name, d.mac, res.Features, res.QueueSizes)
	}

	return d, nil
}

// hooks lets the bring-up state machine call back into the device without
// exporting the callbacks
type hooks struct{ d *Device }

func (h hooks) Prepare(res *ctrl.Resources) error { return h.d.prepare(res) }

func (h hooks) Sinks() intr.Sinks {
	d := h.d
	return intr.Sinks{
		RX:      d.onReceive,
		TX:      d.onTransmitDone,
		Control: d.onControlDone,
		Config:  d.onConfigChange,
		Error:   d.onInterruptError,
	}
}

// prepare runs once the queues exist, before interrupts and DRIVER_OK
func (d *Device) prepare(res *ctrl.Resources) error {
	d.res = res
	d.caps = capabilitiesFor(res.Features)

	if res.Has(wire.NetFeatureMAC) {
		mac := res.NetConfig.MAC()
		d.mac = net.HardwareAddr(mac[:])
	} else {
		mac, err := randomMAC()
		if err != nil {
			return err
		}
		d.mac = mac
	}

	if res.Has(wire.NetFeatureStatus) && !res.NetConfig.LinkUp() {
		d.link.Store(int32(LinkDown))
	} else {
		d.link.Store(int32(LinkUp))
	}

	perChain := 2
	if res.Has(wire.FeatureRingIndirect) && d.params.IndirectThreshold <= 2 {
		perChain = 1
	}
	d.rxTarget = min(d.params.RXBuffers, res.RX.Size()/perChain)
	if d.rxTarget == 0 {
		return fmt.Errorf("receive queue of %d entries cannot hold a buffer chain", res.RX.Size())
	}

	posted, err := d.refillRX()
	if err != nil {
		return fmt.Errorf("posted %d of %d receive buffers: %w", posted, d.rxTarget, err)
	}
	return nil
}

// randomMAC returns a random unicast, locally administered address
func randomMAC() (net.HardwareAddr, error) {
	mac := make(net.HardwareAddr, wire.MACLen)
	if _, err := rand.Read(mac); err != nil {
		return nil, fmt.Errorf("generate MAC address: %w", err)
	}
	mac[0] = (mac[0] | 0x02) &^ 0x01
	return mac, nil
}

// refillRX posts receive chains until rxTarget are outstanding
func (d *Device) refillRX() (int, error) {
	d.closeMu.RLock()
	defer d.closeMu.RUnlock()
	if d.closed {
		return 0, nil
	}

	d.rxMu.Lock()
	defer d.rxMu.Unlock()

	posted := 0
	for d.res.RX.Pending() < d.rxTarget {
		if err := d.postRX(); err != nil {
			return posted, err
		}
		posted++
	}
	return posted, nil
}

func (d *Device) postRX() error {
	pool := d.res.Pool
	hdr, err := pool.Reserve(wire.NetHdrSize, dma.FromDevice)
	if err != nil {
		return err
	}
	payload, err := pool.Reserve(d.params.MTU, dma.FromDevice)
	if err != nil {
		d.release(hdr)
		return err
	}

	_, err = d.res.RX.Submit([]virtqueue.Segment{
		{Buf: hdr, Writable: true},
		{Buf: payload, Writable: true},
	}, nil)
	if err != nil {
		d.release(hdr)
		d.release(payload)
		if errors.Is(err, virtqueue.ErrQueueFull) {
			d.observer.ObserveQueueFull(wire.QueueReceive)
		}
		return err
	}
	return nil
}

// onReceive runs on the interrupt path for every completed receive chain
func (d *Device) onReceive(c virtqueue.Completion) {
	if len(c.Buffers) != 2 {
		for _, b := range c.Buffers {
			d.release(b)
		}
		d.observer.ObserveRX(0, false)
		return
	}
	hdr, payload := c.Buffers[0], c.Buffers[1]
	d.release(hdr)

	n := min(int(c.Len)-wire.NetHdrSize, payload.Len())
	switch {
	case n <= 0:
		d.release(payload)
		d.observer.ObserveRX(0, false)
		d.logger.PacketError("receive", int(c.Len), errors.New("completion shorter than virtio header"))
	case !d.running.Load() || d.upstream == nil:
		d.release(payload)
		d.observer.ObserveRX(uint64(n), false)
		d.logger.Debug("frame dropped", "head", c.Head, "length", n, "running", d.running.Load())
	default:
		pkt := &Packet{buf: payload, n: n, release: d.releaseRX}
		d.observer.ObserveRX(uint64(n), true)
		d.logger.PacketRX(c.Head, n)
		d.refill()
		d.upstream.PacketReceived(pkt)
		return
	}
	d.refill()
}

// release hands a buffer back to the pool, logging a refusal
func (d *Device) release(b *dma.Buffer) {
	if err := d.res.Pool.Release(b); err != nil {
		d.logger.Debugf("release %d byte %s buffer at 0x%x: %v", b.Len(), b.Direction(), b.Addr(), err)
	}
}

// releaseRX is Packet.Release: the payload goes back to the pool and the
// ring is topped up
func (d *Device) releaseRX(b *dma.Buffer) {
	d.release(b)
	if d.running.Load() {
		d.refill()
	}
}

func (d *Device) refill() {
	if _, err := d.refillRX(); err != nil {
		d.logger.Debugf("receive refill: %v", err)
	}
}

// txCookie travels with a transmit chain
type txCookie struct {
	start time.Time
	n     int
}

// Transmit queues one frame for transmission. The frame is copied; pkt may
// be reused when Transmit returns. A full ring or exhausted pool returns
// ErrBusy; nothing is retried internally.
func (d *Device) Transmit(pkt []byte) error {
	const op = "TRANSMIT"
	if len(pkt) == 0 || len(pkt) > d.params.MTU {
		return NewDeviceError(op, d.name, ErrCodeInvalidParameters,
			fmt.Sprintf("frame of %d bytes, mtu %d", len(pkt), d.params.MTU))
	}

	d.txMu.Lock()
	defer d.txMu.Unlock()

	if !d.running.Load() {
		return NewDeviceError(op, d.name, ErrCodeInvalidState, "device is not started")
	}

	head, err := d.submitTX(pkt)
	if err != nil {
		if busy(err) {
			// harvest what the device finished so the caller's retry can succeed
			d.reapTX()
			d.observer.ObserveQueueFull(wire.QueueTransmit)
			return &Error{
				Op:     op,
				Device: d.name,
				Queue:  wire.QueueTransmit,
				Code:   ErrCodeBusy,
				Msg:    "transmit queue full",
				Inner:  err,
			}
		}
		d.observer.ObserveTX(uint64(len(pkt)), 0, false)
		return wrapDeviceError(op, d.name, err)
	}

	d.logger.PacketTX(head, len(pkt))
	return nil
}

// busy reports a refusal a later retry can get past. A chain longer than
// the whole ring never fits.
func busy(err error) bool {
	if errors.Is(err, virtqueue.ErrChainTooLong) {
		return false
	}
	return errors.Is(err, virtqueue.ErrQueueFull) || errors.Is(err, dma.ErrExhausted)
}

func (d *Device) submitTX(pkt []byte) (uint16, error) {
	d.closeMu.RLock()
	defer d.closeMu.RUnlock()
	if d.closed {
		return 0, ctrl.ErrInvalidState
	}

	pool := d.res.Pool
	hdr, err := pool.Reserve(wire.NetHdrSize, dma.ToDevice)
	if err != nil {
		return 0, err
	}
	wire.NetHdr{}.Put(hdr.Bytes())

	payload, err := pool.Reserve(len(pkt), dma.ToDevice)
	if err != nil {
		d.release(hdr)
		return 0, err
	}
	copy(payload.Bytes(), pkt)

	head, err := d.res.TX.Submit([]virtqueue.Segment{{Buf: hdr}, {Buf: payload}},
		txCookie{start: time.Now(), n: len(pkt)})
	if err != nil {
		d.release(hdr)
		d.release(payload)
		return 0, err
	}
	return head, nil
}

// reapTX drains transmit completions outside the interrupt path
func (d *Device) reapTX() int {
	n := 0
	for c := range d.res.TX.Drain() {
		d.observer.ObserveCompletion(wire.QueueTransmit)
		d.onTransmitDone(c)
		n++
	}
	return n
}

// onTransmitDone returns a transmitted chain's buffers to the pool
func (d *Device) onTransmitDone(c virtqueue.Completion) {
	for _, b := range c.Buffers {
		d.release(b)
	}
	if ck, ok := c.Cookie.(txCookie); ok {
		d.observer.ObserveTX(uint64(ck.n), uint64(time.Since(ck.start)), true)
	}
}

// ctrlCookie travels with a control command
type ctrlCookie struct {
	done chan uint8
}

// SetPromiscuous switches promiscuous receive on or off. It needs
// CapPromiscuous.
func (d *Device) SetPromiscuous(ctx context.Context, on bool) error {
	return d.rxMode(ctx, "SET_PROMISC", CapPromiscuous, wire.CtrlRXPromisc, on)
}

// SetAllMulticast switches reception of all multicast frames on or off.
// It needs CapAllMulticast.
func (d *Device) SetAllMulticast(ctx context.Context, on bool) error {
	return d.rxMode(ctx, "SET_ALLMULTI", CapAllMulticast, wire.CtrlRXAllMulti, on)
}

func (d *Device) rxMode(ctx context.Context, op string, c Capability, cmd uint8, on bool) error {
	if !d.caps.Has(c) {
		return NewDeviceError(op, d.name, ErrCodeNotSupported, "CTRL_VQ and CTRL_RX not negotiated")
	}
	var v byte
	if on {
		v = 1
	}
	return d.command(ctx, op, wire.CtrlClassRX, cmd, []byte{v})
}

// command sends one control command and waits for the device's ack
func (d *Device) command(ctx context.Context, op string, class, cmd uint8, data []byte) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.params.CommandTimeout)
		defer cancel()
	}

	d.cmdMu.Lock()
	defer d.cmdMu.Unlock()

	done, err := d.submitCommand(class, cmd, data)
	if err != nil {
		return wrapDeviceError(op, d.name, err)
	}
	d.logger.ControlStart(op)

	ticker := time.NewTicker(constants.CommandPollInterval)
	defer ticker.Stop()
	for {
		select {
		case ack := <-done:
			if ack != wire.CtrlAckOK {
				err := NewQueueError(op, d.name, wire.QueueControl, ErrCodeCommandRejected, fmt.Sprintf("ack %d", ack))
				d.logger.ControlError(op, err)
				return err
			}
			d.logger.ControlSuccess(op)
			return nil
		case <-ticker.C:
			d.reapControl()
		case <-d.done:
			return NewQueueError(op, d.name, wire.QueueControl, ErrCodeInvalidState, "device closed")
		case <-ctx.Done():
			d.logger.ControlError(op, ctx.Err())
			return &Error{
				Op:     op,
				Device: d.name,
				Queue:  wire.QueueControl,
				Code:   ErrCodeTimeout,
				Msg:    "control command did not complete",
				Inner:  ctx.Err(),
			}
		}
	}
}

func (d *Device) submitCommand(class, cmd uint8, data []byte) (chan uint8, error) {
	d.closeMu.RLock()
	defer d.closeMu.RUnlock()
	if d.closed {
		return nil, ctrl.ErrInvalidState
	}

	pool := d.res.Pool
	req, err := pool.Reserve(wire.CtrlHdrSize+len(data), dma.ToDevice)
	if err != nil {
		return nil, err
	}
	wire.CtrlHdr{Class: class, Cmd: cmd}.Put(req.Bytes())
	copy(req.Bytes()[wire.CtrlHdrSize:], data)

	ack, err := pool.Reserve(wire.CtrlAckSize, dma.FromDevice)
	if err != nil {
		d.release(req)
		return nil, err
	}
	ack.Bytes()[0] = wire.CtrlAckErr

	done := make(chan uint8, 1)
	_, err = d.res.Control.Submit([]virtqueue.Segment{{Buf: req}, {Buf: ack, Writable: true}},
		&ctrlCookie{done: done})
	if err != nil {
		d.release(req)
		d.release(ack)
		return nil, err
	}
	return done, nil
}

func (d *Device) reapControl() {
	for c := range d.res.Control.Drain() {
		d.observer.ObserveCompletion(wire.QueueControl)
		d.onControlDone(c)
	}
}

// onControlDone reads the ack of a completed command and wakes its waiter
func (d *Device) onControlDone(c virtqueue.Completion) {
	ack := uint8(wire.CtrlAckErr)
	if len(c.Buffers) == 2 {
		if b := c.Buffers[1].Bytes(); len(b) > 0 {
			ack = b[0]
		}
	}
	for _, b := range c.Buffers {
		d.release(b)
	}
	if ck, ok := c.Cookie.(*ctrlCookie); ok {
		ck.done <- ack
	}
}

// onConfigChange re-reads the link state after a CONFIG_CHANGE interrupt
func (d *Device) onConfigChange() {
	if !d.res.Has(wire.NetFeatureStatus) {
		return
	}
	state := LinkDown
	if d.res.NetConfig.LinkUp() {
		state = LinkUp
	}
	if LinkState(d.link.Swap(int32(state))) == state {
		return
	}
	d.logger.Info("link changed", "link", state.String())
	if d.upstream != nil {
		d.upstream.LinkChanged(state)
	}
}

func (d *Device) onInterruptError(err error) {
	d.logger.Warn("interrupt", "error", err.Error())
}

// Start lets frames flow: received frames go upstream and Transmit is
// accepted.
func (d *Device) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch d.state {
	case DeviceStateRunning:
		return nil
	case DeviceStateAttached, DeviceStateStopped:
	default:
		return NewDeviceError("START", d.name, ErrCodeInvalidState, "device is "+string(d.state))
	}
	d.state = DeviceStateRunning
	d.running.Store(true)
	d.refill()
	d.logger.Info("device started")
	return nil
}

// Stop gates the packet path: Transmit fails and received frames are
// dropped until Start. The device stays attached.
func (d *Device) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch d.state {
	case DeviceStateRunning:
	case DeviceStateAttached, DeviceStateStopped:
		return nil
	default:
		return NewDeviceError("STOP", d.name, ErrCodeInvalidState, "device is "+string(d.state))
	}
	d.state = DeviceStateStopped
	d.running.Store(false)
	d.logger.Info("device stopped")
	return nil
}

// Suspend is not supported by this driver
func (d *Device) Suspend() error {
	return NewDeviceError("SUSPEND", d.name, ErrCodeNotSupported, "power management is not supported")
}

// Resume is not supported by this driver
func (d *Device) Resume() error {
	return NewDeviceError("RESUME", d.name, ErrCodeNotSupported, "power management is not supported")
}

// Close tears the device down: interrupts off, device reset, rings and
// buffers freed, registers unmapped. It must not be called from an
// Upstream callback. Packets still held upstream read as nil afterwards;
// releasing them is harmless.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == DeviceStateClosed {
		return nil
	}
	d.state = DeviceStateClosed
	d.running.Store(false)

	// no handler may run while submissions are gated
	d.res.Dispatcher.Disable()
	d.closeMu.Lock()
	d.closed = true
	close(d.done)
	d.closeMu.Unlock()

	d.txMu.Lock()
	err := d.ctrl.Teardown()
	d.txMu.Unlock()
	d.metrics.Stop()

	if err != nil {
		d.logger.Error("teardown failed", "error", err.Error())
		return wrapDeviceError("CLOSE", d.name, err)
	}
	d.logger.Info("device closed")
	if d.userLog != nil {
		d.userLog.Printf("Device closed: %s", d.name)
	}
	return nil
}

// State returns the lifecycle state of the device
func (d *Device) State() DeviceState {
	if d == nil {
		return DeviceStateClosed
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// IsRunning returns true if the device passes frames
func (d *Device) IsRunning() bool {
	return d.running.Load()
}

// Name returns the PCI function name
func (d *Device) Name() string { return d.name }

// LinkState returns the carrier state. Without the STATUS feature the link
// is always up.
func (d *Device) LinkState() LinkState {
	if !d.caps.Has(CapLinkState) {
		return LinkUp
	}
	return LinkState(d.link.Load())
}

// MACAddress returns the station address: the device's when MAC was
// negotiated, otherwise a random locally administered one
func (d *Device) MACAddress() net.HardwareAddr {
	out := make(net.HardwareAddr, len(d.mac))
	copy(out, d.mac)
	return out
}

// Features returns the negotiated feature bits
func (d *Device) Features() uint32 { return d.res.Features }

// OfferedFeatures returns what the device offered
func (d *Device) OfferedFeatures() uint32 { return d.res.Offered }

// QueueSizes returns the receive, transmit and control queue sizes
func (d *Device) QueueSizes() [wire.NumQueues]int { return d.res.QueueSizes }

// MTU returns the largest frame Transmit accepts
func (d *Device) MTU() int { return d.params.MTU }

// Capabilities returns the optional operations this device supports
func (d *Device) Capabilities() CapabilitySet { return d.caps }

// Has reports whether the device supports c
func (d *Device) Has(c Capability) bool { return d.caps.Has(c) }

// Properties returns driver properties: the negotiated features, queue
// sizes, and the advertised link speed and duplex
func (d *Device) Properties() map[string]string {
	return map[string]string{
		"_features":      fmt.Sprintf("0x%08x", d.res.Features),
		"_receiveqsize":  strconv.Itoa(d.res.QueueSizes[wire.QueueReceive]),
		"_transmitqsize": strconv.Itoa(d.res.QueueSizes[wire.QueueTransmit]),
		"_controlqsize":  strconv.Itoa(d.res.QueueSizes[wire.QueueControl]),
		"speed":          strconv.Itoa(constants.LinkSpeedMbps),
		"duplex":         constants.LinkDuplex,
	}
}

// Metrics returns the current metrics for the device
func (d *Device) Metrics() *Metrics {
	if d == nil {
		return nil
	}
	return d.metrics
}

// MetricsSnapshot returns a point-in-time snapshot of device metrics
func (d *Device) MetricsSnapshot() MetricsSnapshot {
	if d == nil || d.metrics == nil {
		return MetricsSnapshot{}
	}
	return d.metrics.Snapshot()
}

// DeviceInfo contains comprehensive information about a device
type DeviceInfo struct {
	Name         string      `json:"name"`
	State        DeviceState `json:"state"`
	MAC          string      `json:"mac"`
	Link         string      `json:"link"`
	Features     uint32      `json:"features"`
	Capabilities string      `json:"capabilities"`
	QueueSizes   [3]int      `json:"queue_sizes"`
	RXBuffers    int         `json:"rx_buffers"`
	MTU          int         `json:"mtu"`
	Running      bool        `json:"running"`
}

// Info returns comprehensive information about the device
func (d *Device) Info() DeviceInfo {
	if d == nil {
		return DeviceInfo{}
	}
	return DeviceInfo{
		Name:         d.name,
		State:        d.State(),
		MAC:          d.mac.String(),
		Link:         d.LinkState().String(),
		Features:     d.res.Features,
		Capabilities: d.caps.String(),
		QueueSizes:   d.res.QueueSizes,
		RXBuffers:    d.rxTarget,
		MTU:          d.params.MTU,
		Running:      d.running.Load(),
	}
}
