// Package intr turns interrupts from the device into queue drains and
// configuration change callbacks.
package intr

import (
	"errors"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"

	"github.com/ehrlich-b/go-virtionet/internal/virtqueue"
	"github.com/ehrlich-b/go-virtionet/internal/wire"
	"github.com/ehrlich-b/go-virtionet/platform"
)

// ErrUnexpectedCause reports ISR bits the driver does not know
var ErrUnexpectedCause = errors.New("intr: unexpected interrupt cause")

// ISR reads (and thereby clears) the interrupt status register
type ISR interface {
	ReadISR() uint8
}

// Ring is a queue the dispatcher drains
type Ring interface {
	Index() uint16
	Drain() iter.Seq[virtqueue.Completion]
}

// Sinks receive what an interrupt produced. Any of them may be nil.
type Sinks struct {
	RX      func(virtqueue.Completion)
	TX      func(virtqueue.Completion)
	Control func(virtqueue.Completion)
	Config  func()
	Error   func(error)
}

// Observer is told about each interrupt
type Observer interface {
	ObserveInterrupt(isr uint8, claimed bool)
	ObserveCompletion(queue uint16)
}

// Logger is the logging surface the dispatcher needs
type Logger interface {
	Debugf(format string, args ...any)
	InterruptCause(isr uint8, unknown uint8)
}

// Config wires a Dispatcher to its device
type Config struct {
	ISR      ISR
	RX       Ring
	TX       Ring
	Control  Ring // nil without a control queue
	Sinks    Sinks
	Observer Observer
	Logger   Logger
}

// Stats counts dispatcher activity
type Stats struct {
	Interrupts   uint64
	Unclaimed    uint64
	QueueEvents  uint64
	ConfigEvents uint64
	Unexpected   uint64
	Completions  [wire.NumQueues]uint64
}

// Dispatcher is the interrupt handler of one device. It starts enabled;
// Disable stops it for good.
type Dispatcher struct {
	cfg Config

	// held shared by Handle, exclusively by Disable
	mu       sync.RWMutex
	disabled bool

	interrupts   atomic.Uint64
	unclaimed    atomic.Uint64
	queueEvents  atomic.Uint64
	configEvents atomic.Uint64
	unexpected   atomic.Uint64
	completions  [wire.NumQueues]atomic.Uint64
}

// New creates a dispatcher
func New(cfg Config) *Dispatcher {
	return &Dispatcher{cfg: cfg}
}

// Handle services one interrupt: it reads the ISR once, drains every queue
// on a queue event and reports a configuration change on a config event.
// It matches platform.Handler.
func (d *Dispatcher) Handle() platform.Claim {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.disabled {
		return platform.Unclaimed
	}
	d.interrupts.Add(1)

	isr := d.cfg.ISR.ReadISR()
	if isr == 0 {
		// shared line, somebody else's interrupt
		d.unclaimed.Add(1)
		d.observe(isr, false)
		return platform.Unclaimed
	}

	if unknown := isr &^ wire.ISRKnown; unknown != 0 {
		d.unexpected.Add(1)
		if d.cfg.Logger != nil {
			d.cfg.Logger.InterruptCause(isr, unknown)
		}
		if d.cfg.Sinks.Error != nil {
			d.cfg.Sinks.Error(fmt.Errorf("%w: isr=0x%02x", ErrUnexpectedCause, isr))
		}
	}

	if isr&wire.ISRQueue != 0 {
		d.queueEvents.Add(1)
		d.drain(d.cfg.RX, d.cfg.Sinks.RX)
		d.drain(d.cfg.TX, d.cfg.Sinks.TX)
		d.drain(d.cfg.Control, d.cfg.Sinks.Control)
	}
	if isr&wire.ISRConfig != 0 {
		d.configEvents.Add(1)
		if d.cfg.Sinks.Config != nil {
			d.cfg.Sinks.Config()
		}
	}

	d.observe(isr, true)
	return platform.Claimed
}

func (d *Dispatcher) drain(r Ring, sink func(virtqueue.Completion)) {
	if r == nil {
		return
	}
	idx := r.Index()
	n := 0
	for c := range r.Drain() {
		n++
		if int(idx) < len(d.completions) {
			d.completions[idx].Add(1)
		}
		if d.cfg.Observer != nil {
			d.cfg.Observer.ObserveCompletion(idx)
		}
		if sink != nil {
			sink(c)
		}
	}
	if n > 0 && d.cfg.Logger != nil {
		d.cfg.Logger.Debugf("queue %d: drained %d chains", idx, n)
	}
}

func (d *Dispatcher) observe(isr uint8, claimed bool) {
	if d.cfg.Observer != nil {
		d.cfg.Observer.ObserveInterrupt(isr, claimed)
	}
}

// Disable makes every later Handle a no-op and waits for a Handle already
// running to return. Must not be called from a sink.
func (d *Dispatcher) Disable() {
	d.mu.Lock()
	d.disabled = true
	d.mu.Unlock()
}

// Disabled reports whether Disable was called
func (d *Dispatcher) Disabled() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.disabled
}

// Stats returns activity counters
func (d *Dispatcher) Stats() Stats {
	s := Stats{
		Interrupts:   d.interrupts.Load(),
		Unclaimed:    d.unclaimed.Load(),
		QueueEvents:  d.queueEvents.Load(),
		ConfigEvents: d.configEvents.Load(),
		Unexpected:   d.unexpected.Load(),
	}
	for i := range d.completions {
		s.Completions[i] = d.completions[i].Load()
	}
	return s
}
