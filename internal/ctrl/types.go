package ctrl

import (
	"errors"
	"fmt"

	"github.com/ehrlich-b/go-virtionet/internal/dma"
	"github.com/ehrlich-b/go-virtionet/internal/intr"
	"github.com/ehrlich-b/go-virtionet/internal/regs"
	"github.com/ehrlich-b/go-virtionet/internal/virtqueue"
	"github.com/ehrlich-b/go-virtionet/internal/wire"
	"github.com/ehrlich-b/go-virtionet/platform"
)

// Bring-up errors
var (
	ErrUnsupportedDevice  = errors.New("ctrl: unsupported device")
	ErrNoUsableQueues     = errors.New("ctrl: no usable queues")
	ErrFeatureNegotiation = errors.New("ctrl: feature negotiation failed")
	ErrAllocation         = errors.New("ctrl: allocation failed")
	ErrInvalidState       = errors.New("ctrl: invalid state transition")
	ErrMapping            = errors.New("ctrl: register mapping failed")
	ErrInterrupt          = errors.New("ctrl: interrupt setup failed")
)

// SupportedFeatures is the feature mask this driver understands:
// MAC, STATUS, CTRL_VQ, CTRL_RX and RING_INDIRECT_DESC.
const SupportedFeatures uint32 = wire.NetFeatureMAC |
	wire.NetFeatureStatus |
	wire.NetFeatureCtrlVQ |
	wire.NetFeatureCtrlRX |
	wire.FeatureRingIndirect

// State is the bring-up state of a device
type State int

const (
	StateReset State = iota
	StateAcknowledged
	StateDriverLoaded
	StateFeaturesOK
	StateDriverReady
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateReset:
		return "RESET"
	case StateAcknowledged:
		return "ACKNOWLEDGED"
	case StateDriverLoaded:
		return "DRIVER_LOADED"
	case StateFeaturesOK:
		return "FEATURES_OK"
	case StateDriverReady:
		return "DRIVER_READY"
	case StateFailed:
		return "FAILED"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// QueueRole names the three virtio-net queues
var QueueRole = [wire.NumQueues]string{
	wire.QueueReceive:  "receive",
	wire.QueueTransmit: "transmit",
	wire.QueueControl:  "control",
}

// Params tunes bring-up
type Params struct {
	// Supported is ANDed with the device's offer (default SupportedFeatures)
	Supported uint32

	// IndirectThreshold is the chain length that switches to an indirect
	// table once RING_INDIRECT_DESC is negotiated
	IndirectThreshold int

	Pool dma.Config
}

// DefaultParams returns bring-up defaults
func DefaultParams() Params {
	return Params{
		Supported:         SupportedFeatures,
		IndirectThreshold: virtqueue.DefaultIndirectThreshold,
		Pool: dma.Config{
			MaxBytes: dma.DefaultMaxBytes,
			SlabSize: dma.DefaultSlabSize,
		},
	}
}

// Resources is everything a device holds once it is ready
type Resources struct {
	Header    *regs.Header
	NetConfig *regs.NetConfig

	Offered    uint32
	Features   uint32
	QueueSizes [wire.NumQueues]int

	RX      *virtqueue.Queue
	TX      *virtqueue.Queue
	Control *virtqueue.Queue
	Pool    *dma.Pool

	Dispatcher   *intr.Dispatcher
	Registration platform.Registration
}

// Has reports whether feature bit f was negotiated
func (r *Resources) Has(f uint32) bool { return r.Features&f != 0 }

// Queue returns the queue with the given index
func (r *Resources) Queue(i uint16) *virtqueue.Queue {
	switch i {
	case wire.QueueReceive:
		return r.RX
	case wire.QueueTransmit:
		return r.TX
	case wire.QueueControl:
		return r.Control
	}
	return nil
}

// Hooks lets the driver take part in bring-up.
type Hooks interface {
	// Prepare runs once queues and the pool exist and before interrupts are
	// enabled. Receive buffers are posted here.
	Prepare(res *Resources) error

	// Sinks returns the callbacks the interrupt dispatcher feeds
	Sinks() intr.Sinks
}
