package dma

import (
	"fmt"
	"sync/atomic"
)

type bufState int32

const (
	stateOwned bufState = iota
	stateLoaned
	stateReleased
)

func (s bufState) String() string {
	switch s {
	case stateOwned:
		return "owned"
	case stateLoaned:
		return "loaned"
	case stateReleased:
		return "released"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Buffer is one DMA buffer. Its bus address is stable for its lifetime.
type Buffer struct {
	pool  *Pool
	class *class
	chunk chunk
	addr  uint64
	mem   []byte
	n     int
	dir   Direction
	state atomic.Int32
}

// Addr returns the bus address the device uses
func (b *Buffer) Addr() uint64 { return b.addr }

// Len returns the usable length requested at Reserve or set by SetLen
func (b *Buffer) Len() int { return b.n }

// Cap returns the size class of the buffer
func (b *Buffer) Cap() int { return len(b.mem) }

// Direction returns the data direction the buffer was reserved for
func (b *Buffer) Direction() Direction { return b.dir }

// Bytes returns the host view of the buffer, or nil unless the driver owns
// it. Memory on loan belongs to the device.
func (b *Buffer) Bytes() []byte {
	if bufState(b.state.Load()) != stateOwned {
		return nil
	}
	return b.mem[:b.n]
}

// SetLen changes the usable length within the buffer's size class
func (b *Buffer) SetLen(n int) error {
	if n < 0 || n > len(b.mem) {
		return fmt.Errorf("dma: length %d outside [0, %d]", n, len(b.mem))
	}
	if bufState(b.state.Load()) != stateOwned {
		return ErrBufferInFlight
	}
	b.n = n
	return nil
}

// Owned reports whether the driver currently owns the buffer
func (b *Buffer) Owned() bool { return bufState(b.state.Load()) == stateOwned }

// Loaned reports whether the device currently holds the buffer
func (b *Buffer) Loaned() bool { return bufState(b.state.Load()) == stateLoaned }

// Loan hands the buffer to the device. Called by the virtqueue when a chain
// referencing it is published.
func (b *Buffer) Loan() error {
	if !b.state.CompareAndSwap(int32(stateOwned), int32(stateLoaned)) {
		if bufState(b.state.Load()) == stateLoaned {
			return ErrBufferInFlight
		}
		return ErrBufferReleased
	}
	b.pool.loaned.Add(1)
	return nil
}

// Return takes the buffer back from the device once its chain completed.
func (b *Buffer) Return() error {
	if !b.state.CompareAndSwap(int32(stateLoaned), int32(stateOwned)) {
		return fmt.Errorf("dma: return of %s buffer 0x%x", bufState(b.state.Load()), b.addr)
	}
	b.pool.loaned.Add(-1)
	return nil
}

func (b *Buffer) String() string {
	return fmt.Sprintf("dma.Buffer{addr=0x%x len=%d cap=%d %s %s}",
		b.addr, b.n, len(b.mem), b.dir, bufState(b.state.Load()))
}
