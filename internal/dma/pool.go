// Package dma hands out device-visible buffers carved from platform DMA
// regions and tracks who owns each one.
//
// A buffer is Owned by the driver after Reserve, Loaned to the device while
// a descriptor chain references it, and Released once returned to the pool.
// Only the virtqueue moves buffers in and out of the Loaned state.
package dma

import (
	"errors"
	"fmt"
	"math/bits"
	"sync"
	"sync/atomic"

	"github.com/ehrlich-b/go-virtionet/platform"
)

// Pool errors
var (
	ErrExhausted      = errors.New("dma: pool exhausted")
	ErrTooLarge       = errors.New("dma: buffer larger than largest size class")
	ErrBufferInFlight = errors.New("dma: buffer is on loan to the device")
	ErrBufferReleased = errors.New("dma: buffer already released")
	ErrForeignBuffer  = errors.New("dma: buffer belongs to another pool")
	ErrClosed         = errors.New("dma: pool closed")
)

// Size classes are powers of two between MinClassSize and MaxClassSize.
const (
	MinClassSize = 64
	MaxClassSize = 64 * 1024
	numClasses   = 11 // 64 B .. 64 KiB

	// DefaultSlabSize is how much memory is requested from the platform
	// allocator at a time
	DefaultSlabSize = 64 * 1024

	// DefaultMaxBytes bounds the slab memory a pool may hold
	DefaultMaxBytes = 16 * 1024 * 1024
)

// Direction records which way data flows through a buffer.
type Direction int

const (
	ToDevice Direction = iota
	FromDevice
	Bidirectional
)

func (d Direction) String() string {
	switch d {
	case ToDevice:
		return "to-device"
	case FromDevice:
		return "from-device"
	case Bidirectional:
		return "bidirectional"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

// DeviceReadable reports whether the device may read the buffer
func (d Direction) DeviceReadable() bool { return d != FromDevice }

// DeviceWritable reports whether the device may write the buffer
func (d Direction) DeviceWritable() bool { return d != ToDevice }

// Logger is the logging surface the pool needs
type Logger interface {
	Printf(format string, args ...any)
	Debugf(format string, args ...any)
}

// Config configures a Pool
type Config struct {
	MaxBytes int // upper bound on slab memory (default DefaultMaxBytes)
	SlabSize int // bytes per platform allocation (default DefaultSlabSize)
	Logger   Logger
}

type chunk struct {
	slab *platform.Region
	off  int
}

type class struct {
	size int
	free []chunk
}

// Pool is a size-class allocator over platform DMA regions.
type Pool struct {
	alloc  platform.Allocator
	cfg    Config
	logger Logger

	mu        sync.Mutex
	classes   [numClasses]class
	slabs     []*platform.Region
	slabBytes int
	live      map[*Buffer]struct{}
	closed    bool

	loaned atomic.Int64
}

// NewPool creates an empty pool; slabs are allocated on demand.
func NewPool(alloc platform.Allocator, cfg Config) *Pool {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	if cfg.SlabSize <= 0 {
		cfg.SlabSize = DefaultSlabSize
	}
	p := &Pool{
		alloc:  alloc,
		cfg:    cfg,
		logger: cfg.Logger,
		live:   make(map[*Buffer]struct{}),
	}
	for i := range p.classes {
		p.classes[i].size = MinClassSize << i
	}
	return p
}

// classIndex returns the smallest class holding n bytes
func classIndex(n int) int {
	if n <= MinClassSize {
		return 0
	}
	return bits.Len(uint(n-1)) - bits.Len(uint(MinClassSize-1))
}

// Reserve returns an Owned buffer of n bytes.
func (p *Pool) Reserve(n int, dir Direction) (*Buffer, error) {
	if n <= 0 {
		return nil, fmt.Errorf("dma: invalid buffer length %d", n)
	}
	if n > MaxClassSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, n)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}

	c := &p.classes[classIndex(n)]
	if len(c.free) == 0 {
		if err := p.grow(c); err != nil {
			return nil, err
		}
	}
	ch := c.free[len(c.free)-1]
	c.free = c.free[:len(c.free)-1]

	mem := ch.slab.Bytes()[ch.off : ch.off+c.size : ch.off+c.size]
	clear(mem)
	b := &Buffer{
		pool:  p,
		class: c,
		chunk: ch,
		addr:  ch.slab.Addr() + uint64(ch.off),
		mem:   mem,
		n:     n,
		dir:   dir,
	}
	p.live[b] = struct{}{}
	return b, nil
}

// grow adds one slab to class c. Caller holds mu.
func (p *Pool) grow(c *class) error {
	size := max(p.cfg.SlabSize, c.size)
	if p.slabBytes+size > p.cfg.MaxBytes {
		return fmt.Errorf("%w: %d of %d bytes in slabs", ErrExhausted, p.slabBytes, p.cfg.MaxBytes)
	}
	r, err := p.alloc.Alloc(size, platform.PageSize)
	if err != nil {
		return fmt.Errorf("dma: allocate %d byte slab: %w", size, err)
	}
	p.slabs = append(p.slabs, r)
	p.slabBytes += size

	// hand out low offsets first
	for off := size - c.size; off >= 0; off -= c.size {
		c.free = append(c.free, chunk{slab: r, off: off})
	}
	if p.logger != nil {
		p.logger.Debugf("dma: new %d byte slab at 0x%x for %d byte class", size, r.Addr(), c.size)
	}
	return nil
}

// Release returns an Owned buffer to the pool.
func (p *Pool) Release(b *Buffer) error {
	if b == nil {
		return nil
	}
	if b.pool != p {
		return ErrForeignBuffer
	}
	if !b.state.CompareAndSwap(int32(stateOwned), int32(stateReleased)) {
		if bufState(b.state.Load()) == stateLoaned {
			return ErrBufferInFlight
		}
		return ErrBufferReleased
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.live, b)
	if !p.closed {
		b.class.free = append(b.class.free, b.chunk)
	}
	return nil
}

// Stats is a point-in-time view of pool usage
type Stats struct {
	Slabs     int
	SlabBytes int
	InUse     int // reserved and not released, on loan or not
	Loaned    int
	MaxBytes  int
}

// Stats returns current usage
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Slabs:     len(p.slabs),
		SlabBytes: p.slabBytes,
		InUse:     len(p.live),
		Loaned:    int(p.loaned.Load()),
		MaxBytes:  p.cfg.MaxBytes,
	}
}

// Close frees every slab. It refuses while any buffer is on loan, since the
// device may still write to it. Buffers still owned are marked released.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	if n := p.loaned.Load(); n > 0 {
		if p.logger != nil {
			p.logger.Printf("dma: close with %d buffers on loan", n)
		}
		return fmt.Errorf("%w: %d buffers", ErrBufferInFlight, n)
	}
	p.closed = true

	for b := range p.live {
		b.state.Store(int32(stateReleased))
	}
	clear(p.live)

	var errs []error
	for _, r := range p.slabs {
		if err := p.alloc.Free(r); err != nil {
			errs = append(errs, err)
		}
	}
	p.slabs = nil
	p.slabBytes = 0
	for i := range p.classes {
		p.classes[i].free = nil
	}
	return errors.Join(errs...)
}
