// Package virtqueue implements the driver side of a split virtqueue: a
// descriptor table, an available ring the driver publishes into and a used
// ring the device returns completions through, all inside one DMA region.
package virtqueue

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ehrlich-b/go-virtionet/internal/dma"
	"github.com/ehrlich-b/go-virtionet/internal/wire"
	"github.com/ehrlich-b/go-virtionet/platform"
)

// Queue errors
var (
	ErrQueueFull     = errors.New("virtqueue: not enough free descriptors")
	ErrInvalidSize   = errors.New("virtqueue: size must be a power of two in [1, 32768]")
	ErrAllocation    = errors.New("virtqueue: ring allocation failed")
	ErrEmptyChain    = errors.New("virtqueue: empty descriptor chain")
	ErrChainTooLong  = errors.New("virtqueue: chain longer than the queue")
	ErrDirection     = errors.New("virtqueue: buffer direction does not match segment")
	ErrClosed        = errors.New("virtqueue: queue closed")
	ErrChainsPending = errors.New("virtqueue: chains still submitted")
)

// DefaultIndirectThreshold is the chain length from which an indirect table
// is used when indirect descriptors are negotiated.
const DefaultIndirectThreshold = 3

// Notifier tells the device a queue has new available buffers.
type Notifier interface {
	Notify(q uint16)
}

// Logger is the logging surface the queue needs
type Logger interface {
	Printf(format string, args ...any)
	Debugf(format string, args ...any)
}

// Segment is one buffer of a descriptor chain. Writable segments are
// written by the device, the rest are read by it.
type Segment struct {
	Buf      *dma.Buffer
	Writable bool
}

// Completion is a chain the device has finished with. Buffers are owned by
// the driver again.
type Completion struct {
	Cookie  any
	Buffers []*dma.Buffer
	Len     uint32 // bytes the device wrote into the writable segments
	Head    uint16
}

// Options configures a Queue
type Options struct {
	Notifier Notifier
	Logger   Logger

	// Indirect enables indirect tables for chains of at least
	// IndirectThreshold segments. Tables are reserved from Tables.
	Indirect          bool
	IndirectThreshold int
	Tables            *dma.Pool
}

// descState is the ownership state of one descriptor index
type descState uint8

const (
	descFree descState = iota
	descSubmitted
	descCompleted
)

func (s descState) String() string {
	switch s {
	case descFree:
		return "free"
	case descSubmitted:
		return "submitted"
	case descCompleted:
		return "completed"
	default:
		return fmt.Sprintf("descState(%d)", uint8(s))
	}
}

// chain is the driver-side record of one submitted chain, keyed by head
type chain struct {
	descs  []uint16
	bufs   []*dma.Buffer
	table  *dma.Buffer // indirect table, nil for direct chains
	cookie any
}

// Stats counts queue activity
type Stats struct {
	Submitted        uint64
	Completed        uint64
	Full             uint64
	InvalidUsed      uint64
	Notifies         uint64
	NotifySuppressed uint64
}

// Queue is one split virtqueue. Submit and Drain may run concurrently;
// the queue lock is never held across a callback.
type Queue struct {
	index  uint16
	size   uint16
	layout wire.Layout
	opts   Options
	alloc  platform.Allocator

	mu       sync.Mutex
	region   *platform.Region
	mem      []byte
	avail    *uint32
	used     *uint32
	free     []uint16
	returned []uint16 // descCompleted, not yet back on free
	states   []descState
	chains   []*chain
	availIdx uint16
	flags    uint16 // avail flags
	lastUsed uint16
	pending  int
	closed   bool

	submitted   atomic.Uint64
	completed   atomic.Uint64
	full        atomic.Uint64
	invalidUsed atomic.Uint64
	notifies    atomic.Uint64
	suppressed  atomic.Uint64
}

// New allocates a queue of size entries for queue index. The ring region
// is page aligned and zeroed; every descriptor starts free.
func New(index uint16, size int, alloc platform.Allocator, opts Options) (*Queue, error) {
	layout, err := wire.NewLayout(size)
	if err != nil {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}
	if opts.IndirectThreshold <= 0 {
		opts.IndirectThreshold = DefaultIndirectThreshold
	}
	if opts.Indirect && opts.Tables == nil {
		return nil, errors.New("virtqueue: indirect descriptors need a table pool")
	}

	region, err := alloc.Alloc(layout.Total, wire.RingAlign)
	if err != nil {
		return nil, fmt.Errorf("%w: %d bytes for queue %d: %w", ErrAllocation, layout.Total, index, err)
	}

	q := &Queue{
		index:  index,
		size:   uint16(size),
		layout: layout,
		opts:   opts,
		alloc:  alloc,
		region: region,
		states: make([]descState, size),
		chains: make([]*chain, size),
	}
	q.mapRing()
	q.resetFreeList()
	return q, nil
}

func (q *Queue) mapRing() {
	q.mem = q.region.Bytes()
	q.avail = wire.HeaderWord(q.mem, q.layout.AvailOffset)
	q.used = wire.HeaderWord(q.mem, q.layout.UsedOffset)
}

func (q *Queue) resetFreeList() {
	q.free = make([]uint16, 0, int(q.size))
	// popped from the end, so index 0 goes first
	for i := int(q.size) - 1; i >= 0; i-- {
		q.free = append(q.free, uint16(i))
	}
}

// Index returns the queue index the device knows this queue by
func (q *Queue) Index() uint16 { return q.index }

// Size returns the number of descriptors
func (q *Queue) Size() int { return int(q.size) }

// Addr returns the bus address of the ring region
func (q *Queue) Addr() uint64 { return q.region.Addr() }

// PFN returns the page frame number written to the queue address register
func (q *Queue) PFN() uint32 { return wire.PFN(q.region.Addr()) }

// Layout returns the ring layout inside the region
func (q *Queue) Layout() wire.Layout { return q.layout }

// NumFree returns the number of free descriptors
func (q *Queue) NumFree() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.free)
}

// FreeIndices returns a snapshot of the free list in pop order reversed
func (q *Queue) FreeIndices() []uint16 {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]uint16, len(q.free))
	copy(out, q.free)
	return out
}

// Pending returns the number of chains submitted and not yet drained
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}

// AvailIdx returns the driver's available index
func (q *Queue) AvailIdx() uint16 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.availIdx
}

// Stats returns activity counters
func (q *Queue) Stats() Stats {
	return Stats{
		Submitted:        q.submitted.Load(),
		Completed:        q.completed.Load(),
		Full:             q.full.Load(),
		InvalidUsed:      q.invalidUsed.Load(),
		Notifies:         q.notifies.Load(),
		NotifySuppressed: q.suppressed.Load(),
	}
}

// Submit publishes a chain built from segs and notifies the device unless
// it asked not to be. On success every buffer is on loan to the device
// until the chain comes back through Drain; on failure nothing changed.
// The returned value is the head descriptor index.
func (q *Queue) Submit(segs []Segment, cookie any) (uint16, error) {
	head, notify, err := q.submit(segs, cookie)
	if err != nil {
		return 0, err
	}
	if notify {
		q.notifies.Add(1)
		if q.opts.Notifier != nil {
			q.opts.Notifier.Notify(q.index)
		}
	} else {
		q.suppressed.Add(1)
	}
	return head, nil
}

func (q *Queue) submit(segs []Segment, cookie any) (uint16, bool, error) {
	if len(segs) == 0 {
		return 0, false, ErrEmptyChain
	}
	for i, s := range segs {
		if s.Buf == nil {
			return 0, false, fmt.Errorf("virtqueue: segment %d has no buffer", i)
		}
		if s.Writable && !s.Buf.Direction().DeviceWritable() ||
			!s.Writable && !s.Buf.Direction().DeviceReadable() {
			return 0, false, fmt.Errorf("%w: segment %d is %s", ErrDirection, i, s.Buf.Direction())
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0, false, ErrClosed
	}
	q.settle()

	indirect := q.opts.Indirect && len(segs) > 1 && len(segs) >= q.opts.IndirectThreshold
	need := len(segs)
	if indirect {
		need = 1
	} else if need > int(q.size) {
		q.full.Add(1)
		return 0, false, fmt.Errorf("%w: %w: %d segments, %d descriptors", ErrQueueFull, ErrChainTooLong, need, q.size)
	}
	if len(q.free) < need {
		q.full.Add(1)
		return 0, false, fmt.Errorf("%w: need %d, have %d", ErrQueueFull, need, len(q.free))
	}

	var table *dma.Buffer
	if indirect {
		var err error
		table, err = q.opts.Tables.Reserve(wire.DescSize*len(segs), dma.ToDevice)
		if err != nil {
			q.full.Add(1)
			return 0, false, fmt.Errorf("%w: indirect table: %w", ErrQueueFull, err)
		}
		writeChain(table.Bytes(), segs, func(i int) uint16 { return uint16(i) })
	}

	loaned := 0
	unwind := func() {
		for _, s := range segs[:loaned] {
			s.Buf.Return()
		}
		if table != nil {
			q.opts.Tables.Release(table)
		}
	}
	for _, s := range segs {
		if err := s.Buf.Loan(); err != nil {
			unwind()
			return 0, false, err
		}
		loaned++
	}
	if table != nil {
		if err := table.Loan(); err != nil {
			unwind()
			return 0, false, err
		}
	}

	descs := make([]uint16, need)
	for i := range descs {
		descs[i] = q.free[len(q.free)-1]
		q.free = q.free[:len(q.free)-1]
		q.states[descs[i]] = descSubmitted
	}

	if table != nil {
		wire.Desc{
			Addr:  table.Addr(),
			Len:   uint32(wire.DescSize * len(segs)),
			Flags: wire.DescFIndirect,
		}.Put(q.mem[q.layout.DescOffset(descs[0]):])
	} else {
		writeChain(q.mem[:wire.DescTableSize(int(q.size))], segs, func(i int) uint16 { return descs[i] })
	}

	bufs := make([]*dma.Buffer, len(segs))
	for i, s := range segs {
		bufs[i] = s.Buf
	}
	head := descs[0]
	q.chains[head] = &chain{descs: descs, bufs: bufs, table: table, cookie: cookie}
	q.pending++

	slot := q.availIdx & (q.size - 1)
	binary.LittleEndian.PutUint16(q.mem[q.layout.AvailEntryOffset(slot):], head)
	q.availIdx++
	wire.StoreHeader(q.avail, q.flags, q.availIdx)
	q.submitted.Add(1)

	usedFlags, _ := wire.LoadHeader(q.used)
	return head, usedFlags&wire.UsedFNoNotify == 0, nil
}

// writeChain encodes segs as linked descriptors into table, placing
// segment i at descriptor slot(i).
func writeChain(table []byte, segs []Segment, slot func(int) uint16) {
	for i, s := range segs {
		d := wire.Desc{Addr: s.Buf.Addr(), Len: uint32(s.Buf.Len())}
		if s.Writable {
			d.Flags |= wire.DescFWrite
		}
		if i+1 < len(segs) {
			d.Flags |= wire.DescFNext
			d.Next = slot(i + 1)
		}
		d.Put(table[int(slot(i))*wire.DescSize:])
	}
}

// UsedIdx returns the device's used index
func (q *Queue) UsedIdx() uint16 {
	_, idx := wire.LoadHeader(q.used)
	return idx
}

// HasCompletions reports whether the device returned chains not yet drained
func (q *Queue) HasCompletions() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return !q.closed && q.UsedIdx() != q.lastUsed
}

// DisableInterrupts asks the device not to interrupt on consumption. It is
// a hint the device may ignore.
func (q *Queue) DisableInterrupts() {
	q.setAvailFlags(q.flags | wire.AvailFNoInterrupt)
}

// EnableInterrupts clears the no-interrupt hint
func (q *Queue) EnableInterrupts() {
	q.setAvailFlags(q.flags &^ wire.AvailFNoInterrupt)
}

func (q *Queue) setAvailFlags(f uint16) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.flags = f
	wire.StoreHeader(q.avail, q.flags, q.availIdx)
}

// reclaim moves a chain back to the driver. Its buffers are returned at
// once; its descriptors stay completed until the next settle. Caller
// holds mu.
func (q *Queue) reclaim(head uint16, n uint32) Completion {
	c := q.chains[head]
	q.chains[head] = nil
	for _, d := range c.descs {
		q.states[d] = descCompleted
	}
	q.returned = append(q.returned, c.descs...)
	for _, b := range c.bufs {
		if err := b.Return(); err != nil && q.opts.Logger != nil {
			q.opts.Logger.Printf("queue %d: chain %d: %v", q.index, head, err)
		}
	}
	if c.table != nil {
		c.table.Return()
		q.opts.Tables.Release(c.table)
	}
	q.pending--
	return Completion{Cookie: c.cookie, Buffers: c.bufs, Len: n, Head: head}
}

// settle puts the descriptors of reclaimed chains back on the free list.
// Caller holds mu.
func (q *Queue) settle() {
	for _, d := range q.returned {
		q.states[d] = descFree
		q.free = append(q.free, d)
	}
	q.returned = q.returned[:0]
}

// Reset reclaims every submitted chain without waiting for the device and
// rewinds the ring to its initial state. Only valid once the device has
// been reset and no longer touches the ring.
func (q *Queue) Reset() []Completion {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}

	var out []Completion
	for head := range q.chains {
		if q.chains[head] != nil {
			out = append(out, q.reclaim(uint16(head), 0))
		}
	}
	clear(q.mem)
	clear(q.states)
	q.returned = q.returned[:0]
	q.availIdx = 0
	q.lastUsed = 0
	q.flags = 0
	q.resetFreeList()
	return out
}

// Close frees the ring region. All chains must have been drained or
// reclaimed by Reset first.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	if q.pending > 0 {
		return fmt.Errorf("%w: %d on queue %d", ErrChainsPending, q.pending, q.index)
	}
	q.closed = true
	q.mem = nil
	q.avail = nil
	q.used = nil
	return q.alloc.Free(q.region)
}
