package sim

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ehrlich-b/go-virtionet/internal/wire"
	"github.com/ehrlich-b/go-virtionet/platform"
)

var errBadChain = errors.New("sim: malformed descriptor chain")

// devQueue is the device's view of one split ring
type devQueue struct {
	size uint16
	pfn  uint32

	mem    []byte
	layout wire.Layout
	avail  *uint32
	used   *uint32

	lastAvail uint16
	usedIdx   uint16
	usedFlags uint16
	res       platform.Resolver
}

func (q *devQueue) attached() bool { return q.mem != nil }

func (q *devQueue) attach(res platform.Resolver, addr uint64, noNotify bool) error {
	layout, err := wire.NewLayout(int(q.size))
	if err != nil {
		return err
	}
	mem, ok := res.Resolve(addr, uint32(layout.Total))
	if !ok {
		return fmt.Errorf("ring at 0x%x (%d bytes) is not DMA memory", addr, layout.Total)
	}
	q.mem = mem
	q.layout = layout
	q.res = res
	q.avail = wire.HeaderWord(mem, layout.AvailOffset)
	q.used = wire.HeaderWord(mem, layout.UsedOffset)
	q.lastAvail = 0
	q.usedIdx = 0
	q.usedFlags = 0
	if noNotify {
		q.usedFlags = wire.UsedFNoNotify
	}
	wire.StoreHeader(q.used, q.usedFlags, 0)
	return nil
}

func (q *devQueue) detach() {
	q.mem = nil
	q.avail = nil
	q.used = nil
	q.res = nil
}

// segment is one resolved descriptor of a chain
type segment struct {
	data     []byte
	writable bool
}

// pop takes the next chain head the driver made available
func (q *devQueue) pop() (uint16, bool) {
	_, idx := wire.LoadHeader(q.avail)
	if idx == q.lastAvail {
		return 0, false
	}
	slot := q.lastAvail & (q.size - 1)
	head := binary.LittleEndian.Uint16(q.mem[q.layout.AvailEntryOffset(slot):])
	q.lastAvail++
	return head, true
}

// walk resolves every descriptor of the chain starting at head, following
// an indirect table when the head points to one
func (q *devQueue) walk(head uint16) ([]segment, error) {
	if head >= q.size {
		return nil, fmt.Errorf("%w: head %d of %d", errBadChain, head, q.size)
	}
	table := q.mem[:wire.DescTableSize(int(q.size))]
	entries := int(q.size)

	first, err := wire.GetDesc(table[int(head)*wire.DescSize:])
	if err != nil {
		return nil, err
	}
	if first.Flags&wire.DescFIndirect != 0 {
		if first.Len == 0 || first.Len%wire.DescSize != 0 {
			return nil, fmt.Errorf("%w: indirect table of %d bytes", errBadChain, first.Len)
		}
		t, ok := q.res.Resolve(first.Addr, first.Len)
		if !ok {
			return nil, fmt.Errorf("%w: indirect table at 0x%x", errBadChain, first.Addr)
		}
		table = t
		entries = int(first.Len) / wire.DescSize
		head = 0
	}

	var segs []segment
	i := head
	for {
		if int(i) >= entries || len(segs) >= entries {
			return nil, fmt.Errorf("%w: next %d", errBadChain, i)
		}
		d, err := wire.GetDesc(table[int(i)*wire.DescSize:])
		if err != nil {
			return nil, err
		}
		if d.Flags&wire.DescFIndirect != 0 {
			return nil, fmt.Errorf("%w: nested indirect table", errBadChain)
		}
		data, ok := q.res.Resolve(d.Addr, d.Len)
		if !ok {
			return nil, fmt.Errorf("%w: buffer at 0x%x (%d bytes)", errBadChain, d.Addr, d.Len)
		}
		segs = append(segs, segment{data: data, writable: d.Flags&wire.DescFWrite != 0})
		if d.Flags&wire.DescFNext == 0 {
			return segs, nil
		}
		i = d.Next
	}
}

// complete stages a used element; publish makes staged elements visible
func (q *devQueue) complete(head uint16, n uint32) {
	slot := q.usedIdx & (q.size - 1)
	wire.UsedElem{ID: uint32(head), Len: n}.Put(q.mem[q.layout.UsedEntryOffset(slot):])
	q.usedIdx++
}

func (q *devQueue) publish() {
	wire.StoreHeader(q.used, q.usedFlags, q.usedIdx)
}

// wantsInterrupt reports whether the driver left interrupts enabled
func (q *devQueue) wantsInterrupt() bool {
	flags, _ := wire.LoadHeader(q.avail)
	return flags&wire.AvailFNoInterrupt == 0
}

// gather concatenates the device-readable part of a chain
func gather(segs []segment) []byte {
	var out []byte
	for _, s := range segs {
		if !s.writable {
			out = append(out, s.data...)
		}
	}
	return out
}

// scatter writes p across the device-writable part of a chain and returns
// how many bytes fit
func scatter(segs []segment, p []byte) int {
	n := 0
	for _, s := range segs {
		if !s.writable || n == len(p) {
			continue
		}
		n += copy(s.data, p[n:])
	}
	return n
}
