package platform

import (
	"fmt"
	"unsafe"
)

// HeapAllocator serves DMA regions from the Go heap. The Go collector does
// not move heap objects, so a region's host memory stays put for as long
// as the Region is referenced. Bus addresses are assigned from the
// configured window and have no relation to host pointers.
type HeapAllocator struct {
	table *regionTable
}

// NewHeapAllocator creates a heap-backed allocator
func NewHeapAllocator(cfg AllocatorConfig) *HeapAllocator {
	return &HeapAllocator{table: newRegionTable(cfg)}
}

// Alloc implements Allocator
func (h *HeapAllocator) Alloc(size int, align int) (*Region, error) {
	h.table.mu.Lock()
	defer h.table.mu.Unlock()

	addr, err := h.table.place(size, align)
	if err != nil {
		return nil, err
	}

	// Host memory is aligned like the bus address so ring header words
	// can be accessed atomically.
	hostAlign := align
	if hostAlign < 8 {
		hostAlign = 8
	}
	raw := make([]byte, size+hostAlign)
	base := uintptr(unsafe.Pointer(&raw[0]))
	off := int(alignUp(uint64(base), uint64(hostAlign)) - uint64(base))

	r := &Region{
		addr: addr,
		buf:  raw[off : off+size : off+size],
	}
	h.table.insert(r)
	return r, nil
}

// Free implements Allocator
func (h *HeapAllocator) Free(r *Region) error {
	if r == nil {
		return nil
	}
	if !h.table.remove(r) {
		return fmt.Errorf("%w: addr=0x%x", ErrUnknownRegion, r.addr)
	}
	return nil
}

// Resolve implements Resolver
func (h *HeapAllocator) Resolve(addr uint64, n uint32) ([]byte, bool) {
	return h.table.Resolve(addr, n)
}

// Live returns the number of regions not yet freed
func (h *HeapAllocator) Live() int {
	return h.table.Live()
}

var (
	_ Allocator = (*HeapAllocator)(nil)
	_ Resolver  = (*HeapAllocator)(nil)
)
