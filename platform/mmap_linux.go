//go:build linux

package platform

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// MmapAllocator serves DMA regions from anonymous page-aligned mappings,
// optionally locked into memory so they are never paged out while the
// device holds their address.
type MmapAllocator struct {
	table *regionTable
	lock  bool
}

// NewMmapAllocator creates an mmap-backed allocator. With lock set every
// region is mlock'ed; that needs CAP_IPC_LOCK or a large enough
// RLIMIT_MEMLOCK.
func NewMmapAllocator(cfg AllocatorConfig, lock bool) *MmapAllocator {
	return &MmapAllocator{table: newRegionTable(cfg), lock: lock}
}

// Alloc implements Allocator. Sizes are rounded up to whole pages.
func (m *MmapAllocator) Alloc(size int, align int) (*Region, error) {
	if align > PageSize {
		// mmap only guarantees page alignment of host memory
		return nil, fmt.Errorf("%w: mmap alignment %d > page size", ErrBadAlignment, align)
	}
	mapped := int(alignUp(uint64(size), PageSize))

	m.table.mu.Lock()
	defer m.table.mu.Unlock()

	addr, err := m.table.place(mapped, align)
	if err != nil {
		return nil, err
	}

	buf, err := unix.Mmap(-1, 0, mapped,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_POPULATE)
	if err != nil {
		return nil, fmt.Errorf("mmap %d bytes: %w", mapped, err)
	}
	if m.lock {
		if err := unix.Mlock(buf); err != nil {
			unix.Munmap(buf)
			return nil, fmt.Errorf("mlock %d bytes: %w", mapped, err)
		}
	}

	lock := m.lock
	r := &Region{
		addr: addr,
		buf:  buf[:size:size],
		release: func() error {
			if lock {
				unix.Munlock(buf)
			}
			return unix.Munmap(buf)
		},
	}
	m.table.insert(r)
	return r, nil
}

// Free implements Allocator
func (m *MmapAllocator) Free(r *Region) error {
	if r == nil {
		return nil
	}
	if !m.table.remove(r) {
		return fmt.Errorf("%w: addr=0x%x", ErrUnknownRegion, r.addr)
	}
	if r.release != nil {
		if err := r.release(); err != nil {
			return fmt.Errorf("munmap region 0x%x: %w", r.addr, err)
		}
	}
	r.buf = nil
	return nil
}

// Resolve implements Resolver
func (m *MmapAllocator) Resolve(addr uint64, n uint32) ([]byte, bool) {
	return m.table.Resolve(addr, n)
}

// Live returns the number of regions not yet freed
func (m *MmapAllocator) Live() int {
	return m.table.Live()
}

var (
	_ Allocator = (*MmapAllocator)(nil)
	_ Resolver  = (*MmapAllocator)(nil)
)
