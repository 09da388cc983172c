package platform

import (
	"fmt"
	"sort"
	"sync"
)

// PageSize is the DMA alignment required by the virtio PCI transport.
const PageSize = 4096

// DefaultAddressLimit is the highest bus address a region may occupy by
// default. Legacy virtio PCI programs a 32-bit page frame number, but the
// original 32-bit DMA ceiling is kept for compatibility with older devices.
const DefaultAddressLimit = 0xFFFFFFFF

// DefaultAddressBase is where bus addresses start when none is configured.
const DefaultAddressBase = 0x100000

// Region is a contiguous block of DMA memory with a stable bus address.
type Region struct {
	addr uint64
	buf  []byte

	// release undoes the host side mapping; set by the allocator
	release func() error
}

// Addr returns the bus address of the first byte of the region
func (r *Region) Addr() uint64 { return r.addr }

// Bytes returns the host view of the region
func (r *Region) Bytes() []byte { return r.buf }

// Len returns the region size in bytes
func (r *Region) Len() int { return len(r.buf) }

// End returns the bus address one past the last byte
func (r *Region) End() uint64 { return r.addr + uint64(len(r.buf)) }

// Allocator hands out DMA regions.
type Allocator interface {
	// Alloc returns a zeroed region of at least size bytes whose bus
	// address is a multiple of align.
	Alloc(size int, align int) (*Region, error)

	// Free returns a region to the allocator.
	Free(*Region) error
}

// Resolver maps bus addresses back to host memory. Device emulations use
// it to follow descriptor addresses.
type Resolver interface {
	Resolve(addr uint64, n uint32) ([]byte, bool)
}

// AllocatorConfig configures the bus address window of an allocator.
type AllocatorConfig struct {
	// Base is the lowest bus address handed out (default DefaultAddressBase)
	Base uint64

	// Limit is the highest usable bus address, inclusive (default
	// DefaultAddressLimit). This is the physical-address ceiling.
	Limit uint64
}

func (c AllocatorConfig) withDefaults() AllocatorConfig {
	if c.Base == 0 {
		c.Base = DefaultAddressBase
	}
	if c.Limit == 0 {
		c.Limit = DefaultAddressLimit
	}
	return c
}

// regionTable tracks which bus ranges are in use. Both allocators share it
// for address assignment and reverse lookup.
type regionTable struct {
	mu      sync.RWMutex
	cfg     AllocatorConfig
	regions []*Region // sorted by addr
}

func newRegionTable(cfg AllocatorConfig) *regionTable {
	return &regionTable{cfg: cfg.withDefaults()}
}

// place finds the first gap that fits size bytes at the given alignment.
// Caller holds mu.
func (t *regionTable) place(size int, align int) (uint64, error) {
	if align <= 0 || align&(align-1) != 0 {
		return 0, ErrBadAlignment
	}
	a := uint64(align)
	n := uint64(size)
	if n == 0 || t.cfg.Base+n-1 > t.cfg.Limit || n > t.cfg.Limit {
		return 0, fmt.Errorf("%w: size=%d limit=0x%x", ErrRegionTooLarge, size, t.cfg.Limit)
	}

	cursor := alignUp(t.cfg.Base, a)
	for _, r := range t.regions {
		if cursor+n <= r.addr {
			break
		}
		if r.End() > cursor {
			cursor = alignUp(r.End(), a)
		}
	}
	if cursor+n-1 > t.cfg.Limit {
		return 0, ErrNoAddressSpace
	}
	return cursor, nil
}

func (t *regionTable) insert(r *Region) {
	i := sort.Search(len(t.regions), func(i int) bool { return t.regions[i].addr >= r.addr })
	t.regions = append(t.regions, nil)
	copy(t.regions[i+1:], t.regions[i:])
	t.regions[i] = r
}

func (t *regionTable) remove(r *Region) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, cur := range t.regions {
		if cur == r {
			t.regions = append(t.regions[:i], t.regions[i+1:]...)
			return true
		}
	}
	return false
}

// Resolve implements Resolver. The returned slice aliases region memory.
func (t *regionTable) Resolve(addr uint64, n uint32) ([]byte, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	i := sort.Search(len(t.regions), func(i int) bool { return t.regions[i].End() > addr })
	if i == len(t.regions) {
		return nil, false
	}
	r := t.regions[i]
	if addr < r.addr || addr+uint64(n) > r.End() {
		return nil, false
	}
	off := addr - r.addr
	return r.buf[off : off+uint64(n) : off+uint64(n)], true
}

// Live returns the number of regions currently allocated
func (t *regionTable) Live() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.regions)
}

func alignUp(v, a uint64) uint64 {
	return (v + a - 1) &^ (a - 1)
}
