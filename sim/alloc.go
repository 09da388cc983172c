package sim

import (
	"errors"
	"sync"

	"github.com/ehrlich-b/go-virtionet/platform"
)

// ErrAllocLimit is returned once the configured allocation budget is spent
var ErrAllocLimit = errors.New("sim: allocation limit reached")

// memory wraps the DMA backing with an allocation fault
type memory struct {
	Memory

	mu     sync.Mutex
	limit  int
	allocs int
	failed int
}

func (m *memory) Alloc(size int, align int) (*platform.Region, error) {
	m.mu.Lock()
	if m.limit > 0 && m.allocs >= m.limit {
		m.failed++
		m.mu.Unlock()
		return nil, ErrAllocLimit
	}
	m.allocs++
	m.mu.Unlock()

	r, err := m.Memory.Alloc(size, align)
	if err != nil {
		m.mu.Lock()
		m.allocs--
		m.mu.Unlock()
	}
	return r, err
}

// SetAllocLimit changes how many allocations may succeed in total; 0
// removes the limit
func (d *Device) SetAllocLimit(n int) {
	d.mem.mu.Lock()
	d.mem.limit = n
	d.mem.mu.Unlock()
}

// Allocations returns how many allocations succeeded and how many were
// refused by the limit
func (d *Device) Allocations() (ok, refused int) {
	d.mem.mu.Lock()
	defer d.mem.mu.Unlock()
	return d.mem.allocs, d.mem.failed
}

// LiveRegions returns how many DMA regions are allocated, or -1 when the
// backing cannot tell
func (d *Device) LiveRegions() int {
	if l, ok := d.mem.Memory.(interface{ Live() int }); ok {
		return l.Live()
	}
	return -1
}
