package virtionet

import (
	"sync/atomic"

	"github.com/ehrlich-b/go-virtionet/internal/dma"
)

// Packet is a received frame. Its bytes live in a DMA buffer owned by the
// receiver until Release, after which they must not be touched.
type Packet struct {
	buf      *dma.Buffer
	n        int
	released atomic.Bool
	release  func(*dma.Buffer)
}

// Bytes returns the frame, without the virtio header. It is nil after
// Release.
func (p *Packet) Bytes() []byte {
	if p.released.Load() {
		return nil
	}
	b := p.buf.Bytes()
	if b == nil {
		return nil
	}
	return b[:p.n]
}

// Len returns the frame length in bytes
func (p *Packet) Len() int { return p.n }

// Release returns the buffer to the driver. Calling it more than once is
// harmless.
func (p *Packet) Release() {
	if !p.released.CompareAndSwap(false, true) {
		return
	}
	if p.release != nil {
		p.release(p.buf)
	}
}
