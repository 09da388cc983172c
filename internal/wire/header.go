package wire

import (
	"encoding/binary"
	"sync/atomic"
	"unsafe"
)

// The flags and idx fields of a ring header share one naturally aligned
// 32-bit word. Both sides access that word only through these helpers: an
// atomic store of a new idx releases every ring entry written before it,
// and an atomic load that observes it acquires them.

// HeaderWord returns the ring header word at b[off]. off must be a
// multiple of 4 within a region whose host memory is at least 4 byte
// aligned.
func HeaderWord(b []byte, off int) *uint32 {
	_ = b[off+RingHdrSize-1]
	return (*uint32)(unsafe.Pointer(&b[off]))
}

// LoadHeader reads flags and idx with acquire semantics
func LoadHeader(w *uint32) (flags, idx uint16) {
	var b [4]byte
	binary.NativeEndian.PutUint32(b[:], atomic.LoadUint32(w))
	return binary.LittleEndian.Uint16(b[0:2]), binary.LittleEndian.Uint16(b[2:4])
}

// StoreHeader writes flags and idx with release semantics
func StoreHeader(w *uint32, flags, idx uint16) {
	var b [4]byte
	binary.LittleEndian.PutUint16(b[0:2], flags)
	binary.LittleEndian.PutUint16(b[2:4], idx)
	atomic.StoreUint32(w, binary.NativeEndian.Uint32(b[:]))
}

// Fence orders plain memory accesses around it. Only needed where no
// header word access already provides the ordering.
func Fence() {
	atomic.AddInt64(&fenceWord, 0)
}

var fenceWord int64
