package wire

import "fmt"

// Layout describes where the three split ring areas sit inside the one
// DMA region that backs a queue of Size entries.
//
//	+-------------------+ 0
//	| desc[Size]        |
//	+-------------------+ AvailOffset
//	| avail flags, idx  |
//	| avail ring[Size]  |
//	+-------------------+ padding to RingAlign
//	| used flags, idx   | UsedOffset
//	| used ring[Size]   |
//	+-------------------+ padding to RingAlign (Total)
type Layout struct {
	Size        uint16
	AvailOffset int
	UsedOffset  int
	Total       int
}

// DescTableSize returns the descriptor table length for n entries
func DescTableSize(n int) int { return DescSize * n }

// AvailRingSize returns the available ring length for n entries
func AvailRingSize(n int) int { return RingHdrSize + 2*n }

// UsedRingSize returns the used ring length for n entries
func UsedRingSize(n int) int { return RingHdrSize + UsedElemSize*n }

// RoundUp rounds v up to the ring alignment
func RoundUp(v int) int { return (v + RingAlign - 1) &^ (RingAlign - 1) }

// RingBytes returns the size of the region that holds a queue of n entries
func RingBytes(n int) int {
	return RoundUp(DescTableSize(n)+AvailRingSize(n)) + RoundUp(UsedRingSize(n))
}

// ValidQueueSize reports whether n is a legal split ring size
func ValidQueueSize(n int) bool {
	return n >= 1 && n <= MaxQueueSize && n&(n-1) == 0
}

// NewLayout computes the ring layout for n entries
func NewLayout(n int) (Layout, error) {
	if !ValidQueueSize(n) {
		return Layout{}, fmt.Errorf("wire: invalid queue size %d", n)
	}
	return Layout{
		Size:        uint16(n),
		AvailOffset: DescTableSize(n),
		UsedOffset:  RoundUp(DescTableSize(n) + AvailRingSize(n)),
		Total:       RingBytes(n),
	}, nil
}

// DescOffset returns the offset of descriptor i
func (l Layout) DescOffset(i uint16) int { return int(i) * DescSize }

// AvailEntryOffset returns the offset of avail.ring[slot]
func (l Layout) AvailEntryOffset(slot uint16) int {
	return l.AvailOffset + RingHdrSize + 2*int(slot)
}

// UsedEntryOffset returns the offset of used.ring[slot]
func (l Layout) UsedEntryOffset(slot uint16) int {
	return l.UsedOffset + RingHdrSize + UsedElemSize*int(slot)
}

// PFN returns the page frame number the device is told for a ring at addr
func PFN(addr uint64) uint32 { return uint32(addr >> QueueAddressShift) }
