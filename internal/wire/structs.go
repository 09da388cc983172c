package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrInsufficientData is returned when a buffer is too short to decode
var ErrInsufficientData = errors.New("wire: insufficient data")

// Desc is a split ring descriptor.
//
//	struct vring_desc {
//	  __le64 addr;
//	  __le32 len;
//	  __le16 flags;
//	  __le16 next;
//	};
type Desc struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

// Put encodes d into b[0:16]
func (d Desc) Put(b []byte) {
	_ = b[DescSize-1]
	binary.LittleEndian.PutUint64(b[0:8], d.Addr)
	binary.LittleEndian.PutUint32(b[8:12], d.Len)
	binary.LittleEndian.PutUint16(b[12:14], d.Flags)
	binary.LittleEndian.PutUint16(b[14:16], d.Next)
}

// GetDesc decodes a descriptor from b[0:16]
func GetDesc(b []byte) (Desc, error) {
	if len(b) < DescSize {
		return Desc{}, ErrInsufficientData
	}
	return Desc{
		Addr:  binary.LittleEndian.Uint64(b[0:8]),
		Len:   binary.LittleEndian.Uint32(b[8:12]),
		Flags: binary.LittleEndian.Uint16(b[12:14]),
		Next:  binary.LittleEndian.Uint16(b[14:16]),
	}, nil
}

func (d Desc) String() string {
	return fmt.Sprintf("desc{addr=0x%x len=%d flags=0x%x next=%d}", d.Addr, d.Len, d.Flags, d.Next)
}

// UsedElem is one used ring entry.
//
//	struct vring_used_elem {
//	  __le32 id;
//	  __le32 len;
//	};
type UsedElem struct {
	ID  uint32
	Len uint32
}

// Put encodes e into b[0:8]
func (e UsedElem) Put(b []byte) {
	_ = b[UsedElemSize-1]
	binary.LittleEndian.PutUint32(b[0:4], e.ID)
	binary.LittleEndian.PutUint32(b[4:8], e.Len)
}

// GetUsedElem decodes a used element from b[0:8]
func GetUsedElem(b []byte) (UsedElem, error) {
	if len(b) < UsedElemSize {
		return UsedElem{}, ErrInsufficientData
	}
	return UsedElem{
		ID:  binary.LittleEndian.Uint32(b[0:4]),
		Len: binary.LittleEndian.Uint32(b[4:8]),
	}, nil
}

// NetHdr is the legacy virtio_net_hdr that precedes every packet. With no
// offloads negotiated it is all zeroes on transmit.
type NetHdr struct {
	Flags      uint8
	GSOType    uint8
	HdrLen     uint16
	GSOSize    uint16
	CsumStart  uint16
	CsumOffset uint16
}

// NetHdrSize is the size of NetHdr without MRG_RXBUF
const NetHdrSize = 10

// Put encodes h into b[0:10]
func (h NetHdr) Put(b []byte) {
	_ = b[NetHdrSize-1]
	b[0] = h.Flags
	b[1] = h.GSOType
	binary.LittleEndian.PutUint16(b[2:4], h.HdrLen)
	binary.LittleEndian.PutUint16(b[4:6], h.GSOSize)
	binary.LittleEndian.PutUint16(b[6:8], h.CsumStart)
	binary.LittleEndian.PutUint16(b[8:10], h.CsumOffset)
}

// GetNetHdr decodes a header from b[0:10]
func GetNetHdr(b []byte) (NetHdr, error) {
	if len(b) < NetHdrSize {
		return NetHdr{}, ErrInsufficientData
	}
	return NetHdr{
		Flags:      b[0],
		GSOType:    b[1],
		HdrLen:     binary.LittleEndian.Uint16(b[2:4]),
		GSOSize:    binary.LittleEndian.Uint16(b[4:6]),
		CsumStart:  binary.LittleEndian.Uint16(b[6:8]),
		CsumOffset: binary.LittleEndian.Uint16(b[8:10]),
	}, nil
}

// CtrlHdr starts every control queue command.
type CtrlHdr struct {
	Class uint8
	Cmd   uint8
}

// Put encodes h into b[0:2]
func (h CtrlHdr) Put(b []byte) {
	_ = b[CtrlHdrSize-1]
	b[0] = h.Class
	b[1] = h.Cmd
}

// GetCtrlHdr decodes a control header
func GetCtrlHdr(b []byte) (CtrlHdr, error) {
	if len(b) < CtrlHdrSize {
		return CtrlHdr{}, ErrInsufficientData
	}
	return CtrlHdr{Class: b[0], Cmd: b[1]}, nil
}
