package interfaces

// LinkState is the carrier state of a network device
type LinkState int

const (
	// LinkDown means no carrier
	LinkDown LinkState = iota
	// LinkUp means the link can pass frames
	LinkUp
)

func (s LinkState) String() string {
	if s == LinkUp {
		return "up"
	}
	return "down"
}

// Upstream is the network stack side of a device. Both methods run on the
// interrupt path, so they must not block, and must not call Stop or Close
// on the device that invoked them.
type Upstream interface {
	// PacketReceived hands over one received frame. The receiver owns the
	// packet's buffer until it calls Release on it.
	PacketReceived(pkt Packet)

	// LinkChanged reports a carrier change signalled by the device.
	LinkChanged(state LinkState)
}

// Packet is a received frame on loan to the upstream stack.
type Packet interface {
	// Bytes returns the frame without its virtio header; nil once released
	Bytes() []byte

	// Len returns the frame length in bytes
	Len() int

	// Release returns the buffer to the driver
	Release()
}

// Logger is the minimal logging interface accepted in Options.
type Logger interface {
	Printf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}
