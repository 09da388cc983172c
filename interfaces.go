package virtionet

import "github.com/ehrlich-b/go-virtionet/internal/interfaces"

// Upstream receives frames and link changes from a device
type Upstream = interfaces.Upstream

// ReceivedPacket is what Upstream.PacketReceived is handed; it is always
// a *Packet
type ReceivedPacket = interfaces.Packet

// Logger is the minimal logging interface accepted in Options
type Logger = interfaces.Logger

// LinkState is the carrier state of a device
type LinkState = interfaces.LinkState

const (
	LinkDown = interfaces.LinkDown
	LinkUp   = interfaces.LinkUp
)

var _ ReceivedPacket = (*Packet)(nil)
