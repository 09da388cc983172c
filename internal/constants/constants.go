package constants

import "time"

// Default configuration constants
const (
	// DefaultRXBuffers is the number of receive chains kept posted
	DefaultRXBuffers = 256

	// DefaultMTU is the largest Ethernet frame accepted, without FCS
	DefaultMTU = 1514

	// DefaultPoolBytes bounds DMA memory for packet buffers (16MB)
	DefaultPoolBytes = 16 << 20

	// DefaultIndirectThreshold is the chain length that switches to an
	// indirect descriptor table when RING_INDIRECT_DESC is negotiated
	DefaultIndirectThreshold = 3
)

// Link properties reported by the driver
const (
	// LinkSpeedMbps is the link speed the driver advertises (1 Gb/s)
	LinkSpeedMbps = 1000

	// LinkDuplex is the duplex the driver advertises
	LinkDuplex = "full"
)

// Timing constants for the control queue
const (
	// CommandTimeout bounds a control command when the caller's context
	// has no deadline
	CommandTimeout = time.Second

	// CommandPollInterval is how often a waiting command reaps the control
	// queue itself, for devices that do not interrupt
	CommandPollInterval = time.Millisecond
)
