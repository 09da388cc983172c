package virtionet

import "github.com/ehrlich-b/go-virtionet/internal/constants"

// Re-export constants for public API
const (
	DefaultRXBuffers         = constants.DefaultRXBuffers
	DefaultMTU               = constants.DefaultMTU
	DefaultPoolBytes         = constants.DefaultPoolBytes
	DefaultIndirectThreshold = constants.DefaultIndirectThreshold
	LinkSpeedMbps            = constants.LinkSpeedMbps
	LinkDuplex               = constants.LinkDuplex
)
