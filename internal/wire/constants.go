// Package wire holds the legacy virtio PCI and split virtqueue definitions
// that must match the device byte for byte.
package wire

// PCI identification of a legacy virtio function
const (
	PCIVendor         = 0x1AF4
	PCIDeviceIDMin    = 0x1000
	PCIDeviceIDMax    = 0x103F
	PCIRevisionABIV0  = 0x00
	SubsystemNetwork  = 0x0001
	SubsystemBlock    = 0x0002
	SubsystemConsole  = 0x0003
	SubsystemEntropy  = 0x0004
	SubsystemBalloon  = 0x0005
	SubsystemIOMemory = 0x0006
	Subsystem9P       = 0x0009
)

// Common header register offsets (legacy virtio PCI, BAR 0)
const (
	RegDeviceFeatures   = 0x00 // RO 32
	RegGuestFeatures    = 0x04 // RW 32
	RegQueueAddress     = 0x08 // RW 32, page frame number
	RegQueueSize        = 0x0C // RO 16
	RegQueueSelect      = 0x0E // RW 16
	RegQueueNotify      = 0x10 // RW 16
	RegDeviceStatus     = 0x12 // RW 8
	RegISRStatus        = 0x13 // RO 8, read clears
	RegMSIXConfigVector = 0x14 // RW 16, only with MSI-X enabled
	RegMSIXQueueVector  = 0x16 // RW 16, only with MSI-X enabled
)

// Device specific configuration follows the common header. Its offset
// depends on whether MSI-X is enabled on the function.
const (
	HeaderSize     = 0x14
	HeaderSizeMSIX = 0x18
)

// QueueAddressShift converts a ring base address into the page frame
// number written to RegQueueAddress.
const QueueAddressShift = 12

// Device status bits
const (
	StatusReset      = 0x00
	StatusAck        = 0x01
	StatusDriver     = 0x02
	StatusDriverOK   = 0x04
	StatusFeaturesOK = 0x08 // not defined for the legacy transport
	StatusFailed     = 0x80
)

// ISR status bits
const (
	ISRQueue  = 0x01
	ISRConfig = 0x02
	ISRKnown  = ISRQueue | ISRConfig
)

// Device independent feature bits
const (
	FeatureNotifyOnEmpty = 1 << 24
	FeatureRingIndirect  = 1 << 28
	FeatureRingEventIdx  = 1 << 29
	FeatureBadFeature    = 1 << 30
)

// virtio-net feature bits
const (
	NetFeatureCsum      = 1 << 0
	NetFeatureGuestCsum = 1 << 1
	NetFeatureMAC       = 1 << 5
	NetFeatureGSO       = 1 << 6
	NetFeatureGuestTSO4 = 1 << 7
	NetFeatureGuestTSO6 = 1 << 8
	NetFeatureGuestECN  = 1 << 9
	NetFeatureGuestUFO  = 1 << 10
	NetFeatureHostTSO4  = 1 << 11
	NetFeatureHostTSO6  = 1 << 12
	NetFeatureHostECN   = 1 << 13
	NetFeatureHostUFO   = 1 << 14
	NetFeatureMrgRxBuf  = 1 << 15
	NetFeatureStatus    = 1 << 16
	NetFeatureCtrlVQ    = 1 << 17
	NetFeatureCtrlRX    = 1 << 18
	NetFeatureCtrlVLAN  = 1 << 19
)

// virtio-net device configuration layout (native byte order)
const (
	NetConfigMAC    = 0x00
	NetConfigStatus = 0x06
	NetConfigSize   = 0x08
	MACLen          = 6
)

// virtio-net configuration status bits
const (
	NetStatusLinkUp   = 0x0001
	NetStatusAnnounce = 0x0002
)

// virtio-net queue roles
const (
	QueueReceive  = 0
	QueueTransmit = 1
	QueueControl  = 2
	NumQueues     = 3
)

// Split ring descriptor flags
const (
	DescFNext     = 0x0001
	DescFWrite    = 0x0002
	DescFIndirect = 0x0004
)

// Ring flags
const (
	AvailFNoInterrupt = 0x0001 // driver: don't interrupt me on consumption
	UsedFNoNotify     = 0x0001 // device: don't notify me on new buffers
)

// Ring geometry
const (
	RingAlign    = 4096
	MaxQueueSize = 32768
	DescSize     = 16
	UsedElemSize = 8
	RingHdrSize  = 4
)

// virtio-net control queue
const (
	CtrlClassRX       = 0
	CtrlRXPromisc     = 0
	CtrlRXAllMulti    = 1
	CtrlClassMAC      = 1
	CtrlMACTableSet   = 0
	CtrlAckOK         = 0
	CtrlAckErr        = 1
	CtrlHdrSize       = 2
	CtrlAckSize       = 1
	CtrlRXCommandSize = 1
)
