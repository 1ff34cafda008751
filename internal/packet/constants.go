package packet

// Marker bytes at the start of every programming packet.
const (
	Marker0 = 0xEF
	Marker1 = 0xAC
)

// Packet kinds (offset 2).
const (
	KindByteStart = 0xA0
	KindByteData  = 0xA1
	KindByteStop  = 0xA2
)

// Control values (offset 3).
const (
	ControlProgRequest = 0x10
	ControlProgData    = 0x20
	ControlFlashStart  = 0x40
)

// Header sizes, including the marker, kind and control bytes.
const (
	StartHeaderSize      = 9
	DataHeaderSize       = 6
	FlashStartHeaderSize = 8
)

// Size limits
const (
	MaxSize        = 150
	MaxPayloadSize = MaxSize - DataHeaderSize
)
