package packet

import (
	"encoding/binary"
	"fmt"
)

// Kind is the classification of a raw packet.
type Kind int

const (
	KindNone Kind = iota
	KindStart
	KindData
	KindStop
	KindFlashStart
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindStart:
		return "start"
	case KindData:
		return "data"
	case KindStop:
		return "stop"
	case KindFlashStart:
		return "flash-start"
	default:
		return "none"
	}
}

// Start is the decoded header of a start packet.
type Start struct {
	ProgramSize     int
	ExpectedPackets int
	PayloadSize     int
}

// Data is a decoded data packet. Payload aliases the packet buffer.
type Data struct {
	Offset  int
	Payload []byte
}

// FlashStart is the decoded header of a flash-start packet.
type FlashStart struct {
	Address int
	Size    int
}

// IsProgramming reports whether p carries the programming marker and a
// known kind byte with a complete header.
func IsProgramming(p []byte) bool {
	return Classify(p) != KindNone
}

// IsFlashStart reports whether p is a flash-start packet. The control byte
// decides, independently of the kind byte.
func IsFlashStart(p []byte) bool {
	return hasMarker(p) && len(p) >= FlashStartHeaderSize && p[3] == ControlFlashStart
}

// Classify inspects p without modifying it.
func Classify(p []byte) Kind {
	if len(p) > MaxSize || !hasMarker(p) {
		return KindNone
	}
	if IsFlashStart(p) {
		return KindFlashStart
	}

	switch p[2] {
	case KindByteStart:
		if len(p) >= StartHeaderSize {
			return KindStart
		}
	case KindByteData:
		if len(p) >= DataHeaderSize {
			return KindData
		}
	case KindByteStop:
		return KindStop
	}
	return KindNone
}

func hasMarker(p []byte) bool {
	return len(p) >= 4 && p[0] == Marker0 && p[1] == Marker1
}

// ParseStart decodes a start packet header.
func ParseStart(p []byte) (Start, error) {
	if Classify(p) != KindStart {
		return Start{}, fmt.Errorf("not a start packet (%d bytes)", len(p))
	}
	return Start{
		ProgramSize:     int(binary.BigEndian.Uint16(p[4:6])),
		ExpectedPackets: int(binary.BigEndian.Uint16(p[6:8])),
		PayloadSize:     int(p[8]),
	}, nil
}

// ParseData decodes a data packet.
func ParseData(p []byte) (Data, error) {
	if Classify(p) != KindData {
		return Data{}, fmt.Errorf("not a data packet (%d bytes)", len(p))
	}
	return Data{
		Offset:  int(binary.BigEndian.Uint16(p[4:6])),
		Payload: p[DataHeaderSize:],
	}, nil
}

// ParseFlashStart decodes a flash-start packet header.
func ParseFlashStart(p []byte) (FlashStart, error) {
	if !IsFlashStart(p) || len(p) > MaxSize {
		return FlashStart{}, fmt.Errorf("not a flash-start packet (%d bytes)", len(p))
	}
	return FlashStart{
		Address: int(binary.BigEndian.Uint16(p[4:6])),
		Size:    int(binary.BigEndian.Uint16(p[6:8])),
	}, nil
}

func header(kind, control byte, size int) []byte {
	p := make([]byte, size)
	p[0] = Marker0
	p[1] = Marker1
	p[2] = kind
	p[3] = control
	return p
}

// NewStart builds a start packet.
func NewStart(s Start) []byte {
	p := header(KindByteStart, ControlProgRequest, StartHeaderSize)
	binary.BigEndian.PutUint16(p[4:6], uint16(s.ProgramSize))
	binary.BigEndian.PutUint16(p[6:8], uint16(s.ExpectedPackets))
	p[8] = byte(s.PayloadSize)
	return p
}

// NewData builds a data packet. It fails if the payload does not fit.
func NewData(offset int, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("payload too large: %d bytes (max %d)", len(payload), MaxPayloadSize)
	}
	p := header(KindByteData, ControlProgData, DataHeaderSize+len(payload))
	binary.BigEndian.PutUint16(p[4:6], uint16(offset))
	copy(p[DataHeaderSize:], payload)
	return p, nil
}

// NewStop builds a stop packet.
func NewStop() []byte {
	return header(KindByteStop, ControlProgRequest, 4)
}

// NewFlashStart builds a flash-start packet.
func NewFlashStart(f FlashStart) []byte {
	p := header(KindByteStop, ControlFlashStart, FlashStartHeaderSize)
	binary.BigEndian.PutUint16(p[4:6], uint16(f.Address))
	binary.BigEndian.PutUint16(p[6:8], uint16(f.Size))
	return p
}
