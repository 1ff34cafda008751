package stk500

import "fmt"

// STK500 responses
const (
	RespOK     = 0x10
	RespFailed = 0x11
	RespInSync = 0x14
	RespNoSync = 0x15
)

// End of command marker
const CrcEOP = 0x20

// STK500 commands
const (
	CmdGetSync       = 0x30
	CmdGetParameter  = 0x41
	CmdEnterProgMode = 0x50
	CmdLeaveProgMode = 0x51
	CmdLoadAddress   = 0x55
	CmdProgPage      = 0x64
	CmdReadPage      = 0x74
	CmdReadSign      = 0x75
)

// Memory type for page commands
const MemFlash = 'F'

// Parameters for CmdGetParameter
const (
	ParamSwMajor = 0x81
	ParamSwMinor = 0x82
)

// Timing defaults. Optiboot only listens for a short window after reset.
const (
	DefaultReadTimeout = 1000 // ms
	DefaultResetPulse  = 100  // ms
	DefaultSettle      = 50   // ms
	DefaultBaudRate    = 115200
)

// Page sizes
const (
	DefaultPageSize = 128
	MaxPageSize     = 256
)

// Signature is the three-byte AVR device signature.
type Signature [3]byte

// String formats the signature as hex.
func (s Signature) String() string {
	return fmt.Sprintf("%02X%02X%02X", s[0], s[1], s[2])
}

var chipNames = map[Signature]string{
	{0x1E, 0x93, 0x07}: "ATmega8",
	{0x1E, 0x94, 0x06}: "ATmega168",
	{0x1E, 0x94, 0x0B}: "ATmega168P",
	{0x1E, 0x95, 0x0F}: "ATmega328P",
	{0x1E, 0x95, 0x14}: "ATmega328",
	{0x1E, 0x95, 0x87}: "ATmega32U4",
	{0x1E, 0x96, 0x0A}: "ATmega644P",
	{0x1E, 0x97, 0x05}: "ATmega1284P",
	{0x1E, 0x98, 0x01}: "ATmega2560",
}

// ChipName returns a human-readable part name for sig.
func ChipName(sig Signature) string {
	if name, ok := chipNames[sig]; ok {
		return name
	}
	return "unknown AVR"
}
