// Package reply defines the one-byte codes returned to the wireless host
// after every programming packet, and the mapping from internal errors to
// those codes.
package reply

import (
	"errors"
	"fmt"

	"github.com/bigbag/stk-bridge/internal/stk500"
	"github.com/bigbag/stk-bridge/internal/storage"
)

// Code is a host reply byte.
type Code byte

// Host reply codes
const (
	OK                        Code = 0x01
	StartOver                 Code = 0x02
	Timeout                   Code = 0x03
	EEPROMError               Code = 0x80
	EEPROMWriteError          Code = 0x81
	FlashError                Code = 0x82
	EEPROMReadError           Code = 0xB1
	NoBootloader              Code = 0xC1
	BootloaderReplyTimeout    Code = 0xC2
	BootloaderUnexpectedReply Code = 0xC3
)

var (
	// ErrStartOver means the packet does not fit the current session; the
	// host must resend from a start packet.
	ErrStartOver = errors.New("start over")

	// ErrTimeout means the session was abandoned by the host.
	ErrTimeout = errors.New("session timed out")
)

// IsOK reports whether c is OK.
func (c Code) IsOK() bool {
	return c == OK
}

// String returns a human-readable code name.
func (c Code) String() string {
	switch c {
	case OK:
		return "ok"
	case StartOver:
		return "start-over"
	case Timeout:
		return "timeout"
	case EEPROMError:
		return "eeprom-error"
	case EEPROMWriteError:
		return "eeprom-write-error"
	case FlashError:
		return "flash-error"
	case EEPROMReadError:
		return "eeprom-read-error"
	case NoBootloader:
		return "no-bootloader"
	case BootloaderReplyTimeout:
		return "bootloader-reply-timeout"
	case BootloaderUnexpectedReply:
		return "bootloader-unexpected-reply"
	default:
		return fmt.Sprintf("unknown(0x%02X)", byte(c))
	}
}

// FromError maps an outcome to its reply code. It performs no I/O.
func FromError(err error) Code {
	if err == nil {
		return OK
	}

	switch {
	case errors.Is(err, ErrStartOver):
		return StartOver
	case errors.Is(err, ErrTimeout):
		return Timeout
	}

	// A staged read failure during flashing is a storage fault, whatever
	// the device reported underneath.
	var ie *stk500.ImageReadError
	if errors.As(err, &ie) {
		return EEPROMReadError
	}

	var de *storage.DeviceError
	if errors.As(err, &de) {
		if de.Op == storage.OpRead {
			return EEPROMReadError
		}
		return EEPROMWriteError
	}

	switch {
	case errors.Is(err, storage.ErrOutOfRange):
		return EEPROMError
	case errors.Is(err, stk500.ErrNoBootloader):
		return NoBootloader
	case errors.Is(err, stk500.ErrReplyTimeout):
		return BootloaderReplyTimeout
	case errors.Is(err, stk500.ErrUnexpectedReply):
		return BootloaderUnexpectedReply
	}
	return FlashError
}
