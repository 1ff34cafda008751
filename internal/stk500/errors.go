package stk500

import (
	"errors"
	"fmt"
)

var (
	// ErrNoBootloader means the target could not be reached at all: the
	// reset line or the serial channel failed before the first handshake.
	ErrNoBootloader = errors.New("stk500: no bootloader detected")

	// ErrReplyTimeout means the full reply did not arrive within the read
	// timeout.
	ErrReplyTimeout = errors.New("stk500: bootloader reply timeout")

	// ErrUnexpectedReply means the reply was not framed as INSYNC ... OK.
	ErrUnexpectedReply = errors.New("stk500: unexpected bootloader reply")

	// ErrVerifyMismatch means a page read back differs from what was written.
	ErrVerifyMismatch = errors.New("stk500: page verification mismatch")
)

// ReplyError carries the bytes that were actually received.
type ReplyError struct {
	Command byte
	Got     []byte
	Err     error
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("command 0x%02X: %v (got % X)", e.Command, e.Err, e.Got)
}

func (e *ReplyError) Unwrap() error {
	return e.Err
}

// ImageReadError reports a failure reading the staged image.
type ImageReadError struct {
	Offset int
	Err    error
}

func (e *ImageReadError) Error() string {
	return fmt.Sprintf("read staged image at offset %d: %v", e.Offset, e.Err)
}

func (e *ImageReadError) Unwrap() error {
	return e.Err
}

// Stage names the step of a page exchange.
type Stage string

const (
	StageRead        Stage = "read"
	StageLoadAddress Stage = "load-address"
	StageProgram     Stage = "program-page"
	StageVerify      Stage = "verify"
)

// PageError reports which page and which stage aborted a flash.
type PageError struct {
	Stage   Stage
	Address int
	Err     error
}

func (e *PageError) Error() string {
	return fmt.Sprintf("page at 0x%04X: %s: %v", e.Address, e.Stage, e.Err)
}

func (e *PageError) Unwrap() error {
	return e.Err
}
