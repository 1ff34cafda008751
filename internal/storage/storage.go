// Package storage stages a firmware image in an external byte-addressable
// non-volatile store.
//
// The Adapter is a thin cursor-free view over a Device: every call names its
// own offset, relative to the base address reserved for the image. Device
// failures are reported as *DeviceError and are never retried here. The
// Adapter is not safe for concurrent use.
package storage

import (
	"errors"
	"fmt"
	"io"
)

// Device is the external store, e.g. an I2C EEPROM or a backing file.
type Device interface {
	io.ReaderAt
	io.WriterAt
}

// Op names the failed device operation.
type Op string

const (
	OpRead  Op = "read"
	OpWrite Op = "write"
)

// ErrOutOfRange is returned when a request falls outside the image region.
var ErrOutOfRange = errors.New("storage: access outside image region")

// DeviceError reports a failure of the underlying device.
type DeviceError struct {
	Op      Op
	Address int64
	Err     error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("storage: %s at 0x%04X: %v", e.Op, e.Address, e.Err)
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}

// Adapter exposes the image region of a Device.
type Adapter struct {
	dev      Device
	base     int64
	capacity int
}

// NewAdapter creates an adapter for the region [base, base+capacity).
func NewAdapter(dev Device, base int64, capacity int) *Adapter {
	return &Adapter{dev: dev, base: base, capacity: capacity}
}

// Capacity returns the size of the image region in bytes.
func (a *Adapter) Capacity() int {
	return a.capacity
}

// Write stores data at offset within the image region.
func (a *Adapter) Write(offset int, data []byte) error {
	if err := a.check(offset, len(data)); err != nil {
		return err
	}
	addr := a.base + int64(offset)
	n, err := a.dev.WriteAt(data, addr)
	if err == nil && n != len(data) {
		err = io.ErrShortWrite
	}
	if err != nil {
		return &DeviceError{Op: OpWrite, Address: addr, Err: err}
	}
	return nil
}

// Read fills buf from offset within the image region.
func (a *Adapter) Read(offset int, buf []byte) error {
	if err := a.check(offset, len(buf)); err != nil {
		return err
	}
	addr := a.base + int64(offset)
	n, err := a.dev.ReadAt(buf, addr)
	if n == len(buf) && errors.Is(err, io.EOF) {
		err = nil
	}
	if err == nil && n != len(buf) {
		err = io.ErrUnexpectedEOF
	}
	if err != nil {
		return &DeviceError{Op: OpRead, Address: addr, Err: err}
	}
	return nil
}

func (a *Adapter) check(offset, length int) error {
	if offset < 0 || length < 0 || offset+length > a.capacity {
		return fmt.Errorf("%w: offset %d length %d capacity %d", ErrOutOfRange, offset, length, a.capacity)
	}
	return nil
}
