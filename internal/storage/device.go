package storage

import (
	"fmt"
	"io"
	"os"
)

// Common EEPROM sizes
const (
	Size24LC256 = 32 * 1024
	Size24LC512 = 64 * 1024
)

// MemoryDevice is a fixed-size RAM-backed device. The erased state is 0xFF.
type MemoryDevice struct {
	mem []byte
}

// NewMemoryDevice allocates a device of size bytes.
func NewMemoryDevice(size int) *MemoryDevice {
	mem := make([]byte, size)
	for i := range mem {
		mem[i] = 0xFF
	}
	return &MemoryDevice{mem: mem}
}

// ReadAt implements io.ReaderAt.
func (d *MemoryDevice) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(d.mem)) {
		return 0, io.EOF
	}
	n := copy(p, d.mem[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements io.WriterAt. Writes past the end fail without
// partial effect.
func (d *MemoryDevice) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(d.mem)) {
		return 0, fmt.Errorf("write of %d bytes at 0x%04X exceeds device size %d", len(p), off, len(d.mem))
	}
	return copy(d.mem[off:], p), nil
}

// Size returns the device size in bytes.
func (d *MemoryDevice) Size() int {
	return len(d.mem)
}

// FileDevice persists the store in a regular file, standing in for an
// external EEPROM on hosts without one.
type FileDevice struct {
	f    *os.File
	size int64
}

// OpenFileDevice opens or creates path and grows it to size bytes,
// filling new space with 0xFF.
func OpenFileDevice(path string, size int64) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage file %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat storage file %s: %w", path, err)
	}

	if cur := info.Size(); cur < size {
		fill := make([]byte, size-cur)
		for i := range fill {
			fill[i] = 0xFF
		}
		if _, err := f.WriteAt(fill, cur); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to size storage file %s: %w", path, err)
		}
	}

	return &FileDevice{f: f, size: size}, nil
}

// ReadAt implements io.ReaderAt.
func (d *FileDevice) ReadAt(p []byte, off int64) (int, error) {
	if off+int64(len(p)) > d.size {
		return 0, io.EOF
	}
	return d.f.ReadAt(p, off)
}

// WriteAt implements io.WriterAt and syncs so the image survives a crash of
// the bridge process.
func (d *FileDevice) WriteAt(p []byte, off int64) (int, error) {
	if off+int64(len(p)) > d.size {
		return 0, fmt.Errorf("write of %d bytes at 0x%04X exceeds device size %d", len(p), off, d.size)
	}
	n, err := d.f.WriteAt(p, off)
	if err != nil {
		return n, err
	}
	return n, d.f.Sync()
}

// Close closes the backing file.
func (d *FileDevice) Close() error {
	return d.f.Close()
}
