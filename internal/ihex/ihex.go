// Package ihex reads firmware images in Intel HEX format.
package ihex

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Record types
const (
	RecordData            = 0x00
	RecordEOF             = 0x01
	RecordExtendedSegment = 0x02
	RecordStartSegment    = 0x03
	RecordExtendedLinear  = 0x04
	RecordStartLinear     = 0x05
)

// Fill is the value of bytes not covered by any data record.
const Fill = 0xFF

// MaxImageSize bounds the span between the lowest and highest address.
const MaxImageSize = 1 << 20

// ErrNoData is returned for files without data records.
var ErrNoData = errors.New("no data records")

// Image is a contiguous firmware image.
type Image struct {
	// Address of Data[0] in target flash.
	Address int
	Data    []byte
}

// Size returns the image length in bytes.
func (img *Image) Size() int {
	return len(img.Data)
}

type chunk struct {
	address int
	data    []byte
}

// Parse reads Intel HEX records from r until the EOF record. Data records
// may come in any order; gaps between them are filled with Fill.
func Parse(r io.Reader) (*Image, error) {
	scanner := bufio.NewScanner(r)

	var (
		chunks []chunk
		base   int
		lo, hi = -1, 0
		line   int
		eof    bool
	)

	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}

		rec, err := parseRecord(text)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		switch rec.kind {
		case RecordData:
			addr := base + rec.offset
			chunks = append(chunks, chunk{address: addr, data: rec.data})
			if lo < 0 || addr < lo {
				lo = addr
			}
			hi = max(hi, addr+len(rec.data))
		case RecordEOF:
			eof = true
		case RecordExtendedSegment:
			if len(rec.data) != 2 {
				return nil, fmt.Errorf("line %d: segment record with %d bytes", line, len(rec.data))
			}
			base = (int(rec.data[0])<<8 | int(rec.data[1])) << 4
		case RecordExtendedLinear:
			if len(rec.data) != 2 {
				return nil, fmt.Errorf("line %d: linear record with %d bytes", line, len(rec.data))
			}
			base = (int(rec.data[0])<<8 | int(rec.data[1])) << 16
		case RecordStartSegment, RecordStartLinear:
			// Entry points mean nothing to the bootloader.
		default:
			return nil, fmt.Errorf("line %d: unknown record type 0x%02X", line, rec.kind)
		}
		if eof {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read hex: %w", err)
	}
	if !eof {
		return nil, errors.New("missing end-of-file record")
	}
	if len(chunks) == 0 {
		return nil, ErrNoData
	}
	if hi-lo > MaxImageSize {
		return nil, fmt.Errorf("image spans %d bytes (max %d)", hi-lo, MaxImageSize)
	}

	img := &Image{Address: lo, Data: make([]byte, hi-lo)}
	for i := range img.Data {
		img.Data[i] = Fill
	}
	for _, c := range chunks {
		copy(img.Data[c.address-lo:], c.data)
	}
	return img, nil
}

type record struct {
	kind   byte
	offset int
	data   []byte
}

func parseRecord(text string) (record, error) {
	if text[0] != ':' {
		return record{}, fmt.Errorf("record does not start with ':'")
	}
	buf, err := hex.DecodeString(text[1:])
	if err != nil {
		return record{}, fmt.Errorf("invalid hex data: %w", err)
	}
	if len(buf) < 5 {
		return record{}, fmt.Errorf("record too short: %d bytes", len(buf))
	}
	if n := int(buf[0]); len(buf) != n+5 {
		return record{}, fmt.Errorf("length mismatch: header says %d data bytes, got %d", n, len(buf)-5)
	}

	var sum byte
	for _, b := range buf {
		sum += b
	}
	if sum != 0 {
		return record{}, fmt.Errorf("checksum mismatch: 0x%02X", buf[len(buf)-1])
	}

	return record{
		kind:   buf[3],
		offset: int(buf[1])<<8 | int(buf[2]),
		data:   buf[4 : len(buf)-1],
	}, nil
}

// Load reads an image file. Files ending in .hex or .ihx are parsed as
// Intel HEX; anything else is taken as a raw binary starting at address 0.
func Load(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer func() { _ = f.Close() }()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".hex", ".ihx":
		img, err := Parse(f)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return img, nil
	default:
		data, err := io.ReadAll(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read image: %w", err)
		}
		if len(data) == 0 {
			return nil, fmt.Errorf("%s: %w", path, ErrNoData)
		}
		return &Image{Data: data}, nil
	}
}
