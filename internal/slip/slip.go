// Package slip frames packets on a serial byte stream (RFC 1055).
package slip

import "errors"

const (
	End    = 0xC0
	Esc    = 0xDB
	EscEnd = 0xDC
	EscEsc = 0xDD
)

// ErrFrameTooLarge is reported when a frame exceeds the decoder capacity.
// The oversized frame is dropped and decoding resumes at the next End.
var ErrFrameTooLarge = errors.New("slip: frame exceeds buffer")

// AppendEncode appends the framed form of data to dst.
// The frame starts and ends with End so a receiver can resync on noise.
func AppendEncode(dst, data []byte) []byte {
	dst = append(dst, End)
	for _, b := range data {
		switch b {
		case End:
			dst = append(dst, Esc, EscEnd)
		case Esc:
			dst = append(dst, Esc, EscEsc)
		default:
			dst = append(dst, b)
		}
	}
	return append(dst, End)
}

// Encode returns data wrapped in SLIP framing.
func Encode(data []byte) []byte {
	return AppendEncode(make([]byte, 0, len(data)+10), data)
}

// MaxEncodedLen is the worst-case frame size for n bytes of data.
func MaxEncodedLen(n int) int {
	return 2*n + 2
}

// Decoder reassembles frames from a byte stream into a fixed-size buffer.
type Decoder struct {
	buf      []byte
	n        int
	synced   bool
	escaped  bool
	overflow bool
}

// NewDecoder creates a decoder accepting frames of up to size bytes.
func NewDecoder(size int) *Decoder {
	return &Decoder{buf: make([]byte, size)}
}

// Feed consumes one byte. When b completes a non-empty frame, Feed returns
// it; the slice is only valid until the next call. Empty frames (End End)
// are ignored, as is anything before the first End.
func (d *Decoder) Feed(b byte) ([]byte, error) {
	if b == End {
		n, overflow := d.n, d.overflow
		d.synced = true
		d.Reset()
		if overflow {
			return nil, ErrFrameTooLarge
		}
		if n == 0 {
			return nil, nil
		}
		return d.buf[:n], nil
	}

	if !d.synced || d.overflow {
		return nil, nil
	}

	if d.escaped {
		d.escaped = false
		switch b {
		case EscEnd:
			b = End
		case EscEsc:
			b = Esc
		}
	} else if b == Esc {
		d.escaped = true
		return nil, nil
	}

	if d.n == len(d.buf) {
		d.overflow = true
		return nil, nil
	}
	d.buf[d.n] = b
	d.n++
	return nil, nil
}

// Reset discards any partial frame.
func (d *Decoder) Reset() {
	d.n = 0
	d.escaped = false
	d.overflow = false
}

// Decode extracts data from a single complete frame.
func Decode(frame []byte) []byte {
	d := NewDecoder(len(frame))
	var out []byte
	for _, b := range frame {
		if data, _ := d.Feed(b); data != nil {
			out = append(out[:0], data...)
		}
	}
	// Tolerate a missing trailing End.
	if out == nil && d.n > 0 {
		out = append(out, d.buf[:d.n]...)
	}
	return out
}
