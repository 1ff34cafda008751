package link

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bigbag/stk-bridge/internal/packet"
	"github.com/bigbag/stk-bridge/internal/reply"
	"github.com/bigbag/stk-bridge/internal/slip"
)

// Stream is a byte stream to a serial radio module. *serial.Port satisfies it.
type Stream interface {
	Write(data []byte) (int, error)
	ReadWithTimeout(buf []byte, timeout time.Duration) (int, error)
	Close() error
}

// framer pulls SLIP frames out of a Stream.
type framer struct {
	stream Stream
	dec    *slip.Decoder
	rx     [64]byte
	pos, n int
	out    []byte
	opts   options
}

func newFramer(stream Stream, frameSize int, opts options) *framer {
	return &framer{
		stream: stream,
		dec:    slip.NewDecoder(frameSize),
		out:    make([]byte, 0, slip.MaxEncodedLen(frameSize)),
		opts:   opts,
	}
}

// next returns the next complete frame, or nil when deadline passes first.
// A zero deadline waits until ctx is done.
func (f *framer) next(ctx context.Context, deadline time.Time) ([]byte, error) {
	for {
		for f.pos < f.n {
			b := f.rx[f.pos]
			f.pos++
			frame, err := f.dec.Feed(b)
			if err != nil {
				f.opts.logger.Warn("dropped frame", "error", err)
				continue
			}
			if frame != nil {
				return append([]byte(nil), frame...), nil
			}
		}

		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return nil, nil
		}

		n, err := f.stream.ReadWithTimeout(f.rx[:], f.opts.pollInterval)
		if err != nil {
			return nil, fmt.Errorf("read: %w", err)
		}
		f.pos, f.n = 0, n
	}
}

func (f *framer) write(data []byte) error {
	f.out = slip.AppendEncode(f.out[:0], data)
	n, err := f.stream.Write(f.out)
	if err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if n != len(f.out) {
		return fmt.Errorf("write: %w: %d of %d bytes", errShortWrite, n, len(f.out))
	}
	return nil
}

// SerialConn is the bridge end of a SLIP serial link.
type SerialConn struct {
	f         *framer
	closeOnce sync.Once
}

// NewSerialConn wraps stream. Frames larger than a programming packet are
// discarded.
func NewSerialConn(stream Stream, opts ...Option) *SerialConn {
	return &SerialConn{f: newFramer(stream, packet.MaxSize, buildOptions(opts))}
}

// ReadPacket returns the next frame.
func (c *SerialConn) ReadPacket(ctx context.Context) ([]byte, error) {
	return c.f.next(ctx, time.Time{})
}

// WriteReply sends code as a one-byte frame.
func (c *SerialConn) WriteReply(code reply.Code) error {
	return c.f.write([]byte{byte(code)})
}

// Close closes the underlying stream.
func (c *SerialConn) Close() error {
	var err error
	c.closeOnce.Do(func() { err = c.f.stream.Close() })
	return err
}

// SerialSender is the host end of a SLIP serial link.
type SerialSender struct {
	f         *framer
	closeOnce sync.Once
}

// NewSerialSender wraps stream.
func NewSerialSender(stream Stream, opts ...Option) *SerialSender {
	return &SerialSender{f: newFramer(stream, packet.MaxSize, buildOptions(opts))}
}

// Send writes pkt and waits for a one-byte reply frame. Longer frames are
// skipped; they are radio traffic not addressed to the host.
func (s *SerialSender) Send(ctx context.Context, pkt []byte) (reply.Code, error) {
	if err := s.f.write(pkt); err != nil {
		return 0, err
	}

	deadline := replyDeadline(ctx, s.f.opts.replyTimeout)
	for {
		frame, err := s.f.next(ctx, deadline)
		if err != nil {
			return 0, err
		}
		if frame == nil {
			return 0, ErrNoReply
		}
		if len(frame) == 1 {
			return reply.Code(frame[0]), nil
		}
		s.f.opts.logger.Debug("ignoring frame while waiting for reply", "len", len(frame))
	}
}

// Close closes the underlying stream.
func (s *SerialSender) Close() error {
	var err error
	s.closeOnce.Do(func() { err = s.f.stream.Close() })
	return err
}

var errShortWrite = errors.New("short write")
