// Package link carries programming packets between the host and the bridge.
//
// The bridge side reads one packet at a time and answers with a single reply
// byte; the host side sends a packet and waits for that byte. Two transports
// are provided: SLIP frames over a serial radio module, and binary messages
// over a WebSocket.
package link

import (
	"context"
	"errors"
	"time"

	"github.com/bigbag/stk-bridge/internal/logging"
	"github.com/bigbag/stk-bridge/internal/reply"
)

// Defaults
const (
	DefaultPollInterval = 100 * time.Millisecond
	DefaultReplyTimeout = 15 * time.Second
)

var (
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("link closed")

	// ErrNoReply is returned by a Sender when the bridge did not answer in
	// time.
	ErrNoReply = errors.New("no reply from bridge")

	// ErrNoPeer is returned by WriteReply when no host is connected.
	ErrNoPeer = errors.New("no host connected")
)

// Conn is the bridge end of a link.
type Conn interface {
	// ReadPacket blocks until a packet arrives or ctx is done.
	ReadPacket(ctx context.Context) ([]byte, error)
	// WriteReply answers the last packet read.
	WriteReply(code reply.Code) error
	Close() error
}

// Sender is the host end of a link.
type Sender interface {
	// Send transmits pkt and waits for the bridge's reply.
	Send(ctx context.Context, pkt []byte) (reply.Code, error)
	Close() error
}

type options struct {
	logger       logging.Logger
	pollInterval time.Duration
	replyTimeout time.Duration
}

func defaultOptions() options {
	return options{
		logger:       logging.Nop(),
		pollInterval: DefaultPollInterval,
		replyTimeout: DefaultReplyTimeout,
	}
}

// Option configures a link endpoint.
type Option func(*options)

// WithLogger sets the diagnostic logger.
func WithLogger(l logging.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithPollInterval sets how long a serial read blocks before the context is
// checked again.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// WithReplyTimeout bounds how long a Sender waits for a reply when ctx has
// no earlier deadline. Flashing a full image takes several seconds.
func WithReplyTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.replyTimeout = d
		}
	}
}

func buildOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func replyDeadline(ctx context.Context, timeout time.Duration) time.Time {
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		return d
	}
	return deadline
}
