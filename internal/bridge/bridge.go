// Package bridge runs the packet loop between a radio link and the
// programming session.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bigbag/stk-bridge/internal/link"
	"github.com/bigbag/stk-bridge/internal/logging"
	"github.com/bigbag/stk-bridge/internal/packet"
	"github.com/bigbag/stk-bridge/internal/reply"
	"github.com/bigbag/stk-bridge/internal/session"
)

// DefaultIdleCheck is how often an idle link is polled for abandoned sessions.
const DefaultIdleCheck = time.Second

// Session is the programming state machine driven by the bridge.
type Session interface {
	Handle(p []byte) reply.Code
	Expired() bool
	Elapsed() time.Duration
	Snapshot() session.Snapshot
}

// PassthroughFunc receives radio packets that are not programming packets.
type PassthroughFunc func(p []byte)

// Config holds the bridge configuration.
type Config struct {
	Logger      logging.Logger
	Passthrough PassthroughFunc
	IdleCheck   time.Duration
}

// Option configures a Bridge.
type Option func(*Config)

// WithLogger sets the diagnostic logger.
func WithLogger(l logging.Logger) Option {
	return func(c *Config) {
		if l != nil {
			c.Logger = l
		}
	}
}

// WithPassthrough sets the hook for non-programming packets.
func WithPassthrough(fn PassthroughFunc) Option {
	return func(c *Config) {
		if fn != nil {
			c.Passthrough = fn
		}
	}
}

// WithIdleCheck sets how often an idle link is checked for an abandoned
// session.
func WithIdleCheck(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.IdleCheck = d
		}
	}
}

// Bridge feeds packets from a link into a session, one at a time.
type Bridge struct {
	conn    link.Conn
	sess    Session
	config  Config
	stalled bool
	packets int
}

// New creates a Bridge.
func New(conn link.Conn, sess Session, opts ...Option) *Bridge {
	cfg := Config{
		Logger:      logging.Nop(),
		Passthrough: func([]byte) {},
		IdleCheck:   DefaultIdleCheck,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Bridge{conn: conn, sess: sess, config: cfg}
}

// Run processes packets until ctx is done or the link fails. Programming
// packets get exactly one reply; anything else goes to the passthrough hook
// unanswered. It returns nil when ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	b.config.Logger.Info("bridge running")
	defer func() { b.config.Logger.Info("bridge stopped", "packets", b.packets) }()

	for {
		pkt, err := b.read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, context.DeadlineExceeded) {
				b.checkStalled()
				continue
			}
			return fmt.Errorf("read packet: %w", err)
		}

		if !packet.IsProgramming(pkt) {
			b.config.Passthrough(pkt)
			continue
		}

		b.packets++
		code := b.sess.Handle(pkt)
		b.stalled = false
		if err := b.conn.WriteReply(code); err != nil {
			return fmt.Errorf("write reply %s: %w", code, err)
		}
	}
}

func (b *Bridge) read(ctx context.Context) ([]byte, error) {
	readCtx, cancel := context.WithTimeout(ctx, b.config.IdleCheck)
	defer cancel()
	return b.conn.ReadPacket(readCtx)
}

func (b *Bridge) checkStalled() {
	if !b.sess.Expired() {
		b.stalled = false
		return
	}
	if b.stalled {
		return
	}
	b.stalled = true
	s := b.sess.Snapshot()
	b.config.Logger.Warn("session abandoned by host",
		"packets", s.PacketsReceived, "expected", s.ExpectedPackets,
		"idle", b.sess.Elapsed().Round(time.Millisecond))
}
