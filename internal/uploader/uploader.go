// Package uploader drives the host side of a wireless programming session:
// it splits an image into packets, sends them over a link and asks the bridge
// to flash the staged result.
package uploader

import (
	"context"
	"errors"
	"fmt"

	"github.com/bigbag/stk-bridge/internal/link"
	"github.com/bigbag/stk-bridge/internal/logging"
	"github.com/bigbag/stk-bridge/internal/packet"
	"github.com/bigbag/stk-bridge/internal/reply"
)

// Defaults
const (
	DefaultPayloadSize = 128
	DefaultRetries     = 2
	maxImageSize       = 0xFFFF
)

// Stage names the packet being sent when an upload failed.
type Stage string

const (
	StageStart Stage = "start"
	StageData  Stage = "data"
	StageStop  Stage = "stop"
	StageFlash Stage = "flash"
)

// ReplyError reports a packet the bridge answered with anything but OK.
type ReplyError struct {
	Stage  Stage
	Packet int
	Code   reply.Code
}

func (e *ReplyError) Error() string {
	if e.Stage == StageData {
		return fmt.Sprintf("data packet %d rejected: %s", e.Packet, e.Code)
	}
	return fmt.Sprintf("%s packet rejected: %s", e.Stage, e.Code)
}

// Restartable reports whether the session can be retried from a start
// packet.
func (e *ReplyError) Restartable() bool {
	return e.Code == reply.StartOver || e.Code == reply.Timeout
}

// ProgressCallback is called after each acknowledged data packet.
type ProgressCallback func(current, total int)

// Config holds the uploader configuration.
type Config struct {
	Logger      logging.Logger
	Progress    ProgressCallback
	PayloadSize int
	Retries     int
}

// Option configures an Uploader.
type Option func(*Config)

// WithLogger sets the diagnostic logger.
func WithLogger(l logging.Logger) Option {
	return func(c *Config) {
		if l != nil {
			c.Logger = l
		}
	}
}

// WithProgressCallback sets the progress callback.
func WithProgressCallback(cb ProgressCallback) Option {
	return func(c *Config) {
		c.Progress = cb
	}
}

// WithPayloadSize sets the data bytes per packet. Values outside
// 1..packet.MaxPayloadSize are ignored.
func WithPayloadSize(n int) Option {
	return func(c *Config) {
		if n > 0 && n <= packet.MaxPayloadSize {
			c.PayloadSize = n
		}
	}
}

// WithRetries sets how many times a session restarts after StartOver or
// Timeout.
func WithRetries(n int) Option {
	return func(c *Config) {
		if n >= 0 {
			c.Retries = n
		}
	}
}

// Uploader sends images through a bridge.
type Uploader struct {
	sender link.Sender
	config Config
}

// New creates an Uploader.
func New(sender link.Sender, opts ...Option) *Uploader {
	cfg := Config{
		Logger:      logging.Nop(),
		PayloadSize: DefaultPayloadSize,
		Retries:     DefaultRetries,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Uploader{sender: sender, config: cfg}
}

// Upload stages image on the bridge and flashes it at address. A session the
// bridge asks to start over is restarted from the beginning up to the
// configured number of retries.
func (u *Uploader) Upload(ctx context.Context, image []byte, address int) error {
	if len(image) == 0 {
		return errors.New("empty image")
	}
	if len(image) > maxImageSize {
		return fmt.Errorf("image too large: %d bytes (max %d)", len(image), maxImageSize)
	}
	if address < 0 || address > 0xFFFF || address%2 != 0 {
		return fmt.Errorf("invalid flash address 0x%X", address)
	}

	var err error
	for attempt := 0; attempt <= u.config.Retries; attempt++ {
		if attempt > 0 {
			u.config.Logger.Warn("restarting session", "attempt", attempt+1, "error", err)
		}
		err = u.session(ctx, image, address)

		var re *ReplyError
		if err == nil || !errors.As(err, &re) || !re.Restartable() {
			return err
		}
	}
	return err
}

func (u *Uploader) session(ctx context.Context, image []byte, address int) error {
	ps := u.config.PayloadSize
	total := (len(image) + ps - 1) / ps

	start := packet.Start{ProgramSize: len(image), ExpectedPackets: total, PayloadSize: ps}
	if err := u.send(ctx, StageStart, 0, packet.NewStart(start)); err != nil {
		return err
	}
	u.config.Logger.Debug("session started", "size", len(image), "packets", total)

	for i := 0; i < total; i++ {
		offset := i * ps
		pkt, err := packet.NewData(offset, image[offset:min(offset+ps, len(image))])
		if err != nil {
			return err
		}
		if err := u.send(ctx, StageData, i+1, pkt); err != nil {
			return err
		}
		if u.config.Progress != nil {
			u.config.Progress(i+1, total)
		}
	}

	if err := u.send(ctx, StageStop, 0, packet.NewStop()); err != nil {
		return err
	}

	u.config.Logger.Info("flashing", "address", address, "size", len(image))
	return u.send(ctx, StageFlash, 0, packet.NewFlashStart(packet.FlashStart{Address: address, Size: len(image)}))
}

func (u *Uploader) send(ctx context.Context, stage Stage, n int, pkt []byte) error {
	code, err := u.sender.Send(ctx, pkt)
	if err != nil {
		return fmt.Errorf("send %s packet: %w", stage, err)
	}
	if !code.IsOK() {
		return &ReplyError{Stage: stage, Packet: n, Code: code}
	}
	return nil
}
