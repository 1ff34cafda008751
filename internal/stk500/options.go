package stk500

import (
	"time"

	"github.com/bigbag/stk-bridge/internal/logging"
)

// ProgressCallback is called after each programmed page.
type ProgressCallback func(current, total int)

// Config holds the client configuration.
type Config struct {
	Logger      logging.Logger
	Progress    ProgressCallback
	ReadTimeout time.Duration
	ResetPulse  time.Duration
	Settle      time.Duration
	PageSize    int
	Verify      bool
}

func defaultConfig() Config {
	return Config{
		Logger:      logging.Nop(),
		ReadTimeout: DefaultReadTimeout * time.Millisecond,
		ResetPulse:  DefaultResetPulse * time.Millisecond,
		Settle:      DefaultSettle * time.Millisecond,
		PageSize:    DefaultPageSize,
	}
}

// Option configures a Client.
type Option func(*Config)

// WithLogger sets the diagnostic logger.
func WithLogger(l logging.Logger) Option {
	return func(c *Config) {
		if l != nil {
			c.Logger = l
		}
	}
}

// WithProgressCallback sets the per-page progress callback.
func WithProgressCallback(cb ProgressCallback) Option {
	return func(c *Config) {
		c.Progress = cb
	}
}

// WithReadTimeout sets how long to wait for a complete reply.
func WithReadTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.ReadTimeout = d
		}
	}
}

// WithResetPulse sets how long reset is held asserted and how long to wait
// after releasing it.
func WithResetPulse(pulse, settle time.Duration) Option {
	return func(c *Config) {
		if pulse > 0 {
			c.ResetPulse = pulse
		}
		if settle >= 0 {
			c.Settle = settle
		}
	}
}

// WithPageSize sets the target flash page size in bytes. It must be even
// and no larger than MaxPageSize.
func WithPageSize(size int) Option {
	return func(c *Config) {
		if size > 0 && size <= MaxPageSize && size%2 == 0 {
			c.PageSize = size
		}
	}
}

// WithVerify reads every page back after programming it.
func WithVerify(verify bool) Option {
	return func(c *Config) {
		c.Verify = verify
	}
}
