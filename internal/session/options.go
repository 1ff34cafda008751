package session

import (
	"time"

	"github.com/bigbag/stk-bridge/internal/logging"
)

// Config holds the machine configuration.
type Config struct {
	Logger  logging.Logger
	Timeout time.Duration
	Now     func() time.Time
}

func defaultConfig() Config {
	return Config{
		Logger:  logging.Nop(),
		Timeout: DefaultTimeout,
		Now:     time.Now,
	}
}

// Option configures a Machine.
type Option func(*Config)

// WithLogger sets the diagnostic logger.
func WithLogger(l logging.Logger) Option {
	return func(c *Config) {
		if l != nil {
			c.Logger = l
		}
	}
}

// WithTimeout sets the liveness threshold between packets.
func WithTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.Timeout = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Config) {
		if now != nil {
			c.Now = now
		}
	}
}
