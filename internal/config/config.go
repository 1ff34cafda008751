// Package config loads the bridge configuration from YAML or TOML files and
// STK_BRIDGE_* environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/bigbag/stk-bridge/internal/packet"
	"github.com/bigbag/stk-bridge/internal/stk500"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "STK_BRIDGE_"

// Radio link types
const (
	RadioSerial    = "serial"
	RadioWebSocket = "websocket"
)

// Storage device types
const (
	StorageFile   = "file"
	StorageMemory = "memory"
)

// Config holds all bridge configuration.
type Config struct {
	Target  TargetConfig  `yaml:"target" toml:"target"`
	Radio   RadioConfig   `yaml:"radio" toml:"radio"`
	Storage StorageConfig `yaml:"storage" toml:"storage"`
	Session SessionConfig `yaml:"session" toml:"session"`
	Logging LoggingConfig `yaml:"logging" toml:"logging"`

	path string
}

// TargetConfig describes the serial connection to the target bootloader.
type TargetConfig struct {
	Port          string `yaml:"port" toml:"port"`
	Baud          int    `yaml:"baud" toml:"baud"`
	ReadTimeoutMS int    `yaml:"read_timeout_ms" toml:"read_timeout_ms"`
	ResetPulseMS  int    `yaml:"reset_pulse_ms" toml:"reset_pulse_ms"`
	ResetLine     string `yaml:"reset_line" toml:"reset_line"` // "dtr" or "rts"
	PageSize      int    `yaml:"page_size" toml:"page_size"`
	Verify        bool   `yaml:"verify" toml:"verify"`
}

// RadioConfig describes the link packets arrive on.
type RadioConfig struct {
	Type       string `yaml:"type" toml:"type"` // "serial" or "websocket"
	Port       string `yaml:"port" toml:"port"`
	Baud       int    `yaml:"baud" toml:"baud"`
	ListenAddr string `yaml:"listen_addr" toml:"listen_addr"`
	Path       string `yaml:"path" toml:"path"`
	URL        string `yaml:"url" toml:"url"` // host side
}

// StorageConfig describes the staged image storage.
type StorageConfig struct {
	Type     string `yaml:"type" toml:"type"` // "file" or "memory"
	Path     string `yaml:"path" toml:"path"`
	Base     int    `yaml:"base" toml:"base"`
	Capacity int    `yaml:"capacity" toml:"capacity"`
}

// SessionConfig holds programming session parameters.
type SessionConfig struct {
	TimeoutMS   int `yaml:"timeout_ms" toml:"timeout_ms"`
	PayloadSize int `yaml:"payload_size" toml:"payload_size"`
}

// LoggingConfig selects log verbosity and encoding.
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"` // "console" or "json"
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Target: TargetConfig{
			Port:          "/dev/ttyUSB0",
			Baud:          115200,
			ReadTimeoutMS: 1000,
			ResetPulseMS:  100,
			ResetLine:     "dtr",
			PageSize:      128,
		},
		Radio: RadioConfig{
			Type:       RadioSerial,
			Port:       "/dev/ttyUSB1",
			Baud:       57600,
			ListenAddr: ":8765",
			Path:       "/prog",
			URL:        "ws://localhost:8765/prog",
		},
		Storage: StorageConfig{
			Type:     StorageFile,
			Path:     "stk-bridge.eeprom",
			Capacity: 32768,
		},
		Session: SessionConfig{
			TimeoutMS:   5000,
			PayloadSize: 128,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads config from path, then applies environment overrides. An empty
// path or a missing file yields the defaults. Files ending in .toml are read
// as TOML, anything else as YAML.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	cfg.path = path

	if path != "" {
		if err := cfg.decodeFile(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decodeFile(path string) error {
	if isTOML(path) {
		if _, err := toml.DecodeFile(path, c); err != nil {
			return fmt.Errorf("load config %s: %w", path, err)
		}
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// Path returns the file the config was loaded from.
func (c *Config) Path() string {
	return c.path
}

// Save writes the config to path in the format its extension selects.
func (c *Config) Save(path string) error {
	var buf bytes.Buffer
	if isTOML(path) {
		if err := toml.NewEncoder(&buf).Encode(c); err != nil {
			return fmt.Errorf("encode config: %w", err)
		}
	} else {
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(c); err != nil {
			return fmt.Errorf("encode config: %w", err)
		}
		enc.Close()
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

// applyEnvOverrides reads STK_BRIDGE_* variables. Supported: TARGET_PORT,
// TARGET_BAUD, TARGET_RESET_LINE, TARGET_VERIFY, RADIO_TYPE, RADIO_PORT,
// RADIO_BAUD, RADIO_LISTEN_ADDR, RADIO_URL, STORAGE_TYPE, STORAGE_PATH,
// STORAGE_CAPACITY, SESSION_TIMEOUT_MS, SESSION_PAYLOAD_SIZE, LOG_LEVEL,
// LOG_FORMAT.
func (c *Config) applyEnvOverrides() error {
	strs := map[string]*string{
		"TARGET_PORT":       &c.Target.Port,
		"TARGET_RESET_LINE": &c.Target.ResetLine,
		"RADIO_TYPE":        &c.Radio.Type,
		"RADIO_PORT":        &c.Radio.Port,
		"RADIO_LISTEN_ADDR": &c.Radio.ListenAddr,
		"RADIO_URL":         &c.Radio.URL,
		"STORAGE_TYPE":      &c.Storage.Type,
		"STORAGE_PATH":      &c.Storage.Path,
		"LOG_LEVEL":         &c.Logging.Level,
		"LOG_FORMAT":        &c.Logging.Format,
	}
	for key, dst := range strs {
		if v := os.Getenv(EnvPrefix + key); v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"TARGET_BAUD":          &c.Target.Baud,
		"RADIO_BAUD":           &c.Radio.Baud,
		"STORAGE_CAPACITY":     &c.Storage.Capacity,
		"SESSION_TIMEOUT_MS":   &c.Session.TimeoutMS,
		"SESSION_PAYLOAD_SIZE": &c.Session.PayloadSize,
	}
	for key, dst := range ints {
		v := os.Getenv(EnvPrefix + key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
		}
		*dst = n
	}

	if v := os.Getenv(EnvPrefix + "TARGET_VERIFY"); v != "" {
		c.Target.Verify = v == "1" || v == "true" || v == "yes"
	}
	return nil
}

// Validate checks value ranges and enumerations.
func (c *Config) Validate() error {
	var errs []error

	if c.Target.Baud <= 0 {
		errs = append(errs, fmt.Errorf("target.baud must be positive"))
	}
	if c.Target.PageSize <= 0 || c.Target.PageSize > stk500.MaxPageSize || c.Target.PageSize%2 != 0 {
		errs = append(errs, fmt.Errorf("target.page_size %d must be even and at most %d", c.Target.PageSize, stk500.MaxPageSize))
	}
	switch c.Target.ResetLine {
	case "dtr", "rts":
	default:
		errs = append(errs, fmt.Errorf("target.reset_line %q must be dtr or rts", c.Target.ResetLine))
	}

	switch c.Radio.Type {
	case RadioSerial:
		if c.Radio.Baud <= 0 {
			errs = append(errs, fmt.Errorf("radio.baud must be positive"))
		}
	case RadioWebSocket:
		if !strings.HasPrefix(c.Radio.Path, "/") {
			errs = append(errs, fmt.Errorf("radio.path %q must start with /", c.Radio.Path))
		}
	default:
		errs = append(errs, fmt.Errorf("radio.type %q must be serial or websocket", c.Radio.Type))
	}

	switch c.Storage.Type {
	case StorageMemory:
	case StorageFile:
		if c.Storage.Path == "" {
			errs = append(errs, fmt.Errorf("storage.path is required for file storage"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.type %q must be file or memory", c.Storage.Type))
	}
	if c.Storage.Capacity <= 0 {
		errs = append(errs, fmt.Errorf("storage.capacity must be positive"))
	}
	if c.Storage.Base < 0 {
		errs = append(errs, fmt.Errorf("storage.base must not be negative"))
	}

	if c.Session.TimeoutMS <= 0 {
		errs = append(errs, fmt.Errorf("session.timeout_ms must be positive"))
	}
	if c.Session.PayloadSize <= 0 || c.Session.PayloadSize > packet.MaxPayloadSize {
		errs = append(errs, fmt.Errorf("session.payload_size %d must be between 1 and %d", c.Session.PayloadSize, packet.MaxPayloadSize))
	}

	return errors.Join(errs...)
}

// ReadTimeout returns the bootloader reply timeout.
func (t TargetConfig) ReadTimeout() time.Duration {
	return time.Duration(t.ReadTimeoutMS) * time.Millisecond
}

// ResetPulse returns how long reset is held asserted.
func (t TargetConfig) ResetPulse() time.Duration {
	return time.Duration(t.ResetPulseMS) * time.Millisecond
}

// Timeout returns the session liveness threshold.
func (s SessionConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutMS) * time.Millisecond
}
