package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bigbag/stk-bridge/internal/bridge"
	"github.com/bigbag/stk-bridge/internal/config"
	"github.com/bigbag/stk-bridge/internal/detect"
	"github.com/bigbag/stk-bridge/internal/link"
	"github.com/bigbag/stk-bridge/internal/logging"
	"github.com/bigbag/stk-bridge/internal/serial"
	"github.com/bigbag/stk-bridge/internal/session"
	"github.com/bigbag/stk-bridge/internal/stk500"
	"github.com/bigbag/stk-bridge/internal/storage"
)

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, closeTarget, err := openTarget(cfg, logging.Named(log, "stk500"))
	if err != nil {
		return err
	}
	defer closeTarget()

	store, closeStore, err := openStorage(cfg.Storage)
	if err != nil {
		return err
	}
	defer closeStore()

	conn, err := openRadio(cfg.Radio, logging.Named(log, "link"))
	if err != nil {
		return err
	}
	defer conn.Close()

	machine := session.New(store, client,
		session.WithLogger(logging.Named(log, "session")),
		session.WithTimeout(cfg.Session.Timeout()),
	)

	passthrough := func(p []byte) {
		log.Debug("passthrough packet", "len", len(p))
	}

	log.Info("bridge ready",
		"target", cfg.Target.Port, "radio", cfg.Radio.Type,
		"storage", cfg.Storage.Type, "capacity", store.Capacity())

	b := bridge.New(conn, machine,
		bridge.WithLogger(logging.Named(log, "bridge")),
		bridge.WithPassthrough(passthrough),
	)
	return b.Run(ctx)
}

// openTarget opens the target port and builds a bootloader client on it.
func openTarget(cfg *config.Config, log logging.Logger, opts ...stk500.Option) (*stk500.Client, func(), error) {
	line := serial.Line(cfg.Target.ResetLine)

	portName := cfg.Target.Port
	if portName == "" {
		fmt.Println("Detecting target...")
		result, err := detect.DetectDevice(cfg.Target.Baud, line)
		if err != nil {
			return nil, nil, fmt.Errorf("target detection failed: %w", err)
		}
		portName = result.Port
		fmt.Printf("Found %s on %s\n", result.ChipName, result.Port)
	}

	port, err := serial.Open(portName, cfg.Target.Baud)
	if err != nil {
		return nil, nil, err
	}

	reset, err := serial.NewResetLine(port, line, false)
	if err != nil {
		port.Close()
		return nil, nil, err
	}

	opts = append([]stk500.Option{
		stk500.WithLogger(log),
		stk500.WithReadTimeout(cfg.Target.ReadTimeout()),
		stk500.WithResetPulse(cfg.Target.ResetPulse(), stk500.DefaultSettle*time.Millisecond),
		stk500.WithPageSize(cfg.Target.PageSize),
		stk500.WithVerify(cfg.Target.Verify),
	}, opts...)
	client := stk500.New(port, reset, opts...)
	return client, func() { port.Close() }, nil
}

func openStorage(cfg config.StorageConfig) (*storage.Adapter, func(), error) {
	size := cfg.Base + cfg.Capacity

	switch cfg.Type {
	case config.StorageMemory:
		dev := storage.NewMemoryDevice(size)
		return storage.NewAdapter(dev, int64(cfg.Base), cfg.Capacity), func() {}, nil
	default:
		dev, err := storage.OpenFileDevice(cfg.Path, int64(size))
		if err != nil {
			return nil, nil, err
		}
		return storage.NewAdapter(dev, int64(cfg.Base), cfg.Capacity), func() { dev.Close() }, nil
	}
}

func openRadio(cfg config.RadioConfig, log logging.Logger) (link.Conn, error) {
	switch cfg.Type {
	case config.RadioWebSocket:
		conn, err := link.ListenWebSocket(cfg.ListenAddr, cfg.Path, link.WithLogger(log))
		if err != nil {
			return nil, err
		}
		return conn, nil
	default:
		port, err := serial.Open(cfg.Port, cfg.Baud)
		if err != nil {
			return nil, fmt.Errorf("failed to open radio: %w", err)
		}
		return link.NewSerialConn(port, link.WithLogger(log)), nil
	}
}

func openSender(ctx context.Context, cfg config.RadioConfig, log logging.Logger) (link.Sender, error) {
	switch cfg.Type {
	case config.RadioWebSocket:
		sender, err := link.DialWebSocket(ctx, cfg.URL, link.WithLogger(log))
		if err != nil {
			return nil, err
		}
		return sender, nil
	default:
		port, err := serial.Open(cfg.Port, cfg.Baud)
		if err != nil {
			return nil, fmt.Errorf("failed to open radio: %w", err)
		}
		return link.NewSerialSender(port, link.WithLogger(log)), nil
	}
}
