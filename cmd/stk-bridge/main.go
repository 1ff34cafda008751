package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/bigbag/stk-bridge/embedded"
	"github.com/bigbag/stk-bridge/internal/config"
	"github.com/bigbag/stk-bridge/internal/detect"
	"github.com/bigbag/stk-bridge/internal/logging"
	"github.com/bigbag/stk-bridge/internal/serial"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	configFlag    string
	logLevelFlag  string
	logFormatFlag string

	portFlag      string
	baudFlag      int
	resetLineFlag string
	verifyFlag    bool

	radioTypeFlag string
	radioPortFlag string
	radioBaudFlag int
	listenFlag    string
	urlFlag       string

	storageTypeFlag string
	storagePathFlag string

	addressFlag int
	payloadFlag int
	retriesFlag int
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "stk-bridge",
		Short: "Wireless firmware updates for STK500 bootloaders",
		Long: `stk-bridge receives firmware images over a radio link, stages them in
EEPROM storage and flashes them into an AVR target through its STK500
(optiboot) bootloader.

Run "serve" on the machine wired to the target, and "upload" on the host
that sends the image.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Config file (.yaml or .toml)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormatFlag, "log-format", "", "Log format: console or json")

	// Serve command
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge",
		Long: `Listen for programming packets on the radio link, stage them in storage
and flash the target when the host asks for it.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
	addTargetFlags(serveCmd)
	addRadioFlags(serveCmd)
	serveCmd.Flags().StringVar(&storageTypeFlag, "storage", "", "Staging storage: file or memory")
	serveCmd.Flags().StringVar(&storagePathFlag, "storage-path", "", "EEPROM image file for file storage")

	// Upload command
	uploadCmd := &cobra.Command{
		Use:   "upload <image.hex|image.bin>",
		Short: "Send an image to a bridge and flash it",
		Args:  cobra.ExactArgs(1),
		RunE:  runUpload,
	}
	addRadioFlags(uploadCmd)
	uploadCmd.Flags().StringVar(&urlFlag, "url", "", "Bridge WebSocket URL")
	uploadCmd.Flags().IntVar(&addressFlag, "address", -1, "Flash address (default: from image)")
	uploadCmd.Flags().IntVar(&payloadFlag, "payload", 0, "Data bytes per packet")
	uploadCmd.Flags().IntVar(&retriesFlag, "retries", 2, "Session restarts after start-over or timeout")

	// Flash command
	flashCmd := &cobra.Command{
		Use:   "flash <image.hex|image.bin>",
		Short: "Flash an image directly over a local serial port",
		Args:  cobra.ExactArgs(1),
		RunE:  runFlash,
	}
	addTargetFlags(flashCmd)
	flashCmd.Flags().BoolVar(&verifyFlag, "verify", false, "Read back and compare every page")
	flashCmd.Flags().IntVar(&addressFlag, "address", -1, "Flash address (default: from image)")

	// Info command
	infoCmd := &cobra.Command{
		Use:   "info",
		Short: "Show target info",
		Long:  "Detect and show information about connected STK500 targets.",
		Args:  cobra.NoArgs,
		RunE:  runInfo,
	}
	addTargetFlags(infoCmd)

	// List command
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List available serial ports",
		Args:  cobra.NoArgs,
		RunE:  runList,
	}

	// Config command
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Show the effective configuration",
		Args:  cobra.NoArgs,
		RunE:  runConfigShow,
	}
	configInitCmd := &cobra.Command{
		Use:   "init <path>",
		Short: "Write an annotated example configuration",
		Args:  cobra.ExactArgs(1),
		RunE:  runConfigInit,
	}
	configCmd.AddCommand(configInitCmd)

	// Version command
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("stk-bridge %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)
		},
	}

	rootCmd.AddCommand(serveCmd, uploadCmd, flashCmd, infoCmd, listCmd, configCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func addTargetFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&portFlag, "port", "p", "", "Target serial port (auto-detect if not specified)")
	cmd.Flags().IntVarP(&baudFlag, "baud", "b", 0, "Target baud rate")
	cmd.Flags().StringVar(&resetLineFlag, "reset-line", "", "Modem line wired to reset: dtr or rts")
}

func addRadioFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&radioTypeFlag, "radio", "", "Radio link: serial or websocket")
	cmd.Flags().StringVar(&radioPortFlag, "radio-port", "", "Radio module serial port")
	cmd.Flags().IntVar(&radioBaudFlag, "radio-baud", 0, "Radio module baud rate")
	cmd.Flags().StringVar(&listenFlag, "listen", "", "WebSocket listen address")
}

// loadConfig reads the config file and applies command line overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFlag)
	if err != nil {
		return nil, err
	}

	setString(&cfg.Logging.Level, logLevelFlag)
	setString(&cfg.Logging.Format, logFormatFlag)
	setString(&cfg.Target.Port, portFlag)
	setInt(&cfg.Target.Baud, baudFlag)
	setString(&cfg.Target.ResetLine, resetLineFlag)
	if verifyFlag {
		cfg.Target.Verify = true
	}
	setString(&cfg.Radio.Type, radioTypeFlag)
	setString(&cfg.Radio.Port, radioPortFlag)
	setInt(&cfg.Radio.Baud, radioBaudFlag)
	setString(&cfg.Radio.ListenAddr, listenFlag)
	setString(&cfg.Radio.URL, urlFlag)
	setString(&cfg.Storage.Type, storageTypeFlag)
	setString(&cfg.Storage.Path, storagePathFlag)
	setInt(&cfg.Session.PayloadSize, payloadFlag)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}

func newLogger(cfg *config.Config) (logging.Logger, error) {
	return logging.New(logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
}

func runInfo(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	line := serial.Line(cfg.Target.ResetLine)

	if portFlag != "" {
		result, err := detect.DetectOnPort(portFlag, cfg.Target.Baud, line)
		if err != nil {
			return fmt.Errorf("failed to detect target on %s: %w", portFlag, err)
		}
		printDeviceInfo(result)
		return nil
	}

	fmt.Println("Scanning for STK500 targets...")
	devices, err := detect.ListDevices(cfg.Target.Baud, line)
	if err != nil {
		return err
	}

	if len(devices) == 0 {
		fmt.Println("No targets found")
		return nil
	}

	fmt.Printf("Found %d target(s):\n\n", len(devices))
	for i, d := range devices {
		fmt.Printf("Target %d:\n", i+1)
		printDeviceInfo(&d)
		fmt.Println()
	}

	return nil
}

func printDeviceInfo(d *detect.Result) {
	fmt.Printf("  Port:       %s\n", d.Port)
	if d.Board != "" {
		fmt.Printf("  Board:      %s\n", d.Board)
	}
	fmt.Printf("  Chip:       %s\n", d.ChipName)
	fmt.Printf("  Signature:  %s\n", d.Signature)
	if d.Version != "" {
		fmt.Printf("  Bootloader: %s\n", d.Version)
	}
}

func runList(cmd *cobra.Command, args []string) error {
	ports, err := serial.ListDetailed()
	if err != nil {
		return err
	}

	if len(ports) == 0 {
		fmt.Println("No serial ports found")
		return nil
	}

	fmt.Println("Available serial ports:")
	for _, p := range ports {
		if !p.IsUSB {
			fmt.Printf("  %s\n", p.Name)
			continue
		}
		desc := p.Board()
		if desc == "" {
			desc = p.Product
		}
		fmt.Printf("  %s  [%s:%s] %s\n", p.Name, p.VID, p.PID, desc)
	}

	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	fmt.Print(string(out))
	return nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := args[0]
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if err := config.DefaultConfig().Save(path); err != nil {
			return err
		}
	} else if err := os.WriteFile(path, embedded.ConfigExample(), 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	fmt.Printf("Wrote %s\n", path)
	return nil
}
