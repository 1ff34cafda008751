// Package detect finds AVR targets running an STK500 bootloader.
package detect

import (
	"fmt"

	"github.com/bigbag/stk-bridge/internal/serial"
	"github.com/bigbag/stk-bridge/internal/stk500"
)

const syncAttempts = 3

// Result represents a detected target.
type Result struct {
	Port      string
	Board     string
	Signature stk500.Signature
	ChipName  string
	Version   string
}

// Bootloader is the part of the STK500 client used for probing.
type Bootloader interface {
	Reset() error
	Sync() error
	EnterProgramMode() error
	ReadSignature() (stk500.Signature, error)
	Version() (major, minor byte, err error)
	LeaveProgramMode() error
}

// DetectDevice tries the available ports in order and returns the first
// target that answers.
func DetectDevice(baudRate int, line serial.Line) (*Result, error) {
	ports, err := serial.ListDetailed()
	if err != nil {
		return nil, fmt.Errorf("failed to list ports: %w", err)
	}

	if len(ports) == 0 {
		return nil, fmt.Errorf("no serial ports found")
	}

	var lastErr error
	for _, p := range ports {
		result, err := tryPort(p, baudRate, line)
		if err != nil {
			lastErr = err
			continue
		}
		return result, nil
	}

	return nil, fmt.Errorf("no bootloader found (last error: %w)", lastErr)
}

// DetectOnPort probes a specific port.
func DetectOnPort(portName string, baudRate int, line serial.Line) (*Result, error) {
	return tryPort(serial.PortInfo{Name: portName}, baudRate, line)
}

// ListDevices scans all ports and returns every target that answered.
func ListDevices(baudRate int, line serial.Line) ([]Result, error) {
	ports, err := serial.ListDetailed()
	if err != nil {
		return nil, fmt.Errorf("failed to list ports: %w", err)
	}

	var results []Result
	for _, p := range ports {
		result, err := tryPort(p, baudRate, line)
		if err == nil {
			results = append(results, *result)
		}
	}

	return results, nil
}

func tryPort(info serial.PortInfo, baudRate int, line serial.Line) (*Result, error) {
	port, err := serial.Open(info.Name, baudRate)
	if err != nil {
		return nil, err
	}
	defer port.Close()

	reset, err := serial.NewResetLine(port, line, false)
	if err != nil {
		return nil, err
	}

	result, err := Probe(stk500.New(port, reset))
	if err != nil {
		return nil, err
	}
	result.Port = info.Name
	result.Board = info.Board()
	return result, nil
}

// Probe resets the target, reads its signature and bootloader version and
// lets it start the application again.
func Probe(bl Bootloader) (*Result, error) {
	if err := bl.Reset(); err != nil {
		return nil, err
	}

	var err error
	for attempt := 0; attempt < syncAttempts; attempt++ {
		if err = bl.Sync(); err == nil {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("sync failed after %d attempts: %w", syncAttempts, err)
	}

	if err := bl.EnterProgramMode(); err != nil {
		return nil, fmt.Errorf("enter program mode: %w", err)
	}
	defer bl.LeaveProgramMode()

	sig, err := bl.ReadSignature()
	if err != nil {
		return nil, fmt.Errorf("read signature: %w", err)
	}

	result := &Result{
		Signature: sig,
		ChipName:  stk500.ChipName(sig),
	}

	// Some bootloaders do not answer parameter queries.
	if major, minor, err := bl.Version(); err == nil {
		result.Version = fmt.Sprintf("%d.%d", major, minor)
	}
	return result, nil
}
