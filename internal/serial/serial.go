package serial

import (
	"fmt"
	"strings"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

const defaultReadTimeout = 100 * time.Millisecond

// Port wraps a serial port used either for the target bootloader or for a
// serial-attached radio module.
type Port struct {
	port     serial.Port
	portName string
	baudRate int
}

// Open opens a serial port with the specified baud rate, 8N1.
func Open(portName string, baudRate int) (*Port, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open port %s: %w", portName, err)
	}

	if err := port.SetReadTimeout(defaultReadTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to set read timeout: %w", err)
	}

	return &Port{
		port:     port,
		portName: portName,
		baudRate: baudRate,
	}, nil
}

// Close closes the serial port.
func (p *Port) Close() error {
	if p.port != nil {
		return p.port.Close()
	}
	return nil
}

// Write writes data to the serial port.
func (p *Port) Write(data []byte) (int, error) {
	return p.port.Write(data)
}

// Read reads data from the serial port using the default timeout.
func (p *Port) Read(buf []byte) (int, error) {
	return p.port.Read(buf)
}

// ReadWithTimeout reads data with a specific timeout. It returns 0, nil
// when nothing arrived in time.
func (p *Port) ReadWithTimeout(buf []byte, timeout time.Duration) (int, error) {
	if err := p.port.SetReadTimeout(timeout); err != nil {
		return 0, err
	}
	defer p.port.SetReadTimeout(defaultReadTimeout)

	return p.port.Read(buf)
}

// Flush discards any buffered input.
func (p *Port) Flush() error {
	return p.port.ResetInputBuffer()
}

// SetDTR sets the DTR signal.
func (p *Port) SetDTR(value bool) error {
	return p.port.SetDTR(value)
}

// SetRTS sets the RTS signal.
func (p *Port) SetRTS(value bool) error {
	return p.port.SetRTS(value)
}

// PortName returns the port name.
func (p *Port) PortName() string {
	return p.portName
}

// BaudRate returns the current baud rate.
func (p *Port) BaudRate() int {
	return p.baudRate
}

// Line selects which modem control signal drives the target reset.
type Line string

const (
	LineDTR Line = "dtr"
	LineRTS Line = "rts"
)

// ResetLine drives the target's reset pin through a modem control signal,
// the way Arduino boards wire DTR to RESET through a capacitor.
type ResetLine struct {
	port   *Port
	line   Line
	invert bool
}

// NewResetLine creates a reset line on port. With invert set, asserting
// reset clears the signal instead of setting it.
func NewResetLine(port *Port, line Line, invert bool) (*ResetLine, error) {
	switch line {
	case LineDTR, LineRTS:
	case "":
		line = LineDTR
	default:
		return nil, fmt.Errorf("unknown reset line %q", line)
	}
	return &ResetLine{port: port, line: line, invert: invert}, nil
}

// SetReset asserts or releases reset.
func (r *ResetLine) SetReset(asserted bool) error {
	level := asserted != r.invert
	if r.line == LineRTS {
		return r.port.SetRTS(level)
	}
	return r.port.SetDTR(level)
}

// PortInfo describes an available serial port.
type PortInfo struct {
	Name         string
	IsUSB        bool
	VID          string
	PID          string
	SerialNumber string
	Product      string
}

// ListPorts returns the names of available serial ports.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, err
	}
	return ports, nil
}

// ListDetailed returns available ports with USB identification where known.
func ListDetailed() ([]PortInfo, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, err
	}

	infos := make([]PortInfo, 0, len(ports))
	for _, p := range ports {
		infos = append(infos, PortInfo{
			Name:         p.Name,
			IsUSB:        p.IsUSB,
			VID:          p.VID,
			PID:          p.PID,
			SerialNumber: p.SerialNumber,
			Product:      p.Product,
		})
	}
	return infos, nil
}

var usbBoards = map[string]string{
	"2341:0043": "Arduino Uno",
	"2341:0001": "Arduino Uno",
	"2341:0042": "Arduino Mega 2560",
	"2341:0010": "Arduino Mega 2560",
	"2341:8036": "Arduino Leonardo",
	"1A86:7523": "CH340 serial",
	"0403:6001": "FTDI FT232R",
	"0403:6015": "FTDI FT231X",
	"10C4:EA60": "CP210x serial",
}

// Board guesses the board or adapter from the USB IDs.
func (i PortInfo) Board() string {
	if !i.IsUSB {
		return ""
	}
	return usbBoards[strings.ToUpper(i.VID+":"+i.PID)]
}
