package stk500

import (
	"bytes"
	"fmt"
	"time"
)

// maxReply covers the largest reply: INSYNC + page + OK.
const maxReply = MaxPageSize + 2

// readSlice bounds a single read while waiting for a reply.
const readSlice = 100 * time.Millisecond

// Port is the serial channel to the target bootloader.
type Port interface {
	Write(data []byte) (int, error)
	ReadWithTimeout(buf []byte, timeout time.Duration) (int, error)
	Flush() error
}

// ResetLine drives the target's reset pin.
type ResetLine interface {
	SetReset(asserted bool) error
}

// Image is the staged firmware, read by offset from the start of the image.
type Image interface {
	Read(offset int, buf []byte) error
}

// Client speaks the STK500 subset understood by optiboot. It owns the port
// and the reset line; it is not safe for concurrent use.
type Client struct {
	port   Port
	reset  ResetLine
	config Config
	sleep  func(time.Duration)

	inProgMode bool

	req  [maxRequest]byte
	args [3 + MaxPageSize]byte
	rx   [maxReply]byte
	page [MaxPageSize]byte
}

// New creates a Client for the given port and reset line.
func New(port Port, reset ResetLine, opts ...Option) *Client {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Client{
		port:   port,
		reset:  reset,
		config: cfg,
		sleep:  time.Sleep,
	}
}

// PageSize returns the configured flash page size.
func (c *Client) PageSize() int {
	return c.config.PageSize
}

// InProgramMode reports whether the bootloader acknowledged program mode.
func (c *Client) InProgramMode() bool {
	return c.inProgMode
}

// Reset pulses the reset line so the target starts its bootloader.
func (c *Client) Reset() error {
	c.inProgMode = false

	if err := c.reset.SetReset(true); err != nil {
		return fmt.Errorf("%w: assert reset: %v", ErrNoBootloader, err)
	}
	c.sleep(c.config.ResetPulse)

	if err := c.reset.SetReset(false); err != nil {
		return fmt.Errorf("%w: release reset: %v", ErrNoBootloader, err)
	}
	c.sleep(c.config.Settle)

	// Discard whatever the target printed while booting.
	c.port.Flush()
	return nil
}

// Sync sends GET_SYNC.
func (c *Client) Sync() error {
	_, err := c.exchange(Request{Command: CmdGetSync}, 0)
	return err
}

// EnterProgramMode asks the bootloader to enter programming mode.
func (c *Client) EnterProgramMode() error {
	if _, err := c.exchange(Request{Command: CmdEnterProgMode}, 0); err != nil {
		return err
	}
	c.inProgMode = true
	return nil
}

// LeaveProgramMode ends programming; optiboot then starts the application.
func (c *Client) LeaveProgramMode() error {
	_, err := c.exchange(Request{Command: CmdLeaveProgMode}, 0)
	c.inProgMode = false
	return err
}

// LoadAddress sets the byte address for the next page command.
func (c *Client) LoadAddress(address int) error {
	_, err := c.exchange(Request{Command: CmdLoadAddress, Args: loadAddressArgs(address)}, 0)
	return err
}

// ProgramPage writes data at the loaded address.
func (c *Client) ProgramPage(data []byte) error {
	if len(data) == 0 || len(data) > c.config.PageSize {
		return fmt.Errorf("page length %d out of range (1..%d)", len(data), c.config.PageSize)
	}
	args := append(c.args[:0], progPageHeader(len(data))...)
	args = append(args, data...)
	_, err := c.exchange(Request{Command: CmdProgPage, Args: args}, 0)
	return err
}

// ReadPage reads n bytes of flash from the loaded address. The returned
// slice is only valid until the next command.
func (c *Client) ReadPage(n int) ([]byte, error) {
	if n <= 0 || n > MaxPageSize {
		return nil, fmt.Errorf("page length %d out of range (1..%d)", n, MaxPageSize)
	}
	return c.exchange(Request{Command: CmdReadPage, Args: progPageHeader(n)}, n)
}

// ReadSignature reads the device signature.
func (c *Client) ReadSignature() (Signature, error) {
	var sig Signature
	payload, err := c.exchange(Request{Command: CmdReadSign}, len(sig))
	if err != nil {
		return sig, err
	}
	copy(sig[:], payload)
	return sig, nil
}

// Version reads the bootloader software version.
func (c *Client) Version() (major, minor byte, err error) {
	p, err := c.exchange(Request{Command: CmdGetParameter, Args: []byte{ParamSwMajor}}, 1)
	if err != nil {
		return 0, 0, err
	}
	major = p[0]
	p, err = c.exchange(Request{Command: CmdGetParameter, Args: []byte{ParamSwMinor}}, 1)
	if err != nil {
		return 0, 0, err
	}
	return major, p[0], nil
}

// Flash resets the target, enters program mode, writes size bytes of img
// starting at address and leaves program mode. It stops at the first
// failure; nothing is retried.
func (c *Client) Flash(img Image, address, size int) error {
	if err := c.Reset(); err != nil {
		return err
	}
	if err := c.EnterProgramMode(); err != nil {
		return fmt.Errorf("enter program mode: %w", err)
	}
	c.config.Logger.Debug("entered program mode", "address", address, "size", size)

	if err := c.FlashImage(img, address, size); err != nil {
		return err
	}

	if err := c.LeaveProgramMode(); err != nil {
		return fmt.Errorf("leave program mode: %w", err)
	}
	return nil
}

// FlashImage programs img page by page. Program mode must already be
// entered.
func (c *Client) FlashImage(img Image, address, size int) error {
	if size <= 0 {
		return fmt.Errorf("invalid image size %d", size)
	}
	if address%2 != 0 {
		return fmt.Errorf("address 0x%04X is not word aligned", address)
	}

	ps := c.config.PageSize
	total := (size + ps - 1) / ps

	for i := 0; i < total; i++ {
		offset := i * ps
		n := min(ps, size-offset)
		addr := address + offset
		buf := c.page[:n]

		if err := img.Read(offset, buf); err != nil {
			return &PageError{Stage: StageRead, Address: addr, Err: &ImageReadError{Offset: offset, Err: err}}
		}
		if err := c.LoadAddress(addr); err != nil {
			return &PageError{Stage: StageLoadAddress, Address: addr, Err: err}
		}
		if err := c.ProgramPage(buf); err != nil {
			return &PageError{Stage: StageProgram, Address: addr, Err: err}
		}
		if c.config.Verify {
			if err := c.verifyPage(addr, buf); err != nil {
				return &PageError{Stage: StageVerify, Address: addr, Err: err}
			}
		}

		c.config.Logger.Debug("page programmed", "address", addr, "bytes", n)
		if c.config.Progress != nil {
			c.config.Progress(i+1, total)
		}
	}
	return nil
}

func (c *Client) verifyPage(address int, want []byte) error {
	if err := c.LoadAddress(address); err != nil {
		return err
	}
	got, err := c.ReadPage(len(want))
	if err != nil {
		return err
	}
	if !bytes.Equal(got, want) {
		return ErrVerifyMismatch
	}
	return nil
}

// exchange drains stale input, sends req and waits for INSYNC + n payload
// bytes + OK. The returned payload aliases the receive buffer.
func (c *Client) exchange(req Request, n int) ([]byte, error) {
	frame, err := req.Encode(c.req[:])
	if err != nil {
		return nil, err
	}

	// Anything left over belongs to an earlier, failed exchange.
	c.port.Flush()

	if _, err := c.port.Write(frame); err != nil {
		return nil, fmt.Errorf("%w: write command 0x%02X: %v", ErrNoBootloader, req.Command, err)
	}

	reply, err := c.readReply(req.Command, replyLen(n))
	if err != nil {
		return nil, err
	}
	return checkReply(req.Command, reply)
}

// readReply waits up to the read timeout for want bytes. A first byte other
// than INSYNC means the bootloader is out of sync and is reported at once.
func (c *Client) readReply(cmd byte, want int) ([]byte, error) {
	if want > len(c.rx) {
		return nil, fmt.Errorf("reply of %d bytes exceeds buffer", want)
	}

	deadline := time.Now().Add(c.config.ReadTimeout)
	got := 0

	for got < want {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, &ReplyError{Command: cmd, Got: append([]byte(nil), c.rx[:got]...), Err: ErrReplyTimeout}
		}

		n, err := c.port.ReadWithTimeout(c.rx[got:want], min(remaining, readSlice))
		got += n
		if got > 0 && c.rx[0] != RespInSync {
			return nil, &ReplyError{Command: cmd, Got: append([]byte(nil), c.rx[:got]...), Err: ErrUnexpectedReply}
		}
		if err != nil && n == 0 {
			c.config.Logger.Debug("bootloader read failed", "command", cmd, "error", err)
			c.sleep(min(remaining, readSlice))
		}
	}
	return c.rx[:want], nil
}
