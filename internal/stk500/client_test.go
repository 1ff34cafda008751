package stk500

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

// fakeBootloader answers frames like optiboot unless a hook overrides it.
type fakeBootloader struct {
	frames  [][]byte
	pending []byte
	flash   map[int]byte
	address int

	// respond, when set, replaces the default reply for a frame.
	respond func(frame []byte) ([]byte, bool)
	// writeErr fails every write.
	writeErr error
}

func newFakeBootloader() *fakeBootloader {
	return &fakeBootloader{flash: make(map[int]byte)}
}

func (f *fakeBootloader) Write(data []byte) (int, error) {
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	frame := append([]byte(nil), data...)
	f.frames = append(f.frames, frame)

	if f.respond != nil {
		if reply, ok := f.respond(frame); ok {
			f.pending = append(f.pending, reply...)
			return len(data), nil
		}
	}
	f.pending = append(f.pending, f.defaultReply(frame)...)
	return len(data), nil
}

func (f *fakeBootloader) defaultReply(frame []byte) []byte {
	ok := []byte{RespInSync, RespOK}
	switch frame[0] {
	case CmdLoadAddress:
		f.address = (int(frame[1]) | int(frame[2])<<8) * 2
	case CmdProgPage:
		n := int(frame[1])<<8 | int(frame[2])
		for i, b := range frame[4 : 4+n] {
			f.flash[f.address+i] = b
		}
	case CmdReadPage:
		n := int(frame[1])<<8 | int(frame[2])
		reply := []byte{RespInSync}
		for i := 0; i < n; i++ {
			reply = append(reply, f.flash[f.address+i])
		}
		return append(reply, RespOK)
	case CmdReadSign:
		return []byte{RespInSync, 0x1E, 0x95, 0x0F, RespOK}
	case CmdGetParameter:
		return []byte{RespInSync, 0x08, RespOK}
	}
	return ok
}

func (f *fakeBootloader) ReadWithTimeout(buf []byte, timeout time.Duration) (int, error) {
	n := copy(buf, f.pending)
	f.pending = f.pending[n:]
	return n, nil
}

func (f *fakeBootloader) Flush() error {
	f.pending = nil
	return nil
}

func (f *fakeBootloader) commands() []byte {
	var cmds []byte
	for _, fr := range f.frames {
		cmds = append(cmds, fr[0])
	}
	return cmds
}

func (f *fakeBootloader) count(cmd byte) int {
	n := 0
	for _, c := range f.commands() {
		if c == cmd {
			n++
		}
	}
	return n
}

type fakeReset struct {
	levels []bool
	err    error
}

func (r *fakeReset) SetReset(asserted bool) error {
	if r.err != nil {
		return r.err
	}
	r.levels = append(r.levels, asserted)
	return nil
}

type byteImage []byte

func (b byteImage) Read(offset int, buf []byte) error {
	if offset+len(buf) > len(b) {
		return errors.New("short image")
	}
	copy(buf, b[offset:])
	return nil
}

func newTestClient(port Port, reset ResetLine, opts ...Option) *Client {
	opts = append([]Option{WithReadTimeout(20 * time.Millisecond)}, opts...)
	c := New(port, reset, opts...)
	c.sleep = func(time.Duration) {}
	return c
}

func testImage(n int) byteImage {
	img := make(byteImage, n)
	for i := range img {
		img[i] = byte(i * 7)
	}
	return img
}

func TestFlash_TwoPages(t *testing.T) {
	bl := newFakeBootloader()
	reset := &fakeReset{}
	c := newTestClient(bl, reset)

	img := testImage(256)
	if err := c.Flash(img, 0, 256); err != nil {
		t.Fatalf("Flash() error = %v", err)
	}

	want := []byte{CmdEnterProgMode, CmdLoadAddress, CmdProgPage, CmdLoadAddress, CmdProgPage, CmdLeaveProgMode}
	if got := bl.commands(); !bytes.Equal(got, want) {
		t.Errorf("commands = % X, want % X", got, want)
	}

	// Second load address is word address 64 (byte 128), little-endian.
	if fr := bl.frames[3]; !bytes.Equal(fr, []byte{CmdLoadAddress, 0x40, 0x00, CrcEOP}) {
		t.Errorf("second load address frame = % X", fr)
	}
	if fr := bl.frames[2]; fr[1] != 0x00 || fr[2] != 0x80 || fr[3] != MemFlash || fr[len(fr)-1] != CrcEOP {
		t.Errorf("program page header = % X", fr[:4])
	}

	for i, b := range img {
		if bl.flash[i] != b {
			t.Fatalf("flash[%d] = 0x%02X, want 0x%02X", i, bl.flash[i], b)
		}
	}

	if len(reset.levels) != 2 || !reset.levels[0] || reset.levels[1] {
		t.Errorf("reset levels = %v, want [true false]", reset.levels)
	}
	if c.InProgramMode() {
		t.Error("InProgramMode() = true after Flash, want false")
	}
}

func TestFlashImage_PageCount(t *testing.T) {
	tests := []struct {
		size     int
		pageSize int
		pages    int
	}{
		{1, 128, 1},
		{128, 128, 1},
		{129, 128, 2},
		{300, 128, 3},
		{1024, 256, 4},
		{100, 64, 2},
	}

	for _, tc := range tests {
		bl := newFakeBootloader()
		c := newTestClient(bl, &fakeReset{}, WithPageSize(tc.pageSize))

		if err := c.FlashImage(testImage(tc.size), 0x100, tc.size); err != nil {
			t.Fatalf("FlashImage(size=%d) error = %v", tc.size, err)
		}
		if got := bl.count(CmdProgPage); got != tc.pages {
			t.Errorf("FlashImage(size=%d, page=%d) program pages = %d, want %d", tc.size, tc.pageSize, got, tc.pages)
		}
		if got := bl.count(CmdLoadAddress); got != tc.pages {
			t.Errorf("FlashImage(size=%d, page=%d) load addresses = %d, want %d", tc.size, tc.pageSize, got, tc.pages)
		}

		// Every program page is preceded by its load address.
		for i, fr := range bl.frames {
			if fr[0] != CmdLoadAddress {
				continue
			}
			want := (0x100 + (i/2)*tc.pageSize) >> 1
			got := int(fr[1]) | int(fr[2])<<8
			if got != want {
				t.Errorf("load address %d = 0x%04X, want 0x%04X", i/2, got, want)
			}
			if bl.frames[i+1][0] != CmdProgPage {
				t.Errorf("frame %d after load address = 0x%02X, want program page", i+1, bl.frames[i+1][0])
			}
		}
	}
}

func TestFlash_EnterProgramModeTimeout(t *testing.T) {
	bl := newFakeBootloader()
	bl.respond = func(frame []byte) ([]byte, bool) {
		if frame[0] == CmdEnterProgMode {
			return nil, true
		}
		return nil, false
	}
	c := newTestClient(bl, &fakeReset{})

	err := c.Flash(testImage(128), 0, 128)
	if !errors.Is(err, ErrReplyTimeout) {
		t.Fatalf("Flash() error = %v, want ErrReplyTimeout", err)
	}
	if n := bl.count(CmdProgPage); n != 0 {
		t.Errorf("program page exchanges = %d, want 0", n)
	}
}

func TestFlash_PartialReplyTimesOut(t *testing.T) {
	bl := newFakeBootloader()
	bl.respond = func(frame []byte) ([]byte, bool) {
		return []byte{RespInSync}, true
	}
	c := newTestClient(bl, &fakeReset{})

	err := c.EnterProgramMode()
	if !errors.Is(err, ErrReplyTimeout) {
		t.Fatalf("EnterProgramMode() error = %v, want ErrReplyTimeout", err)
	}
	var re *ReplyError
	if !errors.As(err, &re) || !bytes.Equal(re.Got, []byte{RespInSync}) {
		t.Errorf("ReplyError = %v, want partial reply recorded", err)
	}
}

func TestFlash_LoadAddressOutOfSync(t *testing.T) {
	bl := newFakeBootloader()
	bl.respond = func(frame []byte) ([]byte, bool) {
		if frame[0] == CmdLoadAddress {
			return []byte{RespNoSync}, true
		}
		return nil, false
	}
	c := newTestClient(bl, &fakeReset{})

	err := c.Flash(testImage(256), 0, 256)
	if !errors.Is(err, ErrUnexpectedReply) {
		t.Fatalf("Flash() error = %v, want ErrUnexpectedReply", err)
	}

	var pe *PageError
	if !errors.As(err, &pe) {
		t.Fatalf("Flash() error = %v, want *PageError", err)
	}
	if pe.Stage != StageLoadAddress || pe.Address != 0 {
		t.Errorf("PageError = %+v, want load-address at 0", pe)
	}
	if n := bl.count(CmdLoadAddress); n != 1 {
		t.Errorf("load address exchanges = %d, want 1", n)
	}
	if n := bl.count(CmdProgPage); n != 0 {
		t.Errorf("program page exchanges = %d, want 0", n)
	}
}

func TestFlash_ProgramPageMissingOK(t *testing.T) {
	bl := newFakeBootloader()
	bl.respond = func(frame []byte) ([]byte, bool) {
		if frame[0] == CmdProgPage {
			return []byte{RespInSync, RespFailed}, true
		}
		return nil, false
	}
	c := newTestClient(bl, &fakeReset{})

	err := c.Flash(testImage(256), 0, 256)
	var pe *PageError
	if !errors.As(err, &pe) || pe.Stage != StageProgram {
		t.Fatalf("Flash() error = %v, want program-page *PageError", err)
	}
	if !errors.Is(err, ErrUnexpectedReply) {
		t.Errorf("Flash() error = %v, want ErrUnexpectedReply", err)
	}
}

func TestFlash_ResetLineFailure(t *testing.T) {
	bl := newFakeBootloader()
	c := newTestClient(bl, &fakeReset{err: errors.New("gpio busy")})

	err := c.Flash(testImage(128), 0, 128)
	if !errors.Is(err, ErrNoBootloader) {
		t.Fatalf("Flash() error = %v, want ErrNoBootloader", err)
	}
	if len(bl.frames) != 0 {
		t.Errorf("frames sent = %d, want 0", len(bl.frames))
	}
}

func TestFlash_WriteFailure(t *testing.T) {
	bl := newFakeBootloader()
	bl.writeErr = errors.New("port closed")
	c := newTestClient(bl, &fakeReset{})

	if err := c.Flash(testImage(128), 0, 128); !errors.Is(err, ErrNoBootloader) {
		t.Fatalf("Flash() error = %v, want ErrNoBootloader", err)
	}
}

func TestFlash_ImageReadFailure(t *testing.T) {
	bl := newFakeBootloader()
	c := newTestClient(bl, &fakeReset{})

	// Image holds one page but the flash asks for two.
	err := c.Flash(testImage(128), 0, 256)

	var ie *ImageReadError
	if !errors.As(err, &ie) {
		t.Fatalf("Flash() error = %v, want *ImageReadError", err)
	}
	if ie.Offset != 128 {
		t.Errorf("ImageReadError.Offset = %d, want 128", ie.Offset)
	}
	if n := bl.count(CmdProgPage); n != 1 {
		t.Errorf("program page exchanges = %d, want 1", n)
	}
}

func TestFlashImage_InvalidArgs(t *testing.T) {
	c := newTestClient(newFakeBootloader(), &fakeReset{})
	if err := c.FlashImage(testImage(10), 0, 0); err == nil {
		t.Error("FlashImage(size=0) expected error")
	}
	if err := c.FlashImage(testImage(10), 1, 10); err == nil {
		t.Error("FlashImage(odd address) expected error")
	}
}

func TestFlashImage_Verify(t *testing.T) {
	bl := newFakeBootloader()
	c := newTestClient(bl, &fakeReset{}, WithVerify(true))

	if err := c.FlashImage(testImage(200), 0, 200); err != nil {
		t.Fatalf("FlashImage() error = %v", err)
	}
	if n := bl.count(CmdReadPage); n != 2 {
		t.Errorf("read page exchanges = %d, want 2", n)
	}
}

func TestFlashImage_VerifyMismatch(t *testing.T) {
	bl := newFakeBootloader()
	bl.respond = func(frame []byte) ([]byte, bool) {
		if frame[0] == CmdReadPage {
			n := int(frame[1])<<8 | int(frame[2])
			reply := append([]byte{RespInSync}, make([]byte, n)...)
			return append(reply, RespOK), true
		}
		return nil, false
	}
	c := newTestClient(bl, &fakeReset{}, WithVerify(true))

	err := c.FlashImage(testImage(64), 0, 64)
	if !errors.Is(err, ErrVerifyMismatch) {
		t.Fatalf("FlashImage() error = %v, want ErrVerifyMismatch", err)
	}
}

func TestFlashImage_Progress(t *testing.T) {
	var calls [][2]int
	c := newTestClient(newFakeBootloader(), &fakeReset{}, WithProgressCallback(func(cur, total int) {
		calls = append(calls, [2]int{cur, total})
	}))

	if err := c.FlashImage(testImage(300), 0, 300); err != nil {
		t.Fatalf("FlashImage() error = %v", err)
	}
	want := [][2]int{{1, 3}, {2, 3}, {3, 3}}
	if len(calls) != len(want) {
		t.Fatalf("progress calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("progress call %d = %v, want %v", i, calls[i], want[i])
		}
	}
}

func TestReadSignature(t *testing.T) {
	c := newTestClient(newFakeBootloader(), &fakeReset{})
	sig, err := c.ReadSignature()
	if err != nil {
		t.Fatalf("ReadSignature() error = %v", err)
	}
	if sig != (Signature{0x1E, 0x95, 0x0F}) {
		t.Errorf("ReadSignature() = %s, want 1E950F", sig)
	}
	if ChipName(sig) != "ATmega328P" {
		t.Errorf("ChipName(%s) = %q, want ATmega328P", sig, ChipName(sig))
	}
}

func TestVersion(t *testing.T) {
	bl := newFakeBootloader()
	c := newTestClient(bl, &fakeReset{})
	major, minor, err := c.Version()
	if err != nil {
		t.Fatalf("Version() error = %v", err)
	}
	if major != 8 || minor != 8 {
		t.Errorf("Version() = %d.%d, want 8.8", major, minor)
	}
	if fr := bl.frames[0]; !bytes.Equal(fr, []byte{CmdGetParameter, ParamSwMajor, CrcEOP}) {
		t.Errorf("get parameter frame = % X", fr)
	}
}

func TestSync(t *testing.T) {
	bl := newFakeBootloader()
	c := newTestClient(bl, &fakeReset{})
	if err := c.Sync(); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if !bytes.Equal(bl.frames[0], []byte{CmdGetSync, CrcEOP}) {
		t.Errorf("sync frame = % X", bl.frames[0])
	}
}

func TestStaleInputDrained(t *testing.T) {
	bl := newFakeBootloader()
	bl.pending = []byte{0x00, 0x42}
	c := newTestClient(bl, &fakeReset{})

	if err := c.EnterProgramMode(); err != nil {
		t.Fatalf("EnterProgramMode() with stale input error = %v", err)
	}
}

func TestChipName_Unknown(t *testing.T) {
	if got := ChipName(Signature{0, 0, 0}); got != "unknown AVR" {
		t.Errorf("ChipName(000000) = %q, want %q", got, "unknown AVR")
	}
}

func TestProgramPage_Length(t *testing.T) {
	c := newTestClient(newFakeBootloader(), &fakeReset{})
	if err := c.ProgramPage(nil); err == nil {
		t.Error("ProgramPage(nil) expected error")
	}
	if err := c.ProgramPage(make([]byte, DefaultPageSize+1)); err == nil {
		t.Error("ProgramPage(oversize) expected error")
	}
}
