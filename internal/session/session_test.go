package session

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/bigbag/stk-bridge/internal/packet"
	"github.com/bigbag/stk-bridge/internal/reply"
	"github.com/bigbag/stk-bridge/internal/stk500"
	"github.com/bigbag/stk-bridge/internal/storage"
)

type write struct {
	offset int
	data   []byte
}

// recordingStore wraps a memory adapter and records writes.
type recordingStore struct {
	*storage.Adapter
	writes   []write
	writeErr error
}

func newRecordingStore(capacity int) *recordingStore {
	return &recordingStore{Adapter: storage.NewAdapter(storage.NewMemoryDevice(capacity), 0, capacity)}
}

func (s *recordingStore) Write(offset int, data []byte) error {
	if s.writeErr != nil {
		return s.writeErr
	}
	s.writes = append(s.writes, write{offset: offset, data: append([]byte(nil), data...)})
	return s.Adapter.Write(offset, data)
}

type fakeFlasher struct {
	calls   int
	address int
	size    int
	image   []byte
	err     error
}

func (f *fakeFlasher) Flash(img stk500.Image, address, size int) error {
	f.calls++
	f.address = address
	f.size = size
	f.image = make([]byte, size)
	if err := img.Read(0, f.image); err != nil {
		return &stk500.ImageReadError{Err: err}
	}
	return f.err
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time           { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type fixture struct {
	m       *Machine
	store   *recordingStore
	flasher *fakeFlasher
	clock   *fakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:   newRecordingStore(1024),
		flasher: &fakeFlasher{},
		clock:   &fakeClock{now: time.Unix(1000, 0)},
	}
	f.m = New(f.store, f.flasher, WithClock(f.clock.Now), WithTimeout(2*time.Second))
	return f
}

func startPacket(size, packets, payload int) []byte {
	return packet.NewStart(packet.Start{ProgramSize: size, ExpectedPackets: packets, PayloadSize: payload})
}

func dataPacket(t *testing.T, offset int, payload []byte) []byte {
	t.Helper()
	p, err := packet.NewData(offset, payload)
	if err != nil {
		t.Fatalf("NewData() error = %v", err)
	}
	return p
}

func fill(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i)
	}
	return b
}

func expectCode(t *testing.T, got, want reply.Code, what string) {
	t.Helper()
	if got != want {
		t.Fatalf("%s reply = %v, want %v", what, got, want)
	}
}

func TestStart_InitialState(t *testing.T) {
	f := newFixture(t)

	expectCode(t, f.m.Handle(startPacket(256, 2, 128)), reply.OK, "start")

	s := f.m.Snapshot()
	if s.State != Receiving {
		t.Errorf("State = %v, want receiving", s.State)
	}
	if s.PacketsReceived != 0 || s.WriteOffset != 0 {
		t.Errorf("counters = %d/%d, want 0/0", s.PacketsReceived, s.WriteOffset)
	}
	if s.ProgramSize != 256 || s.ExpectedPackets != 2 || s.PayloadSize != 128 {
		t.Errorf("declared = %+v", s)
	}
	if !s.StartedAt.Equal(f.clock.now) {
		t.Errorf("StartedAt = %v, want %v", s.StartedAt, f.clock.now)
	}
}

func TestStart_Idempotent(t *testing.T) {
	f := newFixture(t)
	start := startPacket(256, 2, 128)

	expectCode(t, f.m.Handle(start), reply.OK, "start")
	first := f.m.Snapshot()

	expectCode(t, f.m.Handle(dataPacket(t, 0, fill(128, 0))), reply.OK, "data")

	expectCode(t, f.m.Handle(start), reply.OK, "start again")
	expectCode(t, f.m.Handle(start), reply.OK, "start third")
	if got := f.m.Snapshot(); got != first {
		t.Errorf("Snapshot after repeated start = %+v, want %+v", got, first)
	}
}

func TestStart_InvalidHeader(t *testing.T) {
	tests := []struct {
		name     string
		packet   []byte
		expected reply.Code
	}{
		{"zero size", startPacket(0, 0, 128), reply.StartOver},
		{"zero payload", startPacket(128, 1, 0), reply.StartOver},
		{"payload too large", startPacket(200, 1, 200), reply.StartOver},
		{"packet count mismatch", startPacket(256, 3, 128), reply.StartOver},
		{"exceeds capacity", startPacket(2048, 16, 128), reply.EEPROMError},
	}

	for _, tc := range tests {
		f := newFixture(t)
		f.m.Handle(startPacket(256, 2, 128))

		if got := f.m.Handle(tc.packet); got != tc.expected {
			t.Errorf("Handle(%s) = %v, want %v", tc.name, got, tc.expected)
		}
		if f.m.State() != Idle {
			t.Errorf("State after %s = %v, want idle", tc.name, f.m.State())
		}
	}
}

func TestData_InOrder(t *testing.T) {
	f := newFixture(t)
	const n = 4
	expectCode(t, f.m.Handle(startPacket(n*100, n, 100)), reply.OK, "start")

	for i := 0; i < n; i++ {
		expectCode(t, f.m.Handle(dataPacket(t, i*100, fill(100, byte(i)))), reply.OK, "data")
		s := f.m.Snapshot()
		if s.PacketsReceived != i+1 || s.WriteOffset != (i+1)*100 {
			t.Fatalf("after packet %d: packets=%d offset=%d", i+1, s.PacketsReceived, s.WriteOffset)
		}
	}

	if len(f.store.writes) != n {
		t.Fatalf("writes = %d, want %d", len(f.store.writes), n)
	}
	for i, w := range f.store.writes {
		if w.offset != i*100 || len(w.data) != 100 {
			t.Errorf("write %d = offset %d len %d, want offset %d len 100", i, w.offset, len(w.data), i*100)
		}
	}
}

func TestData_WithoutStart(t *testing.T) {
	f := newFixture(t)

	expectCode(t, f.m.Handle(dataPacket(t, 0, fill(16, 0))), reply.StartOver, "data")
	if len(f.store.writes) != 0 {
		t.Errorf("writes = %d, want 0", len(f.store.writes))
	}
	if f.m.State() != Idle {
		t.Errorf("State = %v, want idle", f.m.State())
	}
}

func TestData_OutOfOrder(t *testing.T) {
	f := newFixture(t)
	f.m.Handle(startPacket(256, 2, 128))

	expectCode(t, f.m.Handle(dataPacket(t, 128, fill(128, 0))), reply.StartOver, "skipped packet")
	expectCode(t, f.m.Handle(dataPacket(t, 0, fill(128, 0))), reply.OK, "first packet")
	expectCode(t, f.m.Handle(dataPacket(t, 0, fill(128, 0))), reply.StartOver, "duplicate packet")

	if s := f.m.Snapshot(); s.State != Receiving || s.PacketsReceived != 1 {
		t.Errorf("Snapshot = %+v, want receiving with 1 packet", s)
	}
	if len(f.store.writes) != 1 {
		t.Errorf("writes = %d, want 1", len(f.store.writes))
	}
}

func TestData_TooMany(t *testing.T) {
	f := newFixture(t)
	f.m.Handle(startPacket(128, 1, 128))
	f.m.Handle(dataPacket(t, 0, fill(128, 0)))

	expectCode(t, f.m.Handle(dataPacket(t, 128, fill(128, 0))), reply.StartOver, "extra packet")
	if len(f.store.writes) != 1 {
		t.Errorf("writes = %d, want 1", len(f.store.writes))
	}
}

func TestData_WrongLength(t *testing.T) {
	f := newFixture(t)
	f.m.Handle(startPacket(256, 2, 128))

	expectCode(t, f.m.Handle(dataPacket(t, 0, fill(64, 0))), reply.StartOver, "short middle packet")
	if len(f.store.writes) != 0 {
		t.Errorf("writes = %d, want 0", len(f.store.writes))
	}
}

func TestData_LastPacketTruncated(t *testing.T) {
	f := newFixture(t)
	f.m.Handle(startPacket(200, 2, 128))
	f.m.Handle(dataPacket(t, 0, fill(128, 0)))

	// Padded final packet: only the declared 72 bytes are written.
	expectCode(t, f.m.Handle(dataPacket(t, 128, fill(128, 0x80))), reply.OK, "padded last packet")

	last := f.store.writes[len(f.store.writes)-1]
	if last.offset != 128 || len(last.data) != 72 {
		t.Errorf("last write = offset %d len %d, want offset 128 len 72", last.offset, len(last.data))
	}
	if s := f.m.Snapshot(); s.WriteOffset != 200 {
		t.Errorf("WriteOffset = %d, want 200", s.WriteOffset)
	}
}

func TestData_ShortLastPacket(t *testing.T) {
	f := newFixture(t)
	f.m.Handle(startPacket(200, 2, 128))
	f.m.Handle(dataPacket(t, 0, fill(128, 0)))

	expectCode(t, f.m.Handle(dataPacket(t, 128, fill(72, 0))), reply.OK, "short last packet")
	if s := f.m.Snapshot(); s.WriteOffset != 200 || s.PacketsReceived != 2 {
		t.Errorf("Snapshot = %+v", s)
	}
}

func TestData_StorageFailure(t *testing.T) {
	f := newFixture(t)
	f.m.Handle(startPacket(256, 2, 128))
	f.store.writeErr = &storage.DeviceError{Op: storage.OpWrite, Err: errors.New("nack")}

	expectCode(t, f.m.Handle(dataPacket(t, 0, fill(128, 0))), reply.EEPROMWriteError, "data")
	if f.m.State() != Idle {
		t.Errorf("State = %v, want idle after storage failure", f.m.State())
	}
}

func TestTimeout_DataAfterThreshold(t *testing.T) {
	f := newFixture(t)
	f.m.Handle(startPacket(256, 2, 128))
	f.m.Handle(dataPacket(t, 0, fill(128, 0)))

	f.clock.Advance(1500 * time.Millisecond)
	if f.m.Expired() {
		t.Fatal("Expired() = true before threshold")
	}
	if f.m.Elapsed() != 1500*time.Millisecond {
		t.Errorf("Elapsed() = %v, want 1.5s", f.m.Elapsed())
	}

	f.clock.Advance(time.Second)
	if !f.m.Expired() {
		t.Fatal("Expired() = false after threshold")
	}

	expectCode(t, f.m.Handle(dataPacket(t, 128, fill(128, 0))), reply.Timeout, "late data")
	if f.m.State() != Idle {
		t.Errorf("State = %v, want idle", f.m.State())
	}
	if len(f.store.writes) != 1 {
		t.Errorf("writes = %d, want 1", len(f.store.writes))
	}

	expectCode(t, f.m.Handle(dataPacket(t, 128, fill(128, 0))), reply.StartOver, "data after timeout")
}

func TestTimeout_FreshStartResets(t *testing.T) {
	f := newFixture(t)
	f.m.Handle(startPacket(256, 2, 128))
	f.m.Handle(dataPacket(t, 0, fill(128, 0)))
	f.clock.Advance(10 * time.Second)

	expectCode(t, f.m.Handle(startPacket(128, 1, 128)), reply.OK, "restart")
	s := f.m.Snapshot()
	if s.State != Receiving || s.PacketsReceived != 0 || s.ProgramSize != 128 {
		t.Errorf("Snapshot = %+v, want fresh session", s)
	}
	if f.m.Elapsed() != 0 {
		t.Errorf("Elapsed() = %v, want 0", f.m.Elapsed())
	}
}

func TestElapsed_Idle(t *testing.T) {
	f := newFixture(t)
	f.clock.Advance(time.Hour)
	if f.m.Elapsed() != 0 || f.m.Expired() {
		t.Error("idle machine should report no elapsed time")
	}
}

func TestStop(t *testing.T) {
	f := newFixture(t)
	expectCode(t, f.m.Handle(packet.NewStop()), reply.StartOver, "stop while idle")

	f.m.Handle(startPacket(256, 2, 128))
	f.m.Handle(dataPacket(t, 0, fill(128, 0)))
	expectCode(t, f.m.Handle(packet.NewStop()), reply.OK, "stop incomplete")
	if f.m.State() != Idle {
		t.Errorf("State after abort = %v, want idle", f.m.State())
	}

	f.m.Handle(startPacket(128, 1, 128))
	f.m.Handle(dataPacket(t, 0, fill(128, 0)))
	expectCode(t, f.m.Handle(packet.NewStop()), reply.OK, "stop complete")
	if f.m.State() != ReadyToFlash {
		t.Errorf("State after finalize = %v, want ready-to-flash", f.m.State())
	}

	expectCode(t, f.m.Handle(packet.NewStop()), reply.OK, "stop ready")
	if f.m.State() != Idle {
		t.Errorf("State after second stop = %v, want idle", f.m.State())
	}
	if f.flasher.calls != 0 {
		t.Errorf("flash calls = %d, want 0", f.flasher.calls)
	}
}

func TestFlashStart_EndToEnd(t *testing.T) {
	f := newFixture(t)
	img := append(fill(128, 0x10), fill(128, 0x90)...)

	expectCode(t, f.m.Handle(startPacket(256, 2, 128)), reply.OK, "start")
	expectCode(t, f.m.Handle(dataPacket(t, 0, img[:128])), reply.OK, "data 1")
	if s := f.m.Snapshot(); s.WriteOffset != 128 {
		t.Fatalf("WriteOffset = %d, want 128", s.WriteOffset)
	}
	expectCode(t, f.m.Handle(dataPacket(t, 128, img[128:])), reply.OK, "data 2")
	if s := f.m.Snapshot(); s.WriteOffset != 256 {
		t.Fatalf("WriteOffset = %d, want 256", s.WriteOffset)
	}
	expectCode(t, f.m.Handle(packet.NewFlashStart(packet.FlashStart{Address: 0, Size: 256})), reply.OK, "flash start")

	if f.flasher.calls != 1 || f.flasher.address != 0 || f.flasher.size != 256 {
		t.Errorf("flasher = %+v", f.flasher)
	}
	if !bytes.Equal(f.flasher.image, img) {
		t.Error("flasher read a different image than was staged")
	}
	if f.m.State() != Idle {
		t.Errorf("State = %v, want idle", f.m.State())
	}
}

func TestFlashStart_AfterStop(t *testing.T) {
	f := newFixture(t)
	f.m.Handle(startPacket(128, 1, 128))
	f.m.Handle(dataPacket(t, 0, fill(128, 0)))
	f.m.Handle(packet.NewStop())

	expectCode(t, f.m.Handle(packet.NewFlashStart(packet.FlashStart{Address: 0x200, Size: 128})), reply.OK, "flash start")
	if f.flasher.address != 0x200 {
		t.Errorf("flash address = 0x%X, want 0x200", f.flasher.address)
	}
}

func TestFlashStart_Rejected(t *testing.T) {
	f := newFixture(t)
	flash := packet.NewFlashStart(packet.FlashStart{Address: 0, Size: 128})

	expectCode(t, f.m.Handle(flash), reply.StartOver, "flash while idle")

	f.m.Handle(startPacket(256, 2, 128))
	f.m.Handle(dataPacket(t, 0, fill(128, 0)))
	expectCode(t, f.m.Handle(flash), reply.StartOver, "flash while incomplete")

	f.m.Handle(dataPacket(t, 128, fill(128, 0)))
	expectCode(t, f.m.Handle(packet.NewFlashStart(packet.FlashStart{Address: 0, Size: 512})), reply.StartOver, "flash larger than staged")

	if f.flasher.calls != 0 {
		t.Errorf("flash calls = %d, want 0", f.flasher.calls)
	}
}

func TestFlashStart_FailureEndsSession(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected reply.Code
	}{
		{"no bootloader", stk500.ErrNoBootloader, reply.NoBootloader},
		{"reply timeout", &stk500.ReplyError{Command: stk500.CmdEnterProgMode, Err: stk500.ErrReplyTimeout}, reply.BootloaderReplyTimeout},
		{"unexpected reply", &stk500.PageError{Stage: stk500.StageLoadAddress, Err: stk500.ErrUnexpectedReply}, reply.BootloaderUnexpectedReply},
		{"read error", &stk500.PageError{Stage: stk500.StageRead, Err: &stk500.ImageReadError{Err: errors.New("nack")}}, reply.EEPROMReadError},
	}

	for _, tc := range tests {
		f := newFixture(t)
		f.flasher.err = tc.err
		f.m.Handle(startPacket(128, 1, 128))
		f.m.Handle(dataPacket(t, 0, fill(128, 0)))

		got := f.m.Handle(packet.NewFlashStart(packet.FlashStart{Address: 0, Size: 128}))
		if got != tc.expected {
			t.Errorf("flash with %s = %v, want %v", tc.name, got, tc.expected)
		}
		if f.m.State() != Idle {
			t.Errorf("State after %s = %v, want idle", tc.name, f.m.State())
		}
		if code := f.m.Handle(packet.NewFlashStart(packet.FlashStart{Address: 0, Size: 128})); code != reply.StartOver {
			t.Errorf("second flash after %s = %v, want start-over", tc.name, code)
		}
	}
}

func TestFlashStart_Timeout(t *testing.T) {
	f := newFixture(t)
	f.m.Handle(startPacket(128, 1, 128))
	f.m.Handle(dataPacket(t, 0, fill(128, 0)))
	f.clock.Advance(3 * time.Second)

	expectCode(t, f.m.Handle(packet.NewFlashStart(packet.FlashStart{Address: 0, Size: 128})), reply.Timeout, "late flash")
	if f.flasher.calls != 0 {
		t.Errorf("flash calls = %d, want 0", f.flasher.calls)
	}
}

func TestHandle_NotProgramming(t *testing.T) {
	f := newFixture(t)
	f.m.Handle(startPacket(256, 2, 128))

	expectCode(t, f.m.Handle([]byte{0x01, 0x02, 0x03}), reply.StartOver, "garbage")
	if f.m.State() != Receiving {
		t.Errorf("State = %v, want receiving (unaffected)", f.m.State())
	}
}

func TestReset(t *testing.T) {
	f := newFixture(t)
	f.m.Handle(startPacket(256, 2, 128))
	f.m.Reset()
	if s := f.m.Snapshot(); s != (Snapshot{State: Idle}) {
		t.Errorf("Snapshot after Reset = %+v", s)
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state    State
		expected string
	}{
		{Idle, "idle"},
		{Receiving, "receiving"},
		{ReadyToFlash, "ready-to-flash"},
		{Flashing, "flashing"},
		{State(9), "state(9)"},
	}
	for _, tc := range tests {
		if got := tc.state.String(); got != tc.expected {
			t.Errorf("State(%d).String() = %q, want %q", tc.state, got, tc.expected)
		}
	}
}
