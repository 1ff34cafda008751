// Package session implements the programming session state machine.
//
// A Machine consumes one programming packet at a time and returns exactly one
// reply code for it. While receiving, data payloads are written to staged
// storage in order; a flash-start packet replays the staged image through the
// bootloader client and always ends the session.
package session

import (
	"fmt"
	"time"

	"github.com/bigbag/stk-bridge/internal/packet"
	"github.com/bigbag/stk-bridge/internal/reply"
	"github.com/bigbag/stk-bridge/internal/stk500"
	"github.com/bigbag/stk-bridge/internal/storage"
)

// DefaultTimeout is the liveness threshold between packets.
const DefaultTimeout = 5 * time.Second

// State is the session lifecycle phase.
type State int

const (
	Idle State = iota
	Receiving
	ReadyToFlash
	Flashing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Receiving:
		return "receiving"
	case ReadyToFlash:
		return "ready-to-flash"
	case Flashing:
		return "flashing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Store is the staged image storage.
type Store interface {
	Write(offset int, data []byte) error
	Read(offset int, buf []byte) error
	Capacity() int
}

// Flasher replays a staged image into the target.
type Flasher interface {
	Flash(img stk500.Image, address, size int) error
}

// Snapshot is a copy of the session counters.
type Snapshot struct {
	State           State
	ProgramSize     int
	ExpectedPackets int
	PayloadSize     int
	PacketsReceived int
	WriteOffset     int
	StartedAt       time.Time
	LastPacketAt    time.Time
}

// Machine is the session state machine. It is not safe for concurrent use;
// the bridge feeds it one packet at a time.
type Machine struct {
	store   Store
	flasher Flasher
	config  Config
	s       Snapshot
}

// New creates an idle Machine.
func New(store Store, flasher Flasher, opts ...Option) *Machine {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Machine{store: store, flasher: flasher, config: cfg}
}

// Handle processes one packet and returns its reply.
func (m *Machine) Handle(p []byte) reply.Code {
	kind := packet.Classify(p)

	var err error
	switch kind {
	case packet.KindStart:
		err = m.start(p)
	case packet.KindData:
		err = m.data(p)
	case packet.KindStop:
		err = m.stop()
	case packet.KindFlashStart:
		err = m.flashStart(p)
	default:
		err = fmt.Errorf("%w: not a programming packet", reply.ErrStartOver)
	}

	code := reply.FromError(err)
	if err != nil {
		m.config.Logger.Warn("packet rejected", "kind", kind.String(), "reply", code.String(), "state", m.s.State.String(), "error", err)
	} else {
		m.config.Logger.Debug("packet handled", "kind", kind.String(), "state", m.s.State.String(),
			"packets", m.s.PacketsReceived, "offset", m.s.WriteOffset)
	}
	return code
}

// State returns the current phase.
func (m *Machine) State() State {
	return m.s.State
}

// Snapshot returns a copy of the session counters.
func (m *Machine) Snapshot() Snapshot {
	return m.s
}

// Elapsed returns the time since the last accepted packet, or zero when idle.
func (m *Machine) Elapsed() time.Duration {
	if m.s.State == Idle {
		return 0
	}
	return m.config.Now().Sub(m.s.LastPacketAt)
}

// Expired reports whether a receiving session has outlived the liveness
// threshold. The next data, stop or flash-start packet will get Timeout.
func (m *Machine) Expired() bool {
	return m.s.State == Receiving && m.Elapsed() > m.config.Timeout
}

// Reset discards the session.
func (m *Machine) Reset() {
	m.s = Snapshot{State: Idle}
}

func (m *Machine) start(p []byte) error {
	// A start packet always replaces whatever session was in progress.
	m.Reset()

	st, err := packet.ParseStart(p)
	if err != nil {
		return fmt.Errorf("%w: %v", reply.ErrStartOver, err)
	}
	if err := m.validateStart(st); err != nil {
		return err
	}

	now := m.config.Now()
	m.s = Snapshot{
		State:           Receiving,
		ProgramSize:     st.ProgramSize,
		ExpectedPackets: st.ExpectedPackets,
		PayloadSize:     st.PayloadSize,
		StartedAt:       now,
		LastPacketAt:    now,
	}
	m.config.Logger.Info("session started", "size", st.ProgramSize, "packets", st.ExpectedPackets, "payload", st.PayloadSize)
	return nil
}

func (m *Machine) validateStart(st packet.Start) error {
	if st.ProgramSize <= 0 || st.PayloadSize <= 0 || st.PayloadSize > packet.MaxPayloadSize {
		return fmt.Errorf("%w: invalid start header %+v", reply.ErrStartOver, st)
	}
	if want := (st.ProgramSize + st.PayloadSize - 1) / st.PayloadSize; st.ExpectedPackets != want {
		return fmt.Errorf("%w: %d packets declared for %d bytes, want %d", reply.ErrStartOver, st.ExpectedPackets, st.ProgramSize, want)
	}
	if st.ProgramSize > m.store.Capacity() {
		return fmt.Errorf("%w: program size %d exceeds capacity %d", storage.ErrOutOfRange, st.ProgramSize, m.store.Capacity())
	}
	return nil
}

func (m *Machine) data(p []byte) error {
	if m.s.State != Receiving {
		return fmt.Errorf("%w: data packet while %s", reply.ErrStartOver, m.s.State)
	}
	if err := m.checkLiveness(); err != nil {
		return err
	}

	d, err := packet.ParseData(p)
	if err != nil {
		return fmt.Errorf("%w: %v", reply.ErrStartOver, err)
	}
	if m.s.PacketsReceived >= m.s.ExpectedPackets {
		return fmt.Errorf("%w: all %d packets already received", reply.ErrStartOver, m.s.ExpectedPackets)
	}
	if d.Offset != m.s.WriteOffset {
		return fmt.Errorf("%w: data for offset %d, expected %d", reply.ErrStartOver, d.Offset, m.s.WriteOffset)
	}

	// The final packet may be short, or padded to a full payload; nothing
	// past the declared program size is written.
	n := min(m.s.PayloadSize, m.s.ProgramSize-m.s.WriteOffset)
	if len(d.Payload) != n && len(d.Payload) != m.s.PayloadSize {
		return fmt.Errorf("%w: payload of %d bytes, expected %d", reply.ErrStartOver, len(d.Payload), n)
	}

	if err := m.store.Write(m.s.WriteOffset, d.Payload[:n]); err != nil {
		seq := m.s.PacketsReceived + 1
		m.Reset()
		return fmt.Errorf("stage packet %d: %w", seq, err)
	}

	m.s.WriteOffset += n
	m.s.PacketsReceived++
	m.s.LastPacketAt = m.config.Now()
	return nil
}

func (m *Machine) stop() error {
	switch m.s.State {
	case Receiving:
		if err := m.checkLiveness(); err != nil {
			return err
		}
		if m.complete() {
			m.s.State = ReadyToFlash
			m.s.LastPacketAt = m.config.Now()
			m.config.Logger.Info("staging complete", "bytes", m.s.WriteOffset)
			return nil
		}
		m.config.Logger.Info("session aborted", "packets", m.s.PacketsReceived, "expected", m.s.ExpectedPackets)
		m.Reset()
		return nil
	case ReadyToFlash:
		m.Reset()
		return nil
	default:
		return fmt.Errorf("%w: stop packet while %s", reply.ErrStartOver, m.s.State)
	}
}

func (m *Machine) flashStart(p []byte) error {
	switch m.s.State {
	case Receiving:
		if err := m.checkLiveness(); err != nil {
			return err
		}
		if !m.complete() {
			return fmt.Errorf("%w: flash requested after %d of %d packets", reply.ErrStartOver, m.s.PacketsReceived, m.s.ExpectedPackets)
		}
	case ReadyToFlash:
	default:
		return fmt.Errorf("%w: flash requested while %s", reply.ErrStartOver, m.s.State)
	}

	f, err := packet.ParseFlashStart(p)
	if err != nil {
		return fmt.Errorf("%w: %v", reply.ErrStartOver, err)
	}
	if f.Size <= 0 || f.Size > m.s.WriteOffset {
		return fmt.Errorf("%w: flash size %d, staged %d", reply.ErrStartOver, f.Size, m.s.WriteOffset)
	}

	m.s.State = Flashing
	started := m.config.Now()
	m.config.Logger.Info("flashing", "address", f.Address, "size", f.Size)

	err = m.flasher.Flash(m.store, f.Address, f.Size)

	// Flashing is never resumed: success or failure ends the session.
	m.Reset()
	if err != nil {
		return fmt.Errorf("flash: %w", err)
	}
	m.config.Logger.Info("flash complete", "size", f.Size, "duration", m.config.Now().Sub(started))
	return nil
}

func (m *Machine) complete() bool {
	return m.s.PacketsReceived == m.s.ExpectedPackets && m.s.WriteOffset == m.s.ProgramSize
}

func (m *Machine) checkLiveness() error {
	if m.Expired() {
		elapsed := m.Elapsed()
		m.Reset()
		return fmt.Errorf("%w: no packet for %v", reply.ErrTimeout, elapsed)
	}
	return nil
}
