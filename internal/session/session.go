// Package session coordinates a single diffuser connection: connection
// lifecycle, serialized command dispatch with acknowledgement tracking,
// HOME/SCHEDULE mode sequencing, keepalive polling and reconnection.
//
// All device and connection state is owned by one event-loop goroutine per
// Session. Callers submit intents and receive a Call; readers get immutable
// snapshots and change events.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chaz8081/serenescent/internal/ble"
	"github.com/chaz8081/serenescent/internal/ble/protocol"
	"github.com/chaz8081/serenescent/internal/device"
)

// Dialer opens a link to the session's device. *ble.Transport implements it.
type Dialer interface {
	Connect(ctx context.Context) (ble.Link, error)
}

// ConnState is the session's connection state.
type ConnState int32

const (
	Disconnected ConnState = iota
	Connecting
	Connected
	Reconnecting
)

func (c ConnState) String() string {
	switch c {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("conn(%d)", int32(c))
	}
}

// EventKind distinguishes Event payloads.
type EventKind uint8

const (
	EventState      EventKind = iota + 1 // Delta is set
	EventConnection                      // Conn is set, Err explains a failure
)

// Event is delivered to subscribers.
type Event struct {
	Kind  EventKind
	Delta device.Delta
	Conn  ConnState
	Err   error
}

type controlKind uint8

const (
	ctlConnect controlKind = iota + 1
	ctlDisconnect
	ctlCancel
	ctlPolling
)

type control struct {
	kind    controlKind
	enabled bool
	reply   chan error
}

type note struct {
	link ble.Link
	data []byte
}

type dialResult struct {
	gen     uint64
	link    ble.Link
	err     error
	attempt int           // 0-based attempt that produced link or err
	delay   time.Duration // adaptive connect delay at that attempt
}

// Session drives one diffuser.
type Session struct {
	transport Dialer
	opts      Options
	log       *slog.Logger

	reqs    chan *Call
	ctl     chan control
	notes   chan note
	lost    chan ble.Link
	dialed  chan dialResult
	quit    chan struct{}
	stopped chan struct{}

	closeOnce sync.Once

	// Read-side views, written only by the loop.
	snapshot     atomic.Pointer[device.State]
	connState    atomic.Int32
	machineState atomic.Uint32

	subMu      sync.Mutex
	subs       map[int]chan Event
	nextID     int
	subsClosed bool

	// Everything below is owned by the loop goroutine.
	link            ble.Link
	conn            ConnState
	model           *device.Model
	machine         *ModeMachine
	queue           []*Call
	inflight        *PendingCommand
	deferred        []control
	waiters         []chan error
	wantConnected   bool
	dialGen         uint64
	dialCancel      context.CancelFunc
	connectDelay    time.Duration
	redial          *time.Timer
	polling         bool
	pollQueued      bool
	reconcileQueued bool
	idleReleased    bool
	closing         bool
	lastWrite       time.Time
	lastIntent      time.Time
}

// New creates a session for the device behind transport and starts its
// event loop. The session is Disconnected until Connect is called; intents
// submitted before then are queued.
func New(transport Dialer, opts Options) *Session {
	opts.normalize()
	s := &Session{
		transport: transport,
		opts:      opts,
		log:       opts.Logger,
		reqs:      make(chan *Call, opts.QueueSize),
		ctl:       make(chan control),
		notes:     make(chan note, 64),
		lost:      make(chan ble.Link, 4),
		dialed:    make(chan dialResult),
		quit:      make(chan struct{}),
		stopped:   make(chan struct{}),
		subs:      make(map[int]chan Event),
		model:     device.NewModel(),
		machine:   NewModeMachine(),
		polling:   true,
	}
	st := s.model.State()
	s.snapshot.Store(&st)
	go s.run()
	return s
}

// Connect opens the link, subscribes to notifications and issues the
// initial status query. It returns once that query has completed, or with
// an ErrConnection error when every attempt failed.
func (s *Session) Connect(ctx context.Context) error {
	reply := make(chan error, 1)
	if err := s.sendControl(ctx, control{kind: ctlConnect, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopped:
		return ErrClosed
	}
}

// Disconnect releases the link, fails every queued command with
// ErrCancelled and stops reconnecting. The device state snapshot is kept.
func (s *Session) Disconnect() {
	s.controlAndWait(ctlDisconnect, false)
}

// Cancel fails every queued command with ErrCancelled and abandons the
// acknowledgement wait of the one in flight. The link stays up.
func (s *Session) Cancel() {
	s.controlAndWait(ctlCancel, false)
}

// SetPolling pauses or resumes the periodic status poll.
func (s *Session) SetPolling(enabled bool) {
	s.controlAndWait(ctlPolling, enabled)
}

// Close disconnects and stops the event loop. Further operations fail with
// ErrClosed.
func (s *Session) Close() {
	s.closeOnce.Do(func() { close(s.quit) })
	<-s.stopped
}

// SetPower turns the diffuser on or off.
func (s *Session) SetPower(on bool, opts ...IntentOption) (*Call, error) {
	return s.submitControl(protocol.Power(on), opts)
}

// SetIntensity sets the output level. Levels outside low/medium/high fail
// immediately with protocol.ErrUnsupportedValue.
func (s *Session) SetIntensity(level protocol.Intensity, opts ...IntentOption) (*Call, error) {
	return s.submitControl(protocol.SetIntensity(level), opts)
}

// SetColor sets the LED color.
func (s *Session) SetColor(c protocol.Color, opts ...IntentOption) (*Call, error) {
	return s.submitControl(protocol.SetColor(c), opts)
}

// SetSchedule enables or disables the device's timer schedule, running the
// corresponding mode sequence.
func (s *Session) SetSchedule(enabled bool) (*Call, error) {
	c := newCall(intentSchedule, protocol.Schedule(enabled))
	c.transition = TransitionDisableSchedule
	if enabled {
		c.transition = TransitionEnableSchedule
	}
	return s.submit(c)
}

// PollStatus queues a status query.
func (s *Session) PollStatus() (*Call, error) {
	return s.submit(newCall(intentPoll, protocol.Command{Kind: protocol.KindStatusQuery}))
}

// State returns the current device snapshot.
func (s *Session) State() device.State {
	return *s.snapshot.Load()
}

// ConnState returns the current connection state.
func (s *Session) ConnState() ConnState {
	return ConnState(s.connState.Load())
}

// MachineState returns the mode machine state.
func (s *Session) MachineState() MachineState {
	return MachineState(s.machineState.Load())
}

// Subscribe returns a channel of state and connection events and a function
// that cancels the subscription. Events are dropped for subscribers that
// fall behind.
func (s *Session) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 32)
	s.subMu.Lock()
	if s.subsClosed {
		s.subMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	s.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			if _, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(ch)
			}
			s.subMu.Unlock()
		})
	}
}

func (s *Session) submitControl(cmd protocol.Command, opts []IntentOption) (*Call, error) {
	if _, err := protocol.Encode(cmd); err != nil {
		return nil, err
	}
	c := newCall(intentControl, cmd)
	for _, opt := range opts {
		opt(c)
	}
	return s.submit(c)
}

func (s *Session) submit(c *Call) (*Call, error) {
	c.closed = s.stopped
	select {
	case <-s.stopped:
		return nil, ErrClosed
	default:
	}
	select {
	case s.reqs <- c:
		return c, nil
	case <-s.stopped:
		return nil, ErrClosed
	}
}

func (s *Session) sendControl(ctx context.Context, c control) error {
	select {
	case s.ctl <- c:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopped:
		return ErrClosed
	}
}

func (s *Session) controlAndWait(kind controlKind, enabled bool) {
	reply := make(chan error, 1)
	if err := s.sendControl(context.Background(), control{kind: kind, enabled: enabled, reply: reply}); err != nil {
		return
	}
	select {
	case <-reply:
	case <-s.stopped:
	}
}

func (s *Session) emit(ev Event) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			s.log.Debug("[SESSION] subscriber behind, event dropped", "kind", ev.Kind)
		}
	}
}

func (s *Session) publish(delta device.Delta) {
	st := delta.After
	s.snapshot.Store(&st)
	s.log.Debug("[SESSION] state changed", "fields", delta.Fields.String(), "state", st.String())
	s.emit(Event{Kind: EventState, Delta: delta})
}

func (s *Session) setConn(cs ConnState, err error) {
	changed := s.conn != cs
	s.conn = cs
	s.connState.Store(int32(cs))
	if changed || err != nil {
		s.emit(Event{Kind: EventConnection, Conn: cs, Err: err})
	}
}

func (s *Session) syncMachine() {
	s.machineState.Store(uint32(s.machine.State()))
}
