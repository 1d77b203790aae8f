package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chaz8081/serenescent/internal/ble"
	"github.com/chaz8081/serenescent/internal/ble/protocol"
)

// fakeDiffuser simulates the device behind a link: it applies commands to
// its own state, acks them and answers status queries.
type fakeDiffuser struct {
	mu     sync.Mutex
	status protocol.Status
	writes []writeRecord
	// drop counts acks to swallow per opcode; negative drops forever.
	drop map[byte]int
	hold bool
	held [][]byte
	link *fakeLink
}

type writeRecord struct {
	at    time.Time
	frame []byte
}

func newFakeDiffuser() *fakeDiffuser {
	return &fakeDiffuser{
		status: protocol.Status{
			Power:     true,
			Intensity: protocol.IntensityMedium,
			Color:     protocol.ColorWhite,
			Mode:      protocol.ModeHome,
		},
		drop: make(map[byte]int),
	}
}

func (d *fakeDiffuser) setStatus(st protocol.Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.status = st
}

func (d *fakeDiffuser) dropAcks(opcode byte, n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.drop[opcode] = n
}

func (d *fakeDiffuser) holdAcks(hold bool) {
	d.mu.Lock()
	d.hold = hold
	d.mu.Unlock()
}

// releaseAcks delivers every held response in order.
func (d *fakeDiffuser) releaseAcks() {
	d.mu.Lock()
	held := d.held
	d.held = nil
	d.hold = false
	l := d.link
	d.mu.Unlock()
	for _, r := range held {
		l.notify(r)
	}
}

func (d *fakeDiffuser) opcodes() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	ops := make([]byte, len(d.writes))
	for i, w := range d.writes {
		ops[i] = w.frame[2]
	}
	return ops
}

func (d *fakeDiffuser) records() []writeRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]writeRecord(nil), d.writes...)
}

func (d *fakeDiffuser) countOp(op byte) int {
	n := 0
	for _, o := range d.opcodes() {
		if o == op {
			n++
		}
	}
	return n
}

// handle applies one frame and returns the response to send, if any.
func (d *fakeDiffuser) handle(frame []byte) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := append([]byte(nil), frame...)
	d.writes = append(d.writes, writeRecord{at: time.Now(), frame: cp})

	op := frame[2]
	switch op {
	case protocol.OpPowerOn:
		d.status.Power = true
	case protocol.OpPowerOff:
		d.status.Power = false
	case protocol.OpColor:
		d.status.Color = protocol.Color(frame[4])
	case protocol.OpIntensity:
		d.status.Intensity = protocol.Intensity(frame[5])
	case protocol.OpScheduleOn:
		d.status.ScheduleEnabled = true
		d.status.Mode = protocol.ModeSchedule
	case protocol.OpScheduleOff:
		d.status.ScheduleEnabled = false
		d.status.Mode = protocol.ModeHome
	case protocol.OpModeSwitch:
		d.status.Mode = protocol.Mode(frame[4])
	}

	if n, ok := d.drop[op]; ok && n != 0 {
		if n > 0 {
			d.drop[op] = n - 1
		}
		return nil
	}
	resp := protocol.Ack(op)
	if op == protocol.OpStatusQuery {
		resp = protocol.StatusBytes(d.status)
	}
	if d.hold {
		d.held = append(d.held, resp)
		return nil
	}
	return resp
}

// fakeLink is an in-memory ble.Link backed by a fakeDiffuser.
type fakeLink struct {
	dev *fakeDiffuser

	mu        sync.Mutex
	connected bool
	cb        func([]byte)
	onDrop    func()
	// writeFails counts writes to fail with writeErr; negative fails forever.
	writeFails int
	writeErr   error
}

var errFakeWrite = errors.New("fake: write failed")

func (l *fakeLink) failWrites(n int, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.writeFails, l.writeErr = n, err
}

func (l *fakeLink) Write(data []byte) error {
	l.mu.Lock()
	ok := l.connected
	var werr error
	if l.writeFails != 0 {
		werr = l.writeErr
		if l.writeFails > 0 {
			l.writeFails--
		}
	}
	l.mu.Unlock()
	if !ok {
		return ble.ErrNotConnected
	}
	if werr != nil {
		return werr
	}
	if resp := l.dev.handle(data); resp != nil {
		l.notify(resp)
	}
	return nil
}

func (l *fakeLink) notify(data []byte) {
	l.mu.Lock()
	cb := l.cb
	l.mu.Unlock()
	if cb != nil {
		cb(data)
	}
}

func (l *fakeLink) Subscribe(cb func([]byte)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cb = cb
	return nil
}

func (l *fakeLink) Unsubscribe() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cb = nil
	return nil
}

func (l *fakeLink) IsConnected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

func (l *fakeLink) OnDisconnect(cb func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onDrop = cb
}

func (l *fakeLink) Disconnect() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connected = false
	l.onDrop = nil
	return nil
}

// drop simulates the device going out of range.
func (l *fakeLink) drop() {
	l.mu.Lock()
	l.connected = false
	cb := l.onDrop
	l.onDrop = nil
	l.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// fakeDialer hands out fakeLinks to one fakeDiffuser.
type fakeDialer struct {
	dev   *fakeDiffuser
	fails atomic.Int32
	dials atomic.Int32
}

func (f *fakeDialer) Connect(ctx context.Context) (ble.Link, error) {
	f.dials.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.fails.Load() > 0 {
		f.fails.Add(-1)
		return nil, errors.New("fake: device not found")
	}
	l := &fakeLink{dev: f.dev, connected: true}
	f.dev.mu.Lock()
	f.dev.link = l
	f.dev.mu.Unlock()
	return l, nil
}

func (f *fakeDialer) currentLink() *fakeLink {
	f.dev.mu.Lock()
	defer f.dev.mu.Unlock()
	return f.dev.link
}

// testOptions are DefaultOptions shrunk so tests run quickly.
func testOptions() Options {
	opts := DefaultOptions()
	opts.PollInterval = time.Hour
	opts.CommandTimeout = 100 * time.Millisecond
	opts.RetryBackoff = 5 * time.Millisecond
	opts.CommandSpacing = 0
	opts.ConnectBaseDelay = time.Millisecond
	opts.ConnectMaxDelay = 4 * time.Millisecond
	opts.ReconnectInterval = time.Hour
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return opts
}
