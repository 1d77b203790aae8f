package session

import (
	"context"
	"sync"
	"time"

	"github.com/chaz8081/serenescent/internal/ble/protocol"
)

type intentKind uint8

const (
	intentControl intentKind = iota + 1 // power, intensity, color
	intentSchedule
	intentPoll
	intentReconcile
)

func (k intentKind) mutating() bool {
	return k == intentControl || k == intentSchedule
}

// Call is the pending result of an operation submitted to a Session.
type Call struct {
	kind       intentKind
	cmd        protocol.Command
	transition Transition
	keepMode   bool
	// internal calls are queued by the session itself and never evicted.
	internal bool

	accepted   chan struct{}
	acceptOnce sync.Once
	done       chan struct{}
	finishOnce sync.Once
	err        error
	onFinish   func(error)
	closed     <-chan struct{}
}

func newCall(kind intentKind, cmd protocol.Command) *Call {
	return &Call{
		kind:     kind,
		cmd:      cmd,
		accepted: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Accepted is closed once the transport has taken the call's first frame,
// or when the call finishes without sending.
func (c *Call) Accepted() <-chan struct{} { return c.accepted }

// Done is closed when the call has been acknowledged or has failed.
func (c *Call) Done() <-chan struct{} { return c.done }

// Err returns the outcome once Done is closed, and nil before.
func (c *Call) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Wait blocks until the call finishes or ctx ends.
func (c *Call) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closed:
		select {
		case <-c.done:
			return c.err
		default:
			return ErrClosed
		}
	}
}

func (c *Call) accept() {
	c.acceptOnce.Do(func() { close(c.accepted) })
}

func (c *Call) finish(err error) {
	c.finishOnce.Do(func() {
		c.err = err
		c.accept()
		close(c.done)
		if c.onFinish != nil {
			c.onFinish(err)
		}
	})
}

// IntentOption adjusts a control intent.
type IntentOption func(*Call)

// KeepMode sends a control intent only if the device is already in home
// mode. In schedule mode the call fails with ErrWrongMode instead of
// switching the device to home first.
func KeepMode() IntentOption {
	return func(c *Call) { c.keepMode = true }
}

// PendingCommand is the single command awaiting acknowledgement. The device
// echoes only the opcode, so at most one exists at a time.
type PendingCommand struct {
	Frame            protocol.CommandFrame
	IssuedAt         time.Time
	ExpectedEcho     byte
	RetriesRemaining uint8
}
