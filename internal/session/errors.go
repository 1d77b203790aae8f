package session

import (
	"errors"
	"fmt"

	"github.com/chaz8081/serenescent/internal/ble/protocol"
)

var (
	// ErrCommandTimeout means no acknowledgement arrived within the command
	// timeout after all retries.
	ErrCommandTimeout = errors.New("session: command timed out")
	// ErrModeTransition means a multi-step mode sequence failed partway.
	ErrModeTransition = errors.New("session: mode transition failed")
	// ErrConnection means connecting exhausted its attempts.
	ErrConnection = errors.New("session: connection failed")
	// ErrCancelled is returned for commands dropped by Disconnect, Cancel or Close.
	ErrCancelled = errors.New("session: cancelled")
	// ErrWrongMode is returned when a control intent asks to stay in
	// schedule mode, where the device ignores it.
	ErrWrongMode = errors.New("session: device is in schedule mode")
	// ErrQueueFull is returned for the oldest queued command when the
	// queue overflows.
	ErrQueueFull = errors.New("session: command queue full")
	// ErrClosed is returned by operations on a closed session.
	ErrClosed = errors.New("session: closed")

	// errLinkLost aborts a command whose link dropped; the command is
	// replayed after reconnecting.
	errLinkLost = errors.New("session: link lost")
	// errAborted aborts a command because of a cancel, disconnect or close.
	errAborted = errors.New("session: aborted")
	// errAckTimeout is one unanswered attempt; exhaustion becomes
	// ErrCommandTimeout.
	errAckTimeout = errors.New("session: no acknowledgement")
)

// ModeTransitionError reports which step of a mode sequence failed. The
// machine has already reverted to the mode it held before the sequence.
type ModeTransitionError struct {
	Transition Transition
	Step       int // 1-based
	Command    protocol.Command
	Err        error
}

func (e *ModeTransitionError) Error() string {
	return fmt.Sprintf("session: %s step %d (%s): %v", e.Transition, e.Step, e.Command, e.Err)
}

func (e *ModeTransitionError) Unwrap() []error {
	return []error{ErrModeTransition, e.Err}
}
