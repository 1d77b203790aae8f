package session

import (
	"errors"
	"fmt"

	"github.com/chaz8081/serenescent/internal/ble/protocol"
	"github.com/chaz8081/serenescent/internal/device"
)

// MachineState is the mode machine's view of the device.
type MachineState uint8

const (
	StateHome MachineState = iota
	StateSchedule
	StateTransitioning
)

func (s MachineState) String() string {
	switch s {
	case StateHome:
		return "home"
	case StateSchedule:
		return "schedule"
	case StateTransitioning:
		return "transitioning"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

func (s MachineState) mode() protocol.Mode {
	if s == StateSchedule {
		return protocol.ModeSchedule
	}
	return protocol.ModeHome
}

func stateFor(m protocol.Mode) MachineState {
	if m == protocol.ModeSchedule {
		return StateSchedule
	}
	return StateHome
}

// Transition names a multi-step mode sequence.
type Transition uint8

const (
	TransitionEnableSchedule Transition = iota + 1
	TransitionDisableSchedule
	TransitionHome     // ModeSwitch(home) + Sync
	TransitionSchedule // ModeSwitch(schedule) + Sync
)

func (t Transition) String() string {
	switch t {
	case TransitionEnableSchedule:
		return "enable-schedule"
	case TransitionDisableSchedule:
		return "disable-schedule"
	case TransitionHome:
		return "switch-home"
	case TransitionSchedule:
		return "switch-schedule"
	default:
		return fmt.Sprintf("transition(%d)", uint8(t))
	}
}

var errTransitionInProgress = errors.New("session: mode transition already in progress")

// ModeMachine enforces HOME/SCHEDULE exclusivity. It plans command
// sequences; the session sends them and reports the outcome back through
// Complete or Abort. It performs no I/O.
type ModeMachine struct {
	state  MachineState
	prior  MachineState
	target MachineState

	// known is set once a status poll has reported the device mode.
	known bool
	// reconciling is set after a drift correction has been issued and
	// cleared when a poll agrees.
	reconciling bool
}

// NewModeMachine starts in Home; the first status poll corrects it.
func NewModeMachine() *ModeMachine {
	return &ModeMachine{state: StateHome}
}

// State returns the current machine state.
func (m *ModeMachine) State() MachineState { return m.state }

// Mode returns the last settled mode. While transitioning it is the mode
// the sequence started from.
func (m *ModeMachine) Mode() protocol.Mode {
	if m.state == StateTransitioning {
		return m.prior.mode()
	}
	return m.state.mode()
}

// Begin plans the sequence for t and moves to Transitioning. A nil
// sequence means the device is already where t would take it.
func (m *ModeMachine) Begin(t Transition, cur device.State) ([]protocol.Command, error) {
	if m.state == StateTransitioning {
		return nil, errTransitionInProgress
	}

	var seq []protocol.Command
	var target MachineState
	switch t {
	case TransitionEnableSchedule:
		if m.state == StateSchedule && cur.ScheduleEnabled {
			return nil, nil
		}
		level := cur.Intensity
		if !level.Valid() {
			level = protocol.IntensityHigh
		}
		seq = []protocol.Command{
			protocol.Schedule(true),
			protocol.SettingsSync(level, cur.Color, protocol.ModeSchedule),
			protocol.ScheduleHelperA(),
			protocol.ScheduleHelperB(),
		}
		target = StateSchedule

	case TransitionDisableSchedule:
		if m.state == StateHome && cur.Known && !cur.ScheduleEnabled {
			return nil, nil
		}
		seq = []protocol.Command{
			protocol.Schedule(false),
			protocol.StatusQuery(protocol.ModeSchedule),
		}
		target = StateHome

	case TransitionHome, TransitionSchedule:
		target = StateHome
		if t == TransitionSchedule {
			target = StateSchedule
		}
		seq = []protocol.Command{
			protocol.ModeSwitch(target.mode()),
			protocol.Sync(),
		}

	default:
		return nil, fmt.Errorf("session: unknown transition %d", uint8(t))
	}

	m.prior = m.state
	m.target = target
	m.state = StateTransitioning
	return seq, nil
}

// Complete settles a successful sequence in its target state.
func (m *ModeMachine) Complete() {
	if m.state != StateTransitioning {
		return
	}
	m.state = m.target
	m.reconciling = false
}

// Abort reverts a failed sequence to the state it started from.
func (m *ModeMachine) Abort() {
	if m.state != StateTransitioning {
		return
	}
	m.state = m.prior
}

// ObservePoll folds a polled device mode into the machine. The first poll
// is adopted as-is. A later poll that disagrees asks for one corrective
// ModeSwitch+Sync; if the device still disagrees on the following poll it
// was changed out-of-band and its mode is adopted.
func (m *ModeMachine) ObservePoll(mode protocol.Mode) (Transition, bool) {
	if !mode.Valid() || m.state == StateTransitioning {
		return 0, false
	}
	polled := stateFor(mode)
	if !m.known {
		m.known = true
		m.state = polled
		return 0, false
	}
	if polled == m.state {
		m.reconciling = false
		return 0, false
	}
	if !m.reconciling {
		m.reconciling = true
		if m.state == StateSchedule {
			return TransitionSchedule, true
		}
		return TransitionHome, true
	}
	m.state = polled
	m.reconciling = false
	return 0, false
}
