// Package device holds the local model of a diffuser's state and computes
// field-level deltas as status frames and optimistic updates arrive.
package device

import (
	"fmt"
	"strings"

	"github.com/chaz8081/serenescent/internal/ble/protocol"
)

// State is a snapshot of the diffuser. Known is false until the first
// status frame has been applied.
type State struct {
	Known           bool
	Power           bool
	Intensity       protocol.Intensity
	Color           protocol.Color
	ScheduleEnabled bool
	Mode            protocol.Mode
}

func (s State) String() string {
	if !s.Known {
		return "unknown"
	}
	return fmt.Sprintf("power=%t intensity=%s color=%s schedule=%t mode=%s",
		s.Power, s.Intensity, s.Color, s.ScheduleEnabled, s.Mode)
}

// Field is a bit set of state fields.
type Field uint8

const (
	FieldPower Field = 1 << iota
	FieldIntensity
	FieldColor
	FieldSchedule
	FieldMode
)

// AllFields is every tracked field.
const AllFields = FieldPower | FieldIntensity | FieldColor | FieldSchedule | FieldMode

func (f Field) String() string {
	var names []string
	for _, n := range []struct {
		f    Field
		name string
	}{
		{FieldPower, "power"},
		{FieldIntensity, "intensity"},
		{FieldColor, "color"},
		{FieldSchedule, "schedule"},
		{FieldMode, "mode"},
	} {
		if f&n.f != 0 {
			names = append(names, n.name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ",")
}

// Delta describes a state change.
type Delta struct {
	Fields Field
	Before State
	After  State
}

// Has reports whether f changed.
func (d Delta) Has(f Field) bool { return d.Fields&f != 0 }

// Model owns the mutable state. It is not safe for concurrent use; the
// session's event loop is its only writer.
type Model struct {
	state State
}

// NewModel returns a model in the unknown state.
func NewModel() *Model {
	return &Model{}
}

// State returns a copy of the current state.
func (m *Model) State() State { return m.state }

// Reset returns the model to the unknown state.
func (m *Model) Reset() { m.state = State{} }

// Restore replaces the state wholesale, reporting what changed.
func (m *Model) Restore(s State) (Delta, bool) {
	return m.commit(s)
}

// Apply folds a decoded response into the state. Only status frames carry
// state; acks never produce a delta. Status bytes outside the known domains
// leave the corresponding field untouched.
func (m *Model) Apply(frame protocol.ResponseFrame) (Delta, bool) {
	if frame.Kind != protocol.FrameStatus {
		return Delta{}, false
	}
	st := frame.Status
	next := m.state
	next.Known = true
	next.Power = st.Power
	next.ScheduleEnabled = st.ScheduleEnabled
	if st.Intensity.Valid() {
		next.Intensity = st.Intensity
	}
	if st.Color.Valid() {
		next.Color = st.Color
	}
	if st.Mode.Valid() {
		next.Mode = st.Mode
	}
	return m.commit(next)
}

// ApplyOptimistic reflects a command the device has been sent but has not
// yet reported back. The next status frame overrides whatever it sets.
func (m *Model) ApplyOptimistic(cmd protocol.Command) (Delta, bool) {
	next := m.state
	switch cmd.Kind {
	case protocol.KindPower:
		next.Power = cmd.On
	case protocol.KindIntensity:
		if !cmd.Intensity.Valid() {
			return Delta{}, false
		}
		next.Intensity = cmd.Intensity
	case protocol.KindColor:
		if !cmd.Color.Valid() {
			return Delta{}, false
		}
		next.Color = cmd.Color
	case protocol.KindSchedule:
		next.ScheduleEnabled = cmd.On
	case protocol.KindModeSwitch:
		if !cmd.Mode.Valid() {
			return Delta{}, false
		}
		next.Mode = cmd.Mode
	default:
		return Delta{}, false
	}
	return m.commit(next)
}

func (m *Model) commit(next State) (Delta, bool) {
	prev := m.state
	fields := diff(prev, next)
	m.state = next
	if fields == 0 {
		return Delta{}, false
	}
	return Delta{Fields: fields, Before: prev, After: next}, true
}

// diff returns the changed fields. A transition from unknown to known
// reports every field.
func diff(a, b State) Field {
	if a.Known != b.Known {
		return AllFields
	}
	var f Field
	if a.Power != b.Power {
		f |= FieldPower
	}
	if a.Intensity != b.Intensity {
		f |= FieldIntensity
	}
	if a.Color != b.Color {
		f |= FieldColor
	}
	if a.ScheduleEnabled != b.ScheduleEnabled {
		f |= FieldSchedule
	}
	if a.Mode != b.Mode {
		f |= FieldMode
	}
	return f
}
