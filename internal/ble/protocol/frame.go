// Package protocol implements the SereneScent diffuser wire format: command
// frames written to the TX characteristic and response frames received as
// notifications on the RX characteristic.
package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedFrame is returned by Decode for notifications that fail
	// structural validation.
	ErrMalformedFrame = errors.New("protocol: malformed frame")
	// ErrUnsupportedValue is returned by Encode when a command carries a
	// value outside the device's known domain.
	ErrUnsupportedValue = errors.New("protocol: unsupported value")
)

// Frame preambles.
var (
	CommandPreamble  = [2]byte{0xFF, 0xFA}
	ResponsePreamble = [2]byte{0xFF, 0xFB}
)

// Opcodes.
const (
	OpPowerOn         byte = 0x10
	OpPowerOff        byte = 0x11
	OpScheduleHelperA byte = 0x12 // undocumented, sent during schedule enable
	OpScheduleOff     byte = 0x13
	OpScheduleOn      byte = 0x14
	OpSync            byte = 0x15
	OpColor           byte = 0x16
	OpIntensity       byte = 0x17
	OpSettingsSync    byte = 0x20
	OpStatusQuery     byte = 0x40
	OpModeSwitch      byte = 0x43
	OpScheduleHelperB byte = 0x46 // undocumented, sent during schedule enable
)

// commandHeaderLen covers preamble, opcode and the length tag.
const commandHeaderLen = 4

// CommandFrame is an encoded outbound command. It is immutable once built.
type CommandFrame struct {
	opcode  byte
	tag     byte
	payload []byte
}

// NewCommandFrame builds a frame for opcode. The tag byte is the total
// frame length, which is what the device expects for every known command.
func NewCommandFrame(opcode byte, payload ...byte) CommandFrame {
	p := make([]byte, len(payload))
	copy(p, payload)
	return CommandFrame{
		opcode:  opcode,
		tag:     byte(commandHeaderLen + len(payload)),
		payload: p,
	}
}

// Opcode returns the command opcode.
func (f CommandFrame) Opcode() byte { return f.opcode }

// Tag returns the length/tag byte following the opcode.
func (f CommandFrame) Tag() byte { return f.tag }

// Payload returns a copy of the parameter bytes.
func (f CommandFrame) Payload() []byte {
	p := make([]byte, len(f.payload))
	copy(p, f.payload)
	return p
}

// ExpectedEcho is the opcode the device echoes when acknowledging this frame.
func (f CommandFrame) ExpectedEcho() byte { return f.opcode }

// Bytes serializes the frame: FF FA <opcode> <tag> <payload...>. The zero
// frame serializes to nil.
func (f CommandFrame) Bytes() []byte {
	if f.tag == 0 {
		return nil
	}
	buf := make([]byte, 0, commandHeaderLen+len(f.payload))
	buf = append(buf, CommandPreamble[0], CommandPreamble[1], f.opcode, f.tag)
	return append(buf, f.payload...)
}

func (f CommandFrame) String() string {
	return fmt.Sprintf("% X", f.Bytes())
}

// Kind identifies a logical command.
type Kind uint8

const (
	KindPower Kind = iota + 1
	KindIntensity
	KindColor
	KindSchedule
	KindSync
	KindSettingsSync
	KindModeSwitch
	KindStatusQuery
	KindScheduleHelperA
	KindScheduleHelperB
)

func (k Kind) String() string {
	switch k {
	case KindPower:
		return "power"
	case KindIntensity:
		return "intensity"
	case KindColor:
		return "color"
	case KindSchedule:
		return "schedule"
	case KindSync:
		return "sync"
	case KindSettingsSync:
		return "settings-sync"
	case KindModeSwitch:
		return "mode-switch"
	case KindStatusQuery:
		return "status-query"
	case KindScheduleHelperA:
		return "schedule-helper-a"
	case KindScheduleHelperB:
		return "schedule-helper-b"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Command is a logical device command. Only the fields relevant to Kind are
// read by Encode.
type Command struct {
	Kind      Kind
	On        bool // KindPower, KindSchedule
	Intensity Intensity
	Color     Color
	Mode      Mode // KindModeSwitch, KindStatusQuery, KindSettingsSync
}

// Constructors for each logical command.
func Power(on bool) Command                { return Command{Kind: KindPower, On: on} }
func SetIntensity(level Intensity) Command { return Command{Kind: KindIntensity, Intensity: level} }
func SetColor(c Color) Command             { return Command{Kind: KindColor, Color: c} }
func Schedule(on bool) Command             { return Command{Kind: KindSchedule, On: on} }
func Sync() Command                        { return Command{Kind: KindSync} }
func ModeSwitch(m Mode) Command            { return Command{Kind: KindModeSwitch, Mode: m} }
func StatusQuery(m Mode) Command           { return Command{Kind: KindStatusQuery, Mode: m} }
func ScheduleHelperA() Command             { return Command{Kind: KindScheduleHelperA} }
func ScheduleHelperB() Command             { return Command{Kind: KindScheduleHelperB} }

// SettingsSync carries the current intensity and color plus the target mode.
func SettingsSync(level Intensity, c Color, m Mode) Command {
	return Command{Kind: KindSettingsSync, Intensity: level, Color: c, Mode: m}
}

func (c Command) String() string {
	switch c.Kind {
	case KindPower, KindSchedule:
		return fmt.Sprintf("%s(%t)", c.Kind, c.On)
	case KindIntensity:
		return fmt.Sprintf("%s(%s)", c.Kind, c.Intensity)
	case KindColor:
		return fmt.Sprintf("%s(%s)", c.Kind, c.Color)
	case KindModeSwitch, KindStatusQuery:
		return fmt.Sprintf("%s(%s)", c.Kind, c.Mode)
	default:
		return c.Kind.String()
	}
}

// Encode maps a logical command to its frame. Values outside the known
// domains fail with ErrUnsupportedValue and produce no frame.
func Encode(cmd Command) (CommandFrame, error) {
	switch cmd.Kind {
	case KindPower:
		if cmd.On {
			return NewCommandFrame(OpPowerOn), nil
		}
		return NewCommandFrame(OpPowerOff), nil

	case KindIntensity:
		sum, err := cmd.Intensity.Checksum()
		if err != nil {
			return CommandFrame{}, err
		}
		return NewCommandFrame(OpIntensity, 0x00, byte(cmd.Intensity), 0x00, sum), nil

	case KindColor:
		if !cmd.Color.Valid() {
			return CommandFrame{}, fmt.Errorf("%w: color %d", ErrUnsupportedValue, uint8(cmd.Color))
		}
		return NewCommandFrame(OpColor, byte(cmd.Color)), nil

	case KindSchedule:
		if cmd.On {
			return NewCommandFrame(OpScheduleOn), nil
		}
		return NewCommandFrame(OpScheduleOff), nil

	case KindSync:
		return NewCommandFrame(OpSync), nil

	case KindSettingsSync:
		sum, err := cmd.Intensity.Checksum()
		if err != nil {
			return CommandFrame{}, err
		}
		if !cmd.Color.Valid() {
			return CommandFrame{}, fmt.Errorf("%w: color %d", ErrUnsupportedValue, uint8(cmd.Color))
		}
		if !cmd.Mode.Valid() {
			return CommandFrame{}, fmt.Errorf("%w: mode %d", ErrUnsupportedValue, uint8(cmd.Mode))
		}
		return NewCommandFrame(OpSettingsSync,
			0x06, 0x00, OpColor, 0x00, byte(cmd.Color),
			byte(cmd.Intensity), 0x00, sum,
			0x7F, byte(cmd.Mode),
		), nil

	case KindModeSwitch, KindStatusQuery:
		if !cmd.Mode.Valid() {
			return CommandFrame{}, fmt.Errorf("%w: mode %d", ErrUnsupportedValue, uint8(cmd.Mode))
		}
		op := OpModeSwitch
		if cmd.Kind == KindStatusQuery {
			op = OpStatusQuery
		}
		return NewCommandFrame(op, byte(cmd.Mode)), nil

	case KindScheduleHelperA:
		return NewCommandFrame(OpScheduleHelperA), nil

	case KindScheduleHelperB:
		return NewCommandFrame(OpScheduleHelperB), nil
	}
	return CommandFrame{}, fmt.Errorf("%w: command kind %d", ErrUnsupportedValue, uint8(cmd.Kind))
}
