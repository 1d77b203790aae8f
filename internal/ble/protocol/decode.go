package protocol

import (
	"bytes"
	"fmt"
)

// StatusFrameLen is the length of a full status response.
const StatusFrameLen = 16

// Status response field offsets.
const (
	offsetIntensity = 8
	offsetColor     = 12
	offsetSchedule  = 13
	offsetPower     = 14
	offsetMode      = 15
)

// FrameKind classifies a response frame.
type FrameKind uint8

const (
	FrameAck FrameKind = iota + 1
	FrameStatus
)

func (k FrameKind) String() string {
	switch k {
	case FrameAck:
		return "ack"
	case FrameStatus:
		return "status"
	default:
		return fmt.Sprintf("frame(%d)", uint8(k))
	}
}

// Status is the decoded state carried by a status frame. Intensity, Color
// and Mode hold the raw device bytes; callers check Valid before trusting them.
type Status struct {
	Intensity       Intensity
	Color           Color
	ScheduleEnabled bool
	Power           bool
	Mode            Mode
}

// ResponseFrame is a decoded notification.
type ResponseFrame struct {
	Kind    FrameKind
	Echo    byte   // opcode of the command being answered
	Payload []byte // bytes after the echo
	Status  Status // populated for FrameStatus only
}

// Decode parses a notification. Anything with a valid preamble that is not a
// status frame decodes as a generic ack carrying its raw payload.
func Decode(raw []byte) (ResponseFrame, error) {
	if len(raw) < 3 {
		return ResponseFrame{}, fmt.Errorf("%w: %d bytes", ErrMalformedFrame, len(raw))
	}
	if !bytes.Equal(raw[:2], ResponsePreamble[:]) {
		return ResponseFrame{}, fmt.Errorf("%w: preamble % X", ErrMalformedFrame, raw[:2])
	}

	frame := ResponseFrame{
		Kind:    FrameAck,
		Echo:    raw[2],
		Payload: append([]byte(nil), raw[3:]...),
	}
	if frame.Echo == OpStatusQuery && len(raw) >= StatusFrameLen {
		frame.Kind = FrameStatus
		frame.Status = Status{
			Intensity:       Intensity(raw[offsetIntensity]),
			Color:           Color(raw[offsetColor]),
			ScheduleEnabled: raw[offsetSchedule] == 1,
			Power:           raw[offsetPower] == 1,
			Mode:            Mode(raw[offsetMode]),
		}
	}
	return frame, nil
}

// IsFiller reports whether a notification is the all-0x00 or all-0xFF
// padding the device emits between responses.
func IsFiller(raw []byte) bool {
	if len(raw) == 0 {
		return true
	}
	first := raw[0]
	if first != 0x00 && first != 0xFF {
		return false
	}
	for _, b := range raw[1:] {
		if b != first {
			return false
		}
	}
	return true
}

// Ack builds the acknowledgement a device sends for opcode.
func Ack(opcode byte) []byte {
	return []byte{ResponsePreamble[0], ResponsePreamble[1], opcode}
}

// StatusBytes builds a 16-byte status response for s. Bytes the driver does
// not interpret are left zero.
func StatusBytes(s Status) []byte {
	buf := make([]byte, StatusFrameLen)
	buf[0], buf[1], buf[2] = ResponsePreamble[0], ResponsePreamble[1], OpStatusQuery
	buf[offsetIntensity] = byte(s.Intensity)
	buf[offsetColor] = byte(s.Color)
	if s.ScheduleEnabled {
		buf[offsetSchedule] = 1
	}
	if s.Power {
		buf[offsetPower] = 1
	}
	buf[offsetMode] = byte(s.Mode)
	return buf
}
