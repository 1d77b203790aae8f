package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func TestDecodeStatusFrame(t *testing.T) {
	raw := []byte{
		0xFF, 0xFB, 0x40, 0x0D, 0x00, 0x00, 0x00, 0x00,
		0x14, // intensity: medium
		0x00, 0x00, 0x00,
		0x04, // color: blue
		0x01, // schedule on
		0x01, // power on
		0x00, // home
	}
	resp, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if resp.Kind != FrameStatus {
		t.Fatalf("Kind = %s, want status", resp.Kind)
	}
	want := Status{
		Intensity:       IntensityMedium,
		Color:           ColorBlue,
		ScheduleEnabled: true,
		Power:           true,
		Mode:            ModeHome,
	}
	if resp.Status != want {
		t.Errorf("Status = %+v, want %+v", resp.Status, want)
	}
}

func TestDecodeAck(t *testing.T) {
	resp, err := Decode([]byte{0xFF, 0xFB, 0x16})
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if resp.Kind != FrameAck || resp.Echo != OpColor {
		t.Errorf("Decode() = %+v, want color ack", resp)
	}
	if len(resp.Payload) != 0 {
		t.Errorf("Payload = % X, want empty", resp.Payload)
	}
}

func TestDecodeUnknownCombinationIsGenericAck(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
	}{
		{"four byte ack", []byte{0xFF, 0xFB, 0x43, 0x01}},
		{"unknown opcode", []byte{0xFF, 0xFB, 0x99, 0x01, 0x02, 0x03}},
		{"short status echo", []byte{0xFF, 0xFB, 0x40, 0x05, 0x00}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := Decode(tt.raw)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if resp.Kind != FrameAck {
				t.Errorf("Kind = %s, want ack", resp.Kind)
			}
			if resp.Echo != tt.raw[2] {
				t.Errorf("Echo = 0x%02X, want 0x%02X", resp.Echo, tt.raw[2])
			}
			if !bytes.Equal(resp.Payload, tt.raw[3:]) {
				t.Errorf("Payload = % X, want % X", resp.Payload, tt.raw[3:])
			}
		})
	}
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
	}{
		{"nil", nil},
		{"two bytes", []byte{0xFF, 0xFB}},
		{"command preamble", []byte{0xFF, 0xFA, 0x10, 0x04}},
		{"all ff", bytes.Repeat([]byte{0xFF}, 16)},
		{"all zero", make([]byte, 16)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode(tt.raw); !errors.Is(err, ErrMalformedFrame) {
				t.Errorf("Decode(% X) error = %v, want ErrMalformedFrame", tt.raw, err)
			}
		})
	}
}

func TestDecodePayloadIsCopied(t *testing.T) {
	raw := []byte{0xFF, 0xFB, 0x99, 0x01}
	resp, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	raw[3] = 0x02
	if resp.Payload[0] != 0x01 {
		t.Error("Payload aliases the notification buffer")
	}
}

func TestStatusBytesRoundTrip(t *testing.T) {
	s := Status{Intensity: IntensityHigh, Color: ColorRed, Power: true, Mode: ModeSchedule}
	resp, err := Decode(StatusBytes(s))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if resp.Kind != FrameStatus || resp.Status != s {
		t.Errorf("Decode(StatusBytes) = %+v, want %+v", resp.Status, s)
	}
}

func TestIsFiller(t *testing.T) {
	if !IsFiller(bytes.Repeat([]byte{0xFF}, 20)) {
		t.Error("all 0xFF should be filler")
	}
	if !IsFiller(make([]byte, 20)) {
		t.Error("all 0x00 should be filler")
	}
	if IsFiller([]byte{0xFF, 0xFB, 0x16}) {
		t.Error("ack should not be filler")
	}
}
