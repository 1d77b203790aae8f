package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeOpcodeTable(t *testing.T) {
	tests := []struct {
		name string
		cmd  Command
		want []byte
	}{
		{"power on", Power(true), []byte{0xFF, 0xFA, 0x10, 0x04}},
		{"power off", Power(false), []byte{0xFF, 0xFA, 0x11, 0x04}},
		{"schedule on", Schedule(true), []byte{0xFF, 0xFA, 0x14, 0x04}},
		{"schedule off", Schedule(false), []byte{0xFF, 0xFA, 0x13, 0x04}},
		{"sync", Sync(), []byte{0xFF, 0xFA, 0x15, 0x04}},
		{"helper a", ScheduleHelperA(), []byte{0xFF, 0xFA, 0x12, 0x04}},
		{"helper b", ScheduleHelperB(), []byte{0xFF, 0xFA, 0x46, 0x04}},
		{"color red", SetColor(ColorRed), []byte{0xFF, 0xFA, 0x16, 0x05, 0x03}},
		{"color orange", SetColor(ColorOrange), []byte{0xFF, 0xFA, 0x16, 0x05, 0x07}},
		{"mode home", ModeSwitch(ModeHome), []byte{0xFF, 0xFA, 0x43, 0x05, 0x00}},
		{"mode schedule", ModeSwitch(ModeSchedule), []byte{0xFF, 0xFA, 0x43, 0x05, 0x01}},
		{"status home", StatusQuery(ModeHome), []byte{0xFF, 0xFA, 0x40, 0x05, 0x00}},
		{"status schedule", StatusQuery(ModeSchedule), []byte{0xFF, 0xFA, 0x40, 0x05, 0x01}},
		{"intensity low", SetIntensity(IntensityLow), []byte{0xFF, 0xFA, 0x17, 0x08, 0x00, 0x0A, 0x00, 0xF0}},
		{"intensity medium", SetIntensity(IntensityMedium), []byte{0xFF, 0xFA, 0x17, 0x08, 0x00, 0x14, 0x00, 0x82}},
		{"intensity high", SetIntensity(IntensityHigh), []byte{0xFF, 0xFA, 0x17, 0x08, 0x00, 0x1E, 0x00, 0x3C}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := Encode(tt.cmd)
			if err != nil {
				t.Fatalf("Encode(%s) error = %v", tt.cmd, err)
			}
			if got := frame.Bytes(); !bytes.Equal(got, tt.want) {
				t.Errorf("Encode(%s) = % X, want % X", tt.cmd, got, tt.want)
			}
		})
	}
}

func TestEncodeSettingsSyncMatchesCapture(t *testing.T) {
	// Frame captured from the vendor app while enabling the schedule.
	want := []byte{0xFF, 0xFA, 0x20, 0x0E, 0x06, 0x00, 0x16, 0x00, 0x00, 0x1E, 0x00, 0x3C, 0x7F, 0x01}

	frame, err := Encode(SettingsSync(IntensityHigh, ColorOff, ModeSchedule))
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if got := frame.Bytes(); !bytes.Equal(got, want) {
		t.Errorf("SettingsSync =\n  got  % X\n  want % X", got, want)
	}
}

func TestEncodeIntensityChecksums(t *testing.T) {
	want := map[Intensity]byte{
		IntensityLow:    0xF0,
		IntensityMedium: 0x82,
		IntensityHigh:   0x3C,
	}
	for level, sum := range want {
		frame, err := Encode(SetIntensity(level))
		if err != nil {
			t.Fatalf("Encode(%s) error = %v", level, err)
		}
		raw := frame.Bytes()
		if raw[len(raw)-1] != sum {
			t.Errorf("Encode(%s) checksum = 0x%02X, want 0x%02X", level, raw[len(raw)-1], sum)
		}
	}
}

func TestEncodeRejectsUnsupportedValues(t *testing.T) {
	tests := []struct {
		name string
		cmd  Command
	}{
		{"intensity 15", SetIntensity(Intensity(15))},
		{"intensity zero", SetIntensity(0)},
		{"color 8", SetColor(Color(8))},
		{"mode 2", ModeSwitch(Mode(2))},
		{"status mode 9", StatusQuery(Mode(9))},
		{"settings bad intensity", SettingsSync(Intensity(40), ColorWhite, ModeSchedule)},
		{"zero kind", Command{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := Encode(tt.cmd)
			if !errors.Is(err, ErrUnsupportedValue) {
				t.Fatalf("Encode() error = %v, want ErrUnsupportedValue", err)
			}
			if len(frame.Bytes()) != 0 {
				t.Errorf("Encode() produced frame % X on error", frame.Bytes())
			}
		})
	}
}

func TestCommandFrameImmutable(t *testing.T) {
	payload := []byte{0x03}
	frame := NewCommandFrame(OpColor, payload...)
	payload[0] = 0x07

	if got := frame.Payload(); got[0] != 0x03 {
		t.Errorf("frame payload changed through caller slice: % X", got)
	}
	p := frame.Payload()
	p[0] = 0x05
	if got := frame.Bytes(); got[4] != 0x03 {
		t.Errorf("frame bytes changed through Payload() copy: % X", got)
	}
}

func TestAckRoundTripsExpectedEcho(t *testing.T) {
	cmds := []Command{
		Power(true), Power(false), SetIntensity(IntensityMedium), SetColor(ColorBlue),
		Schedule(true), Schedule(false), Sync(), ModeSwitch(ModeHome),
		SettingsSync(IntensityLow, ColorGreen, ModeSchedule),
		ScheduleHelperA(), ScheduleHelperB(),
	}
	for _, cmd := range cmds {
		frame, err := Encode(cmd)
		if err != nil {
			t.Fatalf("Encode(%s) error = %v", cmd, err)
		}
		resp, err := Decode(Ack(frame.ExpectedEcho()))
		if err != nil {
			t.Fatalf("Decode(ack for %s) error = %v", cmd, err)
		}
		if resp.Kind != FrameAck {
			t.Errorf("%s: Kind = %s, want ack", cmd, resp.Kind)
		}
		if resp.Echo != frame.Opcode() {
			t.Errorf("%s: Echo = 0x%02X, want 0x%02X", cmd, resp.Echo, frame.Opcode())
		}
	}
}

func TestParseNames(t *testing.T) {
	if got, err := ParseIntensity(" Medium "); err != nil || got != IntensityMedium {
		t.Errorf("ParseIntensity(Medium) = %v, %v", got, err)
	}
	if _, err := ParseIntensity("turbo"); !errors.Is(err, ErrUnsupportedValue) {
		t.Errorf("ParseIntensity(turbo) error = %v, want ErrUnsupportedValue", err)
	}
	for i := ColorOff; i <= ColorOrange; i++ {
		got, err := ParseColor(i.String())
		if err != nil || got != i {
			t.Errorf("ParseColor(%q) = %v, %v", i.String(), got, err)
		}
	}
	if _, err := ParseColor("pink"); !errors.Is(err, ErrUnsupportedValue) {
		t.Errorf("ParseColor(pink) error = %v, want ErrUnsupportedValue", err)
	}
}
