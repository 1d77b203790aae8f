package protocol

import (
	"fmt"
	"strings"
)

// Intensity is the diffuser output level. The numeric value is the byte the
// device reports at status offset 8 and expects in an intensity command.
type Intensity uint8

const (
	IntensityLow    Intensity = 10
	IntensityMedium Intensity = 20
	IntensityHigh   Intensity = 30
)

// intensityChecksums holds the trailing byte observed for each supported
// level. The algorithm that produces them is unknown, so levels outside this
// table cannot be encoded.
var intensityChecksums = map[Intensity]byte{
	IntensityLow:    0xF0,
	IntensityMedium: 0x82,
	IntensityHigh:   0x3C,
}

// Valid reports whether the device accepts this level.
func (i Intensity) Valid() bool {
	_, ok := intensityChecksums[i]
	return ok
}

// Checksum returns the constant checksum byte for a supported level.
func (i Intensity) Checksum() (byte, error) {
	sum, ok := intensityChecksums[i]
	if !ok {
		return 0, fmt.Errorf("%w: intensity %d", ErrUnsupportedValue, uint8(i))
	}
	return sum, nil
}

func (i Intensity) String() string {
	switch i {
	case IntensityLow:
		return "low"
	case IntensityMedium:
		return "medium"
	case IntensityHigh:
		return "high"
	default:
		return fmt.Sprintf("intensity(%d)", uint8(i))
	}
}

// ParseIntensity maps "low", "medium" or "high" (any case) to a level.
func ParseIntensity(s string) (Intensity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return IntensityLow, nil
	case "medium":
		return IntensityMedium, nil
	case "high":
		return IntensityHigh, nil
	}
	return 0, fmt.Errorf("%w: intensity %q", ErrUnsupportedValue, s)
}

// Color is the LED color index reported at status offset 12.
type Color uint8

const (
	ColorOff Color = iota
	ColorRotating
	ColorWhite
	ColorRed
	ColorBlue
	ColorViolet
	ColorGreen
	ColorOrange
)

var colorNames = [...]string{"off", "rotating", "white", "red", "blue", "violet", "green", "orange"}

// Valid reports whether c is inside the device's color domain.
func (c Color) Valid() bool { return int(c) < len(colorNames) }

func (c Color) String() string {
	if !c.Valid() {
		return fmt.Sprintf("color(%d)", uint8(c))
	}
	return colorNames[c]
}

// ParseColor maps a color name (any case) to its index.
func ParseColor(s string) (Color, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for i, n := range colorNames {
		if n == name {
			return Color(i), nil
		}
	}
	return 0, fmt.Errorf("%w: color %q", ErrUnsupportedValue, s)
}

// Mode is the device operating mode reported at status offset 15.
type Mode uint8

const (
	ModeHome     Mode = 0
	ModeSchedule Mode = 1
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool { return m == ModeHome || m == ModeSchedule }

func (m Mode) String() string {
	switch m {
	case ModeHome:
		return "home"
	case ModeSchedule:
		return "schedule"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}
