package attach

import (
	"encoding/binary"
	"fmt"
)

// Edge selects which GPIO transitions fire the attach point.
type Edge uint32

const (
	// EdgeRising triggers on low-to-high transitions.
	EdgeRising Edge = 1
	// EdgeFalling triggers on high-to-low transitions.
	EdgeFalling Edge = 2
	// EdgeBoth triggers on every transition.
	EdgeBoth Edge = 3
)

// EdgeFromFlags decodes the edge selector from the low bits of a flags
// field: 1 is rising, 2 is falling, anything else is both.
func EdgeFromFlags(flags uint32) Edge {
	switch flags & 0x3 {
	case 1:
		return EdgeRising
	case 2:
		return EdgeFalling
	default:
		return EdgeBoth
	}
}

func (e Edge) String() string {
	switch e {
	case EdgeRising:
		return "rising"
	case EdgeFalling:
		return "falling"
	case EdgeBoth:
		return "both"
	}
	return fmt.Sprintf("edge(%d)", uint32(e))
}

// GpioEvent is the payload delivered to programs attached to a GPIO
// line: limit switches, emergency-stop buttons, encoder channels.
type GpioEvent struct {
	// TimestampNs is the event time in nanoseconds.
	TimestampNs uint64
	// ChipID identifies the GPIO chip.
	ChipID uint32
	// Line is the line number within the chip.
	Line uint32
	// Edge is the transition that fired (1 rising, 2 falling).
	Edge uint32
	// Value is the line level after the event (0 or 1).
	Value uint32
}

// IsRising reports a low-to-high transition.
func (e GpioEvent) IsRising() bool { return e.Edge == uint32(EdgeRising) }

// IsFalling reports a high-to-low transition.
func (e GpioEvent) IsFalling() bool { return e.Edge == uint32(EdgeFalling) }

// Encode lays the event out as the byte context handed to programs.
func (e GpioEvent) Encode() []byte {
	buf := make([]byte, 24)
	binary.LittleEndian.PutUint64(buf[0:], e.TimestampNs)
	binary.LittleEndian.PutUint32(buf[8:], e.ChipID)
	binary.LittleEndian.PutUint32(buf[12:], e.Line)
	binary.LittleEndian.PutUint32(buf[16:], e.Edge)
	binary.LittleEndian.PutUint32(buf[20:], e.Value)
	return buf
}

// Gpio attaches programs to edge events on one GPIO line.
type Gpio struct {
	bindings
	chip string
	line uint32
	edge Edge
}

// NewGpio creates a GPIO attach point. The chip id must be non-empty; the
// edge comes pre-parsed (see EdgeFromFlags for the flags form).
func NewGpio(chip string, line uint32, edge Edge) (*Gpio, error) {
	if chip == "" {
		return nil, &InvalidTargetError{Target: chip}
	}
	return &Gpio{bindings: newBindings(), chip: chip, line: line, edge: edge}, nil
}

// Kind returns KindGpio.
func (g *Gpio) Kind() Kind { return KindGpio }

// Target returns "chip:line:edge".
func (g *Gpio) Target() string {
	return fmt.Sprintf("%s:%d:%s", g.chip, g.line, g.edge)
}

// Chip returns the GPIO chip id.
func (g *Gpio) Chip() string { return g.chip }

// Line returns the line number.
func (g *Gpio) Line() uint32 { return g.line }

// Edge returns the configured trigger edge.
func (g *Gpio) Edge() Edge { return g.edge }

// Matches reports whether an observed edge fires this attach point.
func (g *Gpio) Matches(observed Edge) bool {
	return g.edge == EdgeBoth || g.edge == observed
}
