package attach

import (
	"encoding/binary"
	"fmt"
)

// PwmEvent is the payload delivered to programs observing a PWM channel:
// the full state applied to the channel, with derived observables for
// duty cycle and frequency.
type PwmEvent struct {
	TimestampNs uint64
	ChipID      uint32
	Channel     uint32
	PeriodNs    uint32
	DutyNs      uint32
	// Polarity is 0 for normal, 1 for inverted.
	Polarity uint32
	// Enabled is 0 for disabled, 1 for enabled.
	Enabled uint32
}

// DutyPercent returns the duty cycle as a percentage, 0 when the period
// is 0.
func (e PwmEvent) DutyPercent() float32 {
	if e.PeriodNs == 0 {
		return 0
	}
	return float32(e.DutyNs) / float32(e.PeriodNs) * 100
}

// FrequencyHz returns the signal frequency, 0 when the period is 0.
func (e PwmEvent) FrequencyHz() float32 {
	if e.PeriodNs == 0 {
		return 0
	}
	return 1e9 / float32(e.PeriodNs)
}

// IsEnabled reports whether the channel is enabled.
func (e PwmEvent) IsEnabled() bool { return e.Enabled != 0 }

// IsInverted reports whether polarity is inverted.
func (e PwmEvent) IsInverted() bool { return e.Polarity != 0 }

// Encode lays the event out as the byte context handed to programs.
func (e PwmEvent) Encode() []byte {
	buf := make([]byte, 32)
	binary.LittleEndian.PutUint64(buf[0:], e.TimestampNs)
	binary.LittleEndian.PutUint32(buf[8:], e.ChipID)
	binary.LittleEndian.PutUint32(buf[12:], e.Channel)
	binary.LittleEndian.PutUint32(buf[16:], e.PeriodNs)
	binary.LittleEndian.PutUint32(buf[20:], e.DutyNs)
	binary.LittleEndian.PutUint32(buf[24:], e.Polarity)
	binary.LittleEndian.PutUint32(buf[28:], e.Enabled)
	return buf
}

// Pwm attaches programs to state changes on one PWM channel, for motor
// command tracing and control-loop profiling.
type Pwm struct {
	bindings
	chip    string
	channel uint32
}

// NewPwm creates a PWM observation attach point. The chip name must be
// non-empty.
func NewPwm(chip string, channel uint32) (*Pwm, error) {
	if chip == "" {
		return nil, &InvalidTargetError{Target: chip}
	}
	return &Pwm{bindings: newBindings(), chip: chip, channel: channel}, nil
}

// Kind returns KindPwm.
func (p *Pwm) Kind() Kind { return KindPwm }

// Target returns "chip:channel".
func (p *Pwm) Target() string { return fmt.Sprintf("%s:%d", p.chip, p.channel) }

// Chip returns the PWM chip name.
func (p *Pwm) Chip() string { return p.chip }

// Channel returns the PWM channel number.
func (p *Pwm) Channel() uint32 { return p.channel }
