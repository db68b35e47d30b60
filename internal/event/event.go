// Package event defines the stable event vocabulary flowing through the
// rkBPF ring buffers: each record is a 24-byte common header followed by
// a type-specific payload, packed little-endian. The consumer recognises
// the discriminators below and preserves anything else as an opaque raw
// event, so newer kernels can ship new types past older bridges.
package event

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"
)

// Type discriminators. Stable ABI; never renumber.
const (
	TypeImu        uint32 = 1
	TypeMotor      uint32 = 2
	TypeSafety     uint32 = 3
	TypeGpio       uint32 = 4
	TypeTimeSeries uint32 = 5
	TypeTrace      uint32 = 100
)

// HeaderSize is the length of the common header.
const HeaderSize = 24

// Parse errors.
var (
	ErrShort      = errors.New("event: data shorter than header")
	ErrTruncated  = errors.New("event: payload truncated for its type")
	ErrBadMessage = errors.New("event: trace message is not valid UTF-8")
)

// Header is the 24-byte common prefix of every event.
type Header struct {
	// TimestampNs is the kernel event clock (bpf_ktime_get_ns).
	TimestampNs uint64
	// Type is the event discriminator.
	Type uint32
	// CPU is the CPU that produced the event.
	CPU uint32
	// PID is the process id, when applicable.
	PID uint32
	// Reserved pads the header to 24 bytes.
	Reserved uint32
}

func (h Header) encode(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:], h.TimestampNs)
	binary.LittleEndian.PutUint32(buf[8:], h.Type)
	binary.LittleEndian.PutUint32(buf[12:], h.CPU)
	binary.LittleEndian.PutUint32(buf[16:], h.PID)
	binary.LittleEndian.PutUint32(buf[20:], h.Reserved)
}

func decodeHeader(data []byte) Header {
	return Header{
		TimestampNs: binary.LittleEndian.Uint64(data[0:]),
		Type:        binary.LittleEndian.Uint32(data[8:]),
		CPU:         binary.LittleEndian.Uint32(data[12:]),
		PID:         binary.LittleEndian.Uint32(data[16:]),
		Reserved:    binary.LittleEndian.Uint32(data[20:]),
	}
}

// Event is any parsed event.
type Event interface {
	// EventHeader returns the common header.
	EventHeader() Header
	// Encode serialises the event into its record form.
	Encode() []byte
}

// Imu is an inertial sample from the IIO subsystem.
type Imu struct {
	Header
	AccelX, AccelY, AccelZ int32
	GyroX, GyroY, GyroZ    int32
	Temperature            int32
	SensorID               uint32
}

// EventHeader implements Event.
func (e Imu) EventHeader() Header { return e.Header }

// Encode implements Event.
func (e Imu) Encode() []byte {
	e.Type = TypeImu
	buf := make([]byte, HeaderSize+32)
	e.Header.encode(buf)
	binary.LittleEndian.PutUint32(buf[24:], uint32(e.AccelX))
	binary.LittleEndian.PutUint32(buf[28:], uint32(e.AccelY))
	binary.LittleEndian.PutUint32(buf[32:], uint32(e.AccelZ))
	binary.LittleEndian.PutUint32(buf[36:], uint32(e.GyroX))
	binary.LittleEndian.PutUint32(buf[40:], uint32(e.GyroY))
	binary.LittleEndian.PutUint32(buf[44:], uint32(e.GyroZ))
	binary.LittleEndian.PutUint32(buf[48:], uint32(e.Temperature))
	binary.LittleEndian.PutUint32(buf[52:], e.SensorID)
	return buf
}

// Motor is a PWM state-change event.
type Motor struct {
	Header
	Channel  uint32
	Duty     uint32
	PeriodNs uint32
	Polarity uint32
	Enabled  uint32
}

// EventHeader implements Event.
func (e Motor) EventHeader() Header { return e.Header }

// Encode implements Event.
func (e Motor) Encode() []byte {
	e.Type = TypeMotor
	buf := make([]byte, HeaderSize+20)
	e.Header.encode(buf)
	binary.LittleEndian.PutUint32(buf[24:], e.Channel)
	binary.LittleEndian.PutUint32(buf[28:], e.Duty)
	binary.LittleEndian.PutUint32(buf[32:], e.PeriodNs)
	binary.LittleEndian.PutUint32(buf[36:], e.Polarity)
	binary.LittleEndian.PutUint32(buf[40:], e.Enabled)
	return buf
}

// SafetyType classifies a safety event.
type SafetyType uint32

const (
	SafetyLimit     SafetyType = 0
	SafetyEstop     SafetyType = 1
	SafetyThreshold SafetyType = 2
	SafetyTimeout   SafetyType = 3
	SafetyMotorFault SafetyType = 4
	SafetyUnknown   SafetyType = 255
)

// SafetyTypeFrom maps a raw value into the enumeration, folding
// unrecognised values to SafetyUnknown.
func SafetyTypeFrom(v uint32) SafetyType {
	switch SafetyType(v) {
	case SafetyLimit, SafetyEstop, SafetyThreshold, SafetyTimeout, SafetyMotorFault:
		return SafetyType(v)
	}
	return SafetyUnknown
}

func (t SafetyType) String() string {
	switch t {
	case SafetyLimit:
		return "limit"
	case SafetyEstop:
		return "estop"
	case SafetyThreshold:
		return "threshold"
	case SafetyTimeout:
		return "timeout"
	case SafetyMotorFault:
		return "motor-fault"
	}
	return fmt.Sprintf("safety(%d)", uint32(t))
}

// SafetyAction is the response taken for a safety event.
type SafetyAction uint32

const (
	ActionNone       SafetyAction = 0
	ActionMotorStop  SafetyAction = 1
	ActionSystemHalt SafetyAction = 2
	ActionAlert      SafetyAction = 3
	ActionUnknown    SafetyAction = 255
)

// SafetyActionFrom maps a raw value into the enumeration.
func SafetyActionFrom(v uint32) SafetyAction {
	switch SafetyAction(v) {
	case ActionNone, ActionMotorStop, ActionSystemHalt, ActionAlert:
		return SafetyAction(v)
	}
	return ActionUnknown
}

func (a SafetyAction) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionMotorStop:
		return "motor-stop"
	case ActionSystemHalt:
		return "system-halt"
	case ActionAlert:
		return "alert"
	}
	return fmt.Sprintf("action(%d)", uint32(a))
}

// Safety is a safety interlock event.
type Safety struct {
	Header
	SafetyType SafetyType
	SourceID   uint32
	Value      int32
	Action     SafetyAction
}

// EventHeader implements Event.
func (e Safety) EventHeader() Header { return e.Header }

// Encode implements Event.
func (e Safety) Encode() []byte {
	e.Type = TypeSafety
	buf := make([]byte, HeaderSize+16)
	e.Header.encode(buf)
	binary.LittleEndian.PutUint32(buf[24:], uint32(e.SafetyType))
	binary.LittleEndian.PutUint32(buf[28:], e.SourceID)
	binary.LittleEndian.PutUint32(buf[32:], uint32(e.Value))
	binary.LittleEndian.PutUint32(buf[36:], uint32(e.Action))
	return buf
}

// Gpio is a GPIO edge event.
type Gpio struct {
	Header
	Chip  uint32
	Line  uint32
	Edge  uint32
	Value uint32
}

// EventHeader implements Event.
func (e Gpio) EventHeader() Header { return e.Header }

// Encode implements Event.
func (e Gpio) Encode() []byte {
	e.Type = TypeGpio
	buf := make([]byte, HeaderSize+16)
	e.Header.encode(buf)
	binary.LittleEndian.PutUint32(buf[24:], e.Chip)
	binary.LittleEndian.PutUint32(buf[28:], e.Line)
	binary.LittleEndian.PutUint32(buf[32:], e.Edge)
	binary.LittleEndian.PutUint32(buf[36:], e.Value)
	return buf
}

// TimeSeries is a single telemetry sample.
type TimeSeries struct {
	Header
	SeriesID uint32
	Value    int64
	Tag      uint32
}

// EventHeader implements Event.
func (e TimeSeries) EventHeader() Header { return e.Header }

// Encode implements Event.
func (e TimeSeries) Encode() []byte {
	e.Type = TypeTimeSeries
	buf := make([]byte, HeaderSize+16)
	e.Header.encode(buf)
	binary.LittleEndian.PutUint32(buf[24:], e.SeriesID)
	binary.LittleEndian.PutUint64(buf[28:], uint64(e.Value))
	binary.LittleEndian.PutUint32(buf[36:], e.Tag)
	return buf
}

// Trace is a variable-length debug message.
type Trace struct {
	Header
	Message string
}

// EventHeader implements Event.
func (e Trace) EventHeader() Header { return e.Header }

// Encode implements Event.
func (e Trace) Encode() []byte {
	e.Type = TypeTrace
	buf := make([]byte, HeaderSize+len(e.Message))
	e.Header.encode(buf)
	copy(buf[HeaderSize:], e.Message)
	return buf
}

// Raw preserves an event with an unknown discriminator so that newer
// event types survive an older consumer unharmed.
type Raw struct {
	Header
	Data []byte
}

// EventHeader implements Event.
func (e Raw) EventHeader() Header { return e.Header }

// Encode implements Event.
func (e Raw) Encode() []byte {
	out := make([]byte, len(e.Data))
	copy(out, e.Data)
	return out
}

// payload sizes per discriminator.
const (
	imuPayload        = 32
	motorPayload      = 20
	safetyPayload     = 16
	gpioPayload       = 16
	timeSeriesPayload = 16
)

// Parse decodes one record into its typed event. Records with unknown
// discriminators come back as Raw; records too short for their declared
// type are an error.
func Parse(data []byte) (Event, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrShort, len(data))
	}
	h := decodeHeader(data)
	p := data[HeaderSize:]

	need := func(n int) error {
		if len(p) < n {
			return fmt.Errorf("%w: type %d needs %d payload bytes, have %d", ErrTruncated, h.Type, n, len(p))
		}
		return nil
	}

	switch h.Type {
	case TypeImu:
		if err := need(imuPayload); err != nil {
			return nil, err
		}
		return Imu{
			Header:      h,
			AccelX:      int32(binary.LittleEndian.Uint32(p[0:])),
			AccelY:      int32(binary.LittleEndian.Uint32(p[4:])),
			AccelZ:      int32(binary.LittleEndian.Uint32(p[8:])),
			GyroX:       int32(binary.LittleEndian.Uint32(p[12:])),
			GyroY:       int32(binary.LittleEndian.Uint32(p[16:])),
			GyroZ:       int32(binary.LittleEndian.Uint32(p[20:])),
			Temperature: int32(binary.LittleEndian.Uint32(p[24:])),
			SensorID:    binary.LittleEndian.Uint32(p[28:]),
		}, nil
	case TypeMotor:
		if err := need(motorPayload); err != nil {
			return nil, err
		}
		return Motor{
			Header:   h,
			Channel:  binary.LittleEndian.Uint32(p[0:]),
			Duty:     binary.LittleEndian.Uint32(p[4:]),
			PeriodNs: binary.LittleEndian.Uint32(p[8:]),
			Polarity: binary.LittleEndian.Uint32(p[12:]),
			Enabled:  binary.LittleEndian.Uint32(p[16:]),
		}, nil
	case TypeSafety:
		if err := need(safetyPayload); err != nil {
			return nil, err
		}
		return Safety{
			Header:     h,
			SafetyType: SafetyTypeFrom(binary.LittleEndian.Uint32(p[0:])),
			SourceID:   binary.LittleEndian.Uint32(p[4:]),
			Value:      int32(binary.LittleEndian.Uint32(p[8:])),
			Action:     SafetyActionFrom(binary.LittleEndian.Uint32(p[12:])),
		}, nil
	case TypeGpio:
		if err := need(gpioPayload); err != nil {
			return nil, err
		}
		return Gpio{
			Header: h,
			Chip:   binary.LittleEndian.Uint32(p[0:]),
			Line:   binary.LittleEndian.Uint32(p[4:]),
			Edge:   binary.LittleEndian.Uint32(p[8:]),
			Value:  binary.LittleEndian.Uint32(p[12:]),
		}, nil
	case TypeTimeSeries:
		if err := need(timeSeriesPayload); err != nil {
			return nil, err
		}
		return TimeSeries{
			Header:   h,
			SeriesID: binary.LittleEndian.Uint32(p[0:]),
			Value:    int64(binary.LittleEndian.Uint64(p[4:])),
			Tag:      binary.LittleEndian.Uint32(p[12:]),
		}, nil
	case TypeTrace:
		if !utf8.Valid(p) {
			return nil, ErrBadMessage
		}
		return Trace{Header: h, Message: string(p)}, nil
	default:
		raw := make([]byte, len(data))
		copy(raw, data)
		return Raw{Header: h, Data: raw}, nil
	}
}
