package attach

import (
	"encoding/binary"
	"strconv"
	"strings"
)

// Channel is the closed enumeration of IIO sensor channels the runtime
// understands, plus the open voltage(n) family and a generic escape for
// everything else.
type Channel struct {
	kind ChannelKind
	// voltage holds n for the voltage(n) family.
	voltage uint8
	// generic holds the raw name for unrecognised channels.
	generic string
}

// ChannelKind discriminates Channel.
type ChannelKind int

const (
	ChannelAccelX ChannelKind = iota
	ChannelAccelY
	ChannelAccelZ
	ChannelAnglVelX
	ChannelAnglVelY
	ChannelAnglVelZ
	ChannelMagnX
	ChannelMagnY
	ChannelMagnZ
	ChannelTemp
	ChannelProximity
	ChannelVoltage
	ChannelGeneric
)

// ParseChannel classifies an IIO channel name. Accelerometer, gyroscope,
// and magnetometer axes, temperature, and proximity form a closed set;
// any "in_voltage<N>" or "voltage<N>" name parses into the open
// voltage(n) family; everything else is carried through as generic.
func ParseChannel(s string) Channel {
	switch s {
	case "in_accel_x", "accel_x":
		return Channel{kind: ChannelAccelX}
	case "in_accel_y", "accel_y":
		return Channel{kind: ChannelAccelY}
	case "in_accel_z", "accel_z":
		return Channel{kind: ChannelAccelZ}
	case "in_anglvel_x", "anglvel_x":
		return Channel{kind: ChannelAnglVelX}
	case "in_anglvel_y", "anglvel_y":
		return Channel{kind: ChannelAnglVelY}
	case "in_anglvel_z", "anglvel_z":
		return Channel{kind: ChannelAnglVelZ}
	case "in_magn_x", "magn_x":
		return Channel{kind: ChannelMagnX}
	case "in_magn_y", "magn_y":
		return Channel{kind: ChannelMagnY}
	case "in_magn_z", "magn_z":
		return Channel{kind: ChannelMagnZ}
	case "in_temp", "temp":
		return Channel{kind: ChannelTemp}
	case "in_proximity", "proximity":
		return Channel{kind: ChannelProximity}
	}
	if strings.HasPrefix(s, "in_voltage") || strings.HasPrefix(s, "voltage") {
		suffix := strings.TrimPrefix(strings.TrimPrefix(s, "in_voltage"), "voltage")
		n, err := strconv.ParseUint(suffix, 10, 8)
		if err != nil {
			n = 0
		}
		return Channel{kind: ChannelVoltage, voltage: uint8(n)}
	}
	return Channel{kind: ChannelGeneric, generic: s}
}

// Kind returns the channel discriminator.
func (c Channel) Kind() ChannelKind { return c.kind }

// VoltageIndex returns n for voltage(n) channels.
func (c Channel) VoltageIndex() uint8 { return c.voltage }

func (c Channel) String() string {
	switch c.kind {
	case ChannelAccelX:
		return "accel_x"
	case ChannelAccelY:
		return "accel_y"
	case ChannelAccelZ:
		return "accel_z"
	case ChannelAnglVelX:
		return "anglvel_x"
	case ChannelAnglVelY:
		return "anglvel_y"
	case ChannelAnglVelZ:
		return "anglvel_z"
	case ChannelMagnX:
		return "magn_x"
	case ChannelMagnY:
		return "magn_y"
	case ChannelMagnZ:
		return "magn_z"
	case ChannelTemp:
		return "temp"
	case ChannelProximity:
		return "proximity"
	case ChannelVoltage:
		return "voltage" + strconv.Itoa(int(c.voltage))
	default:
		return c.generic
	}
}

// IioEvent is the payload delivered to programs attached to a sensor
// channel. Scale is in micro-units: scaled = (raw + offset) * scale / 1e6.
type IioEvent struct {
	TimestampNs uint64
	DeviceID    uint32
	Channel     uint32
	Value       int32
	Scale       uint32
	Offset      int32
}

// ScaledValue applies offset and scale to the raw reading.
func (e IioEvent) ScaledValue() float64 {
	return (float64(e.Value) + float64(e.Offset)) * float64(e.Scale) / 1e6
}

// Encode lays the event out as the byte context handed to programs.
func (e IioEvent) Encode() []byte {
	buf := make([]byte, 28)
	binary.LittleEndian.PutUint64(buf[0:], e.TimestampNs)
	binary.LittleEndian.PutUint32(buf[8:], e.DeviceID)
	binary.LittleEndian.PutUint32(buf[12:], e.Channel)
	binary.LittleEndian.PutUint32(buf[16:], uint32(e.Value))
	binary.LittleEndian.PutUint32(buf[20:], e.Scale)
	binary.LittleEndian.PutUint32(buf[24:], uint32(e.Offset))
	return buf
}

// Iio attaches programs to one IIO device channel.
type Iio struct {
	bindings
	device  string
	channel string
	parsed  Channel
}

// NewIio creates an IIO attach point. Device and channel names must be
// non-empty; the channel name is parsed into the channel enumeration.
func NewIio(device, channel string) (*Iio, error) {
	if device == "" || channel == "" {
		return nil, &InvalidTargetError{Target: device + ":" + channel}
	}
	return &Iio{
		bindings: newBindings(),
		device:   device,
		channel:  channel,
		parsed:   ParseChannel(channel),
	}, nil
}

// Kind returns KindIio.
func (i *Iio) Kind() Kind { return KindIio }

// Target returns "device:channel".
func (i *Iio) Target() string { return i.device + ":" + i.channel }

// Device returns the IIO device name.
func (i *Iio) Device() string { return i.device }

// ChannelName returns the raw channel name.
func (i *Iio) ChannelName() string { return i.channel }

// Channel returns the parsed channel.
func (i *Iio) Channel() Channel { return i.parsed }
