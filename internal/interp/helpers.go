package interp

import (
	"encoding/binary"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/axiomos/rkbpf/internal/maps"
	"github.com/axiomos/rkbpf/internal/ringbuf"
)

// Helper ids. Ids 1-50 mirror the upstream eBPF helper numbering, 130-134
// are the ring buffer helpers, and 200-202 are the robotics-private range.
// The loader's name-to-id table in internal/loader must stay in sync; both
// are a stable ABI.
const (
	HelperMapLookupElem     = 1
	HelperMapUpdateElem     = 2
	HelperMapDeleteElem     = 3
	HelperProbeRead         = 4
	HelperKtimeGetNs        = 5
	HelperTracePrintk       = 6
	HelperGetPrandomU32     = 7
	HelperGetSmpProcessorID = 8
	HelperGetCurrentPidTgid = 14

	HelperRingbufOutput  = 130
	HelperRingbufReserve = 131
	HelperRingbufSubmit  = 132
	HelperRingbufDiscard = 133
	HelperRingbufQuery   = 134

	HelperMotorEmergencyStop  = 200
	HelperTimeseriesPush      = 201
	HelperSensorLastTimestamp = 202
)

// maxHelperID bounds the dispatch table.
const maxHelperID = 256

// helperErr encodes a negative errno-style result in r0.
func helperErr(code int64) uint64 { return uint64(code) }

// Memory is the view of program memory a helper receives: it can read and
// write the caller's visible windows and publish a result in the scratch
// window.
type Memory interface {
	ReadVirtual(addr uint64, n int) ([]byte, error)
	WriteVirtual(addr uint64, b []byte) error
	ExposeScratch(b []byte) uint64
}

// HelperFn is one helper implementation over the five argument registers.
// The return value lands in r0. Helpers never abort the program: failures
// are reported as zero or a negative errno in r0.
type HelperFn func(env *Env, mem Memory, args [5]uint64) uint64

// TimeSeriesFn receives bpf_timeseries_push samples.
type TimeSeriesFn func(seriesID uint32, value int64, tag uint32)

// EmergencyStopFn receives bpf_motor_emergency_stop requests.
type EmergencyStopFn func(sourceID uint32)

// Env is the runtime environment helpers execute against: the map table
// the program was relocated against, clocks, and the robotics callbacks.
type Env struct {
	logger *slog.Logger

	mu       sync.RWMutex
	maps     []maps.Map
	sensorTS map[uint32]uint64

	table [maxHelperID]HelperFn

	// Now returns the event clock in nanoseconds.
	Now func() uint64
	// Rand returns pseudo-random values for bpf_get_prandom_u32.
	Rand func() uint32
	// CPU and PIDTgid describe the context the program runs in.
	CPU     func() uint32
	PIDTgid func() uint64
	// EmergencyStop is invoked by helper 200. Nil means log-only.
	EmergencyStop EmergencyStopFn
	// TimeSeries is invoked by helper 201 in addition to the default
	// ring-buffer event emission. Optional.
	TimeSeries TimeSeriesFn
	// EventRing, when set, receives time-series records pushed by helper
	// 201.
	EventRing *ringbuf.Ring

	missingOnce sync.Map
}

// NewEnv creates an environment with the standard helper table installed
// and monotonic defaults for the clock sources.
func NewEnv(logger *slog.Logger) *Env {
	if logger == nil {
		logger = slog.Default()
	}
	start := time.Now()
	rng := rand.New(rand.NewSource(start.UnixNano()))
	var rngMu sync.Mutex

	env := &Env{
		logger:   logger,
		sensorTS: make(map[uint32]uint64),
		Now:      func() uint64 { return uint64(time.Since(start).Nanoseconds()) },
		Rand: func() uint32 {
			rngMu.Lock()
			defer rngMu.Unlock()
			return rng.Uint32()
		},
		CPU:     func() uint32 { return 0 },
		PIDTgid: func() uint64 { return 0 },
	}
	env.installStandardHelpers()
	return env
}

// SetMaps installs the map table the program's handles index into.
func (e *Env) SetMaps(table []maps.Map) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.maps = table
}

// RecordSensorTimestamp notes the last event timestamp for a sensor, for
// helper 202.
func (e *Env) RecordSensorTimestamp(sensorID uint32, ts uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sensorTS[sensorID] = ts
}

// Register installs or replaces a helper implementation.
func (e *Env) Register(id int32, fn HelperFn) {
	if id >= 0 && id < maxHelperID {
		e.table[id] = fn
	}
}

// Call dispatches a helper by id. Missing helpers return zero and log a
// warning (once per id).
func (e *Env) Call(id int32, mem Memory, args [5]uint64) uint64 {
	if id < 0 || id >= maxHelperID || e.table[id] == nil {
		if _, seen := e.missingOnce.LoadOrStore(id, struct{}{}); !seen {
			e.logger.Warn("bpf helper not implemented", "helper_id", id)
		}
		return 0
	}
	return e.table[id](e, mem, args)
}

// mapByHandle resolves a tagged map handle into the table.
func (e *Env) mapByHandle(v uint64) (maps.Map, bool) {
	idx, ok := mapHandleIndex(v)
	if !ok {
		return nil, false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if int(idx) >= len(e.maps) || e.maps[idx] == nil {
		return nil, false
	}
	return e.maps[idx], true
}

// ringByHandle resolves a tagged handle to a ring buffer map.
func (e *Env) ringByHandle(v uint64) (*ringbuf.Ring, bool) {
	m, ok := e.mapByHandle(v)
	if !ok {
		return nil, false
	}
	rb, ok := m.(*maps.RingBufMap)
	if !ok {
		return nil, false
	}
	return rb.Ring(), true
}

func (e *Env) installStandardHelpers() {
	e.table[HelperMapLookupElem] = helperMapLookup
	e.table[HelperMapUpdateElem] = helperMapUpdate
	e.table[HelperMapDeleteElem] = helperMapDelete
	e.table[HelperKtimeGetNs] = func(e *Env, _ Memory, _ [5]uint64) uint64 { return e.Now() }
	e.table[HelperTracePrintk] = helperTracePrintk
	e.table[HelperGetPrandomU32] = func(e *Env, _ Memory, _ [5]uint64) uint64 { return uint64(e.Rand()) }
	e.table[HelperGetSmpProcessorID] = func(e *Env, _ Memory, _ [5]uint64) uint64 { return uint64(e.CPU()) }
	e.table[HelperGetCurrentPidTgid] = func(e *Env, _ Memory, _ [5]uint64) uint64 { return e.PIDTgid() }

	e.table[HelperRingbufOutput] = helperRingbufOutput
	// Reservations cannot cross the helper ABI in this runtime: programs
	// use bpf_ringbuf_output instead. Reserve reports failure; submit and
	// discard are no-ops for symmetry.
	e.table[HelperRingbufReserve] = func(*Env, Memory, [5]uint64) uint64 { return 0 }
	e.table[HelperRingbufSubmit] = func(*Env, Memory, [5]uint64) uint64 { return 0 }
	e.table[HelperRingbufDiscard] = func(*Env, Memory, [5]uint64) uint64 { return 0 }
	e.table[HelperRingbufQuery] = helperRingbufQuery

	e.table[HelperMotorEmergencyStop] = helperEmergencyStop
	e.table[HelperTimeseriesPush] = helperTimeseriesPush
	e.table[HelperSensorLastTimestamp] = helperSensorLastTimestamp
}

// helperMapLookup is bpf_map_lookup_elem(map, key): on hit the value is
// published in the scratch window and its address returned; on miss r0 is
// zero, matching the upstream NULL convention.
func helperMapLookup(e *Env, mem Memory, args [5]uint64) uint64 {
	m, ok := e.mapByHandle(args[0])
	if !ok {
		return 0
	}
	key, err := mem.ReadVirtual(args[1], int(m.Def().KeySize))
	if err != nil {
		return 0
	}
	value, err := m.Lookup(key)
	if err != nil {
		return 0
	}
	return mem.ExposeScratch(value)
}

// helperMapUpdate is bpf_map_update_elem(map, key, value, flags).
func helperMapUpdate(e *Env, mem Memory, args [5]uint64) uint64 {
	m, ok := e.mapByHandle(args[0])
	if !ok {
		return helperErr(-1)
	}
	key, err := mem.ReadVirtual(args[1], int(m.Def().KeySize))
	if err != nil {
		return helperErr(-1)
	}
	value, err := mem.ReadVirtual(args[2], int(m.Def().ValueSize))
	if err != nil {
		return helperErr(-1)
	}
	if err := m.Update(key, value); err != nil {
		return helperErr(-1)
	}
	return 0
}

// helperMapDelete is bpf_map_delete_elem(map, key).
func helperMapDelete(e *Env, mem Memory, args [5]uint64) uint64 {
	m, ok := e.mapByHandle(args[0])
	if !ok {
		return helperErr(-1)
	}
	key, err := mem.ReadVirtual(args[1], int(m.Def().KeySize))
	if err != nil {
		return helperErr(-1)
	}
	if err := m.Delete(key); err != nil {
		if errors.Is(err, maps.ErrKeyNotFound) {
			return helperErr(-2)
		}
		return helperErr(-1)
	}
	return 0
}

// helperTracePrintk logs a bounded message from program memory and
// returns the number of bytes consumed.
func helperTracePrintk(e *Env, mem Memory, args [5]uint64) uint64 {
	n := int(args[1])
	if n <= 0 {
		return 0
	}
	// Capped probe-read size keeps a misbehaving program from walking
	// the logger through the whole window.
	if n > 512 {
		n = 512
	}
	msg, err := mem.ReadVirtual(args[0], n)
	if err != nil {
		return helperErr(-1)
	}
	e.logger.Debug("bpf_trace_printk", "msg", string(msg))
	return uint64(n)
}

// helperRingbufOutput is bpf_ringbuf_output(ringbuf, data, size, flags).
func helperRingbufOutput(e *Env, mem Memory, args [5]uint64) uint64 {
	ring, ok := e.ringByHandle(args[0])
	if !ok {
		return helperErr(-1)
	}
	payload, err := mem.ReadVirtual(args[1], int(args[2]))
	if err != nil {
		return helperErr(-1)
	}
	if !ring.Output(payload) {
		// Full ring: the reservation failed and the drop was counted;
		// the program decides what to do (usually bump a drop counter).
		return helperErr(-1)
	}
	return 0
}

// helperRingbufQuery is bpf_ringbuf_query(ringbuf, flags); with flags 0
// it returns the number of unconsumed bytes.
func helperRingbufQuery(e *Env, _ Memory, args [5]uint64) uint64 {
	ring, ok := e.ringByHandle(args[0])
	if !ok {
		return 0
	}
	return ring.Available()
}

// helperEmergencyStop is bpf_motor_emergency_stop(source_id): the safety
// escape hatch for programs observing a fault.
func helperEmergencyStop(e *Env, _ Memory, args [5]uint64) uint64 {
	source := uint32(args[0])
	e.logger.Warn("emergency stop requested by program", "source_id", source)
	if e.EmergencyStop != nil {
		e.EmergencyStop(source)
	}
	return 0
}

// helperTimeseriesPush is bpf_timeseries_push(series_id, value, tag): the
// sample goes to the configured callback and, when an event ring is
// wired, out as a TimeSeries event record.
func helperTimeseriesPush(e *Env, _ Memory, args [5]uint64) uint64 {
	seriesID := uint32(args[0])
	value := int64(args[1])
	tag := uint32(args[2])

	if e.TimeSeries != nil {
		e.TimeSeries(seriesID, value, tag)
	}
	if e.EventRing != nil {
		rec := encodeTimeSeries(e.Now(), e.CPU(), seriesID, value, tag)
		if !e.EventRing.Output(rec) {
			return helperErr(-1)
		}
	}
	return 0
}

// helperSensorLastTimestamp is bpf_sensor_last_timestamp(sensor_id).
func helperSensorLastTimestamp(e *Env, _ Memory, args [5]uint64) uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sensorTS[uint32(args[0])]
}

// encodeTimeSeries lays out a TimeSeries event record: the 24-byte common
// header followed by series id, value, and tag. The layout matches
// internal/event; duplicated here to keep the helper layer free of a
// dependency on the consumer-side package.
func encodeTimeSeries(ts uint64, cpu, seriesID uint32, value int64, tag uint32) []byte {
	buf := make([]byte, 24+16)
	binary.LittleEndian.PutUint64(buf[0:], ts)
	binary.LittleEndian.PutUint32(buf[8:], 5) // TimeSeries discriminator
	binary.LittleEndian.PutUint32(buf[12:], cpu)
	// pid and reserved stay zero for kernel-originated samples.
	binary.LittleEndian.PutUint32(buf[24:], seriesID)
	binary.LittleEndian.PutUint64(buf[28:], uint64(value))
	binary.LittleEndian.PutUint32(buf[36:], tag)
	return buf
}
