// Package ringbuf implements the rkBPF single-producer/single-consumer
// event ring: a memory-mapped region consisting of a 128-byte header page
// holding two cache-line-isolated position counters, followed by a
// power-of-two data region holding variable-length records.
//
// Each record starts with an 8-byte header: a 32-bit length word (bit 31 =
// busy, bit 30 = discard, low 30 bits = payload length) and a 32-bit page
// offset. Records are 8-byte aligned and payloads wrap at the data-region
// mask. The producer only ever advances the producer position and the
// consumer only the consumer position; each reads the other's with acquire
// ordering, so the protocol is lock-free and wait-free on both sides.
package ringbuf

import (
	"errors"
	"sync/atomic"
	"unsafe"
)

// HeaderSize is the size of the position header preceding the data region:
// two 64-bit counters, each padded out to its own cache line.
const HeaderSize = 128

// DefaultDataSize is the data-region size used when a ring buffer map is
// created without an explicit size.
const DefaultDataSize = 64 * 1024

// Record header length-word bits.
const (
	busyBit    = uint32(1) << 31
	discardBit = uint32(1) << 30
	lenMask    = discardBit - 1
)

// recordHeaderSize is the per-record header: 32-bit length word plus
// 32-bit page offset.
const recordHeaderSize = 8

// header is the shared-memory layout of the position page. The consumer
// position comes first; both counters are monotonic byte positions, not
// masked offsets.
type header struct {
	consumerPos atomic.Uint64
	_           [56]byte
	producerPos atomic.Uint64
	_           [56]byte
}

var (
	// ErrSize reports a data region that is not a power of two or is
	// smaller than one record header.
	ErrSize = errors.New("ringbuf: data size must be a power of two >= 8")
	// ErrUnaligned reports a backing buffer whose base address is not
	// 8-byte aligned, which the atomic position counters require.
	ErrUnaligned = errors.New("ringbuf: backing buffer not 8-byte aligned")
	// ErrShortBuffer reports a backing buffer smaller than header + data.
	ErrShortBuffer = errors.New("ringbuf: backing buffer too small")
)

// Ring is one SPSC ring buffer. Both endpoints hold the same Ring over the
// same backing memory (in-process), or each side adopts its own mapping of
// the shared pages via FromBytes.
type Ring struct {
	buf  []byte
	hdr  *header
	data []byte
	mask uint64

	// drops counts failed reservations on the producer side. Not part of
	// the shared layout; each producer tracks its own.
	drops atomic.Uint64
}

// New allocates an in-process ring with the given data-region size.
func New(dataSize int) (*Ring, error) {
	if dataSize < recordHeaderSize || dataSize&(dataSize-1) != 0 {
		return nil, ErrSize
	}
	// make([]byte) yields 8-byte-aligned storage for sizes >= 8.
	return FromBytes(make([]byte, HeaderSize+dataSize))
}

// FromBytes adopts a shared mapping laid out as header + power-of-two data
// region. Both endpoints may adopt the same pages; position counters live
// in the mapping itself.
func FromBytes(buf []byte) (*Ring, error) {
	if len(buf) < HeaderSize+recordHeaderSize {
		return nil, ErrShortBuffer
	}
	if uintptr(unsafe.Pointer(&buf[0]))&7 != 0 {
		return nil, ErrUnaligned
	}
	dataSize := len(buf) - HeaderSize
	if dataSize&(dataSize-1) != 0 {
		return nil, ErrSize
	}
	return &Ring{
		buf:  buf,
		hdr:  (*header)(unsafe.Pointer(&buf[0])),
		data: buf[HeaderSize:],
		mask: uint64(dataSize) - 1,
	}, nil
}

// Bytes returns the full backing buffer (header + data), for handing the
// mapping to a consumer.
func (r *Ring) Bytes() []byte { return r.buf }

// DataSize returns the size of the data region in bytes.
func (r *Ring) DataSize() int { return len(r.data) }

// Drops returns the number of failed reservations observed by this
// producer.
func (r *Ring) Drops() uint64 { return r.drops.Load() }

// lenWord returns the record length word at the given data offset as an
// atomic. Record headers are 8-aligned and never straddle the wrap point.
func (r *Ring) lenWord(off uint64) *atomic.Uint32 {
	return (*atomic.Uint32)(unsafe.Pointer(&r.data[off]))
}

// pgOff returns a pointer to the record's page-offset word.
func (r *Ring) pgOff(off uint64) *uint32 {
	return (*uint32)(unsafe.Pointer(&r.data[off+4]))
}

// Reservation is an in-progress record. The caller fills Payload and then
// either Commits or Discards; until then the record is marked busy and the
// consumer will not step past it.
type Reservation struct {
	ring *Ring
	// recOff is the masked data offset of the record header.
	recOff uint64
	// Payload is the caller-writable payload window. It is a contiguous
	// scratch slice; Commit copies it into the ring with wrap handling.
	Payload []byte
}

// Reserve claims space for an n-byte payload. The new producer position
// (old position + 8 + round-up(n, 8)) is published immediately; the record
// is marked busy until Commit or Discard. Reserve reports false — and
// counts a drop — when n is larger than the ring or the ring is full.
// Producers never block and never allocate from the frame pool here.
func (r *Ring) Reserve(n int) (Reservation, bool) {
	total := uint64(recordHeaderSize + ((n + 7) &^ 7))
	if n < 0 || total > uint64(len(r.data)) {
		r.drops.Add(1)
		return Reservation{}, false
	}

	prod := r.hdr.producerPos.Load()
	cons := r.hdr.consumerPos.Load()
	if prod-cons+total > uint64(len(r.data)) {
		r.drops.Add(1)
		return Reservation{}, false
	}

	recOff := prod & r.mask
	r.lenWord(recOff).Store(busyBit | uint32(n))
	*r.pgOff(recOff) = uint32(recOff)

	// The busy header is in place; the new position may now become
	// observable to the consumer.
	r.hdr.producerPos.Store(prod + total)

	return Reservation{
		ring:    r,
		recOff:  recOff,
		Payload: make([]byte, n),
	}, true
}

// Commit copies the payload into the ring (wrapping at the mask) and
// clears the busy bit with a release store, making the record visible.
func (res Reservation) Commit() {
	r := res.ring
	off := (res.recOff + recordHeaderSize) & r.mask
	for i := 0; i < len(res.Payload); {
		chunk := copy(r.data[off:], res.Payload[i:])
		i += chunk
		off = (off + uint64(chunk)) & r.mask
	}
	r.lenWord(res.recOff).Store(uint32(len(res.Payload)))
}

// Discard abandons the reservation: the discard bit is set alongside
// clearing busy, and the consumer skips the record without delivering it.
func (res Reservation) Discard() {
	res.ring.lenWord(res.recOff).Store(discardBit | uint32(len(res.Payload)))
}

// Output reserves, fills, and commits a record in one step. It reports
// false when the reservation fails.
func (r *Ring) Output(payload []byte) bool {
	res, ok := r.Reserve(len(payload))
	if !ok {
		return false
	}
	copy(res.Payload, payload)
	res.Commit()
	return true
}

// Available returns the number of unconsumed bytes (records and headers)
// between the two positions.
func (r *Ring) Available() uint64 {
	prod := r.hdr.producerPos.Load()
	cons := r.hdr.consumerPos.Load()
	return prod - cons
}

// Poll reads the next committed record, skipping discarded ones. It
// reports false when the ring is empty or the next record is still being
// written (busy): both conditions resolve themselves and the consumer
// simply polls again later.
func (r *Ring) Poll() ([]byte, bool) {
	for {
		cons := r.hdr.consumerPos.Load()
		prod := r.hdr.producerPos.Load()
		if cons >= prod {
			return nil, false
		}

		recOff := cons & r.mask
		lenWord := r.lenWord(recOff).Load()
		if lenWord&busyBit != 0 {
			return nil, false
		}

		n := uint64(lenWord & lenMask)
		total := recordHeaderSize + ((n + 7) &^ 7)

		if lenWord&discardBit != 0 {
			r.hdr.consumerPos.Store(cons + total)
			continue
		}

		payload := make([]byte, n)
		off := (recOff + recordHeaderSize) & r.mask
		first := uint64(len(r.data)) - off
		if first > n {
			first = n
		}
		copy(payload, r.data[off:off+first])
		if first < n {
			// The single wrap point: the remainder sits at the start of
			// the data region.
			copy(payload[first:], r.data[:n-first])
		}

		r.hdr.consumerPos.Store(cons + total)
		return payload, true
	}
}

// Positions returns the current (consumer, producer) byte positions.
func (r *Ring) Positions() (consumer, producer uint64) {
	return r.hdr.consumerPos.Load(), r.hdr.producerPos.Load()
}
