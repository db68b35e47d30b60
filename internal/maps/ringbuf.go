package maps

import (
	"fmt"

	"github.com/axiomos/rkbpf/internal/ringbuf"
)

// RingBufMap is the ring-buffer map type: a SPSC event ring shared between
// the kernel-side producer (ring buffer helpers) and a userspace consumer
// mapping the same pages. MaxEntries is the data-region size in bytes and
// must be a power of two; zero selects the default.
//
// The key/value Map operations do not apply to ring buffers; they return
// ErrKeyNotFound so misdirected helper calls fail softly rather than
// aborting the program.
type RingBufMap struct {
	def  Def
	ring *ringbuf.Ring
}

// NewRingBufMap instantiates a ring buffer map from its definition.
func NewRingBufMap(def Def) (*RingBufMap, error) {
	size := int(def.MaxEntries)
	if size == 0 {
		size = ringbuf.DefaultDataSize
		def.MaxEntries = uint32(size)
	}
	ring, err := ringbuf.New(size)
	if err != nil {
		return nil, fmt.Errorf("maps: ringbuf map: %w", err)
	}
	return &RingBufMap{def: def, ring: ring}, nil
}

// Def returns the map definition.
func (m *RingBufMap) Def() Def { return m.def }

// Ring exposes the underlying ring to the helper layer and to consumers.
func (m *RingBufMap) Ring() *ringbuf.Ring { return m.ring }

// Lookup is not meaningful for ring buffers.
func (m *RingBufMap) Lookup(key []byte) ([]byte, error) { return nil, ErrKeyNotFound }

// Update is not meaningful for ring buffers.
func (m *RingBufMap) Update(key, value []byte) error { return ErrKeyNotFound }

// Delete is not meaningful for ring buffers.
func (m *RingBufMap) Delete(key []byte) error { return ErrKeyNotFound }
