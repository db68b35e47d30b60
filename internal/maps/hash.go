package maps

import (
	"container/list"
	"encoding/binary"
	"fmt"
	"sync"
)

// hashMap implements the hash and LRU-hash map types. Keys and values are
// fixed-size byte strings per the definition. In LRU mode an insert into a
// full map evicts the least recently used entry instead of failing.
type hashMap struct {
	def Def
	lru bool

	mu      sync.Mutex
	entries map[string][]byte
	// order tracks recency for LRU eviction; front is most recent.
	order *list.List
	elems map[string]*list.Element
}

func newHashMap(def Def, lru bool) *hashMap {
	m := &hashMap{
		def:     def,
		lru:     lru,
		entries: make(map[string][]byte),
	}
	if lru {
		m.order = list.New()
		m.elems = make(map[string]*list.Element)
	}
	return m
}

func (m *hashMap) Def() Def { return m.def }

func (m *hashMap) checkKey(key []byte) error {
	if uint32(len(key)) != m.def.KeySize {
		return fmt.Errorf("%w: got %d, want %d", ErrBadKeySize, len(key), m.def.KeySize)
	}
	return nil
}

func (m *hashMap) Lookup(key []byte) ([]byte, error) {
	if err := m.checkKey(key); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.entries[string(key)]
	if !ok {
		return nil, ErrKeyNotFound
	}
	if m.lru {
		m.order.MoveToFront(m.elems[string(key)])
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (m *hashMap) Update(key, value []byte) error {
	if err := m.checkKey(key); err != nil {
		return err
	}
	if uint32(len(value)) != m.def.ValueSize {
		return fmt.Errorf("%w: got %d, want %d", ErrBadValueSize, len(value), m.def.ValueSize)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	k := string(key)
	if _, exists := m.entries[k]; !exists && uint32(len(m.entries)) >= m.def.MaxEntries {
		if !m.lru {
			return ErrMapFull
		}
		// Evict the least recently used entry.
		if back := m.order.Back(); back != nil {
			victim := back.Value.(string)
			m.order.Remove(back)
			delete(m.elems, victim)
			delete(m.entries, victim)
		}
	}

	v := make([]byte, len(value))
	copy(v, value)
	m.entries[k] = v
	if m.lru {
		if el, ok := m.elems[k]; ok {
			m.order.MoveToFront(el)
		} else {
			m.elems[k] = m.order.PushFront(k)
		}
	}
	return nil
}

func (m *hashMap) Delete(key []byte) error {
	if err := m.checkKey(key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := string(key)
	if _, ok := m.entries[k]; !ok {
		return ErrKeyNotFound
	}
	delete(m.entries, k)
	if m.lru {
		if el, ok := m.elems[k]; ok {
			m.order.Remove(el)
			delete(m.elems, k)
		}
	}
	return nil
}

// arrayMap implements the array map type: a dense table of MaxEntries
// fixed-size values indexed by a 4-byte little-endian key. Entries always
// exist; lookups never miss and deletes zero the slot.
type arrayMap struct {
	def Def

	mu     sync.Mutex
	values []byte
}

func newArrayMap(def Def) (*arrayMap, error) {
	if def.KeySize != 4 {
		return nil, fmt.Errorf("%w: array maps require 4-byte keys", ErrBadKeySize)
	}
	return &arrayMap{
		def:    def,
		values: make([]byte, int(def.MaxEntries)*int(def.ValueSize)),
	}, nil
}

func (m *arrayMap) Def() Def { return m.def }

func (m *arrayMap) index(key []byte) (int, error) {
	if len(key) != 4 {
		return 0, fmt.Errorf("%w: got %d, want 4", ErrBadKeySize, len(key))
	}
	idx := binary.LittleEndian.Uint32(key)
	if idx >= m.def.MaxEntries {
		return 0, fmt.Errorf("%w: index %d >= %d", ErrIndexRange, idx, m.def.MaxEntries)
	}
	return int(idx), nil
}

func (m *arrayMap) Lookup(key []byte) ([]byte, error) {
	idx, err := m.index(key)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]byte, m.def.ValueSize)
	copy(out, m.values[idx*int(m.def.ValueSize):])
	return out, nil
}

func (m *arrayMap) Update(key, value []byte) error {
	idx, err := m.index(key)
	if err != nil {
		return err
	}
	if uint32(len(value)) != m.def.ValueSize {
		return fmt.Errorf("%w: got %d, want %d", ErrBadValueSize, len(value), m.def.ValueSize)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	copy(m.values[idx*int(m.def.ValueSize):], value)
	return nil
}

// Delete zeroes the slot: array entries cannot be removed.
func (m *arrayMap) Delete(key []byte) error {
	idx, err := m.index(key)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	start := idx * int(m.def.ValueSize)
	for i := start; i < start+int(m.def.ValueSize); i++ {
		m.values[i] = 0
	}
	return nil
}
