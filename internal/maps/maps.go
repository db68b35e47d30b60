// Package maps implements the kernel-resident tables exported to rkBPF
// programs. The loader recognises the full upstream numeric map-type
// vocabulary; the runtime itself instantiates the subset a robot
// controller actually uses (hash, array, LRU hash, ring buffer) and
// reports the rest as unsupported at creation time.
package maps

import (
	"errors"
	"fmt"
)

// Type is the numeric map type vocabulary.
type Type uint32

const (
	TypeUnspec         Type = 0
	TypeHash           Type = 1
	TypeArray          Type = 2
	TypeProgArray      Type = 3
	TypePerfEventArray Type = 4
	TypePerCPUHash     Type = 5
	TypePerCPUArray    Type = 6
	TypeStackTrace     Type = 7
	TypeCgroupArray    Type = 8
	TypeLRUHash        Type = 9
	TypeLRUPerCPUHash  Type = 10
	TypeLPMTrie        Type = 11
	TypeArrayOfMaps    Type = 12
	TypeHashOfMaps     Type = 13
	TypeDevMap         Type = 14
	TypeSockMap        Type = 15
	TypeCPUMap         Type = 16
	TypeXSKMap         Type = 17
	TypeSockHash       Type = 18
	TypeCgroupStorage  Type = 19
	TypeQueue          Type = 22
	TypeStack          Type = 23
	TypeRingBuf        Type = 27
)

func (t Type) String() string {
	switch t {
	case TypeUnspec:
		return "unspec"
	case TypeHash:
		return "hash"
	case TypeArray:
		return "array"
	case TypeProgArray:
		return "prog_array"
	case TypePerfEventArray:
		return "perf_event_array"
	case TypePerCPUHash:
		return "percpu_hash"
	case TypePerCPUArray:
		return "percpu_array"
	case TypeStackTrace:
		return "stack_trace"
	case TypeCgroupArray:
		return "cgroup_array"
	case TypeLRUHash:
		return "lru_hash"
	case TypeLRUPerCPUHash:
		return "lru_percpu_hash"
	case TypeLPMTrie:
		return "lpm_trie"
	case TypeQueue:
		return "queue"
	case TypeStack:
		return "stack"
	case TypeRingBuf:
		return "ringbuf"
	default:
		return fmt.Sprintf("map_type(%d)", uint32(t))
	}
}

// Def is a map definition as declared in an object's maps section:
// five u32 fields in the object's byte order.
type Def struct {
	Type       Type
	KeySize    uint32
	ValueSize  uint32
	MaxEntries uint32
	Flags      uint32
}

// Map operation errors.
var (
	// ErrKeyNotFound reports a lookup or delete of an absent key.
	ErrKeyNotFound = errors.New("maps: key not found")
	// ErrMapFull reports an insert into a map at MaxEntries.
	ErrMapFull = errors.New("maps: max entries reached")
	// ErrBadKeySize reports a key of the wrong length.
	ErrBadKeySize = errors.New("maps: key size mismatch")
	// ErrBadValueSize reports a value of the wrong length.
	ErrBadValueSize = errors.New("maps: value size mismatch")
	// ErrIndexRange reports an array index past MaxEntries.
	ErrIndexRange = errors.New("maps: array index out of range")
)

// UnsupportedTypeError reports a map type the runtime cannot instantiate.
// The loader still accepts objects declaring such maps; creation fails.
type UnsupportedTypeError struct {
	Type Type
}

func (e *UnsupportedTypeError) Error() string {
	return fmt.Sprintf("maps: unsupported map type %s", e.Type)
}

// Map is a kernel-resident table. Implementations are safe for concurrent
// use; helpers call into them from event context.
type Map interface {
	// Def returns the map's definition.
	Def() Def
	// Lookup returns a copy of the value stored under key.
	Lookup(key []byte) ([]byte, error)
	// Update inserts or replaces the value stored under key.
	Update(key, value []byte) error
	// Delete removes the value stored under key.
	Delete(key []byte) error
}

// New instantiates a map from its definition.
func New(def Def) (Map, error) {
	switch def.Type {
	case TypeHash:
		return newHashMap(def, false), nil
	case TypeLRUHash:
		return newHashMap(def, true), nil
	case TypeArray:
		return newArrayMap(def)
	case TypeRingBuf:
		return NewRingBufMap(def)
	default:
		return nil, &UnsupportedTypeError{Type: def.Type}
	}
}
