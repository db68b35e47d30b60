// Package attach implements the binding between programs and event
// sources. Every attach point exposes the same small capability set —
// kind, target description, attach/detach by id — and keeps its own
// monotonically increasing id counter, so ids are per-attach-point and
// never reused.
//
// The five kinds are kernel probes (entry and return), tracepoints, GPIO
// edges, IIO sensor channels, and PWM state changes. The event payload
// structs delivered to programs are defined alongside their kinds.
package attach

import (
	"errors"
	"fmt"
	"sync"
)

// Kind identifies an attach-point flavour.
type Kind int

const (
	// KindKprobe fires on kernel function entry.
	KindKprobe Kind = iota
	// KindKretprobe fires on kernel function return.
	KindKretprobe
	// KindTracepoint fires on a static kernel tracepoint.
	KindTracepoint
	// KindGpio fires on a GPIO edge event.
	KindGpio
	// KindIio fires on an IIO sensor channel sample.
	KindIio
	// KindPwm fires on a PWM state change.
	KindPwm
)

func (k Kind) String() string {
	switch k {
	case KindKprobe:
		return "kprobe"
	case KindKretprobe:
		return "kretprobe"
	case KindTracepoint:
		return "tracepoint"
	case KindGpio:
		return "gpio"
	case KindIio:
		return "iio"
	case KindPwm:
		return "pwm"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ID identifies one attachment within its attach point. Ids start at 1
// and increase monotonically.
type ID uint32

// Attachment errors.
var (
	// ErrNotFound reports a detach or query of an id that is not
	// currently attached.
	ErrNotFound = errors.New("attach: resource not found")
)

// InvalidTargetError reports an attach-point target that failed
// validation.
type InvalidTargetError struct {
	Target string
}

func (e *InvalidTargetError) Error() string {
	return fmt.Sprintf("attach: invalid target %q", e.Target)
}

// Point is the uniform attach-point interface. Implementations are safe
// for concurrent use.
type Point interface {
	// Kind returns the attach-point flavour.
	Kind() Kind
	// Target returns a string description of the event source.
	Target() string
	// Attach binds the program id and returns a fresh attachment id.
	// The same program id may be attached multiple times.
	Attach(programID uint32) (ID, error)
	// Detach removes an attachment; it fails with ErrNotFound when the
	// id is not attached.
	Detach(id ID) error
	// IsAttached reports whether the id is currently attached.
	IsAttached(id ID) bool
	// AttachedIDs returns the currently attached ids in attach order.
	AttachedIDs() []ID
}

// bindings is the common id bookkeeping every attach point embeds: a list
// of attached ids plus the next-id counter.
type bindings struct {
	mu       sync.Mutex
	attached []ID
	programs map[ID]uint32
	nextID   ID
}

func newBindings() bindings {
	return bindings{programs: make(map[ID]uint32), nextID: 1}
}

func (b *bindings) Attach(programID uint32) (ID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.attached = append(b.attached, id)
	b.programs[id] = programID
	return id, nil
}

func (b *bindings) Detach(id ID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, got := range b.attached {
		if got == id {
			b.attached = append(b.attached[:i], b.attached[i+1:]...)
			delete(b.programs, id)
			return nil
		}
	}
	return ErrNotFound
}

func (b *bindings) IsAttached(id ID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, got := range b.attached {
		if got == id {
			return true
		}
	}
	return false
}

func (b *bindings) AttachedIDs() []ID {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]ID, len(b.attached))
	copy(out, b.attached)
	return out
}

// AttachedPrograms returns the program ids bound through this point, in
// attach order. The runtime dispatches events to these.
func (b *bindings) AttachedPrograms() []uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]uint32, 0, len(b.attached))
	for _, id := range b.attached {
		out = append(out, b.programs[id])
	}
	return out
}

// Registry holds the attach points the manager has created, keyed by
// their target description. Mutations crossing attach points serialise
// through the registry's lock.
type Registry struct {
	mu     sync.Mutex
	points map[string]Point
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{points: make(map[string]Point)}
}

// key builds the registry key for a point.
func key(k Kind, target string) string { return k.String() + ":" + target }

// Add registers a point. An existing point for the same kind and target
// is returned instead of being replaced, so repeated attach requests
// share one binding list.
func (r *Registry) Add(p Point) Point {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(p.Kind(), p.Target())
	if existing, ok := r.points[k]; ok {
		return existing
	}
	r.points[k] = p
	return p
}

// Get returns the point for a kind and target.
func (r *Registry) Get(k Kind, target string) (Point, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.points[key(k, target)]
	return p, ok
}

// Points returns every registered point.
func (r *Registry) Points() []Point {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Point, 0, len(r.points))
	for _, p := range r.points {
		out = append(out, p)
	}
	return out
}
