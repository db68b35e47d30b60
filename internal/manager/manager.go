// Package manager wires the rkBPF subsystems into the process-wide BPF
// runtime: it owns the trusted-key verifier, the loader, the map and
// program tables, the attach registry, and the execution engine, and it
// exposes the sys_bpf command surface to userspace.
//
// The manager is initialised once at kernel boot and torn down never.
// Signed-program loading and map creation are serialised through its
// mutex; programs themselves run in the kernel context of the event that
// fired them.
package manager

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/axiomos/rkbpf/internal/asm"
	"github.com/axiomos/rkbpf/internal/attach"
	"github.com/axiomos/rkbpf/internal/audit"
	"github.com/axiomos/rkbpf/internal/interp"
	"github.com/axiomos/rkbpf/internal/jit"
	"github.com/axiomos/rkbpf/internal/loader"
	"github.com/axiomos/rkbpf/internal/maps"
	"github.com/axiomos/rkbpf/internal/pmm"
	"github.com/axiomos/rkbpf/internal/ringbuf"
	"github.com/axiomos/rkbpf/internal/signing"
)

// Manager errors.
var (
	ErrProgramNotFound = errors.New("manager: program not found")
	ErrMapNotFound     = errors.New("manager: map not found")
	ErrNoVerifier      = errors.New("manager: no verifier configured")
)

// loadedProgram couples a program with the map table its relocated
// instructions index into.
type loadedProgram struct {
	prog     *asm.Program
	mapTable []maps.Map
	frames   pmm.FrameRange
	hasFrames bool
}

// Manager is the top-level BPF runtime object.
type Manager struct {
	mu sync.Mutex

	logger   *slog.Logger
	verifier *signing.Verifier
	frames   *pmm.Manager
	trail    *audit.Trail
	registry *attach.Registry
	env      *interp.Env
	vm       *interp.VM
	exec     *jit.Executor

	programs map[uint32]*loadedProgram
	mapsByID map[uint32]maps.Map
	nextProg uint32
	nextMap  uint32
}

// Option configures a Manager.
type Option func(*Manager)

// WithVerifier installs the signed-object verifier. Without one,
// LoadSigned refuses every blob.
func WithVerifier(v *signing.Verifier) Option {
	return func(m *Manager) { m.verifier = v }
}

// WithFrameAllocator installs the physical frame allocator backing
// program text and ring buffer accounting.
func WithFrameAllocator(f *pmm.Manager) Option {
	return func(m *Manager) { m.frames = f }
}

// WithAuditTrail installs the decision audit trail.
func WithAuditTrail(t *audit.Trail) Option {
	return func(m *Manager) { m.trail = t }
}

// New creates a manager. The logger must not be nil.
func New(logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		logger:   logger,
		registry: attach.NewRegistry(),
		programs: make(map[uint32]*loadedProgram),
		mapsByID: make(map[uint32]maps.Map),
		nextProg: 1,
		nextMap:  1,
	}
	m.env = interp.NewEnv(logger)
	m.vm = interp.New(m.env, logger)
	m.exec = jit.NewExecutor(m.vm, logger)
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Env exposes the helper environment for wiring robotics callbacks.
func (m *Manager) Env() *interp.Env { return m.env }

// Registry exposes the attach-point registry.
func (m *Manager) Registry() *attach.Registry { return m.registry }

// LoadSigned verifies a signed blob, parses the embedded object, creates
// its maps, and registers every program. It returns the assigned program
// ids in object order. The verdict is audit-logged either way.
func (m *Manager) LoadSigned(blob []byte) ([]uint32, error) {
	if m.verifier == nil {
		return nil, ErrNoVerifier
	}

	env, err := signing.Parse(blob)
	if err != nil {
		m.auditLoad("", "", err)
		return nil, err
	}
	signer := hex.EncodeToString(env.Header.SignerID[:])

	if err := m.verifier.Verify(env); err != nil {
		m.auditLoad("", signer, err)
		return nil, err
	}

	obj, err := loader.Load(env.Body)
	if err != nil {
		m.auditLoad("", signer, err)
		return nil, err
	}

	ids, err := m.registerObject(obj)
	if err != nil {
		m.auditLoad("", signer, err)
		return nil, err
	}

	for _, id := range ids {
		m.mu.Lock()
		name := m.programs[id].prog.Name()
		m.mu.Unlock()
		m.auditLoad(name, signer, nil)
	}
	m.logger.Info("signed object loaded",
		"programs", len(ids), "signer", signer, "license", obj.License)
	return ids, nil
}

// LoadRawProgram registers an already-validated instruction sequence
// without an object file, as the PROG_LOAD syscall does. No maps are
// bound.
func (m *Manager) LoadRawProgram(insns []asm.Instruction) (uint32, error) {
	prog, err := asm.NewProgram("raw", asm.ProgTypeSocketFilter, insns, 0)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registerProgram(prog, nil), nil
}

// registerObject instantiates an object's maps and programs.
func (m *Manager) registerObject(obj *loader.Object) ([]uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mapTable := make([]maps.Map, len(obj.Maps))
	for i, lm := range obj.Maps {
		mp, err := maps.New(lm.Def)
		if err != nil {
			return nil, fmt.Errorf("manager: map %q: %w", lm.Name, err)
		}
		mapTable[i] = mp
		m.mapsByID[m.nextMap] = mp
		m.nextMap++
	}

	ids := make([]uint32, 0, len(obj.Programs))
	for _, prog := range obj.Programs {
		ids = append(ids, m.registerProgram(prog, mapTable))
	}
	return ids, nil
}

// registerProgram assigns an id and accounts the program's text frames.
// Caller holds the lock.
func (m *Manager) registerProgram(prog *asm.Program, mapTable []maps.Map) uint32 {
	lp := &loadedProgram{prog: prog, mapTable: mapTable}

	if m.frames != nil {
		textBytes := prog.Len() * asm.InstructionSize
		frames := (textBytes + int(pmm.Size4KiB.Bytes()) - 1) / int(pmm.Size4KiB.Bytes())
		if r, ok := m.frames.AllocateFrames(pmm.Size4KiB, frames); ok {
			lp.frames = r
			lp.hasFrames = true
		} else {
			m.logger.Warn("no frames for program text, continuing unaccounted",
				"program", prog.Name(), "frames", frames)
		}
	}

	id := m.nextProg
	m.nextProg++
	m.programs[id] = lp
	return id
}

// Program returns a loaded program by id.
func (m *Manager) Program(id uint32) (*asm.Program, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lp, ok := m.programs[id]
	if !ok {
		return nil, false
	}
	return lp.prog, true
}

// ProgramIDs returns the loaded program ids.
func (m *Manager) ProgramIDs() []uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]uint32, 0, len(m.programs))
	for id := range m.programs {
		out = append(out, id)
	}
	return out
}

// CreateMap instantiates a standalone map and returns its id.
func (m *Manager) CreateMap(def maps.Def) (uint32, error) {
	mp, err := maps.New(def)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextMap
	m.nextMap++
	m.mapsByID[id] = mp
	return id, nil
}

// Map returns a map by id.
func (m *Manager) Map(id uint32) (maps.Map, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mp, ok := m.mapsByID[id]
	return mp, ok
}

// FindRing returns the first ring buffer map's ring, for the bridge and
// demo plumbing.
func (m *Manager) FindRing() (*ringbuf.Ring, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := uint32(1); id < m.nextMap; id++ {
		if rb, ok := m.mapsByID[id].(*maps.RingBufMap); ok {
			return rb.Ring(), true
		}
	}
	return nil, false
}

// RunProgram executes a loaded program against a context.
func (m *Manager) RunProgram(id uint32, ctx *interp.Context) (uint64, error) {
	m.mu.Lock()
	lp, ok := m.programs[id]
	if !ok {
		m.mu.Unlock()
		return 0, fmt.Errorf("%w: id %d", ErrProgramNotFound, id)
	}
	// Bind the program's map table for the duration of the run; the
	// manager's mutex serialises executions.
	m.env.SetMaps(lp.mapTable)
	defer m.mu.Unlock()
	return m.exec.Run(lp.prog, ctx)
}

// AttachProgram binds a program to an attach point, creating (or
// sharing) the point for the target.
func (m *Manager) AttachProgram(progID uint32, point attach.Point) (attach.ID, error) {
	m.mu.Lock()
	lp, ok := m.programs[progID]
	m.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("%w: id %d", ErrProgramNotFound, progID)
	}

	point = m.registry.Add(point)
	id, err := point.Attach(progID)
	if err != nil {
		return 0, err
	}
	if m.trail != nil {
		m.trail.Attach(lp.prog.Name(), point.Target())
	}
	m.logger.Info("program attached",
		"program", lp.prog.Name(), "kind", point.Kind().String(), "target", point.Target(), "attach_id", uint32(id))
	return id, nil
}

// DetachProgram removes an attachment from a point.
func (m *Manager) DetachProgram(point attach.Point, id attach.ID) error {
	if err := point.Detach(id); err != nil {
		return err
	}
	if m.trail != nil {
		m.trail.Detach("", point.Target())
	}
	return nil
}

// DispatchGpio delivers a GPIO event to every program attached to the
// matching point. Program failures are logged, never propagated: event
// dispatch must not wedge the interrupt path.
func (m *Manager) DispatchGpio(g *attach.Gpio, ev attach.GpioEvent) {
	if !g.Matches(attach.Edge(ev.Edge)) {
		return
	}
	m.dispatch(g, ev.Encode())
}

// DispatchIio delivers a sensor sample and records its timestamp for the
// bpf_sensor_last_timestamp helper.
func (m *Manager) DispatchIio(i *attach.Iio, ev attach.IioEvent) {
	m.env.RecordSensorTimestamp(ev.DeviceID, ev.TimestampNs)
	m.dispatch(i, ev.Encode())
}

// DispatchPwm delivers a PWM state change.
func (m *Manager) DispatchPwm(p *attach.Pwm, ev attach.PwmEvent) {
	m.dispatch(p, ev.Encode())
}

// dispatch runs every attached program with the event payload.
func (m *Manager) dispatch(point attach.Point, payload []byte) {
	type binder interface{ AttachedPrograms() []uint32 }
	b, ok := point.(binder)
	if !ok {
		return
	}
	for _, progID := range b.AttachedPrograms() {
		if _, err := m.RunProgram(progID, &interp.Context{Data: payload}); err != nil {
			m.logger.Error("program failed on event",
				"program_id", progID, "target", point.Target(), "error", err)
		}
	}
}

// auditLoad writes a load verdict to the trail when one is configured.
func (m *Manager) auditLoad(program, signer string, reason error) {
	if m.trail == nil {
		return
	}
	if _, err := m.trail.Load(program, signer, reason == nil, reason); err != nil {
		m.logger.Error("audit append failed", "error", err)
	}
}
