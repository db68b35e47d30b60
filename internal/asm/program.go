package asm

import (
	"errors"
	"fmt"
)

// ProgType is the program type vocabulary. The numeric values mirror the
// upstream eBPF program types. The loader derives the type from the
// section name; event dispatch does not consult it.
type ProgType uint32

const (
	ProgTypeUnspec        ProgType = 0
	ProgTypeSocketFilter  ProgType = 1
	ProgTypeKprobe        ProgType = 2
	ProgTypeSchedCls      ProgType = 3
	ProgTypeSchedAct      ProgType = 4
	ProgTypeTracepoint    ProgType = 5
	ProgTypeXdp           ProgType = 6
	ProgTypePerfEvent     ProgType = 7
	ProgTypeRawTracepoint ProgType = 17
)

func (t ProgType) String() string {
	switch t {
	case ProgTypeUnspec:
		return "unspec"
	case ProgTypeSocketFilter:
		return "socket_filter"
	case ProgTypeKprobe:
		return "kprobe"
	case ProgTypeSchedCls:
		return "sched_cls"
	case ProgTypeSchedAct:
		return "sched_act"
	case ProgTypeTracepoint:
		return "tracepoint"
	case ProgTypeXdp:
		return "xdp"
	case ProgTypePerfEvent:
		return "perf_event"
	case ProgTypeRawTracepoint:
		return "raw_tracepoint"
	}
	return fmt.Sprintf("prog_type(%d)", uint32(t))
}

// Validation errors for program construction.
var (
	ErrEmptyProgram    = errors.New("asm: program has no instructions")
	ErrNoExit          = errors.New("asm: program does not end with exit")
	ErrUnpairedWide    = errors.New("asm: wide load at end of program has no second slot")
	ErrBadRegister     = errors.New("asm: register number out of range")
	ErrTooManyInsns    = errors.New("asm: instruction count exceeds limit")
	ErrInvalidWidePair = errors.New("asm: second slot of wide load must be all zero except imm")
)

// MaxInstructions bounds a single program. Matches the sys_bpf load limit.
const MaxInstructions = 4096

// StackSize is the per-program scratch stack addressed through r10.
const StackSize = 512

// Program is a validated, immutable instruction sequence. Map references
// inside the instructions have already been resolved to map-table indices
// by the relocator; MapCount records how many entries that table has so
// the execution engine can bounds-check handles.
type Program struct {
	name     string
	progType ProgType
	insns    []Instruction
	mapCount int
}

// NewProgram validates the instruction sequence and constructs a program.
// Structural validation only: instruction count bounds, register numbers,
// complete wide pairs, and a terminating exit. This is deliberately not a
// full verifier.
func NewProgram(name string, progType ProgType, insns []Instruction, mapCount int) (*Program, error) {
	if len(insns) == 0 {
		return nil, ErrEmptyProgram
	}
	if len(insns) > MaxInstructions {
		return nil, ErrTooManyInsns
	}

	for i := 0; i < len(insns); i++ {
		in := insns[i]
		if in.Dst() > MaxRegister || in.Src() > MaxRegister {
			return nil, fmt.Errorf("%w: insn %d uses r%d/r%d", ErrBadRegister, i, in.Dst(), in.Src())
		}
		if in.IsWide() {
			if i+1 >= len(insns) {
				return nil, ErrUnpairedWide
			}
			next := insns[i+1]
			if next.Opcode != 0 || next.Regs != 0 || next.Offset != 0 {
				return nil, fmt.Errorf("%w: insn %d", ErrInvalidWidePair, i+1)
			}
			i++
		}
	}

	if !insns[len(insns)-1].IsExit() {
		return nil, ErrNoExit
	}

	own := make([]Instruction, len(insns))
	copy(own, insns)
	return &Program{name: name, progType: progType, insns: own, mapCount: mapCount}, nil
}

// Name returns the program name (from its object section name).
func (p *Program) Name() string { return p.name }

// Type returns the program type.
func (p *Program) Type() ProgType { return p.progType }

// Instructions returns the instruction sequence. Callers must not mutate
// the returned slice; programs are immutable after load.
func (p *Program) Instructions() []Instruction { return p.insns }

// Len returns the instruction count.
func (p *Program) Len() int { return len(p.insns) }

// MapCount returns the size of the associated map table.
func (p *Program) MapCount() int { return p.mapCount }
