// Package interp implements the rkBPF bytecode interpreter: a single
// fetch-decode-dispatch loop over the instruction array, with the helper
// dispatch table and the virtual memory windows programs are allowed to
// touch (their scratch stack, the event context, and the helper scratch
// area).
//
// The interpreter is the reference semantics for the execution engine: the
// JIT backend must agree with it bit for bit, and falls back to it on any
// codegen failure.
package interp

import (
	"errors"
	"fmt"
	"log/slog"
	"math/bits"

	"github.com/axiomos/rkbpf/internal/asm"
)

// Virtual base addresses of the memory windows visible to programs. The
// values sit in the kernel half of the address space; programs only ever
// handle them opaquely through r10, r1, and helper return values.
const (
	// stackTop is the initial value of r10; the stack grows down from it.
	stackTop uint64 = 0xffff_ffc0_0000_0000
	// ctxBase is where the event context window begins (initial r1).
	ctxBase uint64 = 0xffff_ffd0_0000_0000
	// scratchBase is where helper results (map values) are exposed.
	scratchBase uint64 = 0xffff_ffe0_0000_0000
	// scratchSize bounds one helper result.
	scratchSize = 4096
)

// mapHandleTag marks a register value as a map-table handle rather than a
// literal. The relocator arranges for wide loads with the pseudo source
// nibble to produce these; the low 32 bits carry the map index.
const (
	mapHandleTag  uint64 = 0xffff_8bf0_0000_0000
	mapHandleMask uint64 = 0xffff_fff0_0000_0000
)

// MapHandle builds the tagged handle for a map-table index.
func MapHandle(idx uint32) uint64 { return mapHandleTag | uint64(idx) }

// mapHandleIndex decodes a tagged handle; reports false for plain values.
func mapHandleIndex(v uint64) (uint32, bool) {
	if v&mapHandleMask != mapHandleTag {
		return 0, false
	}
	return uint32(v), true
}

// Execution errors. These indicate malformed programs escaping structural
// validation or memory accesses outside every window; helpers never
// surface errors this way (they report through r0).
var (
	ErrPCRange       = errors.New("interp: program counter out of range")
	ErrBadAccess     = errors.New("interp: memory access outside stack, context, and scratch windows")
	ErrBadOpcode     = errors.New("interp: undecodable opcode")
	ErrMissingSecond = errors.New("interp: wide load missing second slot")
)

// Context is the per-event input handed to a program. r1 holds a virtual
// pointer to Data on entry (or zero when there is no payload).
type Context struct {
	Data []byte
}

// VM executes programs against a helper environment.
type VM struct {
	env    *Env
	logger *slog.Logger
}

// New creates an interpreter. A nil env gets an empty environment; the
// logger must not be nil.
func New(env *Env, logger *slog.Logger) *VM {
	if env == nil {
		env = NewEnv(logger)
	}
	return &VM{env: env, logger: logger}
}

// Env returns the helper environment.
func (vm *VM) Env() *Env { return vm.env }

// machine is one execution's mutable state.
type machine struct {
	regs    [11]uint64
	stack   [asm.StackSize]byte
	scratch [scratchSize]byte
	// scratchLen is how much of the scratch window a helper populated.
	scratchLen int
	ctx       []byte
}

// window resolves a virtual address range to backing storage, or nil when
// the range escapes every window (or straddles one's end).
func (m *machine) window(addr uint64, n int) []byte {
	end := addr + uint64(n)
	switch {
	case addr >= stackTop-asm.StackSize && end <= stackTop:
		off := addr - (stackTop - asm.StackSize)
		return m.stack[off : off+uint64(n)]
	case addr >= ctxBase && end <= ctxBase+uint64(len(m.ctx)):
		off := addr - ctxBase
		return m.ctx[off : off+uint64(n)]
	case addr >= scratchBase && end <= scratchBase+uint64(m.scratchLen):
		off := addr - scratchBase
		return m.scratch[off : off+uint64(n)]
	}
	return nil
}

// ReadVirtual implements Memory for helpers.
func (m *machine) ReadVirtual(addr uint64, n int) ([]byte, error) {
	w := m.window(addr, n)
	if w == nil {
		return nil, fmt.Errorf("%w: read %d bytes at 0x%x", ErrBadAccess, n, addr)
	}
	out := make([]byte, n)
	copy(out, w)
	return out, nil
}

// WriteVirtual implements Memory for helpers.
func (m *machine) WriteVirtual(addr uint64, b []byte) error {
	w := m.window(addr, len(b))
	if w == nil {
		return fmt.Errorf("%w: write %d bytes at 0x%x", ErrBadAccess, len(b), addr)
	}
	copy(w, b)
	return nil
}

// ExposeScratch implements Memory: it publishes b in the scratch window
// and returns its virtual address. Each call replaces the previous
// contents; values larger than the window are truncated.
func (m *machine) ExposeScratch(b []byte) uint64 {
	n := copy(m.scratch[:], b)
	m.scratchLen = n
	return scratchBase
}

// Run executes the program to completion and returns r0. Programs run to
// completion; there is no internal cancellation (§5), and the structural
// validator has already bounded the instruction count.
func (vm *VM) Run(p *asm.Program, ctx *Context) (uint64, error) {
	m := &machine{}
	if ctx != nil {
		m.ctx = ctx.Data
	}
	m.regs[10] = stackTop
	if len(m.ctx) > 0 {
		m.regs[1] = ctxBase
		m.regs[2] = uint64(len(m.ctx))
	}

	insns := p.Instructions()
	pc := 0
	for {
		if pc < 0 || pc >= len(insns) {
			return 0, fmt.Errorf("%w: pc=%d", ErrPCRange, pc)
		}
		in := insns[pc]

		// Wide 64-bit immediate load, or a relocated map reference.
		if in.IsWide() {
			if pc+1 >= len(insns) {
				return 0, ErrMissingSecond
			}
			if in.Src() == asm.PseudoMapIdx {
				m.regs[in.Dst()] = MapHandle(uint32(in.Imm))
			} else {
				m.regs[in.Dst()] = in.WideImm(insns[pc+1])
			}
			pc += 2
			continue
		}

		switch in.Class() {
		case asm.ClassAlu64:
			if err := m.alu(in, true); err != nil {
				return 0, err
			}
			pc++
		case asm.ClassAlu32:
			if err := m.alu(in, false); err != nil {
				return 0, err
			}
			pc++
		case asm.ClassJmp, asm.ClassJmp32:
			op, ok := asm.JumpOpOf(in.Opcode)
			if !ok {
				return 0, fmt.Errorf("%w: 0x%02x", ErrBadOpcode, in.Opcode)
			}
			switch op {
			case asm.JumpExit:
				return m.regs[0], nil
			case asm.JumpCall:
				m.regs[0] = vm.env.Call(in.Imm, m, [5]uint64{
					m.regs[1], m.regs[2], m.regs[3], m.regs[4], m.regs[5],
				})
				pc++
			case asm.JumpAlways:
				pc += 1 + int(in.Offset)
			default:
				taken, err := m.branch(in, op, in.Class() == asm.ClassJmp)
				if err != nil {
					return 0, err
				}
				if taken {
					pc += 1 + int(in.Offset)
				} else {
					pc++
				}
			}
		case asm.ClassLdx:
			if err := m.load(in); err != nil {
				return 0, err
			}
			pc++
		case asm.ClassStx, asm.ClassSt:
			if err := m.store(in); err != nil {
				return 0, err
			}
			pc++
		default:
			return 0, fmt.Errorf("%w: 0x%02x", ErrBadOpcode, in.Opcode)
		}
	}
}

// alu executes one ALU instruction. 32-bit operations compute on the low
// halves and zero-extend the result into the destination register.
func (m *machine) alu(in asm.Instruction, is64 bool) error {
	op, ok := asm.ALUOpOf(in.Opcode)
	if !ok {
		return fmt.Errorf("%w: 0x%02x", ErrBadOpcode, in.Opcode)
	}

	dst := in.Dst()
	var src uint64
	if asm.SourceOf(in.Opcode) == asm.SourceReg {
		src = m.regs[in.Src()]
	} else {
		src = uint64(int64(in.Imm)) // sign-extended immediate
	}

	if op == asm.ALUEnd {
		m.regs[dst] = byteSwap(m.regs[dst], in.Imm, asm.SourceOf(in.Opcode) == asm.SourceReg)
		return nil
	}

	if is64 {
		m.regs[dst] = alu64(op, m.regs[dst], src)
	} else {
		m.regs[dst] = uint64(alu32(op, uint32(m.regs[dst]), uint32(src)))
	}
	return nil
}

func alu64(op asm.ALUOp, a, b uint64) uint64 {
	switch op {
	case asm.ALUAdd:
		return a + b
	case asm.ALUSub:
		return a - b
	case asm.ALUMul:
		return a * b
	case asm.ALUDiv:
		// Division by zero produces zero, matching kernel convention.
		if b == 0 {
			return 0
		}
		return a / b
	case asm.ALUMod:
		if b == 0 {
			return 0
		}
		return a % b
	case asm.ALUOr:
		return a | b
	case asm.ALUAnd:
		return a & b
	case asm.ALUXor:
		return a ^ b
	case asm.ALULsh:
		return a << (b & 63)
	case asm.ALURsh:
		return a >> (b & 63)
	case asm.ALUArsh:
		return uint64(int64(a) >> (b & 63))
	case asm.ALUNeg:
		return -a
	case asm.ALUMov:
		return b
	}
	return a
}

func alu32(op asm.ALUOp, a, b uint32) uint32 {
	switch op {
	case asm.ALUAdd:
		return a + b
	case asm.ALUSub:
		return a - b
	case asm.ALUMul:
		return a * b
	case asm.ALUDiv:
		if b == 0 {
			return 0
		}
		return a / b
	case asm.ALUMod:
		if b == 0 {
			return 0
		}
		return a % b
	case asm.ALUOr:
		return a | b
	case asm.ALUAnd:
		return a & b
	case asm.ALUXor:
		return a ^ b
	case asm.ALULsh:
		return a << (b & 31)
	case asm.ALURsh:
		return a >> (b & 31)
	case asm.ALUArsh:
		return uint32(int32(a) >> (b & 31))
	case asm.ALUNeg:
		return -a
	case asm.ALUMov:
		return b
	}
	return a
}

// byteSwap implements the end instruction family. toBig swaps on this
// little-endian machine model; to-little truncates to the width.
func byteSwap(v uint64, width int32, toBig bool) uint64 {
	switch width {
	case 16:
		if toBig {
			return uint64(bits.ReverseBytes16(uint16(v)))
		}
		return uint64(uint16(v))
	case 32:
		if toBig {
			return uint64(bits.ReverseBytes32(uint32(v)))
		}
		return uint64(uint32(v))
	case 64:
		return bits.ReverseBytes64(v)
	}
	return v
}

// branch evaluates one conditional jump.
func (m *machine) branch(in asm.Instruction, op asm.JumpOp, is64 bool) (bool, error) {
	a := m.regs[in.Dst()]
	var b uint64
	if asm.SourceOf(in.Opcode) == asm.SourceReg {
		b = m.regs[in.Src()]
	} else {
		b = uint64(int64(in.Imm))
	}

	if !is64 {
		a = uint64(uint32(a))
		b = uint64(uint32(b))
	}

	sa, sb := int64(a), int64(b)
	if !is64 {
		sa, sb = int64(int32(uint32(a))), int64(int32(uint32(b)))
	}

	switch op {
	case asm.JumpEq:
		return a == b, nil
	case asm.JumpNE:
		return a != b, nil
	case asm.JumpGT:
		return a > b, nil
	case asm.JumpGE:
		return a >= b, nil
	case asm.JumpLT:
		return a < b, nil
	case asm.JumpLE:
		return a <= b, nil
	case asm.JumpSGT:
		return sa > sb, nil
	case asm.JumpSGE:
		return sa >= sb, nil
	case asm.JumpSLT:
		return sa < sb, nil
	case asm.JumpSLE:
		return sa <= sb, nil
	case asm.JumpSet:
		return a&b != 0, nil
	}
	return false, fmt.Errorf("%w: 0x%02x", ErrBadOpcode, in.Opcode)
}

// load executes ldx: dst = *(size *)(src + off), zero-extended.
func (m *machine) load(in asm.Instruction) error {
	size := asm.SizeOf(in.Opcode)
	addr := m.regs[in.Src()] + uint64(int64(in.Offset))
	w := m.window(addr, size.Bytes())
	if w == nil {
		return fmt.Errorf("%w: load%s at 0x%x", ErrBadAccess, size, addr)
	}
	var v uint64
	for i := size.Bytes() - 1; i >= 0; i-- {
		v = v<<8 | uint64(w[i])
	}
	m.regs[in.Dst()] = v
	return nil
}

// store executes st/stx: *(size *)(dst + off) = src or imm.
func (m *machine) store(in asm.Instruction) error {
	size := asm.SizeOf(in.Opcode)
	addr := m.regs[in.Dst()] + uint64(int64(in.Offset))
	w := m.window(addr, size.Bytes())
	if w == nil {
		return fmt.Errorf("%w: store%s at 0x%x", ErrBadAccess, size, addr)
	}
	var v uint64
	if in.Class() == asm.ClassSt {
		v = uint64(int64(in.Imm))
	} else {
		v = m.regs[in.Src()]
	}
	for i := 0; i < size.Bytes(); i++ {
		w[i] = byte(v >> (8 * i))
	}
	return nil
}
