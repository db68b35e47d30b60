package jit

import (
	"errors"
	"fmt"

	"github.com/axiomos/rkbpf/internal/asm"
)

// Compilation errors. Any of these yields control to the interpreter.
var (
	// ErrUnsupported reports an instruction with no lowering.
	ErrUnsupported = errors.New("jit: unsupported instruction")
	// ErrCodegen reports an inconsistency during code generation.
	ErrCodegen = errors.New("jit: code generation failed")
)

// CompiledProgram is the result of lowering a program: a buffer of host
// machine code. The buffer is immutable after compilation; making it
// executable (and actually invoking it) is gated behind a capability this
// runtime does not enable, so the interpreter remains the execution path.
type CompiledProgram struct {
	code  []byte
	entry int
}

// Code returns the emitted machine code.
func (c *CompiledProgram) Code() []byte { return c.code }

// Entry returns the entry point offset within the code buffer.
func (c *CompiledProgram) Entry() int { return c.entry }

// Compiler lowers bytecode to x86_64. A compiler instance is used for one
// program; the JIT never runs concurrently with itself per program.
type Compiler struct {
	e         *emitter
	stackSize int
}

// NewCompiler creates a compiler with the standard BPF scratch stack.
func NewCompiler() *Compiler {
	return &Compiler{e: newEmitter(4096), stackSize: asm.StackSize}
}

// Compile lowers the whole program and patches jump displacements.
func (c *Compiler) Compile(p *asm.Program) (*CompiledProgram, error) {
	insns := p.Instructions()
	if len(insns) == 0 {
		return nil, fmt.Errorf("%w: empty program", ErrCodegen)
	}

	entry := c.e.offset()
	c.prologue()

	for i := 0; i < len(insns); {
		in := insns[i]
		c.e.markSlot(c.e.offset())

		if in.IsWide() {
			if i+1 >= len(insns) {
				return nil, fmt.Errorf("%w: wide load at end of program", ErrCodegen)
			}
			// The second slot lowers to nothing; it maps to the same code
			// offset so jumps over it still patch correctly.
			c.e.markSlot(c.e.offset())
			c.e.movImm64(bpfToX64[in.Dst()], int64(in.WideImm(insns[i+1])))
			i += 2
			continue
		}

		if err := c.insn(in, i); err != nil {
			return nil, err
		}
		i++
	}

	if err := c.patch(); err != nil {
		return nil, err
	}

	code := c.e.code
	c.e = nil
	return &CompiledProgram{code: code, entry: entry}, nil
}

// prologue saves the callee-saved registers the mapping claims, reserves
// the BPF scratch stack, and points host rbp (BPF r10) at its top.
func (c *Compiler) prologue() {
	c.e.push(rbp)
	c.e.push(rbx)
	c.e.push(r13)
	c.e.push(r14)
	c.e.push(r15)
	c.e.subImm32(rsp, int32(c.stackSize))
	c.e.movReg(rbp, rsp)
	c.e.addImm32(rbp, int32(c.stackSize))
}

// epilogue reverses the prologue and returns with BPF r0 in rax.
func (c *Compiler) epilogue() {
	c.e.addImm32(rsp, int32(c.stackSize))
	c.e.pop(r15)
	c.e.pop(r14)
	c.e.pop(r13)
	c.e.pop(rbx)
	c.e.pop(rbp)
	c.e.ret()
}

// insn lowers one non-wide instruction at the given slot index.
func (c *Compiler) insn(in asm.Instruction, slot int) error {
	switch in.Class() {
	case asm.ClassAlu64:
		return c.alu(in, true)
	case asm.ClassAlu32:
		return c.alu(in, false)
	case asm.ClassJmp:
		return c.jump(in, slot, true)
	case asm.ClassJmp32:
		return c.jump(in, slot, false)
	case asm.ClassLdx:
		return c.loadInsn(in)
	case asm.ClassStx, asm.ClassSt:
		return c.storeInsn(in)
	default:
		return fmt.Errorf("%w: opcode 0x%02x", ErrUnsupported, in.Opcode)
	}
}

// alu lowers an ALU instruction. 32-bit results are zero-extended by the
// host implicitly for 32-bit operations; where the 64-bit form is used
// the result is narrowed with an explicit register-to-register 32-bit
// move.
func (c *Compiler) alu(in asm.Instruction, is64 bool) error {
	dst := bpfToX64[in.Dst()]
	isReg := asm.SourceOf(in.Opcode) == asm.SourceReg
	op, ok := asm.ALUOpOf(in.Opcode)
	if !ok {
		return fmt.Errorf("%w: opcode 0x%02x", ErrUnsupported, in.Opcode)
	}

	switch op {
	case asm.ALUAdd:
		if isReg {
			c.e.addReg(dst, bpfToX64[in.Src()])
		} else {
			c.e.addImm32(dst, in.Imm)
		}
	case asm.ALUSub:
		if isReg {
			c.e.subReg(dst, bpfToX64[in.Src()])
		} else {
			c.e.subImm32(dst, in.Imm)
		}
	case asm.ALUMul:
		if isReg {
			c.e.imulReg(dst, bpfToX64[in.Src()])
		} else {
			// IMUL by immediate goes through the scratch register.
			c.e.movImm32(tmpReg, in.Imm)
			c.e.imulReg(dst, tmpReg)
		}
	case asm.ALUDiv:
		c.divMod(in, isReg, false)
	case asm.ALUMod:
		c.divMod(in, isReg, true)
	case asm.ALUOr:
		if isReg {
			c.e.orReg(dst, bpfToX64[in.Src()])
		} else {
			c.e.orImm32(dst, in.Imm)
		}
	case asm.ALUAnd:
		if isReg {
			c.e.andReg(dst, bpfToX64[in.Src()])
		} else {
			c.e.andImm32(dst, in.Imm)
		}
	case asm.ALUXor:
		if isReg {
			c.e.xorReg(dst, bpfToX64[in.Src()])
		} else {
			c.e.xorImm32(dst, in.Imm)
		}
	case asm.ALULsh:
		c.shift(in, isReg, 4)
	case asm.ALURsh:
		c.shift(in, isReg, 5)
	case asm.ALUArsh:
		c.shift(in, isReg, 7)
	case asm.ALUNeg:
		c.e.negReg(dst)
	case asm.ALUMov:
		switch {
		case isReg:
			c.e.movReg(dst, bpfToX64[in.Src()])
		case in.Imm == 0:
			c.e.xorReg(dst, dst)
		default:
			c.e.movImm32(dst, in.Imm)
		}
	case asm.ALUEnd:
		return c.endian(in)
	default:
		return fmt.Errorf("%w: alu op 0x%02x", ErrUnsupported, in.Opcode)
	}

	// 32-bit ALU zero-extends the result into the 64-bit register. The
	// lowering above used 64-bit forms, so narrow explicitly.
	if !is64 {
		c.e.movReg32(dst, dst)
	}
	return nil
}

// divMod lowers unsigned division and remainder. The hardware divides
// RDX:RAX, so rax is preserved in r11 when it is not the destination, rdx
// is zeroed, and the quotient (or remainder, from rdx) is moved into
// place afterwards.
func (c *Compiler) divMod(in asm.Instruction, isReg, wantRemainder bool) {
	dst := bpfToX64[in.Dst()]

	if dst != rax {
		c.e.movReg(raxSave, rax)
		c.e.movReg(rax, dst)
	}
	c.e.xorReg(rdx, rdx)

	if isReg {
		c.e.divReg(bpfToX64[in.Src()])
	} else {
		c.e.movImm32(tmpReg, in.Imm)
		c.e.divReg(tmpReg)
	}

	if wantRemainder {
		c.e.movReg(dst, rdx)
		if dst != rax {
			c.e.movReg(rax, raxSave)
		}
	} else if dst != rax {
		c.e.movReg(dst, rax)
		c.e.movReg(rax, raxSave)
	}
}

// shift lowers shift operations; variable counts route through CL as the
// ISA requires.
func (c *Compiler) shift(in asm.Instruction, isReg bool, ext uint8) {
	dst := bpfToX64[in.Dst()]
	if isReg {
		src := bpfToX64[in.Src()]
		if src != rcx {
			c.e.movReg(rcx, src)
		}
		c.e.shiftCl(ext, dst)
	} else {
		c.e.shiftImm(ext, dst, uint8(in.Imm))
	}
}

// endian lowers the byte-swap family. to-little on a little-endian host
// truncates; to-big swaps and shifts down to the width.
func (c *Compiler) endian(in asm.Instruction) error {
	dst := bpfToX64[in.Dst()]
	toBig := asm.SourceOf(in.Opcode) == asm.SourceReg

	switch in.Imm {
	case 64:
		c.e.bswap64(dst)
	case 32:
		if toBig {
			c.e.bswap64(dst)
			c.e.shiftImm(5, dst, 32) // SHR dst, 32
		} else {
			c.e.movReg32(dst, dst)
		}
	case 16:
		if toBig {
			c.e.bswap64(dst)
			c.e.shiftImm(5, dst, 48)
		} else {
			c.e.andImm32(dst, 0xffff)
		}
	default:
		return fmt.Errorf("%w: endian width %d", ErrUnsupported, in.Imm)
	}
	return nil
}

// jump lowers control flow. Conditional and unconditional jumps emit a
// 4-byte displacement placeholder recorded for the patch pass; call
// lowers to a helper stub (the native helper bridge is not enabled, so
// the stub zeroes r0 exactly as a missing helper does).
func (c *Compiler) jump(in asm.Instruction, slot int, is64 bool) error {
	op, ok := asm.JumpOpOf(in.Opcode)
	if !ok {
		return fmt.Errorf("%w: opcode 0x%02x", ErrUnsupported, in.Opcode)
	}

	switch op {
	case asm.JumpExit:
		c.epilogue()
		return nil
	case asm.JumpCall:
		c.e.xorReg(rax, rax)
		return nil
	case asm.JumpAlways:
		c.e.jmpRel32(0)
		c.e.recordJump(slot + 1 + int(in.Offset))
		return nil
	}

	dst := bpfToX64[in.Dst()]
	isReg := asm.SourceOf(in.Opcode) == asm.SourceReg

	var cc uint8
	switch op {
	case asm.JumpEq:
		cc = ccE
	case asm.JumpNE:
		cc = ccNE
	case asm.JumpGT:
		cc = ccA
	case asm.JumpGE:
		cc = ccAE
	case asm.JumpLT:
		cc = ccB
	case asm.JumpLE:
		cc = ccBE
	case asm.JumpSGT:
		cc = ccG
	case asm.JumpSGE:
		cc = ccGE
	case asm.JumpSLT:
		cc = ccL
	case asm.JumpSLE:
		cc = ccLE
	case asm.JumpSet:
		cc = ccNE
	default:
		return fmt.Errorf("%w: jump op 0x%02x", ErrUnsupported, in.Opcode)
	}

	// The 32-bit jump classes compare the low halves only. The operands
	// are copied into the scratch registers, so the full values are
	// preserved; for compares both are shifted into the high halves, where
	// the 64-bit compare orders them exactly as a 32-bit one would.
	if op == asm.JumpSet {
		if isReg {
			c.e.movReg(tmpReg, bpfToX64[in.Src()])
		} else {
			c.e.movImm32(tmpReg, in.Imm)
		}
		if !is64 {
			c.e.movReg32(tmpReg, tmpReg)
		}
		c.e.testReg(dst, tmpReg)
	} else if isReg {
		if !is64 {
			c.e.movReg32(tmpReg, dst)
			c.e.movReg32(raxSave, bpfToX64[in.Src()])
			c.e.shiftImm(4, tmpReg, 32)
			c.e.shiftImm(4, raxSave, 32)
			c.e.cmpReg(tmpReg, raxSave)
		} else {
			c.e.cmpReg(dst, bpfToX64[in.Src()])
		}
	} else {
		if !is64 {
			c.e.movReg32(tmpReg, dst)
			c.e.movImm32(raxSave, in.Imm)
			c.e.shiftImm(4, tmpReg, 32)
			c.e.shiftImm(4, raxSave, 32)
			c.e.cmpReg(tmpReg, raxSave)
		} else {
			c.e.cmpImm32(dst, in.Imm)
		}
	}

	c.e.jccRel32(cc, 0)
	c.e.recordJump(slot + 1 + int(in.Offset))
	return nil
}

// loadInsn lowers ldx.
func (c *Compiler) loadInsn(in asm.Instruction) error {
	c.e.load(bpfToX64[in.Dst()], bpfToX64[in.Src()], int32(in.Offset), asm.SizeOf(in.Opcode))
	return nil
}

// storeInsn lowers st/stx. Store-immediate materialises the value in the
// scratch register first.
func (c *Compiler) storeInsn(in asm.Instruction) error {
	size := asm.SizeOf(in.Opcode)
	dst := bpfToX64[in.Dst()]
	if in.Class() == asm.ClassSt {
		c.e.movImm32(tmpReg, in.Imm)
		c.e.store(dst, int32(in.Offset), tmpReg, size)
	} else {
		c.e.store(dst, int32(in.Offset), bpfToX64[in.Src()], size)
	}
	return nil
}

// patch resolves every recorded jump displacement against the per-slot
// offset table. Jumps past the last instruction land on the code end.
func (c *Compiler) patch() error {
	for _, p := range c.e.patches {
		var target int
		switch {
		case p.targetSlot >= 0 && p.targetSlot < len(c.e.slotOffsets):
			target = c.e.slotOffsets[p.targetSlot]
		case p.targetSlot == len(c.e.slotOffsets):
			target = len(c.e.code)
		default:
			return fmt.Errorf("%w: jump target slot %d out of range", ErrCodegen, p.targetSlot)
		}
		rel := int32(target - p.codeOff - 4)
		c.e.code[p.codeOff] = byte(rel)
		c.e.code[p.codeOff+1] = byte(rel >> 8)
		c.e.code[p.codeOff+2] = byte(rel >> 16)
		c.e.code[p.codeOff+3] = byte(rel >> 24)
	}
	return nil
}
