// Package asm defines the rkBPF bytecode data model: the fixed 8-byte
// instruction record, the opcode decode tables, builder helpers used by
// tests and tooling, and the validated program object handed to the
// execution engine.
package asm

import "fmt"

// Class is the instruction class, held in the low 3 bits of the opcode.
type Class uint8

const (
	ClassLd    Class = 0x00 // wide immediate loads
	ClassLdx   Class = 0x01 // memory loads
	ClassSt    Class = 0x02 // memory stores, immediate source
	ClassStx   Class = 0x03 // memory stores, register source
	ClassAlu32 Class = 0x04 // 32-bit arithmetic
	ClassJmp   Class = 0x05 // 64-bit compares and control flow
	ClassJmp32 Class = 0x06 // 32-bit compares
	ClassAlu64 Class = 0x07 // 64-bit arithmetic
)

// ClassOf extracts the class from an opcode.
func ClassOf(op uint8) Class { return Class(op & 0x07) }

func (c Class) String() string {
	switch c {
	case ClassLd:
		return "ld"
	case ClassLdx:
		return "ldx"
	case ClassSt:
		return "st"
	case ClassStx:
		return "stx"
	case ClassAlu32:
		return "alu32"
	case ClassJmp:
		return "jmp"
	case ClassJmp32:
		return "jmp32"
	case ClassAlu64:
		return "alu64"
	}
	return fmt.Sprintf("class(%d)", uint8(c))
}

// Source selects the second operand of ALU and jump instructions.
type Source uint8

const (
	// SourceImm takes the operand from the 32-bit immediate.
	SourceImm Source = 0x00
	// SourceReg takes the operand from the source register.
	SourceReg Source = 0x08
)

// SourceOf extracts the source type from an ALU or jump opcode.
func SourceOf(op uint8) Source { return Source(op & 0x08) }

// ALUOp is an arithmetic/logic operation, held in the high 4 bits of ALU
// opcodes.
type ALUOp uint8

const (
	ALUAdd  ALUOp = 0x00
	ALUSub  ALUOp = 0x10
	ALUMul  ALUOp = 0x20
	ALUDiv  ALUOp = 0x30
	ALUOr   ALUOp = 0x40
	ALUAnd  ALUOp = 0x50
	ALULsh  ALUOp = 0x60
	ALURsh  ALUOp = 0x70
	ALUNeg  ALUOp = 0x80
	ALUMod  ALUOp = 0x90
	ALUXor  ALUOp = 0xa0
	ALUMov  ALUOp = 0xb0
	ALUArsh ALUOp = 0xc0
	// ALUEnd is the byte-swap family; the immediate selects 16/32/64 and
	// the source bit selects to-little vs to-big.
	ALUEnd ALUOp = 0xd0
)

// ALUOpOf extracts the operation from an ALU opcode.
func ALUOpOf(op uint8) (ALUOp, bool) {
	a := ALUOp(op & 0xf0)
	if a > ALUEnd {
		return 0, false
	}
	return a, true
}

func (a ALUOp) String() string {
	switch a {
	case ALUAdd:
		return "add"
	case ALUSub:
		return "sub"
	case ALUMul:
		return "mul"
	case ALUDiv:
		return "div"
	case ALUOr:
		return "or"
	case ALUAnd:
		return "and"
	case ALULsh:
		return "lsh"
	case ALURsh:
		return "rsh"
	case ALUNeg:
		return "neg"
	case ALUMod:
		return "mod"
	case ALUXor:
		return "xor"
	case ALUMov:
		return "mov"
	case ALUArsh:
		return "arsh"
	case ALUEnd:
		return "end"
	}
	return fmt.Sprintf("alu(0x%02x)", uint8(a))
}

// JumpOp is a control-flow operation, held in the high 4 bits of jump
// opcodes.
type JumpOp uint8

const (
	JumpAlways JumpOp = 0x00
	JumpEq     JumpOp = 0x10
	JumpGT     JumpOp = 0x20
	JumpGE     JumpOp = 0x30
	JumpSet    JumpOp = 0x40
	JumpNE     JumpOp = 0x50
	JumpSGT    JumpOp = 0x60
	JumpSGE    JumpOp = 0x70
	JumpCall   JumpOp = 0x80
	JumpExit   JumpOp = 0x90
	JumpLT     JumpOp = 0xa0
	JumpLE     JumpOp = 0xb0
	JumpSLT    JumpOp = 0xc0
	JumpSLE    JumpOp = 0xd0
)

// JumpOpOf extracts the operation from a jump opcode.
func JumpOpOf(op uint8) (JumpOp, bool) {
	j := JumpOp(op & 0xf0)
	if j > JumpSLE {
		return 0, false
	}
	return j, true
}

func (j JumpOp) String() string {
	switch j {
	case JumpAlways:
		return "ja"
	case JumpEq:
		return "jeq"
	case JumpGT:
		return "jgt"
	case JumpGE:
		return "jge"
	case JumpSet:
		return "jset"
	case JumpNE:
		return "jne"
	case JumpSGT:
		return "jsgt"
	case JumpSGE:
		return "jsge"
	case JumpCall:
		return "call"
	case JumpExit:
		return "exit"
	case JumpLT:
		return "jlt"
	case JumpLE:
		return "jle"
	case JumpSLT:
		return "jslt"
	case JumpSLE:
		return "jsle"
	}
	return fmt.Sprintf("jmp(0x%02x)", uint8(j))
}

// Size is the access width of a memory instruction, held in bits 3-4 of
// load/store opcodes.
type Size uint8

const (
	SizeWord  Size = 0x00 // 4 bytes
	SizeHalf  Size = 0x08 // 2 bytes
	SizeByte  Size = 0x10 // 1 byte
	SizeDWord Size = 0x18 // 8 bytes
)

// SizeOf extracts the access width from a memory opcode.
func SizeOf(op uint8) Size { return Size(op & 0x18) }

// Bytes returns the access width in bytes.
func (s Size) Bytes() int {
	switch s {
	case SizeByte:
		return 1
	case SizeHalf:
		return 2
	case SizeWord:
		return 4
	case SizeDWord:
		return 8
	}
	return 0
}

func (s Size) String() string {
	switch s {
	case SizeByte:
		return "b"
	case SizeHalf:
		return "h"
	case SizeWord:
		return "w"
	case SizeDWord:
		return "dw"
	}
	return "?"
}

// Addressing modes for the load/store classes (bits 5-7).
const (
	ModeImm uint8 = 0x00
	ModeAbs uint8 = 0x20
	ModeInd uint8 = 0x40
	ModeMem uint8 = 0x60
)
