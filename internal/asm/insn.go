package asm

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// InstructionSize is the wire size of one instruction record in bytes.
const InstructionSize = 8

// MaxRegister is the highest addressable register (r10, the frame pointer).
const MaxRegister = 10

// PseudoMapIdx is the sentinel value written into the source-register
// nibble of a wide load by the relocator to mark the immediate as a map
// index rather than a literal. The execution engine turns such loads into
// tagged map handles.
const PseudoMapIdx = 1

// OpLoadImm64 is the opcode of the wide 64-bit immediate load. A wide
// instruction occupies two consecutive records; the second record carries
// the high 32 bits of the immediate in its imm field.
const OpLoadImm64 uint8 = uint8(ClassLd) | uint8(SizeDWord) | ModeImm // 0x18

// Instruction is the fixed 8-byte bytecode record: opcode, packed register
// selectors (destination in the low nibble, source in the high nibble),
// signed 16-bit branch/memory offset, signed 32-bit immediate.
type Instruction struct {
	Opcode uint8
	Regs   uint8
	Offset int16
	Imm    int32
}

// Dst returns the destination register number.
func (in Instruction) Dst() uint8 { return in.Regs & 0x0f }

// Src returns the source register number.
func (in Instruction) Src() uint8 { return in.Regs >> 4 }

// WithSrc returns a copy of the instruction with the source nibble
// replaced. Used by the relocator to install PseudoMapIdx.
func (in Instruction) WithSrc(src uint8) Instruction {
	in.Regs = (in.Regs & 0x0f) | (src << 4)
	return in
}

// Class returns the instruction class.
func (in Instruction) Class() Class { return ClassOf(in.Opcode) }

// IsWide reports whether the instruction starts a two-slot wide load.
func (in Instruction) IsWide() bool { return in.Opcode == OpLoadImm64 }

// IsExit reports whether the instruction is a program exit.
func (in Instruction) IsExit() bool {
	return in.Class() == ClassJmp && JumpOp(in.Opcode&0xf0) == JumpExit
}

// WideImm combines this instruction's immediate with the following record's
// to form the 64-bit immediate of a wide load.
func (in Instruction) WideImm(next Instruction) uint64 {
	return uint64(uint32(in.Imm)) | uint64(uint32(next.Imm))<<32
}

func (in Instruction) String() string {
	return fmt.Sprintf("{op=0x%02x dst=r%d src=r%d off=%d imm=%d}",
		in.Opcode, in.Dst(), in.Src(), in.Offset, in.Imm)
}

// Marshal encodes the instruction into its 8-byte little-endian wire form.
func (in Instruction) Marshal() [InstructionSize]byte {
	var b [InstructionSize]byte
	b[0] = in.Opcode
	b[1] = in.Regs
	binary.LittleEndian.PutUint16(b[2:4], uint16(in.Offset))
	binary.LittleEndian.PutUint32(b[4:8], uint32(in.Imm))
	return b
}

// unmarshalInsn decodes one instruction from b using the given byte order.
// b must hold at least InstructionSize bytes.
func unmarshalInsn(b []byte, order binary.ByteOrder) Instruction {
	return Instruction{
		Opcode: b[0],
		Regs:   b[1],
		Offset: int16(order.Uint16(b[2:4])),
		Imm:    int32(order.Uint32(b[4:8])),
	}
}

// ErrTruncatedInstructions reports an instruction stream whose length is
// not a multiple of the record size.
var ErrTruncatedInstructions = errors.New("asm: instruction stream length not a multiple of 8")

// Decode parses a byte slice into instructions using the given byte order
// (the containing object file's byte order).
func Decode(data []byte, order binary.ByteOrder) ([]Instruction, error) {
	if len(data)%InstructionSize != 0 {
		return nil, ErrTruncatedInstructions
	}
	insns := make([]Instruction, 0, len(data)/InstructionSize)
	for off := 0; off < len(data); off += InstructionSize {
		insns = append(insns, unmarshalInsn(data[off:off+InstructionSize], order))
	}
	return insns, nil
}

// Encode serialises instructions into their little-endian wire form.
func Encode(insns []Instruction) []byte {
	out := make([]byte, 0, len(insns)*InstructionSize)
	for _, in := range insns {
		b := in.Marshal()
		out = append(out, b[:]...)
	}
	return out
}

// Builder helpers. These construct the encodings the loader would produce,
// and are what tests and the demo pipeline assemble programs from.

// Mov64Imm is mov dst, imm (64-bit).
func Mov64Imm(dst uint8, imm int32) Instruction {
	return Instruction{Opcode: uint8(ClassAlu64) | uint8(SourceImm) | uint8(ALUMov), Regs: dst, Imm: imm}
}

// Mov64Reg is mov dst, src (64-bit).
func Mov64Reg(dst, src uint8) Instruction {
	return Instruction{Opcode: uint8(ClassAlu64) | uint8(SourceReg) | uint8(ALUMov), Regs: dst | src<<4}
}

// Mov32Imm is mov dst, imm (32-bit, zero-extending).
func Mov32Imm(dst uint8, imm int32) Instruction {
	return Instruction{Opcode: uint8(ClassAlu32) | uint8(SourceImm) | uint8(ALUMov), Regs: dst, Imm: imm}
}

// Add64Imm is add dst, imm (64-bit).
func Add64Imm(dst uint8, imm int32) Instruction {
	return Instruction{Opcode: uint8(ClassAlu64) | uint8(SourceImm) | uint8(ALUAdd), Regs: dst, Imm: imm}
}

// Add64Reg is add dst, src (64-bit).
func Add64Reg(dst, src uint8) Instruction {
	return Instruction{Opcode: uint8(ClassAlu64) | uint8(SourceReg) | uint8(ALUAdd), Regs: dst | src<<4}
}

// ALU64Imm builds any 64-bit ALU operation with an immediate operand.
func ALU64Imm(op ALUOp, dst uint8, imm int32) Instruction {
	return Instruction{Opcode: uint8(ClassAlu64) | uint8(SourceImm) | uint8(op), Regs: dst, Imm: imm}
}

// ALU64Reg builds any 64-bit ALU operation with a register operand.
func ALU64Reg(op ALUOp, dst, src uint8) Instruction {
	return Instruction{Opcode: uint8(ClassAlu64) | uint8(SourceReg) | uint8(op), Regs: dst | src<<4}
}

// ALU32Imm builds any 32-bit ALU operation with an immediate operand.
func ALU32Imm(op ALUOp, dst uint8, imm int32) Instruction {
	return Instruction{Opcode: uint8(ClassAlu32) | uint8(SourceImm) | uint8(op), Regs: dst, Imm: imm}
}

// ALU32Reg builds any 32-bit ALU operation with a register operand.
func ALU32Reg(op ALUOp, dst, src uint8) Instruction {
	return Instruction{Opcode: uint8(ClassAlu32) | uint8(SourceReg) | uint8(op), Regs: dst | src<<4}
}

// JumpImm builds a 64-bit conditional jump against an immediate.
func JumpImm(op JumpOp, dst uint8, imm int32, off int16) Instruction {
	return Instruction{Opcode: uint8(ClassJmp) | uint8(SourceImm) | uint8(op), Regs: dst, Offset: off, Imm: imm}
}

// JumpReg builds a 64-bit conditional jump against a register.
func JumpReg(op JumpOp, dst, src uint8, off int16) Instruction {
	return Instruction{Opcode: uint8(ClassJmp) | uint8(SourceReg) | uint8(op), Regs: dst | src<<4, Offset: off}
}

// Jump32Imm builds a 32-bit conditional jump against an immediate.
func Jump32Imm(op JumpOp, dst uint8, imm int32, off int16) Instruction {
	return Instruction{Opcode: uint8(ClassJmp32) | uint8(SourceImm) | uint8(op), Regs: dst, Offset: off, Imm: imm}
}

// Ja is an unconditional relative jump.
func Ja(off int16) Instruction {
	return Instruction{Opcode: uint8(ClassJmp) | uint8(JumpAlways), Offset: off}
}

// Call invokes the helper with the given numeric id.
func Call(helper int32) Instruction {
	return Instruction{Opcode: uint8(ClassJmp) | uint8(JumpCall), Imm: helper}
}

// Exit returns from the program with r0 as the result.
func Exit() Instruction {
	return Instruction{Opcode: uint8(ClassJmp) | uint8(JumpExit)}
}

// LoadImm64 builds the two-record wide load of a 64-bit immediate.
func LoadImm64(dst uint8, imm uint64) [2]Instruction {
	return [2]Instruction{
		{Opcode: OpLoadImm64, Regs: dst, Imm: int32(uint32(imm))},
		{Imm: int32(uint32(imm >> 32))},
	}
}

// LoadMapIdx builds the relocated form of a map reference: a wide load
// whose source nibble carries PseudoMapIdx and whose immediate is the map
// index.
func LoadMapIdx(dst uint8, mapIdx int32) [2]Instruction {
	return [2]Instruction{
		{Opcode: OpLoadImm64, Regs: dst | PseudoMapIdx<<4, Imm: mapIdx},
		{},
	}
}

// LoadMem is ldx dst, [src+off] with the given access width.
func LoadMem(size Size, dst, src uint8, off int16) Instruction {
	return Instruction{Opcode: uint8(ClassLdx) | uint8(size) | ModeMem, Regs: dst | src<<4, Offset: off}
}

// StoreMem is stx [dst+off], src with the given access width.
func StoreMem(size Size, dst, src uint8, off int16) Instruction {
	return Instruction{Opcode: uint8(ClassStx) | uint8(size) | ModeMem, Regs: dst | src<<4, Offset: off}
}

// StoreImm is st [dst+off], imm with the given access width.
func StoreImm(size Size, dst uint8, off int16, imm int32) Instruction {
	return Instruction{Opcode: uint8(ClassSt) | uint8(size) | ModeMem, Regs: dst, Offset: off, Imm: imm}
}

// Endian builds a byte-swap instruction. width is 16, 32, or 64; toBig
// selects the to-big-endian form.
func Endian(dst uint8, width int32, toBig bool) Instruction {
	src := SourceImm
	if toBig {
		src = SourceReg
	}
	return Instruction{Opcode: uint8(ClassAlu64) | uint8(src) | uint8(ALUEnd), Regs: dst, Imm: width}
}
