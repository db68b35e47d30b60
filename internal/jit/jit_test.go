package jit

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/axiomos/rkbpf/internal/asm"
	"github.com/axiomos/rkbpf/internal/interp"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func compile(t *testing.T, insns []asm.Instruction) *CompiledProgram {
	t.Helper()
	p, err := asm.NewProgram("test", asm.ProgTypeSocketFilter, insns, 0)
	if err != nil {
		t.Fatalf("build program: %v", err)
	}
	cp, err := NewCompiler().Compile(p)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	return cp
}

func TestCompileTrivial(t *testing.T) {
	cp := compile(t, []asm.Instruction{
		asm.Mov64Imm(0, 42),
		asm.Exit(),
	})
	if len(cp.Code()) == 0 {
		t.Fatal("no code emitted")
	}
	if cp.Entry() != 0 {
		t.Errorf("entry = %d, want 0", cp.Entry())
	}
	// The buffer ends in the epilogue's RET.
	if cp.Code()[len(cp.Code())-1] != 0xC3 {
		t.Errorf("last byte = %#x, want RET", cp.Code()[len(cp.Code())-1])
	}
}

func TestCompileArithmetic(t *testing.T) {
	cp := compile(t, []asm.Instruction{
		asm.Mov64Imm(0, 10),
		asm.Add64Imm(0, 5),
		asm.Mov64Imm(1, 3),
		asm.Add64Reg(0, 1),
		asm.Exit(),
	})
	if len(cp.Code()) == 0 {
		t.Fatal("no code emitted")
	}
}

func TestPrologueLayout(t *testing.T) {
	cp := compile(t, []asm.Instruction{asm.Mov64Imm(0, 0), asm.Exit()})
	// push rbp; push rbx; push r13; push r14; push r15
	want := []byte{0x55, 0x53, 0x41, 0x55, 0x41, 0x56, 0x41, 0x57}
	if !bytes.HasPrefix(cp.Code(), want) {
		t.Errorf("prologue = %x..., want prefix %x", cp.Code()[:12], want)
	}
}

func TestMovImm64Encoding(t *testing.T) {
	wide := asm.LoadImm64(0, 0x1122334455667788)
	cp := compile(t, []asm.Instruction{wide[0], wide[1], asm.Exit()})
	// REX.W B8+rax imm64 for the wide load into rax.
	pattern := []byte{0x48, 0xB8, 0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11}
	if !bytes.Contains(cp.Code(), pattern) {
		t.Errorf("mov rax, imm64 not found in %x", cp.Code())
	}
}

func TestDivPreservesRax(t *testing.T) {
	// Division with dst != r0 must save and restore rax (via r11).
	cp := compile(t, []asm.Instruction{
		asm.Mov64Imm(1, 100),
		asm.ALU64Imm(asm.ALUDiv, 1, 7),
		asm.Mov64Reg(0, 1),
		asm.Exit(),
	})
	// mov r11, rax: REX.W(B=r11) 89 /r -> 49 89 C3
	if !bytes.Contains(cp.Code(), []byte{0x49, 0x89, 0xC3}) {
		t.Errorf("rax save not found in %x", cp.Code())
	}
	// xor rdx, rdx: 48 31 D2
	if !bytes.Contains(cp.Code(), []byte{0x48, 0x31, 0xD2}) {
		t.Errorf("rdx zeroing not found in %x", cp.Code())
	}
}

func TestShiftThroughRcx(t *testing.T) {
	cp := compile(t, []asm.Instruction{
		asm.Mov64Imm(0, 1),
		asm.Mov64Imm(6, 4),
		asm.ALU64Reg(asm.ALULsh, 0, 6), // count in r6 (rbx) routes through rcx
		asm.Exit(),
	})
	// mov rcx, rbx: 48 89 D9
	if !bytes.Contains(cp.Code(), []byte{0x48, 0x89, 0xD9}) {
		t.Errorf("count move to rcx not found in %x", cp.Code())
	}
	// shl rax, cl: 48 D3 E0
	if !bytes.Contains(cp.Code(), []byte{0x48, 0xD3, 0xE0}) {
		t.Errorf("shl cl not found in %x", cp.Code())
	}
}

func TestJumpPatching(t *testing.T) {
	cp := compile(t, []asm.Instruction{
		asm.Mov64Imm(0, 1),
		asm.JumpImm(asm.JumpEq, 0, 1, 2),
		asm.Mov64Imm(0, 0),
		asm.Exit(),
		asm.Mov64Imm(0, 5),
		asm.Exit(),
	})
	// No displacement placeholder may survive the patch pass: scan for
	// the Jcc opcode and verify its displacement is positive and lands
	// inside the buffer.
	code := cp.Code()
	for i := 0; i+6 <= len(code); i++ {
		if code[i] == 0x0F && code[i+1] == 0x84 { // JE rel32
			disp := int32(uint32(code[i+2]) | uint32(code[i+3])<<8 |
				uint32(code[i+4])<<16 | uint32(code[i+5])<<24)
			if disp == 0 {
				t.Fatal("unpatched displacement")
			}
			target := i + 6 + int(disp)
			if target < 0 || target > len(code) {
				t.Fatalf("jump target %d outside code of %d bytes", target, len(code))
			}
			return
		}
	}
	t.Fatal("JE rel32 not found")
}

func TestJumpOverWideLoadPatchesCorrectly(t *testing.T) {
	// A jump whose offset counts slots must still resolve when a wide
	// load (two slots, one host instruction) sits in between.
	wide := asm.LoadImm64(1, 0x55)
	cp := compile(t, []asm.Instruction{
		asm.JumpImm(asm.JumpEq, 0, 0, 3), // skip the wide pair + mov
		wide[0], wide[1],
		asm.Mov64Imm(0, 1),
		asm.Mov64Imm(0, 2),
		asm.Exit(),
	})
	if len(cp.Code()) == 0 {
		t.Fatal("no code emitted")
	}
}

func TestCompileMemoryOps(t *testing.T) {
	cp := compile(t, []asm.Instruction{
		asm.StoreImm(asm.SizeDWord, 10, -8, 7),
		asm.LoadMem(asm.SizeDWord, 0, 10, -8),
		asm.StoreMem(asm.SizeByte, 10, 0, -16),
		asm.LoadMem(asm.SizeByte, 0, 10, -16),
		asm.Exit(),
	})
	// movzx rax, byte [rbp-16]: 48 0F B6 45 F0
	if !bytes.Contains(cp.Code(), []byte{0x48, 0x0F, 0xB6, 0x45, 0xF0}) {
		t.Errorf("zero-extending byte load not found in %x", cp.Code())
	}
}

func TestCompileByteSwap(t *testing.T) {
	cp := compile(t, []asm.Instruction{
		asm.Mov64Imm(0, 1),
		asm.Endian(0, 64, true),
		asm.Exit(),
	})
	// bswap rax: 48 0F C8
	if !bytes.Contains(cp.Code(), []byte{0x48, 0x0F, 0xC8}) {
		t.Errorf("bswap not found in %x", cp.Code())
	}
}

func TestExecutorFallbackMatchesInterpreter(t *testing.T) {
	programs := [][]asm.Instruction{
		{asm.Mov64Imm(0, 42), asm.Exit()},
		{
			asm.Mov64Imm(0, 10),
			asm.Add64Imm(0, 5),
			asm.Mov64Imm(1, 3),
			asm.Add64Reg(0, 1),
			asm.Exit(),
		},
		{
			asm.Mov64Imm(0, 100),
			asm.Mov64Imm(1, 0),
			asm.ALU64Reg(asm.ALUDiv, 0, 1),
			asm.Exit(),
		},
		{
			asm.Mov64Imm(1, 7),
			asm.JumpImm(asm.JumpGT, 1, 3, 2),
			asm.Mov64Imm(0, 0),
			asm.Exit(),
			asm.Mov64Imm(0, 1),
			asm.Exit(),
		},
	}

	vm := interp.New(nil, testLogger())
	x := NewExecutor(vm, testLogger())

	for i, insns := range programs {
		p, err := asm.NewProgram("p", asm.ProgTypeSocketFilter, insns, 0)
		if err != nil {
			t.Fatalf("program %d: %v", i, err)
		}
		want, err := vm.Run(p, nil)
		if err != nil {
			t.Fatalf("interpret %d: %v", i, err)
		}
		got, err := x.Run(p, nil)
		if err != nil {
			t.Fatalf("execute %d: %v", i, err)
		}
		if got != want {
			t.Errorf("program %d: executor r0 = %d, interpreter r0 = %d", i, got, want)
		}
	}
}

func TestExecutorCachesCompilation(t *testing.T) {
	vm := interp.New(nil, testLogger())
	x := NewExecutor(vm, testLogger())
	p, _ := asm.NewProgram("p", asm.ProgTypeSocketFilter,
		[]asm.Instruction{asm.Mov64Imm(0, 1), asm.Exit()}, 0)

	cp1, err := x.Compile(p)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	cp2, err := x.Compile(p)
	if err != nil {
		t.Fatalf("recompile: %v", err)
	}
	if cp1 != cp2 {
		t.Error("compilation not cached")
	}
}

func TestUnsupportedEndianWidthFailsCompilation(t *testing.T) {
	p, _ := asm.NewProgram("p", asm.ProgTypeSocketFilter, []asm.Instruction{
		asm.Endian(0, 48, true), // no such width
		asm.Exit(),
	}, 0)
	if _, err := NewCompiler().Compile(p); !errors.Is(err, ErrUnsupported) {
		t.Errorf("err = %v, want ErrUnsupported", err)
	}

	// Compilation failure is cached and must not wedge the executor.
	vm := interp.New(nil, testLogger())
	x := NewExecutor(vm, testLogger())
	if _, err := x.Compile(p); !errors.Is(err, ErrUnsupported) {
		t.Errorf("cached err = %v, want ErrUnsupported", err)
	}
}
