package jit

import (
	"log/slog"
	"sync"

	"github.com/axiomos/rkbpf/internal/asm"
	"github.com/axiomos/rkbpf/internal/interp"
)

// NativeExecutionEnabled gates actually invoking emitted code. The
// compiled buffer is built and retained, but execution always goes
// through the interpreter until the native path is certified; results
// must be bit-identical either way, so enabling it is a performance
// switch, not a semantic one.
const NativeExecutionEnabled = false

// Executor compiles a program once and runs it. Compilation failures are
// recorded and logged a single time; execution silently falls back to the
// interpreter in every case (mandatory fallback).
type Executor struct {
	vm     *interp.VM
	logger *slog.Logger

	mu       sync.Mutex
	compiled map[*asm.Program]*CompiledProgram
	failed   map[*asm.Program]error
}

// NewExecutor creates an executor running against the given interpreter.
func NewExecutor(vm *interp.VM, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		vm:       vm,
		logger:   logger,
		compiled: make(map[*asm.Program]*CompiledProgram),
		failed:   make(map[*asm.Program]error),
	}
}

// Compile lowers the program, caching the result. A program is compiled
// at most once; the JIT does not run concurrently with itself per
// program.
func (x *Executor) Compile(p *asm.Program) (*CompiledProgram, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if cp, ok := x.compiled[p]; ok {
		return cp, nil
	}
	if err, ok := x.failed[p]; ok {
		return nil, err
	}

	cp, err := NewCompiler().Compile(p)
	if err != nil {
		x.failed[p] = err
		x.logger.Debug("jit compilation failed, interpreter will serve this program",
			"program", p.Name(), "error", err)
		return nil, err
	}
	x.compiled[p] = cp
	return cp, nil
}

// Run executes the program. The program is compiled on first use; any JIT
// error — and, while native execution stays gated off, every success too
// — yields to the interpreter with the same program and context.
func (x *Executor) Run(p *asm.Program, ctx *interp.Context) (uint64, error) {
	// Compile for its side effects (cache, diagnostics); the result does
	// not alter the execution path.
	_, _ = x.Compile(p)
	return x.vm.Run(p, ctx)
}
