package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/axiomos/rkbpf/internal/asm"
	"github.com/axiomos/rkbpf/internal/attach"
	"github.com/axiomos/rkbpf/internal/bridge"
	"github.com/axiomos/rkbpf/internal/interp"
	"github.com/axiomos/rkbpf/internal/manager"
	"github.com/axiomos/rkbpf/internal/pmm"
	"github.com/axiomos/rkbpf/internal/ringbuf"
)

// runDemo stands up the whole pipeline in one process: a frame-backed
// manager, a program that pushes a telemetry sample for every GPIO edge,
// a synthetic edge generator, and the bridge publishing what flows out
// of the ring.
func runDemo(cmd *cobra.Command, _ []string) error {
	logger := newLogger("info")

	format, err := bridge.ParseFormat(flagFormat)
	if err != nil {
		return err
	}

	frames := pmm.NewManager([]*pmm.Region{
		pmm.NewRegion(0, 4096, pmm.StateFree), // 16 MiB of demo "physical" memory
	})
	m := manager.New(logger, manager.WithFrameAllocator(frames))

	ring, err := ringbuf.New(ringbuf.DefaultDataSize)
	if err != nil {
		return err
	}
	m.Env().EventRing = ring

	// The demo program reads the GPIO line number (context offset 12)
	// and pushes it as a time-series sample tagged with the edge
	// (offset 16).
	progID, err := m.LoadRawProgram([]asm.Instruction{
		asm.Mov64Reg(6, 1),                  // keep the context across the call setup
		asm.LoadMem(asm.SizeWord, 2, 6, 12), // value = line
		asm.LoadMem(asm.SizeWord, 3, 6, 16), // tag = edge
		asm.Mov64Imm(1, 100),                // series id
		asm.Call(interp.HelperTimeseriesPush),
		asm.Mov64Imm(0, 0),
		asm.Exit(),
	})
	if err != nil {
		return err
	}

	gpio, err := attach.NewGpio("gpiochip0", 17, attach.EdgeBoth)
	if err != nil {
		return err
	}
	if _, err := m.AttachProgram(progID, gpio); err != nil {
		return err
	}

	b := bridge.New(logger, ring,
		bridge.WithPollInterval(time.Duration(flagPollMs)*time.Millisecond))
	pub := bridge.NewWriterPublisher(os.Stdout, format, "/rk/demo", b.Session())
	bridge.WithPublisher(pub)(b)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Synthetic edge generator: alternating rising/falling edges.
	go func() {
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		edge := uint32(1)
		value := uint32(1)
		start := time.Now()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			m.DispatchGpio(gpio, attach.GpioEvent{
				TimestampNs: uint64(time.Since(start).Nanoseconds()),
				ChipID:      0,
				Line:        17,
				Edge:        edge,
				Value:       value,
			})
			edge = 3 - edge // alternate 1 and 2
			value = 1 - value
		}
	}()

	logger.Info("demo pipeline running", "program_id", progID, "ring_size", ring.DataSize())
	if err := b.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
