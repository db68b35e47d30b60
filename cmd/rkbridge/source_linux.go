//go:build linux

package main

import (
	"github.com/axiomos/rkbpf/internal/bridge"
	"github.com/axiomos/rkbpf/internal/ringbuf"
)

// openRingSource maps the pinned ring buffer file for consumption.
func openRingSource(path string) (bridge.Source, func(), error) {
	mapped, err := ringbuf.OpenMapped(path)
	if err != nil {
		return nil, nil, err
	}
	return mapped, func() { _ = mapped.Close() }, nil
}
