//go:build !linux

package main

import (
	"errors"

	"github.com/axiomos/rkbpf/internal/bridge"
)

// openRingSource is linux-only; other platforms can still run the demo.
func openRingSource(string) (bridge.Source, func(), error) {
	return nil, nil, errors.New("ring buffer mapping requires linux")
}
