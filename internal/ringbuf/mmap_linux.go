//go:build linux

package ringbuf

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Mapped is a ring adopted from a shared file mapping, as the userspace
// bridge consumes it: the map file holds header + data exactly as laid out
// by the kernel side.
type Mapped struct {
	*Ring
	mapping []byte
	file    *os.File
}

// OpenMapped maps the ring buffer file at path and adopts its layout. The
// file length must be header + power-of-two data region.
func OpenMapped(path string) (*Mapped, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("ringbuf: open %q: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("ringbuf: stat %q: %w", path, err)
	}

	mapping, err := unix.Mmap(int(f.Fd()), 0, int(info.Size()),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("ringbuf: mmap %q: %w", path, err)
	}

	ring, err := FromBytes(mapping)
	if err != nil {
		unix.Munmap(mapping)
		f.Close()
		return nil, fmt.Errorf("ringbuf: adopt %q: %w", path, err)
	}

	return &Mapped{Ring: ring, mapping: mapping, file: f}, nil
}

// Close unmaps the ring and closes the underlying file.
func (m *Mapped) Close() error {
	err := unix.Munmap(m.mapping)
	if cerr := m.file.Close(); err == nil {
		err = cerr
	}
	return err
}
