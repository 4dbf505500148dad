//go:build unix

package hv

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func newMapping(size uint64) (*Mapping, error) {
	data, err := unix.Mmap(
		-1,
		0,
		int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANONYMOUS|unix.MAP_PRIVATE,
	)
	if err != nil {
		return nil, fmt.Errorf("mapping: mmap %d bytes: %w", size, err)
	}

	return &Mapping{data: data, anonymous: true}, nil
}

func (m *Mapping) unmap() error {
	if !m.anonymous {
		m.data = nil
		return nil
	}

	data := m.data
	m.data = nil
	if err := unix.Munmap(data); err != nil {
		return fmt.Errorf("mapping: munmap: %w", err)
	}
	return nil
}
