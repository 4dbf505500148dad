//go:build windows

package hv

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

func newMapping(size uint64) (*Mapping, error) {
	addr, err := windows.VirtualAlloc(
		0,
		uintptr(size),
		windows.MEM_COMMIT|windows.MEM_RESERVE,
		windows.PAGE_READWRITE,
	)
	if err != nil {
		return nil, fmt.Errorf("mapping: VirtualAlloc %d bytes: %w", size, err)
	}

	data := unsafe.Slice((*byte)(unsafe.Pointer(addr)), int(size))
	return &Mapping{data: data, anonymous: true}, nil
}

func (m *Mapping) unmap() error {
	if !m.anonymous {
		m.data = nil
		return nil
	}

	data := m.data
	m.data = nil
	// MEM_RELEASE frees the whole reservation; the size must be zero.
	if err := windows.VirtualFree(uintptr(unsafe.Pointer(&data[0])), 0, windows.MEM_RELEASE); err != nil {
		return fmt.Errorf("mapping: VirtualFree: %w", err)
	}
	return nil
}
