package hv

import (
	"fmt"
	"sync/atomic"
)

// SlotID identifies one installed guest-physical memory slot. IDs are
// assigned by the core, increase monotonically and are never reused
// within a VM's lifetime.
type SlotID uint32

// MemoryRegion describes one host-to-guest mapping before it is
// installed. Once AddMemoryRegion succeeds the Mapping belongs to the
// VM; the caller keeps Read/Write access to the bytes but can no
// longer release the mapping out from under the guest.
type MemoryRegion struct {
	GuestAddr     uint64
	Size          uint64
	ReadOnly      bool
	LogDirtyPages bool

	Mapping *Mapping
}

// Mapping is an owned handle to host memory backing a guest region.
// Create one with NewMapping, hand it to the VM via AddMemoryRegion.
type Mapping struct {
	data      []byte
	anonymous bool

	installed atomic.Bool
	released  atomic.Bool
}

// NewMapping allocates size bytes of page-aligned host memory.
func NewMapping(size uint64) (*Mapping, error) {
	if size == 0 {
		return nil, fmt.Errorf("mapping: size must be greater than 0")
	}
	maxInt := uint64(^uint(0) >> 1)
	if size > maxInt {
		return nil, fmt.Errorf("mapping: size %d exceeds host address limit", size)
	}
	return newMapping(size)
}

// Bytes exposes the mapped memory. The slice stays valid while the
// mapping is alive; for installed mappings that is the slot's lifetime.
func (m *Mapping) Bytes() []byte { return m.data }

func (m *Mapping) Size() uint64 { return uint64(len(m.data)) }

// Release unmaps the memory. It fails with ErrMappingInstalled while
// the mapping is owned by a VM; the VM releases it on slot removal or
// teardown.
func (m *Mapping) Release() error {
	if m.installed.Load() {
		return ErrMappingInstalled
	}
	return m.release()
}

func (m *Mapping) release() error {
	if m.released.Swap(true) {
		return nil
	}
	return m.unmap()
}

// markInstalled transfers ownership to a VM. Reports false if the
// mapping is already installed elsewhere or was released.
func (m *Mapping) markInstalled() bool {
	if m.released.Load() {
		return false
	}
	return !m.installed.Swap(true)
}

func (m *Mapping) markRemoved() {
	m.installed.Store(false)
}
