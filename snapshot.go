package hv

import (
	"fmt"
	"sort"
)

// Snapshot file format constants.
const (
	SnapshotMagic   uint32 = 0x4e535648 // "HVSN"
	SnapshotVersion uint32 = 1
)

// Architecture encoding for snapshot files.
const (
	SnapshotArchInvalid uint32 = 0
	SnapshotArchX86_64  uint32 = 1
	SnapshotArchARM64   uint32 = 2
)

// ArchToSnapshotArch converts a CpuArchitecture to its snapshot file encoding.
func ArchToSnapshotArch(arch CpuArchitecture) uint32 {
	switch arch {
	case ArchitectureX86_64:
		return SnapshotArchX86_64
	case ArchitectureARM64:
		return SnapshotArchARM64
	default:
		return SnapshotArchInvalid
	}
}

// SnapshotArchToArch converts a snapshot file architecture encoding to CpuArchitecture.
func SnapshotArchToArch(arch uint32) CpuArchitecture {
	switch arch {
	case SnapshotArchX86_64:
		return ArchitectureX86_64
	case SnapshotArchARM64:
		return ArchitectureARM64
	default:
		return ArchitectureInvalid
	}
}

// OpaqueBlob carries backend-private state the core cannot interpret.
// It is tagged so a restore can detect a backend or version mismatch
// before handing the bytes back, and is otherwise round-tripped
// verbatim.
type OpaqueBlob struct {
	Backend BackendID
	Version uint32
	Data    []byte
}

// CheckCompatible rejects a blob written by a different backend or a
// newer layout version.
func (b OpaqueBlob) CheckCompatible(backend BackendID, maxVersion uint32) error {
	if b.Backend != backend {
		return fmt.Errorf("%w: blob written by backend %q, restoring on %q",
			ErrIncompatibleSnapshot, b.Backend, backend)
	}
	if b.Version > maxVersion {
		return fmt.Errorf("%w: blob version %d, reader supports up to %d",
			ErrUnsupportedVersion, b.Version, maxVersion)
	}
	return nil
}

// VMSection is the VM-wide snapshot section: the slot layout and the
// routing table, independent of vCPU count or ordering. Guest memory
// contents are deliberately absent; capturing them is the caller's
// responsibility (see WriteMemoryImage).
type VMSection struct {
	Backend    BackendID
	Arch       CpuArchitecture
	CPUCount   int
	ConfigHash VMConfigHash

	Slots  []SlotInfo
	Routes []Route

	Opaque OpaqueBlob
}

// VcpuSection is one vCPU's snapshot section, keyed by its id.
// Registers holds the portable register dump; Opaque carries
// backend-virtualized device state (local interrupt controller, FPU
// image and the like).
type VcpuSection struct {
	ID        int
	Registers map[Register]uint64
	Opaque    OpaqueBlob
}

// Snapshot is the full versioned container: one VM-wide section, one
// section per vCPU and the dirty-log state per logged slot.
type Snapshot struct {
	VM        *VMSection
	VCPUs     []*VcpuSection
	DirtyLogs map[SlotID]DirtyBitmap
}

// VcpuSection returns the section for one vCPU id.
func (s *Snapshot) VcpuSection(id int) (*VcpuSection, bool) {
	for _, sec := range s.VCPUs {
		if sec.ID == id {
			return sec, true
		}
	}
	return nil, false
}

// TakeSnapshot captures VM-wide and per-vCPU state. The caller must
// ensure every vCPU is outside Run; snapshotting a Running vCPU is
// undefined.
func TakeSnapshot(vm VirtualMachine) (*Snapshot, error) {
	vmSec, err := vm.SaveState()
	if err != nil {
		return nil, fmt.Errorf("save VM state: %w", err)
	}

	snap := &Snapshot{VM: vmSec}

	for id := 0; id < vm.VCPUCount(); id++ {
		vcpu, ok := vm.VCPU(id)
		if !ok {
			return nil, fmt.Errorf("%w: vCPU %d was never created", ErrNotFound, id)
		}
		sec, err := vcpu.SaveState()
		if err != nil {
			return nil, fmt.Errorf("save vCPU %d state: %w", id, err)
		}
		snap.VCPUs = append(snap.VCPUs, sec)
	}

	for _, slot := range vmSec.Slots {
		if !slot.LogDirtyPages {
			continue
		}
		bitmap, err := vm.GetDirtyLog(slot.ID)
		if err != nil {
			return nil, fmt.Errorf("dirty log for slot %d: %w", slot.ID, err)
		}
		if snap.DirtyLogs == nil {
			snap.DirtyLogs = make(map[SlotID]DirtyBitmap)
		}
		snap.DirtyLogs[slot.ID] = bitmap
	}

	return snap, nil
}

// RestoreSnapshot rehydrates a freshly created VM of matching topology:
// same backend, same vCPU count, and memory regions already re-added by
// the caller in the snapshot's layout. Mismatches fail with
// ErrIncompatibleSnapshot before any state is loaded.
func RestoreSnapshot(vm VirtualMachine, snap *Snapshot) error {
	if snap.VM == nil {
		return fmt.Errorf("%w: snapshot has no VM section", ErrIncompatibleSnapshot)
	}
	if got := len(snap.VCPUs); got != snap.VM.CPUCount {
		return fmt.Errorf("%w: VM section says %d vCPUs, container has %d sections",
			ErrIncompatibleSnapshot, snap.VM.CPUCount, got)
	}
	if vm.VCPUCount() != snap.VM.CPUCount {
		return fmt.Errorf("%w: snapshot has %d vCPUs, VM has %d",
			ErrIncompatibleSnapshot, snap.VM.CPUCount, vm.VCPUCount())
	}

	ids := make([]int, 0, len(snap.VCPUs))
	for _, sec := range snap.VCPUs {
		ids = append(ids, sec.ID)
	}
	sort.Ints(ids)
	for want, id := range ids {
		if id != want {
			return fmt.Errorf("%w: vCPU ids are not dense: missing id %d",
				ErrIncompatibleSnapshot, want)
		}
	}

	if err := vm.LoadState(snap.VM); err != nil {
		return fmt.Errorf("load VM state: %w", err)
	}

	for _, sec := range snap.VCPUs {
		vcpu, ok := vm.VCPU(sec.ID)
		if !ok {
			return fmt.Errorf("%w: vCPU %d not created on target VM", ErrIncompatibleSnapshot, sec.ID)
		}
		if err := vcpu.LoadState(sec); err != nil {
			return fmt.Errorf("load vCPU %d state: %w", sec.ID, err)
		}
	}

	return nil
}

// MatchSlotLayout verifies that the slots installed on a VM reproduce
// the snapshot's layout. Slot ids may differ across the restore
// boundary; addresses, sizes and flags may not.
func MatchSlotLayout(have []SlotInfo, want []SlotInfo) error {
	if len(have) != len(want) {
		return fmt.Errorf("%w: snapshot has %d memory regions, VM has %d",
			ErrIncompatibleSnapshot, len(want), len(have))
	}
	for i := range want {
		h, w := have[i], want[i]
		if h.GuestAddr != w.GuestAddr || h.Size != w.Size ||
			h.ReadOnly != w.ReadOnly || h.LogDirtyPages != w.LogDirtyPages {
			return fmt.Errorf("%w: region %d is [0x%x, +0x%x), snapshot expects [0x%x, +0x%x)",
				ErrIncompatibleSnapshot, i, h.GuestAddr, h.Size, w.GuestAddr, w.Size)
		}
	}
	return nil
}
