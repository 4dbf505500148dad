// Package soft implements a software-only backend. It runs no guest
// code: VM-exits are scripted by the test or tool driving it. Every
// portable contract (slot management, routing, dirty logging, the run
// state machine, snapshots) behaves exactly as on a native backend,
// which makes it the reference target for backend-independent code.
package soft

import (
	"log/slog"
	"runtime"

	"github.com/tinyrange/hv"
)

const (
	maxVCPUs = 64
	maxSlots = 32
	pageSize = 4096

	// stateVersion tags the opaque blobs this backend writes.
	stateVersion = 1
)

type Hypervisor struct {
	arch hv.CpuArchitecture
}

// New returns a software backend matching the host architecture.
func New() *Hypervisor {
	return NewWithArch(hostArch())
}

// NewWithArch returns a software backend reporting arch. Tests use
// this to exercise architecture-dependent paths on any host.
func NewWithArch(arch hv.CpuArchitecture) *Hypervisor {
	return &Hypervisor{arch: arch}
}

func hostArch() hv.CpuArchitecture {
	switch runtime.GOARCH {
	case "arm64":
		return hv.ArchitectureARM64
	default:
		return hv.ArchitectureX86_64
	}
}

func (h *Hypervisor) Architecture() hv.CpuArchitecture { return h.arch }

func (h *Hypervisor) Capabilities() hv.Capabilities {
	return hv.Capabilities{
		Backend:    hv.BackendSoft,
		Arch:       h.arch,
		MaxVCPUs:   maxVCPUs,
		MaxSlots:   maxSlots,
		PageSize:   pageSize,
		IRQRouting: true,
		SignalMSI:  true,
		DirtyLog:   true,
		Debug:      true,
	}
}

func (h *Hypervisor) NewVirtualMachine(config hv.VMConfig) (hv.VirtualMachine, error) {
	vm := &virtualMachine{
		hypervisor: h,
		config:     config,
		slots:      hv.NewSlotTable(maxSlots, pageSize),
		vcpus:      make(map[int]*virtualCPU),
		dirty:      make(map[hv.SlotID]hv.DirtyBitmap),
		levels:     make(map[uint32]bool),
		injections: make(map[uint32]int),
	}

	if config.MemorySize() > 0 {
		mapping, err := hv.NewMapping(config.MemorySize())
		if err != nil {
			vm.Close()
			return nil, err
		}
		if _, err := vm.AddMemoryRegion(hv.MemoryRegion{
			GuestAddr: config.MemoryBase(),
			Size:      config.MemorySize(),
			Mapping:   mapping,
		}); err != nil {
			mapping.Release()
			vm.Close()
			return nil, err
		}
	}

	if cb := config.Callbacks(); cb != nil {
		if err := cb.OnCreateVM(vm); err != nil {
			vm.Close()
			return nil, err
		}
	}

	if loader := config.Loader(); loader != nil {
		if err := loader.Load(vm); err != nil {
			vm.Close()
			return nil, err
		}
	}

	slog.Debug("created software VM",
		"arch", h.arch,
		"cpus", config.CPUCount(),
		"memorySize", config.MemorySize())

	return vm, nil
}

func (h *Hypervisor) Close() error { return nil }

var (
	_ hv.Hypervisor = &Hypervisor{}
)
