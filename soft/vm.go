package soft

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/hv"
)

type virtualMachine struct {
	hypervisor *Hypervisor
	config     hv.VMConfig

	slots *hv.SlotTable

	vcpuMu sync.RWMutex
	vcpus  map[int]*virtualCPU

	routes atomic.Pointer[hv.RouteTable]

	dirtyMu sync.Mutex
	dirty   map[hv.SlotID]hv.DirtyBitmap

	irqMu      sync.Mutex
	levels     map[uint32]bool
	injections map[uint32]int
	msiCount   int

	closed atomic.Bool
}

func (vm *virtualMachine) Hypervisor() hv.Hypervisor { return vm.hypervisor }

func (vm *virtualMachine) CreateVCPU(id int) (hv.VirtualCPU, error) {
	if id < 0 || id >= vm.config.CPUCount() {
		return nil, fmt.Errorf("%w: vCPU id %d outside [0, %d)",
			hv.ErrResourceExhausted, id, vm.config.CPUCount())
	}

	vm.vcpuMu.Lock()
	if _, ok := vm.vcpus[id]; ok {
		vm.vcpuMu.Unlock()
		return nil, fmt.Errorf("%w: vCPU id %d already created", hv.ErrResourceExhausted, id)
	}

	vcpu := &virtualCPU{
		vm:        vm,
		id:        id,
		registers: make(map[hv.Register]uint64),
		kick:      make(chan struct{}, 1),
		pushed:    make(chan struct{}, 1),
	}
	vm.vcpus[id] = vcpu
	vm.vcpuMu.Unlock()

	if cb := vm.config.Callbacks(); cb != nil {
		if err := cb.OnCreateVCPU(vcpu); err != nil {
			vm.vcpuMu.Lock()
			delete(vm.vcpus, id)
			vm.vcpuMu.Unlock()
			return nil, err
		}
	}

	return vcpu, nil
}

func (vm *virtualMachine) VCPU(id int) (hv.VirtualCPU, bool) {
	vm.vcpuMu.RLock()
	defer vm.vcpuMu.RUnlock()

	vcpu, ok := vm.vcpus[id]
	if !ok {
		return nil, false
	}
	return vcpu, true
}

func (vm *virtualMachine) VCPUCount() int {
	vm.vcpuMu.RLock()
	defer vm.vcpuMu.RUnlock()
	return len(vm.vcpus)
}

func (vm *virtualMachine) AddMemoryRegion(region hv.MemoryRegion) (hv.SlotID, error) {
	return vm.slots.Insert(region, func(id hv.SlotID, region hv.MemoryRegion) error {
		if region.LogDirtyPages {
			vm.dirtyMu.Lock()
			vm.dirty[id] = hv.NewDirtyBitmap(hv.DirtyPages(region.Size, pageSize))
			vm.dirtyMu.Unlock()
		}
		return nil
	})
}

func (vm *virtualMachine) RemoveMemoryRegion(slot hv.SlotID) error {
	return vm.slots.Remove(slot, func(id hv.SlotID, region hv.MemoryRegion) error {
		vm.dirtyMu.Lock()
		delete(vm.dirty, id)
		vm.dirtyMu.Unlock()
		return nil
	})
}

func (vm *virtualMachine) MemoryRegions() []hv.SlotInfo {
	return vm.slots.Snapshot()
}

func (vm *virtualMachine) ReadAt(p []byte, off int64) (int, error) {
	return vm.slots.ReadAt(p, off)
}

// WriteAt writes guest physical memory and marks dirty pages on logged
// slots. Host-side writes ignore the ReadOnly flag; that flag guards
// guest stores, not the VMM's own loads.
func (vm *virtualMachine) WriteAt(p []byte, off int64) (int, error) {
	total := 0
	for len(p) > 0 {
		slot, region, offset, ok := vm.slots.Resolve(uint64(off))
		if !ok {
			if total > 0 {
				return total, io.ErrUnexpectedEOF
			}
			return 0, fmt.Errorf("%w: guest physical address 0x%x is unmapped", hv.ErrNotFound, off)
		}

		n := copy(region.Mapping.Bytes()[offset:], p)
		if region.LogDirtyPages {
			vm.markDirty(slot, offset, n)
		}
		total += n
		p = p[n:]
		off += int64(n)
	}
	return total, nil
}

func (vm *virtualMachine) markDirty(slot hv.SlotID, offset uint64, n int) {
	vm.dirtyMu.Lock()
	defer vm.dirtyMu.Unlock()

	bitmap, ok := vm.dirty[slot]
	if !ok {
		return
	}
	first := int(offset / pageSize)
	last := int((offset + uint64(n) - 1) / pageSize)
	for page := first; page <= last; page++ {
		bitmap.Set(page)
	}
}

func (vm *virtualMachine) GetDirtyLog(slot hv.SlotID) (hv.DirtyBitmap, error) {
	region, ok := vm.slots.Get(slot)
	if !ok {
		return nil, fmt.Errorf("%w: slot %d", hv.ErrNotFound, slot)
	}
	if !region.LogDirtyPages {
		return nil, fmt.Errorf("%w: slot %d", hv.ErrLoggingDisabled, slot)
	}

	vm.dirtyMu.Lock()
	defer vm.dirtyMu.Unlock()

	bitmap := vm.dirty[slot]
	out := bitmap.Clone()
	bitmap.Reset()
	return out, nil
}

func (vm *virtualMachine) SetIRQRouting(table *hv.RouteTable) error {
	if err := table.Validate(vm.hypervisor.Capabilities()); err != nil {
		return err
	}
	vm.routes.Store(table)
	return nil
}

func (vm *virtualMachine) IRQRouting() *hv.RouteTable {
	return vm.routes.Load()
}

func (vm *virtualMachine) InjectIRQ(gsi uint32, level bool) error {
	route, ok := vm.routes.Load().Lookup(gsi)
	if !ok {
		return fmt.Errorf("%w: gsi %d has no route installed", hv.ErrInvalidRoute, gsi)
	}

	vm.irqMu.Lock()
	defer vm.irqMu.Unlock()

	switch route.Kind {
	case hv.RouteIrqchip:
		// Level semantics: only a rising edge counts as an injection,
		// deassert just clears the line.
		prev := vm.levels[gsi]
		vm.levels[gsi] = level
		if level && !prev {
			vm.injections[gsi]++
		}
	case hv.RouteMSI:
		if level {
			vm.injections[gsi]++
		}
	}
	return nil
}

func (vm *virtualMachine) SignalMSI(addr uint64, data uint32) error {
	vm.irqMu.Lock()
	defer vm.irqMu.Unlock()

	vm.msiCount++
	slog.Debug("software MSI", "addr", fmt.Sprintf("0x%x", addr), "data", data)
	return nil
}

// InjectionCount reports how many times gsi was asserted. Test
// observability; native backends have no equivalent.
func (vm *virtualMachine) InjectionCount(gsi uint32) int {
	vm.irqMu.Lock()
	defer vm.irqMu.Unlock()
	return vm.injections[gsi]
}

// LineLevel reports the current assertion state of a level-triggered
// GSI.
func (vm *virtualMachine) LineLevel(gsi uint32) bool {
	vm.irqMu.Lock()
	defer vm.irqMu.Unlock()
	return vm.levels[gsi]
}

// MSISignalCount reports how many direct MSI signals were delivered.
func (vm *virtualMachine) MSISignalCount() int {
	vm.irqMu.Lock()
	defer vm.irqMu.Unlock()
	return vm.msiCount
}

func (vm *virtualMachine) SaveState() (*hv.VMSection, error) {
	slots := vm.slots.Snapshot()

	opaque, err := encodeVMState(vm)
	if err != nil {
		return nil, fmt.Errorf("encode backend state: %w", err)
	}

	return &hv.VMSection{
		Backend:    hv.BackendSoft,
		Arch:       vm.hypervisor.arch,
		CPUCount:   vm.VCPUCount(),
		ConfigHash: hv.ComputeConfigHash(hv.BackendSoft, vm.hypervisor.arch, vm.VCPUCount(), slots),
		Slots:      slots,
		Routes:     vm.routes.Load().Routes(),
		Opaque:     opaque,
	}, nil
}

func (vm *virtualMachine) LoadState(section *hv.VMSection) error {
	if err := section.Opaque.CheckCompatible(hv.BackendSoft, stateVersion); err != nil {
		return err
	}
	if section.Arch != vm.hypervisor.arch {
		return fmt.Errorf("%w: snapshot arch %q, VM arch %q",
			hv.ErrIncompatibleSnapshot, section.Arch, vm.hypervisor.arch)
	}
	if err := hv.MatchSlotLayout(vm.slots.Snapshot(), section.Slots); err != nil {
		return err
	}

	if err := vm.SetIRQRouting(hv.NewRouteTable(section.Routes)); err != nil {
		return err
	}

	return decodeVMState(vm, section.Opaque)
}

func (vm *virtualMachine) Close() error {
	if vm.closed.Swap(true) {
		return nil
	}

	vm.vcpuMu.Lock()
	for _, vcpu := range vm.vcpus {
		vcpu.state.MarkStopped()
		vcpu.kickRun()
	}
	vm.vcpuMu.Unlock()

	return vm.slots.Drain(func(id hv.SlotID, region hv.MemoryRegion) error {
		return nil
	})
}

var (
	_ hv.VirtualMachine = &virtualMachine{}
)
