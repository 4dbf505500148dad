//go:build windows && amd64

// Package whp implements the abstraction on top of the Windows
// Hypervisor Platform. Memory, interrupt and register access go through
// the WHv* surface of winhvplatform.dll; faulting instructions are
// decoded by the platform emulator in winhvemulation.dll.
package whp

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/tinyrange/hv"
)

const (
	pageSize = 4096

	maxVCPUs = 64
	maxSlots = 32

	// stateVersion tags the opaque blobs this backend writes.
	stateVersion = 1
)

type hypervisor struct {
	caps hv.Capabilities
}

// Open connects to the Windows Hypervisor Platform. It fails with
// hv.ErrHypervisorUnsupported when the platform DLL is missing or the
// hypervisor is disabled.
func Open() (hv.Hypervisor, error) {
	if err := modWinHvPlatform.Load(); err != nil {
		return nil, fmt.Errorf("%w: winhvplatform.dll not available", hv.ErrHypervisorUnsupported)
	}

	present, err := hypervisorPresent()
	if err != nil {
		return nil, fmt.Errorf("query hypervisor presence: %w", err)
	}
	if !present {
		return nil, fmt.Errorf("%w: the Windows hypervisor is not running", hv.ErrHypervisorUnsupported)
	}

	// Dirty tracking arrived after the initial platform release, so
	// look the entry point up instead of assuming it.
	dirtyLog := procWHvQueryGpaRangeDirtyBitmap.Find() == nil

	return &hypervisor{
		caps: hv.Capabilities{
			Backend:    hv.BackendWHP,
			Arch:       hv.ArchitectureX86_64,
			MaxVCPUs:   maxVCPUs,
			MaxSlots:   maxSlots,
			PageSize:   pageSize,
			IRQRouting: true,
			SignalMSI:  true,
			DirtyLog:   dirtyLog,
			Debug:      false,
		},
	}, nil
}

func (h *hypervisor) Architecture() hv.CpuArchitecture { return hv.ArchitectureX86_64 }
func (h *hypervisor) Capabilities() hv.Capabilities    { return h.caps }
func (h *hypervisor) Close() error                     { return nil }

type virtualMachine struct {
	hv     *hypervisor
	config hv.VMConfig

	part partitionHandle
	emu  emulatorHandle

	slots *hv.SlotTable

	vcpuMu sync.RWMutex
	vcpus  map[int]*virtualCPU

	routes atomic.Pointer[hv.RouteTable]

	// hasAPIC is set when the partition emulates a local APIC, which is
	// what WHvRequestInterrupt delivers through.
	hasAPIC bool

	// levelHigh tracks the asserted state of level-triggered lines so a
	// held assert fires once per rising edge.
	levelMu   sync.Mutex
	levelHigh map[uint32]bool

	closed atomic.Bool
}

func (h *hypervisor) NewVirtualMachine(config hv.VMConfig) (hv.VirtualMachine, error) {
	part, err := createPartition()
	if err != nil {
		return nil, &hv.BackendError{Op: "WHvCreatePartition", Err: err}
	}

	vm := &virtualMachine{
		hv:        h,
		config:    config,
		part:      part,
		slots:     hv.NewSlotTable(maxSlots, pageSize),
		vcpus:     make(map[int]*virtualCPU),
		levelHigh: make(map[uint32]bool),
	}

	if err := setPartitionPropertyU32(part, whpPropProcessorCount, uint32(config.CPUCount())); err != nil {
		deletePartition(part)
		return nil, &hv.BackendError{Op: "WHvSetPartitionProperty", Err: err}
	}

	if config.NeedsInterruptSupport() {
		if err := setPartitionPropertyU32(part, whpPropLocalApicEmulationMode, whpApicEmulationXApic); err != nil {
			deletePartition(part)
			return nil, &hv.BackendError{Op: "WHvSetPartitionProperty", Err: err}
		}
		vm.hasAPIC = true
	}

	if err := setupPartition(part); err != nil {
		deletePartition(part)
		return nil, &hv.BackendError{Op: "WHvSetupPartition", Err: err}
	}

	emu, err := createEmulator()
	if err != nil {
		deletePartition(part)
		return nil, &hv.BackendError{Op: "WHvEmulatorCreateEmulator", Err: err}
	}
	vm.emu = emu

	if config.MemorySize() > 0 {
		mapping, err := hv.NewMapping(config.MemorySize())
		if err != nil {
			vm.Close()
			return nil, fmt.Errorf("allocate guest memory: %w", err)
		}
		if _, err := vm.AddMemoryRegion(hv.MemoryRegion{
			GuestAddr: config.MemoryBase(),
			Size:      config.MemorySize(),
			Mapping:   mapping,
		}); err != nil {
			mapping.Release()
			vm.Close()
			return nil, fmt.Errorf("install guest memory: %w", err)
		}
	}

	if cb := config.Callbacks(); cb != nil {
		if err := cb.OnCreateVM(vm); err != nil {
			vm.Close()
			return nil, fmt.Errorf("VM callback OnCreateVM: %w", err)
		}
	}

	if loader := config.Loader(); loader != nil {
		if err := loader.Load(vm); err != nil {
			vm.Close()
			return nil, fmt.Errorf("load VM: %w", err)
		}
	}

	return vm, nil
}

func (vm *virtualMachine) Hypervisor() hv.Hypervisor { return vm.hv }

func (vm *virtualMachine) CreateVCPU(id int) (hv.VirtualCPU, error) {
	if id < 0 || id >= vm.config.CPUCount() || id >= maxVCPUs {
		return nil, fmt.Errorf("%w: vCPU id %d outside [0, %d)",
			hv.ErrResourceExhausted, id, vm.config.CPUCount())
	}

	// Reserve the id before touching the platform so a racing duplicate
	// fails here rather than surfacing as a WHvCreateVirtualProcessor
	// error.
	vm.vcpuMu.Lock()
	if _, ok := vm.vcpus[id]; ok {
		vm.vcpuMu.Unlock()
		return nil, fmt.Errorf("%w: vCPU id %d already created", hv.ErrResourceExhausted, id)
	}
	vm.vcpus[id] = nil
	vm.vcpuMu.Unlock()

	vcpu := &virtualCPU{
		vm:       vm,
		id:       id,
		runQueue: make(chan func(), 16),
		stopped:  make(chan struct{}),
	}

	initErr := make(chan error, 1)
	go vcpu.start(initErr)
	if err := <-initErr; err != nil {
		vm.releaseVCPUSlot(id)
		return nil, err
	}

	if cb := vm.config.Callbacks(); cb != nil {
		if err := cb.OnCreateVCPU(vcpu); err != nil {
			close(vcpu.runQueue)
			<-vcpu.stopped
			vm.releaseVCPUSlot(id)
			return nil, fmt.Errorf("VM callback OnCreateVCPU %d: %w", id, err)
		}
	}

	vm.vcpuMu.Lock()
	vm.vcpus[id] = vcpu
	vm.vcpuMu.Unlock()

	return vcpu, nil
}

func (vm *virtualMachine) releaseVCPUSlot(id int) {
	vm.vcpuMu.Lock()
	delete(vm.vcpus, id)
	vm.vcpuMu.Unlock()
}

func (vm *virtualMachine) VCPU(id int) (hv.VirtualCPU, bool) {
	vm.vcpuMu.RLock()
	defer vm.vcpuMu.RUnlock()

	vcpu, ok := vm.vcpus[id]
	if !ok || vcpu == nil {
		return nil, false
	}
	return vcpu, true
}

func (vm *virtualMachine) VCPUCount() int {
	vm.vcpuMu.RLock()
	defer vm.vcpuMu.RUnlock()

	n := 0
	for _, vcpu := range vm.vcpus {
		if vcpu != nil {
			n++
		}
	}
	return n
}

func (vm *virtualMachine) AddMemoryRegion(region hv.MemoryRegion) (hv.SlotID, error) {
	if region.LogDirtyPages && !vm.hv.caps.DirtyLog {
		return 0, fmt.Errorf("%w: this build of the platform lacks WHvQueryGpaRangeDirtyBitmap",
			hv.ErrUnsupported)
	}

	return vm.slots.Insert(region, func(id hv.SlotID, region hv.MemoryRegion) error {
		flags := mapFlagRead | mapFlagExecute
		if !region.ReadOnly {
			flags |= mapFlagWrite
		}
		if region.LogDirtyPages {
			flags |= mapFlagTrackDirty
		}

		mem := region.Mapping.Bytes()
		if err := mapGpaRange(vm.part, unsafe.Pointer(&mem[0]), region.GuestAddr, region.Size, flags); err != nil {
			return &hv.BackendError{Op: "WHvMapGpaRange", Err: err}
		}
		return nil
	})
}

func (vm *virtualMachine) RemoveMemoryRegion(slot hv.SlotID) error {
	return vm.slots.Remove(slot, func(id hv.SlotID, region hv.MemoryRegion) error {
		if err := unmapGpaRange(vm.part, region.GuestAddr, region.Size); err != nil {
			return &hv.BackendError{Op: "WHvUnmapGpaRange", Err: err}
		}
		return nil
	})
}

func (vm *virtualMachine) MemoryRegions() []hv.SlotInfo {
	return vm.slots.Snapshot()
}

func (vm *virtualMachine) ReadAt(p []byte, off int64) (int, error) {
	return vm.slots.ReadAt(p, off)
}

func (vm *virtualMachine) WriteAt(p []byte, off int64) (int, error) {
	return vm.slots.WriteAt(p, off)
}

func (vm *virtualMachine) GetDirtyLog(slot hv.SlotID) (hv.DirtyBitmap, error) {
	region, ok := vm.slots.Get(slot)
	if !ok {
		return nil, fmt.Errorf("%w: slot %d", hv.ErrNotFound, slot)
	}
	if !region.LogDirtyPages {
		return nil, fmt.Errorf("%w: slot %d", hv.ErrLoggingDisabled, slot)
	}

	bitmap := hv.NewDirtyBitmap(hv.DirtyPages(region.Size, pageSize))
	if err := queryGpaRangeDirtyBitmap(vm.part, region.GuestAddr, region.Size, bitmap); err != nil {
		return nil, &hv.BackendError{Op: "WHvQueryGpaRangeDirtyBitmap", Err: err}
	}
	return bitmap, nil
}

func (vm *virtualMachine) SetIRQRouting(table *hv.RouteTable) error {
	if err := table.Validate(vm.hv.caps); err != nil {
		return err
	}
	for _, route := range table.Routes() {
		if route.Kind == hv.RouteIrqchip && !vm.hasAPIC {
			return fmt.Errorf("%w: gsi %d targets an irqchip but the VM has none",
				hv.ErrInvalidRoute, route.GSI)
		}
	}

	vm.routes.Store(table)
	return nil
}

func (vm *virtualMachine) IRQRouting() *hv.RouteTable {
	return vm.routes.Load()
}

// Vectors below 32 are architectural exceptions, so line interrupts are
// delivered remapped above them.
const lineVectorBase = 32

func lineInterruptControl(route hv.Route) interruptControl {
	return interruptControl{
		Control: interruptTypeFixed |
			interruptDestPhysical<<interruptDestModeShift |
			interruptTriggerLevel<<interruptTriggerModeShift,
		Destination: 0,
		Vector:      lineVectorBase + route.Pin,
	}
}

// msiInterruptControl decodes the x86 MSI encoding: destination in
// address bits 12-19, logical mode in address bit 2, vector in data bits
// 0-7, level trigger in data bit 15.
func msiInterruptControl(addr uint64, data uint32) interruptControl {
	control := interruptTypeFixed
	if addr&(1<<2) != 0 {
		control |= interruptDestLogical << interruptDestModeShift
	}
	if data&(1<<15) != 0 {
		control |= interruptTriggerLevel << interruptTriggerModeShift
	}
	return interruptControl{
		Control:     control,
		Destination: uint32(addr>>12) & 0xff,
		Vector:      data & 0xff,
	}
}

// shouldFire reports whether an InjectIRQ call is a rising edge on the
// line. A held assert fires once; deassert only rearms the line.
func (vm *virtualMachine) shouldFire(gsi uint32, level bool) bool {
	vm.levelMu.Lock()
	defer vm.levelMu.Unlock()

	prev := vm.levelHigh[gsi]
	vm.levelHigh[gsi] = level
	return level && !prev
}

func (vm *virtualMachine) InjectIRQ(gsi uint32, level bool) error {
	route, ok := vm.routes.Load().Lookup(gsi)
	if !ok {
		return fmt.Errorf("%w: gsi %d has no route installed", hv.ErrInvalidRoute, gsi)
	}

	var control interruptControl
	switch route.Kind {
	case hv.RouteIrqchip:
		if !vm.shouldFire(gsi, level) {
			return nil
		}
		control = lineInterruptControl(route)
	case hv.RouteMSI:
		// MSI is edge-triggered; a deassert carries no message.
		if !level {
			return nil
		}
		control = msiInterruptControl(route.Addr, route.Data)
	default:
		return fmt.Errorf("%w: gsi %d has invalid destination kind", hv.ErrInvalidRoute, gsi)
	}

	if err := requestInterrupt(vm.part, &control); err != nil {
		return &hv.BackendError{Op: "WHvRequestInterrupt", Err: err}
	}
	return nil
}

func (vm *virtualMachine) SignalMSI(addr uint64, data uint32) error {
	if !vm.hasAPIC {
		return fmt.Errorf("%w: message-signaled interrupts need the emulated local APIC",
			hv.ErrUnsupported)
	}

	control := msiInterruptControl(addr, data)
	if err := requestInterrupt(vm.part, &control); err != nil {
		return &hv.BackendError{Op: "WHvRequestInterrupt", Err: err}
	}
	return nil
}

func (vm *virtualMachine) SaveState() (*hv.VMSection, error) {
	slots := vm.slots.Snapshot()

	return &hv.VMSection{
		Backend:    hv.BackendWHP,
		Arch:       hv.ArchitectureX86_64,
		CPUCount:   vm.VCPUCount(),
		ConfigHash: hv.ComputeConfigHash(hv.BackendWHP, hv.ArchitectureX86_64, vm.VCPUCount(), slots),
		Slots:      slots,
		Routes:     vm.routes.Load().Routes(),
		Opaque: hv.OpaqueBlob{
			Backend: hv.BackendWHP,
			Version: stateVersion,
		},
	}, nil
}

func (vm *virtualMachine) LoadState(section *hv.VMSection) error {
	if err := section.Opaque.CheckCompatible(hv.BackendWHP, stateVersion); err != nil {
		return err
	}
	if section.Arch != hv.ArchitectureX86_64 {
		return fmt.Errorf("%w: snapshot arch %q, VM arch %q",
			hv.ErrIncompatibleSnapshot, section.Arch, hv.ArchitectureX86_64)
	}
	if err := hv.MatchSlotLayout(vm.slots.Snapshot(), section.Slots); err != nil {
		return err
	}

	if len(section.Routes) > 0 {
		if err := vm.SetIRQRouting(hv.NewRouteTable(section.Routes)); err != nil {
			return err
		}
	}
	return nil
}

func (vm *virtualMachine) Close() error {
	if vm.closed.Swap(true) {
		return nil
	}

	vm.vcpuMu.Lock()
	vcpus := vm.vcpus
	vm.vcpus = make(map[int]*virtualCPU)
	vm.vcpuMu.Unlock()

	// The partition cannot be deleted while virtual processors exist,
	// so wait for each vCPU thread to finish tearing its processor down.
	for _, vcpu := range vcpus {
		if vcpu == nil {
			continue
		}
		vcpu.state.MarkStopped()
		_ = cancelRunVirtualProcessor(vm.part, uint32(vcpu.id))
		close(vcpu.runQueue)
		<-vcpu.stopped
	}

	err := vm.slots.Drain(func(id hv.SlotID, region hv.MemoryRegion) error {
		if uerr := unmapGpaRange(vm.part, region.GuestAddr, region.Size); uerr != nil {
			return &hv.BackendError{Op: "WHvUnmapGpaRange", Err: uerr}
		}
		return nil
	})

	if derr := destroyEmulator(vm.emu); derr != nil {
		slog.Error("whp: destroy emulator", "error", derr)
	}
	if derr := deletePartition(vm.part); derr != nil {
		slog.Error("whp: delete partition", "error", derr)
		if err == nil {
			err = &hv.BackendError{Op: "WHvDeletePartition", Err: derr}
		}
	}

	return err
}

// pendingAccess records an in-flight read the guest is blocked on: the
// caller fills the exit Data, and the next Run feeds it to the emulator
// when the faulting instruction re-executes.
type pendingAccess struct {
	io   bool
	port uint16
	addr uint64
	data []byte
}

type virtualCPU struct {
	vm *virtualMachine
	id int

	// runQueue serializes platform calls onto one OS thread; stopped is
	// closed once the thread has deleted its virtual processor.
	runQueue chan func()
	stopped  chan struct{}

	state hv.StateTracker

	immediateExit   atomic.Bool
	interruptWindow atomic.Bool

	// Emulator callback plumbing, touched only on the vCPU thread.
	pending   *pendingAccess
	completed *pendingAccess
	deferred  hv.Exit
	emuErr    error
}

func (v *virtualCPU) start(initErr chan<- error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(v.stopped)

	if err := createVirtualProcessor(v.vm.part, uint32(v.id)); err != nil {
		initErr <- &hv.BackendError{Op: "WHvCreateVirtualProcessor", Err: err}
		return
	}
	initErr <- nil

	for fn := range v.runQueue {
		fn()
	}

	if err := deleteVirtualProcessor(v.vm.part, uint32(v.id)); err != nil {
		slog.Error("whp: delete virtual processor", "id", v.id, "error", err)
	}
}

func (v *virtualCPU) ID() int                           { return v.id }
func (v *virtualCPU) VirtualMachine() hv.VirtualMachine { return v.vm }
func (v *virtualCPU) State() hv.VcpuState               { return v.state.Load() }

func (v *virtualCPU) SetImmediateExit(enabled bool) {
	v.immediateExit.Store(enabled)
	if enabled {
		_ = cancelRunVirtualProcessor(v.vm.part, uint32(v.id))
	}
}

func (v *virtualCPU) RequestInterruptWindow() {
	v.interruptWindow.Store(true)
}

func (v *virtualCPU) call(fn func() error) error {
	if v.vm.closed.Load() {
		return hv.ErrVMHalted
	}

	done := make(chan error, 1)
	v.runQueue <- func() { done <- fn() }
	return <-done
}

func (v *virtualCPU) Run(ctx context.Context) (hv.Exit, error) {
	if err := v.state.BeginRun(); err != nil {
		return nil, err
	}
	defer v.state.FinishRun()

	if done := ctx.Done(); done != nil {
		stop := context.AfterFunc(ctx, func() {
			_ = cancelRunVirtualProcessor(v.vm.part, uint32(v.id))
		})
		defer stop()
	}

	var exit hv.Exit
	err := v.call(func() error {
		var rerr error
		exit, rerr = v.runOnThread(ctx)
		return rerr
	})
	if err != nil {
		return nil, err
	}
	return exit, nil
}

func (v *virtualCPU) runOnThread(ctx context.Context) (hv.Exit, error) {
	if v.immediateExit.Load() {
		return hv.ExitImmediate{}, nil
	}
	if v.interruptWindow.CompareAndSwap(true, false) {
		return hv.ExitInterruptWindow{}, nil
	}

	// A read the caller just completed becomes consumable: the faulting
	// instruction re-executes and the emulator picks the data up.
	if v.pending != nil {
		v.completed = v.pending
		v.pending = nil
	}

	var exit runExitContext
	for {
		if err := runVirtualProcessor(v.vm.part, uint32(v.id), &exit); err != nil {
			return nil, &hv.BackendError{Op: "WHvRunVirtualProcessor", Err: err}
		}

		switch exit.Reason {
		case exitReasonHalt:
			return hv.ExitHlt{}, nil

		case exitReasonCanceled:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return hv.ExitImmediate{}, nil

		case exitReasonMemoryAccess:
			out, resume, err := v.emulateMmio(&exit)
			if err != nil {
				return nil, err
			}
			if resume {
				continue
			}
			return out, nil

		case exitReasonIoPortAccess:
			out, resume, err := v.emulateIo(&exit)
			if err != nil {
				return nil, err
			}
			if resume {
				continue
			}
			return out, nil

		case exitReasonInterruptWindow:
			v.interruptWindow.Store(false)
			return hv.ExitInterruptWindow{}, nil

		case exitReasonUnrecoverableException:
			return hv.ExitShutdown{}, nil

		case exitReasonInvalidVpRegister, exitReasonUnsupportedFeature:
			return hv.ExitInternalError{SubError: uint32(exit.Reason)}, nil

		default:
			return hv.ExitUnknown{Code: uint32(exit.Reason)}, nil
		}
	}
}

// emulateMmio runs the platform emulator over one memory-access exit.
// resume reports that the access was satisfied in place and the guest
// can re-enter.
func (v *virtualCPU) emulateMmio(exit *runExitContext) (out hv.Exit, resume bool, err error) {
	mem := (*memoryAccessContext)(unsafe.Pointer(&exit.payload[0]))
	v.deferred = nil
	v.emuErr = nil

	status, err := tryMmioEmulation(v.vm.emu, v, &exit.VpContext, mem)
	if v.emuErr != nil {
		return nil, false, v.emuErr
	}
	if v.pending != nil {
		return hv.ExitMmioRead{Addr: v.pending.addr, Data: v.pending.data}, false, nil
	}
	if err != nil {
		return nil, false, &hv.BackendError{Op: "WHvEmulatorTryMmioEmulation", Err: err}
	}
	if !status.successful() {
		return nil, false, fmt.Errorf("whp: mmio emulation failed (status %#x) at rip %#x accessing gpa %#x",
			uint32(status), exit.VpContext.Rip, mem.Gpa)
	}
	if v.deferred != nil {
		out = v.deferred
		v.deferred = nil
		return out, false, nil
	}
	return nil, true, nil
}

func (v *virtualCPU) emulateIo(exit *runExitContext) (out hv.Exit, resume bool, err error) {
	io := (*ioPortAccessContext)(unsafe.Pointer(&exit.payload[0]))
	v.deferred = nil
	v.emuErr = nil

	status, err := tryIoEmulation(v.vm.emu, v, &exit.VpContext, io)
	if v.emuErr != nil {
		return nil, false, v.emuErr
	}
	if v.pending != nil {
		return hv.ExitIoIn{Port: v.pending.port, Data: v.pending.data}, false, nil
	}
	if err != nil {
		return nil, false, &hv.BackendError{Op: "WHvEmulatorTryIoEmulation", Err: err}
	}
	if !status.successful() {
		return nil, false, fmt.Errorf("whp: io emulation failed (status %#x) at port %#04x",
			uint32(status), io.Port)
	}
	if v.deferred != nil {
		out = v.deferred
		v.deferred = nil
		return out, false, nil
	}
	return nil, true, nil
}

// emulatorMemory services the emulator's memory callback. Slot-backed
// addresses are satisfied directly; anything else becomes an MMIO exit.
// Failing a read keeps the instruction un-retired so it re-executes once
// the caller has supplied the data.
func (v *virtualCPU) emulatorMemory(access *emulatorMemoryAccess) uintptr {
	size := int(access.AccessSize)
	if size <= 0 || size > len(access.Data) {
		v.emuErr = fmt.Errorf("whp: emulator memory access of %d bytes at gpa %#x", size, access.GpaAddress)
		return hrFail
	}
	buf := access.Data[:size]

	_, region, _, backed := v.vm.slots.Resolve(access.GpaAddress)

	if access.Direction == 0 {
		if backed {
			if _, err := v.vm.slots.ReadAt(buf, int64(access.GpaAddress)); err != nil {
				v.emuErr = fmt.Errorf("whp: read gpa %#x: %w", access.GpaAddress, err)
				return hrFail
			}
			return hrOK
		}

		if c := v.completed; c != nil && !c.io && c.addr == access.GpaAddress && len(c.data) == size {
			copy(buf, c.data)
			v.completed = nil
			return hrOK
		}

		v.pending = &pendingAccess{addr: access.GpaAddress, data: make([]byte, size)}
		return hrFail
	}

	if backed && !region.ReadOnly {
		if _, err := v.vm.slots.WriteAt(buf, int64(access.GpaAddress)); err != nil {
			v.emuErr = fmt.Errorf("whp: write gpa %#x: %w", access.GpaAddress, err)
			return hrFail
		}
		return hrOK
	}

	data := make([]byte, size)
	copy(data, buf)
	v.deferred = hv.ExitMmioWrite{Addr: access.GpaAddress, Data: data}
	return hrOK
}

// emulatorIo services the emulator's port I/O callback with the same
// pending-read protocol as emulatorMemory.
func (v *virtualCPU) emulatorIo(access *emulatorIoAccess) uintptr {
	size := int(access.AccessSize)
	if size != 1 && size != 2 && size != 4 {
		v.emuErr = fmt.Errorf("whp: emulator io access of %d bytes at port %#04x", size, access.Port)
		return hrFail
	}

	if access.Direction == 1 {
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], access.Data[0])
		data := make([]byte, size)
		copy(data, buf[:])
		v.deferred = hv.ExitIoOut{Port: access.Port, Data: data}
		return hrOK
	}

	if c := v.completed; c != nil && c.io && c.port == access.Port && len(c.data) == size {
		var buf [4]byte
		copy(buf[:], c.data)
		access.Data[0] = binary.LittleEndian.Uint32(buf[:])
		v.completed = nil
		return hrOK
	}

	v.pending = &pendingAccess{io: true, port: access.Port, data: make([]byte, size)}
	return hrFail
}

func (v *virtualCPU) DebugAttach() error {
	return fmt.Errorf("%w: debug exits on this backend", hv.ErrUnsupported)
}

func (v *virtualCPU) DebugDetach() error {
	return fmt.Errorf("%w: debug exits on this backend", hv.ErrUnsupported)
}

var (
	_ hv.Hypervisor     = &hypervisor{}
	_ hv.VirtualMachine = &virtualMachine{}
	_ hv.VirtualCPU     = &virtualCPU{}
)
