//go:build darwin && arm64

// Package hvf implements the abstraction on top of Apple's
// Hypervisor.framework on arm64. The framework allows one VM per
// process and requires every vCPU call to happen on the OS thread that
// created the vCPU.
package hvf

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/tinyrange/hv"
)

const (
	// Apple Silicon guest mappings are 16K granules.
	pageSize = 16384

	maxVCPUs = 8
	maxSlots = 32

	stateVersion = 1
)

var vmActive atomic.Bool

var generalRegisterMap = func() map[hv.Register]hvReg {
	regs := make(map[hv.Register]hvReg, 33)
	for i := 0; i <= 30; i++ {
		regs[hv.Register(int(hv.RegisterARM64X0)+i)] = hvRegX0 + hvReg(i)
	}
	regs[hv.RegisterARM64Pc] = hvRegPc
	regs[hv.RegisterARM64Pstate] = hvRegCpsr
	return regs
}()

var sysRegisterMap = map[hv.Register]hvSysReg{
	hv.RegisterARM64Vbar: hvSysRegVBAR,
	hv.RegisterARM64Sp:   hvSysRegSpEl1,
}

type hypervisor struct{}

func Open() (hv.Hypervisor, error) {
	if err := ensureInitialized(); err != nil {
		return nil, err
	}
	return &hypervisor{}, nil
}

func (h *hypervisor) Architecture() hv.CpuArchitecture { return hv.ArchitectureARM64 }

func (h *hypervisor) Capabilities() hv.Capabilities {
	return hv.Capabilities{
		Backend:  hv.BackendHVF,
		Arch:     hv.ArchitectureARM64,
		MaxVCPUs: maxVCPUs,
		MaxSlots: maxSlots,
		PageSize: pageSize,

		// No irqchip or MSI surface, no dirty-page API, no single-step
		// API worth the name. Callers must consult these before use.
		IRQRouting: false,
		SignalMSI:  false,
		DirtyLog:   false,
		Debug:      false,
	}
}

func (h *hypervisor) Close() error { return nil }

type virtualMachine struct {
	hypervisor *hypervisor
	config     hv.VMConfig

	slots *hv.SlotTable

	vcpuMu sync.RWMutex
	vcpus  map[int]*virtualCPU

	closed atomic.Bool
}

func (h *hypervisor) NewVirtualMachine(config hv.VMConfig) (hv.VirtualMachine, error) {
	if vmActive.Swap(true) {
		return nil, fmt.Errorf("%w: Hypervisor.framework allows one VM per process",
			hv.ErrResourceExhausted)
	}

	if err := hvVmCreate(0); err != hvSuccess {
		vmActive.Store(false)
		return nil, &hv.BackendError{Op: "hv_vm_create", Code: uint64(err), Err: err}
	}

	vm := &virtualMachine{
		hypervisor: h,
		config:     config,
		slots:      hv.NewSlotTable(maxSlots, pageSize),
		vcpus:      make(map[int]*virtualCPU),
	}

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

func (vm *virtualMachine) Hypervisor() hv.Hypervisor { return vm.hypervisor }

func (vm *virtualMachine) CreateVCPU(id int) (hv.VirtualCPU, error) {
	if id < 0 || id >= vm.config.CPUCount() || id >= maxVCPUs {
		return nil, fmt.Errorf("%w: vCPU id %d outside [0, %d)",
			hv.ErrResourceExhausted, id, vm.config.CPUCount())
	}

	vm.vcpuMu.Lock()
	if _, ok := vm.vcpus[id]; ok {
		vm.vcpuMu.Unlock()
		return nil, fmt.Errorf("%w: vCPU id %d already created", hv.ErrResourceExhausted, id)
	}
	vm.vcpuMu.Unlock()

	vcpu := &virtualCPU{
		vm:       vm,
		id:       id,
		runQueue: make(chan func(), 16),
	}

	initErr := make(chan error, 1)
	go vcpu.start(initErr)
	if err := <-initErr; err != nil {
		return nil, err
	}

	if cb := vm.config.Callbacks(); cb != nil {
		if err := cb.OnCreateVCPU(vcpu); err != nil {
			vcpu.destroy()
			return nil, fmt.Errorf("VM callback OnCreateVCPU %d: %w", id, err)
		}
	}

	vm.vcpuMu.Lock()
	vm.vcpus[id] = vcpu
	vm.vcpuMu.Unlock()

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
	if region.LogDirtyPages {
		return 0, fmt.Errorf("%w: dirty-page logging on this backend", hv.ErrUnsupported)
	}

	return vm.slots.Insert(region, func(id hv.SlotID, region hv.MemoryRegion) error {
		flags := hvMemoryRead | hvMemoryExec
		if !region.ReadOnly {
			flags |= hvMemoryWrite
		}

		mem := region.Mapping.Bytes()
		if err := hvVmMap(unsafe.Pointer(&mem[0]), region.GuestAddr, region.Size, flags); err != hvSuccess {
			return &hv.BackendError{Op: "hv_vm_map", Code: uint64(err), Err: err}
		}
		return nil
	})
}

func (vm *virtualMachine) RemoveMemoryRegion(slot hv.SlotID) error {
	return vm.slots.Remove(slot, func(id hv.SlotID, region hv.MemoryRegion) error {
		if err := hvVmUnmap(region.GuestAddr, region.Size); err != hvSuccess {
			return &hv.BackendError{Op: "hv_vm_unmap", Code: uint64(err), Err: err}
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
	if _, ok := vm.slots.Get(slot); !ok {
		return nil, fmt.Errorf("%w: slot %d", hv.ErrNotFound, slot)
	}
	return nil, fmt.Errorf("%w: slot %d", hv.ErrLoggingDisabled, slot)
}

func (vm *virtualMachine) SetIRQRouting(table *hv.RouteTable) error {
	if table.Len() > 0 {
		return fmt.Errorf("%w: interrupt routing on this backend", hv.ErrUnsupported)
	}
	return nil
}

func (vm *virtualMachine) IRQRouting() *hv.RouteTable { return nil }

func (vm *virtualMachine) InjectIRQ(gsi uint32, level bool) error {
	return fmt.Errorf("%w: gsi %d has no route installed", hv.ErrInvalidRoute, gsi)
}

func (vm *virtualMachine) SignalMSI(addr uint64, data uint32) error {
	return fmt.Errorf("%w: message-signaled interrupts on this backend", hv.ErrUnsupported)
}

func (vm *virtualMachine) SaveState() (*hv.VMSection, error) {
	slots := vm.slots.Snapshot()

	return &hv.VMSection{
		Backend:    hv.BackendHVF,
		Arch:       hv.ArchitectureARM64,
		CPUCount:   vm.VCPUCount(),
		ConfigHash: hv.ComputeConfigHash(hv.BackendHVF, hv.ArchitectureARM64, vm.VCPUCount(), slots),
		Slots:      slots,
		Opaque: hv.OpaqueBlob{
			Backend: hv.BackendHVF,
			Version: stateVersion,
		},
	}, nil
}

func (vm *virtualMachine) LoadState(section *hv.VMSection) error {
	if err := section.Opaque.CheckCompatible(hv.BackendHVF, stateVersion); err != nil {
		return err
	}
	if section.Arch != hv.ArchitectureARM64 {
		return fmt.Errorf("%w: snapshot arch %q, VM arch %q",
			hv.ErrIncompatibleSnapshot, section.Arch, hv.ArchitectureARM64)
	}
	return hv.MatchSlotLayout(vm.slots.Snapshot(), section.Slots)
}

func (vm *virtualMachine) Close() error {
	if vm.closed.Swap(true) {
		return nil
	}

	vm.vcpuMu.Lock()
	vcpus := vm.vcpus
	vm.vcpus = make(map[int]*virtualCPU)
	vm.vcpuMu.Unlock()

	for _, vcpu := range vcpus {
		vcpu.state.MarkStopped()
		vcpu.destroy()
	}

	err := vm.slots.Drain(func(id hv.SlotID, region hv.MemoryRegion) error {
		if herr := hvVmUnmap(region.GuestAddr, region.Size); herr != hvSuccess {
			return &hv.BackendError{Op: "hv_vm_unmap", Code: uint64(herr), Err: herr}
		}
		return nil
	})

	if herr := hvVmDestroy(); herr != hvSuccess {
		slog.Error("hvf: destroy VM", "error", herr)
		if err == nil {
			err = &hv.BackendError{Op: "hv_vm_destroy", Code: uint64(herr), Err: herr}
		}
	}
	vmActive.Store(false)

	return err
}

// pendingRead records an in-flight MMIO load: the caller fills the exit
// Data, and the next Run applies it to the target register and steps
// past the faulting instruction.
type pendingRead struct {
	target hv.Register
	data   []byte
}

type virtualCPU struct {
	vm *virtualMachine
	id int

	handle uint64
	exit   *hvVcpuExit

	// runQueue serializes framework calls onto the thread that created
	// the vCPU; the framework rejects calls from any other thread.
	runQueue chan func()

	state hv.StateTracker

	immediateExit   atomic.Bool
	interruptWindow atomic.Bool

	pending *pendingRead
}

func (v *virtualCPU) start(initErr chan<- error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := hvVcpuCreate(&v.handle, &v.exit, 0); err != hvSuccess {
		initErr <- &hv.BackendError{Op: "hv_vcpu_create", Code: uint64(err), Err: err}
		return
	}
	initErr <- nil

	for fn := range v.runQueue {
		fn()
	}

	if err := hvVcpuDestroy(v.handle); err != hvSuccess {
		slog.Error("hvf: destroy vCPU", "id", v.id, "error", err)
	}
}

func (v *virtualCPU) destroy() {
	close(v.runQueue)
}

func (v *virtualCPU) ID() int                           { return v.id }
func (v *virtualCPU) VirtualMachine() hv.VirtualMachine { return v.vm }
func (v *virtualCPU) State() hv.VcpuState               { return v.state.Load() }

func (v *virtualCPU) SetImmediateExit(enabled bool) {
	v.immediateExit.Store(enabled)
	if enabled {
		handle := v.handle
		_ = hvVcpusExit(&handle, 1)
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
			handle := v.handle
			_ = hvVcpusExit(&handle, 1)
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

	if err := v.completePendingRead(); err != nil {
		return nil, err
	}

	for {
		if err := hvVcpuRun(v.handle); err != hvSuccess {
			return nil, &hv.BackendError{Op: "hv_vcpu_run", Code: uint64(err), Err: err}
		}

		switch v.exit.Reason {
		case hvExitReasonCanceled:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return hv.ExitImmediate{}, nil

		case hvExitReasonException:
			exit, handled, err := v.handleException()
			if err != nil {
				return nil, err
			}
			if handled {
				// Resolved in place (e.g. a PSCI query); re-enter.
				continue
			}
			return exit, nil

		case hvExitReasonVTimerActivated, hvExitReasonVTimerDeactivated:
			return hv.ExitUnknown{Code: uint32(v.exit.Reason)}, nil

		default:
			return hv.ExitUnknown{Code: uint32(v.exit.Reason)}, nil
		}
	}
}

const (
	exceptionClassMask  = 0x3F
	exceptionClassShift = 26

	exceptionClassWfx       = 0x01
	exceptionClassHvc       = 0x16
	exceptionClassDataAbort = 0x24
)

// PSCI function IDs (SMC32 calling convention).
const (
	psciVersion         = 0x84000000
	psciSystemOff       = 0x84000008
	psciSystemReset     = 0x84000009
	psciMigrateInfoType = 0x84000006
	psciFeatures        = 0x8400000A

	psciNotSupported  = 0xFFFFFFFF
	psciTosNotPresent = 2
)

// handleException decodes one trapped exception. handled reports that
// the exception was resolved internally and the guest can re-enter.
func (v *virtualCPU) handleException() (exit hv.Exit, handled bool, err error) {
	syndrome := v.exit.Exception.Syndrome
	ec := (syndrome >> exceptionClassShift) & exceptionClassMask

	switch ec {
	case exceptionClassWfx:
		if err := v.advancePC(); err != nil {
			return nil, false, err
		}
		return hv.ExitHlt{}, false, nil

	case exceptionClassHvc:
		return v.handleHvc()

	case exceptionClassDataAbort:
		return v.handleDataAbort(syndrome, v.exit.Exception.PhysicalAddress)

	default:
		return hv.ExitInternalError{
			SubError: uint32(ec),
			Data:     []uint64{syndrome, v.exit.Exception.VirtualAddress},
		}, false, nil
	}
}

func (v *virtualCPU) handleHvc() (hv.Exit, bool, error) {
	var x0 uint64
	if err := hvVcpuGetReg(v.handle, hvRegX0, &x0); err != hvSuccess {
		return nil, false, &hv.BackendError{Op: "hv_vcpu_get_reg", Code: uint64(err), Err: err}
	}

	switch uint32(x0) {
	case psciSystemOff, psciSystemReset:
		return hv.ExitShutdown{}, false, nil

	case psciVersion:
		if err := hvVcpuSetReg(v.handle, hvRegX0, 0x00010000); err != hvSuccess {
			return nil, false, &hv.BackendError{Op: "hv_vcpu_set_reg", Code: uint64(err), Err: err}
		}
		return nil, true, nil

	case psciMigrateInfoType:
		if err := hvVcpuSetReg(v.handle, hvRegX0, psciTosNotPresent); err != hvSuccess {
			return nil, false, &hv.BackendError{Op: "hv_vcpu_set_reg", Code: uint64(err), Err: err}
		}
		return nil, true, nil

	case psciFeatures:
		if err := hvVcpuSetReg(v.handle, hvRegX0, psciNotSupported); err != hvSuccess {
			return nil, false, &hv.BackendError{Op: "hv_vcpu_set_reg", Code: uint64(err), Err: err}
		}
		return nil, true, nil

	default:
		return hv.ExitUnknown{Code: uint32(x0)}, false, nil
	}
}

func (v *virtualCPU) handleDataAbort(syndrome uint64, physAddr uint64) (hv.Exit, bool, error) {
	const (
		isvBit   = 24
		sasShift = 22
		srtShift = 16
		srtMask  = 0x1F
		wnrBit   = 6
	)

	if (syndrome>>isvBit)&1 == 0 {
		return nil, false, fmt.Errorf("hvf: data abort without ISV set (syndrome=0x%x)", syndrome)
	}

	size := 1 << ((syndrome >> sasShift) & 0x3)
	srt := int((syndrome >> srtShift) & srtMask)
	isWrite := (syndrome>>wnrBit)&1 == 1

	target := hv.RegisterARM64Xzr
	if srt <= 30 {
		target = hv.Register(int(hv.RegisterARM64X0) + srt)
	}

	if isWrite {
		var value uint64
		if target != hv.RegisterARM64Xzr {
			if err := hvVcpuGetReg(v.handle, hvRegX0+hvReg(srt), &value); err != hvSuccess {
				return nil, false, &hv.BackendError{Op: "hv_vcpu_get_reg", Code: uint64(err), Err: err}
			}
		}

		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], value)
		data := make([]byte, size)
		copy(data, buf[:])

		if err := v.advancePC(); err != nil {
			return nil, false, err
		}
		return hv.ExitMmioWrite{Addr: physAddr, Data: data}, false, nil
	}

	data := make([]byte, size)
	v.pending = &pendingRead{target: target, data: data}
	return hv.ExitMmioRead{Addr: physAddr, Data: data}, false, nil
}

// completePendingRead applies the device's response to the load that
// caused the previous MMIO read exit.
func (v *virtualCPU) completePendingRead() error {
	if v.pending == nil {
		return nil
	}
	pending := v.pending
	v.pending = nil

	if pending.target != hv.RegisterARM64Xzr {
		var buf [8]byte
		copy(buf[:], pending.data)
		value := binary.LittleEndian.Uint64(buf[:])

		reg := generalRegisterMap[pending.target]
		if err := hvVcpuSetReg(v.handle, reg, value); err != hvSuccess {
			return &hv.BackendError{Op: "hv_vcpu_set_reg", Code: uint64(err), Err: err}
		}
	}

	return v.advancePC()
}

func (v *virtualCPU) advancePC() error {
	var pc uint64
	if err := hvVcpuGetReg(v.handle, hvRegPc, &pc); err != hvSuccess {
		return &hv.BackendError{Op: "hv_vcpu_get_reg", Code: uint64(err), Err: err}
	}
	if err := hvVcpuSetReg(v.handle, hvRegPc, pc+4); err != hvSuccess {
		return &hv.BackendError{Op: "hv_vcpu_set_reg", Code: uint64(err), Err: err}
	}
	return nil
}

func (v *virtualCPU) SetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	return v.call(func() error {
		for reg, value := range regs {
			v64, ok := value.(hv.Register64)
			if !ok {
				return fmt.Errorf("%w: register %d: unhandled value type %T", hv.ErrUnsupported, reg, value)
			}

			if hvR, ok := generalRegisterMap[reg]; ok {
				if err := hvVcpuSetReg(v.handle, hvR, uint64(v64)); err != hvSuccess {
					return &hv.BackendError{Op: "hv_vcpu_set_reg", Code: uint64(err), Err: err}
				}
			} else if sysR, ok := sysRegisterMap[reg]; ok {
				if err := hvVcpuSetSys(v.handle, sysR, uint64(v64)); err != hvSuccess {
					return &hv.BackendError{Op: "hv_vcpu_set_sys_reg", Code: uint64(err), Err: err}
				}
			} else {
				return fmt.Errorf("%w: register %d on architecture arm64", hv.ErrUnsupported, reg)
			}
		}
		return nil
	})
}

func (v *virtualCPU) GetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	return v.call(func() error {
		for reg := range regs {
			if reg == hv.RegisterARM64Xzr {
				regs[reg] = hv.Register64(0)
				continue
			}

			var value uint64
			if hvR, ok := generalRegisterMap[reg]; ok {
				if err := hvVcpuGetReg(v.handle, hvR, &value); err != hvSuccess {
					return &hv.BackendError{Op: "hv_vcpu_get_reg", Code: uint64(err), Err: err}
				}
			} else if sysR, ok := sysRegisterMap[reg]; ok {
				if err := hvVcpuGetSys(v.handle, sysR, &value); err != hvSuccess {
					return &hv.BackendError{Op: "hv_vcpu_get_sys_reg", Code: uint64(err), Err: err}
				}
			} else {
				return fmt.Errorf("%w: register %d on architecture arm64", hv.ErrUnsupported, reg)
			}
			regs[reg] = hv.Register64(value)
		}
		return nil
	})
}

func (v *virtualCPU) DebugAttach() error {
	return fmt.Errorf("%w: debug exits on this backend", hv.ErrUnsupported)
}

func (v *virtualCPU) DebugDetach() error {
	return fmt.Errorf("%w: debug exits on this backend", hv.ErrUnsupported)
}

// hvfVcpuState is the opaque per-vCPU payload: the floating point
// control registers the portable map cannot carry.
type hvfVcpuState struct {
	Fpcr uint64
	Fpsr uint64
}

func (v *virtualCPU) SaveState() (*hv.VcpuSection, error) {
	if v.state.Load() == hv.VcpuRunning {
		return nil, hv.ErrVcpuRunning
	}

	registers := make(map[hv.Register]uint64)
	var fp hvfVcpuState

	err := v.call(func() error {
		for reg, hvR := range generalRegisterMap {
			var value uint64
			if err := hvVcpuGetReg(v.handle, hvR, &value); err != hvSuccess {
				return &hv.BackendError{Op: "hv_vcpu_get_reg", Code: uint64(err), Err: err}
			}
			registers[reg] = value
		}
		for reg, sysR := range sysRegisterMap {
			var value uint64
			if err := hvVcpuGetSys(v.handle, sysR, &value); err != hvSuccess {
				return &hv.BackendError{Op: "hv_vcpu_get_sys_reg", Code: uint64(err), Err: err}
			}
			registers[reg] = value
		}

		if err := hvVcpuGetReg(v.handle, hvRegFpcr, &fp.Fpcr); err != hvSuccess {
			return &hv.BackendError{Op: "hv_vcpu_get_reg", Code: uint64(err), Err: err}
		}
		if err := hvVcpuGetReg(v.handle, hvRegFpsr, &fp.Fpsr); err != hvSuccess {
			return &hv.BackendError{Op: "hv_vcpu_get_reg", Code: uint64(err), Err: err}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(fp); err != nil {
		return nil, fmt.Errorf("encode vCPU %d state: %w", v.id, err)
	}

	return &hv.VcpuSection{
		ID:        v.id,
		Registers: registers,
		Opaque: hv.OpaqueBlob{
			Backend: hv.BackendHVF,
			Version: stateVersion,
			Data:    buf.Bytes(),
		},
	}, nil
}

func (v *virtualCPU) LoadState(section *hv.VcpuSection) error {
	if v.state.Load() == hv.VcpuRunning {
		return hv.ErrVcpuRunning
	}
	if err := section.Opaque.CheckCompatible(hv.BackendHVF, stateVersion); err != nil {
		return err
	}

	var fp hvfVcpuState
	if err := gob.NewDecoder(bytes.NewReader(section.Opaque.Data)).Decode(&fp); err != nil {
		return fmt.Errorf("decode vCPU %d state: %w", v.id, err)
	}

	return v.call(func() error {
		for reg, value := range section.Registers {
			if hvR, ok := generalRegisterMap[reg]; ok {
				if err := hvVcpuSetReg(v.handle, hvR, value); err != hvSuccess {
					return &hv.BackendError{Op: "hv_vcpu_set_reg", Code: uint64(err), Err: err}
				}
			} else if sysR, ok := sysRegisterMap[reg]; ok {
				if err := hvVcpuSetSys(v.handle, sysR, value); err != hvSuccess {
					return &hv.BackendError{Op: "hv_vcpu_set_sys_reg", Code: uint64(err), Err: err}
				}
			}
		}

		if err := hvVcpuSetReg(v.handle, hvRegFpcr, fp.Fpcr); err != hvSuccess {
			return &hv.BackendError{Op: "hv_vcpu_set_reg", Code: uint64(err), Err: err}
		}
		if err := hvVcpuSetReg(v.handle, hvRegFpsr, fp.Fpsr); err != hvSuccess {
			return &hv.BackendError{Op: "hv_vcpu_set_reg", Code: uint64(err), Err: err}
		}
		return nil
	})
}

var (
	_ hv.Hypervisor     = &hypervisor{}
	_ hv.VirtualMachine = &virtualMachine{}
	_ hv.VirtualCPU     = &virtualCPU{}
)
