//go:build linux

// Package kvm implements the abstraction on top of the Linux Kernel
// Virtual Machine interface. Structural validation happens in the core
// before any ioctl is issued; this package only talks to /dev/kvm.
package kvm

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/tinyrange/hv"
	"golang.org/x/sys/unix"
)

const (
	pageSize = 4096

	// stateVersion tags the opaque blobs this backend writes.
	stateVersion = 1

	// Fallback limits when the kernel does not report the capability.
	defaultMaxSlots = 32
	defaultMaxVcpus = 4
)

type hypervisor struct {
	fd       int
	mmapSize int

	caps        hv.Capabilities
	readonlyMem bool
}

func (h *hypervisor) Capabilities() hv.Capabilities { return h.caps }

func (h *hypervisor) Close() error {
	if err := unix.Close(h.fd); err != nil {
		return fmt.Errorf("close kvm fd: %w", err)
	}
	return nil
}

// Open connects to /dev/kvm, validates the API version and probes the
// capabilities the core needs for up-front validation.
func Open() (hv.Hypervisor, error) {
	fd, err := unix.Open("/dev/kvm", unix.O_CLOEXEC|unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open /dev/kvm: %w", err)
	}

	version, err := getApiVersion(fd)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("get KVM API version: %w", err)
	}
	if version != kvmApiVersion {
		unix.Close(fd)
		return nil, fmt.Errorf("kvm: unsupported API version %d, want %d", version, kvmApiVersion)
	}

	mmapSize, err := getVcpuMmapSize(fd)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("get kvm_run mmap size: %w", err)
	}

	h := &hypervisor{fd: fd, mmapSize: mmapSize}
	if err := h.probeCapabilities(); err != nil {
		unix.Close(fd)
		return nil, err
	}

	return h, nil
}

func (h *hypervisor) probeCapabilities() error {
	maxSlots, err := checkExtension(h.fd, kvmCapNrMemslots)
	if err != nil {
		return fmt.Errorf("check KVM_CAP_NR_MEMSLOTS: %w", err)
	}
	if maxSlots <= 0 {
		maxSlots = defaultMaxSlots
	}

	maxVcpus, err := checkExtension(h.fd, kvmCapMaxVcpus)
	if err != nil {
		return fmt.Errorf("check KVM_CAP_MAX_VCPUS: %w", err)
	}
	if maxVcpus <= 0 {
		maxVcpus, err = checkExtension(h.fd, kvmCapNrVcpus)
		if err != nil {
			return fmt.Errorf("check KVM_CAP_NR_VCPUS: %w", err)
		}
	}
	if maxVcpus <= 0 {
		maxVcpus = defaultMaxVcpus
	}

	routing, err := checkExtension(h.fd, kvmCapIrqRouting)
	if err != nil {
		return fmt.Errorf("check KVM_CAP_IRQ_ROUTING: %w", err)
	}

	msi, err := checkExtension(h.fd, kvmCapSignalMsi)
	if err != nil {
		return fmt.Errorf("check KVM_CAP_SIGNAL_MSI: %w", err)
	}

	readonly, err := checkExtension(h.fd, kvmCapReadonlyMem)
	if err != nil {
		return fmt.Errorf("check KVM_CAP_READONLY_MEM: %w", err)
	}
	h.readonlyMem = readonly != 0

	h.caps = hv.Capabilities{
		Backend:    hv.BackendKVM,
		Arch:       h.Architecture(),
		MaxVCPUs:   maxVcpus,
		MaxSlots:   maxSlots,
		PageSize:   pageSize,
		IRQRouting: routing != 0,
		SignalMSI:  msi != 0,
		DirtyLog:   true,
		Debug:      true,
	}

	return nil
}

type virtualMachine struct {
	hv     *hypervisor
	config hv.VMConfig
	vmFd   int

	slots *hv.SlotTable

	vcpuMu sync.RWMutex
	vcpus  map[int]*virtualCPU

	routes atomic.Pointer[hv.RouteTable]

	hasIRQChip bool
	hasPIT     bool

	// In-kernel GIC state, used only on arm64.
	vgicFd      int
	vgicVersion int
	vgicReady   atomic.Bool

	closed atomic.Bool
}

// NewVirtualMachine implements hv.Hypervisor.
func (h *hypervisor) NewVirtualMachine(config hv.VMConfig) (hv.VirtualMachine, error) {
	vmFd, err := createVm(h.fd)
	if err != nil {
		return nil, fmt.Errorf("kvm: create VM: %w", err)
	}

	vm := &virtualMachine{
		hv:     h,
		config: config,
		vmFd:   vmFd,
		slots:  hv.NewSlotTable(h.caps.MaxSlots, pageSize),
		vcpus:  make(map[int]*virtualCPU),
	}

	if err := h.archVMInit(vm, config); err != nil {
		unix.Close(vmFd)
		return nil, fmt.Errorf("initialize VM: %w", err)
	}

	if cb := config.Callbacks(); cb != nil {
		if err := cb.OnCreateVM(vm); err != nil {
			unix.Close(vmFd)
			return nil, fmt.Errorf("VM callback OnCreateVM: %w", err)
		}
	}

	if config.MemorySize() > 0 {
		mapping, err := hv.NewMapping(config.MemorySize())
		if err != nil {
			unix.Close(vmFd)
			return nil, fmt.Errorf("allocate guest memory: %w", err)
		}
		if _, err := vm.AddMemoryRegion(hv.MemoryRegion{
			GuestAddr: config.MemoryBase(),
			Size:      config.MemorySize(),
			Mapping:   mapping,
		}); err != nil {
			mapping.Release()
			unix.Close(vmFd)
			return nil, fmt.Errorf("install guest memory: %w", err)
		}
	}

	if loader := config.Loader(); loader != nil {
		if err := loader.Load(vm); err != nil {
			vm.Close()
			return nil, fmt.Errorf("load VM: %w", err)
		}
	}

	// Catch VMs that are garbage collected without being closed.
	runtime.SetFinalizer(vm, func(v *virtualMachine) {
		if !v.closed.Load() {
			slog.Debug("kvm: VM was not closed before garbage collection, cleaning up")
			v.Close()
		}
	})

	return vm, nil
}

func (v *virtualMachine) Hypervisor() hv.Hypervisor { return v.hv }

func (v *virtualMachine) CreateVCPU(id int) (hv.VirtualCPU, error) {
	if id < 0 || id >= v.config.CPUCount() {
		return nil, fmt.Errorf("%w: vCPU id %d outside [0, %d)",
			hv.ErrResourceExhausted, id, v.config.CPUCount())
	}
	if v.config.CPUCount() > v.hv.caps.MaxVCPUs {
		return nil, fmt.Errorf("%w: backend allows at most %d vCPUs",
			hv.ErrResourceExhausted, v.hv.caps.MaxVCPUs)
	}

	// Reserve the id before touching the kernel so a racing duplicate
	// fails here rather than surfacing as EEXIST from KVM_CREATE_VCPU.
	v.vcpuMu.Lock()
	if _, ok := v.vcpus[id]; ok {
		v.vcpuMu.Unlock()
		return nil, fmt.Errorf("%w: vCPU id %d already created", hv.ErrResourceExhausted, id)
	}
	v.vcpus[id] = nil
	v.vcpuMu.Unlock()

	vcpuFd, err := createVCPU(v.vmFd, id)
	if err != nil {
		v.releaseVCPUSlot(id)
		return nil, &hv.BackendError{Op: "KVM_CREATE_VCPU", Err: err}
	}

	run, err := unix.Mmap(
		vcpuFd,
		0,
		v.hv.mmapSize,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED,
	)
	if err != nil {
		unix.Close(vcpuFd)
		v.releaseVCPUSlot(id)
		return nil, fmt.Errorf("mmap vCPU %d kvm_run: %w", id, err)
	}

	vcpu := &virtualCPU{
		vm:       v,
		id:       id,
		fd:       vcpuFd,
		run:      run,
		runQueue: make(chan func(), 16),
	}

	if err := v.hv.archVCPUInit(v, vcpuFd); err != nil {
		unix.Munmap(run)
		unix.Close(vcpuFd)
		v.releaseVCPUSlot(id)
		return nil, fmt.Errorf("initialize vCPU %d: %w", id, err)
	}

	go vcpu.start()

	if cb := v.config.Callbacks(); cb != nil {
		if err := cb.OnCreateVCPU(vcpu); err != nil {
			close(vcpu.runQueue)
			unix.Munmap(run)
			unix.Close(vcpuFd)
			v.releaseVCPUSlot(id)
			return nil, fmt.Errorf("VM callback OnCreateVCPU %d: %w", id, err)
		}
	}

	v.vcpuMu.Lock()
	v.vcpus[id] = vcpu
	v.vcpuMu.Unlock()

	if err := v.hv.archVCPUReady(v); err != nil {
		return nil, fmt.Errorf("finalize vCPU %d: %w", id, err)
	}

	return vcpu, nil
}

func (v *virtualMachine) releaseVCPUSlot(id int) {
	v.vcpuMu.Lock()
	delete(v.vcpus, id)
	v.vcpuMu.Unlock()
}

func (v *virtualMachine) VCPU(id int) (hv.VirtualCPU, bool) {
	v.vcpuMu.RLock()
	defer v.vcpuMu.RUnlock()

	vcpu, ok := v.vcpus[id]
	if !ok || vcpu == nil {
		return nil, false
	}
	return vcpu, true
}

func (v *virtualMachine) VCPUCount() int {
	v.vcpuMu.RLock()
	defer v.vcpuMu.RUnlock()

	n := 0
	for _, vcpu := range v.vcpus {
		if vcpu != nil {
			n++
		}
	}
	return n
}

func (v *virtualMachine) AddMemoryRegion(region hv.MemoryRegion) (hv.SlotID, error) {
	if region.ReadOnly && !v.hv.readonlyMem {
		return 0, fmt.Errorf("%w: kernel lacks KVM_CAP_READONLY_MEM", hv.ErrUnsupported)
	}

	return v.slots.Insert(region, func(id hv.SlotID, region hv.MemoryRegion) error {
		var flags uint32
		if region.ReadOnly {
			flags |= kvmMemReadonly
		}
		if region.LogDirtyPages {
			flags |= kvmMemLogDirtyPages
		}

		mem := region.Mapping.Bytes()
		if err := setUserMemoryRegion(v.vmFd, &kvmUserspaceMemoryRegion{
			Slot:          uint32(id),
			Flags:         flags,
			GuestPhysAddr: region.GuestAddr,
			MemorySize:    region.Size,
			UserspaceAddr: uint64(uintptr(unsafe.Pointer(&mem[0]))),
		}); err != nil {
			return &hv.BackendError{Op: "KVM_SET_USER_MEMORY_REGION", Err: err}
		}
		return nil
	})
}

func (v *virtualMachine) RemoveMemoryRegion(slot hv.SlotID) error {
	return v.slots.Remove(slot, func(id hv.SlotID, region hv.MemoryRegion) error {
		// Size zero deletes the slot.
		if err := setUserMemoryRegion(v.vmFd, &kvmUserspaceMemoryRegion{
			Slot:          uint32(id),
			GuestPhysAddr: region.GuestAddr,
		}); err != nil {
			return &hv.BackendError{Op: "KVM_SET_USER_MEMORY_REGION", Err: err}
		}
		return nil
	})
}

func (v *virtualMachine) MemoryRegions() []hv.SlotInfo {
	return v.slots.Snapshot()
}

func (v *virtualMachine) ReadAt(p []byte, off int64) (int, error) {
	return v.slots.ReadAt(p, off)
}

func (v *virtualMachine) WriteAt(p []byte, off int64) (int, error) {
	return v.slots.WriteAt(p, off)
}

func (v *virtualMachine) GetDirtyLog(slot hv.SlotID) (hv.DirtyBitmap, error) {
	region, ok := v.slots.Get(slot)
	if !ok {
		return nil, fmt.Errorf("%w: slot %d", hv.ErrNotFound, slot)
	}
	if !region.LogDirtyPages {
		return nil, fmt.Errorf("%w: slot %d", hv.ErrLoggingDisabled, slot)
	}

	bitmap := hv.NewDirtyBitmap(hv.DirtyPages(region.Size, pageSize))
	if err := getDirtyLog(v.vmFd, uint32(slot), bitmap); err != nil {
		return nil, &hv.BackendError{Op: "KVM_GET_DIRTY_LOG", Err: err}
	}
	return bitmap, nil
}

func (v *virtualMachine) SetIRQRouting(table *hv.RouteTable) error {
	if !v.hv.caps.IRQRouting {
		return fmt.Errorf("%w: kernel lacks KVM_CAP_IRQ_ROUTING", hv.ErrUnsupported)
	}
	if err := table.Validate(v.hv.caps); err != nil {
		return err
	}

	routes := table.Routes()
	entries := make([]kvmIrqRoutingEntry, 0, len(routes))
	for _, route := range routes {
		if route.Kind == hv.RouteIrqchip && !v.hasIRQChip {
			return fmt.Errorf("%w: gsi %d targets an irqchip but the VM has none",
				hv.ErrInvalidRoute, route.GSI)
		}
		entries = append(entries, routingEntry(route))
	}

	if err := setGsiRouting(v.vmFd, entries); err != nil {
		return &hv.BackendError{Op: "KVM_SET_GSI_ROUTING", Err: err}
	}

	v.routes.Store(table)
	return nil
}

func (v *virtualMachine) IRQRouting() *hv.RouteTable {
	return v.routes.Load()
}

func (v *virtualMachine) InjectIRQ(gsi uint32, level bool) error {
	if _, ok := v.routes.Load().Lookup(gsi); !ok {
		return fmt.Errorf("%w: gsi %d has no route installed", hv.ErrInvalidRoute, gsi)
	}

	if err := irqLevel(v.vmFd, v.hv.encodeIRQLine(gsi), level); err != nil {
		return &hv.BackendError{Op: "KVM_IRQ_LINE", Err: err}
	}
	return nil
}

func (v *virtualMachine) SignalMSI(addr uint64, data uint32) error {
	if !v.hv.caps.SignalMSI {
		return fmt.Errorf("%w: kernel lacks KVM_CAP_SIGNAL_MSI", hv.ErrUnsupported)
	}

	if err := signalMSI(v.vmFd, addr, data); err != nil {
		return &hv.BackendError{Op: "KVM_SIGNAL_MSI", Err: err}
	}
	return nil
}

func (v *virtualMachine) SaveState() (*hv.VMSection, error) {
	slots := v.slots.Snapshot()

	opaque, err := v.hv.saveArchVMState(v)
	if err != nil {
		return nil, fmt.Errorf("save backend VM state: %w", err)
	}

	return &hv.VMSection{
		Backend:    hv.BackendKVM,
		Arch:       v.hv.Architecture(),
		CPUCount:   v.VCPUCount(),
		ConfigHash: hv.ComputeConfigHash(hv.BackendKVM, v.hv.Architecture(), v.VCPUCount(), slots),
		Slots:      slots,
		Routes:     v.routes.Load().Routes(),
		Opaque:     opaque,
	}, nil
}

func (v *virtualMachine) LoadState(section *hv.VMSection) error {
	if err := section.Opaque.CheckCompatible(hv.BackendKVM, stateVersion); err != nil {
		return err
	}
	if section.Arch != v.hv.Architecture() {
		return fmt.Errorf("%w: snapshot arch %q, VM arch %q",
			hv.ErrIncompatibleSnapshot, section.Arch, v.hv.Architecture())
	}
	if err := hv.MatchSlotLayout(v.slots.Snapshot(), section.Slots); err != nil {
		return err
	}

	if len(section.Routes) > 0 {
		if err := v.SetIRQRouting(hv.NewRouteTable(section.Routes)); err != nil {
			return err
		}
	}

	return v.hv.loadArchVMState(v, section.Opaque)
}

// Close implements hv.VirtualMachine.
func (v *virtualMachine) Close() error {
	if v.closed.Swap(true) {
		return nil
	}
	runtime.SetFinalizer(v, nil)

	v.vcpuMu.Lock()
	vcpus := v.vcpus
	v.vcpus = make(map[int]*virtualCPU)
	v.vcpuMu.Unlock()

	for _, vcpu := range vcpus {
		if vcpu == nil {
			continue
		}
		vcpu.state.MarkStopped()
		close(vcpu.runQueue)

		if err := unix.Munmap(vcpu.run); err != nil {
			slog.Error("kvm: munmap vcpu run", "error", err)
		}
		if err := unix.Close(vcpu.fd); err != nil {
			slog.Error("kvm: close vcpu fd", "error", err)
		}
	}

	err := v.slots.Drain(func(id hv.SlotID, region hv.MemoryRegion) error {
		// The vm fd teardown releases the kernel-side slots.
		return nil
	})

	if cerr := unix.Close(v.vmFd); cerr != nil && err == nil {
		err = fmt.Errorf("close vm fd: %w", cerr)
	}
	return err
}

func encodeArchBlob(v any) (hv.OpaqueBlob, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return hv.OpaqueBlob{}, err
	}
	return hv.OpaqueBlob{
		Backend: hv.BackendKVM,
		Version: stateVersion,
		Data:    buf.Bytes(),
	}, nil
}

func decodeArchBlob(blob hv.OpaqueBlob, v any) error {
	return gob.NewDecoder(bytes.NewReader(blob.Data)).Decode(v)
}

var (
	_ hv.Hypervisor     = &hypervisor{}
	_ hv.VirtualMachine = &virtualMachine{}
)
