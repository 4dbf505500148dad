package hv

import (
	"context"
	"errors"
	"io"
)

var (
	ErrVMHalted              = errors.New("virtual machine halted")
	ErrHypervisorUnsupported = errors.New("hypervisor unsupported on this platform")
)

type CpuArchitecture string

const (
	ArchitectureInvalid CpuArchitecture = "invalid"
	ArchitectureX86_64  CpuArchitecture = "x86_64"
	ArchitectureARM64   CpuArchitecture = "arm64"
)

// BackendID names one native virtualization backend.
type BackendID string

const (
	BackendInvalid BackendID = ""
	BackendKVM     BackendID = "kvm"
	BackendHVF     BackendID = "hvf"
	BackendWHP     BackendID = "whp"
	BackendSoft    BackendID = "soft"
)

// Capabilities reports the limits and optional features of a backend.
// All fields are fixed for the lifetime of the Hypervisor that reported
// them; callers may cache the value.
type Capabilities struct {
	Backend BackendID
	Arch    CpuArchitecture

	// MaxVCPUs and MaxSlots are hard backend limits. Exceeding either
	// fails with ErrResourceExhausted before any backend call is made.
	MaxVCPUs int
	MaxSlots int

	// PageSize is the mapping granularity for guest physical memory.
	// Region addresses and sizes must be multiples of it.
	PageSize uint64

	IRQRouting bool
	SignalMSI  bool
	DirtyLog   bool
	Debug      bool
}

type VirtualCPU interface {
	VirtualMachine() VirtualMachine
	ID() int

	// State reports the vCPU's position in the run state machine. It is
	// advisory when read from a goroutine other than the running one.
	State() VcpuState

	// Run blocks the calling goroutine until the backend reports a
	// VM-exit, then returns the decoded portable exit. The caller must
	// inspect the exit, react, and call Run again; there is no implicit
	// auto-resume. Exactly one goroutine may call Run at a time; a
	// concurrent call fails with ErrVcpuRunning.
	//
	// Cancelling ctx is wired to the immediate-exit primitive, so a
	// blocked Run returns promptly with ctx.Err().
	Run(ctx context.Context) (Exit, error)

	// SetRegisters and GetRegisters operate on whichever registers the
	// map names. Registers the backend cannot expose fail with
	// ErrUnsupported and leave the map untouched. Calling either while
	// the vCPU is Running from another goroutine is a caller bug; the
	// core does not lock against it.
	SetRegisters(regs map[Register]RegisterValue) error
	GetRegisters(regs map[Register]RegisterValue) error

	// RequestInterruptWindow asks that the next Run exit with
	// ExitInterruptWindow as soon as interrupt injection is possible.
	RequestInterruptWindow()

	// SetImmediateExit is the sole cancellation primitive. When set, the
	// in-progress or next Run returns ExitImmediate instead of blocking.
	// Safe to call from any goroutine.
	SetImmediateExit(enabled bool)

	// DebugAttach enables single-step and breakpoint-trap exits.
	// Optional capability: ErrUnsupported when the backend lacks it.
	DebugAttach() error
	DebugDetach() error

	// SaveState and LoadState capture and restore the vCPU's full
	// register state plus any backend-exposed virtualized device state
	// as an opaque sub-blob. The vCPU must not be Running.
	SaveState() (*VcpuSection, error)
	LoadState(section *VcpuSection) error
}

type VirtualMachine interface {
	// ReadAt and WriteAt access guest physical memory across all
	// installed slots. Offsets are guest physical addresses.
	io.ReaderAt
	io.WriterAt

	io.Closer

	Hypervisor() Hypervisor

	// CreateVCPU is the exclusive vCPU factory. IDs are dense in
	// [0, VMConfig.CPUCount). Reaching the backend limit or reusing an
	// id fails with ErrResourceExhausted. The returned vCPU is usable
	// from one goroutine at a time.
	CreateVCPU(id int) (VirtualCPU, error)

	// VCPU looks up a previously created vCPU.
	VCPU(id int) (VirtualCPU, bool)
	VCPUCount() int

	// AddMemoryRegion validates the region against the slot table
	// (overlap, alignment, slot budget) before any backend call, then
	// installs it. Ownership of region.Mapping transfers to the VM on
	// success. The region is visible to every vCPU once the call
	// returns.
	AddMemoryRegion(region MemoryRegion) (SlotID, error)

	// RemoveMemoryRegion tears down a slot and releases its mapping.
	//
	// Precondition (caller-enforced): no vCPU may be executing guest
	// code that could reference the region. The core cannot check this
	// without pausing every vCPU; violating it is a host memory-safety
	// hazard, not a recoverable error.
	RemoveMemoryRegion(slot SlotID) error

	MemoryRegions() []SlotInfo

	// SetIRQRouting atomically replaces the whole routing table. Either
	// every entry installs or the prior table remains in effect.
	SetIRQRouting(table *RouteTable) error
	IRQRouting() *RouteTable

	// InjectIRQ asserts or deasserts a GSI. Level-triggered sources
	// require an explicit deassert; the core never auto-clears levels.
	// Success means the backend accepted the request, not that the
	// guest observed it.
	InjectIRQ(gsi uint32, level bool) error

	// SignalMSI delivers an edge-triggered message-signaled interrupt.
	// Rapid duplicate signals may coalesce at the backend's discretion.
	SignalMSI(addr uint64, data uint32) error

	// GetDirtyLog returns the pages written to the slot since the log
	// was last retrieved. Over-reporting is permitted; under-reporting
	// is not.
	GetDirtyLog(slot SlotID) (DirtyBitmap, error)

	// SaveState and LoadState capture and restore VM-wide state: the
	// memory-region table (layout only, not contents), the IRQ routing
	// table and an opaque backend sub-blob. Every vCPU must be outside
	// Run.
	SaveState() (*VMSection, error)
	LoadState(section *VMSection) error
}

type VMLoader interface {
	Load(vm VirtualMachine) error
}

type VMCallbacks interface {
	OnCreateVM(vm VirtualMachine) error
	OnCreateVCPU(vcpu VirtualCPU) error
}

type VMConfig interface {
	// Assume all methods here are dumb getters which can be called
	// multiple times across multiple threads.

	CPUCount() int
	MemorySize() uint64
	MemoryBase() uint64
	NeedsInterruptSupport() bool
	Callbacks() VMCallbacks
	Loader() VMLoader
}

type SimpleVMConfig struct {
	NumCPUs          int
	MemSize          uint64
	MemBase          uint64
	InterruptSupport bool
	VMLoader         VMLoader

	CreateVM   func(vm VirtualMachine) error
	CreateVCPU func(vcpu VirtualCPU) error
}

// OnCreateVM implements VMCallbacks.
func (c SimpleVMConfig) OnCreateVM(vm VirtualMachine) error {
	if c.CreateVM != nil {
		return c.CreateVM(vm)
	}
	return nil
}

// OnCreateVCPU implements VMCallbacks.
func (c SimpleVMConfig) OnCreateVCPU(vcpu VirtualCPU) error {
	if c.CreateVCPU != nil {
		return c.CreateVCPU(vcpu)
	}
	return nil
}

func (c SimpleVMConfig) CPUCount() int               { return c.NumCPUs }
func (c SimpleVMConfig) MemorySize() uint64          { return c.MemSize }
func (c SimpleVMConfig) MemoryBase() uint64          { return c.MemBase }
func (c SimpleVMConfig) NeedsInterruptSupport() bool { return c.InterruptSupport }
func (c SimpleVMConfig) Callbacks() VMCallbacks      { return c }
func (c SimpleVMConfig) Loader() VMLoader            { return c.VMLoader }

var (
	_ VMConfig = SimpleVMConfig{}
)

type Hypervisor interface {
	io.Closer

	Architecture() CpuArchitecture
	Capabilities() Capabilities

	NewVirtualMachine(config VMConfig) (VirtualMachine, error)
}
