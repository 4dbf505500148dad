//go:build windows && amd64

package whp

import (
	"context"
	"errors"
	"testing"

	"github.com/tinyrange/hv"
)

func newTestVM(t *testing.T, config hv.SimpleVMConfig) hv.VirtualMachine {
	t.Helper()

	hyp, err := Open()
	if err != nil {
		t.Skipf("Windows Hypervisor Platform not available: %v", err)
	}
	t.Cleanup(func() { hyp.Close() })

	vm, err := hyp.NewVirtualMachine(config)
	if err != nil {
		t.Fatalf("Create WHP virtual machine: %v", err)
	}
	t.Cleanup(func() { vm.Close() })
	return vm
}

func TestMSIInterruptControl(t *testing.T) {
	// Physical destination 3, vector 0x41, edge trigger.
	control := msiInterruptControl(0xfee03000, 0x41)
	if control.Destination != 3 {
		t.Errorf("Destination = %d, want 3", control.Destination)
	}
	if control.Vector != 0x41 {
		t.Errorf("Vector = %#x, want 0x41", control.Vector)
	}
	if control.Control != interruptTypeFixed {
		t.Errorf("Control = %#x, want fixed/physical/edge", control.Control)
	}

	// Logical destination (address bit 2), level trigger (data bit 15).
	control = msiInterruptControl(0xfee0f004, 0x8030)
	if control.Destination != 0x0f {
		t.Errorf("Destination = %#x, want 0x0f", control.Destination)
	}
	if control.Vector != 0x30 {
		t.Errorf("Vector = %#x, want 0x30", control.Vector)
	}
	wantControl := interruptTypeFixed |
		interruptDestLogical<<interruptDestModeShift |
		interruptTriggerLevel<<interruptTriggerModeShift
	if control.Control != wantControl {
		t.Errorf("Control = %#x, want %#x", control.Control, wantControl)
	}
}

func TestLineInterruptControl(t *testing.T) {
	control := lineInterruptControl(hv.IrqchipRoute(4, hv.IrqchipIOAPIC, 4))
	if control.Vector != lineVectorBase+4 {
		t.Errorf("Vector = %d, want %d; vectors below 32 are reserved for exceptions",
			control.Vector, lineVectorBase+4)
	}
	if control.Control&(interruptTriggerLevel<<interruptTriggerModeShift) == 0 {
		t.Errorf("Control = %#x, want level trigger", control.Control)
	}
}

func TestLevelLatchRisingEdge(t *testing.T) {
	vm := &virtualMachine{levelHigh: make(map[uint32]bool)}

	if !vm.shouldFire(4, true) {
		t.Error("first assert should fire")
	}
	if vm.shouldFire(4, true) {
		t.Error("held assert fired twice")
	}
	if vm.shouldFire(4, false) {
		t.Error("deassert fired")
	}
	if !vm.shouldFire(4, true) {
		t.Error("re-assert after deassert should fire")
	}

	// Lines latch independently.
	if !vm.shouldFire(9, true) {
		t.Error("untouched line did not fire on first assert")
	}
}

func TestEmulatorIoPendingRead(t *testing.T) {
	v := &virtualCPU{}

	access := emulatorIoAccess{Direction: 0, Port: 0x3f8, AccessSize: 1}
	if got := v.emulatorIo(&access); got != hrFail {
		t.Fatalf("unserviced read returned %#x, want failure", got)
	}
	if v.pending == nil || !v.pending.io || v.pending.port != 0x3f8 {
		t.Fatalf("pending = %+v, want port 0x3f8 read", v.pending)
	}

	// The caller fills the exit data; the re-executed instruction finds
	// it completed.
	v.pending.data[0] = 0x5a
	v.completed, v.pending = v.pending, nil

	if got := v.emulatorIo(&access); got != hrOK {
		t.Fatalf("completed read returned %#x, want success", got)
	}
	if access.Data[0] != 0x5a {
		t.Errorf("Data[0] = %#x, want 0x5a", access.Data[0])
	}
	if v.completed != nil {
		t.Error("completed data survived consumption")
	}
}

func TestEmulatorIoWriteDefersExit(t *testing.T) {
	v := &virtualCPU{}

	access := emulatorIoAccess{Direction: 1, Port: 0x80, AccessSize: 2}
	access.Data[0] = 0xbeef
	if got := v.emulatorIo(&access); got != hrOK {
		t.Fatalf("write returned %#x, want success", got)
	}

	out, ok := v.deferred.(hv.ExitIoOut)
	if !ok {
		t.Fatalf("deferred = %T, want ExitIoOut", v.deferred)
	}
	if out.Port != 0x80 || len(out.Data) != 2 || out.Data[0] != 0xef || out.Data[1] != 0xbe {
		t.Errorf("deferred exit = %+v, want port 0x80 data ef be", out)
	}
}

func TestEmulatorMemoryBackedAccess(t *testing.T) {
	mapping, err := hv.NewMapping(0x10000)
	if err != nil {
		t.Fatalf("NewMapping: %v", err)
	}
	vm := &virtualMachine{slots: hv.NewSlotTable(maxSlots, pageSize)}
	if _, err := vm.slots.Insert(hv.MemoryRegion{
		GuestAddr: 0x1000,
		Size:      0x10000,
		Mapping:   mapping,
	}, func(hv.SlotID, hv.MemoryRegion) error { return nil }); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	v := &virtualCPU{vm: vm}

	write := emulatorMemoryAccess{GpaAddress: 0x2000, Direction: 1, AccessSize: 4}
	copy(write.Data[:], []byte{1, 2, 3, 4})
	if got := v.emulatorMemory(&write); got != hrOK {
		t.Fatalf("backed write returned %#x, want success", got)
	}
	if v.deferred != nil {
		t.Fatalf("backed write deferred an exit: %+v", v.deferred)
	}

	read := emulatorMemoryAccess{GpaAddress: 0x2000, Direction: 0, AccessSize: 4}
	if got := v.emulatorMemory(&read); got != hrOK {
		t.Fatalf("backed read returned %#x, want success", got)
	}
	if read.Data[0] != 1 || read.Data[3] != 4 {
		t.Errorf("read back %v, want the written bytes", read.Data[:4])
	}

	// Off-slot accesses become MMIO exits.
	mmio := emulatorMemoryAccess{GpaAddress: 0x80000000, Direction: 0, AccessSize: 4}
	if got := v.emulatorMemory(&mmio); got != hrFail {
		t.Fatalf("unbacked read returned %#x, want failure", got)
	}
	if v.pending == nil || v.pending.addr != 0x80000000 {
		t.Fatalf("pending = %+v, want gpa 0x80000000", v.pending)
	}
}

func TestNewVirtualMachine(t *testing.T) {
	vm := newTestVM(t, hv.SimpleVMConfig{
		NumCPUs: 1,
		MemSize: 0x200000,
		MemBase: 0,
	})

	regions := vm.MemoryRegions()
	if len(regions) != 1 || regions[0].Size != 0x200000 {
		t.Errorf("MemoryRegions() = %+v, want one 2MiB region", regions)
	}

	if err := vm.Close(); err != nil {
		t.Fatalf("Close WHP virtual machine: %v", err)
	}
	if err := vm.Close(); err != nil {
		t.Fatalf("Second close: %v", err)
	}
}

func TestCreateVCPUDuplicate(t *testing.T) {
	vm := newTestVM(t, hv.SimpleVMConfig{NumCPUs: 1, MemSize: 0x200000})

	if _, err := vm.CreateVCPU(0); err != nil {
		t.Fatalf("CreateVCPU(0): %v", err)
	}
	if _, err := vm.CreateVCPU(0); !errors.Is(err, hv.ErrResourceExhausted) {
		t.Errorf("duplicate CreateVCPU(0): err = %v, want ErrResourceExhausted", err)
	}
	if _, err := vm.CreateVCPU(1); !errors.Is(err, hv.ErrResourceExhausted) {
		t.Errorf("CreateVCPU(1) past config: err = %v, want ErrResourceExhausted", err)
	}
}

func TestRegisterRoundTrip(t *testing.T) {
	vm := newTestVM(t, hv.SimpleVMConfig{NumCPUs: 1, MemSize: 0x200000})

	vcpu, err := vm.CreateVCPU(0)
	if err != nil {
		t.Fatalf("CreateVCPU: %v", err)
	}

	if err := vcpu.SetRegisters(map[hv.Register]hv.RegisterValue{
		hv.RegisterAMD64Rax: hv.Register64(0x1234),
		hv.RegisterAMD64Rip: hv.Register64(0x8000),
	}); err != nil {
		t.Fatalf("SetRegisters: %v", err)
	}

	regs := map[hv.Register]hv.RegisterValue{
		hv.RegisterAMD64Rax: nil,
		hv.RegisterAMD64Rip: nil,
	}
	if err := vcpu.GetRegisters(regs); err != nil {
		t.Fatalf("GetRegisters: %v", err)
	}
	if regs[hv.RegisterAMD64Rax] != hv.Register64(0x1234) {
		t.Errorf("Rax = %v, want 0x1234", regs[hv.RegisterAMD64Rax])
	}
	if regs[hv.RegisterAMD64Rip] != hv.Register64(0x8000) {
		t.Errorf("Rip = %v, want 0x8000", regs[hv.RegisterAMD64Rip])
	}

	if err := vcpu.SetRegisters(map[hv.Register]hv.RegisterValue{
		hv.RegisterARM64X0: hv.Register64(1),
	}); !errors.Is(err, hv.ErrUnsupported) {
		t.Errorf("SetRegisters(arm64 register): err = %v, want ErrUnsupported", err)
	}
}

func TestImmediateExitBeforeRun(t *testing.T) {
	vm := newTestVM(t, hv.SimpleVMConfig{NumCPUs: 1, MemSize: 0x200000})

	vcpu, err := vm.CreateVCPU(0)
	if err != nil {
		t.Fatalf("CreateVCPU: %v", err)
	}

	vcpu.SetImmediateExit(true)
	exit, err := vcpu.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, ok := exit.(hv.ExitImmediate); !ok {
		t.Errorf("exit = %T, want ExitImmediate", exit)
	}
}
