//go:build linux && amd64

package kvm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tinyrange/hv"
)

func newTestVM(t *testing.T, config hv.SimpleVMConfig) hv.VirtualMachine {
	t.Helper()
	checkKVMAvailable(t)

	hyp, err := Open()
	if err != nil {
		t.Fatalf("Open KVM hypervisor: %v", err)
	}
	t.Cleanup(func() { hyp.Close() })

	vm, err := hyp.NewVirtualMachine(config)
	if err != nil {
		t.Fatalf("Create KVM virtual machine: %v", err)
	}
	t.Cleanup(func() { vm.Close() })
	return vm
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
		t.Fatalf("Close KVM virtual machine: %v", err)
	}
	// Close twice is a no-op.
	if err := vm.Close(); err != nil {
		t.Fatalf("Second close: %v", err)
	}
}

func TestCreateVCPU(t *testing.T) {
	vm := newTestVM(t, hv.SimpleVMConfig{NumCPUs: 2, MemSize: 0x200000})

	for id := 0; id < 2; id++ {
		vcpu, err := vm.CreateVCPU(id)
		if err != nil {
			t.Fatalf("CreateVCPU(%d): %v", id, err)
		}
		if vcpu.ID() != id {
			t.Errorf("vCPU ID() = %d, want %d", vcpu.ID(), id)
		}
	}

	if _, err := vm.CreateVCPU(0); !errors.Is(err, hv.ErrResourceExhausted) {
		t.Errorf("duplicate CreateVCPU(0): err = %v, want ErrResourceExhausted", err)
	}
	if _, err := vm.CreateVCPU(2); !errors.Is(err, hv.ErrResourceExhausted) {
		t.Errorf("CreateVCPU(2) past config: err = %v, want ErrResourceExhausted", err)
	}
}

func TestMemoryRegions(t *testing.T) {
	vm := newTestVM(t, hv.SimpleVMConfig{NumCPUs: 1})

	mapping, err := hv.NewMapping(0x10000)
	if err != nil {
		t.Fatalf("NewMapping: %v", err)
	}
	slot, err := vm.AddMemoryRegion(hv.MemoryRegion{
		GuestAddr: 0x0,
		Size:      0x10000,
		Mapping:   mapping,
	})
	if err != nil {
		t.Fatalf("AddMemoryRegion: %v", err)
	}

	// Host-side access goes through the installed mapping.
	want := []byte("kvm slot data")
	if _, err := vm.WriteAt(want, 0x1000); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	got := make([]byte, len(want))
	if _, err := vm.ReadAt(got, 0x1000); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if string(got) != string(want) {
		t.Errorf("ReadAt = %q, want %q", got, want)
	}

	// Overlap is rejected before touching KVM.
	dup, err := hv.NewMapping(0x10000)
	if err != nil {
		t.Fatalf("NewMapping: %v", err)
	}
	if _, err := vm.AddMemoryRegion(hv.MemoryRegion{
		GuestAddr: 0x8000,
		Size:      0x10000,
		Mapping:   dup,
	}); !errors.Is(err, hv.ErrOverlap) {
		t.Fatalf("overlapping AddMemoryRegion: err = %v, want ErrOverlap", err)
	}
	dup.Release()

	if err := vm.RemoveMemoryRegion(slot); err != nil {
		t.Fatalf("RemoveMemoryRegion: %v", err)
	}
	if err := vm.RemoveMemoryRegion(slot); !errors.Is(err, hv.ErrNotFound) {
		t.Fatalf("double RemoveMemoryRegion: err = %v, want ErrNotFound", err)
	}
}

func TestDirtyLog(t *testing.T) {
	vm := newTestVM(t, hv.SimpleVMConfig{NumCPUs: 1})

	mapping, err := hv.NewMapping(0x10000)
	if err != nil {
		t.Fatalf("NewMapping: %v", err)
	}
	slot, err := vm.AddMemoryRegion(hv.MemoryRegion{
		GuestAddr:     0x0,
		Size:          0x10000,
		Mapping:       mapping,
		LogDirtyPages: true,
	})
	if err != nil {
		t.Fatalf("AddMemoryRegion with dirty logging: %v", err)
	}

	// No guest ran, so the log has no pages; the ioctl itself must work.
	log, err := vm.GetDirtyLog(slot)
	if err != nil {
		t.Fatalf("GetDirtyLog: %v", err)
	}
	if pages := hv.DirtyPages(0x10000, 4096); len(log)*64 < pages {
		t.Errorf("bitmap covers %d pages, want at least %d", len(log)*64, pages)
	}

	plain, err := hv.NewMapping(0x10000)
	if err != nil {
		t.Fatalf("NewMapping: %v", err)
	}
	plainSlot, err := vm.AddMemoryRegion(hv.MemoryRegion{
		GuestAddr: 0x20000,
		Size:      0x10000,
		Mapping:   plain,
	})
	if err != nil {
		t.Fatalf("AddMemoryRegion: %v", err)
	}
	if _, err := vm.GetDirtyLog(plainSlot); !errors.Is(err, hv.ErrLoggingDisabled) {
		t.Errorf("GetDirtyLog on unlogged slot: err = %v, want ErrLoggingDisabled", err)
	}
	if _, err := vm.GetDirtyLog(99); !errors.Is(err, hv.ErrNotFound) {
		t.Errorf("GetDirtyLog on unknown slot: err = %v, want ErrNotFound", err)
	}
}

func TestRegisterRoundTrip(t *testing.T) {
	vm := newTestVM(t, hv.SimpleVMConfig{NumCPUs: 1, MemSize: 0x200000})

	vcpu, err := vm.CreateVCPU(0)
	if err != nil {
		t.Fatalf("CreateVCPU: %v", err)
	}

	if err := vcpu.SetRegisters(map[hv.Register]hv.RegisterValue{
		hv.RegisterAMD64Rip: hv.Register64(0x1000),
		hv.RegisterAMD64Rax: hv.Register64(0xdeadbeef),
		hv.RegisterAMD64Rsp: hv.Register64(0x8000),
	}); err != nil {
		t.Fatalf("SetRegisters: %v", err)
	}

	regs := map[hv.Register]hv.RegisterValue{
		hv.RegisterAMD64Rip: hv.Register64(0),
		hv.RegisterAMD64Rax: hv.Register64(0),
		hv.RegisterAMD64Rsp: hv.Register64(0),
	}
	if err := vcpu.GetRegisters(regs); err != nil {
		t.Fatalf("GetRegisters: %v", err)
	}
	if regs[hv.RegisterAMD64Rip] != hv.Register64(0x1000) {
		t.Errorf("Rip = %v, want 0x1000", regs[hv.RegisterAMD64Rip])
	}
	if regs[hv.RegisterAMD64Rax] != hv.Register64(0xdeadbeef) {
		t.Errorf("Rax = %v, want 0xdeadbeef", regs[hv.RegisterAMD64Rax])
	}

	// Control registers route through sregs.
	cr := map[hv.Register]hv.RegisterValue{hv.RegisterAMD64Cr0: hv.Register64(0)}
	if err := vcpu.GetRegisters(cr); err != nil {
		t.Fatalf("GetRegisters(Cr0): %v", err)
	}

	err = vcpu.SetRegisters(map[hv.Register]hv.RegisterValue{
		hv.RegisterARM64X0: hv.Register64(1),
	})
	if !errors.Is(err, hv.ErrUnsupported) {
		t.Errorf("SetRegisters with arm64 register: err = %v, want ErrUnsupported", err)
	}
}

func TestIRQRouting(t *testing.T) {
	vm := newTestVM(t, hv.SimpleVMConfig{
		NumCPUs:          1,
		MemSize:          0x200000,
		InterruptSupport: true,
	})

	if err := vm.SetIRQRouting(hv.NewRouteTable([]hv.Route{
		hv.IrqchipRoute(4, hv.IrqchipIOAPIC, 4),
	})); err != nil {
		t.Fatalf("SetIRQRouting: %v", err)
	}

	if err := vm.InjectIRQ(4, true); err != nil {
		t.Fatalf("InjectIRQ assert: %v", err)
	}
	if err := vm.InjectIRQ(4, false); err != nil {
		t.Fatalf("InjectIRQ deassert: %v", err)
	}

	if err := vm.InjectIRQ(9, true); !errors.Is(err, hv.ErrInvalidRoute) {
		t.Errorf("InjectIRQ without route: err = %v, want ErrInvalidRoute", err)
	}
}

func TestIrqchipRouteWithoutIrqchip(t *testing.T) {
	vm := newTestVM(t, hv.SimpleVMConfig{NumCPUs: 1, MemSize: 0x200000})

	err := vm.SetIRQRouting(hv.NewRouteTable([]hv.Route{
		hv.IrqchipRoute(4, hv.IrqchipIOAPIC, 4),
	}))
	if !errors.Is(err, hv.ErrInvalidRoute) {
		t.Fatalf("SetIRQRouting without irqchip: err = %v, want ErrInvalidRoute", err)
	}
}

func TestSignalMSI(t *testing.T) {
	vm := newTestVM(t, hv.SimpleVMConfig{
		NumCPUs:          1,
		MemSize:          0x200000,
		InterruptSupport: true,
	})

	if !vm.Hypervisor().Capabilities().SignalMSI {
		t.Skip("KVM_CAP_SIGNAL_MSI not available")
	}

	// Fixed destination, vector 0x31, APIC id 0.
	if err := vm.SignalMSI(0xfee00000, 0x31); err != nil {
		t.Fatalf("SignalMSI: %v", err)
	}
}

func TestRunImmediateExit(t *testing.T) {
	vm := newTestVM(t, hv.SimpleVMConfig{NumCPUs: 1, MemSize: 0x200000})

	vcpu, err := vm.CreateVCPU(0)
	if err != nil {
		t.Fatalf("CreateVCPU: %v", err)
	}

	// With the flag already set, Run returns without entering the guest.
	vcpu.SetImmediateExit(true)
	exit, err := vcpu.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, ok := exit.(hv.ExitImmediate); !ok {
		t.Fatalf("exit = %T, want ExitImmediate", exit)
	}
	vcpu.SetImmediateExit(false)
}

func TestRunImmediateExitConcurrent(t *testing.T) {
	vm := newTestVM(t, hv.SimpleVMConfig{NumCPUs: 1, MemSize: 0x200000})

	vcpu, err := vm.CreateVCPU(0)
	if err != nil {
		t.Fatalf("CreateVCPU: %v", err)
	}

	// A cancellation racing Run's entry into the guest must never be
	// swallowed: with the flag set, Run has to come back promptly no
	// matter how the two interleave.
	for i := 0; i < 50; i++ {
		vcpu.SetImmediateExit(false)

		result := make(chan error, 1)
		go func() {
			_, err := vcpu.Run(context.Background())
			result <- err
		}()

		vcpu.SetImmediateExit(true)

		select {
		case err := <-result:
			if err != nil {
				t.Fatalf("iteration %d: Run: %v", i, err)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("iteration %d: Run did not return after SetImmediateExit", i)
		}
	}
}

func TestCreateVCPUConcurrentDuplicate(t *testing.T) {
	vm := newTestVM(t, hv.SimpleVMConfig{NumCPUs: 1, MemSize: 0x200000})

	// A racing duplicate must lose with ErrResourceExhausted, not with
	// an EEXIST bubbled up from the kernel.
	const attempts = 2
	errs := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		go func() {
			_, err := vm.CreateVCPU(0)
			errs <- err
		}()
	}

	created := 0
	for i := 0; i < attempts; i++ {
		err := <-errs
		if err == nil {
			created++
			continue
		}
		if !errors.Is(err, hv.ErrResourceExhausted) {
			t.Errorf("racing CreateVCPU(0): err = %v, want ErrResourceExhausted", err)
		}
	}
	if created != 1 {
		t.Fatalf("racing CreateVCPU(0) succeeded %d times, want 1", created)
	}
}

func TestRunContextCancel(t *testing.T) {
	vm := newTestVM(t, hv.SimpleVMConfig{NumCPUs: 1, MemSize: 0x200000})

	vcpu, err := vm.CreateVCPU(0)
	if err != nil {
		t.Fatalf("CreateVCPU: %v", err)
	}

	// The vCPU has no runnable code mapped at its entry point, but a
	// canceled context must still pull Run back out of KVM_RUN.
	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() {
		_, err := vcpu.Run(ctx)
		result <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-result:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Fatalf("Run: err = %v, want context.Canceled or a guest exit", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after context cancel")
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	vm := newTestVM(t, hv.SimpleVMConfig{
		NumCPUs:          1,
		MemSize:          0x200000,
		InterruptSupport: true,
	})

	vcpu, err := vm.CreateVCPU(0)
	if err != nil {
		t.Fatalf("CreateVCPU: %v", err)
	}
	if err := vcpu.SetRegisters(map[hv.Register]hv.RegisterValue{
		hv.RegisterAMD64Rip: hv.Register64(0x7c00),
		hv.RegisterAMD64Rbx: hv.Register64(0x1234),
	}); err != nil {
		t.Fatalf("SetRegisters: %v", err)
	}

	snap, err := hv.TakeSnapshot(vm)
	if err != nil {
		t.Fatalf("TakeSnapshot: %v", err)
	}
	sec, ok := snap.VcpuSection(0)
	if !ok {
		t.Fatal("vCPU 0 section missing")
	}
	if sec.Registers[hv.RegisterAMD64Rip] != 0x7c00 {
		t.Errorf("snapshot Rip = 0x%x, want 0x7c00", sec.Registers[hv.RegisterAMD64Rip])
	}
	if sec.Opaque.Backend != hv.BackendKVM {
		t.Errorf("opaque blob backend = %q, want %q", sec.Opaque.Backend, hv.BackendKVM)
	}

	// Clobber the registers and restore.
	if err := vcpu.SetRegisters(map[hv.Register]hv.RegisterValue{
		hv.RegisterAMD64Rip: hv.Register64(0),
		hv.RegisterAMD64Rbx: hv.Register64(0),
	}); err != nil {
		t.Fatalf("SetRegisters: %v", err)
	}
	if err := hv.RestoreSnapshot(vm, snap); err != nil {
		t.Fatalf("RestoreSnapshot: %v", err)
	}

	regs := map[hv.Register]hv.RegisterValue{
		hv.RegisterAMD64Rip: hv.Register64(0),
		hv.RegisterAMD64Rbx: hv.Register64(0),
	}
	if err := vcpu.GetRegisters(regs); err != nil {
		t.Fatalf("GetRegisters: %v", err)
	}
	if regs[hv.RegisterAMD64Rip] != hv.Register64(0x7c00) {
		t.Errorf("restored Rip = %v, want 0x7c00", regs[hv.RegisterAMD64Rip])
	}
	if regs[hv.RegisterAMD64Rbx] != hv.Register64(0x1234) {
		t.Errorf("restored Rbx = %v, want 0x1234", regs[hv.RegisterAMD64Rbx])
	}
}

func TestDebugAttach(t *testing.T) {
	vm := newTestVM(t, hv.SimpleVMConfig{NumCPUs: 1, MemSize: 0x200000})

	vcpu, err := vm.CreateVCPU(0)
	if err != nil {
		t.Fatalf("CreateVCPU: %v", err)
	}

	if err := vcpu.DebugAttach(); err != nil {
		t.Fatalf("DebugAttach: %v", err)
	}
	if err := vcpu.DebugDetach(); err != nil {
		t.Fatalf("DebugDetach: %v", err)
	}
}
