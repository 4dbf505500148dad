package soft

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tinyrange/hv"
)

func newTestVM(t *testing.T, cpus int) (*Hypervisor, hv.VirtualMachine) {
	t.Helper()

	hyp := NewWithArch(hv.ArchitectureX86_64)
	vm, err := hyp.NewVirtualMachine(hv.SimpleVMConfig{NumCPUs: cpus})
	if err != nil {
		t.Fatalf("NewVirtualMachine: %v", err)
	}
	t.Cleanup(func() { vm.Close() })
	return hyp, vm
}

func addRegion(t *testing.T, vm hv.VirtualMachine, addr, size uint64, logDirty bool) hv.SlotID {
	t.Helper()

	mapping, err := hv.NewMapping(size)
	if err != nil {
		t.Fatalf("NewMapping(%d): %v", size, err)
	}
	id, err := vm.AddMemoryRegion(hv.MemoryRegion{
		GuestAddr:     addr,
		Size:          size,
		Mapping:       mapping,
		LogDirtyPages: logDirty,
	})
	if err != nil {
		t.Fatalf("AddMemoryRegion at 0x%x: %v", addr, err)
	}
	return id
}

func TestCapabilities(t *testing.T) {
	hyp := New()
	caps := hyp.Capabilities()

	if caps.Backend != hv.BackendSoft {
		t.Errorf("Backend = %q, want %q", caps.Backend, hv.BackendSoft)
	}
	if !caps.IRQRouting || !caps.SignalMSI || !caps.DirtyLog || !caps.Debug {
		t.Errorf("optional capabilities should all be available: %+v", caps)
	}
}

func TestCreateVCPU(t *testing.T) {
	_, vm := newTestVM(t, 2)

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
	if vm.VCPUCount() != 2 {
		t.Errorf("VCPUCount() = %d, want 2", vm.VCPUCount())
	}
}

// TestTwoVcpuScenario walks the full end-to-end flow: a VM with two
// vCPUs and a dirty-logged region, a routed line interrupt, a scripted
// port write exit on vCPU 0 and an immediate exit unblocking a parked
// vCPU 1.
func TestTwoVcpuScenario(t *testing.T) {
	_, vm := newTestVM(t, 2)
	slot := addRegion(t, vm, 0x0, 0x10000, true)

	vcpu0, err := vm.CreateVCPU(0)
	if err != nil {
		t.Fatalf("CreateVCPU(0): %v", err)
	}
	vcpu1, err := vm.CreateVCPU(1)
	if err != nil {
		t.Fatalf("CreateVCPU(1): %v", err)
	}

	if err := vm.SetIRQRouting(hv.NewRouteTable([]hv.Route{
		hv.IrqchipRoute(4, hv.IrqchipIOAPIC, 4),
	})); err != nil {
		t.Fatalf("SetIRQRouting: %v", err)
	}

	// Dirty some guest memory and check the log picks it up.
	payload := []byte("guest data")
	if _, err := vm.WriteAt(payload, 0x2000); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	log, err := vm.GetDirtyLog(slot)
	if err != nil {
		t.Fatalf("GetDirtyLog: %v", err)
	}
	if !log.Get(2) {
		t.Error("page 2 not dirty after a write at 0x2000")
	}

	// Assert the routed line and deassert it again.
	if err := vm.InjectIRQ(4, true); err != nil {
		t.Fatalf("InjectIRQ assert: %v", err)
	}
	if err := vm.InjectIRQ(4, false); err != nil {
		t.Fatalf("InjectIRQ deassert: %v", err)
	}
	softVM := vm.(*virtualMachine)
	if got := softVM.InjectionCount(4); got != 1 {
		t.Errorf("InjectionCount(4) = %d, want 1", got)
	}
	if softVM.LineLevel(4) {
		t.Error("LineLevel(4) still asserted after deassert")
	}

	// vCPU 0 sees a scripted port write.
	vcpu0.(*virtualCPU).PushExit(hv.ExitIoOut{Port: 0x3f8, Data: []byte{'A'}})
	exit, err := vcpu0.Run(context.Background())
	if err != nil {
		t.Fatalf("vCPU 0 Run: %v", err)
	}
	out, ok := exit.(hv.ExitIoOut)
	if !ok {
		t.Fatalf("vCPU 0 exit = %T, want ExitIoOut", exit)
	}
	if out.Port != 0x3f8 || len(out.Data) != 1 || out.Data[0] != 'A' {
		t.Errorf("ExitIoOut = %+v, want port 0x3f8 data 'A'", out)
	}

	// vCPU 1 parks in Run with no scripted exits; SetImmediateExit from
	// another goroutine unblocks it.
	result := make(chan error, 1)
	go func() {
		exit, err := vcpu1.Run(context.Background())
		if err != nil {
			result <- err
			return
		}
		if _, ok := exit.(hv.ExitImmediate); !ok {
			result <- errors.New("parked Run returned " + exit.String())
			return
		}
		result <- nil
	}()

	time.Sleep(10 * time.Millisecond)
	vcpu1.SetImmediateExit(true)

	select {
	case err := <-result:
		if err != nil {
			t.Fatalf("vCPU 1: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("vCPU 1 Run did not return after SetImmediateExit")
	}

	// The flag is sticky until cleared.
	exit, err = vcpu1.Run(context.Background())
	if err != nil {
		t.Fatalf("vCPU 1 second Run: %v", err)
	}
	if _, ok := exit.(hv.ExitImmediate); !ok {
		t.Fatalf("vCPU 1 second Run exit = %T, want ExitImmediate while flag is set", exit)
	}
	vcpu1.SetImmediateExit(false)
}

// TestDuplicateRegionRejected adds a region twice; the second attempt
// fails with ErrOverlap and the first stays fully functional.
func TestDuplicateRegionRejected(t *testing.T) {
	_, vm := newTestVM(t, 1)
	addRegion(t, vm, 0x0, 0x10000, false)

	mapping, err := hv.NewMapping(0x10000)
	if err != nil {
		t.Fatalf("NewMapping: %v", err)
	}
	_, err = vm.AddMemoryRegion(hv.MemoryRegion{GuestAddr: 0x0, Size: 0x10000, Mapping: mapping})
	if !errors.Is(err, hv.ErrOverlap) {
		t.Fatalf("duplicate AddMemoryRegion: err = %v, want ErrOverlap", err)
	}
	mapping.Release()

	// The original region still works.
	want := []byte{0xde, 0xad}
	if _, err := vm.WriteAt(want, 0x100); err != nil {
		t.Fatalf("WriteAt after rejected add: %v", err)
	}
	got := make([]byte, 2)
	if _, err := vm.ReadAt(got, 0x100); err != nil {
		t.Fatalf("ReadAt after rejected add: %v", err)
	}
	if got[0] != want[0] || got[1] != want[1] {
		t.Error("original region lost data after a rejected duplicate add")
	}
}

func TestRunContextCancel(t *testing.T) {
	_, vm := newTestVM(t, 1)
	vcpu, err := vm.CreateVCPU(0)
	if err != nil {
		t.Fatalf("CreateVCPU: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() {
		_, err := vcpu.Run(ctx)
		result <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-result:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run: err = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after context cancel")
	}
}

func TestRunRejectsConcurrentCallers(t *testing.T) {
	_, vm := newTestVM(t, 1)
	vcpu, err := vm.CreateVCPU(0)
	if err != nil {
		t.Fatalf("CreateVCPU: %v", err)
	}

	started := make(chan struct{})
	release := make(chan struct{})
	go func() {
		close(started)
		vcpu.Run(context.Background())
		<-release
	}()

	<-started
	time.Sleep(10 * time.Millisecond)

	_, err = vcpu.Run(context.Background())
	if !errors.Is(err, hv.ErrVcpuRunning) {
		t.Fatalf("concurrent Run: err = %v, want ErrVcpuRunning", err)
	}

	vcpu.SetImmediateExit(true)
	close(release)
}

func TestInjectIRQRequiresRoute(t *testing.T) {
	_, vm := newTestVM(t, 1)

	if err := vm.InjectIRQ(9, true); !errors.Is(err, hv.ErrInvalidRoute) {
		t.Fatalf("InjectIRQ without route: err = %v, want ErrInvalidRoute", err)
	}
}

func TestInjectIRQEdgeCounting(t *testing.T) {
	_, vm := newTestVM(t, 1)

	if err := vm.SetIRQRouting(hv.NewRouteTable([]hv.Route{
		hv.IrqchipRoute(4, hv.IrqchipIOAPIC, 4),
	})); err != nil {
		t.Fatalf("SetIRQRouting: %v", err)
	}

	// Repeated asserts without a deassert count once.
	for i := 0; i < 3; i++ {
		if err := vm.InjectIRQ(4, true); err != nil {
			t.Fatalf("InjectIRQ assert %d: %v", i, err)
		}
	}
	softVM := vm.(*virtualMachine)
	if got := softVM.InjectionCount(4); got != 1 {
		t.Errorf("InjectionCount(4) = %d after repeated asserts, want 1", got)
	}

	if err := vm.InjectIRQ(4, false); err != nil {
		t.Fatalf("InjectIRQ deassert: %v", err)
	}
	if err := vm.InjectIRQ(4, true); err != nil {
		t.Fatalf("InjectIRQ reassert: %v", err)
	}
	if got := softVM.InjectionCount(4); got != 2 {
		t.Errorf("InjectionCount(4) = %d after a full cycle, want 2", got)
	}
}

func TestSignalMSI(t *testing.T) {
	_, vm := newTestVM(t, 1)

	if err := vm.SignalMSI(0xfee00000, 0x31); err != nil {
		t.Fatalf("SignalMSI: %v", err)
	}
	if got := vm.(*virtualMachine).MSISignalCount(); got != 1 {
		t.Errorf("MSISignalCount() = %d, want 1", got)
	}
}

func TestRoutingReplaceIsAtomic(t *testing.T) {
	_, vm := newTestVM(t, 1)

	if err := vm.SetIRQRouting(hv.NewRouteTable([]hv.Route{
		hv.IrqchipRoute(4, hv.IrqchipIOAPIC, 4),
	})); err != nil {
		t.Fatalf("SetIRQRouting: %v", err)
	}

	// An invalid table leaves the previous one installed.
	err := vm.SetIRQRouting(hv.NewRouteTable([]hv.Route{
		hv.IrqchipRoute(5, hv.IrqchipIOAPIC, 99),
	}))
	if !errors.Is(err, hv.ErrInvalidRoute) {
		t.Fatalf("SetIRQRouting invalid table: err = %v, want ErrInvalidRoute", err)
	}

	if _, ok := vm.IRQRouting().Lookup(4); !ok {
		t.Error("previous routing table lost after a rejected replacement")
	}
	if err := vm.InjectIRQ(4, true); err != nil {
		t.Errorf("InjectIRQ on surviving route: %v", err)
	}
}

func TestSetIRQRoutingNilClearsRoutes(t *testing.T) {
	_, vm := newTestVM(t, 1)

	if err := vm.SetIRQRouting(hv.NewRouteTable([]hv.Route{
		hv.IrqchipRoute(4, hv.IrqchipIOAPIC, 4),
	})); err != nil {
		t.Fatalf("SetIRQRouting: %v", err)
	}

	if err := vm.SetIRQRouting(nil); err != nil {
		t.Fatalf("SetIRQRouting(nil): %v", err)
	}
	if got := vm.IRQRouting().Len(); got != 0 {
		t.Errorf("routes after clearing = %d, want 0", got)
	}
	if err := vm.InjectIRQ(4, true); !errors.Is(err, hv.ErrInvalidRoute) {
		t.Errorf("InjectIRQ after clearing: err = %v, want ErrInvalidRoute", err)
	}
}

func TestDirtyLogClearsOnRead(t *testing.T) {
	_, vm := newTestVM(t, 1)
	slot := addRegion(t, vm, 0x0, 0x10000, true)

	if _, err := vm.WriteAt([]byte{1}, 0x3000); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	log, err := vm.GetDirtyLog(slot)
	if err != nil {
		t.Fatalf("GetDirtyLog: %v", err)
	}
	if log.Count() == 0 {
		t.Fatal("dirty log empty after a write")
	}

	// The retrieval reset the log.
	log, err = vm.GetDirtyLog(slot)
	if err != nil {
		t.Fatalf("second GetDirtyLog: %v", err)
	}
	if log.Count() != 0 {
		t.Errorf("dirty log has %d pages right after retrieval, want 0", log.Count())
	}
}

func TestDirtyLogErrors(t *testing.T) {
	_, vm := newTestVM(t, 1)
	plain := addRegion(t, vm, 0x0, 0x10000, false)

	if _, err := vm.GetDirtyLog(plain); !errors.Is(err, hv.ErrLoggingDisabled) {
		t.Errorf("GetDirtyLog on unlogged slot: err = %v, want ErrLoggingDisabled", err)
	}
	if _, err := vm.GetDirtyLog(99); !errors.Is(err, hv.ErrNotFound) {
		t.Errorf("GetDirtyLog on unknown slot: err = %v, want ErrNotFound", err)
	}
}

func TestRegisterRoundTrip(t *testing.T) {
	_, vm := newTestVM(t, 1)
	vcpu, err := vm.CreateVCPU(0)
	if err != nil {
		t.Fatalf("CreateVCPU: %v", err)
	}

	if err := vcpu.SetRegisters(map[hv.Register]hv.RegisterValue{
		hv.RegisterAMD64Rip: hv.Register64(0x1000),
		hv.RegisterAMD64Rax: hv.Register64(0x42),
	}); err != nil {
		t.Fatalf("SetRegisters: %v", err)
	}

	regs := map[hv.Register]hv.RegisterValue{
		hv.RegisterAMD64Rip: hv.Register64(0),
		hv.RegisterAMD64Rax: hv.Register64(0),
	}
	if err := vcpu.GetRegisters(regs); err != nil {
		t.Fatalf("GetRegisters: %v", err)
	}
	if regs[hv.RegisterAMD64Rip] != hv.Register64(0x1000) {
		t.Errorf("Rip = %v, want 0x1000", regs[hv.RegisterAMD64Rip])
	}
	if regs[hv.RegisterAMD64Rax] != hv.Register64(0x42) {
		t.Errorf("Rax = %v, want 0x42", regs[hv.RegisterAMD64Rax])
	}

	// Registers of the wrong architecture are rejected.
	err = vcpu.SetRegisters(map[hv.Register]hv.RegisterValue{
		hv.RegisterARM64X0: hv.Register64(1),
	})
	if !errors.Is(err, hv.ErrUnsupported) {
		t.Errorf("SetRegisters with arm64 register on x86_64: err = %v, want ErrUnsupported", err)
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	_, source := newTestVM(t, 2)
	addRegion(t, source, 0x0, 0x10000, true)

	for id := 0; id < 2; id++ {
		if _, err := source.CreateVCPU(id); err != nil {
			t.Fatalf("CreateVCPU(%d): %v", id, err)
		}
	}
	if err := source.SetIRQRouting(hv.NewRouteTable([]hv.Route{
		hv.IrqchipRoute(4, hv.IrqchipIOAPIC, 4),
	})); err != nil {
		t.Fatalf("SetIRQRouting: %v", err)
	}

	vcpu0, _ := source.VCPU(0)
	if err := vcpu0.SetRegisters(map[hv.Register]hv.RegisterValue{
		hv.RegisterAMD64Rip: hv.Register64(0x7c00),
	}); err != nil {
		t.Fatalf("SetRegisters: %v", err)
	}
	if _, err := source.WriteAt([]byte("snapshot me"), 0x1000); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	snap, err := hv.TakeSnapshot(source)
	if err != nil {
		t.Fatalf("TakeSnapshot: %v", err)
	}
	if snap.VM.CPUCount != 2 || len(snap.VCPUs) != 2 {
		t.Fatalf("snapshot has %d vCPU sections for CPUCount %d, want 2/2", len(snap.VCPUs), snap.VM.CPUCount)
	}
	if sec, ok := snap.VcpuSection(0); !ok || sec.Registers[hv.RegisterAMD64Rip] != 0x7c00 {
		t.Error("vCPU 0 section missing Rip value")
	}

	// Restore into a VM with the same shape.
	_, target := newTestVM(t, 2)
	addRegion(t, target, 0x0, 0x10000, true)
	for id := 0; id < 2; id++ {
		if _, err := target.CreateVCPU(id); err != nil {
			t.Fatalf("target CreateVCPU(%d): %v", id, err)
		}
	}

	if err := hv.RestoreSnapshot(target, snap); err != nil {
		t.Fatalf("RestoreSnapshot: %v", err)
	}

	tvcpu0, _ := target.VCPU(0)
	regs := map[hv.Register]hv.RegisterValue{hv.RegisterAMD64Rip: hv.Register64(0)}
	if err := tvcpu0.GetRegisters(regs); err != nil {
		t.Fatalf("target GetRegisters: %v", err)
	}
	if regs[hv.RegisterAMD64Rip] != hv.Register64(0x7c00) {
		t.Errorf("restored Rip = %v, want 0x7c00", regs[hv.RegisterAMD64Rip])
	}
	if got := target.IRQRouting().Len(); got != 1 {
		t.Errorf("restored routing table has %d entries, want 1", got)
	}
}

func TestSnapshotRejectsWrongShape(t *testing.T) {
	_, source := newTestVM(t, 2)
	addRegion(t, source, 0x0, 0x10000, false)
	for id := 0; id < 2; id++ {
		if _, err := source.CreateVCPU(id); err != nil {
			t.Fatalf("CreateVCPU(%d): %v", id, err)
		}
	}

	snap, err := hv.TakeSnapshot(source)
	if err != nil {
		t.Fatalf("TakeSnapshot: %v", err)
	}

	t.Run("cpu count", func(t *testing.T) {
		_, target := newTestVM(t, 1)
		addRegion(t, target, 0x0, 0x10000, false)
		if _, err := target.CreateVCPU(0); err != nil {
			t.Fatalf("CreateVCPU: %v", err)
		}
		if err := hv.RestoreSnapshot(target, snap); !errors.Is(err, hv.ErrIncompatibleSnapshot) {
			t.Fatalf("RestoreSnapshot: err = %v, want ErrIncompatibleSnapshot", err)
		}
	})

	t.Run("slot layout", func(t *testing.T) {
		_, target := newTestVM(t, 2)
		addRegion(t, target, 0x20000, 0x10000, false)
		for id := 0; id < 2; id++ {
			if _, err := target.CreateVCPU(id); err != nil {
				t.Fatalf("CreateVCPU(%d): %v", id, err)
			}
		}
		if err := hv.RestoreSnapshot(target, snap); !errors.Is(err, hv.ErrIncompatibleSnapshot) {
			t.Fatalf("RestoreSnapshot: err = %v, want ErrIncompatibleSnapshot", err)
		}
	})

	t.Run("backend", func(t *testing.T) {
		bad := *snap.VM
		bad.Opaque.Backend = hv.BackendKVM
		badSnap := &hv.Snapshot{VM: &bad, VCPUs: snap.VCPUs}

		_, target := newTestVM(t, 2)
		addRegion(t, target, 0x0, 0x10000, false)
		for id := 0; id < 2; id++ {
			if _, err := target.CreateVCPU(id); err != nil {
				t.Fatalf("CreateVCPU(%d): %v", id, err)
			}
		}
		if err := hv.RestoreSnapshot(target, badSnap); !errors.Is(err, hv.ErrIncompatibleSnapshot) {
			t.Fatalf("RestoreSnapshot: err = %v, want ErrIncompatibleSnapshot", err)
		}
	})
}

func TestCloseUnblocksRun(t *testing.T) {
	hyp := NewWithArch(hv.ArchitectureX86_64)
	vm, err := hyp.NewVirtualMachine(hv.SimpleVMConfig{NumCPUs: 1})
	if err != nil {
		t.Fatalf("NewVirtualMachine: %v", err)
	}

	vcpu, err := vm.CreateVCPU(0)
	if err != nil {
		t.Fatalf("CreateVCPU: %v", err)
	}

	result := make(chan error, 1)
	go func() {
		_, err := vcpu.Run(context.Background())
		result <- err
	}()

	time.Sleep(10 * time.Millisecond)
	if err := vm.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case err := <-result:
		if !errors.Is(err, hv.ErrVMHalted) {
			t.Fatalf("Run after Close: err = %v, want ErrVMHalted", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Close")
	}
}

func TestInitialMemoryFromConfig(t *testing.T) {
	hyp := NewWithArch(hv.ArchitectureX86_64)
	vm, err := hyp.NewVirtualMachine(hv.SimpleVMConfig{
		NumCPUs: 1,
		MemSize: 0x20000,
		MemBase: 0x100000,
	})
	if err != nil {
		t.Fatalf("NewVirtualMachine: %v", err)
	}
	defer vm.Close()

	regions := vm.MemoryRegions()
	if len(regions) != 1 {
		t.Fatalf("MemoryRegions() = %d regions, want 1", len(regions))
	}
	if regions[0].GuestAddr != 0x100000 || regions[0].Size != 0x20000 {
		t.Errorf("initial region = {0x%x, 0x%x}, want {0x100000, 0x20000}", regions[0].GuestAddr, regions[0].Size)
	}

	if _, err := vm.WriteAt([]byte{1, 2, 3}, 0x100000); err != nil {
		t.Errorf("WriteAt into initial RAM: %v", err)
	}
}
