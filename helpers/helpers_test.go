package helpers

import (
	"context"
	"testing"

	"github.com/tinyrange/hv"
	"github.com/tinyrange/hv/soft"
)

type recordingPort struct {
	in  []byte
	out []byte
}

func (p *recordingPort) PortIn(port uint16, data []byte) error {
	copy(data, p.in)
	return nil
}

func (p *recordingPort) PortOut(port uint16, data []byte) error {
	p.out = append(p.out, data...)
	return nil
}

type recordingMMIO struct {
	value byte
	wrote []byte
}

func (m *recordingMMIO) MMIORead(addr uint64, data []byte) error {
	for i := range data {
		data[i] = m.value
	}
	return nil
}

func (m *recordingMMIO) MMIOWrite(addr uint64, data []byte) error {
	m.wrote = append(m.wrote, data...)
	return nil
}

func TestBusPortDispatch(t *testing.T) {
	bus := NewBus()
	dev := &recordingPort{in: []byte{0x55}}

	if err := bus.RegisterPort(0x3f8, 8, dev); err != nil {
		t.Fatalf("RegisterPort: %v", err)
	}

	handled, err := bus.Dispatch(hv.ExitIoOut{Port: 0x3f9, Data: []byte{'h', 'i'}})
	if err != nil || !handled {
		t.Fatalf("Dispatch out = (%t, %v), want (true, nil)", handled, err)
	}
	if string(dev.out) != "hi" {
		t.Errorf("device saw %q, want %q", dev.out, "hi")
	}

	buf := []byte{0}
	handled, err = bus.Dispatch(hv.ExitIoIn{Port: 0x3f8, Data: buf})
	if err != nil || !handled {
		t.Fatalf("Dispatch in = (%t, %v), want (true, nil)", handled, err)
	}
	if buf[0] != 0x55 {
		t.Errorf("port in read 0x%x, want 0x55", buf[0])
	}

	if _, err := bus.Dispatch(hv.ExitIoOut{Port: 0x80, Data: []byte{0}}); err == nil {
		t.Error("Dispatch to an unregistered port succeeded")
	}
}

func TestBusMMIODispatch(t *testing.T) {
	bus := NewBus()
	dev := &recordingMMIO{value: 0xab}

	if err := bus.RegisterMMIO(0xfe000000, 0x1000, dev); err != nil {
		t.Fatalf("RegisterMMIO: %v", err)
	}

	buf := make([]byte, 4)
	handled, err := bus.Dispatch(hv.ExitMmioRead{Addr: 0xfe000010, Data: buf})
	if err != nil || !handled {
		t.Fatalf("Dispatch read = (%t, %v), want (true, nil)", handled, err)
	}
	for _, b := range buf {
		if b != 0xab {
			t.Fatalf("MMIO read returned % x, want all 0xab", buf)
		}
	}

	handled, err = bus.Dispatch(hv.ExitMmioWrite{Addr: 0xfe000020, Data: []byte{1, 2}})
	if err != nil || !handled {
		t.Fatalf("Dispatch write = (%t, %v), want (true, nil)", handled, err)
	}
	if len(dev.wrote) != 2 {
		t.Errorf("device saw %d bytes, want 2", len(dev.wrote))
	}
}

func TestBusNonIOExitPassesThrough(t *testing.T) {
	bus := NewBus()

	handled, err := bus.Dispatch(hv.ExitHlt{})
	if handled || err != nil {
		t.Fatalf("Dispatch(ExitHlt) = (%t, %v), want (false, nil)", handled, err)
	}
}

func TestBusRejectsOverlappingRanges(t *testing.T) {
	bus := NewBus()
	dev := &recordingPort{}

	if err := bus.RegisterPort(0x60, 16, dev); err != nil {
		t.Fatalf("RegisterPort: %v", err)
	}
	if err := bus.RegisterPort(0x68, 16, dev); err == nil {
		t.Error("RegisterPort accepted an overlapping range")
	}

	mdev := &recordingMMIO{}
	if err := bus.RegisterMMIO(0x1000, 0x1000, mdev); err != nil {
		t.Fatalf("RegisterMMIO: %v", err)
	}
	if err := bus.RegisterMMIO(0x1800, 0x1000, mdev); err == nil {
		t.Error("RegisterMMIO accepted an overlapping range")
	}
}

func TestRunVCPUDrivesScriptedGuest(t *testing.T) {
	hyp := soft.NewWithArch(hv.ArchitectureX86_64)
	vm, err := hyp.NewVirtualMachine(hv.SimpleVMConfig{NumCPUs: 1})
	if err != nil {
		t.Fatalf("NewVirtualMachine: %v", err)
	}
	defer vm.Close()

	vcpu, err := vm.CreateVCPU(0)
	if err != nil {
		t.Fatalf("CreateVCPU: %v", err)
	}

	dev := &recordingPort{}
	bus := NewBus()
	if err := bus.RegisterPort(0x3f8, 1, dev); err != nil {
		t.Fatalf("RegisterPort: %v", err)
	}

	// Script a serial write followed by a halt.
	pusher := vcpu.(interface{ PushExit(hv.Exit) })
	pusher.PushExit(hv.ExitIoOut{Port: 0x3f8, Data: []byte{'o', 'k'}})
	pusher.PushExit(hv.ExitHlt{})

	if err := RunVCPU(context.Background(), vcpu, bus); err != nil {
		t.Fatalf("RunVCPU: %v", err)
	}
	if string(dev.out) != "ok" {
		t.Errorf("device saw %q, want %q", dev.out, "ok")
	}
}

func TestRunAll(t *testing.T) {
	hyp := soft.NewWithArch(hv.ArchitectureX86_64)
	vm, err := hyp.NewVirtualMachine(hv.SimpleVMConfig{NumCPUs: 2})
	if err != nil {
		t.Fatalf("NewVirtualMachine: %v", err)
	}
	defer vm.Close()

	bus := NewBus()

	// RunAll creates the vCPUs itself; script their halts once they
	// exist. The first vCPU halts; the second parks until the shared
	// context is canceled.
	vcpu0, err := vm.CreateVCPU(0)
	if err != nil {
		t.Fatalf("CreateVCPU(0): %v", err)
	}
	vcpu0.(interface{ PushExit(hv.Exit) }).PushExit(hv.ExitHlt{})

	vcpu1, err := vm.CreateVCPU(1)
	if err != nil {
		t.Fatalf("CreateVCPU(1): %v", err)
	}
	vcpu1.(interface{ PushExit(hv.Exit) }).PushExit(hv.ExitShutdown{})

	if err := RunAll(context.Background(), vm, 2, bus); err != nil {
		t.Fatalf("RunAll: %v", err)
	}
}
