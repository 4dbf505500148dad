//go:build linux

package kvm

import (
	"testing"

	"github.com/tinyrange/hv"
)

func checkKVMAvailable(t testing.TB) {
	t.Helper()

	hyp, err := Open()
	if err != nil {
		t.Skipf("KVM not available: %v", err)
	}
	if err := hyp.Close(); err != nil {
		t.Fatalf("Close KVM hypervisor: %v", err)
	}
}

func TestOpen(t *testing.T) {
	checkKVMAvailable(t)

	hyp, err := Open()
	if err != nil {
		t.Fatalf("Open KVM hypervisor: %v", err)
	}
	defer hyp.Close()

	caps := hyp.Capabilities()
	if caps.Backend != hv.BackendKVM {
		t.Errorf("Backend = %q, want %q", caps.Backend, hv.BackendKVM)
	}
	if caps.PageSize != 4096 {
		t.Errorf("PageSize = %d, want 4096", caps.PageSize)
	}
	if !caps.DirtyLog {
		t.Error("DirtyLog capability not reported")
	}
	if caps.MaxVCPUs < 1 || caps.MaxSlots < 1 {
		t.Errorf("implausible limits: %+v", caps)
	}
}
