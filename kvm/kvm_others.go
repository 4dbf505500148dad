//go:build linux && !amd64 && !arm64

package kvm

import (
	"fmt"

	"github.com/tinyrange/hv"
)

func (v *virtualCPU) SetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	return fmt.Errorf("%w: register access on this architecture", hv.ErrUnsupported)
}

func (v *virtualCPU) GetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	return fmt.Errorf("%w: register access on this architecture", hv.ErrUnsupported)
}

func (h *hypervisor) archVMInit(vm *virtualMachine, config hv.VMConfig) error {
	return nil
}

func (h *hypervisor) archVCPUInit(vm *virtualMachine, vcpuFd int) error {
	return nil
}

func (h *hypervisor) archVCPUReady(vm *virtualMachine) error { return nil }

func (h *hypervisor) encodeIRQLine(gsi uint32) uint32 { return gsi }

func setGuestDebug(vcpuFd int, control uint32) error {
	return fmt.Errorf("%w: guest debug on this architecture", hv.ErrUnsupported)
}

func (*hypervisor) Architecture() hv.CpuArchitecture {
	return hv.ArchitectureInvalid
}

func (h *hypervisor) saveArchVcpuState(v *virtualCPU) (*hv.VcpuSection, error) {
	return nil, fmt.Errorf("%w: vCPU snapshots on this architecture", hv.ErrUnsupported)
}

func (h *hypervisor) loadArchVcpuState(v *virtualCPU, section *hv.VcpuSection) error {
	return fmt.Errorf("%w: vCPU snapshots on this architecture", hv.ErrUnsupported)
}

func (h *hypervisor) saveArchVMState(vm *virtualMachine) (hv.OpaqueBlob, error) {
	return hv.OpaqueBlob{}, fmt.Errorf("%w: VM snapshots on this architecture", hv.ErrUnsupported)
}

func (h *hypervisor) loadArchVMState(vm *virtualMachine, blob hv.OpaqueBlob) error {
	return fmt.Errorf("%w: VM snapshots on this architecture", hv.ErrUnsupported)
}
