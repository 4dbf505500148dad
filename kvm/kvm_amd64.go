//go:build linux && amd64

package kvm

import (
	"fmt"

	"github.com/tinyrange/hv"
)

var (
	regularRegisters = map[hv.Register]bool{
		hv.RegisterAMD64Rax:    true,
		hv.RegisterAMD64Rbx:    true,
		hv.RegisterAMD64Rcx:    true,
		hv.RegisterAMD64Rdx:    true,
		hv.RegisterAMD64Rsi:    true,
		hv.RegisterAMD64Rdi:    true,
		hv.RegisterAMD64Rsp:    true,
		hv.RegisterAMD64Rbp:    true,
		hv.RegisterAMD64R8:     true,
		hv.RegisterAMD64R9:     true,
		hv.RegisterAMD64R10:    true,
		hv.RegisterAMD64R11:    true,
		hv.RegisterAMD64R12:    true,
		hv.RegisterAMD64R13:    true,
		hv.RegisterAMD64R14:    true,
		hv.RegisterAMD64R15:    true,
		hv.RegisterAMD64Rip:    true,
		hv.RegisterAMD64Rflags: true,
	}

	specialRegisters = map[hv.Register]bool{
		hv.RegisterAMD64Cr0:      true,
		hv.RegisterAMD64Cr2:      true,
		hv.RegisterAMD64Cr3:      true,
		hv.RegisterAMD64Cr4:      true,
		hv.RegisterAMD64Cr8:      true,
		hv.RegisterAMD64Efer:     true,
		hv.RegisterAMD64ApicBase: true,
	}
)

func regsField(regs *kvmRegs, reg hv.Register) *uint64 {
	switch reg {
	case hv.RegisterAMD64Rax:
		return &regs.Rax
	case hv.RegisterAMD64Rbx:
		return &regs.Rbx
	case hv.RegisterAMD64Rcx:
		return &regs.Rcx
	case hv.RegisterAMD64Rdx:
		return &regs.Rdx
	case hv.RegisterAMD64Rsi:
		return &regs.Rsi
	case hv.RegisterAMD64Rdi:
		return &regs.Rdi
	case hv.RegisterAMD64Rsp:
		return &regs.Rsp
	case hv.RegisterAMD64Rbp:
		return &regs.Rbp
	case hv.RegisterAMD64R8:
		return &regs.R8
	case hv.RegisterAMD64R9:
		return &regs.R9
	case hv.RegisterAMD64R10:
		return &regs.R10
	case hv.RegisterAMD64R11:
		return &regs.R11
	case hv.RegisterAMD64R12:
		return &regs.R12
	case hv.RegisterAMD64R13:
		return &regs.R13
	case hv.RegisterAMD64R14:
		return &regs.R14
	case hv.RegisterAMD64R15:
		return &regs.R15
	case hv.RegisterAMD64Rip:
		return &regs.Rip
	case hv.RegisterAMD64Rflags:
		return &regs.Rflags
	default:
		return nil
	}
}

func sregsField(sregs *kvmSRegs, reg hv.Register) *uint64 {
	switch reg {
	case hv.RegisterAMD64Cr0:
		return &sregs.Cr0
	case hv.RegisterAMD64Cr2:
		return &sregs.Cr2
	case hv.RegisterAMD64Cr3:
		return &sregs.Cr3
	case hv.RegisterAMD64Cr4:
		return &sregs.Cr4
	case hv.RegisterAMD64Cr8:
		return &sregs.Cr8
	case hv.RegisterAMD64Efer:
		return &sregs.Efer
	case hv.RegisterAMD64ApicBase:
		return &sregs.ApicBase
	default:
		return nil
	}
}

func (v *virtualCPU) SetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	hasRegular := false
	hasSpecial := false
	for reg := range regs {
		if regularRegisters[reg] {
			hasRegular = true
		} else if specialRegisters[reg] {
			hasSpecial = true
		} else {
			return fmt.Errorf("%w: register %d on architecture x86_64", hv.ErrUnsupported, reg)
		}
	}

	if hasRegular {
		regularRegs, err := getRegisters(v.fd)
		if err != nil {
			return &hv.BackendError{Op: "KVM_GET_REGS", Err: err}
		}

		for reg, value := range regs {
			if field := regsField(&regularRegs, reg); field != nil {
				*field = uint64(value.(hv.Register64))
			}
		}

		if err := setRegisters(v.fd, &regularRegs); err != nil {
			return &hv.BackendError{Op: "KVM_SET_REGS", Err: err}
		}
	}

	if hasSpecial {
		specialRegs, err := getSRegs(v.fd)
		if err != nil {
			return &hv.BackendError{Op: "KVM_GET_SREGS", Err: err}
		}

		for reg, value := range regs {
			if field := sregsField(&specialRegs, reg); field != nil {
				*field = uint64(value.(hv.Register64))
			}
		}

		if err := setSRegs(v.fd, &specialRegs); err != nil {
			return &hv.BackendError{Op: "KVM_SET_SREGS", Err: err}
		}
	}

	return nil
}

func (v *virtualCPU) GetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	hasRegular := false
	hasSpecial := false
	for reg := range regs {
		if regularRegisters[reg] {
			hasRegular = true
		} else if specialRegisters[reg] {
			hasSpecial = true
		} else {
			return fmt.Errorf("%w: register %d on architecture x86_64", hv.ErrUnsupported, reg)
		}
	}

	if hasRegular {
		regularRegs, err := getRegisters(v.fd)
		if err != nil {
			return &hv.BackendError{Op: "KVM_GET_REGS", Err: err}
		}

		for reg := range regs {
			if field := regsField(&regularRegs, reg); field != nil {
				regs[reg] = hv.Register64(*field)
			}
		}
	}

	if hasSpecial {
		specialRegs, err := getSRegs(v.fd)
		if err != nil {
			return &hv.BackendError{Op: "KVM_GET_SREGS", Err: err}
		}

		for reg := range regs {
			if field := sregsField(&specialRegs, reg); field != nil {
				regs[reg] = hv.Register64(*field)
			}
		}
	}

	return nil
}

func (h *hypervisor) archVMInit(vm *virtualMachine, config hv.VMConfig) error {
	if err := setTSSAddr(vm.vmFd, 0xfffbd000); err != nil {
		return fmt.Errorf("setting TSS addr: %w", err)
	}

	if config.NeedsInterruptSupport() {
		if err := createIRQChip(vm.vmFd); err != nil {
			return fmt.Errorf("creating IRQ chip: %w", err)
		}
		vm.hasIRQChip = true

		if err := createPIT(vm.vmFd); err != nil {
			return fmt.Errorf("creating PIT: %w", err)
		}
		vm.hasPIT = true
	}

	return nil
}

func (h *hypervisor) archVCPUInit(vm *virtualMachine, vcpuFd int) error {
	cpuId, err := getSupportedCpuId(h.fd)
	if err != nil {
		return fmt.Errorf("getting supported CPUID: %w", err)
	}

	if err := setVCPUID(vcpuFd, cpuId); err != nil {
		return fmt.Errorf("setting vCPU CPUID: %w", err)
	}

	return nil
}

func (h *hypervisor) archVCPUReady(vm *virtualMachine) error { return nil }

func (h *hypervisor) encodeIRQLine(gsi uint32) uint32 { return gsi }

func (*hypervisor) Architecture() hv.CpuArchitecture {
	return hv.ArchitectureX86_64
}

// amd64VcpuState is the opaque per-vCPU payload: the full native
// register file plus the state KVM virtualizes per vCPU.
type amd64VcpuState struct {
	Regs  kvmRegs
	Sregs kvmSRegs
	Fpu   kvmFPU

	HasLapic bool
	Lapic    kvmLapicState
}

// amd64VMState is the opaque VM-wide payload: the in-kernel device
// state that has no portable representation.
type amd64VMState struct {
	Clock kvmClockData

	HasIRQChip bool
	Chips      [3]kvmIRQChip

	HasPIT bool
	Pit    kvmPitState2
}

func (h *hypervisor) saveArchVcpuState(v *virtualCPU) (*hv.VcpuSection, error) {
	regs, err := getRegisters(v.fd)
	if err != nil {
		return nil, &hv.BackendError{Op: "KVM_GET_REGS", Err: err}
	}
	sregs, err := getSRegs(v.fd)
	if err != nil {
		return nil, &hv.BackendError{Op: "KVM_GET_SREGS", Err: err}
	}
	fpu, err := getFpu(v.fd)
	if err != nil {
		return nil, &hv.BackendError{Op: "KVM_GET_FPU", Err: err}
	}

	state := amd64VcpuState{Regs: regs, Sregs: sregs, Fpu: fpu}

	if v.vm.hasIRQChip {
		lapic, err := getLapic(v.fd)
		if err != nil {
			return nil, &hv.BackendError{Op: "KVM_GET_LAPIC", Err: err}
		}
		state.HasLapic = true
		state.Lapic = lapic
	}

	opaque, err := encodeArchBlob(state)
	if err != nil {
		return nil, fmt.Errorf("encode vCPU %d state: %w", v.id, err)
	}

	registers := make(map[hv.Register]uint64)
	for reg := range regularRegisters {
		registers[reg] = *regsField(&regs, reg)
	}
	for reg := range specialRegisters {
		registers[reg] = *sregsField(&sregs, reg)
	}

	return &hv.VcpuSection{
		ID:        v.id,
		Registers: registers,
		Opaque:    opaque,
	}, nil
}

func (h *hypervisor) loadArchVcpuState(v *virtualCPU, section *hv.VcpuSection) error {
	var state amd64VcpuState
	if err := decodeArchBlob(section.Opaque, &state); err != nil {
		return fmt.Errorf("decode vCPU %d state: %w", v.id, err)
	}

	if err := setRegisters(v.fd, &state.Regs); err != nil {
		return &hv.BackendError{Op: "KVM_SET_REGS", Err: err}
	}
	if err := setSRegs(v.fd, &state.Sregs); err != nil {
		return &hv.BackendError{Op: "KVM_SET_SREGS", Err: err}
	}
	if err := setFpu(v.fd, &state.Fpu); err != nil {
		return &hv.BackendError{Op: "KVM_SET_FPU", Err: err}
	}

	if state.HasLapic && v.vm.hasIRQChip {
		if err := setLapic(v.fd, &state.Lapic); err != nil {
			return &hv.BackendError{Op: "KVM_SET_LAPIC", Err: err}
		}
	}

	return nil
}

func (h *hypervisor) saveArchVMState(vm *virtualMachine) (hv.OpaqueBlob, error) {
	var state amd64VMState

	clock, err := getClock(vm.vmFd)
	if err != nil {
		return hv.OpaqueBlob{}, &hv.BackendError{Op: "KVM_GET_CLOCK", Err: err}
	}
	state.Clock = clock

	if vm.hasIRQChip {
		state.HasIRQChip = true
		for _, chipID := range []uint32{hv.IrqchipPICMaster, hv.IrqchipPICSlave, hv.IrqchipIOAPIC} {
			chip, err := getIRQChip(vm.vmFd, chipID)
			if err != nil {
				return hv.OpaqueBlob{}, &hv.BackendError{Op: "KVM_GET_IRQCHIP", Err: err}
			}
			state.Chips[chipID] = chip
		}
	}

	if vm.hasPIT {
		pit, err := getPit2(vm.vmFd)
		if err != nil {
			return hv.OpaqueBlob{}, &hv.BackendError{Op: "KVM_GET_PIT2", Err: err}
		}
		state.HasPIT = true
		state.Pit = pit
	}

	return encodeArchBlob(state)
}

func (h *hypervisor) loadArchVMState(vm *virtualMachine, blob hv.OpaqueBlob) error {
	var state amd64VMState
	if err := decodeArchBlob(blob, &state); err != nil {
		return fmt.Errorf("decode VM state: %w", err)
	}

	state.Clock.Flags = 0
	if err := setClock(vm.vmFd, &state.Clock); err != nil {
		return &hv.BackendError{Op: "KVM_SET_CLOCK", Err: err}
	}

	if state.HasIRQChip && vm.hasIRQChip {
		for chipID := range state.Chips {
			if err := setIRQChip(vm.vmFd, &state.Chips[chipID]); err != nil {
				return &hv.BackendError{Op: "KVM_SET_IRQCHIP", Err: err}
			}
		}
	}

	if state.HasPIT && vm.hasPIT {
		if err := setPit2(vm.vmFd, &state.Pit); err != nil {
			return &hv.BackendError{Op: "KVM_SET_PIT2", Err: err}
		}
	}

	return nil
}
