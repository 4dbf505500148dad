//go:build linux && arm64

package kvm

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/tinyrange/hv"
	"golang.org/x/sys/unix"
)

// One-reg identifier layout for arm64.
const (
	kvmRegArm64         uint64 = 0x6000000000000000
	kvmRegSizeU64       uint64 = 0x0030000000000000
	kvmRegArmCoproShift        = 16
	kvmRegArmCore       uint64 = 0x0010 << kvmRegArmCoproShift
	kvmRegArm64SysReg   uint64 = 0x0013 << kvmRegArmCoproShift

	kvmRegArm64SysRegOp0Shift = 14
	kvmRegArm64SysRegOp0Mask  = uint64(0x3) << kvmRegArm64SysRegOp0Shift
	kvmRegArm64SysRegOp1Shift = 11
	kvmRegArm64SysRegOp1Mask  = uint64(0x7) << kvmRegArm64SysRegOp1Shift
	kvmRegArm64SysRegCrnShift = 7
	kvmRegArm64SysRegCrnMask  = uint64(0xf) << kvmRegArm64SysRegCrnShift
	kvmRegArm64SysRegCrmShift = 3
	kvmRegArm64SysRegCrmMask  = uint64(0xf) << kvmRegArm64SysRegCrmShift
	kvmRegArm64SysRegOp2Shift = 0
	kvmRegArm64SysRegOp2Mask  = uint64(0x7) << kvmRegArm64SysRegOp2Shift
)

func arm64SysReg(op0, op1, crn, crm, op2 uint64) uint64 {
	return kvmRegArm64 | kvmRegSizeU64 | kvmRegArm64SysReg |
		((op0 << kvmRegArm64SysRegOp0Shift) & kvmRegArm64SysRegOp0Mask) |
		((op1 << kvmRegArm64SysRegOp1Shift) & kvmRegArm64SysRegOp1Mask) |
		((crn << kvmRegArm64SysRegCrnShift) & kvmRegArm64SysRegCrnMask) |
		((crm << kvmRegArm64SysRegCrmShift) & kvmRegArm64SysRegCrmMask) |
		((op2 << kvmRegArm64SysRegOp2Shift) & kvmRegArm64SysRegOp2Mask)
}

// arm64CoreRegister encodes an offset into struct kvm_regs as a core
// register id. The kernel counts the offset in 32-bit words.
func arm64CoreRegister(offsetBytes uintptr) uint64 {
	return kvmRegArm64 | kvmRegSizeU64 | kvmRegArmCore | uint64(offsetBytes/4)
}

var arm64SysRegVbarEl1 = arm64SysReg(3, 0, 12, 0, 0)

// arm64RegisterIDs maps the portable register namespace onto one-reg
// identifiers. X0..X30, SP, PC and PSTATE sit in struct kvm_regs; VBAR
// goes through the system register file.
var arm64RegisterIDs = func() map[hv.Register]uint64 {
	regs := make(map[hv.Register]uint64, 36)

	for i := 0; i <= 30; i++ {
		reg := hv.Register(int(hv.RegisterARM64X0) + i)
		regs[reg] = arm64CoreRegister(uintptr(i * 8))
	}

	regs[hv.RegisterARM64Sp] = arm64CoreRegister(uintptr(31 * 8))
	regs[hv.RegisterARM64Pc] = arm64CoreRegister(uintptr(32 * 8))
	regs[hv.RegisterARM64Pstate] = arm64CoreRegister(uintptr(33 * 8))
	regs[hv.RegisterARM64Vbar] = arm64SysRegVbarEl1

	return regs
}()

func (v *virtualCPU) SetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	for reg, value := range regs {
		if reg == hv.RegisterARM64Xzr {
			// Writes to the zero register are discarded.
			continue
		}

		kvmReg, ok := arm64RegisterIDs[reg]
		if !ok {
			return fmt.Errorf("%w: register %d on architecture arm64", hv.ErrUnsupported, reg)
		}

		raw, ok := value.(hv.Register64)
		if !ok {
			return fmt.Errorf("%w: register value type %T for register %d", hv.ErrUnsupported, value, reg)
		}

		val := uint64(raw)
		if err := setOneReg(v.fd, kvmReg, unsafe.Pointer(&val)); err != nil {
			return &hv.BackendError{Op: "KVM_SET_ONE_REG", Err: fmt.Errorf("register %d: %w", reg, err)}
		}
	}

	return nil
}

func (v *virtualCPU) GetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	for reg := range regs {
		if reg == hv.RegisterARM64Xzr {
			regs[reg] = hv.Register64(0)
			continue
		}

		kvmReg, ok := arm64RegisterIDs[reg]
		if !ok {
			return fmt.Errorf("%w: register %d on architecture arm64", hv.ErrUnsupported, reg)
		}

		var val uint64
		if err := getOneReg(v.fd, kvmReg, unsafe.Pointer(&val)); err != nil {
			return &hv.BackendError{Op: "KVM_GET_ONE_REG", Err: fmt.Errorf("register %d: %w", reg, err)}
		}

		regs[reg] = hv.Register64(val)
	}

	return nil
}

func (h *hypervisor) archVMInit(vm *virtualMachine, config hv.VMConfig) error {
	if !config.NeedsInterruptSupport() {
		return nil
	}

	if err := h.initVGIC(vm); err != nil {
		return fmt.Errorf("configure VGIC: %w", err)
	}

	return nil
}

func (h *hypervisor) archVCPUInit(vm *virtualMachine, vcpuFd int) error {
	init, err := armPreferredTarget(vm.vmFd)
	if err != nil {
		return fmt.Errorf("getting preferred target: %w", err)
	}

	enableArmVcpuFeature(&init, kvmArmVcpuFeaturePsci02)

	if err := armVcpuInit(vcpuFd, &init); err != nil {
		return fmt.Errorf("initializing vCPU: %w", err)
	}

	return nil
}

// archVCPUReady finalizes the vGIC once every configured vCPU exists;
// the kernel rejects KVM_DEV_ARM_VGIC_CTRL_INIT before that point.
func (h *hypervisor) archVCPUReady(vm *virtualMachine) error {
	if vm.vgicFd == 0 {
		return nil
	}
	if vm.VCPUCount() < vm.config.CPUCount() {
		return nil
	}
	if !vm.vgicReady.CompareAndSwap(false, true) {
		return nil
	}

	if err := setDeviceAttr(vm.vgicFd, &kvmDeviceAttr{
		Group: kvmDevArmVgicGrpCtrl,
		Attr:  kvmDevArmVgicCtrlInit,
	}); err != nil {
		vm.vgicReady.Store(false)
		return fmt.Errorf("finalize VGIC (version %d): %w", vm.vgicVersion, err)
	}

	return nil
}

// encodeIRQLine converts a GSI into the KVM_IRQ_LINE encoding: GSI n
// maps to SPI n, so the wire value carries the SPI type and INTID.
func (h *hypervisor) encodeIRQLine(gsi uint32) uint32 {
	return (kvmArmIRQTypeSPI << armIRQTypeShift) | ((armSPIBase + gsi) & 0xffff)
}

func enableArmVcpuFeature(init *kvmVcpuInit, feature uint32) {
	word := feature / 32
	bit := feature % 32

	if word >= kvmArmVcpuInitFeatureWords {
		return
	}

	init.Features[word] |= 1 << bit
}

func (*hypervisor) Architecture() hv.CpuArchitecture {
	return hv.ArchitectureARM64
}

// In-kernel GIC placement, matching the usual virt machine layout.
const (
	vgicDistributorBase    = 0x08000000
	vgicV2CpuInterfaceBase = 0x08010000
	vgicRedistributorBase  = 0x080a0000
	vgicNumIRQs            = 256
)

var errVGICUnsupported = errors.New("kvm: VGIC v3 device unsupported")

func (h *hypervisor) initVGIC(vm *virtualMachine) error {
	if err := h.initVGICv3(vm); err != nil {
		if errors.Is(err, errVGICUnsupported) {
			return h.initVGICv2(vm)
		}
		return err
	}
	return nil
}

func (h *hypervisor) initVGICv3(vm *virtualMachine) error {
	dev := kvmCreateDeviceArgs{Type: kvmDevTypeArmVgicV3}

	if err := createDevice(vm.vmFd, &dev); err != nil {
		if errors.Is(err, unix.ENODEV) || errors.Is(err, unix.EOPNOTSUPP) {
			return errVGICUnsupported
		}
		return &hv.BackendError{Op: "KVM_CREATE_DEVICE", Err: err}
	}
	vm.vgicFd = int(dev.Fd)
	vm.vgicVersion = 3

	if err := setDeviceAttrU32(vm.vgicFd, kvmDevArmVgicGrpNrIrqs, 0, vgicNumIRQs); err != nil {
		return fmt.Errorf("set VGIC IRQ count: %w", err)
	}
	if err := setDeviceAttrU64(vm.vgicFd, kvmDevArmVgicGrpAddr, kvmVgicV3AddrTypeDist, vgicDistributorBase); err != nil {
		return fmt.Errorf("set VGIC distributor address: %w", err)
	}
	if err := setDeviceAttrU64(vm.vgicFd, kvmDevArmVgicGrpAddr, kvmVgicV3AddrTypeRedist, vgicRedistributorBase); err != nil {
		return fmt.Errorf("set VGIC redistributor address: %w", err)
	}

	vm.hasIRQChip = true
	return nil
}

func (h *hypervisor) initVGICv2(vm *virtualMachine) error {
	dev := kvmCreateDeviceArgs{Type: kvmDevTypeArmVgicV2}

	if err := createDevice(vm.vmFd, &dev); err != nil {
		return &hv.BackendError{Op: "KVM_CREATE_DEVICE", Err: err}
	}
	vm.vgicFd = int(dev.Fd)
	vm.vgicVersion = 2

	if err := setDeviceAttrU32(vm.vgicFd, kvmDevArmVgicGrpNrIrqs, 0, vgicNumIRQs); err != nil {
		return fmt.Errorf("set VGIC IRQ count: %w", err)
	}
	if err := setDeviceAttrU64(vm.vgicFd, kvmDevArmVgicGrpAddr, kvmVgicV2AddrTypeDist, vgicDistributorBase); err != nil {
		return fmt.Errorf("set VGIC distributor address: %w", err)
	}
	if err := setDeviceAttrU64(vm.vgicFd, kvmDevArmVgicGrpAddr, kvmVgicV2AddrTypeCpu, vgicV2CpuInterfaceBase); err != nil {
		return fmt.Errorf("set VGIC CPU interface address: %w", err)
	}

	vm.hasIRQChip = true
	return nil
}

// arm64VcpuState is the opaque per-vCPU payload: the portable register
// file captured through the one-reg interface.
type arm64VcpuState struct {
	Registers map[hv.Register]uint64
}

// arm64VMState records the in-kernel GIC shape so a restore onto a VM
// with a different interrupt topology fails up front.
type arm64VMState struct {
	GICVersion int
}

func (h *hypervisor) saveArchVcpuState(v *virtualCPU) (*hv.VcpuSection, error) {
	registers := make(map[hv.Register]uint64, len(arm64RegisterIDs))

	// Core registers must always be readable. VBAR may be withheld by
	// some kernels; skip it rather than failing the whole capture.
	for reg, kvmReg := range arm64RegisterIDs {
		var val uint64
		if err := getOneReg(v.fd, kvmReg, unsafe.Pointer(&val)); err != nil {
			if reg == hv.RegisterARM64Vbar && errors.Is(err, unix.ENOENT) {
				continue
			}
			return nil, &hv.BackendError{Op: "KVM_GET_ONE_REG", Err: fmt.Errorf("register %d: %w", reg, err)}
		}
		registers[reg] = val
	}

	opaque, err := encodeArchBlob(arm64VcpuState{Registers: registers})
	if err != nil {
		return nil, fmt.Errorf("encode vCPU %d state: %w", v.id, err)
	}

	return &hv.VcpuSection{
		ID:        v.id,
		Registers: registers,
		Opaque:    opaque,
	}, nil
}

func (h *hypervisor) loadArchVcpuState(v *virtualCPU, section *hv.VcpuSection) error {
	var state arm64VcpuState
	if err := decodeArchBlob(section.Opaque, &state); err != nil {
		return fmt.Errorf("decode vCPU %d state: %w", v.id, err)
	}

	for reg, value := range state.Registers {
		kvmReg, ok := arm64RegisterIDs[reg]
		if !ok {
			continue
		}

		val := value
		if err := setOneReg(v.fd, kvmReg, unsafe.Pointer(&val)); err != nil {
			if reg == hv.RegisterARM64Vbar && errors.Is(err, unix.ENOENT) {
				continue
			}
			return &hv.BackendError{Op: "KVM_SET_ONE_REG", Err: fmt.Errorf("register %d: %w", reg, err)}
		}
	}

	return nil
}

func (h *hypervisor) saveArchVMState(vm *virtualMachine) (hv.OpaqueBlob, error) {
	return encodeArchBlob(arm64VMState{GICVersion: vm.vgicVersion})
}

func (h *hypervisor) loadArchVMState(vm *virtualMachine, blob hv.OpaqueBlob) error {
	var state arm64VMState
	if err := decodeArchBlob(blob, &state); err != nil {
		return fmt.Errorf("decode VM state: %w", err)
	}

	if state.GICVersion != vm.vgicVersion {
		return fmt.Errorf("%w: snapshot GIC v%d, VM GIC v%d",
			hv.ErrIncompatibleSnapshot, state.GICVersion, vm.vgicVersion)
	}

	return nil
}
