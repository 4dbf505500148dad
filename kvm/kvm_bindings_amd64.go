//go:build linux && amd64

package kvm

import (
	"fmt"
	"unsafe"
)

// The guest debug ioctl encodes the arch-specific payload size, so the
// struct and request number live here rather than in the shared defs.
const kvmSetGuestDebug = 0x4048ae9b

type kvmGuestDebug struct {
	Control  uint32
	Pad      uint32
	DebugReg [8]uint64
}

func setGuestDebug(vcpuFd int, control uint32) error {
	dbg := kvmGuestDebug{Control: control}
	_, err := ioctlWithRetry(uintptr(vcpuFd), uint64(kvmSetGuestDebug), uintptr(unsafe.Pointer(&dbg)))
	return err
}

func getRegisters(vcpuFd int) (kvmRegs, error) {
	var regs kvmRegs
	if _, err := ioctlWithRetry(uintptr(vcpuFd), uint64(kvmGetRegs), uintptr(unsafe.Pointer(&regs))); err != nil {
		return kvmRegs{}, err
	}
	return regs, nil
}

func setRegisters(vcpuFd int, regs *kvmRegs) error {
	_, err := ioctlWithRetry(uintptr(vcpuFd), uint64(kvmSetRegs), uintptr(unsafe.Pointer(regs)))
	return err
}

func getSRegs(vcpuFd int) (kvmSRegs, error) {
	var sregs kvmSRegs
	if _, err := ioctlWithRetry(uintptr(vcpuFd), uint64(kvmGetSregs), uintptr(unsafe.Pointer(&sregs))); err != nil {
		return kvmSRegs{}, err
	}
	return sregs, nil
}

func setSRegs(vcpuFd int, sregs *kvmSRegs) error {
	_, err := ioctlWithRetry(uintptr(vcpuFd), uint64(kvmSetSregs), uintptr(unsafe.Pointer(sregs)))
	return err
}

func getFpu(vcpuFd int) (kvmFPU, error) {
	var fpu kvmFPU
	if _, err := ioctlWithRetry(uintptr(vcpuFd), uint64(kvmGetFpu), uintptr(unsafe.Pointer(&fpu))); err != nil {
		return kvmFPU{}, err
	}
	return fpu, nil
}

func setFpu(vcpuFd int, fpu *kvmFPU) error {
	_, err := ioctlWithRetry(uintptr(vcpuFd), uint64(kvmSetFpu), uintptr(unsafe.Pointer(fpu)))
	return err
}

func getLapic(vcpuFd int) (kvmLapicState, error) {
	var lapic kvmLapicState
	if _, err := ioctlWithRetry(uintptr(vcpuFd), uint64(kvmGetLapic), uintptr(unsafe.Pointer(&lapic))); err != nil {
		return kvmLapicState{}, err
	}
	return lapic, nil
}

func setLapic(vcpuFd int, lapic *kvmLapicState) error {
	_, err := ioctlWithRetry(uintptr(vcpuFd), uint64(kvmSetLapic), uintptr(unsafe.Pointer(lapic)))
	return err
}

func setTSSAddr(vmFd int, addr uint64) error {
	_, err := ioctlWithRetry(uintptr(vmFd), uint64(kvmSetTssAddr), uintptr(addr))
	return err
}

func createPIT(vmFd int) error {
	var cfg kvmPitConfig
	_, err := ioctlWithRetry(uintptr(vmFd), uint64(kvmCreatePit2), uintptr(unsafe.Pointer(&cfg)))
	return err
}

func getSupportedCpuId(hvFd int) (*kvmCPUID2, error) {
	size := unsafe.Sizeof(kvmCPUID2{}) + unsafe.Sizeof(kvmCPUIDEntry2{})*255
	cpuidData := make([]byte, size)
	cpuid := (*kvmCPUID2)(unsafe.Pointer(&cpuidData[0]))
	cpuid.Nr = 255

	if _, err := ioctlWithRetry(uintptr(hvFd), kvmGetSupportedCpuid, uintptr(unsafe.Pointer(cpuid))); err != nil {
		return nil, fmt.Errorf("KVM_GET_SUPPORTED_CPUID: %w", err)
	}

	return cpuid, nil
}

func setVCPUID(vcpuFd int, cpuId *kvmCPUID2) error {
	_, err := ioctlWithRetry(uintptr(vcpuFd), uint64(kvmSetCpuid2), uintptr(unsafe.Pointer(cpuId)))
	return err
}
