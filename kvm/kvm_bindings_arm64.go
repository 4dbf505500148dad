//go:build linux && arm64

package kvm

import "unsafe"

func getOneReg(vcpuFd int, id uint64, addr unsafe.Pointer) error {
	reg := kvmOneReg{
		id:   id,
		addr: uint64(uintptr(addr)),
	}

	_, err := ioctlWithRetry(uintptr(vcpuFd), uint64(kvmGetOneReg), uintptr(unsafe.Pointer(&reg)))
	return err
}

func setOneReg(vcpuFd int, id uint64, addr unsafe.Pointer) error {
	reg := kvmOneReg{
		id:   id,
		addr: uint64(uintptr(addr)),
	}

	_, err := ioctlWithRetry(uintptr(vcpuFd), uint64(kvmSetOneReg), uintptr(unsafe.Pointer(&reg)))
	return err
}

func armPreferredTarget(vmFd int) (kvmVcpuInit, error) {
	var init kvmVcpuInit

	if _, err := ioctlWithRetry(uintptr(vmFd), uint64(kvmArmPreferredTarget), uintptr(unsafe.Pointer(&init))); err != nil {
		return kvmVcpuInit{}, err
	}

	return init, nil
}

func armVcpuInit(vcpuFd int, init *kvmVcpuInit) error {
	_, err := ioctlWithRetry(uintptr(vcpuFd), uint64(kvmArmVcpuInitIoctl), uintptr(unsafe.Pointer(init)))
	return err
}

func createDevice(vmFd int, dev *kvmCreateDeviceArgs) error {
	_, err := ioctlWithRetry(uintptr(vmFd), uint64(kvmCreateDevice), uintptr(unsafe.Pointer(dev)))
	return err
}

func setDeviceAttr(devFd int, attr *kvmDeviceAttr) error {
	_, err := ioctlWithRetry(uintptr(devFd), uint64(kvmSetDeviceAttr), uintptr(unsafe.Pointer(attr)))
	return err
}

func setDeviceAttrU32(devFd int, group uint32, attr uint64, value uint32) error {
	val := value
	return setDeviceAttr(devFd, &kvmDeviceAttr{
		Group: group,
		Attr:  attr,
		Addr:  uint64(uintptr(unsafe.Pointer(&val))),
	})
}

func setDeviceAttrU64(devFd int, group uint32, attr uint64, value uint64) error {
	val := value
	return setDeviceAttr(devFd, &kvmDeviceAttr{
		Group: group,
		Attr:  attr,
		Addr:  uint64(uintptr(unsafe.Pointer(&val))),
	})
}

func setGuestDebug(vcpuFd int, control uint32) error {
	dbg := kvmGuestDebug{Control: control}
	_, err := ioctlWithRetry(uintptr(vcpuFd), uint64(kvmSetGuestDebug), uintptr(unsafe.Pointer(&dbg)))
	return err
}
