//go:build linux

package kvm

import (
	"encoding/binary"
	"unsafe"

	"github.com/tinyrange/hv"
	"golang.org/x/sys/unix"
)

func ioctl(fd uintptr, request uint64, arg uintptr) (uintptr, error) {
	v1, _, err := unix.Syscall(unix.SYS_IOCTL, fd, uintptr(request), arg)
	if err != 0 {
		return 0, err
	}
	return v1, nil
}

func ioctlWithRetry(fd uintptr, request uint64, arg uintptr) (uintptr, error) {
	for {
		v1, err := ioctl(fd, request, arg)
		if err == unix.EINTR {
			continue
		}
		return v1, err
	}
}

func ioctlInt(ioctl int) func(fd int) (int, error) {
	return func(fd int) (int, error) {
		v, err := ioctlWithRetry(uintptr(fd), uint64(ioctl), 0)
		if err != nil {
			return 0, err
		}
		return int(v), nil
	}
}

var (
	getApiVersion   = ioctlInt(kvmGetApiVersion)
	createVm        = ioctlInt(kvmCreateVm)
	getVcpuMmapSize = ioctlInt(kvmGetVcpuMmapSize)
)

func checkExtension(systemFd int, cap int) (int, error) {
	v, err := ioctlWithRetry(uintptr(systemFd), uint64(kvmCheckExtension), uintptr(cap))
	if err != nil {
		return 0, err
	}
	return int(v), nil
}

func createVCPU(fd int, id int) (int, error) {
	v1, err := ioctlWithRetry(uintptr(fd), uint64(kvmCreateVcpu), uintptr(id))
	if err != nil {
		return 0, err
	}
	return int(v1), nil
}

func setUserMemoryRegion(fd int, region *kvmUserspaceMemoryRegion) error {
	_, err := ioctlWithRetry(uintptr(fd), uint64(kvmSetUserMemoryRegion), uintptr(unsafe.Pointer(region)))
	return err
}

func createIRQChip(vmFd int) error {
	_, err := ioctlWithRetry(uintptr(vmFd), uint64(kvmCreateIrqchip), 0)
	return err
}

func irqLevel(vmFd int, irqLine uint32, level bool) error {
	var line kvmIRQLevel
	line.IRQOrStatus = irqLine
	if level {
		line.Level = 1
	}

	_, err := ioctlWithRetry(uintptr(vmFd), uint64(kvmIrqLine), uintptr(unsafe.Pointer(&line)))
	return err
}

func signalMSI(vmFd int, addr uint64, data uint32) error {
	msi := kvmMSI{
		AddressLo: uint32(addr),
		AddressHi: uint32(addr >> 32),
		Data:      data,
	}

	_, err := ioctlWithRetry(uintptr(vmFd), uint64(kvmSignalMsi), uintptr(unsafe.Pointer(&msi)))
	return err
}

func getDirtyLog(vmFd int, slot uint32, bitmap []uint64) error {
	log := kvmDirtyLog{
		Slot:   slot,
		Bitmap: uint64(uintptr(unsafe.Pointer(&bitmap[0]))),
	}

	_, err := ioctlWithRetry(uintptr(vmFd), uint64(kvmGetDirtyLog), uintptr(unsafe.Pointer(&log)))
	return err
}

func getClock(vmFd int) (kvmClockData, error) {
	var clock kvmClockData
	if _, err := ioctlWithRetry(uintptr(vmFd), uint64(kvmGetClock), uintptr(unsafe.Pointer(&clock))); err != nil {
		return kvmClockData{}, err
	}
	return clock, nil
}

func setClock(vmFd int, clock *kvmClockData) error {
	_, err := ioctlWithRetry(uintptr(vmFd), uint64(kvmSetClock), uintptr(unsafe.Pointer(clock)))
	return err
}

func getIRQChip(vmFd int, chipID uint32) (kvmIRQChip, error) {
	chip := kvmIRQChip{ChipID: chipID}
	if _, err := ioctlWithRetry(uintptr(vmFd), uint64(kvmGetIrqchip), uintptr(unsafe.Pointer(&chip))); err != nil {
		return kvmIRQChip{}, err
	}
	return chip, nil
}

func setIRQChip(vmFd int, chip *kvmIRQChip) error {
	_, err := ioctlWithRetry(uintptr(vmFd), uint64(kvmSetIrqchip), uintptr(unsafe.Pointer(chip)))
	return err
}

func getPit2(vmFd int) (kvmPitState2, error) {
	var pit kvmPitState2
	if _, err := ioctlWithRetry(uintptr(vmFd), uint64(kvmGetPit2), uintptr(unsafe.Pointer(&pit))); err != nil {
		return kvmPitState2{}, err
	}
	return pit, nil
}

func setPit2(vmFd int, pit *kvmPitState2) error {
	_, err := ioctlWithRetry(uintptr(vmFd), uint64(kvmSetPit2), uintptr(unsafe.Pointer(pit)))
	return err
}

// setGsiRouting marshals the routing table the way the kernel expects
// it: a header immediately followed by the entry array.
func setGsiRouting(vmFd int, entries []kvmIrqRoutingEntry) error {
	headerSize := int(unsafe.Sizeof(kvmIrqRoutingHeader{}))
	entrySize := int(unsafe.Sizeof(kvmIrqRoutingEntry{}))
	buf := make([]byte, headerSize+len(entries)*entrySize)

	header := (*kvmIrqRoutingHeader)(unsafe.Pointer(&buf[0]))
	header.NR = uint32(len(entries))

	for i, ent := range entries {
		*(*kvmIrqRoutingEntry)(unsafe.Pointer(&buf[headerSize+i*entrySize])) = ent
	}

	_, err := ioctlWithRetry(uintptr(vmFd), uint64(kvmSetGsiRouting), uintptr(unsafe.Pointer(&buf[0])))
	return err
}

// routingEntry converts a portable route into the kernel's routing
// entry layout.
func routingEntry(route hv.Route) kvmIrqRoutingEntry {
	ent := kvmIrqRoutingEntry{GSI: route.GSI}

	switch route.Kind {
	case hv.RouteIrqchip:
		ent.Type = kvmIrqRoutingTypeIrqchip
		binary.LittleEndian.PutUint32(ent.U[0:4], route.Chip)
		binary.LittleEndian.PutUint32(ent.U[4:8], route.Pin)
	case hv.RouteMSI:
		ent.Type = kvmIrqRoutingTypeMsi
		binary.LittleEndian.PutUint32(ent.U[0:4], uint32(route.Addr))
		binary.LittleEndian.PutUint32(ent.U[4:8], uint32(route.Addr>>32))
		binary.LittleEndian.PutUint32(ent.U[8:12], route.Data)
	}

	return ent
}
