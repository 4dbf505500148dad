//go:build windows && amd64

package whp

import (
	"fmt"
	"syscall"
	"unsafe"
)

var (
	modWinHvPlatform = syscall.NewLazyDLL("winhvplatform.dll")

	procWHvGetCapability    = modWinHvPlatform.NewProc("WHvGetCapability")
	procWHvCreatePartition  = modWinHvPlatform.NewProc("WHvCreatePartition")
	procWHvSetupPartition   = modWinHvPlatform.NewProc("WHvSetupPartition")
	procWHvDeletePartition  = modWinHvPlatform.NewProc("WHvDeletePartition")
	procWHvSetPartitionProp = modWinHvPlatform.NewProc("WHvSetPartitionProperty")

	procWHvMapGpaRange              = modWinHvPlatform.NewProc("WHvMapGpaRange")
	procWHvUnmapGpaRange            = modWinHvPlatform.NewProc("WHvUnmapGpaRange")
	procWHvTranslateGva             = modWinHvPlatform.NewProc("WHvTranslateGva")
	procWHvQueryGpaRangeDirtyBitmap = modWinHvPlatform.NewProc("WHvQueryGpaRangeDirtyBitmap")

	procWHvCreateVirtualProcessor    = modWinHvPlatform.NewProc("WHvCreateVirtualProcessor")
	procWHvDeleteVirtualProcessor    = modWinHvPlatform.NewProc("WHvDeleteVirtualProcessor")
	procWHvRunVirtualProcessor       = modWinHvPlatform.NewProc("WHvRunVirtualProcessor")
	procWHvCancelRunVirtualProcessor = modWinHvPlatform.NewProc("WHvCancelRunVirtualProcessor")
	procWHvGetVpRegisters            = modWinHvPlatform.NewProc("WHvGetVirtualProcessorRegisters")
	procWHvSetVpRegisters            = modWinHvPlatform.NewProc("WHvSetVirtualProcessorRegisters")

	procWHvRequestInterrupt = modWinHvPlatform.NewProc("WHvRequestInterrupt")
)

// hrCall invokes a WinHv entry point and folds the returned HRESULT
// into a Go error. A zero r1 with a non-zero call errno means the DLL
// itself could not be called.
func hrCall(proc *syscall.LazyProc, args ...uintptr) error {
	r1, _, callErr := proc.Call(args...)
	if r1 == 0 && callErr != syscall.Errno(0) {
		return callErr
	}
	return hresult(int32(r1)).err()
}

func hypervisorPresent() (bool, error) {
	var present uint32
	var written uint32
	if err := hrCall(procWHvGetCapability,
		uintptr(whpCapHypervisorPresent),
		uintptr(unsafe.Pointer(&present)),
		uintptr(unsafe.Sizeof(present)),
		uintptr(unsafe.Pointer(&written)),
	); err != nil {
		return false, err
	}
	if written < uint32(unsafe.Sizeof(present)) {
		return false, fmt.Errorf("whp: capability query wrote %d bytes", written)
	}
	return present != 0, nil
}

func createPartition() (partitionHandle, error) {
	var handle partitionHandle
	err := hrCall(procWHvCreatePartition, uintptr(unsafe.Pointer(&handle)))
	return handle, err
}

func setupPartition(part partitionHandle) error {
	return hrCall(procWHvSetupPartition, uintptr(part))
}

func deletePartition(part partitionHandle) error {
	return hrCall(procWHvDeletePartition, uintptr(part))
}

func setPartitionPropertyU32(part partitionHandle, code uint32, value uint32) error {
	return hrCall(procWHvSetPartitionProp,
		uintptr(part),
		uintptr(code),
		uintptr(unsafe.Pointer(&value)),
		uintptr(unsafe.Sizeof(value)),
	)
}

func mapGpaRange(part partitionHandle, source unsafe.Pointer, guestAddr, size uint64, flags mapFlags) error {
	return hrCall(procWHvMapGpaRange,
		uintptr(part),
		uintptr(source),
		uintptr(guestAddr),
		uintptr(size),
		uintptr(flags),
	)
}

func unmapGpaRange(part partitionHandle, guestAddr, size uint64) error {
	return hrCall(procWHvUnmapGpaRange,
		uintptr(part),
		uintptr(guestAddr),
		uintptr(size),
	)
}

func translateGva(part partitionHandle, vpIndex uint32, gva uint64, flags uint32, result *translateResult, gpa *uint64) error {
	return hrCall(procWHvTranslateGva,
		uintptr(part),
		uintptr(vpIndex),
		uintptr(gva),
		uintptr(flags),
		uintptr(unsafe.Pointer(result)),
		uintptr(unsafe.Pointer(gpa)),
	)
}

func queryGpaRangeDirtyBitmap(part partitionHandle, guestAddr, size uint64, bitmap []uint64) error {
	var ptr unsafe.Pointer
	if len(bitmap) > 0 {
		ptr = unsafe.Pointer(&bitmap[0])
	}
	return hrCall(procWHvQueryGpaRangeDirtyBitmap,
		uintptr(part),
		uintptr(guestAddr),
		uintptr(size),
		uintptr(ptr),
		uintptr(len(bitmap)*8),
	)
}

func createVirtualProcessor(part partitionHandle, vpIndex uint32) error {
	return hrCall(procWHvCreateVirtualProcessor,
		uintptr(part),
		uintptr(vpIndex),
		0,
	)
}

func deleteVirtualProcessor(part partitionHandle, vpIndex uint32) error {
	return hrCall(procWHvDeleteVirtualProcessor,
		uintptr(part),
		uintptr(vpIndex),
	)
}

func runVirtualProcessor(part partitionHandle, vpIndex uint32, exit *runExitContext) error {
	return hrCall(procWHvRunVirtualProcessor,
		uintptr(part),
		uintptr(vpIndex),
		uintptr(unsafe.Pointer(exit)),
		uintptr(unsafe.Sizeof(*exit)),
	)
}

func cancelRunVirtualProcessor(part partitionHandle, vpIndex uint32) error {
	return hrCall(procWHvCancelRunVirtualProcessor,
		uintptr(part),
		uintptr(vpIndex),
		0,
	)
}

func getVpRegisters(part partitionHandle, vpIndex uint32, names []regName, values []regValue) error {
	if len(names) == 0 {
		return nil
	}
	if len(values) < len(names) {
		return fmt.Errorf("whp: %d register values for %d names", len(values), len(names))
	}
	return hrCall(procWHvGetVpRegisters,
		uintptr(part),
		uintptr(vpIndex),
		uintptr(unsafe.Pointer(&names[0])),
		uintptr(len(names)),
		uintptr(unsafe.Pointer(&values[0])),
	)
}

func setVpRegisters(part partitionHandle, vpIndex uint32, names []regName, values []regValue) error {
	if len(names) == 0 {
		return nil
	}
	if len(values) < len(names) {
		return fmt.Errorf("whp: %d register values for %d names", len(values), len(names))
	}
	return hrCall(procWHvSetVpRegisters,
		uintptr(part),
		uintptr(vpIndex),
		uintptr(unsafe.Pointer(&names[0])),
		uintptr(len(names)),
		uintptr(unsafe.Pointer(&values[0])),
	)
}

func requestInterrupt(part partitionHandle, control *interruptControl) error {
	return hrCall(procWHvRequestInterrupt,
		uintptr(part),
		uintptr(unsafe.Pointer(control)),
		uintptr(unsafe.Sizeof(*control)),
	)
}
