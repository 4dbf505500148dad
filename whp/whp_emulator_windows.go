//go:build windows && amd64

package whp

import (
	"syscall"
	"unsafe"
)

// The platform does not decode faulting instructions itself: a memory or
// I/O port exit only carries the guest physical address or port. The
// instruction emulator in winhvemulation.dll performs the access through
// host callbacks, which this backend points at the slot table and at the
// vCPU's pending-exit plumbing.

var (
	modWinHvEmulation = syscall.NewLazyDLL("winhvemulation.dll")

	procWHvEmulatorCreateEmulator   = modWinHvEmulation.NewProc("WHvEmulatorCreateEmulator")
	procWHvEmulatorDestroyEmulator  = modWinHvEmulation.NewProc("WHvEmulatorDestroyEmulator")
	procWHvEmulatorTryIoEmulation   = modWinHvEmulation.NewProc("WHvEmulatorTryIoEmulation")
	procWHvEmulatorTryMmioEmulation = modWinHvEmulation.NewProc("WHvEmulatorTryMmioEmulation")
)

const (
	hrOK   = uintptr(0)
	hrFail = uintptr(0x80004005) // E_FAIL
)

// The emulator callbacks receive the vCPU through the opaque context
// pointer handed to each TryEmulation call. syscall.NewCallback thunks
// are process-wide, so they are created once.
var (
	emulatorIoThunk = syscall.NewCallback(func(ctx, access uintptr) uintptr {
		vcpu := (*virtualCPU)(unsafe.Pointer(ctx))
		return vcpu.emulatorIo((*emulatorIoAccess)(unsafe.Pointer(access)))
	})

	emulatorMemoryThunk = syscall.NewCallback(func(ctx, access uintptr) uintptr {
		vcpu := (*virtualCPU)(unsafe.Pointer(ctx))
		return vcpu.emulatorMemory((*emulatorMemoryAccess)(unsafe.Pointer(access)))
	})

	emulatorGetRegsThunk = syscall.NewCallback(func(ctx, namesPtr, count, valuesPtr uintptr) uintptr {
		vcpu := (*virtualCPU)(unsafe.Pointer(ctx))
		names := unsafe.Slice((*regName)(unsafe.Pointer(namesPtr)), int(count))
		values := unsafe.Slice((*regValue)(unsafe.Pointer(valuesPtr)), int(count))
		if err := getVpRegisters(vcpu.vm.part, uint32(vcpu.id), names, values); err != nil {
			return hrFail
		}
		return hrOK
	})

	emulatorSetRegsThunk = syscall.NewCallback(func(ctx, namesPtr, count, valuesPtr uintptr) uintptr {
		vcpu := (*virtualCPU)(unsafe.Pointer(ctx))
		names := unsafe.Slice((*regName)(unsafe.Pointer(namesPtr)), int(count))
		values := unsafe.Slice((*regValue)(unsafe.Pointer(valuesPtr)), int(count))
		if err := setVpRegisters(vcpu.vm.part, uint32(vcpu.id), names, values); err != nil {
			return hrFail
		}
		return hrOK
	})

	emulatorTranslateThunk = syscall.NewCallback(func(ctx, gva, flags, result, gpa uintptr) uintptr {
		vcpu := (*virtualCPU)(unsafe.Pointer(ctx))
		var tr translateResult
		var out uint64
		if err := translateGva(vcpu.vm.part, uint32(vcpu.id), uint64(gva), uint32(flags), &tr, &out); err != nil {
			return hrFail
		}
		*(*translateResultCode)(unsafe.Pointer(result)) = tr.ResultCode
		*(*uint64)(unsafe.Pointer(gpa)) = out
		return hrOK
	})
)

func createEmulator() (emulatorHandle, error) {
	callbacks := emulatorCallbacks{
		IoPort:           emulatorIoThunk,
		Memory:           emulatorMemoryThunk,
		GetRegisters:     emulatorGetRegsThunk,
		SetRegisters:     emulatorSetRegsThunk,
		TranslateGvaPage: emulatorTranslateThunk,
	}
	callbacks.Size = uint32(unsafe.Sizeof(callbacks))

	var handle emulatorHandle
	err := hrCall(procWHvEmulatorCreateEmulator,
		uintptr(unsafe.Pointer(&callbacks)),
		uintptr(unsafe.Pointer(&handle)),
	)
	return handle, err
}

func destroyEmulator(handle emulatorHandle) error {
	if handle == 0 {
		return nil
	}
	return hrCall(procWHvEmulatorDestroyEmulator, uintptr(handle))
}

func tryMmioEmulation(handle emulatorHandle, vcpu *virtualCPU, vp *vpContext, mem *memoryAccessContext) (emulatorStatus, error) {
	var status emulatorStatus
	err := hrCall(procWHvEmulatorTryMmioEmulation,
		uintptr(handle),
		uintptr(unsafe.Pointer(vcpu)),
		uintptr(unsafe.Pointer(vp)),
		uintptr(unsafe.Pointer(mem)),
		uintptr(unsafe.Pointer(&status)),
	)
	return status, err
}

func tryIoEmulation(handle emulatorHandle, vcpu *virtualCPU, vp *vpContext, io *ioPortAccessContext) (emulatorStatus, error) {
	var status emulatorStatus
	err := hrCall(procWHvEmulatorTryIoEmulation,
		uintptr(handle),
		uintptr(unsafe.Pointer(vcpu)),
		uintptr(unsafe.Pointer(vp)),
		uintptr(unsafe.Pointer(io)),
		uintptr(unsafe.Pointer(&status)),
	)
	return status, err
}
