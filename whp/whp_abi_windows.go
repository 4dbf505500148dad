//go:build windows && amd64

package whp

import (
	"fmt"
	"syscall"
)

// hresult is a Windows HRESULT as returned by the WinHv APIs.
type hresult int32

func (hr hresult) failed() bool { return hr < 0 }

func (hr hresult) err() error {
	if !hr.failed() {
		return nil
	}
	return hresultError(hr)
}

// hresultError wraps a failing hresult value as an error.
type hresultError hresult

func (e hresultError) Error() string {
	return fmt.Sprintf("hresult %#08x: %s", uint32(e), syscall.Errno(e).Error())
}

type partitionHandle syscall.Handle

// WHV_CAPABILITY_CODE.
const (
	whpCapHypervisorPresent uint32 = 0x00000000
)

// WHV_PARTITION_PROPERTY_CODE.
const (
	whpPropLocalApicEmulationMode uint32 = 0x00001005
	whpPropProcessorCount         uint32 = 0x00001fff
)

// WHV_X64_LOCAL_APIC_EMULATION_MODE.
const (
	whpApicEmulationNone  uint32 = 0
	whpApicEmulationXApic uint32 = 1
)

// WHV_MAP_GPA_RANGE_FLAGS.
type mapFlags uint32

const (
	mapFlagRead       mapFlags = 0x00000001
	mapFlagWrite      mapFlags = 0x00000002
	mapFlagExecute    mapFlags = 0x00000004
	mapFlagTrackDirty mapFlags = 0x00000008
)

// WHV_REGISTER_NAME.
type regName uint32

const (
	regRax    regName = 0x00000000
	regRcx    regName = 0x00000001
	regRdx    regName = 0x00000002
	regRbx    regName = 0x00000003
	regRsp    regName = 0x00000004
	regRbp    regName = 0x00000005
	regRsi    regName = 0x00000006
	regRdi    regName = 0x00000007
	regR8     regName = 0x00000008
	regR9     regName = 0x00000009
	regR10    regName = 0x0000000A
	regR11    regName = 0x0000000B
	regR12    regName = 0x0000000C
	regR13    regName = 0x0000000D
	regR14    regName = 0x0000000E
	regR15    regName = 0x0000000F
	regRip    regName = 0x00000010
	regRflags regName = 0x00000011

	regCr0 regName = 0x0000001C
	regCr2 regName = 0x0000001D
	regCr3 regName = 0x0000001E
	regCr4 regName = 0x0000001F
	regCr8 regName = 0x00000020

	regEfer     regName = 0x00002001
	regApicBase regName = 0x00002003

	regPendingInterruption regName = 0x80000000
	regInterruptState      regName = 0x80000001
)

// regValue mirrors WHV_REGISTER_VALUE, a 16-byte register union. Every
// register this backend touches fits in the low 8 bytes.
type regValue struct {
	Low64  uint64
	High64 uint64
}

// WHV_RUN_VP_EXIT_REASON.
type exitReason uint32

const (
	exitReasonNone                   exitReason = 0x00000000
	exitReasonMemoryAccess           exitReason = 0x00000001
	exitReasonIoPortAccess           exitReason = 0x00000002
	exitReasonUnrecoverableException exitReason = 0x00000004
	exitReasonInvalidVpRegister      exitReason = 0x00000005
	exitReasonUnsupportedFeature     exitReason = 0x00000006
	exitReasonInterruptWindow        exitReason = 0x00000007
	exitReasonHalt                   exitReason = 0x00000008
	exitReasonApicEoi                exitReason = 0x00000009
	exitReasonCanceled               exitReason = 0x00002001
)

// whpSegment mirrors WHV_X64_SEGMENT_REGISTER.
type whpSegment struct {
	Base       uint64
	Limit      uint32
	Selector   uint16
	Attributes uint16
}

// vpContext mirrors WHV_VP_EXIT_CONTEXT.
type vpContext struct {
	ExecutionState       uint16
	InstructionLengthCr8 uint8
	Reserved             uint8
	Reserved2            uint32
	Cs                   whpSegment
	Rip                  uint64
	Rflags               uint64
}

// runExitContext mirrors WHV_RUN_VP_EXIT_CONTEXT. The payload area is
// large enough for every context variant; the accessors below reinterpret
// it per exit reason.
type runExitContext struct {
	Reason    exitReason
	Reserved  uint32
	VpContext vpContext
	payload   [176]byte
}

// memoryAccessContext mirrors WHV_MEMORY_ACCESS_CONTEXT.
type memoryAccessContext struct {
	InstructionByteCount uint8
	Reserved             [3]uint8
	InstructionBytes     [16]uint8
	AccessInfo           uint32
	Gpa                  uint64
	Gva                  uint64
}

// ioPortAccessContext mirrors WHV_X64_IO_PORT_ACCESS_CONTEXT.
type ioPortAccessContext struct {
	InstructionByteCount uint8
	Reserved             [3]uint8
	InstructionBytes     [16]uint8
	AccessInfo           uint32
	Port                 uint16
	Reserved2            [3]uint16
	Rax                  uint64
	Rcx                  uint64
	Rsi                  uint64
	Rdi                  uint64
	Ds                   whpSegment
	Es                   whpSegment
}

// WHV_INTERRUPT_TYPE.
const (
	interruptTypeFixed uint64 = 0
)

// WHV_INTERRUPT_DESTINATION_MODE.
const (
	interruptDestPhysical uint64 = 0
	interruptDestLogical  uint64 = 1
)

// WHV_INTERRUPT_TRIGGER_MODE.
const (
	interruptTriggerEdge  uint64 = 0
	interruptTriggerLevel uint64 = 1
)

// Bit offsets within interruptControl.Control.
const (
	interruptDestModeShift    = 8
	interruptTriggerModeShift = 12
)

// interruptControl mirrors WHV_INTERRUPT_CONTROL.
type interruptControl struct {
	Control     uint64
	Destination uint32
	Vector      uint32
}

// WHV_TRANSLATE_GVA_RESULT_CODE.
type translateResultCode uint32

// translateResult mirrors WHV_TRANSLATE_GVA_RESULT.
type translateResult struct {
	ResultCode translateResultCode
	Reserved   uint32
}

// Emulator status bits, WHV_EMULATOR_STATUS.
type emulatorStatus uint32

const (
	emulatorStatusSuccess             emulatorStatus = 1 << 0
	emulatorStatusInternalFailure     emulatorStatus = 1 << 1
	emulatorStatusIoCallbackFailed    emulatorStatus = 1 << 2
	emulatorStatusMemCallbackFailed   emulatorStatus = 1 << 3
	emulatorStatusXlateCallbackFailed emulatorStatus = 1 << 4
	emulatorStatusGetRegsFailed       emulatorStatus = 1 << 6
	emulatorStatusSetRegsFailed       emulatorStatus = 1 << 7
)

func (s emulatorStatus) successful() bool {
	const failures = emulatorStatusInternalFailure |
		emulatorStatusIoCallbackFailed |
		emulatorStatusMemCallbackFailed |
		emulatorStatusXlateCallbackFailed |
		emulatorStatusGetRegsFailed |
		emulatorStatusSetRegsFailed
	return s&emulatorStatusSuccess != 0 && s&failures == 0
}

// emulatorMemoryAccess mirrors WHV_EMULATOR_MEMORY_ACCESS_INFO.
type emulatorMemoryAccess struct {
	GpaAddress uint64
	Direction  uint8 // 0 read, 1 write
	AccessSize uint8 // 1 through 8
	Data       [8]byte
}

// emulatorIoAccess mirrors WHV_EMULATOR_IO_ACCESS_INFO.
type emulatorIoAccess struct {
	Direction  uint8 // 0 in, 1 out
	Port       uint16
	AccessSize uint16 // 1, 2 or 4
	Data       [4]uint32
}

// emulatorCallbacks mirrors WHV_EMULATOR_CALLBACKS.
type emulatorCallbacks struct {
	Size             uint32
	Reserved         uint32
	IoPort           uintptr
	Memory           uintptr
	GetRegisters     uintptr
	SetRegisters     uintptr
	TranslateGvaPage uintptr
}

type emulatorHandle uintptr
