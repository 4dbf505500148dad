//go:build linux

package kvm

import "fmt"

const (
	kvmApiVersion = 12

	kvmGetApiVersion       = 0xae00
	kvmCreateVm            = 0xae01
	kvmCheckExtension      = 0xae03
	kvmGetVcpuMmapSize     = 0xae04
	kvmGetSupportedCpuid   = 0xc008ae05
	kvmCreateVcpu          = 0xae41
	kvmSetUserMemoryRegion = 0x4020ae46
	kvmSetTssAddr          = 0xae47
	kvmCreateIrqchip       = 0xae60
	kvmIrqLine             = 0x4008ae61
	kvmGetIrqchip          = 0xc208ae62
	kvmSetIrqchip          = 0x8208ae63
	kvmSetGsiRouting       = 0x4008ae6a
	kvmCreatePit2          = 0x4040ae77
	kvmGetClock            = 0x8030ae7c
	kvmSetClock            = 0x4030ae7b
	kvmRun                 = 0xae80
	kvmGetRegs             = 0x8090ae81
	kvmSetRegs             = 0x4090ae82
	kvmGetSregs            = 0x8138ae83
	kvmSetSregs            = 0x4138ae84
	kvmGetMsrs             = 0xc008ae88
	kvmSetMsrs             = 0x4008ae89
	kvmGetFpu              = 0x81a0ae8c
	kvmSetFpu              = 0x41a0ae8d
	kvmGetLapic            = 0x8400ae8e
	kvmSetLapic            = 0x4400ae8f
	kvmSetCpuid2           = 0x4008ae90
	kvmGetPit2             = 0x8070ae9f
	kvmSetPit2             = 0x4070aea0
	kvmGetDirtyLog         = 0x4010ae42
	kvmSignalMsi           = 0x4020aea5
)

// Capability numbers probed via KVM_CHECK_EXTENSION.
const (
	kvmCapNrVcpus     = 9
	kvmCapNrMemslots  = 10
	kvmCapIrqRouting  = 25
	kvmCapMaxVcpus    = 66
	kvmCapSignalMsi   = 77
	kvmCapReadonlyMem = 81
)

// Memory region flags.
const (
	kvmMemLogDirtyPages = 1 << 0
	kvmMemReadonly      = 1 << 1
)

// Guest debug control flags.
const (
	kvmGuestDebugEnable     = 1 << 0
	kvmGuestDebugSinglestep = 1 << 1
)

const syncRegsSizeBytes = 2048

type kvmUserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

type kvmRunData struct {
	request_interrupt_window      uint8
	immediate_exit                uint8
	padding1                      [6]uint8
	exit_reason                   uint32
	ready_for_interrupt_injection uint8
	if_flag                       uint8
	flags                         uint16
	cr8                           uint64
	apic_base                     uint64
	anon0                         [256]byte
	kvm_valid_regs                uint64
	kvm_dirty_regs                uint64
	s                             struct{ padding [syncRegsSizeBytes]byte }
}

type kvmExitIoData struct {
	direction  uint8
	size       uint8
	port       uint16
	count      uint32
	dataOffset uint64
}

type kvmExitMMIOData struct {
	physAddr uint64
	data     [8]byte
	len      uint32
	isWrite  uint8
}

type kvmExitDebugArch struct {
	exception uint32
	pad       uint32
	pc        uint64
	dr6       uint64
	dr7       uint64
}

type kvmSystemEvent struct {
	typ   uint32
	ndata uint32
	data  [16]uint64
}

type internalErrorData struct {
	Suberror uint32
	Ndata    uint32
	Data     [16]uint64
}

type kvmIRQLevel struct {
	IRQOrStatus uint32
	Level       uint32
}

type kvmMSI struct {
	AddressLo uint32
	AddressHi uint32
	Data      uint32
	Flags     uint32
	Devid     uint32
	Pad       [12]uint8
}

type kvmDirtyLog struct {
	Slot   uint32
	Pad    uint32
	Bitmap uint64
}

// GSI routing entry types from the kernel ABI.
const (
	kvmIrqRoutingTypeIrqchip = 1
	kvmIrqRoutingTypeMsi     = 2
)

type kvmIrqRoutingHeader struct {
	NR    uint32
	Flags uint32
}

// kvmIrqRoutingEntry matches struct kvm_irq_routing_entry: a 16-byte
// header followed by a 32-byte destination union.
type kvmIrqRoutingEntry struct {
	GSI   uint32
	Type  uint32
	Flags uint32
	Pad   uint32
	U     [32]byte
}

type kvmClockData struct {
	Clock    uint64
	Flags    uint32
	Pad0     uint32
	Realtime uint64
	HostTSC  uint64
	Pad      [4]uint32
}

type kvmIRQChip struct {
	ChipID uint32
	Pad    uint32
	Chip   [512]byte
}

type kvmPitChannelState struct {
	Count         uint32
	LatchedCount  uint16
	CountLatched  uint8
	StatusLatched uint8
	Status        uint8
	ReadState     uint8
	WriteState    uint8
	WriteLatch    uint8
	RWMode        uint8
	Mode          uint8
	Bcd           uint8
	Gate          uint8
	CountLoadTime int64
}

type kvmPitState2 struct {
	Channels [3]kvmPitChannelState
	Flags    uint32
	Reserved [9]uint32
}

type kvmExitReason uint32

const (
	kvmExitUnknown       kvmExitReason = 0
	kvmExitException     kvmExitReason = 1
	kvmExitIo            kvmExitReason = 2
	kvmExitHypercall     kvmExitReason = 3
	kvmExitDebug         kvmExitReason = 4
	kvmExitHlt           kvmExitReason = 5
	kvmExitMmio          kvmExitReason = 6
	kvmExitIrqWindowOpen kvmExitReason = 7
	kvmExitShutdown      kvmExitReason = 8
	kvmExitFailEntry     kvmExitReason = 9
	kvmExitIntr          kvmExitReason = 10
	kvmExitInternalError kvmExitReason = 17
	kvmExitSystemEvent   kvmExitReason = 24
)

const (
	kvmSystemEventShutdown = 1
	kvmSystemEventReset    = 2
	kvmSystemEventCrash    = 3
)

func (kr kvmExitReason) String() string {
	switch kr {
	case kvmExitUnknown:
		return "KVM_EXIT_UNKNOWN"
	case kvmExitException:
		return "KVM_EXIT_EXCEPTION"
	case kvmExitIo:
		return "KVM_EXIT_IO"
	case kvmExitHypercall:
		return "KVM_EXIT_HYPERCALL"
	case kvmExitDebug:
		return "KVM_EXIT_DEBUG"
	case kvmExitHlt:
		return "KVM_EXIT_HLT"
	case kvmExitMmio:
		return "KVM_EXIT_MMIO"
	case kvmExitIrqWindowOpen:
		return "KVM_EXIT_IRQ_WINDOW_OPEN"
	case kvmExitShutdown:
		return "KVM_EXIT_SHUTDOWN"
	case kvmExitFailEntry:
		return "KVM_EXIT_FAIL_ENTRY"
	case kvmExitIntr:
		return "KVM_EXIT_INTR"
	case kvmExitInternalError:
		return "KVM_EXIT_INTERNAL_ERROR"
	case kvmExitSystemEvent:
		return "KVM_EXIT_SYSTEM_EVENT"
	default:
		return fmt.Sprintf("KVM_EXIT_???(%d)", uint32(kr))
	}
}
