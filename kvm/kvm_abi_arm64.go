//go:build linux && arm64

package kvm

// vCPU init, one-reg access and the device API backing the in-kernel
// GIC.
const (
	kvmGetOneReg          = 0x4010aeab
	kvmSetOneReg          = 0x4010aeac
	kvmArmVcpuInitIoctl   = 0x4020aeae
	kvmArmPreferredTarget = 0x8020aeaf
	kvmCreateDevice       = 0xc00caee0
	kvmSetDeviceAttr      = 0x4018aee1
)

// The guest debug payload carries the full hardware breakpoint and
// watchpoint register file on arm64, so the request number differs
// from x86.
const kvmSetGuestDebug = 0x4208ae9b

type kvmGuestDebug struct {
	Control uint32
	Pad     uint32
	Bcr     [16]uint64
	Bvr     [16]uint64
	Wcr     [16]uint64
	Wvr     [16]uint64
}

const (
	kvmDevTypeArmVgicV2 = 5
	kvmDevTypeArmVgicV3 = 7
)

const (
	kvmDevArmVgicGrpAddr   = 0
	kvmDevArmVgicGrpNrIrqs = 3
	kvmDevArmVgicGrpCtrl   = 4

	kvmDevArmVgicCtrlInit = 0
)

const (
	kvmVgicV2AddrTypeDist = 0
	kvmVgicV2AddrTypeCpu  = 1

	kvmVgicV3AddrTypeDist   = 2
	kvmVgicV3AddrTypeRedist = 3
)

const (
	kvmArmVcpuInitFeatureWords = 7
	kvmArmVcpuFeaturePsci02    = 2
)

// Line interrupts are encoded for KVM_IRQ_LINE as type<<24 | intid;
// shared peripheral interrupts start at INTID 32 on the GIC.
const (
	kvmArmIRQTypeSPI = 1
	armIRQTypeShift  = 24
	armSPIBase       = 32
)

type kvmVcpuInit struct {
	Target   uint32
	Features [kvmArmVcpuInitFeatureWords]uint32
}

type kvmOneReg struct {
	id   uint64
	addr uint64
}

type kvmCreateDeviceArgs struct {
	Type  uint32
	Fd    uint32
	Flags uint32
}

type kvmDeviceAttr struct {
	Flags uint32
	Group uint32
	Attr  uint64
	Addr  uint64
}
