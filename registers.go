package hv

type RegisterValue interface {
	isRegisterValue()
}

type Register64 uint64

func (r Register64) isRegisterValue() {}

type Register uint64

const (
	RegisterInvalid Register = iota

	// AMD64 Regular Registers
	RegisterAMD64Rax
	RegisterAMD64Rbx
	RegisterAMD64Rcx
	RegisterAMD64Rdx
	RegisterAMD64Rsi
	RegisterAMD64Rdi
	RegisterAMD64Rsp
	RegisterAMD64Rbp
	RegisterAMD64R8
	RegisterAMD64R9
	RegisterAMD64R10
	RegisterAMD64R11
	RegisterAMD64R12
	RegisterAMD64R13
	RegisterAMD64R14
	RegisterAMD64R15
	RegisterAMD64Rip
	RegisterAMD64Rflags

	// AMD64 Special Registers
	RegisterAMD64Cr0
	RegisterAMD64Cr2
	RegisterAMD64Cr3
	RegisterAMD64Cr4
	RegisterAMD64Cr8
	RegisterAMD64Efer
	RegisterAMD64ApicBase

	// ARM64 General-Purpose Registers
	RegisterARM64X0
	RegisterARM64X1
	RegisterARM64X2
	RegisterARM64X3
	RegisterARM64X4
	RegisterARM64X5
	RegisterARM64X6
	RegisterARM64X7
	RegisterARM64X8
	RegisterARM64X9
	RegisterARM64X10
	RegisterARM64X11
	RegisterARM64X12
	RegisterARM64X13
	RegisterARM64X14
	RegisterARM64X15
	RegisterARM64X16
	RegisterARM64X17
	RegisterARM64X18
	RegisterARM64X19
	RegisterARM64X20
	RegisterARM64X21
	RegisterARM64X22
	RegisterARM64X23
	RegisterARM64X24
	RegisterARM64X25
	RegisterARM64X26
	RegisterARM64X27
	RegisterARM64X28
	RegisterARM64X29
	RegisterARM64X30
	RegisterARM64Xzr
	RegisterARM64Sp
	RegisterARM64Pc
	RegisterARM64Pstate
	RegisterARM64Vbar

	registerMax
)

// RegisterClass partitions the register set. Backends report support
// per class: a class is either fully round-trippable through
// GetRegisters/SetRegisters or consistently ErrUnsupported, never
// silently truncated.
type RegisterClass int

const (
	RegisterClassInvalid RegisterClass = iota
	RegisterClassGeneral
	RegisterClassSpecial
)

func (c RegisterClass) String() string {
	switch c {
	case RegisterClassGeneral:
		return "general"
	case RegisterClassSpecial:
		return "special"
	default:
		return "invalid"
	}
}

// Class reports which register class a register belongs to.
func (r Register) Class() RegisterClass {
	switch {
	case r >= RegisterAMD64Rax && r <= RegisterAMD64Rflags:
		return RegisterClassGeneral
	case r >= RegisterAMD64Cr0 && r <= RegisterAMD64ApicBase:
		return RegisterClassSpecial
	case r >= RegisterARM64X0 && r <= RegisterARM64Pc:
		return RegisterClassGeneral
	case r >= RegisterARM64Pstate && r <= RegisterARM64Vbar:
		return RegisterClassSpecial
	default:
		return RegisterClassInvalid
	}
}

// Architecture reports which CPU architecture a register belongs to.
func (r Register) Architecture() CpuArchitecture {
	switch {
	case r >= RegisterAMD64Rax && r <= RegisterAMD64ApicBase:
		return ArchitectureX86_64
	case r >= RegisterARM64X0 && r <= RegisterARM64Vbar:
		return ArchitectureARM64
	default:
		return ArchitectureInvalid
	}
}
