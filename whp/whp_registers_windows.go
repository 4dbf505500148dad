//go:build windows && amd64

package whp

import (
	"fmt"

	"github.com/tinyrange/hv"
)

// whpRegisterTable maps the portable x86-64 register set onto the
// platform's register names. The order is fixed so snapshot batches are
// deterministic.
var whpRegisterTable = []struct {
	reg  hv.Register
	name regName
}{
	{hv.RegisterAMD64Rax, regRax},
	{hv.RegisterAMD64Rbx, regRbx},
	{hv.RegisterAMD64Rcx, regRcx},
	{hv.RegisterAMD64Rdx, regRdx},
	{hv.RegisterAMD64Rsi, regRsi},
	{hv.RegisterAMD64Rdi, regRdi},
	{hv.RegisterAMD64Rsp, regRsp},
	{hv.RegisterAMD64Rbp, regRbp},
	{hv.RegisterAMD64R8, regR8},
	{hv.RegisterAMD64R9, regR9},
	{hv.RegisterAMD64R10, regR10},
	{hv.RegisterAMD64R11, regR11},
	{hv.RegisterAMD64R12, regR12},
	{hv.RegisterAMD64R13, regR13},
	{hv.RegisterAMD64R14, regR14},
	{hv.RegisterAMD64R15, regR15},
	{hv.RegisterAMD64Rip, regRip},
	{hv.RegisterAMD64Rflags, regRflags},
	{hv.RegisterAMD64Cr0, regCr0},
	{hv.RegisterAMD64Cr2, regCr2},
	{hv.RegisterAMD64Cr3, regCr3},
	{hv.RegisterAMD64Cr4, regCr4},
	{hv.RegisterAMD64Cr8, regCr8},
	{hv.RegisterAMD64Efer, regEfer},
	{hv.RegisterAMD64ApicBase, regApicBase},
}

var whpRegisterNames = func() map[hv.Register]regName {
	m := make(map[hv.Register]regName, len(whpRegisterTable))
	for _, entry := range whpRegisterTable {
		m[entry.reg] = entry.name
	}
	return m
}()

func (v *virtualCPU) SetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	names := make([]regName, 0, len(regs))
	values := make([]regValue, 0, len(regs))
	for reg, value := range regs {
		name, ok := whpRegisterNames[reg]
		if !ok {
			return fmt.Errorf("%w: register %d on architecture x86_64", hv.ErrUnsupported, reg)
		}
		v64, ok := value.(hv.Register64)
		if !ok {
			return fmt.Errorf("%w: register %d: unhandled value type %T", hv.ErrUnsupported, reg, value)
		}
		names = append(names, name)
		values = append(values, regValue{Low64: uint64(v64)})
	}

	return v.call(func() error {
		if err := setVpRegisters(v.vm.part, uint32(v.id), names, values); err != nil {
			return &hv.BackendError{Op: "WHvSetVirtualProcessorRegisters", Err: err}
		}
		return nil
	})
}

func (v *virtualCPU) GetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	order := make([]hv.Register, 0, len(regs))
	names := make([]regName, 0, len(regs))
	for reg := range regs {
		name, ok := whpRegisterNames[reg]
		if !ok {
			return fmt.Errorf("%w: register %d on architecture x86_64", hv.ErrUnsupported, reg)
		}
		order = append(order, reg)
		names = append(names, name)
	}

	values := make([]regValue, len(names))
	err := v.call(func() error {
		if err := getVpRegisters(v.vm.part, uint32(v.id), names, values); err != nil {
			return &hv.BackendError{Op: "WHvGetVirtualProcessorRegisters", Err: err}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for i, reg := range order {
		regs[reg] = hv.Register64(values[i].Low64)
	}
	return nil
}
