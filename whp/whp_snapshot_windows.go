//go:build windows && amd64

package whp

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/tinyrange/hv"
)

// whpVcpuState is the opaque per-vCPU payload: the in-flight interrupt
// registers the portable map cannot carry.
type whpVcpuState struct {
	PendingInterruption uint64
	InterruptState      uint64
}

func (v *virtualCPU) SaveState() (*hv.VcpuSection, error) {
	if v.state.Load() == hv.VcpuRunning {
		return nil, hv.ErrVcpuRunning
	}

	names := make([]regName, 0, len(whpRegisterTable)+2)
	for _, entry := range whpRegisterTable {
		names = append(names, entry.name)
	}
	names = append(names, regPendingInterruption, regInterruptState)

	values := make([]regValue, len(names))
	err := v.call(func() error {
		if err := getVpRegisters(v.vm.part, uint32(v.id), names, values); err != nil {
			return &hv.BackendError{Op: "WHvGetVirtualProcessorRegisters", Err: err}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	registers := make(map[hv.Register]uint64, len(whpRegisterTable))
	for i, entry := range whpRegisterTable {
		registers[entry.reg] = values[i].Low64
	}
	pending := whpVcpuState{
		PendingInterruption: values[len(whpRegisterTable)].Low64,
		InterruptState:      values[len(whpRegisterTable)+1].Low64,
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(pending); err != nil {
		return nil, fmt.Errorf("encode vCPU %d state: %w", v.id, err)
	}

	return &hv.VcpuSection{
		ID:        v.id,
		Registers: registers,
		Opaque: hv.OpaqueBlob{
			Backend: hv.BackendWHP,
			Version: stateVersion,
			Data:    buf.Bytes(),
		},
	}, nil
}

func (v *virtualCPU) LoadState(section *hv.VcpuSection) error {
	if v.state.Load() == hv.VcpuRunning {
		return hv.ErrVcpuRunning
	}
	if err := section.Opaque.CheckCompatible(hv.BackendWHP, stateVersion); err != nil {
		return err
	}

	var pending whpVcpuState
	if err := gob.NewDecoder(bytes.NewReader(section.Opaque.Data)).Decode(&pending); err != nil {
		return fmt.Errorf("decode vCPU %d state: %w", v.id, err)
	}

	names := make([]regName, 0, len(section.Registers)+2)
	values := make([]regValue, 0, len(section.Registers)+2)
	for _, entry := range whpRegisterTable {
		value, ok := section.Registers[entry.reg]
		if !ok {
			continue
		}
		names = append(names, entry.name)
		values = append(values, regValue{Low64: value})
	}
	names = append(names, regPendingInterruption, regInterruptState)
	values = append(values,
		regValue{Low64: pending.PendingInterruption},
		regValue{Low64: pending.InterruptState})

	return v.call(func() error {
		if err := setVpRegisters(v.vm.part, uint32(v.id), names, values); err != nil {
			return &hv.BackendError{Op: "WHvSetVirtualProcessorRegisters", Err: err}
		}
		return nil
	})
}
