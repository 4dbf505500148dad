package soft

import (
	"bytes"
	"encoding/gob"

	"github.com/tinyrange/hv"
)

// vmState is the VM-wide opaque payload: the interrupt bookkeeping that
// would live inside an in-kernel irqchip on a native backend.
type vmState struct {
	Levels     map[uint32]bool
	Injections map[uint32]int
	MSICount   int
}

// vcpuState is the per-vCPU opaque payload.
type vcpuState struct {
	DebugAttached   bool
	InterruptWindow bool
}

func encodeVMState(vm *virtualMachine) (hv.OpaqueBlob, error) {
	vm.irqMu.Lock()
	state := vmState{
		Levels:     make(map[uint32]bool, len(vm.levels)),
		Injections: make(map[uint32]int, len(vm.injections)),
		MSICount:   vm.msiCount,
	}
	for gsi, level := range vm.levels {
		state.Levels[gsi] = level
	}
	for gsi, count := range vm.injections {
		state.Injections[gsi] = count
	}
	vm.irqMu.Unlock()

	return encodeBlob(state)
}

func decodeVMState(vm *virtualMachine, blob hv.OpaqueBlob) error {
	var state vmState
	if err := decodeBlob(blob, &state); err != nil {
		return err
	}

	vm.irqMu.Lock()
	vm.levels = state.Levels
	vm.injections = state.Injections
	vm.msiCount = state.MSICount
	if vm.levels == nil {
		vm.levels = make(map[uint32]bool)
	}
	if vm.injections == nil {
		vm.injections = make(map[uint32]int)
	}
	vm.irqMu.Unlock()

	return nil
}

func encodeVcpuState(v *virtualCPU) (hv.OpaqueBlob, error) {
	return encodeBlob(vcpuState{
		DebugAttached:   v.debugAttached.Load(),
		InterruptWindow: v.interruptWindow.Load(),
	})
}

func decodeVcpuState(v *virtualCPU, blob hv.OpaqueBlob) error {
	var state vcpuState
	if err := decodeBlob(blob, &state); err != nil {
		return err
	}

	v.debugAttached.Store(state.DebugAttached)
	v.interruptWindow.Store(state.InterruptWindow)
	return nil
}

func encodeBlob(v any) (hv.OpaqueBlob, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return hv.OpaqueBlob{}, err
	}
	return hv.OpaqueBlob{
		Backend: hv.BackendSoft,
		Version: stateVersion,
		Data:    buf.Bytes(),
	}, nil
}

func decodeBlob(blob hv.OpaqueBlob, v any) error {
	return gob.NewDecoder(bytes.NewReader(blob.Data)).Decode(v)
}
