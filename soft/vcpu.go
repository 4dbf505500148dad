package soft

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/hv"
)

type virtualCPU struct {
	vm *virtualMachine
	id int

	state hv.StateTracker

	regMu     sync.Mutex
	registers map[hv.Register]uint64

	queueMu sync.Mutex
	queue   []hv.Exit

	// pushed is signalled when the script queue gains an entry; kick is
	// signalled by SetImmediateExit and Close so a parked Run wakes up.
	pushed chan struct{}
	kick   chan struct{}

	immediateExit   atomic.Bool
	interruptWindow atomic.Bool
	debugAttached   atomic.Bool
}

func (v *virtualCPU) VirtualMachine() hv.VirtualMachine { return v.vm }
func (v *virtualCPU) ID() int                           { return v.id }
func (v *virtualCPU) State() hv.VcpuState               { return v.state.Load() }

// PushExit schedules the next scripted VM-exit. A Run call parked on an
// empty script wakes up and returns it.
func (v *virtualCPU) PushExit(exit hv.Exit) {
	v.queueMu.Lock()
	v.queue = append(v.queue, exit)
	v.queueMu.Unlock()

	select {
	case v.pushed <- struct{}{}:
	default:
	}
}

func (v *virtualCPU) popExit() (hv.Exit, bool) {
	v.queueMu.Lock()
	defer v.queueMu.Unlock()

	if len(v.queue) == 0 {
		return nil, false
	}
	exit := v.queue[0]
	v.queue = v.queue[1:]
	return exit, true
}

func (v *virtualCPU) Run(ctx context.Context) (hv.Exit, error) {
	if err := v.state.BeginRun(); err != nil {
		return nil, err
	}
	defer v.state.FinishRun()

	for {
		if v.immediateExit.Load() {
			return hv.ExitImmediate{}, nil
		}
		if v.vm.closed.Load() {
			return nil, hv.ErrVMHalted
		}
		if v.interruptWindow.CompareAndSwap(true, false) {
			return hv.ExitInterruptWindow{}, nil
		}
		if exit, ok := v.popExit(); ok {
			return exit, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-v.pushed:
		case <-v.kick:
		}
	}
}

func (v *virtualCPU) kickRun() {
	select {
	case v.kick <- struct{}{}:
	default:
	}
}

func (v *virtualCPU) SetImmediateExit(enabled bool) {
	v.immediateExit.Store(enabled)
	if enabled {
		v.kickRun()
	}
}

func (v *virtualCPU) RequestInterruptWindow() {
	v.interruptWindow.Store(true)
	v.kickRun()
}

func (v *virtualCPU) SetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	arch := v.vm.hypervisor.arch

	staged := make(map[hv.Register]uint64, len(regs))
	for reg, value := range regs {
		if reg.Architecture() != arch {
			return fmt.Errorf("%w: register %d is not a %s register", hv.ErrUnsupported, reg, arch)
		}
		v64, ok := value.(hv.Register64)
		if !ok {
			return fmt.Errorf("%w: register %d: unhandled value type %T", hv.ErrUnsupported, reg, value)
		}
		staged[reg] = uint64(v64)
	}

	v.regMu.Lock()
	defer v.regMu.Unlock()
	for reg, value := range staged {
		v.registers[reg] = value
	}
	return nil
}

func (v *virtualCPU) GetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	arch := v.vm.hypervisor.arch

	for reg := range regs {
		if reg.Architecture() != arch {
			return fmt.Errorf("%w: register %d is not a %s register", hv.ErrUnsupported, reg, arch)
		}
	}

	v.regMu.Lock()
	defer v.regMu.Unlock()
	for reg := range regs {
		regs[reg] = hv.Register64(v.registers[reg])
	}
	return nil
}

func (v *virtualCPU) DebugAttach() error {
	v.debugAttached.Store(true)
	return nil
}

func (v *virtualCPU) DebugDetach() error {
	v.debugAttached.Store(false)
	return nil
}

func (v *virtualCPU) SaveState() (*hv.VcpuSection, error) {
	if v.state.Load() == hv.VcpuRunning {
		return nil, hv.ErrVcpuRunning
	}

	v.regMu.Lock()
	registers := make(map[hv.Register]uint64, len(v.registers))
	for reg, value := range v.registers {
		registers[reg] = value
	}
	v.regMu.Unlock()

	opaque, err := encodeVcpuState(v)
	if err != nil {
		return nil, fmt.Errorf("encode vCPU %d backend state: %w", v.id, err)
	}

	return &hv.VcpuSection{
		ID:        v.id,
		Registers: registers,
		Opaque:    opaque,
	}, nil
}

func (v *virtualCPU) LoadState(section *hv.VcpuSection) error {
	if v.state.Load() == hv.VcpuRunning {
		return hv.ErrVcpuRunning
	}
	if err := section.Opaque.CheckCompatible(hv.BackendSoft, stateVersion); err != nil {
		return err
	}

	registers := make(map[hv.Register]uint64, len(section.Registers))
	for reg, value := range section.Registers {
		registers[reg] = value
	}

	v.regMu.Lock()
	v.registers = registers
	v.regMu.Unlock()

	return decodeVcpuState(v, section.Opaque)
}

var (
	_ hv.VirtualCPU = &virtualCPU{}
)
