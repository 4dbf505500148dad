//go:build linux

package kvm

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"unsafe"

	"github.com/tinyrange/hv"
	"golang.org/x/sys/unix"
)

type virtualCPU struct {
	vm *virtualMachine
	id int
	fd int

	// run is the mmap'd kvm_run structure shared with the kernel.
	run []byte

	// runQueue serializes KVM_RUN onto one OS thread; the kernel
	// requires a vCPU to always run on the same thread.
	runQueue chan func()
	tid      atomic.Int64

	state hv.StateTracker

	immediateExit   atomic.Bool
	interruptWindow atomic.Bool
	debugAttached   atomic.Bool
}

func (v *virtualCPU) ID() int                           { return v.id }
func (v *virtualCPU) VirtualMachine() hv.VirtualMachine { return v.vm }
func (v *virtualCPU) State() hv.VcpuState               { return v.state.Load() }

func (v *virtualCPU) start() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	v.tid.Store(int64(unix.Gettid()))

	for fn := range v.runQueue {
		fn()
	}
}

func (v *virtualCPU) runData() *kvmRunData {
	return (*kvmRunData)(unsafe.Pointer(&v.run[0]))
}

// SetImmediateExit implements the cancellation primitive: it flips the
// shared immediate_exit flag and signals the vCPU thread so an
// in-progress KVM_RUN returns with EINTR.
func (v *virtualCPU) SetImmediateExit(enabled bool) {
	v.immediateExit.Store(enabled)

	run := v.runData()
	if enabled {
		run.immediate_exit = 1
		v.kickThread()
	} else {
		run.immediate_exit = 0
	}
}

func (v *virtualCPU) kickThread() {
	if tid := v.tid.Load(); tid != 0 {
		// ESRCH just means the thread exited during teardown.
		_ = unix.Tgkill(unix.Getpid(), int(tid), unix.SIGUSR1)
	}
}

func (v *virtualCPU) RequestInterruptWindow() {
	v.interruptWindow.Store(true)
}

func (v *virtualCPU) Run(ctx context.Context) (hv.Exit, error) {
	if err := v.state.BeginRun(); err != nil {
		return nil, err
	}
	defer v.state.FinishRun()

	if v.vm.closed.Load() {
		return nil, hv.ErrVMHalted
	}

	if done := ctx.Done(); done != nil {
		stop := context.AfterFunc(ctx, func() {
			v.runData().immediate_exit = 1
			v.kickThread()
		})
		defer stop()
	}

	var exit hv.Exit
	var rerr error

	finished := make(chan struct{})
	v.runQueue <- func() {
		defer close(finished)
		exit, rerr = v.runOnThread(ctx)
	}
	<-finished

	return exit, rerr
}

// runOnThread executes on the vCPU's locked OS thread.
func (v *virtualCPU) runOnThread(ctx context.Context) (hv.Exit, error) {
	run := v.runData()

	if v.immediateExit.Load() {
		return hv.ExitImmediate{}, nil
	}
	run.immediate_exit = 0
	// A SetImmediateExit landing between the check above and the clear
	// may have its kick consumed before KVM_RUN is entered. Re-check
	// after the clear so that window cannot swallow a cancellation.
	if v.immediateExit.Load() {
		run.immediate_exit = 1
		return hv.ExitImmediate{}, nil
	}

	if v.interruptWindow.Load() {
		run.request_interrupt_window = 1
	}

	for {
		_, err := ioctl(uintptr(v.fd), uint64(kvmRun), 0)
		if errors.Is(err, unix.EINTR) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if v.immediateExit.Load() {
				return hv.ExitImmediate{}, nil
			}
			// Stray signal; re-enter the guest.
			run.immediate_exit = 0
			continue
		} else if err != nil {
			return nil, &hv.BackendError{Op: "KVM_RUN", Err: fmt.Errorf("vCPU %d: %w", v.id, err)}
		}

		break
	}

	return v.decodeExit(run)
}

func (v *virtualCPU) decodeExit(run *kvmRunData) (hv.Exit, error) {
	reason := kvmExitReason(run.exit_reason)

	switch reason {
	case kvmExitIo:
		ioData := (*kvmExitIoData)(unsafe.Pointer(&run.anon0[0]))
		size := uint64(ioData.size) * uint64(ioData.count)
		data := v.run[ioData.dataOffset : ioData.dataOffset+size]

		if ioData.direction == 0 {
			return hv.ExitIoIn{Port: ioData.port, Data: data}, nil
		}
		return hv.ExitIoOut{Port: ioData.port, Data: data}, nil

	case kvmExitMmio:
		mmioData := (*kvmExitMMIOData)(unsafe.Pointer(&run.anon0[0]))
		data := mmioData.data[:mmioData.len]

		if mmioData.isWrite == 0 {
			return hv.ExitMmioRead{Addr: mmioData.physAddr, Data: data}, nil
		}
		return hv.ExitMmioWrite{Addr: mmioData.physAddr, Data: data}, nil

	case kvmExitHlt:
		return hv.ExitHlt{}, nil

	case kvmExitShutdown:
		return hv.ExitShutdown{}, nil

	case kvmExitSystemEvent:
		system := (*kvmSystemEvent)(unsafe.Pointer(&run.anon0[0]))
		switch system.typ {
		case kvmSystemEventShutdown, kvmSystemEventReset, kvmSystemEventCrash:
			return hv.ExitShutdown{}, nil
		default:
			return hv.ExitUnknown{Code: run.exit_reason}, nil
		}

	case kvmExitIrqWindowOpen:
		run.request_interrupt_window = 0
		v.interruptWindow.Store(false)
		return hv.ExitInterruptWindow{}, nil

	case kvmExitDebug:
		dbg := (*kvmExitDebugArch)(unsafe.Pointer(&run.anon0[0]))
		return hv.ExitDebug{PC: dbg.pc}, nil

	case kvmExitIntr:
		if v.immediateExit.Load() {
			return hv.ExitImmediate{}, nil
		}
		return hv.ExitUnknown{Code: run.exit_reason}, nil

	case kvmExitInternalError:
		internal := (*internalErrorData)(unsafe.Pointer(&run.anon0[0]))
		n := internal.Ndata
		if n > uint32(len(internal.Data)) {
			n = uint32(len(internal.Data))
		}
		data := make([]uint64, n)
		copy(data, internal.Data[:n])
		return hv.ExitInternalError{SubError: internal.Suberror, Data: data}, nil

	default:
		return hv.ExitUnknown{Code: run.exit_reason}, nil
	}
}

func (v *virtualCPU) DebugAttach() error {
	if err := setGuestDebug(v.fd, kvmGuestDebugEnable|kvmGuestDebugSinglestep); err != nil {
		return &hv.BackendError{Op: "KVM_SET_GUEST_DEBUG", Err: err}
	}
	v.debugAttached.Store(true)
	return nil
}

func (v *virtualCPU) DebugDetach() error {
	if err := setGuestDebug(v.fd, 0); err != nil {
		return &hv.BackendError{Op: "KVM_SET_GUEST_DEBUG", Err: err}
	}
	v.debugAttached.Store(false)
	return nil
}

func (v *virtualCPU) SaveState() (*hv.VcpuSection, error) {
	if v.state.Load() == hv.VcpuRunning {
		return nil, hv.ErrVcpuRunning
	}
	return v.vm.hv.saveArchVcpuState(v)
}

func (v *virtualCPU) LoadState(section *hv.VcpuSection) error {
	if v.state.Load() == hv.VcpuRunning {
		return hv.ErrVcpuRunning
	}
	if err := section.Opaque.CheckCompatible(hv.BackendKVM, stateVersion); err != nil {
		return err
	}
	return v.vm.hv.loadArchVcpuState(v, section)
}

var (
	_ hv.VirtualCPU = &virtualCPU{}
)
