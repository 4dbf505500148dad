package hv

import (
	"fmt"
	"sync/atomic"
)

// VcpuState is the position of a vCPU in its run state machine:
//
//	Created → Runnable ⇄ Running → Exited
//	                      Running → Stopped (explicit request)
//
// Run moves Runnable→Running, blocks, then moves Running→Exited and
// returns the exit reason. Calling Run again returns the vCPU to
// Runnable first; there is no auto-resume.
type VcpuState int32

const (
	VcpuCreated VcpuState = iota
	VcpuRunnable
	VcpuRunning
	VcpuExited
	VcpuStopped
)

func (s VcpuState) String() string {
	switch s {
	case VcpuCreated:
		return "created"
	case VcpuRunnable:
		return "runnable"
	case VcpuRunning:
		return "running"
	case VcpuExited:
		return "exited"
	case VcpuStopped:
		return "stopped"
	default:
		return fmt.Sprintf("VcpuState(%d)", int32(s))
	}
}

// StateTracker is the state-machine guard backends embed in their vCPU
// types. It rejects a concurrent Run but deliberately provides no
// further mutual exclusion: two goroutines driving one vCPU is a caller
// bug the core must not paper over.
type StateTracker struct {
	v atomic.Int32
}

func (t *StateTracker) Load() VcpuState { return VcpuState(t.v.Load()) }

// BeginRun transitions to Running. Only one caller can win; the loser
// gets ErrVcpuRunning. A stopped vCPU does not run again.
func (t *StateTracker) BeginRun() error {
	for {
		cur := VcpuState(t.v.Load())
		switch cur {
		case VcpuRunning:
			return ErrVcpuRunning
		case VcpuStopped:
			return fmt.Errorf("%w: vCPU is stopped", ErrVMHalted)
		}
		if t.v.CompareAndSwap(int32(cur), int32(VcpuRunning)) {
			return nil
		}
	}
}

// FinishRun transitions Running→Exited when Run returns.
func (t *StateTracker) FinishRun() {
	t.v.CompareAndSwap(int32(VcpuRunning), int32(VcpuExited))
}

// MarkStopped takes the vCPU out of service permanently.
func (t *StateTracker) MarkStopped() {
	t.v.Store(int32(VcpuStopped))
}
