package hv

import (
	"errors"
	"fmt"
)

// Structural violations are detected before touching the backend and
// leave no partial state behind. Callers match them with errors.Is; the
// wrapped message carries the offending identifier.
var (
	ErrOverlap              = errors.New("memory region overlaps an existing slot")
	ErrInvalidAlignment     = errors.New("memory region violates page alignment")
	ErrResourceExhausted    = errors.New("backend resource limit reached")
	ErrNotFound             = errors.New("no such resource")
	ErrUnsupported          = errors.New("operation unsupported by backend")
	ErrInvalidRoute         = errors.New("invalid interrupt route")
	ErrLoggingDisabled      = errors.New("dirty logging not enabled for slot")
	ErrIncompatibleSnapshot = errors.New("snapshot incompatible with this VM")
	ErrUnsupportedVersion   = errors.New("unsupported snapshot version")
	ErrVcpuRunning          = errors.New("vCPU is already running")
	ErrMappingInstalled     = errors.New("mapping is installed in a VM")
)

// BackendError wraps a failure reported by the native backend. The core
// never retries a failed backend call; retry policy belongs to the
// caller.
type BackendError struct {
	// Op names the native operation that failed, e.g. "KVM_SET_USER_MEMORY_REGION".
	Op string

	// Code is the native error code (an errno on KVM, an hv_return_t on
	// Hypervisor.framework).
	Code uint64

	Err error
}

func (e *BackendError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: backend error %#x", e.Op, e.Code)
}

func (e *BackendError) Unwrap() error { return e.Err }
