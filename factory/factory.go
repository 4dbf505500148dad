// Package factory selects a hypervisor backend for the host platform.
package factory

import (
	"fmt"

	"github.com/tinyrange/hv"
	"github.com/tinyrange/hv/soft"
)

// Open returns the native hardware-accelerated backend for this host,
// or hv.ErrHypervisorUnsupported when the platform has none.
func Open() (hv.Hypervisor, error) {
	return openNative()
}

// OpenSoft returns the software-only backend. It is available on every
// platform and is the right choice for tests of backend-independent
// code.
func OpenSoft() (hv.Hypervisor, error) {
	return soft.New(), nil
}

// OpenBackend opens one backend by name.
func OpenBackend(id hv.BackendID) (hv.Hypervisor, error) {
	switch id {
	case hv.BackendSoft:
		return soft.New(), nil
	case hv.BackendKVM, hv.BackendHVF, hv.BackendWHP:
		return openBackend(id)
	default:
		return nil, fmt.Errorf("unknown backend %q", id)
	}
}
