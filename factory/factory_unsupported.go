//go:build !linux && !(darwin && arm64) && !windows

package factory

import "github.com/tinyrange/hv"

func openNative() (hv.Hypervisor, error) {
	return nil, hv.ErrHypervisorUnsupported
}

func openBackend(id hv.BackendID) (hv.Hypervisor, error) {
	return nil, hv.ErrHypervisorUnsupported
}
