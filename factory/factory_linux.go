//go:build linux

package factory

import (
	"github.com/tinyrange/hv"
	"github.com/tinyrange/hv/kvm"
)

func openNative() (hv.Hypervisor, error) {
	return kvm.Open()
}

func openBackend(id hv.BackendID) (hv.Hypervisor, error) {
	if id == hv.BackendKVM {
		return kvm.Open()
	}
	return nil, hv.ErrHypervisorUnsupported
}
