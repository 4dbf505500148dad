//go:build windows

package factory

import (
	"github.com/tinyrange/hv"
	"github.com/tinyrange/hv/whp"
)

func openNative() (hv.Hypervisor, error) {
	return whp.Open()
}

func openBackend(id hv.BackendID) (hv.Hypervisor, error) {
	if id == hv.BackendWHP {
		return whp.Open()
	}
	return nil, hv.ErrHypervisorUnsupported
}
