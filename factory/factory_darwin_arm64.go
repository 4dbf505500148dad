//go:build darwin && arm64

package factory

import (
	"github.com/tinyrange/hv"
	"github.com/tinyrange/hv/hvf"
)

func openNative() (hv.Hypervisor, error) {
	return hvf.Open()
}

func openBackend(id hv.BackendID) (hv.Hypervisor, error) {
	if id == hv.BackendHVF {
		return hvf.Open()
	}
	return nil, hv.ErrHypervisorUnsupported
}
