//go:build !windows || !amd64

package whp

import "github.com/tinyrange/hv"

func Open() (hv.Hypervisor, error) {
	return nil, hv.ErrHypervisorUnsupported
}
