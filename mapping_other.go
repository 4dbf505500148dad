//go:build !unix && !windows

package hv

func newMapping(size uint64) (*Mapping, error) {
	return &Mapping{data: make([]byte, size)}, nil
}

func (m *Mapping) unmap() error {
	m.data = nil
	return nil
}
