// Package helpers builds common VMM plumbing on top of the portable
// hypervisor interfaces: a device bus that dispatches I/O exits to
// registered handlers and run loops for one or all vCPUs.
package helpers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/tinyrange/hv"
)

// PortHandler services x86 port I/O for a registered port range.
type PortHandler interface {
	PortIn(port uint16, data []byte) error
	PortOut(port uint16, data []byte) error
}

// MMIOHandler services memory-mapped I/O for a registered address range.
type MMIOHandler interface {
	MMIORead(addr uint64, data []byte) error
	MMIOWrite(addr uint64, data []byte) error
}

type portRange struct {
	base    uint16
	count   uint32
	handler PortHandler
}

type mmioRange struct {
	base    uint64
	size    uint64
	handler MMIOHandler
}

// Bus routes I/O exits to device handlers. Registration normally
// happens before the vCPUs start; Dispatch takes a read lock so late
// registration is safe but slow paths should not rely on it.
type Bus struct {
	mu    sync.RWMutex
	ports []portRange
	mmio  []mmioRange
}

func NewBus() *Bus { return &Bus{} }

// RegisterPort attaches handler to count ports starting at base.
func (b *Bus) RegisterPort(base uint16, count uint32, handler PortHandler) error {
	if count == 0 {
		return fmt.Errorf("bus: empty port range at 0x%x", base)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, r := range b.ports {
		if uint32(base) < uint32(r.base)+r.count && uint32(r.base) < uint32(base)+count {
			return fmt.Errorf("bus: port range [0x%x, 0x%x) overlaps [0x%x, 0x%x)",
				base, uint32(base)+count, r.base, uint32(r.base)+r.count)
		}
	}

	b.ports = append(b.ports, portRange{base: base, count: count, handler: handler})
	sort.Slice(b.ports, func(i, j int) bool { return b.ports[i].base < b.ports[j].base })
	return nil
}

// RegisterMMIO attaches handler to size bytes of guest physical address
// space starting at base.
func (b *Bus) RegisterMMIO(base uint64, size uint64, handler MMIOHandler) error {
	if size == 0 {
		return fmt.Errorf("bus: empty MMIO range at 0x%x", base)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, r := range b.mmio {
		if base < r.base+r.size && r.base < base+size {
			return fmt.Errorf("bus: MMIO range [0x%x, 0x%x) overlaps [0x%x, 0x%x)",
				base, base+size, r.base, r.base+r.size)
		}
	}

	b.mmio = append(b.mmio, mmioRange{base: base, size: size, handler: handler})
	sort.Slice(b.mmio, func(i, j int) bool { return b.mmio[i].base < b.mmio[j].base })
	return nil
}

func (b *Bus) findPort(port uint16) (PortHandler, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, r := range b.ports {
		if uint32(port) >= uint32(r.base) && uint32(port) < uint32(r.base)+r.count {
			return r.handler, true
		}
	}
	return nil, false
}

func (b *Bus) findMMIO(addr uint64) (MMIOHandler, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, r := range b.mmio {
		if addr >= r.base && addr < r.base+r.size {
			return r.handler, true
		}
	}
	return nil, false
}

// Dispatch routes one I/O exit to its handler. It reports whether the
// exit was an I/O exit with a registered handler; non-I/O exits return
// (false, nil) so the caller can handle them.
func (b *Bus) Dispatch(exit hv.Exit) (bool, error) {
	switch e := exit.(type) {
	case hv.ExitIoIn:
		handler, ok := b.findPort(e.Port)
		if !ok {
			return false, fmt.Errorf("bus: no handler for port in 0x%x", e.Port)
		}
		return true, handler.PortIn(e.Port, e.Data)

	case hv.ExitIoOut:
		handler, ok := b.findPort(e.Port)
		if !ok {
			return false, fmt.Errorf("bus: no handler for port out 0x%x", e.Port)
		}
		return true, handler.PortOut(e.Port, e.Data)

	case hv.ExitMmioRead:
		handler, ok := b.findMMIO(e.Addr)
		if !ok {
			return false, fmt.Errorf("bus: no handler for MMIO read 0x%x", e.Addr)
		}
		return true, handler.MMIORead(e.Addr, e.Data)

	case hv.ExitMmioWrite:
		handler, ok := b.findMMIO(e.Addr)
		if !ok {
			return false, fmt.Errorf("bus: no handler for MMIO write 0x%x", e.Addr)
		}
		return true, handler.MMIOWrite(e.Addr, e.Data)

	default:
		return false, nil
	}
}

// RunVCPU drives one vCPU until the guest halts or shuts down,
// dispatching I/O exits through bus. It returns nil on a clean
// shutdown or halt and the underlying error otherwise.
func RunVCPU(ctx context.Context, vcpu hv.VirtualCPU, bus *Bus) error {
	for {
		exit, err := vcpu.Run(ctx)
		if err != nil {
			if errors.Is(err, hv.ErrVMHalted) || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("run vCPU %d: %w", vcpu.ID(), err)
		}

		handled, err := bus.Dispatch(exit)
		if err != nil {
			return fmt.Errorf("vCPU %d: %w", vcpu.ID(), err)
		}
		if handled {
			continue
		}

		switch e := exit.(type) {
		case hv.ExitHlt, hv.ExitShutdown:
			return nil
		case hv.ExitImmediate:
			if ctx.Err() != nil {
				return nil
			}
		case hv.ExitInterruptWindow:
			// Injection opportunity; nothing pending here.
		case hv.ExitDebug:
			slog.Debug("debug exit", "vcpu", vcpu.ID(), "pc", fmt.Sprintf("0x%x", e.PC))
		case hv.ExitInternalError:
			return fmt.Errorf("vCPU %d: internal error %d (data %x)", vcpu.ID(), e.SubError, e.Data)
		default:
			return fmt.Errorf("vCPU %d: unhandled exit %s", vcpu.ID(), exit.String())
		}
	}
}

// RunAll creates and runs one goroutine per vCPU that the VM's config
// declares, sharing one bus. The first failure cancels the rest via
// their run contexts.
func RunAll(ctx context.Context, vm hv.VirtualMachine, cpuCount int, bus *Bus) error {
	g, ctx := errgroup.WithContext(ctx)

	for id := 0; id < cpuCount; id++ {
		vcpu, ok := vm.VCPU(id)
		if !ok {
			created, err := vm.CreateVCPU(id)
			if err != nil {
				return fmt.Errorf("create vCPU %d: %w", id, err)
			}
			vcpu = created
		}

		g.Go(func() error {
			return RunVCPU(ctx, vcpu, bus)
		})
	}

	return g.Wait()
}
