package hv

import (
	"fmt"
	"sort"
)

// Interrupt chip identifiers for Irqchip routes. They follow the KVM
// numbering; backends without a matching chip reject the route during
// SetIRQRouting.
const (
	IrqchipPICMaster uint32 = 0
	IrqchipPICSlave  uint32 = 1
	IrqchipIOAPIC    uint32 = 2
)

const (
	picPinCount    = 8
	ioapicPinCount = 24
)

type RouteKind uint8

const (
	RouteInvalid RouteKind = iota

	// RouteIrqchip delivers the GSI as a pin assertion on an in-kernel
	// interrupt chip. Level-triggered: the owning device must deassert
	// explicitly.
	RouteIrqchip

	// RouteMSI delivers the GSI as a message-signaled interrupt.
	// Edge-triggered: fire-and-forget, rapid duplicates may coalesce.
	RouteMSI
)

func (k RouteKind) String() string {
	switch k {
	case RouteIrqchip:
		return "irqchip"
	case RouteMSI:
		return "msi"
	default:
		return "invalid"
	}
}

// Route maps one GSI to exactly one delivery destination.
type Route struct {
	GSI  uint32
	Kind RouteKind

	// Irqchip destination.
	Chip uint32
	Pin  uint32

	// MSI destination.
	Addr uint64
	Data uint32
}

// IrqchipRoute builds a line-interrupt route.
func IrqchipRoute(gsi, chip, pin uint32) Route {
	return Route{GSI: gsi, Kind: RouteIrqchip, Chip: chip, Pin: pin}
}

// MSIRoute builds a message-signaled route.
func MSIRoute(gsi uint32, addr uint64, data uint32) Route {
	return Route{GSI: gsi, Kind: RouteMSI, Addr: addr, Data: data}
}

// RouteTable is an immutable mapping from GSI to destination. Installing
// a table on a VM replaces the previous one as a whole; concurrently
// running vCPUs observe either the old table or the new one, never a
// mix. Build a new table to change routing; entries are never edited in
// place while readable.
type RouteTable struct {
	routes map[uint32]Route
}

// NewRouteTable builds a table from entries. A GSI named twice keeps
// the later entry, mirroring that installing a GSI twice replaces the
// prior route.
func NewRouteTable(entries []Route) *RouteTable {
	routes := make(map[uint32]Route, len(entries))
	for _, r := range entries {
		routes[r.GSI] = r
	}
	return &RouteTable{routes: routes}
}

// Validate checks every entry against the backend capabilities. The
// first offending entry is reported; a table that fails validation
// must not reach the backend.
func (t *RouteTable) Validate(caps Capabilities) error {
	if t == nil {
		return nil
	}
	for _, r := range t.sorted() {
		switch r.Kind {
		case RouteIrqchip:
			switch r.Chip {
			case IrqchipPICMaster, IrqchipPICSlave:
				if r.Pin >= picPinCount {
					return fmt.Errorf("%w: gsi %d: pin %d out of range for PIC chip %d",
						ErrInvalidRoute, r.GSI, r.Pin, r.Chip)
				}
			case IrqchipIOAPIC:
				if r.Pin >= ioapicPinCount {
					return fmt.Errorf("%w: gsi %d: pin %d out of range for IOAPIC",
						ErrInvalidRoute, r.GSI, r.Pin)
				}
			default:
				return fmt.Errorf("%w: gsi %d references unknown chip %d",
					ErrInvalidRoute, r.GSI, r.Chip)
			}
		case RouteMSI:
			if !caps.SignalMSI {
				return fmt.Errorf("%w: gsi %d: backend %q has no MSI support",
					ErrInvalidRoute, r.GSI, caps.Backend)
			}
		default:
			return fmt.Errorf("%w: gsi %d has invalid destination kind", ErrInvalidRoute, r.GSI)
		}
	}
	return nil
}

// Lookup returns the destination for gsi.
func (t *RouteTable) Lookup(gsi uint32) (Route, bool) {
	if t == nil {
		return Route{}, false
	}
	r, ok := t.routes[gsi]
	return r, ok
}

func (t *RouteTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.routes)
}

// Routes returns the entries in ascending GSI order.
func (t *RouteTable) Routes() []Route {
	if t == nil {
		return nil
	}
	return t.sorted()
}

func (t *RouteTable) sorted() []Route {
	out := make([]Route, 0, len(t.routes))
	for _, r := range t.routes {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GSI < out[j].GSI })
	return out
}
