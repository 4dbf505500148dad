package hv

import (
	"fmt"
	"io"
	"sync"

	"github.com/google/btree"
)

// SlotInfo is the observable description of one installed slot.
type SlotInfo struct {
	ID            SlotID
	GuestAddr     uint64
	Size          uint64
	ReadOnly      bool
	LogDirtyPages bool
}

type slotEntry struct {
	id     SlotID
	region MemoryRegion
}

// SlotTable tracks installed guest-physical memory slots for one VM.
// It enforces the structural invariants (no overlap, page alignment,
// slot budget) before the backend sees a region, so a rejected install
// leaves zero backend state behind.
//
// The table is read on essentially every exit path and mutated rarely;
// it uses a reader-writer lock and bounds write critical sections to
// the table update plus the backend's map/unmap call.
type SlotTable struct {
	mu sync.RWMutex

	byAddr *btree.BTreeG[*slotEntry]
	byID   map[SlotID]*slotEntry

	// nextID increases monotonically and is never reused within the
	// VM's lifetime, so a stale SlotID held by another thread can never
	// alias a newer slot.
	nextID SlotID

	maxSlots int
	pageSize uint64
}

func NewSlotTable(maxSlots int, pageSize uint64) *SlotTable {
	return &SlotTable{
		byAddr: btree.NewG(8, func(a, b *slotEntry) bool {
			return a.region.GuestAddr < b.region.GuestAddr
		}),
		byID:     make(map[SlotID]*slotEntry),
		maxSlots: maxSlots,
		pageSize: pageSize,
	}
}

// Insert validates region, assigns the next slot id and calls install
// to push the mapping into the backend. If install fails nothing is
// committed. Ownership of region.Mapping transfers to the table on
// success.
func (t *SlotTable) Insert(region MemoryRegion, install func(id SlotID, region MemoryRegion) error) (SlotID, error) {
	if region.Mapping == nil {
		return 0, fmt.Errorf("slot table: region at 0x%x has no mapping", region.GuestAddr)
	}
	if region.Size == 0 || region.Mapping.Size() != region.Size {
		return 0, fmt.Errorf("slot table: region at 0x%x: size %d does not match mapping size %d",
			region.GuestAddr, region.Size, region.Mapping.Size())
	}
	if region.GuestAddr%t.pageSize != 0 || region.Size%t.pageSize != 0 {
		return 0, fmt.Errorf("%w: region [0x%x, +0x%x) is not %d-byte aligned",
			ErrInvalidAlignment, region.GuestAddr, region.Size, t.pageSize)
	}
	if region.GuestAddr+region.Size < region.GuestAddr {
		return 0, fmt.Errorf("%w: region [0x%x, +0x%x) wraps the address space",
			ErrInvalidAlignment, region.GuestAddr, region.Size)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.maxSlots > 0 && len(t.byID) >= t.maxSlots {
		return 0, fmt.Errorf("%w: backend allows at most %d memory slots", ErrResourceExhausted, t.maxSlots)
	}

	if other, ok := t.overlapLocked(region.GuestAddr, region.Size); ok {
		return 0, fmt.Errorf("%w: [0x%x, 0x%x) intersects slot %d [0x%x, 0x%x)",
			ErrOverlap,
			region.GuestAddr, region.GuestAddr+region.Size,
			other.id, other.region.GuestAddr, other.region.GuestAddr+other.region.Size)
	}

	if !region.Mapping.markInstalled() {
		return 0, fmt.Errorf("slot table: mapping for region 0x%x is already installed or released", region.GuestAddr)
	}

	id := t.nextID
	if err := install(id, region); err != nil {
		region.Mapping.markRemoved()
		return 0, err
	}

	t.nextID++
	entry := &slotEntry{id: id, region: region}
	t.byAddr.ReplaceOrInsert(entry)
	t.byID[id] = entry

	return id, nil
}

// overlapLocked checks the neighbors of [addr, addr+size) in address
// order. Only the closest slot on each side can intersect, so the check
// is O(log n).
func (t *SlotTable) overlapLocked(addr, size uint64) (*slotEntry, bool) {
	pivot := &slotEntry{region: MemoryRegion{GuestAddr: addr}}

	var hit *slotEntry
	t.byAddr.DescendLessOrEqual(pivot, func(e *slotEntry) bool {
		if e.region.GuestAddr+e.region.Size > addr {
			hit = e
		}
		return false
	})
	if hit != nil {
		return hit, true
	}

	t.byAddr.AscendGreaterOrEqual(pivot, func(e *slotEntry) bool {
		if e.region.GuestAddr < addr+size {
			hit = e
		}
		return false
	})
	return hit, hit != nil
}

// Remove tears down the slot, calling uninstall with the table still
// holding the entry. The region's mapping is released after a
// successful uninstall.
func (t *SlotTable) Remove(id SlotID, uninstall func(id SlotID, region MemoryRegion) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.byID[id]
	if !ok {
		return fmt.Errorf("%w: slot %d", ErrNotFound, id)
	}

	if err := uninstall(id, entry.region); err != nil {
		return err
	}

	t.byAddr.Delete(entry)
	delete(t.byID, id)

	entry.region.Mapping.markRemoved()
	return entry.region.Mapping.release()
}

// Get returns the region installed under id.
func (t *SlotTable) Get(id SlotID) (MemoryRegion, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	entry, ok := t.byID[id]
	if !ok {
		return MemoryRegion{}, false
	}
	return entry.region, true
}

// Resolve translates a guest physical address to the slot containing it
// and the offset within that slot's mapping.
func (t *SlotTable) Resolve(gpa uint64) (SlotID, MemoryRegion, uint64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	pivot := &slotEntry{region: MemoryRegion{GuestAddr: gpa}}

	var hit *slotEntry
	t.byAddr.DescendLessOrEqual(pivot, func(e *slotEntry) bool {
		if gpa < e.region.GuestAddr+e.region.Size {
			hit = e
		}
		return false
	})
	if hit == nil {
		return 0, MemoryRegion{}, 0, false
	}
	return hit.id, hit.region, gpa - hit.region.GuestAddr, true
}

// Snapshot returns the slot layout in guest address order.
func (t *SlotTable) Snapshot() []SlotInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()

	infos := make([]SlotInfo, 0, len(t.byID))
	t.byAddr.Ascend(func(e *slotEntry) bool {
		infos = append(infos, SlotInfo{
			ID:            e.id,
			GuestAddr:     e.region.GuestAddr,
			Size:          e.region.Size,
			ReadOnly:      e.region.ReadOnly,
			LogDirtyPages: e.region.LogDirtyPages,
		})
		return true
	})
	return infos
}

// ReadAt copies guest physical memory starting at off into p, crossing
// slot boundaries when the range spans adjacent slots.
func (t *SlotTable) ReadAt(p []byte, off int64) (int, error) {
	total := 0
	for len(p) > 0 {
		_, region, offset, ok := t.Resolve(uint64(off))
		if !ok {
			if total > 0 {
				return total, io.ErrUnexpectedEOF
			}
			return 0, fmt.Errorf("%w: guest physical address 0x%x is unmapped", ErrNotFound, off)
		}

		n := copy(p, region.Mapping.Bytes()[offset:])
		total += n
		p = p[n:]
		off += int64(n)
	}
	return total, nil
}

// WriteAt copies p into guest physical memory starting at off. It is a
// host-side store: the ReadOnly flag guards guest stores only.
func (t *SlotTable) WriteAt(p []byte, off int64) (int, error) {
	total := 0
	for len(p) > 0 {
		_, region, offset, ok := t.Resolve(uint64(off))
		if !ok {
			if total > 0 {
				return total, io.ErrUnexpectedEOF
			}
			return 0, fmt.Errorf("%w: guest physical address 0x%x is unmapped", ErrNotFound, off)
		}

		n := copy(region.Mapping.Bytes()[offset:], p)
		total += n
		p = p[n:]
		off += int64(n)
	}
	return total, nil
}

func (t *SlotTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byID)
}

// PageSize reports the alignment granularity the table enforces.
func (t *SlotTable) PageSize() uint64 { return t.pageSize }

// Drain removes every slot, calling uninstall for each and releasing
// its mapping. Used at VM teardown.
func (t *SlotTable) Drain(uninstall func(id SlotID, region MemoryRegion) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var firstErr error
	for id, entry := range t.byID {
		if err := uninstall(id, entry.region); err != nil && firstErr == nil {
			firstErr = err
		}
		t.byAddr.Delete(entry)
		delete(t.byID, id)

		entry.region.Mapping.markRemoved()
		if err := entry.region.Mapping.release(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
