package hv

import "math/bits"

// DirtyBitmap records which pages of a slot were written since the log
// was last retrieved, one bit per page in slot order. The portable
// contract is conservative: a page the guest wrote is always reported
// dirty, and a backend may over-report (for example after live
// remapping) but never under-report.
type DirtyBitmap []uint64

// NewDirtyBitmap allocates a bitmap covering pages pages.
func NewDirtyBitmap(pages int) DirtyBitmap {
	return make(DirtyBitmap, (pages+63)/64)
}

// DirtyPages reports how many pages a region of size bytes spans.
func DirtyPages(size, pageSize uint64) int {
	return int((size + pageSize - 1) / pageSize)
}

func (b DirtyBitmap) Set(page int) {
	b[page/64] |= 1 << (page % 64)
}

func (b DirtyBitmap) Get(page int) bool {
	word := page / 64
	if word >= len(b) {
		return false
	}
	return b[word]&(1<<(page%64)) != 0
}

// Count returns the number of dirty pages.
func (b DirtyBitmap) Count() int {
	n := 0
	for _, w := range b {
		n += bits.OnesCount64(w)
	}
	return n
}

// Or merges other into b.
func (b DirtyBitmap) Or(other DirtyBitmap) {
	for i := range b {
		if i < len(other) {
			b[i] |= other[i]
		}
	}
}

// Contains reports whether every page dirty in other is dirty in b.
func (b DirtyBitmap) Contains(other DirtyBitmap) bool {
	for i, w := range other {
		var have uint64
		if i < len(b) {
			have = b[i]
		}
		if w&^have != 0 {
			return false
		}
	}
	return true
}

// Reset clears the bitmap in place.
func (b DirtyBitmap) Reset() {
	for i := range b {
		b[i] = 0
	}
}

// Clone returns an independent copy.
func (b DirtyBitmap) Clone() DirtyBitmap {
	out := make(DirtyBitmap, len(b))
	copy(out, b)
	return out
}
