package hv

import "testing"

func TestDirtyBitmapSetGet(t *testing.T) {
	b := NewDirtyBitmap(DirtyPages(0x10000, 4096))

	if got := len(b); got != 1 {
		t.Fatalf("bitmap for 16 pages has %d words, want 1", got)
	}

	b.Set(0)
	b.Set(7)
	b.Set(15)

	for page := 0; page < 16; page++ {
		want := page == 0 || page == 7 || page == 15
		if got := b.Get(page); got != want {
			t.Errorf("Get(%d) = %t, want %t", page, got, want)
		}
	}
	if got := b.Count(); got != 3 {
		t.Errorf("Count() = %d, want 3", got)
	}
}

func TestDirtyBitmapWordBoundary(t *testing.T) {
	b := NewDirtyBitmap(130)

	b.Set(63)
	b.Set(64)
	b.Set(129)

	if !b.Get(63) || !b.Get(64) || !b.Get(129) {
		t.Error("pages across word boundaries not set")
	}
	if b.Get(62) || b.Get(65) || b.Get(128) {
		t.Error("neighboring pages were set")
	}
}

func TestDirtyBitmapOr(t *testing.T) {
	a := NewDirtyBitmap(128)
	b := NewDirtyBitmap(128)

	a.Set(1)
	b.Set(2)
	b.Set(100)

	a.Or(b)

	for _, page := range []int{1, 2, 100} {
		if !a.Get(page) {
			t.Errorf("Get(%d) = false after Or, want true", page)
		}
	}
	if a.Count() != 3 {
		t.Errorf("Count() = %d after Or, want 3", a.Count())
	}
}

func TestDirtyBitmapContains(t *testing.T) {
	super := NewDirtyBitmap(128)
	sub := NewDirtyBitmap(128)

	super.Set(1)
	super.Set(2)
	super.Set(3)
	sub.Set(2)

	if !super.Contains(sub) {
		t.Error("Contains(subset) = false")
	}
	if sub.Contains(super) {
		t.Error("subset Contains(superset) = true")
	}

	// Over-reporting is a valid dirty log; equality is too.
	if !super.Contains(super.Clone()) {
		t.Error("Contains(clone of self) = false")
	}
}

func TestDirtyBitmapReset(t *testing.T) {
	b := NewDirtyBitmap(128)
	b.Set(5)
	b.Set(70)

	b.Reset()

	if b.Count() != 0 {
		t.Errorf("Count() = %d after Reset, want 0", b.Count())
	}
}

func TestDirtyBitmapClone(t *testing.T) {
	b := NewDirtyBitmap(64)
	b.Set(3)

	c := b.Clone()
	c.Set(4)

	if b.Get(4) {
		t.Error("mutating the clone changed the original")
	}
	if !c.Get(3) {
		t.Error("clone lost a page set before cloning")
	}
}
