package view

import (
	"testing"

	"pgregory.net/rapid"

	membridge "github.com/wippyai/wasm-membridge"
)

func TestRegistry_Identity(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		reg := NewRegistry()
		bufs := []*Buffer{
			NewBuffer(make([]byte, 64), membridge.Relocatable),
			NewFixedBuffer(make([]byte, 64), 0x4000),
		}
		seen := make(map[[3]uint64]*View)

		n := rapid.IntRange(1, 40).Draw(t, "n")
		for i := 0; i < n; i++ {
			bi := rapid.IntRange(0, 1).Draw(t, "buf")
			off := rapid.Uint64Range(0, 63).Draw(t, "off")
			length := rapid.Uint64Range(0, 64-off).Draw(t, "len")

			v, err := reg.Obtain(bufs[bi], off, length)
			if err != nil {
				t.Fatalf("Obtain: %v", err)
			}
			key := [3]uint64{uint64(bi), off, length}
			if prev, ok := seen[key]; ok && prev != v {
				t.Fatalf("two views for buffer %d range %d:%d", bi, off, length)
			}
			seen[key] = v
		}
		if reg.Views() != len(seen) {
			t.Fatalf("registry holds %d views, expected %d", reg.Views(), len(seen))
		}
	})
}

func TestRegistry_LazyPromotion(t *testing.T) {
	reg := NewRegistry()
	buf := NewBuffer(make([]byte, 32), membridge.Relocatable)

	a, _ := reg.Obtain(buf, 0, 16)
	if e := reg.entries[buf]; e.multi != nil || e.single != a {
		t.Fatal("first view should be stored without a map")
	}

	b, _ := reg.Obtain(buf, 16, 16)
	e := reg.entries[buf]
	if e.multi == nil || e.single != nil {
		t.Fatal("second range should promote the entry to a map")
	}
	if e.multi["0:16"] != a || e.multi["16:16"] != b {
		t.Error("promoted map lost a view")
	}

	again, _ := reg.Obtain(buf, 0, 16)
	if again != a {
		t.Error("promotion changed view identity")
	}
}

func TestRegistry_Register(t *testing.T) {
	reg := NewRegistry()
	buf := NewFixedBuffer(make([]byte, 32), 0x100)

	ext, _ := New(buf, 8, 8)
	if got := reg.Register(ext); got != ext {
		t.Fatal("first registration should adopt the view")
	}

	dup, _ := New(buf, 8, 8)
	if got := reg.Register(dup); got != ext {
		t.Error("duplicate registration should return the canonical view")
	}
	if v, _ := reg.Obtain(buf, 8, 8); v != ext {
		t.Error("Obtain should return the adopted view")
	}
}

func TestRegistry_InvalidateAndRebind(t *testing.T) {
	gen := &fakeGen{}
	reg := NewRegistry()
	old := NewFixedBuffer(make([]byte, 32), 0).Track(gen)

	stale, _ := reg.Obtain(old, 8, 4)
	_ = stale.SetUint32(0, 42)
	_, _ = reg.Obtain(old, 0, 4)

	gen.gen++
	grown := make([]byte, 64)
	copy(grown, old.Bytes())
	cur := NewFixedBuffer(grown, 0).Track(gen)

	fresh, err := reg.Rebind(stale, cur)
	if err != nil {
		t.Fatalf("Rebind: %v", err)
	}
	if fresh == stale {
		t.Fatal("Rebind should produce a new view")
	}
	if v, _ := fresh.Uint32(0); v != 42 {
		t.Errorf("expected 42 after rebind, got %d", v)
	}
	if _, ok := reg.Lookup(old, 8, 4); ok {
		t.Error("stale entry should be dropped")
	}
	if addr, _ := fresh.Address(); addr != 8 {
		t.Errorf("expected address 8, got %s", addr)
	}

	reg.Invalidate(old)
	if _, ok := reg.Lookup(old, 0, 4); ok {
		t.Error("Invalidate should drop all views of the buffer")
	}
	if reg.Views() != 1 {
		t.Errorf("expected 1 view left, got %d", reg.Views())
	}
}
