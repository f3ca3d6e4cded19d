package bridge

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	membridge "github.com/wippyai/wasm-membridge"
	werrors "github.com/wippyai/wasm-membridge/errors"
	"github.com/wippyai/wasm-membridge/target/native"
)

// roundTrip writes 1234 through the host, checks the shadow sees it, writes
// 5678 through the shadow and checks the host sees that.
func roundTrip(t *testing.T, b *Bridge, foreign func(addr membridge.Address) uint32) {
	t.Helper()
	src, err := b.AllocateRelocatable(16, 4)
	if err != nil {
		t.Fatal(err)
	}
	if err := src.SetUint32(0, 1234); err != nil {
		t.Fatal(err)
	}

	c := b.StartContext(context.Background())
	defer b.endContext(c)

	sv, err := b.CreateShadow(src, 4)
	if err != nil {
		t.Fatalf("CreateShadow: %v", err)
	}
	if sv.Buffer().Class() != membridge.Fixed {
		t.Fatalf("shadow class = %s", sv.Buffer().Class())
	}
	if err := b.UpdateShadows(); err != nil {
		t.Fatalf("UpdateShadows: %v", err)
	}
	if got, _ := sv.Uint32(0); got != 1234 {
		t.Fatalf("shadow value = %d, want 1234", got)
	}
	addr, _ := sv.Address()
	if got := foreign(addr); got != 1234 {
		t.Fatalf("foreign memory holds %d, want 1234", got)
	}

	if err := sv.SetUint32(0, 5678); err != nil {
		t.Fatal(err)
	}
	if err := b.UpdateShadowTargets(); err != nil {
		t.Fatalf("UpdateShadowTargets: %v", err)
	}
	if got, _ := src.Uint32(0); got != 5678 {
		t.Errorf("host value = %d, want 5678", got)
	}
}

func TestShadow_RoundTripNative(t *testing.T) {
	b, tgt := newNative(t, DefaultConfig())
	roundTrip(t, b, func(addr membridge.Address) uint32 {
		raw, err := tgt.Region(addr, 4)
		if err != nil {
			t.Fatal(err)
		}
		return uint32(raw[0]) | uint32(raw[1])<<8 | uint32(raw[2])<<16 | uint32(raw[3])<<24
	})
}

func TestShadow_RoundTripLinear(t *testing.T) {
	b, g := newLinear(t, DefaultConfig())
	roundTrip(t, b, func(addr membridge.Address) uint32 {
		v, ok := g.mem.Raw().ReadUint32Le(uint32(addr))
		if !ok {
			t.Fatalf("address %s outside guest memory", addr)
		}
		return v
	})
}

func TestShadow_GuestWritesBack(t *testing.T) {
	b, g := newLinear(t, DefaultConfig())
	src, _ := b.AllocateRelocatable(4, 4)
	_ = src.SetUint32(0, 40)

	c := b.StartContext(g.ctx)
	sv, err := b.CreateShadow(src, 4)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.UpdateShadows(); err != nil {
		t.Fatal(err)
	}
	addr, _ := sv.Address()
	g.call(t, "add_u32", uint64(addr), 2)
	if err := b.UpdateShadowTargets(); err != nil {
		t.Fatal(err)
	}
	b.endContext(c)

	if got, _ := src.Uint32(0); got != 42 {
		t.Errorf("host value = %d, want 42", got)
	}
}

func TestShadow_NoContext(t *testing.T) {
	b, _ := newNative(t, DefaultConfig())
	src, _ := b.AllocateRelocatable(8, 8)

	_, err := b.CreateShadow(src, 8)
	if !errors.Is(err, &werrors.Error{Phase: werrors.PhaseContext, Kind: werrors.KindNotInitialized}) {
		t.Errorf("expected not initialized, got %v", err)
	}
	if err := b.UpdateShadows(); err == nil {
		t.Error("UpdateShadows without a context")
	}
	if b.FindMemory(0x1000, 4) != nil {
		t.Error("FindMemory without a context")
	}
}

func TestShadow_Reuse(t *testing.T) {
	b, _ := newNative(t, DefaultConfig())
	src, _ := b.AllocateRelocatable(16, 8)

	c := b.StartContext(context.Background())
	defer b.endContext(c)

	first, err := b.CreateShadow(src, 4)
	if err != nil {
		t.Fatal(err)
	}
	again, err := b.CreateShadow(src, 8)
	if err != nil {
		t.Fatal(err)
	}
	if first != again {
		t.Error("aligned shadow was recreated")
	}
	if sv, ok := b.ShadowOf(src); !ok || sv != first {
		t.Error("ShadowOf does not return the shadow")
	}
	if c.Shadows() != 1 || c.Groups() != 1 {
		t.Errorf("shadows=%d groups=%d", c.Shadows(), c.Groups())
	}
}

func TestShadow_Coalesce(t *testing.T) {
	b, _ := newNative(t, DefaultConfig())
	src, _ := b.AllocateRelocatable(32, 8)
	buf := src.Buffer()
	data, _ := src.Bytes()
	for i := range data {
		data[i] = byte(i)
	}

	c := b.StartContext(context.Background())
	defer b.endContext(c)

	lo, _ := b.ObtainView(buf, 0, 16)
	hi, _ := b.ObtainView(buf, 8, 16)
	if _, err := b.CreateShadow(lo, 4); err != nil {
		t.Fatal(err)
	}
	if _, err := b.CreateShadow(hi, 4); err != nil {
		t.Fatal(err)
	}

	if c.Shadows() != 2 || c.Groups() != 1 {
		t.Fatalf("shadows=%d groups=%d, want 2/1", c.Shadows(), c.Groups())
	}
	loView, _ := b.ShadowOf(lo)
	hiView, _ := b.ShadowOf(hi)
	loAddr, _ := loView.Address()
	hiAddr, _ := hiView.Address()
	if hiAddr-loAddr != 8 {
		t.Errorf("member addresses %s and %s are not 8 apart", loAddr, hiAddr)
	}
	if loView.Buffer() != hiView.Buffer() {
		t.Error("members of one group use different buffers")
	}
	if got, _ := hiView.Uint32(0); got != 0x0b0a0908 {
		t.Errorf("coalesced shadow bytes = %#x", got)
	}
	if got := testutil.ToFloat64(b.metrics.shadowsMerged); got != 1 {
		t.Errorf("shadows_coalesced_total = %v, want 1", got)
	}

	// a shadow found through either member resolves to the host source
	if v := b.FindMemory(hiAddr, 4); v == nil || v.Offset() != 8 || v.Buffer() != buf {
		t.Errorf("FindMemory(%s) = %v", hiAddr, v)
	}
}

// faultyRegion fails Region while fail is set, after the block behind it
// has already been allocated.
type faultyRegion struct {
	*native.Target
	fail bool
}

func (f *faultyRegion) Region(addr membridge.Address, length uint64) ([]byte, error) {
	if f.fail {
		return nil, errors.New("region unavailable")
	}
	return f.Target.Region(addr, length)
}

func TestShadow_FailedCoalesceKeepsGroup(t *testing.T) {
	ctx := context.Background()
	tgt := native.New(native.WithArenaSize(1 << 16))
	t.Cleanup(func() { tgt.Close() })
	ft := &faultyRegion{Target: tgt}
	cfg := DefaultConfig()
	cfg.ShadowPoolSize = 0
	b, err := New(ft, cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { b.Close(ctx) })

	src, _ := b.AllocateRelocatable(32, 8)
	buf := src.Buffer()
	c := b.StartContext(ctx)
	defer b.endContext(c)

	lo, _ := b.ObtainView(buf, 0, 16)
	hi, _ := b.ObtainView(buf, 8, 16)
	loView, err := b.CreateShadow(lo, 4)
	if err != nil {
		t.Fatal(err)
	}
	loAddr, _ := loView.Address()
	inUse := tgt.Stats().InUse

	ft.fail = true
	if _, err := b.CreateShadow(hi, 4); err == nil {
		t.Fatal("coalesce succeeded without a region")
	}
	ft.fail = false

	if c.Shadows() != 1 || c.Groups() != 1 {
		t.Errorf("shadows=%d groups=%d after a failed coalesce, want 1/1", c.Shadows(), c.Groups())
	}
	sv, ok := b.ShadowOf(lo)
	if !ok || sv != loView || !sv.Live() {
		t.Fatal("existing shadow was modified by the failed coalesce")
	}
	if a, _ := sv.Address(); a != loAddr {
		t.Errorf("shadow moved from %s to %s", loAddr, a)
	}
	if v := b.FindMemory(loAddr, 16); v != lo {
		t.Errorf("FindMemory(%s) = %v, want the source", loAddr, v)
	}
	if st := tgt.Stats(); st.InUse != inUse {
		t.Errorf("in use = %d after the failed coalesce, want %d", st.InUse, inUse)
	}

	if _, err := b.CreateShadow(hi, 4); err != nil {
		t.Fatalf("coalesce after recovery: %v", err)
	}
	if c.Shadows() != 2 || c.Groups() != 1 {
		t.Errorf("shadows=%d groups=%d, want 2/1", c.Shadows(), c.Groups())
	}
}

func TestShadow_TouchingRangesStaySeparate(t *testing.T) {
	b, _ := newNative(t, DefaultConfig())
	src, _ := b.AllocateRelocatable(16, 8)
	buf := src.Buffer()

	c := b.StartContext(context.Background())
	defer b.endContext(c)

	a, _ := b.ObtainView(buf, 0, 8)
	d, _ := b.ObtainView(buf, 8, 8)
	if _, err := b.CreateShadow(a, 8); err != nil {
		t.Fatal(err)
	}
	if _, err := b.CreateShadow(d, 8); err != nil {
		t.Fatal(err)
	}
	if c.Groups() != 2 {
		t.Errorf("groups = %d, want 2", c.Groups())
	}
}

func TestShadow_AlignmentConflict(t *testing.T) {
	b, _ := newNative(t, DefaultConfig())
	src, _ := b.AllocateRelocatable(32, 16)
	buf := src.Buffer()

	c := b.StartContext(context.Background())
	defer b.endContext(c)

	a, _ := b.ObtainView(buf, 0, 16)
	d, _ := b.ObtainView(buf, 4, 16)
	if _, err := b.CreateShadow(a, 16); err != nil {
		t.Fatal(err)
	}
	_, err := b.CreateShadow(d, 16)
	if !errors.Is(err, &werrors.Error{Phase: werrors.PhaseImport, Kind: werrors.KindAlignment}) {
		t.Fatalf("expected alignment violation, got %v", err)
	}
	if c.Groups() != 1 || c.Shadows() != 1 {
		t.Errorf("failed merge changed the context: groups=%d shadows=%d", c.Groups(), c.Shadows())
	}

	// 4 apart is fine when the second member only needs 4
	if _, err := b.CreateShadow(d, 4); err != nil {
		t.Fatalf("compatible alignment rejected: %v", err)
	}
	dv, _ := b.ShadowOf(d)
	av, _ := b.ShadowOf(a)
	aAddr, _ := av.Address()
	dAddr, _ := dv.Address()
	if IsMisaligned(aAddr, 16) || IsMisaligned(dAddr, 4) {
		t.Errorf("members placed at %s and %s", aAddr, dAddr)
	}
}

func TestShadow_Realign(t *testing.T) {
	b, _ := newNative(t, DefaultConfig())
	src, _ := b.AllocateRelocatable(64, 64)
	buf := src.Buffer()

	c := b.StartContext(context.Background())
	defer b.endContext(c)

	v, _ := b.ObtainView(buf, 0, 16)
	if _, err := b.CreateShadow(v, 1); err != nil {
		t.Fatal(err)
	}
	sv, err := b.CreateShadow(v, 32)
	if err != nil {
		t.Fatal(err)
	}
	addr, _ := sv.Address()
	if IsMisaligned(addr, 32) {
		t.Errorf("realigned shadow at %s", addr)
	}
	if c.Shadows() != 1 || c.Groups() != 1 {
		t.Errorf("shadows=%d groups=%d", c.Shadows(), c.Groups())
	}
}

func TestShadow_ReleasedAtContextEnd(t *testing.T) {
	b, _ := newNative(t, DefaultConfig())
	src, _ := b.AllocateRelocatable(24, 8)

	c := b.StartContext(context.Background())
	sv, err := b.CreateShadow(src, 8)
	if err != nil {
		t.Fatal(err)
	}
	b.EndContext()
	if !c.ended {
		t.Fatal("context not ended")
	}
	if _, err := sv.Bytes(); err == nil {
		t.Error("shadow readable after its context ended")
	}
	if b.Depth() != 0 {
		t.Errorf("depth = %d", b.Depth())
	}

	// the freed block comes back from the pool
	b.StartContext(context.Background())
	if _, err := b.CreateShadow(src, 8); err != nil {
		t.Fatal(err)
	}
	if got := testutil.ToFloat64(b.metrics.poolHits); got != 1 {
		t.Errorf("shadow_pool_hits_total = %v, want 1", got)
	}
	if err := b.ReleaseShadows(); err != nil {
		t.Fatal(err)
	}
	if err := b.ReleaseShadows(); err != nil {
		t.Fatalf("second ReleaseShadows: %v", err)
	}
	b.EndContext()
}

func TestShadow_PoolDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ShadowPoolSize = 0
	b, tgt := newNative(t, cfg)
	src, _ := b.AllocateRelocatable(24, 8)

	for range 3 {
		b.StartContext(context.Background())
		if _, err := b.CreateShadow(src, 8); err != nil {
			t.Fatal(err)
		}
		b.EndContext()
	}
	if got := testutil.ToFloat64(b.metrics.poolHits); got != 0 {
		t.Errorf("pool hits with a zero-sized pool: %v", got)
	}
	if st := tgt.Stats(); st.InUse != 0 {
		t.Errorf("%d bytes still allocated", st.InUse)
	}
}

func TestContext_Isolation(t *testing.T) {
	b, _ := newNative(t, DefaultConfig())
	src, _ := b.AllocateRelocatable(16, 8)

	outer := b.StartContext(context.Background())
	osv, err := b.CreateShadow(src, 8)
	if err != nil {
		t.Fatal(err)
	}
	oaddr, _ := osv.Address()

	inner := b.StartContext(context.Background())
	if inner.Depth() != 2 || b.Active() != inner {
		t.Fatalf("inner context not active")
	}
	if _, ok := b.ShadowOf(src); ok {
		t.Error("outer shadow visible in inner context")
	}
	if b.FindMemory(oaddr, 16) != nil {
		t.Error("outer memory resolvable in inner context")
	}
	isv, err := b.CreateShadow(src, 8)
	if err != nil {
		t.Fatal(err)
	}
	if isv == osv {
		t.Error("inner context reused the outer shadow")
	}
	b.EndContext()

	if b.Active() != outer {
		t.Fatal("outer context not restored")
	}
	if sv, ok := b.ShadowOf(src); !ok || sv != osv {
		t.Error("outer shadow lost after inner context ended")
	}
	if _, err := osv.Bytes(); err != nil {
		t.Errorf("outer shadow dead: %v", err)
	}
	if _, err := isv.Bytes(); err == nil {
		t.Error("inner shadow survived its context")
	}
	b.EndContext()
}

func TestCall_NestedSharedObject(t *testing.T) {
	b, g := newLinear(t, DefaultConfig())
	node := nodeType(t, 4)
	addU32 := g.mod.ExportedFunction("add_u32")

	x, _ := b.NewObject(node, 1)
	_ = x.Set("value", 1)

	_, err := b.Call(g.ctx, []*Object{x}, func(ctx context.Context, outer []membridge.Address) ([]uint64, error) {
		// the host callback hands the same object to a nested call
		_, err := b.Call(ctx, []*Object{x}, func(ctx context.Context, inner []membridge.Address) ([]uint64, error) {
			return addU32.Call(ctx, uint64(inner[0]), 6)
		})
		if err != nil {
			return nil, err
		}
		if v, _ := g.mem.Raw().ReadUint32Le(uint32(outer[0])); v != 7 {
			t.Errorf("outer shadow after the nested call = %d, want 7", v)
		}
		return addU32.Call(ctx, uint64(outer[0]), 1)
	})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if v, err := x.Get("value"); err != nil || v != uint32(8) {
		t.Errorf("value after nested calls = %v, %v, want 8", v, err)
	}
	if b.Depth() != 0 {
		t.Errorf("depth = %d", b.Depth())
	}
}

func TestContext_EndUnwindsInner(t *testing.T) {
	b, _ := newNative(t, DefaultConfig())
	outer := b.StartContext(context.Background())
	b.StartContext(context.Background())
	b.StartContext(context.Background())

	b.endContext(outer)
	if b.Depth() != 0 {
		t.Errorf("depth = %d after ending the outer context", b.Depth())
	}
	b.endContext(outer)
	b.EndContext()
}

func TestImportMemory(t *testing.T) {
	ctx := context.Background()
	b, _ := newNative(t, DefaultConfig())
	fixed, _ := b.AllocateFixed(ctx, 32, 8)
	reloc, _ := b.AllocateRelocatable(32, 8)

	if _, err := b.ImportMemory(fixed); err == nil {
		t.Error("ImportMemory without a context")
	}

	c := b.StartContext(ctx)
	defer b.endContext(c)

	addr, err := b.ImportMemory(fixed)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.ImportMemory(fixed); err != nil {
		t.Fatal(err)
	}
	if c.Imported() != 1 {
		t.Errorf("imported = %d, want 1", c.Imported())
	}
	_, err = b.ImportMemory(reloc)
	if !errors.Is(err, &werrors.Error{Phase: werrors.PhaseImport, Kind: werrors.KindAddressResolution}) {
		t.Errorf("expected address resolution error, got %v", err)
	}

	if v := b.FindMemory(addr, 32); v != fixed {
		t.Error("FindMemory did not return the imported view")
	}
	sub := b.FindMemory(addr+8, 8)
	if sub == nil || sub.Buffer() != fixed.Buffer() || sub.Offset() != fixed.Offset()+8 {
		t.Errorf("FindMemory sub-range = %v", sub)
	}
	if b.FindMemory(addr+24, 16) != nil {
		t.Error("range past the import resolved")
	}
}
