package testwasm

import (
	"context"
	"testing"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

func instantiate(t *testing.T) (context.Context, api.Module) {
	t.Helper()
	ctx := context.Background()
	rt := wazero.NewRuntime(ctx)
	t.Cleanup(func() { rt.Close(ctx) })

	mod, err := rt.Instantiate(ctx, Guest())
	if err != nil {
		t.Fatalf("instantiate guest: %v", err)
	}
	return ctx, mod
}

func call(t *testing.T, ctx context.Context, mod api.Module, name string, args ...uint64) []uint64 {
	t.Helper()
	fn := mod.ExportedFunction(name)
	if fn == nil {
		t.Fatalf("missing export %q", name)
	}
	res, err := fn.Call(ctx, args...)
	if err != nil {
		t.Fatalf("%s: %v", name, err)
	}
	return res
}

func TestGuest_Malloc(t *testing.T) {
	ctx, mod := instantiate(t)

	for _, align := range []uint64{1, 2, 4, 8, 16, 32} {
		p := call(t, ctx, mod, "malloc", 3, align)[0]
		if p == 0 || p%align != 0 {
			t.Errorf("malloc(3, %d) = %d", align, p)
		}
	}

	heap := call(t, ctx, mod, "heap")[0]
	if heap <= HeapBase {
		t.Errorf("heap did not advance: %d", heap)
	}
}

func TestGuest_MallocGrows(t *testing.T) {
	ctx, mod := instantiate(t)
	mem := mod.ExportedMemory("memory")
	before := mem.Size()

	p := call(t, ctx, mod, "malloc", 100000, 8)[0]
	if p == 0 {
		t.Fatal("malloc returned null")
	}
	if mem.Size() <= before || uint64(mem.Size()) < p+100000 {
		t.Errorf("memory size %d does not cover %d+100000", mem.Size(), p)
	}
}

func TestGuest_List(t *testing.T) {
	ctx, mod := instantiate(t)

	head := uint64(0)
	for _, v := range []uint64{1, 2, 3, 4} {
		head = call(t, ctx, mod, "push_front", head, v)[0]
	}
	if sum := call(t, ctx, mod, "sum_list", head)[0]; sum != 10 {
		t.Errorf("sum_list = %d, want 10", sum)
	}

	mem := mod.ExportedMemory("memory")
	v, _ := mem.ReadUint32Le(uint32(head) + NodeValueOff)
	if v != 4 {
		t.Errorf("head value = %d, want 4", v)
	}
}

func TestGuest_AddAndGrow(t *testing.T) {
	ctx, mod := instantiate(t)
	mem := mod.ExportedMemory("memory")
	mem.WriteUint32Le(HeapBase, 40)

	call(t, ctx, mod, "add_u32", HeapBase, 2)
	if v, _ := mem.ReadUint32Le(HeapBase); v != 42 {
		t.Errorf("add_u32 result = %d, want 42", v)
	}

	pages := mem.Size() / 65536
	call(t, ctx, mod, "grow_and_store", HeapBase, 7)
	if got := mem.Size() / 65536; got != pages+1 {
		t.Errorf("pages = %d, want %d", got, pages+1)
	}
	if v, _ := mem.ReadUint32Le(HeapBase); v != 7 {
		t.Errorf("stored %d, want 7", v)
	}
}
