package testwasm

// HeapBase is where the guest's bump allocator starts. Lower addresses stay
// unused so a zero address is never handed out.
const HeapBase = 1024

// Node layout used by the list functions (wasm32):
//
//	struct Node { i32 value; Node *next; }  // size 8, align 4
const (
	NodeSize       = 8
	NodeValueOff   = 0
	NodeNextOff    = 4
	nodeAlign      = 4
	wasmPageShift  = 16
	wasmPageMinus1 = 65535
)

// Guest exports:
//
//	memory
//	malloc(size, align) i32      bump allocation, grows memory on demand
//	free(ptr)                    no-op
//	grow(pages) i32              memory.grow, returns previous page count
//	heap() i32                   current bump pointer
//	add_u32(ptr, delta)          *ptr += delta
//	sum_list(node) i32           sums value along next until null
//	push_front(head, value) i32  allocates a node in front of head
//	grow_and_store(ptr, value)   grows memory by one page, then *ptr = value
func Guest() []byte {
	return GuestModule().Encode()
}

// GuestModule returns the builder behind Guest, for tests that add their
// own functions.
func GuestModule() *Module {
	i32 := []ValType{I32}
	i32x2 := []ValType{I32, I32}

	m := NewModule(1)
	heap := m.Global(HeapBase)

	malloc := m.Declare("malloc", FuncType{Params: i32x2, Results: i32})
	free := m.Declare("free", FuncType{Params: i32})
	grow := m.Declare("grow", FuncType{Params: i32, Results: i32})
	heapFn := m.Declare("heap", FuncType{Results: i32})
	addU32 := m.Declare("add_u32", FuncType{Params: i32x2})
	sumList := m.Declare("sum_list", FuncType{Params: i32, Results: i32})
	pushFront := m.Declare("push_front", FuncType{Params: i32x2, Results: i32})
	growStore := m.Declare("grow_and_store", FuncType{Params: i32x2})

	// params: size 0, align 1; locals: ptr 2, end 3
	m.Define(malloc, i32x2, NewCode().
		GlobalGet(heap).LocalGet(1).I32Add().I32Const(1).I32Sub().
		I32Const(0).LocalGet(1).I32Sub().I32And().LocalSet(2).
		LocalGet(2).LocalGet(0).I32Add().LocalSet(3).
		Block().
		LocalGet(3).MemorySize().I32Const(wasmPageShift).I32Shl().I32LeU().BrIf(0).
		LocalGet(3).MemorySize().I32Const(wasmPageShift).I32Shl().I32Sub().
		I32Const(wasmPageMinus1).I32Add().I32Const(wasmPageShift).I32ShrU().
		MemoryGrow().I32Const(-1).I32Eq().
		If().I32Const(0).Return().End().
		End().
		LocalGet(3).GlobalSet(heap).
		LocalGet(2))

	m.Define(free, nil, NewCode())

	m.Define(grow, nil, NewCode().LocalGet(0).MemoryGrow())

	m.Define(heapFn, nil, NewCode().GlobalGet(heap))

	m.Define(addU32, nil, NewCode().
		LocalGet(0).
		LocalGet(0).I32Load(0).LocalGet(1).I32Add().
		I32Store(0))

	// params: node 0; locals: sum 1
	m.Define(sumList, i32, NewCode().
		Block().Loop().
		LocalGet(0).I32Eqz().BrIf(1).
		LocalGet(1).LocalGet(0).I32Load(NodeValueOff).I32Add().LocalSet(1).
		LocalGet(0).I32Load(NodeNextOff).LocalSet(0).
		Br(0).
		End().End().
		LocalGet(1))

	// params: head 0, value 1; locals: node 2
	m.Define(pushFront, i32, NewCode().
		I32Const(NodeSize).I32Const(nodeAlign).Call(malloc).LocalTee(2).
		LocalGet(1).I32Store(NodeValueOff).
		LocalGet(2).LocalGet(0).I32Store(NodeNextOff).
		LocalGet(2))

	m.Define(growStore, nil, NewCode().
		I32Const(1).MemoryGrow().Drop().
		LocalGet(0).LocalGet(1).I32Store(0))

	return m
}
