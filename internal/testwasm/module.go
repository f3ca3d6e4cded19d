package testwasm

// ValType is a WebAssembly value type.
type ValType byte

const (
	I32 ValType = 0x7f
	I64 ValType = 0x7e
)

const (
	secType     = 1
	secFunction = 3
	secMemory   = 5
	secGlobal   = 6
	secExport   = 7
	secCode     = 10

	exportFunc   = 0x00
	exportMemory = 0x02
)

// FuncType is a function signature.
type FuncType struct {
	Params  []ValType
	Results []ValType
}

// Func is a function body. Locals lists extra locals after the params.
type Func struct {
	Name   string
	Type   FuncType
	Locals []ValType
	Body   *Code
	Export bool
}

type global struct {
	typ  ValType
	init int64
	mut  bool
}

// Module accumulates the pieces of a single-memory guest.
type Module struct {
	funcs   []*Func
	globals []global
	memMin  uint32
	memMax  uint32
	hasMax  bool
	memName string
}

// NewModule starts a module whose memory is exported as "memory" with
// minPages initial pages.
func NewModule(minPages uint32) *Module {
	return &Module{memMin: minPages, memName: "memory"}
}

// MaxPages caps linear memory growth.
func (m *Module) MaxPages(n uint32) *Module {
	m.memMax, m.hasMax = n, true
	return m
}

// Global adds a mutable i32 global and returns its index.
func (m *Module) Global(init int32) uint32 {
	m.globals = append(m.globals, global{typ: I32, init: int64(init), mut: true})
	return uint32(len(m.globals) - 1)
}

// Declare reserves a function index so bodies can call functions defined
// later. Fill it in with Define.
func (m *Module) Declare(name string, typ FuncType) uint32 {
	m.funcs = append(m.funcs, &Func{Name: name, Type: typ, Export: true})
	return uint32(len(m.funcs) - 1)
}

// Define sets the body of a declared function.
func (m *Module) Define(idx uint32, locals []ValType, body *Code) {
	m.funcs[idx].Locals = locals
	m.funcs[idx].Body = body
}

// Encode produces the binary module.
func (m *Module) Encode() []byte {
	var w writer
	w.raw([]byte{0x00, 0x61, 0x73, 0x6d})
	w.u32le(1)

	types, typeIdx := m.types()
	var sec writer
	sec.u32(uint32(len(types)))
	for _, ft := range types {
		sec.byte(0x60)
		writeValTypes(&sec, ft.Params)
		writeValTypes(&sec, ft.Results)
	}
	w.section(secType, &sec)

	sec = writer{}
	sec.u32(uint32(len(m.funcs)))
	for i := range m.funcs {
		sec.u32(typeIdx[i])
	}
	w.section(secFunction, &sec)

	sec = writer{}
	sec.u32(1)
	if m.hasMax {
		sec.byte(0x01)
		sec.u32(m.memMin)
		sec.u32(m.memMax)
	} else {
		sec.byte(0x00)
		sec.u32(m.memMin)
	}
	w.section(secMemory, &sec)

	if len(m.globals) > 0 {
		sec = writer{}
		sec.u32(uint32(len(m.globals)))
		for _, g := range m.globals {
			sec.byte(byte(g.typ))
			if g.mut {
				sec.byte(0x01)
			} else {
				sec.byte(0x00)
			}
			sec.byte(opI32Const)
			sec.s64(g.init)
			sec.byte(opEnd)
		}
		w.section(secGlobal, &sec)
	}

	sec = writer{}
	exports := 1
	for _, f := range m.funcs {
		if f.Export {
			exports++
		}
	}
	sec.u32(uint32(exports))
	sec.name(m.memName)
	sec.byte(exportMemory)
	sec.u32(0)
	for i, f := range m.funcs {
		if f.Export {
			sec.name(f.Name)
			sec.byte(exportFunc)
			sec.u32(uint32(i))
		}
	}
	w.section(secExport, &sec)

	sec = writer{}
	sec.u32(uint32(len(m.funcs)))
	for _, f := range m.funcs {
		var body writer
		body.u32(uint32(len(f.Locals)))
		for _, l := range f.Locals {
			body.u32(1)
			body.byte(byte(l))
		}
		if f.Body != nil {
			body.raw(f.Body.w.bytes())
		}
		body.byte(opEnd)
		sec.u32(uint32(body.buf.Len()))
		sec.raw(body.bytes())
	}
	w.section(secCode, &sec)

	return w.bytes()
}

func (m *Module) types() ([]FuncType, []uint32) {
	var types []FuncType
	idx := make([]uint32, len(m.funcs))
	for i, f := range m.funcs {
		found := -1
		for j, t := range types {
			if sameType(t, f.Type) {
				found = j
				break
			}
		}
		if found < 0 {
			types = append(types, f.Type)
			found = len(types) - 1
		}
		idx[i] = uint32(found)
	}
	return types, idx
}

func sameType(a, b FuncType) bool {
	if len(a.Params) != len(b.Params) || len(a.Results) != len(b.Results) {
		return false
	}
	for i := range a.Params {
		if a.Params[i] != b.Params[i] {
			return false
		}
	}
	for i := range a.Results {
		if a.Results[i] != b.Results[i] {
			return false
		}
	}
	return true
}

func writeValTypes(w *writer, types []ValType) {
	w.u32(uint32(len(types)))
	for _, t := range types {
		w.byte(byte(t))
	}
}
