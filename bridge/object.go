package bridge

import (
	"context"
	"fmt"
	"strings"

	membridge "github.com/wippyai/wasm-membridge"
	"github.com/wippyai/wasm-membridge/errors"
	"github.com/wippyai/wasm-membridge/layout"
	"github.com/wippyai/wasm-membridge/view"
)

// slot is a pointer member at a fixed offset inside one element, found by
// flattening embedded structs.
type slot struct {
	member *layout.Member
	path   string
	offset uint64
}

func (b *Bridge) pointerSlots(s *layout.Struct) []slot {
	if cached, ok := b.slots[s]; ok {
		return cached
	}
	out := []slot{}
	var walk func(s *layout.Struct, base uint64, prefix string)
	walk = func(s *layout.Struct, base uint64, prefix string) {
		for i := range s.Members {
			m := &s.Members[i]
			switch {
			case m.IsPointer():
				out = append(out, slot{member: m, path: prefix + m.Name, offset: base + m.Offset})
			case m.Type == layout.Embedded && m.Target.HasPointers():
				walk(m.Target, base+m.Offset, prefix+m.Name+".")
			}
		}
	}
	walk(s, 0, "")
	b.slots[s] = out
	return out
}

// Object is a host value of a layout.Struct type, or Count consecutive
// elements of it, backed by a view. Pointer members are held as *Pointer
// so that the bridge can translate them at every call.
type Object struct {
	bridge   *Bridge
	typ      *layout.Struct
	view     *view.View
	pointers []*Pointer
	count    uint64
	nslots   int
}

// NewObject allocates count zeroed elements of typ in relocatable memory.
func (b *Bridge) NewObject(typ *layout.Struct, count uint64) (*Object, error) {
	length, err := byteLength(errors.PhaseAlloc, typ, count)
	if err != nil {
		return nil, err
	}
	v, err := b.AllocateRelocatable(length, typ.Align)
	if err != nil {
		return nil, err
	}
	return b.ObjectAt(v, typ, count)
}

// NewFixedObject allocates count zeroed elements of typ in target memory.
func (b *Bridge) NewFixedObject(ctx context.Context, typ *layout.Struct, count uint64) (*Object, error) {
	length, err := byteLength(errors.PhaseAlloc, typ, count)
	if err != nil {
		return nil, err
	}
	v, err := b.AllocateFixed(ctx, length, typ.Align)
	if err != nil {
		return nil, err
	}
	if err := zero(v); err != nil {
		return nil, err
	}
	return b.ObjectAt(v, typ, count)
}

// byteLength is the size of count elements of typ. Counts whose byte
// length does not fit in 64 bits are a size mismatch.
func byteLength(phase errors.Phase, typ *layout.Struct, count uint64) (uint64, error) {
	n := typ.Size * count
	if count != 0 && n/count != typ.Size {
		return 0, errors.New(phase, errors.KindSizeMismatch).
			Type(typ.Name).
			Value(count).
			Detail("%d elements of %d bytes overflow", count, typ.Size).
			Build()
	}
	return n, nil
}

func zero(v *view.View) error {
	data, err := v.Bytes()
	if err != nil {
		return err
	}
	clear(data)
	return nil
}

// ObjectAt returns the object for v, creating it if v has none yet. The view
// must be exactly count elements long.
func (b *Bridge) ObjectAt(v *view.View, typ *layout.Struct, count uint64) (*Object, error) {
	length, err := byteLength(errors.PhaseRuntime, typ, count)
	if err != nil {
		return nil, err
	}
	if v.Len() != length {
		return nil, errors.SizeMismatch(errors.PhaseRuntime, nil, typ.Name, length, v.Len())
	}
	if obj, ok := b.objects[v]; ok && obj.typ == typ && obj.count == count {
		return obj, nil
	}
	slots := b.pointerSlots(typ)
	obj := &Object{bridge: b, typ: typ, view: v, count: count, nslots: len(slots)}
	obj.pointers = make([]*Pointer, 0, int(count)*len(slots))
	for i := uint64(0); i < count && len(slots) > 0; i++ {
		for _, s := range slots {
			obj.pointers = append(obj.pointers, &Pointer{
				owner:  obj,
				member: s.member,
				path:   s.path,
				offset: i*typ.Size + s.offset,
			})
		}
	}
	if _, taken := b.objects[v]; !taken {
		b.objects[v] = obj
	}
	return obj, nil
}

// FreeObject releases obj's memory. Objects over foreign memory are only
// forgotten.
func (b *Bridge) FreeObject(ctx context.Context, obj *Object) error {
	v := obj.view
	delete(b.objects, v)
	if v.Buffer().Class() == membridge.Relocatable {
		return b.FreeRelocatable(v)
	}
	if addr, ok := v.Address(); ok {
		if _, owned := b.allocs[addr]; owned {
			return b.FreeFixed(ctx, v)
		}
	}
	b.registry.Drop(v)
	return nil
}

// Objects returns the number of objects the bridge tracks.
func (b *Bridge) Objects() int { return len(b.objects) }

func (o *Object) Type() *layout.Struct { return o.typ }

func (o *Object) Count() uint64 { return o.count }

// Class tells whether the object lives in fixed or relocatable memory.
func (o *Object) Class() membridge.Class { return o.view.Buffer().Class() }

// View returns the object's current view, rebinding it first if linear
// memory was replaced since the last access.
func (o *Object) View() (*view.View, error) {
	if o.view.Live() {
		return o.view, nil
	}
	old := o.view
	nv, err := o.bridge.Heal(old)
	if err != nil {
		return nil, err
	}
	// Heal may already have moved us through rebindAll
	if o.view == old {
		if o.bridge.objects[old] == o {
			delete(o.bridge.objects, old)
			o.bridge.objects[nv] = o
		}
		o.view = nv
	}
	return o.view, nil
}

// Address returns the fixed address of the object's first byte.
func (o *Object) Address() (membridge.Address, bool) {
	v, err := o.View()
	if err != nil {
		return 0, false
	}
	return o.bridge.GetViewAddress(v)
}

// Bytes returns the object's bytes.
func (o *Object) Bytes() ([]byte, error) {
	v, err := o.View()
	if err != nil {
		return nil, err
	}
	return v.Bytes()
}

// field resolves a dotted member path through embedded structs.
func (o *Object) field(index uint64, path string) (*layout.Member, uint64, error) {
	if index >= o.count {
		return nil, 0, errors.OutOfBounds(errors.PhaseRuntime, index, 1, o.count)
	}
	s := o.typ
	off := index * o.typ.Size
	parts := strings.Split(path, ".")
	for i, name := range parts {
		m, _ := s.Member(name)
		if m == nil {
			return nil, 0, errors.NotFound(errors.PhaseRuntime, "member of "+s.Name, name)
		}
		off += m.Offset
		if i == len(parts)-1 {
			return m, off, nil
		}
		if m.Type != layout.Embedded {
			return nil, 0, errors.InvalidInput(errors.PhaseRuntime, fmt.Sprintf("%s is not an embedded struct", name))
		}
		s = m.Target
	}
	return nil, 0, errors.InvalidInput(errors.PhaseRuntime, "empty member path")
}

// Get reads a scalar member of element 0.
func (o *Object) Get(path string) (any, error) { return o.GetAt(0, path) }

// Set writes a scalar member of element 0.
func (o *Object) Set(path string, value any) error { return o.SetAt(0, path, value) }

// GetAt reads a scalar member of element i. Bit fields read as uint64, or
// int64 for signed kinds.
func (o *Object) GetAt(i uint64, path string) (any, error) {
	m, off, err := o.field(i, path)
	if err != nil {
		return nil, err
	}
	if m.Type != layout.Scalar {
		return nil, errors.InvalidInput(errors.PhaseRuntime, fmt.Sprintf("%s is a %s member", path, m.Type))
	}
	v, err := o.View()
	if err != nil {
		return nil, err
	}
	if m.BitSize == 0 {
		return v.Value(m.Kind, off)
	}
	bits, err := v.Bits(off*8+m.BitOffset, m.BitSize)
	if err != nil {
		return nil, err
	}
	if m.Kind.Signed() && m.BitSize < 64 && bits&(1<<(m.BitSize-1)) != 0 {
		return int64(bits | ^uint64(0)<<m.BitSize), nil
	}
	if m.Kind.Signed() {
		return int64(bits), nil
	}
	return bits, nil
}

// SetAt writes a scalar member of element i.
func (o *Object) SetAt(i uint64, path string, value any) error {
	m, off, err := o.field(i, path)
	if err != nil {
		return err
	}
	if m.Type != layout.Scalar {
		return errors.InvalidInput(errors.PhaseRuntime, fmt.Sprintf("%s is a %s member", path, m.Type))
	}
	v, err := o.View()
	if err != nil {
		return err
	}
	if m.BitSize == 0 {
		return v.SetValue(m.Kind, off, value)
	}
	bits, err := view.Encode(m.Kind, value)
	if err != nil {
		return err
	}
	return v.SetBits(off*8+m.BitOffset, m.BitSize, bits)
}

// Pointer returns the pointer member at path of element 0.
func (o *Object) Pointer(path string) *Pointer { return o.PointerAt(0, path) }

// PointerAt returns the pointer member at path of element i, or nil.
func (o *Object) PointerAt(i uint64, path string) *Pointer {
	for _, p := range o.PointersAt(i) {
		if p.path == path {
			return p
		}
	}
	return nil
}

// Pointers returns every pointer of every element, element by element.
func (o *Object) Pointers() []*Pointer { return o.pointers }

// PointersAt returns the pointers of element i in member order.
func (o *Object) PointersAt(i uint64) []*Pointer {
	if i >= o.count {
		return nil
	}
	base := int(i) * o.nslots
	return o.pointers[base : base+o.nslots]
}

// Pointer is a pointer or slice member of an Object. Host code sets its
// target; the bridge writes the target's address into the slot before a
// call and re-resolves the slot into a target after it.
type Pointer struct {
	owner  *Object
	member *layout.Member
	target *Object
	path   string
	offset uint64
}

// Target returns the object pointed to, or nil.
func (p *Pointer) Target() *Object { return p.target }

// Set points p at t. For slices the length is t.Count(). A nil t empties
// the pointer.
func (p *Pointer) Set(t *Object) error {
	if t != nil && t.typ.Size != p.member.Target.Size {
		return errors.SizeMismatch(errors.PhaseRuntime, []string{p.path}, p.member.Target.Name, p.member.Target.Size, t.typ.Size)
	}
	if t != nil && t.bridge != p.owner.bridge {
		return errors.InvalidInput(errors.PhaseRuntime, "target belongs to a different bridge")
	}
	p.target = t
	return nil
}

// IsEmpty reports whether the pointer has no target.
func (p *Pointer) IsEmpty() bool { return p.target == nil }

// Len is the element count of a slice target, 1 for a set pointer and 0
// when empty.
func (p *Pointer) Len() uint64 {
	if p.target == nil {
		return 0
	}
	if p.member.Type == layout.Slice {
		return p.target.count
	}
	return 1
}

// Const reports whether foreign code may not write through the pointer.
func (p *Pointer) Const() bool { return p.member.Const }

func (p *Pointer) Member() *layout.Member { return p.member }

// Path is the dotted member name within the owning element.
func (p *Pointer) Path() string { return p.path }

// Owner returns the object holding the pointer.
func (p *Pointer) Owner() *Object { return p.owner }

// Wire reads the address currently stored in the slot.
func (p *Pointer) Wire() (membridge.Address, error) {
	v, err := p.owner.View()
	if err != nil {
		return 0, err
	}
	raw, err := v.Get(view.AddressKind(p.owner.bridge.target.AddressSize()), p.offset)
	return membridge.Address(raw), err
}
