package bridge

import (
	"context"
	"math"

	"go.uber.org/zap"

	membridge "github.com/wippyai/wasm-membridge"
	"github.com/wippyai/wasm-membridge/errors"
	"github.com/wippyai/wasm-membridge/layout"
	"github.com/wippyai/wasm-membridge/view"
)

// place makes obj visible to foreign code in c: fixed memory aligned for
// its type is imported as is, anything else gets a shadow.
func (b *Bridge) place(c *Context, obj *Object, writable bool) error {
	v, err := obj.View()
	if err != nil {
		return err
	}
	if v.Buffer().Class() == membridge.Fixed {
		if addr, ok := b.GetViewAddress(v); ok && !IsMisaligned(addr, obj.typ.Align) {
			if _, shadowed := c.bySource[v]; !shadowed {
				c.insertMemory(memoryRecord{view: v, addr: addr, length: v.Len()})
				return nil
			}
		}
	}
	_, err = b.createShadow(c, v, obj.typ.Align, writable)
	return err
}

// addressOf returns the address foreign code sees for obj in c. Only valid
// after place.
func (b *Bridge) addressOf(c *Context, obj *Object) (membridge.Address, error) {
	v, err := obj.View()
	if err != nil {
		return 0, err
	}
	if s, ok := c.bySource[v]; ok {
		return s.addr, nil
	}
	if addr, ok := b.GetViewAddress(v); ok {
		return addr, nil
	}
	return 0, errors.Invariant(errors.PhaseImport, "object %s has neither a shadow nor an address", obj.typ.Name)
}

// UpdatePointerAddresses prepares args for a call in the active context.
// Every object reachable from args through pointers is placed in fixed
// memory, then every pointer slot is written with its target's address and
// the shadows are flushed. It returns the address of each argument.
func (b *Bridge) UpdatePointerAddresses(args ...*Object) ([]membridge.Address, error) {
	c, err := b.active(errors.PhaseImport)
	if err != nil {
		return nil, err
	}
	if err := b.refresh(); err != nil {
		return nil, err
	}
	clear(c.rewritten)

	// resolve every target first; placing a later shadow can move the
	// addresses of earlier ones when their groups coalesce
	var (
		stack   []*Object
		pending []*Pointer
	)
	for _, arg := range args {
		if arg == nil {
			return nil, errors.InvalidInput(errors.PhaseImport, "nil argument")
		}
		if err := b.place(c, arg, true); err != nil {
			return nil, err
		}
		stack = append(stack, arg)
	}
	for len(stack) > 0 {
		obj := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, p := range obj.pointers {
			if _, seen := c.rewritten[p]; seen {
				continue
			}
			c.rewritten[p] = struct{}{}
			pending = append(pending, p)
			if p.target == nil {
				continue
			}
			if err := b.place(c, p.target, !p.member.Const); err != nil {
				return nil, errors.Wrap(errors.PhaseImport, kindOf(err), err, p.path)
			}
			stack = append(stack, p.target)
		}
	}

	for _, p := range pending {
		if err := b.writePointer(c, p); err != nil {
			return nil, err
		}
	}
	addrs := make([]membridge.Address, len(args))
	for i, arg := range args {
		if addrs[i], err = b.addressOf(c, arg); err != nil {
			return nil, err
		}
	}
	if err := b.UpdateShadows(); err != nil {
		return nil, err
	}
	return addrs, nil
}

func kindOf(err error) errors.Kind {
	if e, ok := err.(*errors.Error); ok {
		return e.Kind
	}
	return errors.KindInvalidData
}

// writePointer stores p's wire form in its owner's host bytes. An empty
// pointer whose slot already holds the sentinel is left alone.
func (b *Bridge) writePointer(c *Context, p *Pointer) error {
	v, err := p.owner.View()
	if err != nil {
		return err
	}
	size := b.target.AddressSize()
	kind := view.AddressKind(size)
	if p.target == nil {
		cur, err := v.Get(kind, p.offset)
		if err != nil {
			return err
		}
		if membridge.Address(cur) == b.sentinel {
			b.metrics.sentinels.Inc()
			b.log.Warn("sentinel address left in pointer slot",
				zap.String("type", p.owner.typ.Name),
				zap.String("path", p.path),
				zap.Stringer("addr", b.sentinel))
			return nil
		}
		if err := v.Set(kind, p.offset, 0); err != nil {
			return err
		}
	} else {
		addr, err := b.addressOf(c, p.target)
		if err != nil {
			return err
		}
		if err := v.Set(kind, p.offset, uint64(addr)); err != nil {
			return err
		}
	}
	if p.member.Type == layout.Slice {
		return v.Set(kind, p.offset+size, p.Len())
	}
	return nil
}

// AcquirePointerTargets re-resolves every pointer reachable from args after
// a call. Addresses foreign code left unchanged keep their targets; new
// ones resolve, in order, to context memory, linear memory, known fixed
// buffers and finally raw target memory.
func (b *Bridge) AcquirePointerTargets(args ...*Object) error {
	c, err := b.active(errors.PhaseExport)
	if err != nil {
		return err
	}
	if err := b.refresh(); err != nil {
		return err
	}
	clear(c.acquired)
	stack := append([]*Object(nil), args...)
	for len(stack) > 0 {
		obj := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if obj == nil {
			continue
		}
		for _, p := range obj.pointers {
			if _, seen := c.acquired[p]; seen {
				continue
			}
			c.acquired[p] = struct{}{}
			if err := b.acquirePointer(c, p); err != nil {
				return err
			}
			if p.target != nil {
				stack = append(stack, p.target)
			}
		}
	}
	return nil
}

func (b *Bridge) acquirePointer(c *Context, p *Pointer) error {
	v, err := p.owner.View()
	if err != nil {
		return err
	}
	size := b.target.AddressSize()
	kind := view.AddressKind(size)
	raw, err := v.Get(kind, p.offset)
	if err != nil {
		return err
	}
	count := uint64(1)
	if p.member.Type == layout.Slice {
		if count, err = v.Get(kind, p.offset+size); err != nil {
			return err
		}
	}
	obj, err := b.acquire(c, []string{p.owner.typ.Name, p.path}, membridge.Address(raw), p.member.Target, count, p.member.Optional, p.member.Type == layout.Slice)
	if err != nil {
		return err
	}
	p.target = obj
	return nil
}

func (b *Bridge) acquire(c *Context, path []string, addr membridge.Address, typ *layout.Struct, count uint64, optional, slice bool) (*Object, error) {
	switch {
	case addr == 0:
		if optional || (slice && count == 0) {
			return nil, nil
		}
		return nil, errors.NilPointer(errors.PhaseExport, path, typ.Name)
	case addr == b.sentinel:
		b.metrics.sentinels.Inc()
		b.log.Warn("sentinel address in pointer slot", zap.Strings("path", path), zap.Stringer("addr", addr))
		if b.cfg.StrictSentinel || !optional {
			return nil, errors.InvalidAddress(errors.PhaseExport, path, uint64(addr))
		}
		return nil, nil
	}

	length, err := byteLength(errors.PhaseExport, typ, count)
	if err != nil || !b.spans(addr, length) {
		return nil, errors.New(errors.PhaseExport, errors.KindSizeMismatch).
			Path(path...).
			Type(typ.Name).
			Value(count).
			Detail("%d elements at %s do not fit the address space", count, addr).
			Build()
	}
	v, err := b.resolve(c, addr, length)
	if err != nil {
		if optional {
			b.log.Debug("optional pointer left empty", zap.Strings("path", path), zap.Error(err))
			return nil, nil
		}
		return nil, errors.New(errors.PhaseExport, errors.KindAddressResolution).
			Path(path...).
			Type(typ.Name).
			Value(uint64(addr)).
			Cause(err).
			Detail("cannot resolve %s (%d bytes)", addr, length).
			Build()
	}
	if _, known := b.objects[v]; !known {
		b.metrics.acquired.Inc()
	}
	return b.ObjectAt(v, typ, count)
}

// spans reports whether [addr, addr+length) lies inside the target's
// address space.
func (b *Bridge) spans(addr membridge.Address, length uint64) bool {
	limit := uint64(math.MaxUint64)
	if size := b.target.AddressSize(); size < 8 {
		limit = 1<<(8*size) - 1
	}
	if uint64(addr) > limit {
		return false
	}
	return length == 0 || length-1 <= limit-uint64(addr)
}

// resolve finds the host view of a foreign range.
func (b *Bridge) resolve(c *Context, addr membridge.Address, length uint64) (*view.View, error) {
	if v, err := b.findIn(c, addr, length); err != nil || v != nil {
		return v, err
	}
	if b.linear != nil {
		buf, err := b.linearBuffer()
		if err != nil {
			return nil, err
		}
		if !buf.Contains(addr, length) {
			return nil, errors.AddressResolution(errors.PhaseExport, nil, uint64(addr), length)
		}
		return b.registry.Obtain(buf, uint64(addr), length)
	}
	if buf := b.findFixed(addr, length); buf != nil {
		return b.registry.Obtain(buf, uint64(addr-fixedAddr(buf)), length)
	}
	data, err := b.target.Region(addr, length)
	if err != nil {
		return nil, err
	}
	buf := view.NewFixedBuffer(data, addr)
	b.addFixed(buf)
	return b.registry.Obtain(buf, 0, length)
}

// Acquire returns the object for a foreign address received outside any
// pointer slot, such as a function result. It needs an active context.
func (b *Bridge) Acquire(addr membridge.Address, typ *layout.Struct, count uint64, optional bool) (*Object, error) {
	c, err := b.active(errors.PhaseExport)
	if err != nil {
		return nil, err
	}
	if err := b.refresh(); err != nil {
		return nil, err
	}
	obj, err := b.acquire(c, []string{"result"}, addr, typ, count, optional, false)
	if err != nil || obj == nil {
		return obj, err
	}
	return obj, b.AcquirePointerTargets(obj)
}

// Invoke performs the foreign call. It receives the address of every
// argument object and returns the raw results.
type Invoke func(ctx context.Context, addrs []membridge.Address) ([]uint64, error)

// Return asks Call to turn a raw result into an object.
type Return struct {
	Type     *layout.Struct
	Result   int
	Count    uint64
	Optional bool
}

// Result is what a call produced.
type Result struct {
	Values  []uint64
	Objects []*Object
}

// Call runs invoke inside a fresh context: pointers are rewritten and
// shadows flushed before, shadows copied back and pointers acquired after.
// The context is closed on every exit path, including panics in invoke.
func (b *Bridge) Call(ctx context.Context, args []*Object, invoke Invoke, returns ...Return) (Result, error) {
	c := b.StartContext(ctx)
	defer b.endContext(c)

	addrs, err := b.UpdatePointerAddresses(args...)
	if err != nil {
		return Result{}, err
	}
	vals, err := invoke(c.ctx, addrs)
	if err != nil {
		return Result{}, errors.Wrap(errors.PhaseRuntime, errors.KindTrap, err, "foreign call")
	}
	if err := b.UpdateShadowTargets(); err != nil {
		return Result{}, err
	}
	if err := b.AcquirePointerTargets(args...); err != nil {
		return Result{}, err
	}

	res := Result{Values: vals}
	for _, r := range returns {
		if r.Result < 0 || r.Result >= len(vals) {
			return res, errors.InvalidInput(errors.PhaseExport, "return index out of range")
		}
		addr := membridge.Address(vals[r.Result])
		if b.target.AddressSize() == 4 {
			addr = membridge.Address(uint32(addr))
		}
		count := r.Count
		if count == 0 {
			count = 1
		}
		obj, err := b.Acquire(addr, r.Type, count, r.Optional)
		if err != nil {
			return res, err
		}
		res.Objects = append(res.Objects, obj)
	}
	return res, nil
}
