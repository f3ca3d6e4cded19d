package bridge

import (
	"context"
	"sort"

	"go.uber.org/zap"

	membridge "github.com/wippyai/wasm-membridge"
	"github.com/wippyai/wasm-membridge/errors"
	"github.com/wippyai/wasm-membridge/view"
)

// shadow is a fixed copy of one host view for the duration of a context.
type shadow struct {
	source   *view.View
	view     *view.View
	group    *shadowGroup
	addr     membridge.Address
	length   uint64
	align    uint64
	writable bool
}

// shadowGroup is one fixed block shared by shadows whose sources overlap
// in the same buffer. src covers the union of the member ranges.
type shadowGroup struct {
	buf      *view.Buffer
	src      *view.View
	dst      *view.View
	members  []*shadow
	block    Allocation
	addr     membridge.Address
	start    uint64
	end      uint64
	writable bool
}

// CreateShadow gives src a fixed copy in the active context and returns the
// copy's view. A source already shadowed in this context keeps its shadow
// unless the new alignment forces it to move.
func (b *Bridge) CreateShadow(src *view.View, align uint64) (*view.View, error) {
	c, err := b.active(errors.PhaseContext)
	if err != nil {
		return nil, err
	}
	s, err := b.createShadow(c, src, align, true)
	if err != nil {
		return nil, err
	}
	return s.view, nil
}

// ShadowOf returns the shadow view of src in the active context.
func (b *Bridge) ShadowOf(src *view.View) (*view.View, bool) {
	c := b.Active()
	if c == nil {
		return nil, false
	}
	s, ok := c.bySource[src]
	if !ok {
		return nil, false
	}
	return s.view, true
}

func (b *Bridge) createShadow(c *Context, src *view.View, align uint64, writable bool) (*shadow, error) {
	align, err := checkAlign(align)
	if err != nil {
		return nil, err
	}
	if err := b.refresh(); err != nil {
		return nil, err
	}
	if !src.Live() {
		if src, err = b.Heal(src); err != nil {
			return nil, err
		}
	}

	s := c.bySource[src]
	fresh := s == nil
	if !fresh {
		if writable && !s.writable {
			s.writable = true
			s.group.writable = true
		}
		if !IsMisaligned(s.addr, align) {
			return s, nil
		}
		s.align = align
	} else {
		s = &shadow{source: src, length: src.Len(), align: align, writable: writable}
	}

	buf := src.Buffer()
	start, end := src.Offset(), src.Offset()+src.Len()
	var merged []*shadowGroup
	for grew := true; grew; {
		grew = false
		for _, g := range c.groups {
			if g.buf != buf || containsGroup(merged, g) {
				continue
			}
			if g.start < end && start < g.end || g == s.group {
				merged = append(merged, g)
				start, end = min(start, g.start), max(end, g.end)
				grew = true
			}
		}
	}

	members := []*shadow{s}
	writableGroup := s.writable
	for _, g := range merged {
		for _, m := range g.members {
			if m != s {
				members = append(members, m)
			}
		}
		writableGroup = writableGroup || g.writable
	}

	g, err := b.placeGroup(c, buf, start, end, members)
	if err != nil {
		return nil, err
	}
	g.writable = writableGroup
	src = s.source

	for _, old := range merged {
		b.retireGroup(c, old)
	}
	c.insertGroup(g)
	c.insertMemory(memoryRecord{view: g.src, group: g, addr: g.addr, length: g.end - g.start})

	if fresh {
		b.metrics.shadowsCreated.Inc()
	}
	c.bySource[src] = s
	if len(merged) > 0 {
		b.metrics.shadowsMerged.Add(float64(len(merged)))
		b.log.Debug("shadow groups coalesced",
			zap.Int("merged", len(merged)),
			zap.Int("members", len(members)),
			zap.Stringer("addr", g.addr),
			zap.Uint64("length", end-start))
	} else {
		b.log.Debug("shadow created",
			zap.Stringer("addr", s.addr),
			zap.Uint64("length", s.length),
			zap.Uint64("align", s.align))
	}
	return s, nil
}

func containsGroup(gs []*shadowGroup, g *shadowGroup) bool {
	for _, x := range gs {
		if x == g {
			return true
		}
	}
	return false
}

// residue returns r such that placing the group's first byte at an address
// congruent to r modulo the largest member alignment aligns every member.
func residue(start uint64, members []*shadow) (r, maxAlign uint64, ok bool) {
	maxAlign = 1
	var anchor *shadow
	for _, m := range members {
		if m.align > maxAlign {
			maxAlign = m.align
			anchor = m
		}
	}
	if anchor == nil {
		return 0, 1, true
	}
	r = (maxAlign - (anchor.source.Offset()-start)&(maxAlign-1)) & (maxAlign - 1)
	for _, m := range members {
		if (r+m.source.Offset()-start)&(m.align-1) != 0 {
			return 0, maxAlign, false
		}
	}
	return r, maxAlign, true
}

// placeGroup allocates a block for buf[start:end], copies the source bytes
// in and re-derives every member's address and view.
func (b *Bridge) placeGroup(c *Context, buf *view.Buffer, start, end uint64, members []*shadow) (*shadowGroup, error) {
	r, maxAlign, ok := residue(start, members)
	if !ok {
		return nil, errors.New(errors.PhaseImport, errors.KindAlignment).
			Value(maxAlign).
			Detail("overlapping shadows over [%d, %d) have incompatible alignments", start, end).
			Build()
	}

	length := end - start
	size := max(length, 1)
	if maxAlign > b.target.NaturalAlign() || r != 0 {
		size += maxAlign
	}
	blk, hit := b.takePooledAt(length, maxAlign, r)
	if hit {
		b.metrics.poolHits.Inc()
	} else {
		addr, err := b.target.Alloc(c.ctx, size, maxAlign)
		if err != nil {
			return nil, err
		}
		blk = Allocation{Addr: addr, Size: size, Align: maxAlign}
	}
	// the guest allocator may have grown linear memory
	if err := b.refresh(); err != nil {
		b.releaseBlock(c.ctx, blk)
		return nil, err
	}
	if b.linear != nil && !buf.Live() && buf.Source() == membridge.Generation(b.linear) {
		buf = b.linearBuf
		for _, m := range members {
			if m.source.Live() {
				continue
			}
			healed, err := b.Heal(m.source)
			if err != nil {
				b.releaseBlock(c.ctx, blk)
				return nil, err
			}
			m.source = healed
		}
	}
	addr := blk.Addr + membridge.Address(residuePad(uint64(blk.Addr), maxAlign, r))

	g := &shadowGroup{buf: buf, block: blk, addr: addr, start: start, end: end, members: members}
	views := make([]*view.View, len(members))
	fail := func(err error) (*shadowGroup, error) {
		if g.dst != nil {
			if b.linear != nil {
				for _, v := range views {
					if v != nil {
						b.registry.Drop(v)
					}
				}
			}
			b.dropGroupViews(g)
		}
		b.releaseBlock(c.ctx, blk)
		return nil, err
	}

	var err error
	if g.src, err = b.registry.Obtain(buf, start, length); err != nil {
		return fail(err)
	}
	if g.dst, err = b.fixedView(blk, addr, length, false); err != nil {
		return fail(err)
	}
	for i, m := range members {
		off := m.source.Offset() - start
		if views[i], err = b.registry.Obtain(g.dst.Buffer(), g.dst.Offset()+off, m.length); err != nil {
			return fail(err)
		}
	}
	if err := copyView(g.dst, g.src); err != nil {
		return fail(err)
	}

	for i, m := range members {
		if m.view != nil && m.view != views[i] && b.linear != nil {
			b.registry.Drop(m.view)
		}
		m.group = g
		m.addr = addr + membridge.Address(m.source.Offset()-start)
		m.view = views[i]
	}
	b.metrics.shadowBytes.Add(float64(blk.Size))
	return g, nil
}

func residuePad(addr, align, r uint64) uint64 {
	return (r - addr&(align-1)) & (align - 1)
}

func (b *Bridge) takePooledAt(length, align, r uint64) (Allocation, bool) {
	for i, blk := range b.pool {
		if residuePad(uint64(blk.Addr), align, r)+max(length, 1) <= blk.Size {
			last := len(b.pool) - 1
			b.pool[i] = b.pool[last]
			b.pool = b.pool[:last]
			return blk, true
		}
	}
	return Allocation{}, false
}

// retireGroup unhooks a group superseded by a merge. Its block stays
// allocated until the context ends.
func (b *Bridge) retireGroup(c *Context, g *shadowGroup) {
	for i, x := range c.groups {
		if x == g {
			c.groups = append(c.groups[:i], c.groups[i+1:]...)
			break
		}
	}
	c.removeGroupMemory(g)
	b.dropGroupViews(g)
	c.retired.add(g.block)
}

func (b *Bridge) dropGroupViews(g *shadowGroup) {
	buf := g.dst.Buffer()
	if b.linear == nil {
		b.registry.Invalidate(buf)
		buf.Release()
		return
	}
	b.registry.Drop(g.dst)
}

func (c *Context) insertGroup(g *shadowGroup) {
	i := sort.Search(len(c.groups), func(i int) bool { return c.groups[i].addr >= g.addr })
	c.groups = append(c.groups, nil)
	copy(c.groups[i+1:], c.groups[i:])
	c.groups[i] = g
}

func copyView(dst, src *view.View) error {
	s, err := src.Bytes()
	if err != nil {
		return err
	}
	d, err := dst.Bytes()
	if err != nil {
		return err
	}
	copy(d, s)
	return nil
}

// UpdateShadows copies the current host bytes into every shadow of the
// active context.
func (b *Bridge) UpdateShadows() error {
	c, err := b.active(errors.PhaseImport)
	if err != nil {
		return err
	}
	if err := b.refresh(); err != nil {
		return err
	}
	for _, g := range c.groups {
		if err := copyView(g.dst, g.src); err != nil {
			return errors.Wrap(errors.PhaseImport, errors.KindDetachedBuffer, err, "flush shadow")
		}
	}
	return nil
}

// UpdateShadowTargets copies every writable shadow of the active context
// back into its host source.
func (b *Bridge) UpdateShadowTargets() error {
	c, err := b.active(errors.PhaseExport)
	if err != nil {
		return err
	}
	if err := b.refresh(); err != nil {
		return err
	}
	// groups over one buffer never overlap, so order only matters for
	// sources that alias through different buffers; go highest first
	for i := len(c.groups) - 1; i >= 0; i-- {
		g := c.groups[i]
		if !g.writable {
			continue
		}
		if err := copyView(g.src, g.dst); err != nil {
			return errors.Wrap(errors.PhaseExport, errors.KindDetachedBuffer, err, "copy back shadow")
		}
		if err := b.syncEnclosing(c, g); err != nil {
			return err
		}
	}
	return nil
}

// syncEnclosing copies the range g just wrote back into the shadows that
// enclosing contexts hold over the same bytes. Otherwise the outer call
// would see, and later copy back, bytes from before the nested call.
func (b *Bridge) syncEnclosing(c *Context, g *shadowGroup) error {
	for _, outer := range b.contexts[:c.depth-1] {
		for _, og := range outer.groups {
			if og.buf != g.buf || og.end <= g.start || g.end <= og.start {
				continue
			}
			src, err := og.src.Bytes()
			if err != nil {
				return errors.Wrap(errors.PhaseExport, errors.KindDetachedBuffer, err, "sync enclosing shadow")
			}
			dst, err := og.dst.Bytes()
			if err != nil {
				return errors.Wrap(errors.PhaseExport, errors.KindDetachedBuffer, err, "sync enclosing shadow")
			}
			lo, hi := max(og.start, g.start)-og.start, min(og.end, g.end)-og.start
			copy(dst[lo:hi], src[lo:hi])
			b.log.Debug("enclosing shadow synced",
				zap.Int("depth", outer.depth),
				zap.Stringer("addr", og.addr+membridge.Address(lo)),
				zap.Uint64("length", hi-lo))
		}
	}
	return nil
}

// ReleaseShadows frees every shadow of the active context. Calling it again
// is a no-op.
func (b *Bridge) ReleaseShadows() error {
	c, err := b.active(errors.PhaseContext)
	if err != nil {
		return err
	}
	b.releaseShadows(c)
	return nil
}

func (b *Bridge) releaseShadows(c *Context) {
	ctx := c.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	released := 0
	for _, g := range c.groups {
		c.removeGroupMemory(g)
		if b.linear != nil {
			for _, m := range g.members {
				b.registry.Drop(m.view)
			}
		}
		b.dropGroupViews(g)
		b.releaseBlock(ctx, g.block)
		b.metrics.shadowBytes.Sub(float64(g.block.Size))
		released += len(g.members)
	}
	if c.retired != nil {
		for _, blk := range c.retired.blocks {
			b.releaseBlock(ctx, blk)
			b.metrics.shadowBytes.Sub(float64(blk.Size))
		}
		c.retired.blocks = c.retired.blocks[:0]
	}
	c.groups = nil
	clear(c.bySource)
	if released > 0 {
		b.metrics.shadowsReleased.Add(float64(released))
		b.log.Debug("shadows released", zap.Int("count", released), zap.Int("depth", c.depth))
	}
}
