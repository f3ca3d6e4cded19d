package bridge

import (
	"context"
	"fmt"
	"sort"
	"unsafe"

	"go.uber.org/zap"

	membridge "github.com/wippyai/wasm-membridge"
	"github.com/wippyai/wasm-membridge/errors"
	"github.com/wippyai/wasm-membridge/view"
)

// IsMisaligned reports whether addr is not a multiple of align. Alignments
// of 0 and 1 never misalign. The check is done on the full 64 bits, so
// 32-bit and 64-bit addresses behave the same.
func IsMisaligned(addr membridge.Address, align uint64) bool {
	if align <= 1 {
		return false
	}
	return uint64(addr)&(align-1) != 0
}

// alignPad returns how many bytes to skip from addr to reach align.
func alignPad(addr, align uint64) uint64 {
	if align <= 1 {
		return 0
	}
	return (align - addr&(align-1)) & (align - 1)
}

func checkAlign(align uint64) (uint64, error) {
	if align == 0 {
		return 1, nil
	}
	if align&(align-1) != 0 {
		return 0, errors.InvalidInput(errors.PhaseAlloc, fmt.Sprintf("alignment %d is not a power of two", align))
	}
	return align, nil
}

// AllocateRelocatable returns a view over fresh Go memory. When align
// exceeds the natural alignment the slice is over-allocated and the view
// starts at the first aligned byte.
func (b *Bridge) AllocateRelocatable(length, align uint64) (*view.View, error) {
	align, err := checkAlign(align)
	if err != nil {
		return nil, err
	}
	size := length
	padded := align > b.cfg.NaturalAlign
	if padded {
		size += align
	}
	data := make([]byte, size)
	off := uint64(0)
	if padded {
		off = alignPad(uint64(uintptr(unsafe.Pointer(unsafe.SliceData(data)))), align)
	}
	return b.registry.Obtain(view.NewBuffer(data, membridge.Relocatable), off, length)
}

// FreeRelocatable drops every view of v's buffer. Later access through any
// of them fails.
func (b *Bridge) FreeRelocatable(v *view.View) error {
	buf := v.Buffer()
	if buf.Class() != membridge.Relocatable {
		return errors.InvalidInput(errors.PhaseAlloc, "FreeRelocatable on fixed memory")
	}
	delete(b.objects, v)
	b.registry.Invalidate(buf)
	buf.Release()
	return nil
}

// AllocateFixed returns a view over target memory with its address
// attached. The address is a multiple of align even when the target only
// guarantees its natural alignment.
func (b *Bridge) AllocateFixed(ctx context.Context, length, align uint64) (*view.View, error) {
	return b.allocateFixed(ctx, length, align, false)
}

// AllocateShadow is AllocateFixed for short-lived shadow memory. Blocks
// freed with FreeShadow are reused.
func (b *Bridge) AllocateShadow(ctx context.Context, length, align uint64) (*view.View, error) {
	return b.allocateFixed(ctx, length, align, true)
}

func (b *Bridge) allocateFixed(ctx context.Context, length, align uint64, shadow bool) (*view.View, error) {
	align, err := checkAlign(align)
	if err != nil {
		return nil, err
	}
	size := max(length, 1)
	if align > b.target.NaturalAlign() {
		size += align
	}

	var (
		blk Allocation
		hit bool
	)
	if shadow {
		blk, hit = b.takePooledAt(length, align, 0)
	}
	if hit {
		b.metrics.poolHits.Inc()
	} else {
		addr, err := b.target.Alloc(ctx, size, align)
		if err != nil {
			return nil, err
		}
		blk = Allocation{Addr: addr, Size: size, Align: align}
	}

	start := blk.Addr + membridge.Address(alignPad(uint64(blk.Addr), align))
	v, err := b.fixedView(blk, start, length, !shadow)
	if err != nil {
		b.target.Free(ctx, blk.Addr, blk.Size, blk.Align)
		return nil, err
	}
	b.allocs[start] = blk
	return v, nil
}

// fixedView maps [start, start+length) of blk to a view.
func (b *Bridge) fixedView(blk Allocation, start membridge.Address, length uint64, index bool) (*view.View, error) {
	if b.linear != nil {
		buf, err := b.linearBuffer()
		if err != nil {
			return nil, err
		}
		return b.registry.Obtain(buf, uint64(start), length)
	}
	data, err := b.target.Region(blk.Addr, blk.Size)
	if err != nil {
		return nil, err
	}
	buf := view.NewFixedBuffer(data, blk.Addr)
	if index {
		b.addFixed(buf)
	}
	return b.registry.Obtain(buf, uint64(start-blk.Addr), length)
}

// FreeFixed returns the block behind v to the target.
func (b *Bridge) FreeFixed(ctx context.Context, v *view.View) error {
	blk, err := b.detach(v)
	if err != nil {
		return err
	}
	b.target.Free(ctx, blk.Addr, blk.Size, blk.Align)
	return nil
}

// FreeShadow releases v's block into the reuse pool, or to the target when
// the pool is full.
func (b *Bridge) FreeShadow(ctx context.Context, v *view.View) error {
	blk, err := b.detach(v)
	if err != nil {
		return err
	}
	b.releaseBlock(ctx, blk)
	return nil
}

func (b *Bridge) releaseBlock(ctx context.Context, blk Allocation) {
	if len(b.pool) < b.cfg.ShadowPoolSize {
		b.pool = append(b.pool, blk)
		return
	}
	b.target.Free(ctx, blk.Addr, blk.Size, blk.Align)
}

// detach forgets v and the bookkeeping for its block.
func (b *Bridge) detach(v *view.View) (Allocation, error) {
	addr, ok := v.Address()
	if !ok {
		return Allocation{}, errors.InvalidInput(errors.PhaseAlloc, "view has no fixed address")
	}
	blk, ok := b.allocs[addr]
	if !ok {
		return Allocation{}, errors.InvalidInput(errors.PhaseAlloc, fmt.Sprintf("no allocation at %s", addr))
	}
	delete(b.allocs, addr)
	delete(b.objects, v)

	buf := v.Buffer()
	if buf == b.linearBuf || (b.linear != nil && buf.Source() == membridge.Generation(b.linear)) {
		b.registry.Drop(v)
		return blk, nil
	}
	b.removeFixed(buf)
	b.registry.Invalidate(buf)
	buf.Release()
	return blk, nil
}

// GetAddress returns the fixed address of buf's first byte. Relocatable
// buffers have none. The linear memory buffer is at address zero.
func (b *Bridge) GetAddress(buf *view.Buffer) (membridge.Address, bool) {
	return buf.Address()
}

// GetViewAddress returns the address of v's first byte, attaching it to v
// the first time it is derived.
func (b *Bridge) GetViewAddress(v *view.View) (membridge.Address, bool) {
	if addr, ok := v.Address(); ok {
		return addr, true
	}
	base, ok := b.GetAddress(v.Buffer())
	if !ok {
		return 0, false
	}
	addr := base + membridge.Address(v.Offset())
	if err := v.AttachAddress(addr); err != nil {
		b.log.Error("view address conflict", zap.Error(err))
		return 0, false
	}
	return addr, true
}

func fixedAddr(buf *view.Buffer) membridge.Address {
	addr, _ := buf.Address()
	return addr
}

func (b *Bridge) addFixed(buf *view.Buffer) {
	addr := fixedAddr(buf)
	i := sort.Search(len(b.fixed), func(i int) bool { return fixedAddr(b.fixed[i]) >= addr })
	b.fixed = append(b.fixed, nil)
	copy(b.fixed[i+1:], b.fixed[i:])
	b.fixed[i] = buf
}

func (b *Bridge) removeFixed(buf *view.Buffer) {
	addr := fixedAddr(buf)
	i := sort.Search(len(b.fixed), func(i int) bool { return fixedAddr(b.fixed[i]) >= addr })
	for ; i < len(b.fixed) && fixedAddr(b.fixed[i]) == addr; i++ {
		if b.fixed[i] == buf {
			b.fixed = append(b.fixed[:i], b.fixed[i+1:]...)
			return
		}
	}
}

// findFixed returns the indexed buffer holding [addr, addr+length).
func (b *Bridge) findFixed(addr membridge.Address, length uint64) *view.Buffer {
	i := sort.Search(len(b.fixed), func(i int) bool { return fixedAddr(b.fixed[i]) > addr }) - 1
	if i >= 0 && b.fixed[i].Contains(addr, length) {
		return b.fixed[i]
	}
	return nil
}

// FixedBuffers returns the number of indexed native buffers.
func (b *Bridge) FixedBuffers() int { return len(b.fixed) }
