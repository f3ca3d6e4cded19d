package bridge

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	membridge "github.com/wippyai/wasm-membridge"
	"github.com/wippyai/wasm-membridge/errors"
	"github.com/wippyai/wasm-membridge/view"
)

// memoryRecord maps a foreign address range to the host view it stands for.
// For shadows the view is the source range, not the shadow copy.
type memoryRecord struct {
	view   *view.View
	group  *shadowGroup
	addr   membridge.Address
	length uint64
}

func (r *memoryRecord) contains(addr membridge.Address, length uint64) bool {
	if addr < r.addr {
		return false
	}
	off := uint64(addr - r.addr)
	return off <= r.length && length <= r.length-off
}

// allocationList collects blocks that must stay allocated until the
// context ends.
type allocationList struct {
	blocks []Allocation
}

var allocationListPool = sync.Pool{
	New: func() any {
		return &allocationList{blocks: make([]Allocation, 0, 8)}
	},
}

const maxPooledAllocationCapacity = 128

func newAllocationList() *allocationList {
	return allocationListPool.Get().(*allocationList)
}

func (al *allocationList) add(blk Allocation) {
	al.blocks = append(al.blocks, blk)
}

// release returns the list to the pool. The list is invalid afterwards.
func (al *allocationList) release() {
	if cap(al.blocks) > maxPooledAllocationCapacity {
		return
	}
	al.blocks = al.blocks[:0]
	allocationListPool.Put(al)
}

// Context scopes one foreign call. Contexts nest; only the innermost one is
// active.
type Context struct {
	ctx       context.Context
	bySource  map[*view.View]*shadow
	rewritten map[*Pointer]struct{}
	acquired  map[*Pointer]struct{}
	retired   *allocationList
	memory    []memoryRecord // sorted by addr
	groups    []*shadowGroup // sorted by addr
	depth     int
	ended     bool
}

// Depth is the nesting level, starting at 1 for the outermost context.
func (c *Context) Depth() int { return c.depth }

// Shadows returns the number of live shadow records.
func (c *Context) Shadows() int { return len(c.bySource) }

// Groups returns the number of shadow blocks backing those records.
func (c *Context) Groups() int { return len(c.groups) }

// Imported returns the number of address ranges known to the context.
func (c *Context) Imported() int { return len(c.memory) }

// StartContext pushes a new call context and makes it active.
func (b *Bridge) StartContext(ctx context.Context) *Context {
	if ctx == nil {
		ctx = context.Background()
	}
	c := &Context{
		ctx:       ctx,
		bySource:  make(map[*view.View]*shadow),
		rewritten: make(map[*Pointer]struct{}),
		acquired:  make(map[*Pointer]struct{}),
		retired:   newAllocationList(),
		depth:     len(b.contexts) + 1,
	}
	b.contexts = append(b.contexts, c)
	b.metrics.contexts.Inc()
	b.metrics.contextDepth.Set(float64(len(b.contexts)))
	b.log.Debug("context started", zap.Int("depth", c.depth))
	return c
}

// EndContext pops the active context, releasing its shadows. Views stay in
// the registry.
func (b *Bridge) EndContext() {
	if n := len(b.contexts); n > 0 {
		b.endContext(b.contexts[n-1])
	}
}

// endContext pops contexts down to and including c. Inner contexts left
// open by a panicking callback are closed on the way.
func (b *Bridge) endContext(c *Context) {
	if c.ended {
		return
	}
	for len(b.contexts) > 0 {
		top := b.contexts[len(b.contexts)-1]
		b.releaseShadows(top)
		top.ended = true
		top.retired.release()
		top.retired = nil
		top.memory = nil
		top.rewritten = nil
		top.acquired = nil
		b.contexts = b.contexts[:len(b.contexts)-1]
		b.log.Debug("context ended", zap.Int("depth", top.depth))
		if top == c {
			break
		}
	}
	b.metrics.contextDepth.Set(float64(len(b.contexts)))
}

// Active returns the innermost open context, or nil.
func (b *Bridge) Active() *Context {
	if n := len(b.contexts); n > 0 {
		return b.contexts[n-1]
	}
	return nil
}

// Depth returns the number of open contexts.
func (b *Bridge) Depth() int { return len(b.contexts) }

func (b *Bridge) active(phase errors.Phase) (*Context, error) {
	c := b.Active()
	if c == nil {
		return nil, errors.NotInitialized(phase, "call context")
	}
	return c, nil
}

// ImportMemory records that v's bytes are visible to the active call and
// returns their address. Importing the same address twice keeps one record.
func (b *Bridge) ImportMemory(v *view.View) (membridge.Address, error) {
	c, err := b.active(errors.PhaseContext)
	if err != nil {
		return 0, err
	}
	addr, ok := b.GetViewAddress(v)
	if !ok {
		return 0, errors.New(errors.PhaseImport, errors.KindAddressResolution).
			Detail("relocatable memory cannot be imported; it needs a shadow").
			Build()
	}
	c.insertMemory(memoryRecord{view: v, addr: addr, length: v.Len()})
	return addr, nil
}

func (c *Context) insertMemory(rec memoryRecord) {
	i := sort.Search(len(c.memory), func(i int) bool { return c.memory[i].addr >= rec.addr })
	for j := i; j < len(c.memory) && c.memory[j].addr == rec.addr; j++ {
		if c.memory[j].group == nil && rec.group == nil {
			if rec.length > c.memory[j].length {
				c.memory[j] = rec
			}
			return
		}
	}
	c.memory = append(c.memory, memoryRecord{})
	copy(c.memory[i+1:], c.memory[i:])
	c.memory[i] = rec
}

func (c *Context) removeGroupMemory(g *shadowGroup) {
	for i := range c.memory {
		if c.memory[i].group == g {
			c.memory = append(c.memory[:i], c.memory[i+1:]...)
			return
		}
	}
}

// FindMemory resolves a foreign address range to a host view through the
// active context: imported fixed memory, or the source of a shadow. It
// returns nil for addresses the context has not seen.
func (b *Bridge) FindMemory(addr membridge.Address, length uint64) *view.View {
	c := b.Active()
	if c == nil {
		return nil
	}
	v, err := b.findIn(c, addr, length)
	if err != nil {
		b.log.Debug("find memory", zap.Stringer("addr", addr), zap.Error(err))
		return nil
	}
	return v
}

func (b *Bridge) findIn(c *Context, addr membridge.Address, length uint64) (*view.View, error) {
	i := sort.Search(len(c.memory), func(i int) bool { return c.memory[i].addr > addr })
	// records are sorted by start; an earlier, longer record may still cover
	// addr when imported ranges overlap
	for i--; i >= 0; i-- {
		rec := &c.memory[i]
		if !rec.contains(addr, length) {
			continue
		}
		off := uint64(addr - rec.addr)
		if off == 0 && length == rec.length {
			return rec.view, nil
		}
		return b.registry.Obtain(rec.view.Buffer(), rec.view.Offset()+off, length)
	}
	return nil, nil
}
