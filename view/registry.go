package view

import "strconv"

// entry holds the views of one buffer. Most buffers only ever get one view,
// so the map is created on the second distinct range.
type entry struct {
	single *View
	multi  map[string]*View
}

func rangeKey(offset, length uint64) string {
	return strconv.FormatUint(offset, 10) + ":" + strconv.FormatUint(length, 10)
}

// Registry deduplicates views so that one byte range of one buffer always
// resolves to the same *View. A registry belongs to one bridge and is not
// safe for concurrent use.
type Registry struct {
	entries map[*Buffer]*entry
	views   int
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[*Buffer]*entry)}
}

// Lookup returns the canonical view for the range, if one exists.
func (r *Registry) Lookup(buf *Buffer, offset, length uint64) (*View, bool) {
	e := r.entries[buf]
	if e == nil {
		return nil, false
	}
	if e.multi != nil {
		v, ok := e.multi[rangeKey(offset, length)]
		return v, ok
	}
	if e.single != nil && e.single.offset == offset && e.single.length == length {
		return e.single, true
	}
	return nil, false
}

// Obtain returns the canonical view for (buf, offset, length), creating it
// on first request. A view over fixed memory carries the buffer's address
// plus offset.
func (r *Registry) Obtain(buf *Buffer, offset, length uint64) (*View, error) {
	if v, ok := r.Lookup(buf, offset, length); ok {
		return v, nil
	}
	v, err := New(buf, offset, length)
	if err != nil {
		return nil, err
	}
	r.insert(v)
	return v, nil
}

// Register adopts an externally built view. If the range already has a
// canonical view, that one is returned and v is discarded.
func (r *Registry) Register(v *View) *View {
	if existing, ok := r.Lookup(v.buf, v.offset, v.length); ok {
		return existing
	}
	r.insert(v)
	return v
}

func (r *Registry) insert(v *View) {
	r.views++
	e := r.entries[v.buf]
	if e == nil {
		r.entries[v.buf] = &entry{single: v}
		return
	}
	if e.multi == nil {
		e.multi = make(map[string]*View, 2)
		if e.single != nil {
			e.multi[rangeKey(e.single.offset, e.single.length)] = e.single
			e.single = nil
		}
	}
	e.multi[rangeKey(v.offset, v.length)] = v
}

// Drop removes v from the cache if it is the canonical view of its range.
func (r *Registry) Drop(v *View) {
	e := r.entries[v.buf]
	if e == nil {
		return
	}
	if e.multi != nil {
		key := rangeKey(v.offset, v.length)
		if e.multi[key] == v {
			delete(e.multi, key)
			r.views--
		}
		if len(e.multi) == 0 {
			delete(r.entries, v.buf)
		}
		return
	}
	if e.single == v {
		delete(r.entries, v.buf)
		r.views--
	}
}

// Invalidate drops every view of buf. Used when the buffer is freed or
// replaced.
func (r *Registry) Invalidate(buf *Buffer) {
	e := r.entries[buf]
	if e == nil {
		return
	}
	if e.multi != nil {
		r.views -= len(e.multi)
	} else if e.single != nil {
		r.views--
	}
	delete(r.entries, buf)
}

// Rebind replaces a stale view with the canonical view of the same range on
// buf. The stale entry is dropped; the returned view keeps the stale view's
// address, which must agree with buf's.
func (r *Registry) Rebind(stale *View, buf *Buffer) (*View, error) {
	r.Drop(stale)
	v, err := r.Obtain(buf, stale.offset, stale.length)
	if err != nil {
		return nil, err
	}
	if addr, ok := stale.Address(); ok {
		if err := v.AttachAddress(addr); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// Buffers returns the number of buffers with at least one view.
func (r *Registry) Buffers() int { return len(r.entries) }

// Views returns the number of cached views.
func (r *Registry) Views() int { return r.views }
