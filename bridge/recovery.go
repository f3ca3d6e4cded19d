package bridge

import (
	"go.uber.org/zap"

	membridge "github.com/wippyai/wasm-membridge"
	"github.com/wippyai/wasm-membridge/errors"
	"github.com/wippyai/wasm-membridge/view"
)

// linearBuffer returns the buffer over the whole linear memory at the
// current generation, replacing and rebinding a stale one.
func (b *Bridge) linearBuffer() (*view.Buffer, error) {
	if b.linearBuf != nil && b.linearBuf.Live() {
		return b.linearBuf, nil
	}
	data, err := b.linear.Region(0, b.linear.Size())
	if err != nil {
		return nil, errors.Wrap(errors.PhaseRecover, errors.KindDetachedBuffer, err, "map linear memory")
	}
	buf := view.NewFixedBuffer(data, 0).Track(b.linear)
	old := b.linearBuf
	b.linearBuf = buf
	if old != nil {
		if err := b.rebindAll(old, buf); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

// refresh replaces the linear buffer if the guest grew its memory.
func (b *Bridge) refresh() error {
	if b.linear == nil {
		return nil
	}
	_, err := b.linearBuffer()
	return err
}

// rebindAll moves every object, shadow and memory record on old onto buf,
// keeping offsets, then drops old from the registry.
func (b *Bridge) rebindAll(old, buf *view.Buffer) error {
	rebind := func(v *view.View) (*view.View, error) {
		if v == nil || v.Buffer() != old {
			return v, nil
		}
		return b.registry.Rebind(v, buf)
	}

	var stale []*view.View
	for v := range b.objects {
		if v.Buffer() == old {
			stale = append(stale, v)
		}
	}
	for _, v := range stale {
		obj := b.objects[v]
		nv, err := rebind(v)
		if err != nil {
			return err
		}
		delete(b.objects, v)
		b.objects[nv] = obj
		if obj.view == v {
			obj.view = nv
		}
	}

	moved := len(stale)
	for _, c := range b.contexts {
		for src, s := range c.bySource {
			if src.Buffer() != old {
				continue
			}
			ns, err := rebind(src)
			if err != nil {
				return err
			}
			delete(c.bySource, src)
			c.bySource[ns] = s
			s.source = ns
		}
		for _, g := range c.groups {
			var err error
			if g.src, err = rebind(g.src); err != nil {
				return err
			}
			if g.dst, err = rebind(g.dst); err != nil {
				return err
			}
			if g.buf == old {
				g.buf = buf
			}
			for _, m := range g.members {
				if m.view, err = rebind(m.view); err != nil {
					return err
				}
			}
			moved++
		}
		for i := range c.memory {
			var err error
			if c.memory[i].view, err = rebind(c.memory[i].view); err != nil {
				return err
			}
		}
	}
	b.registry.Invalidate(old)

	b.metrics.recoveries.Add(float64(moved))
	b.log.Debug("linear memory replaced",
		zap.Uint64("generation", buf.Generation()),
		zap.Uint64("size", buf.Len()),
		zap.Int("rebound", moved))
	return nil
}

// Heal returns a live view of the same range as v. Views over a replaced
// linear memory buffer are rebound; any other dead view is an error.
func (b *Bridge) Heal(v *view.View) (*view.View, error) {
	if v.Live() {
		return v, nil
	}
	if b.linear == nil || v.Buffer().Source() != membridge.Generation(b.linear) {
		_, err := v.Bytes()
		return nil, errors.Wrap(errors.PhaseRecover, errors.KindDetachedBuffer, err, "view is not over linear memory")
	}
	buf, err := b.linearBuffer()
	if err != nil {
		return nil, err
	}
	if v.Offset() > buf.Len() || v.Len() > buf.Len()-v.Offset() {
		return nil, errors.OutOfBounds(errors.PhaseRecover, v.Offset(), v.Len(), buf.Len())
	}
	nv, err := b.registry.Rebind(v, buf)
	if err != nil {
		return nil, err
	}
	b.metrics.recoveries.Inc()
	return nv, nil
}
