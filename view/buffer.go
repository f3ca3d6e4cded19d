package view

import (
	membridge "github.com/wippyai/wasm-membridge"
	"github.com/wippyai/wasm-membridge/errors"
)

// Buffer is a byte slice with a memory class and, once known, the foreign
// address of its first byte.
type Buffer struct {
	source  membridge.Generation
	data    []byte
	gen     uint64
	addr    membridge.Address
	class   membridge.Class
	hasAddr bool
	freed   bool
}

// NewBuffer wraps data as relocatable or fixed memory without an address.
func NewBuffer(data []byte, class membridge.Class) *Buffer {
	return &Buffer{data: data, class: class}
}

// NewFixedBuffer wraps fixed memory whose first byte lives at addr.
func NewFixedBuffer(data []byte, addr membridge.Address) *Buffer {
	return &Buffer{data: data, class: membridge.Fixed, addr: addr, hasAddr: true}
}

// Track ties the buffer's liveness to src. The buffer is live only while
// src reports the generation observed here.
func (b *Buffer) Track(src membridge.Generation) *Buffer {
	b.source = src
	b.gen = src.Generation()
	return b
}

func (b *Buffer) Class() membridge.Class { return b.class }

func (b *Buffer) Len() uint64 { return uint64(len(b.data)) }

// Bytes returns the backing slice without a liveness check.
func (b *Buffer) Bytes() []byte { return b.data }

// Source returns what the buffer's liveness is tied to, or nil.
func (b *Buffer) Source() membridge.Generation { return b.source }

// Generation returns the generation the buffer was captured at.
func (b *Buffer) Generation() uint64 { return b.gen }

// Live reports whether the backing slice is still the current one.
func (b *Buffer) Live() bool {
	return !b.freed && (b.source == nil || b.source.Generation() == b.gen)
}

func (b *Buffer) check() error {
	if b.freed {
		return errors.New(errors.PhaseRuntime, errors.KindDetachedBuffer).Detail("buffer was freed").Build()
	}
	if b.source != nil {
		if cur := b.source.Generation(); cur != b.gen {
			return errors.DetachedBuffer(b.gen, cur)
		}
	}
	return nil
}

// Address returns the foreign address of the first byte, if known.
func (b *Buffer) Address() (membridge.Address, bool) {
	return b.addr, b.hasAddr
}

// SetAddress attaches the foreign address. Attaching a different address
// than the one already set is an invariant violation.
func (b *Buffer) SetAddress(addr membridge.Address) error {
	if b.class != membridge.Fixed {
		return errors.Invariant(errors.PhaseRuntime, "cannot attach address %s to relocatable buffer", addr)
	}
	if b.hasAddr {
		if b.addr != addr {
			return errors.Invariant(errors.PhaseRuntime, "buffer address %s re-derived as %s", b.addr, addr)
		}
		return nil
	}
	b.addr = addr
	b.hasAddr = true
	return nil
}

// Release marks the buffer as freed. Views over it stop working.
func (b *Buffer) Release() {
	b.freed = true
	b.data = nil
}

// Contains reports whether [addr, addr+length) lies inside the buffer.
func (b *Buffer) Contains(addr membridge.Address, length uint64) bool {
	if !b.hasAddr || addr < b.addr {
		return false
	}
	off := uint64(addr - b.addr)
	return off <= b.Len() && length <= b.Len()-off
}
