package membridge

import (
	"context"
	"fmt"
)

// Address identifies a location in the foreign address space. 32-bit
// targets use the low half only.
type Address uint64

func (a Address) String() string {
	return fmt.Sprintf("0x%x", uint64(a))
}

// Class tells where a buffer lives. It is decided at allocation and never
// changes for that buffer.
type Class uint8

const (
	// Relocatable memory is owned by the Go heap. Its address is unknown to
	// foreign code and must be shadowed to cross a call boundary.
	Relocatable Class = iota
	// Fixed memory has a stable address supplied by the foreign allocator.
	Fixed
)

func (c Class) String() string {
	switch c {
	case Fixed:
		return "fixed"
	case Relocatable:
		return "relocatable"
	default:
		return fmt.Sprintf("class(%d)", uint8(c))
	}
}

// Target is the foreign side of the bridge: its allocator and its view of
// fixed memory.
type Target interface {
	// Name identifies the target in logs and metrics ("native", "wasm32").
	Name() string

	// AddressSize is the width of a pointer on the wire: 4 or 8.
	AddressSize() uint64

	// NaturalAlign is the alignment every Alloc result already satisfies.
	NaturalAlign() uint64

	// Alloc obtains size bytes of fixed memory.
	Alloc(ctx context.Context, size, align uint64) (Address, error)

	// Free returns memory obtained from Alloc.
	Free(ctx context.Context, addr Address, size, align uint64)

	// Region returns the bytes backing [addr, addr+length). The slice is
	// only valid while Generation is unchanged.
	Region(addr Address, length uint64) ([]byte, error)

	// Generation changes whenever slices returned by Region become invalid,
	// which happens when WebAssembly linear memory grows. Native targets
	// return a constant.
	Generation() uint64
}

// Allocator allocates memory on the foreign side.
type Allocator interface {
	Alloc(ctx context.Context, size, align uint64) (Address, error)
	Free(ctx context.Context, addr Address, size, align uint64)
}

// Generation is implemented by anything whose byte slices can be replaced
// underneath its readers.
type Generation interface {
	Generation() uint64
}

// Linear is implemented by targets whose whole address space is one byte
// range starting at address zero, such as WebAssembly linear memory.
type Linear interface {
	Target

	// Size is the current length of the address space in bytes.
	Size() uint64
}
