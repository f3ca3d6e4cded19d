// Package view provides bounded windows over byte buffers and a registry that
// keeps them unique.
//
// A Buffer is a byte slice tagged with a memory class (fixed or relocatable)
// and, for fixed memory, the foreign address of its first byte. A View is an
// (offset, length) window over a buffer with little-endian scalar and
// bit-field accessors.
//
// # Identity
//
// The Registry guarantees that two requests for the same (buffer, offset,
// length) return the same *View. Callers compare views with ==, and the
// bridge relies on that to recognise pointers it has already processed:
//
//	reg := view.NewRegistry()
//	a, _ := reg.Obtain(buf, 16, 8)
//	b, _ := reg.Obtain(buf, 16, 8)
//	// a == b
//
// # Liveness
//
// A buffer built over WebAssembly linear memory records the memory
// generation it was captured at. When the memory grows the generation
// changes and every accessor on views of the old buffer fails with a
// detached_buffer error instead of reading the stale slice. The bridge
// heals such views by rebinding them onto the current buffer.
package view
