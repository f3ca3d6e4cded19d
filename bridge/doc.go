// Package bridge moves pointer-rich data between Go and foreign code.
//
// A Bridge owns everything one foreign module needs: the view registry,
// the index of fixed buffers, the shadow block pool and the call context
// stack. It is not safe for concurrent use; give each goroutine that hosts
// its own copy of foreign code its own Bridge.
//
// # Memory classes
//
// Fixed memory comes from the target's allocator and has a stable address.
// Relocatable memory is a Go byte slice. Foreign code never sees a Go heap
// address: whenever a pointer to relocatable memory, or to fixed memory that
// is not aligned for its pointee, crosses a call, the bridge creates a
// shadow copy in fixed memory for the duration of that call.
//
// # Call protocol
//
//	b.StartContext(ctx)
//	addrs, _ := b.UpdatePointerAddresses(args...)  // shadows, write addresses, flush
//	... foreign call ...
//	b.UpdateShadowTargets()                         // copy shadows back
//	b.AcquirePointerTargets(args...)                // re-resolve every pointer
//	b.EndContext()                                  // release shadows
//
// Call runs the whole sequence and guarantees EndContext on every exit path.
//
// # Linear memory
//
// On a WebAssembly target every fixed view is a window into one buffer over
// the guest's linear memory. When the guest grows its memory that buffer is
// replaced. The bridge notices the new generation on the next access and
// rebinds every object and shadow onto the new buffer, keeping the same
// address ranges and the same *Object values.
package bridge
