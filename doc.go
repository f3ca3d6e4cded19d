// Package membridge lets Go code share pointer-rich data structures by
// reference with foreign code that has no garbage collector: native memory
// outside the Go heap, or a WebAssembly guest running on wazero.
//
// The foreign side addresses memory by number. The Go side holds byte
// slices whose addresses are not stable, or are not visible to the guest at
// all. The bridge keeps a consistent mapping between the two across every
// call boundary without leaking or corrupting memory.
//
// # Architecture Overview
//
//	membridge/        Root package with Address, Class and the Target interface
//	├── view/         Buffers, memory views with scalar accessors, view registry
//	├── layout/       Structure descriptions (hand built, WIT, YAML)
//	├── bridge/       Classifier, shadow memory, call contexts, pointer protocol
//	├── target/
//	│   ├── native/   Fixed memory carved from mmap'd arenas
//	│   └── linear/   WebAssembly linear memory over wazero
//	├── errors/       Structured error types for debugging
//	└── cmd/membridge CLI for exercising the bridge against real guests
//
// # Quick Start
//
//	tgt, err := linear.New(mod)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	b, err := bridge.New(tgt, bridge.DefaultConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	arg, _ := b.NewObject(argType, 1)
//	res, err := b.Call(ctx, []*bridge.Object{arg},
//	    func(ctx context.Context, addrs []membridge.Address) ([]uint64, error) {
//	        return fn.Call(ctx, uint64(addrs[0]))
//	    })
//
// # Memory Model
//
// Fixed memory has a stable address: guest linear memory, or native memory
// obtained from the target's allocator. Relocatable memory lives on the Go
// heap. When a pointer to relocatable memory crosses a call, the bridge
// copies its bytes into a shadow block of fixed memory, passes the shadow's
// address, and copies the bytes back when the call returns. Shadows never
// outlive the call context that created them.
//
// WebAssembly linear memory may grow during any call. Growth replaces the
// backing slice; views over the old slice are detected by generation and
// rebuilt over the same address range.
//
// # Thread Safety
//
// A Bridge is NOT thread-safe and belongs to a single goroutine, the same
// way a wazero module instance does. Use one bridge per instance.
package membridge
