// Package testwasm assembles small WebAssembly guest modules in memory.
//
// Tests and the CLI scenario need a guest with a real allocator, a linear
// memory that can grow mid-call, and functions that follow pointers. Guest
// returns such a module; Module and Code are the builder it is made with.
package testwasm
