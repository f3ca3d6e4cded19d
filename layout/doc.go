// Package layout describes the memory layout of the structures the bridge
// walks.
//
// A Struct lists its members with byte offsets. Members are scalars, bit
// fields, embedded structs, single pointers, or slices (an address word
// followed by a length word). Pointer and slice members name the Struct they
// point at, which may be the struct itself:
//
//	node := &layout.Struct{Name: "Node"}
//	err := node.Layout(4,
//	    layout.Field{Name: "value", Kind: view.KindInt32},
//	    layout.Field{Name: "next", Type: layout.Pointer, Target: node, Optional: true},
//	)
//
// Layouts are normally produced by a code generator. Two loaders are
// provided for hand-written descriptions: FromWIT converts WIT records
// (strings and lists become slices), and Decode reads a YAML document.
package layout
