package main

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"
	"github.com/tetratelabs/wazero"
	"gopkg.in/yaml.v3"

	membridge "github.com/wippyai/wasm-membridge"
	"github.com/wippyai/wasm-membridge/bridge"
	"github.com/wippyai/wasm-membridge/internal/testwasm"
	"github.com/wippyai/wasm-membridge/layout"
	"github.com/wippyai/wasm-membridge/target/linear"
)

// callDoc describes one call:
//
//	objects:
//	  - id: a
//	    type: Node
//	    values: [{value: 1}]
//	    pointers: [{next: b}]
//	  - {id: b, type: Node, values: [{value: 2}]}
//	args: [a]
//	params: [7]
//	return: {type: Node, optional: true}
//
// Argument addresses are passed first, then params.
type callDoc struct {
	Objects []objectDoc `yaml:"objects"`
	Args    []string    `yaml:"args"`
	Params  []uint64    `yaml:"params"`
	Return  *returnDoc  `yaml:"return"`
}

type objectDoc struct {
	ID       string              `yaml:"id"`
	Type     string              `yaml:"type"`
	Values   []map[string]any    `yaml:"values"`
	Pointers []map[string]string `yaml:"pointers"`
	Count    uint64              `yaml:"count"`
	Fixed    bool                `yaml:"fixed"`
}

type returnDoc struct {
	Type     string `yaml:"type"`
	Count    uint64 `yaml:"count"`
	Optional bool   `yaml:"optional"`
}

func (a *app) runCmd() *cobra.Command {
	var wasmFile, layoutFile, callFile, funcName string
	cmd := &cobra.Command{
		Use:   "run --func NAME --layout FILE --call FILE",
		Short: "Call a guest export with pointer arguments described in YAML",
		Long: `run instantiates a core wasm module (the built-in test guest unless
--wasm is given), builds the objects of the call document using the
structures of the layout document, calls the export through the bridge and
prints every object after the call.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			var bin []byte
			if wasmFile != "" {
				var err error
				if bin, err = os.ReadFile(wasmFile); err != nil {
					return err
				}
			} else {
				bin = testwasm.Guest()
			}
			structs, err := readLayout(layoutFile)
			if err != nil {
				return err
			}
			data, err := os.ReadFile(callFile)
			if err != nil {
				return err
			}
			var doc callDoc
			if err := yaml.Unmarshal(data, &doc); err != nil {
				return fmt.Errorf("call document: %w", err)
			}
			return a.run(ctx, newReport(cmd.OutOrStdout(), a.cfg.Color), bin, funcName, structs, &doc)
		},
	}
	f := cmd.Flags()
	f.StringVar(&wasmFile, "wasm", "", "core wasm module (default: built-in test guest)")
	f.StringVar(&layoutFile, "layout", "", "YAML structure document")
	f.StringVar(&callFile, "call", "", "YAML call document")
	f.StringVar(&funcName, "func", "", "exported function to call")
	_ = cmd.MarkFlagRequired("layout")
	_ = cmd.MarkFlagRequired("call")
	_ = cmd.MarkFlagRequired("func")
	return cmd
}

func readLayout(file string) (map[string]*layout.Struct, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	return layout.Decode(data)
}

func (a *app) run(ctx context.Context, r *report, bin []byte, funcName string, structs map[string]*layout.Struct, doc *callDoc) error {
	rt := wazero.NewRuntime(ctx)
	defer rt.Close(ctx)
	mod, err := rt.Instantiate(ctx, bin)
	if err != nil {
		return fmt.Errorf("instantiate: %w", err)
	}
	fn := mod.ExportedFunction(funcName)
	if fn == nil {
		return fmt.Errorf("module has no export %q", funcName)
	}
	mem, err := linear.New(mod)
	if err != nil {
		return err
	}
	b, err := bridge.New(mem, a.bridgeConfig("run"))
	if err != nil {
		return err
	}
	defer b.Close(ctx)

	objects, err := buildObjects(ctx, b, structs, doc.Objects)
	if err != nil {
		return err
	}
	args := make([]*bridge.Object, len(doc.Args))
	for i, id := range doc.Args {
		if args[i] = objects[id]; args[i] == nil {
			return fmt.Errorf("argument %d: unknown object %q", i, id)
		}
	}
	var returns []bridge.Return
	if doc.Return != nil {
		typ := structs[doc.Return.Type]
		if typ == nil {
			return fmt.Errorf("return: unknown struct %q", doc.Return.Type)
		}
		returns = append(returns, bridge.Return{Type: typ, Count: doc.Return.Count, Optional: doc.Return.Optional})
	}

	res, err := b.Call(ctx, args, func(ctx context.Context, addrs []membridge.Address) ([]uint64, error) {
		params := make([]uint64, 0, len(addrs)+len(doc.Params))
		for _, addr := range addrs {
			params = append(params, uint64(addr))
		}
		params = append(params, doc.Params...)
		return fn.Call(ctx, params...)
	}, returns...)
	if err != nil {
		return err
	}

	r.Title("%s", funcName)
	for i, v := range res.Values {
		r.Field(fmt.Sprintf("result %d", i), v)
	}
	names := nameObjects(objects)
	for i, obj := range res.Objects {
		if obj == nil {
			r.Field(fmt.Sprintf("object %d", i), "nil")
			continue
		}
		if _, known := names[obj]; !known {
			names[obj] = fmt.Sprintf("ret%d", i)
		}
	}
	ids := make([]string, 0, len(names))
	byID := make(map[string]*bridge.Object, len(names))
	for obj, id := range names {
		ids = append(ids, id)
		byID[id] = obj
	}
	sort.Strings(ids)
	for _, id := range ids {
		printObject(r, id, byID[id], names)
	}
	return r.Metrics(a.metrics)
}

func nameObjects(objects map[string]*bridge.Object) map[*bridge.Object]string {
	names := make(map[*bridge.Object]string, len(objects))
	for id, obj := range objects {
		names[obj] = id
	}
	return names
}

// buildObjects allocates every object first so pointers may refer forward.
func buildObjects(ctx context.Context, b *bridge.Bridge, structs map[string]*layout.Struct, docs []objectDoc) (map[string]*bridge.Object, error) {
	objects := make(map[string]*bridge.Object, len(docs))
	for _, od := range docs {
		typ := structs[od.Type]
		if typ == nil {
			return nil, fmt.Errorf("object %q: unknown struct %q", od.ID, od.Type)
		}
		if _, dup := objects[od.ID]; dup || od.ID == "" {
			return nil, fmt.Errorf("object id %q is empty or duplicated", od.ID)
		}
		count := max(od.Count, uint64(len(od.Values)), uint64(len(od.Pointers)), 1)
		var (
			obj *bridge.Object
			err error
		)
		if od.Fixed {
			obj, err = b.NewFixedObject(ctx, typ, count)
		} else {
			obj, err = b.NewObject(typ, count)
		}
		if err != nil {
			return nil, fmt.Errorf("object %q: %w", od.ID, err)
		}
		objects[od.ID] = obj
	}

	for _, od := range docs {
		obj := objects[od.ID]
		for i, values := range od.Values {
			for path, value := range values {
				if err := obj.SetAt(uint64(i), path, value); err != nil {
					return nil, fmt.Errorf("object %q[%d].%s: %w", od.ID, i, path, err)
				}
			}
		}
		for i, ptrs := range od.Pointers {
			for path, id := range ptrs {
				p := obj.PointerAt(uint64(i), path)
				if p == nil {
					return nil, fmt.Errorf("object %q[%d]: no pointer member %q", od.ID, i, path)
				}
				target, ok := objects[id]
				if !ok {
					return nil, fmt.Errorf("object %q[%d].%s: unknown object %q", od.ID, i, path, id)
				}
				if err := p.Set(target); err != nil {
					return nil, fmt.Errorf("object %q[%d].%s: %w", od.ID, i, path, err)
				}
			}
		}
	}
	return objects, nil
}

func printObject(r *report, id string, obj *bridge.Object, names map[*bridge.Object]string) {
	where := obj.Class().String()
	if addr, ok := obj.Address(); ok {
		where = addr.String()
	}
	r.Line("%s %s[%d] @ %s", id, obj.Type().Name, obj.Count(), where)
	for i := range obj.Count() {
		printMembers(r, obj, i, obj.Type(), "")
		for _, p := range obj.PointersAt(i) {
			target := "nil"
			if t := p.Target(); t != nil {
				if name, ok := names[t]; ok {
					target = name
				} else {
					target = t.Type().Name
				}
			}
			r.Field(fmt.Sprintf("  [%d].%s", i, p.Path()), "-> "+target)
		}
	}
}

func printMembers(r *report, obj *bridge.Object, i uint64, s *layout.Struct, prefix string) {
	for _, m := range s.Members {
		switch m.Type {
		case layout.Scalar:
			v, err := obj.GetAt(i, prefix+m.Name)
			if err != nil {
				r.Field(fmt.Sprintf("  [%d].%s%s", i, prefix, m.Name), err)
				continue
			}
			r.Field(fmt.Sprintf("  [%d].%s%s", i, prefix, m.Name), v)
		case layout.Embedded:
			printMembers(r, obj, i, m.Target, prefix+m.Name+".")
		}
	}
}
