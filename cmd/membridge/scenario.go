package main

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	membridge "github.com/wippyai/wasm-membridge"
	"github.com/wippyai/wasm-membridge/bridge"
	"github.com/wippyai/wasm-membridge/internal/testwasm"
	"github.com/wippyai/wasm-membridge/layout"
	"github.com/wippyai/wasm-membridge/target/linear"
	"github.com/wippyai/wasm-membridge/target/native"
)

const nodeDoc = `
address_size: %d
structs:
  - name: Node
    fields:
      - {name: value, kind: u32}
      - {name: next, pointer: Node, optional: true}
`

func nodeStruct(addrSize uint64) (*layout.Struct, error) {
	structs, err := layout.Decode(fmt.Appendf(nil, nodeDoc, addrSize))
	if err != nil {
		return nil, err
	}
	return structs["Node"], nil
}

func (a *app) scenarioCmd() *cobra.Command {
	var only string
	cmd := &cobra.Command{
		Use:   "scenario",
		Short: "Run the built-in round trips on native memory and a wasm guest",
		RunE: func(cmd *cobra.Command, _ []string) error {
			r := newReport(cmd.OutOrStdout(), a.cfg.Color)
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			if only == "" || only == "native" {
				if err := a.nativeScenario(ctx, r); err != nil {
					return err
				}
			}
			if only == "" || only == "wasm" {
				if err := a.linearScenario(ctx, r); err != nil {
					return err
				}
			}
			if r.failed > 0 {
				return fmt.Errorf("%d scenario steps failed", r.failed)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&only, "target", "", "run only one target: native or wasm")
	return cmd
}

// roundTrip writes 1234 on the host, reads it through the shadow, writes
// 5678 through the shadow and reads it back on the host.
func roundTrip(ctx context.Context, b *bridge.Bridge, foreign func(membridge.Address) error) error {
	src, err := b.AllocateRelocatable(16, 4)
	if err != nil {
		return err
	}
	defer b.FreeRelocatable(src)
	if err := src.SetUint32(0, 1234); err != nil {
		return err
	}

	b.StartContext(ctx)
	defer b.EndContext()

	sv, err := b.CreateShadow(src, 4)
	if err != nil {
		return err
	}
	if err := b.UpdateShadows(); err != nil {
		return err
	}
	if got, _ := sv.Uint32(0); got != 1234 {
		return fmt.Errorf("shadow holds %d, want 1234", got)
	}
	addr, _ := sv.Address()
	if err := foreign(addr); err != nil {
		return err
	}
	if err := b.UpdateShadowTargets(); err != nil {
		return err
	}
	if got, _ := src.Uint32(0); got != 5678 {
		return fmt.Errorf("host holds %d, want 5678", got)
	}
	return nil
}

func (a *app) nativeScenario(ctx context.Context, r *report) error {
	tgt := native.New()
	defer tgt.Close()
	b, err := bridge.New(tgt, a.bridgeConfig("native"))
	if err != nil {
		return err
	}
	defer b.Close(ctx)
	node, err := nodeStruct(tgt.AddressSize())
	if err != nil {
		return err
	}
	next := membridge.Address(node.Members[1].Offset)

	r.Title("native target")
	r.Field("address size", tgt.AddressSize())

	r.Step("shadow round trip", roundTrip(ctx, b, func(addr membridge.Address) error {
		raw, err := tgt.Region(addr, 4)
		if err != nil {
			return err
		}
		binary.LittleEndian.PutUint32(raw, 5678)
		return nil
	}))

	r.Step("alignment", func() error {
		for _, align := range []uint64{1, 2, 4, 8, 16, 32} {
			v, err := b.AllocateFixed(ctx, 24, align)
			if err != nil {
				return err
			}
			addr, _ := b.GetViewAddress(v)
			if err := b.FreeFixed(ctx, v); err != nil {
				return err
			}
			if bridge.IsMisaligned(addr, align) {
				return fmt.Errorf("%s is not aligned to %d", addr, align)
			}
		}
		return nil
	}())

	r.Step("cyclic list", func() error {
		x, _ := b.NewObject(node, 1)
		y, _ := b.NewObject(node, 1)
		if err := x.Pointer("next").Set(y); err != nil {
			return err
		}
		if err := y.Pointer("next").Set(x); err != nil {
			return err
		}
		_, err := b.Call(ctx, []*bridge.Object{x}, func(_ context.Context, addrs []membridge.Address) ([]uint64, error) {
			raw, err := tgt.Region(addrs[0]+next, 8)
			if err != nil {
				return nil, err
			}
			ya := membridge.Address(binary.LittleEndian.Uint64(raw))
			if raw, err = tgt.Region(ya+next, 8); err != nil {
				return nil, err
			}
			if back := membridge.Address(binary.LittleEndian.Uint64(raw)); back != addrs[0] {
				return nil, fmt.Errorf("y.next = %s, want %s", back, addrs[0])
			}
			return nil, nil
		})
		if err != nil {
			return err
		}
		if x.Pointer("next").Target() != y || y.Pointer("next").Target() != x {
			return fmt.Errorf("cycle lost after the call")
		}
		return nil
	}())

	st := tgt.Stats()
	r.Note("%d arenas, %d bytes mapped, %d in use", st.Arenas, st.Mapped, st.InUse)
	return r.Metrics(a.metrics)
}

type guestCall struct {
	mod api.Module
}

func (g guestCall) call(ctx context.Context, name string, params ...uint64) ([]uint64, error) {
	fn := g.mod.ExportedFunction(name)
	if fn == nil {
		return nil, fmt.Errorf("guest has no export %q", name)
	}
	return fn.Call(ctx, params...)
}

func (a *app) linearScenario(ctx context.Context, r *report) error {
	rt := wazero.NewRuntime(ctx)
	defer rt.Close(ctx)
	mod, err := rt.Instantiate(ctx, testwasm.Guest())
	if err != nil {
		return fmt.Errorf("instantiate guest: %w", err)
	}
	mem, err := linear.New(mod)
	if err != nil {
		return err
	}
	b, err := bridge.New(mem, a.bridgeConfig("wasm"))
	if err != nil {
		return err
	}
	defer b.Close(ctx)
	node, err := nodeStruct(mem.AddressSize())
	if err != nil {
		return err
	}
	g := guestCall{mod: mod}

	r.Title("wasm32 target")
	r.Field("memory", fmt.Sprintf("%d bytes", mem.Size()))

	r.Step("shadow round trip", roundTrip(ctx, b, func(addr membridge.Address) error {
		_, err := g.call(ctx, "add_u32", uint64(addr), 5678-1234)
		return err
	}))

	var head *bridge.Object
	r.Step("sum_list", func() error {
		for i := 4; i >= 1; i-- {
			n, err := b.NewObject(node, 1)
			if err != nil {
				return err
			}
			_ = n.Set("value", i)
			if head != nil {
				_ = n.Pointer("next").Set(head)
			}
			head = n
		}
		res, err := b.Call(ctx, []*bridge.Object{head}, func(ctx context.Context, addrs []membridge.Address) ([]uint64, error) {
			return g.call(ctx, "sum_list", uint64(addrs[0]))
		})
		if err != nil {
			return err
		}
		if sum := uint32(res.Values[0]); sum != 10 {
			return fmt.Errorf("sum = %d, want 10", sum)
		}
		return nil
	}())

	r.Step("push_front", func() error {
		res, err := b.Call(ctx, []*bridge.Object{head}, func(ctx context.Context, addrs []membridge.Address) ([]uint64, error) {
			return g.call(ctx, "push_front", uint64(addrs[0]), 99)
		}, bridge.Return{Result: 0, Type: node})
		if err != nil {
			return err
		}
		front := res.Objects[0]
		if front == nil || front.Pointer("next").Target() != head {
			return fmt.Errorf("returned node does not lead back to the host list")
		}
		return nil
	}())

	r.Step("grow during call", func() error {
		obj, err := b.NewObject(node, 1)
		if err != nil {
			return err
		}
		before := mem.Size()
		_, err = b.Call(ctx, []*bridge.Object{obj}, func(ctx context.Context, addrs []membridge.Address) ([]uint64, error) {
			return g.call(ctx, "grow_and_store", uint64(addrs[0]), 77)
		})
		if err != nil {
			return err
		}
		if mem.Size() <= before {
			return fmt.Errorf("guest memory did not grow")
		}
		if v, err := obj.Get("value"); err != nil || v != uint32(77) {
			return fmt.Errorf("value after growth = %v (%v)", v, err)
		}
		return nil
	}())

	r.Field("memory", fmt.Sprintf("%d bytes, generation %d", mem.Size(), mem.Generation()))
	return r.Metrics(a.metrics)
}
