package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/wippyai/wasm-membridge/layout"
)

func (a *app) layoutCmd() *cobra.Command {
	var witExpr string
	cmd := &cobra.Command{
		Use:   "layout [FILE]",
		Short: "Print the computed layout of a YAML structure document or a WIT type",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r := newReport(cmd.OutOrStdout(), a.cfg.Color)
			switch {
			case witExpr != "":
				s, err := layout.ParseWIT(witExpr)
				if err != nil {
					return err
				}
				r.Title("wit %s", witExpr)
				printLayout(r, s)
			case len(args) == 1:
				structs, err := readLayout(args[0])
				if err != nil {
					return err
				}
				names := make([]string, 0, len(structs))
				for name := range structs {
					names = append(names, name)
				}
				sort.Strings(names)
				for _, name := range names {
					r.Title("%s", name)
					printLayout(r, structs[name])
				}
			default:
				return fmt.Errorf("give a YAML document or --wit")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&witExpr, "wit", "", "WIT type expression, such as string or u32")
	return cmd
}

func printLayout(r *report, s *layout.Struct) {
	lines := strings.Split(strings.TrimRight(s.String(), "\n"), "\n")
	r.Field("size", s.Size)
	r.Field("align", s.Align)
	for _, line := range lines[1:] {
		r.Line("%s", strings.TrimPrefix(line, "  "))
	}
}
