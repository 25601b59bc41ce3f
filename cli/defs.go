package main

import (
	"fmt"
	"slices"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sliverarmory/binbridge/defs"
)

func newDefsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "defs [file...]",
		Short: "List function and type definitions",
		Long:  "List the function and type definitions in the given files, or in the configured definitions.",
		RunE: func(cmd *cobra.Command, args []string) error {
			paths := args
			if len(paths) == 0 {
				paths = a.cfg.Definitions
			}
			set, err := defs.Load(a.fs, a.cfg.Platform(), paths...)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, name := range set.Names() {
				if f, ok := set.Functions[name]; ok {
					kind := "symbol"
					if f.IsPattern() {
						kind = "signature"
					}
					fmt.Fprintf(w, "%s\t%s\t%q\t%s\t%s %s\n", name, f.Binary, f.Identifier, kind, f.Signature.Convention(), f.Signature)
					continue
				}
				v := set.Virtual[name]
				fmt.Fprintf(w, "%s\tvtable\t%d\tindex\t%s %s\n", name, v.Index, v.Signature.Convention(), v.Signature)
			}
			typedefNames := make([]string, 0, len(set.Typedefs))
			for name := range set.Typedefs {
				typedefNames = append(typedefNames, name)
			}
			slices.Sort(typedefNames)
			for _, name := range typedefNames {
				td := set.Typedefs[name]
				fmt.Fprintf(w, "%s\ttypedef\t\t\t%s %s\n", name, td.Signature.Convention(), td.Signature)
			}
			for _, name := range set.TypeNames() {
				t := set.Types[name]
				fmt.Fprintf(w, "%s\ttype\t%d\tsize\t%d attributes, %d methods\n",
					name, t.Size, len(t.Attributes), len(t.Functions)+len(t.Virtual))
			}
			return w.Flush()
		},
	}
}
