package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sliverarmory/binbridge"
	"github.com/sliverarmory/binbridge/locator"
	"github.com/sliverarmory/binbridge/sig"
)

// withModule opens a bridge, loads path and runs fn.
func (a *app) withModule(path string, fn func(b *binbridge.Bridge, m *locator.Module) error) error {
	b, err := a.bridge()
	if err != nil {
		return err
	}
	defer func() {
		if err := b.Close(); err != nil {
			a.log.Warn().Err(err).Msg("close bridge")
		}
	}()
	m, err := b.LoadLibrary(path)
	if err != nil {
		return err
	}
	a.log.Debug().Stringer("module", m).Msg("module loaded")
	return fn(b, m)
}

func newLoadCmd(a *app) *cobra.Command {
	var callExport string
	cmd := &cobra.Command{
		Use:   "load <shared library>",
		Short: "Load a shared library from memory and call an exported entry point",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := a.bridge()
			if err != nil {
				return err
			}
			defer b.Close()

			m, err := b.LoadLibraryFile(args[0])
			if err != nil {
				return err
			}
			if callExport != "" {
				addr, err := b.Modules().FindExport(m, callExport)
				if err != nil {
					return err
				}
				if !addr.IsValid() {
					return fmt.Errorf("export %q not found in %v", callExport, m)
				}
				fn, err := b.Function(addr, sig.CDecl, ")v")
				if err != nil {
					return err
				}
				if _, err := fn.Call(); err != nil {
					return err
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
	cmd.Flags().StringVar(&callExport, "call-export", "", "Entry symbol to resolve in the shared library")
	return cmd
}

func newScanCmd(a *app) *cobra.Command {
	var offset int
	var pointer bool
	cmd := &cobra.Command{
		Use:   "scan <library> <pattern>",
		Short: "Find a byte signature in a loaded module",
		Long: `Find a byte signature in a loaded module. The pattern is either spaced
hex ("55 8B EC ?? ??") or escaped bytes ("\x55\x8B\xEC\x2A"); "??", "?", "*"
and \x2A match any byte.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pattern, err := locator.ParsePattern(args[1])
			if err != nil {
				return err
			}
			return a.withModule(args[0], func(b *binbridge.Bridge, m *locator.Module) error {
				r := b.Modules()
				addr, err := r.FindSignature(m, pattern)
				if err != nil {
					return err
				}
				if !addr.IsValid() {
					return fmt.Errorf("signature %q not found in %v", locator.FormatPattern(pattern), m)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "%v (%s+0x%x)\n", addr, m.Path, uintptr(addr-m.Base))
				if pointer {
					p, err := r.FindPointer(m, pattern, offset)
					if err != nil {
						return err
					}
					fmt.Fprintf(out, "pointer at +%d: %v\n", offset, p)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&pointer, "pointer", false, "Also read the pointer stored after the match")
	cmd.Flags().IntVar(&offset, "offset", 0, "Offset of the pointer from the match")
	return cmd
}

func newSymbolCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "symbol <library> <name>...",
		Short: "Resolve exported or symbol table names in a module",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withModule(args[0], func(b *binbridge.Bridge, m *locator.Module) error {
				out := cmd.OutOrStdout()
				for _, name := range args[1:] {
					addr, err := b.Modules().FindSymbol(m, name)
					if err != nil {
						return err
					}
					if !addr.IsValid() {
						fmt.Fprintf(out, "%s\tnot found\n", name)
						continue
					}
					fmt.Fprintf(out, "%s\t%v\n", name, addr)
				}
				return nil
			})
		},
	}
}

func newCallCmd(a *app) *cobra.Command {
	conv := conventionFlag{sig.CDecl}
	cmd := &cobra.Command{
		Use:   "call <library> <symbol> <signature> [args...]",
		Short: "Call a function in a module",
		Long: `Call a function in a module. The signature lists one type code per
argument, ')' and the return type code, for example "ii)i" or "Z)J".`,
		Args: cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := sig.Parse(conv.Convention, args[2])
			if err != nil {
				return err
			}
			values, err := parseArgs(s, args[3:])
			if err != nil {
				return err
			}
			return a.withModule(args[0], func(b *binbridge.Bridge, m *locator.Module) error {
				fn, err := b.Symbol(m, args[1], s.Convention(), s.String())
				if err != nil {
					return err
				}
				v, err := fn.Call(values...)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), formatResult(v))
				return nil
			})
		},
	}
	addConventionFlag(cmd.Flags(), &conv)
	return cmd
}
