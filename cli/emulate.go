package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/arch/x86/x86asm"

	"github.com/sliverarmory/binbridge/callback"
	"github.com/sliverarmory/binbridge/internal/fixture"
	"github.com/sliverarmory/binbridge/invoke"
	"github.com/sliverarmory/binbridge/mem"
	"github.com/sliverarmory/binbridge/sig"
)

// maxListing bounds how much generated code is disassembled.
const maxListing = 128

func newTrampolineCmd(a *app) *cobra.Command {
	conv := conventionFlag{sig.CDecl}
	popSize := -1
	cmd := &cobra.Command{
		Use:   "trampoline <signature>",
		Short: "Print the native code generated for a callback",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := sig.Parse(conv.Convention, args[0])
			if err != nil {
				return err
			}
			m, err := a.machine()
			if err != nil {
				return err
			}
			var opts []callback.Option
			if popSize >= 0 {
				opts = append(opts, callback.WithPopSize(popSize))
			}
			t, err := callback.New(m, s, func(*callback.Call) (any, error) { return nil, nil }, opts...)
			if err != nil {
				return err
			}
			defer t.Free()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "; %v %s on %v, pops %d bytes\n", s.Convention(), s, m.Platform(), t.PopSize())
			return disassemble(out, m, t.Address())
		},
	}
	addConventionFlag(cmd.Flags(), &conv)
	cmd.Flags().IntVar(&popSize, "pop-size", popSize, "Argument bytes the trampoline pops (default: per convention)")
	return cmd
}

// disassemble prints instructions at addr up to and including the first ret.
func disassemble(w io.Writer, s mem.Space, addr mem.Address) error {
	code, err := mem.ReadBytes(s, addr, maxListing)
	if err != nil {
		return err
	}
	for off := 0; off < len(code); {
		inst, err := x86asm.Decode(code[off:], 32)
		if err != nil {
			return fmt.Errorf("decode at %v: %w", addr.Add(off), err)
		}
		pc := uint64(addr) + uint64(off)
		fmt.Fprintf(w, "%08x  %-24s %s\n", pc, hex.EncodeToString(code[off:off+inst.Len]), x86asm.IntelSyntax(inst, pc, nil))
		off += inst.Len
		if inst.Op == x86asm.RET {
			return nil
		}
	}
	return errors.New("no ret within listing")
}

func newEmulateCmd(a *app) *cobra.Command {
	conv := conventionFlag{sig.CDecl}
	var code, name string
	var list, steps bool
	cmd := &cobra.Command{
		Use:   "emulate <signature> [args...]",
		Short: "Call x86-32 code on the software machine",
		Long: `Call x86-32 code on the software machine. The code is given as hex with
--code or picked from the built-in functions with --fixture.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if list {
				return nil
			}
			return cobra.MinimumNArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if list {
				names := make([]string, 0, len(fixture.Named))
				for n := range fixture.Named {
					names = append(names, n)
				}
				sort.Strings(names)
				fmt.Fprintln(out, strings.Join(names, "\n"))
				return nil
			}

			body, err := emulatedCode(code, name)
			if err != nil {
				return err
			}
			s, err := sig.Parse(conv.Convention, args[0])
			if err != nil {
				return err
			}
			values, err := parseArgs(s, args[1:])
			if err != nil {
				return err
			}

			m := a.emulator()
			addr, err := m.Load(body)
			if err != nil {
				return err
			}
			v, err := invoke.New(m, addr, s).Call(values...)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, formatResult(v))
			if steps {
				fmt.Fprintf(out, "steps: %d\n", m.Steps())
			}
			return nil
		},
	}
	addConventionFlag(cmd.Flags(), &conv)
	cmd.Flags().StringVar(&code, "code", "", "Function body as hex bytes")
	cmd.Flags().StringVar(&name, "fixture", "", "Built-in function to run")
	cmd.Flags().BoolVar(&list, "list", false, "List the built-in functions")
	cmd.Flags().BoolVar(&steps, "steps", false, "Print the executed instruction count")
	cmd.MarkFlagsMutuallyExclusive("code", "fixture")
	return cmd
}

func emulatedCode(code, name string) ([]byte, error) {
	switch {
	case name != "":
		fn, ok := fixture.Named[name]
		if !ok {
			return nil, fmt.Errorf("unknown fixture %q", name)
		}
		return fn(), nil
	case code != "":
		b, err := hex.DecodeString(strings.Join(strings.Fields(code), ""))
		if err != nil {
			return nil, fmt.Errorf("invalid code: %w", err)
		}
		return b, nil
	default:
		return nil, errors.New("one of --code or --fixture is required")
	}
}
