package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/pflag"

	"github.com/sliverarmory/binbridge/mem"
	"github.com/sliverarmory/binbridge/sig"
)

// conventionFlag is a calling convention on the command line.
type conventionFlag struct {
	sig.Convention
}

var _ pflag.Value = (*conventionFlag)(nil)

func (c *conventionFlag) Set(s string) error {
	v, err := sig.ParseConvention(s)
	if err != nil {
		return err
	}
	c.Convention = v
	return nil
}

func (c *conventionFlag) Type() string {
	return "convention"
}

func addConventionFlag(fs *pflag.FlagSet, c *conventionFlag) {
	fs.VarP(c, "convention", "c", "Calling convention: cdecl, stdcall or thiscall")
}

// parseArgs converts command line text into values for s.
func parseArgs(s *sig.Signature, raw []string) ([]any, error) {
	if len(raw) != s.NumArgs() {
		return nil, fmt.Errorf("signature %q takes %d arguments, got %d", s, s.NumArgs(), len(raw))
	}
	out := make([]any, len(raw))
	for i, text := range raw {
		v, err := parseArg(s.Arg(i).Type, text)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

func parseArg(code sig.TypeCode, text string) (any, error) {
	var (
		v   any
		err error
	)
	switch {
	case code == sig.String:
		v = text
	case code == sig.Bool:
		v, err = strconv.ParseBool(text)
	case code == sig.Pointer:
		var n uint64
		n, err = strconv.ParseUint(text, 0, 32)
		v = mem.Address(n)
	case code.IsFloat():
		v, err = strconv.ParseFloat(text, code.Size()*8)
	case code.Signed():
		v, err = strconv.ParseInt(text, 0, code.Size()*8)
	default:
		v, err = strconv.ParseUint(text, 0, code.Size()*8)
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

func formatResult(v any) string {
	switch v := v.(type) {
	case nil:
		return "void"
	case mem.Address:
		return v.String()
	case string:
		return strconv.Quote(v)
	default:
		return fmt.Sprint(v)
	}
}
