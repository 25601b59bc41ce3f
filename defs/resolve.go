package defs

import (
	"errors"
	"fmt"

	"github.com/sliverarmory/binbridge/invoke"
	"github.com/sliverarmory/binbridge/locator"
	"github.com/sliverarmory/binbridge/machine"
	"github.com/sliverarmory/binbridge/mem"
)

// ErrUnresolved is returned when a function's symbol or signature is not
// present in its binary.
var ErrUnresolved = errors.New("defs: function not found in binary")

// Resolve loads the function's binary through r and binds the address found
// there to the function's signature.
func (f *Function) Resolve(r *locator.Registry, m machine.Machine) (*invoke.Function, error) {
	mod, err := r.Load(f.Binary)
	if err != nil {
		return nil, fmt.Errorf("defs: %s: %w", f.Name, err)
	}
	var addr mem.Address
	if f.IsPattern() {
		pattern, err := locator.ParsePattern(f.Identifier)
		if err != nil {
			return nil, fmt.Errorf("defs: %s: %w", f.Name, err)
		}
		addr, err = r.FindSignature(mod, pattern)
		if err != nil {
			return nil, fmt.Errorf("defs: %s: %w", f.Name, err)
		}
	} else {
		addr, err = r.FindSymbol(mod, f.Identifier)
		if err != nil {
			return nil, fmt.Errorf("defs: %s: %w", f.Name, err)
		}
	}
	if !addr.IsValid() {
		return nil, fmt.Errorf("%w: %s (%q in %v)", ErrUnresolved, f.Name, f.Identifier, mod)
	}
	return invoke.New(m, addr, f.Signature), nil
}

// Bind returns the function in this's vtable.
func (v *VirtualFunction) Bind(m machine.Machine, this mem.Address) (*invoke.Function, error) {
	fn, err := invoke.Virtual(m, this, v.Index, v.Signature)
	if err != nil {
		return nil, fmt.Errorf("defs: %s: %w", v.Name, err)
	}
	return fn, nil
}
