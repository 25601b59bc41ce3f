// Package invoke calls native functions at arbitrary addresses through a
// parsed signature.
package invoke

import (
	"errors"
	"fmt"

	"github.com/sliverarmory/binbridge/callvm"
	"github.com/sliverarmory/binbridge/machine"
	"github.com/sliverarmory/binbridge/mem"
	"github.com/sliverarmory/binbridge/sig"
)

// ErrArity is returned when the argument count does not match the signature.
var ErrArity = errors.New("invoke: wrong number of arguments")

// Function is a native function bound to a signature.
type Function struct {
	m    machine.Machine
	addr mem.Address
	sig  *sig.Signature
}

// New binds addr to signature s on machine m.
func New(m machine.Machine, addr mem.Address, s *sig.Signature) *Function {
	return &Function{m: m, addr: addr, sig: s}
}

// Virtual binds the index-th virtual function of the object at this. A null
// vtable yields a Function whose calls fail with mem.ErrNullPointer.
func Virtual(m machine.Machine, this mem.Address, index int, s *sig.Signature) (*Function, error) {
	slot, err := mem.VTableSlot(m, this, index)
	if err != nil {
		return nil, fmt.Errorf("invoke: virtual function %d: %w", index, err)
	}
	return New(m, slot, s), nil
}

func (f *Function) Address() mem.Address {
	return f.addr
}

func (f *Function) Signature() *sig.Signature {
	return f.sig
}

// Call pushes args according to the signature, calls the function and
// converts the return value. Strings passed for 'Z' parameters live in
// machine memory until the call returns. Void functions return nil.
func (f *Function) Call(args ...any) (any, error) {
	if !f.addr.IsValid() {
		return nil, mem.ErrNullPointer
	}
	if len(args) != f.sig.NumArgs() {
		return nil, fmt.Errorf("%w: %q takes %d, got %d", ErrArity, f.sig, f.sig.NumArgs(), len(args))
	}

	vm := callvm.New(f.m)
	if err := vm.Mode(f.sig.Convention()); err != nil {
		return nil, err
	}
	defer vm.Reset()

	for i, arg := range args {
		if err := vm.Arg(f.sig.Arg(i).Type, arg); err != nil {
			return nil, fmt.Errorf("invoke: argument %d: %w", i, err)
		}
	}
	ret := f.sig.Return()
	res, err := vm.Call(f.addr, ret.Type.Class())
	if err != nil {
		return nil, fmt.Errorf("invoke: call %v: %w", f.addr, err)
	}
	return callvm.DecodeResult(f.m, ret.Type, res)
}
