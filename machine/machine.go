// Package machine defines the calling machine every ABI component is driven
// through: an address space that can hold generated code, a way to enter
// native code, and fixed dispatcher routines native code can call back into.
package machine

import (
	"fmt"

	"github.com/sliverarmory/binbridge/mem"
	"github.com/sliverarmory/binbridge/sig"
)

// Result is the register state a native function returns with.
type Result struct {
	EAX uint32
	EDX uint32
	ST0 float64
}

// Int64 returns EDX:EAX.
func (r Result) Int64() uint64 {
	return uint64(r.EDX)<<32 | uint64(r.EAX)
}

// DispatchFunc is host code bound to a dispatcher id.
type DispatchFunc func() Result

// Machine is an x86-32 execution environment.
//
// Generated code calls a dispatcher routine with the cdecl convention and a
// single uint32 argument, the id returned by Bind. The routine runs the bound
// function and returns its Result in the registers of the routine's class.
type Machine interface {
	mem.Space

	// Platform is the ABI flavour native code in this machine follows.
	Platform() sig.Platform

	// Alloc reserves size bytes, executable when code is set.
	Alloc(size int, code bool) (mem.Address, error)
	// Free releases memory returned by Alloc.
	Free(addr mem.Address) error
	// Patch overwrites code at addr, changing page protection if needed.
	Patch(addr mem.Address, code []byte) error

	// Enter calls the void(void) cdecl function at addr.
	Enter(addr mem.Address) error

	// Dispatcher returns the routine that returns results of class c.
	Dispatcher(c sig.Class) mem.Address
	Bind(fn DispatchFunc) uint32
	Unbind(id uint32)
}

// Registry maps dispatcher ids to host functions. Backends embed it.
type Registry struct {
	next  uint32
	funcs map[uint32]DispatchFunc
}

// Bind registers fn and returns its id. Ids start at 1.
func (r *Registry) Bind(fn DispatchFunc) uint32 {
	if r.funcs == nil {
		r.funcs = make(map[uint32]DispatchFunc)
	}
	r.next++
	r.funcs[r.next] = fn
	return r.next
}

// Unbind forgets id.
func (r *Registry) Unbind(id uint32) {
	delete(r.funcs, id)
}

// Lookup returns the function bound to id.
func (r *Registry) Lookup(id uint32) (DispatchFunc, bool) {
	fn, ok := r.funcs[id]
	return fn, ok
}

// Dispatch runs the function bound to id.
func (r *Registry) Dispatch(id uint32) (Result, error) {
	fn, ok := r.Lookup(id)
	if !ok {
		return Result{}, fmt.Errorf("machine: no dispatcher bound to id %d", id)
	}
	return fn(), nil
}

// Len returns the number of bound functions.
func (r *Registry) Len() int {
	return len(r.funcs)
}
