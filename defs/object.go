package defs

import (
	"errors"
	"fmt"

	"github.com/sliverarmory/binbridge/callvm"
	"github.com/sliverarmory/binbridge/invoke"
	"github.com/sliverarmory/binbridge/locator"
	"github.com/sliverarmory/binbridge/machine"
	"github.com/sliverarmory/binbridge/mem"
	"github.com/sliverarmory/binbridge/sig"
)

var (
	// ErrAccess is returned when an attribute's flags forbid the access.
	ErrAccess = errors.New("defs: attribute access denied")
	// ErrIndex is returned for an array index outside the array.
	ErrIndex = errors.New("defs: array index out of range")
)

// Object is a value of a Type in a machine's memory.
type Object struct {
	Type *Type
	Addr mem.Address

	set *Set
	m   machine.Machine
}

// Object wraps the object of type name at addr.
func (s *Set) Object(m machine.Machine, name string, addr mem.Address) (*Object, error) {
	t, err := s.Type(name)
	if err != nil {
		return nil, err
	}
	if !addr.IsValid() {
		return nil, fmt.Errorf("defs: %s: %w", name, mem.ErrNullPointer)
	}
	return &Object{Type: t, Addr: addr, set: s, m: m}, nil
}

// New allocates a zeroed object of type name. Release it with Free.
func (s *Set) New(m machine.Machine, name string) (*Object, error) {
	t, err := s.Type(name)
	if err != nil {
		return nil, err
	}
	if t.Size == 0 {
		return nil, fmt.Errorf("defs: cannot allocate %s without a size", name)
	}
	addr, err := m.Alloc(t.Size, false)
	if err != nil {
		return nil, fmt.Errorf("defs: allocate %s: %w", name, err)
	}
	if err := mem.WriteBytes(m, addr, make([]byte, t.Size)); err != nil {
		_ = m.Free(addr)
		return nil, err
	}
	return &Object{Type: t, Addr: addr, set: s, m: m}, nil
}

// Free releases an object returned by New.
func (o *Object) Free() error {
	return o.m.Free(o.Addr)
}

func (o *Object) attr(name string, need AttrFlags) (*Attribute, error) {
	a, ok := o.Type.Attributes[name]
	if !ok {
		return nil, fmt.Errorf("%w: attribute %s.%s", ErrUnknown, o.Type.Name, name)
	}
	if a.Flags&need == 0 {
		return nil, fmt.Errorf("%w: %s.%s is %v", ErrAccess, o.Type.Name, name, a.Flags)
	}
	return a, nil
}

// Get reads an attribute. Native values decode like call results, a
// StringArray reads as a string, an object attribute as *Object (nil for a
// null pointer) and an array as *Array.
func (o *Object) Get(name string) (any, error) {
	a, err := o.attr(name, AttrRead)
	if err != nil {
		return nil, err
	}
	switch {
	case a.IsArray:
		arr, err := o.array(a)
		if err != nil {
			return nil, err
		}
		return arr, nil
	case a.Type == StringArray:
		return mem.ReadCString(o.m, o.Addr, a.Offset, a.Length)
	case a.Native():
		return readValue(o.m, o.Addr.Add(a.Offset), a.Code)
	default:
		obj, err := o.member(a)
		if obj == nil {
			return nil, err
		}
		return obj, nil
	}
}

// Set writes an attribute. An array takes a []any written element by
// element. An aligned object attribute takes an *Object whose bytes are
// copied in; a pointer to an object takes an *Object, an address or nil.
// Strings stored in string attributes are allocated in machine memory and
// are not freed.
func (o *Object) Set(name string, v any) error {
	a, err := o.attr(name, AttrWrite)
	if err != nil {
		return err
	}
	at := o.Addr.Add(a.Offset)
	switch {
	case a.IsArray:
		values, ok := v.([]any)
		if !ok {
			return fmt.Errorf("defs: %s.%s takes []any, got %T", o.Type.Name, name, v)
		}
		if a.Length >= 0 && len(values) > a.Length {
			return fmt.Errorf("%w: %d values for %s.%s[%d]", ErrIndex, len(values), o.Type.Name, name, a.Length)
		}
		arr, err := o.array(a)
		if err != nil {
			return err
		}
		for i, val := range values {
			if err := arr.Set(i, val); err != nil {
				return err
			}
		}
		return nil
	case a.Type == StringArray:
		text, ok := v.(string)
		if !ok {
			return fmt.Errorf("defs: %s.%s takes a string, got %T", o.Type.Name, name, v)
		}
		return mem.WriteCString(o.m, o.Addr, a.Offset, text, a.Length)
	case a.Native():
		return writeValue(o.m, at, a.Code, v)
	case a.Aligned:
		t, err := o.set.Type(a.Type)
		if err != nil {
			return err
		}
		return copyObject(o.m, t, v, at)
	default:
		var ptr mem.Address
		if obj, ok := v.(*Object); ok {
			if obj != nil {
				ptr = obj.Addr
			}
		} else {
			bits, err := callvm.Encode(sig.Pointer, v, nil)
			if err != nil {
				return fmt.Errorf("defs: %s.%s: %w", o.Type.Name, name, err)
			}
			ptr = mem.Address(bits)
		}
		return mem.WriteAddress(o.m, at, 0, ptr)
	}
}

func (o *Object) member(a *Attribute) (*Object, error) {
	t, err := o.set.Type(a.Type)
	if err != nil {
		return nil, err
	}
	at := o.Addr.Add(a.Offset)
	if !a.Aligned {
		ptr, err := mem.ReadAddress(o.m, o.Addr, a.Offset)
		if err != nil {
			return nil, err
		}
		if !ptr.IsValid() {
			return nil, nil
		}
		at = ptr
	}
	return &Object{Type: t, Addr: at, set: o.set, m: o.m}, nil
}

func (o *Object) array(a *Attribute) (*Array, error) {
	base := o.Addr.Add(a.Offset)
	if !a.Aligned {
		ptr, err := mem.ReadAddress(o.m, o.Addr, a.Offset)
		if err != nil {
			return nil, err
		}
		if !ptr.IsValid() {
			return nil, fmt.Errorf("defs: %s.%s: %w", o.Type.Name, a.Name, mem.ErrNullPointer)
		}
		base = ptr
	}
	arr := &Array{Base: base, Len: a.Length, code: a.Code, set: o.set, m: o.m}
	if !a.Native() {
		t, err := o.set.Type(a.Type)
		if err != nil {
			return nil, err
		}
		if t.Size == 0 {
			return nil, fmt.Errorf("defs: %s.%s: array of %s needs its size", o.Type.Name, a.Name, t.Name)
		}
		arr.elem = t
	}
	return arr, nil
}

// Method binds the named function of the object's type. Virtual functions
// are taken from the object's vtable; other functions are resolved through r.
// The receiver is the call's first argument, see Call.
func (o *Object) Method(r *locator.Registry, name string) (*invoke.Function, error) {
	if v, ok := o.Type.Virtual[name]; ok {
		return v.Bind(o.m, o.Addr)
	}
	f, ok := o.Type.Functions[name]
	if !ok {
		return nil, fmt.Errorf("%w: method %s.%s", ErrUnknown, o.Type.Name, name)
	}
	if r == nil {
		return nil, fmt.Errorf("defs: %s.%s needs a module registry", o.Type.Name, name)
	}
	return f.Resolve(r, o.m)
}

// Call calls the named method with the object as receiver.
func (o *Object) Call(r *locator.Registry, name string, args ...any) (any, error) {
	fn, err := o.Method(r, name)
	if err != nil {
		return nil, err
	}
	return fn.Call(append([]any{o.Addr}, args...)...)
}

// Array is a run of attribute values. Len is -1 when the array is unbounded.
type Array struct {
	Base mem.Address
	Len  int

	code sig.TypeCode
	elem *Type
	set  *Set
	m    machine.Machine
}

func (r *Array) at(i int) (mem.Address, error) {
	if i < 0 || (r.Len >= 0 && i >= r.Len) {
		return 0, fmt.Errorf("%w: %d of %d", ErrIndex, i, r.Len)
	}
	stride := r.code.Size()
	if r.elem != nil {
		stride = r.elem.Size
	}
	return r.Base.Add(i * stride), nil
}

// Get returns element i. Elements of another Type are returned as *Object.
func (r *Array) Get(i int) (any, error) {
	at, err := r.at(i)
	if err != nil {
		return nil, err
	}
	if r.elem != nil {
		return &Object{Type: r.elem, Addr: at, set: r.set, m: r.m}, nil
	}
	return readValue(r.m, at, r.code)
}

// Set stores v as element i. Object elements are copied in.
func (r *Array) Set(i int, v any) error {
	at, err := r.at(i)
	if err != nil {
		return err
	}
	if r.elem != nil {
		return copyObject(r.m, r.elem, v, at)
	}
	return writeValue(r.m, at, r.code, v)
}

// Values reads every element of a bounded array.
func (r *Array) Values() ([]any, error) {
	if r.Len < 0 {
		return nil, fmt.Errorf("%w: array is unbounded", ErrIndex)
	}
	out := make([]any, r.Len)
	for i := range out {
		v, err := r.Get(i)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func readValue(m machine.Machine, at mem.Address, code sig.TypeCode) (any, error) {
	bits, err := callvm.ReadRaw(m, at, code)
	if err != nil {
		return nil, err
	}
	return callvm.Decode(m, code, bits)
}

func writeValue(m machine.Machine, at mem.Address, code sig.TypeCode, v any) error {
	bits, err := callvm.Encode(code, v, func(text string) (mem.Address, error) {
		return callvm.AllocString(m, text)
	})
	if err != nil {
		return err
	}
	return callvm.WriteRaw(m, at, code, bits)
}

func copyObject(m machine.Machine, t *Type, v any, dst mem.Address) error {
	src, ok := v.(*Object)
	if !ok || src == nil {
		return fmt.Errorf("defs: %s takes an *Object, got %T", t.Name, v)
	}
	if t.Size == 0 {
		return fmt.Errorf("defs: cannot copy %s without a size", t.Name)
	}
	return mem.Move(m, src.Addr, dst, t.Size)
}
