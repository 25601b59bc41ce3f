package sig

import (
	"errors"
	"fmt"
)

var (
	// ErrType reports an unknown or unsupported type code.
	ErrType = errors.New("sig: unknown type code")
	// ErrSyntax reports a malformed signature string.
	ErrSyntax = errors.New("sig: malformed signature")
)

// Param describes one parameter or the return value.
type Param struct {
	Type TypeCode
	// Offset is the byte offset of the argument from the first stack
	// argument. It is -1 for the thiscall receiver, which is not part of the
	// stack-offset sequence.
	Offset int
	// Size is the natural width of the type.
	Size int
	// Slot is the stack footprint, Size rounded up to 4.
	Slot int
}

// Signature is an immutable parsed signature.
type Signature struct {
	raw    string
	conv   Convention
	params []Param
	ret    Param
}

// Parse parses a signature string for the given convention. Every type code is
// validated here so that no call ever starts with a partially built stack.
func Parse(conv Convention, s string) (*Signature, error) {
	if conv != CDecl && conv != StdCall && conv != ThisCall {
		return nil, fmt.Errorf("sig: unsupported convention %v", conv)
	}

	sep := -1
	for i := 0; i < len(s); i++ {
		if s[i] == Separator {
			sep = i
			break
		}
	}
	if sep < 0 {
		return nil, fmt.Errorf("%w: %q has no return type", ErrSyntax, s)
	}

	args, rest := s[:sep], s[sep+1:]
	if len(rest) != 1 {
		return nil, fmt.Errorf("%w: %q must have exactly one return type", ErrSyntax, s)
	}
	if len(args) > 0 && TypeCode(args[0]) == Void {
		if len(args) != 1 {
			return nil, fmt.Errorf("%w: %q has arguments after void", ErrSyntax, s)
		}
		args = ""
	}

	out := &Signature{raw: s, conv: conv}
	offset := 0
	for i := 0; i < len(args); i++ {
		code := TypeCode(args[i])
		if !code.Valid() || code == Void {
			return nil, fmt.Errorf("%w: %q at argument %d of %q", ErrType, args[i], i, s)
		}
		p := Param{Type: code, Size: code.Size(), Slot: code.Slot()}
		if conv == ThisCall && i == 0 {
			if code != Pointer {
				return nil, fmt.Errorf("%w: thiscall receiver must be a pointer, got %v", ErrType, code)
			}
			p.Offset = -1
		} else {
			p.Offset = offset
			offset += p.Slot
		}
		out.params = append(out.params, p)
	}
	if conv == ThisCall && len(out.params) == 0 {
		return nil, fmt.Errorf("%w: thiscall %q has no receiver", ErrSyntax, s)
	}

	ret := TypeCode(rest[0])
	if !ret.Valid() {
		return nil, fmt.Errorf("%w: return type %q of %q", ErrType, rest[0], s)
	}
	out.ret = Param{Type: ret, Offset: -1, Size: ret.Size(), Slot: ret.Slot()}
	return out, nil
}

// MustParse is Parse for signatures known at compile time.
func MustParse(conv Convention, s string) *Signature {
	out, err := Parse(conv, s)
	if err != nil {
		panic(err)
	}
	return out
}

// String returns the signature string the signature was parsed from.
func (s *Signature) String() string {
	return s.raw
}

// Convention returns the calling convention.
func (s *Signature) Convention() Convention {
	return s.conv
}

// NumArgs returns the argument count, including a thiscall receiver.
func (s *Signature) NumArgs() int {
	return len(s.params)
}

// Arg returns the i-th parameter.
func (s *Signature) Arg(i int) Param {
	return s.params[i]
}

// Args returns a copy of the parameter list.
func (s *Signature) Args() []Param {
	out := make([]Param, len(s.params))
	copy(out, s.params)
	return out
}

// Return returns the return descriptor.
func (s *Signature) Return() Param {
	return s.ret
}

// StackSize is the byte size of the arguments laid out on the stack by the
// convention itself, not counting a thiscall receiver.
func (s *Signature) StackSize() int {
	for i := len(s.params) - 1; i >= 0; i-- {
		if s.params[i].Offset >= 0 {
			return s.params[i].Offset + s.params[i].Slot
		}
	}
	return 0
}

// PopSize returns how many argument bytes the callee removes on return. On
// Windows stdcall and thiscall the callee pops every stack argument; cdecl and
// every ELF convention leave cleanup to the caller.
func (s *Signature) PopSize(p Platform) int {
	if p == Windows && (s.conv == StdCall || s.conv == ThisCall) {
		return s.StackSize()
	}
	return 0
}

// Placement is where an argument lives at the moment of the call.
type Placement struct {
	// InECX is set for the Windows thiscall receiver.
	InECX bool
	// Offset is relative to the first stack argument, i.e. [esp+4] at callee entry.
	Offset int
}

// Place returns the location of argument i on platform p. The GNU thiscall
// passes the receiver as the first stack argument, which shifts every other
// argument by one pointer slot relative to the parsed offsets.
func (s *Signature) Place(i int, p Platform) Placement {
	param := s.params[i]
	if s.conv != ThisCall {
		return Placement{Offset: param.Offset}
	}
	if i == 0 {
		if p == Windows {
			return Placement{InECX: true}
		}
		return Placement{Offset: 0}
	}
	if p == ELF {
		return Placement{Offset: param.Offset + PointerSize}
	}
	return Placement{Offset: param.Offset}
}

// FrameSize is the total number of stack bytes the caller pushes on platform p.
func (s *Signature) FrameSize(p Platform) int {
	size := s.StackSize()
	if s.conv == ThisCall && p == ELF {
		size += PointerSize
	}
	return size
}
