package callvm

import (
	"encoding/binary"
	"fmt"

	"github.com/sliverarmory/binbridge/mem"
	"github.com/sliverarmory/binbridge/sig"
)

// Frame locates the arguments of a native call in progress. Stack is the
// address of the first stack argument, [esp+4] at callee entry. ECX holds the
// register value captured at entry.
type Frame struct {
	Sig      *sig.Signature
	Platform sig.Platform
	Stack    mem.Address
	ECX      uint32
}

// ReadArgs decodes every argument of the frame.
func (f *Frame) ReadArgs(s mem.Space) ([]any, error) {
	out := make([]any, f.Sig.NumArgs())
	for i := range out {
		param := f.Sig.Arg(i)
		place := f.Sig.Place(i, f.Platform)
		var bits uint64
		if place.InECX {
			bits = uint64(f.ECX)
		} else {
			raw, err := ReadRaw(s, f.Stack.Add(place.Offset), param.Type)
			if err != nil {
				return nil, fmt.Errorf("callvm: read argument %d: %w", i, err)
			}
			bits = raw
		}
		v, err := Decode(s, param.Type, bits)
		if err != nil {
			return nil, fmt.Errorf("callvm: decode argument %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

// WriteArgs stores args back into the frame. A receiver that converts to a
// null pointer is left untouched; a receiver passed in ECX updates f.ECX.
func (f *Frame) WriteArgs(s mem.Space, args []any, alloc Allocator) error {
	if len(args) != f.Sig.NumArgs() {
		return fmt.Errorf("callvm: frame has %d arguments, got %d", f.Sig.NumArgs(), len(args))
	}
	for i, v := range args {
		param := f.Sig.Arg(i)
		bits, err := Encode(param.Type, v, alloc)
		if err != nil {
			return fmt.Errorf("callvm: argument %d: %w", i, err)
		}
		receiver := f.Sig.Convention() == sig.ThisCall && i == 0
		if receiver && bits == 0 {
			continue
		}
		place := f.Sig.Place(i, f.Platform)
		if place.InECX {
			f.ECX = uint32(bits)
			continue
		}
		if err := WriteRaw(s, f.Stack.Add(place.Offset), param.Type, bits); err != nil {
			return fmt.Errorf("callvm: write argument %d: %w", i, err)
		}
	}
	return nil
}

// ReadRaw reads the native width of code at a and extends it to 64 bits.
func ReadRaw(s mem.Space, a mem.Address, code sig.TypeCode) (uint64, error) {
	buf, err := mem.ReadBytes(s, a, code.Size())
	if err != nil {
		return 0, err
	}
	var wide [8]byte
	copy(wide[:], buf)
	return extend(code, binary.LittleEndian.Uint64(wide[:])), nil
}

// WriteRaw stores the native width of code from bits at a.
func WriteRaw(s mem.Space, a mem.Address, code sig.TypeCode, bits uint64) error {
	var wide [8]byte
	binary.LittleEndian.PutUint64(wide[:], bits)
	return mem.WriteBytes(s, a, wide[:code.Size()])
}
