package callvm

import (
	"errors"
	"fmt"
	"math"

	"github.com/sliverarmory/binbridge/mem"
	"github.com/sliverarmory/binbridge/sig"
)

// ErrType is returned when a Go value cannot be converted to a native type.
var ErrType = errors.New("callvm: value does not match type")

// Allocator copies a string into native memory and returns its address.
type Allocator func(text string) (mem.Address, error)

// Encode converts v to the raw bits of a native value of type code. Integral
// values are sign or zero extended from the type's width to 64 bits, floats
// are stored as their IEEE bits. Strings need alloc; pointers accept
// mem.Address, uintptr, nil and non-negative integers.
func Encode(code sig.TypeCode, v any, alloc Allocator) (uint64, error) {
	switch code {
	case sig.Void:
		return 0, nil
	case sig.Bool:
		switch b := v.(type) {
		case bool:
			if b {
				return 1, nil
			}
			return 0, nil
		}
		n, ok := toInt(v)
		if !ok {
			return 0, typeError(code, v)
		}
		if n != 0 {
			return 1, nil
		}
		return 0, nil
	case sig.Float:
		f, ok := toFloat(v)
		if !ok {
			return 0, typeError(code, v)
		}
		return uint64(math.Float32bits(float32(f))), nil
	case sig.Double:
		f, ok := toFloat(v)
		if !ok {
			return 0, typeError(code, v)
		}
		return math.Float64bits(f), nil
	case sig.Pointer:
		a, ok := toAddress(v)
		if !ok {
			return 0, typeError(code, v)
		}
		return uint64(a), nil
	case sig.String:
		if text, ok := v.(string); ok {
			if alloc == nil {
				return 0, fmt.Errorf("%w: no allocator for string argument", ErrType)
			}
			a, err := alloc(text)
			if err != nil {
				return 0, err
			}
			return uint64(a), nil
		}
		a, ok := toAddress(v)
		if !ok {
			return 0, typeError(code, v)
		}
		return uint64(a), nil
	}

	if !code.Valid() {
		return 0, fmt.Errorf("%w: %v", sig.ErrType, code)
	}
	n, ok := toInt(v)
	if !ok {
		return 0, typeError(code, v)
	}
	return extend(code, uint64(n)), nil
}

// extend truncates bits to the width of code and sign or zero extends the
// result back to 64 bits.
func extend(code sig.TypeCode, bits uint64) uint64 {
	width := uint(code.Size()) * 8
	if width == 0 || width >= 64 || code.IsFloat() {
		return bits
	}
	mask := uint64(1)<<width - 1
	bits &= mask
	if code.Signed() && bits&(1<<(width-1)) != 0 {
		bits |= ^mask
	}
	return bits
}

// Decode converts raw bits of a native value of type code to a Go value.
// Strings are read from s; a null string decodes to "".
func Decode(s mem.Space, code sig.TypeCode, bits uint64) (any, error) {
	switch code {
	case sig.Void:
		return nil, nil
	case sig.Bool:
		return bits&0xff != 0, nil
	case sig.Char:
		return int8(bits), nil
	case sig.UChar:
		return uint8(bits), nil
	case sig.Short:
		return int16(bits), nil
	case sig.UShort:
		return uint16(bits), nil
	case sig.Int, sig.Long:
		return int32(bits), nil
	case sig.UInt, sig.ULong:
		return uint32(bits), nil
	case sig.LongLong:
		return int64(bits), nil
	case sig.ULongLong:
		return bits, nil
	case sig.Float:
		return math.Float32frombits(uint32(bits)), nil
	case sig.Double:
		return math.Float64frombits(bits), nil
	case sig.Pointer:
		return mem.Address(uint32(bits)), nil
	case sig.String:
		a := mem.Address(uint32(bits))
		if !a.IsValid() {
			return "", nil
		}
		return mem.ReadCString(s, a, 0, 0)
	default:
		return nil, fmt.Errorf("%w: %v", sig.ErrType, code)
	}
}

func typeError(code sig.TypeCode, v any) error {
	return fmt.Errorf("%w: cannot use %T as %v", ErrType, v, code)
}

func toInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), true
	case uintptr:
		return int64(n), true
	case mem.Address:
		return int64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

func toFloat(v any) (float64, bool) {
	switch f := v.(type) {
	case float32:
		return float64(f), true
	case float64:
		return f, true
	case bool:
		return 0, false
	}
	n, ok := toInt(v)
	return float64(n), ok
}

func toAddress(v any) (mem.Address, bool) {
	switch a := v.(type) {
	case nil:
		return 0, true
	case mem.Address:
		return a, true
	case uintptr:
		return mem.Address(a), true
	case bool:
		return 0, false
	}
	n, ok := toInt(v)
	if !ok || n < 0 {
		return 0, false
	}
	return mem.Address(n), true
}
