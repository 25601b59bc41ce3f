// Package sig parses compact type-code signatures into x86-32 parameter layouts.
//
// A signature string lists one type code per argument, a ')' separator and exactly
// one return type code, for example "ii)i" for int(int, int). The codes follow
// dyncall's signature characters.
package sig

import (
	"fmt"
	"runtime"
	"strings"
)

// TypeCode is a primitive native type.
type TypeCode byte

const (
	Void      TypeCode = 'v'
	Bool      TypeCode = 'B'
	Char      TypeCode = 'c'
	UChar     TypeCode = 'C'
	Short     TypeCode = 's'
	UShort    TypeCode = 'S'
	Int       TypeCode = 'i'
	UInt      TypeCode = 'I'
	Long      TypeCode = 'j'
	ULong     TypeCode = 'J'
	LongLong  TypeCode = 'l'
	ULongLong TypeCode = 'L'
	Float     TypeCode = 'f'
	Double    TypeCode = 'd'
	Pointer   TypeCode = 'p'
	String    TypeCode = 'Z'
)

// Separator splits argument codes from the return code.
const Separator = ')'

// PointerSize is the width of a native pointer on the targeted ABIs.
const PointerSize = 4

// Class is the register class a value of a type is returned in.
type Class int

const (
	ClassVoid Class = iota
	// ClassInt32 values come back in EAX.
	ClassInt32
	// ClassInt64 values come back in EDX:EAX.
	ClassInt64
	// ClassFloat32 and ClassFloat64 values come back in ST(0).
	ClassFloat32
	ClassFloat64
)

func (c Class) String() string {
	switch c {
	case ClassVoid:
		return "void"
	case ClassInt32:
		return "int32"
	case ClassInt64:
		return "int64"
	case ClassFloat32:
		return "float32"
	case ClassFloat64:
		return "float64"
	default:
		return fmt.Sprintf("Class(%d)", int(c))
	}
}

type typeInfo struct {
	name   string
	size   int
	class  Class
	signed bool
}

// types is the single mapping table shared by every marshaling path.
var types = map[TypeCode]typeInfo{
	Void:      {"void", 0, ClassVoid, false},
	Bool:      {"bool", 1, ClassInt32, false},
	Char:      {"char", 1, ClassInt32, true},
	UChar:     {"uchar", 1, ClassInt32, false},
	Short:     {"short", 2, ClassInt32, true},
	UShort:    {"ushort", 2, ClassInt32, false},
	Int:       {"int", 4, ClassInt32, true},
	UInt:      {"uint", 4, ClassInt32, false},
	Long:      {"long", 4, ClassInt32, true},
	ULong:     {"ulong", 4, ClassInt32, false},
	LongLong:  {"long_long", 8, ClassInt64, true},
	ULongLong: {"ulong_long", 8, ClassInt64, false},
	Float:     {"float", 4, ClassFloat32, true},
	Double:    {"double", 8, ClassFloat64, true},
	Pointer:   {"ptr", PointerSize, ClassInt32, false},
	String:    {"string", PointerSize, ClassInt32, false},
}

// Valid reports whether t is a known type code.
func (t TypeCode) Valid() bool {
	_, ok := types[t]
	return ok
}

// Size is the natural width of the type in bytes.
func (t TypeCode) Size() int {
	return types[t].size
}

// Slot is the stack footprint of the type: its size rounded up to 4 bytes.
func (t TypeCode) Slot() int {
	return (types[t].size + 3) &^ 3
}

// Class returns the return-register class of the type.
func (t TypeCode) Class() Class {
	return types[t].class
}

// Signed reports whether integral values of the type are sign-extended.
func (t TypeCode) Signed() bool {
	return types[t].signed
}

// IsFloat reports whether the type is float or double.
func (t TypeCode) IsFloat() bool {
	return t == Float || t == Double
}

func (t TypeCode) String() string {
	if info, ok := types[t]; ok {
		return info.name
	}
	return fmt.Sprintf("TypeCode(%q)", rune(t))
}

// LookupType maps a type name such as "int" or "ptr" back to its code.
func LookupType(name string) (TypeCode, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for code, info := range types {
		if info.name == name {
			return code, true
		}
	}
	return 0, false
}

// Convention is an x86-32 calling convention.
type Convention int

const (
	CDecl Convention = iota
	StdCall
	ThisCall
)

func (c Convention) String() string {
	switch c {
	case CDecl:
		return "cdecl"
	case StdCall:
		return "stdcall"
	case ThisCall:
		return "thiscall"
	default:
		return fmt.Sprintf("Convention(%d)", int(c))
	}
}

// ParseConvention accepts "cdecl", "stdcall" or "thiscall", case-insensitively.
func ParseConvention(s string) (Convention, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "cdecl", "c":
		return CDecl, nil
	case "stdcall", "std":
		return StdCall, nil
	case "thiscall", "this":
		return ThisCall, nil
	default:
		return 0, fmt.Errorf("sig: unknown calling convention %q", s)
	}
}

// Platform selects the ABI flavour of a convention.
type Platform int

const (
	// Windows uses the Microsoft flavour: thiscall passes the receiver in ECX
	// and stdcall/thiscall callees pop their stack arguments.
	Windows Platform = iota
	// ELF uses the System V i386 flavour: the receiver is the first stack
	// argument and the caller always cleans the stack.
	ELF
)

func (p Platform) String() string {
	switch p {
	case Windows:
		return "windows"
	case ELF:
		return "elf"
	default:
		return fmt.Sprintf("Platform(%d)", int(p))
	}
}

// ParsePlatform accepts "windows"/"pe" or "elf"/"linux".
func ParsePlatform(s string) (Platform, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "windows", "win32", "pe":
		return Windows, nil
	case "elf", "linux":
		return ELF, nil
	default:
		return 0, fmt.Errorf("sig: unknown platform %q", s)
	}
}

// HostPlatform returns the platform ABI of the running process.
func HostPlatform() Platform {
	if runtime.GOOS == "windows" {
		return Windows
	}
	return ELF
}
