package defs

import (
	"fmt"
	"strings"

	"github.com/sliverarmory/binbridge/invoke"
	"github.com/sliverarmory/binbridge/machine"
	"github.com/sliverarmory/binbridge/mem"
	"github.com/sliverarmory/binbridge/sig"
)

const (
	keySize    = "size"
	keyType    = "type"
	keyOffset  = "offset"
	keyLength  = "length"
	keyIsArray = "is_array"
	keyAligned = "aligned"
	keyFlags   = "flags"

	// StringArray is the attribute type of a fixed-size char buffer stored
	// inline in the object.
	StringArray = "string_array"
)

// Typedef is a function pointer type. It binds any pointer of that type
// without repeating the signature.
type Typedef struct {
	Name      string
	Signature *sig.Signature
	Doc       string
}

// Wrap binds the function at ptr.
func (td *Typedef) Wrap(m machine.Machine, ptr mem.Address) (*invoke.Function, error) {
	if !ptr.IsValid() {
		return nil, fmt.Errorf("defs: %s: %w", td.Name, mem.ErrNullPointer)
	}
	return invoke.New(m, ptr, td.Signature), nil
}

// AttrFlags selects whether an attribute can be read, written or both.
type AttrFlags int

const (
	AttrRead AttrFlags = 1 << iota
	AttrWrite

	AttrReadWrite = AttrRead | AttrWrite
)

func (f AttrFlags) String() string {
	switch f {
	case AttrRead:
		return "READ"
	case AttrWrite:
		return "WRITE"
	case AttrReadWrite:
		return "READ_WRITE"
	default:
		return fmt.Sprintf("AttrFlags(%d)", int(f))
	}
}

// ParseAttrFlags parses READ, WRITE or READ_WRITE in any case.
func ParseAttrFlags(s string) (AttrFlags, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "READ":
		return AttrRead, nil
	case "WRITE":
		return AttrWrite, nil
	case "READ_WRITE", "":
		return AttrReadWrite, nil
	default:
		return 0, fmt.Errorf("defs: unknown attribute flags %q", s)
	}
}

// Attribute is a field of a Type.
//
// Type names a native type (see sig.LookupType), StringArray, or another Type
// of the same Set. A field of another Type holds a pointer to it unless
// Aligned is set, in which case the object is stored inline. An array field
// holds a pointer to its first element unless Aligned is set. Length is the
// element count of an array, -1 when unbounded, or the buffer size of a
// StringArray.
type Attribute struct {
	Name    string
	Type    string
	Code    sig.TypeCode
	Offset  int
	Length  int
	IsArray bool
	Aligned bool
	Flags   AttrFlags
	Doc     string
}

// Native reports whether the attribute holds a native value rather than an
// object of another Type.
func (a *Attribute) Native() bool {
	return a.Code != 0 || a.Type == StringArray
}

// Type is the layout of a native structure with its methods. Size is zero
// when unknown.
type Type struct {
	Name       string
	Size       int
	Attributes map[string]*Attribute
	Functions  map[string]*Function
	Virtual    map[string]*VirtualFunction
}

func newType(name string) *Type {
	return &Type{
		Name:       name,
		Attributes: make(map[string]*Attribute),
		Functions:  make(map[string]*Function),
		Virtual:    make(map[string]*VirtualFunction),
	}
}

func (s *Set) typedef(name string, raw map[string]any) (*Typedef, error) {
	e := entry{name: name, raw: raw, platform: s.Platform}
	signature, err := e.signature(sig.CDecl)
	if err != nil {
		return nil, err
	}
	doc, _ := e.str(keyDocumentation, false)
	return &Typedef{Name: name, Signature: signature, Doc: doc}, nil
}

func (s *Set) mergeType(name string, tf typeFile) []error {
	t, ok := s.Types[name]
	if !ok {
		t = newType(name)
	}
	var errs []error
	size, err := entry{name: name, raw: map[string]any{keySize: tf.Size}, platform: s.Platform}.number(keySize, t.Size)
	switch {
	case err != nil:
		errs = append(errs, err)
	case size < 0:
		errs = append(errs, fmt.Errorf("%s: %q must not be negative", name, keySize))
	default:
		t.Size = size
	}
	for attr, raw := range tf.Attributes {
		a, err := s.attribute(name+"."+attr, raw)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		a.Name = attr
		t.Attributes[attr] = a
	}
	errs = append(errs, s.functions(t.Functions, tf.Functions, sig.ThisCall)...)
	errs = append(errs, s.virtuals(t.Virtual, tf.VirtualFunctions)...)
	s.Types[name] = t
	return errs
}

func (s *Set) attribute(name string, raw map[string]any) (*Attribute, error) {
	e := entry{name: name, raw: raw, platform: s.Platform}
	a := &Attribute{Name: name}
	var err error
	if a.Type, err = e.str(keyType, true); err != nil {
		return nil, err
	}
	if a.Type != StringArray {
		if code, ok := sig.LookupType(a.Type); ok {
			if code == sig.Void {
				return nil, fmt.Errorf("%s: an attribute cannot be void", name)
			}
			a.Code = code
		}
	}
	if a.Offset, err = e.number(keyOffset, 0); err != nil {
		return nil, err
	}
	if a.Offset < 0 {
		return nil, fmt.Errorf("%s: %q must not be negative", name, keyOffset)
	}
	if a.Length, err = e.number(keyLength, -1); err != nil {
		return nil, err
	}
	if a.IsArray, err = e.boolean(keyIsArray); err != nil {
		return nil, err
	}
	if a.Aligned, err = e.boolean(keyAligned); err != nil {
		return nil, err
	}
	flags, _ := e.str(keyFlags, false)
	if a.Flags, err = ParseAttrFlags(flags); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	a.Doc, _ = e.str(keyDocumentation, false)

	switch {
	case a.Length != -1 && !a.IsArray && a.Type != StringArray:
		return nil, fmt.Errorf("%s: only arrays and string arrays take a length", name)
	case a.Type == StringArray && a.IsArray:
		return nil, fmt.Errorf("%s: string arrays cannot be arrays", name)
	case a.Type == StringArray && a.Length <= 0:
		return nil, fmt.Errorf("%s: a string array needs a positive length", name)
	case a.Aligned && a.Native() && !a.IsArray:
		return nil, fmt.Errorf("%s: a %s attribute cannot be aligned", name, a.Type)
	}
	return a, nil
}
