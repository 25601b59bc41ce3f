// Package defs reads definition files. A file describes where functions live
// and how to call them, and how native structures are laid out, so scripts
// can name a function or a field instead of hard-coding addresses, offsets and
// signatures:
//
//	functions:
//	  CreateInterface:
//	    binary: engine
//	    identifier: CreateInterface
//	    parameters: pp)p
//	  UTIL_Remove:
//	    binary: server
//	    identifier: 55 8B EC 8B 45 08 85 C0
//	    identifier_elf: _Z11UTIL_RemoveP11CBaseEntity
//	    parameters: p)v
//	virtual_functions:
//	  GetClassname:
//	    identifier: 11
//	    parameters: p)Z
//	function_typedefs:
//	  ThinkFunc:
//	    parameters: p)v
//	    convention: thiscall
//	types:
//	  CBaseEntity:
//	    size: 72
//	    attributes:
//	      health:
//	        type: int
//	        offset: 0x20
//	      classname:
//	        type: string_array
//	        offset: 0x24
//	        length: 32
//	    virtual_functions:
//	      Spawn:
//	        identifier: 22
//	        parameters: p)v
//
// Any key may carry a _windows or _elf suffix; the variant for the selected
// platform replaces the plain key. An identifier holding whitespace or \x
// escapes is a byte signature, anything else is a symbol name. Functions
// declared under a type default to thiscall.
package defs

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/sliverarmory/binbridge/sig"
)

const (
	keyBinary        = "binary"
	keyIdentifier    = "identifier"
	keyParameters    = "parameters"
	keyConvention    = "convention"
	keyDocumentation = "documentation"
)

// ErrUnknown is returned for a name that has no definition.
var ErrUnknown = errors.New("defs: unknown definition")

// Function is a function found in a binary by symbol or signature.
type Function struct {
	Name       string
	Binary     string
	Identifier string
	Signature  *sig.Signature
	Doc        string
}

// IsPattern reports whether Identifier is a byte signature.
func (f *Function) IsPattern() bool {
	return strings.ContainsAny(f.Identifier, " \t") || strings.Contains(f.Identifier, `\x`)
}

// VirtualFunction is a function found through an object's vtable.
type VirtualFunction struct {
	Name      string
	Index     int
	Signature *sig.Signature
	Doc       string
}

// Set holds every definition read for one platform.
type Set struct {
	Platform  sig.Platform
	Functions map[string]*Function
	Virtual   map[string]*VirtualFunction
	Typedefs  map[string]*Typedef
	Types     map[string]*Type
}

type section map[string]map[string]any

type file struct {
	Functions        section             `yaml:"functions"`
	VirtualFunctions section             `yaml:"virtual_functions"`
	Typedefs         section             `yaml:"function_typedefs"`
	Types            map[string]typeFile `yaml:"types"`
}

type typeFile struct {
	Size             any     `yaml:"size"`
	Attributes       section `yaml:"attributes"`
	Functions        section `yaml:"functions"`
	VirtualFunctions section `yaml:"virtual_functions"`
}

// NewSet returns an empty Set for platform p.
func NewSet(p sig.Platform) *Set {
	return &Set{
		Platform:  p,
		Functions: make(map[string]*Function),
		Virtual:   make(map[string]*VirtualFunction),
		Typedefs:  make(map[string]*Typedef),
		Types:     make(map[string]*Type),
	}
}

// Load reads every path from fs into one Set. A definition in a later file
// replaces one of the same name from an earlier file, except that types are
// merged member by member so a later file can extend a base type.
func Load(fs afero.Fs, p sig.Platform, paths ...string) (*Set, error) {
	s := NewSet(p)
	for _, path := range paths {
		data, err := afero.ReadFile(fs, path)
		if err != nil {
			return nil, fmt.Errorf("defs: %w", err)
		}
		if err := s.Parse(data); err != nil {
			return nil, fmt.Errorf("defs: %s: %w", path, err)
		}
	}
	return s, nil
}

// Parse adds the definitions in data to s.
func (s *Set) Parse(data []byte) error {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return err
	}
	var errs []error
	errs = append(errs, s.functions(s.Functions, f.Functions, sig.CDecl)...)
	errs = append(errs, s.virtuals(s.Virtual, f.VirtualFunctions)...)
	for name, raw := range f.Typedefs {
		td, err := s.typedef(name, raw)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		s.Typedefs[name] = td
	}
	for name, tf := range f.Types {
		errs = append(errs, s.mergeType(name, tf)...)
	}
	return errors.Join(errs...)
}

func (s *Set) functions(dst map[string]*Function, src section, conv sig.Convention) []error {
	var errs []error
	for name, raw := range src {
		fn, err := s.function(name, raw, conv)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		dst[name] = fn
	}
	return errs
}

func (s *Set) virtuals(dst map[string]*VirtualFunction, src section) []error {
	var errs []error
	for name, raw := range src {
		vf, err := s.virtual(name, raw)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		dst[name] = vf
	}
	return errs
}

func (s *Set) function(name string, raw map[string]any, conv sig.Convention) (*Function, error) {
	e := entry{name: name, raw: raw, platform: s.Platform}
	binary, err := e.str(keyBinary, true)
	if err != nil {
		return nil, err
	}
	ident, err := e.str(keyIdentifier, true)
	if err != nil {
		return nil, err
	}
	signature, err := e.signature(conv)
	if err != nil {
		return nil, err
	}
	doc, _ := e.str(keyDocumentation, false)
	return &Function{Name: name, Binary: binary, Identifier: ident, Signature: signature, Doc: doc}, nil
}

func (s *Set) virtual(name string, raw map[string]any) (*VirtualFunction, error) {
	e := entry{name: name, raw: raw, platform: s.Platform}
	index, err := e.index(keyIdentifier)
	if err != nil {
		return nil, err
	}
	signature, err := e.signature(sig.ThisCall)
	if err != nil {
		return nil, err
	}
	doc, _ := e.str(keyDocumentation, false)
	return &VirtualFunction{Name: name, Index: index, Signature: signature, Doc: doc}, nil
}

// Function returns the named function definition.
func (s *Set) Function(name string) (*Function, error) {
	if f, ok := s.Functions[name]; ok {
		return f, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknown, name)
}

// VirtualFunction returns the named virtual function definition.
func (s *Set) VirtualFunction(name string) (*VirtualFunction, error) {
	if f, ok := s.Virtual[name]; ok {
		return f, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknown, name)
}

// Typedef returns the named function typedef.
func (s *Set) Typedef(name string) (*Typedef, error) {
	if td, ok := s.Typedefs[name]; ok {
		return td, nil
	}
	return nil, fmt.Errorf("%w: typedef %q", ErrUnknown, name)
}

// Type returns the named type.
func (s *Set) Type(name string) (*Type, error) {
	if t, ok := s.Types[name]; ok {
		return t, nil
	}
	return nil, fmt.Errorf("%w: type %q", ErrUnknown, name)
}

// Names lists every function and virtual function name, sorted.
func (s *Set) Names() []string {
	out := make([]string, 0, len(s.Functions)+len(s.Virtual))
	for name := range s.Functions {
		out = append(out, name)
	}
	for name := range s.Virtual {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// TypeNames lists every type name, sorted.
func (s *Set) TypeNames() []string {
	out := make([]string, 0, len(s.Types))
	for name := range s.Types {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

type entry struct {
	name     string
	raw      map[string]any
	platform sig.Platform
}

func (e entry) lookup(key string) (any, bool) {
	if v, ok := e.raw[key+"_"+e.platform.String()]; ok {
		return v, true
	}
	v, ok := e.raw[key]
	return v, ok
}

func (e entry) str(key string, required bool) (string, error) {
	v, ok := e.lookup(key)
	if !ok || v == nil {
		if required {
			return "", fmt.Errorf("%s: missing %q", e.name, key)
		}
		return "", nil
	}
	switch v := v.(type) {
	case string:
		return v, nil
	case int:
		return strconv.Itoa(v), nil
	default:
		return "", fmt.Errorf("%s: %q must be a string, got %T", e.name, key, v)
	}
}

func (e entry) index(key string) (int, error) {
	v, ok := e.lookup(key)
	if !ok {
		return 0, fmt.Errorf("%s: missing %q", e.name, key)
	}
	switch v := v.(type) {
	case int:
		if v < 0 {
			return 0, fmt.Errorf("%s: %q must not be negative", e.name, key)
		}
		return v, nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || n < 0 {
			return 0, fmt.Errorf("%s: %q must be a vtable index, got %q", e.name, key, v)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("%s: %q must be an integer, got %T", e.name, key, v)
	}
}

// number reads an integer in any Go base notation, or def when the key is
// absent.
func (e entry) number(key string, def int) (int, error) {
	v, ok := e.lookup(key)
	if !ok || v == nil {
		return def, nil
	}
	switch v := v.(type) {
	case int:
		return v, nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 0, 32)
		if err != nil {
			return 0, fmt.Errorf("%s: %q must be an integer, got %q", e.name, key, v)
		}
		return int(n), nil
	default:
		return 0, fmt.Errorf("%s: %q must be an integer, got %T", e.name, key, v)
	}
}

func (e entry) boolean(key string) (bool, error) {
	v, ok := e.lookup(key)
	if !ok || v == nil {
		return false, nil
	}
	switch v := v.(type) {
	case bool:
		return v, nil
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return false, fmt.Errorf("%s: %q must be a boolean, got %q", e.name, key, v)
		}
		return b, nil
	default:
		return false, fmt.Errorf("%s: %q must be a boolean, got %T", e.name, key, v)
	}
}

func (e entry) signature(def sig.Convention) (*sig.Signature, error) {
	params, err := e.str(keyParameters, true)
	if err != nil {
		return nil, err
	}
	conv := def
	if name, _ := e.str(keyConvention, false); name != "" {
		if conv, err = sig.ParseConvention(name); err != nil {
			return nil, fmt.Errorf("%s: %w", e.name, err)
		}
	}
	s, err := sig.Parse(conv, params)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", e.name, err)
	}
	return s, nil
}
