// Package locator finds modules and addresses inside them: exported or
// symbol-table entries and byte signatures.
//
// A Registry memoizes modules by base address. Signature hits are cached per
// module by the exact pattern bytes, so a signature stays resolvable after a
// hook rewrites the bytes it matched. Cached hits are never invalidated.
package locator

import (
	"debug/elf"
	"errors"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/sliverarmory/binbridge/mem"
	"github.com/sliverarmory/binbridge/memmod"
)

// ErrClosed is returned by Load after Close.
var ErrClosed = errors.New("locator: registry is closed")

// Module is a loaded image.
type Module struct {
	Path string
	Base mem.Address
	Size int

	handle     *memmod.Module
	signatures map[string]mem.Address
}

func (m *Module) String() string {
	return fmt.Sprintf("%s@%v+0x%x", filepath.Base(m.Path), m.Base, m.Size)
}

// Cached returns the cached hit for a signature.
func (m *Module) Cached(signature []byte) (mem.Address, bool) {
	a, ok := m.signatures[string(signature)]
	return a, ok
}

// Registry owns every module it loaded.
type Registry struct {
	loader  memmod.Loader
	space   mem.Space
	fs      afero.Fs
	log     zerolog.Logger
	modules map[mem.Address]*Module
	closed  bool
}

type Option func(*Registry)

// WithFs sets the filesystem ELF symbol tables are read from.
func WithFs(fs afero.Fs) Option {
	return func(r *Registry) { r.fs = fs }
}

func WithLogger(l zerolog.Logger) Option {
	return func(r *Registry) { r.log = l }
}

// New returns a Registry that loads through loader and scans space.
func New(loader memmod.Loader, space mem.Space, opts ...Option) *Registry {
	r := &Registry{
		loader:  loader,
		space:   space,
		fs:      afero.NewOsFs(),
		log:     zerolog.Nop(),
		modules: make(map[mem.Address]*Module),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Load opens path. A path without an extension gets the platform's library
// extension. Loading a module that is already known returns the existing
// Module and releases the duplicate handle.
func (r *Registry) Load(path string) (*Module, error) {
	if r.closed {
		return nil, ErrClosed
	}
	h, err := r.loader.Load(r.withExtension(path))
	if err != nil {
		return nil, fmt.Errorf("locator: %w", err)
	}
	return r.adopt(h)
}

// LoadImage maps a module held in memory when the loader supports it.
func (r *Registry) LoadImage(data []byte) (*Module, error) {
	if r.closed {
		return nil, ErrClosed
	}
	il, ok := r.loader.(memmod.ImageLoader)
	if !ok {
		return nil, fmt.Errorf("locator: %w: in-memory images", memmod.ErrUnsupported)
	}
	h, err := il.LoadImage(data)
	if err != nil {
		return nil, fmt.Errorf("locator: %w", err)
	}
	return r.adopt(h)
}

func (r *Registry) withExtension(path string) string {
	if filepath.Ext(path) != "" {
		return path
	}
	if r.loader.Format() == memmod.FormatPE {
		return path + ".dll"
	}
	return path + ".so"
}

func (r *Registry) adopt(h *memmod.Module) (*Module, error) {
	base := mem.Address(h.Base)
	if m, ok := r.modules[base]; ok {
		if err := r.loader.Release(h); err != nil {
			r.log.Warn().Err(err).Str("path", h.Path).Msg("release duplicate module handle")
		}
		return m, nil
	}
	size, err := r.loader.Size(h)
	if err != nil {
		_ = r.loader.Release(h)
		return nil, fmt.Errorf("locator: %w", err)
	}
	m := &Module{
		Path:       h.Path,
		Base:       base,
		Size:       size,
		handle:     h,
		signatures: make(map[string]mem.Address),
	}
	r.modules[base] = m
	r.log.Debug().Stringer("module", m).Msg("module loaded")
	return m, nil
}

// Modules returns the loaded modules ordered by base address.
func (r *Registry) Modules() []*Module {
	out := make([]*Module, 0, len(r.modules))
	for _, m := range r.modules {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Base < out[j].Base })
	return out
}

// FindExport resolves name through the loader's export lookup. An unknown
// name is an invalid Address, not an error.
func (r *Registry) FindExport(m *Module, name string) (mem.Address, error) {
	addr, err := r.loader.Export(m.handle, name)
	if errors.Is(err, memmod.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("locator: %w", err)
	}
	return mem.Address(addr), nil
}

// FindSymbol resolves name from the PE export table, or from the ELF .symtab
// of the file the module was loaded from. Missing tables and unknown names
// give an invalid Address; only I/O failures are errors.
func (r *Registry) FindSymbol(m *Module, name string) (mem.Address, error) {
	if r.loader.Format() == memmod.FormatPE {
		return r.FindExport(m, name)
	}
	return r.elfSymbol(m, name)
}

// elfSymbol re-reads the section headers and symbol table on every call.
func (r *Registry) elfSymbol(m *Module, name string) (mem.Address, error) {
	f, err := r.fs.Open(m.Path)
	if err != nil {
		return 0, fmt.Errorf("locator: open %s: %w", m.Path, err)
	}
	defer f.Close()

	ef, err := elf.NewFile(f)
	if err != nil {
		return 0, fmt.Errorf("locator: parse %s: %w", m.Path, err)
	}
	defer ef.Close()

	syms, err := ef.Symbols()
	if errors.Is(err, elf.ErrNoSymbols) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("locator: read symbols of %s: %w", m.Path, err)
	}
	for _, s := range syms {
		if s.Section == elf.SHN_UNDEF {
			continue
		}
		if t := elf.ST_TYPE(s.Info); t != elf.STT_FUNC && t != elf.STT_OBJECT {
			continue
		}
		if s.Name == name {
			return m.Base.Add(int(s.Value)), nil
		}
	}
	return 0, nil
}

// FindSignature returns the first match of signature in the module image,
// where mem.Wildcard matches any byte. Only hits are cached.
func (r *Registry) FindSignature(m *Module, signature []byte) (mem.Address, error) {
	if a, ok := m.Cached(signature); ok {
		return a, nil
	}
	a, err := mem.Search(r.space, m.Base, signature, m.Size)
	if err != nil {
		return 0, fmt.Errorf("locator: scan %v: %w", m, err)
	}
	if a.IsValid() {
		m.signatures[string(signature)] = a
	}
	return a, nil
}

// FindString finds text in the module image. An asterisk in text is a
// wildcard like in any other signature.
func (r *Registry) FindString(m *Module, text string) (mem.Address, error) {
	return r.FindSignature(m, []byte(text))
}

// FindPointer reads the pointer stored offset bytes after a signature match.
func (r *Registry) FindPointer(m *Module, signature []byte, offset int) (mem.Address, error) {
	a, err := r.FindSignature(m, signature)
	if err != nil || !a.IsValid() {
		return 0, err
	}
	p, err := mem.ReadAddress(r.space, a, offset)
	if err != nil {
		return 0, fmt.Errorf("locator: read pointer at %v+%d: %w", a, offset, err)
	}
	return p, nil
}

// Close releases every module. Modules must not be used afterwards.
func (r *Registry) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	var errs []error
	for base, m := range r.modules {
		errs = append(errs, r.loader.Release(m.handle))
		delete(r.modules, base)
	}
	return errors.Join(errs...)
}
