// Package memmod is the boundary to the operating system's module loader:
// opening a library, finding its image size and resolving exports.
package memmod

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/sliverarmory/binbridge/mem"
)

var (
	// ErrUnsupported is returned by loaders on hosts without a dynamic loader.
	ErrUnsupported = errors.New("memmod: no module loader for this platform")
	// ErrNotFound is returned by Export when no candidate name resolves.
	ErrNotFound = errors.New("memmod: export not found")
)

// Format is the image format a Loader maps.
type Format int

const (
	FormatELF Format = iota
	FormatPE
)

func (f Format) String() string {
	switch f {
	case FormatELF:
		return "elf"
	case FormatPE:
		return "pe"
	default:
		return fmt.Sprintf("Format(%d)", int(f))
	}
}

// Module is an image mapped by a Loader. Path is the file the image was
// mapped from and is where symbol tables are read.
type Module struct {
	Path   string
	Handle uintptr
	Base   uintptr
}

// Loader opens and releases modules. Two loads of the same file return
// distinct Modules with the same Base.
type Loader interface {
	Load(path string) (*Module, error)
	Release(m *Module) error
	Size(m *Module) (int, error)
	Export(m *Module, name string) (uintptr, error)
	Format() Format
}

type config struct {
	fs  afero.Fs
	log zerolog.Logger
}

// Option configures a Loader.
type Option func(*config)

// WithFs sets the filesystem module files are sized through.
func WithFs(fs afero.Fs) Option {
	return func(c *config) { c.fs = fs }
}

func WithLogger(log zerolog.Logger) Option {
	return func(c *config) { c.log = log }
}

func newConfig(opts []Option) config {
	c := config{fs: afero.NewOsFs(), log: zerolog.Nop()}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// ImageLoader is implemented by loaders that can map an image held in memory.
type ImageLoader interface {
	LoadImage(data []byte) (*Module, error)
}

// exportCandidates lists the spellings tried for an export: as given, then
// with a leading underscore toggled.
func exportCandidates(name string) ([]string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("memmod: export name cannot be empty")
	}
	candidates := []string{name}
	if strings.HasPrefix(name, "_") {
		candidates = append(candidates, strings.TrimPrefix(name, "_"))
	} else {
		candidates = append(candidates, "_"+name)
	}
	return candidates, nil
}

// resolveExport returns the first candidate spelling lookup resolves.
func resolveExport(name string, lookup func(string) (uintptr, error)) (uintptr, error) {
	candidates, err := exportCandidates(name)
	if err != nil {
		return 0, err
	}
	var errs []error
	for _, candidate := range candidates {
		addr, err := lookup(candidate)
		if err == nil && addr != 0 {
			return addr, nil
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return 0, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return 0, fmt.Errorf("%w: %q: %w", ErrNotFound, name, errors.Join(errs...))
}

const (
	dosLfanew       = 0x3C
	peSignature     = 0x00004550
	peSizeOfImage   = 0x50
	dosSignature    = 0x5A4D
	maxHeaderOffset = 0x1000
)

// ImageSize reads OptionalHeader.SizeOfImage from the PE headers mapped at
// base. The field sits at the same offset for PE32 and PE32+.
func ImageSize(s mem.Space, base uintptr) (int, error) {
	b := mem.Address(base)
	magic, err := mem.Read[uint16](s, b, 0)
	if err != nil {
		return 0, fmt.Errorf("memmod: read dos header: %w", err)
	}
	if magic != dosSignature {
		return 0, fmt.Errorf("memmod: no MZ signature at %v", b)
	}
	lfanew, err := mem.Read[uint32](s, b, dosLfanew)
	if err != nil {
		return 0, fmt.Errorf("memmod: read e_lfanew: %w", err)
	}
	if lfanew == 0 || lfanew > maxHeaderOffset {
		return 0, fmt.Errorf("memmod: implausible e_lfanew 0x%x", lfanew)
	}
	sign, err := mem.Read[uint32](s, b, int(lfanew))
	if err != nil {
		return 0, fmt.Errorf("memmod: read nt headers: %w", err)
	}
	if sign != peSignature {
		return 0, fmt.Errorf("memmod: no PE signature at %v", b.Add(int(lfanew)))
	}
	size, err := mem.Read[uint32](s, b, int(lfanew)+peSizeOfImage)
	if err != nil {
		return 0, fmt.Errorf("memmod: read SizeOfImage: %w", err)
	}
	return int(size), nil
}
