//go:build windows

package memmod

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sys/windows"

	"github.com/sliverarmory/binbridge/mem"
)

// Windows loads PE images with LoadLibrary. A module handle is its base.
type Windows struct {
	log zerolog.Logger
}

// NewLoader returns the loader for this host.
func NewLoader(opts ...Option) Loader {
	c := newConfig(opts)
	return &Windows{log: c.log}
}

func (w *Windows) Format() Format {
	return FormatPE
}

func (w *Windows) Load(path string) (*Module, error) {
	handle, err := windows.LoadLibrary(path)
	if err != nil {
		return nil, fmt.Errorf("memmod: load %s: %w", path, err)
	}
	resolved := path
	buf := make([]uint16, windows.MAX_PATH)
	if n, err := windows.GetModuleFileName(handle, &buf[0], uint32(len(buf))); err == nil && n > 0 {
		resolved = windows.UTF16ToString(buf[:n])
	}
	w.log.Debug().Str("path", resolved).Uint64("base", uint64(handle)).Msg("loaded module")
	return &Module{Path: resolved, Handle: uintptr(handle), Base: uintptr(handle)}, nil
}

func (w *Windows) Release(m *Module) error {
	if m == nil || m.Handle == 0 {
		return nil
	}
	err := windows.FreeLibrary(windows.Handle(m.Handle))
	m.Handle = 0
	return err
}

// Size reads SizeOfImage from the mapped optional header.
func (w *Windows) Size(m *Module) (int, error) {
	return ImageSize(mem.Native{}, m.Base)
}

func (w *Windows) Export(m *Module, name string) (uintptr, error) {
	if m == nil || m.Handle == 0 {
		return 0, errors.New("memmod: module is closed")
	}
	return resolveExport(name, func(candidate string) (uintptr, error) {
		return windows.GetProcAddress(windows.Handle(m.Handle), candidate)
	})
}
