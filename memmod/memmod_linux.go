//go:build linux

package memmod

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
	"os"
	"runtime"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"golang.org/x/sys/unix"

	"github.com/sliverarmory/binbridge/mem"
)

// maxPathLen bounds the link_map name read after dlopen.
const maxPathLen = 4096

// Linux loads shared objects through the dynamic linker.
type Linux struct {
	fs  afero.Fs
	log zerolog.Logger
	fds map[uintptr]int
}

// NewLoader returns the loader for this host.
func NewLoader(opts ...Option) Loader {
	c := newConfig(opts)
	return &Linux{fs: c.fs, log: c.log, fds: make(map[uintptr]int)}
}

func (l *Linux) Format() Format {
	return FormatELF
}

func (l *Linux) Load(path string) (*Module, error) {
	handle, err := dlOpen(path)
	if err != nil {
		return nil, fmt.Errorf("memmod: load %s: %w", path, err)
	}
	module, err := linkMap(handle)
	if err != nil {
		_ = dlClose(handle)
		return nil, err
	}
	if module.Path == "" {
		module.Path = path
	}
	l.log.Debug().Str("path", module.Path).Uint64("base", uint64(module.Base)).Msg("loaded module")
	return module, nil
}

// linkMap reads the load bias and resolved file name from the link_map the
// dynamic linker returns as a dlopen handle.
func linkMap(handle uintptr) (*Module, error) {
	s := mem.Native{}
	base, err := mem.ReadAddress(s, mem.Address(handle), 0)
	if err != nil {
		return nil, fmt.Errorf("memmod: read link_map: %w", err)
	}
	name, err := mem.ReadAddress(s, mem.Address(handle), s.PointerSize())
	if err != nil {
		return nil, fmt.Errorf("memmod: read link_map: %w", err)
	}
	path := ""
	if name.IsValid() {
		if path, err = mem.ReadCString(s, name, 0, maxPathLen); err != nil {
			return nil, fmt.Errorf("memmod: read module name: %w", err)
		}
	}
	return &Module{Path: path, Handle: handle, Base: uintptr(base)}, nil
}

// LoadImage maps an ELF shared object held in memory. The image is written to
// an anonymous file that stays open until Release.
func (l *Linux) LoadImage(data []byte) (*Module, error) {
	if len(data) == 0 {
		return nil, errors.New("memmod: empty ELF image")
	}
	if err := validateELFForCurrentArch(data); err != nil {
		return nil, err
	}

	fd, err := createAnonymousLibraryFD()
	if err != nil {
		return nil, fmt.Errorf("memmod: create anonymous shared object fd: %w", err)
	}
	written := 0
	for written < len(data) {
		n, err := unix.Write(fd, data[written:])
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			_ = unix.Close(fd)
			return nil, fmt.Errorf("memmod: write anonymous shared object: %w", err)
		}
		if n <= 0 {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("memmod: write anonymous shared object: short write (%d/%d)", written, len(data))
		}
		written += n
	}

	path := fmt.Sprintf("/proc/self/fd/%d", fd)
	module, err := l.Load(path)
	if err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	module.Path = path
	l.fds[module.Handle] = fd
	return module, nil
}

func (l *Linux) Release(m *Module) error {
	if m == nil || m.Handle == 0 {
		return nil
	}
	err := dlClose(m.Handle)
	if fd, ok := l.fds[m.Handle]; ok {
		delete(l.fds, m.Handle)
		err = errors.Join(err, unix.Close(fd))
	}
	m.Handle = 0
	return err
}

// Size is the size of the file the module was mapped from. Segments can be
// mapped larger or with gaps, so this only approximates the image extent.
func (l *Linux) Size(m *Module) (int, error) {
	info, err := l.fs.Stat(m.Path)
	if err != nil {
		return 0, fmt.Errorf("memmod: size of %s: %w", m.Path, err)
	}
	return int(info.Size()), nil
}

func (l *Linux) Export(m *Module, name string) (uintptr, error) {
	if m == nil || m.Handle == 0 {
		return 0, errors.New("memmod: module is closed")
	}
	return resolveExport(name, func(candidate string) (uintptr, error) {
		return dlSym(m.Handle, candidate)
	})
}

func createAnonymousLibraryFD() (int, error) {
	// Prefer O_TMPFILE on tmpfs so there is never a directory entry.
	fd, err := unix.Open("/dev/shm", unix.O_RDWR|unix.O_CLOEXEC|unix.O_TMPFILE, 0o600)
	if err == nil {
		return fd, nil
	}

	// Fallback: create under /dev/shm then unlink immediately. The open fd
	// remains usable via /proc/self/fd/<n>.
	f, tmpErr := os.CreateTemp("/dev/shm", "binbridge-*")
	if tmpErr != nil {
		return -1, errors.Join(err, tmpErr)
	}
	name := f.Name()
	if rmErr := os.Remove(name); rmErr != nil {
		_ = f.Close()
		return -1, fmt.Errorf("unlink temp shared object %s: %w", name, rmErr)
	}
	dupFD, dupErr := unix.Dup(int(f.Fd()))
	if closeErr := f.Close(); closeErr != nil && dupErr == nil {
		return -1, fmt.Errorf("close temp shared object file %s: %w", name, closeErr)
	}
	if dupErr != nil {
		return -1, fmt.Errorf("dup temp shared object fd: %w", dupErr)
	}
	return dupFD, nil
}

func validateELFForCurrentArch(data []byte) error {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("memmod: invalid ELF image: %w", err)
	}
	defer f.Close()

	machine, err := currentELFMachine()
	if err != nil {
		return err
	}
	if f.Machine != machine {
		return fmt.Errorf("memmod: foreign platform (provided: %s, expected: %s)", f.Machine, machine)
	}
	if f.Type != elf.ET_DYN {
		return fmt.Errorf("memmod: unsupported ELF file type: %s", f.Type)
	}
	return nil
}

func currentELFMachine() (elf.Machine, error) {
	switch runtime.GOARCH {
	case "386":
		return elf.EM_386, nil
	case "amd64":
		return elf.EM_X86_64, nil
	case "arm64":
		return elf.EM_AARCH64, nil
	default:
		return 0, fmt.Errorf("memmod: unsupported linux architecture: %s", runtime.GOARCH)
	}
}
