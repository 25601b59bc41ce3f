//go:build !windows && !linux

package memmod

type unsupported struct{}

// NewLoader returns a loader whose every operation fails with ErrUnsupported.
func NewLoader(opts ...Option) Loader {
	return unsupported{}
}

func (unsupported) Load(path string) (*Module, error) {
	return nil, ErrUnsupported
}

func (unsupported) Release(m *Module) error {
	return nil
}

func (unsupported) Size(m *Module) (int, error) {
	return 0, ErrUnsupported
}

func (unsupported) Export(m *Module, name string) (uintptr, error) {
	return 0, ErrUnsupported
}

func (unsupported) Format() Format {
	return FormatELF
}
