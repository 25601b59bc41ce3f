//go:build linux && !cgo && !amd64 && !arm64

package memmod

func dlOpen(path string) (uintptr, error) {
	return 0, ErrUnsupported
}

func dlSym(handle uintptr, name string) (uintptr, error) {
	return 0, ErrUnsupported
}

func dlClose(handle uintptr) error {
	return ErrUnsupported
}
