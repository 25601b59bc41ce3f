//go:build linux && !cgo && (amd64 || arm64)

package memmod

import (
	"github.com/ebitengine/purego"
)

func dlOpen(path string) (uintptr, error) {
	return purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_LOCAL)
}

func dlSym(handle uintptr, name string) (uintptr, error) {
	return purego.Dlsym(handle, name)
}

func dlClose(handle uintptr) error {
	return purego.Dlclose(handle)
}
