//go:build 386 && cgo && windows

package native

import (
	"golang.org/x/sys/windows"
)

type region struct {
	addr uintptr
	size int
}

func mapRegion(size int, code bool) (region, error) {
	protect := uint32(windows.PAGE_READWRITE)
	if code {
		protect = windows.PAGE_EXECUTE_READWRITE
	}
	addr, err := windows.VirtualAlloc(0, uintptr(size), windows.MEM_COMMIT|windows.MEM_RESERVE, protect)
	if err != nil {
		return region{}, err
	}
	return region{addr: addr, size: size}, nil
}

func unmapRegion(r region) error {
	return windows.VirtualFree(r.addr, 0, windows.MEM_RELEASE)
}

// withWritable runs fn with [addr, addr+n) made RWX and restores the previous
// protection afterwards.
func withWritable(addr uintptr, n int, fn func() error) error {
	var old uint32
	if err := windows.VirtualProtect(addr, uintptr(n), windows.PAGE_EXECUTE_READWRITE, &old); err != nil {
		return err
	}
	err := fn()
	if perr := windows.VirtualProtect(addr, uintptr(n), old, &old); perr != nil && err == nil {
		err = perr
	}
	return err
}
