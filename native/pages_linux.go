//go:build 386 && cgo && linux

package native

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

type region struct {
	addr uintptr
	size int
	buf  []byte
}

func mapRegion(size int, code bool) (region, error) {
	prot := unix.PROT_READ | unix.PROT_WRITE
	if code {
		prot |= unix.PROT_EXEC
	}
	buf, err := unix.Mmap(-1, 0, size, prot, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return region{}, err
	}
	return region{addr: uintptr(unsafe.Pointer(&buf[0])), size: size, buf: buf}, nil
}

func unmapRegion(r region) error {
	return unix.Munmap(r.buf)
}

// withWritable runs fn with the pages covering [addr, addr+n) mapped RWX and
// leaves them readable and executable afterwards.
func withWritable(addr uintptr, n int, fn func() error) error {
	pageSize := uintptr(unix.Getpagesize())
	start := addr &^ (pageSize - 1)
	end := (addr + uintptr(n) + pageSize - 1) &^ (pageSize - 1)
	pages := unsafe.Slice((*byte)(unsafe.Pointer(start)), end-start)

	if err := unix.Mprotect(pages, unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC); err != nil {
		return err
	}
	err := fn()
	if perr := unix.Mprotect(pages, unix.PROT_READ|unix.PROT_EXEC); perr != nil && err == nil {
		err = perr
	}
	return err
}
