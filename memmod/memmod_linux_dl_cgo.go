//go:build linux && cgo

package memmod

/*
#cgo LDFLAGS: -ldl
#include <dlfcn.h>
#include <stdlib.h>
*/
import "C"

import (
	"errors"
	"fmt"
	"unsafe"
)

func dlOpen(path string) (uintptr, error) {
	cPath := C.CString(path)
	defer C.free(unsafe.Pointer(cPath))

	// clear stale dlerror
	C.dlerror()
	handle := C.dlopen(cPath, C.RTLD_NOW|C.RTLD_LOCAL)
	if handle == nil {
		return 0, dlError("dlopen")
	}
	return uintptr(handle), nil
}

func dlSym(handle uintptr, name string) (uintptr, error) {
	cName := C.CString(name)
	defer C.free(unsafe.Pointer(cName))

	C.dlerror()
	sym := C.dlsym(unsafe.Pointer(handle), cName)
	if msg := C.dlerror(); msg != nil {
		return 0, fmt.Errorf("dlsym(%s): %s", name, C.GoString(msg))
	}
	if sym == nil {
		return 0, fmt.Errorf("dlsym(%s): symbol address is nil", name)
	}
	return uintptr(sym), nil
}

func dlClose(handle uintptr) error {
	if C.dlclose(unsafe.Pointer(handle)) != 0 {
		return dlError("dlclose")
	}
	return nil
}

func dlError(op string) error {
	msg := C.dlerror()
	if msg == nil {
		return errors.New(op + ": unknown error")
	}
	return fmt.Errorf("%s: %s", op, C.GoString(msg))
}
