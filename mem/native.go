package mem

import (
	"unsafe"
)

// Native is the address space of the current process. It performs no
// validity checks beyond rejecting address zero.
type Native struct{}

func (Native) ReadAt(p []byte, addr uintptr) error {
	if addr == 0 {
		return ErrNullPointer
	}
	if len(p) == 0 {
		return nil
	}
	copy(p, unsafe.Slice((*byte)(unsafe.Pointer(addr)), len(p)))
	return nil
}

func (Native) WriteAt(p []byte, addr uintptr) error {
	if addr == 0 {
		return ErrNullPointer
	}
	if len(p) == 0 {
		return nil
	}
	copy(unsafe.Slice((*byte)(unsafe.Pointer(addr)), len(p)), p)
	return nil
}

func (Native) PointerSize() int {
	return int(unsafe.Sizeof(uintptr(0)))
}

// AddressOf returns the address of the first element of a Go slice. The caller
// keeps the slice alive for as long as the address is used.
func AddressOf[T any](s []T) Address {
	if len(s) == 0 {
		return 0
	}
	return Address(unsafe.Pointer(&s[0]))
}
