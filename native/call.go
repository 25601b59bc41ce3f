//go:build 386 && cgo && (linux || windows)

package native

/*
#include <stdint.h>

extern void binbridgeDispatch(uint32_t id, uint32_t *eax, uint32_t *edx, double *st0);

// Generated code does not keep the stack 16-byte aligned.
#define BINBRIDGE_DISPATCHER __attribute__((cdecl, force_align_arg_pointer, noinline))

static BINBRIDGE_DISPATCHER void binbridge_dispatch_void(uint32_t id) {
	uint32_t eax = 0, edx = 0;
	double st0 = 0;
	binbridgeDispatch(id, &eax, &edx, &st0);
}

static BINBRIDGE_DISPATCHER uint32_t binbridge_dispatch_int32(uint32_t id) {
	uint32_t eax = 0, edx = 0;
	double st0 = 0;
	binbridgeDispatch(id, &eax, &edx, &st0);
	return eax;
}

static BINBRIDGE_DISPATCHER uint64_t binbridge_dispatch_int64(uint32_t id) {
	uint32_t eax = 0, edx = 0;
	double st0 = 0;
	binbridgeDispatch(id, &eax, &edx, &st0);
	return ((uint64_t)edx << 32) | eax;
}

static BINBRIDGE_DISPATCHER float binbridge_dispatch_float32(uint32_t id) {
	uint32_t eax = 0, edx = 0;
	double st0 = 0;
	binbridgeDispatch(id, &eax, &edx, &st0);
	return (float)st0;
}

static BINBRIDGE_DISPATCHER double binbridge_dispatch_float64(uint32_t id) {
	uint32_t eax = 0, edx = 0;
	double st0 = 0;
	binbridgeDispatch(id, &eax, &edx, &st0);
	return st0;
}

static uintptr_t binbridge_dispatcher(int class) {
	switch (class) {
	case 1:
		return (uintptr_t)binbridge_dispatch_int32;
	case 2:
		return (uintptr_t)binbridge_dispatch_int64;
	case 3:
		return (uintptr_t)binbridge_dispatch_float32;
	case 4:
		return (uintptr_t)binbridge_dispatch_float64;
	default:
		return (uintptr_t)binbridge_dispatch_void;
	}
}

static void binbridge_enter(uintptr_t fn) {
	((void (*)(void))fn)();
}
*/
import "C"

import "github.com/sliverarmory/binbridge/sig"

func dispatcherFor(c sig.Class) uintptr {
	return uintptr(C.binbridge_dispatcher(C.int(c)))
}

func enter(fn uintptr) {
	C.binbridge_enter(C.uintptr_t(fn))
}
