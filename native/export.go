//go:build 386 && cgo && (linux || windows)

package native

/*
#include <stdint.h>
*/
import "C"

//export binbridgeDispatch
func binbridgeDispatch(id C.uint32_t, eax, edx *C.uint32_t, st0 *C.double) {
	res := dispatch(uint32(id))
	*eax = C.uint32_t(res.EAX)
	*edx = C.uint32_t(res.EDX)
	*st0 = C.double(res.ST0)
}
