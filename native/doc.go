// Package native runs generated code in the current process. It is only
// available to 32-bit x86 builds with cgo on Linux and Windows; elsewhere New
// returns ErrUnsupported and callers fall back to the x86emu machine.
package native

import "errors"

// ErrUnsupported is returned by New on hosts that cannot execute x86-32 code.
var ErrUnsupported = errors.New("native: x86-32 execution requires a 386 cgo build on linux or windows")
