//go:build !(386 && cgo && (linux || windows))

package native

import (
	"github.com/rs/zerolog"

	"github.com/sliverarmory/binbridge/machine"
)

// Machine is unavailable on this host.
type Machine struct {
	machine.Machine
}

type Option func(*options)

type options struct {
	log zerolog.Logger
}

func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.log = l }
}

// New always fails with ErrUnsupported.
func New(opts ...Option) (*Machine, error) {
	return nil, ErrUnsupported
}
