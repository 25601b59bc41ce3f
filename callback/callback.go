// Package callback generates native entry points that forward into Go.
//
// Each trampoline saves the caller's frame pointer and ECX in a small data
// block and calls the machine's dispatcher for its return class with the
// trampoline's dispatch id. The Go side rebuilds the arguments from the saved
// frame, runs the host function and converts its result back into registers.
package callback

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/sliverarmory/binbridge/callvm"
	"github.com/sliverarmory/binbridge/invoke"
	"github.com/sliverarmory/binbridge/jit"
	"github.com/sliverarmory/binbridge/machine"
	"github.com/sliverarmory/binbridge/mem"
	"github.com/sliverarmory/binbridge/sig"
)

// ErrFreed is returned when using a trampoline after Free.
var ErrFreed = errors.New("callback: trampoline already freed")

// data block layout
const (
	dataEBP  = 0
	dataECX  = 4
	dataSize = 8
)

// Call is one native invocation of a trampoline.
type Call struct {
	Args []any
	// Frame is the caller's frame as seen by the trampoline: the saved EBP
	// lives at Frame and the first stack argument at Frame+8.
	Frame mem.Address
}

// Func is the host side of a trampoline. A returned error, like a panic, is
// logged and turns into a zero return value.
type Func func(c *Call) (any, error)

// Option configures a Trampoline.
type Option func(*Trampoline)

// WithPopSize overrides the number of argument bytes the trampoline pops.
func WithPopSize(n int) Option {
	return func(t *Trampoline) { t.popSize = n }
}

// WithLogger sets the logger used for host failures.
func WithLogger(l zerolog.Logger) Option {
	return func(t *Trampoline) { t.log = l }
}

// Trampoline is generated native code bound to a Func.
type Trampoline struct {
	m       machine.Machine
	sig     *sig.Signature
	fn      Func
	log     zerolog.Logger
	popSize int
	id      uint32
	code    mem.Address
	data    mem.Address
	result  mem.Address
}

// New generates a trampoline with signature s that calls fn. The pop size
// defaults to what the convention requires on the machine's platform.
func New(m machine.Machine, s *sig.Signature, fn Func, opts ...Option) (*Trampoline, error) {
	t := &Trampoline{
		m:       m,
		sig:     s,
		fn:      fn,
		log:     zerolog.Nop(),
		popSize: s.PopSize(m.Platform()),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.popSize < 0 || t.popSize > 0xFFFF {
		return nil, fmt.Errorf("callback: invalid pop size %d", t.popSize)
	}

	data, err := m.Alloc(dataSize, false)
	if err != nil {
		return nil, fmt.Errorf("callback: allocate data block: %w", err)
	}
	t.data = data
	t.id = m.Bind(t.dispatch)

	a := jit.New()
	a.Push(jit.EBP).
		MovReg(jit.EBP, jit.ESP).
		StoreAbs(uint32(data)+dataEBP, jit.EBP).
		StoreAbs(uint32(data)+dataECX, jit.ECX).
		PushImm(t.id).
		CallAbs(uint32(m.Dispatcher(s.Return().Type.Class()))).
		AddImm(jit.ESP, 4).
		MovReg(jit.ESP, jit.EBP).
		Pop(jit.EBP).
		Ret(uint16(t.popSize))

	code, err := callvm.Place(m, a)
	if err != nil {
		m.Unbind(t.id)
		_ = m.Free(data)
		return nil, err
	}
	t.code = code
	return t, nil
}

// Address is the native entry point, or an invalid Address after Free.
func (t *Trampoline) Address() mem.Address {
	return t.code
}

func (t *Trampoline) Signature() *sig.Signature {
	return t.sig
}

// PopSize is the operand of the trampoline's ret instruction.
func (t *Trampoline) PopSize() int {
	return t.popSize
}

// Function returns an invoker for the trampoline itself.
func (t *Trampoline) Function() (*invoke.Function, error) {
	if !t.code.IsValid() {
		return nil, ErrFreed
	}
	return invoke.New(t.m, t.code, t.sig), nil
}

// Free releases the generated code and data. Calling it again is a no-op.
func (t *Trampoline) Free() error {
	if !t.code.IsValid() {
		return nil
	}
	t.m.Unbind(t.id)
	errs := []error{t.m.Free(t.code), t.m.Free(t.data), t.releaseResult()}
	t.code, t.data = 0, 0
	return errors.Join(errs...)
}

// releaseResult frees the string returned by the previous invocation.
func (t *Trampoline) releaseResult() error {
	if !t.result.IsValid() {
		return nil
	}
	err := t.m.Free(t.result)
	t.result = 0
	return err
}

func (t *Trampoline) allocResult(text string) (mem.Address, error) {
	if err := t.releaseResult(); err != nil {
		return 0, err
	}
	a, err := callvm.AllocString(t.m, text)
	if err != nil {
		return 0, err
	}
	t.result = a
	return a, nil
}

func (t *Trampoline) dispatch() (res machine.Result) {
	defer func() {
		if r := recover(); r != nil {
			t.log.Error().
				Str("signature", t.sig.String()).
				Interface("panic", r).
				Msg("callback panicked")
			res = machine.Result{}
		}
	}()

	v, err := t.invoke()
	if err != nil {
		t.log.Error().Err(err).Str("signature", t.sig.String()).Msg("callback failed")
		return machine.Result{}
	}
	res, err = callvm.EncodeResult(t.sig.Return().Type, v, t.allocResult)
	if err != nil {
		t.log.Error().Err(err).Str("signature", t.sig.String()).Msg("callback returned a bad value")
		return machine.Result{}
	}
	return res
}

func (t *Trampoline) invoke() (any, error) {
	ebp, err := mem.Read[uint32](t.m, t.data, dataEBP)
	if err != nil {
		return nil, err
	}
	ecx, err := mem.Read[uint32](t.m, t.data, dataECX)
	if err != nil {
		return nil, err
	}
	frame := callvm.Frame{
		Sig:      t.sig,
		Platform: t.m.Platform(),
		Stack:    mem.Address(ebp).Add(8),
		ECX:      ecx,
	}
	args, err := frame.ReadArgs(t.m)
	if err != nil {
		return nil, err
	}
	return t.fn(&Call{Args: args, Frame: mem.Address(ebp)})
}
