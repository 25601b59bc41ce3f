// Package hook intercepts native functions with chains of pre-call and
// post-call observers.
//
// A hooked function's entry jumps to a generated bridge. The bridge calls the
// pre chain, which may rewrite the arguments in place or supply a return
// value and skip the function. Otherwise the original body runs through a
// gateway holding the relocated prologue, after which the post chain
// observes the arguments and the computed return value.
//
// Each pass through the bridge keeps its caller's stack pointer, receiver and
// return address on a per-hook invocation stack, so a hooked function may be
// re-entered from its own observers or recursively from its body. A Manager
// is not safe for concurrent use.
package hook

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

var (
	// ErrNotHooked is returned for operations on an address without a hook.
	ErrNotHooked = errors.New("hook: address is not hooked")
	// ErrRelocation is returned when a prologue cannot be moved to a gateway.
	ErrRelocation = errors.New("hook: cannot relocate prologue")
	// ErrSignature is returned when a hooked address is registered again with
	// a different signature.
	ErrSignature = errors.New("hook: signature mismatch")
)

// Action is an observer's vote on how the intercepted call proceeds.
type Action int

const (
	Continue Action = iota
	OverrideReturn
	OverrideArguments
	Error
)

func (a Action) String() string {
	switch a {
	case Continue:
		return "continue"
	case OverrideReturn:
		return "override_return"
	case OverrideArguments:
		return "override_arguments"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("Action(%d)", int(a))
	}
}

// rank orders actions; equal ranks keep the earlier observer's vote.
func (a Action) rank() int {
	switch a {
	case OverrideArguments:
		return 1
	case OverrideReturn:
		return 2
	default:
		return 0
	}
}

// Call is the intercepted call as seen by an observer. Pre observers may
// mutate Args in place; the mutations are written back when
// OverrideArguments wins. Return is only set for post observers.
type Call struct {
	Target mem.Address
	Args   []any
	Return any
}

// Handler is an observer callback. The value is the return override for
// OverrideReturn and is ignored otherwise.
type Handler func(c *Call) (Action, any, error)

// Observer is a registered handler. Removal compares observers by pointer.
type Observer struct {
	Name    string
	Handler Handler
}

// NewObserver wraps h.
func NewObserver(name string, h Handler) *Observer {
	return &Observer{Name: name, Handler: h}
}

// Context block layout. Register slots only carry values across a single
// dispatcher call, so nested invocations never read each other's values. The
// gateway slot is filled once the detour exists, after the bridge that reads
// it was generated.
const (
	ctxESP     = 0
	ctxECX     = 4
	ctxEAX     = 8
	ctxEDX     = 12
	ctxGateway = 16
	ctxST0     = 24
	ctxSize    = 32
)

// invocation is one call in flight through the bridge. esp points at the
// caller's return address, which the gateway call overwrites.
type invocation struct {
	esp     uint32
	ecx     uint32
	ret     uint32
	scratch []mem.Address
}

// Entry is the hook state of one target address.
type Entry struct {
	target mem.Address
	sig    *sig.Signature
	pre    []*Observer
	post   []*Observer

	ctx     mem.Address
	bridge  mem.Address
	preID   uint32
	postID  uint32
	detour  *detour
	active  []*invocation
	retired []mem.Address
}

func (e *Entry) Target() mem.Address { return e.target }
func (e *Entry) Signature() *sig.Signature { return e.sig }
func (e *Entry) Gateway() mem.Address { return e.detour.gateway }
func (e *Entry) PreObservers() []*Observer { return append([]*Observer(nil), e.pre...) }
func (e *Entry) PostObservers() []*Observer { return append([]*Observer(nil), e.post...) }
func (e *Entry) empty() bool { return len(e.pre) == 0 && len(e.post) == 0 }

// Manager owns every hook installed on a machine.
type Manager struct {
	m     machine.Machine
	log   zerolog.Logger
	hooks map[mem.Address]*Entry
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger for observer failures and hook lifecycle events.
func WithLogger(l zerolog.Logger) Option {
	return func(h *Manager) { h.log = l }
}

// NewManager returns a Manager with no hooks.
func NewManager(m machine.Machine, opts ...Option) *Manager {
	h := &Manager{
		m:     m,
		log:   zerolog.Nop(),
		hooks: make(map[mem.Address]*Entry),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Lookup returns the hook installed at target.
func (h *Manager) Lookup(target mem.Address) (*Entry, bool) {
	e, ok := h.hooks[target]
	return e, ok
}

// Len returns the number of hooked addresses.
func (h *Manager) Len() int {
	return len(h.hooks)
}

// AddPre appends o to the pre-call chain of target, installing the hook on
// first use. Adding the same observer twice makes it run twice.
func (h *Manager) AddPre(target mem.Address, s *sig.Signature, o *Observer) error {
	e, err := h.entry(target, s)
	if err != nil {
		return err
	}
	e.pre = append(e.pre, o)
	return nil
}

// AddPost appends o to the post-call chain of target.
func (h *Manager) AddPost(target mem.Address, s *sig.Signature, o *Observer) error {
	e, err := h.entry(target, s)
	if err != nil {
		return err
	}
	e.post = append(e.post, o)
	return nil
}

// RemovePre removes every registration of o from the pre-call chain. The hook
// is uninstalled once both chains are empty. Removing from an address that
// is not hooked does nothing.
func (h *Manager) RemovePre(target mem.Address, o *Observer) error {
	e, ok := h.hooks[target]
	if !ok {
		return nil
	}
	e.pre = without(e.pre, o)
	return h.maybeUninstall(e)
}

// RemovePost removes every registration of o from the post-call chain.
func (h *Manager) RemovePost(target mem.Address, o *Observer) error {
	e, ok := h.hooks[target]
	if !ok {
		return nil
	}
	e.post = without(e.post, o)
	return h.maybeUninstall(e)
}

func without(list []*Observer, o *Observer) []*Observer {
	out := list[:0]
	for _, item := range list {
		if item != o {
			out = append(out, item)
		}
	}
	return out
}

// CallOriginal calls the hooked function through its gateway, bypassing
// every observer.
func (h *Manager) CallOriginal(target mem.Address, args ...any) (any, error) {
	e, ok := h.hooks[target]
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrNotHooked, target)
	}
	return invoke.New(h.m, e.detour.gateway, e.sig).Call(args...)
}

// Close uninstalls every hook.
func (h *Manager) Close() error {
	var errs []error
	for _, e := range h.hooks {
		e.pre, e.post = nil, nil
		errs = append(errs, h.maybeUninstall(e))
	}
	return errors.Join(errs...)
}

func (h *Manager) entry(target mem.Address, s *sig.Signature) (*Entry, error) {
	if !target.IsValid() {
		return nil, mem.ErrNullPointer
	}
	if e, ok := h.hooks[target]; ok {
		if e.sig.String() != s.String() || e.sig.Convention() != s.Convention() {
			return nil, fmt.Errorf("%w: %v is hooked as %v %q", ErrSignature, target, e.sig.Convention(), e.sig)
		}
		return e, nil
	}
	e, err := h.install(target, s)
	if err != nil {
		return nil, err
	}
	h.hooks[target] = e
	return e, nil
}

func (h *Manager) install(target mem.Address, s *sig.Signature) (*Entry, error) {
	ctx, err := h.m.Alloc(ctxSize, false)
	if err != nil {
		return nil, fmt.Errorf("hook: allocate context: %w", err)
	}
	e := &Entry{target: target, sig: s, ctx: ctx}
	e.preID = h.m.Bind(func() machine.Result { return h.pre(e) })
	e.postID = h.m.Bind(func() machine.Result { return h.post(e) })

	fail := func(err error) (*Entry, error) {
		h.m.Unbind(e.preID)
		h.m.Unbind(e.postID)
		if e.bridge.IsValid() {
			_ = h.m.Free(e.bridge)
		}
		_ = h.m.Free(ctx)
		return nil, err
	}

	bridge, err := callvm.Place(h.m, h.bridgeCode(e))
	if err != nil {
		return fail(err)
	}
	e.bridge = bridge

	d, err := installDetour(h.m, target, bridge)
	if err != nil {
		return fail(err)
	}
	e.detour = d
	if err := mem.Write(h.m, ctx, ctxGateway, uint32(d.gateway)); err != nil {
		_ = d.remove(h.m)
		return fail(err)
	}

	h.log.Debug().
		Stringer("target", target).
		Stringer("bridge", bridge).
		Stringer("gateway", d.gateway).
		Str("signature", s.String()).
		Msg("hook installed")
	return e, nil
}

func (h *Manager) bridgeCode(e *Entry) *jit.Assembler {
	ctx := uint32(e.ctx)
	ret := e.sig.Return().Type.Class()
	float := ret == sig.ClassFloat32 || ret == sig.ClassFloat64
	pop := e.sig.PopSize(h.m.Platform())

	a := jit.New()
	a.StoreAbs(ctx+ctxESP, jit.ESP).
		StoreAbs(ctx+ctxECX, jit.ECX).
		PushImm(e.preID).
		CallAbs(uint32(h.m.Dispatcher(sig.ClassInt32))).
		AddImm(jit.ESP, 4).
		LoadAbs(jit.ECX, ctx+ctxECX).
		Test(jit.EAX, jit.EAX).
		Jnz("skip").
		AddImm(jit.ESP, 4).
		LoadAbs(jit.EAX, ctx+ctxGateway).
		CallReg(jit.EAX)
	if float {
		a.FstpAbs64(ctx + ctxST0)
	}
	// post puts the caller's return address back in the slot the gateway
	// call used.
	a.StoreAbs(ctx+ctxEAX, jit.EAX).
		StoreAbs(ctx+ctxEDX, jit.EDX).
		SubImm(jit.ESP, int32(pop)+4).
		PushImm(e.postID).
		CallAbs(uint32(h.m.Dispatcher(sig.ClassVoid))).
		AddImm(jit.ESP, 4).
		Label("skip").
		LoadAbs(jit.EAX, ctx+ctxEAX).
		LoadAbs(jit.EDX, ctx+ctxEDX)
	if float {
		a.FldAbs64(ctx + ctxST0)
	}
	return a.Ret(uint16(pop))
}

func (h *Manager) maybeUninstall(e *Entry) error {
	if !e.empty() {
		return nil
	}
	delete(h.hooks, e.target)
	h.m.Unbind(e.preID)
	h.m.Unbind(e.postID)
	for _, inv := range e.active {
		e.retired = append(e.retired, inv.scratch...)
	}
	e.active = nil
	errs := []error{e.detour.remove(h.m), h.m.Free(e.bridge), h.m.Free(e.ctx), e.release(h.m)}
	h.log.Debug().Stringer("target", e.target).Msg("hook removed")
	return errors.Join(errs...)
}

// release frees strings written by finished invocations.
func (e *Entry) release(m machine.Machine) error {
	var errs []error
	for _, a := range e.retired {
		errs = append(errs, m.Free(a))
	}
	e.retired = e.retired[:0]
	return errors.Join(errs...)
}

func (inv *invocation) alloc(m machine.Machine) callvm.Allocator {
	return func(text string) (mem.Address, error) {
		a, err := callvm.AllocString(m, text)
		if err != nil {
			return 0, err
		}
		inv.scratch = append(inv.scratch, a)
		return a, nil
	}
}

// enter captures the registers the bridge handed to the pre dispatcher.
func (e *Entry) enter(m machine.Machine) (*invocation, error) {
	esp, err := mem.Read[uint32](m, e.ctx, ctxESP)
	if err != nil {
		return nil, err
	}
	ecx, err := mem.Read[uint32](m, e.ctx, ctxECX)
	if err != nil {
		return nil, err
	}
	ret, err := mem.Read[uint32](m, mem.Address(esp), 0)
	if err != nil {
		return nil, err
	}
	return &invocation{esp: esp, ecx: ecx, ret: ret}, nil
}

func (e *Entry) frame(m machine.Machine, inv *invocation) *callvm.Frame {
	return &callvm.Frame{
		Sig:      e.sig,
		Platform: m.Platform(),
		Stack:    mem.Address(inv.esp).Add(4),
		ECX:      inv.ecx,
	}
}

// run calls one observer, turning errors and panics into Continue.
func (h *Manager) run(e *Entry, o *Observer, c *Call, phase string) (action Action, value any) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error().
				Stringer("target", e.target).
				Str("phase", phase).
				Str("observer", o.Name).
				Interface("panic", r).
				Msg("hook observer panicked")
			action, value = Continue, nil
		}
	}()
	action, value, err := o.Handler(c)
	if err != nil {
		h.log.Error().Err(err).
			Stringer("target", e.target).
			Str("phase", phase).
			Str("observer", o.Name).
			Msg("hook observer failed")
		return Continue, nil
	}
	if action == Error {
		h.log.Error().
			Stringer("target", e.target).
			Str("phase", phase).
			Str("observer", o.Name).
			Msg("hook observer reported an error")
		return Continue, nil
	}
	return action, value
}

// pre runs the pre chain and returns a non-zero EAX when the original
// function must be skipped.
func (h *Manager) pre(e *Entry) machine.Result {
	if len(e.active) == 0 {
		if err := e.release(h.m); err != nil {
			h.log.Warn().Err(err).Stringer("target", e.target).Msg("release hook scratch memory")
		}
	}
	inv, err := e.enter(h.m)
	if err != nil {
		// The return address is still on the stack, so skipping is safe.
		h.log.Error().Err(err).Stringer("target", e.target).Msg("read hook context")
		if err := h.storeResult(e, machine.Result{}); err != nil {
			h.log.Error().Err(err).Stringer("target", e.target).Msg("store hook result")
		}
		return machine.Result{EAX: 1}
	}
	frame := e.frame(h.m, inv)
	args, err := frame.ReadArgs(h.m)
	if err != nil {
		h.log.Error().Err(err).Stringer("target", e.target).Msg("read hooked arguments")
		return h.resume(e, inv)
	}

	c := &Call{Target: e.target, Args: args}
	winner, value := Continue, any(nil)
	for _, o := range append([]*Observer(nil), e.pre...) {
		action, v := h.run(e, o, c, "pre")
		if action.rank() > winner.rank() {
			winner, value = action, v
		}
	}

	switch winner {
	case OverrideArguments:
		if err := frame.WriteArgs(h.m, c.Args, inv.alloc(h.m)); err != nil {
			h.log.Error().Err(err).Stringer("target", e.target).Msg("write back hooked arguments")
		}
		inv.ecx = frame.ECX
		return h.resume(e, inv)
	case OverrideReturn:
		res, err := callvm.EncodeResult(e.sig.Return().Type, value, inv.alloc(h.m))
		if err == nil {
			err = h.storeResult(e, res)
		}
		if err != nil {
			h.log.Error().Err(err).Stringer("target", e.target).Msg("override return value")
			return h.resume(e, inv)
		}
		e.retired = append(e.retired, inv.scratch...)
		return machine.Result{EAX: 1}
	default:
		return h.resume(e, inv)
	}
}

// resume records inv as in flight and hands its receiver back to the bridge
// for the gateway call.
func (h *Manager) resume(e *Entry, inv *invocation) machine.Result {
	e.active = append(e.active, inv)
	if err := mem.Write(h.m, e.ctx, ctxECX, inv.ecx); err != nil {
		h.log.Error().Err(err).Stringer("target", e.target).Msg("write back receiver")
	}
	return machine.Result{}
}

func (h *Manager) storeResult(e *Entry, res machine.Result) error {
	if err := mem.Write(h.m, e.ctx, ctxEAX, res.EAX); err != nil {
		return err
	}
	if err := mem.Write(h.m, e.ctx, ctxEDX, res.EDX); err != nil {
		return err
	}
	return mem.Write(h.m, e.ctx, ctxST0, res.ST0)
}

func (h *Manager) loadResult(e *Entry) (machine.Result, error) {
	eax, err := mem.Read[uint32](h.m, e.ctx, ctxEAX)
	if err != nil {
		return machine.Result{}, err
	}
	edx, err := mem.Read[uint32](h.m, e.ctx, ctxEDX)
	if err != nil {
		return machine.Result{}, err
	}
	st0, err := mem.Read[float64](h.m, e.ctx, ctxST0)
	if err != nil {
		return machine.Result{}, err
	}
	return machine.Result{EAX: eax, EDX: edx, ST0: st0}, nil
}

// post restores the caller's return address of the innermost invocation and
// runs the post chain. Post observers see the computed return value but
// cannot change it.
func (h *Manager) post(e *Entry) machine.Result {
	n := len(e.active)
	if n == 0 {
		h.log.Error().Stringer("target", e.target).Msg("hook returned without an active call")
		return machine.Result{}
	}
	inv := e.active[n-1]
	e.active = e.active[:n-1]
	defer func() { e.retired = append(e.retired, inv.scratch...) }()

	if err := mem.Write(h.m, mem.Address(inv.esp), 0, inv.ret); err != nil {
		h.log.Error().Err(err).Stringer("target", e.target).Msg("restore return address")
	}
	res, err := h.loadResult(e)
	if err != nil {
		h.log.Error().Err(err).Stringer("target", e.target).Msg("read hooked return value")
		return machine.Result{}
	}
	h.observe(e, inv, res)
	// observers may have called through this hook again
	if err := h.storeResult(e, res); err != nil {
		h.log.Error().Err(err).Stringer("target", e.target).Msg("store hooked return value")
	}
	return machine.Result{}
}

func (h *Manager) observe(e *Entry, inv *invocation, res machine.Result) {
	if len(e.post) == 0 {
		return
	}
	args, err := e.frame(h.m, inv).ReadArgs(h.m)
	if err != nil {
		h.log.Error().Err(err).Stringer("target", e.target).Msg("read hooked arguments")
		return
	}
	ret, err := callvm.DecodeResult(h.m, e.sig.Return().Type, res)
	if err != nil {
		h.log.Error().Err(err).Stringer("target", e.target).Msg("decode hooked return value")
		return
	}
	c := &Call{Target: e.target, Args: args, Return: ret}
	for _, o := range append([]*Observer(nil), e.post...) {
		h.run(e, o, c, "post")
	}
}
