// Package binbridge lets Go code work with native x86-32 code loaded in the
// same address space: find functions in modules, call them, hand out native
// callbacks and intercept calls with pre and post hooks.
//
// A Bridge ties the pieces together over one machine. The default machine is
// the running process, which requires a 386 build with cgo on Linux or
// Windows; any other host can run generated code on the software machine in
// package x86emu.
package binbridge

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/sliverarmory/binbridge/callback"
	"github.com/sliverarmory/binbridge/defs"
	"github.com/sliverarmory/binbridge/hook"
	"github.com/sliverarmory/binbridge/invoke"
	"github.com/sliverarmory/binbridge/locator"
	"github.com/sliverarmory/binbridge/machine"
	"github.com/sliverarmory/binbridge/mem"
	"github.com/sliverarmory/binbridge/memmod"
	"github.com/sliverarmory/binbridge/native"
	"github.com/sliverarmory/binbridge/sig"
)

var ErrClosed = errors.New("binbridge: bridge is closed")

type options struct {
	machine machine.Machine
	loader  memmod.Loader
	fs      afero.Fs
	log     zerolog.Logger
	defs    []string
}

type Option func(*options)

// WithMachine runs everything on m instead of the running process.
func WithMachine(m machine.Machine) Option {
	return func(o *options) { o.machine = m }
}

// WithLoader replaces the host module loader.
func WithLoader(l memmod.Loader) Option {
	return func(o *options) { o.loader = l }
}

// WithFs sets the filesystem for library images, symbol tables and
// definition files.
func WithFs(fs afero.Fs) Option {
	return func(o *options) { o.fs = fs }
}

func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithDefinitions reads function definition files when the Bridge is created.
func WithDefinitions(paths ...string) Option {
	return func(o *options) { o.defs = append(o.defs, paths...) }
}

// Bridge owns a machine, its modules, hooks and callbacks.
type Bridge struct {
	mu        sync.RWMutex
	machine   machine.Machine
	modules   *locator.Registry
	hooks     *hook.Manager
	defs      *defs.Set
	fs        afero.Fs
	log       zerolog.Logger
	callbacks map[*callback.Trampoline]struct{}
	closed    bool
}

// New creates a Bridge.
func New(opts ...Option) (*Bridge, error) {
	o := options{fs: afero.NewOsFs(), log: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.machine == nil {
		m, err := native.New(native.WithLogger(o.log))
		if err != nil {
			return nil, fmt.Errorf("binbridge: %w", err)
		}
		o.machine = m
	}
	if o.loader == nil {
		o.loader = memmod.NewLoader(memmod.WithFs(o.fs), memmod.WithLogger(o.log))
	}

	set, err := defs.Load(o.fs, o.machine.Platform(), o.defs...)
	if err != nil {
		return nil, fmt.Errorf("binbridge: %w", err)
	}

	b := &Bridge{
		machine:   o.machine,
		modules:   locator.New(o.loader, o.machine, locator.WithFs(o.fs), locator.WithLogger(o.log)),
		hooks:     hook.NewManager(o.machine, hook.WithLogger(o.log)),
		defs:      set,
		fs:        o.fs,
		log:       o.log,
		callbacks: make(map[*callback.Trampoline]struct{}),
	}
	b.log.Debug().
		Stringer("platform", o.machine.Platform()).
		Int("definitions", len(set.Names())).
		Msg("bridge ready")
	return b, nil
}

func (b *Bridge) Machine() machine.Machine {
	return b.machine
}

// Modules returns the module registry.
func (b *Bridge) Modules() *locator.Registry {
	return b.modules
}

// Hooks returns the hook manager.
func (b *Bridge) Hooks() *hook.Manager {
	return b.hooks
}

// Definitions returns the function definitions read so far.
func (b *Bridge) Definitions() *defs.Set {
	return b.defs
}

func (b *Bridge) check() error {
	if b.closed {
		return ErrClosed
	}
	return nil
}

// LoadLibrary loads a module by path. Paths without an extension get the
// platform's library extension.
func (b *Bridge) LoadLibrary(path string) (*locator.Module, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(); err != nil {
		return nil, err
	}
	return b.modules.Load(path)
}

// LoadLibraryImage loads a module image held in memory.
func (b *Bridge) LoadLibraryImage(data []byte) (*locator.Module, error) {
	if len(data) == 0 {
		return nil, errors.New("binbridge: empty library image")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(); err != nil {
		return nil, err
	}
	return b.modules.LoadImage(data)
}

// LoadLibraryFile reads a module image and loads it from memory.
func (b *Bridge) LoadLibraryFile(path string) (*locator.Module, error) {
	data, err := afero.ReadFile(b.fs, path)
	if err != nil {
		return nil, fmt.Errorf("binbridge: read library file: %w", err)
	}
	return b.LoadLibraryImage(data)
}

// LoadDefinitions adds the definitions in paths.
func (b *Bridge) LoadDefinitions(paths ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(); err != nil {
		return err
	}
	for _, path := range paths {
		data, err := afero.ReadFile(b.fs, path)
		if err != nil {
			return fmt.Errorf("binbridge: %w", err)
		}
		if err := b.defs.Parse(data); err != nil {
			return fmt.Errorf("binbridge: %s: %w", path, err)
		}
	}
	return nil
}

// Function binds addr to the signature params under conv.
func (b *Bridge) Function(addr mem.Address, conv sig.Convention, params string) (*invoke.Function, error) {
	s, err := sig.Parse(conv, params)
	if err != nil {
		return nil, err
	}
	return invoke.New(b.machine, addr, s), nil
}

// Symbol resolves name in module and binds it like Function.
func (b *Bridge) Symbol(module *locator.Module, name string, conv sig.Convention, params string) (*invoke.Function, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.check(); err != nil {
		return nil, err
	}
	addr, err := b.modules.FindSymbol(module, name)
	if err != nil {
		return nil, err
	}
	if !addr.IsValid() {
		return nil, fmt.Errorf("binbridge: symbol %q not found in %v", name, module)
	}
	return b.Function(addr, conv, params)
}

// Lookup resolves the function definition name and binds it.
func (b *Bridge) Lookup(name string) (*invoke.Function, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(); err != nil {
		return nil, err
	}
	def, err := b.defs.Function(name)
	if err != nil {
		return nil, err
	}
	return def.Resolve(b.modules, b.machine)
}

// Method binds the virtual function definition name to the object at this.
func (b *Bridge) Method(name string, this mem.Address) (*invoke.Function, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.check(); err != nil {
		return nil, err
	}
	def, err := b.defs.VirtualFunction(name)
	if err != nil {
		return nil, err
	}
	return def.Bind(b.machine, this)
}

// Object wraps the object at addr with a type from the loaded definitions.
// Call its methods with Modules as the registry.
func (b *Bridge) Object(typeName string, addr mem.Address) (*defs.Object, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.check(); err != nil {
		return nil, err
	}
	return b.defs.Object(b.machine, typeName, addr)
}

// Typedef binds the function pointer ptr with the signature of a function
// typedef from the loaded definitions.
func (b *Bridge) Typedef(name string, ptr mem.Address) (*invoke.Function, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.check(); err != nil {
		return nil, err
	}
	td, err := b.defs.Typedef(name)
	if err != nil {
		return nil, err
	}
	return td.Wrap(b.machine, ptr)
}

// Callback creates a native function with the signature params that calls
// fn. It lives until freed or until the Bridge is closed.
func (b *Bridge) Callback(conv sig.Convention, params string, fn callback.Func, opts ...callback.Option) (*callback.Trampoline, error) {
	s, err := sig.Parse(conv, params)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(); err != nil {
		return nil, err
	}
	opts = append([]callback.Option{callback.WithLogger(b.log)}, opts...)
	t, err := callback.New(b.machine, s, fn, opts...)
	if err != nil {
		return nil, err
	}
	b.callbacks[t] = struct{}{}
	return t, nil
}

// Close removes every hook, frees every callback and releases every module,
// in that order.
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	errs := []error{b.hooks.Close()}
	for t := range b.callbacks {
		errs = append(errs, t.Free())
		delete(b.callbacks, t)
	}
	errs = append(errs, b.modules.Close())
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("binbridge: close: %w", err)
	}
	return nil
}
