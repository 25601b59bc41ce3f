//go:build 386 && cgo && (linux || windows)

package native

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/sliverarmory/binbridge/machine"
	"github.com/sliverarmory/binbridge/mem"
	"github.com/sliverarmory/binbridge/sig"
)

// dispatchers is shared by every Machine: the C dispatcher routines are
// process globals, so ids must be unique across machines.
var dispatchers struct {
	sync.Mutex
	machine.Registry
	log zerolog.Logger
}

type Option func(*options)

type options struct {
	log zerolog.Logger
}

// WithLogger sets the logger for dispatch failures and patching.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.log = l }
}

// Machine is the current process viewed as an x86-32 machine.
type Machine struct {
	mem.Native

	log     zerolog.Logger
	mu      sync.Mutex
	regions map[mem.Address]region
}

// New returns a Machine for the running process.
func New(opts ...Option) (*Machine, error) {
	o := options{log: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	dispatchers.Lock()
	dispatchers.log = o.log
	dispatchers.Unlock()
	return &Machine{
		log:     o.log,
		regions: make(map[mem.Address]region),
	}, nil
}

func (m *Machine) Platform() sig.Platform {
	return sig.HostPlatform()
}

// Alloc maps fresh pages. Code pages stay writable so generated code can be
// rewritten without a protection change.
func (m *Machine) Alloc(size int, code bool) (mem.Address, error) {
	if size <= 0 {
		size = 1
	}
	r, err := mapRegion(size, code)
	if err != nil {
		return 0, fmt.Errorf("native: allocate %d bytes: %w", size, err)
	}
	m.mu.Lock()
	m.regions[mem.Address(r.addr)] = r
	m.mu.Unlock()
	return mem.Address(r.addr), nil
}

func (m *Machine) Free(addr mem.Address) error {
	m.mu.Lock()
	r, ok := m.regions[addr]
	delete(m.regions, addr)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("native: free of unknown address %v", addr)
	}
	return unmapRegion(r)
}

// Live returns the number of regions not yet freed.
func (m *Machine) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.regions)
}

func (m *Machine) owns(addr mem.Address, n int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for base, r := range m.regions {
		if addr >= base && uintptr(addr)+uintptr(n) <= r.addr+uintptr(r.size) {
			return true
		}
	}
	return false
}

// Patch writes code over existing instructions. Memory outside the machine's
// own regions is made writable for the copy and then restored.
func (m *Machine) Patch(addr mem.Address, code []byte) error {
	if !addr.IsValid() {
		return mem.ErrNullPointer
	}
	if m.owns(addr, len(code)) {
		return mem.WriteBytes(m, addr, code)
	}
	err := withWritable(uintptr(addr), len(code), func() error {
		return mem.WriteBytes(m, addr, code)
	})
	if err != nil {
		return fmt.Errorf("native: patch %v: %w", addr, err)
	}
	m.log.Debug().Stringer("addr", addr).Int("len", len(code)).Msg("patched code")
	return nil
}

// Load copies code into a fresh executable region.
func (m *Machine) Load(code []byte) (mem.Address, error) {
	addr, err := m.Alloc(len(code), true)
	if err != nil {
		return 0, err
	}
	if err := mem.WriteBytes(m, addr, code); err != nil {
		_ = m.Free(addr)
		return 0, err
	}
	return addr, nil
}

func (m *Machine) Enter(addr mem.Address) error {
	if !addr.IsValid() {
		return mem.ErrNullPointer
	}
	enter(uintptr(addr))
	return nil
}

func (m *Machine) Dispatcher(c sig.Class) mem.Address {
	return mem.Address(dispatcherFor(c))
}

func (m *Machine) Bind(fn machine.DispatchFunc) uint32 {
	dispatchers.Lock()
	defer dispatchers.Unlock()
	return dispatchers.Bind(fn)
}

func (m *Machine) Unbind(id uint32) {
	dispatchers.Lock()
	defer dispatchers.Unlock()
	dispatchers.Unbind(id)
}

// dispatch runs on a native thread inside a dispatcher routine. Nothing may
// escape to the caller, so failures become a zero Result.
func dispatch(id uint32) (res machine.Result) {
	dispatchers.Lock()
	log := dispatchers.log
	var fn machine.DispatchFunc = func() machine.Result {
		log.Error().Uint32("id", id).Msg("no dispatcher bound")
		return machine.Result{}
	}
	if bound, ok := dispatchers.Lookup(id); ok {
		fn = bound
	}
	dispatchers.Unlock()

	defer func() {
		if r := recover(); r != nil {
			log.Error().Uint32("id", id).Interface("panic", r).Msg("dispatcher panicked")
			res = machine.Result{}
		}
	}()
	return fn()
}
