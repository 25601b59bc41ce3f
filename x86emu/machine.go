// Package x86emu is a software x86-32 machine. It decodes instructions with
// golang.org/x/arch/x86/x86asm and executes the integer and x87 subset that
// compilers emit for plain C functions and that the bridge itself generates.
//
// The address space is sparse and page based:
//
//	0x00400000  code allocations
//	0x10000000  data allocations
//	0x7fe00000  stack (grows down from 0x7ff00000)
//	0xf0000000  dispatcher stubs and the return sentinel
package x86emu

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/sliverarmory/binbridge/machine"
	"github.com/sliverarmory/binbridge/mem"
	"github.com/sliverarmory/binbridge/sig"
)

// Memory layout.
const (
	CodeBase  = 0x00400000
	CodeSize  = 0x01000000
	HeapBase  = 0x10000000
	HeapSize  = 0x10000000
	StackTop  = 0x7ff00000
	StackSize = 0x00100000
	StubBase  = 0xF0000000
	StubSize  = 0x00001000

	pageSize = 0x1000

	// sentinel is the return address pushed by Enter.
	sentinel = StubBase + StubSize - 0x10
)

// DefaultStepLimit bounds a single Enter.
const DefaultStepLimit = 1_000_000

var (
	ErrUnsupportedInstruction = errors.New("x86emu: unsupported instruction")
	ErrFault                  = errors.New("x86emu: access to unmapped memory")
	ErrStepLimit              = errors.New("x86emu: step limit exceeded")
	ErrOutOfMemory            = errors.New("x86emu: out of memory")
)

type page [pageSize]byte

type region struct {
	base, size, next uint32
}

// Machine implements machine.Machine in software.
type Machine struct {
	machine.Registry

	platform sig.Platform
	log      zerolog.Logger
	maxSteps int

	pages  map[uint32]*page
	code   region
	heap   region
	allocs map[uint32]int

	cpu   cpu
	steps int
}

// Option configures a Machine.
type Option func(*Machine)

// WithPlatform selects the ABI flavour generated code is built for.
func WithPlatform(p sig.Platform) Option {
	return func(m *Machine) { m.platform = p }
}

// WithStepLimit bounds the instructions executed per Enter.
func WithStepLimit(n int) Option {
	return func(m *Machine) {
		if n > 0 {
			m.maxSteps = n
		}
	}
}

// WithLogger traces every executed instruction at trace level.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Machine) { m.log = l }
}

// New returns a machine with an empty address space and a mapped stack.
func New(opts ...Option) *Machine {
	m := &Machine{
		platform: sig.HostPlatform(),
		log:      zerolog.Nop(),
		maxSteps: DefaultStepLimit,
		pages:    make(map[uint32]*page),
		code:     region{base: CodeBase, size: CodeSize, next: CodeBase},
		heap:     region{base: HeapBase, size: HeapSize, next: HeapBase},
		allocs:   make(map[uint32]int),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.mapRange(StackTop-StackSize, StackSize)
	m.mapRange(StubBase, StubSize)
	// every stub is a single ret so a stray jump still returns
	for c := sig.ClassVoid; c <= sig.ClassFloat64; c++ {
		_ = m.WriteAt([]byte{0xC3}, uintptr(m.Dispatcher(c)))
	}
	m.cpu.regs[esp] = StackTop - 0x10
	return m
}

func (m *Machine) mapRange(base, size uint32) {
	for p := base &^ (pageSize - 1); p < base+size; p += pageSize {
		if _, ok := m.pages[p]; !ok {
			m.pages[p] = new(page)
		}
	}
}

func (m *Machine) Platform() sig.Platform {
	return m.platform
}

func (m *Machine) PointerSize() int {
	return sig.PointerSize
}

func (m *Machine) ReadAt(p []byte, addr uintptr) error {
	a := uint32(addr)
	for i := 0; i < len(p); {
		pg, ok := m.pages[(a+uint32(i))&^(pageSize-1)]
		if !ok {
			return fmt.Errorf("%w: read at 0x%x", ErrFault, a+uint32(i))
		}
		off := (a + uint32(i)) & (pageSize - 1)
		i += copy(p[i:], pg[off:])
	}
	return nil
}

func (m *Machine) WriteAt(p []byte, addr uintptr) error {
	a := uint32(addr)
	for i := 0; i < len(p); {
		pg, ok := m.pages[(a+uint32(i))&^(pageSize-1)]
		if !ok {
			return fmt.Errorf("%w: write at 0x%x", ErrFault, a+uint32(i))
		}
		off := (a + uint32(i)) & (pageSize - 1)
		i += copy(pg[off:], p[i:])
	}
	return nil
}

// Alloc hands out 16-byte aligned memory from the code or data region.
func (m *Machine) Alloc(size int, code bool) (mem.Address, error) {
	if size <= 0 {
		size = 1
	}
	r := &m.heap
	if code {
		r = &m.code
	}
	start := (r.next + 15) &^ 15
	end := start + uint32(size)
	if end > r.base+r.size || end < start {
		return 0, fmt.Errorf("%w: %d bytes", ErrOutOfMemory, size)
	}
	r.next = end
	m.mapRange(start, uint32(size))
	m.allocs[start] = size
	return mem.Address(start), nil
}

// Free releases an allocation. The range stays mapped but may be handed out
// again only by a later region reset.
func (m *Machine) Free(addr mem.Address) error {
	a := uint32(addr)
	size, ok := m.allocs[a]
	if !ok {
		return fmt.Errorf("x86emu: free of unallocated address %v", addr)
	}
	delete(m.allocs, a)
	return m.WriteAt(make([]byte, size), uintptr(a))
}

// Live returns the number of allocations not yet freed.
func (m *Machine) Live() int {
	return len(m.allocs)
}

func (m *Machine) Patch(addr mem.Address, code []byte) error {
	return mem.WriteBytes(m, addr, code)
}

// Load copies code into a fresh executable allocation.
func (m *Machine) Load(code []byte) (mem.Address, error) {
	a, err := m.Alloc(len(code), true)
	if err != nil {
		return 0, err
	}
	if err := m.WriteAt(code, uintptr(a)); err != nil {
		return 0, err
	}
	return a, nil
}

// Dispatcher returns the stub address for class c.
func (m *Machine) Dispatcher(c sig.Class) mem.Address {
	return mem.Address(StubBase + uint32(c)*0x10)
}

func (m *Machine) stubClass(addr uint32) (sig.Class, bool) {
	if addr < StubBase || addr > StubBase+uint32(sig.ClassFloat64)*0x10 || addr&0xf != 0 {
		return 0, false
	}
	return sig.Class((addr - StubBase) / 0x10), true
}

// Steps returns the instructions executed by the last outermost Enter.
func (m *Machine) Steps() int {
	return m.steps
}

// Enter calls the void(void) function at addr on the current stack. Nested
// calls from dispatched host code run on the same stack and restore the
// interrupted register state when they return.
func (m *Machine) Enter(addr mem.Address) error {
	if !addr.IsValid() {
		return mem.ErrNullPointer
	}
	saved := m.cpu
	saved.fpu = append([]float64(nil), m.cpu.fpu...)
	if saved.depth == 0 {
		m.steps = 0
	}
	m.cpu.depth++

	err := m.push(sentinel)
	if err == nil {
		m.cpu.eip = uint32(addr)
		err = m.run()
	}
	m.cpu = saved
	return err
}

func (m *Machine) run() error {
	for {
		if m.cpu.eip == sentinel {
			return nil
		}
		if c, ok := m.stubClass(m.cpu.eip); ok {
			if err := m.dispatch(c); err != nil {
				return err
			}
			continue
		}
		if m.steps >= m.maxSteps {
			return fmt.Errorf("%w: %d instructions", ErrStepLimit, m.maxSteps)
		}
		m.steps++
		if err := m.step(); err != nil {
			return err
		}
	}
}

// dispatch runs the host function whose id is the stub's only argument and
// returns to the caller with the result in the registers of class c.
func (m *Machine) dispatch(c sig.Class) error {
	id, err := mem.Read[uint32](m, mem.Address(m.cpu.regs[esp]), 4)
	if err != nil {
		return err
	}
	res, err := m.Dispatch(id)
	if err != nil {
		return err
	}
	switch c {
	case sig.ClassInt32:
		m.cpu.regs[eax] = res.EAX
	case sig.ClassInt64:
		m.cpu.regs[eax] = res.EAX
		m.cpu.regs[edx] = res.EDX
	case sig.ClassFloat32, sig.ClassFloat64:
		m.cpu.fpu = append(m.cpu.fpu, res.ST0)
	}
	ret, err := m.pop()
	if err != nil {
		return err
	}
	m.cpu.eip = ret
	return nil
}
