// Package callvm is an abstract x86-32 calling machine: arguments are pushed
// one by one in the dyncall manner and the call is executed through a small
// generated thunk on a machine.Machine.
package callvm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/sliverarmory/binbridge/jit"
	"github.com/sliverarmory/binbridge/machine"
	"github.com/sliverarmory/binbridge/mem"
	"github.com/sliverarmory/binbridge/sig"
)

// resultBlock holds EAX at 0, EDX at 4 and ST(0) as a double at 8.
const resultBlock = 16

// VM collects the arguments of one call.
type VM struct {
	m        machine.Machine
	conv     sig.Convention
	words    []uint32
	ecx      uint32
	hasECX   bool
	receiver bool
	scratch  []mem.Address
}

// New returns a VM in cdecl mode.
func New(m machine.Machine) *VM {
	return &VM{m: m}
}

// Machine returns the machine the VM calls into.
func (vm *VM) Machine() machine.Machine {
	return vm.m
}

// Reset drops pending arguments and frees strings copied for the last call.
func (vm *VM) Reset() error {
	vm.words = vm.words[:0]
	vm.ecx = 0
	vm.hasECX = false
	vm.receiver = vm.conv == sig.ThisCall && vm.m.Platform() == sig.Windows
	var errs []error
	for _, a := range vm.scratch {
		if err := vm.m.Free(a); err != nil {
			errs = append(errs, err)
		}
	}
	vm.scratch = vm.scratch[:0]
	return errors.Join(errs...)
}

// Mode selects the calling convention of the next call and resets the VM.
func (vm *VM) Mode(conv sig.Convention) error {
	vm.conv = conv
	return vm.Reset()
}

func (vm *VM) push(w uint32) {
	vm.words = append(vm.words, w)
}

func (vm *VM) ArgBool(v bool) {
	if v {
		vm.push(1)
		return
	}
	vm.push(0)
}

func (vm *VM) ArgChar(v int8)   { vm.push(uint32(int32(v))) }
func (vm *VM) ArgShort(v int16) { vm.push(uint32(int32(v))) }
func (vm *VM) ArgInt(v int32)   { vm.push(uint32(v)) }
func (vm *VM) ArgLong(v int32)  { vm.push(uint32(v)) }

func (vm *VM) ArgLongLong(v int64) {
	vm.push(uint32(v))
	vm.push(uint32(uint64(v) >> 32))
}

func (vm *VM) ArgFloat(v float32) {
	vm.push(math.Float32bits(v))
}

func (vm *VM) ArgDouble(v float64) {
	bits := math.Float64bits(v)
	vm.push(uint32(bits))
	vm.push(uint32(bits >> 32))
}

// ArgPointer pushes a pointer. The first pointer of a Windows thiscall is the
// receiver and goes to ECX instead.
func (vm *VM) ArgPointer(v mem.Address) {
	if vm.receiver {
		vm.receiver = false
		vm.ecx = uint32(v)
		vm.hasECX = true
		return
	}
	vm.push(uint32(v))
}

// ArgString copies text into machine memory for the duration of the call and
// pushes its address.
func (vm *VM) ArgString(text string) error {
	a, err := vm.alloc(text)
	if err != nil {
		return err
	}
	vm.ArgPointer(a)
	return nil
}

func (vm *VM) alloc(text string) (mem.Address, error) {
	a, err := AllocString(vm.m, text)
	if err != nil {
		return 0, err
	}
	vm.scratch = append(vm.scratch, a)
	return a, nil
}

// AllocString copies text and a NUL terminator into fresh machine memory.
func AllocString(m machine.Machine, text string) (mem.Address, error) {
	a, err := m.Alloc(len(text)+1, false)
	if err != nil {
		return 0, fmt.Errorf("callvm: allocate string: %w", err)
	}
	if err := mem.WriteCString(m, a, 0, text, len(text)+1); err != nil {
		_ = m.Free(a)
		return 0, err
	}
	return a, nil
}

// Arg converts v through the type table and pushes it as code.
func (vm *VM) Arg(code sig.TypeCode, v any) error {
	bits, err := Encode(code, v, vm.alloc)
	if err != nil {
		return err
	}
	switch code {
	case sig.Pointer, sig.String:
		vm.ArgPointer(mem.Address(uint32(bits)))
	case sig.LongLong, sig.ULongLong, sig.Double:
		vm.push(uint32(bits))
		vm.push(uint32(bits >> 32))
	default:
		vm.push(uint32(bits))
	}
	return nil
}

// Call executes target with the pushed arguments and returns the raw
// registers of a return value of class c.
func (vm *VM) Call(target mem.Address, c sig.Class) (machine.Result, error) {
	if !target.IsValid() {
		return machine.Result{}, mem.ErrNullPointer
	}
	block, err := vm.m.Alloc(resultBlock, false)
	if err != nil {
		return machine.Result{}, fmt.Errorf("callvm: allocate result block: %w", err)
	}
	defer vm.m.Free(block)

	a := jit.New()
	a.Push(jit.EBP).MovReg(jit.EBP, jit.ESP)
	if n := len(vm.words) * 4; n > 0 {
		a.SubImm(jit.ESP, int32(n))
	}
	a.AndImm(jit.ESP, -16)
	for i, w := range vm.words {
		a.StoreImm(jit.ESP, int32(i*4), w)
	}
	if vm.hasECX {
		a.MovImm(jit.ECX, vm.ecx)
	}
	a.CallAbs(uint32(target))
	a.StoreAbs(uint32(block), jit.EAX)
	a.StoreAbs(uint32(block)+4, jit.EDX)
	if c == sig.ClassFloat32 || c == sig.ClassFloat64 {
		a.FstpAbs64(uint32(block) + 8)
	}
	a.MovReg(jit.ESP, jit.EBP).Pop(jit.EBP).Ret(0)

	if err := Run(vm.m, a); err != nil {
		return machine.Result{}, err
	}

	raw, err := mem.ReadBytes(vm.m, block, resultBlock)
	if err != nil {
		return machine.Result{}, fmt.Errorf("callvm: read result: %w", err)
	}
	return machine.Result{
		EAX: binary.LittleEndian.Uint32(raw[0:]),
		EDX: binary.LittleEndian.Uint32(raw[4:]),
		ST0: math.Float64frombits(binary.LittleEndian.Uint64(raw[8:])),
	}, nil
}

// Place links a into fresh executable memory and returns its address.
func Place(m machine.Machine, a *jit.Assembler) (mem.Address, error) {
	addr, err := m.Alloc(a.Len(), true)
	if err != nil {
		return 0, fmt.Errorf("callvm: allocate code: %w", err)
	}
	code, err := a.Link(uint32(addr))
	if err != nil {
		_ = m.Free(addr)
		return 0, err
	}
	if err := mem.WriteBytes(m, addr, code); err != nil {
		_ = m.Free(addr)
		return 0, fmt.Errorf("callvm: write code: %w", err)
	}
	return addr, nil
}

// Run places a, enters it once and frees it.
func Run(m machine.Machine, a *jit.Assembler) error {
	addr, err := Place(m, a)
	if err != nil {
		return err
	}
	defer m.Free(addr)
	return m.Enter(addr)
}

// DecodeResult converts the registers of a return to a Go value of type code.
func DecodeResult(s mem.Space, code sig.TypeCode, r machine.Result) (any, error) {
	var bits uint64
	switch code.Class() {
	case sig.ClassVoid:
		return nil, nil
	case sig.ClassInt32:
		bits = uint64(r.EAX)
	case sig.ClassInt64:
		bits = r.Int64()
	case sig.ClassFloat32:
		bits = uint64(math.Float32bits(float32(r.ST0)))
	case sig.ClassFloat64:
		bits = math.Float64bits(r.ST0)
	}
	return Decode(s, code, bits)
}

// EncodeResult converts v to the registers of a return of type code.
func EncodeResult(code sig.TypeCode, v any, alloc Allocator) (machine.Result, error) {
	bits, err := Encode(code, v, alloc)
	if err != nil {
		return machine.Result{}, err
	}
	switch code.Class() {
	case sig.ClassInt32:
		return machine.Result{EAX: uint32(bits)}, nil
	case sig.ClassInt64:
		return machine.Result{EAX: uint32(bits), EDX: uint32(bits >> 32)}, nil
	case sig.ClassFloat32:
		return machine.Result{ST0: float64(math.Float32frombits(uint32(bits)))}, nil
	case sig.ClassFloat64:
		return machine.Result{ST0: math.Float64frombits(bits)}, nil
	default:
		return machine.Result{}, nil
	}
}
