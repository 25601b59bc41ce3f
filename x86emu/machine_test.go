package x86emu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sliverarmory/binbridge/callvm"
	"github.com/sliverarmory/binbridge/jit"
	"github.com/sliverarmory/binbridge/machine"
	"github.com/sliverarmory/binbridge/mem"
	"github.com/sliverarmory/binbridge/sig"
)

func load(t *testing.T, m *Machine, code []byte) mem.Address {
	t.Helper()
	addr, err := m.Load(code)
	require.NoError(t, err)
	return addr
}

func TestCallAdd(t *testing.T) {
	m := New()
	a := jit.New()
	a.Push(jit.EBP).MovReg(jit.EBP, jit.ESP).
		Load(jit.EAX, jit.EBP, 8).
		AddMem(jit.EAX, jit.EBP, 12).
		Pop(jit.EBP).Ret(0)
	code, err := a.Link(0)
	require.NoError(t, err)
	fn := load(t, m, code)

	vm := callvm.New(m)
	require.NoError(t, vm.Mode(sig.CDecl))
	vm.ArgInt(2)
	vm.ArgInt(3)
	res, err := vm.Call(fn, sig.ClassInt32)
	require.NoError(t, err)
	assert.Equal(t, uint32(5), res.EAX)
	assert.Equal(t, uint32(StackTop-0x10), m.cpu.regs[esp])
}

func TestLoopAndFlags(t *testing.T) {
	m := New()
	// sum of 1..n with a counted loop
	fn := load(t, m, []byte{
		0x8B, 0x4C, 0x24, 0x04, // mov ecx, [esp+4]
		0x31, 0xC0,             // xor eax, eax
		0x01, 0xC8,             // add eax, ecx
		0x49,                   // dec ecx
		0x75, 0xFB,             // jnz -5
		0xC3,                   // ret
	})

	vm := callvm.New(m)
	vm.ArgInt(4)
	res, err := vm.Call(fn, sig.ClassInt32)
	require.NoError(t, err)
	assert.Equal(t, uint32(10), res.EAX)
}

func TestFloatReturn(t *testing.T) {
	m := New()
	fn := load(t, m, []byte{
		0xDD, 0x44, 0x24, 0x04, // fld qword [esp+4]
		0xDC, 0x44, 0x24, 0x0C, // fadd qword [esp+12]
		0xC3,
	})

	vm := callvm.New(m)
	vm.ArgDouble(1.5)
	vm.ArgDouble(2.25)
	res, err := vm.Call(fn, sig.ClassFloat64)
	require.NoError(t, err)
	assert.InDelta(t, 3.75, res.ST0, 1e-12)
	assert.Empty(t, m.cpu.fpu)
}

func TestInt64Return(t *testing.T) {
	m := New()
	fn := load(t, m, []byte{
		0x8B, 0x44, 0x24, 0x04, // mov eax, [esp+4]
		0x8B, 0x54, 0x24, 0x08, // mov edx, [esp+8]
		0xC3,
	})

	vm := callvm.New(m)
	vm.ArgLongLong(-2)
	res, err := vm.Call(fn, sig.ClassInt64)
	require.NoError(t, err)
	assert.Equal(t, int64(-2), int64(res.Int64()))
}

func TestDispatcher(t *testing.T) {
	m := New()
	calls := 0
	id := m.Bind(func() machine.Result {
		calls++
		return machine.Result{EAX: 7}
	})

	a := jit.New()
	a.PushImm(id).CallAbs(uint32(m.Dispatcher(sig.ClassInt32))).AddImm(jit.ESP, 4).Ret(0)
	code, err := a.Link(0)
	require.NoError(t, err)
	fn := load(t, m, code)

	res, err := callvm.New(m).Call(fn, sig.ClassInt32)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), res.EAX)
	assert.Equal(t, 1, calls)

	m.Unbind(id)
	_, err = callvm.New(m).Call(fn, sig.ClassInt32)
	require.Error(t, err)
}

func TestNestedEnter(t *testing.T) {
	m := New()
	inner := load(t, m, []byte{0xB8, 0x2A, 0x00, 0x00, 0x00, 0xC3}) // mov eax, 42; ret

	var seen uint32
	id := m.Bind(func() machine.Result {
		res, err := callvm.New(m).Call(inner, sig.ClassInt32)
		require.NoError(t, err)
		seen = res.EAX
		return machine.Result{EAX: res.EAX + 1}
	})
	a := jit.New()
	a.Push(jit.EBX).MovImm(jit.EBX, 9).
		PushImm(id).CallAbs(uint32(m.Dispatcher(sig.ClassInt32))).AddImm(jit.ESP, 4).
		AddReg(jit.EAX, jit.EBX).
		Pop(jit.EBX).Ret(0)
	code, err := a.Link(0)
	require.NoError(t, err)
	outer := load(t, m, code)

	res, err := callvm.New(m).Call(outer, sig.ClassInt32)
	require.NoError(t, err)
	assert.Equal(t, uint32(42), seen)
	assert.Equal(t, uint32(52), res.EAX)
}

func TestFaults(t *testing.T) {
	m := New(WithStepLimit(100))
	vm := callvm.New(m)

	spin := load(t, m, []byte{0xEB, 0xFE})
	_, err := vm.Call(spin, sig.ClassVoid)
	require.ErrorIs(t, err, ErrStepLimit)

	cpuid := load(t, m, []byte{0x0F, 0xA2, 0xC3})
	_, err = vm.Call(cpuid, sig.ClassVoid)
	require.ErrorIs(t, err, ErrUnsupportedInstruction)

	unmapped := load(t, m, []byte{0xA1, 0x00, 0x10, 0x00, 0x00, 0xC3})
	_, err = vm.Call(unmapped, sig.ClassInt32)
	require.ErrorIs(t, err, ErrFault)

	_, err = vm.Call(0, sig.ClassVoid)
	require.ErrorIs(t, err, mem.ErrNullPointer)
}

func TestAllocFree(t *testing.T) {
	m := New()
	before := m.Live()

	a, err := m.Alloc(10, false)
	require.NoError(t, err)
	b, err := m.Alloc(10, true)
	require.NoError(t, err)
	assert.Zero(t, uint32(a)%16)
	assert.GreaterOrEqual(t, uint32(a), uint32(HeapBase))
	assert.GreaterOrEqual(t, uint32(b), uint32(CodeBase))
	assert.Less(t, uint32(b), uint32(CodeBase+CodeSize))
	assert.Equal(t, before+2, m.Live())

	require.NoError(t, mem.Write(m, a, 0, uint32(0xCAFE)))
	require.NoError(t, m.Free(a))
	require.Error(t, m.Free(a))
	require.NoError(t, m.Free(b))
	assert.Equal(t, before, m.Live())
}

func TestPlatformOption(t *testing.T) {
	assert.Equal(t, sig.Windows, New(WithPlatform(sig.Windows)).Platform())
	assert.Equal(t, sig.ELF, New(WithPlatform(sig.ELF)).Platform())
	assert.Equal(t, 4, New().PointerSize())
}
