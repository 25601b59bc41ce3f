package invoke

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sliverarmory/binbridge/callvm"
	"github.com/sliverarmory/binbridge/internal/fixture"
	"github.com/sliverarmory/binbridge/mem"
	"github.com/sliverarmory/binbridge/sig"
	"github.com/sliverarmory/binbridge/x86emu"
)

func place(t *testing.T, m *x86emu.Machine, code []byte) mem.Address {
	t.Helper()
	addr, err := m.Load(code)
	require.NoError(t, err)
	return addr
}

func TestCallCDecl(t *testing.T) {
	m := x86emu.New(x86emu.WithPlatform(sig.ELF))
	add := New(m, place(t, m, fixture.Add()), sig.MustParse(sig.CDecl, "ii)i"))

	got, err := add.Call(2, 3)
	require.NoError(t, err)
	assert.Equal(t, int32(5), got)

	got, err = add.Call(int32(-7), uint8(2))
	require.NoError(t, err)
	assert.Equal(t, int32(-5), got)

	second := New(m, place(t, m, fixture.Second()), sig.MustParse(sig.CDecl, "ii)i"))
	got, err = second.Call(1, 99)
	require.NoError(t, err)
	assert.Equal(t, int32(99), got)
}

func TestCallErrors(t *testing.T) {
	m := x86emu.New()
	live := m.Live()
	add := New(m, place(t, m, fixture.Add()), sig.MustParse(sig.CDecl, "ii)i"))
	live++

	_, err := add.Call(1)
	require.ErrorIs(t, err, ErrArity)
	_, err = add.Call(1, 2, 3)
	require.ErrorIs(t, err, ErrArity)

	_, err = add.Call("one", 2)
	require.ErrorIs(t, err, callvm.ErrType)

	null := New(m, 0, sig.MustParse(sig.CDecl, "v)v"))
	_, err = null.Call()
	require.ErrorIs(t, err, mem.ErrNullPointer)

	assert.Equal(t, live, m.Live())
}

func TestReturnClasses(t *testing.T) {
	m := x86emu.New()
	identity := place(t, m, fixture.Identity())

	tests := []struct {
		name string
		sig  string
		arg  any
		want any
	}{
		{name: "char sign extends", sig: "c)c", arg: int8(-5), want: int8(-5)},
		{name: "uchar", sig: "C)C", arg: 250, want: uint8(250)},
		{name: "short", sig: "s)s", arg: int16(-300), want: int16(-300)},
		{name: "bool", sig: "B)B", arg: true, want: true},
		{name: "uint", sig: "I)I", arg: uint32(0xFFFFFFFE), want: uint32(0xFFFFFFFE)},
		{name: "pointer", sig: "p)p", arg: mem.Address(0x1234), want: mem.Address(0x1234)},
		{name: "nil pointer", sig: "p)p", arg: nil, want: mem.Address(0)},
		{name: "float bits", sig: "f)I", arg: float32(1), want: uint32(0x3F800000)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := New(m, identity, sig.MustParse(sig.CDecl, tt.sig)).Call(tt.arg)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	wide := New(m, place(t, m, fixture.Identity64()), sig.MustParse(sig.CDecl, "l)l"))
	got, err := wide.Call(int64(-1) << 40)
	require.NoError(t, err)
	assert.Equal(t, int64(-1)<<40, got)

	addDouble := New(m, place(t, m, fixture.AddDouble()), sig.MustParse(sig.CDecl, "dd)d"))
	got, err = addDouble.Call(1.25, 2)
	require.NoError(t, err)
	assert.InDelta(t, 3.25, got, 1e-12)

	void := New(m, place(t, m, fixture.Constant(1)), sig.MustParse(sig.CDecl, ")v"))
	got, err = void.Call()
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStrings(t *testing.T) {
	m := x86emu.New()
	live := m.Live()

	strlen := New(m, place(t, m, fixture.Strlen()), sig.MustParse(sig.CDecl, "Z)I"))
	echo := New(m, place(t, m, fixture.Identity()), sig.MustParse(sig.CDecl, "Z)Z"))
	live += 2

	got, err := strlen.Call("hello, world")
	require.NoError(t, err)
	assert.Equal(t, uint32(12), got)

	got, err = echo.Call("round trip")
	require.NoError(t, err)
	assert.Equal(t, "round trip", got)

	got, err = echo.Call(nil)
	require.NoError(t, err)
	assert.Equal(t, "", got)

	// argument copies do not outlive the call
	assert.Equal(t, live, m.Live())
}

func TestConventions(t *testing.T) {
	t.Run("stdcall", func(t *testing.T) {
		m := x86emu.New(x86emu.WithPlatform(sig.Windows))
		fn := New(m, place(t, m, fixture.StdAdd()), sig.MustParse(sig.StdCall, "ii)i"))
		got, err := fn.Call(20, 22)
		require.NoError(t, err)
		assert.Equal(t, int32(42), got)
	})

	t.Run("windows thiscall", func(t *testing.T) {
		m := x86emu.New(x86emu.WithPlatform(sig.Windows))
		object, err := m.Alloc(4, false)
		require.NoError(t, err)
		require.NoError(t, mem.Write(m, object, 0, int32(40)))

		fn := New(m, place(t, m, fixture.ThisAddECX()), sig.MustParse(sig.ThisCall, "pi)i"))
		got, err := fn.Call(object, 2)
		require.NoError(t, err)
		assert.Equal(t, int32(42), got)
	})

	t.Run("elf thiscall", func(t *testing.T) {
		m := x86emu.New(x86emu.WithPlatform(sig.ELF))
		object, err := m.Alloc(4, false)
		require.NoError(t, err)
		require.NoError(t, mem.Write(m, object, 0, int32(40)))

		fn := New(m, place(t, m, fixture.ThisAddStack()), sig.MustParse(sig.ThisCall, "pi)i"))
		got, err := fn.Call(object, 2)
		require.NoError(t, err)
		assert.Equal(t, int32(42), got)
	})
}

func TestVirtual(t *testing.T) {
	m := x86emu.New(x86emu.WithPlatform(sig.ELF))
	add := place(t, m, fixture.Add())

	vtable, err := m.Alloc(8, false)
	require.NoError(t, err)
	require.NoError(t, mem.WriteAddress(m, vtable, 4, add))
	object, err := m.Alloc(4, false)
	require.NoError(t, err)
	require.NoError(t, mem.WriteAddress(m, object, 0, vtable))

	fn, err := Virtual(m, object, 1, sig.MustParse(sig.CDecl, "ii)i"))
	require.NoError(t, err)
	assert.Equal(t, add, fn.Address())
	got, err := fn.Call(4, 5)
	require.NoError(t, err)
	assert.Equal(t, int32(9), got)

	empty, err := m.Alloc(4, false)
	require.NoError(t, err)
	fn, err = Virtual(m, empty, 1, sig.MustParse(sig.CDecl, "ii)i"))
	require.NoError(t, err)
	_, err = fn.Call(4, 5)
	require.ErrorIs(t, err, mem.ErrNullPointer)
}
