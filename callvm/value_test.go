package callvm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sliverarmory/binbridge/machine"
	"github.com/sliverarmory/binbridge/mem"
	"github.com/sliverarmory/binbridge/sig"
	"github.com/sliverarmory/binbridge/x86emu"
)

func TestEncodeExtends(t *testing.T) {
	tests := []struct {
		name string
		code sig.TypeCode
		v    any
		want uint64
	}{
		{name: "char sign", code: sig.Char, v: -1, want: ^uint64(0)},
		{name: "uchar truncates", code: sig.UChar, v: 300, want: 44},
		{name: "short wraps", code: sig.Short, v: 0x18000, want: 0xFFFFFFFFFFFF8000},
		{name: "uint", code: sig.UInt, v: int32(-1), want: 0xFFFFFFFF},
		{name: "bool from int", code: sig.Bool, v: 5, want: 1},
		{name: "pointer nil", code: sig.Pointer, v: nil, want: 0},
		{name: "string address", code: sig.String, v: mem.Address(0x1000), want: 0x1000},
		{name: "void", code: sig.Void, v: "ignored", want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Encode(tt.code, tt.v, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEncodeErrors(t *testing.T) {
	_, err := Encode(sig.Int, "one", nil)
	require.ErrorIs(t, err, ErrType)
	_, err = Encode(sig.Pointer, -1, nil)
	require.ErrorIs(t, err, ErrType)
	_, err = Encode(sig.Double, true, nil)
	require.ErrorIs(t, err, ErrType)
	_, err = Encode(sig.String, "text", nil)
	require.ErrorIs(t, err, ErrType)
	_, err = Encode(sig.TypeCode('q'), 1, nil)
	require.ErrorIs(t, err, sig.ErrType)
}

func TestResultRegisters(t *testing.T) {
	m := x86emu.New()

	r, err := EncodeResult(sig.ULongLong, uint64(0x1122334455667788), nil)
	require.NoError(t, err)
	assert.Equal(t, machine.Result{EAX: 0x55667788, EDX: 0x11223344}, r)
	v, err := DecodeResult(m, sig.ULongLong, r)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1122334455667788), v)

	r, err = EncodeResult(sig.Float, 1.5, nil)
	require.NoError(t, err)
	v, err = DecodeResult(m, sig.Float, r)
	require.NoError(t, err)
	assert.Equal(t, float32(1.5), v)

	r, err = EncodeResult(sig.String, "hi", func(text string) (mem.Address, error) {
		return AllocString(m, text)
	})
	require.NoError(t, err)
	v, err = DecodeResult(m, sig.String, r)
	require.NoError(t, err)
	assert.Equal(t, "hi", v)

	v, err = DecodeResult(m, sig.String, machine.Result{})
	require.NoError(t, err)
	assert.Equal(t, "", v)
}

func TestFrameArgs(t *testing.T) {
	m := x86emu.New()
	stack, err := m.Alloc(16, false)
	require.NoError(t, err)

	f := &Frame{
		Sig:      sig.MustParse(sig.ThisCall, "pid)v"),
		Platform: sig.Windows,
		Stack:    stack,
	}
	require.NoError(t, f.WriteArgs(m, []any{mem.Address(0x2000), -3, 2.5}, nil))
	assert.Equal(t, uint32(0x2000), f.ECX)

	got, err := f.ReadArgs(m)
	require.NoError(t, err)
	assert.Equal(t, []any{mem.Address(0x2000), int32(-3), 2.5}, got)

	// a null receiver keeps the captured one
	require.NoError(t, f.WriteArgs(m, []any{nil, 4, 0.5}, nil))
	assert.Equal(t, uint32(0x2000), f.ECX)

	elf := &Frame{Sig: f.Sig, Platform: sig.ELF, Stack: stack}
	require.NoError(t, elf.WriteArgs(m, []any{mem.Address(0x3000), 7, 1.0}, nil))
	receiver, err := mem.Read[uint32](m, stack, 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x3000), receiver)

	require.Error(t, f.WriteArgs(m, []any{1}, nil))
}
