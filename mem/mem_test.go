package mem

import (
	"encoding/binary"
	"math"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip[T Scalar](t *testing.T, s Space, a Address, offset int, v T) {
	t.Helper()
	require.NoError(t, Write(s, a, offset, v))
	got, err := Read[T](s, a, offset)
	require.NoError(t, err)
	assert.Equal(t, v, got)
}

func TestReadWriteRoundTrip(t *testing.T) {
	buf := make([]byte, 64)
	base := AddressOf(buf)
	var s Native

	roundTrip(t, s, base, 0, true)
	roundTrip(t, s, base, 1, false)
	roundTrip(t, s, base, 2, int8(-100))
	roundTrip(t, s, base, 3, uint8(250))
	roundTrip(t, s, base, 4, int16(-30000))
	roundTrip(t, s, base, 6, uint16(65000))
	roundTrip(t, s, base, 8, int32(math.MinInt32))
	roundTrip(t, s, base, 12, uint32(math.MaxUint32))
	roundTrip(t, s, base, 16, int64(math.MinInt64))
	roundTrip(t, s, base, 24, uint64(math.MaxUint64))
	roundTrip(t, s, base, 32, float32(3.25))
	roundTrip(t, s, base, 40, math.Pi)

	require.NoError(t, WriteAddress(s, base, 48, Address(0x1234)))
	got, err := ReadAddress(s, base, 48)
	require.NoError(t, err)
	assert.Equal(t, Address(0x1234), got)

	// little endian layout is observable from the raw buffer
	assert.Equal(t, uint32(math.MaxUint32), binary.LittleEndian.Uint32(buf[12:]))
	runtime.KeepAlive(buf)
}

func TestNullPointer(t *testing.T) {
	var s Native

	_, err := Read[int32](s, 0, 0)
	require.ErrorIs(t, err, ErrNullPointer)
	require.ErrorIs(t, Write(s, 0, 4, int32(1)), ErrNullPointer)
	_, err = Deref(s, 0, 0)
	require.ErrorIs(t, err, ErrNullPointer)
	_, err = VTableSlot(s, 0, 1)
	require.ErrorIs(t, err, ErrNullPointer)
	_, err = Search(s, 0, []byte{1}, 4)
	require.ErrorIs(t, err, ErrNullPointer)
	_, err = ReadCString(s, 0, 0, 0)
	require.ErrorIs(t, err, ErrNullPointer)
}

func TestAddressArithmetic(t *testing.T) {
	a := Address(0x1000)
	assert.Equal(t, Address(0x1010), a.Add(0x10))
	assert.Equal(t, Address(0x0ff0), a.Sub(0x10))
	assert.Equal(t, Address(0x0ff0), a.Add(-0x10))
	assert.True(t, a.IsValid())
	assert.False(t, Address(0).IsValid())
	assert.Equal(t, "0x1000", a.String())
}

func TestVTableSlot(t *testing.T) {
	var s Native
	ptr := s.PointerSize()

	vtable := make([]byte, 4*ptr)
	for i := 0; i < 4; i++ {
		require.NoError(t, WriteAddress(s, AddressOf(vtable), i*ptr, Address(0xA000+i)))
	}
	object := make([]byte, 2*ptr)
	require.NoError(t, WriteAddress(s, AddressOf(object), 0, AddressOf(vtable)))

	slot, err := VTableSlot(s, AddressOf(object), 2)
	require.NoError(t, err)
	assert.Equal(t, Address(0xA002), slot)

	empty := make([]byte, ptr)
	slot, err = VTableSlot(s, AddressOf(empty), 2)
	require.NoError(t, err)
	assert.False(t, slot.IsValid())

	runtime.KeepAlive(vtable)
	runtime.KeepAlive(object)
	runtime.KeepAlive(empty)
}

func TestCopyAndMove(t *testing.T) {
	var s Native
	buf := []byte("abcdefghij")
	base := AddressOf(buf)

	err := Copy(s, base, base.Add(2), 4)
	require.ErrorIs(t, err, ErrOverlap)
	assert.Equal(t, "abcdefghij", string(buf))

	require.NoError(t, Copy(s, base, base.Add(5), 5))
	assert.Equal(t, "abcdeabcde", string(buf))

	copy(buf, "abcdefghij")
	require.NoError(t, Move(s, base, base.Add(2), 6))
	assert.Equal(t, "ababcdefij", string(buf))

	require.ErrorIs(t, Copy(s, 0, base, 1), ErrNullPointer)
	require.ErrorIs(t, Move(s, base, 0, 1), ErrNullPointer)
	runtime.KeepAlive(buf)
}

func TestCompare(t *testing.T) {
	var s Native
	a := []byte{1, 2, 3, 4}
	b := []byte{1, 2, 9, 4}

	got, err := Compare(s, AddressOf(a), AddressOf(b), 2)
	require.NoError(t, err)
	assert.Zero(t, got)

	got, err = Compare(s, AddressOf(a), AddressOf(b), 4)
	require.NoError(t, err)
	assert.Negative(t, got)
	runtime.KeepAlive(a)
	runtime.KeepAlive(b)
}

func TestOverlaps(t *testing.T) {
	assert.True(t, Overlaps(0x100, 0x104, 5))
	assert.True(t, Overlaps(0x104, 0x100, 5))
	assert.False(t, Overlaps(0x100, 0x104, 4))
	assert.False(t, Overlaps(0x104, 0x100, 4))
}

func TestSearch(t *testing.T) {
	var s Native
	region := []byte{0x90, 0x55, 0x8B, 0xEC, 0x83, 0x55, 0x8B, 0xEC, 0x81, 0xC3}
	base := AddressOf(region)

	tests := []struct {
		name    string
		pattern []byte
		within  int
		want    int
	}{
		{name: "exact first match", pattern: []byte{0x55, 0x8B, 0xEC}, within: len(region), want: 1},
		{name: "wildcard", pattern: []byte{0x55, 0x8B, 0xEC, Wildcard}, within: len(region), want: 1},
		{name: "wildcard skips mismatch", pattern: []byte{0xEC, Wildcard, 0x55}, within: len(region), want: 3},
		{name: "match at the end", pattern: []byte{0x81, 0xC3}, within: len(region), want: 8},
		{name: "outside window", pattern: []byte{0x81, 0xC3}, within: 9, want: -1},
		{name: "no match", pattern: []byte{0xCC}, within: len(region), want: -1},
		{name: "pattern longer than window", pattern: []byte{0x90, 0x55, 0x8B}, within: 2, want: -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Search(s, base, tt.pattern, tt.within)
			require.NoError(t, err)
			if tt.want < 0 {
				assert.False(t, got.IsValid())
				return
			}
			assert.Equal(t, base.Add(tt.want), got)
		})
	}
	runtime.KeepAlive(region)
}

func TestCString(t *testing.T) {
	var s Native
	buf := make([]byte, 16)
	base := AddressOf(buf)

	require.NoError(t, WriteCString(s, base, 2, "hello", len(buf)-2))
	got, err := ReadCString(s, base, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, "hello", got)

	require.Error(t, WriteCString(s, base, 0, "0123456789abcdef", len(buf)))
	require.Error(t, WriteCString(s, base, 0, "a\x00b", len(buf)))

	got, err = ReadCString(s, base, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, "hel", got)
	runtime.KeepAlive(buf)
}

func TestNegativeLength(t *testing.T) {
	var s Native
	buf := []byte("abcdefgh")
	base := AddressOf(buf)

	_, err := ReadBytes(s, base, -1)
	require.ErrorIs(t, err, ErrLength)
	_, err = Compare(s, base, base.Add(4), -1)
	require.ErrorIs(t, err, ErrLength)
	require.ErrorIs(t, Copy(s, base, base.Add(4), -1), ErrLength)
	require.ErrorIs(t, Move(s, base, base.Add(4), -1), ErrLength)
	assert.Equal(t, "abcdefgh", string(buf))
	runtime.KeepAlive(buf)
}
