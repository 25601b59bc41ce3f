package memmod

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sliverarmory/binbridge/mem"
)

// image is a flat address space starting at base.
type image struct {
	base uintptr
	data []byte
}

func (i *image) ReadAt(p []byte, addr uintptr) error {
	if addr < i.base || addr+uintptr(len(p)) > i.base+uintptr(len(i.data)) {
		return errors.New("out of range")
	}
	copy(p, i.data[addr-i.base:])
	return nil
}

func (i *image) WriteAt(p []byte, addr uintptr) error {
	if addr < i.base || addr+uintptr(len(p)) > i.base+uintptr(len(i.data)) {
		return errors.New("out of range")
	}
	copy(i.data[addr-i.base:], p)
	return nil
}

func (i *image) PointerSize() int { return 4 }

func peHeaders(lfanew uint32, sizeOfImage uint32) []byte {
	data := make([]byte, 0x400)
	copy(data, "MZ")
	binary.LittleEndian.PutUint32(data[dosLfanew:], lfanew)
	binary.LittleEndian.PutUint32(data[lfanew:], peSignature)
	binary.LittleEndian.PutUint32(data[lfanew+peSizeOfImage:], sizeOfImage)
	return data
}

func TestImageSize(t *testing.T) {
	s := &image{base: 0x10000000, data: peHeaders(0x80, 0x2d000)}
	size, err := ImageSize(s, s.base)
	require.NoError(t, err)
	assert.Equal(t, 0x2d000, size)

	bad := []struct {
		name string
		data []byte
	}{
		{name: "no MZ", data: make([]byte, 0x400)},
		{name: "no PE signature", data: func() []byte {
			d := peHeaders(0x80, 1)
			d[0x80] = 'X'
			return d
		}()},
		{name: "implausible lfanew", data: func() []byte {
			d := peHeaders(0x80, 1)
			binary.LittleEndian.PutUint32(d[dosLfanew:], 0x10000)
			return d
		}()},
	}
	for _, tt := range bad {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ImageSize(&image{base: 0x1000, data: tt.data}, 0x1000)
			require.Error(t, err)
		})
	}

	_, err = ImageSize(mem.Native{}, 0)
	require.ErrorIs(t, err, mem.ErrNullPointer)
}

func TestResolveExport(t *testing.T) {
	exports := map[string]uintptr{"_StartW": 0x1000, "run": 0x2000}
	lookup := func(name string) (uintptr, error) {
		if addr, ok := exports[name]; ok {
			return addr, nil
		}
		return 0, errors.New("undefined symbol: " + name)
	}

	addr, err := resolveExport("StartW", lookup)
	require.NoError(t, err)
	assert.Equal(t, uintptr(0x1000), addr)

	addr, err = resolveExport(" _run ", lookup)
	require.NoError(t, err)
	assert.Equal(t, uintptr(0x2000), addr)

	_, err = resolveExport("missing", lookup)
	require.ErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "_missing")

	_, err = resolveExport("  ", lookup)
	require.Error(t, err)
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "elf", FormatELF.String())
	assert.Equal(t, "pe", FormatPE.String())
	assert.Equal(t, "Format(7)", Format(7).String())
}
