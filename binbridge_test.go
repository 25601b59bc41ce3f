package binbridge

import (
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/sliverarmory/binbridge/callback"
	"github.com/sliverarmory/binbridge/defs"
	"github.com/sliverarmory/binbridge/hook"
	"github.com/sliverarmory/binbridge/internal/fixture"
	"github.com/sliverarmory/binbridge/locator"
	"github.com/sliverarmory/binbridge/mem"
	"github.com/sliverarmory/binbridge/memmod"
	"github.com/sliverarmory/binbridge/sig"
	"github.com/sliverarmory/binbridge/x86emu"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeLoader struct {
	base     uintptr
	size     int
	exports  map[string]uintptr
	released int
}

func (f *fakeLoader) Load(path string) (*memmod.Module, error) {
	if path != "server.so" {
		return nil, fmt.Errorf("cannot open %s", path)
	}
	return &memmod.Module{Path: path, Handle: 1, Base: f.base}, nil
}

func (f *fakeLoader) Release(*memmod.Module) error {
	f.released++
	return nil
}

func (f *fakeLoader) Size(*memmod.Module) (int, error) { return f.size, nil }
func (f *fakeLoader) Format() memmod.Format            { return memmod.FormatELF }

func (f *fakeLoader) Export(_ *memmod.Module, name string) (uintptr, error) {
	if addr, ok := f.exports[name]; ok {
		return addr, nil
	}
	return 0, memmod.ErrNotFound
}

type env struct {
	bridge *Bridge
	m      *x86emu.Machine
	loader *fakeLoader
	add    mem.Address
	fs     afero.Fs
}

func setup(t *testing.T) *env {
	t.Helper()
	m := x86emu.New(x86emu.WithPlatform(sig.ELF))
	add := fixture.Add()
	base, err := m.Load(add)
	require.NoError(t, err)

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/defs/server.yaml", []byte(fmt.Sprintf(`
functions:
  Add:
    binary: server
    identifier: %s
    parameters: ii)i
virtual_functions:
  Value:
    identifier: 0
    parameters: pi)i
function_typedefs:
  AddFunc:
    parameters: ii)i
types:
  Counter:
    size: 8
    attributes:
      count:
        type: int
        offset: 4
    virtual_functions:
      Value:
        identifier: 0
        parameters: pi)i
`, locator.FormatPattern(add))), 0o644))

	loader := &fakeLoader{base: uintptr(base), size: len(add)}
	b, err := New(
		WithMachine(m),
		WithLoader(loader),
		WithFs(fs),
		WithLogger(zerolog.Nop()),
		WithDefinitions("/defs/server.yaml"),
	)
	require.NoError(t, err)
	return &env{bridge: b, m: m, loader: loader, add: base, fs: fs}
}

func TestLookupDefinition(t *testing.T) {
	e := setup(t)
	defer e.bridge.Close()

	fn, err := e.bridge.Lookup("Add")
	require.NoError(t, err)
	assert.Equal(t, e.add, fn.Address())
	got, err := fn.Call(40, 2)
	require.NoError(t, err)
	assert.Equal(t, int32(42), got)

	assert.Len(t, e.bridge.Modules().Modules(), 1)
	_, err = e.bridge.Lookup("Sub")
	require.Error(t, err)
}

func TestLoadDefinitions(t *testing.T) {
	e := setup(t)
	defer e.bridge.Close()

	require.NoError(t, afero.WriteFile(e.fs, "/defs/more.yaml", []byte("functions:\n  Sum:\n    binary: server\n    identifier: Sum\n    parameters: ii)i\n"), 0o644))
	require.NoError(t, e.bridge.LoadDefinitions("/defs/more.yaml"))
	assert.Equal(t, []string{"Add", "Sum", "Value"}, e.bridge.Definitions().Names())
	require.Error(t, e.bridge.LoadDefinitions("/defs/missing.yaml"))
}

func TestSymbolAndMethod(t *testing.T) {
	e := setup(t)
	defer e.bridge.Close()
	e.loader.exports = map[string]uintptr{"add": uintptr(e.add)}

	// ELF lookups read the symbol table from the file, which is absent here.
	mod, err := e.bridge.LoadLibrary("server")
	require.NoError(t, err)
	_, err = e.bridge.Symbol(mod, "add", sig.CDecl, "ii)i")
	require.Error(t, err)

	second, err := e.m.Load(fixture.Second())
	require.NoError(t, err)
	obj, err := e.m.Alloc(4, false)
	require.NoError(t, err)
	vtable, err := e.m.Alloc(4, false)
	require.NoError(t, err)
	require.NoError(t, mem.WriteAddress(e.m, obj, 0, vtable))
	require.NoError(t, mem.WriteAddress(e.m, vtable, 0, second))

	fn, err := e.bridge.Method("Value", obj)
	require.NoError(t, err)
	got, err := fn.Call(obj, 7)
	require.NoError(t, err)
	assert.Equal(t, int32(7), got)
}

func TestCallbackThroughHook(t *testing.T) {
	e := setup(t)

	calls := 0
	cb, err := e.bridge.Callback(sig.CDecl, "ii)i", func(c *callback.Call) (any, error) {
		calls++
		return c.Args[0].(int32) * c.Args[1].(int32), nil
	})
	require.NoError(t, err)

	fn, err := cb.Function()
	require.NoError(t, err)
	got, err := fn.Call(6, 7)
	require.NoError(t, err)
	assert.Equal(t, int32(42), got)

	add, err := e.bridge.Function(e.add, sig.CDecl, "ii)i")
	require.NoError(t, err)
	s := add.Signature()
	err = e.bridge.Hooks().AddPre(e.add, s, hook.NewObserver("double", func(c *hook.Call) (hook.Action, any, error) {
		c.Args[0] = c.Args[0].(int32) * 2
		return hook.OverrideArguments, nil, nil
	}))
	require.NoError(t, err)

	got, err = add.Call(20, 2)
	require.NoError(t, err)
	assert.Equal(t, int32(42), got)
	assert.Equal(t, 1, calls)

	live := e.m.Live()
	require.NoError(t, e.bridge.Close())
	assert.Less(t, e.m.Live(), live)
	assert.Equal(t, 0, e.bridge.Hooks().Len())
	got, err = add.Call(20, 2)
	require.NoError(t, err)
	assert.Equal(t, int32(22), got)

	_, err = cb.Function()
	require.ErrorIs(t, err, callback.ErrFreed)
}

func TestClosed(t *testing.T) {
	e := setup(t)
	require.NoError(t, e.bridge.Close())
	require.NoError(t, e.bridge.Close())

	_, err := e.bridge.LoadLibrary("server")
	require.ErrorIs(t, err, ErrClosed)
	_, err = e.bridge.Lookup("Add")
	require.ErrorIs(t, err, ErrClosed)
	_, err = e.bridge.Method("Value", 0x1000)
	require.ErrorIs(t, err, ErrClosed)
	_, err = e.bridge.Callback(sig.CDecl, ")v", func(*callback.Call) (any, error) { return nil, nil })
	require.ErrorIs(t, err, ErrClosed)
	_, err = e.bridge.Object("Counter", 0x1000)
	require.ErrorIs(t, err, ErrClosed)
	_, err = e.bridge.Typedef("AddFunc", 0x1000)
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, e.bridge.LoadDefinitions(), ErrClosed)
}

func TestObjectAndTypedef(t *testing.T) {
	e := setup(t)
	defer e.bridge.Close()

	fn, err := e.bridge.Typedef("AddFunc", e.add)
	require.NoError(t, err)
	got, err := fn.Call(40, 2)
	require.NoError(t, err)
	assert.Equal(t, int32(42), got)
	_, err = e.bridge.Typedef("SubFunc", e.add)
	require.ErrorIs(t, err, defs.ErrUnknown)

	second, err := e.m.Load(fixture.Second())
	require.NoError(t, err)
	vtable, err := e.m.Alloc(4, false)
	require.NoError(t, err)
	require.NoError(t, mem.WriteAddress(e.m, vtable, 0, second))
	addr, err := e.m.Alloc(8, false)
	require.NoError(t, err)
	require.NoError(t, mem.WriteAddress(e.m, addr, 0, vtable))

	counter, err := e.bridge.Object("Counter", addr)
	require.NoError(t, err)
	require.NoError(t, counter.Set("count", 12))
	count, err := counter.Get("count")
	require.NoError(t, err)
	assert.Equal(t, int32(12), count)

	got, err = counter.Call(e.bridge.Modules(), "Value", 5)
	require.NoError(t, err)
	assert.Equal(t, int32(5), got)
}

func TestLoadLibraryFile(t *testing.T) {
	e := setup(t)
	defer e.bridge.Close()

	_, err := e.bridge.LoadLibraryFile("/lib/missing.so")
	require.Error(t, err)

	require.NoError(t, afero.WriteFile(e.fs, "/lib/empty.so", nil, 0o644))
	_, err = e.bridge.LoadLibraryFile("/lib/empty.so")
	require.Error(t, err)

	require.NoError(t, afero.WriteFile(e.fs, "/lib/server.so", []byte{0x7f, 'E', 'L', 'F'}, 0o644))
	_, err = e.bridge.LoadLibraryFile("/lib/server.so")
	require.ErrorIs(t, err, memmod.ErrUnsupported)
}

func TestNewErrors(t *testing.T) {
	_, err := New(WithMachine(x86emu.New()), WithFs(afero.NewMemMapFs()), WithDefinitions("/nope.yaml"))
	require.Error(t, err)
}
