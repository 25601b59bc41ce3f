package defs

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sliverarmory/binbridge/internal/fixture"
	"github.com/sliverarmory/binbridge/locator"
	"github.com/sliverarmory/binbridge/mem"
	"github.com/sliverarmory/binbridge/sig"
	"github.com/sliverarmory/binbridge/x86emu"
)

const entityDefs = `
function_typedefs:
  AddFunc:
    parameters: ii)i
types:
  Vector:
    size: 8
    attributes:
      x:
        type: int
      y:
        type: int
        offset: 4
  Sizeless:
    attributes:
      x:
        type: int
  Entity:
    size: 64
    attributes:
      health:
        type: int
        offset: 4
      speed:
        type: float
        offset: 0x8
      name:
        type: string_array
        offset: 12
        length: 16
      label:
        type: string
        offset: 28
      origin:
        type: Vector
        offset: 32
        aligned: true
      target:
        type: Entity
        offset: 40
      scores:
        type: short
        offset: 44
        is_array: true
        aligned: true
        length: 3
      ammo:
        type: int
        offset: 52
        is_array: true
        length: 2
      id:
        type: uint
        offset: 56
        flags: READ
      secret:
        type: int
        offset: 60
        flags: write
      owner:
        type: Missing
    functions:
      Second:
        binary: server
        identifier: Second
        parameters: pi)i
    virtual_functions:
      GetValue:
        identifier: 1
        parameters: pi)i
`

const armorDefs = `
types:
  Entity:
    size: 96
    attributes:
      armor:
        type: int
        offset: 64
        offset_windows: 68
`

type typeEnv struct {
	m      *x86emu.Machine
	set    *Set
	r      *locator.Registry
	second mem.Address
}

func setupTypes(t *testing.T) *typeEnv {
	t.Helper()
	m := x86emu.New(x86emu.WithPlatform(sig.ELF))
	second, err := m.Load(fixture.Second())
	require.NoError(t, err)
	r := locator.New(&fakeLoader{
		base:    uintptr(second),
		size:    len(fixture.Second()),
		exports: map[string]uintptr{"Second": uintptr(second)},
	}, m)
	t.Cleanup(func() { require.NoError(t, r.Close()) })

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/defs/entity.yaml", []byte(entityDefs), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/defs/armor.yaml", []byte(armorDefs), 0o644))
	s, err := Load(fs, sig.ELF, "/defs/entity.yaml", "/defs/armor.yaml")
	require.NoError(t, err)
	return &typeEnv{m: m, set: s, r: r, second: second}
}

func (e *typeEnv) object(t *testing.T, name string) *Object {
	t.Helper()
	o, err := e.set.New(e.m, name)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, o.Free()) })
	return o
}

func get(t *testing.T, o *Object, name string) any {
	t.Helper()
	v, err := o.Get(name)
	require.NoError(t, err)
	return v
}

func TestParseTypes(t *testing.T) {
	e := setupTypes(t)
	assert.Equal(t, []string{"Entity", "Sizeless", "Vector"}, e.set.TypeNames())

	entity, err := e.set.Type("Entity")
	require.NoError(t, err)
	assert.Equal(t, 96, entity.Size)
	assert.Len(t, entity.Attributes, 12)
	assert.Equal(t, 64, entity.Attributes["armor"].Offset)
	assert.Equal(t, 8, entity.Attributes["speed"].Offset)
	assert.Equal(t, sig.Float, entity.Attributes["speed"].Code)
	assert.Equal(t, AttrRead, entity.Attributes["id"].Flags)
	assert.Equal(t, AttrWrite, entity.Attributes["secret"].Flags)
	assert.Equal(t, AttrReadWrite, entity.Attributes["health"].Flags)
	assert.False(t, entity.Attributes["origin"].Native())
	assert.Equal(t, sig.ThisCall, entity.Functions["Second"].Signature.Convention())
	assert.Equal(t, 1, entity.Virtual["GetValue"].Index)

	win := NewSet(sig.Windows)
	require.NoError(t, win.Parse([]byte(armorDefs)))
	assert.Equal(t, 68, win.Types["Entity"].Attributes["armor"].Offset)

	_, err = e.set.Type("Missing")
	require.ErrorIs(t, err, ErrUnknown)
	_, err = e.set.Typedef("Missing")
	require.ErrorIs(t, err, ErrUnknown)
}

func TestParseTypeErrors(t *testing.T) {
	attr := func(body string) string {
		return "types:\n  T:\n    attributes:\n      a:\n" + body
	}
	tests := map[string]string{
		"missing type":        attr("        offset: 4\n"),
		"void attribute":      attr("        type: void\n"),
		"negative offset":     attr("        type: int\n        offset: -4\n"),
		"length on a scalar":  attr("        type: int\n        length: 4\n"),
		"aligned scalar":      attr("        type: int\n        aligned: true\n"),
		"string array length": attr("        type: string_array\n"),
		"string array array":  attr("        type: string_array\n        length: 4\n        is_array: true\n"),
		"bad flags":           attr("        type: int\n        flags: EXECUTE\n"),
		"bad boolean":         attr("        type: int\n        is_array: maybe\n"),
		"bad offset":          attr("        type: int\n        offset: far\n"),
		"negative size":       "types:\n  T:\n    size: -1\n",
		"bad typedef":         "function_typedefs:\n  F:\n    parameters: q)v\n",
		"bad method":          "types:\n  T:\n    functions:\n      f:\n        identifier: f\n        parameters: p)v\n",
	}
	for name, text := range tests {
		t.Run(name, func(t *testing.T) {
			require.Error(t, NewSet(sig.ELF).Parse([]byte(text)))
		})
	}
}

func TestObjectScalars(t *testing.T) {
	e := setupTypes(t)
	o := e.object(t, "Entity")

	require.NoError(t, o.Set("health", 100))
	assert.Equal(t, int32(100), get(t, o, "health"))
	raw, err := mem.Read[int32](e.m, o.Addr, 4)
	require.NoError(t, err)
	assert.Equal(t, int32(100), raw)

	require.NoError(t, o.Set("speed", 1.5))
	assert.Equal(t, float32(1.5), get(t, o, "speed"))

	require.NoError(t, o.Set("name", "player"))
	assert.Equal(t, "player", get(t, o, "name"))
	require.Error(t, o.Set("name", "a name longer than its buffer"))
	require.Error(t, o.Set("name", 7))

	assert.Equal(t, "", get(t, o, "label"))
	require.NoError(t, o.Set("label", "boss"))
	assert.Equal(t, "boss", get(t, o, "label"))

	require.NoError(t, o.Set("armor", -3))
	assert.Equal(t, int32(-3), get(t, o, "armor"))

	require.Error(t, o.Set("health", "many"))
}

func TestObjectFlags(t *testing.T) {
	e := setupTypes(t)
	o := e.object(t, "Entity")

	assert.Equal(t, uint32(0), get(t, o, "id"))
	require.ErrorIs(t, o.Set("id", 1), ErrAccess)

	require.NoError(t, o.Set("secret", 9))
	_, err := o.Get("secret")
	require.ErrorIs(t, err, ErrAccess)
	raw, err := mem.Read[int32](e.m, o.Addr, 60)
	require.NoError(t, err)
	assert.Equal(t, int32(9), raw)

	_, err = o.Get("missing")
	require.ErrorIs(t, err, ErrUnknown)
	_, err = o.Get("owner")
	require.ErrorIs(t, err, ErrUnknown)
}

func TestObjectMembers(t *testing.T) {
	e := setupTypes(t)
	o := e.object(t, "Entity")

	origin, ok := get(t, o, "origin").(*Object)
	require.True(t, ok)
	assert.Equal(t, o.Addr.Add(32), origin.Addr)
	require.NoError(t, origin.Set("y", 7))
	raw, err := mem.Read[int32](e.m, o.Addr, 36)
	require.NoError(t, err)
	assert.Equal(t, int32(7), raw)

	vec := e.object(t, "Vector")
	require.NoError(t, vec.Set("x", 3))
	require.NoError(t, o.Set("origin", vec))
	assert.Equal(t, int32(3), get(t, origin, "x"))
	assert.Equal(t, int32(0), get(t, origin, "y"))
	require.Error(t, o.Set("origin", 3))

	assert.Nil(t, get(t, o, "target"))
	other := e.object(t, "Entity")
	require.NoError(t, other.Set("health", 5))
	require.NoError(t, o.Set("target", other))
	target, ok := get(t, o, "target").(*Object)
	require.True(t, ok)
	assert.Equal(t, other.Addr, target.Addr)
	assert.Equal(t, int32(5), get(t, target, "health"))

	require.NoError(t, o.Set("target", nil))
	assert.Nil(t, get(t, o, "target"))
}

func TestObjectArrays(t *testing.T) {
	e := setupTypes(t)
	o := e.object(t, "Entity")

	require.NoError(t, o.Set("scores", []any{1, -2, 3}))
	scores, ok := get(t, o, "scores").(*Array)
	require.True(t, ok)
	assert.Equal(t, o.Addr.Add(44), scores.Base)
	values, err := scores.Values()
	require.NoError(t, err)
	assert.Equal(t, []any{int16(1), int16(-2), int16(3)}, values)
	_, err = scores.Get(3)
	require.ErrorIs(t, err, ErrIndex)
	_, err = scores.Get(-1)
	require.ErrorIs(t, err, ErrIndex)
	require.ErrorIs(t, o.Set("scores", []any{1, 2, 3, 4}), ErrIndex)
	require.Error(t, o.Set("scores", 1))

	// ammo points at its elements
	_, err = o.Get("ammo")
	require.ErrorIs(t, err, mem.ErrNullPointer)
	buf, err := e.m.Alloc(8, false)
	require.NoError(t, err)
	require.NoError(t, mem.WriteAddress(e.m, o.Addr, 52, buf))
	require.NoError(t, o.Set("ammo", []any{10, 30}))
	raw, err := mem.Read[int32](e.m, buf, 4)
	require.NoError(t, err)
	assert.Equal(t, int32(30), raw)
	ammo, ok := get(t, o, "ammo").(*Array)
	require.True(t, ok)
	v, err := ammo.Get(0)
	require.NoError(t, err)
	assert.Equal(t, int32(10), v)
	require.NoError(t, e.m.Free(buf))
}

func TestObjectMethods(t *testing.T) {
	e := setupTypes(t)
	o := e.object(t, "Entity")
	vtable, err := e.m.Alloc(8, false)
	require.NoError(t, err)
	require.NoError(t, mem.WriteAddress(e.m, vtable, 4, e.second))
	require.NoError(t, mem.WriteAddress(e.m, o.Addr, 0, vtable))

	got, err := o.Call(nil, "GetValue", 99)
	require.NoError(t, err)
	assert.Equal(t, int32(99), got)

	got, err = o.Call(e.r, "Second", 7)
	require.NoError(t, err)
	assert.Equal(t, int32(7), got)

	_, err = o.Call(nil, "Second", 7)
	require.Error(t, err)
	_, err = o.Call(e.r, "Missing")
	require.ErrorIs(t, err, ErrUnknown)
	require.NoError(t, e.m.Free(vtable))
}

func TestObjectAllocation(t *testing.T) {
	e := setupTypes(t)
	_, err := e.set.New(e.m, "Sizeless")
	require.Error(t, err)
	_, err = e.set.New(e.m, "Missing")
	require.ErrorIs(t, err, ErrUnknown)

	o := e.object(t, "Vector")
	wrapped, err := e.set.Object(e.m, "Vector", o.Addr)
	require.NoError(t, err)
	require.NoError(t, o.Set("x", 11))
	assert.Equal(t, int32(11), get(t, wrapped, "x"))

	_, err = e.set.Object(e.m, "Vector", 0)
	require.ErrorIs(t, err, mem.ErrNullPointer)
}

func TestTypedefWrap(t *testing.T) {
	e := setupTypes(t)
	add, err := e.m.Load(fixture.Add())
	require.NoError(t, err)

	td, err := e.set.Typedef("AddFunc")
	require.NoError(t, err)
	assert.Equal(t, sig.CDecl, td.Signature.Convention())
	fn, err := td.Wrap(e.m, add)
	require.NoError(t, err)
	got, err := fn.Call(40, 2)
	require.NoError(t, err)
	assert.Equal(t, int32(42), got)

	_, err = td.Wrap(e.m, 0)
	require.ErrorIs(t, err, mem.ErrNullPointer)
}
