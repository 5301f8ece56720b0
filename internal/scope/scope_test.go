package scope

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"
)

func TestScope_LookupWalksOutward(t *testing.T) {
	g, err := NewGlobal([]Binding{{Name: "cpus", Value: cty.NumberIntVal(1)}, {Name: "K", Value: cty.NumberIntVal(1024), Constant: true}})
	require.NoError(t, err)
	assert.Equal(t, GlobalID, g.ID)

	var ids IDs
	fn := ids.New(g, "fn")
	block := ids.New(fn, "block")
	require.NoError(t, fn.Add(Symbol{Name: "x", Value: cty.NumberIntVal(5)}))

	sym, ok := block.Get("x")
	require.True(t, ok)
	assert.True(t, sym.Value.RawEquals(cty.NumberIntVal(5)))

	_, ok = block.GetLocal("x")
	assert.False(t, ok)

	sym, ok = block.Get("K")
	require.True(t, ok)
	assert.True(t, sym.Constant)

	_, ok = block.Get("nope")
	assert.False(t, ok)

	assert.Equal(t, []*Scope{block, fn, g}, block.Chain())

	holder, sym, ok := block.Lookup("x")
	require.True(t, ok)
	assert.Same(t, fn, holder)
	assert.Equal(t, "x", sym.Name)
}

func TestScope_SetConvertsAndGuards(t *testing.T) {
	g, err := NewGlobal([]Binding{{Name: "PI", Value: cty.NumberFloatVal(3.14), Constant: true}})
	require.NoError(t, err)
	s := new(IDs).New(g, "b")
	require.NoError(t, s.Add(Symbol{Name: "n", Type: cty.Number, Value: cty.NumberIntVal(1)}))
	require.NoError(t, s.Add(Symbol{Name: "str", Type: cty.String}))

	t.Run("string converted to declared number", func(t *testing.T) {
		v, err := s.Set("n", cty.StringVal("42"))
		require.NoError(t, err)
		assert.True(t, v.RawEquals(cty.NumberIntVal(42)))
	})

	t.Run("unconvertible value is rejected", func(t *testing.T) {
		_, err := s.Set("n", cty.StringVal("forty"))
		assert.ErrorContains(t, err, `cannot assign string to "n"`)
	})

	t.Run("declared without value is null", func(t *testing.T) {
		sym, ok := s.GetLocal("str")
		require.True(t, ok)
		assert.True(t, sym.Value.IsNull())
	})

	t.Run("constants are read only", func(t *testing.T) {
		_, err := s.Set("PI", cty.NumberIntVal(3))
		assert.ErrorContains(t, err, "constant")
		assert.ErrorContains(t, g.Add(Symbol{Name: "PI", Value: cty.NumberIntVal(3)}), "redeclare constant")
	})

	t.Run("undefined variable", func(t *testing.T) {
		_, err := s.Set("missing", cty.True)
		assert.ErrorContains(t, err, "undefined variable")
	})
}

func TestScope_OrderAndValues(t *testing.T) {
	g, err := NewGlobal(nil)
	require.NoError(t, err)
	require.NoError(t, g.Add(Symbol{Name: "a", Value: cty.NumberIntVal(1)}))
	inner := new(IDs).New(g, "b")
	require.NoError(t, inner.Add(Symbol{Name: "z", Value: cty.StringVal("z")}))
	require.NoError(t, inner.Add(Symbol{Name: "a", Value: cty.NumberIntVal(2)}))
	require.NoError(t, inner.Add(Symbol{Name: "z", Value: cty.StringVal("zz")}))

	assert.Equal(t, []string{"z", "a"}, inner.Names())

	want := map[string]cty.Value{"a": cty.NumberIntVal(2), "z": cty.StringVal("zz")}
	if diff := cmp.Diff(want, inner.Values(), cmp.Comparer(func(x, y cty.Value) bool { return x.RawEquals(y) })); diff != "" {
		t.Errorf("Values() mismatch (-want +got):\n%s", diff)
	}
}

func TestReserve(t *testing.T) {
	var ids IDs
	first := ids.Next()
	ids.Reserve("scope-1000000")
	next := ids.New(nil, "n")
	assert.NotEqual(t, first, next.ID)
	assert.Equal(t, "scope-1000001", next.ID)

	ids.Reserve("global")
	ids.Reserve("scope-x")
	ids.Reserve("scope-5")
	assert.Equal(t, "scope-1000002", ids.Next())
}

func TestIDsAreOwnedByTheirAllocator(t *testing.T) {
	var a, b IDs
	a.Reserve("scope-40")
	assert.Equal(t, "scope-41", a.Next())
	assert.Equal(t, "scope-1", b.Next())
}
