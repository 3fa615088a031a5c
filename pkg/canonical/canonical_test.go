package canonical

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshal_SortsKeys(t *testing.T) {
	out, err := Marshal(map[string]any{"zeta": 1, "alpha": 2, "mid": 3})
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":2,"mid":3,"zeta":1}`, string(out))
}

func TestMarshal_NestedObjects(t *testing.T) {
	out, err := Marshal(map[string]any{
		"outer": map[string]any{"b": 2, "a": 1},
		"arr":   []any{map[string]any{"y": 0, "x": 0}},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"arr":[{"x":0,"y":0}],"outer":{"a":1,"b":2}}`, string(out))
}

func TestMarshal_NoHTMLEscaping(t *testing.T) {
	out, err := Marshal(map[string]string{"q": "a<b>&c"})
	require.NoError(t, err)
	assert.Equal(t, `{"q":"a<b>&c"}`, string(out))
}

func TestHash_StableAcrossMapOrder(t *testing.T) {
	// Maps iterate in random order; the canonical form must not.
	m := map[string]any{"a": 1, "b": "two", "c": []any{1, 2, 3}, "d": true}
	first, err := Hash(m)
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		again, err := Hash(m)
		require.NoError(t, err)
		assert.Equal(t, first, again, "iteration %d", i)
	}
}

func TestHash_DifferentValuesDiffer(t *testing.T) {
	h1, err := Hash(map[string]int{"n": 1})
	require.NoError(t, err)
	h2, err := Hash(map[string]int{"n": 2})
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}

func TestHashBytes_KnownVector(t *testing.T) {
	// SHA-256 of the empty string.
	assert.Equal(t,
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		HashBytes(nil))
}

func TestMarshal_StructTagsRespected(t *testing.T) {
	type payload struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
		Skip  string `json:"-"`
	}
	out, err := Marshal(payload{Name: "x", Count: 7, Skip: "hidden"})
	require.NoError(t, err)
	assert.Equal(t, `{"count":7,"name":"x"}`, string(out))
}

func TestString_MatchesMarshal(t *testing.T) {
	v := map[string]any{"k": "v"}
	b, err := Marshal(v)
	require.NoError(t, err)
	s, err := String(v)
	require.NoError(t, err)
	assert.Equal(t, string(b), s)
}
