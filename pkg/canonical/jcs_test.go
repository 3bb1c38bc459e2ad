package canonical

import (
	"testing"

	"github.com/gowebpki/jcs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshal_SortsKeys(t *testing.T) {
	got, err := Marshal(map[string]any{"zulu": 1, "alpha": 2, "mike": 3})
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":2,"mike":3,"zulu":1}`, string(got))
}

func TestMarshal_NestedAndArrays(t *testing.T) {
	got, err := Marshal(map[string]any{
		"b": []any{map[string]any{"y": 1, "x": 2}, "s"},
		"a": nil,
	})
	require.NoError(t, err)
	assert.Equal(t, `{"a":null,"b":[{"x":2,"y":1},"s"]}`, string(got))
}

func TestMarshal_NoHTMLEscaping(t *testing.T) {
	got, err := Marshal(map[string]string{"cmd": "a<b>&c"})
	require.NoError(t, err)
	assert.Equal(t, `{"cmd":"a<b>&c"}`, string(got))
}

func TestMarshal_HonoursStructTags(t *testing.T) {
	type payload struct {
		Second string `json:"second"`
		First  string `json:"first"`
		Omit   string `json:"omit,omitempty"`
	}
	got, err := Marshal(payload{Second: "2", First: "1"})
	require.NoError(t, err)
	assert.Equal(t, `{"first":"1","second":"2"}`, string(got))
}

// Cross-check against the reference JCS transform: canonicalizing our
// output must be the identity.
func TestMarshal_MatchesReferenceJCS(t *testing.T) {
	inputs := []any{
		map[string]any{"z": "v", "a": []any{1, 2, 3}, "n": nil, "b": true},
		map[string]any{"nested": map[string]any{"deep": map[string]any{"y": 1, "x": 2}}},
		map[string]any{"text": "line1\nline2\ttab \"quoted\""},
		[]any{"plain", 42, false},
	}
	for _, in := range inputs {
		ours, err := Marshal(in)
		require.NoError(t, err)
		ref, err := jcs.Transform(ours)
		require.NoError(t, err)
		assert.Equal(t, string(ref), string(ours))
	}
}

func TestHash_StableAcrossKeyOrder(t *testing.T) {
	h1, err := Hash(map[string]any{"a": 1, "b": 2})
	require.NoError(t, err)
	h2, err := Hash(map[string]any{"b": 2, "a": 1})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)

	h3, err := Hash(map[string]any{"a": 1, "b": 3})
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)
}
