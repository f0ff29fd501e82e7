package canon

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONStableAcrossKeyOrder(t *testing.T) {
	t.Parallel()

	a, err := JSON(map[string]any{"b": 1, "a": []any{"x", map[string]any{"k": true}}})
	require.NoError(t, err)
	b, err := JSON(map[string]any{"a": []any{"x", map[string]any{"k": true}}, "b": 1})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestHashDistinguishesValues(t *testing.T) {
	t.Parallel()

	h1, err := Hash(map[string]any{"x": 1})
	require.NoError(t, err)
	h2, err := Hash(map[string]any{"x": 2})
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestHashPartsBoundaries(t *testing.T) {
	t.Parallel()

	// "ab"+"c" must not collide with "a"+"bc".
	assert.NotEqual(t, HashParts("ab", "c"), HashParts("a", "bc"))
	assert.Equal(t, HashParts("a", "b"), HashParts("a", "b"))
}
