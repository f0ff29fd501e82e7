package expr

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mapLookup(m map[string]any) Lookup {
	return func(name string) (any, error) {
		v, ok := m[name]
		if !ok {
			return nil, fmt.Errorf("unknown name %q", name)
		}
		return v, nil
	}
}

func TestEval(t *testing.T) {
	t.Parallel()

	lookup := mapLookup(map[string]any{
		"temperature": 81.5,
		"line":        "A",
		"count":       3,
		"enabled":     true,
		"$.vars.x":    float64(10),
	})

	cases := []struct {
		src  string
		want bool
	}{
		{"temperature > 80", true},
		{"temperature > 82", false},
		{"temperature >= 81.5", true},
		{`line == "A"`, true},
		{`line == 'B'`, false},
		{`line != "B"`, true},
		{"temperature > 80 && line == \"A\"", true},
		{"temperature > 90 || count <= 3", true},
		{"!(temperature > 90)", true},
		{"!enabled", false},
		{"enabled", true},
		{"count == 3", true},
		{"80 < temperature", true},
		{"$.vars.x >= 10", true},
		{"(temperature > 90 || count > 2) && enabled", true},
		{`line == "A" && (count > 5 || temperature > 80)`, true},
	}
	for _, tc := range cases {
		t.Run(tc.src, func(t *testing.T) {
			t.Parallel()
			e, err := Parse(tc.src)
			require.NoError(t, err)
			got, err := e.EvalBool(lookup)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestEvalShortCircuits(t *testing.T) {
	t.Parallel()

	lookup := mapLookup(map[string]any{"ok": false})

	// The right side references an unknown name but must never be reached.
	e, err := Parse("ok && missing > 1")
	require.NoError(t, err)
	got, err := e.EvalBool(lookup)
	require.NoError(t, err)
	assert.False(t, got)
}

func TestEvalValue(t *testing.T) {
	t.Parallel()

	e, err := Parse("$.nodes.pick.result.status")
	require.NoError(t, err)
	v, err := e.Eval(mapLookup(map[string]any{"$.nodes.pick.result.status": "released"}))
	require.NoError(t, err)
	assert.Equal(t, "released", v)
}

func TestParseErrors(t *testing.T) {
	t.Parallel()

	for _, src := range []string{
		"temperature >",
		"temperature = 80",
		"(a > 1",
		"a && ",
		`line == "unterminated`,
		"a ? b",
		"a > 1 b > 2",
	} {
		_, err := Parse(src)
		assert.Error(t, err, src)
	}
}

func TestAtomsNormalization(t *testing.T) {
	t.Parallel()

	a, err := Parse(`temperature > 80 && line == "A"`)
	require.NoError(t, err)
	b, err := Parse(`line == 'A' && 80 < temperature`)
	require.NoError(t, err)

	assert.Equal(t, a.Atoms(), b.Atoms())
	assert.Equal(t, []string{`line == "A"`, "temperature > 80"}, a.Atoms())
}

func TestAtomsNegation(t *testing.T) {
	t.Parallel()

	e, err := Parse("!(temperature > 80)")
	require.NoError(t, err)
	assert.Equal(t, []string{"!(temperature > 80)"}, e.Atoms())
}
