package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mugoori/triflow/runtime/errs"
	"github.com/mugoori/triflow/runtime/judgment"
)

const tempScript = `
rules:
  - id: r-temp-warn
    when: temperature > 80
    result: warning
    confidence: 0.6
    actions:
      - action_type: notify
        priority: medium
        message: temperature drifting high
  - id: r-temp-crit
    when: temperature > 95
    result: critical
    confidence: 0.95
  - id: r-line-a
    when: line == "A" && temperature > 80
    result: warning
    confidence: 0.7
default:
  result: normal
  confidence: 0.9
`

func TestCompileAndEvaluate(t *testing.T) {
	t.Parallel()

	compiled, err := Compile(tempScript)
	require.NoError(t, err)
	require.Len(t, compiled.Rules, 3)
	require.NotNil(t, compiled.Default)

	out, err := compiled.Evaluate(map[string]any{"temperature": 85, "line": "A"})
	require.NoError(t, err)
	assert.Equal(t, judgment.ClassWarning, out.Result)
	assert.InDelta(t, 0.7, out.Confidence, 1e-9)
	assert.Equal(t, []string{"r-temp-warn", "r-line-a"}, out.MatchedRuleIDs)
	require.Len(t, out.Actions, 1)
	assert.Equal(t, "notify", out.Actions[0].ActionType)
}

func TestEvaluateSeverityWins(t *testing.T) {
	t.Parallel()

	compiled, err := Compile(tempScript)
	require.NoError(t, err)

	out, err := compiled.Evaluate(map[string]any{"temperature": 99, "line": "B"})
	require.NoError(t, err)
	assert.Equal(t, judgment.ClassCritical, out.Result)
	assert.InDelta(t, 0.95, out.Confidence, 1e-9)
	assert.Contains(t, out.MatchedRuleIDs, "r-temp-warn")
	assert.Contains(t, out.MatchedRuleIDs, "r-temp-crit")
}

func TestEvaluateDefaultApplies(t *testing.T) {
	t.Parallel()

	compiled, err := Compile(tempScript)
	require.NoError(t, err)

	out, err := compiled.Evaluate(map[string]any{"temperature": 60, "line": "B"})
	require.NoError(t, err)
	assert.Equal(t, judgment.ClassNormal, out.Result)
	assert.InDelta(t, 0.9, out.Confidence, 1e-9)
	assert.Empty(t, out.MatchedRuleIDs)
}

func TestEvaluateUnknownWithoutDefault(t *testing.T) {
	t.Parallel()

	compiled, err := Compile(`
rules:
  - id: only
    when: pressure > 5
    result: critical
    confidence: 0.9
`)
	require.NoError(t, err)

	out, err := compiled.Evaluate(map[string]any{"pressure": 1})
	require.NoError(t, err)
	assert.Equal(t, judgment.ClassUnknown, out.Result)
	assert.Zero(t, out.Confidence)
}

func TestEvaluateMissingFieldDoesNotMatch(t *testing.T) {
	t.Parallel()

	compiled, err := Compile(tempScript)
	require.NoError(t, err)

	out, err := compiled.Evaluate(map[string]any{"line": "A"})
	require.NoError(t, err)
	assert.Equal(t, judgment.ClassNormal, out.Result, "rules over absent fields fall through to default")
}

func TestCompileRejections(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		source string
	}{
		{"empty", "rules: []"},
		{"bad yaml", ":\n  - ["},
		{"missing id", "rules:\n  - when: x > 1\n    result: warning\n    confidence: 0.5"},
		{"duplicate id", "rules:\n  - {id: a, when: x > 1, result: warning, confidence: 0.5}\n  - {id: a, when: x > 2, result: critical, confidence: 0.5}"},
		{"missing when", "rules:\n  - {id: a, result: warning, confidence: 0.5}"},
		{"bad condition", "rules:\n  - {id: a, when: \"x >\", result: warning, confidence: 0.5}"},
		{"bad class", "rules:\n  - {id: a, when: x > 1, result: elevated, confidence: 0.5}"},
		{"unknown class", "rules:\n  - {id: a, when: x > 1, result: unknown, confidence: 0.5}"},
		{"confidence range", "rules:\n  - {id: a, when: x > 1, result: warning, confidence: 1.5}"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := Compile(tc.source)
			require.Error(t, err)
			assert.True(t, errs.IsKind(err, errs.KindCompileError), "kind = %v", errs.KindOf(err))
		})
	}
}
