package judgment

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Swapping the rule and model vectors while replacing alpha with 1-alpha must
// yield the same decision and combined confidence.
func TestCombineSymmetryProperty(t *testing.T) {
	t.Parallel()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	genVector := gopter.CombineGens(
		gen.Float64Range(0, 1),
		gen.Float64Range(0, 1),
		gen.Float64Range(0, 1),
	).Map(func(vals []any) Vector {
		return Vector{
			Normal:   vals[0].(float64),
			Warning:  vals[1].(float64),
			Critical: vals[2].(float64),
		}
	})

	properties := gopter.NewProperties(parameters)
	properties.Property("combine is symmetric under swap", prop.ForAll(
		func(r, l Vector, alpha float64) bool {
			d1, c1, _ := Combine(r, l, alpha)
			d2, c2, _ := Combine(l, r, 1-alpha)
			return d1 == d2 && floatEq(c1, c2)
		},
		genVector, genVector, gen.Float64Range(0, 1),
	))
	properties.Property("combined confidence never exceeds max component", prop.ForAll(
		func(r, l Vector, alpha float64) bool {
			_, c, v := Combine(r, l, alpha)
			return c <= 1.0000001 && c >= 0 &&
				floatEq(c, maxComponent(v))
		},
		genVector, genVector, gen.Float64Range(0, 1),
	))
	properties.TestingRun(t)
}

func floatEq(a, b float64) bool {
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	return diff < 1e-9
}

func maxComponent(v Vector) float64 {
	m := v.Normal
	if v.Warning > m {
		m = v.Warning
	}
	if v.Critical > m {
		m = v.Critical
	}
	return m
}
