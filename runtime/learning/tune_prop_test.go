package learning_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/mugoori/triflow/features/store/inmem"
	"github.com/mugoori/triflow/runtime/learning"
)

// Tuning over a stable feedback set is idempotent: a second pass adds
// nothing and leaves the exemplar set byte-for-byte unchanged.
func TestTuneIdempotenceProperty(t *testing.T) {
	t.Parallel()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	genFeedback := gopter.CombineGens(
		gen.IntRange(1, 5),
		gen.IntRange(0, 200),
		gen.IntRange(0, 9),
	).Map(func(vals []any) learning.Feedback {
		return learning.Feedback{
			Rating:    vals[0].(int),
			CreatedAt: now.Add(-time.Duration(vals[1].(int)) * 24 * time.Hour),
			Input:     map[string]any{"sample": vals[2].(int)},
			Output:    "critical",
		}
	})

	properties := gopter.NewProperties(parameters)
	properties.Property("second pass is a no-op", prop.ForAll(
		func(feedback []learning.Feedback) bool {
			store := inmem.NewLearningStore()
			tuner, err := learning.New(learning.Options{
				Templates: store,
				Feedback:  store,
				Now:       func() time.Time { return now },
			})
			require.NoError(t, err)

			ctx := context.Background()
			if err := store.PutTemplate(ctx, learning.PromptTemplate{ID: "tpl", TenantID: tenant, LatestVersion: 1}); err != nil {
				return false
			}
			if err := store.PutBody(ctx, tenant, learning.TemplateBody{TemplateID: "tpl", Version: 1}); err != nil {
				return false
			}
			for i, f := range feedback {
				f.ID = fmt.Sprintf("f-%d", i)
				f.TenantID = tenant
				f.TemplateID = "tpl"
				if err := store.PutFeedback(ctx, f); err != nil {
					return false
				}
			}

			params := learning.TuneParams{MinRating: 4, WindowDays: 30, MaxExemplars: 100}
			first, err := tuner.Tune(ctx, tenant, "tpl", params)
			if err != nil {
				return false
			}
			afterFirst, err := store.LatestBody(ctx, tenant, "tpl")
			if err != nil {
				return false
			}
			second, err := tuner.Tune(ctx, tenant, "tpl", params)
			if err != nil {
				return false
			}
			afterSecond, err := store.LatestBody(ctx, tenant, "tpl")
			if err != nil {
				return false
			}

			if second.Added != 0 || second.Total != first.Total {
				return false
			}
			if len(afterFirst.Exemplars) != len(afterSecond.Exemplars) {
				return false
			}
			for i := range afterFirst.Exemplars {
				if afterFirst.Exemplars[i].Hash != afterSecond.Exemplars[i].Hash {
					return false
				}
			}
			return true
		},
		gen.SliceOf(genFeedback),
	))
	properties.TestingRun(t)
}
