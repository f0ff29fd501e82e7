package learning_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mugoori/triflow/features/store/inmem"
	"github.com/mugoori/triflow/runtime/errs"
	"github.com/mugoori/triflow/runtime/learning"
)

const tenant = "t1"

var now = time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

func newTuner(t *testing.T) (*learning.Tuner, *inmem.LearningStore) {
	t.Helper()
	store := inmem.NewLearningStore()
	tuner, err := learning.New(learning.Options{
		Templates: store,
		Feedback:  store,
		Now:       func() time.Time { return now },
	})
	require.NoError(t, err)
	return tuner, store
}

func seedTemplate(t *testing.T, store *inmem.LearningStore, id string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.PutTemplate(ctx, learning.PromptTemplate{
		ID:            id,
		TenantID:      tenant,
		Name:          id,
		LatestVersion: 1,
		CreatedAt:     now.AddDate(0, -1, 0),
	}))
	require.NoError(t, store.PutBody(ctx, tenant, learning.TemplateBody{
		TemplateID: id,
		Version:    1,
		Text:       "Judge the equipment state.",
		CreatedAt:  now.AddDate(0, -1, 0),
	}))
}

func seedFeedback(t *testing.T, store *inmem.LearningStore, templateID, id string, rating int, age time.Duration, input map[string]any) {
	t.Helper()
	require.NoError(t, store.PutFeedback(context.Background(), learning.Feedback{
		ID:         id,
		TenantID:   tenant,
		TemplateID: templateID,
		Input:      input,
		Output:     "critical",
		Rating:     rating,
		CreatedAt:  now.Add(-age),
	}))
}

func TestTunePromotesHighRatedRecentFeedback(t *testing.T) {
	t.Parallel()
	tuner, store := newTuner(t)
	seedTemplate(t, store, "tpl-1")
	seedFeedback(t, store, "tpl-1", "f-top", 5, time.Hour, map[string]any{"temperature": 99})
	seedFeedback(t, store, "tpl-1", "f-good", 4, 2*time.Hour, map[string]any{"temperature": 85})
	seedFeedback(t, store, "tpl-1", "f-low", 3, time.Hour, map[string]any{"temperature": 70})
	seedFeedback(t, store, "tpl-1", "f-stale", 5, 45*24*time.Hour, map[string]any{"temperature": 60})

	res, err := tuner.Tune(context.Background(), tenant, "tpl-1", learning.TuneParams{MinRating: 4, WindowDays: 30, MaxExemplars: 5})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Added)
	assert.Equal(t, 2, res.Total)
	assert.Equal(t, 2, res.Version, "merge appends a new body version")

	body, err := store.LatestBody(context.Background(), tenant, "tpl-1")
	require.NoError(t, err)
	require.Len(t, body.Exemplars, 2)
	assert.Equal(t, "f-top", body.Exemplars[0].SourceFeedbackID, "rank by rating descending")
	assert.Equal(t, "f-good", body.Exemplars[1].SourceFeedbackID)
	assert.Equal(t, "Judge the equipment state.", body.Text, "tuning never rewrites the template text")
}

func TestTuneDedupesByCanonicalInputHash(t *testing.T) {
	t.Parallel()
	tuner, store := newTuner(t)
	seedTemplate(t, store, "tpl-1")
	seedFeedback(t, store, "tpl-1", "f-a", 5, time.Hour, map[string]any{"line": "A", "temperature": 99})
	seedFeedback(t, store, "tpl-1", "f-b", 5, 2*time.Hour, map[string]any{"temperature": 99, "line": "A"})

	res, err := tuner.Tune(context.Background(), tenant, "tpl-1", learning.TuneParams{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Added, "key-order variants of the same input are one exemplar")
}

func TestTuneIsIdempotent(t *testing.T) {
	t.Parallel()
	tuner, store := newTuner(t)
	seedTemplate(t, store, "tpl-1")
	seedFeedback(t, store, "tpl-1", "f-1", 5, time.Hour, map[string]any{"temperature": 99})
	seedFeedback(t, store, "tpl-1", "f-2", 4, time.Hour, map[string]any{"temperature": 80})

	ctx := context.Background()
	first, err := tuner.Tune(ctx, tenant, "tpl-1", learning.TuneParams{})
	require.NoError(t, err)
	require.Equal(t, 2, first.Added)

	second, err := tuner.Tune(ctx, tenant, "tpl-1", learning.TuneParams{})
	require.NoError(t, err)
	assert.Zero(t, second.Added)
	assert.Equal(t, first.Total, second.Total)
	assert.Equal(t, first.Version, second.Version, "a no-op pass cuts no new body version")
}

func TestTuneRespectsMaxExemplars(t *testing.T) {
	t.Parallel()
	tuner, store := newTuner(t)
	seedTemplate(t, store, "tpl-1")
	for i := 0; i < 8; i++ {
		seedFeedback(t, store, "tpl-1", string(rune('a'+i)), 5, time.Hour, map[string]any{"sample": i})
	}

	res, err := tuner.Tune(context.Background(), tenant, "tpl-1", learning.TuneParams{MaxExemplars: 3})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Added)

	// A later pass picks up the remainder without duplicating the first.
	res, err = tuner.Tune(context.Background(), tenant, "tpl-1", learning.TuneParams{MaxExemplars: 10})
	require.NoError(t, err)
	assert.Equal(t, 5, res.Added)
	assert.Equal(t, 8, res.Total)
}

func TestTuneAllSummarizesPerTemplate(t *testing.T) {
	t.Parallel()
	tuner, store := newTuner(t)
	seedTemplate(t, store, "tpl-a")
	seedTemplate(t, store, "tpl-b")
	seedFeedback(t, store, "tpl-a", "f-1", 5, time.Hour, map[string]any{"x": 1})

	results, err := tuner.TuneAll(context.Background(), tenant, learning.TuneParams{})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "tpl-a", results[0].TemplateID)
	assert.Equal(t, 1, results[0].Added)
	assert.Equal(t, "tpl-b", results[1].TemplateID)
	assert.Zero(t, results[1].Added)
}

func TestCandidatesMarksStoredHashes(t *testing.T) {
	t.Parallel()
	tuner, store := newTuner(t)
	seedTemplate(t, store, "tpl-1")
	seedFeedback(t, store, "tpl-1", "f-1", 5, time.Hour, map[string]any{"temperature": 99})
	seedFeedback(t, store, "tpl-1", "f-2", 4, time.Hour, map[string]any{"temperature": 80})

	ctx := context.Background()
	_, err := tuner.Tune(ctx, tenant, "tpl-1", learning.TuneParams{MaxExemplars: 1})
	require.NoError(t, err)

	candidates, err := tuner.Candidates(ctx, tenant, "tpl-1", learning.TuneParams{})
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	assert.True(t, candidates[0].AlreadyStored, "the promoted top candidate is marked stored")
	assert.False(t, candidates[1].AlreadyStored)
}

func TestTuneUnknownTemplate(t *testing.T) {
	t.Parallel()
	tuner, _ := newTuner(t)

	_, err := tuner.Tune(context.Background(), tenant, "ghost", learning.TuneParams{})
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindNotFound))
}
