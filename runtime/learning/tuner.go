package learning

import (
	"context"
	"sort"
	"time"

	"github.com/mugoori/triflow/runtime/canon"
	"github.com/mugoori/triflow/runtime/errs"
	"github.com/mugoori/triflow/runtime/telemetry"
)

type (
	// Options configures the tuner.
	Options struct {
		// Templates is the template store. Required.
		Templates TemplateStore
		// Feedback is the feedback store. Required.
		Feedback FeedbackStore
		// Now supplies the clock. Defaults to time.Now.
		Now func() time.Time
		// Logger defaults to noop.
		Logger telemetry.Logger
	}

	// Tuner promotes highly rated feedback into template exemplars.
	Tuner struct {
		templates TemplateStore
		feedback  FeedbackStore
		now       func() time.Time
		logger    telemetry.Logger
	}
)

// New validates opts and constructs a Tuner.
func New(opts Options) (*Tuner, error) {
	if opts.Templates == nil {
		return nil, errs.New(errs.KindInvalidInput, "template store is required")
	}
	if opts.Feedback == nil {
		return nil, errs.New(errs.KindInvalidInput, "feedback store is required")
	}
	t := &Tuner{
		templates: opts.Templates,
		feedback:  opts.Feedback,
		now:       opts.Now,
		logger:    opts.Logger,
	}
	if t.now == nil {
		t.now = time.Now
	}
	if t.logger == nil {
		t.logger = telemetry.NewNoopLogger()
	}
	return t, nil
}

// Tune selects feedback with rating >= MinRating and age <= WindowDays,
// dedupes by canonical input hash, ranks by rating descending and appends up
// to MaxExemplars new exemplars as a new body version. The merge is
// non-mutating: prior body versions and their exemplars are preserved, and a
// hash already stored on the template is never added again.
func (t *Tuner) Tune(ctx context.Context, tenantID, templateID string, params TuneParams) (TuneResult, error) {
	params.normalize()
	if _, err := t.templates.GetTemplate(ctx, tenantID, templateID); err != nil {
		return TuneResult{}, err
	}
	body, err := t.templates.LatestBody(ctx, tenantID, templateID)
	if err != nil {
		return TuneResult{}, err
	}

	candidates, err := t.Candidates(ctx, tenantID, templateID, params)
	if err != nil {
		return TuneResult{}, err
	}

	stored := make(map[string]struct{}, len(body.Exemplars))
	for _, ex := range body.Exemplars {
		stored[ex.Hash] = struct{}{}
	}

	now := t.now().UTC()
	var added []Exemplar
	for _, c := range candidates {
		if len(added) >= params.MaxExemplars {
			break
		}
		if c.AlreadyStored {
			continue
		}
		added = append(added, Exemplar{
			Hash:             c.Hash,
			Input:            c.Input,
			Output:           c.Output,
			Rating:           c.Rating,
			SourceFeedbackID: c.FeedbackID,
			AddedAt:          now,
		})
		stored[c.Hash] = struct{}{}
	}

	result := TuneResult{
		TemplateID: templateID,
		Added:      len(added),
		Total:      len(body.Exemplars) + len(added),
		Version:    body.Version,
	}
	if len(added) == 0 {
		return result, nil
	}

	merged := make([]Exemplar, 0, result.Total)
	merged = append(merged, body.Exemplars...)
	merged = append(merged, added...)
	next := TemplateBody{
		TemplateID: templateID,
		Version:    body.Version + 1,
		Text:       body.Text,
		Exemplars:  merged,
		CreatedAt:  now,
	}
	if err := t.templates.PutBody(ctx, tenantID, next); err != nil {
		return TuneResult{}, err
	}
	result.Version = next.Version
	t.logger.Info(ctx, "template tuned",
		"template_id", templateID, "added", result.Added, "total", result.Total, "version", result.Version)
	return result, nil
}

// TuneAll tunes every template of the tenant and returns per-template
// summaries in template id order.
func (t *Tuner) TuneAll(ctx context.Context, tenantID string, params TuneParams) ([]TuneResult, error) {
	templates, err := t.templates.ListTemplates(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	sort.Slice(templates, func(i, j int) bool { return templates[i].ID < templates[j].ID })
	out := make([]TuneResult, 0, len(templates))
	for _, tpl := range templates {
		res, err := t.Tune(ctx, tenantID, tpl.ID, params)
		if err != nil {
			return out, err
		}
		out = append(out, res)
	}
	return out, nil
}

// Candidates previews the feedback a tune pass with the given params would
// consider, deduped by hash and ranked by rating descending. Entries whose
// hash the template already stores are marked AlreadyStored.
func (t *Tuner) Candidates(ctx context.Context, tenantID, templateID string, params TuneParams) ([]Candidate, error) {
	params.normalize()
	body, err := t.templates.LatestBody(ctx, tenantID, templateID)
	if err != nil {
		return nil, err
	}
	feedback, err := t.feedback.ListFeedback(ctx, tenantID, templateID)
	if err != nil {
		return nil, err
	}

	stored := make(map[string]struct{}, len(body.Exemplars))
	for _, ex := range body.Exemplars {
		stored[ex.Hash] = struct{}{}
	}

	cutoff := t.now().UTC().AddDate(0, 0, -params.WindowDays)
	seen := map[string]struct{}{}
	var out []Candidate
	for _, f := range feedback {
		if f.Rating < params.MinRating || f.CreatedAt.Before(cutoff) {
			continue
		}
		hash, err := ExemplarHash(f.Input)
		if err != nil {
			t.logger.Warn(ctx, "feedback input not hashable", "feedback_id", f.ID, "error", err)
			continue
		}
		if _, dup := seen[hash]; dup {
			continue
		}
		seen[hash] = struct{}{}
		_, already := stored[hash]
		out = append(out, Candidate{
			FeedbackID:    f.ID,
			Hash:          hash,
			Input:         f.Input,
			Output:        f.Output,
			Rating:        f.Rating,
			AlreadyStored: already,
		})
	}
	// Stable rank: rating descending, then hash for a deterministic order
	// across runs.
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Rating != out[j].Rating {
			return out[i].Rating > out[j].Rating
		}
		return out[i].Hash < out[j].Hash
	})
	return out, nil
}

// ExemplarHash returns the canonical content hash of a feedback input.
func ExemplarHash(input map[string]any) (string, error) {
	return canon.Hash(input)
}
