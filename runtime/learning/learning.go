// Package learning turns highly rated judgment feedback into few-shot
// exemplars attached to prompt templates. Tuning is idempotent: an exemplar
// hash appears at most once per template, and re-running tune over a stable
// feedback set changes nothing.
package learning

import (
	"context"
	"time"
)

type (
	// PromptTemplate is the tenant-scoped template record. Bodies form an
	// append-only version stream; exemplars attach to the latest body.
	PromptTemplate struct {
		ID            string    `json:"id" bson:"_id"`
		TenantID      string    `json:"tenant_id" bson:"tenant_id"`
		Name          string    `json:"name" bson:"name"`
		LatestVersion int       `json:"latest_version" bson:"latest_version"`
		CreatedAt     time.Time `json:"created_at" bson:"created_at"`
		UpdatedAt     time.Time `json:"updated_at" bson:"updated_at"`
	}

	// TemplateBody is one immutable version of a template's text plus its
	// exemplar set.
	TemplateBody struct {
		TemplateID string     `json:"template_id" bson:"template_id"`
		Version    int        `json:"version" bson:"version"`
		Text       string     `json:"text" bson:"text"`
		Exemplars  []Exemplar `json:"exemplars,omitempty" bson:"exemplars,omitempty"`
		CreatedAt  time.Time  `json:"created_at" bson:"created_at"`
	}

	// Exemplar is one (input, desired output) pair injected into judgment
	// prompts as a few-shot example.
	Exemplar struct {
		// Hash is the canonical content hash of Input. At most one exemplar
		// per hash exists on a template.
		Hash string `json:"hash" bson:"hash"`
		// Input is the judgment input the exemplar demonstrates.
		Input map[string]any `json:"input" bson:"input"`
		// Output is the desired judgment result.
		Output string `json:"output" bson:"output"`
		// Rating is the feedback rating that promoted the exemplar.
		Rating int `json:"rating" bson:"rating"`
		// SourceFeedbackID links back to the originating feedback.
		SourceFeedbackID string `json:"source_feedback_id" bson:"source_feedback_id"`
		// AddedAt records promotion time (UTC).
		AddedAt time.Time `json:"added_at" bson:"added_at"`
	}

	// Feedback is one user rating of a judgment execution.
	Feedback struct {
		ID          string         `json:"id" bson:"_id"`
		TenantID    string         `json:"tenant_id" bson:"tenant_id"`
		TemplateID  string         `json:"template_id" bson:"template_id"`
		ExecutionID string         `json:"execution_id,omitempty" bson:"execution_id,omitempty"`
		Input       map[string]any `json:"input" bson:"input"`
		Output      string         `json:"output" bson:"output"`
		// Rating is 1..5; 5 is best.
		Rating    int       `json:"rating" bson:"rating"`
		Comment   string    `json:"comment,omitempty" bson:"comment,omitempty"`
		CreatedAt time.Time `json:"created_at" bson:"created_at"`
	}

	// TuneParams bounds one tune pass.
	TuneParams struct {
		// MinRating is the lowest rating promoted. Defaults to 4.
		MinRating int
		// WindowDays bounds feedback age. Defaults to 30.
		WindowDays int
		// MaxExemplars caps exemplars added in this pass. Defaults to 5.
		MaxExemplars int
	}

	// TuneResult summarizes one tune pass over a template.
	TuneResult struct {
		TemplateID string `json:"template_id"`
		// Added counts exemplars appended by this pass.
		Added int `json:"added"`
		// Total counts exemplars on the new body version.
		Total int `json:"total"`
		// Version is the body version carrying the merged exemplar set.
		// Unchanged when Added is zero.
		Version int `json:"version"`
	}

	// Candidate previews a feedback entry that a tune pass would promote.
	Candidate struct {
		FeedbackID string         `json:"feedback_id"`
		Hash       string         `json:"hash"`
		Input      map[string]any `json:"input"`
		Output     string         `json:"output"`
		Rating     int            `json:"rating"`
		// AlreadyStored marks candidates whose hash the template carries.
		AlreadyStored bool `json:"already_stored"`
	}

	// TemplateStore persists prompt templates and their body versions.
	TemplateStore interface {
		// PutTemplate creates or replaces a template record.
		PutTemplate(ctx context.Context, t PromptTemplate) error
		// GetTemplate returns a template or NotFound.
		GetTemplate(ctx context.Context, tenantID, id string) (PromptTemplate, error)
		// ListTemplates returns the tenant's templates.
		ListTemplates(ctx context.Context, tenantID string) ([]PromptTemplate, error)
		// PutBody appends a body version.
		PutBody(ctx context.Context, tenantID string, b TemplateBody) error
		// LatestBody returns the highest-version body or NotFound.
		LatestBody(ctx context.Context, tenantID, templateID string) (TemplateBody, error)
	}

	// FeedbackStore persists judgment feedback.
	FeedbackStore interface {
		// PutFeedback inserts a feedback record.
		PutFeedback(ctx context.Context, f Feedback) error
		// ListFeedback returns a template's feedback, newest first.
		ListFeedback(ctx context.Context, tenantID, templateID string) ([]Feedback, error)
	}
)

func (p *TuneParams) normalize() {
	if p.MinRating <= 0 {
		p.MinRating = 4
	}
	if p.WindowDays <= 0 {
		p.WindowDays = 30
	}
	if p.MaxExemplars <= 0 {
		p.MaxExemplars = 5
	}
}
