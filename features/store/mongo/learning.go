package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/mugoori/triflow/runtime/errs"
	"github.com/mugoori/triflow/runtime/learning"
)

// LearningStore implements learning.TemplateStore and learning.FeedbackStore
// over MongoDB.
type LearningStore struct {
	templates *mongo.Collection
	bodies    *mongo.Collection
	feedback  *mongo.Collection
}

type (
	templateDoc struct {
		Key      string                  `bson:"_id"`
		TenantID string                  `bson:"tenant_id"`
		Template learning.PromptTemplate `bson:"template"`
	}

	bodyDoc struct {
		TenantID   string                `bson:"tenant_id"`
		TemplateID string                `bson:"template_id"`
		Version    int                   `bson:"version"`
		Body       learning.TemplateBody `bson:"body"`
	}

	feedbackDoc struct {
		Key        string            `bson:"_id"`
		TenantID   string            `bson:"tenant_id"`
		TemplateID string            `bson:"template_id"`
		CreatedAt  time.Time         `bson:"created_at"`
		Feedback   learning.Feedback `bson:"feedback"`
	}
)

// PutTemplate creates or replaces a template record.
func (s *LearningStore) PutTemplate(ctx context.Context, t learning.PromptTemplate) error {
	doc := templateDoc{Key: docKey(t.TenantID, t.ID), TenantID: t.TenantID, Template: t}
	_, err := s.templates.ReplaceOne(ctx, bson.D{{Key: "_id", Value: doc.Key}}, doc,
		options.Replace().SetUpsert(true))
	if err != nil {
		return errs.Wrap(errs.KindTransient, fmt.Sprintf("put template %q", t.ID), err)
	}
	return nil
}

// GetTemplate returns a template or NotFound.
func (s *LearningStore) GetTemplate(ctx context.Context, tenantID, id string) (learning.PromptTemplate, error) {
	var doc templateDoc
	err := s.templates.FindOne(ctx, bson.D{{Key: "_id", Value: docKey(tenantID, id)}}).Decode(&doc)
	if err != nil {
		return learning.PromptTemplate{}, notFound(err, "template %q not found", id)
	}
	return doc.Template, nil
}

// ListTemplates returns the tenant's templates.
func (s *LearningStore) ListTemplates(ctx context.Context, tenantID string) ([]learning.PromptTemplate, error) {
	cur, err := s.templates.Find(ctx,
		bson.D{{Key: "tenant_id", Value: tenantID}},
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, "list templates", err)
	}
	var docs []templateDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, errs.Wrap(errs.KindTransient, "list templates", err)
	}
	out := make([]learning.PromptTemplate, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.Template)
	}
	return out, nil
}

// PutBody appends a body version. Duplicate versions return Conflict, and the
// owning template's LatestVersion advances monotonically.
func (s *LearningStore) PutBody(ctx context.Context, tenantID string, b learning.TemplateBody) error {
	doc := bodyDoc{TenantID: tenantID, TemplateID: b.TemplateID, Version: b.Version, Body: b}
	_, err := s.bodies.InsertOne(ctx, doc)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return errs.Newf(errs.KindConflict, "template %q body version %d already exists", b.TemplateID, b.Version)
		}
		return errs.Wrap(errs.KindTransient, fmt.Sprintf("put template %q body v%d", b.TemplateID, b.Version), err)
	}
	_, err = s.templates.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: docKey(tenantID, b.TemplateID)}},
		bson.D{{Key: "$max", Value: bson.D{{Key: "template.latest_version", Value: b.Version}}}})
	if err != nil {
		return errs.Wrap(errs.KindTransient, fmt.Sprintf("advance template %q version", b.TemplateID), err)
	}
	return nil
}

// LatestBody returns the highest-version body or NotFound.
func (s *LearningStore) LatestBody(ctx context.Context, tenantID, templateID string) (learning.TemplateBody, error) {
	var doc bodyDoc
	err := s.bodies.FindOne(ctx, bson.D{
		{Key: "tenant_id", Value: tenantID},
		{Key: "template_id", Value: templateID},
	}, options.FindOne().SetSort(bson.D{{Key: "version", Value: -1}})).Decode(&doc)
	if err != nil {
		return learning.TemplateBody{}, notFound(err, "template %q has no body", templateID)
	}
	return doc.Body, nil
}

// PutFeedback inserts a feedback record.
func (s *LearningStore) PutFeedback(ctx context.Context, f learning.Feedback) error {
	doc := feedbackDoc{
		Key:        docKey(f.TenantID, f.ID),
		TenantID:   f.TenantID,
		TemplateID: f.TemplateID,
		CreatedAt:  f.CreatedAt,
		Feedback:   f,
	}
	_, err := s.feedback.ReplaceOne(ctx, bson.D{{Key: "_id", Value: doc.Key}}, doc,
		options.Replace().SetUpsert(true))
	if err != nil {
		return errs.Wrap(errs.KindTransient, fmt.Sprintf("put feedback %q", f.ID), err)
	}
	return nil
}

// ListFeedback returns a template's feedback, newest first.
func (s *LearningStore) ListFeedback(ctx context.Context, tenantID, templateID string) ([]learning.Feedback, error) {
	cur, err := s.feedback.Find(ctx, bson.D{
		{Key: "tenant_id", Value: tenantID},
		{Key: "template_id", Value: templateID},
	}, options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}))
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, "list feedback", err)
	}
	var docs []feedbackDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, errs.Wrap(errs.KindTransient, "list feedback", err)
	}
	out := make([]learning.Feedback, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.Feedback)
	}
	return out, nil
}
