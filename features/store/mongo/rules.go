package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/mugoori/triflow/runtime/errs"
	"github.com/mugoori/triflow/runtime/rules"
)

// RuleStore implements rules.Store over MongoDB.
type RuleStore struct {
	rulesets    *mongo.Collection
	scripts     *mongo.Collection
	deployments *mongo.Collection
}

type (
	rulesetDoc struct {
		Key      string        `bson:"_id"`
		TenantID string        `bson:"tenant_id"`
		Ruleset  rules.Ruleset `bson:"ruleset"`
	}

	scriptDoc struct {
		TenantID  string       `bson:"tenant_id"`
		RulesetID string       `bson:"ruleset_id"`
		Version   int          `bson:"version"`
		Script    rules.Script `bson:"script"`
	}

	deploymentDoc struct {
		Key        string           `bson:"_id"`
		TenantID   string           `bson:"tenant_id"`
		RulesetID  string           `bson:"ruleset_id"`
		Superseded bool             `bson:"superseded"`
		CreatedAt  time.Time        `bson:"created_at"`
		Deployment rules.Deployment `bson:"deployment"`
	}
)

// PutRuleset creates or replaces a ruleset record.
func (s *RuleStore) PutRuleset(ctx context.Context, rs rules.Ruleset) error {
	doc := rulesetDoc{Key: docKey(rs.TenantID, rs.ID), TenantID: rs.TenantID, Ruleset: rs}
	_, err := s.rulesets.ReplaceOne(ctx, bson.D{{Key: "_id", Value: doc.Key}}, doc,
		options.Replace().SetUpsert(true))
	if err != nil {
		return errs.Wrap(errs.KindTransient, fmt.Sprintf("put ruleset %q", rs.ID), err)
	}
	return nil
}

// GetRuleset returns a ruleset or NotFound.
func (s *RuleStore) GetRuleset(ctx context.Context, tenantID, id string) (rules.Ruleset, error) {
	var doc rulesetDoc
	err := s.rulesets.FindOne(ctx, bson.D{{Key: "_id", Value: docKey(tenantID, id)}}).Decode(&doc)
	if err != nil {
		return rules.Ruleset{}, notFound(err, "ruleset %q not found", id)
	}
	return doc.Ruleset, nil
}

// PutScript stores a script version, replacing any prior record of the same
// version.
func (s *RuleStore) PutScript(ctx context.Context, tenantID string, sc rules.Script) error {
	doc := scriptDoc{TenantID: tenantID, RulesetID: sc.RulesetID, Version: sc.Version, Script: sc}
	_, err := s.scripts.ReplaceOne(ctx, bson.D{
		{Key: "tenant_id", Value: tenantID},
		{Key: "ruleset_id", Value: sc.RulesetID},
		{Key: "version", Value: sc.Version},
	}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return errs.Wrap(errs.KindTransient, fmt.Sprintf("put ruleset %q script v%d", sc.RulesetID, sc.Version), err)
	}
	return nil
}

// GetScript returns one version or VersionNotFound.
func (s *RuleStore) GetScript(ctx context.Context, tenantID, rulesetID string, version int) (rules.Script, error) {
	var doc scriptDoc
	err := s.scripts.FindOne(ctx, bson.D{
		{Key: "tenant_id", Value: tenantID},
		{Key: "ruleset_id", Value: rulesetID},
		{Key: "version", Value: version},
	}).Decode(&doc)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return rules.Script{}, errs.Newf(errs.KindVersionNotFound, "ruleset %q version %d not found", rulesetID, version)
		}
		return rules.Script{}, errs.Wrap(errs.KindTransient, fmt.Sprintf("get ruleset %q script v%d", rulesetID, version), err)
	}
	return doc.Script, nil
}

// ListScripts returns a ruleset's versions in ascending order.
func (s *RuleStore) ListScripts(ctx context.Context, tenantID, rulesetID string) ([]rules.Script, error) {
	cur, err := s.scripts.Find(ctx, bson.D{
		{Key: "tenant_id", Value: tenantID},
		{Key: "ruleset_id", Value: rulesetID},
	}, options.Find().SetSort(bson.D{{Key: "version", Value: 1}}))
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, "list scripts", err)
	}
	var docs []scriptDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, errs.Wrap(errs.KindTransient, "list scripts", err)
	}
	out := make([]rules.Script, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.Script)
	}
	return out, nil
}

// PutDeployment stores a deployment record.
func (s *RuleStore) PutDeployment(ctx context.Context, tenantID string, d rules.Deployment) error {
	doc := deploymentDoc{
		Key:        docKey(tenantID, d.ID),
		TenantID:   tenantID,
		RulesetID:  d.RulesetID,
		Superseded: d.Superseded,
		CreatedAt:  d.CreatedAt,
		Deployment: d,
	}
	_, err := s.deployments.ReplaceOne(ctx, bson.D{{Key: "_id", Value: doc.Key}}, doc,
		options.Replace().SetUpsert(true))
	if err != nil {
		return errs.Wrap(errs.KindTransient, fmt.Sprintf("put deployment %q", d.ID), err)
	}
	return nil
}

// ActiveDeployments returns the non-superseded deployments for a ruleset in
// creation order.
func (s *RuleStore) ActiveDeployments(ctx context.Context, tenantID, rulesetID string) ([]rules.Deployment, error) {
	cur, err := s.deployments.Find(ctx, bson.D{
		{Key: "tenant_id", Value: tenantID},
		{Key: "ruleset_id", Value: rulesetID},
		{Key: "superseded", Value: false},
	}, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, "list deployments", err)
	}
	var docs []deploymentDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, errs.Wrap(errs.KindTransient, "list deployments", err)
	}
	out := make([]rules.Deployment, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.Deployment)
	}
	return out, nil
}

// SupersedeDeployments marks all of a ruleset's deployments superseded.
func (s *RuleStore) SupersedeDeployments(ctx context.Context, tenantID, rulesetID string) error {
	_, err := s.deployments.UpdateMany(ctx, bson.D{
		{Key: "tenant_id", Value: tenantID},
		{Key: "ruleset_id", Value: rulesetID},
	}, bson.D{{Key: "$set", Value: bson.D{
		{Key: "superseded", Value: true},
		{Key: "deployment.superseded", Value: true},
	}}})
	if err != nil {
		return errs.Wrap(errs.KindTransient, fmt.Sprintf("supersede ruleset %q deployments", rulesetID), err)
	}
	return nil
}
