// Package mongo provides the durable MongoDB persistence backend. Each store
// mirrors one of the runtime persistence seams; documents are tenant-scoped
// and keyed so every lookup the engine performs resolves through an index.
package mongo

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/mugoori/triflow/runtime/errs"
	"github.com/mugoori/triflow/runtime/telemetry"
)

// Collection names.
const (
	colWorkflows     = "workflows"
	colVersions      = "workflow_versions"
	colInstances     = "workflow_instances"
	colCheckpoints   = "workflow_checkpoints"
	colExecutionLogs = "workflow_execution_logs"
	colExecutions    = "judgment_executions"
	colRulesets      = "rulesets"
	colScripts       = "rule_scripts"
	colDeployments   = "rule_deployments"
	colTemplates     = "prompt_templates"
	colBodies        = "prompt_template_bodies"
	colFeedback      = "feedbacks"
)

type (
	// Options configures the Mongo stores.
	Options struct {
		// Client is the connected Mongo client. Required.
		Client *mongo.Client
		// Database names the database. Defaults to "triflow".
		Database string
		// Logger defaults to noop.
		Logger telemetry.Logger
	}

	// Stores bundles the Mongo-backed store implementations over one
	// database handle.
	Stores struct {
		// Workflows implements workflow.Store.
		Workflows *WorkflowStore
		// Rules implements rules.Store.
		Rules *RuleStore
		// Judgments implements judgment.ExecutionStore.
		Judgments *JudgmentStore
		// Learning implements learning.TemplateStore and
		// learning.FeedbackStore.
		Learning *LearningStore

		db *mongo.Database
	}
)

// New validates opts and constructs the store bundle. It does not touch the
// database; call EnsureIndexes once at startup.
func New(opts Options) (*Stores, error) {
	if opts.Client == nil {
		return nil, errs.New(errs.KindInvalidInput, "mongo client is required")
	}
	name := opts.Database
	if name == "" {
		name = "triflow"
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	db := opts.Client.Database(name)
	return &Stores{
		Workflows: &WorkflowStore{
			workflows:   db.Collection(colWorkflows),
			versions:    db.Collection(colVersions),
			instances:   db.Collection(colInstances),
			checkpoints: db.Collection(colCheckpoints),
			events:      db.Collection(colExecutionLogs),
			logger:      logger,
		},
		Rules: &RuleStore{
			rulesets:    db.Collection(colRulesets),
			scripts:     db.Collection(colScripts),
			deployments: db.Collection(colDeployments),
		},
		Judgments: &JudgmentStore{
			executions: db.Collection(colExecutions),
		},
		Learning: &LearningStore{
			templates: db.Collection(colTemplates),
			bodies:    db.Collection(colBodies),
			feedback:  db.Collection(colFeedback),
		},
		db: db,
	}, nil
}

// EnsureIndexes creates the indexes every store method relies on. Safe to
// call repeatedly.
func (s *Stores) EnsureIndexes(ctx context.Context) error {
	specs := map[string][]mongo.IndexModel{
		colVersions: {
			{Keys: bson.D{{Key: "tenant_id", Value: 1}, {Key: "workflow_id", Value: 1}, {Key: "number", Value: 1}},
				Options: options.Index().SetUnique(true)},
		},
		colInstances: {
			{Keys: bson.D{{Key: "tenant_id", Value: 1}, {Key: "workflow_id", Value: 1}, {Key: "created_at", Value: -1}}},
			{Keys: bson.D{{Key: "tenant_id", Value: 1}, {Key: "state", Value: 1}}},
		},
		colCheckpoints: {
			{Keys: bson.D{{Key: "instance_id", Value: 1}, {Key: "seq", Value: 1}},
				Options: options.Index().SetUnique(true)},
		},
		colExecutionLogs: {
			{Keys: bson.D{{Key: "instance_id", Value: 1}, {Key: "_id", Value: 1}}},
		},
		colScripts: {
			{Keys: bson.D{{Key: "tenant_id", Value: 1}, {Key: "ruleset_id", Value: 1}, {Key: "version", Value: 1}},
				Options: options.Index().SetUnique(true)},
		},
		colDeployments: {
			{Keys: bson.D{{Key: "tenant_id", Value: 1}, {Key: "ruleset_id", Value: 1}, {Key: "superseded", Value: 1}}},
		},
		colBodies: {
			{Keys: bson.D{{Key: "tenant_id", Value: 1}, {Key: "template_id", Value: 1}, {Key: "version", Value: 1}},
				Options: options.Index().SetUnique(true)},
		},
		colFeedback: {
			{Keys: bson.D{{Key: "tenant_id", Value: 1}, {Key: "template_id", Value: 1}, {Key: "created_at", Value: -1}}},
		},
	}
	for name, models := range specs {
		if _, err := s.db.Collection(name).Indexes().CreateMany(ctx, models); err != nil {
			return errs.Wrap(errs.KindTransient, fmt.Sprintf("create %s indexes", name), err)
		}
	}
	return nil
}

// docKey builds the composite _id for tenant-scoped records.
func docKey(tenantID, id string) string { return tenantID + "/" + id }

// notFound converts driver miss errors into the domain NotFound kind.
func notFound(err error, format string, args ...any) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return errs.Newf(errs.KindNotFound, format, args...)
	}
	return errs.Wrap(errs.KindTransient, fmt.Sprintf(format, args...), err)
}
