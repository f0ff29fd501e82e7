package mongo

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/mugoori/triflow/runtime/errs"
	"github.com/mugoori/triflow/runtime/judgment"
)

// JudgmentStore implements judgment.ExecutionStore over MongoDB.
type JudgmentStore struct {
	executions *mongo.Collection
}

type executionDoc struct {
	Key       string             `bson:"_id"`
	TenantID  string             `bson:"tenant_id"`
	Execution judgment.Execution `bson:"execution"`
}

// PutExecution inserts an execution record.
func (s *JudgmentStore) PutExecution(ctx context.Context, ex judgment.Execution) error {
	doc := executionDoc{Key: docKey(ex.TenantID, ex.ID), TenantID: ex.TenantID, Execution: ex}
	_, err := s.executions.InsertOne(ctx, doc)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return errs.Newf(errs.KindConflict, "execution %q already exists", ex.ID)
		}
		return errs.Wrap(errs.KindTransient, fmt.Sprintf("put execution %q", ex.ID), err)
	}
	return nil
}

// GetExecution returns an execution by id or NotFound.
func (s *JudgmentStore) GetExecution(ctx context.Context, tenantID, id string) (judgment.Execution, error) {
	var doc executionDoc
	err := s.executions.FindOne(ctx, bson.D{{Key: "_id", Value: docKey(tenantID, id)}}).Decode(&doc)
	if err != nil {
		return judgment.Execution{}, notFound(err, "execution %q not found", id)
	}
	return doc.Execution, nil
}
