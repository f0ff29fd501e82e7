package mongo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/mugoori/triflow/runtime/errs"
	"github.com/mugoori/triflow/runtime/event"
	"github.com/mugoori/triflow/runtime/telemetry"
	"github.com/mugoori/triflow/runtime/workflow"
)

// WorkflowStore implements workflow.Store over MongoDB. DSL documents are
// stored as canonical JSON blobs; everything the engine filters on lives in
// indexed top-level fields.
type WorkflowStore struct {
	workflows   *mongo.Collection
	versions    *mongo.Collection
	instances   *mongo.Collection
	checkpoints *mongo.Collection
	events      *mongo.Collection
	logger      telemetry.Logger
}

type (
	workflowDoc struct {
		Key        string     `bson:"_id"`
		WorkflowID string     `bson:"workflow_id"`
		TenantID   string     `bson:"tenant_id"`
		Name       string     `bson:"name"`
		Version    int        `bson:"version"`
		DSL        []byte     `bson:"dsl"`
		Digest     string     `bson:"digest"`
		Status     string     `bson:"status"`
		DeletedAt  *time.Time `bson:"deleted_at,omitempty"`
		CreatedAt  time.Time  `bson:"created_at"`
		UpdatedAt  time.Time  `bson:"updated_at"`
	}

	versionDoc struct {
		TenantID   string                 `bson:"tenant_id"`
		WorkflowID string                 `bson:"workflow_id"`
		Number     int                    `bson:"number"`
		DSL        []byte                 `bson:"dsl"`
		Digest     string                 `bson:"digest"`
		State      workflow.VersionState  `bson:"state"`
		Changelog  string                 `bson:"changelog,omitempty"`
		CreatedAt  time.Time              `bson:"created_at"`
	}

	instanceDoc struct {
		ID          string         `bson:"_id"`
		WorkflowID  string         `bson:"workflow_id"`
		TenantID    string         `bson:"tenant_id"`
		Version     int            `bson:"version"`
		TraceID     string         `bson:"trace_id"`
		State       workflow.State `bson:"state"`
		CurrentNode string         `bson:"current_node,omitempty"`
		Input       map[string]any `bson:"input,omitempty"`
		Output      map[string]any `bson:"output,omitempty"`
		Error       string         `bson:"error,omitempty"`
		ErrorKind   string         `bson:"error_kind,omitempty"`
		StartedAt   time.Time      `bson:"started_at"`
		FinishedAt  *time.Time     `bson:"finished_at,omitempty"`
		CreatedAt   time.Time      `bson:"created_at"`
		UpdatedAt   time.Time      `bson:"updated_at"`
	}

	checkpointDoc struct {
		InstanceID string                   `bson:"instance_id"`
		Seq        int                      `bson:"seq"`
		State      workflow.State           `bson:"state"`
		NodeID     string                   `bson:"node_id,omitempty"`
		Frontier   []string                 `bson:"frontier,omitempty"`
		Context    workflow.ContextSnapshot `bson:"context"`
		Attempts   map[string]int           `bson:"attempts,omitempty"`
		CreatedAt  time.Time                `bson:"created_at"`
	}

	eventDoc struct {
		ID         bson.ObjectID `bson:"_id,omitempty"`
		InstanceID string        `bson:"instance_id"`
		Payload    []byte        `bson:"payload"`
	}
)

func encodeWorkflow(wf workflow.Workflow) (workflowDoc, error) {
	dsl, err := json.Marshal(wf.DSL)
	if err != nil {
		return workflowDoc{}, errs.Wrap(errs.KindInternal, "encode workflow dsl", err)
	}
	return workflowDoc{
		Key:        docKey(wf.TenantID, wf.ID),
		WorkflowID: wf.ID,
		TenantID:   wf.TenantID,
		Name:       wf.Name,
		Version:    wf.Version,
		DSL:        dsl,
		Digest:     wf.Digest,
		Status:     wf.Status,
		DeletedAt:  wf.DeletedAt,
		CreatedAt:  wf.CreatedAt,
		UpdatedAt:  wf.UpdatedAt,
	}, nil
}

func (d workflowDoc) decode() (workflow.Workflow, error) {
	var dsl workflow.Document
	if err := json.Unmarshal(d.DSL, &dsl); err != nil {
		return workflow.Workflow{}, errs.Wrap(errs.KindInternal, "decode workflow dsl", err)
	}
	return workflow.Workflow{
		ID:        d.WorkflowID,
		TenantID:  d.TenantID,
		Name:      d.Name,
		Version:   d.Version,
		DSL:       dsl,
		Digest:    d.Digest,
		Status:    d.Status,
		DeletedAt: d.DeletedAt,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}, nil
}

func encodeVersion(tenantID string, v workflow.Version) (versionDoc, error) {
	dsl, err := json.Marshal(v.DSL)
	if err != nil {
		return versionDoc{}, errs.Wrap(errs.KindInternal, "encode version dsl", err)
	}
	return versionDoc{
		TenantID:   tenantID,
		WorkflowID: v.WorkflowID,
		Number:     v.Number,
		DSL:        dsl,
		Digest:     v.Digest,
		State:      v.State,
		Changelog:  v.Changelog,
		CreatedAt:  v.CreatedAt,
	}, nil
}

func (d versionDoc) decode() (workflow.Version, error) {
	var dsl workflow.Document
	if err := json.Unmarshal(d.DSL, &dsl); err != nil {
		return workflow.Version{}, errs.Wrap(errs.KindInternal, "decode version dsl", err)
	}
	return workflow.Version{
		WorkflowID: d.WorkflowID,
		Number:     d.Number,
		DSL:        dsl,
		Digest:     d.Digest,
		State:      d.State,
		Changelog:  d.Changelog,
		CreatedAt:  d.CreatedAt,
	}, nil
}

func encodeInstance(inst workflow.Instance) instanceDoc {
	return instanceDoc{
		ID:          inst.ID,
		WorkflowID:  inst.WorkflowID,
		TenantID:    inst.TenantID,
		Version:     inst.Version,
		TraceID:     inst.TraceID,
		State:       inst.State,
		CurrentNode: inst.CurrentNode,
		Input:       inst.Input,
		Output:      inst.Output,
		Error:       inst.Error,
		ErrorKind:   inst.ErrorKind,
		StartedAt:   inst.StartedAt,
		FinishedAt:  inst.FinishedAt,
		CreatedAt:   inst.CreatedAt,
		UpdatedAt:   inst.UpdatedAt,
	}
}

func (d instanceDoc) decode() workflow.Instance {
	return workflow.Instance{
		ID:          d.ID,
		WorkflowID:  d.WorkflowID,
		TenantID:    d.TenantID,
		Version:     d.Version,
		TraceID:     d.TraceID,
		State:       d.State,
		CurrentNode: d.CurrentNode,
		Input:       d.Input,
		Output:      d.Output,
		Error:       d.Error,
		ErrorKind:   d.ErrorKind,
		StartedAt:   d.StartedAt,
		FinishedAt:  d.FinishedAt,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
	}
}

// PutWorkflow creates or replaces a workflow record.
func (s *WorkflowStore) PutWorkflow(ctx context.Context, wf workflow.Workflow) error {
	doc, err := encodeWorkflow(wf)
	if err != nil {
		return err
	}
	_, err = s.workflows.ReplaceOne(ctx, bson.D{{Key: "_id", Value: doc.Key}}, doc,
		options.Replace().SetUpsert(true))
	if err != nil {
		return errs.Wrap(errs.KindTransient, fmt.Sprintf("put workflow %q", wf.ID), err)
	}
	return nil
}

// GetWorkflow returns a workflow by id, soft-deleted ones included.
func (s *WorkflowStore) GetWorkflow(ctx context.Context, tenantID, id string) (workflow.Workflow, error) {
	var doc workflowDoc
	err := s.workflows.FindOne(ctx, bson.D{{Key: "_id", Value: docKey(tenantID, id)}}).Decode(&doc)
	if err != nil {
		return workflow.Workflow{}, notFound(err, "workflow %q not found", id)
	}
	return doc.decode()
}

// ListWorkflows returns the tenant's workflows, excluding soft-deleted ones.
func (s *WorkflowStore) ListWorkflows(ctx context.Context, tenantID string) ([]workflow.Workflow, error) {
	cur, err := s.workflows.Find(ctx, bson.D{
		{Key: "tenant_id", Value: tenantID},
		{Key: "deleted_at", Value: nil},
	}, options.Find().SetSort(bson.D{{Key: "workflow_id", Value: 1}}))
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, "list workflows", err)
	}
	var docs []workflowDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, errs.Wrap(errs.KindTransient, "list workflows", err)
	}
	out := make([]workflow.Workflow, 0, len(docs))
	for _, d := range docs {
		wf, derr := d.decode()
		if derr != nil {
			return nil, derr
		}
		out = append(out, wf)
	}
	return out, nil
}

// DeleteWorkflow soft-deletes a workflow, preserving versions and instances.
func (s *WorkflowStore) DeleteWorkflow(ctx context.Context, tenantID, id string) error {
	now := time.Now().UTC()
	res, err := s.workflows.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: docKey(tenantID, id)}},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "deleted_at", Value: now},
			{Key: "updated_at", Value: now},
		}}})
	if err != nil {
		return errs.Wrap(errs.KindTransient, fmt.Sprintf("delete workflow %q", id), err)
	}
	if res.MatchedCount == 0 {
		return errs.Newf(errs.KindNotFound, "workflow %q not found", id)
	}
	return nil
}

// PutVersion appends a version to the workflow's history.
func (s *WorkflowStore) PutVersion(ctx context.Context, tenantID string, v workflow.Version) error {
	doc, err := encodeVersion(tenantID, v)
	if err != nil {
		return err
	}
	_, err = s.versions.ReplaceOne(ctx, bson.D{
		{Key: "tenant_id", Value: tenantID},
		{Key: "workflow_id", Value: v.WorkflowID},
		{Key: "number", Value: v.Number},
	}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return errs.Wrap(errs.KindTransient, fmt.Sprintf("put workflow %q version %d", v.WorkflowID, v.Number), err)
	}
	return nil
}

// GetVersion returns one version or VersionNotFound.
func (s *WorkflowStore) GetVersion(ctx context.Context, tenantID, workflowID string, number int) (workflow.Version, error) {
	var doc versionDoc
	err := s.versions.FindOne(ctx, bson.D{
		{Key: "tenant_id", Value: tenantID},
		{Key: "workflow_id", Value: workflowID},
		{Key: "number", Value: number},
	}).Decode(&doc)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return workflow.Version{}, errs.Newf(errs.KindVersionNotFound, "workflow %q version %d not found", workflowID, number)
		}
		return workflow.Version{}, errs.Wrap(errs.KindTransient, fmt.Sprintf("get workflow %q version %d", workflowID, number), err)
	}
	return doc.decode()
}

// ListVersions returns the workflow's versions in ascending order.
func (s *WorkflowStore) ListVersions(ctx context.Context, tenantID, workflowID string) ([]workflow.Version, error) {
	cur, err := s.versions.Find(ctx, bson.D{
		{Key: "tenant_id", Value: tenantID},
		{Key: "workflow_id", Value: workflowID},
	}, options.Find().SetSort(bson.D{{Key: "number", Value: 1}}))
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, "list versions", err)
	}
	var docs []versionDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, errs.Wrap(errs.KindTransient, "list versions", err)
	}
	out := make([]workflow.Version, 0, len(docs))
	for _, d := range docs {
		v, derr := d.decode()
		if derr != nil {
			return nil, derr
		}
		out = append(out, v)
	}
	return out, nil
}

// Activate marks the given version active, demotes the previously active one
// and rewrites the workflow record to mirror the new live version.
func (s *WorkflowStore) Activate(ctx context.Context, tenantID, workflowID string, number int) (workflow.Workflow, error) {
	target, err := s.GetVersion(ctx, tenantID, workflowID, number)
	if err != nil {
		return workflow.Workflow{}, err
	}
	wf, err := s.GetWorkflow(ctx, tenantID, workflowID)
	if err != nil {
		return workflow.Workflow{}, err
	}

	scope := bson.D{
		{Key: "tenant_id", Value: tenantID},
		{Key: "workflow_id", Value: workflowID},
	}
	demote := append(scope, bson.E{Key: "state", Value: workflow.VersionActive}, bson.E{Key: "number", Value: bson.D{{Key: "$ne", Value: number}}})
	if _, err := s.versions.UpdateMany(ctx, demote,
		bson.D{{Key: "$set", Value: bson.D{{Key: "state", Value: workflow.VersionDeprecated}}}}); err != nil {
		return workflow.Workflow{}, errs.Wrap(errs.KindTransient, "demote active version", err)
	}
	promote := append(scope, bson.E{Key: "number", Value: number})
	if _, err := s.versions.UpdateOne(ctx, promote,
		bson.D{{Key: "$set", Value: bson.D{{Key: "state", Value: workflow.VersionActive}}}}); err != nil {
		return workflow.Workflow{}, errs.Wrap(errs.KindTransient, "promote version", err)
	}

	wf.Version = target.Number
	wf.DSL = target.DSL
	wf.Digest = target.Digest
	wf.UpdatedAt = time.Now().UTC()
	if err := s.PutWorkflow(ctx, wf); err != nil {
		return workflow.Workflow{}, err
	}
	return wf, nil
}

// CreateInstance stores a new instance; duplicate ids return Conflict.
func (s *WorkflowStore) CreateInstance(ctx context.Context, inst workflow.Instance) error {
	_, err := s.instances.InsertOne(ctx, encodeInstance(inst))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return errs.Newf(errs.KindConflict, "instance %q already exists", inst.ID)
		}
		return errs.Wrap(errs.KindTransient, fmt.Sprintf("create instance %q", inst.ID), err)
	}
	return nil
}

// GetInstance returns an instance by id or NotFound.
func (s *WorkflowStore) GetInstance(ctx context.Context, tenantID, id string) (workflow.Instance, error) {
	var doc instanceDoc
	err := s.instances.FindOne(ctx, bson.D{
		{Key: "_id", Value: id},
		{Key: "tenant_id", Value: tenantID},
	}).Decode(&doc)
	if err != nil {
		return workflow.Instance{}, notFound(err, "instance %q not found", id)
	}
	return doc.decode(), nil
}

// UpdateInstance replaces the stored instance.
func (s *WorkflowStore) UpdateInstance(ctx context.Context, inst workflow.Instance) error {
	res, err := s.instances.ReplaceOne(ctx, bson.D{{Key: "_id", Value: inst.ID}}, encodeInstance(inst))
	if err != nil {
		return errs.Wrap(errs.KindTransient, fmt.Sprintf("update instance %q", inst.ID), err)
	}
	if res.MatchedCount == 0 {
		return errs.Newf(errs.KindNotFound, "instance %q not found", inst.ID)
	}
	return nil
}

// ListInstances returns instances matching the filter, most recent first.
func (s *WorkflowStore) ListInstances(ctx context.Context, tenantID string, filter workflow.InstanceFilter) ([]workflow.Instance, error) {
	query := bson.D{{Key: "tenant_id", Value: tenantID}}
	if filter.WorkflowID != "" {
		query = append(query, bson.E{Key: "workflow_id", Value: filter.WorkflowID})
	}
	if len(filter.States) > 0 {
		query = append(query, bson.E{Key: "state", Value: bson.D{{Key: "$in", Value: filter.States}}})
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if filter.Limit > 0 {
		opts = opts.SetLimit(int64(filter.Limit))
	}
	cur, err := s.instances.Find(ctx, query, opts)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, "list instances", err)
	}
	var docs []instanceDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, errs.Wrap(errs.KindTransient, "list instances", err)
	}
	out := make([]workflow.Instance, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.decode())
	}
	return out, nil
}

// CountActive returns the number of non-terminal instances for the tenant.
func (s *WorkflowStore) CountActive(ctx context.Context, tenantID string) (int, error) {
	terminal := []workflow.State{
		workflow.StateCompleted,
		workflow.StateFailed,
		workflow.StateCancelled,
		workflow.StateTimeout,
		workflow.StateCompensated,
	}
	n, err := s.instances.CountDocuments(ctx, bson.D{
		{Key: "tenant_id", Value: tenantID},
		{Key: "state", Value: bson.D{{Key: "$nin", Value: terminal}}},
	})
	if err != nil {
		return 0, errs.Wrap(errs.KindTransient, "count active instances", err)
	}
	return int(n), nil
}

// AppendCheckpoint stores a checkpoint. Seq must exceed all prior checkpoints
// for the instance; the unique (instance_id, seq) index backs the guarantee
// under concurrent writers.
func (s *WorkflowStore) AppendCheckpoint(ctx context.Context, cp workflow.Checkpoint) error {
	latest, err := s.LatestCheckpoint(ctx, cp.InstanceID)
	if err == nil && cp.Seq <= latest.Seq {
		return errs.Newf(errs.KindConflict, "checkpoint seq %d not after %d", cp.Seq, latest.Seq)
	}
	if err != nil && !errs.IsKind(err, errs.KindNotFound) {
		return err
	}
	_, err = s.checkpoints.InsertOne(ctx, checkpointDoc{
		InstanceID: cp.InstanceID,
		Seq:        cp.Seq,
		State:      cp.State,
		NodeID:     cp.NodeID,
		Frontier:   cp.Frontier,
		Context:    cp.Context,
		Attempts:   cp.Attempts,
		CreatedAt:  cp.CreatedAt,
	})
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return errs.Newf(errs.KindConflict, "checkpoint seq %d already exists", cp.Seq)
		}
		return errs.Wrap(errs.KindTransient, fmt.Sprintf("append checkpoint %d", cp.Seq), err)
	}
	return nil
}

// LatestCheckpoint returns the highest-Seq checkpoint or NotFound.
func (s *WorkflowStore) LatestCheckpoint(ctx context.Context, instanceID string) (workflow.Checkpoint, error) {
	var doc checkpointDoc
	err := s.checkpoints.FindOne(ctx,
		bson.D{{Key: "instance_id", Value: instanceID}},
		options.FindOne().SetSort(bson.D{{Key: "seq", Value: -1}})).Decode(&doc)
	if err != nil {
		return workflow.Checkpoint{}, notFound(err, "instance %q has no checkpoint", instanceID)
	}
	return doc.decode(), nil
}

// ListCheckpoints returns the instance's checkpoints in Seq order.
func (s *WorkflowStore) ListCheckpoints(ctx context.Context, instanceID string) ([]workflow.Checkpoint, error) {
	cur, err := s.checkpoints.Find(ctx,
		bson.D{{Key: "instance_id", Value: instanceID}},
		options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}))
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, "list checkpoints", err)
	}
	var docs []checkpointDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, errs.Wrap(errs.KindTransient, "list checkpoints", err)
	}
	out := make([]workflow.Checkpoint, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.decode())
	}
	return out, nil
}

func (d checkpointDoc) decode() workflow.Checkpoint {
	return workflow.Checkpoint{
		InstanceID: d.InstanceID,
		Seq:        d.Seq,
		State:      d.State,
		NodeID:     d.NodeID,
		Frontier:   d.Frontier,
		Context:    d.Context,
		Attempts:   d.Attempts,
		CreatedAt:  d.CreatedAt,
	}
}

// Append stores an event at the tail of the instance's log. Events keep
// their JSON wire shape so replay returns exactly what the bus carried.
func (s *WorkflowStore) Append(ctx context.Context, ev event.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "encode event", err)
	}
	_, err = s.events.InsertOne(ctx, eventDoc{
		ID:         bson.NewObjectID(),
		InstanceID: ev.InstanceID,
		Payload:    payload,
	})
	if err != nil {
		return errs.Wrap(errs.KindTransient, "append event", err)
	}
	return nil
}

// ListEvents returns the instance's events in append order.
func (s *WorkflowStore) ListEvents(ctx context.Context, instanceID string) ([]event.Event, error) {
	cur, err := s.events.Find(ctx,
		bson.D{{Key: "instance_id", Value: instanceID}},
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, "list events", err)
	}
	var docs []eventDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, errs.Wrap(errs.KindTransient, "list events", err)
	}
	out := make([]event.Event, 0, len(docs))
	for _, d := range docs {
		var ev event.Event
		if uerr := json.Unmarshal(d.Payload, &ev); uerr != nil {
			s.logger.Warn(ctx, "skip undecodable event", "instance_id", instanceID, "error", uerr)
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}
