package engine

import (
	"context"

	"github.com/mugoori/triflow/runtime/errs"
	"github.com/mugoori/triflow/runtime/event"
	"github.com/mugoori/triflow/runtime/workflow"
)

// CreateWorkflow registers a new workflow. The document becomes version 1
// and is immediately active.
func (e *Engine) CreateWorkflow(ctx context.Context, tenantID string, doc workflow.Document) (workflow.Workflow, error) {
	if err := workflow.Validate(doc); err != nil {
		return workflow.Workflow{}, err
	}
	digest, err := workflow.Digest(doc)
	if err != nil {
		return workflow.Workflow{}, errs.Wrap(errs.KindInternal, "digest workflow document", err)
	}
	now := e.now().UTC()
	wf := workflow.Workflow{
		ID:        e.newID(),
		TenantID:  tenantID,
		Name:      doc.Name,
		Version:   1,
		DSL:       doc,
		Digest:    digest,
		Status:    "enabled",
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.store.PutWorkflow(ctx, wf); err != nil {
		return workflow.Workflow{}, err
	}
	v := workflow.Version{
		WorkflowID: wf.ID,
		Number:     1,
		DSL:        doc,
		Digest:     digest,
		State:      workflow.VersionActive,
		CreatedAt:  now,
	}
	if err := e.store.PutVersion(ctx, tenantID, v); err != nil {
		return workflow.Workflow{}, err
	}
	return wf, nil
}

// CreateVersion appends a draft version to the workflow's history. Drafts
// do not affect the live version until published.
func (e *Engine) CreateVersion(ctx context.Context, tenantID, workflowID string, doc workflow.Document, changelog string) (workflow.Version, error) {
	if err := workflow.Validate(doc); err != nil {
		return workflow.Version{}, err
	}
	if _, err := e.store.GetWorkflow(ctx, tenantID, workflowID); err != nil {
		return workflow.Version{}, err
	}
	digest, err := workflow.Digest(doc)
	if err != nil {
		return workflow.Version{}, errs.Wrap(errs.KindInternal, "digest workflow document", err)
	}
	history, err := e.store.ListVersions(ctx, tenantID, workflowID)
	if err != nil {
		return workflow.Version{}, err
	}
	next := 1
	for _, v := range history {
		if v.Number >= next {
			next = v.Number + 1
		}
	}
	v := workflow.Version{
		WorkflowID: workflowID,
		Number:     next,
		DSL:        doc,
		Digest:     digest,
		State:      workflow.VersionDraft,
		Changelog:  changelog,
		CreatedAt:  e.now().UTC(),
	}
	if err := e.store.PutVersion(ctx, tenantID, v); err != nil {
		return workflow.Version{}, err
	}
	return v, nil
}

// PublishVersion makes the given version live. The previously active
// version is deprecated and the workflow record's DSL is rewritten to the
// published document. Running instances keep their pinned version.
func (e *Engine) PublishVersion(ctx context.Context, tenantID, workflowID string, number int) (workflow.Workflow, error) {
	v, err := e.store.GetVersion(ctx, tenantID, workflowID, number)
	if err != nil {
		return workflow.Workflow{}, err
	}
	if v.State == workflow.VersionArchived {
		return workflow.Workflow{}, errs.Newf(errs.KindConflict, "version %d is archived", number)
	}
	return e.store.Activate(ctx, tenantID, workflowID, number)
}

// RollbackWorkflow replaces the live version with a prior one. The target
// must exist (VersionNotFound otherwise) and not be archived. Emits a
// workflow_rollback event; running instances are unaffected.
func (e *Engine) RollbackWorkflow(ctx context.Context, tenantID, workflowID string, toVersion int) (workflow.Workflow, error) {
	current, err := e.store.GetWorkflow(ctx, tenantID, workflowID)
	if err != nil {
		return workflow.Workflow{}, err
	}
	target, err := e.store.GetVersion(ctx, tenantID, workflowID, toVersion)
	if err != nil {
		return workflow.Workflow{}, err
	}
	if target.State == workflow.VersionArchived {
		return workflow.Workflow{}, errs.Newf(errs.KindConflict, "version %d is archived and cannot be rolled back to", toVersion)
	}
	wf, err := e.store.Activate(ctx, tenantID, workflowID, toVersion)
	if err != nil {
		return workflow.Workflow{}, err
	}
	_ = e.pub.Publish(ctx, event.Event{
		Type:        event.TypeWorkflowRollback,
		WorkflowID:  workflowID,
		Timestamp:   e.now().UTC(),
		FromVersion: current.Version,
		ToVersion:   toVersion,
	})
	return wf, nil
}

// DeleteWorkflow soft-deletes the workflow. History and completed instance
// records are preserved; new starts are rejected.
func (e *Engine) DeleteWorkflow(ctx context.Context, tenantID, workflowID string) error {
	return e.store.DeleteWorkflow(ctx, tenantID, workflowID)
}
