package workflow

import (
	"context"

	"github.com/mugoori/triflow/runtime/event"
)

type (
	// Store bundles the persistence seams the engine depends on. Backends
	// implement the individual interfaces; features/store/inmem provides the
	// in-memory implementation and features/store/mongo the durable one.
	Store interface {
		DefinitionStore
		InstanceStore
		CheckpointStore
		ExecutionLogStore
	}

	// DefinitionStore persists workflows and their version history.
	DefinitionStore interface {
		// PutWorkflow creates or replaces a workflow record.
		PutWorkflow(ctx context.Context, wf Workflow) error
		// GetWorkflow returns a workflow by id. Soft-deleted workflows are
		// returned with DeletedAt set; missing ones return NotFound.
		GetWorkflow(ctx context.Context, tenantID, id string) (Workflow, error)
		// ListWorkflows returns the tenant's workflows, excluding
		// soft-deleted ones.
		ListWorkflows(ctx context.Context, tenantID string) ([]Workflow, error)
		// DeleteWorkflow soft-deletes a workflow. Version history and
		// completed instance records are preserved.
		DeleteWorkflow(ctx context.Context, tenantID, id string) error
		// PutVersion appends a version to the workflow's history.
		PutVersion(ctx context.Context, tenantID string, v Version) error
		// GetVersion returns one version. Missing versions return
		// VersionNotFound.
		GetVersion(ctx context.Context, tenantID, workflowID string, number int) (Version, error)
		// ListVersions returns the workflow's versions in ascending order.
		ListVersions(ctx context.Context, tenantID, workflowID string) ([]Version, error)
		// Activate atomically marks the given version active, demotes the
		// previously active version to deprecated, and rewrites the workflow
		// record's DSL and Version to match.
		Activate(ctx context.Context, tenantID, workflowID string, number int) (Workflow, error)
	}

	// InstanceStore persists workflow instances.
	InstanceStore interface {
		// CreateInstance stores a new instance. Duplicate ids return
		// Conflict.
		CreateInstance(ctx context.Context, inst Instance) error
		// GetInstance returns an instance by id or NotFound.
		GetInstance(ctx context.Context, tenantID, id string) (Instance, error)
		// UpdateInstance replaces the stored instance.
		UpdateInstance(ctx context.Context, inst Instance) error
		// ListInstances returns instances matching the filter, most recent
		// first.
		ListInstances(ctx context.Context, tenantID string, filter InstanceFilter) ([]Instance, error)
		// CountActive returns the number of non-terminal instances for the
		// tenant. The engine uses it for QUEUED admission.
		CountActive(ctx context.Context, tenantID string) (int, error)
	}

	// InstanceFilter narrows ListInstances.
	InstanceFilter struct {
		// WorkflowID limits results to one workflow when non-empty.
		WorkflowID string
		// States limits results to the given states when non-empty.
		States []State
		// Limit caps the result count. Zero means no limit.
		Limit int
	}

	// CheckpointStore persists instance checkpoints.
	CheckpointStore interface {
		// AppendCheckpoint stores a checkpoint. Seq must exceed all prior
		// checkpoints for the instance.
		AppendCheckpoint(ctx context.Context, cp Checkpoint) error
		// LatestCheckpoint returns the highest-Seq checkpoint for the
		// instance, or NotFound if none exists.
		LatestCheckpoint(ctx context.Context, instanceID string) (Checkpoint, error)
		// ListCheckpoints returns the instance's checkpoints in Seq order.
		ListCheckpoints(ctx context.Context, instanceID string) ([]Checkpoint, error)
	}

	// ExecutionLogStore is the durable, ordered event log per instance. It
	// satisfies event.Log for the publisher and additionally supports reads
	// for replay.
	ExecutionLogStore interface {
		// Append stores an event at the tail of the instance's log.
		Append(ctx context.Context, ev event.Event) error
		// ListEvents returns the instance's events in append order.
		ListEvents(ctx context.Context, instanceID string) ([]event.Event, error)
	}
)
