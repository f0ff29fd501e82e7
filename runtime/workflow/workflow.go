// Package workflow defines the data model of the orchestration core: workflow
// documents and their version history, the node graph, instance lifecycle
// states, the runtime context and checkpoints. The engine in the engine
// subpackage operates exclusively on these types; persistence backends
// implement the Store interfaces declared in store.go.
package workflow

import (
	"time"

	"github.com/mugoori/triflow/runtime/canon"
)

type (
	// Workflow is the tenant-scoped live workflow record. Its DSL always
	// mirrors the currently active version; publishing and rollback rewrite
	// it atomically.
	Workflow struct {
		// ID uniquely identifies the workflow within a tenant.
		ID string
		// TenantID scopes the workflow.
		TenantID string
		// Name is the human-readable workflow name.
		Name string
		// Version is the currently live version number.
		Version int
		// DSL is the node graph document of the live version.
		DSL Document
		// Digest is the content hash of DSL. Maintained by the store layer;
		// always equals Digest(DSL).
		Digest string
		// Status is "enabled" or "disabled"; disabled workflows reject start.
		Status string
		// DeletedAt soft-deletes the workflow when non-nil. Hidden from
		// listings, history preserved.
		DeletedAt *time.Time
		// CreatedAt records creation time (UTC).
		CreatedAt time.Time
		// UpdatedAt records the last mutation time (UTC).
		UpdatedAt time.Time
	}

	// Version is one entry in a workflow's append-only version history.
	Version struct {
		// WorkflowID identifies the owning workflow.
		WorkflowID string
		// Number is the monotonically increasing version number.
		Number int
		// DSL is the immutable node graph of this version.
		DSL Document
		// Digest is the content hash of DSL.
		Digest string
		// State is one of draft, active, deprecated, archived. At most one
		// active version exists per workflow.
		State VersionState
		// Changelog describes the change relative to the previous version.
		Changelog string
		// CreatedAt records when the version was cut (UTC).
		CreatedAt time.Time
	}

	// VersionState is the lifecycle state of a workflow version.
	VersionState string
)

const (
	// VersionDraft marks an unpublished version.
	VersionDraft VersionState = "draft"
	// VersionActive marks the single live version.
	VersionActive VersionState = "active"
	// VersionDeprecated marks a formerly active version.
	VersionDeprecated VersionState = "deprecated"
	// VersionArchived marks a version excluded from rollback targets.
	VersionArchived VersionState = "archived"
)

// Digest returns the content hash of the document. The hash covers the
// canonical JSON encoding, so semantically identical documents share a digest
// regardless of field ordering in the source text.
func Digest(doc Document) (string, error) {
	return canon.Hash(doc)
}
