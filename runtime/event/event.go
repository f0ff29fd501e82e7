// Package event defines the progress event envelope emitted by the workflow
// engine and the bus abstraction that carries events to durable logs and live
// subscribers. Events serialize to a single uniform JSON shape across the log
// store and the pub/sub channel.
package event

import (
	"fmt"
	"time"
)

// Type enumerates the event kinds emitted by the engine.
type Type string

const (
	// TypeWorkflowStateChanged signals an instance state machine transition.
	TypeWorkflowStateChanged Type = "workflow_state_changed"
	// TypeNodeStarted signals that a node dispatch began.
	TypeNodeStarted Type = "node_started"
	// TypeNodeCompleted signals that a node dispatch finished successfully.
	TypeNodeCompleted Type = "node_completed"
	// TypeNodeFailed signals that a node dispatch failed permanently.
	TypeNodeFailed Type = "node_failed"
	// TypeWorkflowRollback signals that a workflow's live dsl was replaced by
	// a prior version.
	TypeWorkflowRollback Type = "workflow_rollback"
	// TypeApprovalRequested signals that an APPROVAL node is waiting on a
	// decision.
	TypeApprovalRequested Type = "approval_requested"
)

// Event is the uniform envelope for all engine events. Type-specific fields
// are optional and omitted from JSON when empty.
type Event struct {
	// Type identifies the event kind.
	Type Type `json:"event_type"`
	// InstanceID identifies the workflow instance that produced the event.
	// Empty only for workflow_rollback events, which are workflow-scoped.
	InstanceID string `json:"instance_id,omitempty"`
	// WorkflowID identifies the owning workflow.
	WorkflowID string `json:"workflow_id,omitempty"`
	// TraceID is the per-instance correlation token.
	TraceID string `json:"trace_id,omitempty"`
	// Timestamp records when the event was emitted (UTC).
	Timestamp time.Time `json:"timestamp"`
	// Replay marks events re-emitted during instance replay or resume
	// recovery. Subscribers that require effectively-once semantics filter on
	// this marker.
	Replay bool `json:"replay,omitempty"`

	// FromState and ToState carry state transition endpoints for
	// workflow_state_changed events.
	FromState string `json:"from_state,omitempty"`
	ToState   string `json:"to_state,omitempty"`
	// Reason optionally explains a transition (e.g. last error on FAILED).
	Reason string `json:"reason,omitempty"`

	// NodeID and NodeType identify the node for node_* events.
	NodeID   string `json:"node_id,omitempty"`
	NodeType string `json:"node_type,omitempty"`
	// DurationMS is the node dispatch wall time for node_completed and
	// node_failed events.
	DurationMS int64 `json:"duration_ms,omitempty"`
	// Error carries the node failure message for node_failed events.
	Error string `json:"error,omitempty"`
	// Output carries the node result for node_completed events when the
	// engine is configured to include outputs.
	Output any `json:"output,omitempty"`

	// FromVersion and ToVersion carry version endpoints for workflow_rollback.
	FromVersion int `json:"from_version,omitempty"`
	ToVersion   int `json:"to_version,omitempty"`

	// Approvers and ExpiresAt describe approval_requested events.
	Approvers []string   `json:"approvers,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	// Payload carries any additional type-specific data.
	Payload map[string]any `json:"payload,omitempty"`
}

// ChannelKey returns the pub/sub channel key carrying events for the given
// instance: "workflow:{instance_id}:events".
func ChannelKey(instanceID string) string {
	return fmt.Sprintf("workflow:%s:events", instanceID)
}
