package workflow

import (
	"time"

	"github.com/mugoori/triflow/runtime/errs"
)

type (
	// State is an instance lifecycle state.
	State string

	// Instance is one execution of a workflow version. Instances pin the
	// version they started with; publishing a new version never affects
	// running instances.
	Instance struct {
		// ID uniquely identifies the instance.
		ID string
		// WorkflowID identifies the workflow definition.
		WorkflowID string
		// TenantID scopes the instance.
		TenantID string
		// Version is the workflow version pinned at start.
		Version int
		// TraceID correlates events, judgments and tool calls across the
		// instance. Stable for the instance lifetime.
		TraceID string
		// State is the current lifecycle state.
		State State
		// CurrentNode is the node being executed or about to execute.
		CurrentNode string
		// Input is the trigger payload captured at start.
		Input map[string]any
		// Output is the final output for terminal instances.
		Output map[string]any
		// Error holds the failure reason for FAILED and TIMEOUT instances.
		Error string
		// ErrorKind classifies Error. Resume of a FAILED instance is only
		// admitted when the kind is retryable.
		ErrorKind string
		// StartedAt is when execution actually began (left QUEUED/CREATED).
		StartedAt time.Time
		// FinishedAt is set when the instance reaches a terminal state.
		FinishedAt *time.Time
		// CreatedAt records instance creation (UTC).
		CreatedAt time.Time
		// UpdatedAt records the last state change (UTC).
		UpdatedAt time.Time
	}
)

const (
	// StateCreated is the initial state before admission.
	StateCreated State = "CREATED"
	// StateQueued holds instances waiting for an execution slot.
	StateQueued State = "QUEUED"
	// StateRunning marks active node execution.
	StateRunning State = "RUNNING"
	// StateRetrying marks a node retry backoff in progress.
	StateRetrying State = "RETRYING"
	// StateWaiting marks a WAIT node blocking on time or an event.
	StateWaiting State = "WAITING"
	// StateWaitingApproval marks an APPROVAL node blocking on a decision.
	StateWaitingApproval State = "WAITING_APPROVAL"
	// StatePaused marks an operator-paused instance.
	StatePaused State = "PAUSED"
	// StateCompleted is the successful terminal state.
	StateCompleted State = "COMPLETED"
	// StateFailed is the unsuccessful terminal state.
	StateFailed State = "FAILED"
	// StateCompensating marks compensation running after a failure.
	StateCompensating State = "COMPENSATING"
	// StateCompensated is the terminal state after compensation finished.
	StateCompensated State = "COMPENSATED"
	// StateCancelling marks a cancel request being honored.
	StateCancelling State = "CANCELLING"
	// StateCancelled is the terminal state after cancellation.
	StateCancelled State = "CANCELLED"
	// StateTimeout is the terminal state for deadline overruns.
	StateTimeout State = "TIMEOUT"
	// StateSkipped applies to individual nodes bypassed by branching. It is
	// never an instance state.
	StateSkipped State = "SKIPPED"
)

// transitions is the closed set of legal instance state transitions.
var transitions = map[State][]State{
	StateCreated:         {StateQueued, StateRunning, StateCancelled},
	StateQueued:          {StateRunning, StateCancelled},
	StateRunning:         {StateRetrying, StateWaiting, StateWaitingApproval, StatePaused, StateCompleted, StateFailed, StateCompensating, StateCancelling, StateTimeout},
	StateRetrying:        {StateRunning, StateFailed, StateCompensating, StateCancelling, StateTimeout},
	StateWaiting:         {StateRunning, StateCancelling, StateTimeout},
	StateWaitingApproval: {StateRunning, StateFailed, StateCancelling, StateTimeout},
	StatePaused:          {StateRunning, StateCancelling},
	StateCompensating:    {StateCompensated, StateFailed, StateCancelling},
	StateCancelling:      {StateCancelled},
}

// terminals is the set of states with no outgoing transitions.
var terminals = map[State]struct{}{
	StateCompleted:   {},
	StateFailed:      {},
	StateCancelled:   {},
	StateTimeout:     {},
	StateCompensated: {},
}

// Terminal reports whether s is a terminal state.
func (s State) Terminal() bool {
	_, ok := terminals[s]
	return ok
}

// Resumable reports whether a PAUSED or WAITING family instance can be
// resumed into RUNNING.
func (s State) Resumable() bool {
	switch s {
	case StatePaused, StateWaiting, StateWaitingApproval:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is a legal transition.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition moves the instance to the target state, stamping UpdatedAt and
// FinishedAt for terminal states. Illegal transitions return Conflict.
func (inst *Instance) Transition(to State, now time.Time) error {
	if !CanTransition(inst.State, to) {
		return errs.Newf(errs.KindConflict, "instance %s: illegal transition %s -> %s", inst.ID, inst.State, to)
	}
	inst.State = to
	inst.UpdatedAt = now
	if to.Terminal() {
		finished := now
		inst.FinishedAt = &finished
	}
	return nil
}
