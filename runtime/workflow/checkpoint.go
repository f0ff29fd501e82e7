package workflow

import "time"

type (
	// Checkpoint is a durable snapshot of instance progress. The engine
	// writes one after every completed node so a crashed or resumed instance
	// restarts from the last checkpoint instead of from the beginning.
	Checkpoint struct {
		// InstanceID identifies the owning instance.
		InstanceID string
		// Seq orders checkpoints within the instance, starting at 1.
		Seq int
		// State is the instance state at checkpoint time.
		State State
		// NodeID is the node whose completion produced this checkpoint.
		NodeID string
		// Frontier lists the node ids scheduled to run next. Restoring an
		// instance resumes execution at the frontier.
		Frontier []string
		// Context is the runtime context image at checkpoint time.
		Context ContextSnapshot
		// Attempts maps node ids to their consumed retry attempts, so a
		// restored instance does not reset retry budgets.
		Attempts map[string]int
		// CreatedAt records when the checkpoint was taken (UTC).
		CreatedAt time.Time
	}
)
