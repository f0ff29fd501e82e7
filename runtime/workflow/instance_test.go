package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mugoori/triflow/runtime/errs"
)

func TestTerminalStates(t *testing.T) {
	t.Parallel()

	for _, s := range []State{StateCompleted, StateFailed, StateCancelled, StateTimeout, StateCompensated} {
		assert.True(t, s.Terminal(), "%s should be terminal", s)
	}
	for _, s := range []State{StateCreated, StateQueued, StateRunning, StateRetrying, StateWaiting, StateWaitingApproval, StatePaused, StateCompensating, StateCancelling} {
		assert.False(t, s.Terminal(), "%s should not be terminal", s)
	}
}

func TestTerminalStatesHaveNoOutgoingTransitions(t *testing.T) {
	t.Parallel()

	for from, targets := range transitions {
		assert.False(t, from.Terminal(), "terminal state %s must not have transitions", from)
		assert.NotEmpty(t, targets)
	}
}

func TestCanTransition(t *testing.T) {
	t.Parallel()

	cases := []struct {
		from, to State
		ok       bool
	}{
		{StateCreated, StateQueued, true},
		{StateCreated, StateRunning, true},
		{StateQueued, StateRunning, true},
		{StateRunning, StateRetrying, true},
		{StateRetrying, StateRunning, true},
		{StateRunning, StateWaitingApproval, true},
		{StateWaitingApproval, StateRunning, true},
		{StateRunning, StateCompensating, true},
		{StateCompensating, StateCompensated, true},
		{StateRunning, StateCancelling, true},
		{StateCancelling, StateCancelled, true},
		{StatePaused, StateRunning, true},
		{StateCompleted, StateRunning, false},
		{StateFailed, StateRunning, false},
		{StateQueued, StateCompleted, false},
		{StateCreated, StatePaused, false},
		{StateCancelled, StateCancelling, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ok, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestInstanceTransition(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	inst := Instance{ID: "inst-1", State: StateRunning}

	require.NoError(t, inst.Transition(StateCompleted, now))
	assert.Equal(t, StateCompleted, inst.State)
	assert.Equal(t, now, inst.UpdatedAt)
	require.NotNil(t, inst.FinishedAt)
	assert.Equal(t, now, *inst.FinishedAt)

	err := inst.Transition(StateRunning, now)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindConflict))
}

func TestResumable(t *testing.T) {
	t.Parallel()

	assert.True(t, StatePaused.Resumable())
	assert.True(t, StateWaiting.Resumable())
	assert.True(t, StateWaitingApproval.Resumable())
	assert.False(t, StateRunning.Resumable())
	assert.False(t, StateCompleted.Resumable())
}
