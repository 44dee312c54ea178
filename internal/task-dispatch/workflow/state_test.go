package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"task-dispatch-service/pkg/apperr"
)

func TestCanTransition_Table(t *testing.T) {
	allowed := map[State][]State{
		StateDraft:           {StateApprovalPending, StateDispatched, StateArchived, StateCanceled},
		StateApprovalPending: {StateApproved, StateRejected, StateCanceled},
		StateApproved:        {StateDispatched, StateArchived, StateCanceled},
		StateDispatched:      {StateInProgress, StateCanceled},
		StateInProgress:      {StateAccepted, StateCanceled},
		StateAccepted:        {StateArchived},
	}
	for _, from := range AllStates {
		for _, to := range AllStates {
			want := false
			for _, a := range allowed[from] {
				if a == to {
					want = true
				}
			}
			assert.Equal(t, want, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestCanTransition_UnknownStates(t *testing.T) {
	assert.False(t, CanTransition("BOGUS", StateDraft))
	assert.False(t, CanTransition(StateDraft, "BOGUS"))
	assert.False(t, CanTransition("", ""))
}

func TestTerminalStatesHaveNoTargets(t *testing.T) {
	for _, s := range []State{StateRejected, StateArchived, StateCanceled} {
		assert.True(t, IsTerminal(s))
		assert.Empty(t, Targets(s))
	}
	assert.False(t, IsTerminal(StateDraft))
	assert.False(t, IsTerminal(StateAccepted))
}

func TestCheckTransition_ApprovalRule(t *testing.T) {
	assert.NoError(t, CheckTransition(StateDraft, StateDispatched, false))

	err := CheckTransition(StateDraft, StateDispatched, true)
	assert.True(t, apperr.IsConflict(err))

	assert.NoError(t, CheckTransition(StateApproved, StateDispatched, true))

	err = CheckTransition(StateAccepted, StateInProgress, false)
	assert.True(t, apperr.IsConflict(err))
}

func TestTargetsReturnsCopy(t *testing.T) {
	got := Targets(StateDraft)
	got[0] = StateCanceled
	assert.Equal(t, StateApprovalPending, Targets(StateDraft)[0])
}

func TestActiveAssignmentStates(t *testing.T) {
	assert.Equal(t, []string{"DISPATCHED", "IN_PROGRESS"}, ActiveAssignmentStrings())
	assert.True(t, IsValid(StateInProgress))
	assert.False(t, IsValid("PENDING"))
}
