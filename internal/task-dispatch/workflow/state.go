// Package workflow holds the task lifecycle: the set of states and the
// transitions allowed between them.
package workflow

import "task-dispatch-service/pkg/apperr"

type State string

const (
	StateDraft           State = "DRAFT"
	StateApprovalPending State = "APPROVAL_PENDING"
	StateApproved        State = "APPROVED"
	StateRejected        State = "REJECTED"
	StateDispatched      State = "DISPATCHED"
	StateInProgress      State = "IN_PROGRESS"
	StateAccepted        State = "ACCEPTED"
	StateArchived        State = "ARCHIVED"
	StateCanceled        State = "CANCELED"
)

// InitialState is the state every task is created in.
const InitialState = StateDraft

// AllStates lists every state in lifecycle order.
var AllStates = []State{
	StateDraft,
	StateApprovalPending,
	StateApproved,
	StateRejected,
	StateDispatched,
	StateInProgress,
	StateAccepted,
	StateArchived,
	StateCanceled,
}

// ActiveAssignmentStates are the states in which a task occupies its
// assignee. They drive both workload counting and overlap detection.
// Pre-dispatch approval states are excluded: assigned_to is only set by a
// dispatch, so those states can never hold an assignment.
var ActiveAssignmentStates = []State{StateDispatched, StateInProgress}

var transitions = map[State][]State{
	StateDraft:           {StateApprovalPending, StateDispatched, StateArchived, StateCanceled},
	StateApprovalPending: {StateApproved, StateRejected, StateCanceled},
	StateApproved:        {StateDispatched, StateArchived, StateCanceled},
	StateDispatched:      {StateInProgress, StateCanceled},
	StateInProgress:      {StateAccepted, StateCanceled},
	StateAccepted:        {StateArchived},
}

// CanTransition reports whether the lifecycle table allows from -> to.
// Unknown states and pairs are rejected.
func CanTransition(from, to State) bool {
	for _, target := range transitions[from] {
		if target == to {
			return true
		}
	}
	return false
}

// CheckTransition applies the table plus the approval rule: a draft may only
// skip approval and go straight to DISPATCHED when approval is not required.
func CheckTransition(from, to State, requiresApproval bool) error {
	if !CanTransition(from, to) {
		return apperr.Conflictf("transition %s -> %s is not allowed", from, to)
	}
	if from == StateDraft && to == StateDispatched && requiresApproval {
		return apperr.Conflictf("task requires approval before dispatch")
	}
	return nil
}

func IsTerminal(s State) bool {
	return s == StateRejected || s == StateArchived || s == StateCanceled
}

func IsValid(s State) bool {
	for _, known := range AllStates {
		if known == s {
			return true
		}
	}
	return false
}

// Targets returns the states reachable from s in one step.
func Targets(s State) []State {
	out := make([]State, len(transitions[s]))
	copy(out, transitions[s])
	return out
}

func ActiveAssignmentStrings() []string {
	out := make([]string, 0, len(ActiveAssignmentStates))
	for _, s := range ActiveAssignmentStates {
		out = append(out, string(s))
	}
	return out
}
