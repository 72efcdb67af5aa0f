package lifecycle

import (
	"errors"
	"fmt"

	"warden/internal/domain"
)

// Intent states.
const (
	StateAwaitingApproval = "awaiting_approval"
	StateApproved         = "approved"
	StateRunning          = "running"
	StateBlocked          = "blocked"
	StateWaitingForInput  = "waiting_for_input"
	StateCompleted        = "completed"
	StateFailed           = "failed"
	StateRejected         = "rejected"
	StateCanceled         = "canceled"
)

var ErrInvalidTransition = errors.New("invalid transition")
var ErrUnknownStep = errors.New("plan step not found")

var transitions = map[string][]string{
	StateAwaitingApproval: {StateApproved, StateRejected, StateCanceled},
	StateApproved:         {StateRunning, StateCanceled},
	StateRunning:          {StateCompleted, StateFailed, StateBlocked, StateWaitingForInput},
	StateBlocked:          {StateRunning, StateFailed, StateCanceled},
	StateWaitingForInput:  {StateRunning, StateCanceled},
	StateCompleted:        {},
	StateFailed:           {},
	StateRejected:         {},
	StateCanceled:         {},
}

// FrozenFields are the Intent fields that become immutable once the intent
// leaves awaiting_approval: a human or policy approved exactly this version.
var FrozenFields = []string{
	"payload",
	"affected_resources",
	"expected_side_effects",
	"rollback_strategy",
	"plan",
}

// ValidState reports whether s names a lifecycle state.
func ValidState(s string) bool {
	_, ok := transitions[s]
	return ok
}

// IsFrozen reports whether the frozen-field invariant applies in state s.
// Every state past awaiting_approval is post-approval.
func IsFrozen(s string) bool {
	return ValidState(s) && s != StateAwaitingApproval
}

// IsTerminal reports whether s admits no further transitions.
func IsTerminal(s string) bool {
	next, ok := transitions[s]
	return ok && len(next) == 0
}

// EnsureTransition validates a state change against the lifecycle graph.
func EnsureTransition(from, to string) error {
	if !ValidState(to) {
		return fmt.Errorf("%w: unknown state %s", ErrInvalidTransition, to)
	}
	for _, allowed := range transitions[from] {
		if allowed == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// UpdatePlanStep returns a copy of plan with the named step's status and
// output replaced.
func UpdatePlanStep(plan []domain.PlanStep, stepID, status, output string) ([]domain.PlanStep, error) {
	updated := make([]domain.PlanStep, len(plan))
	copy(updated, plan)
	for i := range updated {
		if updated[i].ID == stepID {
			updated[i].Status = status
			if output != "" {
				updated[i].Output = output
			}
			return updated, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownStep, stepID)
}
