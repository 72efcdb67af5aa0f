package lifecycle_test

import (
	"errors"
	"testing"

	"warden/internal/domain"
	"warden/internal/lifecycle"
)

func TestEnsureTransition(t *testing.T) {
	valid := [][2]string{
		{lifecycle.StateAwaitingApproval, lifecycle.StateApproved},
		{lifecycle.StateAwaitingApproval, lifecycle.StateRejected},
		{lifecycle.StateAwaitingApproval, lifecycle.StateCanceled},
		{lifecycle.StateApproved, lifecycle.StateRunning},
		{lifecycle.StateRunning, lifecycle.StateCompleted},
		{lifecycle.StateRunning, lifecycle.StateBlocked},
		{lifecycle.StateRunning, lifecycle.StateWaitingForInput},
		{lifecycle.StateBlocked, lifecycle.StateRunning},
		{lifecycle.StateWaitingForInput, lifecycle.StateRunning},
		{lifecycle.StateWaitingForInput, lifecycle.StateCanceled},
	}
	for _, pair := range valid {
		if err := lifecycle.EnsureTransition(pair[0], pair[1]); err != nil {
			t.Errorf("%s -> %s should be valid: %v", pair[0], pair[1], err)
		}
	}

	invalid := [][2]string{
		{lifecycle.StateAwaitingApproval, lifecycle.StateRunning},
		{lifecycle.StateApproved, lifecycle.StateCompleted},
		{lifecycle.StateCompleted, lifecycle.StateRunning},
		{lifecycle.StateFailed, lifecycle.StateApproved},
		{lifecycle.StateRejected, lifecycle.StateApproved},
		{lifecycle.StateCanceled, lifecycle.StateRunning},
		{lifecycle.StateBlocked, lifecycle.StateCompleted},
	}
	for _, pair := range invalid {
		err := lifecycle.EnsureTransition(pair[0], pair[1])
		if err == nil {
			t.Errorf("%s -> %s should be invalid", pair[0], pair[1])
		}
		if !errors.Is(err, lifecycle.ErrInvalidTransition) {
			t.Errorf("%s -> %s: expected ErrInvalidTransition, got %v", pair[0], pair[1], err)
		}
	}
}

func TestEnsureTransitionUnknownState(t *testing.T) {
	if err := lifecycle.EnsureTransition("limbo", lifecycle.StateApproved); err == nil {
		t.Fatalf("expected error for unknown from state")
	}
	if err := lifecycle.EnsureTransition(lifecycle.StateRunning, "limbo"); err == nil {
		t.Fatalf("expected error for unknown to state")
	}
}

func TestIsFrozen(t *testing.T) {
	if lifecycle.IsFrozen(lifecycle.StateAwaitingApproval) {
		t.Fatalf("awaiting_approval must be editable")
	}
	for _, s := range []string{
		lifecycle.StateApproved,
		lifecycle.StateRunning,
		lifecycle.StateBlocked,
		lifecycle.StateWaitingForInput,
		lifecycle.StateCompleted,
		lifecycle.StateFailed,
		lifecycle.StateRejected,
		lifecycle.StateCanceled,
	} {
		if !lifecycle.IsFrozen(s) {
			t.Errorf("%s should be frozen", s)
		}
	}
	if lifecycle.IsFrozen("limbo") {
		t.Fatalf("unknown state must not be frozen")
	}
}

func TestIsTerminal(t *testing.T) {
	terminal := []string{
		lifecycle.StateCompleted,
		lifecycle.StateFailed,
		lifecycle.StateRejected,
		lifecycle.StateCanceled,
	}
	for _, s := range terminal {
		if !lifecycle.IsTerminal(s) {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []string{lifecycle.StateAwaitingApproval, lifecycle.StateApproved, lifecycle.StateRunning, lifecycle.StateBlocked, lifecycle.StateWaitingForInput} {
		if lifecycle.IsTerminal(s) {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestUpdatePlanStep(t *testing.T) {
	plan := []domain.PlanStep{
		{ID: "s1", Description: "checkout", Status: "pending"},
		{ID: "s2", Description: "patch", Status: "pending"},
	}
	updated, err := lifecycle.UpdatePlanStep(plan, "s2", "done", "applied")
	if err != nil {
		t.Fatalf("update step: %v", err)
	}
	if updated[1].Status != "done" || updated[1].Output != "applied" {
		t.Fatalf("step not updated: %+v", updated[1])
	}
	// input slice untouched
	if plan[1].Status != "pending" {
		t.Fatalf("input plan mutated")
	}

	_, err = lifecycle.UpdatePlanStep(plan, "nope", "done", "")
	if !errors.Is(err, lifecycle.ErrUnknownStep) {
		t.Fatalf("expected ErrUnknownStep, got %v", err)
	}
}
