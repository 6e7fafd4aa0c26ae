package models

import "fmt"

// SagaState is a node of the transfer saga state machine.
type SagaState string

const (
	StateCreated      SagaState = "CREATED"
	StateDebiting     SagaState = "DEBITING"
	StateDebited      SagaState = "DEBITED"
	StateDebitFailed  SagaState = "DEBIT_FAILED"
	StateCrediting    SagaState = "CREDITING"
	StateCompleted    SagaState = "COMPLETED"
	StateCompensating SagaState = "COMPENSATING"
	StateCompensated  SagaState = "COMPENSATED"
)

// ParseSagaState validates and converts a raw string state.
func ParseSagaState(raw string) (SagaState, error) {
	state := SagaState(raw)
	if !state.IsValid() {
		return "", fmt.Errorf("%w: unknown saga state %q", ErrInvalidTransition, raw)
	}

	return state, nil
}

// IsValid reports whether the state is part of the saga lifecycle.
func (s SagaState) IsValid() bool {
	switch s {
	case StateCreated, StateDebiting, StateDebited, StateDebitFailed,
		StateCrediting, StateCompleted, StateCompensating, StateCompensated:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transition is allowed out of s.
func (s SagaState) IsTerminal() bool {
	return s == StateCompleted || s == StateCompensated || s == StateDebitFailed
}

// CanTransitionTo reports whether s → next is an edge of the state machine.
// The empty state stands for "no saga yet" and may only move to CREATED.
func (s SagaState) CanTransitionTo(next SagaState) bool {
	switch s {
	case "":
		return next == StateCreated
	case StateCreated:
		return next == StateDebiting
	case StateDebiting:
		return next == StateDebited || next == StateDebitFailed
	case StateDebited:
		return next == StateCrediting
	case StateCrediting:
		return next == StateCompleted || next == StateCompensating
	case StateCompensating:
		return next == StateCompensated
	default:
		return false
	}
}

// ValidateTransition returns ErrInvalidTransition when from → to skips or reverses an edge.
func ValidateTransition(from, to SagaState) error {
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	return nil
}
