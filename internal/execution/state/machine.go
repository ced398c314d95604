// Package state implements the Execution status transition graph as an
// explicit tagged adjacency table, replacing the source's implicit
// attribute-assignment transitions with a single checked entry point.
package state

import (
	"fmt"

	"github.com/kandev/kandev/internal/domain"
)

const maxReasonLen = 512

// Store is the minimal persistence contract the state machine needs: read
// the current status and persist a transition atomically.
type Store interface {
	GetExecutionStatus(executionID string) (domain.ExecutionStatus, error)
	SetExecutionStatus(executionID string, status domain.ExecutionStatus, reason string) error
}

var allowed = map[domain.ExecutionStatus]map[domain.ExecutionStatus]bool{
	domain.ExecutionStatusNotStart: {
		domain.ExecutionStatusExecuting: true,
	},
	domain.ExecutionStatusExecuting: {
		domain.ExecutionStatusSuccess: true,
		domain.ExecutionStatusPause:   true,
		domain.ExecutionStatusFailed:  true,
	},
	domain.ExecutionStatusPause: {
		domain.ExecutionStatusExecuting: true,
		domain.ExecutionStatusSuccess:   true,
	},
	domain.ExecutionStatusSuccess: {},
	domain.ExecutionStatusFailed:  {},
}

// IsTerminal reports whether status has no outbound transitions.
func IsTerminal(status domain.ExecutionStatus) bool {
	return status == domain.ExecutionStatusSuccess || status == domain.ExecutionStatusFailed
}

// ErrInvalidTransition is returned when a transition is not in the graph.
type ErrInvalidTransition struct {
	From, To domain.ExecutionStatus
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid execution transition: %s -> %s", e.From, e.To)
}

// Machine drives one execution's status transitions against a Store.
type Machine struct {
	store Store
}

// New constructs a Machine bound to the given Store.
func New(store Store) *Machine {
	return &Machine{store: store}
}

func clampReason(reason string) string {
	if len(reason) > maxReasonLen {
		return reason[:maxReasonLen]
	}
	return reason
}

// Transition moves executionID from its current persisted status to `to`,
// persisting `reason` atomically. A no-op self-transition into `pause` from
// `pause` succeeds without error, matching the callback idempotency
// requirement.
func (m *Machine) Transition(executionID string, to domain.ExecutionStatus, reason string) error {
	from, err := m.store.GetExecutionStatus(executionID)
	if err != nil {
		return err
	}

	if from == to && from == domain.ExecutionStatusPause {
		return nil
	}

	if !allowed[from][to] {
		return &ErrInvalidTransition{From: from, To: to}
	}

	return m.store.SetExecutionStatus(executionID, to, clampReason(reason))
}
