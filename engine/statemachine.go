package engine

import (
	"fmt"

	"github.com/c360studio/semflow/store"
)

// executionTransitions is the complete set of legal execution status moves.
// Terminal states have no successors; an execution is never resurrected.
var executionTransitions = map[store.ExecutionStatus][]store.ExecutionStatus{
	store.ExecutionStatusPending: {
		store.ExecutionStatusRunning,
		store.ExecutionStatusCancelled,
	},
	store.ExecutionStatusRunning: {
		store.ExecutionStatusCompleted,
		store.ExecutionStatusFailed,
		store.ExecutionStatusTimedOut,
		store.ExecutionStatusCancelled,
	},
}

// TransitionError reports an illegal execution status move. It indicates a
// programming error in the caller, not a recoverable runtime condition.
type TransitionError struct {
	From store.ExecutionStatus
	To   store.ExecutionStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid execution transition %s -> %s", e.From, e.To)
}

// CanTransition reports whether from -> to is a legal execution status move.
func CanTransition(from, to store.ExecutionStatus) bool {
	for _, allowed := range executionTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

func checkTransition(from, to store.ExecutionStatus) error {
	if !CanTransition(from, to) {
		return &TransitionError{From: from, To: to}
	}
	return nil
}
