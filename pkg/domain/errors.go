package domain

import (
	"errors"
	"fmt"
)

// ErrNoActiveFlow is returned when an operation needs an active conversation and none exists.
var ErrNoActiveFlow = errors.New("no active dialogue flow")

// ErrFlowNotFound is returned when a catalog has no flow under an id.
var ErrFlowNotFound = errors.New("flow not found")

// ErrFlowAlreadyActive is returned when a flow is initialized while another one is still active.
var ErrFlowAlreadyActive = errors.New("a dialogue flow is already active")

// ErrUnknownState is returned when an option or jump targets a state the flow does not define.
var ErrUnknownState = errors.New("unknown state reference")

// ErrUnknownOption is returned when the selected option is not available on the current state.
var ErrUnknownOption = errors.New("unknown option")

// ErrCriticalPathIncomplete is reported when a conclusion is reached without the required checkpoints.
var ErrCriticalPathIncomplete = errors.New("critical path incomplete")

// ErrTransactionNotFound is returned when the ledger has no record for an id.
var ErrTransactionNotFound = errors.New("transaction not found")

// ErrTransactionCompleted is returned when a completed transaction is asked to regress.
var ErrTransactionCompleted = errors.New("transaction already completed")

// ErrSnapshotNotFound is returned when a snapshot store has nothing under a key.
var ErrSnapshotNotFound = errors.New("snapshot not found")

// UnknownStateError carries the offending reference.
type UnknownStateError struct {
	FlowID  string
	StateID string
}

func (e *UnknownStateError) Error() string {
	return fmt.Sprintf("flow '%s' has no state '%s'", e.FlowID, e.StateID)
}

func (e *UnknownStateError) Unwrap() error {
	return ErrUnknownState
}

// InvalidFlowError lists the problems found while building a flow.
type InvalidFlowError struct {
	FlowID   string
	Problems []string
}

func (e *InvalidFlowError) Error() string {
	return fmt.Sprintf("flow '%s' is invalid: %v", e.FlowID, e.Problems)
}
