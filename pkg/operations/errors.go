package operations

import "errors"

var (
	// ErrNotFound is returned when an operation ID has no registry entry.
	ErrNotFound = errors.New("operation not found")

	// ErrDuplicateID is returned when Create is given an ID already in use.
	ErrDuplicateID = errors.New("operation ID already exists")

	// ErrIllegalTransition is returned when a state-machine method is called
	// on an operation that cannot accept it (e.g. cancelling a completed
	// operation, starting one that is not pending). Resume reports its own
	// refusals with the resume package's errors.
	ErrIllegalTransition = errors.New("illegal operation state transition")

	// ErrRetryNotFailed is returned when Retry is called on an operation
	// whose status is not failed.
	ErrRetryNotFailed = errors.New("operation is not in failed status")

	// ErrInvalidParent is returned when Create is given a parent_id that
	// does not resolve to an existing operation of type agent_session.
	ErrInvalidParent = errors.New("parent operation not found or not of type agent_session")
)
