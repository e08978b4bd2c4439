package domain

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Taxonomy
// =============================================================================

var (
	// ErrValidation marks bad caller input. Never retried automatically.
	ErrValidation = errors.New("validation failed")

	// ErrEngineUnreachable is returned when the container engine cannot be contacted.
	ErrEngineUnreachable = errors.New("container engine unreachable")

	// ErrResourceConflict is returned on an optimistic concurrency version mismatch.
	// The caller must re-read the record and reapply the whole operation.
	ErrResourceConflict = errors.New("resource conflict")

	// ErrStepFailure is returned when a single plan step (pull/create/start/stop/remove) failed.
	ErrStepFailure = errors.New("deployment step failed")

	// ErrTimeout is returned when an init container exceeds its wait bound.
	ErrTimeout = errors.New("operation timed out")

	// ErrCancelled is returned when an operation observed its cancellation signal.
	ErrCancelled = errors.New("operation cancelled")

	// ErrNotFound is returned when a referenced record does not exist.
	ErrNotFound = errors.New("not found")
)

var (
	ErrInvalidTransition    = fmt.Errorf("%w: invalid status transition", ErrValidation)
	ErrMissingVariable      = fmt.Errorf("%w: required variable is missing", ErrValidation)
	ErrUnresolvedVariable   = fmt.Errorf("%w: unresolved variable placeholder", ErrValidation)
	ErrInvalidServiceSpec   = fmt.Errorf("%w: malformed service template", ErrValidation)
	ErrStackNotFound        = fmt.Errorf("%w: stack definition", ErrNotFound)
	ErrProductNotFound      = fmt.Errorf("%w: product definition", ErrNotFound)
	ErrDeploymentActive     = fmt.Errorf("%w: an active deployment already exists for this target", ErrValidation)
	ErrOperationInProgress  = fmt.Errorf("%w: another operation is in progress for this target", ErrResourceConflict)
	ErrInitContainerFailed  = fmt.Errorf("%w: init container exited with non-zero code", ErrStepFailure)
	ErrInitContainerTimeout = fmt.Errorf("%w: init container did not exit in time", ErrTimeout)
)

// StepError records which plan step failed and the engine error behind it.
type StepError struct {
	Service string
	Action  string
	Err     error
}

func (e *StepError) Error() string {
	if e.Service == "" {
		return fmt.Sprintf("%s: %v", e.Action, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Action, e.Service, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// NewStepError creates a StepError. Errors that are not already classified
// are tagged with ErrStepFailure so callers can match on the category.
func NewStepError(service, action string, err error) *StepError {
	if !errors.Is(err, ErrStepFailure) && !errors.Is(err, ErrTimeout) &&
		!errors.Is(err, ErrCancelled) && !errors.Is(err, ErrEngineUnreachable) {
		err = fmt.Errorf("%w: %w", ErrStepFailure, err)
	}
	return &StepError{Service: service, Action: action, Err: err}
}

// TransitionError describes a rejected state machine transition.
type TransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s %s: cannot transition from %s to %s", e.Entity, e.ID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}
