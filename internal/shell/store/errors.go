// Package store persists Deployment and ProductDeployment records.
package store

import (
	"errors"
	"fmt"

	"github.com/artpar/stacker/internal/core/domain"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = fmt.Errorf("record %w", domain.ErrNotFound)

	// ErrVersionConflict is returned when an update carries a stale version.
	ErrVersionConflict = fmt.Errorf("%w: record was modified concurrently", domain.ErrResourceConflict)

	// ErrActiveExists is returned when a second non-removed record would exist
	// for the same target.
	ErrActiveExists = fmt.Errorf("store: %w", domain.ErrDeploymentActive)

	// ErrDuplicateID is returned when creating a record with an existing ID.
	ErrDuplicateID = errors.New("record with this ID already exists")

	// ErrConnectionFailed is returned when the database connection fails.
	ErrConnectionFailed = errors.New("database connection failed")

	// ErrMigrationFailed is returned when a schema migration fails.
	ErrMigrationFailed = errors.New("database migration failed")

	// ErrInvalidData is returned when JSON serialization/deserialization fails.
	ErrInvalidData = errors.New("invalid data format")

	// ErrTxFailed is returned when a transaction operation fails.
	ErrTxFailed = errors.New("transaction failed")
)

// StoreError wraps errors with additional context.
type StoreError struct {
	Op      string // Operation that failed (e.g., "UpdateDeployment")
	Entity  string // Entity type (e.g., "deployment")
	ID      string // Entity ID if applicable
	Message string
	Err     error
}

func (e *StoreError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("%s %s %s: %s", e.Op, e.Entity, e.ID, e.Message)
	}
	if e.Entity != "" {
		return fmt.Sprintf("%s %s: %s", e.Op, e.Entity, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// NewStoreError creates a new StoreError.
func NewStoreError(op, entity, id, message string, err error) *StoreError {
	return &StoreError{
		Op:      op,
		Entity:  entity,
		ID:      id,
		Message: message,
		Err:     err,
	}
}

// IsNotFound reports whether err means the record does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict reports whether err is an optimistic concurrency failure.
func IsConflict(err error) bool {
	return errors.Is(err, ErrVersionConflict)
}
