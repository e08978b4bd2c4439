package docker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/artpar/stacker/internal/core/domain"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
)

// =============================================================================
// Error Kinds
// =============================================================================

// Every client error wraps exactly one of these kinds.
var (
	// ErrUnreachable means the engine could not be contacted.
	ErrUnreachable = fmt.Errorf("container engine unreachable: %w", domain.ErrEngineUnreachable)

	// ErrNotFound means the referenced engine resource does not exist.
	ErrNotFound = fmt.Errorf("engine resource not found: %w", domain.ErrNotFound)

	// ErrRejected means the engine refused the operation.
	ErrRejected = errors.New("engine rejected operation")
)

// Specific causes, each classified under one kind.
var (
	ErrContainerNotFound      = fmt.Errorf("container not found: %w", ErrNotFound)
	ErrNetworkNotFound        = fmt.Errorf("network not found: %w", ErrNotFound)
	ErrImageNotFound          = fmt.Errorf("image not found: %w", ErrNotFound)
	ErrContainerAlreadyExists = fmt.Errorf("container already exists: %w", ErrRejected)
	ErrPortAlreadyAllocated   = fmt.Errorf("port is already allocated: %w", ErrRejected)
	ErrImagePullFailed        = fmt.Errorf("image pull failed: %w", ErrRejected)
)

// DockerError wraps errors with additional context.
type DockerError struct {
	Op      string // Operation that failed
	Entity  string // container, network, image
	ID      string
	Message string
	Err     error
}

func (e *DockerError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("%s %s %s: %s", e.Op, e.Entity, e.ID, e.Message)
	}
	if e.Entity != "" {
		return fmt.Sprintf("%s %s: %s", e.Op, e.Entity, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *DockerError) Unwrap() error {
	return e.Err
}

// NewDockerError creates a new DockerError.
func NewDockerError(op, entity, id, message string, err error) *DockerError {
	return &DockerError{
		Op:      op,
		Entity:  entity,
		ID:      id,
		Message: message,
		Err:     err,
	}
}

// =============================================================================
// Classification
// =============================================================================

// IsUnreachable reports whether err means the engine could not be contacted.
func IsUnreachable(err error) bool { return errors.Is(err, ErrUnreachable) }

// IsNotFound reports whether err means the resource does not exist.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsRejected reports whether err means the engine refused the operation.
func IsRejected(err error) bool { return errors.Is(err, ErrRejected) }

// classify converts an SDK error into a DockerError carrying one kind.
// Context errors pass through so callers can tell cancellation apart.
func classify(op, entity, id string, err error, notFound error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, context.Canceled):
		return NewDockerError(op, entity, id, "cancelled", fmt.Errorf("%w: %w", domain.ErrCancelled, err))
	case errors.Is(err, context.DeadlineExceeded):
		return NewDockerError(op, entity, id, "deadline exceeded", fmt.Errorf("%w: %w", domain.ErrTimeout, err))
	case client.IsErrConnectionFailed(err), errdefs.IsUnavailable(err):
		return NewDockerError(op, entity, id, err.Error(), ErrUnreachable)
	case errdefs.IsNotFound(err):
		if notFound == nil {
			notFound = ErrNotFound
		}
		return NewDockerError(op, entity, id, err.Error(), notFound)
	case errdefs.IsConflict(err):
		return NewDockerError(op, entity, id, err.Error(), ErrContainerAlreadyExists)
	case strings.Contains(err.Error(), "port is already allocated"):
		return NewDockerError(op, entity, id, err.Error(), ErrPortAlreadyAllocated)
	default:
		return NewDockerError(op, entity, id, err.Error(), fmt.Errorf("%w: %w", ErrRejected, err))
	}
}
