// Package compose parses stack manifests (Docker Compose YAML with stacker
// extensions) into catalog stack definitions. All functions are pure.
package compose

import (
	"fmt"

	"github.com/artpar/stacker/internal/core/domain"
)

// =============================================================================
// Error Types
// =============================================================================

// Every parse error is a validation error.
var (
	ErrEmptyInput         = fmt.Errorf("%w: stack manifest is empty", domain.ErrValidation)
	ErrInvalidYAML        = fmt.Errorf("%w: invalid YAML syntax", domain.ErrValidation)
	ErrNoServices         = fmt.Errorf("%w: stack manifest must define at least one service", domain.ErrValidation)
	ErrServiceNoImage     = fmt.Errorf("%w: service must have an image", domain.ErrValidation)
	ErrServiceInvalidPort = fmt.Errorf("%w: invalid port configuration", domain.ErrValidation)
	ErrCircularDependency = fmt.Errorf("%w: circular dependency detected", domain.ErrValidation)
	ErrInvalidLifecycle   = fmt.Errorf("%w: invalid lifecycle", domain.ErrValidation)
	ErrUnsupportedFeature = fmt.Errorf("%w: unsupported compose feature", domain.ErrValidation)
)

// ParseError wraps errors with context about where parsing failed.
type ParseError struct {
	Field   string // e.g., "services.web.ports[0]"
	Message string
	Err     error
}

func (e *ParseError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return e.Message
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// NewParseError creates a new ParseError.
func NewParseError(field, message string, err error) *ParseError {
	return &ParseError{
		Field:   field,
		Message: message,
		Err:     err,
	}
}
