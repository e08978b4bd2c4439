package service

import (
	"fmt"
)

// OperationError reports a stack operation that ran but did not succeed.
// The deployment record has already been updated to reflect the outcome.
type OperationError struct {
	Op           string // "deploy", "upgrade", "remove", "stop", "start"
	DeploymentID string
	StackName    string
	Message      string // summary including how far execution got
	Err          error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("%s %s (%s): %s", e.Op, e.StackName, e.DeploymentID, e.Message)
}

func (e *OperationError) Unwrap() error {
	return e.Err
}
