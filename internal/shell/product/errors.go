package product

import "fmt"

// OperationError reports a product operation that stopped before any stack
// ran or part-way through a removal. The product record already reflects
// the outcome.
type OperationError struct {
	Op                  string // "deploy", "upgrade", "rollback", "remove"
	ProductDeploymentID string
	ProductGroupID      string
	Message             string
	Err                 error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("%s product %s (%s): %s", e.Op, e.ProductGroupID, e.ProductDeploymentID, e.Message)
}

func (e *OperationError) Unwrap() error {
	return e.Err
}
