package api

import "time"

// =============================================================================
// Response Types
// =============================================================================

// DeploymentResponse is the response for deployment queries. Variable values
// are not exposed; only their names are listed.
type DeploymentResponse struct {
	ID            string            `json:"id"`
	EnvironmentID string            `json:"environment_id"`
	StackID       string            `json:"stack_id"`
	StackName     string            `json:"stack_name"`
	StackVersion  string            `json:"stack_version"`
	DeployedBy    string            `json:"deployed_by"`
	Status        string            `json:"status"`
	Services      []ServiceResponse `json:"services"`
	Phases        []PhaseResponse   `json:"phases"`
	Variables     []string          `json:"variables"`
	ErrorMessage  string            `json:"error_message,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
	CompletedAt   *time.Time        `json:"completed_at,omitempty"`
	Version       int               `json:"version"`
}

// ServiceResponse represents a deployed container.
type ServiceResponse struct {
	ServiceName   string `json:"service_name"`
	ContainerID   string `json:"container_id"`
	ContainerName string `json:"container_name"`
	Image         string `json:"image"`
	State         string `json:"state"`
}

// PhaseResponse is one audit trail entry.
type PhaseResponse struct {
	Phase     string    `json:"phase"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// ProductDeploymentResponse is the response for product deployment queries.
type ProductDeploymentResponse struct {
	ID              string                 `json:"id"`
	EnvironmentID   string                 `json:"environment_id"`
	ProductGroupID  string                 `json:"product_group_id"`
	ProductID       string                 `json:"product_id"`
	ProductVersion  string                 `json:"product_version"`
	PreviousVersion string                 `json:"previous_version,omitempty"`
	Status          string                 `json:"status"`
	Stacks          []ProductStackResponse `json:"stacks"`
	CompletedStacks int                    `json:"completed_stacks"`
	FailedStacks    int                    `json:"failed_stacks"`
	UpgradeCount    int                    `json:"upgrade_count"`
	Phases          []PhaseResponse        `json:"phases"`
	ErrorMessage    string                 `json:"error_message,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
	CompletedAt     *time.Time             `json:"completed_at,omitempty"`
	Version         int                    `json:"version"`
}

// ProductStackResponse represents one stack of a product deployment.
type ProductStackResponse struct {
	StackName    string `json:"stack_name"`
	DisplayName  string `json:"display_name,omitempty"`
	StackID      string `json:"stack_id"`
	StackVersion string `json:"stack_version,omitempty"`
	DeploymentID string `json:"deployment_id,omitempty"`
	Order        int    `json:"order"`
	Status       string `json:"status"`
	ServiceCount int    `json:"service_count"`
	Obsolete     bool   `json:"obsolete,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// ListDeploymentsResponse is the response for listing deployments.
type ListDeploymentsResponse struct {
	Deployments []DeploymentResponse `json:"deployments"`
	Total       int                  `json:"total"`
}

// ListProductDeploymentsResponse is the response for listing product
// deployments.
type ListProductDeploymentsResponse struct {
	ProductDeployments []ProductDeploymentResponse `json:"product_deployments"`
	Total              int                         `json:"total"`
}

// ReconcileResponse reports the outcome of a reconcile pass.
type ReconcileResponse struct {
	Checked int `json:"checked"`
	Skipped int `json:"skipped"`
	Updated int `json:"updated"`
}

// ErrorResponse is the error response format.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// HealthResponse is the health check response.
type HealthResponse struct {
	Status string `json:"status"`
}

// ReadyResponse is the readiness check response.
type ReadyResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}
