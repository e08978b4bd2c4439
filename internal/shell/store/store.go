package store

import (
	"context"

	"github.com/artpar/stacker/internal/core/domain"
)

// =============================================================================
// Repositories
// =============================================================================

// DeploymentRepository persists Deployment aggregates. Updates are
// optimistic: the stored version must equal d.Version, and on success
// d.Version is incremented.
type DeploymentRepository interface {
	CreateDeployment(ctx context.Context, d *domain.Deployment) error
	GetDeployment(ctx context.Context, id string) (*domain.Deployment, error)

	// GetActiveDeployment returns the non-removed deployment of stackName in
	// the environment, or ErrNotFound.
	GetActiveDeployment(ctx context.Context, environmentID, stackName string) (*domain.Deployment, error)

	UpdateDeployment(ctx context.Context, d *domain.Deployment) error

	// ListActiveDeployments returns every non-removed deployment of the
	// environment, or of all environments when environmentID is empty.
	ListActiveDeployments(ctx context.Context, environmentID string) ([]*domain.Deployment, error)
}

// ProductRepository persists ProductDeployment aggregates together with
// their stack rows.
type ProductRepository interface {
	CreateProductDeployment(ctx context.Context, pd *domain.ProductDeployment) error
	GetProductDeployment(ctx context.Context, id string) (*domain.ProductDeployment, error)

	// GetActiveProductDeployment returns the non-removed product deployment
	// of the group in the environment, or ErrNotFound.
	GetActiveProductDeployment(ctx context.Context, environmentID, productGroupID string) (*domain.ProductDeployment, error)

	UpdateProductDeployment(ctx context.Context, pd *domain.ProductDeployment) error

	// ListActiveProductDeployments returns every non-removed product
	// deployment of the group, or of all groups when productGroupID is empty.
	ListActiveProductDeployments(ctx context.Context, productGroupID string) ([]*domain.ProductDeployment, error)
}

// Store combines the repositories with transaction support.
type Store interface {
	DeploymentRepository
	ProductRepository

	// WithTx runs fn inside a transaction. Returning an error rolls back.
	WithTx(ctx context.Context, fn func(Store) error) error

	Close() error
}
