package engine

import (
	"context"

	"github.com/artpar/stacker/internal/core/deployment"
	"github.com/artpar/stacker/internal/core/domain"
)

// =============================================================================
// Lifecycle Operations
// =============================================================================

// Remove stops and removes every container in reverse deploy order.
// Containers that are already gone count as removed.
func (e *Engine) Remove(ctx context.Context, environmentID, stackName string, services []domain.DeployedService, progress ProgressFunc) *Result {
	return e.Execute(ctx, deployment.BuildRemovalPlan(environmentID, stackName, services), progress, nil)
}

// Stop stops every long-running container in reverse deploy order.
func (e *Engine) Stop(ctx context.Context, environmentID, stackName string, services []domain.DeployedService, progress ProgressFunc) *Result {
	return e.Execute(ctx, deployment.BuildStopPlan(environmentID, stackName, services), progress, nil)
}

// Start starts every long-running container in deploy order.
func (e *Engine) Start(ctx context.Context, environmentID, stackName string, services []domain.DeployedService, progress ProgressFunc) *Result {
	return e.Execute(ctx, deployment.BuildStartPlan(environmentID, stackName, services), progress, nil)
}
