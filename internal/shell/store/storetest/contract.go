// Package storetest provides contract tests for [store.Store]
// implementations.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/artpar/stacker/internal/core/domain"
	"github.com/artpar/stacker/internal/shell/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory creates a fresh, empty [store.Store] for each test.
type Factory func(t *testing.T) store.Store

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newDeployment(t *testing.T, env, stack string) *domain.Deployment {
	t.Helper()
	d, _, err := domain.StartDeployment(domain.StartParams{
		EnvironmentID: env,
		StackID:       stack,
		StackName:     stack,
		StackVersion:  "1.0.0",
		DeployedBy:    "ops",
		Variables:     map[string]string{"DB_PASSWORD": "secret"},
		Settings: domain.ConfigSnapshot{
			Health: domain.HealthSettings{RestartThreshold: 3},
		},
	}, baseTime)
	require.NoError(t, err)
	return d
}

func newProduct(t *testing.T, env, group string) *domain.ProductDeployment {
	t.Helper()
	pd, _, err := domain.StartProductDeployment(domain.ProductStartParams{
		EnvironmentID:   env,
		ProductGroupID:  group,
		ProductID:       group + "-1.0.0",
		ProductVersion:  "1.0.0",
		DeployedBy:      "ops",
		SharedVariables: map[string]string{"DOMAIN": "example.com"},
		Stacks: []domain.ProductStackRef{
			{Name: "db", StackID: "postgres", StackVersion: "16"},
			{Name: "app", StackID: "crm", StackVersion: "1.0.0", Variables: map[string]string{"PORT": "8080"}},
		},
	}, baseTime)
	require.NoError(t, err)
	return pd
}

// Run exercises the [store.Store] contract.
func Run(t *testing.T, factory Factory) {
	runDeployments(t, factory)
	runProducts(t, factory)

	t.Run("WithTxRollsBack", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		d := newDeployment(t, "prod", "crm")

		err := s.WithTx(ctx, func(tx store.Store) error {
			require.NoError(t, tx.CreateDeployment(ctx, d))
			return assert.AnError
		})
		assert.ErrorIs(t, err, assert.AnError)

		_, err = s.GetDeployment(ctx, d.ID)
		assert.True(t, store.IsNotFound(err))
	})

	t.Run("WithTxCommits", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		d := newDeployment(t, "prod", "crm")

		require.NoError(t, s.WithTx(ctx, func(tx store.Store) error {
			return tx.CreateDeployment(ctx, d)
		}))

		_, err := s.GetDeployment(ctx, d.ID)
		assert.NoError(t, err)
	})
}

func runDeployments(t *testing.T, factory Factory) {
	t.Run("Deployment/CreateAndGet", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		d := newDeployment(t, "prod", "crm")

		require.NoError(t, s.CreateDeployment(ctx, d))

		got, err := s.GetDeployment(ctx, d.ID)
		require.NoError(t, err)
		assert.Equal(t, d.EnvironmentID, got.EnvironmentID)
		assert.Equal(t, d.StackName, got.StackName)
		assert.Equal(t, domain.StatusPending, got.Status)
		assert.Equal(t, d.Variables, got.Variables)
		assert.Equal(t, 3, got.Settings.Health.RestartThreshold)
		assert.Len(t, got.Phases, 1)
		assert.True(t, d.CreatedAt.Equal(got.CreatedAt))
		assert.Nil(t, got.CompletedAt)
		assert.Equal(t, 0, got.Version)
	})

	t.Run("Deployment/CreateDuplicateID", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		d := newDeployment(t, "prod", "crm")
		require.NoError(t, s.CreateDeployment(ctx, d))

		err := s.CreateDeployment(ctx, d)
		assert.ErrorIs(t, err, store.ErrDuplicateID)
	})

	t.Run("Deployment/SecondActiveRejected", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		require.NoError(t, s.CreateDeployment(ctx, newDeployment(t, "prod", "crm")))

		err := s.CreateDeployment(ctx, newDeployment(t, "prod", "crm"))
		assert.ErrorIs(t, err, store.ErrActiveExists)
		assert.ErrorIs(t, err, domain.ErrDeploymentActive)

		// Other environments are independent.
		assert.NoError(t, s.CreateDeployment(ctx, newDeployment(t, "staging", "crm")))
	})

	t.Run("Deployment/RemovedFreesTarget", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		d := newDeployment(t, "prod", "crm")
		require.NoError(t, s.CreateDeployment(ctx, d))

		_, err := d.MarkAsRunning(nil, baseTime)
		require.NoError(t, err)
		require.NoError(t, s.UpdateDeployment(ctx, d))
		_, err = d.MarkAsRemoved(baseTime)
		require.NoError(t, err)
		require.NoError(t, s.UpdateDeployment(ctx, d))

		assert.NoError(t, s.CreateDeployment(ctx, newDeployment(t, "prod", "crm")))
	})

	t.Run("Deployment/GetNotFound", func(t *testing.T) {
		s := factory(t)
		_, err := s.GetDeployment(context.Background(), "nonexistent")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("Deployment/GetActive", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		d := newDeployment(t, "prod", "crm")
		require.NoError(t, s.CreateDeployment(ctx, d))

		got, err := s.GetActiveDeployment(ctx, "prod", "crm")
		require.NoError(t, err)
		assert.Equal(t, d.ID, got.ID)

		_, err = s.GetActiveDeployment(ctx, "prod", "other")
		assert.True(t, store.IsNotFound(err))
	})

	t.Run("Deployment/Update", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		d := newDeployment(t, "prod", "crm")
		require.NoError(t, s.CreateDeployment(ctx, d))

		services := []domain.DeployedService{
			{ServiceName: "api", ContainerID: "c1", ContainerName: "stacker_prod_crm_api", Image: "api:1", RuntimeState: "running"},
		}
		_, err := d.MarkAsRunning(services, baseTime.Add(time.Minute))
		require.NoError(t, err)
		require.NoError(t, s.UpdateDeployment(ctx, d))
		assert.Equal(t, 1, d.Version)

		got, err := s.GetDeployment(ctx, d.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusRunning, got.Status)
		assert.Equal(t, services, got.Services)
		require.NotNil(t, got.CompletedAt)
		assert.True(t, baseTime.Add(time.Minute).Equal(*got.CompletedAt))
		assert.Equal(t, 1, got.Version)
	})

	t.Run("Deployment/UpdateStaleVersion", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		d := newDeployment(t, "prod", "crm")
		require.NoError(t, s.CreateDeployment(ctx, d))

		first, err := s.GetDeployment(ctx, d.ID)
		require.NoError(t, err)
		second, err := s.GetDeployment(ctx, d.ID)
		require.NoError(t, err)

		_, err = first.MarkAsRunning(nil, baseTime)
		require.NoError(t, err)
		require.NoError(t, s.UpdateDeployment(ctx, first))

		_, err = second.MarkAsFailed("boom", nil, baseTime)
		require.NoError(t, err)
		err = s.UpdateDeployment(ctx, second)
		assert.True(t, store.IsConflict(err))
		assert.ErrorIs(t, err, domain.ErrResourceConflict)
		assert.Equal(t, 0, second.Version)

		got, err := s.GetDeployment(ctx, d.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusRunning, got.Status)
	})

	t.Run("Deployment/UpdateNotFound", func(t *testing.T) {
		s := factory(t)
		err := s.UpdateDeployment(context.Background(), newDeployment(t, "prod", "crm"))
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("Deployment/ListActive", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		a := newDeployment(t, "prod", "crm")
		b := newDeployment(t, "prod", "wiki")
		c := newDeployment(t, "staging", "crm")
		for _, d := range []*domain.Deployment{a, b, c} {
			require.NoError(t, s.CreateDeployment(ctx, d))
		}
		_, err := b.MarkAsRunning(nil, baseTime)
		require.NoError(t, err)
		require.NoError(t, s.UpdateDeployment(ctx, b))
		_, err = b.MarkAsRemoved(baseTime)
		require.NoError(t, err)
		require.NoError(t, s.UpdateDeployment(ctx, b))

		prod, err := s.ListActiveDeployments(ctx, "prod")
		require.NoError(t, err)
		require.Len(t, prod, 1)
		assert.Equal(t, a.ID, prod[0].ID)

		all, err := s.ListActiveDeployments(ctx, "")
		require.NoError(t, err)
		assert.Len(t, all, 2)
	})
}

func runProducts(t *testing.T, factory Factory) {
	t.Run("Product/CreateAndGet", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		pd := newProduct(t, "prod", "suite")

		require.NoError(t, s.CreateProductDeployment(ctx, pd))

		got, err := s.GetProductDeployment(ctx, pd.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.ProductDeploying, got.Status)
		assert.Equal(t, pd.SharedVariables, got.SharedVariables)
		require.Len(t, got.Stacks, 2)
		assert.Equal(t, "db", got.Stacks[0].StackName)
		assert.Equal(t, 0, got.Stacks[0].Order)
		assert.Equal(t, "app", got.Stacks[1].StackName)
		assert.Equal(t, map[string]string{"PORT": "8080"}, got.Stacks[1].Variables)
		assert.Equal(t, domain.StackPending, got.Stacks[1].Status)
	})

	t.Run("Product/SecondActiveRejected", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		require.NoError(t, s.CreateProductDeployment(ctx, newProduct(t, "prod", "suite")))

		err := s.CreateProductDeployment(ctx, newProduct(t, "prod", "suite"))
		assert.ErrorIs(t, err, store.ErrActiveExists)

		// A rejected create leaves no stack rows behind.
		all, err := s.ListActiveProductDeployments(ctx, "suite")
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})

	t.Run("Product/GetNotFound", func(t *testing.T) {
		s := factory(t)
		_, err := s.GetProductDeployment(context.Background(), "nonexistent")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("Product/UpdateReplacesStacks", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		pd := newProduct(t, "prod", "suite")
		require.NoError(t, s.CreateProductDeployment(ctx, pd))

		_, err := pd.StartStack("db", baseTime)
		require.NoError(t, err)
		_, err = pd.CompleteStack("db", "dep-1", 1, baseTime.Add(time.Second))
		require.NoError(t, err)
		require.NoError(t, s.UpdateProductDeployment(ctx, pd))
		assert.Equal(t, 1, pd.Version)

		got, err := s.GetActiveProductDeployment(ctx, "prod", "suite")
		require.NoError(t, err)
		db := got.Stack("db")
		require.NotNil(t, db)
		assert.Equal(t, domain.StackRunning, db.Status)
		assert.Equal(t, "dep-1", db.DeploymentID)
		assert.Equal(t, 1, db.ServiceCount)
		require.NotNil(t, db.StartedAt)
		require.NotNil(t, db.CompletedAt)
		assert.Equal(t, 1, got.Version)
	})

	t.Run("Product/UpdateStaleVersion", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		pd := newProduct(t, "prod", "suite")
		require.NoError(t, s.CreateProductDeployment(ctx, pd))

		stale, err := s.GetProductDeployment(ctx, pd.ID)
		require.NoError(t, err)
		require.NoError(t, s.UpdateProductDeployment(ctx, pd))

		err = s.UpdateProductDeployment(ctx, stale)
		assert.True(t, store.IsConflict(err))

		got, err := s.GetProductDeployment(ctx, pd.ID)
		require.NoError(t, err)
		assert.Len(t, got.Stacks, 2)
	})

	t.Run("Product/ListActive", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		require.NoError(t, s.CreateProductDeployment(ctx, newProduct(t, "prod", "suite")))
		require.NoError(t, s.CreateProductDeployment(ctx, newProduct(t, "staging", "suite")))
		require.NoError(t, s.CreateProductDeployment(ctx, newProduct(t, "prod", "other")))

		suite, err := s.ListActiveProductDeployments(ctx, "suite")
		require.NoError(t, err)
		assert.Len(t, suite, 2)
		for _, pd := range suite {
			assert.Len(t, pd.Stacks, 2)
		}

		all, err := s.ListActiveProductDeployments(ctx, "")
		require.NoError(t, err)
		assert.Len(t, all, 3)
	})
}
