package workers

import (
	"context"
	"testing"
	"time"

	"github.com/artpar/stacker/internal/core/domain"
	"github.com/artpar/stacker/internal/shell/catalog"
	"github.com/artpar/stacker/internal/shell/docker/dockertest"
	"github.com/artpar/stacker/internal/shell/engine"
	"github.com/artpar/stacker/internal/shell/notify"
	"github.com/artpar/stacker/internal/shell/product"
	"github.com/artpar/stacker/internal/shell/service"
	"github.com/artpar/stacker/internal/shell/store"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Shared Test Fixture
// =============================================================================

type fixture struct {
	store    *store.SQLiteStore
	fake     *dockertest.Fake
	stacks   *service.Service
	products *product.Orchestrator
	recorder *notify.Recorder
	locks    *service.TargetLocks
	clock    *domain.FixedClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cat := catalog.NewMemory()
	cat.AddStack(&domain.StackDefinition{
		ID:      "crm",
		Version: "1.0.0",
		Services: []domain.ServiceTemplate{
			{Name: "migrate", Image: "migrate:1", Lifecycle: domain.LifecycleInit},
			{Name: "api", Image: "api:1"},
			{Name: "web", Image: "web:1"},
		},
		Settings: domain.ConfigSnapshot{Health: domain.HealthSettings{RestartThreshold: 3}},
	})
	cat.AddStack(&domain.StackDefinition{
		ID:       "quiet",
		Version:  "1.0.0",
		Services: []domain.ServiceTemplate{{Name: "batch", Image: "batch:1"}},
		Settings: domain.ConfigSnapshot{Health: domain.HealthSettings{Disabled: true}},
	})
	cat.AddStack(&domain.StackDefinition{
		ID:       "legacy",
		Version:  "1.0.0",
		Services: []domain.ServiceTemplate{{Name: "mainframe", Image: "mainframe:1"}},
		Settings: domain.ConfigSnapshot{Maintenance: domain.MaintenanceSettings{Enabled: true, Message: "migrating"}},
	})
	cat.AddStack(&domain.StackDefinition{ID: "infra", Version: "1.0.0", Services: []domain.ServiceTemplate{{Name: "db", Image: "db:1"}}})
	cat.AddStack(&domain.StackDefinition{ID: "app", Version: "1.0.0", Services: []domain.ServiceTemplate{{Name: "app", Image: "app:1"}}})
	cat.AddProduct(&domain.ProductDefinition{
		GroupID: "pair",
		Version: "1.0.0",
		Stacks: []domain.ProductStackRef{
			{Name: "infra", StackID: "infra"},
			{Name: "app", StackID: "app"},
		},
	})

	fake := dockertest.New()
	eng := engine.New(fake, engine.Config{
		InitPollInterval: time.Millisecond,
		InitTimeout:      time.Second,
		StopTimeout:      time.Second,
	}, nil)

	rec := &notify.Recorder{}
	locks := service.NewTargetLocks()
	clock := domain.NewFixedClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	svc := service.New(st, cat, eng, service.Config{Notifier: rec, Events: rec, Clock: clock, Locks: locks}, nil)

	pc := product.DefaultConfig()
	pc.Notifier = rec
	pc.Events = rec
	pc.Clock = clock
	pc.Locks = locks

	return &fixture{
		store:    st,
		fake:     fake,
		stacks:   svc,
		products: product.New(st, cat, svc, eng, pc, nil),
		recorder: rec,
		locks:    locks,
		clock:    clock,
	}
}

func (f *fixture) deploy(t *testing.T, stackID string) *domain.Deployment {
	t.Helper()
	d, err := f.stacks.Deploy(context.Background(), service.DeployRequest{EnvironmentID: "prod", StackID: stackID})
	require.NoError(t, err)
	require.Equal(t, domain.StatusRunning, d.Status)
	return d
}

func (f *fixture) deployment(t *testing.T, id string) *domain.Deployment {
	t.Helper()
	d, err := f.store.GetDeployment(context.Background(), id)
	require.NoError(t, err)
	return d
}
