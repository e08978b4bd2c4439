package product

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/artpar/stacker/internal/core/domain"
	"github.com/artpar/stacker/internal/shell/catalog"
	"github.com/artpar/stacker/internal/shell/docker"
	"github.com/artpar/stacker/internal/shell/docker/dockertest"
	"github.com/artpar/stacker/internal/shell/engine"
	"github.com/artpar/stacker/internal/shell/notify"
	"github.com/artpar/stacker/internal/shell/service"
	"github.com/artpar/stacker/internal/shell/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Helpers
// =============================================================================

type harness struct {
	orch     *Orchestrator
	stacks   *service.Service
	fake     *dockertest.Fake
	store    *store.SQLiteStore
	catalog  *catalog.Memory
	recorder *notify.Recorder
	locks    *service.TargetLocks
}

func newHarness(t *testing.T, continueOnError bool) *harness {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cat := catalog.NewMemory()
	for _, def := range []*domain.StackDefinition{
		singleService("infra", "1.0.0", "db", "db:1"),
		singleService("app", "1.0.0", "api", "api:1"),
		singleService("app", "2.0.0", "api", "api:2"),
		singleService("web", "1.0.0", "web", "web:1"),
		singleService("cache", "1.0.0", "cache", "cache:1"),
	} {
		cat.AddStack(def)
	}
	cat.AddProduct(&domain.ProductDefinition{
		GroupID: "suite",
		Version: "1.0.0",
		Stacks: []domain.ProductStackRef{
			{Name: "infra", StackID: "infra"},
			{Name: "app", StackID: "app", StackVersion: "1.0.0"},
			{Name: "web", StackID: "web"},
		},
	})
	cat.AddProduct(&domain.ProductDefinition{
		GroupID: "suite",
		Version: "2.0.0",
		Stacks: []domain.ProductStackRef{
			{Name: "infra", StackID: "infra"},
			{Name: "app", StackID: "app", StackVersion: "2.0.0"},
			{Name: "cache", StackID: "cache"},
		},
	})
	cat.AddProduct(&domain.ProductDefinition{
		GroupID: "pair",
		Version: "1.0.0",
		Stacks: []domain.ProductStackRef{
			{Name: "infra", StackID: "infra"},
			{Name: "app", StackID: "app", StackVersion: "1.0.0"},
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

	config := DefaultConfig()
	config.StopOnError = !continueOnError
	config.Notifier = rec
	config.Events = rec
	config.Clock = clock
	config.Locks = locks

	return &harness{
		orch:     New(st, cat, svc, eng, config, nil),
		stacks:   svc,
		fake:     fake,
		store:    st,
		catalog:  cat,
		recorder: rec,
		locks:    locks,
	}
}

func singleService(id, version, name, image string) *domain.StackDefinition {
	return &domain.StackDefinition{
		ID:       id,
		Version:  version,
		Services: []domain.ServiceTemplate{{Name: name, Image: image}},
	}
}

func deploySuite(t *testing.T, h *harness) *domain.ProductDeployment {
	t.Helper()
	pd, err := h.orch.Deploy(context.Background(), DeployRequest{
		EnvironmentID:  "prod",
		ProductGroupID: "suite",
		Version:        "1.0.0",
		DeployedBy:     "ops",
	})
	require.NoError(t, err)
	require.Equal(t, domain.ProductRunning, pd.Status)
	return pd
}

// storeInterruptedSuite stores a suite deployment that a dead run left
// Deploying, with its first stack Deploying.
func storeInterruptedSuite(t *testing.T, h *harness) *domain.ProductDeployment {
	t.Helper()
	pd, _, err := domain.StartProductDeployment(domain.ProductStartParams{
		EnvironmentID:  "prod",
		ProductGroupID: "suite",
		ProductVersion: "1.0.0",
		Stacks: []domain.ProductStackRef{
			{Name: "infra", StackID: "infra"},
			{Name: "app", StackID: "app", StackVersion: "1.0.0"},
			{Name: "web", StackID: "web"},
		},
	}, time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	_, err = pd.StartStack("infra", time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.NoError(t, h.store.CreateProductDeployment(context.Background(), pd))
	return pd
}

// failingUpdates fails the failOn-th product update and passes the rest
// through.
type failingUpdates struct {
	store.ProductRepository
	failOn int
	calls  int
}

func (f *failingUpdates) UpdateProductDeployment(ctx context.Context, pd *domain.ProductDeployment) error {
	f.calls++
	if f.calls == f.failOn {
		return errors.New("database is locked")
	}
	return f.ProductRepository.UpdateProductDeployment(ctx, pd)
}

func stackStatuses(pd *domain.ProductDeployment) map[string]domain.StackStatus {
	out := make(map[string]domain.StackStatus, len(pd.Stacks))
	for _, s := range pd.Stacks {
		out[s.StackName] = s.Status
	}
	return out
}

// =============================================================================
// Deploy Tests
// =============================================================================

func TestDeploy_StacksInAscendingOrder(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	pd := deploySuite(t, h)

	assert.Equal(t, []string{"db", "api", "web"}, h.fake.CallsFor(dockertest.OpCreate))
	assert.Equal(t, 3, pd.CompletedStacks())
	assert.Equal(t, 0, pd.FailedStacks())
	assert.Empty(t, pd.ErrorMessage)

	for _, s := range pd.Stacks {
		require.NotEmpty(t, s.DeploymentID, s.StackName)
		d, err := h.stacks.Get(ctx, s.DeploymentID)
		require.NoError(t, err)
		assert.Equal(t, domain.InstanceName("suite", s.StackName), d.StackName)
		assert.Equal(t, domain.StatusRunning, d.Status)
		assert.Equal(t, 1, s.ServiceCount)
	}

	stored, err := h.store.GetProductDeployment(ctx, pd.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ProductRunning, stored.Status)
	assert.Equal(t, pd.Version, stored.Version)

	products := h.recorder.Products()
	require.NotEmpty(t, products)
	last := products[len(products)-1]
	assert.Equal(t, "web", last.StackName)
	assert.Equal(t, domain.StackRunning, last.Status)
	assert.Equal(t, 3, last.Completed)
	assert.Equal(t, 3, last.Total)
}

func TestDeploy_SharedVariablesReachStacks(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	pd, err := h.orch.Deploy(ctx, DeployRequest{
		EnvironmentID:  "prod",
		ProductGroupID: "pair",
		Variables:      map[string]string{"REGION": "eu"},
	})
	require.NoError(t, err)

	assert.Equal(t, "eu", pd.SharedVariables["REGION"])
	d, err := h.stacks.Get(ctx, pd.Stack("app").DeploymentID)
	require.NoError(t, err)
	assert.Equal(t, "eu", d.Variables["REGION"])
}

func TestDeploy_PartialFailureContinues(t *testing.T) {
	h := newHarness(t, true)
	h.fake.FailOn(dockertest.OpPull, "api:1", docker.ErrImagePullFailed)

	pd, err := h.orch.Deploy(context.Background(), DeployRequest{EnvironmentID: "prod", ProductGroupID: "suite", Version: "1.0.0"})

	require.NoError(t, err)
	assert.Equal(t, domain.ProductPartiallyRunning, pd.Status)
	assert.Equal(t, 2, pd.CompletedStacks())
	assert.Equal(t, 1, pd.FailedStacks())
	assert.Equal(t, map[string]domain.StackStatus{
		"infra": domain.StackRunning,
		"app":   domain.StackFailed,
		"web":   domain.StackRunning,
	}, stackStatuses(pd))
	assert.Contains(t, pd.Stack("app").ErrorMessage, "pull api")
	assert.NotEmpty(t, pd.Stack("app").DeploymentID)
	assert.Contains(t, pd.ErrorMessage, "app")
	assert.Equal(t, []string{"db", "web"}, h.fake.CallsFor(dockertest.OpCreate))
}

func TestDeploy_FirstStackFails_StopOnError(t *testing.T) {
	h := newHarness(t, false)
	h.fake.FailOn(dockertest.OpPull, "db:1", docker.ErrImagePullFailed)

	pd, err := h.orch.Deploy(context.Background(), DeployRequest{EnvironmentID: "prod", ProductGroupID: "pair"})

	require.NoError(t, err)
	assert.Equal(t, domain.ProductFailed, pd.Status)
	assert.Equal(t, domain.StackFailed, pd.Stack("infra").Status)
	assert.Equal(t, domain.StackPending, pd.Stack("app").Status)
	assert.Empty(t, pd.Stack("app").DeploymentID)
	assert.NotContains(t, h.fake.CallsFor(dockertest.OpPull), "api:1")
}

func TestDeploy_FirstStackFails_ContinueOnError(t *testing.T) {
	h := newHarness(t, true)
	h.fake.FailOn(dockertest.OpPull, "db:1", docker.ErrImagePullFailed)

	pd, err := h.orch.Deploy(context.Background(), DeployRequest{EnvironmentID: "prod", ProductGroupID: "pair"})

	require.NoError(t, err)
	assert.Equal(t, domain.ProductPartiallyRunning, pd.Status)
	assert.Equal(t, domain.StackFailed, pd.Stack("infra").Status)
	assert.Equal(t, domain.StackRunning, pd.Stack("app").Status)
	assert.Contains(t, h.fake.CallsFor(dockertest.OpCreate), "api")
}

func TestDeploy_ZeroConfigContinuesAfterFailure(t *testing.T) {
	h := newHarness(t, true)
	h.fake.FailOn(dockertest.OpPull, "db:1", docker.ErrImagePullFailed)
	orch := New(h.store, h.catalog, h.stacks, h.fake, Config{}, nil)

	pd, err := orch.Deploy(context.Background(), DeployRequest{EnvironmentID: "prod", ProductGroupID: "pair"})

	require.NoError(t, err)
	assert.Equal(t, domain.ProductPartiallyRunning, pd.Status)
	assert.Equal(t, domain.StackRunning, pd.Stack("app").Status)
}

// brokenSink panics on every notification.
type brokenSink struct{}

func (brokenSink) DeploymentProgress(context.Context, notify.Progress) { panic("sink down") }

func (brokenSink) ContainerLog(context.Context, string, string, string) { panic("sink down") }

func (brokenSink) ProductProgress(context.Context, notify.ProductProgress) { panic("sink down") }

func (brokenSink) Publish(context.Context, []domain.Event) { panic("sink down") }

func TestDeploy_PanickingNotifierDoesNotFailProduct(t *testing.T) {
	h := newHarness(t, true)
	orch := New(h.store, h.catalog, h.stacks, h.fake, Config{Notifier: brokenSink{}, Events: brokenSink{}, Locks: h.locks}, nil)

	pd, err := orch.Deploy(context.Background(), DeployRequest{EnvironmentID: "prod", ProductGroupID: "pair"})

	require.NoError(t, err)
	assert.Equal(t, domain.ProductRunning, pd.Status)
	stored, err := h.store.GetProductDeployment(context.Background(), pd.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ProductRunning, stored.Status)
}

func TestDeploy_AllStacksFail(t *testing.T) {
	h := newHarness(t, true)
	h.fake.FailOn(dockertest.OpPull, "db:1", docker.ErrImagePullFailed)
	h.fake.FailOn(dockertest.OpPull, "api:1", docker.ErrImagePullFailed)

	pd, err := h.orch.Deploy(context.Background(), DeployRequest{EnvironmentID: "prod", ProductGroupID: "pair"})

	require.NoError(t, err)
	assert.Equal(t, domain.ProductFailed, pd.Status)
	assert.Equal(t, 2, pd.FailedStacks())
	assert.Contains(t, pd.ErrorMessage, "no stack reached running")
}

func TestDeploy_EngineUnreachable(t *testing.T) {
	h := newHarness(t, true)
	h.fake.SetUnreachable(true)

	pd, err := h.orch.Deploy(context.Background(), DeployRequest{EnvironmentID: "prod", ProductGroupID: "suite"})

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrEngineUnreachable)
	var opErr *OperationError
	require.True(t, errors.As(err, &opErr))
	assert.Equal(t, "deploy", opErr.Op)

	require.NotNil(t, pd)
	assert.Equal(t, domain.ProductFailed, pd.Status)
	for _, s := range pd.Stacks {
		assert.Equal(t, domain.StackPending, s.Status, s.StackName)
	}
	assert.Empty(t, h.fake.LifecycleCalls())
}

func TestDeploy_ActiveProductRejected(t *testing.T) {
	h := newHarness(t, true)
	first := deploySuite(t, h)

	existing, err := h.orch.Deploy(context.Background(), DeployRequest{EnvironmentID: "prod", ProductGroupID: "suite"})

	assert.ErrorIs(t, err, domain.ErrDeploymentActive)
	require.NotNil(t, existing)
	assert.Equal(t, first.ID, existing.ID)
}

func TestDeploy_OtherEnvironmentAllowed(t *testing.T) {
	h := newHarness(t, true)
	deploySuite(t, h)

	pd, err := h.orch.Deploy(context.Background(), DeployRequest{EnvironmentID: "staging", ProductGroupID: "pair"})

	require.NoError(t, err)
	assert.Equal(t, domain.ProductRunning, pd.Status)
}

func TestDeploy_Validation(t *testing.T) {
	h := newHarness(t, true)

	_, err := h.orch.Deploy(context.Background(), DeployRequest{EnvironmentID: "prod"})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = h.orch.Deploy(context.Background(), DeployRequest{EnvironmentID: "prod", ProductGroupID: "missing"})
	assert.ErrorIs(t, err, domain.ErrProductNotFound)
}

func TestDeploy_TargetBusy(t *testing.T) {
	h := newHarness(t, true)
	release, err := h.locks.TryAcquire(service.ProductKey("prod", "suite"))
	require.NoError(t, err)
	defer release()

	_, err = h.orch.Deploy(context.Background(), DeployRequest{EnvironmentID: "prod", ProductGroupID: "suite"})

	assert.ErrorIs(t, err, domain.ErrOperationInProgress)
	assert.Empty(t, h.fake.Calls())
}

// =============================================================================
// Upgrade / Rollback Tests
// =============================================================================

func TestUpgrade_MatchesAppendsAndFlagsObsolete(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	pd := deploySuite(t, h)
	infraID := pd.Stack("infra").DeploymentID
	appID := pd.Stack("app").DeploymentID

	up, err := h.orch.Upgrade(ctx, UpgradeRequest{ProductDeploymentID: pd.ID, Version: "2.0.0"})

	require.NoError(t, err)
	assert.Equal(t, domain.ProductRunning, up.Status)
	assert.Equal(t, "2.0.0", up.ProductVersion)
	assert.Equal(t, "1.0.0", up.PreviousVersion)
	assert.Equal(t, 1, up.UpgradeCount)

	assert.Equal(t, infraID, up.Stack("infra").DeploymentID)
	assert.Equal(t, appID, up.Stack("app").DeploymentID)
	app, err := h.stacks.Get(ctx, appID)
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", app.StackVersion)
	assert.Equal(t, "api:2", app.Services[0].Image)

	web := up.Stack("web")
	assert.True(t, web.Obsolete)
	assert.Equal(t, domain.StackRunning, web.Status)
	_, webLive := h.fake.Container("web")
	assert.True(t, webLive)

	cache := up.Stack("cache")
	require.NotNil(t, cache)
	assert.Equal(t, domain.StackRunning, cache.Status)
	assert.Equal(t, 3, cache.Order)

	assert.Contains(t, h.recorder.EventTypes(), domain.EventProductUpgradeBegun)
}

func TestUpgrade_FailedProductRecovers(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	h.fake.FailOn(dockertest.OpPull, "db:1", docker.ErrImagePullFailed)
	pd, err := h.orch.Deploy(ctx, DeployRequest{EnvironmentID: "prod", ProductGroupID: "pair"})
	require.NoError(t, err)
	require.Equal(t, domain.ProductFailed, pd.Status)
	failedID := pd.Stack("infra").DeploymentID

	h.fake.ClearFault(dockertest.OpPull, "db:1")
	up, err := h.orch.Upgrade(ctx, UpgradeRequest{ProductDeploymentID: pd.ID})

	require.NoError(t, err)
	assert.Equal(t, domain.ProductRunning, up.Status)
	assert.Equal(t, failedID, up.Stack("infra").DeploymentID)
	assert.Equal(t, domain.StackRunning, up.Stack("app").Status)
}

func TestUpgrade_RemovedRejected(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	pd := deploySuite(t, h)
	_, err := h.orch.Remove(ctx, pd.ID)
	require.NoError(t, err)

	_, err = h.orch.Upgrade(ctx, UpgradeRequest{ProductDeploymentID: pd.ID, Version: "2.0.0"})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestUpgrade_InterruptedRunIsClosed(t *testing.T) {
	h := newHarness(t, true)
	pd := storeInterruptedSuite(t, h)

	got, err := h.orch.Upgrade(context.Background(), UpgradeRequest{ProductDeploymentID: pd.ID, Version: "2.0.0"})

	require.NoError(t, err)
	assert.Equal(t, domain.ProductRunning, got.Status)
	assert.Equal(t, "2.0.0", got.ProductVersion)
	assert.Equal(t, domain.StackRunning, got.Stack("infra").Status)
}

func TestDeploy_InterruptedRunReportedAsFailed(t *testing.T) {
	h := newHarness(t, true)
	pd := storeInterruptedSuite(t, h)

	existing, err := h.orch.Deploy(context.Background(), DeployRequest{EnvironmentID: "prod", ProductGroupID: "suite"})

	assert.ErrorIs(t, err, domain.ErrDeploymentActive)
	require.NotNil(t, existing)
	assert.Equal(t, pd.ID, existing.ID)
	assert.Equal(t, domain.ProductFailed, existing.Status)
	stored, err := h.store.GetProductDeployment(context.Background(), pd.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ProductFailed, stored.Status)
	assert.Equal(t, domain.StackFailed, stored.Stack("infra").Status)
	assert.Equal(t, "orchestration was interrupted", stored.ErrorMessage)
}

func TestOrchestrate_SaveFailureClosesRun(t *testing.T) {
	h := newHarness(t, true)
	products := &failingUpdates{ProductRepository: h.store, failOn: 2}
	orch := New(products, h.catalog, h.stacks, h.fake, Config{Locks: h.locks}, nil)

	pd, err := orch.Deploy(context.Background(), DeployRequest{EnvironmentID: "prod", ProductGroupID: "suite", Version: "1.0.0"})

	require.Error(t, err)
	require.NotNil(t, pd)
	stored, err := h.store.GetProductDeployment(context.Background(), pd.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ProductFailed, stored.Status)
	assert.Contains(t, stored.ErrorMessage, "orchestration aborted")
	assert.Equal(t, domain.StackFailed, stored.Stack("infra").Status)

	removed, err := orch.Remove(context.Background(), pd.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ProductRemoved, removed.Status)
	assert.Equal(t, 0, h.fake.ContainerCount())
}

func TestRollback_RestoresPreviousVersion(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	pd := deploySuite(t, h)
	_, err := h.orch.Upgrade(ctx, UpgradeRequest{ProductDeploymentID: pd.ID, Version: "2.0.0"})
	require.NoError(t, err)

	rb, err := h.orch.Rollback(ctx, pd.ID, "ops")

	require.NoError(t, err)
	assert.Equal(t, domain.ProductRunning, rb.Status)
	assert.Equal(t, "1.0.0", rb.ProductVersion)
	assert.Equal(t, "2.0.0", rb.PreviousVersion)
	assert.Equal(t, 2, rb.UpgradeCount)
	assert.False(t, rb.Stack("web").Obsolete)
	assert.True(t, rb.Stack("cache").Obsolete)

	app, err := h.stacks.Get(ctx, rb.Stack("app").DeploymentID)
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", app.StackVersion)
}

func TestRollback_RequiresPreviousVersion(t *testing.T) {
	h := newHarness(t, true)
	pd := deploySuite(t, h)

	_, err := h.orch.Rollback(context.Background(), pd.ID, "")
	assert.ErrorIs(t, err, domain.ErrValidation)
}

// =============================================================================
// Remove Tests
// =============================================================================

func TestRemove_StacksInDescendingOrder(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	pd := deploySuite(t, h)
	before := len(h.fake.LifecycleCalls())

	removed, err := h.orch.Remove(ctx, pd.ID)

	require.NoError(t, err)
	assert.Equal(t, domain.ProductRemoved, removed.Status)
	assert.Equal(t, []string{
		"stop web", "remove web",
		"stop api", "remove api",
		"stop db", "remove db",
	}, h.fake.LifecycleCalls()[before:])
	for _, s := range removed.Stacks {
		assert.Equal(t, domain.StackRemoved, s.Status, s.StackName)
	}

	_, err = h.store.GetActiveProductDeployment(ctx, "prod", "suite")
	assert.True(t, store.IsNotFound(err))

	calls := len(h.fake.Calls())
	again, err := h.orch.Remove(ctx, pd.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ProductRemoved, again.Status)
	assert.Len(t, h.fake.Calls(), calls)
}

func TestRemove_NeverDeployedStacks(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	h.fake.FailOn(dockertest.OpPull, "db:1", docker.ErrImagePullFailed)
	pd, err := h.orch.Deploy(ctx, DeployRequest{EnvironmentID: "prod", ProductGroupID: "pair"})
	require.NoError(t, err)

	removed, err := h.orch.Remove(ctx, pd.ID)

	require.NoError(t, err)
	assert.Equal(t, domain.ProductRemoved, removed.Status)
}

func TestRemove_StopsAtFirstFailureAndRetries(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	pd := deploySuite(t, h)
	h.fake.FailOn(dockertest.OpRemove, "api", errors.New("device busy"))

	got, err := h.orch.Remove(ctx, pd.ID)

	require.Error(t, err)
	var opErr *OperationError
	require.True(t, errors.As(err, &opErr))
	assert.Equal(t, "remove", opErr.Op)
	assert.Equal(t, domain.ProductFailed, got.Status)
	assert.Equal(t, domain.StackRemoved, got.Stack("web").Status)
	assert.Equal(t, domain.StackRunning, got.Stack("infra").Status)
	assert.NotEmpty(t, got.Stack("app").ErrorMessage)
	_, dbLive := h.fake.Container("db")
	assert.True(t, dbLive)

	h.fake.ClearFault(dockertest.OpRemove, "api")
	got, err = h.orch.Remove(ctx, pd.ID)

	require.NoError(t, err)
	assert.Equal(t, domain.ProductRemoved, got.Status)
	assert.Equal(t, 0, h.fake.ContainerCount())
}

func TestRemove_InterruptedRunIsClosed(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	pd := storeInterruptedSuite(t, h)

	got, err := h.orch.Remove(ctx, pd.ID)

	require.NoError(t, err)
	assert.Equal(t, domain.ProductRemoved, got.Status)
	for _, s := range got.Stacks {
		assert.Equal(t, domain.StackRemoved, s.Status, s.StackName)
	}
	assert.Contains(t, h.recorder.EventTypes(), domain.EventProductStatus)
}

func TestRemove_NotFound(t *testing.T) {
	h := newHarness(t, true)
	_, err := h.orch.Remove(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
