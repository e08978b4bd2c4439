package service

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
	"github.com/artpar/stacker/internal/shell/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Helpers
// =============================================================================

type harness struct {
	svc      *Service
	fake     *dockertest.Fake
	store    *store.SQLiteStore
	catalog  *catalog.Memory
	recorder *notify.Recorder
	locks    *TargetLocks
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cat := catalog.NewMemory()
	cat.AddStack(crmV1())
	cat.AddStack(crmV2())
	cat.AddStack(&domain.StackDefinition{
		ID:        "vault",
		Version:   "1.0.0",
		Variables: []domain.VariableSpec{{Name: "ROOT_TOKEN", Required: true}},
		Services: []domain.ServiceTemplate{
			{Name: "vault", Image: "vault:1", Env: map[string]string{"TOKEN": "${ROOT_TOKEN}"}},
		},
	})

	fake := dockertest.New()
	eng := engine.New(fake, engine.Config{
		InitPollInterval: time.Millisecond,
		InitTimeout:      time.Second,
		StopTimeout:      time.Second,
	}, nil)

	rec := &notify.Recorder{}
	locks := NewTargetLocks()
	svc := New(st, cat, eng, Config{
		Notifier: rec,
		Events:   rec,
		Clock:    domain.NewFixedClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		Locks:    locks,
	}, nil)

	return &harness{svc: svc, fake: fake, store: st, catalog: cat, recorder: rec, locks: locks}
}

func crmV1() *domain.StackDefinition {
	return &domain.StackDefinition{
		ID:      "crm",
		Name:    "CRM",
		Version: "1.0.0",
		Services: []domain.ServiceTemplate{
			{Name: "migrate", Image: "migrate:1", Lifecycle: domain.LifecycleInit},
			{Name: "api", Image: "api:1"},
			{Name: "web", Image: "web:1", DependsOn: []string{"api"}},
		},
		Settings: domain.ConfigSnapshot{Health: domain.HealthSettings{RestartThreshold: 3}},
	}
}

func crmV2() *domain.StackDefinition {
	return &domain.StackDefinition{
		ID:      "crm",
		Name:    "CRM",
		Version: "2.0.0",
		Services: []domain.ServiceTemplate{
			{Name: "api", Image: "api:2"},
			{Name: "worker", Image: "worker:2"},
		},
	}
}

func deployCRM(t *testing.T, h *harness, version string) *domain.Deployment {
	t.Helper()
	d, err := h.svc.Deploy(context.Background(), DeployRequest{
		EnvironmentID: "prod",
		StackID:       "crm",
		StackVersion:  version,
		DeployedBy:    "ops",
	})
	require.NoError(t, err)
	return d
}

func names(services []domain.DeployedService) []string {
	var out []string
	for _, s := range services {
		out = append(out, s.ServiceName)
	}
	return out
}

// =============================================================================
// Deploy Tests
// =============================================================================

func TestDeploy_InitThenServices(t *testing.T) {
	h := newHarness(t)

	d := deployCRM(t, h, "1.0.0")

	assert.Equal(t, domain.StatusRunning, d.Status)
	assert.Equal(t, []string{"api", "web"}, names(d.Services))
	assert.Equal(t, "1.0.0", d.StackVersion)
	assert.Equal(t, 3, d.Settings.Health.RestartThreshold)
	assert.Equal(t, []string{"migrate", "api", "web"}, h.fake.CallsFor(dockertest.OpCreate))
	assert.Equal(t, []string{"migrate"}, h.fake.CallsFor(dockertest.OpRemove))

	stored, err := h.store.GetDeployment(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, stored.Status)
	assert.Equal(t, []string{"api", "web"}, names(stored.Services))

	assert.Equal(t, []domain.EventType{domain.EventDeploymentStarted, domain.EventDeploymentRunning}, h.recorder.EventTypes())
}

func TestDeploy_RecordsPhasesAndProgress(t *testing.T) {
	h := newHarness(t)

	d := deployCRM(t, h, "1.0.0")

	var phases []domain.Phase
	for _, p := range d.Phases {
		phases = append(phases, p.Phase)
	}
	assert.Equal(t, []domain.Phase{
		domain.PhaseInitialized,
		domain.PhaseInitContainers,
		domain.PhaseServices,
		domain.PhaseCompleted,
	}, phases)

	progress := h.recorder.Progress()
	require.NotEmpty(t, progress)
	last := progress[len(progress)-1]
	assert.Equal(t, 100, last.Percent)
	assert.Equal(t, 2, last.Completed)
	assert.Equal(t, 2, last.Total)
	assert.Equal(t, d.ID, last.DeploymentID)
}

func TestDeploy_FailedInitGatesServices(t *testing.T) {
	h := newHarness(t)
	h.fake.SetExitCode("migrate", 1)

	d, err := h.svc.Deploy(context.Background(), DeployRequest{EnvironmentID: "prod", StackID: "crm", StackVersion: "1.0.0"})

	require.Error(t, err)
	var opErr *OperationError
	require.True(t, errors.As(err, &opErr))
	assert.Equal(t, "deploy", opErr.Op)
	assert.ErrorIs(t, err, domain.ErrInitContainerFailed)

	require.NotNil(t, d)
	assert.Equal(t, domain.StatusFailed, d.Status)
	assert.Contains(t, d.ErrorMessage, "migrate exited with code 1")
	assert.Contains(t, d.ErrorMessage, "0 of 2 service(s) started")
	assert.Empty(t, d.Services)
	assert.Equal(t, []string{"migrate"}, h.fake.CallsFor(dockertest.OpCreate))
}

func TestDeploy_MissingVariableCreatesNoRecord(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.Deploy(ctx, DeployRequest{EnvironmentID: "prod", StackID: "vault"})

	assert.ErrorIs(t, err, domain.ErrMissingVariable)
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = h.store.GetActiveDeployment(ctx, "prod", "vault")
	assert.True(t, store.IsNotFound(err))
	assert.Empty(t, h.fake.LifecycleCalls())
}

func TestDeploy_RequestValidation(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.Deploy(context.Background(), DeployRequest{StackID: "crm"})
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.Contains(t, err.Error(), "EnvironmentID")
}

func TestDeploy_UnknownStack(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.Deploy(context.Background(), DeployRequest{EnvironmentID: "prod", StackID: "nope"})
	assert.ErrorIs(t, err, domain.ErrStackNotFound)
}

func TestDeploy_ActiveDeploymentRejected(t *testing.T) {
	h := newHarness(t)
	first := deployCRM(t, h, "1.0.0")

	existing, err := h.svc.Deploy(context.Background(), DeployRequest{EnvironmentID: "prod", StackID: "crm"})

	assert.ErrorIs(t, err, domain.ErrDeploymentActive)
	require.NotNil(t, existing)
	assert.Equal(t, first.ID, existing.ID)
}

func TestDeploy_SameStackOtherInstanceName(t *testing.T) {
	h := newHarness(t)
	deployCRM(t, h, "1.0.0")

	d, err := h.svc.Deploy(context.Background(), DeployRequest{EnvironmentID: "prod", StackID: "crm", StackName: "crm-eu", StackVersion: "2.0.0"})

	require.NoError(t, err)
	assert.Equal(t, "crm-eu", d.StackName)
}

func TestDeploy_RedeployReusesFailedRecord(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fake.FailOn(dockertest.OpPull, "web:1", docker.ErrImagePullFailed)

	failed, err := h.svc.Deploy(ctx, DeployRequest{EnvironmentID: "prod", StackID: "crm", StackVersion: "1.0.0"})
	require.Error(t, err)
	require.Equal(t, domain.StatusFailed, failed.Status)
	assert.Equal(t, []string{"api"}, names(failed.Services))

	h.fake.ClearFault(dockertest.OpPull, "web:1")
	d, err := h.svc.Deploy(ctx, DeployRequest{EnvironmentID: "prod", StackID: "crm", StackVersion: "1.0.0"})

	require.NoError(t, err)
	assert.Equal(t, failed.ID, d.ID)
	assert.Equal(t, domain.StatusRunning, d.Status)
	assert.Equal(t, []string{"api", "web"}, names(d.Services))
	assert.Empty(t, d.ErrorMessage)
	assert.Equal(t, 2, h.fake.ContainerCount())
}

func TestDeploy_FailedRedeployStaysFailed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fake.FailOn(dockertest.OpPull, "api:1", docker.ErrImagePullFailed)

	first, err := h.svc.Deploy(ctx, DeployRequest{EnvironmentID: "prod", StackID: "crm", StackVersion: "1.0.0"})
	require.Error(t, err)

	second, err := h.svc.Deploy(ctx, DeployRequest{EnvironmentID: "prod", StackID: "crm", StackVersion: "1.0.0"})
	require.Error(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, domain.StatusFailed, second.Status)
}

func TestDeploy_TargetBusy(t *testing.T) {
	h := newHarness(t)
	release, err := h.locks.TryAcquire(StackKey("prod", "crm"))
	require.NoError(t, err)
	defer release()

	_, err = h.svc.Deploy(context.Background(), DeployRequest{EnvironmentID: "prod", StackID: "crm"})

	assert.ErrorIs(t, err, domain.ErrOperationInProgress)
	assert.ErrorIs(t, err, domain.ErrResourceConflict)
	assert.Empty(t, h.fake.LifecycleCalls())
}

func TestDeploy_CancelledRunIsRecorded(t *testing.T) {
	h := newHarness(t)
	h.fake.Hang("migrate")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type outcome struct {
		d   *domain.Deployment
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		d, err := h.svc.Deploy(ctx, DeployRequest{EnvironmentID: "prod", StackID: "crm", StackVersion: "1.0.0"})
		done <- outcome{d, err}
	}()

	require.Eventually(t, func() bool {
		_, ok := h.fake.Container("migrate")
		return ok
	}, time.Second, time.Millisecond)
	cancel()
	res := <-done

	assert.ErrorIs(t, res.err, domain.ErrCancelled)
	require.NotNil(t, res.d)
	stored, err := h.store.GetDeployment(context.Background(), res.d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, stored.Status)
	assert.Equal(t, []string{"migrate:1"}, h.fake.CallsFor(dockertest.OpPull))
}

func TestDeploy_StreamsInitLogs(t *testing.T) {
	h := newHarness(t)
	h.fake.SetLogs("migrate", "applying 001", "done")
	h.fake.SetPollsToExit(3)

	deployCRM(t, h, "1.0.0")

	assert.Equal(t, []string{
		"stacker_prod_crm_migrate: applying 001",
		"stacker_prod_crm_migrate: done",
	}, h.recorder.Logs())
}

// brokenSink panics on every notification.
type brokenSink struct{}

func (brokenSink) DeploymentProgress(context.Context, notify.Progress) { panic("sink down") }

func (brokenSink) ContainerLog(context.Context, string, string, string) { panic("sink down") }

func (brokenSink) ProductProgress(context.Context, notify.ProductProgress) { panic("sink down") }

func (brokenSink) Publish(context.Context, []domain.Event) { panic("sink down") }

func TestDeploy_PanickingNotifierDoesNotFailDeployment(t *testing.T) {
	h := newHarness(t)
	h.fake.SetLogs("migrate", "applying 001")
	svc := New(h.store, h.catalog, engine.New(h.fake, engine.Config{
		InitPollInterval: time.Millisecond,
		InitTimeout:      time.Second,
		StopTimeout:      time.Second,
	}, nil), Config{Notifier: brokenSink{}, Events: brokenSink{}}, nil)

	d, err := svc.Deploy(context.Background(), DeployRequest{EnvironmentID: "prod", StackID: "crm", StackVersion: "1.0.0"})

	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, d.Status)
	stored, err := h.store.GetDeployment(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, stored.Status)
}

// =============================================================================
// Upgrade Tests
// =============================================================================

func TestUpgrade_RunningStaysRunning(t *testing.T) {
	h := newHarness(t)
	d := deployCRM(t, h, "1.0.0")

	up, err := h.svc.Upgrade(context.Background(), UpgradeRequest{DeploymentID: d.ID, StackVersion: "2.0.0"})

	require.NoError(t, err)
	assert.Equal(t, d.ID, up.ID)
	assert.Equal(t, domain.StatusRunning, up.Status)
	assert.Equal(t, "2.0.0", up.StackVersion)
	assert.Equal(t, []string{"api", "worker"}, names(up.Services))
	assert.Equal(t, "api:2", up.Services[0].Image)

	_, webLeft := h.fake.Container("web")
	assert.False(t, webLeft)
	assert.Equal(t, 2, h.fake.ContainerCount())
	assert.Contains(t, h.recorder.EventTypes(), domain.EventDeploymentUpgraded)
}

func TestUpgrade_FailureMarksRunningFailed(t *testing.T) {
	h := newHarness(t)
	d := deployCRM(t, h, "1.0.0")
	h.fake.FailOn(dockertest.OpPull, "worker:2", docker.ErrImagePullFailed)

	up, err := h.svc.Upgrade(context.Background(), UpgradeRequest{DeploymentID: d.ID, StackVersion: "2.0.0"})

	require.Error(t, err)
	assert.Equal(t, domain.StatusFailed, up.Status)
	assert.Equal(t, []string{"web", "api"}, names(up.Services))
	assert.Contains(t, up.ErrorMessage, "pull worker")
}

func TestUpgrade_FailedBecomesRunning(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fake.FailOn(dockertest.OpPull, "web:1", docker.ErrImagePullFailed)
	failed, err := h.svc.Deploy(ctx, DeployRequest{EnvironmentID: "prod", StackID: "crm", StackVersion: "1.0.0"})
	require.Error(t, err)

	up, err := h.svc.Upgrade(ctx, UpgradeRequest{DeploymentID: failed.ID, StackVersion: "2.0.0"})

	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, up.Status)
	assert.Equal(t, []string{"api", "worker"}, names(up.Services))
}

func TestUpgrade_StoppedRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d := deployCRM(t, h, "1.0.0")
	_, err := h.svc.Stop(ctx, d.ID)
	require.NoError(t, err)

	_, err = h.svc.Upgrade(ctx, UpgradeRequest{DeploymentID: d.ID, StackVersion: "2.0.0"})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestUpgrade_KeepsVariablesWhenNotGiven(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d, err := h.svc.Deploy(ctx, DeployRequest{
		EnvironmentID: "prod",
		StackID:       "crm",
		StackVersion:  "1.0.0",
		Variables:     map[string]string{"LOG_LEVEL": "debug"},
	})
	require.NoError(t, err)

	up, err := h.svc.Upgrade(ctx, UpgradeRequest{DeploymentID: d.ID})

	require.NoError(t, err)
	assert.Equal(t, "2.0.0", up.StackVersion)
	assert.Equal(t, map[string]string{"LOG_LEVEL": "debug"}, up.Variables)
}

// =============================================================================
// Remove / Stop / Start Tests
// =============================================================================

func TestRemove_ReverseOrderThenIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d := deployCRM(t, h, "1.0.0")
	before := len(h.fake.LifecycleCalls())

	removed, err := h.svc.Remove(ctx, d.ID)

	require.NoError(t, err)
	assert.Equal(t, domain.StatusRemoved, removed.Status)
	assert.Equal(t, []string{"stop web", "remove web", "stop api", "remove api"}, h.fake.LifecycleCalls()[before:])
	assert.Equal(t, 0, h.fake.ContainerCount())

	after := len(h.fake.Calls())
	again, err := h.svc.Remove(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRemoved, again.Status)
	assert.Len(t, h.fake.Calls(), after)
}

func TestRemove_FreesInstanceName(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d := deployCRM(t, h, "1.0.0")
	_, err := h.svc.Remove(ctx, d.ID)
	require.NoError(t, err)

	again := deployCRM(t, h, "2.0.0")
	assert.NotEqual(t, d.ID, again.ID)
}

func TestRemove_FailureMarksFailed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d := deployCRM(t, h, "1.0.0")
	h.fake.FailOn(dockertest.OpRemove, "api", errors.New("device busy"))

	got, err := h.svc.Remove(ctx, d.ID)

	require.Error(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, []string{"api"}, names(got.Services))

	h.fake.ClearFault(dockertest.OpRemove, "api")
	got, err = h.svc.Remove(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRemoved, got.Status)
}

func TestRemove_InterruptedPendingRecord(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d, _, err := domain.StartDeployment(domain.StartParams{EnvironmentID: "prod", StackName: "crm"}, time.Now())
	require.NoError(t, err)
	require.NoError(t, h.store.CreateDeployment(ctx, d))

	got, err := h.svc.Remove(ctx, d.ID)

	require.NoError(t, err)
	assert.Equal(t, domain.StatusRemoved, got.Status)
}

func TestRemove_NotFound(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.Remove(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStopStart(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d := deployCRM(t, h, "1.0.0")
	before := len(h.fake.LifecycleCalls())

	stopped, err := h.svc.Stop(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusStopped, stopped.Status)

	started, err := h.svc.Start(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, started.Status)
	assert.Equal(t, []string{"api", "web"}, names(started.Services))

	assert.Equal(t, []string{"stop web", "stop api", "start api", "start web"}, h.fake.LifecycleCalls()[before:])
}

func TestStop_RequiresRunning(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d := deployCRM(t, h, "1.0.0")
	_, err := h.svc.Stop(ctx, d.ID)
	require.NoError(t, err)

	_, err = h.svc.Stop(ctx, d.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestStart_RequiresStopped(t *testing.T) {
	h := newHarness(t)
	d := deployCRM(t, h, "1.0.0")

	_, err := h.svc.Start(context.Background(), d.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestStart_FailureLeavesStopped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d := deployCRM(t, h, "1.0.0")
	_, err := h.svc.Stop(ctx, d.ID)
	require.NoError(t, err)
	h.fake.FailOn(dockertest.OpStart, "web", errors.New("port in use"))

	got, err := h.svc.Start(ctx, d.ID)

	require.Error(t, err)
	assert.Equal(t, domain.StatusStopped, got.Status)
}

// =============================================================================
// Lock Tests
// =============================================================================

func TestTargetLocks(t *testing.T) {
	locks := NewTargetLocks()

	release, err := locks.TryAcquire("a")
	require.NoError(t, err)
	assert.True(t, locks.Held("a"))

	_, err = locks.TryAcquire("a")
	assert.ErrorIs(t, err, domain.ErrOperationInProgress)

	other, err := locks.TryAcquire("b")
	require.NoError(t, err)
	other()

	release()
	release()
	assert.False(t, locks.Held("a"))
	_, err = locks.TryAcquire("a")
	assert.NoError(t, err)
}
