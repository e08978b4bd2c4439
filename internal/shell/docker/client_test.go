package docker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/artpar/stacker/internal/core/deployment"
	"github.com/artpar/stacker/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Helpers
// =============================================================================

func skipIfNoDocker(t *testing.T) *DockerClient {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping Docker integration test in short mode")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cli, err := NewDockerClient(ctx, "")
	if err != nil {
		t.Skip("Docker not available:", err)
	}
	if err := cli.Ping(ctx); err != nil {
		cli.Close()
		t.Skip("Docker not reachable:", err)
	}
	return cli
}

func cleanupContainer(t *testing.T, cli Client, containerID string) {
	t.Helper()
	ctx := context.Background()
	_ = cli.StopContainer(ctx, containerID, time.Second)
	_ = cli.RemoveContainer(ctx, containerID, true)
}

const testPrefix = "stacker-test-"

// =============================================================================
// Error Classification Tests
// =============================================================================

func TestErrorKinds_MapToDomainTaxonomy(t *testing.T) {
	assert.ErrorIs(t, ErrUnreachable, domain.ErrEngineUnreachable)
	assert.ErrorIs(t, ErrContainerNotFound, domain.ErrNotFound)
	assert.ErrorIs(t, ErrContainerNotFound, ErrNotFound)
	assert.ErrorIs(t, ErrImagePullFailed, ErrRejected)
	assert.False(t, errors.Is(ErrRejected, domain.ErrEngineUnreachable))
}

func TestDockerError_Format(t *testing.T) {
	err := NewDockerError("StartContainer", "container", "abc", "boom", ErrRejected)
	assert.Equal(t, "StartContainer container abc: boom", err.Error())
	assert.True(t, IsRejected(err))

	err = NewDockerError("Ping", "", "", "refused", ErrUnreachable)
	assert.Equal(t, "Ping: refused", err.Error())
	assert.True(t, IsUnreachable(err))
	assert.False(t, IsNotFound(err))
}

func TestClassify_ContextErrors(t *testing.T) {
	err := classify("PullImage", "image", "nginx", context.Canceled, nil)
	assert.ErrorIs(t, err, domain.ErrCancelled)
	assert.False(t, IsRejected(err))

	err = classify("PullImage", "image", "nginx", context.DeadlineExceeded, nil)
	assert.ErrorIs(t, err, domain.ErrTimeout)
}

func TestClassify_UnknownIsRejected(t *testing.T) {
	err := classify("StartContainer", "container", "abc", errors.New("invalid mount config"), ErrContainerNotFound)

	var de *DockerError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, "abc", de.ID)
	assert.True(t, IsRejected(err))
	assert.Contains(t, err.Error(), "invalid mount config")
}

func TestClassify_PortAllocated(t *testing.T) {
	err := classify("CreateContainer", "container", "web", errors.New("Bind for 0.0.0.0:80 failed: port is already allocated"), nil)
	assert.ErrorIs(t, err, ErrPortAlreadyAllocated)
	assert.True(t, IsRejected(err))
}

func TestClassify_Nil(t *testing.T) {
	assert.NoError(t, classify("op", "", "", nil, nil))
}

// =============================================================================
// SpecFromPlan Tests
// =============================================================================

func TestSpecFromPlan(t *testing.T) {
	plan := deployment.ContainerPlan{
		Name:          "stacker_prod_crm_api",
		Image:         "crm-api:2",
		Command:       []string{"serve"},
		Env:           map[string]string{"A": "1"},
		Labels:        map[string]string{deployment.LabelService: "api"},
		Ports:         []deployment.PortPlan{{ContainerPort: 80, HostPort: 8080, Protocol: "tcp"}},
		Volumes:       []deployment.VolumePlan{{Source: "./conf", Target: "/conf", ReadOnly: true, Bind: true}},
		Networks:      []string{"stacker_prod_crm"},
		RestartPolicy: deployment.RestartUnlessStopped,
		HealthCheck:   &deployment.HealthCheckPlan{Test: []string{"CMD", "true"}, Interval: time.Second, Retries: 2},
	}

	spec := SpecFromPlan("api", plan)

	assert.Equal(t, plan.Name, spec.Name)
	assert.Equal(t, plan.Image, spec.Image)
	assert.Equal(t, []string{"serve"}, spec.Command)
	assert.Equal(t, "1", spec.Env["A"])
	assert.Equal(t, []PortBinding{{ContainerPort: 80, HostPort: 8080, Protocol: "tcp"}}, spec.Ports)
	assert.Equal(t, []VolumeMount{{Source: "./conf", Target: "/conf", ReadOnly: true, Bind: true}}, spec.Volumes)
	assert.Equal(t, []string{"api"}, spec.NetworkAliases["stacker_prod_crm"])
	assert.Equal(t, "unless-stopped", spec.RestartPolicy)
	require.NotNil(t, spec.HealthCheck)
	assert.Equal(t, 2, spec.HealthCheck.Retries)
}

func TestSpecFromPlan_NoNetworks(t *testing.T) {
	spec := SpecFromPlan("api", deployment.ContainerPlan{Name: "x", Image: "y"})
	assert.Nil(t, spec.NetworkAliases)
	assert.Nil(t, spec.HealthCheck)
}

func TestContainerState_Exited(t *testing.T) {
	assert.True(t, (&ContainerState{Status: ContainerStatusExited}).Exited())
	assert.True(t, (&ContainerState{Status: ContainerStatusDead}).Exited())
	assert.False(t, (&ContainerState{Status: ContainerStatusRunning}).Exited())
	assert.False(t, (&ContainerState{Status: ContainerStatusCreated}).Exited())
}

func TestParseEngineTime(t *testing.T) {
	assert.Nil(t, parseEngineTime(""))
	assert.Nil(t, parseEngineTime("0001-01-01T00:00:00Z"))
	assert.Nil(t, parseEngineTime("garbage"))

	ts := parseEngineTime("2024-05-01T10:00:00.5Z")
	require.NotNil(t, ts)
	assert.Equal(t, 2024, ts.Year())
}

// =============================================================================
// Integration Tests
// =============================================================================

func TestIntegration_ContainerLifecycle(t *testing.T) {
	cli := skipIfNoDocker(t)
	defer cli.Close()
	ctx := context.Background()

	require.NoError(t, cli.PullImage(ctx, "alpine:latest"))

	network := testPrefix + "net"
	require.NoError(t, cli.EnsureNetwork(ctx, NetworkSpec{Name: network}))
	require.NoError(t, cli.EnsureNetwork(ctx, NetworkSpec{Name: network}))

	id, err := cli.CreateContainer(ctx, ContainerSpec{
		Name:          testPrefix + "lifecycle",
		Image:         "alpine:latest",
		Command:       []string{"sh", "-c", "echo hello; exit 3"},
		Networks:      []string{network},
		RestartPolicy: deployment.RestartNever,
	})
	require.NoError(t, err)
	defer cleanupContainer(t, cli, id)

	require.NoError(t, cli.StartContainer(ctx, id))

	var lines []string
	require.NoError(t, cli.StreamLogs(ctx, id, func(line string) { lines = append(lines, line) }))
	assert.Contains(t, lines, "hello")

	require.Eventually(t, func() bool {
		state, err := cli.InspectContainer(ctx, id)
		return err == nil && state.Exited()
	}, 10*time.Second, 200*time.Millisecond)

	state, err := cli.InspectContainer(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 3, state.ExitCode)

	count, err := cli.GetRestartCount(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestIntegration_NotFound(t *testing.T) {
	cli := skipIfNoDocker(t)
	defer cli.Close()
	ctx := context.Background()

	_, err := cli.InspectContainer(ctx, "stacker-does-not-exist")
	assert.True(t, IsNotFound(err))
	assert.ErrorIs(t, err, ErrContainerNotFound)

	err = cli.RemoveContainer(ctx, "stacker-does-not-exist", true)
	assert.True(t, IsNotFound(err))
}
