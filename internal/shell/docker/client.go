package docker

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
)

// =============================================================================
// Docker Client Implementation
// =============================================================================

// DockerClient implements the Client interface using the Docker SDK.
type DockerClient struct {
	cli *client.Client
}

var _ Client = (*DockerClient)(nil)

// NewDockerClient creates a new Docker client.
// If host is empty, it uses the default Docker host from environment.
// On macOS with Docker Desktop, it automatically detects the correct socket.
func NewDockerClient(ctx context.Context, host string) (*DockerClient, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, NewDockerError("NewDockerClient", "", "", err.Error(), ErrUnreachable)
	}

	if host == "" {
		if _, pingErr := cli.Ping(ctx); pingErr != nil {
			homeDir, _ := os.UserHomeDir()
			desktopSocket := "unix://" + homeDir + "/.docker/run/docker.sock"

			cli2, err2 := client.NewClientWithOpts(
				client.WithHost(desktopSocket),
				client.WithAPIVersionNegotiation(),
			)
			if err2 == nil {
				if _, pingErr2 := cli2.Ping(ctx); pingErr2 == nil {
					cli.Close()
					return &DockerClient{cli: cli2}, nil
				}
				cli2.Close()
			}
		}
	}

	return &DockerClient{cli: cli}, nil
}

// Ping checks if the Docker daemon is reachable.
func (d *DockerClient) Ping(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		if ctx.Err() != nil {
			return classify("Ping", "", "", err, nil)
		}
		return NewDockerError("Ping", "", "", fmt.Sprintf("failed to ping docker: %v", err), ErrUnreachable)
	}
	return nil
}

// Close closes the Docker client connection.
func (d *DockerClient) Close() error {
	return d.cli.Close()
}

// =============================================================================
// Image Operations
// =============================================================================

// PullImage pulls an image from the registry, blocking until the pull ends.
func (d *DockerClient) PullImage(ctx context.Context, ref string) error {
	reader, err := d.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		errStr := err.Error()
		if strings.Contains(errStr, "manifest unknown") ||
			strings.Contains(errStr, "repository does not exist") ||
			strings.Contains(errStr, "pull access denied") {
			return NewDockerError("PullImage", "image", ref, "image not found", ErrImageNotFound)
		}
		return classify("PullImage", "image", ref, err, ErrImageNotFound)
	}
	defer reader.Close()

	if _, err := io.Copy(io.Discard, reader); err != nil {
		if ctx.Err() != nil {
			return classify("PullImage", "image", ref, ctx.Err(), nil)
		}
		return NewDockerError("PullImage", "image", ref, err.Error(), ErrImagePullFailed)
	}
	return nil
}

// =============================================================================
// Container Operations
// =============================================================================

// CreateContainer creates a new container from the given spec.
func (d *DockerClient) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	config := &container.Config{
		Image:      spec.Image,
		Cmd:        spec.Command,
		Entrypoint: spec.Entrypoint,
		Labels:     spec.Labels,
	}
	for k, v := range spec.Env {
		config.Env = append(config.Env, fmt.Sprintf("%s=%s", k, v))
	}

	hostConfig := &container.HostConfig{}

	if len(spec.Ports) > 0 {
		portBindings := nat.PortMap{}
		exposedPorts := nat.PortSet{}
		for _, p := range spec.Ports {
			proto := p.Protocol
			if proto == "" {
				proto = "tcp"
			}
			containerPort := nat.Port(fmt.Sprintf("%d/%s", p.ContainerPort, proto))
			exposedPorts[containerPort] = struct{}{}

			hostPort := ""
			if p.HostPort != 0 {
				hostPort = fmt.Sprintf("%d", p.HostPort)
			}
			portBindings[containerPort] = append(portBindings[containerPort], nat.PortBinding{
				HostIP:   p.HostIP,
				HostPort: hostPort,
			})
		}
		config.ExposedPorts = exposedPorts
		hostConfig.PortBindings = portBindings
	}

	for _, v := range spec.Volumes {
		mountType := mount.TypeVolume
		if v.Bind {
			mountType = mount.TypeBind
		}
		hostConfig.Mounts = append(hostConfig.Mounts, mount.Mount{
			Type:     mountType,
			Source:   v.Source,
			Target:   v.Target,
			ReadOnly: v.ReadOnly,
		})
	}

	if spec.RestartPolicy != "" {
		hostConfig.RestartPolicy = container.RestartPolicy{
			Name: container.RestartPolicyMode(spec.RestartPolicy),
		}
	}

	if spec.HealthCheck != nil {
		config.Healthcheck = &container.HealthConfig{
			Test:        spec.HealthCheck.Test,
			Interval:    spec.HealthCheck.Interval,
			Timeout:     spec.HealthCheck.Timeout,
			Retries:     spec.HealthCheck.Retries,
			StartPeriod: spec.HealthCheck.StartPeriod,
		}
	}

	var networkConfig *network.NetworkingConfig
	if len(spec.Networks) > 0 {
		networkConfig = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{},
		}
		for _, n := range spec.Networks {
			networkConfig.EndpointsConfig[n] = &network.EndpointSettings{
				Aliases: spec.NetworkAliases[n],
			}
		}
	}

	resp, err := d.cli.ContainerCreate(ctx, config, hostConfig, networkConfig, nil, spec.Name)
	if err != nil {
		return "", classify("CreateContainer", "container", spec.Name, err, ErrImageNotFound)
	}
	return resp.ID, nil
}

// StartContainer starts a created or stopped container.
func (d *DockerClient) StartContainer(ctx context.Context, containerID string) error {
	err := d.cli.ContainerStart(ctx, containerID, container.StartOptions{})
	return classify("StartContainer", "container", containerID, err, ErrContainerNotFound)
}

// StopContainer stops a running container, killing it after timeout.
// Stopping an already stopped container succeeds.
func (d *DockerClient) StopContainer(ctx context.Context, containerID string, timeout time.Duration) error {
	seconds := int(timeout.Seconds())
	err := d.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &seconds})
	if err != nil && strings.Contains(err.Error(), "is not running") {
		return nil
	}
	return classify("StopContainer", "container", containerID, err, ErrContainerNotFound)
}

// RemoveContainer removes a container and its anonymous volumes.
func (d *DockerClient) RemoveContainer(ctx context.Context, containerID string, force bool) error {
	err := d.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{
		Force:         force,
		RemoveVolumes: true,
	})
	return classify("RemoveContainer", "container", containerID, err, ErrContainerNotFound)
}

// InspectContainer returns the runtime state of a container.
func (d *DockerClient) InspectContainer(ctx context.Context, containerID string) (*ContainerState, error) {
	resp, err := d.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, classify("InspectContainer", "container", containerID, err, ErrContainerNotFound)
	}

	state := &ContainerState{
		ID:           resp.ID,
		Name:         strings.TrimPrefix(resp.Name, "/"),
		RestartCount: resp.RestartCount,
	}
	if resp.Config != nil {
		state.Image = resp.Config.Image
		state.Labels = resp.Config.Labels
	}
	if resp.State != nil {
		state.Status = ContainerStatus(resp.State.Status)
		state.ExitCode = resp.State.ExitCode
		if resp.State.Health != nil {
			state.Health = string(resp.State.Health.Status)
		}
		state.StartedAt = parseEngineTime(resp.State.StartedAt)
		state.FinishedAt = parseEngineTime(resp.State.FinishedAt)
	}
	return state, nil
}

// GetRestartCount returns how many times the engine restarted the container.
func (d *DockerClient) GetRestartCount(ctx context.Context, containerID string) (int, error) {
	state, err := d.InspectContainer(ctx, containerID)
	if err != nil {
		return 0, err
	}
	return state.RestartCount, nil
}

// StreamLogs follows the container's stdout and stderr line by line.
func (d *DockerClient) StreamLogs(ctx context.Context, containerID string, onLine func(line string)) error {
	reader, err := d.cli.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return classify("StreamLogs", "container", containerID, err, ErrContainerNotFound)
	}
	defer reader.Close()

	pr, pw := io.Pipe()
	go func() {
		_, copyErr := stdcopy.StdCopy(pw, pw, reader)
		pw.CloseWithError(copyErr)
	}()
	defer pr.Close()

	scanner := bufio.NewScanner(pr)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		onLine(scanner.Text())
	}
	if ctx.Err() != nil {
		return nil
	}
	if err := scanner.Err(); err != nil {
		return NewDockerError("StreamLogs", "container", containerID, err.Error(), fmt.Errorf("%w: %w", ErrRejected, err))
	}
	return nil
}

// =============================================================================
// Network Operations
// =============================================================================

// EnsureNetwork creates the network unless one with that name exists.
func (d *DockerClient) EnsureNetwork(ctx context.Context, spec NetworkSpec) error {
	_, err := d.cli.NetworkInspect(ctx, spec.Name, network.InspectOptions{})
	if err == nil {
		return nil
	}
	if !IsNotFound(classify("EnsureNetwork", "network", spec.Name, err, nil)) {
		return classify("EnsureNetwork", "network", spec.Name, err, ErrNetworkNotFound)
	}

	driver := spec.Driver
	if driver == "" {
		driver = "bridge"
	}
	_, err = d.cli.NetworkCreate(ctx, spec.Name, network.CreateOptions{
		Driver: driver,
		Labels: spec.Labels,
	})
	if err != nil && strings.Contains(err.Error(), "already exists") {
		return nil
	}
	return classify("EnsureNetwork", "network", spec.Name, err, ErrNetworkNotFound)
}

// =============================================================================
// helpers
// =============================================================================

func parseEngineTime(value string) *time.Time {
	if value == "" || strings.HasPrefix(value, "0001-01-01") {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return nil
	}
	return &t
}
