// Package docker provides the container engine client used by the
// deployment engine and the health monitor.
package docker

import (
	"context"
	"time"

	"github.com/artpar/stacker/internal/core/deployment"
)

// =============================================================================
// Container Types
// =============================================================================

// ContainerSpec defines the specification for creating a container.
type ContainerSpec struct {
	Name           string
	Image          string
	Command        []string
	Entrypoint     []string
	Env            map[string]string
	Labels         map[string]string
	Ports          []PortBinding
	Volumes        []VolumeMount
	Networks       []string
	NetworkAliases map[string][]string // network name → aliases
	RestartPolicy  string              // "no", "unless-stopped"
	HealthCheck    *HealthCheck
}

// PortBinding defines a port mapping.
type PortBinding struct {
	ContainerPort int
	HostPort      int    // 0 for auto-assign
	Protocol      string // "tcp" or "udp"
	HostIP        string // "" for 0.0.0.0
}

// VolumeMount defines a volume or bind mount.
type VolumeMount struct {
	Source   string // Volume name or host path
	Target   string // Container path
	ReadOnly bool
	Bind     bool
}

// HealthCheck defines container health check configuration.
type HealthCheck struct {
	Test        []string
	Interval    time.Duration
	Timeout     time.Duration
	Retries     int
	StartPeriod time.Duration
}

// SpecFromPlan converts a planned container into a create spec. The service
// name is registered as an alias on every network for DNS discovery.
func SpecFromPlan(service string, p deployment.ContainerPlan) ContainerSpec {
	spec := ContainerSpec{
		Name:          p.Name,
		Image:         p.Image,
		Command:       p.Command,
		Entrypoint:    p.Entrypoint,
		Env:           p.Env,
		Labels:        p.Labels,
		Networks:      p.Networks,
		RestartPolicy: p.RestartPolicy,
	}
	for _, port := range p.Ports {
		spec.Ports = append(spec.Ports, PortBinding{
			ContainerPort: port.ContainerPort,
			HostPort:      port.HostPort,
			Protocol:      port.Protocol,
			HostIP:        port.HostIP,
		})
	}
	for _, v := range p.Volumes {
		spec.Volumes = append(spec.Volumes, VolumeMount{
			Source:   v.Source,
			Target:   v.Target,
			ReadOnly: v.ReadOnly,
			Bind:     v.Bind,
		})
	}
	if len(p.Networks) > 0 && service != "" {
		spec.NetworkAliases = make(map[string][]string, len(p.Networks))
		for _, n := range p.Networks {
			spec.NetworkAliases[n] = []string{service}
		}
	}
	if hc := p.HealthCheck; hc != nil {
		spec.HealthCheck = &HealthCheck{
			Test:        hc.Test,
			Interval:    hc.Interval,
			Timeout:     hc.Timeout,
			Retries:     hc.Retries,
			StartPeriod: hc.StartPeriod,
		}
	}
	return spec
}

// =============================================================================
// Container State
// =============================================================================

// ContainerStatus represents the container status.
type ContainerStatus string

const (
	ContainerStatusCreated    ContainerStatus = "created"
	ContainerStatusRunning    ContainerStatus = "running"
	ContainerStatusPaused     ContainerStatus = "paused"
	ContainerStatusRestarting ContainerStatus = "restarting"
	ContainerStatusRemoving   ContainerStatus = "removing"
	ContainerStatusExited     ContainerStatus = "exited"
	ContainerStatusDead       ContainerStatus = "dead"
)

// Health statuses reported by the engine.
const (
	HealthHealthy   = "healthy"
	HealthUnhealthy = "unhealthy"
	HealthStarting  = "starting"
)

// ContainerState is the inspected runtime state of a container.
type ContainerState struct {
	ID           string
	Name         string
	Image        string
	Status       ContainerStatus
	ExitCode     int
	Health       string // "healthy", "unhealthy", "starting", ""
	RestartCount int
	Labels       map[string]string
	StartedAt    *time.Time
	FinishedAt   *time.Time
}

// Exited reports whether the container has stopped running for good.
func (s *ContainerState) Exited() bool {
	return s.Status == ContainerStatusExited || s.Status == ContainerStatusDead
}

// NetworkSpec defines a network to ensure.
type NetworkSpec struct {
	Name   string
	Driver string // defaults to "bridge"
	Labels map[string]string
}

// =============================================================================
// Client Interface
// =============================================================================

// Client is the container engine boundary. Calls never retry internally;
// every error wraps one of ErrUnreachable, ErrNotFound or ErrRejected.
type Client interface {
	Ping(ctx context.Context) error

	PullImage(ctx context.Context, ref string) error

	CreateContainer(ctx context.Context, spec ContainerSpec) (containerID string, err error)
	StartContainer(ctx context.Context, containerID string) error
	StopContainer(ctx context.Context, containerID string, timeout time.Duration) error
	RemoveContainer(ctx context.Context, containerID string, force bool) error
	InspectContainer(ctx context.Context, containerID string) (*ContainerState, error)
	GetRestartCount(ctx context.Context, containerID string) (int, error)

	// StreamLogs calls onLine for every log line until the container exits
	// or ctx is cancelled. Each call starts a fresh stream.
	StreamLogs(ctx context.Context, containerID string, onLine func(line string)) error

	// EnsureNetwork creates the network unless it already exists.
	EnsureNetwork(ctx context.Context, spec NetworkSpec) error

	Close() error
}
