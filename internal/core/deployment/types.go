package deployment

import (
	"time"

	"github.com/artpar/stacker/internal/core/domain"
)

// =============================================================================
// Plan Types
// =============================================================================

// Action is the kind of engine operation a step performs.
type Action string

const (
	ActionPull   Action = "pull"
	ActionCreate Action = "create"
	ActionStart  Action = "start"
	ActionStop   Action = "stop"
	ActionRemove Action = "remove"
)

// Step is one engine operation. Create steps carry the full container plan;
// stop and remove steps of existing containers carry ContainerID.
type Step struct {
	Action      Action
	Service     string
	Lifecycle   domain.Lifecycle
	Image       string
	DependsOn   []string
	ContainerID string
	Container   ContainerPlan
}

// IsInit reports whether the step belongs to an init-lifecycle service.
func (s Step) IsInit() bool {
	return s.Lifecycle.IsInit()
}

// Plan is the ordered list of engine operations for one stack instance.
// Every init step precedes every service step.
type Plan struct {
	EnvironmentID string
	StackID       string
	StackName     string
	StackVersion  string
	GlobalEnv     map[string]string
	Steps         []Step
	Networks      map[string]NetworkPlan
	Volumes       []string
}

// NetworkPlan is a network the engine must ensure before any container step.
type NetworkPlan struct {
	Name   string
	Labels map[string]string
}

// =============================================================================
// Container Plan Types
// =============================================================================

// ContainerPlan represents a planned container configuration.
// This is the pure output of planning, ready for the shell to execute.
type ContainerPlan struct {
	Name          string
	Image         string
	Command       []string
	Entrypoint    []string
	Env           map[string]string
	Labels        map[string]string
	Ports         []PortPlan
	Volumes       []VolumePlan
	Networks      []string
	RestartPolicy string
	HealthCheck   *HealthCheckPlan
}

// PortPlan represents a planned port binding.
type PortPlan struct {
	ContainerPort int
	HostPort      int
	Protocol      string
	HostIP        string
}

// VolumePlan represents a planned volume mount.
type VolumePlan struct {
	Source   string
	Target   string
	ReadOnly bool
	Bind     bool
}

// HealthCheckPlan represents a health check configuration.
type HealthCheckPlan struct {
	Test        []string
	Interval    time.Duration
	Timeout     time.Duration
	Retries     int
	StartPeriod time.Duration
}

// =============================================================================
// Container Labels
// =============================================================================

// Label keys attached to every container. Stack, service, environment and
// lifecycle are always present; external tooling groups containers by them.
const (
	LabelManaged      = "com.stacker.managed"
	LabelStack        = "com.stacker.stack"
	LabelService      = "com.stacker.service"
	LabelEnvironment  = "com.stacker.environment"
	LabelLifecycle    = "com.stacker.lifecycle"
	LabelStackID      = "com.stacker.stack-id"
	LabelStackVersion = "com.stacker.stack-version"
)

// Restart policies.
const (
	RestartUnlessStopped = "unless-stopped"
	RestartNever         = "no"
)
