package domain

import "regexp"

// =============================================================================
// Lifecycle
// =============================================================================

// Lifecycle distinguishes run-once init containers from long-running services.
type Lifecycle string

const (
	LifecycleService Lifecycle = "service"
	LifecycleInit    Lifecycle = "init"
)

// IsInit reports whether the lifecycle is the run-once init kind.
func (l Lifecycle) IsInit() bool {
	return l == LifecycleInit
}

// Normalize returns LifecycleService for an empty value.
func (l Lifecycle) Normalize() Lifecycle {
	if l == "" {
		return LifecycleService
	}
	return l
}

// =============================================================================
// Stack Definition (catalog, read-only)
// =============================================================================

// StackDefinition is a deployable group of services from the catalog.
// Services are kept in manifest declaration order.
type StackDefinition struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Version     string            `json:"version"`
	Description string            `json:"description,omitempty"`
	Services    []ServiceTemplate `json:"services"`
	Variables   []VariableSpec    `json:"variables,omitempty"`
	Networks    []string          `json:"networks,omitempty"`
	Volumes     []string          `json:"volumes,omitempty"`
	Settings    ConfigSnapshot    `json:"settings"`
}

// Service returns the template with the given name.
func (s StackDefinition) Service(name string) (ServiceTemplate, bool) {
	for _, svc := range s.Services {
		if svc.Name == name {
			return svc, true
		}
	}
	return ServiceTemplate{}, false
}

// ServiceTemplate is a single service in a stack manifest.
type ServiceTemplate struct {
	Name        string            `json:"name" validate:"required,service_name"`
	Image       string            `json:"image" validate:"required"`
	Command     []string          `json:"command,omitempty"`
	Entrypoint  []string          `json:"entrypoint,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
	Ports       []PortSpec        `json:"ports,omitempty" validate:"dive"`
	Volumes     []MountSpec       `json:"volumes,omitempty" validate:"dive"`
	Networks    []string          `json:"networks,omitempty"`
	DependsOn   []string          `json:"depends_on,omitempty"`
	Lifecycle   Lifecycle         `json:"lifecycle,omitempty" validate:"omitempty,oneof=service init"`
	HealthCheck *HealthCheckSpec  `json:"healthcheck,omitempty"`
}

// PortSpec is a container port published on the host.
type PortSpec struct {
	ContainerPort int    `json:"container_port" validate:"min=1,max=65535"`
	HostPort      int    `json:"host_port,omitempty" validate:"min=0,max=65535"`
	Protocol      string `json:"protocol,omitempty" validate:"omitempty,oneof=tcp udp sctp"`
	HostIP        string `json:"host_ip,omitempty" validate:"omitempty,ip"`
}

// MountSpec is a volume or bind mount.
type MountSpec struct {
	Source   string `json:"source" validate:"required"`
	Target   string `json:"target" validate:"required,startswith=/"`
	ReadOnly bool   `json:"read_only,omitempty"`
	Bind     bool   `json:"bind,omitempty"`
}

// HealthCheckSpec is passed through to the engine health check.
type HealthCheckSpec struct {
	Test        []string `json:"test"`
	Interval    string   `json:"interval,omitempty"`
	Timeout     string   `json:"timeout,omitempty"`
	Retries     int      `json:"retries,omitempty"`
	StartPeriod string   `json:"start_period,omitempty"`
}

// VariableSpec declares a variable a stack manifest consumes.
type VariableSpec struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Required    bool   `json:"required,omitempty" yaml:"required,omitempty"`
	Default     string `json:"default,omitempty" yaml:"default,omitempty"`
}

// =============================================================================
// Configuration Snapshot
// =============================================================================

// ConfigSnapshot is the maintenance/health/observer configuration captured
// on a deployment when it is deployed. It only changes on re-deploy.
type ConfigSnapshot struct {
	Health      HealthSettings      `json:"health" yaml:"health"`
	Maintenance MaintenanceSettings `json:"maintenance" yaml:"maintenance"`
	Observers   map[string]string   `json:"observers,omitempty" yaml:"observers,omitempty"`
}

// HealthSettings controls container health monitoring for a deployment.
type HealthSettings struct {
	Disabled         bool `json:"disabled,omitempty" yaml:"disabled,omitempty"`
	RestartThreshold int  `json:"restart_threshold,omitempty" yaml:"restart_threshold,omitempty"`
}

// MaintenanceSettings flags a deployment as under maintenance.
type MaintenanceSettings struct {
	Enabled bool   `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Message string `json:"message,omitempty" yaml:"message,omitempty"`
}

// =============================================================================
// Product Definition (catalog, read-only)
// =============================================================================

// ProductDefinition is a versioned collection of stacks deployed as one unit.
type ProductDefinition struct {
	GroupID         string            `json:"group_id" yaml:"group_id"`
	ProductID       string            `json:"product_id" yaml:"product_id"`
	Name            string            `json:"name" yaml:"name"`
	Version         string            `json:"version" yaml:"version"`
	SharedVariables map[string]string `json:"shared_variables,omitempty" yaml:"shared_variables,omitempty"`
	Stacks          []ProductStackRef `json:"stacks" yaml:"stacks"`
}

// ProductStackRef references a catalog stack from a product version.
// Stacks are deployed in slice order.
type ProductStackRef struct {
	Name         string            `json:"name" yaml:"name"`
	DisplayName  string            `json:"display_name,omitempty" yaml:"display_name,omitempty"`
	StackID      string            `json:"stack_id" yaml:"stack_id"`
	StackVersion string            `json:"stack_version,omitempty" yaml:"stack_version,omitempty"`
	Variables    map[string]string `json:"variables,omitempty" yaml:"variables,omitempty"`
}

// MergeVariables layers maps left to right; later maps win.
func MergeVariables(layers ...map[string]string) map[string]string {
	merged := make(map[string]string)
	for _, layer := range layers {
		for k, v := range layer {
			merged[k] = v
		}
	}
	return merged
}

// PlaceholderPattern matches ${VAR} and ${VAR:-default}.
// Group 1 is the name; group 2 is non-empty when a default is given and
// group 3 holds the default, which may be empty.
var PlaceholderPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)
