package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Deployment Status
// =============================================================================

type DeploymentStatus string

const (
	StatusPending DeploymentStatus = "pending"
	StatusRunning DeploymentStatus = "running"
	StatusStopped DeploymentStatus = "stopped"
	StatusFailed  DeploymentStatus = "failed"
	StatusRemoved DeploymentStatus = "removed"
)

// IsTerminal reports whether no further transition is possible.
func (s DeploymentStatus) IsTerminal() bool {
	return s == StatusRemoved
}

// ActiveDeploymentStatuses lists every non-terminal status.
var ActiveDeploymentStatuses = []DeploymentStatus{StatusPending, StatusRunning, StatusStopped, StatusFailed}

// =============================================================================
// State Machine
// =============================================================================

// validTransitions defines the allowed state transitions.
var validTransitions = map[DeploymentStatus][]DeploymentStatus{
	StatusPending: {StatusRunning, StatusFailed},
	StatusRunning: {StatusStopped, StatusFailed, StatusRemoved},
	StatusStopped: {StatusRunning, StatusRemoved},
	StatusFailed:  {StatusRunning, StatusRemoved},
	StatusRemoved: {}, // Terminal state
}

// ValidateTransition checks if a status transition is valid.
func ValidateTransition(from, to DeploymentStatus) error {
	for _, s := range validTransitions[from] {
		if s == to {
			return nil
		}
	}
	return &TransitionError{Entity: "deployment", From: string(from), To: string(to)}
}

// =============================================================================
// Phases
// =============================================================================

// Phase labels an entry in a deployment's audit trail.
type Phase string

const (
	PhaseInitialized    Phase = "initialized"
	PhaseInitContainers Phase = "init_containers"
	PhaseServices       Phase = "services"
	PhaseUpgrade        Phase = "upgrade"
	PhaseCompleted      Phase = "completed"
	PhaseFailed         Phase = "failed"
	PhaseStopped        Phase = "stopped"
	PhaseRemoved        Phase = "removed"
	PhaseHealth         Phase = "health"
)

// PhaseRecord is one append-only audit entry.
type PhaseRecord struct {
	Phase     Phase     `json:"phase"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// =============================================================================
// Deployed Service
// =============================================================================

// DeployedService is a container the engine created for a deployment.
type DeployedService struct {
	ServiceName     string `json:"service_name"`
	ContainerID     string `json:"container_id"`
	ContainerName   string `json:"container_name"`
	Image           string `json:"image"`
	RuntimeState    string `json:"runtime_state"`
	IsInitContainer bool   `json:"is_init_container,omitempty"`
}

// =============================================================================
// Deployment
// =============================================================================

// Deployment is the lifecycle record of one stack instance in one environment.
// At most one non-removed Deployment exists per (EnvironmentID, StackName).
type Deployment struct {
	ID            string            `json:"id"`
	EnvironmentID string            `json:"environment_id"`
	StackID       string            `json:"stack_id"`
	StackName     string            `json:"stack_name"`
	StackVersion  string            `json:"stack_version"`
	DeployedBy    string            `json:"deployed_by"`
	Status        DeploymentStatus  `json:"status"`
	Services      []DeployedService `json:"services,omitempty"`
	Phases        []PhaseRecord     `json:"phases,omitempty"`
	Variables     map[string]string `json:"variables,omitempty"`
	Settings      ConfigSnapshot    `json:"settings"`
	ErrorMessage  string            `json:"error_message,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
	CompletedAt   *time.Time        `json:"completed_at,omitempty"`
	Version       int               `json:"version"`
}

// StartParams carries the inputs of a new deployment.
type StartParams struct {
	EnvironmentID string
	StackID       string
	StackName     string
	StackVersion  string
	DeployedBy    string
	Variables     map[string]string
	Settings      ConfigSnapshot
}

// StartDeployment creates a Pending deployment. It is the only way a
// Deployment comes into existence.
func StartDeployment(p StartParams, now time.Time) (*Deployment, []Event, error) {
	if strings.TrimSpace(p.EnvironmentID) == "" {
		return nil, nil, fmt.Errorf("%w: environment id is required", ErrValidation)
	}
	if strings.TrimSpace(p.StackName) == "" {
		return nil, nil, fmt.Errorf("%w: stack name is required", ErrValidation)
	}

	d := &Deployment{
		ID:            uuid.New().String(),
		EnvironmentID: p.EnvironmentID,
		StackID:       p.StackID,
		StackName:     p.StackName,
		StackVersion:  p.StackVersion,
		DeployedBy:    p.DeployedBy,
		Status:        StatusPending,
		Variables:     copyVars(p.Variables),
		Settings:      p.Settings,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	d.addPhase(PhaseInitialized, fmt.Sprintf("deployment of %s %s initiated", p.StackName, p.StackVersion), now)

	return d, []Event{d.event(EventDeploymentStarted, "", string(StatusPending), "", now)}, nil
}

// IsActive reports whether the deployment is non-terminal.
func (d *Deployment) IsActive() bool {
	return !d.Status.IsTerminal()
}

// MarkAsRunning records a successful deploy, redeploy or start.
func (d *Deployment) MarkAsRunning(services []DeployedService, now time.Time) ([]Event, error) {
	from := d.Status
	if err := d.transition(StatusRunning); err != nil {
		return nil, err
	}
	if services != nil {
		d.Services = services
	}
	d.ErrorMessage = ""
	d.CompletedAt = &now
	d.UpdatedAt = now
	d.addPhase(PhaseCompleted, fmt.Sprintf("%d service(s) running", len(d.RegularServices())), now)
	return []Event{d.event(EventDeploymentRunning, string(from), string(StatusRunning), "", now)}, nil
}

// MarkAsFailed records a failure. services, when non-nil, replaces the
// tracked containers with what the engine actually left behind.
func (d *Deployment) MarkAsFailed(message string, services []DeployedService, now time.Time) ([]Event, error) {
	from := d.Status
	if err := d.transition(StatusFailed); err != nil {
		return nil, err
	}
	d.recordFailure(message, services, now)
	return []Event{d.event(EventDeploymentFailed, string(from), string(StatusFailed), message, now)}, nil
}

// RecordFailedAttempt records a failed redeploy or upgrade of a deployment
// that is already Failed. The status does not change.
func (d *Deployment) RecordFailedAttempt(message string, services []DeployedService, now time.Time) ([]Event, error) {
	if d.Status != StatusFailed {
		return nil, &TransitionError{Entity: "deployment", ID: d.ID, From: string(d.Status), To: string(StatusFailed)}
	}
	d.recordFailure(message, services, now)
	return []Event{d.event(EventDeploymentFailed, string(StatusFailed), string(StatusFailed), message, now)}, nil
}

// MarkAsStopped records that all services were stopped.
func (d *Deployment) MarkAsStopped(now time.Time) ([]Event, error) {
	if err := d.transition(StatusStopped); err != nil {
		return nil, err
	}
	for i := range d.Services {
		d.Services[i].RuntimeState = "exited"
	}
	d.UpdatedAt = now
	d.addPhase(PhaseStopped, "all services stopped", now)
	return []Event{d.event(EventDeploymentStopped, string(StatusRunning), string(StatusStopped), "", now)}, nil
}

// MarkAsRemoved records removal. The record is retained for audit.
func (d *Deployment) MarkAsRemoved(now time.Time) ([]Event, error) {
	from := d.Status
	if err := d.transition(StatusRemoved); err != nil {
		return nil, err
	}
	for i := range d.Services {
		d.Services[i].RuntimeState = "removed"
	}
	d.UpdatedAt = now
	d.CompletedAt = &now
	d.addPhase(PhaseRemoved, "all containers removed", now)
	return []Event{d.event(EventDeploymentRemoved, string(from), string(StatusRemoved), "", now)}, nil
}

// BeginRedeploy prepares a Failed deployment for another attempt with a
// fresh variable and settings snapshot.
func (d *Deployment) BeginRedeploy(p StartParams, now time.Time) ([]Event, error) {
	if d.Status != StatusFailed {
		return nil, fmt.Errorf("%w: deployment %s is %s; only failed deployments can be redeployed",
			ErrDeploymentActive, d.StackName, d.Status)
	}
	d.applySnapshot(p)
	d.UpdatedAt = now
	d.addPhase(PhaseInitialized, fmt.Sprintf("redeploy of %s %s initiated", d.StackName, d.StackVersion), now)
	return []Event{d.event(EventDeploymentRedeploy, string(d.Status), string(d.Status), "", now)}, nil
}

// BeginUpgrade prepares a Running or Failed deployment for an upgrade.
func (d *Deployment) BeginUpgrade(p StartParams, now time.Time) ([]Event, error) {
	if d.Status != StatusRunning && d.Status != StatusFailed {
		return nil, fmt.Errorf("%w: deployment %s is %s; only running or failed deployments can be upgraded",
			ErrValidation, d.StackName, d.Status)
	}
	previous := d.StackVersion
	d.applySnapshot(p)
	d.UpdatedAt = now
	d.addPhase(PhaseUpgrade, fmt.Sprintf("upgrade %s -> %s initiated", previous, d.StackVersion), now)
	return []Event{d.event(EventDeploymentRedeploy, previous, d.StackVersion, "upgrade", now)}, nil
}

// ApplyUpgrade records a successful upgrade of a deployment. A Running
// deployment stays Running; a Failed one transitions to Running.
func (d *Deployment) ApplyUpgrade(services []DeployedService, now time.Time) ([]Event, error) {
	if d.Status == StatusFailed {
		return d.MarkAsRunning(services, now)
	}
	if d.Status != StatusRunning {
		return nil, &TransitionError{Entity: "deployment", ID: d.ID, From: string(d.Status), To: string(StatusRunning)}
	}
	d.Services = services
	d.ErrorMessage = ""
	d.CompletedAt = &now
	d.UpdatedAt = now
	d.addPhase(PhaseCompleted, fmt.Sprintf("upgraded to %s; %d service(s) running", d.StackVersion, len(d.RegularServices())), now)
	return []Event{d.event(EventDeploymentUpgraded, string(StatusRunning), string(StatusRunning), d.StackVersion, now)}, nil
}

// RecordPhase appends an audit entry without changing status.
func (d *Deployment) RecordPhase(phase Phase, message string, now time.Time) {
	d.addPhase(phase, message, now)
	d.UpdatedAt = now
}

// RegularServices returns the long-running (non-init) services.
func (d *Deployment) RegularServices() []DeployedService {
	var out []DeployedService
	for _, s := range d.Services {
		if !s.IsInitContainer {
			out = append(out, s)
		}
	}
	return out
}

// ServiceCount is the number of long-running services.
func (d *Deployment) ServiceCount() int {
	return len(d.RegularServices())
}

func (d *Deployment) transition(to DeploymentStatus) error {
	if err := ValidateTransition(d.Status, to); err != nil {
		if te, ok := err.(*TransitionError); ok {
			te.ID = d.ID
		}
		return err
	}
	d.Status = to
	return nil
}

func (d *Deployment) recordFailure(message string, services []DeployedService, now time.Time) {
	if services != nil {
		d.Services = services
	}
	d.ErrorMessage = message
	d.CompletedAt = &now
	d.UpdatedAt = now
	d.addPhase(PhaseFailed, message, now)
}

func (d *Deployment) applySnapshot(p StartParams) {
	if p.StackVersion != "" {
		d.StackVersion = p.StackVersion
	}
	if p.StackID != "" {
		d.StackID = p.StackID
	}
	if p.DeployedBy != "" {
		d.DeployedBy = p.DeployedBy
	}
	d.Variables = copyVars(p.Variables)
	d.Settings = p.Settings
}

func (d *Deployment) addPhase(phase Phase, message string, now time.Time) {
	d.Phases = append(d.Phases, PhaseRecord{Phase: phase, Message: message, Timestamp: now})
}

func (d *Deployment) event(t EventType, from, to, msg string, now time.Time) Event {
	return Event{
		Type:        t,
		AggregateID: d.ID,
		Subject:     d.StackName,
		From:        from,
		To:          to,
		Message:     msg,
		OccurredAt:  now,
	}
}

func copyVars(in map[string]string) map[string]string {
	if in == nil {
		return map[string]string{}
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
