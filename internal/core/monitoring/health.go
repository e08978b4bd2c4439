// Package monitoring provides pure functions for container health evaluation.
// This package contains NO I/O; the health monitor worker feeds it what it
// observed from the container engine.
package monitoring

import (
	"fmt"
	"strings"

	"github.com/artpar/stacker/internal/core/domain"
)

// =============================================================================
// Observations
// =============================================================================

// Container status and health values as reported by the engine.
const (
	StatusRunning    = "running"
	StatusRestarting = "restarting"
	HealthUnhealthy  = "unhealthy"
)

// ContainerObservation is what was seen for one long-running container.
type ContainerObservation struct {
	Service      string
	Missing      bool
	Status       string
	ExitCode     int
	Health       string // "healthy", "unhealthy", "starting", ""
	RestartCount int
}

// =============================================================================
// Policy (Pure Functions)
// =============================================================================

// ShouldMonitor reports whether a deployment with these settings is subject
// to health checks. Disabled checks and active maintenance both opt out.
func ShouldMonitor(settings domain.ConfigSnapshot) bool {
	return !settings.Health.Disabled && !settings.Maintenance.Enabled
}

// RestartThreshold returns the deployment's own threshold when it has one,
// else fallback.
func RestartThreshold(settings domain.HealthSettings, fallback int) int {
	if settings.RestartThreshold > 0 {
		return settings.RestartThreshold
	}
	return fallback
}

// =============================================================================
// Evaluation (Pure Functions)
// =============================================================================

// EvaluateContainer describes what is wrong with a container, or returns ""
// when it is healthy. A restarting container is judged by its restart count
// only.
func EvaluateContainer(o ContainerObservation, threshold int) string {
	switch {
	case o.Missing:
		return fmt.Sprintf("%s container is missing", o.Service)
	case o.Status != StatusRunning && o.Status != StatusRestarting:
		return fmt.Sprintf("%s is %s (exit code %d)", o.Service, o.Status, o.ExitCode)
	case o.Health == HealthUnhealthy:
		return fmt.Sprintf("%s is unhealthy", o.Service)
	case o.RestartCount > threshold:
		return fmt.Sprintf("%s restarted %d times (threshold %d)", o.Service, o.RestartCount, threshold)
	}
	return ""
}

// Evaluate runs EvaluateContainer over every observation and returns the
// problems found, in observation order.
func Evaluate(observations []ContainerObservation, threshold int) []string {
	var problems []string
	for _, o := range observations {
		if p := EvaluateContainer(o, threshold); p != "" {
			problems = append(problems, p)
		}
	}
	return problems
}

// FailureMessage builds the error message recorded on a deployment that
// failed its health check.
func FailureMessage(problems []string) string {
	return "health check failed: " + strings.Join(problems, "; ")
}
