package monitoring

import (
	"testing"

	"github.com/artpar/stacker/internal/core/domain"
	"github.com/stretchr/testify/assert"
)

// =============================================================================
// Policy Tests
// =============================================================================

func TestShouldMonitor(t *testing.T) {
	tests := []struct {
		name     string
		settings domain.ConfigSnapshot
		expected bool
	}{
		{"defaults", domain.ConfigSnapshot{}, true},
		{"health disabled", domain.ConfigSnapshot{Health: domain.HealthSettings{Disabled: true}}, false},
		{"maintenance", domain.ConfigSnapshot{Maintenance: domain.MaintenanceSettings{Enabled: true}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ShouldMonitor(tt.settings))
		})
	}
}

func TestRestartThreshold(t *testing.T) {
	assert.Equal(t, 5, RestartThreshold(domain.HealthSettings{}, 5))
	assert.Equal(t, 2, RestartThreshold(domain.HealthSettings{RestartThreshold: 2}, 5))
}

// =============================================================================
// EvaluateContainer Tests
// =============================================================================

func TestEvaluateContainer(t *testing.T) {
	tests := []struct {
		name        string
		observation ContainerObservation
		expected    string
	}{
		{
			name:        "running and healthy",
			observation: ContainerObservation{Service: "api", Status: StatusRunning, Health: "healthy"},
			expected:    "",
		},
		{
			name:        "running without health check",
			observation: ContainerObservation{Service: "api", Status: StatusRunning},
			expected:    "",
		},
		{
			name:        "health check starting",
			observation: ContainerObservation{Service: "api", Status: StatusRunning, Health: "starting"},
			expected:    "",
		},
		{
			name:        "missing",
			observation: ContainerObservation{Service: "api", Missing: true},
			expected:    "api container is missing",
		},
		{
			name:        "exited",
			observation: ContainerObservation{Service: "api", Status: "exited", ExitCode: 137},
			expected:    "api is exited (exit code 137)",
		},
		{
			name:        "unhealthy",
			observation: ContainerObservation{Service: "web", Status: StatusRunning, Health: HealthUnhealthy},
			expected:    "web is unhealthy",
		},
		{
			name:        "restart count at threshold",
			observation: ContainerObservation{Service: "api", Status: StatusRunning, RestartCount: 3},
			expected:    "",
		},
		{
			name:        "restart count above threshold",
			observation: ContainerObservation{Service: "api", Status: StatusRestarting, RestartCount: 4},
			expected:    "api restarted 4 times (threshold 3)",
		},
		{
			name:        "restarting below threshold",
			observation: ContainerObservation{Service: "api", Status: StatusRestarting, RestartCount: 1},
			expected:    "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, EvaluateContainer(tt.observation, 3))
		})
	}
}

func TestEvaluate_KeepsObservationOrder(t *testing.T) {
	problems := Evaluate([]ContainerObservation{
		{Service: "web", Status: "dead"},
		{Service: "api", Status: StatusRunning},
		{Service: "worker", Missing: true},
	}, 5)

	assert.Equal(t, []string{"web is dead (exit code 0)", "worker container is missing"}, problems)
}

func TestEvaluate_NoProblems(t *testing.T) {
	assert.Empty(t, Evaluate([]ContainerObservation{{Service: "api", Status: StatusRunning}}, 5))
	assert.Empty(t, Evaluate(nil, 5))
}

func TestFailureMessage(t *testing.T) {
	assert.Equal(t,
		"health check failed: web is unhealthy; api container is missing",
		FailureMessage([]string{"web is unhealthy", "api container is missing"}))
}
