// Package engine executes deployment plans against a container engine.
// It never persists anything: callers apply the returned Result to the
// Deployment aggregate.
package engine

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/artpar/stacker/internal/core/domain"
)

// =============================================================================
// Configuration
// =============================================================================

// Config configures plan execution.
type Config struct {
	InitPollInterval time.Duration // how often an init container is inspected
	InitTimeout      time.Duration // how long an init container may run
	StopTimeout      time.Duration // grace period before a stop kills
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		InitPollInterval: 500 * time.Millisecond,
		InitTimeout:      5 * time.Minute,
		StopTimeout:      10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.InitPollInterval <= 0 {
		c.InitPollInterval = d.InitPollInterval
	}
	if c.InitTimeout <= 0 {
		c.InitTimeout = d.InitTimeout
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = d.StopTimeout
	}
	return c
}

// =============================================================================
// Callbacks
// =============================================================================

// Progress is reported after every completed step. Init containers and
// long-running services are counted separately.
type Progress struct {
	Phase            domain.Phase
	Message          string
	Percent          int
	Service          string
	InitTotal        int
	InitCompleted    int
	ServiceTotal     int
	ServiceCompleted int
}

// Total returns the number of containers in the current phase.
func (p Progress) Total() int {
	if p.Phase == domain.PhaseInitContainers {
		return p.InitTotal
	}
	return p.ServiceTotal
}

// Completed returns how many containers of the current phase are done.
func (p Progress) Completed() int {
	if p.Phase == domain.PhaseInitContainers {
		return p.InitCompleted
	}
	return p.ServiceCompleted
}

// ProgressFunc receives progress updates. It may be nil.
type ProgressFunc func(Progress)

// LogFunc receives init container log lines. It may be nil.
type LogFunc func(containerName, line string)

// =============================================================================
// Result
// =============================================================================

// Result is the outcome of executing a plan.
type Result struct {
	Success   bool
	Cancelled bool

	// DeployedServices are the long-running containers started by the plan,
	// in start order. On failure they are whatever succeeded; nothing is
	// rolled back.
	DeployedServices []domain.DeployedService

	// Stopped and Removed name the services whose containers the plan
	// stopped or removed.
	Stopped []string
	Removed []string

	InitTotal        int
	InitCompleted    int
	ServiceTotal     int
	ServiceCompleted int

	Errors []error
}

// Err joins every recorded error, or returns nil on success.
func (r *Result) Err() error {
	return errors.Join(r.Errors...)
}

// Summary describes the outcome including how far execution got.
func (r *Result) Summary() string {
	var parts []string
	for _, err := range r.Errors {
		parts = append(parts, err.Error())
	}
	progress := fmt.Sprintf("%d of %d service(s) started", r.ServiceCompleted, r.ServiceTotal)
	if r.InitTotal > 0 {
		progress += fmt.Sprintf(", %d of %d init container(s) completed", r.InitCompleted, r.InitTotal)
	}
	if len(parts) == 0 {
		return progress
	}
	return strings.Join(parts, "; ") + " (" + progress + ")"
}

// Apply returns current with the plan's effects applied: removed services
// dropped and started services added or replaced by name.
func (r *Result) Apply(current []domain.DeployedService) []domain.DeployedService {
	removed := make(map[string]bool, len(r.Removed))
	for _, name := range r.Removed {
		removed[name] = true
	}
	started := make(map[string]bool, len(r.DeployedServices))
	for _, svc := range r.DeployedServices {
		started[svc.ServiceName] = true
	}

	out := make([]domain.DeployedService, 0, len(current)+len(r.DeployedServices))
	for _, svc := range current {
		if removed[svc.ServiceName] || started[svc.ServiceName] || svc.IsInitContainer {
			continue
		}
		out = append(out, svc)
	}
	return append(out, r.DeployedServices...)
}

func (r *Result) fail(err error) {
	r.Success = false
	r.Errors = append(r.Errors, err)
	if errors.Is(err, domain.ErrCancelled) {
		r.Cancelled = true
	}
}
