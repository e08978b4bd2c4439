// Package workers contains the background workers of the deployment engine.
package workers

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/artpar/stacker/internal/core/domain"
	"github.com/artpar/stacker/internal/core/monitoring"
	"github.com/artpar/stacker/internal/shell/docker"
	"github.com/artpar/stacker/internal/shell/notify"
	"github.com/artpar/stacker/internal/shell/service"
	"github.com/artpar/stacker/internal/shell/store"
	"golang.org/x/sync/errgroup"
)

// ContainerInspector is the part of the container engine client the health
// monitor needs.
type ContainerInspector interface {
	InspectContainer(ctx context.Context, containerID string) (*docker.ContainerState, error)
}

// HealthMonitorConfig configures the health monitor worker.
type HealthMonitorConfig struct {
	// Interval is the time between health check cycles.
	// Default: 30 seconds.
	Interval time.Duration

	// CheckTimeout bounds the inspection of a single deployment.
	// Default: 10 seconds.
	CheckTimeout time.Duration

	// MaxConcurrent is the maximum number of deployments checked at once.
	// Default: 5.
	MaxConcurrent int

	// RestartThreshold is the restart count above which a container is
	// considered crash-looping. A deployment's own threshold wins.
	// Default: 5.
	RestartThreshold int

	Events notify.EventSink
	Clock  domain.Clock
	Locks  *service.TargetLocks
}

// DefaultHealthMonitorConfig returns the default configuration.
func DefaultHealthMonitorConfig() HealthMonitorConfig {
	return HealthMonitorConfig{
		Interval:         30 * time.Second,
		CheckTimeout:     10 * time.Second,
		MaxConcurrent:    5,
		RestartThreshold: 5,
	}
}

// HealthMonitor periodically inspects the long-running containers of every
// Running deployment and marks a deployment Failed when one of them is
// gone, stopped, unhealthy or restarting too often. Init containers are
// never inspected.
type HealthMonitor struct {
	store  store.DeploymentRepository
	engine ContainerInspector
	events notify.EventSink
	clock  domain.Clock
	locks  *service.TargetLocks
	config HealthMonitorConfig
	logger *slog.Logger

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHealthMonitor creates a new health monitor worker.
func NewHealthMonitor(s store.DeploymentRepository, engine ContainerInspector, config HealthMonitorConfig, logger *slog.Logger) *HealthMonitor {
	defaults := DefaultHealthMonitorConfig()
	if config.Interval == 0 {
		config.Interval = defaults.Interval
	}
	if config.CheckTimeout == 0 {
		config.CheckTimeout = defaults.CheckTimeout
	}
	if config.MaxConcurrent == 0 {
		config.MaxConcurrent = defaults.MaxConcurrent
	}
	if config.RestartThreshold == 0 {
		config.RestartThreshold = defaults.RestartThreshold
	}

	if logger == nil {
		logger = slog.Default()
	}

	h := &HealthMonitor{
		store:  s,
		engine: engine,
		events: config.Events,
		clock:  domain.ClockOrSystem(config.Clock),
		locks:  config.Locks,
		config: config,
		logger: logger.With("component", "health_monitor"),
	}
	h.events = notify.GuardSink(logger, h.events)
	if h.locks == nil {
		h.locks = service.NewTargetLocks()
	}
	return h
}

// Start begins the health monitor background goroutine.
func (h *HealthMonitor) Start() {
	h.ctx, h.cancel = context.WithCancel(context.Background())

	h.wg.Add(1)
	go h.run()

	h.logger.Info("health monitor started",
		"interval", h.config.Interval,
		"max_concurrent", h.config.MaxConcurrent,
	)
}

// Stop stops the health monitor and waits for an in-progress cycle.
func (h *HealthMonitor) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
	h.wg.Wait()
	h.logger.Info("health monitor stopped")
}

func (h *HealthMonitor) run() {
	defer h.wg.Done()

	h.runCycle()

	ticker := time.NewTicker(h.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			h.runCycle()
		}
	}
}

func (h *HealthMonitor) runCycle() {
	ctx, cancel := context.WithTimeout(h.ctx, h.config.Interval)
	defer cancel()
	if _, err := h.RunOnce(ctx); err != nil {
		h.logger.Error("health check cycle failed", "error", err)
	}
}

// RunOnce checks every Running deployment once and returns how many were
// marked Failed.
func (h *HealthMonitor) RunOnce(ctx context.Context) (int, error) {
	deployments, err := h.store.ListActiveDeployments(ctx, "")
	if err != nil {
		return 0, err
	}

	var mu sync.Mutex
	failed := 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(h.config.MaxConcurrent)
	for _, d := range deployments {
		if d.Status != domain.StatusRunning {
			continue
		}
		g.Go(func() error {
			if h.checkDeployment(gctx, d) {
				mu.Lock()
				failed++
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	h.logger.Debug("completed health check cycle", "deployments", len(deployments), "failed", failed)
	return failed, nil
}

// checkDeployment inspects one deployment and reports whether it was
// marked Failed.
func (h *HealthMonitor) checkDeployment(ctx context.Context, d *domain.Deployment) bool {
	if !monitoring.ShouldMonitor(d.Settings) {
		return false
	}

	checkCtx, cancel := context.WithTimeout(ctx, h.config.CheckTimeout)
	defer cancel()

	logger := h.logger.With("deployment_id", d.ID, "stack", d.StackName)

	services := d.RegularServices()
	observations := make([]monitoring.ContainerObservation, 0, len(services))
	for _, svc := range services {
		o, err := h.observe(checkCtx, svc)
		if err != nil {
			logger.Warn("container inspection failed", "service", svc.ServiceName, "error", err)
			return false
		}
		observations = append(observations, o)
	}

	threshold := monitoring.RestartThreshold(d.Settings.Health, h.config.RestartThreshold)
	problems := monitoring.Evaluate(observations, threshold)
	if len(problems) == 0 {
		return false
	}
	return h.markFailed(ctx, d.ID, d.Version, monitoring.FailureMessage(problems), logger)
}

// observe inspects one container. Errors other than a missing container
// abort the check.
func (h *HealthMonitor) observe(ctx context.Context, svc domain.DeployedService) (monitoring.ContainerObservation, error) {
	o := monitoring.ContainerObservation{Service: svc.ServiceName}

	ref := svc.ContainerID
	if ref == "" {
		ref = svc.ContainerName
	}
	state, err := h.engine.InspectContainer(ctx, ref)
	if err != nil {
		if docker.IsNotFound(err) {
			o.Missing = true
			return o, nil
		}
		return o, err
	}

	o.Status = string(state.Status)
	o.ExitCode = state.ExitCode
	o.Health = state.Health
	o.RestartCount = state.RestartCount
	return o, nil
}

// markFailed re-reads the deployment under its target lock and marks it
// Failed if it is still Running at the observed version. A busy target or a
// record changed since inspection is left for the next cycle.
func (h *HealthMonitor) markFailed(ctx context.Context, id string, observed int, message string, logger *slog.Logger) bool {
	d, err := h.store.GetDeployment(ctx, id)
	if err != nil {
		logger.Error("failed to reload deployment", "error", err)
		return false
	}
	release, err := h.locks.TryAcquire(service.StackKey(d.EnvironmentID, d.StackName))
	if err != nil {
		logger.Debug("deployment busy, skipping", "error", err)
		return false
	}
	defer release()

	d, err = h.store.GetDeployment(ctx, id)
	if err != nil || d.Status != domain.StatusRunning {
		return false
	}
	if d.Version != observed {
		logger.Debug("deployment changed since inspection, skipping", "observed_version", observed, "version", d.Version)
		return false
	}
	events, err := d.MarkAsFailed(message, nil, h.clock.Now())
	if err != nil {
		logger.Error("failed to mark deployment failed", "error", err)
		return false
	}
	if err := h.store.UpdateDeployment(ctx, d); err != nil {
		logger.Error("failed to update deployment", "error", err)
		return false
	}
	h.events.Publish(ctx, events)
	logger.Warn("deployment marked failed", "reason", message)
	return true
}
