package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/artpar/stacker/internal/core/deployment"
	"github.com/artpar/stacker/internal/core/domain"
	"github.com/artpar/stacker/internal/shell/docker"
	"golang.org/x/sync/errgroup"
)

// =============================================================================
// Engine
// =============================================================================

// Engine runs plan steps strictly in order, one at a time.
type Engine struct {
	docker docker.Client
	config Config
	logger *slog.Logger
}

// New creates a new engine.
func New(client docker.Client, config Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		docker: client,
		config: config.withDefaults(),
		logger: logger.With("component", "engine"),
	}
}

// Ping checks that the container engine is reachable.
func (e *Engine) Ping(ctx context.Context) error {
	return e.docker.Ping(ctx)
}

// logDrainTimeout bounds how long trailing log lines are read after an
// init container exits.
const logDrainTimeout = 2 * time.Second

// run holds the state of one Execute call.
type run struct {
	plan       *deployment.Plan
	progress   ProgressFunc
	logLine    LogFunc
	result     *Result
	containers map[string]string // service -> created container ID
	networks   map[string]bool
	initDone   []initContainer
	cleaned    bool
	stepsDone  int
}

type initContainer struct {
	service string
	id      string
}

// Execute runs every step of the plan. Cancellation is honored between
// steps; a failed init container aborts the whole plan and a failed
// service step aborts the remaining steps without rolling back.
func (e *Engine) Execute(ctx context.Context, plan *deployment.Plan, progress ProgressFunc, logLine LogFunc) *Result {
	if err := deployment.ValidatePlan(plan); err != nil {
		return &Result{Errors: []error{err}}
	}

	initTotal, serviceTotal := plan.ServiceCounts()
	r := &run{
		plan:       plan,
		progress:   progress,
		logLine:    logLine,
		containers: make(map[string]string),
		networks:   make(map[string]bool),
		result: &Result{
			InitTotal:    initTotal,
			ServiceTotal: serviceTotal,
		},
	}

	log := e.logger.With("environment", plan.EnvironmentID, "stack", plan.StackName)
	log.Info("executing plan", "steps", len(plan.Steps), "init_containers", initTotal, "services", serviceTotal)

	for i, step := range plan.Steps {
		if err := ctx.Err(); err != nil {
			r.result.fail(fmt.Errorf("%w: stopped before %s %s", domain.ErrCancelled, step.Action, step.Service))
			break
		}

		if !step.IsInit() && !r.cleaned {
			e.cleanupInit(ctx, r)
		}

		if err := e.executeStep(ctx, r, step); err != nil {
			log.Warn("step failed", "step", i, "action", step.Action, "service", step.Service, "error", err)
			r.result.fail(domain.NewStepError(step.Service, string(step.Action), err))
			break
		}

		r.stepsDone++
		e.report(r, step)
	}

	if !r.cleaned {
		e.cleanupInit(ctx, r)
	}

	r.result.Success = len(r.result.Errors) == 0
	if r.result.Success {
		log.Info("plan executed", "services_started", r.result.ServiceCompleted, "init_completed", r.result.InitCompleted)
	} else {
		log.Warn("plan failed", "summary", r.result.Summary(), "cancelled", r.result.Cancelled)
	}
	return r.result
}

// =============================================================================
// Steps
// =============================================================================

func (e *Engine) executeStep(ctx context.Context, r *run, step deployment.Step) error {
	switch step.Action {
	case deployment.ActionPull:
		e.logger.Debug("pulling image", "service", step.Service, "image", step.Image)
		return e.docker.PullImage(ctx, step.Image)

	case deployment.ActionCreate:
		if err := e.ensureNetworks(ctx, r, step.Container.Networks); err != nil {
			return err
		}
		id, err := e.docker.CreateContainer(ctx, docker.SpecFromPlan(step.Service, step.Container))
		if err != nil {
			return err
		}
		r.containers[step.Service] = id
		e.logger.Debug("created container", "service", step.Service, "container_id", shortID(id))
		return nil

	case deployment.ActionStart:
		id := r.containerRef(step)
		if err := e.docker.StartContainer(ctx, id); err != nil {
			if step.IsInit() {
				e.removeQuietly(ctx, step.Service, id)
			}
			return err
		}
		if step.IsInit() {
			return e.awaitInit(ctx, r, step, id)
		}
		r.result.DeployedServices = append(r.result.DeployedServices, domain.DeployedService{
			ServiceName:   step.Service,
			ContainerID:   id,
			ContainerName: step.Container.Name,
			Image:         step.Image,
			RuntimeState:  string(docker.ContainerStatusRunning),
		})
		r.result.ServiceCompleted++
		return nil

	case deployment.ActionStop:
		err := e.docker.StopContainer(ctx, r.containerRef(step), e.config.StopTimeout)
		if err != nil && !docker.IsNotFound(err) {
			return err
		}
		r.result.Stopped = append(r.result.Stopped, step.Service)
		return nil

	case deployment.ActionRemove:
		err := e.docker.RemoveContainer(ctx, r.containerRef(step), true)
		if err != nil && !docker.IsNotFound(err) {
			return err
		}
		if err != nil {
			e.logger.Debug("container already gone", "service", step.Service)
		}
		r.result.Removed = append(r.result.Removed, step.Service)
		return nil

	default:
		return fmt.Errorf("%w: unknown step action %q", domain.ErrValidation, step.Action)
	}
}

// awaitInit waits for a started init container to exit. A non-zero exit or
// a timeout removes the container and fails the step.
func (e *Engine) awaitInit(ctx context.Context, r *run, step deployment.Step, id string) error {
	exitCode, err := e.waitForExit(ctx, id, step.Container.Name, r.logLine)
	if err == nil && exitCode == 0 {
		r.initDone = append(r.initDone, initContainer{service: step.Service, id: id})
		r.result.InitCompleted++
		e.logger.Info("init container completed", "service", step.Service)
		return nil
	}

	e.removeQuietly(ctx, step.Service, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s exited with code %d", domain.ErrInitContainerFailed, step.Service, exitCode)
}

// waitForExit polls the container until it exits, streaming its logs to
// logLine concurrently. The wait is bounded by the init timeout.
func (e *Engine) waitForExit(ctx context.Context, id, name string, logLine LogFunc) (int, error) {
	waitCtx, cancel := context.WithTimeout(ctx, e.config.InitTimeout)
	defer cancel()

	g, gctx := errgroup.WithContext(waitCtx)
	logCtx, stopLogs := context.WithCancel(gctx)
	defer stopLogs()

	if logLine != nil {
		g.Go(func() error {
			err := e.docker.StreamLogs(logCtx, id, func(line string) { logLine(name, line) })
			if err != nil && logCtx.Err() == nil {
				e.logger.Debug("log stream ended", "container", name, "error", err)
			}
			return nil
		})
	}

	exitCode := 0
	g.Go(func() error {
		ticker := time.NewTicker(e.config.InitPollInterval)
		defer ticker.Stop()
		for {
			state, err := e.docker.InspectContainer(gctx, id)
			if err != nil {
				return err
			}
			if state.Exited() {
				exitCode = state.ExitCode
				time.AfterFunc(logDrainTimeout, stopLogs)
				return nil
			}
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-ticker.C:
			}
		}
	})

	err := g.Wait()
	if err == nil {
		return exitCode, nil
	}
	if ctx.Err() != nil {
		return 0, fmt.Errorf("%w: waiting for init container %s", domain.ErrCancelled, name)
	}
	if waitCtx.Err() != nil {
		return 0, fmt.Errorf("%w: %s still running after %s", domain.ErrInitContainerTimeout, name, e.config.InitTimeout)
	}
	return 0, err
}

// cleanupInit removes init containers that exited successfully. Failures
// are logged and never fail the plan.
func (e *Engine) cleanupInit(ctx context.Context, r *run) {
	r.cleaned = true
	for _, c := range r.initDone {
		e.removeQuietly(ctx, c.service, c.id)
	}
	r.initDone = nil
}

func (e *Engine) removeQuietly(ctx context.Context, service, id string) {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := e.docker.RemoveContainer(cleanupCtx, id, true); err != nil && !docker.IsNotFound(err) {
		e.logger.Warn("failed to remove init container", "service", service, "container_id", shortID(id), "error", err)
	}
}

func (e *Engine) ensureNetworks(ctx context.Context, r *run, names []string) error {
	for _, name := range names {
		if r.networks[name] {
			continue
		}
		spec := docker.NetworkSpec{Name: name, Labels: r.plan.Networks[name].Labels}
		if err := e.docker.EnsureNetwork(ctx, spec); err != nil {
			return err
		}
		r.networks[name] = true
	}
	return nil
}

func (e *Engine) report(r *run, step deployment.Step) {
	if r.progress == nil {
		return
	}
	phase := domain.PhaseServices
	if step.IsInit() {
		phase = domain.PhaseInitContainers
	}
	percent := 100
	if n := len(r.plan.Steps); n > 0 {
		percent = r.stepsDone * 100 / n
	}
	r.progress(Progress{
		Phase:            phase,
		Message:          fmt.Sprintf("%s %s", step.Action, step.Service),
		Percent:          percent,
		Service:          step.Service,
		InitTotal:        r.result.InitTotal,
		InitCompleted:    r.result.InitCompleted,
		ServiceTotal:     r.result.ServiceTotal,
		ServiceCompleted: r.result.ServiceCompleted,
	})
}

// containerRef returns the container created earlier in this run, or the
// one the step references.
func (r *run) containerRef(step deployment.Step) string {
	if id, ok := r.containers[step.Service]; ok && step.Action != deployment.ActionStop && step.Action != deployment.ActionRemove {
		return id
	}
	if step.ContainerID != "" {
		return step.ContainerID
	}
	return step.Container.Name
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
