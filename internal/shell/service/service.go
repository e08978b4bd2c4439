// Package service owns the Deployment lifecycle: it builds plans, runs them
// on the engine and applies the outcome to the persisted aggregate.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/artpar/stacker/internal/core/deployment"
	"github.com/artpar/stacker/internal/core/domain"
	"github.com/artpar/stacker/internal/shell/catalog"
	"github.com/artpar/stacker/internal/shell/engine"
	"github.com/artpar/stacker/internal/shell/notify"
	"github.com/artpar/stacker/internal/shell/store"
	"github.com/go-playground/validator/v10"
)

// Executor runs plans against the container engine.
type Executor interface {
	Ping(ctx context.Context) error
	Execute(ctx context.Context, plan *deployment.Plan, progress engine.ProgressFunc, logLine engine.LogFunc) *engine.Result
	Remove(ctx context.Context, environmentID, stackName string, services []domain.DeployedService, progress engine.ProgressFunc) *engine.Result
	Stop(ctx context.Context, environmentID, stackName string, services []domain.DeployedService, progress engine.ProgressFunc) *engine.Result
	Start(ctx context.Context, environmentID, stackName string, services []domain.DeployedService, progress engine.ProgressFunc) *engine.Result
}

// Config carries the optional collaborators of a Service.
type Config struct {
	Notifier notify.Notifier
	Events   notify.EventSink
	Clock    domain.Clock
	Locks    *TargetLocks
}

// Service runs single-stack operations. It is the only writer of
// Deployment records apart from the health monitor.
type Service struct {
	store    store.Store
	catalog  catalog.Catalog
	engine   Executor
	notifier notify.Notifier
	events   notify.EventSink
	clock    domain.Clock
	locks    *TargetLocks
	logger   *slog.Logger
}

// New creates a Service.
func New(s store.Store, c catalog.Catalog, e Executor, config Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	config.Notifier = notify.GuardNotifier(logger, config.Notifier)
	config.Events = notify.GuardSink(logger, config.Events)
	if config.Locks == nil {
		config.Locks = NewTargetLocks()
	}
	return &Service{
		store:    s,
		catalog:  c,
		engine:   e,
		notifier: config.Notifier,
		events:   config.Events,
		clock:    domain.ClockOrSystem(config.Clock),
		locks:    config.Locks,
		logger:   logger.With("component", "deployment_service"),
	}
}

// =============================================================================
// Requests
// =============================================================================

// DeployRequest asks for a stack instance to be deployed.
type DeployRequest struct {
	EnvironmentID string `validate:"required"`
	StackID       string `validate:"required"`
	StackVersion  string // empty selects the latest
	StackName     string // instance name; defaults to StackID
	DeployedBy    string
	Variables     map[string]string
}

// UpgradeRequest asks for a deployment to be moved to another stack version.
type UpgradeRequest struct {
	DeploymentID string `validate:"required"`
	StackVersion string // empty selects the latest
	DeployedBy   string
	// Variables replaces the deployment's variables. Nil keeps them.
	Variables map[string]string
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validateRequest(req any) error {
	validateOnce.Do(func() { validate = validator.New() })
	if err := validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("%w: %s is required", domain.ErrValidation, verrs[0].Field())
		}
		return fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	return nil
}

// =============================================================================
// Queries
// =============================================================================

// Get returns a deployment by ID.
func (s *Service) Get(ctx context.Context, id string) (*domain.Deployment, error) {
	return s.store.GetDeployment(ctx, id)
}

// Find returns the active deployment of a stack instance.
func (s *Service) Find(ctx context.Context, environmentID, stackName string) (*domain.Deployment, error) {
	return s.store.GetActiveDeployment(ctx, environmentID, stackName)
}

// List returns the active deployments of an environment, or of all
// environments when environmentID is empty.
func (s *Service) List(ctx context.Context, environmentID string) ([]*domain.Deployment, error) {
	return s.store.ListActiveDeployments(ctx, environmentID)
}

// =============================================================================
// Deploy
// =============================================================================

// Deploy deploys a stack instance. An existing Failed record for the same
// instance is redeployed in place; any other active record rejects the
// request with ErrDeploymentActive.
//
// When the engine run fails, the returned deployment reflects the recorded
// failure and the error is an *OperationError.
func (s *Service) Deploy(ctx context.Context, req DeployRequest) (*domain.Deployment, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	if req.StackName == "" {
		req.StackName = req.StackID
	}

	release, err := s.locks.TryAcquire(StackKey(req.EnvironmentID, req.StackName))
	if err != nil {
		return nil, err
	}
	defer release()

	log := s.logger.With("environment", req.EnvironmentID, "stack", req.StackName)

	def, err := s.catalog.GetStack(ctx, req.StackID, req.StackVersion)
	if err != nil {
		return nil, err
	}

	existing, err := s.store.GetActiveDeployment(ctx, req.EnvironmentID, req.StackName)
	switch {
	case err == nil && existing.Status != domain.StatusFailed:
		return existing, fmt.Errorf("%w: %s is %s", domain.ErrDeploymentActive, req.StackName, existing.Status)
	case err != nil && !store.IsNotFound(err):
		return nil, err
	}

	params := domain.StartParams{
		EnvironmentID: req.EnvironmentID,
		StackID:       def.ID,
		StackName:     req.StackName,
		StackVersion:  def.Version,
		DeployedBy:    req.DeployedBy,
		Variables:     req.Variables,
		Settings:      def.Settings,
	}
	planParams := deployment.PlanParams{
		EnvironmentID: req.EnvironmentID,
		StackName:     req.StackName,
		Definition:    def,
		Variables:     req.Variables,
	}

	if existing != nil {
		return s.redeploy(ctx, existing, params, planParams)
	}

	plan, err := deployment.BuildPlan(planParams)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	d, events, err := domain.StartDeployment(params, now)
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateDeployment(ctx, d); err != nil {
		return nil, err
	}
	s.events.Publish(ctx, events)
	log.Info("deployment started", "deployment_id", d.ID, "version", d.StackVersion)

	result := s.engine.Execute(ctx, plan, s.progressFunc(ctx, d), s.logFunc(ctx, d))
	services := result.Apply(nil)

	now = s.clock.Now()
	if result.Success {
		events, err = d.MarkAsRunning(services, now)
	} else {
		events, err = d.MarkAsFailed(result.Summary(), services, now)
	}
	if err != nil {
		return d, err
	}
	return s.finish(ctx, "deploy", d, result, events)
}

// redeploy runs a fresh deploy over a Failed record, replacing whatever
// containers the failed attempt left behind.
func (s *Service) redeploy(ctx context.Context, d *domain.Deployment, params domain.StartParams, planParams deployment.PlanParams) (*domain.Deployment, error) {
	current := d.Services
	plan, err := deployment.BuildUpgradePlan(planParams, current)
	if err != nil {
		return nil, err
	}

	events, err := d.BeginRedeploy(params, s.clock.Now())
	if err != nil {
		return d, err
	}
	if err := s.store.UpdateDeployment(ctx, d); err != nil {
		return nil, err
	}
	s.events.Publish(ctx, events)
	s.logger.Info("redeploying failed deployment", "deployment_id", d.ID, "stack", d.StackName, "version", d.StackVersion)

	result := s.engine.Execute(ctx, plan, s.progressFunc(ctx, d), s.logFunc(ctx, d))
	services := result.Apply(current)

	now := s.clock.Now()
	if result.Success {
		events, err = d.MarkAsRunning(services, now)
	} else {
		events, err = d.RecordFailedAttempt(result.Summary(), services, now)
	}
	if err != nil {
		return d, err
	}
	return s.finish(ctx, "deploy", d, result, events)
}

// =============================================================================
// Upgrade
// =============================================================================

// Upgrade replaces a Running or Failed deployment's containers with those
// of another stack version. A Running deployment stays Running on success
// and becomes Failed on failure; a Failed one becomes Running on success
// and stays Failed otherwise.
func (s *Service) Upgrade(ctx context.Context, req UpgradeRequest) (*domain.Deployment, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	d, err := s.store.GetDeployment(ctx, req.DeploymentID)
	if err != nil {
		return nil, err
	}

	release, err := s.locks.TryAcquire(StackKey(d.EnvironmentID, d.StackName))
	if err != nil {
		return nil, err
	}
	defer release()

	if d.Status != domain.StatusRunning && d.Status != domain.StatusFailed {
		return d, fmt.Errorf("%w: deployment %s is %s; only running or failed deployments can be upgraded",
			domain.ErrValidation, d.StackName, d.Status)
	}

	def, err := s.catalog.GetStack(ctx, d.StackID, req.StackVersion)
	if err != nil {
		return nil, err
	}
	variables := req.Variables
	if variables == nil {
		variables = d.Variables
	}

	current := d.Services
	plan, err := deployment.BuildUpgradePlan(deployment.PlanParams{
		EnvironmentID: d.EnvironmentID,
		StackName:     d.StackName,
		Definition:    def,
		Variables:     variables,
	}, current)
	if err != nil {
		return nil, err
	}

	wasFailed := d.Status == domain.StatusFailed
	events, err := d.BeginUpgrade(domain.StartParams{
		StackID:      def.ID,
		StackVersion: def.Version,
		DeployedBy:   req.DeployedBy,
		Variables:    variables,
		Settings:     def.Settings,
	}, s.clock.Now())
	if err != nil {
		return d, err
	}
	if err := s.store.UpdateDeployment(ctx, d); err != nil {
		return nil, err
	}
	s.events.Publish(ctx, events)
	s.logger.Info("upgrading deployment", "deployment_id", d.ID, "stack", d.StackName, "version", d.StackVersion)

	result := s.engine.Execute(ctx, plan, s.progressFunc(ctx, d), s.logFunc(ctx, d))
	services := result.Apply(current)

	now := s.clock.Now()
	switch {
	case result.Success:
		events, err = d.ApplyUpgrade(services, now)
	case wasFailed:
		events, err = d.RecordFailedAttempt(result.Summary(), services, now)
	default:
		events, err = d.MarkAsFailed(result.Summary(), services, now)
	}
	if err != nil {
		return d, err
	}
	return s.finish(ctx, "upgrade", d, result, events)
}

// =============================================================================
// Remove / Stop / Start
// =============================================================================

// Remove stops and removes every container of a deployment. Removing an
// already Removed deployment succeeds without touching the engine.
func (s *Service) Remove(ctx context.Context, id string) (*domain.Deployment, error) {
	d, err := s.store.GetDeployment(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Status == domain.StatusRemoved {
		return d, nil
	}

	release, err := s.locks.TryAcquire(StackKey(d.EnvironmentID, d.StackName))
	if err != nil {
		return nil, err
	}
	defer release()

	var events []domain.Event
	if d.Status == domain.StatusPending {
		// No operation holds the lock, so the deploy that created this
		// record was interrupted.
		ev, err := d.MarkAsFailed("deployment was interrupted", nil, s.clock.Now())
		if err != nil {
			return d, err
		}
		events = append(events, ev...)
	}

	current := d.Services
	result := s.engine.Remove(ctx, d.EnvironmentID, d.StackName, current, s.progressFunc(ctx, d))

	now := s.clock.Now()
	var ev []domain.Event
	switch {
	case result.Success:
		ev, err = d.MarkAsRemoved(now)
	case d.Status == domain.StatusRunning:
		ev, err = d.MarkAsFailed(result.Summary(), result.Apply(current), now)
	case d.Status == domain.StatusFailed:
		ev, err = d.RecordFailedAttempt(result.Summary(), result.Apply(current), now)
	default:
		d.RecordPhase(domain.PhaseFailed, "removal failed: "+result.Summary(), now)
	}
	if err != nil {
		return d, err
	}
	return s.finish(ctx, "remove", d, result, append(events, ev...))
}

// Stop stops every long-running container of a Running deployment.
func (s *Service) Stop(ctx context.Context, id string) (*domain.Deployment, error) {
	d, release, err := s.acquire(ctx, id, domain.StatusStopped)
	if err != nil {
		return d, err
	}
	defer release()

	result := s.engine.Stop(ctx, d.EnvironmentID, d.StackName, d.Services, s.progressFunc(ctx, d))

	var events []domain.Event
	now := s.clock.Now()
	if result.Success {
		events, err = d.MarkAsStopped(now)
	} else {
		events, err = d.MarkAsFailed("stop failed: "+result.Summary(), nil, now)
	}
	if err != nil {
		return d, err
	}
	return s.finish(ctx, "stop", d, result, events)
}

// Start starts every long-running container of a Stopped deployment. A
// failed start leaves the deployment Stopped.
func (s *Service) Start(ctx context.Context, id string) (*domain.Deployment, error) {
	d, release, err := s.acquire(ctx, id, domain.StatusRunning)
	if err != nil {
		return d, err
	}
	defer release()
	if d.Status != domain.StatusStopped {
		return d, &domain.TransitionError{Entity: "deployment", ID: d.ID, From: string(d.Status), To: string(domain.StatusRunning)}
	}

	result := s.engine.Start(ctx, d.EnvironmentID, d.StackName, d.Services, s.progressFunc(ctx, d))

	var events []domain.Event
	now := s.clock.Now()
	if result.Success {
		events, err = d.MarkAsRunning(result.Apply(d.Services), now)
		if err != nil {
			return d, err
		}
	} else {
		d.RecordPhase(domain.PhaseFailed, "start failed: "+result.Summary(), now)
	}
	return s.finish(ctx, "start", d, result, events)
}

// acquire loads a deployment, locks its target and checks that it may move
// to the given status.
func (s *Service) acquire(ctx context.Context, id string, to domain.DeploymentStatus) (*domain.Deployment, func(), error) {
	d, err := s.store.GetDeployment(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if err := domain.ValidateTransition(d.Status, to); err != nil {
		return d, nil, err
	}
	release, err := s.locks.TryAcquire(StackKey(d.EnvironmentID, d.StackName))
	if err != nil {
		return d, nil, err
	}
	return d, release, nil
}

// =============================================================================
// Helpers
// =============================================================================

// finish persists the outcome of an engine run. The write is not cancelled
// with ctx so that a cancelled run is still recorded.
func (s *Service) finish(ctx context.Context, op string, d *domain.Deployment, result *engine.Result, events []domain.Event) (*domain.Deployment, error) {
	saveCtx := context.WithoutCancel(ctx)
	if err := s.store.UpdateDeployment(saveCtx, d); err != nil {
		s.logger.Error("failed to persist deployment outcome", "op", op, "deployment_id", d.ID, "error", err)
		return d, err
	}
	s.events.Publish(saveCtx, events)

	log := s.logger.With("op", op, "deployment_id", d.ID, "stack", d.StackName, "status", d.Status)
	if result.Success {
		log.Info("operation completed", "summary", result.Summary())
		return d, nil
	}
	log.Warn("operation failed", "summary", result.Summary())
	return d, &OperationError{
		Op:           op,
		DeploymentID: d.ID,
		StackName:    d.StackName,
		Message:      result.Summary(),
		Err:          result.Err(),
	}
}

// progressFunc forwards engine progress to the notifier and records a
// phase entry whenever execution moves to a new phase.
func (s *Service) progressFunc(ctx context.Context, d *domain.Deployment) engine.ProgressFunc {
	var last domain.Phase
	return func(p engine.Progress) {
		if p.Phase != last {
			last = p.Phase
			d.RecordPhase(p.Phase, p.Message, s.clock.Now())
		}
		s.notifier.DeploymentProgress(ctx, notify.Progress{
			DeploymentID: d.ID,
			StackName:    d.StackName,
			Phase:        p.Phase,
			Message:      p.Message,
			Percent:      p.Percent,
			Service:      p.Service,
			Completed:    p.Completed(),
			Total:        p.Total(),
		})
	}
}

func (s *Service) logFunc(ctx context.Context, d *domain.Deployment) engine.LogFunc {
	return func(container, line string) {
		s.notifier.ContainerLog(ctx, d.ID, container, line)
	}
}
