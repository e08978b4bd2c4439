// Package product orchestrates product deployments: a versioned set of
// stacks deployed, upgraded and removed as one unit. Stacks run strictly
// one at a time, in ascending Order for deploy and upgrade and descending
// Order for removal.
package product

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/artpar/stacker/internal/core/domain"
	"github.com/artpar/stacker/internal/shell/catalog"
	"github.com/artpar/stacker/internal/shell/notify"
	"github.com/artpar/stacker/internal/shell/service"
	"github.com/artpar/stacker/internal/shell/store"
	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Collaborators
// =============================================================================

// Stacks is the single-stack deployment service the orchestrator drives.
type Stacks interface {
	Get(ctx context.Context, id string) (*domain.Deployment, error)
	Find(ctx context.Context, environmentID, stackName string) (*domain.Deployment, error)
	Deploy(ctx context.Context, req service.DeployRequest) (*domain.Deployment, error)
	Upgrade(ctx context.Context, req service.UpgradeRequest) (*domain.Deployment, error)
	Remove(ctx context.Context, id string) (*domain.Deployment, error)
}

// Pinger checks that the container engine is reachable before any stack
// is attempted.
type Pinger interface {
	Ping(ctx context.Context) error
}

// =============================================================================
// Configuration
// =============================================================================

// Config configures an Orchestrator.
type Config struct {
	// StopOnError stops a run at the first failed stack. By default the
	// remaining stacks are still attempted.
	StopOnError bool

	Notifier notify.Notifier
	Events   notify.EventSink
	Clock    domain.Clock
	Locks    *service.TargetLocks
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{}
}

// =============================================================================
// Orchestrator
// =============================================================================

// Orchestrator owns ProductDeployment records. Each stack is handed to the
// deployment service; a stack failure is captured on that stack and never
// aborts the orchestration call.
type Orchestrator struct {
	store    store.ProductRepository
	catalog  catalog.Catalog
	stacks   Stacks
	engine   Pinger
	notifier notify.Notifier
	events   notify.EventSink
	clock    domain.Clock
	locks    *service.TargetLocks
	config   Config
	logger   *slog.Logger
}

// New creates a new orchestrator.
func New(s store.ProductRepository, c catalog.Catalog, stacks Stacks, engine Pinger, config Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		store:    s,
		catalog:  c,
		stacks:   stacks,
		engine:   engine,
		notifier: notify.GuardNotifier(logger, config.Notifier),
		events:   notify.GuardSink(logger, config.Events),
		clock:    domain.ClockOrSystem(config.Clock),
		locks:    config.Locks,
		config:   config,
		logger:   logger.With("component", "product_orchestrator"),
	}
	if config.Events == nil {
		o.events = notify.NewLogSink(logger)
	}
	if o.locks == nil {
		o.locks = service.NewTargetLocks()
	}
	return o
}

// DeployRequest deploys a product version into an environment. Variables
// override the version's shared variables.
type DeployRequest struct {
	EnvironmentID  string `validate:"required"`
	ProductGroupID string `validate:"required"`
	Version        string
	DeployedBy     string
	Variables      map[string]string
}

// UpgradeRequest moves a product deployment to another version. An empty
// Version selects the latest.
type UpgradeRequest struct {
	ProductDeploymentID string `validate:"required"`
	Version             string
	DeployedBy          string
	Variables           map[string]string
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

// Get returns a product deployment by ID.
func (o *Orchestrator) Get(ctx context.Context, id string) (*domain.ProductDeployment, error) {
	return o.store.GetProductDeployment(ctx, id)
}

// Find returns the active product deployment of a group in an environment.
func (o *Orchestrator) Find(ctx context.Context, environmentID, productGroupID string) (*domain.ProductDeployment, error) {
	return o.store.GetActiveProductDeployment(ctx, environmentID, productGroupID)
}

// List returns active product deployments, optionally for one group.
func (o *Orchestrator) List(ctx context.Context, productGroupID string) ([]*domain.ProductDeployment, error) {
	return o.store.ListActiveProductDeployments(ctx, productGroupID)
}

// =============================================================================
// Deploy
// =============================================================================

// Deploy creates a product deployment and deploys its stacks in order. A
// run in which some or all stacks failed is returned without error; the
// outcome is the product status. Errors are returned for rejected
// requests, an unreachable engine and persistence failures.
func (o *Orchestrator) Deploy(ctx context.Context, req DeployRequest) (*domain.ProductDeployment, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	release, err := o.locks.TryAcquire(service.ProductKey(req.EnvironmentID, req.ProductGroupID))
	if err != nil {
		return nil, err
	}
	defer release()

	def, err := o.catalog.GetProduct(ctx, req.ProductGroupID, req.Version)
	if err != nil {
		return nil, err
	}

	existing, err := o.store.GetActiveProductDeployment(ctx, req.EnvironmentID, req.ProductGroupID)
	if err == nil && existing.Status.IsInFlight() {
		existing, err = o.claim(ctx, existing.ID, interruptedMessage)
	}
	switch {
	case err == nil:
		return existing, fmt.Errorf("%w: product %s is %s in %s; upgrade or remove it",
			domain.ErrDeploymentActive, req.ProductGroupID, existing.Status, req.EnvironmentID)
	case !store.IsNotFound(err):
		return nil, err
	}

	pd, events, err := domain.StartProductDeployment(domain.ProductStartParams{
		EnvironmentID:   req.EnvironmentID,
		ProductGroupID:  def.GroupID,
		ProductID:       def.ProductID,
		ProductVersion:  def.Version,
		DeployedBy:      req.DeployedBy,
		SharedVariables: domain.MergeVariables(def.SharedVariables, req.Variables),
		Stacks:          def.Stacks,
	}, o.clock.Now())
	if err != nil {
		return nil, err
	}
	if err := o.store.CreateProductDeployment(ctx, pd); err != nil {
		return nil, err
	}
	o.events.Publish(ctx, events)
	o.logger.Info("product deployment started",
		"product_deployment_id", pd.ID,
		"environment", pd.EnvironmentID,
		"product", pd.ProductGroupID,
		"version", pd.ProductVersion,
		"stacks", len(pd.Stacks),
	)

	return o.orchestrate(ctx, "deploy", pd)
}

// =============================================================================
// Upgrade / Rollback
// =============================================================================

// Upgrade moves a product deployment to another version. Matched stacks are
// upgraded in place, new stacks are deployed and stacks missing from the
// target are flagged obsolete and left running.
func (o *Orchestrator) Upgrade(ctx context.Context, req UpgradeRequest) (*domain.ProductDeployment, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	pd, err := o.store.GetProductDeployment(ctx, req.ProductDeploymentID)
	if err != nil {
		return nil, err
	}
	release, err := o.locks.TryAcquire(service.ProductKey(pd.EnvironmentID, pd.ProductGroupID))
	if err != nil {
		return nil, err
	}
	defer release()

	pd, err = o.claim(ctx, pd.ID, interruptedMessage)
	if err != nil {
		return nil, err
	}
	def, err := o.catalog.GetProduct(ctx, pd.ProductGroupID, req.Version)
	if err != nil {
		return nil, err
	}
	return o.upgradeTo(ctx, "upgrade", pd, def, req.DeployedBy, req.Variables)
}

// Rollback upgrades a product deployment back to its previous version.
func (o *Orchestrator) Rollback(ctx context.Context, id, deployedBy string) (*domain.ProductDeployment, error) {
	pd, err := o.store.GetProductDeployment(ctx, id)
	if err != nil {
		return nil, err
	}
	if pd.PreviousVersion == "" {
		return pd, fmt.Errorf("%w: product deployment %s has no previous version", domain.ErrValidation, id)
	}
	release, err := o.locks.TryAcquire(service.ProductKey(pd.EnvironmentID, pd.ProductGroupID))
	if err != nil {
		return nil, err
	}
	defer release()

	pd, err = o.claim(ctx, pd.ID, interruptedMessage)
	if err != nil {
		return nil, err
	}
	def, err := o.catalog.GetProduct(ctx, pd.ProductGroupID, pd.PreviousVersion)
	if err != nil {
		return nil, err
	}
	return o.upgradeTo(ctx, "rollback", pd, def, deployedBy, nil)
}

func (o *Orchestrator) upgradeTo(ctx context.Context, op string, pd *domain.ProductDeployment, def *domain.ProductDefinition, deployedBy string, variables map[string]string) (*domain.ProductDeployment, error) {
	events, err := pd.BeginUpgrade(domain.UpgradeParams{
		ProductID:       def.ProductID,
		ProductVersion:  def.Version,
		DeployedBy:      deployedBy,
		SharedVariables: domain.MergeVariables(def.SharedVariables, variables),
		Stacks:          def.Stacks,
	}, o.clock.Now())
	if err != nil {
		return pd, err
	}
	if err := o.store.UpdateProductDeployment(ctx, pd); err != nil {
		return nil, err
	}
	o.events.Publish(ctx, events)
	o.logger.Info("product upgrade started",
		"op", op,
		"product_deployment_id", pd.ID,
		"from", pd.PreviousVersion,
		"to", pd.ProductVersion,
	)

	return o.orchestrate(ctx, op, pd)
}

// =============================================================================
// Remove
// =============================================================================

// Remove removes every stack in descending Order. It stops at the first
// stack whose removal fails and leaves the product Failed so the removal
// can be retried. Removing a Removed product is a no-op.
func (o *Orchestrator) Remove(ctx context.Context, id string) (*domain.ProductDeployment, error) {
	pd, err := o.store.GetProductDeployment(ctx, id)
	if err != nil {
		return nil, err
	}
	if pd.Status == domain.ProductRemoved {
		return pd, nil
	}
	release, err := o.locks.TryAcquire(service.ProductKey(pd.EnvironmentID, pd.ProductGroupID))
	if err != nil {
		return nil, err
	}
	defer release()

	pd, err = o.claim(ctx, pd.ID, interruptedMessage)
	if err != nil {
		return nil, err
	}
	events, err := pd.BeginRemoval(o.clock.Now())
	if err != nil {
		return pd, err
	}
	if err := o.store.UpdateProductDeployment(ctx, pd); err != nil {
		return nil, err
	}
	o.events.Publish(ctx, events)

	log := o.logger.With("product_deployment_id", pd.ID, "product", pd.ProductGroupID)
	log.Info("product removal started", "stacks", len(pd.Stacks))

	total := len(pd.Stacks)
	removed := 0
	for _, s := range pd.StacksInRemovalOrder() {
		if s.Status == domain.StackRemoved {
			removed++
			continue
		}
		if err := o.removeStack(ctx, pd, s); err != nil {
			msg := fmt.Sprintf("removal stopped at stack %s: %v", s.StackName, err)
			log.Warn("stack removal failed", "stack", s.StackName, "error", err)
			now := o.clock.Now()
			_ = pd.RecordStackError(s.StackName, err.Error(), now)
			ev, ferr := pd.FailOrchestration(msg, now)
			if ferr != nil {
				return pd, ferr
			}
			if perr := o.save(ctx, pd, ev); perr != nil {
				o.abandon(ctx, pd, perr)
				return pd, perr
			}
			return pd, &OperationError{Op: "remove", ProductDeploymentID: pd.ID, ProductGroupID: pd.ProductGroupID, Message: msg, Err: err}
		}
		removed++
		o.progress(ctx, pd, s, fmt.Sprintf("stack %s removed", s.StackName), removed, total)
	}

	ev, err := pd.CompleteRemoval(o.clock.Now())
	if err == nil {
		err = o.save(ctx, pd, ev)
	}
	if err != nil {
		o.abandon(ctx, pd, err)
		return pd, err
	}
	log.Info("product removed", "stacks", total)
	return pd, nil
}

func (o *Orchestrator) removeStack(ctx context.Context, pd *domain.ProductDeployment, s *domain.ProductStackDeployment) error {
	deploymentID := s.DeploymentID
	if deploymentID == "" && s.Status != domain.StackPending {
		// An interrupted run may have deployed the instance without linking it.
		d, err := o.stacks.Find(ctx, pd.EnvironmentID, domain.InstanceName(pd.ProductGroupID, s.StackName))
		switch {
		case err == nil:
			deploymentID = d.ID
		case !store.IsNotFound(err):
			return err
		}
	}
	if deploymentID != "" {
		if _, err := o.stacks.Remove(ctx, deploymentID); err != nil && !store.IsNotFound(err) {
			return err
		}
	}

	now := o.clock.Now()
	var events []domain.Event
	if s.Status == domain.StackDeploying {
		// Left behind by an interrupted run.
		ev, err := pd.FailStack(s.StackName, "", "deployment was interrupted", now)
		if err != nil {
			return err
		}
		events = append(events, ev...)
	}
	ev, err := pd.MarkStackRemoved(s.StackName, now)
	if err != nil {
		return err
	}
	return o.save(ctx, pd, append(events, ev...))
}

// =============================================================================
// Orchestration loop
// =============================================================================

// orchestrate checks the engine, runs every Pending current stack in order
// and closes the run with the aggregate outcome.
func (o *Orchestrator) orchestrate(ctx context.Context, op string, pd *domain.ProductDeployment) (*domain.ProductDeployment, error) {
	log := o.logger.With("op", op, "product_deployment_id", pd.ID, "product", pd.ProductGroupID)

	if err := o.engine.Ping(ctx); err != nil {
		msg := fmt.Sprintf("container engine unreachable before any stack started: %v", err)
		log.Warn("product precondition failed", "error", err)
		ev, ferr := pd.FailOrchestration(msg, o.clock.Now())
		if ferr != nil {
			return pd, ferr
		}
		if perr := o.save(ctx, pd, ev); perr != nil {
			o.abandon(ctx, pd, perr)
			return pd, perr
		}
		return pd, &OperationError{Op: op, ProductDeploymentID: pd.ID, ProductGroupID: pd.ProductGroupID, Message: msg, Err: err}
	}

	current := pd.StacksInOrder()
	total := 0
	for _, s := range current {
		if !s.Obsolete {
			total++
		}
	}

	done := 0
	for _, s := range current {
		if s.Obsolete || s.Status != domain.StackPending {
			continue
		}
		if ctx.Err() != nil {
			log.Warn("product run cancelled", "next_stack", s.StackName)
			break
		}

		ok, err := o.runStack(ctx, pd, s)
		if err != nil {
			o.abandon(ctx, pd, err)
			return pd, err
		}
		done++
		o.progress(ctx, pd, s, fmt.Sprintf("stack %s %s", s.StackName, s.Status), done, total)
		if !ok && o.config.StopOnError {
			log.Warn("stopping after failed stack", "stack", s.StackName)
			break
		}
	}

	ev, err := pd.CompleteOrchestration(o.clock.Now())
	if err == nil {
		err = o.save(ctx, pd, ev)
	}
	if err != nil {
		o.abandon(ctx, pd, err)
		return pd, err
	}
	log.Info("product run finished",
		"status", pd.Status,
		"running", pd.CompletedStacks(),
		"failed", pd.FailedStacks(),
	)
	return pd, nil
}

// runStack deploys or upgrades one stack and records the outcome on it.
// The returned error is set only when the outcome could not be recorded.
func (o *Orchestrator) runStack(ctx context.Context, pd *domain.ProductDeployment, s *domain.ProductStackDeployment) (bool, error) {
	ev, err := pd.StartStack(s.StackName, o.clock.Now())
	if err != nil {
		return false, err
	}
	if err := o.save(ctx, pd, ev); err != nil {
		return false, err
	}
	o.progress(ctx, pd, s, fmt.Sprintf("deploying stack %s", s.StackName), pd.CompletedStacks(), 0)

	d, runErr := o.deployStack(ctx, pd, s)

	now := o.clock.Now()
	deploymentID := ""
	if d != nil {
		deploymentID = d.ID
	}
	if runErr == nil {
		ev, err = pd.CompleteStack(s.StackName, deploymentID, d.ServiceCount(), now)
	} else {
		o.logger.Warn("stack failed", "product_deployment_id", pd.ID, "stack", s.StackName, "error", runErr)
		ev, err = pd.FailStack(s.StackName, deploymentID, runErr.Error(), now)
	}
	if err != nil {
		return false, err
	}
	if err := o.save(ctx, pd, ev); err != nil {
		return false, err
	}
	return runErr == nil, nil
}

// deployStack runs the single-stack operation for s: an upgrade when s
// already links a live deployment, otherwise a fresh deploy.
func (o *Orchestrator) deployStack(ctx context.Context, pd *domain.ProductDeployment, s *domain.ProductStackDeployment) (*domain.Deployment, error) {
	variables := domain.MergeVariables(pd.SharedVariables, s.Variables)

	if s.DeploymentID != "" {
		d, err := o.stacks.Get(ctx, s.DeploymentID)
		switch {
		case err == nil && d.IsActive():
			return o.upgradeStack(ctx, pd, s, d, variables)
		case err != nil && !store.IsNotFound(err):
			return nil, err
		}
	}

	d, err := o.stacks.Deploy(ctx, service.DeployRequest{
		EnvironmentID: pd.EnvironmentID,
		StackID:       s.StackID,
		StackVersion:  s.StackVersion,
		StackName:     domain.InstanceName(pd.ProductGroupID, s.StackName),
		DeployedBy:    pd.DeployedBy,
		Variables:     variables,
	})
	if errors.Is(err, domain.ErrDeploymentActive) && d != nil {
		// The instance exists outside this record; adopt it.
		return o.upgradeStack(ctx, pd, s, d, variables)
	}
	return d, err
}

func (o *Orchestrator) upgradeStack(ctx context.Context, pd *domain.ProductDeployment, s *domain.ProductStackDeployment, d *domain.Deployment, variables map[string]string) (*domain.Deployment, error) {
	up, err := o.stacks.Upgrade(ctx, service.UpgradeRequest{
		DeploymentID: d.ID,
		StackVersion: s.StackVersion,
		DeployedBy:   pd.DeployedBy,
		Variables:    variables,
	})
	if up == nil {
		up = d
	}
	return up, err
}

// =============================================================================
// Helpers
// =============================================================================

const interruptedMessage = "orchestration was interrupted"

// claim re-reads a product deployment under its target lock. Holding the
// lock means no orchestration call owns the record, so an in-flight status
// was left by an interrupted run and is closed as Failed.
func (o *Orchestrator) claim(ctx context.Context, id, message string) (*domain.ProductDeployment, error) {
	pd, err := o.store.GetProductDeployment(ctx, id)
	if err != nil {
		return nil, err
	}
	if !pd.Status.IsInFlight() {
		return pd, nil
	}
	o.logger.Warn("closing interrupted product run", "product_deployment_id", pd.ID, "status", pd.Status)
	ev, err := pd.Interrupt(message, o.clock.Now())
	if err != nil {
		return pd, err
	}
	if err := o.save(ctx, pd, ev); err != nil {
		return nil, err
	}
	return pd, nil
}

// abandon closes a run that could not record its outcome, working from a
// fresh read of the record. It is best effort.
func (o *Orchestrator) abandon(ctx context.Context, pd *domain.ProductDeployment, cause error) {
	if _, err := o.claim(context.WithoutCancel(ctx), pd.ID, "orchestration aborted: "+cause.Error()); err != nil {
		o.logger.Error("failed to close aborted product run",
			"product_deployment_id", pd.ID,
			"cause", cause,
			"error", err,
		)
	}
}

// save persists pd and publishes events. Progress is recorded even after
// ctx is cancelled.
func (o *Orchestrator) save(ctx context.Context, pd *domain.ProductDeployment, events []domain.Event) error {
	saveCtx := context.WithoutCancel(ctx)
	if err := o.store.UpdateProductDeployment(saveCtx, pd); err != nil {
		o.logger.Error("failed to persist product deployment", "product_deployment_id", pd.ID, "error", err)
		return err
	}
	o.events.Publish(saveCtx, events)
	return nil
}

func (o *Orchestrator) progress(ctx context.Context, pd *domain.ProductDeployment, s *domain.ProductStackDeployment, msg string, completed, total int) {
	if total == 0 {
		for _, st := range pd.Stacks {
			if !st.Obsolete {
				total++
			}
		}
	}
	o.notifier.ProductProgress(ctx, notify.ProductProgress{
		ProductDeploymentID: pd.ID,
		ProductGroupID:      pd.ProductGroupID,
		StackName:           s.StackName,
		Status:              s.Status,
		Message:             msg,
		Completed:           completed,
		Total:               total,
	})
}
