package workers

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/artpar/stacker/internal/core/domain"
	"github.com/artpar/stacker/internal/shell/notify"
	"github.com/artpar/stacker/internal/shell/service"
	"github.com/artpar/stacker/internal/shell/store"
)

// ReconcilerConfig configures the reconciler worker.
type ReconcilerConfig struct {
	// Interval is the time between reconcile passes.
	// Default: 60 seconds.
	Interval time.Duration

	// InterruptAfter is how long an in-flight product may go without an
	// update, with its target lock free, before the run is treated as
	// interrupted and the product is failed.
	// Default: 30 minutes.
	InterruptAfter time.Duration

	Events notify.EventSink
	Clock  domain.Clock
	Locks  *service.TargetLocks
}

// DefaultReconcilerConfig returns the default configuration.
func DefaultReconcilerConfig() ReconcilerConfig {
	return ReconcilerConfig{Interval: 60 * time.Second, InterruptAfter: 30 * time.Minute}
}

// ReconcileReport summarizes one reconcile pass.
type ReconcileReport struct {
	Checked int `json:"checked"`
	Skipped int `json:"skipped"`
	Updated int `json:"updated"`
}

// Reconciler aligns product deployments with the live status of the
// deployments they link. It never touches a product that an orchestration
// call currently owns.
type Reconciler struct {
	products    store.ProductRepository
	deployments store.DeploymentRepository
	events      notify.EventSink
	clock       domain.Clock
	locks       *service.TargetLocks
	config      ReconcilerConfig
	logger      *slog.Logger

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewReconciler creates a new reconciler worker.
func NewReconciler(products store.ProductRepository, deployments store.DeploymentRepository, config ReconcilerConfig, logger *slog.Logger) *Reconciler {
	defaults := DefaultReconcilerConfig()
	if config.Interval == 0 {
		config.Interval = defaults.Interval
	}
	if config.InterruptAfter == 0 {
		config.InterruptAfter = defaults.InterruptAfter
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reconciler{
		products:    products,
		deployments: deployments,
		events:      config.Events,
		clock:       domain.ClockOrSystem(config.Clock),
		locks:       config.Locks,
		config:      config,
		logger:      logger.With("component", "reconciler"),
	}
	r.events = notify.GuardSink(logger, r.events)
	if r.locks == nil {
		r.locks = service.NewTargetLocks()
	}
	return r
}

// Start begins the reconciler background goroutine.
func (r *Reconciler) Start() {
	r.ctx, r.cancel = context.WithCancel(context.Background())

	r.wg.Add(1)
	go r.run()

	r.logger.Info("reconciler started", "interval", r.config.Interval)
}

// Stop stops the reconciler and waits for an in-progress pass.
func (r *Reconciler) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.logger.Info("reconciler stopped")
}

func (r *Reconciler) run() {
	defer r.wg.Done()

	r.runCycle()

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.runCycle()
		}
	}
}

func (r *Reconciler) runCycle() {
	ctx, cancel := context.WithTimeout(r.ctx, r.config.Interval)
	defer cancel()
	if _, err := r.RunOnce(ctx); err != nil {
		r.logger.Error("reconcile pass failed", "error", err)
	}
}

// RunOnce runs one reconcile pass over every active product deployment.
func (r *Reconciler) RunOnce(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport

	products, err := r.products.ListActiveProductDeployments(ctx, "")
	if err != nil {
		return report, err
	}

	for _, pd := range products {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Checked++
		if pd.Status.IsInFlight() && !r.stale(pd) {
			report.Skipped++
			continue
		}
		updated, skipped := r.reconcile(ctx, pd.ID, pd.EnvironmentID, pd.ProductGroupID)
		if skipped {
			report.Skipped++
		}
		if updated {
			report.Updated++
		}
	}

	r.logger.Debug("reconcile pass completed",
		"checked", report.Checked,
		"skipped", report.Skipped,
		"updated", report.Updated,
	)
	return report, nil
}

// reconcile re-reads one product under its target lock and corrects drift.
func (r *Reconciler) reconcile(ctx context.Context, id, environmentID, groupID string) (updated, skipped bool) {
	logger := r.logger.With("product_deployment_id", id, "product", groupID)

	release, err := r.locks.TryAcquire(service.ProductKey(environmentID, groupID))
	if err != nil {
		logger.Debug("product busy, skipping")
		return false, true
	}
	defer release()

	pd, err := r.products.GetProductDeployment(ctx, id)
	if err != nil {
		logger.Error("failed to reload product deployment", "error", err)
		return false, true
	}
	if pd.Status.IsTerminal() || (pd.Status.IsInFlight() && !r.stale(pd)) {
		return false, true
	}

	now := r.clock.Now()
	var events []domain.Event
	if pd.Status.IsInFlight() {
		logger.Warn("closing interrupted product run", "status", pd.Status, "updated_at", pd.UpdatedAt)
		ev, err := pd.Interrupt("orchestration was interrupted", now)
		if err != nil {
			logger.Error("failed to close interrupted product run", "error", err)
			return false, true
		}
		events = append(events, ev...)
	}
	for _, s := range pd.StacksInOrder() {
		if s.DeploymentID == "" || (s.Status != domain.StackRunning && s.Status != domain.StackFailed) {
			continue
		}
		observed, message, ok := r.observe(ctx, s.DeploymentID)
		if !ok {
			continue
		}
		events = append(events, pd.ReconcileStack(s.StackName, observed, message, now)...)
	}
	events = append(events, pd.Reconcile(now)...)
	if len(events) == 0 {
		return false, false
	}

	if err := r.products.UpdateProductDeployment(ctx, pd); err != nil {
		// A concurrent writer won; the next pass sees its result.
		logger.Warn("failed to save reconciled product deployment", "error", err)
		return false, false
	}
	r.events.Publish(ctx, events)
	logger.Info("product deployment reconciled", "status", pd.Status, "events", len(events))
	return true, false
}

// stale reports whether an in-flight product has gone without an update for
// longer than InterruptAfter.
func (r *Reconciler) stale(pd *domain.ProductDeployment) bool {
	return r.clock.Now().Sub(pd.UpdatedAt) > r.config.InterruptAfter
}

// observe maps a linked deployment's live status to a stack status. ok is
// false when the deployment is mid-operation or could not be read.
func (r *Reconciler) observe(ctx context.Context, deploymentID string) (domain.StackStatus, string, bool) {
	d, err := r.deployments.GetDeployment(ctx, deploymentID)
	if err != nil {
		if store.IsNotFound(err) {
			return domain.StackFailed, "deployment record is missing", true
		}
		r.logger.Warn("failed to read linked deployment", "deployment_id", deploymentID, "error", err)
		return "", "", false
	}

	switch d.Status {
	case domain.StatusRunning:
		return domain.StackRunning, "", true
	case domain.StatusFailed:
		return domain.StackFailed, d.ErrorMessage, true
	case domain.StatusStopped:
		return domain.StackFailed, "deployment is stopped", true
	case domain.StatusRemoved:
		return domain.StackFailed, "deployment was removed", true
	default:
		return "", "", false
	}
}
