package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/artpar/stacker/internal/core/domain"
	"github.com/artpar/stacker/internal/shell/catalog"
	"github.com/artpar/stacker/internal/shell/docker"
	"github.com/artpar/stacker/internal/shell/engine"
	"github.com/artpar/stacker/internal/shell/notify"
	"github.com/artpar/stacker/internal/shell/product"
	"github.com/artpar/stacker/internal/shell/service"
	"github.com/artpar/stacker/internal/shell/store"
	"github.com/artpar/stacker/internal/shell/workers"
)

// =============================================================================
// Exit Codes
// =============================================================================

const (
	ExitSuccess         = 0
	ExitConfigError     = 1
	ExitDatabaseError   = 2
	ExitDockerError     = 3
	ExitHTTPServerError = 4
	ExitValidationError = 5
	ExitConflictError   = 6
	ExitNotFoundError   = 7
	ExitOperationFailed = 8
)

// errOperationFailed marks a command whose operation ran but ended Failed.
var errOperationFailed = errors.New("operation failed")

// exitCode maps an error returned by a command to the process exit code.
func exitCode(err error) int {
	var sErr *ServerError
	switch {
	case err == nil:
		return ExitSuccess
	case errors.As(err, &sErr):
		return sErr.ExitCode
	case errors.Is(err, domain.ErrStepFailure), errors.Is(err, errOperationFailed):
		return ExitOperationFailed
	case errors.Is(err, domain.ErrEngineUnreachable):
		return ExitDockerError
	case errors.Is(err, domain.ErrResourceConflict):
		return ExitConflictError
	case errors.Is(err, domain.ErrNotFound):
		return ExitNotFoundError
	case errors.Is(err, domain.ErrValidation):
		return ExitValidationError
	default:
		return ExitOperationFailed
	}
}

// =============================================================================
// Application Wiring
// =============================================================================

// connectDocker opens the container engine client.
var connectDocker = func(ctx context.Context, host string) (docker.Client, error) {
	c, err := docker.NewDockerClient(ctx, host)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// app holds the wired components shared by every command.
type app struct {
	config   *Config
	store    *store.SQLiteStore
	docker   docker.Client
	engine   *engine.Engine
	stacks   *service.Service
	products *product.Orchestrator
	locks    *service.TargetLocks
	events   *notify.LogSink
	logger   *slog.Logger
}

// newApp opens the store, catalog and container engine and wires the
// services on top of them.
func newApp(ctx context.Context, cfg *Config, logger *slog.Logger) (*app, error) {
	if err := ensureDataDir(cfg.Database.DSN); err != nil {
		return nil, &ServerError{Op: "newApp", Err: err, ExitCode: ExitDatabaseError}
	}

	s, err := store.NewSQLiteStore(cfg.Database.DSN)
	if err != nil {
		return nil, &ServerError{Op: "newApp", Err: err, ExitCode: ExitDatabaseError}
	}

	cat, err := catalog.NewFileCatalog(cfg.Catalog.Dir)
	if err != nil {
		s.Close()
		return nil, &ServerError{Op: "newApp", Err: err, ExitCode: ExitConfigError}
	}

	d, err := connectDocker(ctx, cfg.Docker.Host)
	if err != nil {
		s.Close()
		return nil, &ServerError{Op: "newApp", Err: err, ExitCode: ExitDockerError}
	}

	events := notify.NewLogSink(logger)
	locks := service.NewTargetLocks()

	eng := engine.New(d, engine.Config{
		InitPollInterval: cfg.Engine.InitPollInterval,
		InitTimeout:      cfg.Engine.InitTimeout,
		StopTimeout:      cfg.Engine.StopTimeout,
	}, logger)

	stacks := service.New(s, cat, eng, service.Config{
		Notifier: events,
		Events:   events,
		Locks:    locks,
	}, logger)

	pc := product.DefaultConfig()
	pc.StopOnError = !cfg.Product.ContinueOnError
	pc.Notifier = events
	pc.Events = events
	pc.Locks = locks

	return &app{
		config:   cfg,
		store:    s,
		docker:   d,
		engine:   eng,
		stacks:   stacks,
		products: product.New(s, cat, stacks, eng, pc, logger),
		locks:    locks,
		events:   events,
		logger:   logger,
	}, nil
}

// newReconciler builds the product reconciler over the app's store.
func (a *app) newReconciler() *workers.Reconciler {
	return workers.NewReconciler(a.store, a.store, workers.ReconcilerConfig{
		Interval:       a.config.Reconciler.Interval,
		InterruptAfter: a.config.Reconciler.InterruptAfter,
		Events:         a.events,
		Locks:          a.locks,
	}, a.logger)
}

// newHealthMonitor builds the container health monitor.
func (a *app) newHealthMonitor() *workers.HealthMonitor {
	return workers.NewHealthMonitor(a.store, a.docker, workers.HealthMonitorConfig{
		Interval:         a.config.Health.Interval,
		RestartThreshold: a.config.Health.RestartThreshold,
		Events:           a.events,
		Locks:            a.locks,
	}, a.logger)
}

// Close releases the container engine client and the database.
func (a *app) Close() {
	if err := a.docker.Close(); err != nil {
		a.logger.Error("Docker client close error", "error", err)
	}
	if err := a.store.Close(); err != nil {
		a.logger.Error("database close error", "error", err)
	}
}

func ensureDataDir(dsn string) error {
	if dsn == "" || strings.HasPrefix(dsn, ":memory:") || strings.HasPrefix(dsn, "file:") {
		return nil
	}
	dir := filepath.Dir(dsn)
	if dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

// =============================================================================
// Server Error
// =============================================================================

// ServerError represents an error while setting up or running the
// application, carrying the exit code it maps to.
type ServerError struct {
	Op       string
	Err      error
	ExitCode int
}

func (e *ServerError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *ServerError) Unwrap() error {
	return e.Err
}
