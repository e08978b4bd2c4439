package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/artpar/stacker/internal/shell/api"
	"github.com/artpar/stacker/internal/shell/workers"
	"github.com/spf13/cobra"
)

// =============================================================================
// Server
// =============================================================================

// Server runs the status API and the background workers.
type Server struct {
	config        *Config
	app           *app
	httpServer    *http.Server
	healthMonitor *workers.HealthMonitor
	reconciler    *workers.Reconciler
	logger        *slog.Logger
}

// NewServer creates a server over a wired app.
func NewServer(a *app) *Server {
	reconciler := a.newReconciler()
	handler := api.NewHandler(a.stacks, a.products, reconciler, a.engine, a.logger)

	return &Server{
		config: a.config,
		app:    a,
		httpServer: &http.Server{
			Addr:         a.config.Server.Address(),
			Handler:      handler.Routes(),
			ReadTimeout:  a.config.Server.ReadTimeout,
			WriteTimeout: a.config.Server.WriteTimeout,
		},
		healthMonitor: a.newHealthMonitor(),
		reconciler:    reconciler,
		logger:        a.logger,
	}
}

// Start starts the server and blocks until shutdown.
func (s *Server) Start(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	s.healthMonitor.Start()
	s.reconciler.Start()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server",
			"address", s.config.Server.Address())
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case sig := <-sigCh:
		s.logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		s.Shutdown(context.Background())
		return &ServerError{
			Op:       "Start",
			Err:      err,
			ExitCode: ExitHTTPServerError,
		}
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown(context.Background())
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("initiating graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.Server.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
	}

	s.healthMonitor.Stop()
	s.reconciler.Stop()

	s.logger.Info("shutdown complete")
	return nil
}

// =============================================================================
// Command
// =============================================================================

func newServeCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the status API, health monitor and reconciler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := root.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			a.logger.Info("starting stacker", "version", Version, "config", root.configPath)
			return NewServer(a).Start(cmd.Context())
		},
	}
}
