// Package api serves read-only operator status endpoints for deployments
// and product deployments, plus an on-demand reconcile trigger.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"

	"github.com/artpar/stacker/internal/core/domain"
	"github.com/artpar/stacker/internal/shell/workers"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// =============================================================================
// Collaborators
// =============================================================================

// Deployments reads deployment records.
type Deployments interface {
	Get(ctx context.Context, id string) (*domain.Deployment, error)
	List(ctx context.Context, environmentID string) ([]*domain.Deployment, error)
}

// Products reads product deployment records.
type Products interface {
	Get(ctx context.Context, id string) (*domain.ProductDeployment, error)
	List(ctx context.Context, productGroupID string) ([]*domain.ProductDeployment, error)
}

// Reconciler runs a reconcile pass on demand.
type Reconciler interface {
	RunOnce(ctx context.Context) (workers.ReconcileReport, error)
}

// Pinger checks that the container engine is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// =============================================================================
// Handler
// =============================================================================

// Handler provides HTTP handlers for the API.
type Handler struct {
	deployments Deployments
	products    Products
	reconciler  Reconciler
	engine      Pinger
	logger      *slog.Logger
}

// NewHandler creates a new API handler. reconciler and engine may be nil.
func NewHandler(d Deployments, p Products, r Reconciler, e Pinger, l *slog.Logger) *Handler {
	if l == nil {
		l = slog.Default()
	}
	return &Handler{
		deployments: d,
		products:    p,
		reconciler:  r,
		engine:      e,
		logger:      l.With("component", "api"),
	}
}

// Routes returns the router with all routes configured.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(h.jsonContentType)
	r.Use(h.requestIDHeader)

	r.Get("/healthz", h.handleHealth)
	r.Get("/readyz", h.handleReady)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/deployments", h.handleListDeployments)
		r.Get("/deployments/{id}", h.handleGetDeployment)
		r.Get("/product-deployments", h.handleListProductDeployments)
		r.Get("/product-deployments/{id}", h.handleGetProductDeployment)
		r.Post("/reconcile", h.handleReconcile)
	})

	return r
}

// =============================================================================
// Middleware
// =============================================================================

// jsonContentType sets Content-Type header to application/json.
func (h *Handler) jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// requestIDHeader copies the request ID to the response header.
func (h *Handler) requestIDHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if reqID := middleware.GetReqID(r.Context()); reqID != "" {
			w.Header().Set("X-Request-ID", reqID)
		}
		next.ServeHTTP(w, r)
	})
}

// =============================================================================
// Health Handlers
// =============================================================================

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy"})
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{"database": "ok"}

	if h.engine != nil {
		if err := h.engine.Ping(r.Context()); err != nil {
			h.logger.Warn("readiness check failed", "error", err)
			checks["docker"] = "failed"
			h.writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{Status: "not_ready", Checks: checks})
			return
		}
		checks["docker"] = "ok"
	}

	h.writeJSON(w, http.StatusOK, ReadyResponse{Status: "ready", Checks: checks})
}

// =============================================================================
// Deployment Handlers
// =============================================================================

func (h *Handler) handleGetDeployment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	d, err := h.deployments.Get(r.Context(), id)
	if err != nil {
		if isNotFound(err) {
			h.writeError(w, http.StatusNotFound, "deployment not found", "deployment_not_found")
			return
		}
		h.logger.Error("failed to get deployment", "deployment_id", id, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to get deployment", "internal_error")
		return
	}

	h.writeJSON(w, http.StatusOK, deploymentToResponse(d))
}

func (h *Handler) handleListDeployments(w http.ResponseWriter, r *http.Request) {
	list, err := h.deployments.List(r.Context(), r.URL.Query().Get("environment"))
	if err != nil {
		h.logger.Error("failed to list deployments", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to list deployments", "internal_error")
		return
	}

	resp := ListDeploymentsResponse{Deployments: make([]DeploymentResponse, 0, len(list)), Total: len(list)}
	for _, d := range list {
		resp.Deployments = append(resp.Deployments, deploymentToResponse(d))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// Product Deployment Handlers
// =============================================================================

func (h *Handler) handleGetProductDeployment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	pd, err := h.products.Get(r.Context(), id)
	if err != nil {
		if isNotFound(err) {
			h.writeError(w, http.StatusNotFound, "product deployment not found", "product_deployment_not_found")
			return
		}
		h.logger.Error("failed to get product deployment", "product_deployment_id", id, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to get product deployment", "internal_error")
		return
	}

	h.writeJSON(w, http.StatusOK, productToResponse(pd))
}

func (h *Handler) handleListProductDeployments(w http.ResponseWriter, r *http.Request) {
	list, err := h.products.List(r.Context(), r.URL.Query().Get("group"))
	if err != nil {
		h.logger.Error("failed to list product deployments", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to list product deployments", "internal_error")
		return
	}

	resp := ListProductDeploymentsResponse{ProductDeployments: make([]ProductDeploymentResponse, 0, len(list)), Total: len(list)}
	for _, pd := range list {
		resp.ProductDeployments = append(resp.ProductDeployments, productToResponse(pd))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// Reconcile Handler
// =============================================================================

func (h *Handler) handleReconcile(w http.ResponseWriter, r *http.Request) {
	if h.reconciler == nil {
		h.writeError(w, http.StatusServiceUnavailable, "reconciler is not running", "reconciler_unavailable")
		return
	}

	report, err := h.reconciler.RunOnce(r.Context())
	if err != nil {
		h.logger.Error("reconcile pass failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "reconcile pass failed", "internal_error")
		return
	}

	h.writeJSON(w, http.StatusOK, ReconcileResponse{
		Checked: report.Checked,
		Skipped: report.Skipped,
		Updated: report.Updated,
	})
}

// =============================================================================
// Helpers
// =============================================================================

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode JSON", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message, code string) {
	h.writeJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}

func deploymentToResponse(d *domain.Deployment) DeploymentResponse {
	resp := DeploymentResponse{
		ID:            d.ID,
		EnvironmentID: d.EnvironmentID,
		StackID:       d.StackID,
		StackName:     d.StackName,
		StackVersion:  d.StackVersion,
		DeployedBy:    d.DeployedBy,
		Status:        string(d.Status),
		Services:      make([]ServiceResponse, 0, len(d.Services)),
		Phases:        phasesToResponse(d.Phases),
		Variables:     make([]string, 0, len(d.Variables)),
		ErrorMessage:  d.ErrorMessage,
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
		CompletedAt:   d.CompletedAt,
		Version:       d.Version,
	}
	for _, s := range d.Services {
		resp.Services = append(resp.Services, ServiceResponse{
			ServiceName:   s.ServiceName,
			ContainerID:   s.ContainerID,
			ContainerName: s.ContainerName,
			Image:         s.Image,
			State:         s.RuntimeState,
		})
	}
	for name := range d.Variables {
		resp.Variables = append(resp.Variables, name)
	}
	sort.Strings(resp.Variables)
	return resp
}

func productToResponse(pd *domain.ProductDeployment) ProductDeploymentResponse {
	resp := ProductDeploymentResponse{
		ID:              pd.ID,
		EnvironmentID:   pd.EnvironmentID,
		ProductGroupID:  pd.ProductGroupID,
		ProductID:       pd.ProductID,
		ProductVersion:  pd.ProductVersion,
		PreviousVersion: pd.PreviousVersion,
		Status:          string(pd.Status),
		Stacks:          make([]ProductStackResponse, 0, len(pd.Stacks)),
		CompletedStacks: pd.CompletedStacks(),
		FailedStacks:    pd.FailedStacks(),
		UpgradeCount:    pd.UpgradeCount,
		Phases:          phasesToResponse(pd.Phases),
		ErrorMessage:    pd.ErrorMessage,
		CreatedAt:       pd.CreatedAt,
		UpdatedAt:       pd.UpdatedAt,
		CompletedAt:     pd.CompletedAt,
		Version:         pd.Version,
	}
	for _, s := range pd.StacksInOrder() {
		resp.Stacks = append(resp.Stacks, ProductStackResponse{
			StackName:    s.StackName,
			DisplayName:  s.StackDisplayName,
			StackID:      s.StackID,
			StackVersion: s.StackVersion,
			DeploymentID: s.DeploymentID,
			Order:        s.Order,
			Status:       string(s.Status),
			ServiceCount: s.ServiceCount,
			Obsolete:     s.Obsolete,
			ErrorMessage: s.ErrorMessage,
		})
	}
	return resp
}

func phasesToResponse(phases []domain.PhaseRecord) []PhaseResponse {
	out := make([]PhaseResponse, 0, len(phases))
	for _, p := range phases {
		out = append(out, PhaseResponse{Phase: string(p.Phase), Message: p.Message, Timestamp: p.Timestamp})
	}
	return out
}

// isNotFound checks if an error is a not found error.
func isNotFound(err error) bool {
	return errors.Is(err, domain.ErrNotFound)
}
