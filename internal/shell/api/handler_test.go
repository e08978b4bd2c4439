package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/artpar/stacker/internal/core/domain"
	"github.com/artpar/stacker/internal/shell/store"
	"github.com/artpar/stacker/internal/shell/workers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Helpers
// =============================================================================

type stubDeployments struct {
	deployments map[string]*domain.Deployment
	err         error
	environment string
}

func (s *stubDeployments) Get(ctx context.Context, id string) (*domain.Deployment, error) {
	if s.err != nil {
		return nil, s.err
	}
	d, ok := s.deployments[id]
	if !ok {
		return nil, store.NewStoreError("GetDeployment", "deployment", id, "not found", store.ErrNotFound)
	}
	return d, nil
}

func (s *stubDeployments) List(ctx context.Context, environmentID string) ([]*domain.Deployment, error) {
	s.environment = environmentID
	if s.err != nil {
		return nil, s.err
	}
	var out []*domain.Deployment
	for _, d := range s.deployments {
		if environmentID == "" || d.EnvironmentID == environmentID {
			out = append(out, d)
		}
	}
	return out, nil
}

type stubProducts struct {
	products map[string]*domain.ProductDeployment
	err      error
	group    string
}

func (s *stubProducts) Get(ctx context.Context, id string) (*domain.ProductDeployment, error) {
	if s.err != nil {
		return nil, s.err
	}
	pd, ok := s.products[id]
	if !ok {
		return nil, store.NewStoreError("GetProductDeployment", "product deployment", id, "not found", store.ErrNotFound)
	}
	return pd, nil
}

func (s *stubProducts) List(ctx context.Context, productGroupID string) ([]*domain.ProductDeployment, error) {
	s.group = productGroupID
	if s.err != nil {
		return nil, s.err
	}
	var out []*domain.ProductDeployment
	for _, pd := range s.products {
		out = append(out, pd)
	}
	return out, nil
}

type stubReconciler struct {
	report workers.ReconcileReport
	err    error
	calls  int
}

func (s *stubReconciler) RunOnce(ctx context.Context) (workers.ReconcileReport, error) {
	s.calls++
	return s.report, s.err
}

type stubPinger struct{ err error }

func (s stubPinger) Ping(ctx context.Context) error { return s.err }

var testTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func sampleDeployment() *domain.Deployment {
	return &domain.Deployment{
		ID:            "dep-1",
		EnvironmentID: "prod",
		StackID:       "crm",
		StackName:     "crm",
		StackVersion:  "1.0.0",
		DeployedBy:    "ops",
		Status:        domain.StatusRunning,
		Services: []domain.DeployedService{
			{ServiceName: "api", ContainerID: "c1", ContainerName: "prod-crm-api", Image: "api:1", RuntimeState: "running"},
		},
		Phases:    []domain.PhaseRecord{{Phase: domain.PhaseCompleted, Message: "1 of 1 service(s) started", Timestamp: testTime}},
		Variables: map[string]string{"TOKEN": "secret", "DB_URL": "postgres://"},
		CreatedAt: testTime,
		UpdatedAt: testTime,
		Version:   3,
	}
}

func sampleProduct() *domain.ProductDeployment {
	return &domain.ProductDeployment{
		ID:             "pd-1",
		EnvironmentID:  "prod",
		ProductGroupID: "suite",
		ProductID:      "suite",
		ProductVersion: "1.0.0",
		Status:         domain.ProductPartiallyRunning,
		Stacks: []*domain.ProductStackDeployment{
			{StackName: "web", StackID: "web", Order: 2, Status: domain.StackFailed, ErrorMessage: "pull web: boom"},
			{StackName: "infra", StackID: "infra", DeploymentID: "dep-1", Order: 1, Status: domain.StackRunning, ServiceCount: 1},
		},
		CreatedAt: testTime,
		UpdatedAt: testTime,
		Version:   4,
	}
}

func newTestHandler() (*Handler, *stubDeployments, *stubProducts, *stubReconciler) {
	d := &stubDeployments{deployments: map[string]*domain.Deployment{"dep-1": sampleDeployment()}}
	p := &stubProducts{products: map[string]*domain.ProductDeployment{"pd-1": sampleProduct()}}
	r := &stubReconciler{}
	return NewHandler(d, p, r, stubPinger{}, nil), d, p, r
}

func serve(h *Handler, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	h.Routes().ServeHTTP(w, req)
	return w
}

func parseResponse[T any](t *testing.T, body io.Reader) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(body).Decode(&v))
	return v
}

// =============================================================================
// Health Tests
// =============================================================================

func TestHealth_Success(t *testing.T) {
	h, _, _, _ := newTestHandler()

	w := serve(h, http.MethodGet, "/healthz")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	resp := parseResponse[HealthResponse](t, w.Body)
	assert.Equal(t, "healthy", resp.Status)
}

func TestReady_AllHealthy(t *testing.T) {
	h, _, _, _ := newTestHandler()

	w := serve(h, http.MethodGet, "/readyz")

	assert.Equal(t, http.StatusOK, w.Code)
	resp := parseResponse[ReadyResponse](t, w.Body)
	assert.Equal(t, "ready", resp.Status)
	assert.Equal(t, "ok", resp.Checks["docker"])
}

func TestReady_DockerFailed(t *testing.T) {
	d := &stubDeployments{}
	h := NewHandler(d, &stubProducts{}, nil, stubPinger{err: errors.New("daemon down")}, nil)

	w := serve(h, http.MethodGet, "/readyz")

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	resp := parseResponse[ReadyResponse](t, w.Body)
	assert.Equal(t, "not_ready", resp.Status)
	assert.Equal(t, "failed", resp.Checks["docker"])
}

func TestReady_NoEngine(t *testing.T) {
	h := NewHandler(&stubDeployments{}, &stubProducts{}, nil, nil, nil)

	w := serve(h, http.MethodGet, "/readyz")

	assert.Equal(t, http.StatusOK, w.Code)
	resp := parseResponse[ReadyResponse](t, w.Body)
	assert.NotContains(t, resp.Checks, "docker")
}

// =============================================================================
// Deployment Tests
// =============================================================================

func TestGetDeployment_Success(t *testing.T) {
	h, _, _, _ := newTestHandler()

	w := serve(h, http.MethodGet, "/v1/deployments/dep-1")

	require.Equal(t, http.StatusOK, w.Code)
	resp := parseResponse[DeploymentResponse](t, w.Body)
	assert.Equal(t, "dep-1", resp.ID)
	assert.Equal(t, "running", resp.Status)
	assert.Equal(t, 3, resp.Version)
	require.Len(t, resp.Services, 1)
	assert.Equal(t, "prod-crm-api", resp.Services[0].ContainerName)
	assert.Equal(t, "running", resp.Services[0].State)
	require.Len(t, resp.Phases, 1)
	assert.Equal(t, "1 of 1 service(s) started", resp.Phases[0].Message)
}

func TestGetDeployment_HidesVariableValues(t *testing.T) {
	h, _, _, _ := newTestHandler()

	w := serve(h, http.MethodGet, "/v1/deployments/dep-1")

	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "secret")
	resp := parseResponse[DeploymentResponse](t, w.Body)
	assert.Equal(t, []string{"DB_URL", "TOKEN"}, resp.Variables)
}

func TestGetDeployment_NotFound(t *testing.T) {
	h, _, _, _ := newTestHandler()

	w := serve(h, http.MethodGet, "/v1/deployments/missing")

	assert.Equal(t, http.StatusNotFound, w.Code)
	resp := parseResponse[ErrorResponse](t, w.Body)
	assert.Equal(t, "deployment_not_found", resp.Code)
}

func TestGetDeployment_StoreError(t *testing.T) {
	h, d, _, _ := newTestHandler()
	d.err = errors.New("disk full")

	w := serve(h, http.MethodGet, "/v1/deployments/dep-1")

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	resp := parseResponse[ErrorResponse](t, w.Body)
	assert.Equal(t, "internal_error", resp.Code)
	assert.NotContains(t, resp.Error, "disk full")
}

func TestListDeployments_FiltersByEnvironment(t *testing.T) {
	h, d, _, _ := newTestHandler()

	w := serve(h, http.MethodGet, "/v1/deployments?environment=prod")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "prod", d.environment)
	resp := parseResponse[ListDeploymentsResponse](t, w.Body)
	assert.Equal(t, 1, resp.Total)

	w = serve(h, http.MethodGet, "/v1/deployments?environment=staging")
	resp = parseResponse[ListDeploymentsResponse](t, w.Body)
	assert.Equal(t, 0, resp.Total)
	assert.NotNil(t, resp.Deployments)
}

func TestListDeployments_StoreError(t *testing.T) {
	h, d, _, _ := newTestHandler()
	d.err = errors.New("disk full")

	w := serve(h, http.MethodGet, "/v1/deployments")

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

// =============================================================================
// Product Deployment Tests
// =============================================================================

func TestGetProductDeployment_Success(t *testing.T) {
	h, _, _, _ := newTestHandler()

	w := serve(h, http.MethodGet, "/v1/product-deployments/pd-1")

	require.Equal(t, http.StatusOK, w.Code)
	resp := parseResponse[ProductDeploymentResponse](t, w.Body)
	assert.Equal(t, "partially_running", resp.Status)
	assert.Equal(t, 1, resp.CompletedStacks)
	assert.Equal(t, 1, resp.FailedStacks)
	require.Len(t, resp.Stacks, 2)
	assert.Equal(t, "infra", resp.Stacks[0].StackName)
	assert.Equal(t, "web", resp.Stacks[1].StackName)
	assert.Equal(t, "pull web: boom", resp.Stacks[1].ErrorMessage)
}

func TestGetProductDeployment_NotFound(t *testing.T) {
	h, _, _, _ := newTestHandler()

	w := serve(h, http.MethodGet, "/v1/product-deployments/missing")

	assert.Equal(t, http.StatusNotFound, w.Code)
	resp := parseResponse[ErrorResponse](t, w.Body)
	assert.Equal(t, "product_deployment_not_found", resp.Code)
}

func TestListProductDeployments(t *testing.T) {
	h, _, p, _ := newTestHandler()

	w := serve(h, http.MethodGet, "/v1/product-deployments?group=suite")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "suite", p.group)
	resp := parseResponse[ListProductDeploymentsResponse](t, w.Body)
	assert.Equal(t, 1, resp.Total)
	assert.Equal(t, "pd-1", resp.ProductDeployments[0].ID)
}

// =============================================================================
// Reconcile Tests
// =============================================================================

func TestReconcile_Success(t *testing.T) {
	h, _, _, r := newTestHandler()
	r.report = workers.ReconcileReport{Checked: 3, Skipped: 1, Updated: 1}

	w := serve(h, http.MethodPost, "/v1/reconcile")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, r.calls)
	resp := parseResponse[ReconcileResponse](t, w.Body)
	assert.Equal(t, ReconcileResponse{Checked: 3, Skipped: 1, Updated: 1}, resp)
}

func TestReconcile_Failure(t *testing.T) {
	h, _, _, r := newTestHandler()
	r.err = errors.New("store closed")

	w := serve(h, http.MethodPost, "/v1/reconcile")

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestReconcile_Unavailable(t *testing.T) {
	h := NewHandler(&stubDeployments{}, &stubProducts{}, nil, nil, nil)

	w := serve(h, http.MethodPost, "/v1/reconcile")

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	resp := parseResponse[ErrorResponse](t, w.Body)
	assert.Equal(t, "reconciler_unavailable", resp.Code)
}

func TestReconcile_MethodNotAllowed(t *testing.T) {
	h, _, _, r := newTestHandler()

	w := serve(h, http.MethodGet, "/v1/reconcile")

	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	assert.Equal(t, 0, r.calls)
}
