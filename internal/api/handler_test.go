package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"deploystack/internal/deploy"
	"deploystack/internal/health"
	"deploystack/internal/manifest"
	"deploystack/internal/runner"
	"deploystack/internal/scheduler"
)

type stubRunner struct {
	ready error
}

func (s *stubRunner) Build(ctx context.Context, req *runner.BuildRequest, report scheduler.ProgressFunc) (*runner.BuildResult, error) {
	return &runner.BuildResult{Service: req.Service, Image: req.Image}, nil
}
func (s *stubRunner) Ready(ctx context.Context) error { return s.ready }
func (s *stubRunner) Close() error                    { return nil }

const testManifest = `
services:
  - name: web
    image: node:20-alpine
  - name: worker
    image: golang:1.25-alpine
    fanout: true
`

func newTestRouter(t *testing.T, cfg RouterConfig) http.Handler {
	t.Helper()

	path := filepath.Join(t.TempDir(), "deploy.yaml")
	if err := os.WriteFile(path, []byte(testManifest), 0o644); err != nil {
		t.Fatal(err)
	}
	manifests := manifest.NewManager(path)
	if _, err := manifests.Load(); err != nil {
		t.Fatal(err)
	}

	sched, err := scheduler.New(scheduler.Config{Workers: 2, SlotsPerWorker: 2})
	if err != nil {
		t.Fatal(err)
	}

	r := &stubRunner{}
	cfg.DeployService = deploy.NewService(sched, r, manifests, nil)
	if cfg.HealthChecker == nil {
		cfg.HealthChecker = health.NewChecker(r)
	}
	return NewRouter(cfg)
}

func doJSON(t *testing.T, router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestCreateDeployment(t *testing.T) {
	router := newTestRouter(t, RouterConfig{})

	rec := doJSON(t, router, http.MethodPost, "/v1/deployments", `{"services":["web"]}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp deploy.Response
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Accepted) != 1 || resp.Accepted[0] != "web" {
		t.Errorf("unexpected accepted list: %v", resp.Accepted)
	}
}

func TestCreateDeployment_UnknownService(t *testing.T) {
	router := newTestRouter(t, RouterConfig{})

	rec := doJSON(t, router, http.MethodPost, "/v1/deployments", `{"services":["ghost"]}`)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestCreateDeployment_InvalidBody(t *testing.T) {
	router := newTestRouter(t, RouterConfig{})

	rec := doJSON(t, router, http.MethodPost, "/v1/deployments", `{not json`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestCreateDeployment_WrongContentType(t *testing.T) {
	router := newTestRouter(t, RouterConfig{})

	req := httptest.NewRequest(http.MethodPost, "/v1/deployments", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnsupportedMediaType {
		t.Errorf("expected 415, got %d", rec.Code)
	}
}

func TestAuth(t *testing.T) {
	router := newTestRouter(t, RouterConfig{APIKey: "secret"})

	// Missing token
	rec := doJSON(t, router, http.MethodGet, "/v1/capacity", "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d", rec.Code)
	}

	// Wrong token
	req := httptest.NewRequest(http.MethodGet, "/v1/capacity", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 with wrong token, got %d", rec.Code)
	}

	// Correct token
	req = httptest.NewRequest(http.MethodGet, "/v1/capacity", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 with correct token, got %d", rec.Code)
	}

	// Health endpoints skip auth
	rec = doJSON(t, router, http.MethodGet, "/livez", "")
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 for livez without auth, got %d", rec.Code)
	}
}

func TestCapacityEndpoints(t *testing.T) {
	router := newTestRouter(t, RouterConfig{})

	rec := doJSON(t, router, http.MethodGet, "/v1/capacity", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var capResp deploy.CapacityResponse
	if err := json.NewDecoder(rec.Body).Decode(&capResp); err != nil {
		t.Fatal(err)
	}
	if capResp.Capacity != 2 || capResp.Expanded {
		t.Errorf("expected conservative capacity 2, got %+v", capResp)
	}

	rec = doJSON(t, router, http.MethodPost, "/v1/capacity/expand", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if err := json.NewDecoder(rec.Body).Decode(&capResp); err != nil {
		t.Fatal(err)
	}
	if capResp.Capacity != 4 || !capResp.Expanded {
		t.Errorf("expected expanded capacity 4, got %+v", capResp)
	}
}

func TestDrainThenResults(t *testing.T) {
	router := newTestRouter(t, RouterConfig{})

	rec := doJSON(t, router, http.MethodPost, "/v1/deployments", `{}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}

	rec = doJSON(t, router, http.MethodPost, "/v1/drain", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from drain, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, router, http.MethodGet, "/v1/deployments/results", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var results deploy.ResultsResponse
	if err := json.NewDecoder(rec.Body).Decode(&results); err != nil {
		t.Fatal(err)
	}
	if len(results.Results) != 2 {
		t.Errorf("expected 2 results after drain, got %d", len(results.Results))
	}
	for _, res := range results.Results {
		if res.Status != string(scheduler.StatusFulfilled) {
			t.Errorf("expected fulfilled result, got %+v", res)
		}
	}
}

func TestDrain_ContextCancelled(t *testing.T) {
	router := newTestRouter(t, RouterConfig{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodPost, "/v1/drain", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	// Idle scheduler drains immediately, so this succeeds even with a
	// short deadline.
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 for idle drain, got %d", rec.Code)
	}
}

func TestHealthEndpoints(t *testing.T) {
	router := newTestRouter(t, RouterConfig{})

	rec := doJSON(t, router, http.MethodGet, "/livez", "")
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 for livez, got %d", rec.Code)
	}

	rec = doJSON(t, router, http.MethodGet, "/readyz", "")
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 for readyz, got %d", rec.Code)
	}
}

func TestReadyz_UnhealthyRunner(t *testing.T) {
	checker := health.NewChecker(&stubRunner{ready: errors.New("daemon down")})
	router := newTestRouter(t, RouterConfig{HealthChecker: checker})

	rec := doJSON(t, router, http.MethodGet, "/readyz", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
}

func TestRateLimit(t *testing.T) {
	router := newTestRouter(t, RouterConfig{RequestRatePerSec: 1})

	var limited bool
	for i := 0; i < 10; i++ {
		rec := doJSON(t, router, http.MethodGet, "/v1/capacity", "")
		if rec.Code == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	if !limited {
		t.Error("expected at least one rate limited response")
	}
}
