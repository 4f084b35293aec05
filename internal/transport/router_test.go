package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sablefin/confirmd/internal/config"
	"github.com/sablefin/confirmd/internal/observability"
	"github.com/sablefin/confirmd/internal/orchestrator"
	"github.com/sablefin/confirmd/internal/status"
	"github.com/sablefin/confirmd/model"
)

func TestRouter_healthEndpointsArePublic(t *testing.T) {
	handler := NewRouter(Dependencies{
		Config:       config.Defaults(),
		Authenticate: JWTAuthenticator(testAuthConfig(), testSecret),
		Processor:    &stubProcessor{},
		Store:        status.NewMemoryStore(),
		Readiness: observability.ReadinessChecks{
			PipelinesLoaded: func() bool { return true },
		},
	})

	for _, path := range []string{"/healthz", "/readyz"} {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("GET %s = %d, want 200 without credentials", path, rec.Code)
		}
	}
}

func TestRouter_metricsEndpoint(t *testing.T) {
	m := observability.InitMetrics(prometheus.NewRegistry())
	handler := NewRouter(Dependencies{
		Config:    config.Defaults(),
		Processor: &stubProcessor{},
		Store:     status.NewMemoryStore(),
		Metrics:   m,
	})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("GET /metrics = %d, want 200", rec.Code)
	}
}

func TestRouter_apiRequiresAuth(t *testing.T) {
	handler := NewRouter(Dependencies{
		Config:       config.Defaults(),
		Authenticate: JWTAuthenticator(testAuthConfig(), testSecret),
		Processor:    &stubProcessor{},
		Store:        status.NewMemoryStore(),
	})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/instances", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/instances", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, jwt.MapClaims{"sub": "ops"}, testSecret))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status with token = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
}

func TestRouter_correlationIDHeader(t *testing.T) {
	handler := NewRouter(Dependencies{
		Config:    config.Defaults(),
		Processor: &stubProcessor{},
		Store:     status.NewMemoryStore(),
	})

	// Generated when absent.
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/instances", nil))
	if rec.Header().Get("X-Correlation-Id") == "" {
		t.Error("X-Correlation-Id should be generated")
	}

	// Echoed when present.
	req := httptest.NewRequest(http.MethodGet, "/v1/instances", nil)
	req.Header.Set("X-Correlation-Id", "corr-echo")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Correlation-Id"); got != "corr-echo" {
		t.Errorf("X-Correlation-Id = %q, want corr-echo", got)
	}
}

func TestRouter_securityHeaders(t *testing.T) {
	handler := NewRouter(Dependencies{
		Config:    config.Defaults(),
		Processor: &stubProcessor{},
		Store:     status.NewMemoryStore(),
	})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Header().Get("X-Frame-Options") != "DENY" {
		t.Error("X-Frame-Options missing")
	}
	if rec.Header().Get("Cache-Control") != "no-store" {
		t.Error("Cache-Control missing")
	}
}

func TestRouter_panicRecovery(t *testing.T) {
	store := status.NewMemoryStore()
	handler := NewRouter(Dependencies{
		Config:    config.Defaults(),
		Processor: panickyProcessor{},
		Store:     store,
	})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, postTriggerRequest())

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	var resp map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("panic response should be JSON: %v", err)
	}
}

// panickyProcessor blows up to exercise the recovery middleware.
type panickyProcessor struct{}

func (panickyProcessor) Process(context.Context, model.Trigger) (orchestrator.Outcome, error) {
	panic("boom")
}

func postTriggerRequest() *http.Request {
	return httptest.NewRequest(http.MethodPost, "/v1/triggers",
		strings.NewReader(`{"document_id":"doc-1","source":"primary","object_key":"uploads/doc-1.pdf"}`))
}

func TestRouter_readinessReportsFailure(t *testing.T) {
	handler := NewRouter(Dependencies{
		Config:    config.Defaults(),
		Processor: &stubProcessor{},
		Store:     status.NewMemoryStore(),
		Readiness: observability.ReadinessChecks{
			PipelinesLoaded: func() bool { return false },
		},
	})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("GET /readyz = %d, want 503", rec.Code)
	}
}
