package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHandleHealth_returnsOK(t *testing.T) {
	origVersion, origCommit := Version, Commit
	Version = "1.2.3"
	Commit = "abc1234"
	t.Cleanup(func() {
		Version = origVersion
		Commit = origCommit
	})

	handler := HandleHealth()
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("status = %q, want ok", resp.Status)
	}
	if resp.Version != "1.2.3" {
		t.Errorf("version = %q, want 1.2.3", resp.Version)
	}
}

func TestHandleReady_allHealthy(t *testing.T) {
	checks := ReadinessChecks{
		PipelinesLoaded: func() bool { return true },
		StatusStore:     HealthCheckerFunc(func(context.Context) error { return nil }),
		DedupeStore:     HealthCheckerFunc(func(context.Context) error { return nil }),
		ArtifactStore:   HealthCheckerFunc(func(context.Context) error { return nil }),
	}

	rec := httptest.NewRecorder()
	HandleReady(checks).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp ReadinessResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if resp.Status != "ready" {
		t.Errorf("status = %q, want ready", resp.Status)
	}
	for _, name := range []string{"pipelines", "status_store", "dedupe_store", "artifact_store"} {
		if resp.Checks[name].Status != "ok" {
			t.Errorf("check %q = %q, want ok", name, resp.Checks[name].Status)
		}
	}
}

func TestHandleReady_noPipelinesLoaded(t *testing.T) {
	checks := ReadinessChecks{
		PipelinesLoaded: func() bool { return false },
	}

	rec := httptest.NewRecorder()
	HandleReady(checks).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}

	var resp ReadinessResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Status != "not_ready" {
		t.Errorf("status = %q, want not_ready", resp.Status)
	}
}

func TestHandleReady_dependencyFailure(t *testing.T) {
	checks := ReadinessChecks{
		PipelinesLoaded: func() bool { return true },
		StatusStore: HealthCheckerFunc(func(context.Context) error {
			return errors.New("connection refused")
		}),
	}

	rec := httptest.NewRecorder()
	HandleReady(checks).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}

	var resp ReadinessResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Checks["status_store"].Status != "error" {
		t.Errorf("status_store check = %q, want error", resp.Checks["status_store"].Status)
	}
	if resp.Checks["status_store"].Error != "connection refused" {
		t.Errorf("status_store error = %q, want connection refused", resp.Checks["status_store"].Error)
	}
}

func TestHandleReady_optionalChecksSkippedWhenNil(t *testing.T) {
	checks := ReadinessChecks{
		PipelinesLoaded: func() bool { return true },
	}

	rec := httptest.NewRecorder()
	HandleReady(checks).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp ReadinessResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if len(resp.Checks) != 1 {
		t.Errorf("checks = %d, want 1 (only pipelines)", len(resp.Checks))
	}
}
