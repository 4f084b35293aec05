// Package integration provides a reusable test harness for end-to-end
// testing of the confirmation pipeline server. It starts a full HTTP server
// with mock backend services, in-memory stores, and a test token issuer.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/sablefin/confirmd/internal/artifact"
	"github.com/sablefin/confirmd/internal/config"
	"github.com/sablefin/confirmd/internal/idempotency"
	"github.com/sablefin/confirmd/internal/observability"
	"github.com/sablefin/confirmd/internal/orchestrator"
	"github.com/sablefin/confirmd/internal/pipeline"
	"github.com/sablefin/confirmd/internal/stage"
	"github.com/sablefin/confirmd/internal/status"
	"github.com/sablefin/confirmd/internal/transport"
	"github.com/sablefin/confirmd/model"
)

// pipelineYAML is the pipeline definition fixture shared by the harness
// tests. Both source classifications run the same four stages.
const pipelineYAML = `
id: confirmation-%s
source: %s
stages:
  - name: document
  - name: extract
    soft_budget: 5m
    hard_ceiling: 1h
  - name: match
    soft_budget: 3m
  - name: exception
    non_blocking: true
`

// TestHarness encapsulates a fully wired pipeline server with mock backends.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server

	Store     *status.MemoryStore
	Artifacts *artifact.MemoryStore
	Dedupe    *idempotency.MemoryDedupeStore
	Driver    *orchestrator.Driver

	Extraction *MockService
	Matching   *MockService
	Exceptions *MockService
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	staleAfter  time.Duration
	maxAttempts int
}

// WithStaleAfter sets the idempotency guard's staleness threshold.
func WithStaleAfter(d time.Duration) HarnessOption {
	return func(c *harnessConfig) { c.staleAfter = d }
}

// WithRetryAttempts sets the backend client retry limit.
func WithRetryAttempts(n int) HarnessOption {
	return func(c *harnessConfig) { c.maxAttempts = n }
}

// NewTestHarness creates and starts a full pipeline server instance. The
// server and its mock backends are cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		staleAfter:  15 * time.Minute,
		maxAttempts: 3,
	}
	for _, opt := range opts {
		opt(hc)
	}

	h := &TestHarness{
		t:          t,
		Store:      status.NewMemoryStore(),
		Artifacts:  artifact.NewMemoryStore(),
		Dedupe:     idempotency.NewMemoryDedupeStore(),
		Extraction: NewMockService(t),
		Matching:   NewMockService(t),
		Exceptions: NewMockService(t),
	}

	// Pipeline definitions for both source classifications.
	pipelineDir := t.TempDir()
	for _, source := range []string{model.SourcePrimary, model.SourceCounterparty} {
		path := filepath.Join(pipelineDir, source+".yaml")
		content := fmt.Sprintf(pipelineYAML, source, source)
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("write pipeline fixture: %v", err)
		}
	}
	defs, err := pipeline.NewLoader().LoadAll([]string{pipelineDir})
	if err != nil {
		t.Fatalf("load pipelines: %v", err)
	}
	pipelines := pipeline.NewRegistry(defs)

	logger := zap.NewNop()

	serviceCfg := func(baseURL string) config.ServiceConfig {
		return config.ServiceConfig{
			BaseURL: baseURL,
			Timeout: 5 * time.Second,
			Retry: config.RetryConfig{
				MaxAttempts:    hc.maxAttempts,
				BackoffInitial: time.Millisecond,
			},
			CircuitBreaker: config.CircuitBreakerConfig{
				FailureThreshold: 1000,
			},
		}
	}

	executors := stage.NewRegistry(map[string]stage.Executor{
		"document": stage.NewDocumentExecutor(h.Artifacts, time.Hour),
		"extract": stage.NewExtractExecutor(
			stage.NewServiceClient("extraction", serviceCfg(h.Extraction.URL()), logger),
			h.Artifacts, time.Hour),
		"match": stage.NewMatchExecutor(
			stage.NewServiceClient("matching", serviceCfg(h.Matching.URL()), logger),
			h.Artifacts, "extract"),
		"exception": stage.NewExceptionExecutor(
			stage.NewServiceClient("exceptions", serviceCfg(h.Exceptions.URL()), logger),
			h.Artifacts, "match"),
	})

	guard := idempotency.NewGuard(h.Store, hc.staleAfter)
	h.Driver = orchestrator.NewDriver(h.Store, guard, executors, pipelines, logger, nil,
		orchestrator.Options{
			PollInterval: time.Millisecond,
			PollAttempts: 200,
		})

	cfg := config.Defaults()
	cfg.Auth = config.AuthConfig{
		Enabled:  true,
		Issuer:   testIssuer,
		Audience: testAudience,
	}
	cfg.Observability.Metrics.Enabled = false

	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Authenticate: transport.JWTAuthenticator(cfg.Auth, testSigningSecret),
		Processor:    h.Driver,
		Store:        h.Store,
		Logger:       logger,
		Readiness: observability.ReadinessChecks{
			PipelinesLoaded: func() bool { return len(pipelines.All()) > 0 },
		},
	})

	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)

	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// SeedDocument uploads a fake PDF to the artifact store so the document
// stage finds it.
func (h *TestHarness) SeedDocument(objectKey string) {
	h.t.Helper()
	_, err := h.Artifacts.Put(context.Background(), objectKey, []byte("%PDF-1.7 test"), "application/pdf")
	if err != nil {
		h.t.Fatalf("seed document %s: %v", objectKey, err)
	}
}

// StubHappyBackends configures all three backend mocks with successful
// default responses.
func (h *TestHarness) StubHappyBackends() {
	h.Extraction.RespondWith("/v1/extract", http.StatusOK, map[string]any{
		"fields":      map[string]any{"trade_id": "T-100", "notional": 5000000},
		"token_usage": 1200,
	})
	h.Matching.RespondWith("/v1/match", http.StatusOK, map[string]any{"matched": true})
	h.Exceptions.RespondWith("/v1/exceptions", http.StatusCreated, map[string]any{"ticket_id": "EXC-1"})
}

// PostTrigger sends an authenticated trigger request and returns the decoded
// response with its status code.
func (h *TestHarness) PostTrigger(trig model.Trigger) (int, TriggerResult) {
	h.t.Helper()

	body, _ := json.Marshal(trig)
	req, err := http.NewRequest(http.MethodPost, h.server.URL+"/v1/triggers", bytes.NewReader(body))
	if err != nil {
		h.t.Fatalf("build trigger request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+Token(h.t, "ops-user"))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		h.t.Fatalf("post trigger: %v", err)
	}
	defer resp.Body.Close()

	var result TriggerResult
	data, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(data, &result); err != nil && resp.StatusCode < 500 {
		h.t.Fatalf("decode trigger response %q: %v", data, err)
	}
	return resp.StatusCode, result
}

// TriggerResult is the decoded trigger endpoint response.
type TriggerResult struct {
	Disposition string                 `json:"disposition"`
	Instance    model.WorkflowInstance `json:"instance"`
}

// GetInstance fetches an instance by key through the HTTP API.
func (h *TestHarness) GetInstance(instanceKey string) (int, model.WorkflowInstance) {
	h.t.Helper()

	req, err := http.NewRequest(http.MethodGet, h.server.URL+"/v1/instances/"+instanceKey, nil)
	if err != nil {
		h.t.Fatalf("build instance request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+Token(h.t, "ops-user"))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		h.t.Fatalf("get instance: %v", err)
	}
	defer resp.Body.Close()

	var inst model.WorkflowInstance
	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusOK {
		if err := json.Unmarshal(data, &inst); err != nil {
			h.t.Fatalf("decode instance %q: %v", data, err)
		}
	}
	return resp.StatusCode, inst
}
