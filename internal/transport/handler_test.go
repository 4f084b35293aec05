package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sablefin/confirmd/internal/config"
	"github.com/sablefin/confirmd/internal/idempotency"
	"github.com/sablefin/confirmd/internal/orchestrator"
	"github.com/sablefin/confirmd/internal/status"
	"github.com/sablefin/confirmd/model"
)

var testStageNames = []string{"document", "extract", "match", "exception"}

// stubProcessor returns a canned outcome and records the trigger it saw.
type stubProcessor struct {
	out orchestrator.Outcome
	err error
	got model.Trigger
}

func (s *stubProcessor) Process(_ context.Context, trig model.Trigger) (orchestrator.Outcome, error) {
	s.got = trig
	return s.out, s.err
}

func seedInstance(t *testing.T, store status.Store, key, corrID, source string) model.WorkflowInstance {
	t.Helper()
	inst := model.NewInstance(key, corrID, source, "hash-1", testStageNames, time.Now(), 0)
	if _, err := store.CreateIfAbsent(context.Background(), inst); err != nil {
		t.Fatalf("seed instance: %v", err)
	}
	return inst
}

func newTestRouter(proc Processor, store status.Store) http.Handler {
	return NewRouter(Dependencies{
		Config:    config.Defaults(),
		Processor: proc,
		Store:     store,
	})
}

func postTrigger(t *testing.T, handler http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/triggers", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHandleTrigger_fresh(t *testing.T) {
	inst := model.NewInstance("PRIMARY:doc-1", "corr-1", model.SourcePrimary, "h", testStageNames, time.Now(), 0)
	inst.OverallStatus = model.OverallCompleted
	proc := &stubProcessor{out: orchestrator.Outcome{Disposition: idempotency.Fresh, Instance: inst}}
	handler := newTestRouter(proc, status.NewMemoryStore())

	rec := postTrigger(t, handler, `{"document_id":"doc-1","source":"primary","object_key":"uploads/doc-1.pdf"}`)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201 (body %s)", rec.Code, rec.Body.String())
	}
	var resp triggerResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if resp.Disposition != string(idempotency.Fresh) {
		t.Errorf("disposition = %q, want FRESH", resp.Disposition)
	}
	if resp.Instance.InstanceKey != "PRIMARY:doc-1" {
		t.Errorf("instance key = %q", resp.Instance.InstanceKey)
	}
}

func TestHandleTrigger_duplicateIgnore(t *testing.T) {
	inst := model.NewInstance("PRIMARY:doc-1", "corr-1", model.SourcePrimary, "h", testStageNames, time.Now(), 0)
	proc := &stubProcessor{out: orchestrator.Outcome{Disposition: idempotency.DuplicateIgnore, Instance: inst}}
	handler := newTestRouter(proc, status.NewMemoryStore())

	rec := postTrigger(t, handler, `{"document_id":"doc-1","source":"primary","object_key":"uploads/doc-1.pdf"}`)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestHandleTrigger_conflict(t *testing.T) {
	inst := model.NewInstance("PRIMARY:doc-1", "corr-1", model.SourcePrimary, "h", testStageNames, time.Now(), 0)
	proc := &stubProcessor{out: orchestrator.Outcome{Disposition: idempotency.Conflict, Instance: inst}}
	handler := newTestRouter(proc, status.NewMemoryStore())

	rec := postTrigger(t, handler, `{"document_id":"doc-1","source":"primary","object_key":"uploads/other.pdf"}`)

	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}
}

func TestHandleTrigger_invalidJSON(t *testing.T) {
	handler := newTestRouter(&stubProcessor{}, status.NewMemoryStore())

	rec := postTrigger(t, handler, `{not json`)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestHandleTrigger_processorError(t *testing.T) {
	proc := &stubProcessor{err: model.NewBackendUnavailableError()}
	handler := newTestRouter(proc, status.NewMemoryStore())

	rec := postTrigger(t, handler, `{"document_id":"doc-1","source":"primary","object_key":"uploads/doc-1.pdf"}`)

	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", rec.Code)
	}
}

func TestHandleTrigger_correlationIDDefaulted(t *testing.T) {
	proc := &stubProcessor{out: orchestrator.Outcome{Disposition: idempotency.Fresh}}
	handler := newTestRouter(proc, status.NewMemoryStore())

	req := httptest.NewRequest(http.MethodPost, "/v1/triggers",
		strings.NewReader(`{"document_id":"doc-1","source":"primary","object_key":"uploads/doc-1.pdf"}`))
	req.Header.Set("X-Correlation-Id", "corr-from-header")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if proc.got.CorrelationID != "corr-from-header" {
		t.Errorf("trigger correlation id = %q, want corr-from-header", proc.got.CorrelationID)
	}
}

func TestHandleTrigger_correlationIDFromBodyWins(t *testing.T) {
	proc := &stubProcessor{out: orchestrator.Outcome{Disposition: idempotency.Fresh}}
	handler := newTestRouter(proc, status.NewMemoryStore())

	req := httptest.NewRequest(http.MethodPost, "/v1/triggers",
		strings.NewReader(`{"document_id":"doc-1","source":"primary","object_key":"k","correlation_id":"corr-body"}`))
	req.Header.Set("X-Correlation-Id", "corr-from-header")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if proc.got.CorrelationID != "corr-body" {
		t.Errorf("trigger correlation id = %q, want corr-body", proc.got.CorrelationID)
	}
}

func TestHandleInstanceGet(t *testing.T) {
	store := status.NewMemoryStore()
	seedInstance(t, store, "PRIMARY:doc-1", "corr-1", model.SourcePrimary)
	handler := newTestRouter(&stubProcessor{}, store)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/instances/PRIMARY:doc-1", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	var inst model.WorkflowInstance
	if err := json.NewDecoder(rec.Body).Decode(&inst); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if inst.InstanceKey != "PRIMARY:doc-1" {
		t.Errorf("instance key = %q", inst.InstanceKey)
	}
	if len(inst.Stages) != len(testStageNames) {
		t.Errorf("stages = %d, want %d", len(inst.Stages), len(testStageNames))
	}
}

func TestHandleInstanceGet_notFound(t *testing.T) {
	handler := newTestRouter(&stubProcessor{}, status.NewMemoryStore())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/instances/NOPE:missing", nil))

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestHandleInstanceList_byCorrelation(t *testing.T) {
	store := status.NewMemoryStore()
	seedInstance(t, store, "PRIMARY:doc-1", "corr-shared", model.SourcePrimary)
	seedInstance(t, store, "COUNTERPARTY:doc-1", "corr-shared", model.SourceCounterparty)
	seedInstance(t, store, "PRIMARY:doc-2", "corr-other", model.SourcePrimary)
	handler := newTestRouter(&stubProcessor{}, store)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/instances?correlation_id=corr-shared", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp struct {
		Data  []model.WorkflowInstance `json:"data"`
		Count int                      `json:"count"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if resp.Count != 2 {
		t.Errorf("count = %d, want 2", resp.Count)
	}
}

func TestHandleInstanceList_filters(t *testing.T) {
	store := status.NewMemoryStore()
	seedInstance(t, store, "PRIMARY:doc-1", "c1", model.SourcePrimary)
	seedInstance(t, store, "COUNTERPARTY:doc-2", "c2", model.SourceCounterparty)
	handler := newTestRouter(&stubProcessor{}, store)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/instances?source=counterparty", nil))

	var resp struct {
		Data []model.WorkflowInstance `json:"data"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if len(resp.Data) != 1 || resp.Data[0].Source != model.SourceCounterparty {
		t.Errorf("unexpected result: %+v", resp.Data)
	}
}

func TestHandleInstanceList_emptyIsArray(t *testing.T) {
	handler := newTestRouter(&stubProcessor{}, status.NewMemoryStore())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/instances", nil))

	if !strings.Contains(rec.Body.String(), `"data":[]`) {
		t.Errorf("empty list should serialize as [], got %s", rec.Body.String())
	}
}

func TestQueryInt(t *testing.T) {
	tests := []struct {
		query string
		want  int
	}{
		{"limit=50", 50},
		{"limit=", 20},
		{"limit=abc", 20},
		{"limit=-5", 20},
		{"", 20},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/v1/instances?"+tt.query, nil)
		if got := queryInt(req, "limit", 20); got != tt.want {
			t.Errorf("queryInt(%q) = %d, want %d", tt.query, got, tt.want)
		}
	}
}
