package integration

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// MockService is a configurable HTTP test server simulating one backend
// stage service. Responses are configured per path as a FIFO queue; once the
// queue drains the default response is served. All received requests are
// recorded for assertion.
type MockService struct {
	t      *testing.T
	server *httptest.Server

	mu       sync.Mutex
	queues   map[string][]mockResponse
	defaults map[string]mockResponse
	received map[string][]RecordedRequest
}

// RecordedRequest captures one request received by the mock service.
type RecordedRequest struct {
	Method     string
	Path       string
	Headers    http.Header
	Body       map[string]any
	ReceivedAt time.Time
}

type mockResponse struct {
	status int
	body   any
	delay  time.Duration
}

// NewMockService starts a mock backend. The server is closed when the test
// completes.
func NewMockService(t *testing.T) *MockService {
	t.Helper()
	ms := &MockService{
		t:        t,
		queues:   make(map[string][]mockResponse),
		defaults: make(map[string]mockResponse),
		received: make(map[string][]RecordedRequest),
	}
	ms.server = httptest.NewServer(http.HandlerFunc(ms.handle))
	t.Cleanup(ms.server.Close)
	return ms
}

// URL returns the mock service's base URL.
func (ms *MockService) URL() string {
	return ms.server.URL
}

// RespondWith sets the default response for a path.
func (ms *MockService) RespondWith(path string, status int, body any) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.defaults[path] = mockResponse{status: status, body: body}
}

// QueueResponse appends a one-shot response for a path, served before the
// default.
func (ms *MockService) QueueResponse(path string, status int, body any) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.queues[path] = append(ms.queues[path], mockResponse{status: status, body: body})
}

// Received returns all recorded requests for a path.
func (ms *MockService) Received(path string) []RecordedRequest {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	out := make([]RecordedRequest, len(ms.received[path]))
	copy(out, ms.received[path])
	return out
}

func (ms *MockService) handle(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)

	rec := RecordedRequest{
		Method:     r.Method,
		Path:       r.URL.Path,
		Headers:    r.Header.Clone(),
		ReceivedAt: time.Now(),
	}
	if len(raw) > 0 {
		json.Unmarshal(raw, &rec.Body)
	}

	ms.mu.Lock()
	ms.received[r.URL.Path] = append(ms.received[r.URL.Path], rec)

	resp, ok := ms.defaults[r.URL.Path]
	if queue := ms.queues[r.URL.Path]; len(queue) > 0 {
		resp, ok = queue[0], true
		ms.queues[r.URL.Path] = queue[1:]
	}
	ms.mu.Unlock()

	if !ok {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"error": "mock: no response configured for " + r.URL.Path})
		return
	}

	if resp.delay > 0 {
		time.Sleep(resp.delay)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.status)
	if resp.body != nil {
		json.NewEncoder(w).Encode(resp.body)
	}
}
