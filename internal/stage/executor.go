// Package stage defines the uniform execution contract the orchestrator uses
// to invoke pipeline stages, plus the concrete adapters for the confirmation
// pipeline. Adapters report expected operational failures through the result
// value; only programmer errors surface as returned errors.
package stage

import (
	"context"
	"fmt"
	"sort"
)

// Input carries everything an executor needs to run one stage of one
// instance. Executors must be safe to invoke repeatedly for the same input:
// outputs go to deterministic keys so a re-run overwrites its predecessor.
type Input struct {
	InstanceKey   string
	CorrelationID string
	Source        string
	Stage         string
	// ObjectKey locates the source document in the artifact store.
	ObjectKey string
	// PriorOutputs maps already-successful stage names to their output
	// references, so downstream stages can consume upstream results.
	PriorOutputs map[string]string
}

// Result is the normalized outcome of one stage execution.
type Result struct {
	Success     bool
	OutputRef   string
	ErrorDetail string
	TokenUsage  int64
	LatencyMS   int64
}

// failure builds an unsuccessful result with a formatted detail message.
func failure(latencyMS int64, format string, args ...any) Result {
	return Result{
		Success:     false,
		ErrorDetail: fmt.Sprintf(format, args...),
		LatencyMS:   latencyMS,
	}
}

// Executor runs a single pipeline stage.
type Executor interface {
	Execute(ctx context.Context, in Input) (Result, error)
}

// Registry maps executor names to executors. It is built once at startup
// and read-only afterwards.
type Registry struct {
	executors map[string]Executor
}

// NewRegistry creates a registry from a name → executor map.
func NewRegistry(executors map[string]Executor) *Registry {
	m := make(map[string]Executor, len(executors))
	for name, ex := range executors {
		m[name] = ex
	}
	return &Registry{executors: m}
}

// Get returns the executor registered under a name.
func (r *Registry) Get(name string) (Executor, bool) {
	ex, ok := r.executors[name]
	return ex, ok
}

// Names returns the registered executor names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.executors))
	for name := range r.executors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
