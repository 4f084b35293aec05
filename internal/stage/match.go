package stage

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/sablefin/confirmd/internal/artifact"
)

// MatchExecutor invokes the cross-source matching service with the extracted
// trade data. An unmatched confirmation is a successful stage run whose
// output records the discrepancies; the exception stage acts on them.
type MatchExecutor struct {
	client    *ServiceClient
	artifacts artifact.Store
	// extractStage names the upstream stage whose output feeds matching.
	extractStage string
}

// NewMatchExecutor creates the matching stage executor.
func NewMatchExecutor(client *ServiceClient, artifacts artifact.Store, extractStage string) *MatchExecutor {
	if extractStage == "" {
		extractStage = "extract"
	}
	return &MatchExecutor{client: client, artifacts: artifacts, extractStage: extractStage}
}

type matchRequest struct {
	InstanceKey string          `json:"instance_key"`
	Source      string          `json:"source"`
	Extracted   json.RawMessage `json:"extracted"`
}

// MatchOutcome is the matching stage's output artifact.
type MatchOutcome struct {
	Matched        bool     `json:"matched"`
	Discrepancies  []string `json:"discrepancies,omitempty"`
	CounterpartRef string   `json:"counterpart_ref,omitempty"`
}

// Execute sends extracted data to the matching service and records the
// outcome under the stage's deterministic output key.
func (e *MatchExecutor) Execute(ctx context.Context, in Input) (Result, error) {
	start := time.Now()

	extracted, ok, fail := e.loadExtracted(ctx, in, start)
	if !ok {
		return fail, nil
	}

	status, body, err := e.client.PostJSON(ctx, "/v1/match", matchRequest{
		InstanceKey: in.InstanceKey,
		Source:      in.Source,
		Extracted:   extracted,
	}, in.CorrelationID)
	if err != nil {
		return failure(elapsedMS(start), "match call failed: %v", err), nil
	}
	if status != http.StatusOK {
		return failure(elapsedMS(start), "match returned status %d: %s", status, truncate(body, 512)), nil
	}

	var outcome MatchOutcome
	if err := json.Unmarshal(body, &outcome); err != nil {
		return failure(elapsedMS(start), "match returned malformed body: %v", err), nil
	}

	out, err := json.Marshal(outcome)
	if err != nil {
		return Result{}, err
	}
	ref, err := e.artifacts.Put(ctx, artifact.OutputKey(in.InstanceKey, in.Stage), out, "application/json")
	if err != nil {
		return failure(elapsedMS(start), "writing match outcome: %v", err), nil
	}

	return Result{Success: true, OutputRef: ref, LatencyMS: elapsedMS(start)}, nil
}

// loadExtracted fetches the upstream extraction output from the artifact
// store via its deterministic key.
func (e *MatchExecutor) loadExtracted(ctx context.Context, in Input, start time.Time) (json.RawMessage, bool, Result) {
	if _, present := in.PriorOutputs[e.extractStage]; !present {
		return nil, false, failure(elapsedMS(start), "no %s output available for matching", e.extractStage)
	}
	data, err := e.artifacts.Get(ctx, artifact.OutputKey(in.InstanceKey, e.extractStage))
	if err != nil {
		return nil, false, failure(elapsedMS(start), "loading %s output: %v", e.extractStage, err)
	}
	return data, true, Result{}
}
