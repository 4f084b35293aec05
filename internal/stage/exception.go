package stage

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/sablefin/confirmd/internal/artifact"
)

// ExceptionExecutor files a ticket with the exception-management service
// when matching found discrepancies. A cleanly matched confirmation needs no
// ticket; the stage still records that determination in its output.
type ExceptionExecutor struct {
	client    *ServiceClient
	artifacts artifact.Store
	// matchStage names the upstream stage whose outcome drives ticketing.
	matchStage string
}

// NewExceptionExecutor creates the exception-handling stage executor.
func NewExceptionExecutor(client *ServiceClient, artifacts artifact.Store, matchStage string) *ExceptionExecutor {
	if matchStage == "" {
		matchStage = "match"
	}
	return &ExceptionExecutor{client: client, artifacts: artifacts, matchStage: matchStage}
}

type exceptionRequest struct {
	InstanceKey   string   `json:"instance_key"`
	CorrelationID string   `json:"correlation_id"`
	Source        string   `json:"source"`
	Discrepancies []string `json:"discrepancies"`
}

type exceptionResponse struct {
	TicketID string `json:"ticket_id"`
}

// exceptionOutcome is the stage's output artifact.
type exceptionOutcome struct {
	TicketRequired bool   `json:"ticket_required"`
	TicketID       string `json:"ticket_id,omitempty"`
}

// Execute reads the match outcome and raises an exception ticket when
// discrepancies exist.
func (e *ExceptionExecutor) Execute(ctx context.Context, in Input) (Result, error) {
	start := time.Now()

	if _, present := in.PriorOutputs[e.matchStage]; !present {
		return failure(elapsedMS(start), "no %s outcome available", e.matchStage), nil
	}
	data, err := e.artifacts.Get(ctx, artifact.OutputKey(in.InstanceKey, e.matchStage))
	if err != nil {
		return failure(elapsedMS(start), "loading %s outcome: %v", e.matchStage, err), nil
	}

	var match MatchOutcome
	if err := json.Unmarshal(data, &match); err != nil {
		return failure(elapsedMS(start), "malformed %s outcome: %v", e.matchStage, err), nil
	}

	outcome := exceptionOutcome{TicketRequired: !match.Matched}

	if outcome.TicketRequired {
		status, body, err := e.client.PostJSON(ctx, "/v1/exceptions", exceptionRequest{
			InstanceKey:   in.InstanceKey,
			CorrelationID: in.CorrelationID,
			Source:        in.Source,
			Discrepancies: match.Discrepancies,
		}, in.CorrelationID)
		if err != nil {
			return failure(elapsedMS(start), "exception call failed: %v", err), nil
		}
		if status != http.StatusOK && status != http.StatusCreated {
			return failure(elapsedMS(start), "exception service returned status %d: %s", status, truncate(body, 512)), nil
		}
		var resp exceptionResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return failure(elapsedMS(start), "exception service returned malformed body: %v", err), nil
		}
		outcome.TicketID = resp.TicketID
	}

	out, err := json.Marshal(outcome)
	if err != nil {
		return Result{}, err
	}
	ref, err := e.artifacts.Put(ctx, artifact.OutputKey(in.InstanceKey, in.Stage), out, "application/json")
	if err != nil {
		return failure(elapsedMS(start), "writing exception outcome: %v", err), nil
	}

	return Result{Success: true, OutputRef: ref, LatencyMS: elapsedMS(start)}, nil
}
