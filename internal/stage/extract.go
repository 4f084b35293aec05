package stage

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/sablefin/confirmd/internal/artifact"
)

// ExtractExecutor invokes the hosted document-extraction service and stores
// the structured trade data it returns.
type ExtractExecutor struct {
	client    *ServiceClient
	artifacts artifact.Store
	urlExpiry time.Duration
}

// NewExtractExecutor creates the extraction stage executor.
func NewExtractExecutor(client *ServiceClient, artifacts artifact.Store, urlExpiry time.Duration) *ExtractExecutor {
	if urlExpiry <= 0 {
		urlExpiry = 24 * time.Hour
	}
	return &ExtractExecutor{client: client, artifacts: artifacts, urlExpiry: urlExpiry}
}

type extractRequest struct {
	InstanceKey string `json:"instance_key"`
	Source      string `json:"source"`
	DocumentURL string `json:"document_url"`
}

type extractResponse struct {
	Fields     json.RawMessage `json:"fields"`
	TokenUsage int64           `json:"token_usage"`
}

// Execute sends the document to the extraction service and writes the
// structured result under the stage's deterministic output key.
func (e *ExtractExecutor) Execute(ctx context.Context, in Input) (Result, error) {
	start := time.Now()

	docURL, err := e.artifacts.PresignGet(ctx, in.ObjectKey, e.urlExpiry)
	if err != nil {
		return failure(elapsedMS(start), "presigning document %s: %v", in.ObjectKey, err), nil
	}

	status, body, err := e.client.PostJSON(ctx, "/v1/extract", extractRequest{
		InstanceKey: in.InstanceKey,
		Source:      in.Source,
		DocumentURL: docURL,
	}, in.CorrelationID)
	if err != nil {
		return failure(elapsedMS(start), "extraction call failed: %v", err), nil
	}
	if status != http.StatusOK {
		return failure(elapsedMS(start), "extraction returned status %d: %s", status, truncate(body, 512)), nil
	}

	var resp extractResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return failure(elapsedMS(start), "extraction returned malformed body: %v", err), nil
	}
	if len(resp.Fields) == 0 {
		return failure(elapsedMS(start), "extraction returned no fields"), nil
	}

	ref, err := e.artifacts.Put(ctx, artifact.OutputKey(in.InstanceKey, in.Stage), resp.Fields, "application/json")
	if err != nil {
		return failure(elapsedMS(start), "writing extraction output: %v", err), nil
	}

	return Result{
		Success:    true,
		OutputRef:  ref,
		TokenUsage: resp.TokenUsage,
		LatencyMS:  elapsedMS(start),
	}, nil
}

// truncate bounds backend payloads quoted in error details.
func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
