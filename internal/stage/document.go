package stage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sablefin/confirmd/internal/artifact"
)

// DocumentExecutor is the pipeline's intake stage. It verifies the uploaded
// document exists in the artifact store and writes a manifest describing it
// under the stage's deterministic output key.
type DocumentExecutor struct {
	artifacts artifact.Store
	urlExpiry time.Duration
}

// NewDocumentExecutor creates the document intake executor.
func NewDocumentExecutor(artifacts artifact.Store, urlExpiry time.Duration) *DocumentExecutor {
	if urlExpiry <= 0 {
		urlExpiry = 24 * time.Hour
	}
	return &DocumentExecutor{artifacts: artifacts, urlExpiry: urlExpiry}
}

// documentManifest is the intake stage's output artifact.
type documentManifest struct {
	InstanceKey string `json:"instance_key"`
	Source      string `json:"source"`
	ObjectKey   string `json:"object_key"`
	DocumentURL string `json:"document_url"`
}

// Execute verifies the source document and publishes its manifest.
func (e *DocumentExecutor) Execute(ctx context.Context, in Input) (Result, error) {
	start := time.Now()

	exists, err := e.artifacts.Exists(ctx, in.ObjectKey)
	if err != nil {
		return failure(elapsedMS(start), "checking document %s: %v", in.ObjectKey, err), nil
	}
	if !exists {
		return failure(elapsedMS(start), "document object %s not found", in.ObjectKey), nil
	}

	docURL, err := e.artifacts.PresignGet(ctx, in.ObjectKey, e.urlExpiry)
	if err != nil {
		return failure(elapsedMS(start), "presigning document %s: %v", in.ObjectKey, err), nil
	}

	manifest, err := json.Marshal(documentManifest{
		InstanceKey: in.InstanceKey,
		Source:      in.Source,
		ObjectKey:   in.ObjectKey,
		DocumentURL: docURL,
	})
	if err != nil {
		// Marshal of a plain struct failing is a bug, not an operational failure.
		return Result{}, err
	}

	ref, err := e.artifacts.Put(ctx, artifact.OutputKey(in.InstanceKey, in.Stage), manifest, "application/json")
	if err != nil {
		return failure(elapsedMS(start), "writing manifest: %v", err), nil
	}

	return Result{Success: true, OutputRef: ref, LatencyMS: elapsedMS(start)}, nil
}

func elapsedMS(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}
