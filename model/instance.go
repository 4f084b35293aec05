// Package model defines the core domain types shared across the pipeline:
// workflow instances, stage records, triggers, and the error envelope.
package model

import "time"

// Overall workflow instance status constants.
const (
	OverallInitializing = "initializing"
	OverallProcessing   = "processing"
	OverallCompleted    = "completed"
	OverallFailed       = "failed"
)

// Per-stage status constants.
const (
	StagePending    = "pending"
	StageInProgress = "in_progress"
	StageSuccess    = "success"
	StageError      = "error"
	StageSkipped    = "skipped"
)

// Source classification constants. The source routes a document to the
// pipeline definition that processes it.
const (
	SourcePrimary      = "primary"
	SourceCounterparty = "counterparty"
)

// WorkflowInstance tracks one document's run through the confirmation
// pipeline. There is exactly one instance per InstanceKey; all mutation goes
// through the status store's conditional writes.
type WorkflowInstance struct {
	InstanceKey   string        `json:"instance_key"`
	CorrelationID string        `json:"correlation_id"`
	Source        string        `json:"source"`
	OverallStatus string        `json:"overall_status"`
	Stages        []StageRecord `json:"stages"`
	TriggerHash   string        `json:"trigger_hash"`
	Version       int           `json:"version"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
	ExpiresAt     *time.Time    `json:"expires_at,omitempty"`
}

// StageRecord is the per-stage slice of a WorkflowInstance. Slice order in
// WorkflowInstance.Stages is execution order.
type StageRecord struct {
	Name        string     `json:"name"`
	Status      string     `json:"status"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	OutputRef   string     `json:"output_ref,omitempty"`
	ErrorDetail string     `json:"error_detail,omitempty"`
	TokenUsage  int64      `json:"token_usage,omitempty"`
	LatencyMS   int64      `json:"latency_ms,omitempty"`
}

// Stage returns a pointer to the named stage record, or nil.
func (w *WorkflowInstance) Stage(name string) *StageRecord {
	for i := range w.Stages {
		if w.Stages[i].Name == name {
			return &w.Stages[i]
		}
	}
	return nil
}

// Terminal reports whether the instance has reached a final overall status.
func (w *WorkflowInstance) Terminal() bool {
	return w.OverallStatus == OverallCompleted || w.OverallStatus == OverallFailed
}

// StageTerminal reports whether a stage status is final.
func StageTerminal(status string) bool {
	return status == StageSuccess || status == StageError || status == StageSkipped
}

// NewInstance builds a fresh WorkflowInstance with all stages pending.
func NewInstance(key, correlationID, source, triggerHash string, stageNames []string, now time.Time, retention time.Duration) WorkflowInstance {
	stages := make([]StageRecord, len(stageNames))
	for i, name := range stageNames {
		stages[i] = StageRecord{Name: name, Status: StagePending}
	}
	inst := WorkflowInstance{
		InstanceKey:   key,
		CorrelationID: correlationID,
		Source:        source,
		OverallStatus: OverallInitializing,
		Stages:        stages,
		TriggerHash:   triggerHash,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if retention > 0 {
		exp := now.Add(retention)
		inst.ExpiresAt = &exp
	}
	return inst
}
