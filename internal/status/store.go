// Package status persists workflow instance records. All mutations are
// conditional on prior state so that concurrent orchestrator runs serialize
// through the store rather than through in-process locks.
package status

import (
	"context"
	"time"

	"github.com/sablefin/confirmd/model"
)

// Store persists workflow instances keyed by instance key.
//
// Records past their expires_at retention horizon are never read as
// authoritative: every read and conditional mutation treats them as absent,
// and CreateIfAbsent replaces them. Physical deletion is left to external
// retention tooling.
type Store interface {
	// CreateIfAbsent persists a new instance unless a live one already
	// exists for its key. Returns created=false without mutating when the
	// key is held by a non-expired record; an expired record is replaced.
	CreateIfAbsent(ctx context.Context, inst model.WorkflowInstance) (created bool, err error)

	// Get retrieves an instance by key. Returns INSTANCE_NOT_FOUND if absent
	// or expired.
	Get(ctx context.Context, instanceKey string) (model.WorkflowInstance, error)

	// GetByCorrelation returns all instances sharing a correlation ID,
	// newest first.
	GetByCorrelation(ctx context.Context, correlationID string) ([]model.WorkflowInstance, error)

	// UpdateStage applies a patch to one stage record. When expectedPrior is
	// non-empty the update is rejected (applied=false, no mutation) unless
	// the stored stage status matches it.
	UpdateStage(ctx context.Context, instanceKey, stageName string, patch StagePatch, expectedPrior string) (applied bool, err error)

	// SetOverallStatus transitions the overall status from one value to
	// another. Rejected when the stored value differs from `from`.
	SetOverallStatus(ctx context.Context, instanceKey, from, to string) (applied bool, err error)

	// Finalize sets a terminal overall status. Rejected when the instance is
	// already terminal.
	Finalize(ctx context.Context, instanceKey, overallStatus string) (applied bool, err error)

	// ResetStage returns a stage to pending, clearing its outcome fields.
	// Only error and in_progress stages may be reset; anything else is
	// rejected. Callers must hold a retry authorization before using this.
	ResetStage(ctx context.Context, instanceKey, stageName string) (applied bool, err error)

	// FindStale returns non-terminal instances whose last update is older
	// than the cutoff, ordered oldest first.
	FindStale(ctx context.Context, cutoff time.Time) ([]model.WorkflowInstance, error)

	// List returns instances matching the filters, newest first.
	List(ctx context.Context, filters Filters) ([]model.WorkflowInstance, error)
}

// StagePatch is a partial update to a stage record. Nil/zero fields are left
// untouched, except Status which is always applied.
type StagePatch struct {
	Status      string
	StartedAt   *time.Time
	CompletedAt *time.Time
	OutputRef   string
	ErrorDetail string
	TokenUsage  *int64
	LatencyMS   *int64
}

// Filters are optional filters for listing instances.
type Filters struct {
	OverallStatus string
	Source        string
	Limit         int
	Offset        int
}

// applyStagePatch merges a patch into a stage record in place.
func applyStagePatch(rec *model.StageRecord, patch StagePatch) {
	if patch.Status != "" {
		rec.Status = patch.Status
	}
	if patch.StartedAt != nil {
		rec.StartedAt = patch.StartedAt
	}
	if patch.CompletedAt != nil {
		rec.CompletedAt = patch.CompletedAt
	}
	if patch.OutputRef != "" {
		rec.OutputRef = patch.OutputRef
	}
	if patch.ErrorDetail != "" {
		rec.ErrorDetail = patch.ErrorDetail
	}
	if patch.TokenUsage != nil {
		rec.TokenUsage = *patch.TokenUsage
	}
	if patch.LatencyMS != nil {
		rec.LatencyMS = *patch.LatencyMS
	}
}

// expiredAt reports whether a record has passed its retention horizon at the
// given time.
func expiredAt(inst model.WorkflowInstance, now time.Time) bool {
	return inst.ExpiresAt != nil && !inst.ExpiresAt.After(now)
}

// monotonicNow returns the current UTC time, clamped so the instance's
// last-updated timestamp never goes backwards under clock skew.
func monotonicNow(prev time.Time) time.Time {
	now := time.Now().UTC()
	if now.Before(prev) {
		return prev
	}
	return now
}
