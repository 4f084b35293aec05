// Package idempotency decides how inbound triggers relate to prior work:
// fresh, duplicate, legitimate retry, or conflicting concurrent run. It also
// provides the TTL marker stores used to suppress repeated side effects.
package idempotency

import (
	"context"
	"time"

	"github.com/sablefin/confirmd/internal/status"
	"github.com/sablefin/confirmd/model"
)

// Disposition classifies an inbound trigger against existing instance state.
type Disposition string

const (
	// Fresh means no instance exists; run the full pipeline.
	Fresh Disposition = "FRESH"
	// DuplicateIgnore means the instance completed with the same trigger;
	// return the prior result without executing anything.
	DuplicateIgnore Disposition = "DUPLICATE_IGNORE"
	// RetryAllowed means the instance failed, or stalled past the staleness
	// threshold; resume from the first non-terminal stage.
	RetryAllowed Disposition = "RETRY_ALLOWED"
	// Conflict means another run is actively processing; reject or defer.
	Conflict Disposition = "CONFLICT"
)

// Guard evaluates trigger dispositions against the status store.
type Guard struct {
	store status.Store
	// staleAfter is how long a processing instance may go without a status
	// mutation before a new trigger may take over from the abandoned run.
	staleAfter time.Duration
	now        func() time.Time
}

// NewGuard creates a Guard over the given status store.
func NewGuard(store status.Store, staleAfter time.Duration) *Guard {
	return &Guard{
		store:      store,
		staleAfter: staleAfter,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Evaluate returns the disposition for a trigger and, when an instance
// exists, its current snapshot.
//
// A completed instance re-triggered with a different signature is a
// conflict: the instance key identifies the document, so a new signature
// means the caller is submitting different content under a processed
// identity, which must surface rather than be silently ignored.
func (g *Guard) Evaluate(ctx context.Context, instanceKey, triggerHash string) (Disposition, *model.WorkflowInstance, error) {
	inst, err := g.store.Get(ctx, instanceKey)
	if err != nil {
		if env, ok := err.(*model.ErrorEnvelope); ok && env.Code == model.ErrInstanceNotFound {
			return Fresh, nil, nil
		}
		return "", nil, err
	}

	switch inst.OverallStatus {
	case model.OverallCompleted:
		if inst.TriggerHash == triggerHash {
			return DuplicateIgnore, &inst, nil
		}
		return Conflict, &inst, nil

	case model.OverallFailed:
		return RetryAllowed, &inst, nil

	default: // initializing or processing
		if g.Stale(inst) {
			return RetryAllowed, &inst, nil
		}
		return Conflict, &inst, nil
	}
}

// Stale reports whether a non-terminal instance has gone without mutation
// for longer than the staleness threshold, meaning its run was abandoned.
func (g *Guard) Stale(inst model.WorkflowInstance) bool {
	return g.now().Sub(inst.UpdatedAt) > g.staleAfter
}
