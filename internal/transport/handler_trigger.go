package transport

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/sablefin/confirmd/internal/idempotency"
	"github.com/sablefin/confirmd/internal/observability"
	"github.com/sablefin/confirmd/internal/orchestrator"
	"github.com/sablefin/confirmd/model"
)

// Processor runs one trigger through the pipeline. Implemented by
// orchestrator.Driver.
type Processor interface {
	Process(ctx context.Context, trig model.Trigger) (orchestrator.Outcome, error)
}

// triggerResponse is the body returned for every accepted trigger, whatever
// its disposition.
type triggerResponse struct {
	Disposition string                 `json:"disposition"`
	Instance    model.WorkflowInstance `json:"instance"`
}

// handleTrigger ingests one upload notification. Delivery is at-least-once;
// duplicates and retries are classified by the idempotency guard and
// reflected in the response status.
func handleTrigger(proc Processor, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var trig model.Trigger
		if err := json.NewDecoder(r.Body).Decode(&trig); err != nil {
			WriteError(w, model.NewBadRequestError("invalid JSON body"))
			return
		}
		if trig.CorrelationID == "" {
			trig.CorrelationID = CorrelationIDFrom(r.Context())
		}

		out, err := proc.Process(r.Context(), trig)
		if err != nil {
			observability.RequestLogger(r.Context(), logger).Error("trigger processing failed",
				zap.String("document_id", trig.DocumentID),
				zap.String("source", trig.Source),
				zap.Error(err),
			)
			WriteError(w, err)
			return
		}

		status := http.StatusOK
		switch out.Disposition {
		case idempotency.Fresh:
			status = http.StatusCreated
		case idempotency.Conflict:
			status = http.StatusConflict
		}
		WriteJSON(w, status, triggerResponse{
			Disposition: string(out.Disposition),
			Instance:    out.Instance,
		})
	}
}
