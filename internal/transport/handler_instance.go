package transport

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/sablefin/confirmd/internal/status"
	"github.com/sablefin/confirmd/model"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// handleInstanceGet returns one workflow instance by its key.
func handleInstanceGet(store status.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		instanceKey := chi.URLParam(r, "instanceKey")

		inst, err := store.Get(r.Context(), instanceKey)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, inst)
	}
}

// handleInstanceList returns instances matching query filters, newest first.
// When correlation_id is given the other filters are ignored.
func handleInstanceList(store status.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		if corrID := q.Get("correlation_id"); corrID != "" {
			instances, err := store.GetByCorrelation(r.Context(), corrID)
			if err != nil {
				WriteError(w, err)
				return
			}
			writeInstanceList(w, instances)
			return
		}

		filters := status.Filters{
			OverallStatus: q.Get("overall_status"),
			Source:        q.Get("source"),
			Limit:         queryInt(r, "limit", defaultPageSize),
			Offset:        queryInt(r, "offset", 0),
		}
		if filters.Limit > maxPageSize {
			filters.Limit = maxPageSize
		}

		instances, err := store.List(r.Context(), filters)
		if err != nil {
			WriteError(w, err)
			return
		}
		writeInstanceList(w, instances)
	}
}

func writeInstanceList(w http.ResponseWriter, instances []model.WorkflowInstance) {
	if instances == nil {
		instances = []model.WorkflowInstance{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"data":  instances,
		"count": len(instances),
	})
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
