package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sablefin/confirmd/model"
)

// casAttempts bounds how often conditional stage updates retry after losing
// a version race to another writer before giving up with a conflict.
const casAttempts = 3

// PgStore is a PostgreSQL-backed Store using pgx/v5. Stage records live in a
// JSONB column; cross-writer safety comes from a version column checked on
// every UPDATE.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a PostgreSQL status store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// CreateIfAbsent inserts a new instance; an existing key is not an error. A
// row past its retention horizon is replaced rather than defended.
func (s *PgStore) CreateIfAbsent(ctx context.Context, inst model.WorkflowInstance) (bool, error) {
	stagesJSON, err := json.Marshal(inst.Stages)
	if err != nil {
		return false, fmt.Errorf("marshal stages: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO workflow_instances (
			instance_key, correlation_id, source, overall_status,
			stages, trigger_hash, version,
			created_at, updated_at, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (instance_key) DO UPDATE SET
			correlation_id = EXCLUDED.correlation_id,
			source         = EXCLUDED.source,
			overall_status = EXCLUDED.overall_status,
			stages         = EXCLUDED.stages,
			trigger_hash   = EXCLUDED.trigger_hash,
			version        = EXCLUDED.version,
			created_at     = EXCLUDED.created_at,
			updated_at     = EXCLUDED.updated_at,
			expires_at     = EXCLUDED.expires_at
		WHERE workflow_instances.expires_at IS NOT NULL
		  AND workflow_instances.expires_at <= now()`,
		inst.InstanceKey, inst.CorrelationID, inst.Source, inst.OverallStatus,
		stagesJSON, inst.TriggerHash, inst.Version,
		inst.CreatedAt, inst.UpdatedAt, inst.ExpiresAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert workflow instance: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Get retrieves an instance by key. Expired rows read as absent.
func (s *PgStore) Get(ctx context.Context, instanceKey string) (model.WorkflowInstance, error) {
	inst, err := s.scanOne(s.pool.QueryRow(ctx,
		selectClause+` WHERE instance_key = $1 AND `+notExpired, instanceKey))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowInstance{}, model.NewInstanceNotFoundError(instanceKey)
	}
	if err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("query workflow instance: %w", err)
	}
	return inst, nil
}

// GetByCorrelation returns all instances sharing a correlation ID, newest first.
func (s *PgStore) GetByCorrelation(ctx context.Context, correlationID string) ([]model.WorkflowInstance, error) {
	return s.queryInstances(ctx,
		selectClause+` WHERE correlation_id = $1 AND `+notExpired+` ORDER BY created_at DESC`,
		correlationID,
	)
}

// UpdateStage applies a patch to one stage, gated on the expected prior
// status. The JSONB mutation happens client-side inside a read-modify-write
// loop keyed on the version column.
func (s *PgStore) UpdateStage(ctx context.Context, instanceKey, stageName string, patch StagePatch, expectedPrior string) (bool, error) {
	return s.mutate(ctx, instanceKey, func(inst *model.WorkflowInstance) (bool, error) {
		rec := inst.Stage(stageName)
		if rec == nil {
			return false, fmt.Errorf("instance %q has no stage %q", instanceKey, stageName)
		}
		if expectedPrior != "" && rec.Status != expectedPrior {
			return false, nil
		}
		applyStagePatch(rec, patch)
		return true, nil
	})
}

// SetOverallStatus transitions the overall status conditionally.
func (s *PgStore) SetOverallStatus(ctx context.Context, instanceKey, from, to string) (bool, error) {
	return s.mutate(ctx, instanceKey, func(inst *model.WorkflowInstance) (bool, error) {
		if inst.OverallStatus != from {
			return false, nil
		}
		inst.OverallStatus = to
		return true, nil
	})
}

// Finalize sets a terminal overall status unless already terminal.
func (s *PgStore) Finalize(ctx context.Context, instanceKey, overallStatus string) (bool, error) {
	return s.mutate(ctx, instanceKey, func(inst *model.WorkflowInstance) (bool, error) {
		if inst.Terminal() {
			return false, nil
		}
		inst.OverallStatus = overallStatus
		return true, nil
	})
}

// ResetStage returns an error or in_progress stage to pending.
func (s *PgStore) ResetStage(ctx context.Context, instanceKey, stageName string) (bool, error) {
	return s.mutate(ctx, instanceKey, func(inst *model.WorkflowInstance) (bool, error) {
		rec := inst.Stage(stageName)
		if rec == nil {
			return false, fmt.Errorf("instance %q has no stage %q", instanceKey, stageName)
		}
		if rec.Status != model.StageError && rec.Status != model.StageInProgress {
			return false, nil
		}
		*rec = model.StageRecord{Name: rec.Name, Status: model.StagePending}
		return true, nil
	})
}

// FindStale returns non-terminal instances not updated since the cutoff.
func (s *PgStore) FindStale(ctx context.Context, cutoff time.Time) ([]model.WorkflowInstance, error) {
	return s.queryInstances(ctx,
		selectClause+` WHERE overall_status IN ($1, $2) AND updated_at < $3 AND `+notExpired+
			` ORDER BY updated_at ASC`,
		model.OverallProcessing, model.OverallInitializing, cutoff,
	)
}

// List returns instances matching the filters, newest first.
func (s *PgStore) List(ctx context.Context, filters Filters) ([]model.WorkflowInstance, error) {
	query := selectClause + ` WHERE ` + notExpired
	args := []any{}
	argIdx := 1

	if filters.OverallStatus != "" {
		query += fmt.Sprintf(" AND overall_status = $%d", argIdx)
		args = append(args, filters.OverallStatus)
		argIdx++
	}
	if filters.Source != "" {
		query += fmt.Sprintf(" AND source = $%d", argIdx)
		args = append(args, filters.Source)
		argIdx++
	}

	query += " ORDER BY created_at DESC"

	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filters.Limit)
		argIdx++
	}
	if filters.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, filters.Offset)
	}

	return s.queryInstances(ctx, query, args...)
}

// mutate runs a read-modify-write cycle with version-checked persistence.
// The apply func returns false to reject without mutating (a conditional
// check miss, reported as applied=false). A lost version race re-reads and
// re-applies up to casAttempts times.
func (s *PgStore) mutate(ctx context.Context, instanceKey string, apply func(*model.WorkflowInstance) (bool, error)) (bool, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		inst, err := s.Get(ctx, instanceKey)
		if err != nil {
			return false, err
		}

		ok, err := apply(&inst)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}

		stagesJSON, err := json.Marshal(inst.Stages)
		if err != nil {
			return false, fmt.Errorf("marshal stages: %w", err)
		}

		tag, err := s.pool.Exec(ctx, `
			UPDATE workflow_instances SET
				overall_status = $1,
				stages = $2,
				version = $3,
				updated_at = GREATEST(updated_at, now())
			WHERE instance_key = $4 AND version = $5
			  AND (expires_at IS NULL OR expires_at > now())`,
			inst.OverallStatus, stagesJSON, inst.Version+1,
			inst.InstanceKey, inst.Version,
		)
		if err != nil {
			return false, fmt.Errorf("update workflow instance: %w", err)
		}
		if tag.RowsAffected() > 0 {
			return true, nil
		}
		// Version moved underneath us; re-read and re-evaluate the condition.
	}
	return false, model.NewConflictError(
		fmt.Sprintf("instance %q version contention persisted across %d attempts", instanceKey, casAttempts),
	)
}

// notExpired keeps rows past their retention horizon out of every read; they
// exist only for external deletion tooling.
const notExpired = `(expires_at IS NULL OR expires_at > now())`

const selectClause = `
	SELECT instance_key, correlation_id, source, overall_status,
	       stages, trigger_hash, version,
	       created_at, updated_at, expires_at
	FROM workflow_instances`

func (s *PgStore) scanOne(row pgx.Row) (model.WorkflowInstance, error) {
	var inst model.WorkflowInstance
	var stagesJSON []byte
	err := row.Scan(
		&inst.InstanceKey, &inst.CorrelationID, &inst.Source, &inst.OverallStatus,
		&stagesJSON, &inst.TriggerHash, &inst.Version,
		&inst.CreatedAt, &inst.UpdatedAt, &inst.ExpiresAt,
	)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	if stagesJSON != nil {
		if err := json.Unmarshal(stagesJSON, &inst.Stages); err != nil {
			return model.WorkflowInstance{}, fmt.Errorf("unmarshal stages: %w", err)
		}
	}
	return inst, nil
}

func (s *PgStore) queryInstances(ctx context.Context, query string, args ...any) ([]model.WorkflowInstance, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query workflow instances: %w", err)
	}
	defer rows.Close()

	var instances []model.WorkflowInstance
	for rows.Next() {
		var inst model.WorkflowInstance
		var stagesJSON []byte
		if err := rows.Scan(
			&inst.InstanceKey, &inst.CorrelationID, &inst.Source, &inst.OverallStatus,
			&stagesJSON, &inst.TriggerHash, &inst.Version,
			&inst.CreatedAt, &inst.UpdatedAt, &inst.ExpiresAt,
		); err != nil {
			return nil, fmt.Errorf("scan workflow instance: %w", err)
		}
		if stagesJSON != nil {
			if err := json.Unmarshal(stagesJSON, &inst.Stages); err != nil {
				return nil, fmt.Errorf("unmarshal stages: %w", err)
			}
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}
