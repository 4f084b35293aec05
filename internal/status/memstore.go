package status

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sablefin/confirmd/model"
)

// MemoryStore is an in-memory Store for tests and single-node deployments.
type MemoryStore struct {
	mu        sync.RWMutex
	instances map[string]model.WorkflowInstance // key: instance key
}

// NewMemoryStore creates an empty in-memory status store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instances: make(map[string]model.WorkflowInstance),
	}
}

// CreateIfAbsent persists a new instance unless a live record already holds
// the key. An expired record is replaced.
func (s *MemoryStore) CreateIfAbsent(_ context.Context, inst model.WorkflowInstance) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, exists := s.instances[inst.InstanceKey]; exists && !expiredAt(existing, time.Now().UTC()) {
		return false, nil
	}
	s.instances[inst.InstanceKey] = cloneInstance(inst)
	return true, nil
}

// Get retrieves an instance by key. Expired records read as absent.
func (s *MemoryStore) Get(_ context.Context, instanceKey string) (model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, exists := s.lookup(instanceKey)
	if !exists {
		return model.WorkflowInstance{}, model.NewInstanceNotFoundError(instanceKey)
	}
	return cloneInstance(inst), nil
}

// GetByCorrelation returns all instances sharing a correlation ID, newest first.
func (s *MemoryStore) GetByCorrelation(_ context.Context, correlationID string) ([]model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now().UTC()
	var result []model.WorkflowInstance
	for _, inst := range s.instances {
		if inst.CorrelationID == correlationID && !expiredAt(inst, now) {
			result = append(result, cloneInstance(inst))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

// UpdateStage applies a patch to one stage record, gated on the expected
// prior status when given.
func (s *MemoryStore) UpdateStage(_ context.Context, instanceKey, stageName string, patch StagePatch, expectedPrior string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, exists := s.lookup(instanceKey)
	if !exists {
		return false, model.NewInstanceNotFoundError(instanceKey)
	}

	rec := inst.Stage(stageName)
	if rec == nil {
		return false, fmt.Errorf("instance %q has no stage %q", instanceKey, stageName)
	}
	if expectedPrior != "" && rec.Status != expectedPrior {
		return false, nil
	}

	applyStagePatch(rec, patch)
	s.commit(inst)
	return true, nil
}

// SetOverallStatus transitions the overall status conditionally.
func (s *MemoryStore) SetOverallStatus(_ context.Context, instanceKey, from, to string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, exists := s.lookup(instanceKey)
	if !exists {
		return false, model.NewInstanceNotFoundError(instanceKey)
	}
	if inst.OverallStatus != from {
		return false, nil
	}

	inst.OverallStatus = to
	s.commit(inst)
	return true, nil
}

// Finalize sets a terminal overall status unless the instance already is
// terminal.
func (s *MemoryStore) Finalize(_ context.Context, instanceKey, overallStatus string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, exists := s.lookup(instanceKey)
	if !exists {
		return false, model.NewInstanceNotFoundError(instanceKey)
	}
	if inst.Terminal() {
		return false, nil
	}

	inst.OverallStatus = overallStatus
	s.commit(inst)
	return true, nil
}

// ResetStage returns an error or in_progress stage to pending.
func (s *MemoryStore) ResetStage(_ context.Context, instanceKey, stageName string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, exists := s.lookup(instanceKey)
	if !exists {
		return false, model.NewInstanceNotFoundError(instanceKey)
	}

	rec := inst.Stage(stageName)
	if rec == nil {
		return false, fmt.Errorf("instance %q has no stage %q", instanceKey, stageName)
	}
	if rec.Status != model.StageError && rec.Status != model.StageInProgress {
		return false, nil
	}

	*rec = model.StageRecord{Name: rec.Name, Status: model.StagePending}
	s.commit(inst)
	return true, nil
}

// FindStale returns non-terminal instances not updated since the cutoff.
func (s *MemoryStore) FindStale(_ context.Context, cutoff time.Time) ([]model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now().UTC()
	var result []model.WorkflowInstance
	for _, inst := range s.instances {
		if inst.Terminal() || expiredAt(inst, now) {
			continue
		}
		if !inst.UpdatedAt.Before(cutoff) {
			continue
		}
		result = append(result, cloneInstance(inst))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt.Before(result[j].UpdatedAt)
	})
	return result, nil
}

// List returns instances matching the filters, newest first.
func (s *MemoryStore) List(_ context.Context, filters Filters) ([]model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now().UTC()
	var result []model.WorkflowInstance
	for _, inst := range s.instances {
		if expiredAt(inst, now) {
			continue
		}
		if filters.OverallStatus != "" && inst.OverallStatus != filters.OverallStatus {
			continue
		}
		if filters.Source != "" && inst.Source != filters.Source {
			continue
		}
		result = append(result, cloneInstance(inst))
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	if filters.Offset > 0 {
		if filters.Offset >= len(result) {
			return []model.WorkflowInstance{}, nil
		}
		result = result[filters.Offset:]
	}
	if filters.Limit > 0 && filters.Limit < len(result) {
		result = result[:filters.Limit]
	}
	return result, nil
}

// Len returns the total number of instances. For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.instances)
}

// lookup returns the live record for a key. Expired records are
// indistinguishable from absent ones. Caller holds a lock.
func (s *MemoryStore) lookup(instanceKey string) (model.WorkflowInstance, bool) {
	inst, exists := s.instances[instanceKey]
	if !exists || expiredAt(inst, time.Now().UTC()) {
		return model.WorkflowInstance{}, false
	}
	return inst, true
}

// commit stamps and stores a mutated instance. Caller holds the write lock.
func (s *MemoryStore) commit(inst model.WorkflowInstance) {
	inst.Version++
	inst.UpdatedAt = monotonicNow(inst.UpdatedAt)
	s.instances[inst.InstanceKey] = inst
}

// cloneInstance copies an instance including its stage slice so callers can
// mutate their copy without racing the store.
func cloneInstance(inst model.WorkflowInstance) model.WorkflowInstance {
	out := inst
	out.Stages = make([]model.StageRecord, len(inst.Stages))
	copy(out.Stages, inst.Stages)
	return out
}
