// Package monitor watches processing instances for stages exceeding their
// SLA budgets. A soft budget breach emits a deduplicated escalation; a hard
// ceiling breach fails the instance outright.
package monitor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sablefin/confirmd/internal/idempotency"
	"github.com/sablefin/confirmd/internal/pipeline"
	"github.com/sablefin/confirmd/internal/status"
	"github.com/sablefin/confirmd/model"
)

// Breach type labels carried on escalations.
const (
	BreachSoftBudget  = "soft_budget"
	BreachHardCeiling = "hard_ceiling"
)

// Escalation describes one SLA breach.
type Escalation struct {
	InstanceKey string        `json:"instance_key"`
	Stage       string        `json:"stage"`
	BreachType  string        `json:"breach_type"`
	Elapsed     time.Duration `json:"elapsed"`
}

// Notifier delivers escalations to the operations channel.
type Notifier interface {
	Escalate(ctx context.Context, esc Escalation) error
}

// LogNotifier writes escalations to the structured log. The default sink
// when no external channel is configured.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a log-backed Notifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Escalate logs the breach at warn level.
func (n *LogNotifier) Escalate(_ context.Context, esc Escalation) error {
	n.logger.Warn("sla breach",
		zap.String("instance_key", esc.InstanceKey),
		zap.String("stage", esc.Stage),
		zap.String("breach_type", esc.BreachType),
		zap.Duration("elapsed", esc.Elapsed),
	)
	return nil
}

// Monitor periodically scans for SLA breaches.
type Monitor struct {
	store     status.Store
	pipelines *pipeline.Registry
	dedupe    idempotency.DedupeStore
	notifier  Notifier
	logger    *zap.Logger

	scanInterval time.Duration
	dedupeTTL    time.Duration
	now          func() time.Time
}

// New creates a Monitor.
func New(store status.Store, pipelines *pipeline.Registry, dedupe idempotency.DedupeStore,
	notifier Notifier, logger *zap.Logger, scanInterval, dedupeTTL time.Duration) *Monitor {
	if scanInterval <= 0 {
		scanInterval = time.Minute
	}
	if dedupeTTL <= 0 {
		dedupeTTL = 6 * time.Hour
	}
	return &Monitor{
		store:        store,
		pipelines:    pipelines,
		dedupe:       dedupe,
		notifier:     notifier,
		logger:       logger,
		scanInterval: scanInterval,
		dedupeTTL:    dedupeTTL,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Run scans on the configured interval until the context ends.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.scanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Scan(ctx); err != nil {
				m.logger.Error("sla scan failed", zap.Error(err))
			}
		}
	}
}

// Scan inspects all processing instances once, escalating soft breaches and
// failing instances past their hard ceiling.
func (m *Monitor) Scan(ctx context.Context) error {
	now := m.now()

	instances, err := m.store.FindStale(ctx, now)
	if err != nil {
		return fmt.Errorf("finding processing instances: %w", err)
	}

	for _, inst := range instances {
		if err := m.inspect(ctx, inst, now); err != nil {
			m.logger.Error("inspecting instance",
				zap.String("instance_key", inst.InstanceKey), zap.Error(err))
		}
	}
	return nil
}

// inspect evaluates one instance's in-progress stages against their budgets.
// Elapsed time is measured from the last status mutation: a healthy run
// keeps touching the record, so silence is the breach signal.
func (m *Monitor) inspect(ctx context.Context, inst model.WorkflowInstance, now time.Time) error {
	def, ok := m.pipelines.ForSource(inst.Source)
	if !ok {
		return fmt.Errorf("no pipeline for source %q", inst.Source)
	}

	elapsed := now.Sub(inst.UpdatedAt)

	for _, rec := range inst.Stages {
		if rec.Status != model.StageInProgress {
			continue
		}
		stageDef, ok := def.StageByName(rec.Name)
		if !ok {
			continue
		}

		if stageDef.HardCeiling > 0 && elapsed > stageDef.HardCeiling {
			if err := m.failInstance(ctx, inst, rec.Name, elapsed); err != nil {
				return err
			}
			continue
		}

		if stageDef.SoftBudget > 0 && elapsed > stageDef.SoftBudget {
			if err := m.escalateOnce(ctx, Escalation{
				InstanceKey: inst.InstanceKey,
				Stage:       rec.Name,
				BreachType:  BreachSoftBudget,
				Elapsed:     elapsed,
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

// failInstance finalizes an instance that blew through a hard ceiling. The
// escalation for a hard failure always fires; finalization itself stops
// future scans from seeing the instance.
func (m *Monitor) failInstance(ctx context.Context, inst model.WorkflowInstance, stageName string, elapsed time.Duration) error {
	applied, err := m.store.Finalize(ctx, inst.InstanceKey, model.OverallFailed)
	if err != nil {
		return err
	}
	if !applied {
		// Finished (or failed) between scan and finalize; nothing to report.
		return nil
	}

	m.logger.Warn("instance failed on hard ceiling",
		zap.String("instance_key", inst.InstanceKey),
		zap.String("stage", stageName),
		zap.Duration("elapsed", elapsed),
	)
	return m.notifier.Escalate(ctx, Escalation{
		InstanceKey: inst.InstanceKey,
		Stage:       stageName,
		BreachType:  BreachHardCeiling,
		Elapsed:     elapsed,
	})
}

// escalateOnce emits a soft-budget escalation unless one is already recorded
// for this breach within the dedupe TTL.
func (m *Monitor) escalateOnce(ctx context.Context, esc Escalation) error {
	key := idempotency.FormatBreachKey(esc.InstanceKey, esc.Stage, esc.BreachType)

	seen, err := m.dedupe.Seen(ctx, key)
	if err != nil {
		return err
	}
	if seen {
		return nil
	}

	if err := m.notifier.Escalate(ctx, esc); err != nil {
		return err
	}
	return m.dedupe.Mark(ctx, key, m.dedupeTTL)
}
